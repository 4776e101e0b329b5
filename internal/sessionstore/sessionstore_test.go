package sessionstore

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/solace-custody/musig-signerd/internal/curve"
	"github.com/solace-custody/musig-signerd/internal/musig2"
	"github.com/solace-custody/musig-signerd/internal/protocol"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "node.db"), "test-at-rest-key")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	return store
}

func fixtureKeyShare(t *testing.T, endUserPubkey string, nodeID int, seed byte) *KeyShare {
	t.Helper()
	var wide [64]byte
	for i := range wide {
		wide[i] = seed
	}
	priv := curve.RandomScalar(wide)
	pub := curve.ScalarBaseMult(priv)
	return &KeyShare{EndUserPubkey: endUserPubkey, NodeID: nodeID, SharePublic: pub, SharePrivate: priv}
}

func TestKeyShareCreateLoadRoundTrip(t *testing.T) {
	store := openTestStore(t)
	share := fixtureKeyShare(t, "user-1", 1, 0x01)

	if err := store.CreateKeyShare(share); err != nil {
		t.Fatalf("CreateKeyShare: %v", err)
	}

	loaded, err := store.LoadKeyShare("user-1", 1)
	if err != nil {
		t.Fatalf("LoadKeyShare: %v", err)
	}
	if !loaded.SharePublic.Equal(share.SharePublic) {
		t.Fatal("loaded public key does not match")
	}
	if !loaded.SharePrivate.Equal(share.SharePrivate) {
		t.Fatal("loaded private scalar does not match")
	}
}

func TestKeyShareCreateIsIdempotent(t *testing.T) {
	store := openTestStore(t)
	share := fixtureKeyShare(t, "user-1", 1, 0x01)

	if err := store.CreateKeyShare(share); err != nil {
		t.Fatalf("first CreateKeyShare: %v", err)
	}
	if err := store.CreateKeyShare(share); err != nil {
		t.Fatalf("retry CreateKeyShare should be absorbed, got: %v", err)
	}
}

func TestLoadKeyShareNotFound(t *testing.T) {
	store := openTestStore(t)
	if _, err := store.LoadKeyShare("missing-user", 1); err != ErrKeyNotFound {
		t.Fatalf("LoadKeyShare error = %v, want ErrKeyNotFound", err)
	}
}

func TestLoadPublicKeysRequiresBoth(t *testing.T) {
	store := openTestStore(t)
	share := fixtureKeyShare(t, "user-1", 1, 0x01)
	if err := store.CreateKeyShare(share); err != nil {
		t.Fatalf("CreateKeyShare: %v", err)
	}
	if _, err := store.LoadPublicKeys("user-1"); err != ErrKeyNotFound {
		t.Fatalf("LoadPublicKeys error = %v, want ErrKeyNotFound with only one share", err)
	}

	share2 := fixtureKeyShare(t, "user-1", 2, 0x02)
	if err := store.CreateKeyShare(share2); err != nil {
		t.Fatalf("CreateKeyShare: %v", err)
	}
	pubs, err := store.LoadPublicKeys("user-1")
	if err != nil {
		t.Fatalf("LoadPublicKeys: %v", err)
	}
	if !pubs[0].Equal(share.SharePublic) || !pubs[1].Equal(share2.SharePublic) {
		t.Fatal("LoadPublicKeys returned keys in the wrong slots")
	}
}

func fixtureSession(t *testing.T, id string) *Session {
	t.Helper()
	_, pub, err := musig2.GenerateNonces()
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	priv, _, err := musig2.GenerateNonces()
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	_ = pub
	return &Session{
		SessionID:        id,
		EndUserPubkey:    "user-1",
		OurPrivateNonces: priv,
		Intent:           protocol.SigningIntent{Kind: protocol.IntentNativeTransfer, To: "recipient", Lamports: 1000},
		Blockhash:        [32]byte{0xAA},
		ExpiresAt:        time.Now().Add(5 * time.Minute),
	}
}

func TestSessionCreateLoadClose(t *testing.T) {
	store := openTestStore(t)
	id := uuid.NewString()
	sess := fixtureSession(t, id)

	if err := store.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !loaded.OurPrivateNonces.R1.Equal(sess.OurPrivateNonces.R1) {
		t.Fatal("loaded session nonces do not match")
	}

	if err := store.Close(id); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if _, err := store.Load(id); err != ErrSessionNotFound {
		t.Fatalf("Load after Close = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionCreateRejectsDuplicateID(t *testing.T) {
	store := openTestStore(t)
	id := uuid.NewString()
	sess := fixtureSession(t, id)
	if err := store.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if err := store.Create(sess); err != ErrSessionAlreadyExists {
		t.Fatalf("duplicate Create error = %v, want ErrSessionAlreadyExists", err)
	}
}

func TestRecordStep2SingleUse(t *testing.T) {
	store := openTestStore(t)
	id := uuid.NewString()
	sess := fixtureSession(t, id)
	if err := store.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	_, peerPub, err := musig2.GenerateNonces()
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	peerMsg := protocol.AggMessage1{Sender: curve.NewGeneratorPoint(), PublicNonces: peerPub}
	sig := musig2.PartialSignature{R: curve.NewGeneratorPoint(), S: sess.OurPrivateNonces.R1}

	if err := store.RecordStep2(id, peerMsg, sig); err != nil {
		t.Fatalf("first RecordStep2: %v", err)
	}

	if err := store.RecordStep2(id, peerMsg, sig); err != ErrSessionAlreadyFinalized {
		t.Fatalf("second RecordStep2 error = %v, want ErrSessionAlreadyFinalized", err)
	}

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.OurPartialSig == nil || !loaded.OurPartialSig.S.Equal(sig.S) {
		t.Fatal("stored partial signature does not match what was recorded")
	}
}

func TestCreateFinalizedSingleUse(t *testing.T) {
	store := openTestStore(t)
	id := uuid.NewString()
	sess := fixtureSession(t, id)

	_, peerPub, err := musig2.GenerateNonces()
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	peerMsg := protocol.AggMessage1{Sender: curve.NewGeneratorPoint(), PublicNonces: peerPub}
	sig := musig2.PartialSignature{R: curve.NewGeneratorPoint(), S: sess.OurPrivateNonces.R1}

	if err := store.CreateFinalized(sess, peerMsg, sig); err != nil {
		t.Fatalf("first CreateFinalized: %v", err)
	}

	loaded, err := store.Load(id)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if loaded.OurPartialSig == nil || !loaded.OurPartialSig.S.Equal(sig.S) {
		t.Fatal("stored partial signature does not match what was recorded")
	}

	if err := store.CreateFinalized(sess, peerMsg, sig); err != ErrSessionAlreadyExists {
		t.Fatalf("retried CreateFinalized error = %v, want ErrSessionAlreadyExists", err)
	}
}

func TestSweepExpired(t *testing.T) {
	store := openTestStore(t)
	id := uuid.NewString()
	sess := fixtureSession(t, id)
	sess.ExpiresAt = time.Now().Add(-time.Minute)
	if err := store.Create(sess); err != nil {
		t.Fatalf("Create: %v", err)
	}

	if _, err := store.Load(id); err != ErrSessionNotFound {
		t.Fatalf("Load on already-expired session = %v, want ErrSessionNotFound", err)
	}

	n, err := store.SweepExpired()
	if err != nil {
		t.Fatalf("SweepExpired: %v", err)
	}
	if n != 1 {
		t.Fatalf("SweepExpired removed %d rows, want 1", n)
	}
}
