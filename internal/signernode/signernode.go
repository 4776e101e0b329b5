// Package signernode orchestrates the curve, MuSig2, transaction message,
// session store, and chain submitter packages into the three operations a
// signer node exposes over HTTP: step1, step2, and combine_and_broadcast,
// plus the read-only aggregate-keys convenience. It holds no cryptographic
// logic of its own beyond wiring and the error-kind classification the HTTP
// transport needs.
package signernode

import (
	"context"
	"crypto/rand"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/solace-custody/musig-signerd/internal/curve"
	"github.com/solace-custody/musig-signerd/internal/ledger"
	"github.com/solace-custody/musig-signerd/internal/musig2"
	"github.com/solace-custody/musig-signerd/internal/protocol"
	"github.com/solace-custody/musig-signerd/internal/sessionstore"
	"github.com/solace-custody/musig-signerd/internal/signerr"
	"github.com/solace-custody/musig-signerd/internal/txmsg"
	"github.com/solace-custody/musig-signerd/pkg/helpers"
	"github.com/solace-custody/musig-signerd/pkg/logging"
)

// Service is one signer node's runtime: its own node_id, its own session and
// key share store, and a shared chain submitter.
type Service struct {
	nodeID     int
	store      *sessionstore.Store
	peerStore  *sessionstore.Store // only set for the bootstrap/combined-deployment generate path
	ledger     *ledger.Submitter
	log        *logging.Logger
	sessionTTL time.Duration
}

// New builds a Service for node nodeID (1 or 2). peerStore may be nil;
// when set, this instance can also service /generate, which is the only
// operation that writes to both nodes' databases.
func New(nodeID int, store *sessionstore.Store, peerStore *sessionstore.Store, submitter *ledger.Submitter, sessionTTL time.Duration) *Service {
	return &Service{
		nodeID:     nodeID,
		store:      store,
		peerStore:  peerStore,
		ledger:     submitter,
		log:        logging.GetDefault().Component("signernode").With("node_id", nodeID),
		sessionTTL: sessionTTL,
	}
}

func otherNodeID(nodeID int) int {
	if nodeID == 1 {
		return 2
	}
	return 1
}

func decodeAddress(s string) ([32]byte, error) {
	var out [32]byte
	b, err := protocol.DecodeBase58(s)
	if err != nil {
		return out, err
	}
	if len(b) != 32 {
		return out, fmt.Errorf("address must be 32 bytes, got %d", len(b))
	}
	copy(out[:], b)
	return out, nil
}

func randomKeypair() (*curve.Scalar, *curve.Point, error) {
	var entropy [64]byte
	if _, err := rand.Read(entropy[:]); err != nil {
		return nil, nil, err
	}
	priv := curve.RandomScalar(entropy)
	return priv, curve.ScalarBaseMult(priv), nil
}

// GenerateResult is the outcome of key generation for one end user.
type GenerateResult struct {
	EndUserPubkey string
	Node1Pubkey   string
	Node2Pubkey   string
}

// Generate creates a fresh 2-of-2 key split and persists each node's share
// to its own store. Requires peerStore to be set: this is a bootstrap
// convenience for deployments where one process can reach both node
// databases, not a runtime path any signing operation depends on.
func (svc *Service) Generate() (*GenerateResult, error) {
	if svc.peerStore == nil {
		return nil, signerr.New(signerr.IoError, "key generation requires combined deployment with access to both node stores")
	}

	ourPriv, ourPub, err := randomKeypair()
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "generate our key share", err)
	}
	peerPriv, peerPub, err := randomKeypair()
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "generate peer key share", err)
	}

	aggKey, err := musig2.KeyAgg([]*curve.Point{ourPub, peerPub})
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "aggregate generated keys", err)
	}
	endUserPubkey := protocol.EncodeBase58(aggKey.AggPublicKey.Bytes())
	peerNodeID := otherNodeID(svc.nodeID)

	if err := svc.store.CreateKeyShare(&sessionstore.KeyShare{
		EndUserPubkey: endUserPubkey, NodeID: svc.nodeID, SharePublic: ourPub, SharePrivate: ourPriv,
	}); err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "persist our key share", err)
	}
	if err := svc.store.CreatePeerPublicKey(endUserPubkey, peerNodeID, peerPub); err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "persist peer public key locally", err)
	}
	if err := svc.peerStore.CreateKeyShare(&sessionstore.KeyShare{
		EndUserPubkey: endUserPubkey, NodeID: peerNodeID, SharePublic: peerPub, SharePrivate: peerPriv,
	}); err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "persist peer key share", err)
	}
	if err := svc.peerStore.CreatePeerPublicKey(endUserPubkey, svc.nodeID, ourPub); err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "persist our public key on peer store", err)
	}

	result := &GenerateResult{EndUserPubkey: endUserPubkey}
	if svc.nodeID == 1 {
		result.Node1Pubkey, result.Node2Pubkey = protocol.EncodeBase58(ourPub.Bytes()), protocol.EncodeBase58(peerPub.Bytes())
	} else {
		result.Node1Pubkey, result.Node2Pubkey = protocol.EncodeBase58(peerPub.Bytes()), protocol.EncodeBase58(ourPub.Bytes())
	}

	svc.log.Info("generated key share", "end_user_pubkey", endUserPubkey)
	return result, nil
}

// AggregateKeys recomputes key_agg over a user's two stored public shares,
// a read-only operation that touches no session state.
func (svc *Service) AggregateKeys(endUserPubkey string) (string, error) {
	pubs, err := svc.store.LoadPublicKeys(endUserPubkey)
	if err == sessionstore.ErrKeyNotFound {
		return "", signerr.New(signerr.KeyNotFound, "no key shares for end user")
	}
	if err != nil {
		return "", signerr.Wrap(signerr.DatabaseError, "load public keys", err)
	}
	aggKey, err := musig2.KeyAgg(pubs[:])
	if err != nil {
		return "", signerr.Wrap(signerr.IoError, "aggregate keys", err)
	}
	return protocol.EncodeBase58(aggKey.AggPublicKey.Bytes()), nil
}

// buildMessageBytes reconstructs the exact bytes a session's signers sign,
// from a frozen intent and blockhash. Called identically at step2 and
// combine time (with the same intent/blockhash pair) so both rounds sign the
// same message.
func (svc *Service) buildMessageBytes(aggPub *curve.Point, intent protocol.SigningIntent, blockhash [32]byte) ([]byte, error) {
	var aggBytes [32]byte
	copy(aggBytes[:], aggPub.Bytes())

	switch intent.Kind {
	case protocol.IntentNativeTransfer:
		recipient, err := decodeAddress(intent.To)
		if err != nil {
			return nil, signerr.Wrap(signerr.InvalidRequest, "invalid recipient address", err)
		}
		return txmsg.NativeTransfer(aggBytes, recipient, intent.Lamports, blockhash).Serialize(), nil
	case protocol.IntentPrebuiltTransaction:
		parsed, err := txmsg.ParseMessage(intent.RawTransaction)
		if err != nil {
			return nil, signerr.Wrap(signerr.InvalidRequest, "malformed prebuilt transaction", err)
		}
		if err := txmsg.ValidateFeePayer(parsed, aggBytes); err != nil {
			return nil, signerr.Wrap(signerr.InvalidRequest, "fee payer does not match aggregate key", err)
		}
		return intent.RawTransaction, nil
	default:
		return nil, signerr.New(signerr.InvalidRequest, "unknown signing intent kind")
	}
}

// Step1Result is returned to the caller of step1. Blockhash must be relayed
// to step2 unchanged: node2 has no local session row to recover it from and
// needs the identical value to build the identical message bytes.
type Step1Result struct {
	SessionID  string
	AggMessage protocol.AggMessage1
	Blockhash  [32]byte
}

// Step1 loads this node's key share, freezes a recent blockhash (or the
// blockhash embedded in a prebuilt transaction), generates this node's
// round-1 nonces, and durably persists the session before returning the
// public half of those nonces.
func (svc *Service) Step1(ctx context.Context, endUserPubkey string, intent protocol.SigningIntent) (*Step1Result, error) {
	ourShare, err := svc.store.LoadKeyShare(endUserPubkey, svc.nodeID)
	if err == sessionstore.ErrKeyNotFound {
		return nil, signerr.New(signerr.KeyNotFound, "no key share for end user")
	}
	if err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "load key share", err)
	}

	pubs, err := svc.store.LoadPublicKeys(endUserPubkey)
	if err == sessionstore.ErrKeyNotFound {
		return nil, signerr.New(signerr.KeyNotFound, "no key shares for end user")
	}
	if err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "load public keys", err)
	}
	aggKey, err := musig2.KeyAgg(pubs[:])
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "aggregate keys", err)
	}
	var aggBytes [32]byte
	copy(aggBytes[:], aggKey.AggPublicKey.Bytes())

	var blockhash [32]byte
	switch intent.Kind {
	case protocol.IntentNativeTransfer:
		if _, err := decodeAddress(intent.To); err != nil {
			return nil, signerr.Wrap(signerr.InvalidRequest, "invalid recipient address", err)
		}
		bh, err := svc.ledger.LatestBlockhash(ctx)
		if err != nil {
			return nil, signerr.Wrap(signerr.LedgerRpcError, "fetch recent blockhash", err)
		}
		blockhash = bh
	case protocol.IntentPrebuiltTransaction:
		parsed, err := txmsg.ParseMessage(intent.RawTransaction)
		if err != nil {
			return nil, signerr.Wrap(signerr.InvalidRequest, "malformed prebuilt transaction", err)
		}
		if err := txmsg.ValidateFeePayer(parsed, aggBytes); err != nil {
			return nil, signerr.Wrap(signerr.InvalidRequest, "fee payer does not match aggregate key", err)
		}
		blockhash = parsed.RecentBlockhash
	default:
		return nil, signerr.New(signerr.InvalidRequest, "unknown signing intent kind")
	}

	privNonces, pubNonces, err := musig2.GenerateNonces()
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "generate nonces", err)
	}

	sessionID := uuid.NewString()
	sess := &sessionstore.Session{
		SessionID:        sessionID,
		EndUserPubkey:    endUserPubkey,
		OurPrivateNonces: privNonces,
		Intent:           intent,
		Blockhash:        blockhash,
		ExpiresAt:        time.Now().Add(svc.sessionTTL),
	}
	if err := svc.store.Create(sess); err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "create session", err)
	}

	if intent.Kind == protocol.IntentNativeTransfer {
		svc.log.Info("step1 complete", "session_id", sessionID, "end_user_pubkey", endUserPubkey,
			"amount_sol", helpers.LamportsToSOL(intent.Lamports))
	} else {
		svc.log.Info("step1 complete", "session_id", sessionID, "end_user_pubkey", endUserPubkey)
	}
	return &Step1Result{
		SessionID:  sessionID,
		AggMessage: protocol.AggMessage1{Sender: ourShare.SharePublic, PublicNonces: pubNonces},
		Blockhash:  blockhash,
	}, nil
}

// Step2Result is returned to the caller of step2.
type Step2Result struct {
	PartialSignature musig2.PartialSignature
	AggMessage       protocol.AggMessage1
}

// Step2 runs on the node that never saw step1 for this session: it has no
// local session row to load, since step1 only ever persisted one to its own
// node's store. It rebuilds the message to sign directly from the intent
// and blockhash the coordinator relays (frozen by step1, carried in
// Step1Result.Blockhash), validates the peer's round-1 message, generates
// its own fresh nonce pair, computes its partial signature, and persists a
// finalized session row in one atomic insert that doubles as the
// anti-nonce-reuse guard: a retried call with the same session_id collides
// on the row's primary key instead of passing a conditional update.
func (svc *Service) Step2(sessionID, endUserPubkey string, intent protocol.SigningIntent, blockhash [32]byte, peerMsg protocol.AggMessage1) (*Step2Result, error) {
	ourShare, err := svc.store.LoadKeyShare(endUserPubkey, svc.nodeID)
	if err == sessionstore.ErrKeyNotFound {
		return nil, signerr.New(signerr.KeyNotFound, "no key share for end user")
	}
	if err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "load key share", err)
	}
	pubs, err := svc.store.LoadPublicKeys(endUserPubkey)
	if err == sessionstore.ErrKeyNotFound {
		return nil, signerr.New(signerr.KeyNotFound, "no key shares for end user")
	}
	if err != nil {
		return nil, signerr.Wrap(signerr.DatabaseError, "load public keys", err)
	}

	expectedPeer := pubs[otherNodeID(svc.nodeID)-1]
	if !peerMsg.Sender.Equal(expectedPeer) {
		svc.log.Security(logging.WarnLevel, "peer impersonation attempt rejected", "session_id", sessionID)
		return nil, signerr.New(signerr.MismatchMessages, "peer sender does not match expected public key")
	}

	aggKey, err := musig2.KeyAgg(pubs[:])
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "aggregate keys", err)
	}
	messageBytes, err := svc.buildMessageBytes(aggKey.AggPublicKey, intent, blockhash)
	if err != nil {
		return nil, err
	}

	privNonces, pubNonces, err := musig2.GenerateNonces()
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "generate nonces", err)
	}

	allSigners := []musig2.Signer{
		{PubKey: ourShare.SharePublic, Nonces: pubNonces},
		{PubKey: peerMsg.Sender, Nonces: peerMsg.PublicNonces},
	}
	partialSig, err := musig2.PartialSign(ourShare.SharePrivate, ourShare.SharePublic, privNonces, allSigners, messageBytes)
	if err != nil {
		return nil, signerr.Wrap(signerr.IoError, "partial sign", err)
	}

	sess := &sessionstore.Session{
		SessionID:        sessionID,
		EndUserPubkey:    endUserPubkey,
		OurPrivateNonces: privNonces,
		Intent:           intent,
		Blockhash:        blockhash,
		ExpiresAt:        time.Now().Add(svc.sessionTTL),
	}
	if err := svc.store.CreateFinalized(sess, peerMsg, partialSig); err != nil {
		switch err {
		case sessionstore.ErrSessionAlreadyExists:
			return nil, signerr.New(signerr.SessionAlreadyFinalized, "session already has a recorded partial signature")
		default:
			return nil, signerr.Wrap(signerr.DatabaseError, "create finalized session", err)
		}
	}

	svc.log.Info("step2 complete", "session_id", sessionID)
	return &Step2Result{
		PartialSignature: partialSig,
		AggMessage:       protocol.AggMessage1{Sender: ourShare.SharePublic, PublicNonces: pubNonces},
	}, nil
}

// CombineAndBroadcast runs on the step1 node. It records this node's own
// partial signature via the session store's RecordStep2 single-use guard
// (step2 on the other node guards itself with CreateFinalized), sums it with
// the peer's partial signature, verifies the result, and submits it to the
// ledger. The session is closed once the partial signature is recorded,
// since the nonce is spent at that point regardless of submission outcome.
func (svc *Service) CombineAndBroadcast(ctx context.Context, sessionID string, peerPartialSig musig2.PartialSignature, peerAggMsg protocol.AggMessage1) (string, error) {
	sess, err := svc.store.Load(sessionID)
	if err == sessionstore.ErrSessionNotFound {
		return "", signerr.New(signerr.SessionNotFound, "session not found or expired")
	}
	if err != nil {
		return "", signerr.Wrap(signerr.DatabaseError, "load session", err)
	}

	ourShare, err := svc.store.LoadKeyShare(sess.EndUserPubkey, svc.nodeID)
	if err != nil {
		return "", signerr.Wrap(signerr.DatabaseError, "load key share", err)
	}
	pubs, err := svc.store.LoadPublicKeys(sess.EndUserPubkey)
	if err != nil {
		return "", signerr.Wrap(signerr.DatabaseError, "load public keys", err)
	}

	expectedPeer := pubs[otherNodeID(svc.nodeID)-1]
	if !peerAggMsg.Sender.Equal(expectedPeer) {
		svc.log.Security(logging.WarnLevel, "peer impersonation attempt rejected", "session_id", sessionID)
		svc.store.Close(sessionID)
		return "", signerr.New(signerr.MismatchMessages, "peer sender does not match expected public key")
	}

	aggKey, err := musig2.KeyAgg(pubs[:])
	if err != nil {
		return "", signerr.Wrap(signerr.IoError, "aggregate keys", err)
	}
	messageBytes, err := svc.buildMessageBytes(aggKey.AggPublicKey, sess.Intent, sess.Blockhash)
	if err != nil {
		return "", err
	}

	allSigners := []musig2.Signer{
		{PubKey: ourShare.SharePublic, Nonces: sess.OurPublicNonces},
		{PubKey: peerAggMsg.Sender, Nonces: peerAggMsg.PublicNonces},
	}
	ourPartialSig, err := musig2.PartialSign(ourShare.SharePrivate, ourShare.SharePublic, sess.OurPrivateNonces, allSigners, messageBytes)
	if err != nil {
		return "", signerr.Wrap(signerr.IoError, "partial sign", err)
	}

	if err := svc.store.RecordStep2(sessionID, peerAggMsg, ourPartialSig); err != nil {
		switch err {
		case sessionstore.ErrSessionAlreadyFinalized:
			return "", signerr.New(signerr.SessionAlreadyFinalized, "session already combined")
		case sessionstore.ErrSessionNotFound:
			return "", signerr.New(signerr.SessionNotFound, "session not found or expired")
		default:
			return "", signerr.Wrap(signerr.DatabaseError, "record combine", err)
		}
	}
	defer svc.store.Close(sessionID)

	finalSig, err := musig2.SigAgg([]musig2.PartialSignature{ourPartialSig, peerPartialSig})
	if err != nil {
		svc.log.Security(logging.WarnLevel, "partial signature R mismatch", "session_id", sessionID)
		return "", signerr.New(signerr.MismatchMessages, "partial signature commitments do not match")
	}

	if err := musig2.Verify(finalSig, aggKey.AggPublicKey, messageBytes); err != nil {
		svc.log.Security(logging.ErrorLevel, "aggregate signature failed verification", "session_id", sessionID)
		return "", signerr.New(signerr.InvalidSignature, "aggregate signature failed verification")
	}

	txBytes := txmsg.BuildTransaction(finalSig, messageBytes)
	sig, err := svc.ledger.SendAndConfirm(ctx, txBytes)
	if err != nil {
		return "", signerr.Wrap(signerr.LedgerRpcError, "submit transaction", err)
	}

	svc.log.Info("combine complete, transaction broadcast", "session_id", sessionID, "signature", sig)
	return sig, nil
}
