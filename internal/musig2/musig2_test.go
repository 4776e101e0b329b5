package musig2

import (
	"bytes"
	"crypto/sha512"
	"testing"

	"github.com/solace-custody/musig-signerd/internal/curve"
)

// deterministicShare derives a scalar/pubkey pair from a seed byte, for
// reproducible fixtures across tests (mirrors the "node1 share has seed
// 0x01..01" style fixtures).
func deterministicShare(t *testing.T, seedByte byte) (*curve.Scalar, *curve.Point) {
	t.Helper()
	seed := bytes.Repeat([]byte{seedByte}, 32)
	wide := sha512.Sum512(seed)
	x := curve.RandomScalar(wide)
	pub := curve.ScalarBaseMult(x)
	return x, pub
}

func twoSignerSetup(t *testing.T) (x1, x2 *curve.Scalar, p1, p2 *curve.Point) {
	t.Helper()
	x1, p1 = deterministicShare(t, 0x01)
	x2, p2 = deterministicShare(t, 0x02)
	return
}

func TestKeyAggDeterministicAndOrderIndependent(t *testing.T) {
	_, _, p1, p2 := twoSignerSetup(t)

	a, err := KeyAgg([]*curve.Point{p1, p2})
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}
	b, err := KeyAgg([]*curve.Point{p2, p1})
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}
	if !bytes.Equal(a.AggPublicKey.Bytes(), b.AggPublicKey.Bytes()) {
		t.Fatal("KeyAgg is not order-independent")
	}

	c, err := KeyAgg([]*curve.Point{p1, p2})
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}
	if !bytes.Equal(a.AggPublicKey.Bytes(), c.AggPublicKey.Bytes()) {
		t.Fatal("KeyAgg is not deterministic across runs")
	}
}

func TestRoundTripSignatureValidity(t *testing.T) {
	x1, x2, p1, p2 := twoSignerSetup(t)
	agg, err := KeyAgg([]*curve.Point{p1, p2})
	if err != nil {
		t.Fatalf("KeyAgg: %v", err)
	}

	priv1, pub1, err := GenerateNonces()
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	priv2, pub2, err := GenerateNonces()
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}

	signers := []Signer{
		{PubKey: p1, Nonces: pub1},
		{PubKey: p2, Nonces: pub2},
	}
	message := []byte("transfer 1000 lamports")

	sig1, err := PartialSign(x1, p1, priv1, signers, message)
	if err != nil {
		t.Fatalf("PartialSign(1): %v", err)
	}
	sig2, err := PartialSign(x2, p2, priv2, signers, message)
	if err != nil {
		t.Fatalf("PartialSign(2): %v", err)
	}

	final, err := SigAgg([]PartialSignature{sig1, sig2})
	if err != nil {
		t.Fatalf("SigAgg: %v", err)
	}

	if err := Verify(final, agg.AggPublicKey, message); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestSigAggRejectsMismatchedR(t *testing.T) {
	x1, x2, p1, p2 := twoSignerSetup(t)
	priv1, pub1, _ := GenerateNonces()
	priv2, pub2, _ := GenerateNonces()
	signers := []Signer{{PubKey: p1, Nonces: pub1}, {PubKey: p2, Nonces: pub2}}

	sig1, err := PartialSign(x1, p1, priv1, signers, []byte("message A"))
	if err != nil {
		t.Fatalf("PartialSign: %v", err)
	}
	sig2, err := PartialSign(x2, p2, priv2, signers, []byte("message B"))
	if err != nil {
		t.Fatalf("PartialSign: %v", err)
	}

	if _, err := SigAgg([]PartialSignature{sig1, sig2}); err != ErrMismatchMessages {
		t.Fatalf("SigAgg error = %v, want ErrMismatchMessages", err)
	}
}

func TestVerifyRejectsTamperedSignature(t *testing.T) {
	x1, x2, p1, p2 := twoSignerSetup(t)
	agg, _ := KeyAgg([]*curve.Point{p1, p2})
	priv1, pub1, _ := GenerateNonces()
	priv2, pub2, _ := GenerateNonces()
	signers := []Signer{{PubKey: p1, Nonces: pub1}, {PubKey: p2, Nonces: pub2}}
	message := []byte("transfer 1000 lamports")

	sig1, _ := PartialSign(x1, p1, priv1, signers, message)
	sig2, _ := PartialSign(x2, p2, priv2, signers, message)
	final, err := SigAgg([]PartialSignature{sig1, sig2})
	if err != nil {
		t.Fatalf("SigAgg: %v", err)
	}

	tampered := append([]byte(nil), final...)
	tampered[40] ^= 0xFF

	if err := Verify(tampered, agg.AggPublicKey, message); err == nil {
		t.Fatal("Verify accepted a tampered signature")
	}
}

func TestVerifyRejectsWrongMessage(t *testing.T) {
	x1, x2, p1, p2 := twoSignerSetup(t)
	agg, _ := KeyAgg([]*curve.Point{p1, p2})
	priv1, pub1, _ := GenerateNonces()
	priv2, pub2, _ := GenerateNonces()
	signers := []Signer{{PubKey: p1, Nonces: pub1}, {PubKey: p2, Nonces: pub2}}

	sig1, _ := PartialSign(x1, p1, priv1, signers, []byte("original message"))
	sig2, _ := PartialSign(x2, p2, priv2, signers, []byte("original message"))
	final, err := SigAgg([]PartialSignature{sig1, sig2})
	if err != nil {
		t.Fatalf("SigAgg: %v", err)
	}

	if err := Verify(final, agg.AggPublicKey, []byte("different message")); err == nil {
		t.Fatal("Verify accepted a signature over the wrong message")
	}
}

func TestPublicNonceRoundTrip(t *testing.T) {
	_, pub, err := GenerateNonces()
	if err != nil {
		t.Fatalf("GenerateNonces: %v", err)
	}
	encoded := pub.Bytes()
	decoded, err := DecodePublicNonces(encoded)
	if err != nil {
		t.Fatalf("DecodePublicNonces: %v", err)
	}
	if !decoded.R1.Equal(pub.R1) || !decoded.R2.Equal(pub.R2) {
		t.Fatal("PublicNonces round trip mismatch")
	}
}

func TestPartialSignatureRoundTrip(t *testing.T) {
	x1, x2, p1, p2 := twoSignerSetup(t)
	priv1, pub1, _ := GenerateNonces()
	priv2, pub2, _ := GenerateNonces()
	signers := []Signer{{PubKey: p1, Nonces: pub1}, {PubKey: p2, Nonces: pub2}}

	sig, err := PartialSign(x1, p1, priv1, signers, []byte("msg"))
	if err != nil {
		t.Fatalf("PartialSign: %v", err)
	}
	_ = x2
	decoded, err := DecodePartialSignature(sig.Bytes())
	if err != nil {
		t.Fatalf("DecodePartialSignature: %v", err)
	}
	if !decoded.R.Equal(sig.R) || !decoded.S.Equal(sig.S) {
		t.Fatal("PartialSignature round trip mismatch")
	}
}
