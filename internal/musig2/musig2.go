// Package musig2 implements the two-round MuSig2 multi-signature protocol
// over Ed25519: key aggregation, nonce generation, partial signing, and
// signature combination. Every operation here is pure — no I/O, no session
// state — so it can be unit tested and called from the signer node service
// without touching storage.
package musig2

import (
	"crypto/rand"
	"errors"
	"sort"

	"github.com/solace-custody/musig-signerd/internal/curve"
	"github.com/solace-custody/musig-signerd/pkg/helpers"
)

// Errors returned by the engine. These map directly onto the error kinds of
// the signer node service.
var (
	ErrMismatchMessages = errors.New("musig2: partial signature R values do not match")
	ErrInvalidSignature = errors.New("musig2: aggregate signature failed verification")
	ErrNoParticipants   = errors.New("musig2: at least one participant required")
)

// PublicKey is a 32-byte compressed curve point, a signer's share_public.
type PublicKey = curve.Point

// AggKey is the result of key aggregation: the combined public key together
// with each signer's aggregation coefficient, in the same order as the input
// pubkeys were sorted into.
type AggKey struct {
	AggPublicKey *curve.Point
	SortedKeys   []*curve.Point
	Coefficients []*curve.Scalar
}

// CoefficientFor returns the aggregation coefficient for the signer whose
// public key is pub, or nil if pub is not part of this aggregate key.
func (k *AggKey) CoefficientFor(pub *curve.Point) *curve.Scalar {
	for i, sk := range k.SortedKeys {
		if sk.Equal(pub) {
			return k.Coefficients[i]
		}
	}
	return nil
}

// KeyAgg sorts pubkeys by their compressed byte encoding, computes the
// MuSig2 key-aggregation coefficients, and returns the aggregate public key.
// Deterministic: identical input sets (any order) always produce the same
// AggKey.agg_public_key.
func KeyAgg(pubkeys []*curve.Point) (*AggKey, error) {
	if len(pubkeys) == 0 {
		return nil, ErrNoParticipants
	}

	sorted := make([]*curve.Point, len(pubkeys))
	copy(sorted, pubkeys)
	sort.Slice(sorted, func(i, j int) bool {
		return helpers.CompareBytes(sorted[i].Bytes(), sorted[j].Bytes()) < 0
	})

	encoded := make([][]byte, len(sorted))
	for i, p := range sorted {
		encoded[i] = p.Bytes()
	}
	listHash := curve.HashAggList(encoded)

	coeffs := make([]*curve.Scalar, len(sorted))
	agg := curve.NewIdentityPoint()
	for i, p := range sorted {
		a := curve.HashAggCoeff(listHash, p.Bytes())
		coeffs[i] = a
		agg = agg.Add(p.ScalarMult(a))
	}

	return &AggKey{
		AggPublicKey: agg,
		SortedKeys:   sorted,
		Coefficients: coeffs,
	}, nil
}

// PublicNonces is the pair of public nonce points (R1, R2) a signer
// broadcasts for one signing attempt.
type PublicNonces struct {
	R1 *curve.Point
	R2 *curve.Point
}

// Bytes returns the 64-byte wire encoding R1 || R2.
func (n PublicNonces) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, n.R1.Bytes()...)
	out = append(out, n.R2.Bytes()...)
	return out
}

// DecodePublicNonces parses a 64-byte R1 || R2 encoding, rejecting
// non-canonical or small-order points.
func DecodePublicNonces(b []byte) (PublicNonces, error) {
	if len(b) != 64 {
		return PublicNonces{}, curve.ErrInvalidPoint
	}
	r1, err := curve.DecodePoint(b[:32])
	if err != nil {
		return PublicNonces{}, err
	}
	r2, err := curve.DecodePoint(b[32:])
	if err != nil {
		return PublicNonces{}, err
	}
	return PublicNonces{R1: r1, R2: r2}, nil
}

// PrivateNonces is the pair of secret scalars (r1, r2) underlying a signer's
// PublicNonces. Must never leave the node that generated it except via
// encrypted session storage.
type PrivateNonces struct {
	R1 *curve.Scalar
	R2 *curve.Scalar
}

// GenerateNonces samples two independent uniform scalars and their
// corresponding curve points. Callers MUST durably persist the returned
// PrivateNonces before releasing PublicNonces to any peer: releasing the
// public half without having stored the private half opens the door to
// nonce reuse across retries.
func GenerateNonces() (PrivateNonces, PublicNonces, error) {
	var buf1, buf2 [64]byte
	if _, err := rand.Read(buf1[:]); err != nil {
		return PrivateNonces{}, PublicNonces{}, err
	}
	if _, err := rand.Read(buf2[:]); err != nil {
		return PrivateNonces{}, PublicNonces{}, err
	}

	r1 := curve.RandomScalar(buf1)
	r2 := curve.RandomScalar(buf2)

	priv := PrivateNonces{R1: r1, R2: r2}
	pub := PublicNonces{
		R1: curve.ScalarBaseMult(r1),
		R2: curve.ScalarBaseMult(r2),
	}
	return priv, pub, nil
}

// PartialSignature is one signer's contribution to the aggregate signature:
// the shared commitment point R and this signer's scalar s_i. Structurally
// identical to a final Ed25519 signature.
type PartialSignature struct {
	R *curve.Point
	S *curve.Scalar
}

// Bytes returns the 64-byte wire encoding R || s.
func (p PartialSignature) Bytes() []byte {
	out := make([]byte, 0, 64)
	out = append(out, p.R.Bytes()...)
	out = append(out, p.S.Bytes()...)
	return out
}

// DecodePartialSignature parses a 64-byte R || s encoding.
func DecodePartialSignature(b []byte) (PartialSignature, error) {
	if len(b) != 64 {
		return PartialSignature{}, curve.ErrInvalidPoint
	}
	r, err := curve.DecodePoint(b[:32])
	if err != nil {
		return PartialSignature{}, err
	}
	s, err := curve.DecodeScalar(b[32:])
	if err != nil {
		return PartialSignature{}, err
	}
	return PartialSignature{R: r, S: s}, nil
}

// Signer bundles the inputs partial_sign needs about one participant: their
// static pubkey and their two public nonce points for this session.
type Signer struct {
	PubKey *curve.Point
	Nonces PublicNonces
}

// PartialSign computes this signer's contribution to an aggregate signature
// over message, given the full participant set (all signers' static keys and
// round-1 nonces, in any order — key_agg re-sorts internally) and this
// signer's own private share and private nonces.
//
// All signers in a session compute the identical effective nonce R; only the
// scalar s differs per signer. sig_agg later sums the s values.
func PartialSign(
	ourShare *curve.Scalar,
	ourPub *curve.Point,
	ourNonces PrivateNonces,
	allSigners []Signer,
	message []byte,
) (PartialSignature, error) {
	pubkeys := make([]*curve.Point, len(allSigners))
	for i, s := range allSigners {
		pubkeys[i] = s.PubKey
	}
	aggKey, err := KeyAgg(pubkeys)
	if err != nil {
		return PartialSignature{}, err
	}

	aggR1 := curve.NewIdentityPoint()
	aggR2 := curve.NewIdentityPoint()
	for _, s := range allSigners {
		aggR1 = aggR1.Add(s.Nonces.R1)
		aggR2 = aggR2.Add(s.Nonces.R2)
	}

	b := curve.HashNonceCoeff(aggKey.AggPublicKey, aggR1, aggR2, message)
	effectiveR := aggR1.Add(aggR2.ScalarMult(b))

	negate := effectiveR.HasNegativeSign()
	if negate {
		effectiveR = effectiveR.Negate()
	}

	c := curve.HashSigChallenge(effectiveR, aggKey.AggPublicKey, message)

	a := aggKey.CoefficientFor(ourPub)
	if a == nil {
		return PartialSignature{}, errors.New("musig2: our public key is not part of the signer set")
	}

	ourR1, ourR2 := ourNonces.R1, ourNonces.R2
	if negate {
		// Only the nonce scalars flip sign here: effectiveR was itself negated
		// above, and -effectiveR = sum((-r1_i) + b*(-r2_i))*G. The c*a_i*x_i
		// term is unaffected since it matches the unchanged +c*X̃ on the other
		// side of the verification equation.
		ourR1 = ourR1.Negate()
		ourR2 = ourR2.Negate()
	}

	// s_i = r1 + b*r2 + c*a_i*x_i
	s := ourR1.Add(b.Multiply(ourR2)).Add(c.Multiply(a).Multiply(ourShare))

	return PartialSignature{R: effectiveR, S: s}, nil
}

// SigAgg sums a set of partial signatures into a final Ed25519-verifiable
// signature. All parts must carry the same R (sig_agg takes it from the
// first element and checks the rest against it); a mismatch means the session's
// participants disagree about the message or nonces and is a security event.
func SigAgg(parts []PartialSignature) ([]byte, error) {
	if len(parts) == 0 {
		return nil, ErrNoParticipants
	}
	r := parts[0].R
	s := parts[0].S
	for _, p := range parts[1:] {
		if !p.R.Equal(r) {
			return nil, ErrMismatchMessages
		}
		s = s.Add(p.S)
	}
	out := make([]byte, 0, 64)
	out = append(out, r.Bytes()...)
	out = append(out, s.Bytes()...)
	return out, nil
}

// Verify checks that sig is a valid Ed25519 signature over message under
// aggKey, using the standard Ed25519 verification equation s*G == R + c*X̃.
func Verify(sig []byte, aggKey *curve.Point, message []byte) error {
	if len(sig) != 64 {
		return ErrInvalidSignature
	}
	r, err := curve.DecodePoint(sig[:32])
	if err != nil {
		return ErrInvalidSignature
	}
	s, err := curve.DecodeScalar(sig[32:])
	if err != nil {
		return ErrInvalidSignature
	}

	c := curve.HashSigChallenge(r, aggKey, message)
	lhs := curve.ScalarBaseMult(s)
	rhs := r.Add(aggKey.ScalarMult(c))
	if !lhs.Equal(rhs) {
		return ErrInvalidSignature
	}
	return nil
}
