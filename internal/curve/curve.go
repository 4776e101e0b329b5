// Package curve adapts filippo.io/edwards25519 scalar and point arithmetic
// for the MuSig2 engine: canonical encoding/decoding, small-order rejection,
// and the domain-separated hash-to-scalar functions MuSig2 needs.
package curve

import (
	"crypto/sha512"
	"errors"

	"filippo.io/edwards25519"
)

// Errors returned by curve operations.
var (
	ErrInvalidPoint  = errors.New("curve: invalid point encoding")
	ErrInvalidScalar = errors.New("curve: invalid scalar encoding")
)

// ScalarSize and PointSize are the canonical encoded lengths.
const (
	ScalarSize = 32
	PointSize  = 32
)

// Scalar is an element of the Ed25519 scalar field (mod the prime subgroup order L).
type Scalar struct {
	s *edwards25519.Scalar
}

// Point is a point on the twisted Edwards curve. DecodePoint rejects the eight
// small-order (torsion) points; a point with both a prime-order and a torsion
// component is not rejected.
type Point struct {
	p *edwards25519.Point
}

// NewGeneratorPoint returns the Ed25519 base point G.
func NewGeneratorPoint() *Point {
	return &Point{p: edwards25519.NewGeneratorPoint()}
}

// NewIdentityPoint returns the curve's identity element.
func NewIdentityPoint() *Point {
	return &Point{p: edwards25519.NewIdentityPoint()}
}

// RandomScalar samples a uniform scalar mod L using the supplied 64 bytes of
// entropy (e.g. from crypto/rand).
func RandomScalar(entropy [64]byte) *Scalar {
	sc, err := edwards25519.NewScalar().SetUniformBytes(entropy[:])
	if err != nil {
		// SetUniformBytes only fails on wrong input length; entropy is fixed-size.
		panic(err)
	}
	return &Scalar{s: sc}
}

// DecodeScalar parses a canonical little-endian 32-byte scalar encoding,
// rejecting values >= L.
func DecodeScalar(b []byte) (*Scalar, error) {
	if len(b) != ScalarSize {
		return nil, ErrInvalidScalar
	}
	sc, err := edwards25519.NewScalar().SetCanonicalBytes(b)
	if err != nil {
		return nil, ErrInvalidScalar
	}
	return &Scalar{s: sc}, nil
}

// DecodePoint parses a compressed little-endian 32-byte point encoding,
// rejecting non-canonical encodings, points off the curve, and points of
// small order (torsion).
func DecodePoint(b []byte) (*Point, error) {
	if len(b) != PointSize {
		return nil, ErrInvalidPoint
	}
	p, err := edwards25519.NewIdentityPoint().SetBytes(b)
	if err != nil {
		return nil, ErrInvalidPoint
	}
	pt := &Point{p: p}
	if pt.isSmallOrder() {
		return nil, ErrInvalidPoint
	}
	return pt, nil
}

// isSmallOrder reports whether the point's order divides the curve cofactor
// (8), i.e. it is one of the eight low-order torsion points.
func (p *Point) isSmallOrder() bool {
	cleared := edwards25519.NewIdentityPoint().MultByCofactor(p.p)
	return cleared.Equal(edwards25519.NewIdentityPoint()) == 1
}

// Bytes returns the canonical compressed 32-byte encoding.
func (p *Point) Bytes() []byte {
	return p.p.Bytes()
}

// Bytes returns the canonical little-endian 32-byte encoding.
func (s *Scalar) Bytes() []byte {
	return s.s.Bytes()
}

// Add returns p + q.
func (p *Point) Add(q *Point) *Point {
	return &Point{p: edwards25519.NewIdentityPoint().Add(p.p, q.p)}
}

// Negate returns -p.
func (p *Point) Negate() *Point {
	return &Point{p: edwards25519.NewIdentityPoint().Negate(p.p)}
}

// ScalarMult returns s*p.
func (p *Point) ScalarMult(s *Scalar) *Point {
	return &Point{p: edwards25519.NewIdentityPoint().ScalarMult(s.s, p.p)}
}

// ScalarBaseMult returns s*G.
func ScalarBaseMult(s *Scalar) *Point {
	return &Point{p: edwards25519.NewIdentityPoint().ScalarBaseMult(s.s)}
}

// Equal reports whether p and q encode the same point, in constant time.
func (p *Point) Equal(q *Point) bool {
	return p.p.Equal(q.p) == 1
}

// IsIdentity reports whether p is the group identity.
func (p *Point) IsIdentity() bool {
	return p.Equal(NewIdentityPoint())
}

// HasNegativeSign reports the sign bit packed into the point's compressed
// encoding, used by MuSig2 to decide when to negate effective nonces/keys.
func (p *Point) HasNegativeSign() bool {
	b := p.Bytes()
	return b[31]&0x80 != 0
}

// Add returns a + b mod L.
func (s *Scalar) Add(o *Scalar) *Scalar {
	return &Scalar{s: edwards25519.NewScalar().Add(s.s, o.s)}
}

// Multiply returns a * b mod L.
func (s *Scalar) Multiply(o *Scalar) *Scalar {
	return &Scalar{s: edwards25519.NewScalar().Multiply(s.s, o.s)}
}

// Negate returns -a mod L.
func (s *Scalar) Negate() *Scalar {
	return &Scalar{s: edwards25519.NewScalar().Negate(s.s)}
}

// Equal reports scalar equality in constant time.
func (s *Scalar) Equal(o *Scalar) bool {
	return s.s.Equal(o.s) == 1
}

// hashToScalar hashes the concatenation of all inputs with SHA-512 and
// reduces the wide output mod L via SetUniformBytes.
func hashToScalar(parts ...[]byte) *Scalar {
	h := sha512.New()
	for _, p := range parts {
		h.Write(p)
	}
	sum := h.Sum(nil)
	var wide [64]byte
	copy(wide[:], sum)
	sc, err := edwards25519.NewScalar().SetUniformBytes(wide[:])
	if err != nil {
		panic(err) // SHA-512 output is always exactly 64 bytes
	}
	return &Scalar{s: sc}
}

// domainSeparatedHash hashes a tag byte then the remaining parts, giving each
// MuSig2-internal hash function (H_agg, H_non) a disjoint input space so that a
// scalar computed for one purpose can never collide with another's.
func domainSeparatedHash(tag byte, parts ...[]byte) *Scalar {
	all := make([][]byte, 0, len(parts)+1)
	all = append(all, []byte{tag})
	all = append(all, parts...)
	return hashToScalar(all...)
}

// Hash domain tags for the MuSig2 sub-hashes.
const (
	tagAggList  byte = 0x01 // H_agg("list", pubkeys)
	tagAggCoeff byte = 0x02 // H_agg("coeff", L, P_i)
	tagNonCoeff byte = 0x03 // H_non(X~, R1, R2, message) -- binding coefficient b
)

// HashAggList computes L = H_agg("list", pubkeys) over the sorted public keys.
func HashAggList(sortedPubkeys [][]byte) *Scalar {
	return domainSeparatedHash(tagAggList, sortedPubkeys...)
}

// HashAggCoeff computes the MuSig2 key-aggregation coefficient a_i for one signer.
func HashAggCoeff(listHash *Scalar, pubkey []byte) *Scalar {
	return domainSeparatedHash(tagAggCoeff, listHash.Bytes(), pubkey)
}

// HashNonceCoeff computes the binding coefficient b = H_non(X~, R1, R2, message).
func HashNonceCoeff(aggKey *Point, r1, r2 *Point, message []byte) *Scalar {
	return domainSeparatedHash(tagNonCoeff, aggKey.Bytes(), r1.Bytes(), r2.Bytes(), message)
}

// HashSigChallenge computes the Fiat-Shamir challenge c = H_sig(R, X~, message),
// matching the standard Ed25519 challenge SHA-512(R || A || M) mod L (no
// domain tag) so the aggregate signature verifies under plain Ed25519 rules.
func HashSigChallenge(r, aggKey *Point, message []byte) *Scalar {
	return hashToScalar(r.Bytes(), aggKey.Bytes(), message)
}
