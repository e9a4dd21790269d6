package curve

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
)

// PointSize is the length of a compressed point. The identity is encoded as
// PointSize zero bytes.
const PointSize = 33

var ErrInvalidPoint = errors.New("curve: invalid point encoding")

// Point is a secp256k1 group element kept in affine form. The zero value is
// the identity.
type Point struct {
	j btcec.JacobianPoint
}

// fromJacobian normalises j. btcec reports the point at infinity either with
// Z = 0 or as (0, 0, 1); both become the zero Point.
func fromJacobian(j *btcec.JacobianPoint) Point {
	var x, y, z btcec.FieldVal
	z.Set(&j.Z).Normalize()
	x.Set(&j.X).Normalize()
	y.Set(&j.Y).Normalize()
	if z.IsZero() || (x.IsZero() && y.IsZero()) {
		return Point{}
	}
	var p Point
	p.j.Set(j)
	p.j.ToAffine()
	return p
}

// Generator returns G.
func Generator() Point {
	return ScalarBaseMult(NewScalar(1))
}

// ScalarBaseMult returns k*G.
func ScalarBaseMult(k Scalar) Point {
	if k.IsZero() {
		return Point{}
	}
	var r btcec.JacobianPoint
	btcec.ScalarBaseMultNonConst(k.modN(), &r)
	return fromJacobian(&r)
}

// ScalarMult returns k*p.
func (p Point) ScalarMult(k Scalar) Point {
	if p.IsIdentity() || k.IsZero() {
		return Point{}
	}
	in := p.j
	var r btcec.JacobianPoint
	btcec.ScalarMultNonConst(k.modN(), &in, &r)
	return fromJacobian(&r)
}

// Add returns p+q.
func (p Point) Add(q Point) Point {
	if p.IsIdentity() {
		return q
	}
	if q.IsIdentity() {
		return p
	}
	a, b := p.j, q.j
	var r btcec.JacobianPoint
	btcec.AddNonConst(&a, &b, &r)
	return fromJacobian(&r)
}

// Sub returns p-q.
func (p Point) Sub(q Point) Point {
	return p.Add(q.Neg())
}

// Neg returns -p.
func (p Point) Neg() Point {
	if p.IsIdentity() {
		return p
	}
	n := p
	n.j.Y.Negate(1).Normalize()
	return n
}

// IsIdentity reports whether p is the point at infinity.
func (p Point) IsIdentity() bool {
	var z btcec.FieldVal
	z.Set(&p.j.Z).Normalize()
	return z.IsZero()
}

// Equal compares two points by their encodings.
func (p Point) Equal(q Point) bool {
	return subtle.ConstantTimeCompare(p.Bytes(), q.Bytes()) == 1
}

// Bytes returns the SEC1 compressed encoding.
func (p Point) Bytes() []byte {
	if p.IsIdentity() {
		return make([]byte, PointSize)
	}
	x, y := p.j.X, p.j.Y
	return btcec.NewPublicKey(&x, &y).SerializeCompressed()
}

// XBytes returns the affine x coordinate. The identity has no x coordinate
// and yields zeros.
func (p Point) XBytes() [32]byte {
	if p.IsIdentity() {
		return [32]byte{}
	}
	x := p.j.X
	return *x.Normalize().Bytes()
}

// YIsOdd reports the parity of the affine y coordinate.
func (p Point) YIsOdd() bool {
	y := p.j.Y
	return y.Normalize().IsOdd()
}

// PublicKey converts p to a btcec public key. The identity is rejected.
func (p Point) PublicKey() (*btcec.PublicKey, error) {
	if p.IsIdentity() {
		return nil, ErrInvalidPoint
	}
	x, y := p.j.X, p.j.Y
	return btcec.NewPublicKey(&x, &y), nil
}

// PointFromPublicKey converts a btcec public key.
func PointFromPublicKey(pk *btcec.PublicKey) Point {
	var j btcec.JacobianPoint
	pk.AsJacobian(&j)
	return fromJacobian(&j)
}

// PointFromBytes decodes a compressed or uncompressed SEC1 point, or the
// all-zero identity encoding.
func PointFromBytes(b []byte) (Point, error) {
	if len(b) == PointSize && subtle.ConstantTimeCompare(b, make([]byte, PointSize)) == 1 {
		return Point{}, nil
	}
	pk, err := btcec.ParsePubKey(b)
	if err != nil {
		return Point{}, fmt.Errorf("%w: %v", ErrInvalidPoint, err)
	}
	return PointFromPublicKey(pk), nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (p Point) MarshalBinary() ([]byte, error) {
	return p.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (p *Point) UnmarshalBinary(b []byte) error {
	v, err := PointFromBytes(b)
	if err != nil {
		return err
	}
	*p = v
	return nil
}
