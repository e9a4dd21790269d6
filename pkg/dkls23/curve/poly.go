package curve

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"maps"
	"slices"
)

// Polynomial holds coefficients in ascending degree order.
type Polynomial []Scalar

// RandomPolynomial samples a polynomial of the given degree. When constant is
// non-nil it becomes the free coefficient.
func RandomPolynomial(r io.Reader, degree int, constant *Scalar) (Polynomial, error) {
	if degree < 0 {
		return nil, errors.New("curve: negative degree")
	}
	p := make(Polynomial, degree+1)
	for i := range p {
		if i == 0 && constant != nil {
			p[0] = *constant
			continue
		}
		s, err := RandomScalar(r)
		if err != nil {
			return nil, err
		}
		p[i] = s
	}
	return p, nil
}

// Eval evaluates the polynomial at x using Horner's rule.
func (p Polynomial) Eval(x Scalar) Scalar {
	var acc Scalar
	for i := len(p) - 1; i >= 0; i-- {
		acc = acc.Mul(x).Add(p[i])
	}
	return acc
}

// Zeroize clears every coefficient.
func (p Polynomial) Zeroize() {
	for i := range p {
		p[i].Zeroize()
	}
}

// LagrangeAtZero returns the Lagrange coefficient of x_i for interpolation at
// 0 over the evaluation points xs.
func LagrangeAtZero(xi uint32, xs []uint32) (Scalar, error) {
	num := NewScalar(1)
	den := NewScalar(1)
	found := false
	for _, xj := range xs {
		if xj == xi {
			found = true
			continue
		}
		num = num.Mul(NewScalar(xj))
		den = den.Mul(NewScalar(xj).Sub(NewScalar(xi)))
	}
	if !found {
		return Scalar{}, fmt.Errorf("curve: %d not in interpolation set", xi)
	}
	inv, err := den.Inverse()
	if err != nil {
		return Scalar{}, fmt.Errorf("curve: repeated interpolation point: %w", err)
	}
	return num.Mul(inv), nil
}

// InterpolatePointAtZero combines points P_i = f(x_i)*G into f(0)*G.
func InterpolatePointAtZero(points map[uint32]Point) (Point, error) {
	xs := sortedKeys(points)
	var acc Point
	for _, xi := range xs {
		l, err := LagrangeAtZero(xi, xs)
		if err != nil {
			return Point{}, err
		}
		acc = acc.Add(points[xi].ScalarMult(l))
	}
	return acc, nil
}

// Feldman holds the commitments a_k*G to every coefficient a_k of a
// polynomial, lowest degree first.
type Feldman []Point

// Feldman returns the commitments to p's coefficients.
func (p Polynomial) Feldman() Feldman {
	out := make(Feldman, len(p))
	for i, a := range p {
		out[i] = ScalarBaseMult(a)
	}
	return out
}

// Eval returns f(x)*G for the committed polynomial f.
func (f Feldman) Eval(x Scalar) Point {
	var acc Point
	for i := len(f) - 1; i >= 0; i-- {
		acc = acc.ScalarMult(x).Add(f[i])
	}
	return acc
}

// Verify reports whether share is the committed polynomial's value at x.
func (f Feldman) Verify(x, share Scalar) bool {
	return ScalarBaseMult(share).Equal(f.Eval(x))
}

// Digest hashes the commitments so parties can compare their views.
func (f Feldman) Digest() [32]byte {
	h := sha256.New()
	for _, c := range f {
		h.Write(c.Bytes())
	}
	var out [32]byte
	h.Sum(out[:0])
	return out
}

func sortedKeys[V any](m map[uint32]V) []uint32 {
	return slices.Sorted(maps.Keys(m))
}
