package curve

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
)

// ScalarSize is the encoded length of a scalar.
const ScalarSize = 32

var (
	ErrScalarOverflow = errors.New("curve: scalar not below group order")
	ErrScalarLength   = errors.New("curve: scalar must be 32 bytes")
)

// Scalar is an element of Z_n for the secp256k1 group order n. The zero value
// is the scalar 0.
type Scalar struct {
	v btcec.ModNScalar
}

// NewScalar returns the scalar with small integer value x.
func NewScalar(x uint32) Scalar {
	var s Scalar
	s.v.SetInt(x)
	return s
}

// RandomScalar samples a uniformly random non-zero scalar from r. A nil
// reader means crypto/rand.
func RandomScalar(r io.Reader) (Scalar, error) {
	if r == nil {
		r = rand.Reader
	}
	var buf [ScalarSize]byte
	defer clear(buf[:])
	for {
		if _, err := io.ReadFull(r, buf[:]); err != nil {
			return Scalar{}, fmt.Errorf("curve: read randomness: %w", err)
		}
		var s Scalar
		if overflow := s.v.SetBytes(&buf); overflow != 0 || s.v.IsZero() {
			continue
		}
		return s, nil
	}
}

// ScalarFromBytes decodes a 32-byte big-endian scalar, rejecting values that
// are not reduced.
func ScalarFromBytes(b []byte) (Scalar, error) {
	if len(b) != ScalarSize {
		return Scalar{}, ErrScalarLength
	}
	var s Scalar
	if s.v.SetByteSlice(b) {
		return Scalar{}, ErrScalarOverflow
	}
	return s, nil
}

// ScalarFromBytesReduced interprets b as a big-endian integer reduced modulo
// n. Inputs longer than 32 bytes are truncated to their leading 32 bytes, the
// same rule ECDSA applies to message digests.
func ScalarFromBytesReduced(b []byte) Scalar {
	if len(b) > ScalarSize {
		b = b[:ScalarSize]
	}
	var s Scalar
	s.v.SetByteSlice(b)
	return s
}

// HashToScalar maps a domain tag and a list of length-prefixed parts to a
// scalar using SHA-256 in counter mode, discarding out-of-range candidates.
func HashToScalar(domain string, parts ...[]byte) Scalar {
	for ctr := uint32(0); ; ctr++ {
		h := sha256.New()
		writePart(h, []byte(domain))
		for _, p := range parts {
			writePart(h, p)
		}
		var c [4]byte
		binary.BigEndian.PutUint32(c[:], ctr)
		h.Write(c[:])
		var s Scalar
		if !s.v.SetByteSlice(h.Sum(nil)) && !s.v.IsZero() {
			return s
		}
	}
}

func writePart(w io.Writer, p []byte) {
	var l [8]byte
	binary.BigEndian.PutUint64(l[:], uint64(len(p)))
	_, _ = w.Write(l[:])
	_, _ = w.Write(p)
}

// Bytes returns the 32-byte big-endian encoding.
func (s Scalar) Bytes() []byte {
	b := s.v.Bytes()
	return b[:]
}

// Array returns the 32-byte big-endian encoding as an array.
func (s Scalar) Array() [ScalarSize]byte {
	return s.v.Bytes()
}

func (s Scalar) Add(o Scalar) Scalar {
	var r Scalar
	r.v.Add2(&s.v, &o.v)
	return r
}

func (s Scalar) Sub(o Scalar) Scalar {
	var neg btcec.ModNScalar
	neg.NegateVal(&o.v)
	var r Scalar
	r.v.Add2(&s.v, &neg)
	return r
}

func (s Scalar) Mul(o Scalar) Scalar {
	var r Scalar
	r.v.Mul2(&s.v, &o.v)
	return r
}

func (s Scalar) Neg() Scalar {
	var r Scalar
	r.v.NegateVal(&s.v)
	return r
}

// Inverse returns s^-1. The inverse of zero is an error.
func (s Scalar) Inverse() (Scalar, error) {
	if s.v.IsZero() {
		return Scalar{}, errors.New("curve: inverse of zero")
	}
	var r Scalar
	r.v.InverseValNonConst(&s.v)
	return r, nil
}

func (s Scalar) IsZero() bool { return s.v.IsZero() }

// Equal compares in constant time.
func (s Scalar) Equal(o Scalar) bool { return s.v.Equals(&o.v) }

// IsOverHalfOrder reports s > n/2.
func (s Scalar) IsOverHalfOrder() bool { return s.v.IsOverHalfOrder() }

// Bit returns bit i (0 = least significant).
func (s Scalar) Bit(i int) uint8 {
	b := s.v.Bytes()
	return (b[ScalarSize-1-i/8] >> (uint(i) % 8)) & 1
}

// Zeroize clears the scalar in place.
func (s *Scalar) Zeroize() {
	s.v.Zero()
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (s Scalar) MarshalBinary() ([]byte, error) {
	return s.Bytes(), nil
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler.
func (s *Scalar) UnmarshalBinary(b []byte) error {
	v, err := ScalarFromBytes(b)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

func (s Scalar) modN() *btcec.ModNScalar {
	v := s.v
	return &v
}

// PowersOfTwo returns 2^0 .. 2^(n-1) as scalars.
func PowersOfTwo(n int) []Scalar {
	out := make([]Scalar, n)
	if n == 0 {
		return out
	}
	out[0] = NewScalar(1)
	two := NewScalar(2)
	for i := 1; i < n; i++ {
		out[i] = out[i-1].Mul(two)
	}
	return out
}
