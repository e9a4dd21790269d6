package curve

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
)

// Commitment is a hash commitment to data under a salt.
type Commitment [32]byte

// Salt blinds a commitment.
type Salt [32]byte

var ErrCommitmentMismatch = errors.New("curve: commitment does not open")

// Commit binds data to a domain tag and salt.
func Commit(domain string, data []byte, salt Salt) Commitment {
	h := sha256.New()
	writePart(h, []byte(domain))
	writePart(h, data)
	h.Write(salt[:])
	var c Commitment
	copy(c[:], h.Sum(nil))
	return c
}

// Verify checks that (data, salt) opens c.
func (c Commitment) Verify(domain string, data []byte, salt Salt) error {
	want := Commit(domain, data, salt)
	if subtle.ConstantTimeCompare(c[:], want[:]) != 1 {
		return ErrCommitmentMismatch
	}
	return nil
}
