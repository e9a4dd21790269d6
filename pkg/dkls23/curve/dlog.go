package curve

import (
	"errors"
	"io"
)

var ErrInvalidProof = errors.New("curve: invalid discrete log proof")

// DLogProof is a Fiat-Shamir Schnorr proof of knowledge of x with X = x*G.
type DLogProof struct {
	Commitment Point  `cbor:"1,keyasint"`
	Response   Scalar `cbor:"2,keyasint"`
}

const dlogDomain = "dkls23/dlog/v1"

func dlogChallenge(public, commitment Point, transcript []byte) Scalar {
	return HashToScalar(dlogDomain, transcript, public.Bytes(), commitment.Bytes())
}

// ProveDLog proves knowledge of secret for public = secret*G. The transcript
// binds the proof to its context (session, prover, purpose).
func ProveDLog(r io.Reader, secret Scalar, public Point, transcript []byte) (DLogProof, error) {
	k, err := RandomScalar(r)
	if err != nil {
		return DLogProof{}, err
	}
	defer k.Zeroize()
	return ProveDLogWithNonce(k, secret, public, transcript), nil
}

// ProveDLogWithNonce is ProveDLog with a caller-supplied nonce. The nonce
// must be secret and never reused across different statements.
func ProveDLogWithNonce(nonce, secret Scalar, public Point, transcript []byte) DLogProof {
	t := ScalarBaseMult(nonce)
	c := dlogChallenge(public, t, transcript)
	return DLogProof{Commitment: t, Response: nonce.Add(c.Mul(secret))}
}

// Verify checks z*G == T + c*X.
func (p DLogProof) Verify(public Point, transcript []byte) error {
	if public.IsIdentity() || p.Commitment.IsIdentity() {
		return ErrInvalidProof
	}
	c := dlogChallenge(public, p.Commitment, transcript)
	lhs := ScalarBaseMult(p.Response)
	rhs := p.Commitment.Add(public.ScalarMult(c))
	if !lhs.Equal(rhs) {
		return ErrInvalidProof
	}
	return nil
}
