// Package ot implements the two-party multiplication used by threshold
// signing: a batch of Chou-Orlandi oblivious transfers over secp256k1 feeding
// a Gilboa-style product of a sender's scalar inputs with the receiver's
// scalar, leaving each side with an additive share of every product.
//
// Base keys are set up once per key share during DKG or re-key. Each signing
// run then costs one choice message from the receiver and one transfer
// message from the sender.
package ot

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
)

// Batch is the number of oblivious transfers per multiplication, one per bit
// of the receiver's input.
const Batch = 256

var (
	ErrChoiceLength   = errors.New("ot: choice message has wrong length")
	ErrTransferLength = errors.New("ot: transfer message has wrong length")
	ErrIdentityPoint  = errors.New("ot: identity point in choice message")
)

// BaseKey is a sender's long-lived key for one receiver.
type BaseKey struct {
	Secret curve.Scalar `cbor:"1,keyasint"`
	Public curve.Point  `cbor:"2,keyasint"`
}

// NewBaseKey samples a sender key and proves knowledge of its secret under
// transcript.
func NewBaseKey(r io.Reader, transcript []byte) (BaseKey, curve.DLogProof, error) {
	a, err := curve.RandomScalar(r)
	if err != nil {
		return BaseKey{}, curve.DLogProof{}, err
	}
	key := BaseKey{Secret: a, Public: curve.ScalarBaseMult(a)}
	proof, err := curve.ProveDLog(r, a, key.Public, transcript)
	if err != nil {
		return BaseKey{}, curve.DLogProof{}, err
	}
	return key, proof, nil
}

// Zeroize clears the secret.
func (k *BaseKey) Zeroize() { k.Secret.Zeroize() }

// ChoiceMessage carries the receiver's blinded choice points B_k.
type ChoiceMessage struct {
	Points []curve.Point `cbor:"1,keyasint"`
}

// TransferMessage carries the sender's masked pads, laid out as
// [k][input][bit].
type TransferMessage struct {
	Inputs  uint8          `cbor:"1,keyasint"`
	Ciphers []curve.Scalar `cbor:"2,keyasint"`
}

func receiverScalar(seed, transcript []byte, k int) curve.Scalar {
	return curve.HashToScalar("dkls23/ot/receiver", seed, transcript, u32(k))
}

func senderMask(seed, transcript []byte, k, l int) curve.Scalar {
	return curve.HashToScalar("dkls23/ot/mask", seed, transcript, u32(k), u32(l))
}

func pad(transcript []byte, k, l int, key curve.Point) curve.Scalar {
	return curve.HashToScalar("dkls23/ot/pad", transcript, u32(k), u32(l), key.Bytes())
}

func u32(v int) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return b[:]
}

// Choose builds the receiver's choice message for input beta against the
// sender's public base key. All receiver randomness derives from seed, so
// the same seed must be passed to Receive.
func Choose(senderPublic curve.Point, beta curve.Scalar, seed, transcript []byte) ChoiceMessage {
	pts := make([]curve.Point, Batch)
	for k := 0; k < Batch; k++ {
		b := receiverScalar(seed, transcript, k)
		B := curve.ScalarBaseMult(b)
		if beta.Bit(k) == 1 {
			B = B.Add(senderPublic)
		}
		pts[k] = B
		b.Zeroize()
	}
	return ChoiceMessage{Points: pts}
}

// Send answers a choice message with the sender's inputs alpha and returns
// the sender's additive shares of alpha[l]*beta.
func Send(key BaseKey, choice ChoiceMessage, alpha []curve.Scalar, seed, transcript []byte) (TransferMessage, []curve.Scalar, error) {
	if len(choice.Points) != Batch {
		return TransferMessage{}, nil, fmt.Errorf("%w: %d", ErrChoiceLength, len(choice.Points))
	}
	if len(alpha) == 0 || len(alpha) > 255 {
		return TransferMessage{}, nil, fmt.Errorf("ot: %d sender inputs", len(alpha))
	}
	L := len(alpha)
	pows := curve.PowersOfTwo(Batch)
	shares := make([]curve.Scalar, L)
	ciphers := make([]curve.Scalar, Batch*L*2)
	for k, B := range choice.Points {
		if B.IsIdentity() {
			return TransferMessage{}, nil, ErrIdentityPoint
		}
		k0 := B.ScalarMult(key.Secret)
		k1 := B.Sub(key.Public).ScalarMult(key.Secret)
		for l := 0; l < L; l++ {
			s := senderMask(seed, transcript, k, l)
			m1 := s.Add(alpha[l])
			ciphers[(k*L+l)*2] = s.Add(pad(transcript, k, l, k0))
			ciphers[(k*L+l)*2+1] = m1.Add(pad(transcript, k, l, k1))
			shares[l] = shares[l].Sub(pows[k].Mul(s))
			s.Zeroize()
			m1.Zeroize()
		}
	}
	return TransferMessage{Inputs: uint8(L), Ciphers: ciphers}, shares, nil
}

// Receive decrypts a transfer message and returns the receiver's additive
// shares of alpha[l]*beta.
func Receive(senderPublic curve.Point, beta curve.Scalar, msg TransferMessage, seed, transcript []byte) ([]curve.Scalar, error) {
	L := int(msg.Inputs)
	if L == 0 || len(msg.Ciphers) != Batch*L*2 {
		return nil, fmt.Errorf("%w: %d inputs, %d ciphers", ErrTransferLength, L, len(msg.Ciphers))
	}
	pows := curve.PowersOfTwo(Batch)
	shares := make([]curve.Scalar, L)
	for k := 0; k < Batch; k++ {
		b := receiverScalar(seed, transcript, k)
		key := senderPublic.ScalarMult(b)
		b.Zeroize()
		c := int(beta.Bit(k))
		for l := 0; l < L; l++ {
			m := msg.Ciphers[(k*L+l)*2+c].Sub(pad(transcript, k, l, key))
			shares[l] = shares[l].Add(pows[k].Mul(m))
		}
	}
	return shares, nil
}
