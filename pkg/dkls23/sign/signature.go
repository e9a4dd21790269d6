package sign

import (
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/0xCarbon/libtss/pkg/dkls23"
)

// DigestSize is the required length of a message digest.
const DigestSize = 32

// Signature is an ECDSA signature with its public-key recovery id.
type Signature struct {
	R          [32]byte `cbor:"1,keyasint"`
	S          [32]byte `cbor:"2,keyasint"`
	RecoveryID uint8    `cbor:"3,keyasint"`
}

// RHex returns r as hex.
func (s Signature) RHex() string { return hex.EncodeToString(s.R[:]) }

// SHex returns s as hex.
func (s Signature) SHex() string { return hex.EncodeToString(s.S[:]) }

// Bytes returns the 65-byte [R || S || V] form used by Ethereum, V being the
// raw recovery id.
func (s Signature) Bytes() []byte {
	out := make([]byte, 0, 65)
	out = append(out, s.R[:]...)
	out = append(out, s.S[:]...)
	return append(out, s.RecoveryID)
}

func (s Signature) scalars() (r, sv btcec.ModNScalar, ok bool) {
	if r.SetByteSlice(s.R[:]) || r.IsZero() {
		return r, sv, false
	}
	if sv.SetByteSlice(s.S[:]) || sv.IsZero() {
		return r, sv, false
	}
	return r, sv, true
}

// DER returns the ASN.1 DER encoding of (r, s).
func (s Signature) DER() ([]byte, error) {
	r, sv, ok := s.scalars()
	if !ok {
		return nil, errors.New("sign: signature scalars out of range")
	}
	return ecdsa.NewSignature(&r, &sv).Serialize(), nil
}

// IsLowS reports whether s <= n/2.
func (s Signature) IsLowS() bool {
	_, sv, ok := s.scalars()
	return ok && !sv.IsOverHalfOrder()
}

// Verify checks sig over digest against a SEC1-encoded public key. A valid
// signature must also recover to the same key through its recovery id.
// Malformed inputs are reported as errors; a well-formed signature that does
// not verify returns false.
func Verify(sig Signature, digest []byte, publicKey []byte) (bool, error) {
	const op = "verify"
	if len(digest) != DigestSize {
		return false, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "digest must be %d bytes, got %d", DigestSize, len(digest))
	}
	pk, err := btcec.ParsePubKey(publicKey)
	if err != nil {
		return false, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "public key: %v", err)
	}
	if sig.RecoveryID > 3 {
		return false, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "recovery id %d", sig.RecoveryID)
	}
	r, s, ok := sig.scalars()
	if !ok {
		return false, nil
	}
	if !ecdsa.NewSignature(&r, &s).Verify(digest, pk) {
		return false, nil
	}

	recovered, err := ethcrypto.SigToPub(digest, sig.Bytes())
	if err != nil {
		return false, nil
	}
	want, err := ethcrypto.DecompressPubkey(pk.SerializeCompressed())
	if err != nil {
		return false, fmt.Errorf("%s: %w", op, err)
	}
	return recovered.X.Cmp(want.X) == 0 && recovered.Y.Cmp(want.Y) == 0, nil
}
