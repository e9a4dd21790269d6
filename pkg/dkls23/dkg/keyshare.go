package dkg

import (
	"encoding/hex"
	"fmt"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/ot"
)

// KeyShare is one party's output of DKG, re-key or import. It is secret to
// its owner: it carries the party's polynomial point and OT sender keys.
type KeyShare struct {
	Parameters dkls23.Parameters `cbor:"1,keyasint"`
	PartyIndex dkls23.PartyIndex `cbor:"2,keyasint"`
	// Epoch is the session id of the run that produced this share. Shares of
	// different epochs cannot sign together.
	Epoch dkls23.SessionID `cbor:"3,keyasint"`

	PolyPoint    curve.Scalar                      `cbor:"4,keyasint"`
	PublicKey    curve.Point                       `cbor:"5,keyasint"`
	PublicShares map[dkls23.PartyIndex]curve.Point `cbor:"6,keyasint"`
	ChainCode    [32]byte                          `cbor:"7,keyasint"`
	OTSender     map[dkls23.PartyIndex]ot.BaseKey  `cbor:"8,keyasint"`
	OTReceiver   map[dkls23.PartyIndex]curve.Point `cbor:"9,keyasint"`

	Depth             uint8   `cbor:"10,keyasint"`
	ChildNumber       uint32  `cbor:"11,keyasint"`
	ParentFingerprint [4]byte `cbor:"12,keyasint"`

	EthAddress string `cbor:"13,keyasint"`
}

// Validate checks the structural invariants of a share.
func (k *KeyShare) Validate() error {
	const op = "keyshare.validate"
	if k == nil {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "nil key share")
	}
	if err := k.Parameters.Validate(); err != nil {
		return err
	}
	if !k.Parameters.Contains(k.PartyIndex) {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "party index %d out of range", k.PartyIndex)
	}
	if k.Epoch.IsEmpty() {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "empty epoch")
	}
	if k.PublicKey.IsIdentity() {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "identity public key")
	}
	if len(k.PublicShares) != int(k.Parameters.ShareCount) {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "%d public shares for %d parties", len(k.PublicShares), k.Parameters.ShareCount)
	}
	for _, p := range k.Parameters.Parties() {
		if _, ok := k.PublicShares[p]; !ok {
			return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "missing public share of party %d", p)
		}
	}
	if !curve.ScalarBaseMult(k.PolyPoint).Equal(k.PublicShares[k.PartyIndex]) {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "poly point does not match public share")
	}
	for _, p := range k.Parameters.Parties() {
		if p == k.PartyIndex {
			continue
		}
		if _, ok := k.OTSender[p]; !ok {
			return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "missing OT sender key for party %d", p)
		}
		if _, ok := k.OTReceiver[p]; !ok {
			return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "missing OT receiver key for party %d", p)
		}
	}
	return nil
}

// PublicKeyBytes returns the compressed public key.
func (k *KeyShare) PublicKeyBytes() []byte {
	return k.PublicKey.Bytes()
}

// PublicKeyHex returns the compressed public key in hex.
func (k *KeyShare) PublicKeyHex() string {
	return hex.EncodeToString(k.PublicKey.Bytes())
}

// Clone returns a deep copy.
func (k *KeyShare) Clone() *KeyShare {
	if k == nil {
		return nil
	}
	c := *k
	c.Epoch = k.Epoch.Clone()
	c.PublicShares = make(map[dkls23.PartyIndex]curve.Point, len(k.PublicShares))
	for i, p := range k.PublicShares {
		c.PublicShares[i] = p
	}
	c.OTSender = make(map[dkls23.PartyIndex]ot.BaseKey, len(k.OTSender))
	for i, key := range k.OTSender {
		c.OTSender[i] = key
	}
	c.OTReceiver = make(map[dkls23.PartyIndex]curve.Point, len(k.OTReceiver))
	for i, p := range k.OTReceiver {
		c.OTReceiver[i] = p
	}
	return &c
}

// Zeroize clears every secret held by the share.
func (k *KeyShare) Zeroize() {
	if k == nil {
		return
	}
	k.PolyPoint.Zeroize()
	for i, key := range k.OTSender {
		key.Zeroize()
		k.OTSender[i] = key
	}
}

// Encode serializes the share in canonical CBOR.
func (k *KeyShare) Encode() ([]byte, error) {
	return dkls23.Marshal(k)
}

// UnmarshalKeyShare decodes and validates an encoded share.
func UnmarshalKeyShare(data []byte) (*KeyShare, error) {
	var k KeyShare
	if err := dkls23.Unmarshal(data, &k); err != nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "keyshare.decode", nil, "%v", err)
	}
	if err := k.Validate(); err != nil {
		return nil, err
	}
	return &k, nil
}

// EthereumAddress returns the checksummed Ethereum address of a public key.
func EthereumAddress(pk curve.Point) (string, error) {
	pub, err := ethcrypto.DecompressPubkey(pk.Bytes())
	if err != nil {
		return "", fmt.Errorf("ethereum address: %w", err)
	}
	return ethcrypto.PubkeyToAddress(*pub).Hex(), nil
}
