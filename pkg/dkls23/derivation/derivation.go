// Package derivation implements non-hardened BIP-32 child key derivation
// over threshold key shares.
//
// Only public derivation is possible: the step tweak IL is computed from the
// public key and chain code, and every party adds it to its polynomial point.
// Since adding a constant to the sharing polynomial shifts every evaluation by
// the same amount, the derived shares stay a valid sharing of the child key.
package derivation

import (
	"crypto/hmac"
	"crypto/sha512"
	"encoding/binary"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/btcsuite/btcd/btcutil"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
)

// HardenedOffset is the first hardened child number.
const HardenedOffset uint32 = 1 << 31

// MaxDepth is the deepest node BIP-32 can encode.
const MaxDepth = 255

var (
	// ErrHardened is returned for child numbers at or above HardenedOffset.
	ErrHardened = errors.New("derivation: hardened derivation needs the full private key")
	// ErrInvalidChild is returned for the rare indices BIP-32 declares
	// invalid. Callers should move on to the next index.
	ErrInvalidChild = errors.New("derivation: invalid child, use the next index")
	// ErrMaxDepth is returned when deriving below depth 255.
	ErrMaxDepth = errors.New("derivation: maximum depth reached")
)

// Node is the public part of a BIP-32 node.
type Node struct {
	PublicKey         curve.Point
	ChainCode         [32]byte
	Depth             uint8
	ChildNumber       uint32
	ParentFingerprint [4]byte
}

// NodeOf returns the public node a key share sits at.
func NodeOf(share *dkg.KeyShare) Node {
	return Node{
		PublicKey:         share.PublicKey,
		ChainCode:         share.ChainCode,
		Depth:             share.Depth,
		ChildNumber:       share.ChildNumber,
		ParentFingerprint: share.ParentFingerprint,
	}
}

// Fingerprint returns the first four bytes of HASH160 of the compressed key.
func (n Node) Fingerprint() [4]byte {
	var fp [4]byte
	copy(fp[:], btcutil.Hash160(n.PublicKey.Bytes()))
	return fp
}

// tweak computes IL and the child chain code for child number i.
func (n Node) tweak(i uint32) (curve.Scalar, [32]byte, error) {
	var cc [32]byte
	if i >= HardenedOffset {
		return curve.Scalar{}, cc, ErrHardened
	}
	if n.Depth == MaxDepth {
		return curve.Scalar{}, cc, ErrMaxDepth
	}
	mac := hmac.New(sha512.New, n.ChainCode[:])
	mac.Write(n.PublicKey.Bytes())
	var idx [4]byte
	binary.BigEndian.PutUint32(idx[:], i)
	mac.Write(idx[:])
	sum := mac.Sum(nil)

	il, err := curve.ScalarFromBytes(sum[:32])
	if err != nil {
		return curve.Scalar{}, cc, ErrInvalidChild
	}
	copy(cc[:], sum[32:])
	return il, cc, nil
}

// Child derives the public child node i.
func (n Node) Child(i uint32) (Node, error) {
	il, cc, err := n.tweak(i)
	if err != nil {
		return Node{}, err
	}
	pk := n.PublicKey.Add(curve.ScalarBaseMult(il))
	if pk.IsIdentity() {
		return Node{}, ErrInvalidChild
	}
	return Node{
		PublicKey:         pk,
		ChainCode:         cc,
		Depth:             n.Depth + 1,
		ChildNumber:       i,
		ParentFingerprint: n.Fingerprint(),
	}, nil
}

// Path derives along a path such as "m/0/1".
func (n Node) Path(path string) (Node, error) {
	idx, err := ParsePath(path)
	if err != nil {
		return Node{}, err
	}
	for _, i := range idx {
		if n, err = n.Child(i); err != nil {
			return Node{}, err
		}
	}
	return n, nil
}

// DeriveChild returns the share of child i. The parent share is unchanged.
func DeriveChild(share *dkg.KeyShare, i uint32) (*dkg.KeyShare, error) {
	if err := share.Validate(); err != nil {
		return nil, err
	}
	return deriveChild(share, i)
}

func deriveChild(share *dkg.KeyShare, i uint32) (*dkg.KeyShare, error) {
	parent := NodeOf(share)
	il, cc, err := parent.tweak(i)
	if err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, "derive_child", nil, err)
	}
	defer il.Zeroize()
	offset := curve.ScalarBaseMult(il)
	pk := share.PublicKey.Add(offset)
	if pk.IsIdentity() {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, "derive_child", nil, ErrInvalidChild)
	}

	child := share.Clone()
	child.PolyPoint = share.PolyPoint.Add(il)
	child.PublicKey = pk
	for p, pub := range share.PublicShares {
		child.PublicShares[p] = pub.Add(offset)
	}
	child.ChainCode = cc
	child.Depth = parent.Depth + 1
	child.ChildNumber = i
	child.ParentFingerprint = parent.Fingerprint()
	return withAddress(child)
}

var ethereumAddress = dkg.EthereumAddress

// withAddress fills in the child's address. On failure the child is
// zeroized before it is dropped.
func withAddress(child *dkg.KeyShare) (*dkg.KeyShare, error) {
	addr, err := ethereumAddress(child.PublicKey)
	if err != nil {
		child.Zeroize()
		return nil, err
	}
	child.EthAddress = addr
	return child, nil
}

// DeriveFromPath applies DeriveChild along path.
func DeriveFromPath(share *dkg.KeyShare, path string) (*dkg.KeyShare, error) {
	if err := share.Validate(); err != nil {
		return nil, err
	}
	idx, err := ParsePath(path)
	if err != nil {
		return nil, dkls23.NewError(dkls23.KindInvalidInput, "derive_from_path", nil, err)
	}
	cur := share
	for _, i := range idx {
		next, err := deriveChild(cur, i)
		if cur != share {
			cur.Zeroize()
		}
		if err != nil {
			return nil, err
		}
		cur = next
	}
	if cur == share {
		return share.Clone(), nil
	}
	return cur, nil
}

// ParsePath parses "m" followed by "/"-separated child numbers. Hardened
// components ("0'" or "0h") are rejected.
func ParsePath(path string) ([]uint32, error) {
	parts := strings.Split(strings.TrimSpace(path), "/")
	if parts[0] != "m" {
		return nil, fmt.Errorf("derivation: path %q must start with m", path)
	}
	parts = parts[1:]
	if len(parts) > MaxDepth {
		return nil, ErrMaxDepth
	}
	out := make([]uint32, 0, len(parts))
	for _, p := range parts {
		if strings.HasSuffix(p, "'") || strings.HasSuffix(p, "h") || strings.HasSuffix(p, "H") {
			return nil, ErrHardened
		}
		v, err := strconv.ParseUint(p, 10, 32)
		if err != nil {
			return nil, fmt.Errorf("derivation: path component %q: %w", p, err)
		}
		if uint32(v) >= HardenedOffset {
			return nil, ErrHardened
		}
		out = append(out, uint32(v))
	}
	return out, nil
}
