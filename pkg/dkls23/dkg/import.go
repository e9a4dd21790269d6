package dkg

import (
	"crypto/rand"
	"io"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/ot"
)

// ImportKey splits an existing secret key into a full key-share set as a
// trusted dealer. The dealer learns every share, so the caller must run a
// re-key before the shares are used to sign. A nil chainCode yields a random
// one; a nil epoch yields a fresh session id.
func ImportKey(params dkls23.Parameters, secretKey []byte, chainCode []byte, epoch dkls23.SessionID, r io.Reader) ([]*KeyShare, error) {
	const op = "import"
	if r == nil {
		r = rand.Reader
	}
	if err := params.Validate(); err != nil {
		return nil, err
	}
	sk, err := curve.ScalarFromBytes(secretKey)
	if err != nil || sk.IsZero() {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "secret key is not a valid scalar")
	}
	defer sk.Zeroize()

	var cc [32]byte
	switch len(chainCode) {
	case 0:
		if _, err := io.ReadFull(r, cc[:]); err != nil {
			return nil, err
		}
	case 32:
		copy(cc[:], chainCode)
	default:
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "chain code must be 32 bytes, got %d", len(chainCode))
	}
	if epoch.IsEmpty() {
		if epoch, err = dkls23.NewSessionIDFrom(r); err != nil {
			return nil, err
		}
	}

	poly, err := curve.RandomPolynomial(r, int(params.Threshold)-1, &sk)
	if err != nil {
		return nil, err
	}
	defer poly.Zeroize()

	pk := curve.ScalarBaseMult(sk)
	addr, err := EthereumAddress(pk)
	if err != nil {
		return nil, err
	}

	parties := params.Parties()
	points := make(map[dkls23.PartyIndex]curve.Scalar, len(parties))
	publics := make(map[dkls23.PartyIndex]curve.Point, len(parties))
	for _, p := range parties {
		points[p] = poly.Eval(curve.NewScalar(uint32(p)))
		publics[p] = curve.ScalarBaseMult(points[p])
	}

	// keys[i][j] is i's sender key towards receiver j.
	keys := make(map[dkls23.PartyIndex]map[dkls23.PartyIndex]ot.BaseKey, len(parties))
	for _, i := range parties {
		keys[i] = make(map[dkls23.PartyIndex]ot.BaseKey, len(parties)-1)
		for _, j := range parties {
			if i == j {
				continue
			}
			a, err := curve.RandomScalar(r)
			if err != nil {
				return nil, err
			}
			keys[i][j] = ot.BaseKey{Secret: a, Public: curve.ScalarBaseMult(a)}
		}
	}

	shares := make([]*KeyShare, 0, len(parties))
	for _, i := range parties {
		share := &KeyShare{
			Parameters:   params,
			PartyIndex:   i,
			Epoch:        epoch.Clone(),
			PolyPoint:    points[i],
			PublicKey:    pk,
			PublicShares: make(map[dkls23.PartyIndex]curve.Point, len(parties)),
			ChainCode:    cc,
			OTSender:     keys[i],
			OTReceiver:   make(map[dkls23.PartyIndex]curve.Point, len(parties)-1),
			EthAddress:   addr,
		}
		for j, P := range publics {
			share.PublicShares[j] = P
		}
		for _, j := range parties {
			if j != i {
				share.OTReceiver[j] = keys[j][i].Public
			}
		}
		shares = append(shares, share)
	}
	return shares, nil
}
