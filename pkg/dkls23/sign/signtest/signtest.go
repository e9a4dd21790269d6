// Package signtest runs a complete signing exchange in one process. It is
// intended for tests and local simulation.
package signtest

import (
	"bytes"
	"fmt"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign"
)

// Run signs digest with the given shares, which must number exactly the
// threshold. It returns the signature of each signer in share order.
func Run(shares []*dkg.KeyShare, sid dkls23.SessionID, digest []byte) ([]*sign.Signature, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares")
	}
	signers := make([]dkls23.PartyIndex, len(shares))
	for i, s := range shares {
		signers[i] = s.PartyIndex
	}
	req := sign.Request{Signers: signers, Digest: digest}

	states := make(map[dkls23.PartyIndex]*sign.State, len(shares))
	out := make(map[dkls23.PartyIndex]dkls23.Fragments, len(shares))
	for _, share := range shares {
		sess := dkls23.Session{Parameters: share.Parameters, SessionID: sid, PartyIndex: share.PartyIndex}
		st, frags, err := sign.Phase1(sess, share, req, nil)
		if err != nil {
			return nil, fmt.Errorf("party %d phase1: %w", share.PartyIndex, err)
		}
		states[share.PartyIndex] = st
		out[share.PartyIndex] = frags
	}
	for _, phase := range []func(*sign.State, dkls23.Fragments) (dkls23.Fragments, error){sign.Phase2, sign.Phase3} {
		in := dkls23.Route(out)
		out = make(map[dkls23.PartyIndex]dkls23.Fragments, len(shares))
		for p, st := range states {
			frags, err := phase(st, in[p])
			if err != nil {
				return nil, fmt.Errorf("party %d: %w", p, err)
			}
			out[p] = frags
		}
	}
	in := dkls23.Route(out)
	sigs := make([]*sign.Signature, 0, len(shares))
	for _, share := range shares {
		sig, err := sign.Phase4(states[share.PartyIndex], in[share.PartyIndex])
		if err != nil {
			return nil, fmt.Errorf("party %d: %w", share.PartyIndex, err)
		}
		sigs = append(sigs, sig)
	}
	for _, sig := range sigs[1:] {
		if !bytes.Equal(sig.Bytes(), sigs[0].Bytes()) {
			return nil, fmt.Errorf("signers disagree on the signature")
		}
	}
	return sigs, nil
}
