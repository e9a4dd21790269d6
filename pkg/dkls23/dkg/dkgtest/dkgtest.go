// Package dkgtest runs complete DKG and re-key exchanges in one process. It
// is intended for tests and local simulation.
package dkgtest

import (
	"fmt"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
)

// Run executes DKG for every party of params and returns the shares ordered
// by party index.
func Run(params dkls23.Parameters, sid dkls23.SessionID) ([]*dkg.KeyShare, error) {
	states := make(map[dkls23.PartyIndex]*dkg.State)
	out := make(map[dkls23.PartyIndex]dkls23.Fragments)
	for _, p := range params.Parties() {
		sess := dkls23.Session{Parameters: params, SessionID: sid, PartyIndex: p}
		st, frags, err := dkg.Phase1(sess, nil)
		if err != nil {
			return nil, fmt.Errorf("party %d phase1: %w", p, err)
		}
		states[p] = st
		out[p] = frags
	}
	return finish(params, states, out)
}

// ReKey refreshes a full key-share set under session sid.
func ReKey(shares []*dkg.KeyShare, sid dkls23.SessionID) ([]*dkg.KeyShare, error) {
	if len(shares) == 0 {
		return nil, fmt.Errorf("no shares")
	}
	params := shares[0].Parameters
	states := make(map[dkls23.PartyIndex]*dkg.State)
	out := make(map[dkls23.PartyIndex]dkls23.Fragments)
	for _, share := range shares {
		sess := dkls23.Session{Parameters: params, SessionID: sid, PartyIndex: share.PartyIndex}
		st, frags, err := dkg.ReKeyPhase1(sess, share, nil)
		if err != nil {
			return nil, fmt.Errorf("party %d phase1: %w", share.PartyIndex, err)
		}
		states[share.PartyIndex] = st
		out[share.PartyIndex] = frags
	}
	return finish(params, states, out)
}

func finish(params dkls23.Parameters, states map[dkls23.PartyIndex]*dkg.State, out map[dkls23.PartyIndex]dkls23.Fragments) ([]*dkg.KeyShare, error) {
	for _, phase := range []func(*dkg.State, dkls23.Fragments) (dkls23.Fragments, error){dkg.Phase2, dkg.Phase3} {
		in := dkls23.Route(out)
		out = make(map[dkls23.PartyIndex]dkls23.Fragments)
		for p, st := range states {
			frags, err := phase(st, in[p])
			if err != nil {
				return nil, fmt.Errorf("party %d: %w", p, err)
			}
			out[p] = frags
		}
	}
	in := dkls23.Route(out)
	shares := make([]*dkg.KeyShare, 0, len(states))
	for _, p := range params.Parties() {
		share, err := dkg.Phase4(states[p], in[p])
		if err != nil {
			return nil, fmt.Errorf("party %d: %w", p, err)
		}
		shares = append(shares, share)
	}
	return shares, nil
}
