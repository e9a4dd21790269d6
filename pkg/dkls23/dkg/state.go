package dkg

import (
	"crypto/rand"
	"fmt"
	"io"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/ot"
)

// State is the private, per-party state carried between DKG or re-key
// phases. It never leaves its owner.
type State struct {
	Session  dkls23.Session  `cbor:"1,keyasint"`
	Protocol dkls23.Protocol `cbor:"2,keyasint"`
	// Phase is the last phase completed by this party.
	Phase dkls23.Phase `cbor:"3,keyasint"`

	Poly      curve.Polynomial                      `cbor:"4,keyasint"`
	Seed      [32]byte                              `cbor:"5,keyasint"`
	ChainCode [32]byte                              `cbor:"6,keyasint"`
	Salt      curve.Salt                            `cbor:"7,keyasint"`
	OTKeys    map[dkls23.PartyIndex]ot.BaseKey      `cbor:"8,keyasint"`
	OTProofs  map[dkls23.PartyIndex]curve.DLogProof `cbor:"9,keyasint"`

	PolyPoint     curve.Scalar                           `cbor:"10,keyasint"`
	PublicShares  map[dkls23.PartyIndex]curve.Point      `cbor:"11,keyasint"`
	CCCommitments map[dkls23.PartyIndex]curve.Commitment `cbor:"12,keyasint"`

	// Previous is the share being refreshed. Set only for re-key.
	Previous *KeyShare `cbor:"13,keyasint,omitempty"`

	// Feldman holds every dealer's coefficient commitments, this party's
	// included.
	Feldman map[dkls23.PartyIndex]curve.Feldman `cbor:"14,keyasint"`
}

func newState(sess dkls23.Session, proto dkls23.Protocol, prev *KeyShare, r io.Reader) (*State, error) {
	if r == nil {
		r = rand.Reader
	}
	st := &State{
		Session:  sess.Clone(),
		Protocol: proto,
		Phase:    dkls23.PhaseNone,
		OTKeys:   make(map[dkls23.PartyIndex]ot.BaseKey),
		OTProofs: make(map[dkls23.PartyIndex]curve.DLogProof),
		Previous: prev.Clone(),
	}
	if _, err := io.ReadFull(r, st.Seed[:]); err != nil {
		return nil, fmt.Errorf("dkg: read seed: %w", err)
	}

	var constant *curve.Scalar
	if proto == dkls23.ProtocolReKey {
		constant = &curve.Scalar{}
	} else {
		if _, err := io.ReadFull(r, st.ChainCode[:]); err != nil {
			return nil, fmt.Errorf("dkg: read chain code: %w", err)
		}
		if _, err := io.ReadFull(r, st.Salt[:]); err != nil {
			return nil, fmt.Errorf("dkg: read salt: %w", err)
		}
	}
	poly, err := curve.RandomPolynomial(r, int(sess.Parameters.Threshold)-1, constant)
	if err != nil {
		return nil, err
	}
	st.Poly = poly

	for _, peer := range sess.Peers() {
		key, proof, err := ot.NewBaseKey(r, otTranscript(sess.SessionID, sess.PartyIndex, peer))
		if err != nil {
			return nil, err
		}
		st.OTKeys[peer] = key
		st.OTProofs[peer] = proof
	}
	return st, nil
}

// Zeroize clears every secret in the state.
func (s *State) Zeroize() {
	if s == nil {
		return
	}
	s.Poly.Zeroize()
	s.Poly = nil
	s.PolyPoint.Zeroize()
	clear(s.Seed[:])
	clear(s.ChainCode[:])
	clear(s.Salt[:])
	for i, key := range s.OTKeys {
		key.Zeroize()
		s.OTKeys[i] = key
	}
	s.Previous.Zeroize()
}

// Encode serializes the state for callers that hold it opaquely between
// phases.
func (s *State) Encode() ([]byte, error) {
	return dkls23.Marshal(s)
}

// DecodeState is the inverse of State.Encode.
func DecodeState(data []byte) (*State, error) {
	var s State
	if err := dkls23.Unmarshal(data, &s); err != nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "dkg.state", nil, "decode state: %v", err)
	}
	if s.Protocol != dkls23.ProtocolDKG && s.Protocol != dkls23.ProtocolReKey {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "dkg.state", nil, "state belongs to protocol %s", s.Protocol)
	}
	if s.Protocol == dkls23.ProtocolReKey && s.Previous == nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "dkg.state", nil, "re-key state without previous share")
	}
	if err := s.Session.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *State) op(phase dkls23.Phase) string {
	return s.Protocol.String() + "." + phase.String()
}

// expect enforces strict phase order.
func (s *State) expect(phase dkls23.Phase) error {
	if s == nil {
		return dkls23.Errorf(dkls23.KindInvalidInput, "dkg", nil, "nil state")
	}
	if s.Phase == dkls23.PhaseFailed {
		return dkls23.Errorf(dkls23.KindPhaseOrder, s.op(phase), nil, "run has failed")
	}
	if s.Phase+1 != phase {
		return dkls23.Errorf(dkls23.KindPhaseOrder, s.op(phase), nil, "state is at %s", s.Phase)
	}
	return nil
}

// fail aborts the run if err is fatal. Missing fragments leave the state
// untouched so the caller can retry with the full set.
func (s *State) fail(err error) error {
	if dkls23.KindOf(err).Fatal() {
		s.Phase = dkls23.PhaseFailed
		s.Zeroize()
	}
	return err
}
