package sign

import (
	"crypto/rand"
	"crypto/sha256"
	"fmt"
	"io"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
)

// Request carries the signing inputs besides the session and key share.
type Request struct {
	// Signers lists exactly threshold parties, self included.
	Signers []dkls23.PartyIndex
	// Digest is the 32-byte message hash to sign.
	Digest []byte
	// DisableLowS keeps s as computed instead of normalising to s <= n/2.
	DisableLowS bool
}

// State is the private, per-party state of a signing run.
type State struct {
	Session     dkls23.Session      `cbor:"1,keyasint"`
	Phase       dkls23.Phase        `cbor:"2,keyasint"`
	Signers     []dkls23.PartyIndex `cbor:"3,keyasint"`
	Digest      []byte              `cbor:"4,keyasint"`
	DisableLowS bool                `cbor:"5,keyasint"`
	Share       *dkg.KeyShare       `cbor:"6,keyasint"`

	Seed [32]byte     `cbor:"7,keyasint"`
	K    curve.Scalar `cbor:"8,keyasint"`
	Phi  curve.Scalar `cbor:"9,keyasint"`
	Salt curve.Salt   `cbor:"10,keyasint"`

	Commitments  map[dkls23.PartyIndex]curve.Commitment `cbor:"11,keyasint"`
	SenderShares map[dkls23.PartyIndex][]curve.Scalar   `cbor:"12,keyasint"`

	R curve.Point  `cbor:"13,keyasint"`
	U curve.Scalar `cbor:"14,keyasint"`
	W curve.Scalar `cbor:"15,keyasint"`
}

// checkRequest validates the signing preconditions. These are input errors,
// reported before any phase runs.
func checkRequest(sess dkls23.Session, share *dkg.KeyShare, req Request) error {
	const op = "sign.phase1"
	if err := sess.Validate(); err != nil {
		return err
	}
	if err := share.Validate(); err != nil {
		return err
	}
	if share.Parameters != sess.Parameters {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "share parameters differ from session")
	}
	if share.PartyIndex != sess.PartyIndex {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "share belongs to party %d", share.PartyIndex)
	}
	if len(req.Digest) != DigestSize {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "digest must be %d bytes, got %d", DigestSize, len(req.Digest))
	}
	if len(req.Signers) != int(sess.Parameters.Threshold) {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "%d signers for threshold %d", len(req.Signers), sess.Parameters.Threshold)
	}
	seen := make(map[dkls23.PartyIndex]struct{}, len(req.Signers))
	self := false
	for _, p := range req.Signers {
		if !sess.Parameters.Contains(p) {
			return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "signer %d out of range", p)
		}
		if _, dup := seen[p]; dup {
			return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "signer %d listed twice", p)
		}
		seen[p] = struct{}{}
		if p == sess.PartyIndex {
			self = true
		}
	}
	if !self {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "party %d is not a signer", sess.PartyIndex)
	}
	return nil
}

func newState(sess dkls23.Session, share *dkg.KeyShare, req Request, r io.Reader) (*State, error) {
	if r == nil {
		r = rand.Reader
	}
	signers := append([]dkls23.PartyIndex(nil), req.Signers...)
	dkls23.SortIndices(signers)
	st := &State{
		Session:      sess.Clone(),
		Phase:        dkls23.PhaseNone,
		Signers:      signers,
		Digest:       append([]byte(nil), req.Digest...),
		DisableLowS:  req.DisableLowS,
		Share:        share.Clone(),
		Commitments:  make(map[dkls23.PartyIndex]curve.Commitment),
		SenderShares: make(map[dkls23.PartyIndex][]curve.Scalar),
	}
	if _, err := io.ReadFull(r, st.Seed[:]); err != nil {
		return nil, fmt.Errorf("sign: read seed: %w", err)
	}
	if _, err := io.ReadFull(r, st.Salt[:]); err != nil {
		return nil, fmt.Errorf("sign: read salt: %w", err)
	}
	var err error
	if st.K, err = curve.RandomScalar(r); err != nil {
		return nil, err
	}
	if st.Phi, err = curve.RandomScalar(r); err != nil {
		return nil, err
	}
	return st, nil
}

// peers returns the other signers.
func (s *State) peers() []dkls23.PartyIndex {
	return dkls23.Without(s.Signers, s.Session.PartyIndex)
}

// seedFor derives per-peer OT randomness from the state seed.
func (s *State) seedFor(role string, peer dkls23.PartyIndex) []byte {
	h := sha256.New()
	h.Write(s.Seed[:])
	h.Write([]byte(role))
	h.Write([]byte{byte(peer)})
	return h.Sum(nil)
}

// lagrange returns this party's coefficient over the signer set.
func (s *State) lagrange() (curve.Scalar, error) {
	xs := make([]uint32, len(s.Signers))
	for i, p := range s.Signers {
		xs[i] = uint32(p)
	}
	return curve.LagrangeAtZero(uint32(s.Session.PartyIndex), xs)
}

// Zeroize clears every secret in the state.
func (s *State) Zeroize() {
	if s == nil {
		return
	}
	clear(s.Seed[:])
	clear(s.Salt[:])
	s.K.Zeroize()
	s.Phi.Zeroize()
	s.U.Zeroize()
	s.W.Zeroize()
	for _, shares := range s.SenderShares {
		for i := range shares {
			shares[i].Zeroize()
		}
	}
	s.Share.Zeroize()
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
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "sign.state", nil, "decode state: %v", err)
	}
	if s.Share == nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "sign.state", nil, "state without key share")
	}
	if err := s.Session.Validate(); err != nil {
		return nil, err
	}
	return &s, nil
}

func (s *State) op(phase dkls23.Phase) string {
	return "sign." + phase.String()
}

func (s *State) expect(phase dkls23.Phase) error {
	if s == nil {
		return dkls23.Errorf(dkls23.KindInvalidInput, "sign", nil, "nil state")
	}
	if s.Phase == dkls23.PhaseFailed {
		return dkls23.Errorf(dkls23.KindPhaseOrder, s.op(phase), nil, "run has failed")
	}
	if s.Phase+1 != phase {
		return dkls23.Errorf(dkls23.KindPhaseOrder, s.op(phase), nil, "state is at %s", s.Phase)
	}
	return nil
}

func (s *State) fail(err error) error {
	if dkls23.KindOf(err).Fatal() {
		s.Phase = dkls23.PhaseFailed
		s.Zeroize()
	}
	return err
}
