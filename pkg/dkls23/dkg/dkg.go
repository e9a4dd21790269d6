// Package dkg implements distributed key generation and key refresh
// (re-key) as four message phases per party.
//
// Phase 1 deals evaluations of a random polynomial of degree threshold-1 to
// every peer, together with Feldman commitments to its coefficients. Phase 2
// checks every evaluation against its dealer's commitments, sums them into
// the party's poly point and broadcasts its public share with a proof of
// knowledge, a commitment to a chain-code contribution and a digest of the
// dealer commitments it saw. Phase 3 verifies the proofs, checks that all
// parties saw the same commitments and that every public share is the one
// the commitments determine, then reveals the chain code contribution and
// per-peer OT base keys. Phase 4 verifies the reveals and outputs the
// KeyShare.
//
// Re-key runs the same phases with zero-constant polynomials added to the
// existing poly points, so the public key and chain code are preserved while
// every secret share and OT key is replaced.
package dkg

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/ot"
)

const (
	chainCodeDomain = "dkls23/dkg/chain-code"
	nonceDomain     = "dkls23/dkg/nonce"
)

type phase1Payload struct {
	Share       curve.Scalar  `cbor:"1,keyasint"`
	Commitments curve.Feldman `cbor:"2,keyasint"`
}

type phase2Payload struct {
	PublicShare curve.Point       `cbor:"1,keyasint"`
	Proof       curve.DLogProof   `cbor:"2,keyasint"`
	Commitment  *curve.Commitment `cbor:"3,keyasint,omitempty"`
	// Views holds the digest of every dealer's Feldman commitments as the
	// sender received them.
	Views map[dkls23.PartyIndex][32]byte `cbor:"4,keyasint"`
}

type phase3Payload struct {
	ChainCode [32]byte        `cbor:"1,keyasint"`
	Salt      curve.Salt      `cbor:"2,keyasint"`
	OTKey     curve.Point     `cbor:"3,keyasint"`
	OTProof   curve.DLogProof `cbor:"4,keyasint"`
}

func transcript(label string, sid dkls23.SessionID, idx ...dkls23.PartyIndex) []byte {
	out := make([]byte, 0, len(label)+len(sid)+len(idx)+8)
	out = append(out, label...)
	out = binary.BigEndian.AppendUint32(out, uint32(len(sid)))
	out = append(out, sid...)
	for _, i := range idx {
		out = append(out, byte(i))
	}
	return out
}

func polyTranscript(sid dkls23.SessionID, proto dkls23.Protocol, idx dkls23.PartyIndex) []byte {
	return transcript("poly-point/"+proto.String(), sid, idx)
}

func otTranscript(sid dkls23.SessionID, sender, receiver dkls23.PartyIndex) []byte {
	return transcript("ot-base", sid, sender, receiver)
}

func chainCodeData(sid dkls23.SessionID, idx dkls23.PartyIndex, cc [32]byte) []byte {
	return append(transcript("chain-code", sid, idx), cc[:]...)
}

// Phase1 starts a key generation run for sess. A nil reader means
// crypto/rand.
func Phase1(sess dkls23.Session, r io.Reader) (*State, dkls23.Fragments, error) {
	if err := sess.Validate(); err != nil {
		return nil, nil, err
	}
	st, err := newState(sess, dkls23.ProtocolDKG, nil, r)
	if err != nil {
		return nil, nil, err
	}
	out, err := st.phase1()
	if err != nil {
		return nil, nil, st.fail(err)
	}
	return st, out, nil
}

// ReKeyPhase1 starts a refresh of prev. Every holder of the key-share set
// must take part with the same session.
func ReKeyPhase1(sess dkls23.Session, prev *KeyShare, r io.Reader) (*State, dkls23.Fragments, error) {
	const op = "re_key.phase1"
	if err := sess.Validate(); err != nil {
		return nil, nil, err
	}
	if err := prev.Validate(); err != nil {
		return nil, nil, err
	}
	if prev.Parameters != sess.Parameters {
		return nil, nil, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "share parameters differ from session")
	}
	if prev.PartyIndex != sess.PartyIndex {
		return nil, nil, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "share belongs to party %d", prev.PartyIndex)
	}
	st, err := newState(sess, dkls23.ProtocolReKey, prev, r)
	if err != nil {
		return nil, nil, err
	}
	out, err := st.phase1()
	if err != nil {
		return nil, nil, st.fail(err)
	}
	return st, out, nil
}

func (s *State) seal(phase dkls23.Phase, to dkls23.PartyIndex, payload any) ([]byte, error) {
	raw, err := dkls23.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", s.op(phase), err)
	}
	return dkls23.Seal(s.Session, s.Protocol, phase, to, raw)
}

func (s *State) phase1() (dkls23.Fragments, error) {
	commitments := s.Poly.Feldman()
	s.Feldman = map[dkls23.PartyIndex]curve.Feldman{s.Session.PartyIndex: commitments}
	out := make(dkls23.Fragments)
	for _, peer := range s.Session.Peers() {
		p := phase1Payload{Share: s.Poly.Eval(curve.NewScalar(uint32(peer))), Commitments: commitments}
		frag, err := s.seal(dkls23.Phase1, peer, &p)
		p.Share.Zeroize()
		if err != nil {
			return nil, err
		}
		out[peer] = frag
	}
	s.Phase = dkls23.Phase1
	return out, nil
}

// open verifies and decodes the fragments produced by phase.
func open[T any](s *State, phase dkls23.Phase, in dkls23.Fragments) (map[dkls23.PartyIndex]*T, error) {
	raw, err := dkls23.OpenAll(s.Session, s.Protocol, phase, in, s.Session.Peers())
	if err != nil {
		return nil, err
	}
	out := make(map[dkls23.PartyIndex]*T, len(raw))
	var (
		culprits []dkls23.PartyIndex
		merr     *multierror.Error
	)
	for from, b := range raw {
		v := new(T)
		if err := dkls23.Unmarshal(b, v); err != nil {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, fmt.Errorf("party %d: decode payload: %w", from, err))
			continue
		}
		out[from] = v
	}
	if len(culprits) > 0 {
		return nil, dkls23.NewError(dkls23.KindConsistency, s.op(phase+1), culprits, merr.ErrorOrNil())
	}
	return out, nil
}

// Phase2 consumes the phase-1 fragments of every peer and broadcasts this
// party's public share.
func Phase2(s *State, in dkls23.Fragments) (dkls23.Fragments, error) {
	if err := s.expect(dkls23.Phase2); err != nil {
		return nil, err
	}
	payloads, err := open[phase1Payload](s, dkls23.Phase1, in)
	if err != nil {
		return nil, s.fail(err)
	}

	self := s.Session.PartyIndex
	if err := s.checkDealt(payloads); err != nil {
		for _, pl := range payloads {
			pl.Share.Zeroize()
		}
		return nil, s.fail(err)
	}
	p := s.Poly.Eval(curve.NewScalar(uint32(self)))
	for _, pl := range payloads {
		p = p.Add(pl.Share)
		pl.Share.Zeroize()
	}
	if s.Previous != nil {
		p = p.Add(s.Previous.PolyPoint)
	}
	public := curve.ScalarBaseMult(p)

	nonce := curve.HashToScalar(nonceDomain, s.Seed[:], s.Session.SessionID, []byte{byte(self)})
	proof := curve.ProveDLogWithNonce(nonce, p, public, polyTranscript(s.Session.SessionID, s.Protocol, self))
	nonce.Zeroize()

	msg := phase2Payload{PublicShare: public, Proof: proof, Views: make(map[dkls23.PartyIndex][32]byte, len(s.Feldman))}
	for dealer, f := range s.Feldman {
		msg.Views[dealer] = f.Digest()
	}
	if s.Protocol == dkls23.ProtocolDKG {
		c := curve.Commit(chainCodeDomain, chainCodeData(s.Session.SessionID, self, s.ChainCode), s.Salt)
		msg.Commitment = &c
	}

	out := make(dkls23.Fragments)
	for _, peer := range s.Session.Peers() {
		frag, err := s.seal(dkls23.Phase2, peer, &msg)
		if err != nil {
			return nil, s.fail(err)
		}
		out[peer] = frag
	}

	s.PolyPoint = p
	s.Poly.Zeroize()
	s.Poly = nil
	s.PublicShares = map[dkls23.PartyIndex]curve.Point{self: public}
	s.Phase = dkls23.Phase2
	return out, nil
}

// Phase3 verifies every peer's public share and proof against the dealt
// commitments and reveals the chain-code contribution and OT base keys.
func Phase3(s *State, in dkls23.Fragments) (dkls23.Fragments, error) {
	if err := s.expect(dkls23.Phase3); err != nil {
		return nil, err
	}
	payloads, err := open[phase2Payload](s, dkls23.Phase2, in)
	if err != nil {
		return nil, s.fail(err)
	}

	op := s.op(dkls23.Phase3)
	self := s.Session.PartyIndex
	suspects := make(map[dkls23.PartyIndex]struct{})
	var merr *multierror.Error
	blame := func(err error, peers ...dkls23.PartyIndex) {
		for _, p := range peers {
			suspects[p] = struct{}{}
		}
		merr = multierror.Append(merr, err)
	}

	shares := map[dkls23.PartyIndex]curve.Point{self: s.PublicShares[self]}
	commitments := make(map[dkls23.PartyIndex]curve.Commitment)
	for _, from := range s.Session.Peers() {
		pl := payloads[from]
		if err := pl.Proof.Verify(pl.PublicShare, polyTranscript(s.Session.SessionID, s.Protocol, from)); err != nil {
			blame(fmt.Errorf("party %d: public share proof: %w", from, err), from)
			continue
		}
		if s.Protocol == dkls23.ProtocolDKG {
			if pl.Commitment == nil {
				blame(fmt.Errorf("party %d: missing chain code commitment", from), from)
				continue
			}
			commitments[from] = *pl.Commitment
		}
		if !s.sameViews(from, pl.Views, blame) {
			continue
		}
		if !pl.PublicShare.Equal(s.expectedShare(from)) {
			blame(fmt.Errorf("party %d: public share does not match the dealt commitments", from), from)
			continue
		}
		shares[from] = pl.PublicShare
	}
	if len(suspects) > 0 {
		culprits := make([]dkls23.PartyIndex, 0, len(suspects))
		for p := range suspects {
			culprits = append(culprits, p)
		}
		dkls23.SortIndices(culprits)
		return nil, s.fail(dkls23.NewError(dkls23.KindConsistency, op, culprits, merr.ErrorOrNil()))
	}

	out := make(dkls23.Fragments)
	for _, peer := range s.Session.Peers() {
		msg := phase3Payload{
			OTKey:   s.OTKeys[peer].Public,
			OTProof: s.OTProofs[peer],
		}
		if s.Protocol == dkls23.ProtocolDKG {
			msg.ChainCode = s.ChainCode
			msg.Salt = s.Salt
		}
		frag, err := s.seal(dkls23.Phase3, peer, &msg)
		if err != nil {
			return nil, s.fail(err)
		}
		out[peer] = frag
	}

	for from, p := range shares {
		s.PublicShares[from] = p
	}
	s.CCCommitments = commitments
	s.Phase = dkls23.Phase3
	return out, nil
}

// checkDealt verifies every phase-1 evaluation against its dealer's Feldman
// commitments and records the commitments. A failure names the dealer.
func (s *State) checkDealt(payloads map[dkls23.PartyIndex]*phase1Payload) error {
	x := curve.NewScalar(uint32(s.Session.PartyIndex))
	coefficients := int(s.Session.Parameters.Threshold)
	var (
		culprits []dkls23.PartyIndex
		merr     *multierror.Error
	)
	for _, from := range s.Session.Peers() {
		pl := payloads[from]
		switch {
		case len(pl.Commitments) != coefficients:
			merr = multierror.Append(merr, fmt.Errorf("party %d: %d coefficient commitments, want %d", from, len(pl.Commitments), coefficients))
		case s.Protocol == dkls23.ProtocolReKey && !pl.Commitments[0].IsIdentity():
			merr = multierror.Append(merr, fmt.Errorf("party %d: refresh polynomial has a non-zero constant term", from))
		case !pl.Commitments.Verify(x, pl.Share):
			merr = multierror.Append(merr, fmt.Errorf("party %d: share does not match its commitments", from))
		default:
			s.Feldman[from] = pl.Commitments
			continue
		}
		culprits = append(culprits, from)
	}
	if len(culprits) > 0 {
		return dkls23.NewError(dkls23.KindConsistency, s.op(dkls23.Phase2), culprits, merr.ErrorOrNil())
	}
	return nil
}

// sameViews compares the commitment digests peer reports with our own. A
// mismatch on our own or peer's commitments is peer's fault. A mismatch on a
// third dealer's commitments cannot be attributed without a broadcast
// channel, so both the dealer and peer are named.
func (s *State) sameViews(peer dkls23.PartyIndex, views map[dkls23.PartyIndex][32]byte, blame func(error, ...dkls23.PartyIndex)) bool {
	ok := true
	for _, dealer := range s.Session.Parameters.Parties() {
		mine := s.Feldman[dealer].Digest()
		theirs, present := views[dealer]
		if present && subtle.ConstantTimeCompare(mine[:], theirs[:]) == 1 {
			continue
		}
		ok = false
		err := fmt.Errorf("party %d: commitments of party %d differ from ours", peer, dealer)
		if dealer == s.Session.PartyIndex || dealer == peer {
			blame(err, peer)
		} else {
			blame(err, peer, dealer)
		}
	}
	return ok
}

// expectedShare is the public share the dealt commitments determine for
// party p.
func (s *State) expectedShare(p dkls23.PartyIndex) curve.Point {
	x := curve.NewScalar(uint32(p))
	var acc curve.Point
	for _, f := range s.Feldman {
		acc = acc.Add(f.Eval(x))
	}
	if s.Previous != nil {
		acc = acc.Add(s.Previous.PublicShares[p])
	}
	return acc
}

// Phase4 verifies the chain-code reveals and OT base-key proofs and returns
// the key share. The state is zeroized on return.
func Phase4(s *State, in dkls23.Fragments) (*KeyShare, error) {
	if err := s.expect(dkls23.Phase4); err != nil {
		return nil, err
	}
	payloads, err := open[phase3Payload](s, dkls23.Phase3, in)
	if err != nil {
		return nil, s.fail(err)
	}

	op := s.op(dkls23.Phase4)
	self := s.Session.PartyIndex
	sid := s.Session.SessionID
	var (
		culprits []dkls23.PartyIndex
		merr     *multierror.Error
	)
	receiver := make(map[dkls23.PartyIndex]curve.Point)
	for _, from := range s.Session.Peers() {
		pl := payloads[from]
		if s.Protocol == dkls23.ProtocolDKG {
			c := s.CCCommitments[from]
			if err := c.Verify(chainCodeDomain, chainCodeData(sid, from, pl.ChainCode), pl.Salt); err != nil {
				culprits = append(culprits, from)
				merr = multierror.Append(merr, fmt.Errorf("party %d: chain code: %w", from, err))
				continue
			}
		}
		if err := pl.OTProof.Verify(pl.OTKey, otTranscript(sid, from, self)); err != nil {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, fmt.Errorf("party %d: OT base key: %w", from, err))
			continue
		}
		receiver[from] = pl.OTKey
	}
	if len(culprits) > 0 {
		return nil, s.fail(dkls23.NewError(dkls23.KindConsistency, op, culprits, merr.ErrorOrNil()))
	}

	basis := make(map[uint32]curve.Point, s.Session.Parameters.Threshold)
	for _, p := range s.Session.Parameters.Parties()[:s.Session.Parameters.Threshold] {
		basis[uint32(p)] = s.PublicShares[p]
	}
	pk, err := curve.InterpolatePointAtZero(basis)
	if err != nil {
		return nil, s.fail(dkls23.NewError(dkls23.KindConsistency, op, nil, err))
	}
	if pk.IsIdentity() {
		return nil, s.fail(dkls23.Errorf(dkls23.KindConsistency, op, nil, "public key is the identity"))
	}

	share := &KeyShare{
		Parameters:   s.Session.Parameters,
		PartyIndex:   self,
		Epoch:        sid.Clone(),
		PolyPoint:    s.PolyPoint,
		PublicKey:    pk,
		PublicShares: make(map[dkls23.PartyIndex]curve.Point, len(s.PublicShares)),
		OTSender:     make(map[dkls23.PartyIndex]ot.BaseKey, len(s.OTKeys)),
		OTReceiver:   receiver,
	}
	for i, p := range s.PublicShares {
		share.PublicShares[i] = p
	}
	for i, k := range s.OTKeys {
		share.OTSender[i] = k
	}

	if s.Protocol == dkls23.ProtocolReKey {
		if !pk.Equal(s.Previous.PublicKey) {
			share.Zeroize()
			return nil, s.fail(dkls23.Errorf(dkls23.KindPublicKeyMismatch, op, nil, "refreshed shares reconstruct a different public key"))
		}
		share.ChainCode = s.Previous.ChainCode
		share.Depth = s.Previous.Depth
		share.ChildNumber = s.Previous.ChildNumber
		share.ParentFingerprint = s.Previous.ParentFingerprint
	} else {
		h := sha256.New()
		for _, p := range s.Session.Parameters.Parties() {
			if p == self {
				h.Write(s.ChainCode[:])
				continue
			}
			cc := payloads[p].ChainCode
			h.Write(cc[:])
		}
		copy(share.ChainCode[:], h.Sum(nil))
	}

	addr, err := EthereumAddress(pk)
	if err != nil {
		share.Zeroize()
		return nil, s.fail(dkls23.NewError(dkls23.KindConsistency, op, nil, err))
	}
	share.EthAddress = addr

	s.Phase = dkls23.PhaseDone
	s.Zeroize()
	return share, nil
}
