// Package sign implements threshold ECDSA signing over DKG key shares in four
// message phases, followed by standalone verification.
//
// Each signer i samples an instance key k_i and an inversion mask phi_i. With
// x_i = lambda_i * p_i its Lagrange-weighted poly point, the signers obtain
// additive shares of u = phi*k and v = phi*sk through pairwise OT
// multiplication, then reveal w_i = H(m)*phi_i + r*v_i and u_i. The signature
// is s = sum(w) / sum(u) = (H(m) + r*sk) / k.
package sign

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/hashicorp/go-multierror"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/curve"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/ot"
)

const instanceDomain = "dkls23/sign/instance-point"

type phase1Payload struct {
	Epoch      []byte           `cbor:"1,keyasint"`
	Commitment curve.Commitment `cbor:"2,keyasint"`
	Choice     ot.ChoiceMessage `cbor:"3,keyasint"`
}

type phase2Payload struct {
	Instance curve.Point        `cbor:"1,keyasint"`
	Salt     curve.Salt         `cbor:"2,keyasint"`
	Transfer ot.TransferMessage `cbor:"3,keyasint"`
}

type phase3Payload struct {
	U curve.Scalar `cbor:"1,keyasint"`
	W curve.Scalar `cbor:"2,keyasint"`
}

func otTranscript(sid dkls23.SessionID, sender, receiver dkls23.PartyIndex) []byte {
	out := []byte("sign/ot")
	out = binary.BigEndian.AppendUint32(out, uint32(len(sid)))
	out = append(out, sid...)
	return append(out, byte(sender), byte(receiver))
}

func instanceData(sid dkls23.SessionID, idx dkls23.PartyIndex, R curve.Point) []byte {
	out := binary.BigEndian.AppendUint32(nil, uint32(len(sid)))
	out = append(out, sid...)
	out = append(out, byte(idx))
	return append(out, R.Bytes()...)
}

// Phase1 validates the signing request, samples the instance key and mask
// and sends each peer a commitment to the instance point together with the
// OT choice message for the multiplication where the peer is sender.
func Phase1(sess dkls23.Session, share *dkg.KeyShare, req Request, r io.Reader) (*State, dkls23.Fragments, error) {
	if err := checkRequest(sess, share, req); err != nil {
		return nil, nil, err
	}
	st, err := newState(sess, share, req, r)
	if err != nil {
		return nil, nil, err
	}

	self := sess.PartyIndex
	sid := sess.SessionID
	msg := phase1Payload{
		Epoch:      st.Share.Epoch,
		Commitment: curve.Commit(instanceDomain, instanceData(sid, self, curve.ScalarBaseMult(st.K)), st.Salt),
	}
	out := make(dkls23.Fragments)
	for _, peer := range st.peers() {
		msg.Choice = ot.Choose(st.Share.OTReceiver[peer], st.Phi, st.seedFor("recv", peer), otTranscript(sid, peer, self))
		frag, err := st.seal(dkls23.Phase1, peer, &msg)
		if err != nil {
			return nil, nil, st.fail(err)
		}
		out[peer] = frag
	}
	st.Phase = dkls23.Phase1
	return st, out, nil
}

func (s *State) seal(phase dkls23.Phase, to dkls23.PartyIndex, payload any) ([]byte, error) {
	raw, err := dkls23.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("%s: encode payload: %w", s.op(phase), err)
	}
	return dkls23.Seal(s.Session, dkls23.ProtocolSign, phase, to, raw)
}

func open[T any](s *State, phase dkls23.Phase, in dkls23.Fragments) (map[dkls23.PartyIndex]*T, error) {
	raw, err := dkls23.OpenAll(s.Session, dkls23.ProtocolSign, phase, in, s.peers())
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

// Phase2 checks that every peer signs with a share of the same epoch,
// answers their OT choice messages with this party's inputs (k_i, x_i) and
// reveals the instance point.
func Phase2(s *State, in dkls23.Fragments) (dkls23.Fragments, error) {
	if err := s.expect(dkls23.Phase2); err != nil {
		return nil, err
	}
	payloads, err := open[phase1Payload](s, dkls23.Phase1, in)
	if err != nil {
		return nil, s.fail(err)
	}

	op := s.op(dkls23.Phase2)
	self := s.Session.PartyIndex
	sid := s.Session.SessionID
	var (
		culprits []dkls23.PartyIndex
		merr     *multierror.Error
	)
	for _, from := range s.peers() {
		if !bytes.Equal(payloads[from].Epoch, s.Share.Epoch) {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, fmt.Errorf("party %d: key share from another epoch", from))
		}
	}
	if len(culprits) > 0 {
		return nil, s.fail(dkls23.NewError(dkls23.KindConsistency, op, culprits, merr.ErrorOrNil()))
	}

	lambda, err := s.lagrange()
	if err != nil {
		return nil, s.fail(dkls23.NewError(dkls23.KindInvalidInput, op, nil, err))
	}
	x := lambda.Mul(s.Share.PolyPoint)
	defer x.Zeroize()

	transfers := make(map[dkls23.PartyIndex]ot.TransferMessage)
	for _, peer := range s.peers() {
		msg, shares, err := ot.Send(s.Share.OTSender[peer], payloads[peer].Choice, []curve.Scalar{s.K, x}, s.seedFor("send", peer), otTranscript(sid, self, peer))
		if err != nil {
			culprits = append(culprits, peer)
			merr = multierror.Append(merr, fmt.Errorf("party %d: %w", peer, err))
			continue
		}
		transfers[peer] = msg
		s.SenderShares[peer] = shares
	}
	if len(culprits) > 0 {
		return nil, s.fail(dkls23.NewError(dkls23.KindConsistency, op, culprits, merr.ErrorOrNil()))
	}

	out := make(dkls23.Fragments)
	for _, peer := range s.peers() {
		msg := phase2Payload{Instance: curve.ScalarBaseMult(s.K), Salt: s.Salt, Transfer: transfers[peer]}
		frag, err := s.seal(dkls23.Phase2, peer, &msg)
		if err != nil {
			return nil, s.fail(err)
		}
		out[peer] = frag
	}
	for from, pl := range payloads {
		s.Commitments[from] = pl.Commitment
	}
	s.Phase = dkls23.Phase2
	return out, nil
}

// Phase3 opens the peers' instance-point commitments, completes the OT
// multiplications where this party is receiver and broadcasts its shares
// (u_i, w_i).
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
	sid := s.Session.SessionID
	var (
		culprits []dkls23.PartyIndex
		merr     *multierror.Error
	)

	lambda, err := s.lagrange()
	if err != nil {
		return nil, s.fail(dkls23.NewError(dkls23.KindInvalidInput, op, nil, err))
	}
	x := lambda.Mul(s.Share.PolyPoint)
	defer x.Zeroize()

	R := curve.ScalarBaseMult(s.K)
	u := s.Phi.Mul(s.K)
	v := s.Phi.Mul(x)
	for _, from := range s.peers() {
		pl := payloads[from]
		c := s.Commitments[from]
		if pl.Instance.IsIdentity() {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, fmt.Errorf("party %d: identity instance point", from))
			continue
		}
		if err := c.Verify(instanceDomain, instanceData(sid, from, pl.Instance), pl.Salt); err != nil {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, fmt.Errorf("party %d: instance point: %w", from, err))
			continue
		}
		recv, err := ot.Receive(s.Share.OTReceiver[from], s.Phi, pl.Transfer, s.seedFor("recv", from), otTranscript(sid, from, self))
		if err != nil || len(recv) != 2 {
			culprits = append(culprits, from)
			merr = multierror.Append(merr, fmt.Errorf("party %d: multiplication: %v", from, err))
			continue
		}
		sent := s.SenderShares[from]
		u = u.Add(sent[0]).Add(recv[0])
		v = v.Add(sent[1]).Add(recv[1])
		R = R.Add(pl.Instance)
	}
	if len(culprits) > 0 {
		v.Zeroize()
		return nil, s.fail(dkls23.NewError(dkls23.KindConsistency, op, culprits, merr.ErrorOrNil()))
	}
	if R.IsIdentity() {
		v.Zeroize()
		return nil, s.fail(dkls23.Errorf(dkls23.KindConsistency, op, s.peers(), "combined instance point is the identity"))
	}
	xr := R.XBytes()
	r := curve.ScalarFromBytesReduced(xr[:])
	if r.IsZero() {
		v.Zeroize()
		return nil, s.fail(dkls23.Errorf(dkls23.KindConsistency, op, s.peers(), "r is zero"))
	}
	m := curve.ScalarFromBytesReduced(s.Digest)
	w := m.Mul(s.Phi).Add(r.Mul(v))
	v.Zeroize()

	out := make(dkls23.Fragments)
	for _, peer := range s.peers() {
		frag, err := s.seal(dkls23.Phase3, peer, &phase3Payload{U: u, W: w})
		if err != nil {
			return nil, s.fail(err)
		}
		out[peer] = frag
	}
	s.R = R
	s.U = u
	s.W = w
	s.Phase = dkls23.Phase3
	return out, nil
}

// Phase4 combines all (u_j, w_j) into the signature, normalises s unless
// disabled, and verifies the result against the key-share public key. The
// state is zeroized on return.
func Phase4(s *State, in dkls23.Fragments) (*Signature, error) {
	if err := s.expect(dkls23.Phase4); err != nil {
		return nil, err
	}
	payloads, err := open[phase3Payload](s, dkls23.Phase3, in)
	if err != nil {
		return nil, s.fail(err)
	}

	op := s.op(dkls23.Phase4)
	u, w := s.U, s.W
	for _, from := range s.peers() {
		u = u.Add(payloads[from].U)
		w = w.Add(payloads[from].W)
	}
	inv, err := u.Inverse()
	if err != nil {
		return nil, s.fail(dkls23.Errorf(dkls23.KindConsistency, op, s.peers(), "combined u is zero"))
	}
	sv := w.Mul(inv)
	if sv.IsZero() {
		return nil, s.fail(dkls23.Errorf(dkls23.KindConsistency, op, s.peers(), "s is zero"))
	}

	xr := s.R.XBytes()
	r := curve.ScalarFromBytesReduced(xr[:])
	var recID uint8
	if s.R.YIsOdd() {
		recID |= 1
	}
	if !bytes.Equal(r.Bytes(), xr[:]) {
		recID |= 2
	}
	if !s.DisableLowS && sv.IsOverHalfOrder() {
		sv = sv.Neg()
		recID ^= 1
	}

	sig := &Signature{R: r.Array(), S: sv.Array(), RecoveryID: recID}
	ok, err := Verify(*sig, s.Digest, s.Share.PublicKeyBytes())
	if err != nil || !ok {
		return nil, s.fail(dkls23.Errorf(dkls23.KindConsistency, op, s.peers(), "combined signature does not verify"))
	}

	s.Phase = dkls23.PhaseDone
	s.Zeroize()
	return sig, nil
}
