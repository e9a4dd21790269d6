package bridge

import (
	"context"

	"github.com/0xCarbon/libtss/internal/ffi"
	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/coordinator"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
)

// session is a coordinator owned by a handle, with the key share it was
// created from.
type session struct {
	c     *coordinator.Coordinator
	share *dkg.KeyShare
}

func (s *session) close() {
	s.c.Close()
	s.share.Zeroize()
}

func parseProtocol(name string) dkls23.Protocol {
	for _, p := range []dkls23.Protocol{dkls23.ProtocolDKG, dkls23.ProtocolSign, dkls23.ProtocolReKey} {
		if p.String() == name {
			return p
		}
	}
	return 0
}

func (h *Handler) lookup(op string, handle uint64) (*session, error) {
	s, err := h.sessions.Get(ffi.Handle(handle))
	if err != nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "handle %d: %v", handle, err)
	}
	return s, nil
}

func (h *Handler) sessionNew(_ context.Context, raw []byte) (any, error) {
	req, err := decode[SessionNewRequest](h, OpSessionNew, raw)
	if err != nil {
		return nil, err
	}
	share, err := decodeShare(req.KeyShare)
	if err != nil {
		return nil, err
	}
	c, err := coordinator.New(h.eng, parseProtocol(req.Protocol), req.Session.core(), coordinator.Input{
		KeyShare:    share,
		Signers:     indices(req.Signers),
		Digest:      req.MessageDigest,
		DisableLowS: req.Normalize != nil && !*req.Normalize,
	}, h.coordOpts...)
	if err != nil {
		share.Zeroize()
		return nil, err
	}
	handle := h.sessions.Put(&session{c: c, share: share})
	return SessionNewResponse{Handle: uint64(handle), Peers: ints(c.Peers())}, nil
}

func (h *Handler) sessionSubmit(ctx context.Context, raw []byte) (any, error) {
	req, err := decode[SessionSubmitRequest](h, OpSessionSubmit, raw)
	if err != nil {
		return nil, err
	}
	s, err := h.lookup(OpSessionSubmit, req.Handle)
	if err != nil {
		return nil, err
	}
	step, err := s.c.Submit(ctx, dkls23.Phase(req.Phase), req.Fragments)
	if err != nil {
		return nil, err
	}
	out := &SessionSubmitResponse{
		Phase:           int(step.Phase),
		Fragments:       step.Outbound,
		AlreadyAdvanced: step.Replayed,
	}
	if step.KeyShare != nil {
		defer step.KeyShare.Zeroize()
		if out.KeyShare, out.PublicKey, out.EthAddress, err = encodeShare(step.KeyShare); err != nil {
			return nil, err
		}
	}
	if step.Signature != nil {
		out.Signature = SignatureOf(*step.Signature)
	}
	return out, nil
}

func (h *Handler) sessionStatus(_ context.Context, raw []byte) (any, error) {
	req, err := decode[SessionHandleRequest](h, OpSessionStatus, raw)
	if err != nil {
		return nil, err
	}
	s, err := h.lookup(OpSessionStatus, req.Handle)
	if err != nil {
		return nil, err
	}
	out := SessionStatusResponse{Phase: s.c.Phase().String(), Peers: ints(s.c.Peers())}
	if err := s.c.Err(); err != nil {
		out.Error = ErrorOf(err)
	}
	return out, nil
}

func (h *Handler) sessionClose(_ context.Context, raw []byte) (any, error) {
	req, err := decode[SessionHandleRequest](h, OpSessionClose, raw)
	if err != nil {
		return nil, err
	}
	s, err := h.sessions.Delete(ffi.Handle(req.Handle))
	if err != nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, OpSessionClose, nil, "handle %d: %v", req.Handle, err)
	}
	s.close()
	return struct{}{}, nil
}

// Close releases every open session.
func (h *Handler) Close() {
	for _, s := range h.sessions.Drain() {
		s.close()
	}
}
