// Package engine defines the phase-engine capability used by coordinators
// and its in-process implementation.
//
// An Engine runs exactly one phase of one protocol for one party. All state
// crossing the interface is opaque bytes, so an engine can live behind a
// process or language boundary.
package engine

import (
	"context"
	"io"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign"
)

// Request is the input of one phase.
type Request struct {
	Protocol dkls23.Protocol
	Phase    dkls23.Phase
	Session  dkls23.Session

	// State is the opaque state returned by the previous phase. Empty for
	// phase 1.
	State []byte
	// Inbound holds the peer fragments of the previous phase. Empty for
	// phase 1.
	Inbound dkls23.Fragments

	// KeyShare is the signing share (sign) or the share being refreshed
	// (re-key). Phase 1 only.
	KeyShare *dkg.KeyShare
	// Signers and Digest are sign phase 1 inputs.
	Signers []dkls23.PartyIndex
	Digest  []byte
	// DisableLowS keeps a high s value. Honoured by sign phases 1 and 4.
	DisableLowS bool
}

// Result is the output of one phase. Exactly one of Outbound (with State),
// KeyShare or Signature is meaningful.
type Result struct {
	State     []byte
	Outbound  dkls23.Fragments
	KeyShare  *dkg.KeyShare
	Signature *sign.Signature
}

// Terminal reports whether the result ends the run.
func (r Result) Terminal() bool {
	return r.KeyShare != nil || r.Signature != nil
}

// Engine runs protocol phases.
type Engine interface {
	RunPhase(ctx context.Context, req Request) (Result, error)
}

// EngineFunc adapts a function to Engine.
type EngineFunc func(ctx context.Context, req Request) (Result, error)

// RunPhase calls f.
func (f EngineFunc) RunPhase(ctx context.Context, req Request) (Result, error) {
	return f(ctx, req)
}

// Local runs phases in process.
type Local struct {
	// Rand is the randomness source for phase 1. Nil means crypto/rand.
	Rand io.Reader
}

// NewLocal returns an in-process engine using crypto/rand.
func NewLocal() *Local { return &Local{} }

var _ Engine = (*Local)(nil)

// RunPhase implements Engine.
func (l *Local) RunPhase(ctx context.Context, req Request) (Result, error) {
	op := req.Protocol.String() + "." + req.Phase.String()
	if err := ctx.Err(); err != nil {
		return Result{}, dkls23.NewError(dkls23.KindCancelled, op, nil, err)
	}
	if !req.Protocol.Valid() {
		return Result{}, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "unknown protocol %d", req.Protocol)
	}
	if req.Phase < dkls23.Phase1 || req.Phase > dkls23.LastPhase {
		return Result{}, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "unknown phase %d", req.Phase)
	}
	if req.Phase > dkls23.Phase1 && len(req.State) == 0 {
		return Result{}, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "missing state")
	}
	switch req.Protocol {
	case dkls23.ProtocolSign:
		return l.runSign(req)
	default:
		return l.runKeygen(req)
	}
}

var (
	decodeKeygen = dkg.DecodeState
	decodeSign   = sign.DecodeState
)

func (l *Local) runKeygen(req Request) (Result, error) {
	if req.Phase == dkls23.Phase1 {
		var (
			st   *dkg.State
			frag dkls23.Fragments
			err  error
		)
		if req.Protocol == dkls23.ProtocolReKey {
			st, frag, err = dkg.ReKeyPhase1(req.Session, req.KeyShare, l.Rand)
		} else {
			st, frag, err = dkg.Phase1(req.Session, l.Rand)
		}
		if err != nil {
			return Result{}, err
		}
		return keygenResult(st, frag)
	}

	st, err := decodeKeygen(req.State)
	if err != nil {
		return Result{}, err
	}
	defer st.Zeroize()
	if err := checkState(req, st.Session, st.Protocol); err != nil {
		return Result{}, err
	}
	switch req.Phase {
	case dkls23.Phase2:
		frag, err := dkg.Phase2(st, req.Inbound)
		if err != nil {
			return Result{}, err
		}
		return keygenResult(st, frag)
	case dkls23.Phase3:
		frag, err := dkg.Phase3(st, req.Inbound)
		if err != nil {
			return Result{}, err
		}
		return keygenResult(st, frag)
	default:
		share, err := dkg.Phase4(st, req.Inbound)
		if err != nil {
			return Result{}, err
		}
		return Result{KeyShare: share}, nil
	}
}

func keygenResult(st *dkg.State, out dkls23.Fragments) (Result, error) {
	defer st.Zeroize()
	raw, err := st.Encode()
	if err != nil {
		return Result{}, err
	}
	return Result{State: raw, Outbound: out}, nil
}

func (l *Local) runSign(req Request) (Result, error) {
	if req.Phase == dkls23.Phase1 {
		st, frag, err := sign.Phase1(req.Session, req.KeyShare, sign.Request{
			Signers:     req.Signers,
			Digest:      req.Digest,
			DisableLowS: req.DisableLowS,
		}, l.Rand)
		if err != nil {
			return Result{}, err
		}
		return signResult(st, frag)
	}

	st, err := decodeSign(req.State)
	if err != nil {
		return Result{}, err
	}
	defer st.Zeroize()
	if err := checkState(req, st.Session, dkls23.ProtocolSign); err != nil {
		return Result{}, err
	}
	switch req.Phase {
	case dkls23.Phase2:
		frag, err := sign.Phase2(st, req.Inbound)
		if err != nil {
			return Result{}, err
		}
		return signResult(st, frag)
	case dkls23.Phase3:
		frag, err := sign.Phase3(st, req.Inbound)
		if err != nil {
			return Result{}, err
		}
		return signResult(st, frag)
	default:
		if req.DisableLowS {
			st.DisableLowS = true
		}
		sig, err := sign.Phase4(st, req.Inbound)
		if err != nil {
			return Result{}, err
		}
		return Result{Signature: sig}, nil
	}
}

func signResult(st *sign.State, out dkls23.Fragments) (Result, error) {
	defer st.Zeroize()
	raw, err := st.Encode()
	if err != nil {
		return Result{}, err
	}
	return Result{State: raw, Outbound: out}, nil
}

// checkState rejects a state that belongs to another run than the request
// names.
func checkState(req Request, sess dkls23.Session, proto dkls23.Protocol) error {
	op := req.Protocol.String() + "." + req.Phase.String()
	if proto != req.Protocol {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "state belongs to %s", proto)
	}
	if len(req.Session.SessionID) == 0 {
		return nil
	}
	if req.Session.Parameters != sess.Parameters || req.Session.PartyIndex != sess.PartyIndex ||
		!req.Session.SessionID.Equal(sess.SessionID) {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "state belongs to another session")
	}
	return nil
}
