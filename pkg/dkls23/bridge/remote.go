package bridge

import (
	"context"
	"encoding/json"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/engine"
)

// RemoteEngine is an engine.Engine that runs every phase through the phase
// operations of a Caller.
type RemoteEngine struct {
	caller Caller
}

var _ engine.Engine = (*RemoteEngine)(nil)

// NewRemoteEngine returns an engine forwarding to c.
func NewRemoteEngine(c Caller) *RemoteEngine {
	return &RemoteEngine{caller: c}
}

// RunPhase implements engine.Engine.
func (r *RemoteEngine) RunPhase(ctx context.Context, req engine.Request) (engine.Result, error) {
	op := PhaseOp(req.Protocol, req.Phase)
	if err := ctx.Err(); err != nil {
		return engine.Result{}, dkls23.NewError(dkls23.KindCancelled, op, nil, err)
	}
	if !req.Protocol.Valid() || req.Phase < dkls23.Phase1 || req.Phase > dkls23.LastPhase {
		return engine.Result{}, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "unknown operation")
	}

	body := PhaseRequest{
		Session:       SessionOf(req.Session),
		State:         req.State,
		Fragments:     req.Inbound,
		MessageDigest: ByteArray(req.Digest),
	}
	if len(req.Signers) > 0 {
		body.Signers = ints(req.Signers)
	}
	if req.DisableLowS {
		normalize := false
		body.Normalize = &normalize
	}
	if req.KeyShare != nil {
		raw, err := req.KeyShare.Encode()
		if err != nil {
			return engine.Result{}, dkls23.NewError(dkls23.KindInvalidInput, op, nil, err)
		}
		defer dkls23.ZeroizeBytes(raw)
		body.KeyShare = raw
	}
	raw, err := json.Marshal(body)
	if err != nil {
		return engine.Result{}, dkls23.NewError(dkls23.KindInvalidInput, op, nil, err)
	}
	defer dkls23.ZeroizeBytes(raw)

	var resp PhaseResponse
	if err := json.Unmarshal(r.caller.Call(ctx, op, raw), &resp); err != nil {
		return engine.Result{}, dkls23.Errorf(dkls23.KindUnknown, op, nil, "malformed response: %v", err)
	}
	if resp.Error != nil {
		return engine.Result{}, resp.Error.Err(op)
	}

	res := engine.Result{State: resp.State, Outbound: resp.Fragments}
	if len(resp.KeyShare) > 0 {
		share, err := dkg.UnmarshalKeyShare(resp.KeyShare)
		dkls23.ZeroizeBytes(resp.KeyShare)
		if err != nil {
			return engine.Result{}, err
		}
		res.KeyShare = share
	}
	if resp.Signature != nil {
		sig, err := resp.Signature.core()
		if err != nil {
			return engine.Result{}, dkls23.Errorf(dkls23.KindUnknown, op, nil, "malformed signature: %v", err)
		}
		res.Signature = &sig
	}
	if !res.Terminal() && len(res.State) == 0 {
		return engine.Result{}, dkls23.Errorf(dkls23.KindUnknown, op, nil, "response carries no state")
	}
	return res, nil
}
