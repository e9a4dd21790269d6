package coordinator

import (
	"bytes"
	"context"
	"errors"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
	"github.com/0xCarbon/libtss/pkg/dkls23/router"
)

// Run drives the protocol from the next pending phase to completion over ep.
// Fragments that arrive ahead of their phase are buffered. If a phase's
// inbound set is not complete within the phase timeout the run fails with a
// Timeout error naming the silent peers; if ctx ends it fails as Cancelled.
func (c *Coordinator) Run(ctx context.Context, ep router.Endpoint) (Step, error) {
	early := make(map[dkls23.Phase]dkls23.Fragments)
	defer func() {
		for _, f := range early {
			f.Zeroize()
		}
	}()

	for {
		phase := c.Phase()
		switch phase {
		case dkls23.PhaseFailed:
			return Step{}, c.Err()
		case dkls23.PhaseDone:
			return c.Submit(ctx, dkls23.LastPhase, nil)
		}
		next := phase + 1

		var inbound dkls23.Fragments
		if next > dkls23.Phase1 {
			in, err := c.collect(ctx, ep, phase, early)
			if err != nil {
				return Step{}, c.Abort(ctx, err)
			}
			inbound = in
		}
		step, err := c.Submit(ctx, next, inbound)
		inbound.Zeroize()
		if err != nil {
			return Step{}, c.Abort(ctx, err)
		}
		if step.Terminal() {
			return step, nil
		}
		if err := c.send(ctx, ep, next, step.Outbound); err != nil {
			return Step{}, c.Abort(ctx, err)
		}
	}
}

func (c *Coordinator) send(ctx context.Context, ep router.Endpoint, phase dkls23.Phase, out dkls23.Fragments) error {
	for _, to := range out.Indices() {
		msg := router.NewMessage(c.sess.SessionID, c.proto, phase, c.sess.PartyIndex, to, out[to])
		if err := ep.Send(ctx, msg); err != nil {
			if ctx.Err() != nil {
				return dkls23.NewError(dkls23.KindCancelled, c.op(phase), nil, ctx.Err())
			}
			return dkls23.NewError(dkls23.KindUnknown, c.op(phase), []dkls23.PartyIndex{to}, err)
		}
	}
	return nil
}

// collect gathers the fragments every peer produced in phase produced.
func (c *Coordinator) collect(ctx context.Context, ep router.Endpoint, produced dkls23.Phase, early map[dkls23.Phase]dkls23.Fragments) (dkls23.Fragments, error) {
	op := c.op(produced + 1)
	got := early[produced]
	delete(early, produced)
	if got == nil {
		got = make(dkls23.Fragments)
	}

	wait, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()
	for {
		var missing []dkls23.PartyIndex
		for _, p := range c.peers {
			if _, ok := got[p]; !ok {
				missing = append(missing, p)
			}
		}
		if len(missing) == 0 {
			return got, nil
		}

		msg, err := ep.Receive(wait)
		switch {
		case err == nil:
		case errors.Is(err, router.ErrMalformed):
			c.log.Warn(ctx, "dropping malformed message", "error", err.Error())
			continue
		case ctx.Err() != nil:
			got.Zeroize()
			return nil, dkls23.NewError(dkls23.KindCancelled, op, nil, ctx.Err())
		case wait.Err() != nil:
			got.Zeroize()
			return nil, dkls23.Errorf(dkls23.KindTimeout, op, missing, "no fragments within %s", c.timeout)
		default:
			got.Zeroize()
			return nil, dkls23.NewError(dkls23.KindUnknown, op, nil, err)
		}

		if !c.ours(msg) {
			c.log.Debug(ctx, "dropping foreign message", "from", int(msg.From), logging.KeyPhase, msg.Phase.String())
			continue
		}
		var into dkls23.Fragments
		switch {
		case msg.Phase == produced:
			into = got
		case msg.Phase > produced && msg.Phase < dkls23.LastPhase:
			into = early[msg.Phase]
			if into == nil {
				into = make(dkls23.Fragments)
				early[msg.Phase] = into
			}
		case msg.Phase >= dkls23.Phase1 && msg.Phase < produced:
			// Redelivery of a fragment already consumed. It must match what
			// the phase processed.
			if _, err := c.Submit(ctx, msg.Phase+1, dkls23.Fragments{msg.From: msg.Payload}); err != nil {
				got.Zeroize()
				return nil, err
			}
			continue
		default:
			continue
		}
		if prev, ok := into[msg.From]; ok {
			if !bytes.Equal(prev, msg.Payload) {
				got.Zeroize()
				return nil, dkls23.Errorf(dkls23.KindConsistency, c.op(msg.Phase+1), []dkls23.PartyIndex{msg.From}, "conflicting fragments from the same peer")
			}
			continue
		}
		into[msg.From] = msg.Payload
	}
}

// ours reports whether msg belongs to this party's run.
func (c *Coordinator) ours(msg router.Message) bool {
	return msg.SessionID.Equal(c.sess.SessionID) &&
		msg.Protocol == c.proto &&
		msg.To == c.sess.PartyIndex &&
		c.isPeer(msg.From)
}
