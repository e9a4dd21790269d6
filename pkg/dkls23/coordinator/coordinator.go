// Package coordinator advances one party through one protocol run.
//
// A Coordinator owns the party's opaque protocol state and exposes a single
// operation, Submit: hand in the peer fragments of the previous phase, get
// back this phase's outbound fragments or the terminal result. Submit is
// idempotent. Resubmitting a completed phase returns the cached output with
// Replayed set and never touches the state.
//
// Run drives a whole protocol over a router.Endpoint, waiting for each
// phase's inbound set under a per-phase timeout.
package coordinator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"fmt"
	"sync"
	"time"

	"github.com/gammazero/workerpool"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/dkg"
	"github.com/0xCarbon/libtss/pkg/dkls23/engine"
	"github.com/0xCarbon/libtss/pkg/dkls23/keystore"
	"github.com/0xCarbon/libtss/pkg/dkls23/logging"
	"github.com/0xCarbon/libtss/pkg/dkls23/metrics"
	"github.com/0xCarbon/libtss/pkg/dkls23/sign"
)

// DefaultPhaseTimeout bounds the wait for one phase's inbound fragments in
// Run.
const DefaultPhaseTimeout = 30 * time.Second

// Input carries the protocol specific phase 1 inputs.
type Input struct {
	// KeyShare is required for sign and re-key.
	KeyShare *dkg.KeyShare
	// Signers and Digest are required for sign.
	Signers     []dkls23.PartyIndex
	Digest      []byte
	DisableLowS bool
}

// Step is the outcome of one phase.
type Step struct {
	Phase     dkls23.Phase
	Outbound  dkls23.Fragments
	KeyShare  *dkg.KeyShare
	Signature *sign.Signature
	// Replayed is set when the phase had already completed and the cached
	// output was returned.
	Replayed bool
}

// Terminal reports whether the step ends the run.
func (s Step) Terminal() bool { return s.KeyShare != nil || s.Signature != nil }

func (s Step) clone() Step {
	s.Outbound = s.Outbound.Clone()
	s.KeyShare = s.KeyShare.Clone()
	if s.Signature != nil {
		sig := *s.Signature
		s.Signature = &sig
	}
	return s
}

// record is a completed phase. Only digests of the consumed fragments are
// kept.
type record struct {
	inbound map[dkls23.PartyIndex][32]byte
	step    Step
}

func digests(in dkls23.Fragments) map[dkls23.PartyIndex][32]byte {
	out := make(map[dkls23.PartyIndex][32]byte, len(in))
	for p, frag := range in {
		out[p] = sha256.Sum256(frag)
	}
	return out
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithLogger sets the logger. The default is slog.Default.
func WithLogger(l logging.Logger) Option { return func(c *Coordinator) { c.log = l } }

// WithMetrics records phase metrics.
func WithMetrics(m *metrics.Collector) Option { return func(c *Coordinator) { c.metrics = m } }

// WithPool runs engine calls on pool instead of the calling goroutine.
func WithPool(pool *workerpool.WorkerPool) Option { return func(c *Coordinator) { c.pool = pool } }

// WithPhaseTimeout sets the per-phase wait bound used by Run.
func WithPhaseTimeout(d time.Duration) Option { return func(c *Coordinator) { c.timeout = d } }

// WithStore persists terminal key shares and rejects retired shares before
// sign or re-key phase 1.
func WithStore(s *keystore.Store) Option { return func(c *Coordinator) { c.store = s } }

// Coordinator runs one protocol for one party. It is safe for concurrent
// use; calls are serialised.
type Coordinator struct {
	mu sync.Mutex

	eng   engine.Engine
	proto dkls23.Protocol
	sess  dkls23.Session
	input Input
	peers []dkls23.PartyIndex

	log     logging.Logger
	metrics *metrics.Collector
	pool    *workerpool.WorkerPool
	timeout time.Duration
	store   *keystore.Store

	completed dkls23.Phase
	state     []byte
	pending   dkls23.Fragments
	history   map[dkls23.Phase]*record
	failed    error
	closed    bool
}

// New returns a coordinator for one party's run of proto.
func New(eng engine.Engine, proto dkls23.Protocol, sess dkls23.Session, input Input, opts ...Option) (*Coordinator, error) {
	if eng == nil {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "coordinator", nil, "nil engine")
	}
	if !proto.Valid() {
		return nil, dkls23.Errorf(dkls23.KindInvalidInput, "coordinator", nil, "unknown protocol %d", proto)
	}
	if err := sess.Validate(); err != nil {
		return nil, err
	}
	c := &Coordinator{
		eng:     eng,
		proto:   proto,
		sess:    sess.Clone(),
		input:   input,
		timeout: DefaultPhaseTimeout,
		pending: make(dkls23.Fragments),
		history: make(map[dkls23.Phase]*record),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.log == nil {
		c.log = logging.New(nil)
	}
	if c.timeout <= 0 {
		c.timeout = DefaultPhaseTimeout
	}
	c.log = logging.ForSession(c.log, c.sess, proto)
	if c.store != nil {
		c.eng = c.store.Guard(c.eng)
	}

	if proto == dkls23.ProtocolSign {
		signers := append([]dkls23.PartyIndex(nil), input.Signers...)
		dkls23.SortIndices(signers)
		c.peers = dkls23.Without(signers, sess.PartyIndex)
		if len(c.peers) == len(signers) {
			return nil, dkls23.Errorf(dkls23.KindInvalidInput, "coordinator", nil, "party %d is not a signer", sess.PartyIndex)
		}
	} else {
		c.peers = sess.Peers()
	}
	return c, nil
}

// Session returns the run's descriptor.
func (c *Coordinator) Session() dkls23.Session { return c.sess.Clone() }

// Protocol returns the protocol being run.
func (c *Coordinator) Protocol() dkls23.Protocol { return c.proto }

// Peers returns the parties this party exchanges fragments with.
func (c *Coordinator) Peers() []dkls23.PartyIndex {
	return append([]dkls23.PartyIndex(nil), c.peers...)
}

// Phase returns the last completed phase, PhaseDone or PhaseFailed.
func (c *Coordinator) Phase() dkls23.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch {
	case c.failed != nil:
		return dkls23.PhaseFailed
	case c.completed == dkls23.LastPhase:
		return dkls23.PhaseDone
	default:
		return c.completed
	}
}

// Err returns the error that failed the run, if any.
func (c *Coordinator) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failed
}

func (c *Coordinator) op(phase dkls23.Phase) string {
	return c.proto.String() + "." + phase.String()
}

// Submit runs phase with the peer fragments of the previous phase. Fragments
// may be handed in across several calls; until the set is complete Submit
// returns a MissingFragment error naming the absent peers and keeps what it
// has. Phase 1 takes no fragments.
func (c *Coordinator) Submit(ctx context.Context, phase dkls23.Phase, inbound dkls23.Fragments) (Step, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	op := c.op(phase)

	if c.closed {
		return Step{}, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "coordinator closed")
	}
	if phase < dkls23.Phase1 || phase > dkls23.LastPhase {
		return Step{}, dkls23.Errorf(dkls23.KindInvalidInput, op, nil, "unknown phase %d", phase)
	}
	if rec, ok := c.history[phase]; ok {
		return c.replay(ctx, op, rec, inbound)
	}
	if c.failed != nil {
		return Step{}, dkls23.NewError(dkls23.KindPhaseOrder, op, nil, fmt.Errorf("run failed: %w", c.failed))
	}
	if phase != c.completed+1 {
		return Step{}, dkls23.Errorf(dkls23.KindPhaseOrder, op, nil, "next phase is %s", c.completed+1)
	}

	if phase > dkls23.Phase1 {
		if err := c.accept(op, inbound); err != nil {
			if dkls23.KindOf(err).Fatal() {
				return Step{}, c.fail(ctx, err)
			}
			return Step{}, err
		}
		if missing := c.missing(); len(missing) > 0 {
			c.log.Debug(ctx, "waiting for fragments", logging.KeyPhase, phase.String(), "missing", len(missing))
			return Step{}, dkls23.Errorf(dkls23.KindMissingFragment, op, missing, "%d of %d fragments present", len(c.pending), len(c.peers))
		}
	}

	req := engine.Request{
		Protocol: c.proto,
		Phase:    phase,
		Session:  c.sess,
		State:    c.state,
		Inbound:  c.pending.Clone(),
	}
	if phase == dkls23.Phase1 {
		req.KeyShare = c.input.KeyShare
		req.Signers = c.input.Signers
		req.Digest = c.input.Digest
		req.DisableLowS = c.input.DisableLowS
	}
	res, err := c.exec(ctx, req)
	if err != nil {
		if dkls23.KindOf(err).Fatal() {
			return Step{}, c.fail(ctx, err)
		}
		c.log.Warn(ctx, "phase rejected", append([]any{logging.KeyPhase, phase.String()}, logging.ErrorAttrs(err)...)...)
		return Step{}, err
	}

	step := Step{Phase: phase, Outbound: res.Outbound, KeyShare: res.KeyShare, Signature: res.Signature}
	c.history[phase] = &record{inbound: digests(c.pending), step: step}
	c.pending.Zeroize()
	c.pending = make(dkls23.Fragments)
	dkls23.ZeroizeBytes(c.state)
	c.state = res.State
	c.completed = phase

	if !step.Terminal() {
		c.log.Debug(ctx, "phase complete", logging.KeyPhase, phase.String(), "outbound", len(step.Outbound))
		return step.clone(), nil
	}
	c.state = nil
	c.log.Info(ctx, "run complete")
	if err := c.persist(ctx, step.KeyShare); err != nil {
		return step.clone(), err
	}
	return step.clone(), nil
}

// replay answers a resubmitted phase from history. Fragments that differ
// from those the phase consumed are a consistency failure of their sender.
func (c *Coordinator) replay(ctx context.Context, op string, rec *record, inbound dkls23.Fragments) (Step, error) {
	var culprits []dkls23.PartyIndex
	for from, frag := range inbound {
		d := sha256.Sum256(frag)
		if prev, ok := rec.inbound[from]; ok && subtle.ConstantTimeCompare(prev[:], d[:]) != 1 {
			culprits = append(culprits, from)
		}
	}
	if len(culprits) > 0 {
		err := dkls23.Errorf(dkls23.KindConsistency, op, culprits, "fragments differ from those already processed")
		if c.failed == nil && c.completed < dkls23.LastPhase {
			return Step{}, c.fail(ctx, err)
		}
		return Step{}, err
	}
	c.metrics.Replayed(c.proto)
	c.log.Debug(ctx, "phase replayed", logging.KeyPhase, rec.step.Phase.String())
	step := rec.step.clone()
	step.Replayed = true
	return step, nil
}

// accept merges inbound into the pending set. Identical duplicates are
// ignored.
func (c *Coordinator) accept(op string, inbound dkls23.Fragments) error {
	var culprits, strangers []dkls23.PartyIndex
	for from, frag := range inbound {
		if !c.isPeer(from) {
			strangers = append(strangers, from)
			continue
		}
		if prev, ok := c.pending[from]; ok && !bytes.Equal(prev, frag) {
			culprits = append(culprits, from)
		}
	}
	if len(culprits) > 0 {
		return dkls23.Errorf(dkls23.KindConsistency, op, culprits, "conflicting fragments from the same peer")
	}
	if len(strangers) > 0 {
		return dkls23.Errorf(dkls23.KindInvalidInput, op, strangers, "fragments from parties outside the run")
	}
	for from, frag := range inbound {
		if _, ok := c.pending[from]; !ok {
			c.pending[from] = append([]byte(nil), frag...)
		}
	}
	return nil
}

func (c *Coordinator) isPeer(p dkls23.PartyIndex) bool {
	for _, q := range c.peers {
		if q == p {
			return true
		}
	}
	return false
}

func (c *Coordinator) missing() []dkls23.PartyIndex {
	var out []dkls23.PartyIndex
	for _, p := range c.peers {
		if _, ok := c.pending[p]; !ok {
			out = append(out, p)
		}
	}
	return out
}

type execResult struct {
	res engine.Result
	err error
}

// exec calls the engine, on the pool when one is configured. If ctx ends
// first the call is abandoned and its output destroyed when it arrives.
func (c *Coordinator) exec(ctx context.Context, req engine.Request) (engine.Result, error) {
	start := time.Now()
	if c.pool == nil {
		res, err := c.eng.RunPhase(ctx, req)
		c.metrics.PhaseFinished(req.Protocol, req.Phase, time.Since(start), err)
		return res, err
	}

	ch := make(chan execResult, 1)
	c.pool.Submit(func() {
		res, err := c.eng.RunPhase(ctx, req)
		ch <- execResult{res: res, err: err}
	})
	select {
	case out := <-ch:
		c.metrics.PhaseFinished(req.Protocol, req.Phase, time.Since(start), out.err)
		return out.res, out.err
	case <-ctx.Done():
		go func() {
			out := <-ch
			dkls23.ZeroizeBytes(out.res.State)
			out.res.KeyShare.Zeroize()
		}()
		err := dkls23.NewError(dkls23.KindCancelled, c.op(req.Phase), nil, ctx.Err())
		c.metrics.PhaseFinished(req.Protocol, req.Phase, time.Since(start), err)
		return engine.Result{}, err
	}
}

// fail marks the run failed and destroys the local state. Callers hold mu.
func (c *Coordinator) fail(ctx context.Context, err error) error {
	if c.failed != nil {
		return err
	}
	c.failed = err
	dkls23.ZeroizeBytes(c.state)
	c.state = nil
	c.pending.Zeroize()
	c.pending = make(dkls23.Fragments)
	c.log.Error(ctx, "run failed", logging.ErrorAttrs(err)...)
	return err
}

// Abort fails the run with err unless it already ended.
func (c *Coordinator) Abort(ctx context.Context, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.failed != nil || c.completed == dkls23.LastPhase {
		return err
	}
	return c.fail(ctx, err)
}

func (c *Coordinator) persist(ctx context.Context, share *dkg.KeyShare) error {
	if c.store == nil || share == nil {
		return nil
	}
	var err error
	if c.proto == dkls23.ProtocolReKey {
		err = c.store.Rotate(ctx, share)
	} else {
		err = c.store.Put(ctx, share)
	}
	if err != nil {
		c.log.Error(ctx, "could not persist key share", "error", err.Error())
		return fmt.Errorf("coordinator: persist key share: %w", err)
	}
	return nil
}

// Close destroys all secret material the coordinator still holds, including
// the cached terminal key share. Further calls to Submit fail.
func (c *Coordinator) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	dkls23.ZeroizeBytes(c.state)
	c.state = nil
	c.pending.Zeroize()
	for _, rec := range c.history {
		rec.step.KeyShare.Zeroize()
	}
}
