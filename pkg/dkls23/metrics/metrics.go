// Package metrics exposes Prometheus collectors for protocol runs.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/0xCarbon/libtss/pkg/dkls23"
)

const (
	namespace = "dkls23"

	subsystemCoordinator = "coordinator"
	subsystemRouter      = "router"
	subsystemKeystore    = "keystore"
)

const (
	LabelProtocol  = "protocol"
	LabelPhase     = "phase"
	LabelOutcome   = "outcome"
	LabelDirection = "direction"
	LabelOperation = "operation"
)

// Outcome label values besides the error kinds.
const (
	OutcomeOK = "ok"

	DirectionSent     = "sent"
	DirectionReceived = "received"
	DirectionDropped  = "dropped"
)

// Collector records protocol metrics. A nil *Collector is valid and records
// nothing.
type Collector struct {
	phaseDuration *prometheus.HistogramVec
	phaseOutcomes *prometheus.CounterVec
	replays       *prometheus.CounterVec
	fragments     *prometheus.CounterVec
	storeOps      *prometheus.CounterVec
}

// NewCollector registers the collectors with reg. A nil reg means the default
// registerer.
func NewCollector(reg prometheus.Registerer) *Collector {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &Collector{
		phaseDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "phase_duration_seconds",
			Help:      "time spent in the phase engine per phase",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{LabelProtocol, LabelPhase}),

		phaseOutcomes: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "phases_total",
			Help:      "the number of phase submissions by outcome",
		}, []string{LabelProtocol, LabelPhase, LabelOutcome}),

		replays: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemCoordinator,
			Name:      "replays_total",
			Help:      "the number of resubmitted phases answered from cache",
		}, []string{LabelProtocol}),

		fragments: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemRouter,
			Name:      "fragments_total",
			Help:      "the number of fragments moved through the router",
		}, []string{LabelProtocol, LabelDirection}),

		storeOps: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystemKeystore,
			Name:      "operations_total",
			Help:      "the number of keystore operations by outcome",
		}, []string{LabelOperation, LabelOutcome}),
	}
}

// PhaseFinished records one engine call.
func (c *Collector) PhaseFinished(proto dkls23.Protocol, phase dkls23.Phase, took time.Duration, err error) {
	if c == nil {
		return
	}
	c.phaseDuration.WithLabelValues(proto.String(), phase.String()).Observe(took.Seconds())
	c.phaseOutcomes.WithLabelValues(proto.String(), phase.String(), outcome(err)).Inc()
}

// Replayed records a phase answered from cache.
func (c *Collector) Replayed(proto dkls23.Protocol) {
	if c == nil {
		return
	}
	c.replays.WithLabelValues(proto.String()).Inc()
}

// Fragment records a fragment sent, received or dropped.
func (c *Collector) Fragment(proto dkls23.Protocol, direction string) {
	if c == nil {
		return
	}
	c.fragments.WithLabelValues(proto.String(), direction).Inc()
}

// StoreOp records a keystore operation.
func (c *Collector) StoreOp(op string, err error) {
	if c == nil {
		return
	}
	c.storeOps.WithLabelValues(op, outcome(err)).Inc()
}

func outcome(err error) string {
	if err == nil {
		return OutcomeOK
	}
	return dkls23.KindOf(err).String()
}
