package router

import (
	"context"
	"errors"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/sethvargo/go-retry"

	"github.com/0xCarbon/libtss/pkg/dkls23"
	"github.com/0xCarbon/libtss/pkg/dkls23/metrics"
)

// DefaultDedupSize is the number of envelope ids Dedup remembers.
const DefaultDedupSize = 1024

// Dedup drops received messages whose id was already seen. Messages without
// an id pass through.
func Dedup(ep Endpoint, size int) (Endpoint, error) {
	if size <= 0 {
		size = DefaultDedupSize
	}
	seen, err := lru.New[string, struct{}](size)
	if err != nil {
		return nil, fmt.Errorf("router: dedup cache: %w", err)
	}
	return &dedupEndpoint{Endpoint: ep, seen: seen}, nil
}

type dedupEndpoint struct {
	Endpoint
	seen *lru.Cache[string, struct{}]
}

func (d *dedupEndpoint) Receive(ctx context.Context) (Message, error) {
	for {
		msg, err := d.Endpoint.Receive(ctx)
		if err != nil {
			return Message{}, err
		}
		if msg.ID == "" {
			return msg, nil
		}
		if found, _ := d.seen.ContainsOrAdd(msg.ID, struct{}{}); !found {
			return msg, nil
		}
	}
}

// RetryConfig bounds send retries.
type RetryConfig struct {
	Base       time.Duration
	MaxRetries uint64
}

// WithRetry retries failed sends with exponential backoff. Context errors and
// ErrClosed are not retried.
func WithRetry(ep Endpoint, cfg RetryConfig) Endpoint {
	if cfg.Base <= 0 {
		cfg.Base = 50 * time.Millisecond
	}
	if cfg.MaxRetries == 0 {
		cfg.MaxRetries = 5
	}
	return &retryEndpoint{Endpoint: ep, cfg: cfg}
}

type retryEndpoint struct {
	Endpoint
	cfg RetryConfig
}

func (r *retryEndpoint) Send(ctx context.Context, msg Message) error {
	backoff := retry.WithMaxRetries(r.cfg.MaxRetries, retry.NewExponential(r.cfg.Base))
	return retry.Do(ctx, backoff, func(ctx context.Context) error {
		err := r.Endpoint.Send(ctx, msg)
		switch {
		case err == nil:
			return nil
		case errors.Is(err, ErrClosed), errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
			return err
		default:
			return retry.RetryableError(err)
		}
	})
}

// Instrument counts fragments sent and received through ep.
func Instrument(ep Endpoint, m *metrics.Collector, proto dkls23.Protocol) Endpoint {
	return &instrumentedEndpoint{Endpoint: ep, m: m, proto: proto}
}

type instrumentedEndpoint struct {
	Endpoint
	m     *metrics.Collector
	proto dkls23.Protocol
}

func (i *instrumentedEndpoint) Send(ctx context.Context, msg Message) error {
	err := i.Endpoint.Send(ctx, msg)
	if err != nil {
		i.m.Fragment(i.proto, metrics.DirectionDropped)
		return err
	}
	i.m.Fragment(i.proto, metrics.DirectionSent)
	return nil
}

func (i *instrumentedEndpoint) Receive(ctx context.Context) (Message, error) {
	msg, err := i.Endpoint.Receive(ctx)
	if err == nil {
		i.m.Fragment(i.proto, metrics.DirectionReceived)
	}
	return msg, err
}
