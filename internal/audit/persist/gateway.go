// Package persist writes sequenced events to both sinks: the fast store
// (record plus secondary indices) and the durable stream relay.
package persist

//go:generate mockgen -source=gateway.go -destination=mocks/mocks.go -package=mocks

import (
	"context"
	"log/slog"
	"time"

	"knowton/internal/audit/store"
	"knowton/internal/audit/stream"
	"knowton/internal/platform/metrics"
	dErrors "knowton/pkg/domain-errors"
	audit "knowton/pkg/platform/audit"

	"golang.org/x/sync/errgroup"
)

const minRecordTTL = time.Second

// FastStoreWriter is the write side of the fast store.
type FastStoreWriter interface {
	Put(ctx context.Context, event audit.Event, ttl time.Duration) error
	AddToIndex(ctx context.Context, key store.IndexKey, id string, ts time.Time) error
	PutLink(ctx context.Context, link audit.Link, ttl time.Duration) error
}

// StreamRelay accepts records for asynchronous stream delivery.
type StreamRelay interface {
	Enqueue(rec stream.Record) bool
}

// Gateway persists events to the fast store and hands them to the stream.
type Gateway struct {
	store   FastStoreWriter
	relay   StreamRelay
	retry   stream.RetryConfig
	linkTTL time.Duration
	now     func() time.Time
	logger  *slog.Logger
	metrics *metrics.Metrics
}

// Option configures the Gateway.
type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) {
		g.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(g *Gateway) {
		g.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(g *Gateway) {
		g.now = now
	}
}

// WithRetryConfig overrides the fast store write retry policy.
func WithRetryConfig(cfg stream.RetryConfig) Option {
	return func(g *Gateway) {
		g.retry = cfg
	}
}

// WithLinkRetention sets how long chain links are kept at minimum. It should
// cover the fast store retention window so verification can bridge events
// that expire sooner.
func WithLinkRetention(d time.Duration) Option {
	return func(g *Gateway) {
		if d > 0 {
			g.linkTTL = d
		}
	}
}

func New(fastStore FastStoreWriter, relay StreamRelay, opts ...Option) (*Gateway, error) {
	if fastStore == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "fast store is required")
	}
	if relay == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "stream relay is required")
	}
	g := &Gateway{
		store: fastStore,
		relay: relay,
		retry: stream.RetryConfig{
			MaxRetries:     2,
			InitialBackoff: 10 * time.Millisecond,
			MaxBackoff:     50 * time.Millisecond,
			BackoffFactor:  2,
		},
		linkTTL: audit.DefaultRetentionDays * 24 * time.Hour,
		now:     time.Now,
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g, nil
}

// Persist writes event to the fast store and enqueues it for the stream.
// The event is enqueued even when the fast store write fails, so the stream
// still carries the chain link; the caller then gets a persistence error.
// The link itself is recorded after the record, marked orphan when the record
// write failed.
func (g *Gateway) Persist(ctx context.Context, event audit.Event) error {
	ttl := max(event.ExpiresAt().Sub(g.now()), minRecordTTL)
	storeErr := g.writeFastStore(ctx, event, ttl)
	g.recordLink(ctx, event, ttl, storeErr != nil)

	rec := stream.Record{Event: event, FastStoreFailed: storeErr != nil}
	if !g.relay.Enqueue(rec) {
		g.logger.WarnContext(ctx, "event not handed to durable stream",
			"event_id", event.ID,
			"event_type", event.EventType,
		)
	}

	if storeErr != nil {
		g.logger.ErrorContext(ctx, "fast store write failed",
			"event_id", event.ID,
			"event_type", event.EventType,
			"error", storeErr,
		)
		return dErrors.Wrap(storeErr, dErrors.CodePersistence, "failed to persist audit event")
	}
	return nil
}

func (g *Gateway) writeFastStore(ctx context.Context, event audit.Event, ttl time.Duration) error {
	eg, egCtx := errgroup.WithContext(ctx)
	eg.Go(func() error {
		return g.withRetry(egCtx, func() error {
			return g.store.Put(egCtx, event, ttl)
		})
	})
	for _, key := range store.IndexesFor(event) {
		eg.Go(func() error {
			return g.withRetry(egCtx, func() error {
				return g.store.AddToIndex(egCtx, key, event.ID, event.Timestamp)
			})
		})
	}
	return eg.Wait()
}

func (g *Gateway) recordLink(ctx context.Context, event audit.Event, recordTTL time.Duration, orphan bool) {
	link := event.ChainLink()
	link.Orphan = orphan
	ttl := max(recordTTL, g.linkTTL)
	err := g.withRetry(ctx, func() error {
		return g.store.PutLink(ctx, link, ttl)
	})
	if err != nil {
		g.logger.WarnContext(ctx, "chain link not recorded",
			"event_id", event.ID,
			"orphan", orphan,
			"error", err,
		)
	}
}

func (g *Gateway) withRetry(ctx context.Context, fn func() error) error {
	attempt := 0
	return stream.Retry(ctx, g.retry, func() error {
		if attempt > 0 {
			g.metrics.IncFastStoreRetry()
		}
		attempt++
		return fn()
	})
}
