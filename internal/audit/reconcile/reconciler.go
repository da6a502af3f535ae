// Package reconcile closes gaps between the fast store and the compliance
// archive left by stream publishes that exhausted their retries.
package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"knowton/internal/audit/store"
	"knowton/internal/audit/stream"
	"knowton/internal/platform/metrics"
	audit "knowton/pkg/platform/audit"
)

// FastStore is the read side of the fast store.
type FastStore interface {
	Range(ctx context.Context, key store.IndexKey, q store.RangeQuery) ([]string, error)
	GetMany(ctx context.Context, ids []string) ([]audit.Event, error)
}

// Archive reports which ids have not been archived yet.
type Archive interface {
	Missing(ctx context.Context, ids []string) ([]string, error)
}

// Republisher re-enqueues records on the stream relay.
type Republisher interface {
	Enqueue(rec stream.Record) bool
}

// Reconciler compares a trailing window of the fast store timeline with the
// archive and republishes whatever the archive is missing.
type Reconciler struct {
	fast      FastStore
	archive   Archive
	relay     Republisher
	window    time.Duration
	grace     time.Duration
	interval  time.Duration
	batchSize int
	now       func() time.Time
	logger    *slog.Logger
	metrics   *metrics.Metrics
}

// Option configures the Reconciler.
type Option func(*Reconciler)

func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Reconciler) {
		r.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(r *Reconciler) {
		r.now = now
	}
}

// WithWindow sets how far back each pass looks and how recent an event must
// be to still count as in flight.
func WithWindow(window, grace time.Duration) Option {
	return func(r *Reconciler) {
		if window > 0 {
			r.window = window
		}
		if grace >= 0 {
			r.grace = grace
		}
	}
}

func WithInterval(d time.Duration) Option {
	return func(r *Reconciler) {
		if d > 0 {
			r.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(r *Reconciler) {
		if n > 0 {
			r.batchSize = n
		}
	}
}

func New(fast FastStore, archive Archive, relay Republisher, opts ...Option) (*Reconciler, error) {
	if fast == nil || archive == nil || relay == nil {
		return nil, errors.New("fast store, archive and relay are required")
	}
	r := &Reconciler{
		fast:      fast,
		archive:   archive,
		relay:     relay,
		window:    time.Hour,
		grace:     2 * time.Minute,
		interval:  5 * time.Minute,
		batchSize: 500,
		now:       time.Now,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Reconcile runs one pass and returns how many events were republished.
func (r *Reconciler) Reconcile(ctx context.Context) (int, error) {
	now := r.now()
	q := store.RangeQuery{
		From:      now.Add(-r.window),
		To:        now.Add(-r.grace),
		Limit:     r.batchSize,
		Ascending: true,
	}

	republished := 0
	for {
		ids, err := r.fast.Range(ctx, store.TimelineIndex(), q)
		if err != nil {
			return republished, fmt.Errorf("scan timeline: %w", err)
		}
		if len(ids) == 0 {
			break
		}
		q.Offset += len(ids)

		missing, err := r.archive.Missing(ctx, ids)
		if err != nil {
			return republished, fmt.Errorf("check archive: %w", err)
		}
		if len(missing) > 0 {
			events, err := r.fast.GetMany(ctx, missing)
			if err != nil {
				return republished, fmt.Errorf("load missing events: %w", err)
			}
			for _, e := range events {
				if !r.relay.Enqueue(stream.Record{Event: e, Replay: true}) {
					r.metrics.AddReconcileRepublished(republished)
					return republished, fmt.Errorf("relay refused event %s", e.ID)
				}
				republished++
			}
		}
		if len(ids) < r.batchSize {
			break
		}
	}

	r.metrics.AddReconcileRepublished(republished)
	return republished, nil
}

// Run reconciles at the configured interval until ctx is cancelled.
func (r *Reconciler) Run(ctx context.Context) error {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			n, err := r.Reconcile(ctx)
			if err != nil {
				r.logger.ErrorContext(ctx, "reconciliation pass failed",
					"republished", n,
					"error", err,
				)
				continue
			}
			if n > 0 {
				r.logger.WarnContext(ctx, "republished events missing from archive",
					"republished", n,
				)
			}
		}
	}
}
