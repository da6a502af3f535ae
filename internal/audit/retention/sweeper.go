// Package retention purges events older than the retention window from the
// fast store. The durable stream is never touched.
package retention

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"knowton/internal/audit/store"
	"knowton/internal/platform/metrics"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/platform/sentinel"
)

const (
	defaultInterval  = time.Hour
	defaultBatchSize = 500
)

// Store is the subset of the fast store the sweeper needs.
type Store interface {
	Range(ctx context.Context, key store.IndexKey, q store.RangeQuery) ([]string, error)
	Get(ctx context.Context, id string) (audit.Event, error)
	Remove(ctx context.Context, id string) error
}

// Sweeper removes expired events and their index entries.
type Sweeper struct {
	store         Store
	retentionDays int
	interval      time.Duration
	batchSize     int
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics
	onSweep       func(ctx context.Context, removed int, err error)
}

// Option configures the Sweeper.
type Option func(*Sweeper)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Sweeper) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Sweeper) {
		s.metrics = m
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Sweeper) {
		s.now = now
	}
}

func WithInterval(d time.Duration) Option {
	return func(s *Sweeper) {
		if d > 0 {
			s.interval = d
		}
	}
}

func WithBatchSize(n int) Option {
	return func(s *Sweeper) {
		if n > 0 {
			s.batchSize = n
		}
	}
}

// WithSweepHook is called after every sweep that ran from Run.
func WithSweepHook(fn func(ctx context.Context, removed int, err error)) Option {
	return func(s *Sweeper) {
		s.onSweep = fn
	}
}

func New(st Store, retentionDays int, opts ...Option) (*Sweeper, error) {
	if st == nil {
		return nil, errors.New("fast store is required")
	}
	if retentionDays <= 0 {
		retentionDays = audit.DefaultRetentionDays
	}
	s := &Sweeper{
		store:         st,
		retentionDays: retentionDays,
		interval:      defaultInterval,
		batchSize:     defaultBatchSize,
		now:           time.Now,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Cutoff is the oldest timestamp that is still retained.
func (s *Sweeper) Cutoff() time.Time {
	return s.now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
}

// Sweep removes every event older than the cutoff unless its own retention
// period still covers it. Individual failures do not stop the sweep; they
// are joined into the returned error.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	now := s.now()
	cutoff := s.Cutoff()
	// strictly older than the cutoff; timestamps have microsecond precision
	upper := cutoff.Add(-time.Microsecond)

	var (
		removed int
		errs    []error
		offset  int
	)
	for {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		ids, err := s.store.Range(ctx, store.TimelineIndex(), store.RangeQuery{
			To:        upper,
			Offset:    offset,
			Limit:     s.batchSize,
			Ascending: true,
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("scan timeline: %w", err))
			break
		}
		for _, id := range ids {
			ev, err := s.store.Get(ctx, id)
			switch {
			case errors.Is(err, sentinel.ErrNotFound):
				// record already expired; its index entries remain
			case err != nil:
				errs = append(errs, fmt.Errorf("load event %s: %w", id, err))
				offset++
				continue
			case ev.ExpiresAt().After(now):
				offset++
				continue
			}
			if err := s.store.Remove(ctx, id); err != nil {
				errs = append(errs, fmt.Errorf("remove event %s: %w", id, err))
				offset++
				continue
			}
			removed++
		}
		if len(ids) < s.batchSize {
			break
		}
	}

	s.metrics.AddRetentionRemoved(removed)
	return removed, errors.Join(errs...)
}

// Run sweeps at the configured interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			removed, err := s.Sweep(ctx)
			if err != nil {
				s.logger.ErrorContext(ctx, "retention sweep incomplete",
					"removed", removed,
					"error", err,
				)
			} else {
				s.logger.InfoContext(ctx, "retention sweep complete",
					"removed", removed,
					"cutoff", s.Cutoff(),
				)
			}
			if s.onSweep != nil && ctx.Err() == nil {
				s.onSweep(ctx, removed, err)
			}
		}
	}
}
