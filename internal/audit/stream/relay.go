package stream

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"knowton/internal/platform/metrics"
)

const (
	defaultQueueSize = 4096
	defaultWorkers   = 2
)

var errCircuitOpen = errors.New("stream circuit open")

// Relay is the asynchronous, bounded hand-off between the persistence gateway
// and the durable stream. Records that exhaust their retries are reported via
// the failure hook and left for reconciliation.
type Relay struct {
	publisher Publisher
	queue     chan Record
	retry     RetryConfig
	breaker   *CircuitBreaker
	workers   int
	logger    *slog.Logger
	metrics   *metrics.Metrics
	onFailure func(Record, error)

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

// Option configures the Relay.
type Option func(*Relay)

func WithQueueSize(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.queue = make(chan Record, n)
		}
	}
}

func WithWorkers(n int) Option {
	return func(r *Relay) {
		if n > 0 {
			r.workers = n
		}
	}
}

func WithRetryConfig(cfg RetryConfig) Option {
	return func(r *Relay) {
		r.retry = cfg
	}
}

func WithCircuitBreaker(cb *CircuitBreaker) Option {
	return func(r *Relay) {
		r.breaker = cb
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(r *Relay) {
		r.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Relay) {
		r.metrics = m
	}
}

// WithFailureHook is called for every record that exhausted its retries.
func WithFailureHook(fn func(Record, error)) Option {
	return func(r *Relay) {
		r.onFailure = fn
	}
}

// NewRelay creates a relay in front of publisher. Call Start to begin
// delivery and Close to drain.
func NewRelay(publisher Publisher, opts ...Option) (*Relay, error) {
	if publisher == nil {
		return nil, errors.New("stream publisher is required")
	}
	r := &Relay{
		publisher: publisher,
		queue:     make(chan Record, defaultQueueSize),
		retry:     DefaultRetryConfig(),
		breaker:   NewCircuitBreaker(5, 0),
		workers:   defaultWorkers,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Start launches the delivery workers. ctx bounds publish attempts.
func (r *Relay) Start(ctx context.Context) {
	for range r.workers {
		r.wg.Add(1)
		go func() {
			defer r.wg.Done()
			for rec := range r.queue {
				r.deliver(ctx, rec)
			}
		}()
	}
}

// Enqueue hands rec to the relay without blocking. It returns false when the
// queue is full or the relay is closed; the record is then dropped and only
// reconciliation can recover it.
func (r *Relay) Enqueue(rec Record) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if r.closed {
		return false
	}
	select {
	case r.queue <- rec:
		return true
	default:
		r.metrics.IncStreamDropped()
		r.logger.Warn("stream relay queue full, dropping event",
			"event_id", rec.Event.ID,
			"event_type", rec.Event.EventType,
		)
		return false
	}
}

// Pending returns the number of queued records.
func (r *Relay) Pending() int {
	return len(r.queue)
}

// Close stops accepting records and waits for queued ones to be delivered.
func (r *Relay) Close() {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return
	}
	r.closed = true
	close(r.queue)
	r.mu.Unlock()
	r.wg.Wait()
}

func (r *Relay) deliver(ctx context.Context, rec Record) {
	err := Retry(ctx, r.retry, func() error {
		if !r.breaker.Allow() {
			return errCircuitOpen
		}
		if err := r.publisher.Publish(ctx, rec); err != nil {
			if r.breaker.RecordFailure() {
				r.metrics.SetStreamCircuitState(true)
				r.logger.WarnContext(ctx, "stream circuit opened", "error", err)
			}
			return err
		}
		if r.breaker.IsOpen() {
			r.metrics.SetStreamCircuitState(false)
		}
		r.breaker.RecordSuccess()
		return nil
	})
	if err == nil {
		r.metrics.IncStreamPublished()
		return
	}

	r.metrics.IncStreamPublishFailure()
	r.logger.ErrorContext(ctx, "durable stream publish failed",
		"event_id", rec.Event.ID,
		"event_type", rec.Event.EventType,
		"fast_store_failed", rec.FastStoreFailed,
		"error", err,
	)
	if r.onFailure != nil {
		r.onFailure(rec, err)
	}
}
