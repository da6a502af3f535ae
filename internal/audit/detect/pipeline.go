// Package detect runs anomaly rules over persisted events and logs what they
// find as synthetic security events.
package detect

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"knowton/internal/platform/metrics"
	audit "knowton/pkg/platform/audit"
)

// Emitter logs a synthetic event produced by a rule. Emitted events must not
// be fed back into the pipeline.
type Emitter interface {
	Emit(ctx context.Context, draft audit.Draft) error
}

// EmitterFunc adapts a function to Emitter.
type EmitterFunc func(ctx context.Context, draft audit.Draft) error

func (f EmitterFunc) Emit(ctx context.Context, draft audit.Draft) error {
	return f(ctx, draft)
}

const (
	defaultQueueSize = 1024
	defaultWorkers   = 4
)

// Pipeline evaluates registered rules. By default evaluation happens on a
// bounded worker pool and events are dropped when the queue is full.
type Pipeline struct {
	emitter   Emitter
	queue     chan audit.Event
	workers   int
	inline    bool
	logger    *slog.Logger
	metrics   *metrics.Metrics
	rulesMu   sync.RWMutex
	rules     []Rule
	closeMu   sync.RWMutex
	closed    bool
	wg        sync.WaitGroup
	queueSize int
}

// Option configures the Pipeline.
type Option func(*Pipeline)

func WithLogger(logger *slog.Logger) Option {
	return func(p *Pipeline) {
		p.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(p *Pipeline) {
		p.metrics = m
	}
}

func WithWorkers(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.workers = n
		}
	}
}

func WithQueueSize(n int) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.queueSize = n
		}
	}
}

// WithInline evaluates rules on the caller's goroutine.
func WithInline() Option {
	return func(p *Pipeline) {
		p.inline = true
	}
}

// WithRules registers rules at construction.
func WithRules(rules ...Rule) Option {
	return func(p *Pipeline) {
		p.rules = append(p.rules, rules...)
	}
}

func New(emitter Emitter, opts ...Option) (*Pipeline, error) {
	if emitter == nil {
		return nil, errors.New("detector emitter is required")
	}
	p := &Pipeline{
		emitter:   emitter,
		workers:   defaultWorkers,
		queueSize: defaultQueueSize,
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(p)
	}
	p.queue = make(chan audit.Event, p.queueSize)
	return p, nil
}

// Register adds a rule. Rules registered after Start apply to later events.
func (p *Pipeline) Register(rule Rule) {
	p.rulesMu.Lock()
	defer p.rulesMu.Unlock()
	p.rules = append(p.rules, rule)
}

// Rules returns the registered rule names.
func (p *Pipeline) Rules() []string {
	p.rulesMu.RLock()
	defer p.rulesMu.RUnlock()
	names := make([]string, 0, len(p.rules))
	for _, r := range p.rules {
		names = append(names, r.Name())
	}
	return names
}

// Start launches the worker pool. It is a no-op in inline mode.
func (p *Pipeline) Start(ctx context.Context) {
	if p.inline {
		return
	}
	for range p.workers {
		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			for e := range p.queue {
				p.evaluate(ctx, e)
			}
		}()
	}
}

// Submit schedules e for evaluation. It never blocks and never fails the
// caller; in async mode a full queue drops the event.
func (p *Pipeline) Submit(ctx context.Context, e audit.Event) {
	if p.inline {
		p.evaluate(ctx, e)
		return
	}
	p.closeMu.RLock()
	defer p.closeMu.RUnlock()
	if p.closed {
		return
	}
	select {
	case p.queue <- e:
	default:
		p.metrics.IncDetectorDropped()
		p.logger.WarnContext(ctx, "detector queue full, skipping detection",
			"event_id", e.ID,
			"event_type", e.EventType,
		)
	}
}

// Close stops accepting events and waits for queued ones.
func (p *Pipeline) Close() {
	p.closeMu.Lock()
	if p.closed {
		p.closeMu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.closeMu.Unlock()
	p.wg.Wait()
}

func (p *Pipeline) evaluate(ctx context.Context, e audit.Event) {
	p.rulesMu.RLock()
	rules := p.rules
	p.rulesMu.RUnlock()

	for _, rule := range rules {
		drafts, err := rule.Evaluate(ctx, e)
		if err != nil {
			p.metrics.IncDetectorError(rule.Name())
			p.logger.ErrorContext(ctx, "detector rule failed",
				"rule", rule.Name(),
				"event_id", e.ID,
				"error", err,
			)
			continue
		}
		for _, draft := range drafts {
			p.metrics.IncDetection(rule.Name())
			if err := p.emitter.Emit(ctx, draft); err != nil {
				p.logger.ErrorContext(ctx, "failed to log detection",
					"rule", rule.Name(),
					"event_id", e.ID,
					"error", err,
				)
				continue
			}
			p.logger.WarnContext(ctx, "suspicious activity detected",
				"rule", rule.Name(),
				"event_id", e.ID,
				"user_id", e.Actor.UserID,
			)
		}
	}
}
