// Package alert fans critical audit events out to in-process subscribers and
// external sinks without ever blocking ingestion.
package alert

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"knowton/internal/platform/metrics"
	audit "knowton/pkg/platform/audit"
)

const (
	DefaultBufferSize     = 1000
	defaultInboxSize      = 256
	defaultSubscriberSize = 64
)

// Sink receives every dispatched alert, e.g. an external notifier.
type Sink interface {
	Deliver(ctx context.Context, event audit.Event) error
}

type subscriber struct {
	name string
	ch   chan audit.Event
}

// Dispatcher keeps a ring of recent alerts and forwards new ones to
// subscribers from a single fan-out goroutine.
type Dispatcher struct {
	buffer  *RingBuffer
	inbox   chan audit.Event
	sinks   []Sink
	logger  *slog.Logger
	metrics *metrics.Metrics

	subMu  sync.RWMutex
	subs   map[uint64]*subscriber
	nextID uint64

	closeMu sync.RWMutex
	started bool
	closed  bool
	done    chan struct{}
}

// Option configures the Dispatcher.
type Option func(*Dispatcher)

func WithLogger(logger *slog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// WithBufferSize sets how many recent alerts are retained.
func WithBufferSize(n int) Option {
	return func(d *Dispatcher) {
		d.buffer = NewRingBuffer(n)
	}
}

func WithInboxSize(n int) Option {
	return func(d *Dispatcher) {
		if n > 0 {
			d.inbox = make(chan audit.Event, n)
		}
	}
}

// WithSinks adds external sinks that receive every alert.
func WithSinks(sinks ...Sink) Option {
	return func(d *Dispatcher) {
		d.sinks = append(d.sinks, sinks...)
	}
}

func New(opts ...Option) *Dispatcher {
	d := &Dispatcher{
		buffer: NewRingBuffer(DefaultBufferSize),
		inbox:  make(chan audit.Event, defaultInboxSize),
		logger: slog.Default(),
		subs:   make(map[uint64]*subscriber),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// Start runs the fan-out loop until Close.
func (d *Dispatcher) Start(ctx context.Context) {
	d.closeMu.Lock()
	defer d.closeMu.Unlock()
	if d.started || d.closed {
		return
	}
	d.started = true
	go func() {
		defer close(d.done)
		for e := range d.inbox {
			d.fanOut(ctx, e)
		}
		d.closeSubscribers()
	}()
}

// Dispatch records e as an alert if it is critical. It never blocks.
func (d *Dispatcher) Dispatch(ctx context.Context, e audit.Event) bool {
	if !e.IsCritical() {
		return false
	}
	d.buffer.Add(e)

	d.closeMu.RLock()
	defer d.closeMu.RUnlock()
	if d.closed {
		return true
	}
	select {
	case d.inbox <- e:
	default:
		d.metrics.IncAlertDropped("inbox_full")
		d.logger.WarnContext(ctx, "alert inbox full, alert kept in buffer only",
			"event_id", e.ID,
			"event_type", e.EventType,
		)
	}
	return true
}

// Subscribe registers a subscriber with its own buffered channel. Alerts
// that do not fit are dropped for that subscriber only. cancel closes the
// channel.
func (d *Dispatcher) Subscribe(name string, buffer int) (<-chan audit.Event, func()) {
	if buffer <= 0 {
		buffer = defaultSubscriberSize
	}
	sub := &subscriber{name: name, ch: make(chan audit.Event, buffer)}

	d.subMu.Lock()
	id := d.nextID
	d.nextID++
	d.subs[id] = sub
	d.subMu.Unlock()

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			d.subMu.Lock()
			defer d.subMu.Unlock()
			if _, ok := d.subs[id]; ok {
				delete(d.subs, id)
				close(sub.ch)
			}
		})
	}
	return sub.ch, cancel
}

// Recent returns up to n buffered alerts, newest first.
func (d *Dispatcher) Recent(n int) []audit.Event {
	return d.buffer.Recent(n)
}

// Close stops the fan-out loop after draining the inbox and closes every
// subscriber channel.
func (d *Dispatcher) Close() {
	d.closeMu.Lock()
	if d.closed {
		d.closeMu.Unlock()
		return
	}
	d.closed = true
	close(d.inbox)
	started := d.started
	d.closeMu.Unlock()
	if !started {
		d.closeSubscribers()
		return
	}
	<-d.done
}

func (d *Dispatcher) fanOut(ctx context.Context, e audit.Event) {
	d.subMu.RLock()
	for _, sub := range d.subs {
		select {
		case sub.ch <- e:
		default:
			d.metrics.IncAlertDropped("subscriber_slow")
			d.logger.WarnContext(ctx, "alert subscriber too slow, dropping alert",
				"subscriber", sub.name,
				"event_id", e.ID,
			)
		}
	}
	d.subMu.RUnlock()

	var errs []error
	for _, sink := range d.sinks {
		if err := sink.Deliver(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		d.metrics.IncAlertDropped("sink_error")
		d.logger.ErrorContext(ctx, "alert sink delivery failed",
			"event_id", e.ID,
			"error", err,
		)
		return
	}
	d.metrics.IncAlertDispatched()
}

func (d *Dispatcher) closeSubscribers() {
	d.subMu.Lock()
	defer d.subMu.Unlock()
	for id, sub := range d.subs {
		close(sub.ch)
		delete(d.subs, id)
	}
}
