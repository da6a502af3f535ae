// Package ledger is the audit log's public surface. It sequences drafts into
// the hash chain, persists them, and triggers detection and alerting.
package ledger

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"knowton/internal/audit/chain"
	"knowton/internal/platform/metrics"
	dErrors "knowton/pkg/domain-errors"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/requestcontext"
)

const tracerName = "knowton/internal/audit/ledger"

// Sequencer assigns chain order to drafts.
type Sequencer interface {
	Append(draft audit.Draft) (audit.Event, error)
	Verify(events []audit.Event) (bool, int)
	VerifyLinked(ctx context.Context, events []audit.Event, links chain.LinkResolver, now time.Time) (bool, int, error)
}

// Persister writes sequenced events to the sinks.
type Persister interface {
	Persist(ctx context.Context, event audit.Event) error
}

// Querier serves reads from the fast store.
type Querier interface {
	Query(ctx context.Context, f audit.Filter, page audit.Page) ([]audit.Event, error)
	Statistics(ctx context.Context, r audit.TimeRange) (audit.Stats, error)
	Export(ctx context.Context, f audit.Filter, format audit.ExportFormat) ([]byte, error)
	Get(ctx context.Context, id string) (audit.Event, error)
	Timeline(ctx context.Context, r audit.TimeRange) ([]audit.Event, error)
}

// Detector receives every persisted, non-synthetic event.
type Detector interface {
	Submit(ctx context.Context, event audit.Event)
}

// Alerter receives critical events and serves subscribers.
type Alerter interface {
	Dispatch(ctx context.Context, event audit.Event) bool
	Subscribe(name string, buffer int) (<-chan audit.Event, func())
	Recent(n int) []audit.Event
}

// ArchiveReader rehydrates events older than the fast store retains.
type ArchiveReader interface {
	Range(ctx context.Context, from, to time.Time, types ...audit.EventType) ([]audit.Event, error)
}

// Service implements the audit log operations.
type Service struct {
	sequencer     Sequencer
	persister     Persister
	queries       Querier
	detector      Detector
	alerts        Alerter
	archive       ArchiveReader
	links         chain.LinkResolver
	retentionDays int
	now           func() time.Time
	logger        *slog.Logger
	metrics       *metrics.Metrics
	tracer        trace.Tracer
}

// Option configures the Service.
type Option func(*Service)

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) {
		s.logger = logger
	}
}

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *Service) {
		s.metrics = m
	}
}

func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(s *Service) {
		s.tracer = tp.Tracer(tracerName)
	}
}

func WithClock(now func() time.Time) Option {
	return func(s *Service) {
		s.now = now
	}
}

// WithDetector feeds persisted events to a detector pipeline.
func WithDetector(d Detector) Option {
	return func(s *Service) {
		s.detector = d
	}
}

// WithAlerts routes critical events to an alert dispatcher.
func WithAlerts(a Alerter) Option {
	return func(s *Service) {
		s.alerts = a
	}
}

// WithArchive enables verification of ranges older than the fast store
// retention window.
func WithArchive(a ArchiveReader) Option {
	return func(s *Service) {
		s.archive = a
	}
}

// WithLinks lets VerifyRange bridge fast store gaps left by expired or
// orphaned events.
func WithLinks(links chain.LinkResolver) Option {
	return func(s *Service) {
		s.links = links
	}
}

// WithRetentionDays sets the fast store retention window used to decide
// where VerifyRange reads from.
func WithRetentionDays(days int) Option {
	return func(s *Service) {
		if days > 0 {
			s.retentionDays = days
		}
	}
}

func New(sequencer Sequencer, persister Persister, queries Querier, opts ...Option) (*Service, error) {
	if sequencer == nil {
		return nil, errors.New("sequencer is required")
	}
	if persister == nil {
		return nil, errors.New("persister is required")
	}
	if queries == nil {
		return nil, errors.New("query engine is required")
	}
	s := &Service{
		sequencer:     sequencer,
		persister:     persister,
		queries:       queries,
		retentionDays: audit.DefaultRetentionDays,
		now:           time.Now,
		logger:        slog.Default(),
		tracer:        otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// LogEvent validates, sequences and persists draft. Validation and fast
// store failures are returned; stream, detector and alert failures are not.
func (s *Service) LogEvent(ctx context.Context, draft audit.Draft) (audit.Event, error) {
	return s.logEvent(ctx, draft, true)
}

// Emit logs a synthetic event without running detection on it.
func (s *Service) Emit(ctx context.Context, draft audit.Draft) error {
	_, err := s.logEvent(ctx, draft, false)
	return err
}

func (s *Service) logEvent(ctx context.Context, draft audit.Draft, detect bool) (audit.Event, error) {
	start := time.Now()
	ctx, span := s.tracer.Start(ctx, "audit.LogEvent",
		trace.WithAttributes(
			attribute.String("audit.event_type", string(draft.EventType)),
			attribute.Bool("audit.synthetic", !detect),
		),
	)
	defer span.End()

	draft = enrich(ctx, draft).WithDefaults()
	if err := validate(draft); err != nil {
		return audit.Event{}, s.fail(span, err)
	}

	event, err := s.sequencer.Append(draft)
	if err != nil {
		if errors.Is(err, chain.ErrNotBootstrapped) {
			return audit.Event{}, s.fail(span, dErrors.Wrap(err, dErrors.CodeUnavailable, "audit chain is not initialized"))
		}
		return audit.Event{}, s.fail(span, dErrors.Wrap(err, dErrors.CodeInternal, "failed to sequence audit event"))
	}
	span.SetAttributes(attribute.String("audit.event_id", event.ID))

	// The event now owns a chain link; finish persisting it even if the
	// caller goes away.
	persistCtx := context.WithoutCancel(ctx)
	if err := s.persister.Persist(persistCtx, event); err != nil {
		return audit.Event{}, s.fail(span, err)
	}

	if detect && s.detector != nil {
		s.detector.Submit(persistCtx, event)
	}
	if s.alerts != nil && event.IsCritical() {
		s.alerts.Dispatch(persistCtx, event)
	}

	s.metrics.ObserveLogEvent(event.EventType.Category(), string(event.Severity), time.Since(start).Seconds())
	return event, nil
}

func (s *Service) fail(span trace.Span, err error) error {
	code := dErrors.CodeOf(err)
	s.metrics.IncLogEventFailure(string(code))
	span.RecordError(err)
	span.SetStatus(codes.Error, string(code))
	return err
}

// enrich fills actor and correlation fields the caller left empty from the
// request context.
func enrich(ctx context.Context, d audit.Draft) audit.Draft {
	if d.Actor.UserID == "" {
		d.Actor.UserID = requestcontext.UserID(ctx)
	}
	if d.Actor.WalletAddress == "" {
		d.Actor.WalletAddress = requestcontext.WalletAddress(ctx)
	}
	if d.Actor.IPAddress == "" {
		d.Actor.IPAddress = requestcontext.ClientIP(ctx)
	}
	if d.Actor.UserAgent == "" {
		d.Actor.UserAgent = requestcontext.UserAgent(ctx)
	}
	if d.RequestID == "" {
		d.RequestID = requestcontext.RequestID(ctx)
	}
	if d.SessionID == "" {
		d.SessionID = requestcontext.SessionID(ctx)
	}
	return d
}

func validate(d audit.Draft) error {
	switch {
	case d.EventType == "":
		return dErrors.New(dErrors.CodeValidation, "eventType is required")
	case !d.EventType.IsValid():
		return dErrors.Newf(dErrors.CodeValidation, "unknown event type %q", d.EventType)
	case d.Action == "":
		return dErrors.New(dErrors.CodeValidation, "action is required")
	case !d.Severity.IsValid():
		return dErrors.Newf(dErrors.CodeValidation, "unknown severity %q", d.Severity)
	case !d.Status.IsValid():
		return dErrors.Newf(dErrors.CodeValidation, "unknown status %q", d.Status)
	}
	return nil
}

// QueryLogs returns a page of events matching f.
func (s *Service) QueryLogs(ctx context.Context, f audit.Filter, page audit.Page) ([]audit.Event, error) {
	return s.queries.Query(ctx, f, page)
}

// GetStatistics aggregates the events in r.
func (s *Service) GetStatistics(ctx context.Context, r audit.TimeRange) (audit.Stats, error) {
	return s.queries.Statistics(ctx, r)
}

// ExportLogs encodes every event matching f.
func (s *Service) ExportLogs(ctx context.Context, f audit.Filter, format audit.ExportFormat) ([]byte, error) {
	return s.queries.Export(ctx, f, format)
}

// GetEvent returns one event by id.
func (s *Service) GetEvent(ctx context.Context, id string) (audit.Event, error) {
	return s.queries.Get(ctx, id)
}

// VerifyHashChain checks a caller-supplied, id-ordered slice of events.
func (s *Service) VerifyHashChain(events []audit.Event) (bool, int) {
	return s.sequencer.Verify(events)
}

// Subscribe registers an alert subscriber.
func (s *Service) Subscribe(name string, buffer int) (<-chan audit.Event, func(), error) {
	if s.alerts == nil {
		return nil, nil, dErrors.New(dErrors.CodeUnavailable, "alerting is not configured")
	}
	ch, cancel := s.alerts.Subscribe(name, buffer)
	return ch, cancel, nil
}

// RecentAlerts returns up to n recent alerts, newest first.
func (s *Service) RecentAlerts(n int) []audit.Event {
	if s.alerts == nil {
		return nil
	}
	return s.alerts.Recent(n)
}

// RecordSweep logs the outcome of a retention sweep as a system event.
func (s *Service) RecordSweep(ctx context.Context, removed int, sweepErr error) {
	draft := audit.Draft{
		EventType:   audit.EventSystemRetentionSweep,
		Action:      "retention_sweep",
		Description: "fast store retention sweep",
		Metadata:    map[string]any{"removed": removed},
	}
	if sweepErr != nil {
		draft.Status = audit.StatusFailure
		draft.Severity = audit.SeverityError
		draft.Metadata["error"] = sweepErr.Error()
	}
	if err := s.Emit(ctx, draft); err != nil {
		s.logger.ErrorContext(ctx, "failed to log retention sweep", "error", err)
	}
}
