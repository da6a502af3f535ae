// Package query answers filtered reads, aggregate statistics and exports from
// the fast store's secondary indices.
package query

import (
	"context"
	"errors"
	"log/slog"
	"slices"
	"strings"

	"knowton/internal/audit/store"
	dErrors "knowton/pkg/domain-errors"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/platform/sentinel"
)

const (
	defaultBatchSize     = 200
	DefaultMaxExportRows = 10000
)

// Engine plans queries against a fast store reader.
type Engine struct {
	reader        store.Reader
	batchSize     int
	maxExportRows int
	logger        *slog.Logger
}

// Option configures the Engine.
type Option func(*Engine)

func WithLogger(logger *slog.Logger) Option {
	return func(e *Engine) {
		e.logger = logger
	}
}

// WithBatchSize sets how many index ids are fetched per round trip.
func WithBatchSize(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.batchSize = n
		}
	}
}

// WithMaxExportRows caps the number of rows a single export may return.
func WithMaxExportRows(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxExportRows = n
		}
	}
}

func New(reader store.Reader, opts ...Option) (*Engine, error) {
	if reader == nil {
		return nil, dErrors.New(dErrors.CodeInternal, "store reader is required")
	}
	e := &Engine{
		reader:        reader,
		batchSize:     defaultBatchSize,
		maxExportRows: DefaultMaxExportRows,
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Query returns the page of events matching f, newest first unless
// page.Ascending is set.
func (e *Engine) Query(ctx context.Context, f audit.Filter, page audit.Page) ([]audit.Event, error) {
	if err := f.Validate(); err != nil {
		return nil, err
	}
	page = page.Normalize()

	out := make([]audit.Event, 0, min(page.Limit, e.batchSize))
	skipped := 0
	err := e.scan(ctx, f, page.Ascending, func(ev audit.Event) bool {
		if skipped < page.Offset {
			skipped++
			return true
		}
		out = append(out, ev)
		return len(out) < page.Limit
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Get returns one event by id.
func (e *Engine) Get(ctx context.Context, id string) (audit.Event, error) {
	if id == "" {
		return audit.Event{}, dErrors.New(dErrors.CodeValidation, "event id is required")
	}
	ev, err := e.reader.Get(ctx, id)
	if err != nil {
		if errors.Is(err, sentinel.ErrNotFound) {
			return audit.Event{}, dErrors.Newf(dErrors.CodeNotFound, "audit event %s not found", id)
		}
		return audit.Event{}, translate(err, "failed to load audit event")
	}
	return ev, nil
}

// plan picks the narrowest index for f: a single actor, else a single event
// type, else the global timeline.
func plan(f audit.Filter) store.IndexKey {
	switch {
	case f.UserID != "":
		return store.UserIndex(f.UserID)
	case f.WalletAddress != "":
		return store.WalletIndex(f.WalletAddress)
	case f.EventType != "":
		return store.TypeIndex(f.EventType)
	default:
		return store.TimelineIndex()
	}
}

// scan walks the planned index in batches, post-filters each batch and calls
// fn for every match until fn returns false or the index is exhausted.
func (e *Engine) scan(ctx context.Context, f audit.Filter, ascending bool, fn func(audit.Event) bool) error {
	key := plan(f)
	cursor := 0
	for {
		ids, err := e.reader.Range(ctx, key, store.RangeQuery{
			From:      f.From,
			To:        f.To,
			Offset:    cursor,
			Limit:     e.batchSize,
			Ascending: ascending,
		})
		if err != nil {
			return translate(err, "failed to read index")
		}
		if len(ids) == 0 {
			return nil
		}
		cursor += len(ids)

		events, err := e.reader.GetMany(ctx, ids)
		if err != nil {
			return translate(err, "failed to load audit events")
		}
		for _, ev := range events {
			if !f.Matches(ev) {
				continue
			}
			if !fn(ev) {
				return nil
			}
		}
		if len(ids) < e.batchSize {
			return nil
		}
	}
}

func translate(err error, msg string) error {
	if errors.Is(err, sentinel.ErrUnavailable) {
		return dErrors.Wrap(err, dErrors.CodeUnavailable, msg)
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return dErrors.Wrap(err, dErrors.CodeInternal, msg)
}

// Timeline returns every event in r in chain order (ascending id).
func (e *Engine) Timeline(ctx context.Context, r audit.TimeRange) ([]audit.Event, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	var events []audit.Event
	err := e.scan(ctx, audit.Filter{TimeRange: r}, true, func(ev audit.Event) bool {
		events = append(events, ev)
		return true
	})
	if err != nil {
		return nil, err
	}
	slices.SortFunc(events, func(a, b audit.Event) int {
		return strings.Compare(a.ID, b.ID)
	})
	return events, nil
}
