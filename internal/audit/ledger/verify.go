package ledger

import (
	"context"
	"errors"
	"time"

	"knowton/internal/audit/chain"
	dErrors "knowton/pkg/domain-errors"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/platform/sentinel"
)

// VerifySource names where VerifyRange read the events from.
type VerifySource string

const (
	SourceFastStore VerifySource = "fast_store"
	SourceArchive   VerifySource = "archive"
)

// VerifyReport describes a successful range verification.
type VerifyReport struct {
	Source  VerifySource
	Events  int
	FirstID string
	LastID  string
}

// VerifyRange verifies the chain segment inside r. Ranges that start inside
// the fast store retention window are read from the fast store; open or older
// ranges are rehydrated from the archive, and are unavailable without one.
// The first event of the segment is taken as the anchor, so only links inside
// the range are checked.
//
// Fast store segments may be missing events that expired early or whose
// record write failed. Such gaps are bridged through the stored chain links.
// A gap that links cannot explain is verified from the archive instead, or
// reported unavailable; it is never treated as tampering.
//
// A broken chain is logged, counted, recorded as a
// security.chain_integrity_violation event and returned as a
// ChainIntegrityError. Nothing is repaired.
func (s *Service) VerifyRange(ctx context.Context, r audit.TimeRange) (VerifyReport, error) {
	if err := r.Validate(); err != nil {
		return VerifyReport{}, err
	}

	var (
		source = s.sourceFor(r)
		events []audit.Event
		ok     bool
		bad    int
		err    error
	)
	if source == SourceFastStore {
		events, ok, bad, err = s.verifyFastStore(ctx, r)
		if errors.Is(err, chain.ErrGap) && s.archive != nil {
			s.logger.InfoContext(ctx, "chain gap in fast store range, verifying from archive",
				"range_from", r.From,
				"range_to", r.To,
			)
			source = SourceArchive
		} else if err != nil {
			return VerifyReport{}, err
		}
	}
	if source == SourceArchive {
		events, ok, bad, err = s.verifyArchive(ctx, r)
		if err != nil {
			return VerifyReport{}, err
		}
	}

	report := VerifyReport{Source: source, Events: len(events)}
	if len(events) > 0 {
		report.FirstID = events[0].ID
		report.LastID = events[len(events)-1].ID
	}
	if ok {
		return report, nil
	}

	violation := &dErrors.ChainIntegrityError{FirstBadIndex: bad, EventID: events[bad].ID}
	s.metrics.IncChainVerifyFailure()
	s.logger.ErrorContext(ctx, "hash chain verification failed",
		"source", string(source),
		"first_bad_index", bad,
		"event_id", violation.EventID,
		"range_from", r.From,
		"range_to", r.To,
	)
	s.recordViolation(ctx, source, violation)
	return report, dErrors.Wrap(violation, dErrors.CodeChainIntegrity, "hash chain verification failed")
}

// verifyFastStore returns chain.ErrGap unwrapped so the caller can fall back
// to the archive.
func (s *Service) verifyFastStore(ctx context.Context, r audit.TimeRange) ([]audit.Event, bool, int, error) {
	events, err := s.queries.Timeline(ctx, r)
	if err != nil {
		return nil, false, 0, err
	}
	ok, bad, err := s.sequencer.VerifyLinked(ctx, events, s.links, s.now())
	switch {
	case errors.Is(err, chain.ErrGap):
		if s.archive == nil {
			return nil, false, 0, dErrors.Wrap(err, dErrors.CodeUnavailable,
				"fast store range has a chain gap only the archive can bridge and no archive is configured")
		}
		return nil, false, 0, err
	case errors.Is(err, sentinel.ErrUnavailable):
		return nil, false, 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to load chain links")
	case err != nil:
		return nil, false, 0, dErrors.Wrap(err, dErrors.CodeInternal, "failed to load chain links")
	}
	return events, ok, bad, nil
}

func (s *Service) verifyArchive(ctx context.Context, r audit.TimeRange) ([]audit.Event, bool, int, error) {
	if s.archive == nil {
		return nil, false, 0, dErrors.New(dErrors.CodeUnavailable,
			"range predates fast store retention and no archive is configured")
	}
	events, err := s.archive.Range(ctx, r.From, r.To)
	if err != nil {
		return nil, false, 0, dErrors.Wrap(err, dErrors.CodeUnavailable, "failed to read archive")
	}
	ok, bad := s.sequencer.Verify(events)
	return events, ok, bad, nil
}

// sourceFor picks the fast store only when r starts inside the retention
// window.
func (s *Service) sourceFor(r audit.TimeRange) VerifySource {
	windowStart := s.now().Add(-time.Duration(s.retentionDays) * 24 * time.Hour)
	if r.From.IsZero() || r.From.Before(windowStart) {
		return SourceArchive
	}
	return SourceFastStore
}

func (s *Service) recordViolation(ctx context.Context, source VerifySource, v *dErrors.ChainIntegrityError) {
	draft := audit.Draft{
		EventType:   audit.EventSecurityChainIntegrity,
		Severity:    audit.SeverityCritical,
		Status:      audit.StatusFailure,
		Resource:    audit.Resource{Type: "audit_event", ID: v.EventID},
		Action:      "verify_chain",
		Description: v.Error(),
		Metadata: map[string]any{
			"source":        string(source),
			"firstBadIndex": v.FirstBadIndex,
		},
	}
	if err := s.Emit(ctx, draft); err != nil {
		s.logger.ErrorContext(ctx, "failed to log chain integrity violation", "error", err)
	}
}
