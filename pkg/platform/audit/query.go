package audit

import (
	"time"

	dErrors "knowton/pkg/domain-errors"
)

const (
	DefaultPageLimit = 100
	MaxPageLimit     = 1000
)

// TimeRange bounds a query. Zero values are open ends.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Validate rejects ranges that end before they start.
func (r TimeRange) Validate() error {
	if !r.From.IsZero() && !r.To.IsZero() && r.To.Before(r.From) {
		return dErrors.New(dErrors.CodeValidation, "time range end is before start")
	}
	return nil
}

// Contains reports whether t falls inside the range (inclusive).
func (r TimeRange) Contains(t time.Time) bool {
	if !r.From.IsZero() && t.Before(r.From) {
		return false
	}
	if !r.To.IsZero() && t.After(r.To) {
		return false
	}
	return true
}

// Filter is a typed query filter. Empty fields do not constrain results.
type Filter struct {
	UserID        string
	WalletAddress string
	EventType     EventType
	Severity      Severity
	Status        Status
	ResourceType  string
	ResourceID    string
	TimeRange
}

// Validate checks enum fields and the time range.
func (f Filter) Validate() error {
	if err := f.TimeRange.Validate(); err != nil {
		return err
	}
	if f.EventType != "" && !f.EventType.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown event type %q", f.EventType)
	}
	if f.Severity != "" && !f.Severity.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown severity %q", f.Severity)
	}
	if f.Status != "" && !f.Status.IsValid() {
		return dErrors.Newf(dErrors.CodeValidation, "unknown status %q", f.Status)
	}
	return nil
}

// Matches applies every predicate of the filter to e.
func (f Filter) Matches(e Event) bool {
	switch {
	case f.UserID != "" && e.Actor.UserID != f.UserID:
		return false
	case f.WalletAddress != "" && e.Actor.WalletAddress != f.WalletAddress:
		return false
	case f.EventType != "" && e.EventType != f.EventType:
		return false
	case f.Severity != "" && e.Severity != f.Severity:
		return false
	case f.Status != "" && e.Status != f.Status:
		return false
	case f.ResourceType != "" && e.Resource.Type != f.ResourceType:
		return false
	case f.ResourceID != "" && e.Resource.ID != f.ResourceID:
		return false
	}
	return f.TimeRange.Contains(e.Timestamp)
}

// Page is offset pagination. Results are newest-first unless Ascending.
type Page struct {
	Limit     int
	Offset    int
	Ascending bool
}

// Normalize clamps limit and offset into their allowed ranges.
func (p Page) Normalize() Page {
	if p.Limit <= 0 {
		p.Limit = DefaultPageLimit
	}
	if p.Limit > MaxPageLimit {
		p.Limit = MaxPageLimit
	}
	if p.Offset < 0 {
		p.Offset = 0
	}
	return p
}

// Count is one row of a top-K table.
type Count struct {
	Key   string `json:"key"`
	Count int    `json:"count"`
}

// Stats aggregates a time range of events.
type Stats struct {
	From             time.Time         `json:"from,omitzero"`
	To               time.Time         `json:"to,omitzero"`
	TotalEvents      int               `json:"totalEvents"`
	FailedEvents     int               `json:"failedEvents"`
	CriticalEvents   int               `json:"criticalEvents"`
	EventsByType     map[EventType]int `json:"eventsByType"`
	EventsBySeverity map[Severity]int  `json:"eventsBySeverity"`
	EventsByStatus   map[Status]int    `json:"eventsByStatus"`
	TopUsers         []Count           `json:"topUsers"`
	TopResources     []Count           `json:"topResources"`
}

// ExportFormat selects the ExportLogs encoding.
type ExportFormat string

const (
	FormatCSV  ExportFormat = "csv"
	FormatJSON ExportFormat = "json"
)
