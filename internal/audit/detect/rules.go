package detect

import (
	"context"
	"fmt"
	"time"

	"knowton/internal/audit/store"
	audit "knowton/pkg/platform/audit"

	"github.com/mssola/useragent"
)

// Rule inspects one persisted event and returns the synthetic events it
// wants logged. Returning nil means nothing was detected.
type Rule interface {
	Name() string
	Evaluate(ctx context.Context, event audit.Event) ([]audit.Draft, error)
}

// IndexCounter counts entries of a fast store index inside a time range.
type IndexCounter interface {
	Count(ctx context.Context, key store.IndexKey, from, to time.Time) (int64, error)
}

const (
	DefaultBurstLimit  = 100
	DefaultBurstWindow = time.Minute

	DefaultBruteForceThreshold = 5
	DefaultBruteForceWindow    = time.Hour
)

// BurstRule flags a user with more than Limit events inside Window. It fires
// at most once per user per window.
type BurstRule struct {
	Index    IndexCounter
	Counters Counters
	Limit    int64
	Window   time.Duration
}

func NewBurstRule(index IndexCounter, counters Counters) *BurstRule {
	return &BurstRule{
		Index:    index,
		Counters: counters,
		Limit:    DefaultBurstLimit,
		Window:   DefaultBurstWindow,
	}
}

func (r *BurstRule) Name() string { return "burst" }

func (r *BurstRule) Evaluate(ctx context.Context, e audit.Event) ([]audit.Draft, error) {
	userID := e.Actor.UserID
	if userID == "" {
		return nil, nil
	}
	n, err := r.Index.Count(ctx, store.UserIndex(userID), e.Timestamp.Add(-r.Window), e.Timestamp)
	if err != nil {
		return nil, fmt.Errorf("count user events: %w", err)
	}
	if n <= r.Limit {
		return nil, nil
	}
	claimed, err := r.Counters.Suppress(ctx, "burst:"+userID, r.Window)
	if err != nil {
		return nil, err
	}
	if !claimed {
		return nil, nil
	}
	draft := suspicious(e, r.Name(),
		fmt.Sprintf("user %s produced %d events within %s", userID, n, r.Window),
		map[string]any{"eventCount": n, "windowSeconds": int(r.Window.Seconds())},
	)
	return []audit.Draft{draft}, nil
}

// ThresholdRule counts matching events per key and fires once when the count
// first exceeds Threshold inside Window. The window starts at the first hit.
type ThresholdRule struct {
	RuleName  string
	Counters  Counters
	Match     func(audit.Event) bool
	Key       func(audit.Event) string
	Window    time.Duration
	Threshold int64
	Severity  audit.Severity
	Describe  func(e audit.Event, count int64) string
}

func (r *ThresholdRule) Name() string { return r.RuleName }

func (r *ThresholdRule) Evaluate(ctx context.Context, e audit.Event) ([]audit.Draft, error) {
	if r.Match != nil && !r.Match(e) {
		return nil, nil
	}
	key := r.Key(e)
	if key == "" {
		return nil, nil
	}
	n, err := r.Counters.Incr(ctx, r.RuleName+":"+key, r.Window)
	if err != nil {
		return nil, err
	}
	if n != r.Threshold+1 {
		return nil, nil
	}

	description := fmt.Sprintf("%s threshold exceeded for %s", r.RuleName, key)
	if r.Describe != nil {
		description = r.Describe(e, n)
	}
	draft := suspicious(e, r.RuleName, description, map[string]any{
		"key":           key,
		"eventCount":    n,
		"threshold":     r.Threshold,
		"windowSeconds": int(r.Window.Seconds()),
	})
	if r.Severity != "" {
		draft.Severity = r.Severity
	}
	return []audit.Draft{draft}, nil
}

// NewBruteForceRule flags an IP address after more than five auth.failed
// events within an hour.
func NewBruteForceRule(counters Counters) *ThresholdRule {
	return &ThresholdRule{
		RuleName:  "brute_force",
		Counters:  counters,
		Match:     func(e audit.Event) bool { return e.EventType == audit.EventAuthFailed },
		Key:       func(e audit.Event) string { return e.Actor.IPAddress },
		Window:    DefaultBruteForceWindow,
		Threshold: DefaultBruteForceThreshold,
		Severity:  audit.SeverityCritical,
		Describe: func(e audit.Event, n int64) string {
			return fmt.Sprintf("%d failed logins from %s within %s", n, e.Actor.IPAddress, DefaultBruteForceWindow)
		},
	}
}

// suspicious builds the security.suspicious_activity draft for a detection
// on trigger.
func suspicious(trigger audit.Event, rule, description string, details map[string]any) audit.Draft {
	metadata := map[string]any{
		"rule":             rule,
		"triggerEventId":   trigger.ID,
		"triggerEventType": string(trigger.EventType),
	}
	for k, v := range details {
		metadata[k] = v
	}
	if device := deviceSummary(trigger.Actor.UserAgent); device != nil {
		metadata["device"] = device
	}
	return audit.Draft{
		EventType:   audit.EventSecuritySuspiciousActivity,
		Severity:    audit.SeverityWarning,
		Status:      audit.StatusSuccess,
		Actor:       trigger.Actor,
		Resource:    audit.Resource{Type: "audit_event", ID: trigger.ID},
		Action:      "detect_" + rule,
		Description: description,
		Metadata:    metadata,
		RequestID:   trigger.RequestID,
		SessionID:   trigger.SessionID,
	}
}

func deviceSummary(ua string) map[string]any {
	if ua == "" {
		return nil
	}
	parsed := useragent.New(ua)
	browser, version := parsed.Browser()
	return map[string]any{
		"browser":        browser,
		"browserVersion": version,
		"os":             parsed.OS(),
		"mobile":         parsed.Mobile(),
		"bot":            parsed.Bot(),
	}
}
