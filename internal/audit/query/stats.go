package query

import (
	"context"
	"slices"

	audit "knowton/pkg/platform/audit"
)

const topK = 10

// tally counts keys and remembers the order each key was first seen in.
type tally struct {
	counts map[string]int
	order  []string
}

func newTally() *tally {
	return &tally{counts: make(map[string]int)}
}

func (t *tally) add(key string) {
	if key == "" {
		return
	}
	if _, seen := t.counts[key]; !seen {
		t.order = append(t.order, key)
	}
	t.counts[key]++
}

// top returns the k most frequent keys; ties keep first-seen order.
func (t *tally) top(k int) []audit.Count {
	out := make([]audit.Count, 0, len(t.order))
	for _, key := range t.order {
		out = append(out, audit.Count{Key: key, Count: t.counts[key]})
	}
	slices.SortStableFunc(out, func(a, b audit.Count) int {
		return b.Count - a.Count
	})
	if len(out) > k {
		out = out[:k]
	}
	return out
}

func resourceKey(r audit.Resource) string {
	if r.ID == "" {
		return ""
	}
	if r.Type == "" {
		return r.ID
	}
	return r.Type + ":" + r.ID
}

// Statistics aggregates every event in r in a single ascending pass.
func (e *Engine) Statistics(ctx context.Context, r audit.TimeRange) (audit.Stats, error) {
	if err := r.Validate(); err != nil {
		return audit.Stats{}, err
	}

	stats := audit.Stats{
		From:             r.From,
		To:               r.To,
		EventsByType:     make(map[audit.EventType]int),
		EventsBySeverity: make(map[audit.Severity]int),
		EventsByStatus:   make(map[audit.Status]int),
	}
	users := newTally()
	resources := newTally()

	err := e.scan(ctx, audit.Filter{TimeRange: r}, true, func(ev audit.Event) bool {
		stats.TotalEvents++
		stats.EventsByType[ev.EventType]++
		stats.EventsBySeverity[ev.Severity]++
		stats.EventsByStatus[ev.Status]++
		if ev.Status == audit.StatusFailure {
			stats.FailedEvents++
		}
		if ev.IsCritical() {
			stats.CriticalEvents++
		}
		users.add(ev.Actor.UserID)
		resources.add(resourceKey(ev.Resource))
		return true
	})
	if err != nil {
		return audit.Stats{}, err
	}

	stats.TopUsers = users.top(topK)
	stats.TopResources = resources.top(topK)
	return stats, nil
}
