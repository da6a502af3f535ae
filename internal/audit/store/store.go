// Package store defines the fast store contract: an id-keyed record store with
// expiry plus timestamp-ordered secondary indices used by the query planner,
// the detectors and the retention sweeper.
package store

import (
	"context"
	"time"

	audit "knowton/pkg/platform/audit"
)

// IndexKey names one secondary ordered index.
type IndexKey string

const timelineKey IndexKey = "timeline"

// TimelineIndex is the global index of every event.
func TimelineIndex() IndexKey { return timelineKey }

// UserIndex holds events whose actor is userID.
func UserIndex(userID string) IndexKey { return IndexKey("user:" + userID) }

// WalletIndex holds events whose actor wallet is addr.
func WalletIndex(addr string) IndexKey { return IndexKey("wallet:" + addr) }

// TypeIndex holds events of type t.
func TypeIndex(t audit.EventType) IndexKey { return IndexKey("type:" + string(t)) }

// IndexesFor lists every index an event belongs to.
func IndexesFor(e audit.Event) []IndexKey {
	keys := []IndexKey{TimelineIndex(), TypeIndex(e.EventType)}
	if e.Actor.UserID != "" {
		keys = append(keys, UserIndex(e.Actor.UserID))
	}
	if e.Actor.WalletAddress != "" {
		keys = append(keys, WalletIndex(e.Actor.WalletAddress))
	}
	return keys
}

// RangeQuery selects ids from an index. Zero From/To are open bounds (both
// inclusive). Limit <= 0 returns everything after Offset.
type RangeQuery struct {
	From      time.Time
	To        time.Time
	Offset    int
	Limit     int
	Ascending bool
}

// Writer is the write side used by the persistence gateway.
type Writer interface {
	Put(ctx context.Context, event audit.Event, ttl time.Duration) error
	AddToIndex(ctx context.Context, key IndexKey, id string, ts time.Time) error
	// PutLink stores link for ttl, keyed by its hash, and advances the chain
	// head when link is newer than it. The head never expires.
	PutLink(ctx context.Context, link audit.Link, ttl time.Duration) error
}

// Reader is the read side used by the query engine.
type Reader interface {
	// Get returns sentinel.ErrNotFound when the record is absent or expired.
	Get(ctx context.Context, id string) (audit.Event, error)
	// GetMany returns the records that still exist, in the order of ids.
	GetMany(ctx context.Context, ids []string) ([]audit.Event, error)
	Range(ctx context.Context, key IndexKey, q RangeQuery) ([]string, error)
	Count(ctx context.Context, key IndexKey, from, to time.Time) (int64, error)
}

// FastStore is the complete fast store.
type FastStore interface {
	Writer
	Reader
	// Remove deletes the record and all of its index entries.
	Remove(ctx context.Context, id string) error
	// Link returns the link stored for hash.
	Link(ctx context.Context, hash string) (audit.Link, bool, error)
	// Latest returns the chain head recorded by PutLink, falling back to the
	// newest event on the timeline when no link was ever stored.
	Latest(ctx context.Context) (audit.Event, bool, error)
}
