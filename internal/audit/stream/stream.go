// Package stream delivers sequenced events to the durable, append-only stream.
// Delivery is asynchronous: the Relay owns a bounded queue and publishes with
// retry, backoff and a circuit breaker so callers of LogEvent never wait on
// the stream.
package stream

import (
	"context"
	"encoding/json"
	"fmt"

	audit "knowton/pkg/platform/audit"
)

// Record is one event bound for the stream.
type Record struct {
	Event audit.Event
	// FastStoreFailed marks an event that was sequenced but never reached the
	// fast store; the stream then holds the only copy of that chain link.
	FastStoreFailed bool
	// Replay marks a record re-enqueued by reconciliation.
	Replay bool
}

// Publisher writes one record to the stream and returns once it is
// acknowledged.
type Publisher interface {
	Publish(ctx context.Context, rec Record) error
}

type envelope struct {
	Event           audit.Event `json:"event"`
	FastStoreFailed bool        `json:"fastStoreFailed,omitempty"`
	Replay          bool        `json:"replay,omitempty"`
}

// Marshal encodes rec as the stream payload.
func Marshal(rec Record) ([]byte, error) {
	return json.Marshal(envelope(rec))
}

// Unmarshal decodes a stream payload produced by Marshal.
func Unmarshal(data []byte) (Record, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Record{}, fmt.Errorf("decode stream record: %w", err)
	}
	if env.Event.ID == "" {
		return Record{}, fmt.Errorf("decode stream record: missing event id")
	}
	return Record(env), nil
}
