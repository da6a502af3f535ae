// Package memory is an in-process stream used by tests and local runs
// without a broker.
package memory

import (
	"context"
	"sync"

	"knowton/internal/audit/stream"
)

// Stream records every published record in order.
type Stream struct {
	mu      sync.Mutex
	records []stream.Record
	// FailPublish, when set, is returned by Publish instead of storing.
	FailPublish error
}

func New() *Stream {
	return &Stream{}
}

func (s *Stream) Publish(_ context.Context, rec stream.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPublish != nil {
		return s.FailPublish
	}
	s.records = append(s.records, rec)
	return nil
}

// SetFailure changes the publish error under lock.
func (s *Stream) SetFailure(err error) {
	s.mu.Lock()
	s.FailPublish = err
	s.mu.Unlock()
}

// Records returns a copy of everything published so far.
func (s *Stream) Records() []stream.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]stream.Record, len(s.records))
	copy(out, s.records)
	return out
}

// IDs returns the event ids published so far, in order.
func (s *Stream) IDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.records))
	for _, r := range s.records {
		ids = append(ids, r.Event.ID)
	}
	return ids
}
