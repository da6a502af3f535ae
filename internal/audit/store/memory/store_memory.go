package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"knowton/internal/audit/store"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/platform/sentinel"
)

type entry struct {
	ts time.Time
	id string
}

func (a entry) less(b entry) bool {
	if a.ts.Equal(b.ts) {
		return a.id < b.id
	}
	return a.ts.Before(b.ts)
}

type record struct {
	event     audit.Event
	expiresAt time.Time
}

// pruneEvery is how many link writes pass between sweeps of expired links.
const pruneEvery = 1024

type linkRecord struct {
	link      audit.Link
	expiresAt time.Time
}

// InMemoryStore is a process-local fast store for tests and single-node
// development. Records expire lazily on read.
type InMemoryStore struct {
	mu      sync.RWMutex
	now     func() time.Time
	records map[string]record
	indexes map[store.IndexKey][]entry
	refs    map[string][]store.IndexKey
	links   map[string]linkRecord
	head    audit.Link

	linkWrites int

	// FailPut, when set, is returned by Put. Tests use it to simulate outages.
	FailPut error
	// FailLink, when set, is returned by PutLink.
	FailLink error
}

// Option configures the InMemoryStore.
type Option func(*InMemoryStore)

// WithClock overrides the expiry clock.
func WithClock(now func() time.Time) Option {
	return func(s *InMemoryStore) {
		s.now = now
	}
}

func NewInMemoryStore(opts ...Option) *InMemoryStore {
	s := &InMemoryStore{
		now:     time.Now,
		records: make(map[string]record),
		indexes: make(map[store.IndexKey][]entry),
		refs:    make(map[string][]store.IndexKey),
		links:   make(map[string]linkRecord),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *InMemoryStore) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = make(map[string]record)
	s.indexes = make(map[store.IndexKey][]entry)
	s.refs = make(map[string][]store.IndexKey)
	s.links = make(map[string]linkRecord)
	s.head = audit.Link{}
}

func (s *InMemoryStore) Put(_ context.Context, event audit.Event, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailPut != nil {
		return fmt.Errorf("put event: %w", s.FailPut)
	}
	s.records[event.ID] = record{event: event, expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *InMemoryStore) AddToIndex(_ context.Context, key store.IndexKey, id string, ts time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := entry{ts: ts, id: id}
	idx := s.indexes[key]
	pos := sort.Search(len(idx), func(i int) bool { return !idx[i].less(e) })
	if pos < len(idx) && idx[pos].id == id && idx[pos].ts.Equal(ts) {
		return nil
	}
	idx = append(idx, entry{})
	copy(idx[pos+1:], idx[pos:])
	idx[pos] = e
	s.indexes[key] = idx
	s.refs[id] = append(s.refs[id], key)
	return nil
}

func (s *InMemoryStore) PutLink(_ context.Context, link audit.Link, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailLink != nil {
		return fmt.Errorf("put link: %w", s.FailLink)
	}
	now := s.now()
	s.linkWrites++
	if s.linkWrites%pruneEvery == 0 {
		for hash, l := range s.links {
			if !now.Before(l.expiresAt) {
				delete(s.links, hash)
			}
		}
	}
	s.links[link.Hash] = linkRecord{link: link, expiresAt: now.Add(ttl)}
	if link.ID > s.head.ID {
		s.head = link
	}
	return nil
}

func (s *InMemoryStore) Link(_ context.Context, hash string) (audit.Link, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	l, ok := s.links[hash]
	if !ok || !s.now().Before(l.expiresAt) {
		return audit.Link{}, false, nil
	}
	return l.link, true, nil
}

func (s *InMemoryStore) Get(_ context.Context, id string) (audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.lookup(id)
	if !ok {
		return audit.Event{}, sentinel.ErrNotFound
	}
	return e, nil
}

func (s *InMemoryStore) GetMany(_ context.Context, ids []string) ([]audit.Event, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	events := make([]audit.Event, 0, len(ids))
	for _, id := range ids {
		if e, ok := s.lookup(id); ok {
			events = append(events, e)
		}
	}
	return events, nil
}

// lookup must be called while holding s.mu.
func (s *InMemoryStore) lookup(id string) (audit.Event, bool) {
	r, ok := s.records[id]
	if !ok || !s.now().Before(r.expiresAt) {
		return audit.Event{}, false
	}
	return r.event, true
}

func (s *InMemoryStore) Range(_ context.Context, key store.IndexKey, q store.RangeQuery) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := s.between(key, q.From, q.To)
	ids := make([]string, 0, len(matched))
	if q.Ascending {
		for _, e := range matched {
			ids = append(ids, e.id)
		}
	} else {
		for i := len(matched) - 1; i >= 0; i-- {
			ids = append(ids, matched[i].id)
		}
	}

	if q.Offset >= len(ids) {
		return []string{}, nil
	}
	ids = ids[q.Offset:]
	if q.Limit > 0 && q.Limit < len(ids) {
		ids = ids[:q.Limit]
	}
	return ids, nil
}

func (s *InMemoryStore) Count(_ context.Context, key store.IndexKey, from, to time.Time) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return int64(len(s.between(key, from, to))), nil
}

// between returns the ascending slice of entries within [from, to]. Must be
// called while holding s.mu.
func (s *InMemoryStore) between(key store.IndexKey, from, to time.Time) []entry {
	idx := s.indexes[key]
	lo := 0
	if !from.IsZero() {
		lo = sort.Search(len(idx), func(i int) bool { return !idx[i].ts.Before(from) })
	}
	hi := len(idx)
	if !to.IsZero() {
		hi = sort.Search(len(idx), func(i int) bool { return idx[i].ts.After(to) })
	}
	if lo >= hi {
		return nil
	}
	return idx[lo:hi]
}

func (s *InMemoryStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	keys := s.refs[id]
	if len(keys) == 0 {
		keys = []store.IndexKey{store.TimelineIndex()}
	}
	for _, key := range keys {
		idx := s.indexes[key]
		for i := range idx {
			if idx[i].id == id {
				idx = append(idx[:i], idx[i+1:]...)
				break
			}
		}
		if len(idx) == 0 {
			delete(s.indexes, key)
		} else {
			s.indexes[key] = idx
		}
	}
	delete(s.refs, id)
	delete(s.records, id)
	return nil
}

func (s *InMemoryStore) Latest(_ context.Context) (audit.Event, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.head.ID != "" {
		return s.head.Head(), true, nil
	}
	idx := s.indexes[store.TimelineIndex()]
	for i := len(idx) - 1; i >= 0; i-- {
		if e, ok := s.lookup(idx[i].id); ok {
			return e, true, nil
		}
	}
	return audit.Event{}, false, nil
}
