package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"

	"knowton/internal/audit/store"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/platform/sentinel"
)

type InMemoryStoreSuite struct {
	suite.Suite
	store *InMemoryStore
	now   time.Time
	ctx   context.Context
}

func TestInMemoryStoreSuite(t *testing.T) {
	suite.Run(t, new(InMemoryStoreSuite))
}

func (s *InMemoryStoreSuite) SetupTest() {
	s.now = time.Date(2026, 5, 1, 12, 0, 0, 0, time.UTC)
	s.store = NewInMemoryStore(WithClock(func() time.Time { return s.now }))
	s.ctx = context.Background()
}

func (s *InMemoryStoreSuite) put(id string, ts time.Time, user string) audit.Event {
	e := audit.Event{
		ID:        id,
		Timestamp: ts,
		EventType: audit.EventNFTMint,
		Actor:     audit.Actor{UserID: user},
		Hash:      "hash-" + id,
	}
	s.Require().NoError(s.store.Put(s.ctx, e, time.Hour))
	for _, key := range store.IndexesFor(e) {
		s.Require().NoError(s.store.AddToIndex(s.ctx, key, e.ID, e.Timestamp))
	}
	return e
}

func (s *InMemoryStoreSuite) TestGet() {
	s.Run("missing id returns ErrNotFound", func() {
		_, err := s.store.Get(s.ctx, "nope")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})

	s.Run("expired record is not returned", func() {
		s.put("e1", s.now, "alice")
		s.now = s.now.Add(2 * time.Hour)
		_, err := s.store.Get(s.ctx, "e1")
		s.ErrorIs(err, sentinel.ErrNotFound)
	})
}

func (s *InMemoryStoreSuite) TestRange() {
	base := s.now
	s.put("a", base.Add(1*time.Second), "alice")
	s.put("b", base.Add(2*time.Second), "bob")
	s.put("c", base.Add(3*time.Second), "alice")
	s.put("d", base.Add(4*time.Second), "alice")

	s.Run("timeline is newest first by default", func() {
		ids, err := s.store.Range(s.ctx, store.TimelineIndex(), store.RangeQuery{})
		s.Require().NoError(err)
		s.Equal([]string{"d", "c", "b", "a"}, ids)
	})

	s.Run("ascending with offset and limit", func() {
		ids, err := s.store.Range(s.ctx, store.TimelineIndex(), store.RangeQuery{Ascending: true, Offset: 1, Limit: 2})
		s.Require().NoError(err)
		s.Equal([]string{"b", "c"}, ids)
	})

	s.Run("bounds are inclusive", func() {
		ids, err := s.store.Range(s.ctx, store.UserIndex("alice"), store.RangeQuery{
			From: base.Add(1 * time.Second),
			To:   base.Add(3 * time.Second),
		})
		s.Require().NoError(err)
		s.Equal([]string{"c", "a"}, ids)
	})

	s.Run("offset past the end is empty", func() {
		ids, err := s.store.Range(s.ctx, store.TimelineIndex(), store.RangeQuery{Offset: 10})
		s.Require().NoError(err)
		s.Empty(ids)
	})

	s.Run("count honors bounds", func() {
		n, err := s.store.Count(s.ctx, store.UserIndex("alice"), base.Add(2*time.Second), time.Time{})
		s.Require().NoError(err)
		s.EqualValues(2, n)
	})
}

func (s *InMemoryStoreSuite) TestAddToIndex_Idempotent() {
	e := s.put("a", s.now, "alice")
	s.Require().NoError(s.store.AddToIndex(s.ctx, store.TimelineIndex(), e.ID, e.Timestamp))

	n, err := s.store.Count(s.ctx, store.TimelineIndex(), time.Time{}, time.Time{})
	s.Require().NoError(err)
	s.EqualValues(1, n)
}

func (s *InMemoryStoreSuite) TestRemove() {
	s.put("a", s.now, "alice")
	s.put("b", s.now.Add(time.Second), "alice")

	s.Require().NoError(s.store.Remove(s.ctx, "a"))

	_, err := s.store.Get(s.ctx, "a")
	s.ErrorIs(err, sentinel.ErrNotFound)

	for _, key := range []store.IndexKey{store.TimelineIndex(), store.UserIndex("alice"), store.TypeIndex(audit.EventNFTMint)} {
		ids, err := s.store.Range(s.ctx, key, store.RangeQuery{})
		s.Require().NoError(err)
		s.Equal([]string{"b"}, ids, "index %s", key)
	}
}

func (s *InMemoryStoreSuite) TestLatest() {
	s.Run("empty store", func() {
		_, ok, err := s.store.Latest(s.ctx)
		s.NoError(err)
		s.False(ok)
	})

	s.Run("newest timeline entry", func() {
		s.put("a", s.now, "alice")
		s.put("b", s.now.Add(time.Second), "bob")
		e, ok, err := s.store.Latest(s.ctx)
		s.Require().NoError(err)
		s.True(ok)
		s.Equal("b", e.ID)
	})
}

func (s *InMemoryStoreSuite) link(id string, ttl time.Duration) audit.Link {
	l := audit.Link{ID: id, Hash: "hash-" + id, PreviousHash: "prev-" + id, Timestamp: s.now, ExpiresAt: s.now.Add(ttl)}
	s.Require().NoError(s.store.PutLink(s.ctx, l, ttl))
	return l
}

func (s *InMemoryStoreSuite) TestLinks() {
	s.Run("stored by hash until ttl", func() {
		want := s.link("a", time.Hour)

		got, ok, err := s.store.Link(s.ctx, "hash-a")
		s.Require().NoError(err)
		s.True(ok)
		s.Equal(want, got)

		s.now = s.now.Add(time.Hour)
		_, ok, err = s.store.Link(s.ctx, "hash-a")
		s.NoError(err)
		s.False(ok)
	})

	s.Run("link outlives its record", func() {
		e := s.put("b", s.now, "alice")
		s.Require().NoError(s.store.PutLink(s.ctx, e.ChainLink(), 90*24*time.Hour))

		s.now = s.now.Add(2 * time.Hour)
		_, err := s.store.Get(s.ctx, "b")
		s.ErrorIs(err, sentinel.ErrNotFound)
		_, ok, err := s.store.Link(s.ctx, e.Hash)
		s.NoError(err)
		s.True(ok)
	})

	s.Run("write failure", func() {
		s.store.FailLink = sentinel.ErrUnavailable
		defer func() { s.store.FailLink = nil }()
		s.ErrorIs(s.store.PutLink(s.ctx, audit.Link{ID: "c", Hash: "hash-c"}, time.Hour), sentinel.ErrUnavailable)
	})
}

func (s *InMemoryStoreSuite) TestLatestFollowsChainHead() {
	s.Run("head survives expiry of its record", func() {
		e1 := s.put("e1", s.now, "alice")
		s.Require().NoError(s.store.PutLink(s.ctx, e1.ChainLink(), 90*24*time.Hour))
		e2 := s.put("e2", s.now.Add(time.Second), "alice")
		s.Require().NoError(s.store.PutLink(s.ctx, e2.ChainLink(), 90*24*time.Hour))

		s.now = s.now.Add(2 * time.Hour)
		head, ok, err := s.store.Latest(s.ctx)
		s.Require().NoError(err)
		s.True(ok)
		s.Equal("e2", head.ID)
		s.Equal(e2.Hash, head.Hash)
	})

	s.Run("older link never moves the head back", func() {
		s.link("z9", time.Hour)
		s.link("a1", time.Hour)
		head, ok, err := s.store.Latest(s.ctx)
		s.Require().NoError(err)
		s.True(ok)
		s.Equal("z9", head.ID)
	})
}
