package persist

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/suite"
	"go.uber.org/mock/gomock"

	"knowton/internal/audit/persist/mocks"
	"knowton/internal/audit/store"
	"knowton/internal/audit/stream"
	dErrors "knowton/pkg/domain-errors"
	audit "knowton/pkg/platform/audit"
)

// =============================================================================
// Persistence Gateway Test Suite
// =============================================================================
// Justification for unit tests: the gateway's orphan policy (stream enqueue
// even when the fast store fails) and its retry/TTL rules are hard to force
// against a real Redis.

type GatewaySuite struct {
	suite.Suite
	ctrl      *gomock.Controller
	mockStore *mocks.MockFastStoreWriter
	mockRelay *mocks.MockStreamRelay
	now       time.Time
	gateway   *Gateway
}

func TestGatewaySuite(t *testing.T) {
	suite.Run(t, new(GatewaySuite))
}

func (s *GatewaySuite) SetupTest() {
	s.ctrl = gomock.NewController(s.T())
	s.mockStore = mocks.NewMockFastStoreWriter(s.ctrl)
	s.mockRelay = mocks.NewMockStreamRelay(s.ctrl)
	s.now = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	s.gateway, _ = New(s.mockStore, s.mockRelay,
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
		WithClock(func() time.Time { return s.now }),
		WithRetryConfig(stream.RetryConfig{MaxRetries: 1, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}),
	)
}

func (s *GatewaySuite) TearDownTest() {
	s.ctrl.Finish()
}

func (s *GatewaySuite) event() audit.Event {
	return audit.Event{
		ID:              "0192d0a4-0000-7000-8000-000000000001",
		Timestamp:       s.now,
		EventType:       audit.EventNFTMint,
		Severity:        audit.SeverityInfo,
		Status:          audit.StatusSuccess,
		Actor:           audit.Actor{UserID: "alice", WalletAddress: "0xabc", IPAddress: "10.0.0.1"},
		RetentionPeriod: 90,
		Hash:            "h1",
	}
}

func (s *GatewaySuite) TestNew() {
	s.Run("nil fast store returns error", func() {
		_, err := New(nil, s.mockRelay)
		s.Error(err)
		s.Contains(err.Error(), "fast store is required")
	})

	s.Run("nil relay returns error", func() {
		_, err := New(s.mockStore, nil)
		s.Error(err)
		s.Contains(err.Error(), "stream relay is required")
	})
}

func (s *GatewaySuite) TestPersist() {
	s.Run("writes record and every index then enqueues", func() {
		e := s.event()
		s.mockStore.EXPECT().Put(gomock.Any(), e, 90*24*time.Hour).Return(nil)
		for _, key := range []store.IndexKey{
			store.TimelineIndex(),
			store.TypeIndex(audit.EventNFTMint),
			store.UserIndex("alice"),
			store.WalletIndex("0xabc"),
		} {
			s.mockStore.EXPECT().AddToIndex(gomock.Any(), key, e.ID, e.Timestamp).Return(nil)
		}
		s.mockStore.EXPECT().PutLink(gomock.Any(), e.ChainLink(), 90*24*time.Hour).Return(nil)
		s.mockRelay.EXPECT().Enqueue(stream.Record{Event: e}).Return(true)

		s.NoError(s.gateway.Persist(context.Background(), e))
	})

	s.Run("retries a transient fast store failure", func() {
		e := s.event()
		gomock.InOrder(
			s.mockStore.EXPECT().Put(gomock.Any(), e, gomock.Any()).Return(errors.New("connection reset")),
			s.mockStore.EXPECT().Put(gomock.Any(), e, gomock.Any()).Return(nil),
		)
		s.mockStore.EXPECT().AddToIndex(gomock.Any(), gomock.Any(), e.ID, e.Timestamp).Return(nil).Times(4)
		s.mockStore.EXPECT().PutLink(gomock.Any(), e.ChainLink(), gomock.Any()).Return(nil)
		s.mockRelay.EXPECT().Enqueue(stream.Record{Event: e}).Return(true)

		s.NoError(s.gateway.Persist(context.Background(), e))
	})

	s.Run("fast store outage still enqueues the chain link", func() {
		e := s.event()
		s.mockStore.EXPECT().Put(gomock.Any(), e, gomock.Any()).Return(errors.New("redis down")).Times(2)
		s.mockStore.EXPECT().AddToIndex(gomock.Any(), gomock.Any(), gomock.Any(), gomock.Any()).Return(nil).AnyTimes()
		orphan := e.ChainLink()
		orphan.Orphan = true
		s.mockStore.EXPECT().PutLink(gomock.Any(), orphan, gomock.Any()).Return(nil)
		s.mockRelay.EXPECT().Enqueue(stream.Record{Event: e, FastStoreFailed: true}).Return(true)

		err := s.gateway.Persist(context.Background(), e)
		s.Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodePersistence))
	})

	s.Run("full relay does not fail the write", func() {
		e := s.event()
		s.mockStore.EXPECT().Put(gomock.Any(), e, gomock.Any()).Return(nil)
		s.mockStore.EXPECT().AddToIndex(gomock.Any(), gomock.Any(), e.ID, e.Timestamp).Return(nil).Times(4)
		s.mockStore.EXPECT().PutLink(gomock.Any(), gomock.Any(), gomock.Any()).Return(nil)
		s.mockRelay.EXPECT().Enqueue(gomock.Any()).Return(false)

		s.NoError(s.gateway.Persist(context.Background(), e))
	})

	s.Run("already expired event gets minimum ttl", func() {
		e := s.event()
		e.Timestamp = s.now.Add(-91 * 24 * time.Hour)
		s.mockStore.EXPECT().Put(gomock.Any(), e, minRecordTTL).Return(nil)
		s.mockStore.EXPECT().AddToIndex(gomock.Any(), gomock.Any(), e.ID, e.Timestamp).Return(nil).Times(4)
		s.mockStore.EXPECT().PutLink(gomock.Any(), e.ChainLink(), 90*24*time.Hour).Return(nil)
		s.mockRelay.EXPECT().Enqueue(gomock.Any()).Return(true)

		s.NoError(s.gateway.Persist(context.Background(), e))
	})
}

func (s *GatewaySuite) TestChainLinks() {
	s.Run("short lived event keeps its link for the retention window", func() {
		e := s.event()
		e.RetentionPeriod = 1
		s.mockStore.EXPECT().Put(gomock.Any(), e, 24*time.Hour).Return(nil)
		s.mockStore.EXPECT().AddToIndex(gomock.Any(), gomock.Any(), e.ID, e.Timestamp).Return(nil).Times(4)
		s.mockStore.EXPECT().PutLink(gomock.Any(), e.ChainLink(), 90*24*time.Hour).Return(nil)
		s.mockRelay.EXPECT().Enqueue(gomock.Any()).Return(true)

		s.NoError(s.gateway.Persist(context.Background(), e))
	})

	s.Run("configured link retention", func() {
		gateway, err := New(s.mockStore, s.mockRelay,
			WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
			WithClock(func() time.Time { return s.now }),
			WithLinkRetention(180*24*time.Hour),
		)
		s.Require().NoError(err)
		e := s.event()
		s.mockStore.EXPECT().Put(gomock.Any(), e, 90*24*time.Hour).Return(nil)
		s.mockStore.EXPECT().AddToIndex(gomock.Any(), gomock.Any(), e.ID, e.Timestamp).Return(nil).Times(4)
		s.mockStore.EXPECT().PutLink(gomock.Any(), e.ChainLink(), 180*24*time.Hour).Return(nil)
		s.mockRelay.EXPECT().Enqueue(gomock.Any()).Return(true)

		s.NoError(gateway.Persist(context.Background(), e))
	})

	s.Run("link write failure does not fail the write", func() {
		e := s.event()
		s.mockStore.EXPECT().Put(gomock.Any(), e, gomock.Any()).Return(nil)
		s.mockStore.EXPECT().AddToIndex(gomock.Any(), gomock.Any(), e.ID, e.Timestamp).Return(nil).Times(4)
		s.mockStore.EXPECT().PutLink(gomock.Any(), e.ChainLink(), gomock.Any()).Return(errors.New("redis down")).Times(2)
		s.mockRelay.EXPECT().Enqueue(stream.Record{Event: e}).Return(true)

		s.NoError(s.gateway.Persist(context.Background(), e))
	})
}
