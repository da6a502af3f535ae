package ledger_test

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"

	"knowton/internal/audit/alert"
	"knowton/internal/audit/chain"
	"knowton/internal/audit/detect"
	"knowton/internal/audit/ledger"
	"knowton/internal/audit/persist"
	"knowton/internal/audit/query"
	"knowton/internal/audit/store/memory"
	"knowton/internal/audit/stream"
	memstream "knowton/internal/audit/stream/memory"
	dErrors "knowton/pkg/domain-errors"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/requestcontext"
)

// =============================================================================
// Ledger Service Test Suite
// =============================================================================
// Justification for unit tests: the service is the composition point of the
// sequencer, gateway, query engine, detectors and alerts. These tests run the
// real components over the in-memory store and stream so the end-to-end
// guarantees (one chain under concurrency, orphan handling, detection
// feedback isolation) are checked without containers.

var testSecret = []byte("ledger-test-secret")

type fakeArchive struct {
	events []audit.Event
	err    error
	calls  int
}

func (f *fakeArchive) Range(_ context.Context, _, _ time.Time, _ ...audit.EventType) ([]audit.Event, error) {
	f.calls++
	return f.events, f.err
}

type LedgerSuite struct {
	suite.Suite
	ctx     context.Context
	now     time.Time
	store   *memory.InMemoryStore
	stream  *memstream.Stream
	relay   *stream.Relay
	seq     *chain.Sequencer
	alerts  *alert.Dispatcher
	archive *fakeArchive
	svc     *ledger.Service
}

func TestLedgerSuite(t *testing.T) {
	suite.Run(t, new(LedgerSuite))
}

func (s *LedgerSuite) SetupTest() {
	s.ctx = context.Background()
	s.now = time.Date(2026, 5, 10, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return s.now }

	s.store = memory.NewInMemoryStore(memory.WithClock(clock))
	s.stream = memstream.New()

	var err error
	s.relay, err = stream.NewRelay(s.stream)
	s.Require().NoError(err)
	s.relay.Start(s.ctx)

	s.seq, err = chain.New(testSecret, chain.WithClock(clock))
	s.Require().NoError(err)
	s.Require().NoError(s.seq.Bootstrap(s.ctx, s.store))

	gateway, err := persist.New(s.store, s.relay, persist.WithClock(clock))
	s.Require().NoError(err)
	engine, err := query.New(s.store)
	s.Require().NoError(err)

	s.alerts = alert.New()
	s.alerts.Start(s.ctx)
	s.archive = &fakeArchive{}

	// the pipeline emits through the service it is attached to
	var svc *ledger.Service
	counters := detect.NewMemoryCounters(clock)
	pipeline, err := detect.New(
		detect.EmitterFunc(func(ctx context.Context, d audit.Draft) error { return svc.Emit(ctx, d) }),
		detect.WithInline(),
		detect.WithRules(detect.NewBurstRule(s.store, counters), detect.NewBruteForceRule(counters)),
	)
	s.Require().NoError(err)

	svc, err = ledger.New(s.seq, gateway, engine,
		ledger.WithClock(clock),
		ledger.WithDetector(pipeline),
		ledger.WithAlerts(s.alerts),
		ledger.WithArchive(s.archive),
		ledger.WithLinks(s.store),
	)
	s.Require().NoError(err)
	s.svc = svc
}

// service builds a second ledger over the suite's store and relay.
func (s *LedgerSuite) service(seq *chain.Sequencer, opts ...ledger.Option) *ledger.Service {
	clock := func() time.Time { return s.now }
	gateway, err := persist.New(s.store, s.relay, persist.WithClock(clock))
	s.Require().NoError(err)
	engine, err := query.New(s.store)
	s.Require().NoError(err)
	opts = append([]ledger.Option{ledger.WithClock(clock), ledger.WithLinks(s.store)}, opts...)
	svc, err := ledger.New(seq, gateway, engine, opts...)
	s.Require().NoError(err)
	return svc
}

func (s *LedgerSuite) TearDownTest() {
	s.relay.Close()
	s.alerts.Close()
}

func (s *LedgerSuite) log(t audit.EventType, user string) audit.Event {
	e, err := s.svc.LogEvent(s.ctx, audit.Draft{
		EventType: t,
		Action:    strings.ReplaceAll(string(t), ".", "_"),
		Actor:     audit.Actor{UserID: user, IPAddress: "10.0.0.1"},
	})
	s.Require().NoError(err)
	return e
}

func (s *LedgerSuite) logRetained(user string, days int) audit.Event {
	e, err := s.svc.LogEvent(s.ctx, audit.Draft{
		EventType:       audit.EventNFTListed,
		Action:          "list",
		Actor:           audit.Actor{UserID: user, IPAddress: "10.0.0.1"},
		RetentionPeriod: days,
	})
	s.Require().NoError(err)
	return e
}

func (s *LedgerSuite) violations() []audit.Event {
	events, err := s.svc.QueryLogs(s.ctx, audit.Filter{EventType: audit.EventSecurityChainIntegrity}, audit.Page{})
	s.Require().NoError(err)
	return events
}

func (s *LedgerSuite) all() []audit.Event {
	events, err := s.svc.QueryLogs(s.ctx, audit.Filter{}, audit.Page{Limit: audit.MaxPageLimit})
	s.Require().NoError(err)
	slices.SortFunc(events, func(a, b audit.Event) int { return strings.Compare(a.ID, b.ID) })
	return events
}

func (s *LedgerSuite) TestLogEvent() {
	s.Run("assigns identity, defaults and chain link", func() {
		first := s.log(audit.EventAuthLogin, "alice")
		second := s.log(audit.EventNFTMint, "alice")

		s.NotEmpty(first.ID)
		s.Equal(s.now, first.Timestamp)
		s.Equal(audit.SeverityInfo, first.Severity)
		s.Equal(audit.StatusSuccess, first.Status)
		s.Equal(audit.DefaultRetentionDays, first.RetentionPeriod)
		s.Equal("", first.PreviousHash)
		s.Equal(first.Hash, second.PreviousHash)
		s.Greater(second.ID, first.ID)
	})

	s.Run("fills actor fields from the request context", func() {
		ctx := requestcontext.WithUserID(s.ctx, "bob")
		ctx = requestcontext.WithClientMetadata(ctx, "192.0.2.7", "curl/8.0")
		ctx = requestcontext.WithRequestID(ctx, "req-1")

		e, err := s.svc.LogEvent(ctx, audit.Draft{EventType: audit.EventAuthLogout, Action: "logout"})
		s.Require().NoError(err)
		s.Equal("bob", e.Actor.UserID)
		s.Equal("192.0.2.7", e.Actor.IPAddress)
		s.Equal("curl/8.0", e.Actor.UserAgent)
		s.Equal("req-1", e.RequestID)
	})

	s.Run("publishes every event to the stream", func() {
		s.relay.Close()
		s.Len(s.stream.Records(), 3)
		for _, rec := range s.stream.Records() {
			s.False(rec.FastStoreFailed)
		}
	})
}

func (s *LedgerSuite) TestLogEventValidation() {
	cases := []struct {
		name  string
		draft audit.Draft
	}{
		{"missing event type", audit.Draft{Action: "x"}},
		{"unknown event type", audit.Draft{EventType: "nft.teleport", Action: "x"}},
		{"missing action", audit.Draft{EventType: audit.EventAuthLogin}},
		{"unknown severity", audit.Draft{EventType: audit.EventAuthLogin, Action: "x", Severity: "loud"}},
		{"unknown status", audit.Draft{EventType: audit.EventAuthLogin, Action: "x", Status: "maybe"}},
	}
	for _, tc := range cases {
		s.Run(tc.name, func() {
			_, err := s.svc.LogEvent(s.ctx, tc.draft)
			s.True(dErrors.HasCode(err, dErrors.CodeValidation), "got %v", err)
		})
	}

	id, _ := s.seq.Head()
	s.Empty(id, "rejected drafts must not consume a chain link")
}

func (s *LedgerSuite) TestConcurrentLogEventsFormOneChain() {
	const n = 64
	var wg sync.WaitGroup
	errs := make(chan error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.svc.LogEvent(s.ctx, audit.Draft{
				EventType: audit.EventNFTTransfer,
				Action:    "transfer",
				Actor:     audit.Actor{UserID: fmt.Sprintf("user-%d", i%8)},
			})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		s.Require().NoError(err)
	}

	events := s.all()
	s.Require().Len(events, n)

	seen := make(map[string]bool, n)
	for _, e := range events {
		s.False(seen[e.PreviousHash], "previousHash %q reused", e.PreviousHash)
		seen[e.PreviousHash] = true
	}
	ok, bad := s.svc.VerifyHashChain(events)
	s.True(ok)
	s.Equal(-1, bad)
}

func (s *LedgerSuite) TestAliceScenario() {
	s.log(audit.EventAuthLogin, "alice")
	s.log(audit.EventNFTMint, "alice")
	s.log(audit.EventNFTMint, "alice")
	s.log(audit.EventAuthLogin, "bob")

	events, err := s.svc.QueryLogs(s.ctx, audit.Filter{UserID: "alice"}, audit.Page{})
	s.Require().NoError(err)
	s.Require().Len(events, 3)
	s.Equal(audit.EventNFTMint, events[0].EventType)
	s.Equal(audit.EventAuthLogin, events[2].EventType)

	stats, err := s.svc.GetStatistics(s.ctx, audit.TimeRange{})
	s.Require().NoError(err)
	s.Equal(map[audit.EventType]int{audit.EventAuthLogin: 2, audit.EventNFTMint: 2}, stats.EventsByType)
	s.Equal(audit.Count{Key: "alice", Count: 3}, stats.TopUsers[0])

	got, err := s.svc.GetEvent(s.ctx, events[1].ID)
	s.Require().NoError(err)
	s.Equal(events[1], got)
}

func (s *LedgerSuite) TestBurstDetection() {
	s.Run("more than the limit in a minute is flagged once", func() {
		for range detect.DefaultBurstLimit + 5 {
			s.log(audit.EventTradeOrderCreated, "carol")
		}
		flagged, err := s.svc.QueryLogs(s.ctx, audit.Filter{EventType: audit.EventSecuritySuspiciousActivity}, audit.Page{})
		s.Require().NoError(err)
		s.Require().Len(flagged, 1)
		s.Equal("burst", flagged[0].Metadata["rule"])
		s.Equal("carol", flagged[0].Actor.UserID)
	})

	s.Run("synthetic events do not re-enter detection", func() {
		for range detect.DefaultBurstLimit + 5 {
			s.Require().NoError(s.svc.Emit(s.ctx, audit.Draft{
				EventType: audit.EventSystemError,
				Action:    "noise",
				Actor:     audit.Actor{UserID: "dave"},
			}))
		}
		flagged, err := s.svc.QueryLogs(s.ctx, audit.Filter{
			EventType: audit.EventSecuritySuspiciousActivity,
			UserID:    "dave",
		}, audit.Page{})
		s.Require().NoError(err)
		s.Empty(flagged)
	})
}

func (s *LedgerSuite) TestBruteForceRaisesCriticalAlert() {
	ch, cancel, err := s.svc.Subscribe("test", 8)
	s.Require().NoError(err)
	defer cancel()

	for range detect.DefaultBruteForceThreshold + 1 {
		s.log(audit.EventAuthFailed, "")
	}

	select {
	case got := <-ch:
		s.Equal(audit.EventSecuritySuspiciousActivity, got.EventType)
		s.Equal(audit.SeverityCritical, got.Severity)
		s.Equal("brute_force", got.Metadata["rule"])
	case <-time.After(2 * time.Second):
		s.Fail("no alert delivered")
	}
	s.Len(s.svc.RecentAlerts(10), 1)
}

func (s *LedgerSuite) TestFastStoreFailureStillReachesStream() {
	s.store.FailPut = errors.New("connection refused")

	_, err := s.svc.LogEvent(s.ctx, audit.Draft{EventType: audit.EventNFTBurn, Action: "burn"})
	s.True(dErrors.HasCode(err, dErrors.CodePersistence), "got %v", err)

	s.relay.Close()
	records := s.stream.Records()
	s.Require().Len(records, 1)
	s.True(records[0].FastStoreFailed)
	s.Equal(audit.EventNFTBurn, records[0].Event.EventType)
}

func (s *LedgerSuite) TestVerifyRange() {
	for range 5 {
		s.log(audit.EventNFTListed, "erin")
	}

	s.Run("intact fast store range", func() {
		report, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-time.Hour)})
		s.Require().NoError(err)
		s.Equal(ledger.SourceFastStore, report.Source)
		s.Equal(5, report.Events)
		s.Zero(s.archive.calls)
	})

	s.Run("tampered event is reported and logged", func() {
		events := s.all()
		tampered := events[2]
		tampered.Action = "rewritten"
		s.Require().NoError(s.store.Put(s.ctx, tampered, tampered.Retention()))

		_, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-time.Hour)})
		s.Require().Error(err)
		s.True(dErrors.HasCode(err, dErrors.CodeChainIntegrity))

		var cie *dErrors.ChainIntegrityError
		s.Require().ErrorAs(err, &cie)
		s.Equal(2, cie.FirstBadIndex)
		s.Equal(tampered.ID, cie.EventID)

		violations, err := s.svc.QueryLogs(s.ctx, audit.Filter{EventType: audit.EventSecurityChainIntegrity}, audit.Page{})
		s.Require().NoError(err)
		s.Require().Len(violations, 1)
		s.Equal(tampered.ID, violations[0].Resource.ID)
		s.Len(s.svc.RecentAlerts(10), 1)
	})

	s.Run("ranges older than retention read the archive", func() {
		s.archive.events = nil
		report, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.AddDate(0, 0, -200)})
		s.Require().NoError(err)
		s.Equal(ledger.SourceArchive, report.Source)
		s.Equal(1, s.archive.calls)
	})

	s.Run("archive failure is unavailable", func() {
		s.archive.err = errors.New("db down")
		_, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{})
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable))
	})
}

func (s *LedgerSuite) TestVerifyRangeBridgesExpiredEvents() {
	s.logRetained("frank", 90)
	short := s.logRetained("frank", 1)
	s.logRetained("frank", 90)

	s.now = s.now.Add(48 * time.Hour)
	_, err := s.svc.GetEvent(s.ctx, short.ID)
	s.Require().True(dErrors.HasCode(err, dErrors.CodeNotFound))

	report, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-72 * time.Hour)})
	s.Require().NoError(err)
	s.Equal(ledger.SourceFastStore, report.Source)
	s.Equal(2, report.Events)
	s.Empty(s.violations())
	s.Empty(s.svc.RecentAlerts(10))
	s.Zero(s.archive.calls)
}

func (s *LedgerSuite) TestVerifyRangeBridgesOrphanedEvents() {
	s.log(audit.EventNFTMint, "gina")
	s.store.FailPut = errors.New("connection refused")
	_, err := s.svc.LogEvent(s.ctx, audit.Draft{EventType: audit.EventNFTMint, Action: "mint", Actor: audit.Actor{UserID: "gina"}})
	s.Require().True(dErrors.HasCode(err, dErrors.CodePersistence))
	s.store.FailPut = nil
	s.log(audit.EventNFTMint, "gina")

	report, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-time.Hour)})
	s.Require().NoError(err)
	s.Equal(ledger.SourceFastStore, report.Source)
	s.Equal(2, report.Events)
	s.Empty(s.violations())
	s.Empty(s.svc.RecentAlerts(10))
}

func (s *LedgerSuite) TestVerifyRangeUnbridgedGap() {
	s.log(audit.EventNFTMint, "hank")
	s.store.FailPut = errors.New("connection refused")
	s.store.FailLink = errors.New("connection refused")
	_, err := s.svc.LogEvent(s.ctx, audit.Draft{EventType: audit.EventNFTMint, Action: "mint", Actor: audit.Actor{UserID: "hank"}})
	s.Require().Error(err)
	s.store.FailPut = nil
	s.store.FailLink = nil
	s.log(audit.EventNFTMint, "hank")

	s.relay.Close()
	for _, rec := range s.stream.Records() {
		s.archive.events = append(s.archive.events, rec.Event)
	}
	s.Require().Len(s.archive.events, 3)

	s.Run("verified from the archive", func() {
		report, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-time.Hour)})
		s.Require().NoError(err)
		s.Equal(ledger.SourceArchive, report.Source)
		s.Equal(3, report.Events)
		s.Equal(1, s.archive.calls)
	})

	s.Run("unavailable without an archive", func() {
		svc := s.service(s.seq)
		_, err := svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-time.Hour)})
		s.True(dErrors.HasCode(err, dErrors.CodeUnavailable), "got %v", err)
		s.False(dErrors.HasCode(err, dErrors.CodeChainIntegrity))
	})

	s.Empty(s.violations())
}

func (s *LedgerSuite) TestVerifyRangeDetectsDeletedEvent() {
	for range 3 {
		s.log(audit.EventNFTTransfer, "iris")
	}
	events := s.all()
	s.Require().NoError(s.store.Remove(s.ctx, events[1].ID))

	_, err := s.svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-time.Hour)})
	s.Require().Error(err)
	var cie *dErrors.ChainIntegrityError
	s.Require().ErrorAs(err, &cie)
	s.Equal(1, cie.FirstBadIndex)
	s.Equal(events[2].ID, cie.EventID)
	s.Len(s.violations(), 1)
}

func (s *LedgerSuite) TestVerifyRangeWithoutArchive() {
	s.log(audit.EventNFTMint, "jane")
	svc := s.service(s.seq)

	for name, r := range map[string]audit.TimeRange{
		"older than retention": {From: s.now.AddDate(0, 0, -200)},
		"open start":           {},
	} {
		s.Run(name, func() {
			_, err := svc.VerifyRange(s.ctx, r)
			s.True(dErrors.HasCode(err, dErrors.CodeUnavailable), "got %v", err)
		})
	}

	report, err := svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-time.Hour)})
	s.Require().NoError(err)
	s.Equal(ledger.SourceFastStore, report.Source)
}

func (s *LedgerSuite) TestRestartContinuesFromExpiredHead() {
	s.logRetained("kim", 90)
	head := s.logRetained("kim", 1)
	s.now = s.now.Add(48 * time.Hour)

	restarted, err := chain.New(testSecret, chain.WithClock(func() time.Time { return s.now }))
	s.Require().NoError(err)
	s.Require().NoError(restarted.Bootstrap(s.ctx, s.store))
	id, hash := restarted.Head()
	s.Equal(head.ID, id)
	s.Equal(head.Hash, hash)

	svc := s.service(restarted)
	next, err := svc.LogEvent(s.ctx, audit.Draft{EventType: audit.EventNFTMint, Action: "mint", Actor: audit.Actor{UserID: "kim"}})
	s.Require().NoError(err)
	s.Equal(head.Hash, next.PreviousHash)

	_, err = svc.VerifyRange(s.ctx, audit.TimeRange{From: s.now.Add(-72 * time.Hour)})
	s.NoError(err)
}

func TestNewRequiresCollaborators(t *testing.T) {
	seq, err := chain.New(testSecret)
	require.NoError(t, err)
	engine, err := query.New(memory.NewInMemoryStore())
	require.NoError(t, err)

	_, err = ledger.New(nil, nil, engine)
	assert.Error(t, err)
	_, err = ledger.New(seq, nil, engine)
	assert.Error(t, err)
}

func TestLogEventBeforeBootstrapIsUnavailable(t *testing.T) {
	st := memory.NewInMemoryStore()
	seq, err := chain.New(testSecret)
	require.NoError(t, err)
	relay, err := stream.NewRelay(memstream.New())
	require.NoError(t, err)
	gateway, err := persist.New(st, relay)
	require.NoError(t, err)
	engine, err := query.New(st)
	require.NoError(t, err)
	svc, err := ledger.New(seq, gateway, engine)
	require.NoError(t, err)

	_, err = svc.LogEvent(context.Background(), audit.Draft{EventType: audit.EventAuthLogin, Action: "login"})
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))

	_, _, err = svc.Subscribe("x", 1)
	assert.True(t, dErrors.HasCode(err, dErrors.CodeUnavailable))
}
