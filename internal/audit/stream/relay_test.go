package stream_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"knowton/internal/audit/stream"
	"knowton/internal/audit/stream/memory"
	audit "knowton/pkg/platform/audit"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type countingPublisher struct {
	calls atomic.Int32
	err   error
}

func (p *countingPublisher) Publish(context.Context, stream.Record) error {
	p.calls.Add(1)
	return p.err
}

func record(id string) stream.Record {
	return stream.Record{Event: audit.Event{ID: id, EventType: audit.EventAuthLogin}}
}

func quickRetry(n int) stream.RetryConfig {
	return stream.RetryConfig{MaxRetries: n, InitialBackoff: time.Millisecond, MaxBackoff: time.Millisecond, BackoffFactor: 1}
}

func TestRelayDeliversAndDrainsOnClose(t *testing.T) {
	sink := memory.New()
	relay, err := stream.NewRelay(sink, stream.WithWorkers(1))
	require.NoError(t, err)
	relay.Start(context.Background())

	for _, id := range []string{"a", "b", "c"} {
		require.True(t, relay.Enqueue(record(id)))
	}
	relay.Close()

	assert.Equal(t, []string{"a", "b", "c"}, sink.IDs())
	assert.False(t, relay.Enqueue(record("d")), "closed relay refuses records")
}

func TestRelayDropsWhenQueueFull(t *testing.T) {
	relay, err := stream.NewRelay(memory.New(), stream.WithQueueSize(1))
	require.NoError(t, err)

	assert.True(t, relay.Enqueue(record("a")))
	assert.False(t, relay.Enqueue(record("b")))
	assert.Equal(t, 1, relay.Pending())
}

func TestRelayReportsExhaustedRecords(t *testing.T) {
	pub := &countingPublisher{err: errors.New("broker down")}

	var (
		mu     sync.Mutex
		failed []string
	)
	relay, err := stream.NewRelay(pub,
		stream.WithRetryConfig(quickRetry(2)),
		stream.WithCircuitBreaker(stream.NewCircuitBreaker(100, time.Minute)),
		stream.WithFailureHook(func(rec stream.Record, err error) {
			mu.Lock()
			defer mu.Unlock()
			failed = append(failed, rec.Event.ID)
		}),
	)
	require.NoError(t, err)
	relay.Start(context.Background())
	relay.Enqueue(record("lost"))
	relay.Close()

	assert.Equal(t, int32(3), pub.calls.Load())
	assert.Equal(t, []string{"lost"}, failed)
}

func TestRelayStopsCallingPublisherWhileCircuitOpen(t *testing.T) {
	pub := &countingPublisher{err: errors.New("broker down")}
	var hookErr error
	relay, err := stream.NewRelay(pub,
		stream.WithWorkers(1),
		stream.WithRetryConfig(quickRetry(5)),
		stream.WithCircuitBreaker(stream.NewCircuitBreaker(2, time.Hour)),
		stream.WithFailureHook(func(_ stream.Record, err error) { hookErr = err }),
	)
	require.NoError(t, err)
	relay.Start(context.Background())
	relay.Enqueue(record("x"))
	relay.Close()

	assert.Equal(t, int32(2), pub.calls.Load())
	require.Error(t, hookErr)
	assert.Contains(t, hookErr.Error(), "circuit open")
}

func TestRecordCodecRoundTrip(t *testing.T) {
	in := stream.Record{
		Event: audit.Event{
			ID:        "0192d0a4-0000-7000-8000-000000000001",
			Timestamp: time.Date(2026, 2, 3, 4, 5, 6, 7000, time.UTC),
			EventType: audit.EventNFTMint,
			Hash:      "abc",
		},
		FastStoreFailed: true,
	}
	data, err := stream.Marshal(in)
	require.NoError(t, err)

	out, err := stream.Unmarshal(data)
	require.NoError(t, err)
	assert.Equal(t, in.Event.ID, out.Event.ID)
	assert.True(t, in.Event.Timestamp.Equal(out.Event.Timestamp))
	assert.True(t, out.FastStoreFailed)
	assert.False(t, out.Replay)

	_, err = stream.Unmarshal([]byte(`{"event":{}}`))
	assert.Error(t, err)
}
