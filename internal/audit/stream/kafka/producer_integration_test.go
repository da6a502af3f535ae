//go:build integration

package kafka_test

import (
	"context"
	"testing"
	"time"

	"knowton/internal/audit/stream"
	streamkafka "knowton/internal/audit/stream/kafka"
	platformkafka "knowton/internal/platform/kafka"
	audit "knowton/pkg/platform/audit"
	"knowton/pkg/testutil/containers"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestProducerPublishesKeyedRecords(t *testing.T) {
	broker := containers.NewRedpandaContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	cfg := platformkafka.Config{
		Brokers:       []string{broker.Broker},
		Topic:         "audit.events.test",
		ConsumerGroup: "producer-test",
	}
	producerClient, err := platformkafka.NewProducerClient(cfg)
	require.NoError(t, err)
	defer producerClient.Close()
	require.NoError(t, platformkafka.EnsureTopic(ctx, producerClient, cfg))
	require.NoError(t, platformkafka.EnsureTopic(ctx, producerClient, cfg), "second call is a no-op")

	rec := stream.Record{
		Event: audit.Event{
			ID:        "0192d0a4-0000-7000-8000-0000000000aa",
			Timestamp: time.Now().UTC().Truncate(time.Microsecond),
			EventType: audit.EventNFTMint,
			Severity:  audit.SeverityInfo,
			Hash:      "deadbeef",
		},
		FastStoreFailed: true,
	}
	require.NoError(t, streamkafka.NewProducer(producerClient, cfg.Topic).Publish(ctx, rec))

	consumerClient, err := platformkafka.NewConsumerClient(cfg)
	require.NoError(t, err)
	defer consumerClient.Close()

	fetches := consumerClient.PollRecords(ctx, 1)
	require.Empty(t, fetches.Errors())
	records := fetches.Records()
	require.Len(t, records, 1)

	got := records[0]
	assert.Equal(t, rec.Event.ID, string(got.Key))
	headers := map[string]string{}
	for _, h := range got.Headers {
		headers[h.Key] = string(h.Value)
	}
	assert.Equal(t, "nft.mint", headers[streamkafka.HeaderEventType])
	assert.Equal(t, "true", headers[streamkafka.HeaderFastStoreFailed])

	decoded, err := stream.Unmarshal(got.Value)
	require.NoError(t, err)
	assert.Equal(t, rec.Event.Hash, decoded.Event.Hash)
	assert.True(t, decoded.FastStoreFailed)
}
