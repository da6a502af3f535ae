// Package kafka publishes audit stream records to a Kafka topic.
package kafka

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"knowton/internal/audit/stream"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Header names set on every produced record.
const (
	HeaderEventType       = "event-type"
	HeaderSeverity        = "severity"
	HeaderTimestamp       = "timestamp"
	HeaderFastStoreFailed = "fast-store-failed"
	HeaderReplay          = "replay"
)

// Producer implements stream.Publisher. Records are keyed by event id.
type Producer struct {
	client *kgo.Client
	topic  string
}

func NewProducer(client *kgo.Client, topic string) *Producer {
	return &Producer{client: client, topic: topic}
}

// Publish produces rec synchronously and returns once the broker acked it.
func (p *Producer) Publish(ctx context.Context, rec stream.Record) error {
	value, err := stream.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode stream record: %w", err)
	}
	e := rec.Event
	record := &kgo.Record{
		Topic: p.topic,
		Key:   []byte(e.ID),
		Value: value,
		Headers: []kgo.RecordHeader{
			{Key: HeaderEventType, Value: []byte(e.EventType)},
			{Key: HeaderSeverity, Value: []byte(e.Severity)},
			{Key: HeaderTimestamp, Value: []byte(e.Timestamp.UTC().Format(time.RFC3339Nano))},
			{Key: HeaderFastStoreFailed, Value: []byte(strconv.FormatBool(rec.FastStoreFailed))},
			{Key: HeaderReplay, Value: []byte(strconv.FormatBool(rec.Replay))},
		},
		Timestamp: e.Timestamp,
	}
	if err := p.client.ProduceSync(ctx, record).FirstErr(); err != nil {
		return fmt.Errorf("produce event %s: %w", e.ID, err)
	}
	return nil
}
