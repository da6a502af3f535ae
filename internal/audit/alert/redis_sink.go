package alert

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	audit "knowton/pkg/platform/audit"
)

const DefaultChannel = "audit:alerts"

// RedisSink publishes alerts as JSON on a Redis pub/sub channel for
// out-of-process notifiers.
type RedisSink struct {
	client  redis.UniversalClient
	channel string
}

func NewRedisSink(client redis.UniversalClient, channel string) *RedisSink {
	if channel == "" {
		channel = DefaultChannel
	}
	return &RedisSink{client: client, channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, e audit.Event) error {
	payload, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode alert %s: %w", e.ID, err)
	}
	if err := s.client.Publish(ctx, s.channel, payload).Err(); err != nil {
		return fmt.Errorf("publish alert %s: %w", e.ID, err)
	}
	return nil
}
