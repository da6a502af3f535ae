//go:build integration

package alert

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	audit "knowton/pkg/platform/audit"
	"knowton/pkg/testutil/containers"
)

func TestRedisSinkPublishesAlerts(t *testing.T) {
	redisC := containers.NewRedisContainer(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pubsub := redisC.Client.Subscribe(ctx, "test:alerts")
	defer pubsub.Close()
	_, err := pubsub.Receive(ctx)
	require.NoError(t, err)

	d := New(quiet(), WithSinks(NewRedisSink(redisC.Client, "test:alerts")))
	d.Start(ctx)
	d.Dispatch(ctx, critical("a1"))
	d.Close()

	msg, err := pubsub.ReceiveMessage(ctx)
	require.NoError(t, err)

	var got audit.Event
	require.NoError(t, json.Unmarshal([]byte(msg.Payload), &got))
	assert.Equal(t, "a1", got.ID)
	assert.Equal(t, audit.EventSecuritySuspiciousActivity, got.EventType)
}
