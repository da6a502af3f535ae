package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParse(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		t.Setenv("AUDIT_HMAC_SECRET", "0123456789abcdef")

		cfg, err := Parse()
		require.NoError(t, err)
		assert.Equal(t, ":8080", cfg.Server.Addr)
		assert.Equal(t, 90, cfg.Audit.RetentionDays)
		assert.Equal(t, time.Hour, cfg.Audit.SweepInterval)
		assert.Equal(t, "audit.events", cfg.Kafka.Topic)
		assert.False(t, cfg.Redis.Enabled())
		assert.False(t, cfg.Kafka.Enabled())
		assert.False(t, cfg.Postgres.Enabled())
	})

	t.Run("brokers split on commas", func(t *testing.T) {
		t.Setenv("AUDIT_HMAC_SECRET", "0123456789abcdef")
		t.Setenv("KAFKA_BROKERS", "a:9092,b:9092")

		cfg, err := Parse()
		require.NoError(t, err)
		assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.Kafka.Brokers)
		assert.True(t, cfg.Kafka.Enabled())
	})

	t.Run("secret is required", func(t *testing.T) {
		t.Setenv("AUDIT_HMAC_SECRET", "")

		_, err := Parse()
		assert.Error(t, err)
	})

	t.Run("short secret is rejected", func(t *testing.T) {
		t.Setenv("AUDIT_HMAC_SECRET", "short")

		_, err := Parse()
		assert.ErrorContains(t, err, "AUDIT_HMAC_SECRET")
	})

	t.Run("retention must be positive", func(t *testing.T) {
		t.Setenv("AUDIT_HMAC_SECRET", "0123456789abcdef")
		t.Setenv("AUDIT_RETENTION_DAYS", "0")

		_, err := Parse()
		assert.Error(t, err)
	})
}
