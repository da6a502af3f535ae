// Package archive materializes the durable stream into the compliance
// archive.
package archive

import (
	"context"
	"fmt"
	"log/slog"

	"knowton/internal/audit/stream"
	"knowton/internal/platform/kafka/consumer"
	"knowton/internal/platform/metrics"
	audit "knowton/pkg/platform/audit"
)

// Appender stores one archived event. Appends must be idempotent by id.
type Appender interface {
	Append(ctx context.Context, e audit.Event, fastStoreFailed bool) error
}

// Handler consumes stream records and appends them to the archive.
type Handler struct {
	store   Appender
	logger  *slog.Logger
	metrics *metrics.Metrics
}

func NewHandler(store Appender, logger *slog.Logger, m *metrics.Metrics) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{store: store, logger: logger, metrics: m}
}

// Handle archives one stream message. Undecodable messages are logged and
// committed; store failures are returned for redelivery.
func (h *Handler) Handle(ctx context.Context, msg *consumer.Message) error {
	rec, err := stream.Unmarshal(msg.Value)
	if err != nil {
		h.logger.WarnContext(ctx, "skipping undecodable stream record",
			"key", string(msg.Key),
			"offset", msg.Offset,
			"error", err,
		)
		return nil
	}

	if err := h.store.Append(ctx, rec.Event, rec.FastStoreFailed); err != nil {
		h.logger.ErrorContext(ctx, "failed to archive event",
			"event_id", rec.Event.ID,
			"error", err,
		)
		return fmt.Errorf("archive event: %w", err)
	}
	h.metrics.IncArchiveMaterialized()

	if rec.FastStoreFailed {
		h.logger.WarnContext(ctx, "archived event that never reached the fast store",
			"event_id", rec.Event.ID,
			"event_type", rec.Event.EventType,
		)
	}
	h.logger.DebugContext(ctx, "archived event",
		"event_id", rec.Event.ID,
		"event_type", rec.Event.EventType,
		"replay", rec.Replay,
	)
	return nil
}
