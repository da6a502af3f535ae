// Package consumer runs a franz-go group consumer and hands each record to a
// Handler. Offsets are committed after every polled batch once all of its
// records were handled or given up on.
package consumer

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// Message is a consumed record in transport-neutral form.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// Handler processes one message. Returning nil marks it done; an error
// triggers bounded redelivery within the same batch.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Consumer polls a kgo client and dispatches to a handler.
type Consumer struct {
	client     *kgo.Client
	handler    Handler
	logger     *slog.Logger
	maxAttempt int
	backoff    time.Duration
}

// Option configures the Consumer.
type Option func(*Consumer)

func WithLogger(logger *slog.Logger) Option {
	return func(c *Consumer) {
		c.logger = logger
	}
}

// WithRedelivery sets how often a failing message is retried before it is
// skipped, and the pause between attempts.
func WithRedelivery(attempts int, backoff time.Duration) Option {
	return func(c *Consumer) {
		if attempts > 0 {
			c.maxAttempt = attempts
		}
		c.backoff = backoff
	}
}

func New(client *kgo.Client, handler Handler, opts ...Option) *Consumer {
	c := &Consumer{
		client:     client,
		handler:    handler,
		logger:     slog.Default(),
		maxAttempt: 3,
		backoff:    500 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Run consumes until ctx is cancelled or the client is closed.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		fetches := c.client.PollFetches(ctx)
		if fetches.IsClientClosed() {
			return nil
		}
		if ctx.Err() != nil {
			return nil
		}
		for _, fe := range fetches.Errors() {
			if errors.Is(fe.Err, context.Canceled) {
				return nil
			}
			c.logger.WarnContext(ctx, "kafka fetch error",
				"topic", fe.Topic,
				"partition", fe.Partition,
				"error", fe.Err,
			)
		}

		fetches.EachRecord(func(r *kgo.Record) {
			c.dispatch(ctx, toMessage(r))
		})

		if err := c.client.CommitUncommittedOffsets(ctx); err != nil && ctx.Err() == nil {
			c.logger.ErrorContext(ctx, "kafka offset commit failed", "error", err)
		}
	}
}

func (c *Consumer) dispatch(ctx context.Context, msg *Message) {
	var err error
	for attempt := 1; attempt <= c.maxAttempt; attempt++ {
		if err = c.handler.Handle(ctx, msg); err == nil {
			return
		}
		if attempt == c.maxAttempt || ctx.Err() != nil {
			break
		}
		select {
		case <-ctx.Done():
		case <-time.After(c.backoff):
		}
	}
	c.logger.ErrorContext(ctx, "giving up on kafka message",
		"topic", msg.Topic,
		"partition", msg.Partition,
		"offset", msg.Offset,
		"key", string(msg.Key),
		"error", err,
	)
}

func toMessage(r *kgo.Record) *Message {
	headers := make(map[string]string, len(r.Headers))
	for _, h := range r.Headers {
		headers[h.Key] = string(h.Value)
	}
	return &Message{
		Topic:     r.Topic,
		Partition: r.Partition,
		Offset:    r.Offset,
		Key:       r.Key,
		Value:     r.Value,
		Headers:   headers,
		Timestamp: r.Timestamp,
	}
}
