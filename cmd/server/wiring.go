package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"

	"knowton/internal/audit/alert"
	"knowton/internal/audit/archive"
	archivepg "knowton/internal/audit/archive/postgres"
	"knowton/internal/audit/chain"
	"knowton/internal/audit/detect"
	"knowton/internal/audit/ledger"
	"knowton/internal/audit/persist"
	"knowton/internal/audit/query"
	"knowton/internal/audit/reconcile"
	"knowton/internal/audit/retention"
	"knowton/internal/audit/store"
	"knowton/internal/audit/store/memory"
	redisstore "knowton/internal/audit/store/redis"
	"knowton/internal/audit/stream"
	kafkastream "knowton/internal/audit/stream/kafka"
	memstream "knowton/internal/audit/stream/memory"
	"knowton/internal/platform/config"
	"knowton/internal/platform/httpserver"
	"knowton/internal/platform/kafka"
	"knowton/internal/platform/kafka/consumer"
	"knowton/internal/platform/metrics"
	"knowton/internal/platform/postgres"
	"knowton/internal/platform/redis"
	audit "knowton/pkg/platform/audit"
)

const startupTimeout = 30 * time.Second

// app holds every long-lived component. Optional ones are nil when their
// backing service is not configured.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	metrics *metrics.Metrics

	redis     *redis.Client
	db        *sql.DB
	producer  *kgo.Client
	consumer  *kgo.Client
	fastStore store.FastStore
	archive   *archivepg.Store

	relay      *stream.Relay
	sequencer  *chain.Sequencer
	pipeline   *detect.Pipeline
	alerts     *alert.Dispatcher
	ledger     *ledger.Service
	sweeper    *retention.Sweeper
	reconciler *reconcile.Reconciler
	archiver   *consumer.Consumer

	checks map[string]httpserver.Check
}

// withStartupDeadline bounds connection and bootstrap work unless the caller
// already set a deadline.
func withStartupDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok {
		return ctx, func() {}
	}
	return context.WithTimeout(ctx, startupTimeout)
}

func build(ctx context.Context, cfg *config.Config, logger *slog.Logger, m *metrics.Metrics) (*app, error) {
	ctx, cancel := withStartupDeadline(ctx)
	defer cancel()

	a := &app{
		cfg:     cfg,
		logger:  logger,
		metrics: m,
		checks:  map[string]httpserver.Check{},
	}
	if err := a.connect(ctx); err != nil {
		a.close()
		return nil, err
	}
	if err := a.assemble(ctx); err != nil {
		a.close()
		return nil, err
	}
	return a, nil
}

// connect opens the external services that are configured.
func (a *app) connect(ctx context.Context) error {
	var err error

	a.redis, err = redis.New(ctx, a.cfg.Redis)
	if err != nil {
		return err
	}
	if a.redis != nil {
		a.fastStore = redisstore.New(a.redis.Client, redisstore.WithPrefix(a.cfg.Redis.KeyPrefix))
		a.checks["redis"] = a.redis.Health
	} else {
		a.logger.WarnContext(ctx, "REDIS_URL not set, using in-memory fast store")
		a.fastStore = memory.NewInMemoryStore()
	}

	if a.cfg.Kafka.Enabled() {
		kcfg := kafkaConfig(a.cfg.Kafka)
		a.producer, err = kafka.NewProducerClient(kcfg)
		if err != nil {
			return err
		}
		if err := kafka.EnsureTopic(ctx, a.producer, kcfg); err != nil {
			return err
		}
		a.checks["kafka"] = func(ctx context.Context) error { return kafka.Ping(ctx, a.producer) }
	}

	a.db, err = postgres.Open(ctx, a.cfg.Postgres)
	if err != nil {
		return err
	}
	if a.db != nil {
		if err := archivepg.Migrate(ctx, a.db); err != nil {
			return err
		}
		a.archive = archivepg.New(a.db)
		a.checks["postgres"] = a.archive.Ping
	}
	return nil
}

// assemble builds the ledger on top of the connected services.
func (a *app) assemble(ctx context.Context) error {
	var err error
	cfg := a.cfg.Audit

	var publisher stream.Publisher
	if a.producer != nil {
		publisher = kafkastream.NewProducer(a.producer, a.cfg.Kafka.Topic)
	} else {
		a.logger.WarnContext(ctx, "KAFKA_BROKERS not set, audit stream stays in process")
		publisher = memstream.New()
	}
	a.relay, err = stream.NewRelay(publisher,
		stream.WithLogger(a.logger),
		stream.WithMetrics(a.metrics),
	)
	if err != nil {
		return err
	}

	a.sequencer, err = chain.New([]byte(cfg.HMACSecret), chain.WithLogger(a.logger))
	if err != nil {
		return err
	}
	heads := []chain.HeadSource{a.fastStore}
	if a.archive != nil {
		heads = append(heads, a.archive)
	}
	if err := a.sequencer.Bootstrap(ctx, heads...); err != nil {
		return err
	}

	gateway, err := persist.New(a.fastStore, a.relay,
		persist.WithLogger(a.logger),
		persist.WithMetrics(a.metrics),
		persist.WithLinkRetention(time.Duration(cfg.RetentionDays)*24*time.Hour),
	)
	if err != nil {
		return err
	}
	engine, err := query.New(a.fastStore,
		query.WithLogger(a.logger),
		query.WithMaxExportRows(cfg.MaxExportRows),
	)
	if err != nil {
		return err
	}

	alertOpts := []alert.Option{
		alert.WithLogger(a.logger),
		alert.WithMetrics(a.metrics),
		alert.WithBufferSize(cfg.AlertBufferSize),
	}
	var counters detect.Counters
	if a.redis != nil {
		alertOpts = append(alertOpts, alert.WithSinks(alert.NewRedisSink(a.redis.Client, cfg.AlertChannel)))
		counters = detect.NewRedisCounters(a.redis.Client, a.cfg.Redis.KeyPrefix+":detect")
	} else {
		counters = detect.NewMemoryCounters(time.Now)
	}
	a.alerts = alert.New(alertOpts...)

	// detections are logged through the ledger they observe
	var svc *ledger.Service
	a.pipeline, err = detect.New(
		detect.EmitterFunc(func(ctx context.Context, d audit.Draft) error { return svc.Emit(ctx, d) }),
		detect.WithLogger(a.logger),
		detect.WithMetrics(a.metrics),
		detect.WithWorkers(cfg.DetectorWorkers),
		detect.WithRules(
			detect.NewBurstRule(a.fastStore, counters),
			detect.NewBruteForceRule(counters),
		),
	)
	if err != nil {
		return err
	}

	opts := []ledger.Option{
		ledger.WithLogger(a.logger),
		ledger.WithMetrics(a.metrics),
		ledger.WithDetector(a.pipeline),
		ledger.WithAlerts(a.alerts),
		ledger.WithRetentionDays(cfg.RetentionDays),
		ledger.WithLinks(a.fastStore),
	}
	if a.archive != nil {
		opts = append(opts, ledger.WithArchive(a.archive))
	}
	svc, err = ledger.New(a.sequencer, gateway, engine, opts...)
	if err != nil {
		return err
	}
	a.ledger = svc

	a.sweeper, err = retention.New(a.fastStore, cfg.RetentionDays,
		retention.WithLogger(a.logger),
		retention.WithMetrics(a.metrics),
		retention.WithInterval(cfg.SweepInterval),
		retention.WithSweepHook(svc.RecordSweep),
	)
	if err != nil {
		return err
	}

	if a.archive == nil || a.producer == nil {
		a.logger.WarnContext(ctx, "compliance archive disabled; requires both KAFKA_BROKERS and DATABASE_URL")
		return nil
	}

	a.consumer, err = kafka.NewConsumerClient(kafkaConfig(a.cfg.Kafka))
	if err != nil {
		return err
	}
	a.archiver = consumer.New(a.consumer, archive.NewHandler(a.archive, a.logger, a.metrics),
		consumer.WithLogger(a.logger),
	)
	a.reconciler, err = reconcile.New(a.fastStore, a.archive, a.relay,
		reconcile.WithLogger(a.logger),
		reconcile.WithMetrics(a.metrics),
		reconcile.WithInterval(cfg.ReconcileInterval),
		reconcile.WithWindow(cfg.ReconcileWindow, cfg.ReconcileGrace),
	)
	return err
}

func kafkaConfig(c config.Kafka) kafka.Config {
	return kafka.Config{
		Brokers:           c.Brokers,
		Topic:             c.Topic,
		ConsumerGroup:     c.ConsumerGroup,
		Partitions:        c.Partitions,
		ReplicationFactor: c.ReplicationFactor,
		DialTimeout:       c.DialTimeout,
	}
}

// close releases external connections. Components must already be drained.
func (a *app) close() {
	if a.consumer != nil {
		a.consumer.Close()
	}
	if a.producer != nil {
		a.producer.Close()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Error("failed to close postgres", "error", err)
		}
	}
	if a.redis != nil {
		if err := a.redis.Close(); err != nil {
			a.logger.Error("failed to close redis", "error", err)
		}
	}
}

func describeBackends(cfg *config.Config) string {
	return fmt.Sprintf("redis=%t kafka=%t postgres=%t", cfg.Redis.Enabled(), cfg.Kafka.Enabled(), cfg.Postgres.Enabled())
}
