// Package config loads process configuration from the environment. A .env
// file in the working directory is read first when present.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Server captures the ops HTTP server settings.
type Server struct {
	Addr            string        `env:"AUDIT_HTTP_ADDR" envDefault:":8080"`
	ShutdownTimeout time.Duration `env:"AUDIT_SHUTDOWN_TIMEOUT" envDefault:"15s"`
}

// Log selects the slog handler.
type Log struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Audit holds ledger tuning. HMACSecret keys the hash chain and has no
// default.
type Audit struct {
	HMACSecret        string        `env:"AUDIT_HMAC_SECRET,required,unset"`
	RetentionDays     int           `env:"AUDIT_RETENTION_DAYS" envDefault:"90"`
	SweepInterval     time.Duration `env:"AUDIT_SWEEP_INTERVAL" envDefault:"1h"`
	ReconcileInterval time.Duration `env:"AUDIT_RECONCILE_INTERVAL" envDefault:"5m"`
	ReconcileWindow   time.Duration `env:"AUDIT_RECONCILE_WINDOW" envDefault:"1h"`
	ReconcileGrace    time.Duration `env:"AUDIT_RECONCILE_GRACE" envDefault:"2m"`
	MaxExportRows     int           `env:"AUDIT_MAX_EXPORT_ROWS" envDefault:"10000"`
	DetectorWorkers   int           `env:"AUDIT_DETECTOR_WORKERS" envDefault:"4"`
	AlertBufferSize   int           `env:"AUDIT_ALERT_BUFFER_SIZE" envDefault:"1000"`
	AlertChannel      string        `env:"AUDIT_ALERT_CHANNEL" envDefault:"audit:alerts"`
}

// Redis configures the fast store. An empty URL runs the ledger on the
// in-memory store.
type Redis struct {
	URL          string        `env:"REDIS_URL"`
	KeyPrefix    string        `env:"REDIS_KEY_PREFIX" envDefault:"audit"`
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"20"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"4"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`
}

// Enabled reports whether a Redis fast store is configured.
func (r Redis) Enabled() bool { return r.URL != "" }

// Kafka configures the durable stream. Without brokers the stream stays in
// process and nothing is archived.
type Kafka struct {
	Brokers           []string      `env:"KAFKA_BROKERS" envSeparator:","`
	Topic             string        `env:"KAFKA_AUDIT_TOPIC" envDefault:"audit.events"`
	ConsumerGroup     string        `env:"KAFKA_ARCHIVE_GROUP" envDefault:"audit-archive"`
	Partitions        int32         `env:"KAFKA_AUDIT_PARTITIONS" envDefault:"1"`
	ReplicationFactor int16         `env:"KAFKA_AUDIT_REPLICATION" envDefault:"1"`
	DialTimeout       time.Duration `env:"KAFKA_DIAL_TIMEOUT" envDefault:"10s"`
}

func (k Kafka) Enabled() bool { return len(k.Brokers) > 0 }

// Postgres configures the compliance archive.
type Postgres struct {
	URL             string        `env:"DATABASE_URL"`
	MaxOpenConns    int           `env:"DB_MAX_OPEN_CONNS" envDefault:"16"`
	MaxIdleConns    int           `env:"DB_MAX_IDLE_CONNS" envDefault:"8"`
	ConnMaxLifetime time.Duration `env:"DB_CONN_MAX_LIFETIME" envDefault:"1h"`
	ConnMaxIdleTime time.Duration `env:"DB_CONN_MAX_IDLE_TIME" envDefault:"15m"`
}

func (p Postgres) Enabled() bool { return p.URL != "" }

// Config is the full process configuration.
type Config struct {
	Server   Server
	Log      Log
	Audit    Audit
	Redis    Redis
	Kafka    Kafka
	Postgres Postgres
}

// Load reads .env (if any) and parses the environment.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("load .env: %w", err)
	}
	return Parse()
}

// Parse reads the environment only.
func Parse() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	switch {
	case len(c.Audit.HMACSecret) < 16:
		return errors.New("AUDIT_HMAC_SECRET must be at least 16 bytes")
	case c.Audit.RetentionDays <= 0:
		return errors.New("AUDIT_RETENTION_DAYS must be positive")
	case c.Kafka.Enabled() && c.Kafka.Topic == "":
		return errors.New("KAFKA_AUDIT_TOPIC is required when KAFKA_BROKERS is set")
	}
	return nil
}
