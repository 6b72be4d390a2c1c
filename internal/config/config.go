// Package config parses and validates all application configuration from
// environment variables using caarlos0/env/v11.
//
// Call [Load] once at startup; pass the resulting [Config] to subcommands.
// The process exits if any field tagged "required" is missing.
package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

// Config holds all application configuration sourced from environment variables.
type Config struct {
	// ── Database ─────────────────────────────────────────────────────────────────
	DatabaseURL       string        `env:"DATABASE_URL,required"`
	DBMaxConns        int32         `env:"DB_MAX_CONNS"          envDefault:"10"`
	DBMaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"5m"`

	// ── Broker ───────────────────────────────────────────────────────────────────
	BrokerURL string `env:"RABBITMQ_URL,required"`
	// BrokerConnectAttempts × BrokerConnectBackoff bounds startup; exhaustion
	// is fatal because the pipeline cannot run without a broker.
	BrokerConnectAttempts int           `env:"BROKER_CONNECT_ATTEMPTS" envDefault:"30"`
	BrokerConnectBackoff  time.Duration `env:"BROKER_CONNECT_BACKOFF"  envDefault:"2s"`
	WorkQueue             string        `env:"WORK_QUEUE"              envDefault:"file_processing"`
	EventQueue            string        `env:"EVENT_QUEUE"             envDefault:"notifications"`

	// ── Object store ─────────────────────────────────────────────────────────────
	// Used only for source existence checks; empty endpoint disables the check.
	S3Endpoint  string `env:"S3_ENDPOINT"`
	S3AccessKey string `env:"S3_ACCESS_KEY"`
	S3SecretKey string `env:"S3_SECRET_KEY"`
	S3Bucket    string `env:"S3_BUCKET"    envDefault:"file-processing"`
	S3UseSSL    bool   `env:"S3_USE_SSL"   envDefault:"false"`

	// ── Filesystem ───────────────────────────────────────────────────────────────
	NFSMountPath string `env:"NFS_MOUNT_PATH" envDefault:"/mnt/nfs"`

	// ── Processing ───────────────────────────────────────────────────────────────
	ProcessingDelay time.Duration `env:"PROCESSING_DELAY" envDefault:"5s"`
	// Bounded retry around job-record writes; exhaustion rejects the message
	// to the dead-letter queue.
	PersistAttempts int           `env:"PERSIST_ATTEMPTS" envDefault:"3"`
	PersistBackoff  time.Duration `env:"PERSIST_BACKOFF"  envDefault:"100ms"`

	// ── Outbox relay ─────────────────────────────────────────────────────────────
	OutboxPollInterval time.Duration `env:"OUTBOX_POLL_INTERVAL" envDefault:"2s"`
	OutboxBatchSize    int           `env:"OUTBOX_BATCH_SIZE"    envDefault:"100"`

	// ── Notifications ────────────────────────────────────────────────────────────
	// Sink: "log" or "webhook".
	Sink       string `env:"NOTIFY_SINK"        envDefault:"log"`
	WebhookURL string `env:"NOTIFY_WEBHOOK_URL"`
	// Secret for HMAC-signing webhook payloads; required when Sink is "webhook".
	WebhookSecret string `env:"NOTIFY_WEBHOOK_SECRET"`
	// SinkStrict makes a sink failure reject the event (dead-letter) instead
	// of acknowledging after persistence alone.
	SinkStrict bool `env:"SINK_STRICT" envDefault:"false"`

	// ── Ops endpoint ─────────────────────────────────────────────────────────────
	ListenAddr string `env:"LISTEN_ADDR" envDefault:":8081"`

	// ── Logging ──────────────────────────────────────────────────────────────────
	LogLevel  string `env:"LOG_LEVEL"  envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`
	AppEnv    string `env:"APP_ENV"    envDefault:"development"`
}

// Load parses and returns Config from environment variables.
// Returns an error if any required field is missing.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// IsDevelopment reports whether the application is running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}
