// Package config defines the marketfactory configuration and its validation.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Config is the root configuration. Fields come from a TOML file and are
// then overridden by FACTORY_* environment variables.
type Config struct {
	Postgres   PostgresConfig   `toml:"postgres"`
	Redis      RedisConfig      `toml:"redis"`
	Oracle     OracleConfig     `toml:"oracle"`
	Scheduler  SchedulerConfig  `toml:"scheduler"`
	Sync       SyncConfig       `toml:"sync"`
	Queue      QueueConfig      `toml:"queue"`
	Settlement SettlementConfig `toml:"settlement"`
	Relay      RelayConfig      `toml:"relay"`
	Binder     BinderConfig     `toml:"binder"`
	Server     ServerConfig     `toml:"server"`
	Notify     NotifyConfig     `toml:"notify"`
	S3         S3Config         `toml:"s3"`
	Metrics    MetricsConfig    `toml:"metrics"`
	Mode       string           `toml:"mode"`
	LogLevel   string           `toml:"log_level"`
}

// PostgresConfig holds the durable store connection.
type PostgresConfig struct {
	DSN           string `toml:"dsn"`
	Host          string `toml:"host"`
	Port          int    `toml:"port"`
	Database      string `toml:"database"`
	User          string `toml:"user"`
	Password      string `toml:"password"`
	SSLMode       string `toml:"ssl_mode"`
	PoolMaxConns  int    `toml:"pool_max_conns"`
	PoolMinConns  int    `toml:"pool_min_conns"`
	RunMigrations bool   `toml:"run_migrations"`
}

// RedisConfig holds the state store connection and cache lifetimes.
type RedisConfig struct {
	Addr          string   `toml:"addr"`
	Password      string   `toml:"password"`
	DB            int      `toml:"db"`
	PoolSize      int      `toml:"pool_size"`
	MaxRetries    int      `toml:"max_retries"`
	TLSEnabled    bool     `toml:"tls_enabled"`
	PriceTTL      Duration `toml:"price_ttl"`
	InstrumentTTL Duration `toml:"instrument_ttl"`
}

// OracleConfig holds the external reference API client settings.
type OracleConfig struct {
	BaseURL    string   `toml:"base_url"`
	Timeout    Duration `toml:"timeout"`
	RatePerSec float64  `toml:"rate_per_sec"`
	Burst      int      `toml:"burst"`
	MaxRetries int      `toml:"max_retries"`
	RetryWait  Duration `toml:"retry_wait"`
}

// SchedulerConfig controls the cron driver.
type SchedulerConfig struct {
	Spec       string   `toml:"spec"`
	JobTimeout Duration `toml:"job_timeout"`
	FailOpen   bool     `toml:"fail_open"`
	UseLease   bool     `toml:"use_lease"`
	LeaseTTL   Duration `toml:"lease_ttl"`
}

// SyncConfig tunes the odds differential sync.
type SyncConfig struct {
	Threshold   string `toml:"threshold"`
	BatchLimit  int    `toml:"batch_limit"`
	Concurrency int    `toml:"concurrency"`
}

// ThresholdDecimal parses Threshold. Validate rejects unparseable values.
func (s SyncConfig) ThresholdDecimal() decimal.Decimal {
	d, err := decimal.NewFromString(s.Threshold)
	if err != nil {
		return decimal.Zero
	}
	return d
}

// QueueConfig tunes the price work queue and its workers.
type QueueConfig struct {
	Name              string   `toml:"name"`
	Group             string   `toml:"group"`
	MaxAttempts       int      `toml:"max_attempts"`
	Backoff           Duration `toml:"backoff"`
	ClaimIdle         Duration `toml:"claim_idle"`
	WorkerConcurrency int      `toml:"worker_concurrency"`
	WorkerRatePerSec  float64  `toml:"worker_rate_per_sec"`
	FetchCount        int      `toml:"fetch_count"`
	Block             Duration `toml:"block"`
}

// SettlementConfig tunes the settlement engine.
type SettlementConfig struct {
	ExternalWait  Duration `toml:"external_wait"`
	BatchLimit    int      `toml:"batch_limit"`
	RetryDelay    Duration `toml:"retry_delay"`
	ArchivePrefix string   `toml:"archive_prefix"`
}

// RelayConfig tunes market generation.
type RelayConfig struct {
	Buffer           Duration `toml:"buffer"`
	MaxBatch         int      `toml:"max_batch"`
	AlignToPeriod    bool     `toml:"align_to_period"`
	FailureThreshold int      `toml:"failure_threshold"`
	BindLimit        int      `toml:"bind_limit"`
	SyncOnBind       bool     `toml:"sync_on_bind"`
	MaxUnboundAge    Duration `toml:"max_unbound_age"`
}

// BinderConfig tunes reference instrument matching.
type BinderConfig struct {
	PageSize            int      `toml:"page_size"`
	MaxInstruments      int      `toml:"max_instruments"`
	Window              Duration `toml:"window"`
	MinScore            float64  `toml:"min_score"`
	FifteenMinuteSeries []string `toml:"fifteen_minute_series"`
	// RefreshInterval is the minimum gap between forced candidate refreshes
	// triggered by misses.
	RefreshInterval Duration `toml:"refresh_interval"`
}

// ServerConfig holds the operator HTTP API settings.
type ServerConfig struct {
	Port         int      `toml:"port"`
	APIKey       string   `toml:"api_key"`
	CORSOrigins  []string `toml:"cors_origins"`
	RateLimit    int      `toml:"rate_limit"`
	RateWindow   Duration `toml:"rate_window"`
	WriteTimeout Duration `toml:"write_timeout"`
}

// NotifyConfig holds the alert channels.
type NotifyConfig struct {
	TelegramToken     string   `toml:"telegram_token"`
	TelegramChatID    string   `toml:"telegram_chat_id"`
	TelegramAPI       string   `toml:"telegram_api"`
	DiscordWebhookURL string   `toml:"discord_webhook_url"`
	Events            []string `toml:"events"`
	Cooldown          Duration `toml:"cooldown"`
}

// S3Config holds the settlement report archive bucket.
type S3Config struct {
	Enabled        bool   `toml:"enabled"`
	Endpoint       string `toml:"endpoint"`
	Region         string `toml:"region"`
	Bucket         string `toml:"bucket"`
	AccessKey      string `toml:"access_key"`
	SecretKey      string `toml:"secret_key"`
	UseSSL         bool   `toml:"use_ssl"`
	ForcePathStyle bool   `toml:"force_path_style"`
	Prefix         string `toml:"prefix"`
}

// MetricsConfig toggles the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `toml:"enabled"`
	Path    string `toml:"path"`
}

// Duration decodes TOML strings such as "30s" or "10m".
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(strings.TrimSpace(string(text)))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.Duration.String()), nil
}

// Run modes.
const (
	ModeFull      = "full"
	ModeScheduler = "scheduler"
	ModeWorker    = "worker"
	ModeServer    = "server"
)

// Defaults returns the configuration used when a field is not set.
func Defaults() Config {
	return Config{
		Postgres: PostgresConfig{
			Host:          "localhost",
			Port:          5432,
			Database:      "marketfactory",
			User:          "postgres",
			SSLMode:       "disable",
			PoolMaxConns:  10,
			PoolMinConns:  1,
			RunMigrations: true,
		},
		Redis: RedisConfig{
			Addr:          "localhost:6379",
			PoolSize:      20,
			MaxRetries:    3,
			PriceTTL:      Duration{time.Hour},
			InstrumentTTL: Duration{5 * time.Minute},
		},
		Oracle: OracleConfig{
			BaseURL:    "https://gamma-api.polymarket.com",
			Timeout:    Duration{10 * time.Second},
			RatePerSec: 5,
			Burst:      5,
			MaxRetries: 3,
			RetryWait:  Duration{500 * time.Millisecond},
		},
		Scheduler: SchedulerConfig{
			Spec:       "*/30 * * * * *",
			JobTimeout: Duration{25 * time.Second},
			FailOpen:   true,
			UseLease:   true,
			LeaseTTL:   Duration{30 * time.Second},
		},
		Sync: SyncConfig{
			Threshold:   "0.001",
			BatchLimit:  1000,
			Concurrency: 8,
		},
		Queue: QueueConfig{
			Name:              "odds-update",
			Group:             "odds-writers",
			MaxAttempts:       3,
			Backoff:           Duration{2 * time.Second},
			ClaimIdle:         Duration{time.Minute},
			WorkerConcurrency: 10,
			WorkerRatePerSec:  100,
			FetchCount:        10,
			Block:             Duration{2 * time.Second},
		},
		Settlement: SettlementConfig{
			ExternalWait:  Duration{10 * time.Minute},
			BatchLimit:    200,
			RetryDelay:    Duration{250 * time.Millisecond},
			ArchivePrefix: "settlements",
		},
		Relay: RelayConfig{
			MaxBatch:         4,
			FailureThreshold: 3,
			BindLimit:        200,
			SyncOnBind:       true,
			MaxUnboundAge:    Duration{24 * time.Hour},
		},
		Binder: BinderConfig{
			PageSize:        500,
			MaxInstruments:  6000,
			Window:          Duration{30 * time.Minute},
			MinScore:        40,
			RefreshInterval: Duration{time.Minute},
		},
		Server: ServerConfig{
			Port:         8080,
			RateLimit:    120,
			RateWindow:   Duration{time.Minute},
			WriteTimeout: Duration{60 * time.Second},
		},
		Notify: NotifyConfig{
			Events:   []string{"template_paused", "resolution_unparseable", "settlement_failed"},
			Cooldown: Duration{15 * time.Minute},
		},
		S3: S3Config{
			Region:         "us-east-1",
			UseSSL:         true,
			ForcePathStyle: true,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Path:    "/metrics",
		},
		Mode:     ModeFull,
		LogLevel: "info",
	}
}

var validModes = map[string]bool{
	ModeFull:      true,
	ModeScheduler: true,
	ModeWorker:    true,
	ModeServer:    true,
}

var validLogLevels = map[string]bool{
	"debug": true,
	"info":  true,
	"warn":  true,
	"error": true,
}

// RunsScheduler reports whether the mode drives the cron jobs.
func (c *Config) RunsScheduler() bool {
	return c.Mode == ModeFull || c.Mode == ModeScheduler
}

// RunsWorker reports whether the mode drains the price queue.
func (c *Config) RunsWorker() bool {
	return c.Mode == ModeFull || c.Mode == ModeWorker
}

// RunsServer reports whether the mode serves the operator API.
func (c *Config) RunsServer() bool {
	return c.Mode == ModeFull || c.Mode == ModeServer
}

// Validate checks every section and reports all problems at once.
func (c *Config) Validate() error {
	var errs []string
	add := func(format string, args ...any) {
		errs = append(errs, fmt.Sprintf(format, args...))
	}

	c.Mode = strings.ToLower(strings.TrimSpace(c.Mode))
	if !validModes[c.Mode] {
		add("unknown mode %q (valid: full, scheduler, worker, server)", c.Mode)
	}
	if !validLogLevels[strings.ToLower(c.LogLevel)] {
		add("unknown log_level %q (valid: debug, info, warn, error)", c.LogLevel)
	}

	if strings.TrimSpace(c.Postgres.DSN) == "" {
		if c.Postgres.Host == "" {
			add("postgres: host must not be empty (or set postgres.dsn)")
		}
		if c.Postgres.Port <= 0 || c.Postgres.Port > 65535 {
			add("postgres: port must be 1-65535, got %d", c.Postgres.Port)
		}
		if c.Postgres.Database == "" {
			add("postgres: database must not be empty")
		}
	}
	if c.Postgres.PoolMaxConns < 1 {
		add("postgres: pool_max_conns must be >= 1")
	}
	if c.Postgres.PoolMinConns < 0 || c.Postgres.PoolMinConns > c.Postgres.PoolMaxConns {
		add("postgres: pool_min_conns must be between 0 and pool_max_conns")
	}

	if c.Redis.Addr == "" {
		add("redis: addr must not be empty")
	}
	if c.Redis.PoolSize < 1 {
		add("redis: pool_size must be >= 1")
	}

	if c.Oracle.BaseURL == "" {
		add("oracle: base_url must not be empty")
	}
	if c.Oracle.RatePerSec <= 0 {
		add("oracle: rate_per_sec must be > 0")
	}

	if c.RunsScheduler() {
		if strings.TrimSpace(c.Scheduler.Spec) == "" {
			add("scheduler: spec must not be empty")
		} else if n := len(strings.Fields(c.Scheduler.Spec)); n != 6 && !strings.HasPrefix(c.Scheduler.Spec, "@") {
			add("scheduler: spec %q must have six fields (seconds first), got %d", c.Scheduler.Spec, n)
		}
		if c.Scheduler.JobTimeout.Duration <= 0 {
			add("scheduler: job_timeout must be > 0")
		}
	}

	if th, err := decimal.NewFromString(c.Sync.Threshold); err != nil || !th.IsPositive() {
		add("sync: threshold must be a positive decimal, got %q", c.Sync.Threshold)
	}

	if c.Queue.Name == "" {
		add("queue: name must not be empty")
	}
	if c.Queue.MaxAttempts < 1 {
		add("queue: max_attempts must be >= 1")
	}
	if c.RunsWorker() && c.Queue.WorkerConcurrency < 1 {
		add("queue: worker_concurrency must be >= 1")
	}

	if c.Settlement.ExternalWait.Duration < 0 {
		add("settlement: external_wait must not be negative")
	}

	if c.Relay.MaxBatch < 1 {
		add("relay: max_batch must be >= 1")
	}
	if c.Relay.FailureThreshold < 1 {
		add("relay: failure_threshold must be >= 1")
	}

	if c.Binder.Window.Duration <= 0 {
		add("binder: window must be > 0")
	}

	if c.RunsServer() {
		if c.Server.Port <= 0 || c.Server.Port > 65535 {
			add("server: port must be 1-65535, got %d", c.Server.Port)
		}
		if c.Server.APIKey == "" {
			add("server: api_key must be set (FACTORY_SERVER_API_KEY)")
		}
	}

	if (c.Notify.TelegramToken == "") != (c.Notify.TelegramChatID == "") {
		add("notify: telegram_token and telegram_chat_id must be set together")
	}

	if c.S3.Enabled && c.S3.Bucket == "" {
		add("s3: bucket must not be empty when enabled")
	}

	if len(errs) > 0 {
		return fmt.Errorf("config validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}
