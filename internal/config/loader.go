package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/joho/godotenv"
)

const envPrefix = "FACTORY_"

// Load builds the configuration from defaults, the TOML file at path (if
// path is not empty), a .env file in the working directory (if present) and
// FACTORY_* variables, in that order. Unknown TOML keys are an error. The
// result is not validated.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path != "" {
		md, err := toml.DecodeFile(path, &cfg)
		if err != nil {
			return nil, fmt.Errorf("config: decode %s: %w", path, err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			keys := make([]string, 0, len(undecoded))
			for _, k := range undecoded {
				keys = append(keys, k.String())
			}
			return nil, fmt.Errorf("config: unknown keys in %s: %s", path, strings.Join(keys, ", "))
		}
	}

	_ = godotenv.Load()

	if err := applyEnvOverrides(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// envReader applies FACTORY_* variables and remembers the first malformed one.
type envReader struct {
	err error
}

func (r *envReader) lookup(key string) (string, bool) {
	v, ok := os.LookupEnv(envPrefix + key)
	v = strings.TrimSpace(v)
	return v, ok && v != ""
}

func (r *envReader) fail(key, v string, err error) {
	if r.err == nil {
		r.err = fmt.Errorf("config: %s%s=%q: %w", envPrefix, key, v, err)
	}
}

func (r *envReader) str(dst *string, key string) {
	if v, ok := r.lookup(key); ok {
		*dst = v
	}
}

func (r *envReader) integer(dst *int, key string) {
	if v, ok := r.lookup(key); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = n
	}
}

func (r *envReader) float(dst *float64, key string) {
	if v, ok := r.lookup(key); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = f
	}
}

func (r *envReader) boolean(dst *bool, key string) {
	if v, ok := r.lookup(key); ok {
		b, err := strconv.ParseBool(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		*dst = b
	}
}

func (r *envReader) duration(dst *Duration, key string) {
	if v, ok := r.lookup(key); ok {
		d, err := time.ParseDuration(v)
		if err != nil {
			r.fail(key, v, err)
			return
		}
		dst.Duration = d
	}
}

func (r *envReader) list(dst *[]string, key string) {
	if v, ok := r.lookup(key); ok {
		var out []string
		for _, p := range strings.Split(v, ",") {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		*dst = out
	}
}

func applyEnvOverrides(cfg *Config) error {
	r := &envReader{}

	r.str(&cfg.Postgres.DSN, "POSTGRES_DSN")
	r.str(&cfg.Postgres.DSN, "DATABASE_URL")
	r.str(&cfg.Postgres.Host, "POSTGRES_HOST")
	r.integer(&cfg.Postgres.Port, "POSTGRES_PORT")
	r.str(&cfg.Postgres.Database, "POSTGRES_DATABASE")
	r.str(&cfg.Postgres.User, "POSTGRES_USER")
	r.str(&cfg.Postgres.Password, "POSTGRES_PASSWORD")
	r.str(&cfg.Postgres.SSLMode, "POSTGRES_SSL_MODE")
	r.integer(&cfg.Postgres.PoolMaxConns, "POSTGRES_POOL_MAX_CONNS")
	r.integer(&cfg.Postgres.PoolMinConns, "POSTGRES_POOL_MIN_CONNS")
	r.boolean(&cfg.Postgres.RunMigrations, "POSTGRES_RUN_MIGRATIONS")

	r.str(&cfg.Redis.Addr, "REDIS_ADDR")
	r.str(&cfg.Redis.Password, "REDIS_PASSWORD")
	r.integer(&cfg.Redis.DB, "REDIS_DB")
	r.integer(&cfg.Redis.PoolSize, "REDIS_POOL_SIZE")
	r.boolean(&cfg.Redis.TLSEnabled, "REDIS_TLS_ENABLED")
	r.duration(&cfg.Redis.PriceTTL, "REDIS_PRICE_TTL")
	r.duration(&cfg.Redis.InstrumentTTL, "REDIS_INSTRUMENT_TTL")

	r.str(&cfg.Oracle.BaseURL, "ORACLE_BASE_URL")
	r.duration(&cfg.Oracle.Timeout, "ORACLE_TIMEOUT")
	r.float(&cfg.Oracle.RatePerSec, "ORACLE_RATE_PER_SEC")
	r.integer(&cfg.Oracle.MaxRetries, "ORACLE_MAX_RETRIES")

	r.str(&cfg.Scheduler.Spec, "SCHEDULER_SPEC")
	r.duration(&cfg.Scheduler.JobTimeout, "SCHEDULER_JOB_TIMEOUT")
	r.boolean(&cfg.Scheduler.FailOpen, "SCHEDULER_FAIL_OPEN")
	r.boolean(&cfg.Scheduler.UseLease, "SCHEDULER_USE_LEASE")

	r.str(&cfg.Sync.Threshold, "SYNC_THRESHOLD")
	r.integer(&cfg.Sync.BatchLimit, "SYNC_BATCH_LIMIT")
	r.integer(&cfg.Sync.Concurrency, "SYNC_CONCURRENCY")

	r.integer(&cfg.Queue.MaxAttempts, "QUEUE_MAX_ATTEMPTS")
	r.duration(&cfg.Queue.Backoff, "QUEUE_BACKOFF")
	r.integer(&cfg.Queue.WorkerConcurrency, "QUEUE_WORKER_CONCURRENCY")
	r.float(&cfg.Queue.WorkerRatePerSec, "QUEUE_WORKER_RATE_PER_SEC")

	r.duration(&cfg.Settlement.ExternalWait, "SETTLEMENT_EXTERNAL_WAIT")
	r.integer(&cfg.Settlement.BatchLimit, "SETTLEMENT_BATCH_LIMIT")

	r.duration(&cfg.Relay.Buffer, "RELAY_BUFFER")
	r.integer(&cfg.Relay.MaxBatch, "RELAY_MAX_BATCH")
	r.boolean(&cfg.Relay.AlignToPeriod, "RELAY_ALIGN_TO_PERIOD")
	r.boolean(&cfg.Relay.SyncOnBind, "RELAY_SYNC_ON_BIND")
	r.duration(&cfg.Relay.MaxUnboundAge, "RELAY_MAX_UNBOUND_AGE")

	r.duration(&cfg.Binder.Window, "BINDER_WINDOW")
	r.duration(&cfg.Binder.RefreshInterval, "BINDER_REFRESH_INTERVAL")
	r.list(&cfg.Binder.FifteenMinuteSeries, "BINDER_FIFTEEN_MINUTE_SERIES")

	r.integer(&cfg.Server.Port, "SERVER_PORT")
	r.str(&cfg.Server.APIKey, "SERVER_API_KEY")
	r.list(&cfg.Server.CORSOrigins, "SERVER_CORS_ORIGINS")
	r.integer(&cfg.Server.RateLimit, "SERVER_RATE_LIMIT")

	r.str(&cfg.Notify.TelegramToken, "NOTIFY_TELEGRAM_TOKEN")
	r.str(&cfg.Notify.TelegramChatID, "NOTIFY_TELEGRAM_CHAT_ID")
	r.str(&cfg.Notify.DiscordWebhookURL, "NOTIFY_DISCORD_WEBHOOK_URL")
	r.list(&cfg.Notify.Events, "NOTIFY_EVENTS")

	r.boolean(&cfg.S3.Enabled, "S3_ENABLED")
	r.str(&cfg.S3.Endpoint, "S3_ENDPOINT")
	r.str(&cfg.S3.Region, "S3_REGION")
	r.str(&cfg.S3.Bucket, "S3_BUCKET")
	r.str(&cfg.S3.AccessKey, "S3_ACCESS_KEY")
	r.str(&cfg.S3.SecretKey, "S3_SECRET_KEY")
	r.str(&cfg.S3.Prefix, "S3_PREFIX")

	r.boolean(&cfg.Metrics.Enabled, "METRICS_ENABLED")

	r.str(&cfg.Mode, "MODE")
	r.str(&cfg.LogLevel, "LOG_LEVEL")

	return r.err
}
