package app

import (
	"context"
	"fmt"
	"log/slog"

	s3blob "github.com/alanyoungcy/marketfactory/internal/blob/s3"
	"github.com/alanyoungcy/marketfactory/internal/cache/redis"
	"github.com/alanyoungcy/marketfactory/internal/config"
	"github.com/alanyoungcy/marketfactory/internal/domain"
	"github.com/alanyoungcy/marketfactory/internal/metrics"
	"github.com/alanyoungcy/marketfactory/internal/notify"
	"github.com/alanyoungcy/marketfactory/internal/platform/oracle"
	"github.com/alanyoungcy/marketfactory/internal/server/handler"
	"github.com/alanyoungcy/marketfactory/internal/store/postgres"
)

// Dependencies bundles the infrastructure the modes need. It is built by
// Wire and torn down by the returned cleanup function.
type Dependencies struct {
	// Durable store
	TemplateStore   domain.TemplateStore
	MarketStore     domain.MarketStore
	SettlementStore domain.SettlementStore
	AuditStore      domain.AuditStore

	// State store
	StateStore      domain.StateStore
	PriceCache      domain.PriceCache
	InstrumentCache domain.InstrumentCache
	Lease           domain.Lease
	PriceQueue      *redis.PriceQueue
	EventBus        domain.EventBus
	RateLimiter     domain.RateLimiter

	// External reference
	Source domain.ReferenceSource

	// Settlement report archive; nil when s3 is disabled.
	Archive domain.ReportArchive

	Notifier *notify.Notifier
	Metrics  *metrics.Metrics

	// Health probes keyed by dependency name.
	Checks map[string]handler.Pinger
}

// Wire constructs the concrete dependencies from cfg and returns them with a
// cleanup function that releases them in reverse order.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps := &Dependencies{Checks: make(map[string]handler.Pinger)}

	// --- PostgreSQL ---
	pgClient, err := postgres.New(ctx, postgres.ClientConfig{
		DSN:      cfg.Postgres.DSN,
		Host:     cfg.Postgres.Host,
		Port:     cfg.Postgres.Port,
		Database: cfg.Postgres.Database,
		User:     cfg.Postgres.User,
		Password: cfg.Postgres.Password,
		SSLMode:  cfg.Postgres.SSLMode,
		MaxConns: cfg.Postgres.PoolMaxConns,
		MinConns: cfg.Postgres.PoolMinConns,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: postgres: %w", err)
	}
	closers = append(closers, pgClient.Close)
	deps.Checks["postgres"] = pgClient

	if cfg.Postgres.RunMigrations {
		if err := pgClient.RunMigrations(ctx); err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: postgres migrations: %w", err)
		}
	}

	pool := pgClient.Pool()
	deps.TemplateStore = postgres.NewTemplateStore(pool)
	deps.MarketStore = postgres.NewMarketStore(pool)
	deps.SettlementStore = postgres.NewSettlementStore(pool)
	deps.AuditStore = postgres.NewAuditStore(pool)

	// --- Redis ---
	redisClient, err := redis.New(ctx, redis.ClientConfig{
		Addr:       cfg.Redis.Addr,
		Password:   cfg.Redis.Password,
		DB:         cfg.Redis.DB,
		PoolSize:   cfg.Redis.PoolSize,
		MaxRetries: cfg.Redis.MaxRetries,
		TLSEnabled: cfg.Redis.TLSEnabled,
	})
	if err != nil {
		cleanup()
		return nil, nil, fmt.Errorf("wire: redis: %w", err)
	}
	closers = append(closers, func() { _ = redisClient.Close() })
	deps.Checks["redis"] = redisClient

	deps.StateStore = redis.NewStateStore(redisClient)
	deps.PriceCache = redis.NewPriceCache(redisClient, cfg.Redis.PriceTTL.Duration)
	deps.InstrumentCache = redis.NewInstrumentCache(redisClient, cfg.Redis.InstrumentTTL.Duration)
	deps.EventBus = redis.NewEventBus(redisClient)
	deps.RateLimiter = redis.NewRateLimiter(redisClient)
	if cfg.Scheduler.UseLease {
		deps.Lease = redis.NewLease(redisClient)
	}
	deps.PriceQueue = redis.NewPriceQueue(redis.NewWorkQueue(redisClient, redis.QueueConfig{
		Name:        cfg.Queue.Name,
		Group:       cfg.Queue.Group,
		MaxAttempts: cfg.Queue.MaxAttempts,
		Backoff:     cfg.Queue.Backoff.Duration,
		ClaimIdle:   cfg.Queue.ClaimIdle.Duration,
	}))

	// --- External reference ---
	deps.Source = oracle.NewClient(oracle.ClientConfig{
		BaseURL:    cfg.Oracle.BaseURL,
		Timeout:    cfg.Oracle.Timeout.Duration,
		RatePerSec: cfg.Oracle.RatePerSec,
		Burst:      cfg.Oracle.Burst,
		MaxRetries: cfg.Oracle.MaxRetries,
		RetryWait:  cfg.Oracle.RetryWait.Duration,
	}, logger)

	// --- S3 settlement archive ---
	if cfg.S3.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.Config{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
			Prefix:         cfg.S3.Prefix,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("wire: s3: %w", err)
		}
		deps.Archive = s3blob.NewArchive(s3Client)
	}

	// --- Notifications ---
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegram(cfg.Notify.TelegramAPI, cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscord(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, notify.Options{
		Events:   cfg.Notify.Events,
		Cooldown: cfg.Notify.Cooldown.Duration,
	}, logger)

	if cfg.Metrics.Enabled {
		deps.Metrics = metrics.New()
	}

	return deps, cleanup, nil
}
