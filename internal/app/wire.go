package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/prometheus/client_golang/prometheus"

	s3blob "github.com/quantfold/ladderbot/internal/blob/s3"
	"github.com/quantfold/ladderbot/internal/cache/redis"
	"github.com/quantfold/ladderbot/internal/config"
	"github.com/quantfold/ladderbot/internal/crypto"
	"github.com/quantfold/ladderbot/internal/domain"
	"github.com/quantfold/ladderbot/internal/engine"
	"github.com/quantfold/ladderbot/internal/exchange"
	"github.com/quantfold/ladderbot/internal/metrics"
	"github.com/quantfold/ladderbot/internal/notify"
	"github.com/quantfold/ladderbot/internal/oracle"
	"github.com/quantfold/ladderbot/internal/planner"
	"github.com/quantfold/ladderbot/internal/server"
	"github.com/quantfold/ladderbot/internal/server/handler"
	"github.com/quantfold/ladderbot/internal/service"
	"github.com/quantfold/ladderbot/internal/store/memory"
	"github.com/quantfold/ladderbot/internal/store/postgres"
)

// Dependencies is everything the run modes operate on.
type Dependencies struct {
	Store domain.PositionStore
	Audit domain.AuditStore

	// Cache is nil when Redis is not configured.
	Cache domain.PriceCache

	Oracle domain.PriceOracle
	Swaps  domain.SwapExecutor
	Locks  domain.LockManager

	Metrics  *metrics.Metrics
	Notifier *notify.Notifier

	Coordinator *engine.Coordinator
	Monitor     *engine.Monitor
	Service     *service.PositionService

	// Server is nil unless the status API is enabled.
	Server *server.Server

	// Archiver is nil unless archiving is enabled.
	Archiver *s3blob.Archiver
}

// Wire builds the dependency graph from the configuration. The returned
// cleanup function closes everything in reverse construction order and is
// safe to call even when Wire returns an error.
func Wire(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Dependencies, func(), error) {
	deps := &Dependencies{}

	var closers []func()
	cleanup := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}

	deps.Metrics = metrics.New(prometheus.DefaultRegisterer)

	// Stores. No database configured means the in-memory store: fine for
	// paper trading, useless for anything durable.
	if cfg.Database.DSN != "" || cfg.Database.Host != "" {
		pgClient, err := postgres.New(ctx, postgres.ClientConfig{
			DSN:      cfg.Database.DSN,
			Host:     cfg.Database.Host,
			Port:     cfg.Database.Port,
			Database: cfg.Database.Database,
			User:     cfg.Database.User,
			Password: cfg.Database.Password,
			SSLMode:  cfg.Database.SSLMode,
			MaxConns: cfg.Database.PoolMaxConns,
			MinConns: cfg.Database.PoolMinConns,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: postgres: %w", err)
		}
		closers = append(closers, pgClient.Close)

		if cfg.Database.RunMigrations {
			if err := pgClient.RunMigrations(ctx); err != nil {
				cleanup()
				return nil, nil, fmt.Errorf("app: migrations: %w", err)
			}
		}
		deps.Store = postgres.NewPositionStore(pgClient)
		deps.Audit = postgres.NewAuditStore(pgClient)
	} else {
		logger.Warn("no database configured, using in-memory stores")
		deps.Store = memory.NewPositionStore()
		deps.Audit = memory.NewAuditStore()
	}

	// Redis backs both the distributed lock and the price cache. Without it
	// the engine still runs, single-instance, on an in-process lock.
	if cfg.Redis.Addr != "" {
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
			return nil, nil, fmt.Errorf("app: redis: %w", err)
		}
		closers = append(closers, func() { _ = redisClient.Close() })

		deps.Locks = redis.NewLockManager(redisClient)
		deps.Cache = redis.NewPriceCache(redisClient)
	} else {
		logger.Warn("no redis configured, using in-process locks and no price cache")
		deps.Locks = engine.NewKeyMutex()
	}

	// Price oracle, cache-first when a cache exists.
	httpOracle := oracle.NewHTTPOracle(cfg.Oracle.BaseURL)
	deps.Oracle = httpOracle
	if deps.Cache != nil {
		deps.Oracle = oracle.NewCachedOracle(httpOracle, deps.Cache, cfg.Oracle.CacheMaxAge.Duration)
	}

	// Swap path.
	switch strings.ToLower(cfg.Execution) {
	case "live":
		key, err := crypto.LoadKey(crypto.KeyConfig{
			RawPrivateKey:    cfg.Wallet.PrivateKey,
			EncryptedKeyPath: cfg.Wallet.EncryptedKeyPath,
			KeyPassword:      cfg.Wallet.KeyPassword,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: wallet key: %w", err)
		}
		signer, err := crypto.NewSigner(key)
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: signer: %w", err)
		}
		deps.Swaps = exchange.NewRelayerClient(cfg.Relayer.BaseURL, signer, cfg.Relayer.Timeout.Duration)
		logger.Info("live execution enabled", slog.String("wallet", signer.Address().Hex()))
	default:
		deps.Swaps = exchange.NewPaperExecutor(deps.Oracle, logger)
		logger.Info("paper execution enabled, swaps are simulated")
	}

	// Notifications.
	var senders []notify.Sender
	if cfg.Notify.TelegramToken != "" && cfg.Notify.TelegramChatID != "" {
		senders = append(senders, notify.NewTelegramSender(cfg.Notify.TelegramToken, cfg.Notify.TelegramChatID))
	}
	if cfg.Notify.DiscordWebhookURL != "" {
		senders = append(senders, notify.NewDiscordSender(cfg.Notify.DiscordWebhookURL))
	}
	deps.Notifier = notify.NewNotifier(senders, cfg.Notify.Events, logger)

	retry := engine.RetryPolicy{
		MaxAttempts: cfg.Engine.RetryMaxAttempts,
		BaseDelay:   cfg.Engine.RetryBaseDelay.Duration,
		MaxDelay:    cfg.Engine.RetryMaxDelay.Duration,
	}
	exitCfg := planner.ExitConfig{
		Stages:        cfg.Engine.ExitStages,
		StageFraction: cfg.Engine.ExitStageFraction,
		FinalGainPct:  cfg.Engine.ExitFinalGainPct,
	}
	entryCfg := planner.EntryConfig{
		Count:     cfg.Engine.EntryCount,
		Discounts: cfg.Engine.EntryDiscounts,
	}

	deps.Coordinator = engine.NewCoordinator(
		deps.Store, deps.Swaps, deps.Audit, deps.Locks,
		exitCfg, retry, cfg.Engine.LockTTL.Duration,
		deps.Notifier, deps.Metrics, logger,
	)
	deps.Monitor = engine.NewMonitor(
		deps.Store, deps.Oracle, deps.Coordinator,
		cfg.Engine.Interval.Duration, cfg.Engine.MaxConcurrent,
		retry, deps.Metrics, logger,
	)
	deps.Service = service.NewPositionService(
		deps.Store, deps.Audit, deps.Oracle, deps.Coordinator,
		entryCfg, retry, deps.Notifier, logger,
	)

	// Cold storage.
	if cfg.Archive.Enabled {
		s3Client, err := s3blob.New(ctx, s3blob.ClientConfig{
			Endpoint:       cfg.S3.Endpoint,
			Region:         cfg.S3.Region,
			Bucket:         cfg.S3.Bucket,
			AccessKey:      cfg.S3.AccessKey,
			SecretKey:      cfg.S3.SecretKey,
			UseSSL:         cfg.S3.UseSSL,
			ForcePathStyle: cfg.S3.ForcePathStyle,
		})
		if err != nil {
			cleanup()
			return nil, nil, fmt.Errorf("app: s3: %w", err)
		}
		deps.Archiver = s3blob.NewArchiver(s3blob.NewWriter(s3Client), deps.Store, deps.Audit, logger)
	}

	// Status API.
	if cfg.Server.Enabled {
		deps.Server = server.NewServer(
			server.Config{Port: cfg.Server.Port},
			server.Handlers{
				Health:    handler.NewHealthHandler(logger),
				Positions: handler.NewPositionHandler(deps.Service, logger),
			},
			prometheus.DefaultGatherer,
			logger,
		)
	}

	return deps, cleanup, nil
}

// activeTokens collects the distinct tokens of currently active positions,
// used to seed the streaming feed subscription.
func activeTokens(ctx context.Context, store domain.PositionStore) ([]domain.TokenIdentity, error) {
	positions, err := store.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]bool, len(positions))
	var tokens []domain.TokenIdentity
	for i := range positions {
		key := positions[i].Token.Key()
		if !seen[key] {
			seen[key] = true
			tokens = append(tokens, positions[i].Token)
		}
	}
	return tokens, nil
}
