// Package app wires configuration into the running engine and owns the
// process lifecycle for the monitor, the status API, and the supporting
// loops.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/quantfold/ladderbot/internal/config"
	"github.com/quantfold/ladderbot/internal/feed"
)

// App is the assembled application.
type App struct {
	cfg     *config.Config
	deps    *Dependencies
	cleanup func()
	logger  *slog.Logger
}

// New wires the application from configuration.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*App, error) {
	deps, cleanup, err := Wire(ctx, cfg, logger)
	if err != nil {
		return nil, err
	}
	return &App{
		cfg:     cfg,
		deps:    deps,
		cleanup: cleanup,
		logger:  logger.With(slog.String("component", "app")),
	}, nil
}

// Run starts the subsystems selected by the configured mode and blocks until
// ctx is cancelled or a subsystem fails.
func (a *App) Run(ctx context.Context) error {
	mode := strings.ToLower(a.cfg.Mode)
	a.logger.Info("starting",
		slog.String("mode", mode),
		slog.String("execution", strings.ToLower(a.cfg.Execution)),
	)

	g, ctx := errgroup.WithContext(ctx)

	if mode == "monitor" || mode == "full" {
		g.Go(func() error { return a.deps.Monitor.Run(ctx) })

		if a.cfg.Feed.Enabled {
			g.Go(func() error { return a.runFeed(ctx) })
		}
		if a.deps.Archiver != nil {
			g.Go(func() error { return a.runArchiver(ctx) })
		}
	}

	if mode == "serve" || mode == "full" {
		if a.deps.Server == nil {
			return fmt.Errorf("app: mode %q requires server.enabled", mode)
		}
		g.Go(func() error { return a.deps.Server.Start() })
		g.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			return a.deps.Server.Shutdown(shutdownCtx)
		})
	}

	err := g.Wait()
	if err != nil && ctx.Err() == nil {
		return fmt.Errorf("app: subsystem failed: %w", err)
	}
	return nil
}

// runFeed streams quotes for the tokens of currently active positions into
// the price cache. Positions opened after startup are picked up by the
// polling oracle until the next restart.
func (a *App) runFeed(ctx context.Context) error {
	if a.deps.Cache == nil {
		a.logger.Warn("feed enabled but no price cache configured, skipping")
		<-ctx.Done()
		return nil
	}

	tokens, err := activeTokens(ctx, a.deps.Store)
	if err != nil {
		return fmt.Errorf("app: listing feed tokens: %w", err)
	}

	f := feed.NewPriceFeed(a.cfg.Feed.WsURL, tokens, a.deps.Cache, a.logger)
	return f.Run(ctx)
}

// runArchiver periodically moves closed positions and old audit entries past
// the retention window into object storage.
func (a *App) runArchiver(ctx context.Context) error {
	retention := time.Duration(a.cfg.Archive.RetentionDays) * 24 * time.Hour

	ticker := time.NewTicker(a.cfg.Archive.Interval.Duration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			cutoff := time.Now().UTC().Add(-retention)

			if _, err := a.deps.Archiver.ArchivePositions(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "position archive failed", slog.String("error", err.Error()))
			}
			if _, err := a.deps.Archiver.ArchiveAudit(ctx, cutoff); err != nil {
				a.logger.ErrorContext(ctx, "audit archive failed", slog.String("error", err.Error()))
			}
		}
	}
}

// Close releases all resources in reverse construction order.
func (a *App) Close() {
	a.logger.Info("shutting down")
	a.cleanup()
}
