package engine

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/quantfold/ladderbot/internal/domain"
	"github.com/quantfold/ladderbot/internal/metrics"
)

// Monitor is the recurring scheduler. Each cycle it loads every active
// position, resolves one price per distinct token, and dispatches any legs
// whose trigger condition the price satisfies. Positions are evaluated
// concurrently up to a bounded limit; legs of one position are serialized by
// the coordinator's per-position lock.
type Monitor struct {
	store  domain.PositionStore
	oracle domain.PriceOracle
	coord  *Coordinator
	retry  RetryPolicy

	interval      time.Duration
	maxConcurrent int64

	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewMonitor wires a Monitor. m may be nil.
func NewMonitor(
	store domain.PositionStore,
	oracle domain.PriceOracle,
	coord *Coordinator,
	interval time.Duration,
	maxConcurrent int,
	retry RetryPolicy,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Monitor {
	if interval <= 0 {
		interval = 3 * time.Minute
	}
	if maxConcurrent <= 0 {
		maxConcurrent = 8
	}
	return &Monitor{
		store:         store,
		oracle:        oracle,
		coord:         coord,
		retry:         retry,
		interval:      interval,
		maxConcurrent: int64(maxConcurrent),
		metrics:       m,
		logger:        logger.With(slog.String("component", "monitor")),
	}
}

// Run executes a cycle immediately, then on every tick until ctx is
// cancelled. A failed cycle is logged and retried on the next tick; it never
// stops the loop.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info("monitor started", slog.Duration("interval", m.interval))
	defer m.logger.Info("monitor stopped")

	ticker := time.NewTicker(m.interval)
	defer ticker.Stop()

	for {
		if err := m.Cycle(ctx); err != nil && !errors.Is(err, context.Canceled) {
			m.logger.ErrorContext(ctx, "monitor cycle failed", slog.String("error", err.Error()))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Cycle runs one full evaluation pass and blocks until every dispatched
// position evaluation has finished.
func (m *Monitor) Cycle(ctx context.Context) error {
	var positions []domain.Position
	err := m.retry.Do(ctx, func() error {
		var loadErr error
		positions, loadErr = m.store.ListActive(ctx)
		return loadErr
	})
	if err != nil {
		return err
	}
	if len(positions) == 0 {
		if m.metrics != nil {
			m.metrics.MonitorCycles.Inc()
			m.metrics.OpenPositions.Set(0)
		}
		return nil
	}

	prices := m.fetchPrices(ctx, positions)

	sem := semaphore.NewWeighted(m.maxConcurrent)
	g, gctx := errgroup.WithContext(ctx)

	var deployed float64
	for i := range positions {
		pos := positions[i]
		native, _ := pos.EntryTotals()
		deployed += native

		price, ok := prices[pos.Token.Key()]
		if !ok {
			// Oracle failed for this token; its positions sit out one cycle.
			continue
		}

		if err := sem.Acquire(gctx, 1); err != nil {
			break
		}
		g.Go(func() error {
			defer sem.Release(1)
			m.evaluatePosition(gctx, pos, price)
			return nil
		})
	}

	_ = g.Wait()

	if m.metrics != nil {
		m.metrics.MonitorCycles.Inc()
		m.metrics.OpenPositions.Set(float64(len(positions)))
		m.metrics.CapitalDeployed.Set(deployed)
	}
	return ctx.Err()
}

// fetchPrices resolves the current price once per distinct token. Tokens
// whose lookup fails are omitted; their positions are skipped this cycle and
// picked up again on the next one.
func (m *Monitor) fetchPrices(ctx context.Context, positions []domain.Position) map[string]float64 {
	prices := make(map[string]float64)
	seen := make(map[string]domain.TokenIdentity)
	for i := range positions {
		key := positions[i].Token.Key()
		if _, dup := seen[key]; !dup {
			seen[key] = positions[i].Token
		}
	}

	for key, token := range seen {
		price, err := m.oracle.GetPrice(ctx, token)
		if err != nil {
			if m.metrics != nil {
				m.metrics.PriceFetches.WithLabelValues("error").Inc()
			}
			m.logger.WarnContext(ctx, "price fetch failed, skipping token this cycle",
				slog.String("token", key),
				slog.String("error", err.Error()),
			)
			continue
		}
		if m.metrics != nil {
			m.metrics.PriceFetches.WithLabelValues("ok").Inc()
		}
		prices[key] = price
	}
	return prices
}

// evaluatePosition checks every pending leg of one position against the
// cycle price and dispatches those that trigger. The snapshot may be stale
// by the time a leg executes; the coordinator re-reads the record under the
// position lock, so a stale dispatch degrades to a safe no-op.
func (m *Monitor) evaluatePosition(ctx context.Context, pos domain.Position, price float64) {
	for i := range pos.Entries {
		e := &pos.Entries[i]
		// The immediate entry is executed synchronously at creation time and
		// is never the monitor's to fire.
		if e.Status != domain.LegStatusPending || e.Type != domain.EntryTypeDip {
			continue
		}
		if price > e.PlannedPrice {
			continue
		}
		if err := m.coord.ExecuteEntry(ctx, pos.ID, e.Number); err != nil {
			m.logLegError(ctx, pos.ID, "entry", e.Number, err)
		}
	}

	for i := range pos.Exits {
		x := &pos.Exits[i]
		if x.Status != domain.LegStatusPending {
			continue
		}
		if price < x.TargetPrice {
			continue
		}
		if err := m.coord.ExecuteExit(ctx, pos.ID, x.Number); err != nil {
			m.logLegError(ctx, pos.ID, "exit", x.Number, err)
			// A closed or locked position will reject every later stage
			// too; stop walking the ladder for this cycle.
			if errors.Is(err, domain.ErrPositionClosed) || errors.Is(err, domain.ErrLockHeld) {
				return
			}
		}
	}
}

func (m *Monitor) logLegError(ctx context.Context, positionID, kind string, number int, err error) {
	// Lock contention and already-executed legs are expected outcomes of
	// concurrent cycles, not faults.
	level := slog.LevelWarn
	if errors.Is(err, domain.ErrLockHeld) || errors.Is(err, domain.ErrLegNotPending) {
		level = slog.LevelDebug
	}
	m.logger.Log(ctx, level, "leg execution not applied",
		slog.String("position_id", positionID),
		slog.String("kind", kind),
		slog.Int("number", number),
		slog.String("error", err.Error()),
	)
}
