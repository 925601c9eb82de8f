// Package engine implements the position lifecycle core: the execution
// coordinator that fires individual legs and the recurring monitor that
// decides when they fire. All position mutations in the process go through
// the coordinator, under a per-position lock.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/quantfold/ladderbot/internal/domain"
	"github.com/quantfold/ladderbot/internal/metrics"
	"github.com/quantfold/ladderbot/internal/planner"
)

// Notifier is the optional outbound alert hook. Satisfied by notify.Notifier.
type Notifier interface {
	Notify(ctx context.Context, event, title, message string) error
}

// Coordinator executes entries and exits. Each call is one atomic unit of
// work: one swap attempt, one position write, one audit record. If the swap
// fails nothing is written, so a failed leg stays pending and is simply
// re-evaluated on a later cycle. The reverse failure, a confirmed swap whose
// position write could not land, surfaces as domain.ErrFillUnrecorded;
// callers must never re-fire such a leg, since the record still shows it
// pending while the capital already moved.
type Coordinator struct {
	store    domain.PositionStore
	swaps    domain.SwapExecutor
	audit    domain.AuditStore
	locks    domain.LockManager
	exitCfg  planner.ExitConfig
	retry    RetryPolicy
	lockTTL  time.Duration
	notifier Notifier
	metrics  *metrics.Metrics
	logger   *slog.Logger
}

// NewCoordinator wires a Coordinator. notifier and m may be nil.
func NewCoordinator(
	store domain.PositionStore,
	swaps domain.SwapExecutor,
	audit domain.AuditStore,
	locks domain.LockManager,
	exitCfg planner.ExitConfig,
	retry RetryPolicy,
	lockTTL time.Duration,
	notifier Notifier,
	m *metrics.Metrics,
	logger *slog.Logger,
) *Coordinator {
	if lockTTL <= 0 {
		lockTTL = 30 * time.Second
	}
	return &Coordinator{
		store:    store,
		swaps:    swaps,
		audit:    audit,
		locks:    locks,
		exitCfg:  exitCfg,
		retry:    retry,
		lockTTL:  lockTTL,
		notifier: notifier,
		metrics:  m,
		logger:   logger.With(slog.String("component", "coordinator")),
	}
}

func positionLockKey(id string) string {
	return "position:" + id
}

// ExecuteEntry fires entry entryNumber of the position. The leg must still
// be pending; an already-executed or unknown leg returns an error without
// touching anything, which makes double-dispatch from overlapping cycles
// harmless.
func (c *Coordinator) ExecuteEntry(ctx context.Context, positionID string, entryNumber int) error {
	unlock, err := c.locks.Acquire(ctx, positionLockKey(positionID), c.lockTTL)
	if err != nil {
		return fmt.Errorf("coordinator: lock position %s: %w", positionID, err)
	}
	defer unlock()

	pos, err := c.store.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("coordinator: load position %s: %w", positionID, err)
	}
	// Status is re-checked inside the critical section so a manual close
	// racing an in-flight trigger always wins.
	if pos.Status != domain.PositionStatusActive {
		return fmt.Errorf("coordinator: entry %d of %s: %w", entryNumber, positionID, domain.ErrPositionClosed)
	}

	entry := pos.Entry(entryNumber)
	if entry == nil {
		return fmt.Errorf("coordinator: entry %d of %s: %w", entryNumber, positionID, domain.ErrNotFound)
	}
	if entry.Status != domain.LegStatusPending {
		return fmt.Errorf("coordinator: entry %d of %s: %w", entryNumber, positionID, domain.ErrLegNotPending)
	}

	res, err := c.swaps.Swap(ctx, pos.Token, entry.AmountNative, domain.DirectionBuy)
	if err != nil {
		if c.metrics != nil {
			c.metrics.LegFailures.WithLabelValues("entry").Inc()
		}
		c.logger.WarnContext(ctx, "entry swap failed, leg stays pending",
			slog.String("position_id", positionID),
			slog.Int("entry", entryNumber),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("coordinator: entry %d swap: %w", entryNumber, err)
	}

	tokens := res.Quantity
	if tokens <= 0 {
		if res.FillPrice <= 0 {
			return fmt.Errorf("coordinator: entry %d of %s: swap result carries no fill data (tx %s)",
				entryNumber, positionID, res.TxRef)
		}
		tokens = entry.AmountNative / res.FillPrice
	}

	now := time.Now().UTC()
	entry.Status = domain.LegStatusExecuted
	entry.TokensBought = tokens
	entry.TxRef = res.TxRef
	entry.ExecutedAt = &now

	// Re-derive the aggregates over executed entries only, then re-target
	// every still-pending exit stage from the new average.
	native, bought := pos.EntryTotals()
	pos.AverageEntryPrice = native / bought
	pos.TotalQuantity = bought - pos.ExitedTokens()

	if len(pos.Exits) == 0 {
		exits, planErr := planner.PlanExits(pos.TotalQuantity, pos.AverageEntryPrice, c.exitCfg)
		if planErr != nil {
			return fmt.Errorf("coordinator: seed exits for %s: %w", positionID, planErr)
		}
		pos.Exits = exits
	} else {
		planner.RecomputeExits(pos.TotalQuantity, pos.AverageEntryPrice, pos.Exits)
	}

	if err := c.retry.Do(ctx, func() error { return c.store.Update(ctx, pos) }); err != nil {
		// Capital already moved; the tx ref in the log is the reconciliation
		// anchor. Callers must not re-fire this leg off the stale record.
		c.logger.ErrorContext(ctx, "entry swap confirmed but position write failed",
			slog.String("position_id", positionID),
			slog.Int("entry", entryNumber),
			slog.String("tx", res.TxRef),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("coordinator: persist entry %d of %s (tx %s): %w: %w",
			entryNumber, positionID, res.TxRef, domain.ErrFillUnrecorded, err)
	}

	c.auditLog(ctx, pos.ID, "entry_executed", map[string]any{
		"entry":         entryNumber,
		"entry_type":    string(entry.Type),
		"amount_native": entry.AmountNative,
		"fill_price":    res.FillPrice,
		"tokens":        tokens,
		"avg_price":     pos.AverageEntryPrice,
		"tx":            res.TxRef,
	})
	if c.metrics != nil {
		c.metrics.LegsExecuted.WithLabelValues("entry").Inc()
	}
	c.notify(ctx, "entry_executed", "Entry filled",
		fmt.Sprintf("%s entry %d/%d: %.6f %s at %.8f (tx %s)",
			pos.Token.Ticker, entryNumber, len(pos.Entries), tokens, pos.Token.Ticker, res.FillPrice, res.TxRef))

	c.logger.InfoContext(ctx, "entry executed",
		slog.String("position_id", pos.ID),
		slog.Int("entry", entryNumber),
		slog.Float64("fill_price", res.FillPrice),
		slog.Float64("tokens", tokens),
		slog.Float64("avg_price", pos.AverageEntryPrice),
	)
	return nil
}

// ExecuteExit fires exit stage exitNumber. Selling does not move the cost
// basis, so the average entry price stays put; pending stage quantities are
// re-walked in case the actual executed quantity diverged from plan. The
// final stage closes the position.
func (c *Coordinator) ExecuteExit(ctx context.Context, positionID string, exitNumber int) error {
	unlock, err := c.locks.Acquire(ctx, positionLockKey(positionID), c.lockTTL)
	if err != nil {
		return fmt.Errorf("coordinator: lock position %s: %w", positionID, err)
	}
	defer unlock()

	pos, err := c.store.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("coordinator: load position %s: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusActive {
		return fmt.Errorf("coordinator: exit %d of %s: %w", exitNumber, positionID, domain.ErrPositionClosed)
	}

	exit := pos.Exit(exitNumber)
	if exit == nil {
		return fmt.Errorf("coordinator: exit %d of %s: %w", exitNumber, positionID, domain.ErrNotFound)
	}
	if exit.Status != domain.LegStatusPending {
		return fmt.Errorf("coordinator: exit %d of %s: %w", exitNumber, positionID, domain.ErrLegNotPending)
	}

	// A non-final stage sells its planned quantity. The final stage always
	// liquidates whatever the position actually still holds, which may
	// differ from the planned walk when earlier stages never fired.
	sellAmount := exit.Tokens
	if exit.IsFinal {
		sellAmount = pos.TotalQuantity
	}

	res, err := c.swaps.Swap(ctx, pos.Token, sellAmount, domain.DirectionSell)
	if err != nil {
		if c.metrics != nil {
			c.metrics.LegFailures.WithLabelValues("exit").Inc()
		}
		c.logger.WarnContext(ctx, "exit swap failed, leg stays pending",
			slog.String("position_id", positionID),
			slog.Int("exit", exitNumber),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("coordinator: exit %d swap: %w", exitNumber, err)
	}

	sold := res.Quantity
	if sold <= 0 {
		sold = sellAmount
	}
	if sold > pos.TotalQuantity+quantityEpsilon {
		// Sold more than the record says we hold. The per-position lock
		// should make this impossible; fail closed and leave the record for
		// manual inspection.
		return fmt.Errorf("coordinator: exit %d of %s sold %.9f with only %.9f held",
			exitNumber, positionID, sold, pos.TotalQuantity)
	}

	now := time.Now().UTC()
	exit.Status = domain.LegStatusExecuted
	exit.Tokens = sold // record what actually left the position
	exit.TxRef = res.TxRef
	exit.ExecutedAt = &now

	pos.TotalQuantity -= sold
	if pos.TotalQuantity < quantityEpsilon {
		pos.TotalQuantity = 0
	}

	if exit.IsFinal {
		pos.Status = domain.PositionStatusClosed
		pos.ClosedReason = "final_exit"
		pos.ClosedAt = &now
	} else {
		// If the fill diverged from plan the later pending stages must be
		// re-walked over what actually remains. Target prices are untouched
		// in effect: the average entry price did not move.
		planner.RecomputeExits(pos.TotalQuantity, pos.AverageEntryPrice, pos.Exits)
	}

	if err := c.retry.Do(ctx, func() error { return c.store.Update(ctx, pos) }); err != nil {
		c.logger.ErrorContext(ctx, "exit swap confirmed but position write failed",
			slog.String("position_id", positionID),
			slog.Int("exit", exitNumber),
			slog.String("tx", res.TxRef),
			slog.String("error", err.Error()),
		)
		return fmt.Errorf("coordinator: persist exit %d of %s (tx %s): %w: %w",
			exitNumber, positionID, res.TxRef, domain.ErrFillUnrecorded, err)
	}

	c.auditLog(ctx, pos.ID, "exit_executed", map[string]any{
		"exit":       exitNumber,
		"gain_pct":   exit.GainPct,
		"fill_price": res.FillPrice,
		"tokens":     sold,
		"is_final":   exit.IsFinal,
		"remaining":  pos.TotalQuantity,
		"tx":         res.TxRef,
	})
	if c.metrics != nil {
		c.metrics.LegsExecuted.WithLabelValues("exit").Inc()
	}
	c.notify(ctx, "exit_executed", "Take-profit filled",
		fmt.Sprintf("%s exit %d/%d: sold %.6f at %.8f (tx %s)",
			pos.Token.Ticker, exitNumber, len(pos.Exits), sold, res.FillPrice, res.TxRef))

	if exit.IsFinal {
		c.auditLog(ctx, pos.ID, "position_closed", map[string]any{"reason": pos.ClosedReason})
		c.notify(ctx, "position_closed", "Position closed",
			fmt.Sprintf("%s fully exited after stage %d", pos.Token.Ticker, exitNumber))
	}

	c.logger.InfoContext(ctx, "exit executed",
		slog.String("position_id", pos.ID),
		slog.Int("exit", exitNumber),
		slog.Float64("fill_price", res.FillPrice),
		slog.Float64("tokens", sold),
		slog.Bool("final", exit.IsFinal),
	)
	return nil
}

// CancelPosition is the manual override: it marks the position closed
// without selling anything. Pending legs become inert because every execute
// path re-reads status under the lock.
func (c *Coordinator) CancelPosition(ctx context.Context, positionID, reason string) error {
	unlock, err := c.locks.Acquire(ctx, positionLockKey(positionID), c.lockTTL)
	if err != nil {
		return fmt.Errorf("coordinator: lock position %s: %w", positionID, err)
	}
	defer unlock()

	pos, err := c.store.GetByID(ctx, positionID)
	if err != nil {
		return fmt.Errorf("coordinator: load position %s: %w", positionID, err)
	}
	if pos.Status != domain.PositionStatusActive {
		return fmt.Errorf("coordinator: cancel %s: %w", positionID, domain.ErrPositionClosed)
	}

	now := time.Now().UTC()
	pos.Status = domain.PositionStatusClosed
	if reason == "" {
		reason = "manual_cancel"
	}
	pos.ClosedReason = reason
	pos.ClosedAt = &now

	if err := c.retry.Do(ctx, func() error { return c.store.Update(ctx, pos) }); err != nil {
		return fmt.Errorf("coordinator: persist cancel of %s: %w", positionID, err)
	}

	c.auditLog(ctx, pos.ID, "position_closed", map[string]any{"reason": reason})
	c.notify(ctx, "position_closed", "Position cancelled",
		fmt.Sprintf("%s closed manually: %s", pos.Token.Ticker, reason))
	return nil
}

// quantityEpsilon absorbs float dust when a sale empties the position.
const quantityEpsilon = 1e-9

func (c *Coordinator) auditLog(ctx context.Context, positionID, event string, detail map[string]any) {
	if err := c.audit.Log(ctx, positionID, event, detail); err != nil {
		c.logger.WarnContext(ctx, "audit log failed",
			slog.String("position_id", positionID),
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}

func (c *Coordinator) notify(ctx context.Context, event, title, message string) {
	if c.notifier == nil {
		return
	}
	if err := c.notifier.Notify(ctx, event, title, message); err != nil {
		c.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
