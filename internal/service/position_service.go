// Package service exposes the engine's operations to external
// collaborators: the upstream decision service that opens positions and the
// reporting surfaces that read them.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/quantfold/ladderbot/internal/domain"
	"github.com/quantfold/ladderbot/internal/engine"
	"github.com/quantfold/ladderbot/internal/planner"
)

// PositionService opens, reports on, and cancels positions. All leg
// execution is delegated to the coordinator so the per-position lock
// discipline has a single owner.
type PositionService struct {
	store    domain.PositionStore
	audit    domain.AuditStore
	oracle   domain.PriceOracle
	coord    *engine.Coordinator
	entryCfg planner.EntryConfig
	retry    engine.RetryPolicy
	notifier engine.Notifier
	logger   *slog.Logger
}

// NewPositionService wires a PositionService. notifier may be nil.
func NewPositionService(
	store domain.PositionStore,
	audit domain.AuditStore,
	oracle domain.PriceOracle,
	coord *engine.Coordinator,
	entryCfg planner.EntryConfig,
	retry engine.RetryPolicy,
	notifier engine.Notifier,
	logger *slog.Logger,
) *PositionService {
	return &PositionService{
		store:    store,
		audit:    audit,
		oracle:   oracle,
		coord:    coord,
		entryCfg: entryCfg,
		retry:    retry,
		notifier: notifier,
		logger:   logger.With(slog.String("component", "position_service")),
	}
}

// CreatePosition turns an approved decision into a live position: it plans
// the entry ladder off the current price, persists the record, and executes
// entry 1 synchronously. If the initial buy cannot be completed even after
// retries the position is closed again and an error returned, so the caller
// never receives a position id with an ambiguous capital state.
func (s *PositionService) CreatePosition(ctx context.Context, decision domain.Decision) (domain.Position, error) {
	if err := decision.Validate(); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: %w", err)
	}

	refPrice, err := s.oracle.GetPrice(ctx, decision.Token)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: reference price for %s: %w", decision.Token.Key(), err)
	}

	entries, err := planner.PlanEntries(decision.AllocationNative, refPrice, s.entryCfg)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: plan entries: %w", err)
	}

	pos := domain.Position{
		ID:                    uuid.New().String(),
		Token:                 decision.Token,
		TotalAllocationNative: decision.AllocationNative,
		Entries:               entries,
		Status:                domain.PositionStatusActive,
		OpenedAt:              time.Now().UTC(),
	}

	if err := s.retry.Do(ctx, func() error { return s.store.Create(ctx, pos) }); err != nil {
		return domain.Position{}, fmt.Errorf("position_service: persist position: %w", err)
	}

	if auditErr := s.audit.Log(ctx, pos.ID, "position_opened", map[string]any{
		"decision_id":       decision.DecisionID,
		"token":             decision.Token.Key(),
		"ticker":            decision.Token.Ticker,
		"allocation_native": decision.AllocationNative,
		"reference_price":   refPrice,
		"entries":           len(entries),
		"source":            decision.Source,
	}); auditErr != nil {
		s.logger.WarnContext(ctx, "audit log failed",
			slog.String("position_id", pos.ID),
			slog.String("error", auditErr.Error()),
		)
	}

	// Entry 1 is the immediate buy; the monitor never fires it, so it must
	// land here or not at all. Retrying is only safe while no swap has
	// confirmed: once the buy landed, a repeat call would find the leg still
	// pending in the store and spend the capital a second time.
	execErr := s.retry.Do(ctx, func() error {
		err := s.coord.ExecuteEntry(ctx, pos.ID, 1)
		if errors.Is(err, domain.ErrFillUnrecorded) {
			return engine.Abort(err)
		}
		return err
	})
	if execErr != nil {
		reason := "initial_fill_failed"
		if errors.Is(execErr, domain.ErrFillUnrecorded) {
			// The buy confirmed but the record write did not. Closing keeps
			// later legs from firing off a record that understates the
			// holdings; the audit trail and tx ref drive reconciliation.
			reason = "unrecorded_fill"
		}
		s.logger.ErrorContext(ctx, "initial entry failed, unwinding position",
			slog.String("position_id", pos.ID),
			slog.String("reason", reason),
			slog.String("error", execErr.Error()),
		)
		if cancelErr := s.coord.CancelPosition(ctx, pos.ID, reason); cancelErr != nil {
			s.logger.ErrorContext(ctx, "unwind after failed initial entry also failed",
				slog.String("position_id", pos.ID),
				slog.String("error", cancelErr.Error()),
			)
		}
		return domain.Position{}, fmt.Errorf("position_service: initial entry for %s: %w", pos.ID, execErr)
	}

	created, err := s.store.GetByID(ctx, pos.ID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: reload position %s: %w", pos.ID, err)
	}

	s.notify(ctx, "position_opened", "Position opened",
		fmt.Sprintf("%s: %.4f native across %d entries, first fill at %.8f",
			decision.Token.Ticker, decision.AllocationNative, len(entries), created.AverageEntryPrice))

	s.logger.InfoContext(ctx, "position opened",
		slog.String("position_id", created.ID),
		slog.String("token", created.Token.Key()),
		slog.Float64("allocation_native", created.TotalAllocationNative),
		slog.Float64("avg_price", created.AverageEntryPrice),
	)
	return created, nil
}

// GetPositionStatus returns a point-in-time snapshot of one position.
func (s *PositionService) GetPositionStatus(ctx context.Context, positionID string) (domain.Position, error) {
	pos, err := s.store.GetByID(ctx, positionID)
	if err != nil {
		return domain.Position{}, fmt.Errorf("position_service: get %q: %w", positionID, err)
	}
	return pos, nil
}

// ListActive returns all positions the monitor is currently managing.
func (s *PositionService) ListActive(ctx context.Context) ([]domain.Position, error) {
	positions, err := s.store.ListActive(ctx)
	if err != nil {
		return nil, fmt.Errorf("position_service: list active: %w", err)
	}
	return positions, nil
}

// ListHistory returns positions newest-first with pagination.
func (s *PositionService) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	positions, err := s.store.ListHistory(ctx, opts)
	if err != nil {
		return nil, fmt.Errorf("position_service: list history: %w", err)
	}
	return positions, nil
}

// ListAudit returns the audit trail for one position.
func (s *PositionService) ListAudit(ctx context.Context, positionID string) ([]domain.AuditEntry, error) {
	entries, err := s.audit.ListByPosition(ctx, positionID)
	if err != nil {
		return nil, fmt.Errorf("position_service: audit for %q: %w", positionID, err)
	}
	return entries, nil
}

// ClosePosition is the manual override for operators. Nothing is sold; the
// position simply stops being evaluated.
func (s *PositionService) ClosePosition(ctx context.Context, positionID, reason string) error {
	if err := s.coord.CancelPosition(ctx, positionID, reason); err != nil {
		return fmt.Errorf("position_service: close %q: %w", positionID, err)
	}
	return nil
}

func (s *PositionService) notify(ctx context.Context, event, title, message string) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, event, title, message); err != nil {
		s.logger.WarnContext(ctx, "notification failed",
			slog.String("event", event),
			slog.String("error", err.Error()),
		)
	}
}
