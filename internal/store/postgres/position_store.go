package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/quantfold/ladderbot/internal/domain"
)

// PositionStore persists positions with their entry and exit legs. Every
// write replaces the whole record inside one transaction, so a reader never
// observes a position whose legs disagree with its totals.
type PositionStore struct {
	client *Client
}

// NewPositionStore returns a store backed by the given client.
func NewPositionStore(client *Client) *PositionStore {
	return &PositionStore{client: client}
}

const positionColumns = `id, chain, contract, ticker, allocation_native, total_quantity,
	avg_entry_price, status, closed_reason, version, opened_at, closed_at`

// Create inserts a new position and its planned legs. The stored version is
// always 1 regardless of what the caller set.
func (s *PositionStore) Create(ctx context.Context, pos domain.Position) error {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("position_store: begin create: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	_, err = tx.Exec(ctx, `
		INSERT INTO positions (id, chain, contract, ticker, allocation_native, total_quantity,
			avg_entry_price, status, closed_reason, version, opened_at, closed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, 1, $10, $11)`,
		pos.ID, pos.Token.Chain, pos.Token.Contract, pos.Token.Ticker,
		pos.TotalAllocationNative, pos.TotalQuantity, pos.AverageEntryPrice,
		string(pos.Status), pos.ClosedReason, pos.OpenedAt, pos.ClosedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return fmt.Errorf("position_store: create %s: %w", pos.ID, domain.ErrAlreadyExists)
		}
		return fmt.Errorf("position_store: insert position %s: %w", pos.ID, err)
	}

	if err := insertLegs(ctx, tx, pos); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("position_store: commit create %s: %w", pos.ID, err)
	}
	return nil
}

// Update replaces the whole position record if pos.Version matches the
// stored version, then increments it. A stale version yields
// domain.ErrVersionConflict and nothing is written.
func (s *PositionStore) Update(ctx context.Context, pos domain.Position) error {
	tx, err := s.client.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("position_store: begin update: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		UPDATE positions
		SET chain = $2, contract = $3, ticker = $4, allocation_native = $5,
			total_quantity = $6, avg_entry_price = $7, status = $8,
			closed_reason = $9, version = version + 1, closed_at = $10
		WHERE id = $1 AND version = $11`,
		pos.ID, pos.Token.Chain, pos.Token.Contract, pos.Token.Ticker,
		pos.TotalAllocationNative, pos.TotalQuantity, pos.AverageEntryPrice,
		string(pos.Status), pos.ClosedReason, pos.ClosedAt, pos.Version,
	)
	if err != nil {
		return fmt.Errorf("position_store: update position %s: %w", pos.ID, err)
	}
	if tag.RowsAffected() == 0 {
		// Either the row is gone or someone wrote in between.
		var exists bool
		if err := tx.QueryRow(ctx,
			"SELECT EXISTS(SELECT 1 FROM positions WHERE id = $1)", pos.ID).Scan(&exists); err != nil {
			return fmt.Errorf("position_store: update check %s: %w", pos.ID, err)
		}
		if !exists {
			return fmt.Errorf("position_store: update %s: %w", pos.ID, domain.ErrNotFound)
		}
		return fmt.Errorf("position_store: update %s: %w", pos.ID, domain.ErrVersionConflict)
	}

	if _, err := tx.Exec(ctx, "DELETE FROM position_entries WHERE position_id = $1", pos.ID); err != nil {
		return fmt.Errorf("position_store: clear entries for %s: %w", pos.ID, err)
	}
	if _, err := tx.Exec(ctx, "DELETE FROM position_exits WHERE position_id = $1", pos.ID); err != nil {
		return fmt.Errorf("position_store: clear exits for %s: %w", pos.ID, err)
	}
	if err := insertLegs(ctx, tx, pos); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("position_store: commit update %s: %w", pos.ID, err)
	}
	return nil
}

func insertLegs(ctx context.Context, tx pgx.Tx, pos domain.Position) error {
	for _, e := range pos.Entries {
		_, err := tx.Exec(ctx, `
			INSERT INTO position_entries (position_id, entry_number, entry_type, dip_pct,
				planned_price, amount_native, status, tokens_bought, tx_ref, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			pos.ID, e.Number, string(e.Type), e.DipPct, e.PlannedPrice,
			e.AmountNative, string(e.Status), e.TokensBought, e.TxRef, e.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("position_store: insert entry %d for %s: %w", e.Number, pos.ID, err)
		}
	}
	for _, x := range pos.Exits {
		_, err := tx.Exec(ctx, `
			INSERT INTO position_exits (position_id, exit_number, gain_pct, target_price,
				fraction, is_final, tokens, status, tx_ref, executed_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
			pos.ID, x.Number, x.GainPct, x.TargetPrice, x.Fraction,
			x.IsFinal, x.Tokens, string(x.Status), x.TxRef, x.ExecutedAt,
		)
		if err != nil {
			return fmt.Errorf("position_store: insert exit %d for %s: %w", x.Number, pos.ID, err)
		}
	}
	return nil
}

// GetByID loads one position with all of its legs.
func (s *PositionStore) GetByID(ctx context.Context, id string) (domain.Position, error) {
	row := s.client.pool.QueryRow(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE id = $1", id)
	pos, err := scanPosition(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return domain.Position{}, fmt.Errorf("position_store: get %s: %w", id, domain.ErrNotFound)
		}
		return domain.Position{}, fmt.Errorf("position_store: get %s: %w", id, err)
	}
	if err := s.loadLegs(ctx, &pos); err != nil {
		return domain.Position{}, err
	}
	return pos, nil
}

// ListActive returns every position the monitor should evaluate.
func (s *PositionStore) ListActive(ctx context.Context) ([]domain.Position, error) {
	return s.list(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE status = $1 ORDER BY opened_at",
		string(domain.PositionStatusActive))
}

// ListClosedBefore returns closed positions whose close time is older than
// the cutoff. Used by the archiver.
func (s *PositionStore) ListClosedBefore(ctx context.Context, before time.Time) ([]domain.Position, error) {
	return s.list(ctx,
		"SELECT "+positionColumns+" FROM positions WHERE status = $1 AND closed_at < $2 ORDER BY closed_at",
		string(domain.PositionStatusClosed), before)
}

// ListHistory returns positions newest-first with pagination.
func (s *PositionStore) ListHistory(ctx context.Context, opts domain.ListOpts) ([]domain.Position, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 50
	}
	query := "SELECT " + positionColumns + " FROM positions"
	args := []any{}
	where := ""
	if opts.Since != nil {
		args = append(args, *opts.Since)
		where = fmt.Sprintf(" WHERE opened_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		clause := fmt.Sprintf("opened_at < $%d", len(args))
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	args = append(args, limit, opts.Offset)
	query += where + fmt.Sprintf(" ORDER BY opened_at DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.list(ctx, query, args...)
}

func (s *PositionStore) list(ctx context.Context, query string, args ...any) ([]domain.Position, error) {
	rows, err := s.client.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("position_store: list: %w", err)
	}
	defer rows.Close()

	var positions []domain.Position
	for rows.Next() {
		pos, err := scanPosition(rows)
		if err != nil {
			return nil, fmt.Errorf("position_store: scan: %w", err)
		}
		positions = append(positions, pos)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("position_store: list rows: %w", err)
	}
	for i := range positions {
		if err := s.loadLegs(ctx, &positions[i]); err != nil {
			return nil, err
		}
	}
	return positions, nil
}

func (s *PositionStore) loadLegs(ctx context.Context, pos *domain.Position) error {
	rows, err := s.client.pool.Query(ctx, `
		SELECT entry_number, entry_type, dip_pct, planned_price, amount_native,
			status, tokens_bought, tx_ref, executed_at
		FROM position_entries WHERE position_id = $1 ORDER BY entry_number`, pos.ID)
	if err != nil {
		return fmt.Errorf("position_store: load entries for %s: %w", pos.ID, err)
	}
	defer rows.Close()
	for rows.Next() {
		var e domain.Entry
		var entryType, status string
		if err := rows.Scan(&e.Number, &entryType, &e.DipPct, &e.PlannedPrice,
			&e.AmountNative, &status, &e.TokensBought, &e.TxRef, &e.ExecutedAt); err != nil {
			return fmt.Errorf("position_store: scan entry for %s: %w", pos.ID, err)
		}
		e.Type = domain.EntryType(entryType)
		e.Status = domain.LegStatus(status)
		pos.Entries = append(pos.Entries, e)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("position_store: entry rows for %s: %w", pos.ID, err)
	}
	rows.Close()

	exitRows, err := s.client.pool.Query(ctx, `
		SELECT exit_number, gain_pct, target_price, fraction, is_final,
			tokens, status, tx_ref, executed_at
		FROM position_exits WHERE position_id = $1 ORDER BY exit_number`, pos.ID)
	if err != nil {
		return fmt.Errorf("position_store: load exits for %s: %w", pos.ID, err)
	}
	defer exitRows.Close()
	for exitRows.Next() {
		var x domain.Exit
		var status string
		if err := exitRows.Scan(&x.Number, &x.GainPct, &x.TargetPrice, &x.Fraction,
			&x.IsFinal, &x.Tokens, &status, &x.TxRef, &x.ExecutedAt); err != nil {
			return fmt.Errorf("position_store: scan exit for %s: %w", pos.ID, err)
		}
		x.Status = domain.LegStatus(status)
		pos.Exits = append(pos.Exits, x)
	}
	if err := exitRows.Err(); err != nil {
		return fmt.Errorf("position_store: exit rows for %s: %w", pos.ID, err)
	}
	return nil
}

func scanPosition(row pgx.Row) (domain.Position, error) {
	var pos domain.Position
	var status string
	err := row.Scan(&pos.ID, &pos.Token.Chain, &pos.Token.Contract, &pos.Token.Ticker,
		&pos.TotalAllocationNative, &pos.TotalQuantity, &pos.AverageEntryPrice,
		&status, &pos.ClosedReason, &pos.Version, &pos.OpenedAt, &pos.ClosedAt)
	if err != nil {
		return domain.Position{}, err
	}
	pos.Status = domain.PositionStatus(status)
	return pos, nil
}
