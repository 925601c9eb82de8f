package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/quantfold/ladderbot/internal/domain"
)

// AuditStore is the append-only execution log backed by the audit_log table.
type AuditStore struct {
	client *Client
}

// NewAuditStore returns an audit store backed by the given client.
func NewAuditStore(client *Client) *AuditStore {
	return &AuditStore{client: client}
}

// Log appends one audit record. Detail is stored as JSONB.
func (s *AuditStore) Log(ctx context.Context, positionID, event string, detail map[string]any) error {
	var payload []byte
	if detail != nil {
		var err error
		payload, err = json.Marshal(detail)
		if err != nil {
			return fmt.Errorf("audit_store: marshal detail for %s: %w", event, err)
		}
	}
	_, err := s.client.pool.Exec(ctx,
		"INSERT INTO audit_log (position_id, event, detail) VALUES ($1, $2, $3)",
		positionID, event, payload)
	if err != nil {
		return fmt.Errorf("audit_store: log %s: %w", event, err)
	}
	return nil
}

// List returns audit records newest-first with pagination.
func (s *AuditStore) List(ctx context.Context, opts domain.ListOpts) ([]domain.AuditEntry, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}
	query := "SELECT id, position_id, event, detail, created_at FROM audit_log"
	args := []any{}
	where := ""
	if opts.Since != nil {
		args = append(args, *opts.Since)
		where = fmt.Sprintf(" WHERE created_at >= $%d", len(args))
	}
	if opts.Until != nil {
		args = append(args, *opts.Until)
		clause := fmt.Sprintf("created_at < $%d", len(args))
		if where == "" {
			where = " WHERE " + clause
		} else {
			where += " AND " + clause
		}
	}
	args = append(args, limit, opts.Offset)
	query += where + fmt.Sprintf(" ORDER BY created_at DESC, id DESC LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	return s.query(ctx, query, args...)
}

// ListByPosition returns the full trail for one position in insertion order.
func (s *AuditStore) ListByPosition(ctx context.Context, positionID string) ([]domain.AuditEntry, error) {
	return s.query(ctx,
		"SELECT id, position_id, event, detail, created_at FROM audit_log WHERE position_id = $1 ORDER BY id",
		positionID)
}

func (s *AuditStore) query(ctx context.Context, query string, args ...any) ([]domain.AuditEntry, error) {
	rows, err := s.client.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("audit_store: query: %w", err)
	}
	defer rows.Close()

	var entries []domain.AuditEntry
	for rows.Next() {
		var entry domain.AuditEntry
		var payload []byte
		if err := rows.Scan(&entry.ID, &entry.PositionID, &entry.Event, &payload, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("audit_store: scan: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &entry.Detail); err != nil {
				return nil, fmt.Errorf("audit_store: decode detail for %d: %w", entry.ID, err)
			}
		}
		entries = append(entries, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("audit_store: rows: %w", err)
	}
	return entries, nil
}
