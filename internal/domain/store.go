package domain

import (
	"context"
	"time"
)

// ListOpts provides pagination and time filtering for list queries.
type ListOpts struct {
	Limit  int
	Offset int
	Since  *time.Time
	Until  *time.Time
}

// PositionStore is the durable owner of Position records, including their
// entries and exits. Update must write the whole record atomically and
// reject writes carrying a stale Version with ErrVersionConflict; a partial
// write of a position is never acceptable.
type PositionStore interface {
	Create(ctx context.Context, pos Position) error
	Update(ctx context.Context, pos Position) error
	GetByID(ctx context.Context, id string) (Position, error)
	ListActive(ctx context.Context) ([]Position, error)
	ListClosedBefore(ctx context.Context, before time.Time) ([]Position, error)
	ListHistory(ctx context.Context, opts ListOpts) ([]Position, error)
}

// AuditEntry is a single append-only execution/audit record.
type AuditEntry struct {
	ID         int64
	PositionID string
	Event      string
	Detail     map[string]any
	CreatedAt  time.Time
}

// AuditStore persists the append-only audit trail. One row per executed leg,
// position open, and position close.
type AuditStore interface {
	Log(ctx context.Context, positionID, event string, detail map[string]any) error
	List(ctx context.Context, opts ListOpts) ([]AuditEntry, error)
	ListByPosition(ctx context.Context, positionID string) ([]AuditEntry, error)
}
