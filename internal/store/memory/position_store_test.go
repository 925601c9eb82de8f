package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/ladderbot/internal/domain"
)

func newTestPosition(id string, openedAt time.Time) domain.Position {
	return domain.Position{
		ID:                    id,
		Token:                 domain.TokenIdentity{Chain: "solana", Contract: "So1" + id, Ticker: "TST"},
		TotalAllocationNative: 3.0,
		Status:                domain.PositionStatusActive,
		Entries: []domain.Entry{
			{Number: 1, Type: domain.EntryTypeImmediate, PlannedPrice: 1.0, AmountNative: 1.0, Status: domain.LegStatusPending},
			{Number: 2, Type: domain.EntryTypeDip, DipPct: 30, PlannedPrice: 0.7, AmountNative: 2.0, Status: domain.LegStatusPending},
		},
		Exits: []domain.Exit{
			{Number: 1, GainPct: 100, TargetPrice: 2.0, Fraction: 0.3, Status: domain.LegStatusPending},
		},
		OpenedAt: openedAt,
	}
}

func TestPositionStore_CreateAndGet(t *testing.T) {
	ctx := context.Background()
	store := NewPositionStore()

	pos := newTestPosition("pos-1", time.Now().UTC())
	pos.Version = 99 // stored version must still start at 1
	require.NoError(t, store.Create(ctx, pos))

	got, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.Version)
	assert.Len(t, got.Entries, 2)

	err = store.Create(ctx, pos)
	assert.ErrorIs(t, err, domain.ErrAlreadyExists)

	_, err = store.GetByID(ctx, "missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_UpdateVersionConflict(t *testing.T) {
	ctx := context.Background()
	store := NewPositionStore()

	require.NoError(t, store.Create(ctx, newTestPosition("pos-1", time.Now().UTC())))

	first, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	second, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)

	first.Entries[0].Status = domain.LegStatusExecuted
	require.NoError(t, store.Update(ctx, first))

	// The second reader still carries version 1; its write must lose.
	second.ClosedReason = "stale write"
	err = store.Update(ctx, second)
	assert.ErrorIs(t, err, domain.ErrVersionConflict)

	got, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, domain.LegStatusExecuted, got.Entries[0].Status)
	assert.Empty(t, got.ClosedReason)

	err = store.Update(ctx, newTestPosition("missing", time.Now().UTC()))
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestPositionStore_ReadsAreCopies(t *testing.T) {
	ctx := context.Background()
	store := NewPositionStore()

	require.NoError(t, store.Create(ctx, newTestPosition("pos-1", time.Now().UTC())))

	got, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	got.Entries[0].Status = domain.LegStatusExecuted

	fresh, err := store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.LegStatusPending, fresh.Entries[0].Status)
}

func TestPositionStore_Listings(t *testing.T) {
	ctx := context.Background()
	store := NewPositionStore()

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	for i, id := range []string{"pos-a", "pos-b", "pos-c"} {
		require.NoError(t, store.Create(ctx, newTestPosition(id, base.Add(time.Duration(i)*time.Hour))))
	}

	// Close pos-b an hour after the others stay active.
	closed, err := store.GetByID(ctx, "pos-b")
	require.NoError(t, err)
	closedAt := base.Add(48 * time.Hour)
	closed.Status = domain.PositionStatusClosed
	closed.ClosedReason = "manual_cancel"
	closed.ClosedAt = &closedAt
	require.NoError(t, store.Update(ctx, closed))

	active, err := store.ListActive(ctx)
	require.NoError(t, err)
	require.Len(t, active, 2)
	assert.Equal(t, "pos-a", active[0].ID)
	assert.Equal(t, "pos-c", active[1].ID)

	old, err := store.ListClosedBefore(ctx, base.Add(72*time.Hour))
	require.NoError(t, err)
	require.Len(t, old, 1)
	assert.Equal(t, "pos-b", old[0].ID)

	none, err := store.ListClosedBefore(ctx, base)
	require.NoError(t, err)
	assert.Empty(t, none)

	history, err := store.ListHistory(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, history, 3)
	assert.Equal(t, "pos-c", history[0].ID)

	page, err := store.ListHistory(ctx, domain.ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	require.Len(t, page, 1)
	assert.Equal(t, "pos-b", page[0].ID)

	since := base.Add(30 * time.Minute)
	recent, err := store.ListHistory(ctx, domain.ListOpts{Since: &since})
	require.NoError(t, err)
	assert.Len(t, recent, 2)
}

func TestAuditStore_LogAndList(t *testing.T) {
	ctx := context.Background()
	store := NewAuditStore()

	require.NoError(t, store.Log(ctx, "pos-1", "position_opened", map[string]any{"allocation": 3.0}))
	require.NoError(t, store.Log(ctx, "pos-1", "entry_executed", map[string]any{"entry": 1}))
	require.NoError(t, store.Log(ctx, "pos-2", "position_opened", nil))

	byPos, err := store.ListByPosition(ctx, "pos-1")
	require.NoError(t, err)
	require.Len(t, byPos, 2)
	assert.Equal(t, "position_opened", byPos[0].Event)
	assert.Equal(t, "entry_executed", byPos[1].Event)

	all, err := store.List(ctx, domain.ListOpts{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "pos-2", all[0].PositionID)

	limited, err := store.List(ctx, domain.ListOpts{Limit: 2})
	require.NoError(t, err)
	assert.Len(t, limited, 2)
}
