package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/ladderbot/internal/domain"
	"github.com/quantfold/ladderbot/internal/store/memory"
)

// brokenUpdateStore rejects every Update; reads pass through.
type brokenUpdateStore struct {
	*memory.PositionStore
}

func (s *brokenUpdateStore) Update(context.Context, domain.Position) error {
	return errors.New("store unavailable")
}

func TestExecuteEntry(t *testing.T) {
	ctx := context.Background()

	t.Run("first fill seeds exits from the fill", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")

		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))

		pos, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)

		entry := pos.Entry(1)
		assert.Equal(t, domain.LegStatusExecuted, entry.Status)
		assert.InDelta(t, 30, entry.TokensBought, 1e-9) // 300 native at price 10
		assert.NotEmpty(t, entry.TxRef)
		assert.NotNil(t, entry.ExecutedAt)

		assert.InDelta(t, 30, pos.TotalQuantity, 1e-9)
		assert.InDelta(t, 10, pos.AverageEntryPrice, 1e-9)
		assert.Equal(t, domain.StagePartiallyFilled, pos.Stage())

		require.Len(t, pos.Exits, 7)
		assert.InDelta(t, 20, pos.Exits[0].TargetPrice, 1e-9)
		assert.InDelta(t, 9, pos.Exits[0].Tokens, 1e-9)
	})

	t.Run("dip fill recomputes average and retargets pending exits", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))

		rig.swap.FillPrice = 7
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 2))

		pos, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)

		wantQty := 30 + 300.0/7
		assert.InDelta(t, wantQty, pos.TotalQuantity, 1e-9)
		assert.InDelta(t, 600/wantQty, pos.AverageEntryPrice, 1e-9) // ~8.235

		assert.InDelta(t, 16.47, pos.Exits[0].TargetPrice, 0.005)
		assert.InDelta(t, 0.30*wantQty, pos.Exits[0].Tokens, 1e-9)
	})

	t.Run("weighted average matches sum(native)/sum(tokens)", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")

		fills := []float64{10, 7, 4}
		for i, price := range fills {
			rig.swap.FillPrice = price
			require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", i+1))
		}

		pos, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)

		var native, tokens float64
		for _, e := range pos.Entries {
			native += e.AmountNative
			tokens += e.TokensBought
		}
		assert.InDelta(t, native/tokens, pos.AverageEntryPrice, 1e-12)
		assert.Equal(t, domain.StageExiting, pos.Stage())
	})

	t.Run("second call on an executed leg is a no-op", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))

		before, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)
		swapsBefore := rig.swap.callCount()

		err = rig.coord.ExecuteEntry(ctx, "pos-1", 1)
		require.ErrorIs(t, err, domain.ErrLegNotPending)

		after, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)
		assert.Equal(t, before.Version, after.Version, "no write may happen")
		assert.Equal(t, swapsBefore, rig.swap.callCount(), "no duplicate swap")
	})

	t.Run("swap failure leaves the leg pending and the record untouched", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")

		before, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)

		rig.swap.Err = errors.New("venue timeout")
		err = rig.coord.ExecuteEntry(ctx, "pos-1", 1)
		require.Error(t, err)

		after, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)
		assert.Equal(t, domain.LegStatusPending, after.Entry(1).Status)
		assert.Equal(t, before.Version, after.Version)
		assert.Zero(t, after.TotalQuantity)
		assert.Empty(t, after.Exits)
	})

	t.Run("persist failure after a confirmed swap reports an unrecorded fill", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")

		broken := &brokenUpdateStore{PositionStore: rig.store}
		coord := NewCoordinator(broken, rig.swap, rig.audit, NewKeyMutex(),
			testExitConfig(), RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond},
			time.Minute, nil, nil, discardLogger())

		err := coord.ExecuteEntry(ctx, "pos-1", 1)
		require.ErrorIs(t, err, domain.ErrFillUnrecorded)
		assert.Equal(t, 1, rig.swap.callCount(), "the swap must have fired exactly once")

		// The stale record still shows the leg pending; the sentinel is what
		// keeps callers from firing it again.
		after, getErr := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, getErr)
		assert.Equal(t, domain.LegStatusPending, after.Entry(1).Status)
	})

	t.Run("unknown leg and closed position are rejected", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")

		err := rig.coord.ExecuteEntry(ctx, "pos-1", 99)
		require.ErrorIs(t, err, domain.ErrNotFound)

		require.NoError(t, rig.coord.CancelPosition(ctx, "pos-1", "test"))
		err = rig.coord.ExecuteEntry(ctx, "pos-1", 1)
		require.ErrorIs(t, err, domain.ErrPositionClosed)
	})

	t.Run("writes audit entries for fills", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))

		entries, err := rig.audit.ListByPosition(ctx, "pos-1")
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.Equal(t, "entry_executed", entries[0].Event)
	})
}

func TestExecuteExit(t *testing.T) {
	ctx := context.Background()

	// fills entry 1 so the position holds 30 tokens at average 10.
	setup := func(t *testing.T) *testRig {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))
		return rig
	}

	t.Run("stage sale decrements quantity and keeps the average", func(t *testing.T) {
		rig := setup(t)
		rig.swap.FillPrice = 20

		require.NoError(t, rig.coord.ExecuteExit(ctx, "pos-1", 1))

		pos, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)

		assert.Equal(t, domain.LegStatusExecuted, pos.Exits[0].Status)
		assert.InDelta(t, 9, pos.Exits[0].Tokens, 1e-9)
		assert.InDelta(t, 21, pos.TotalQuantity, 1e-9)
		assert.InDelta(t, 10, pos.AverageEntryPrice, 1e-9, "cost basis must not move on a sale")
		assert.Equal(t, domain.PositionStatusActive, pos.Status)

		// Stage 2 re-walked over the 21 that remain.
		assert.InDelta(t, 0.30*21, pos.Exits[1].Tokens, 1e-9)
	})

	t.Run("final stage liquidates the full remainder and closes", func(t *testing.T) {
		rig := setup(t)
		rig.swap.FillPrice = 110

		require.NoError(t, rig.coord.ExecuteExit(ctx, "pos-1", 7))

		pos, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)
		assert.Equal(t, domain.PositionStatusClosed, pos.Status)
		assert.Equal(t, "final_exit", pos.ClosedReason)
		assert.NotNil(t, pos.ClosedAt)
		assert.Zero(t, pos.TotalQuantity)
		assert.InDelta(t, 30, pos.Exits[6].Tokens, 1e-9, "final stage sells everything held")
		assert.Equal(t, domain.StageClosed, pos.Stage())
	})

	t.Run("exit on executed stage is a no-op", func(t *testing.T) {
		rig := setup(t)
		rig.swap.FillPrice = 20
		require.NoError(t, rig.coord.ExecuteExit(ctx, "pos-1", 1))

		swapsBefore := rig.swap.callCount()
		err := rig.coord.ExecuteExit(ctx, "pos-1", 1)
		require.ErrorIs(t, err, domain.ErrLegNotPending)
		assert.Equal(t, swapsBefore, rig.swap.callCount())
	})

	t.Run("swap failure leaves the stage pending", func(t *testing.T) {
		rig := setup(t)
		before, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)

		rig.swap.Err = errors.New("slippage exceeded")
		err = rig.coord.ExecuteExit(ctx, "pos-1", 1)
		require.Error(t, err)

		after, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)
		assert.Equal(t, domain.LegStatusPending, after.Exits[0].Status)
		assert.Equal(t, before.Version, after.Version)
		assert.InDelta(t, 30, after.TotalQuantity, 1e-9)
	})

	t.Run("dip entry after a partial exit still averages correctly", func(t *testing.T) {
		rig := setup(t)

		// Take profit at stage 1, then catch the dip with entry 2.
		rig.swap.FillPrice = 20
		require.NoError(t, rig.coord.ExecuteExit(ctx, "pos-1", 1))
		rig.swap.FillPrice = 7
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 2))

		pos, err := rig.store.GetByID(ctx, "pos-1")
		require.NoError(t, err)

		bought := 30 + 300.0/7
		assert.InDelta(t, 600/bought, pos.AverageEntryPrice, 1e-9)
		assert.InDelta(t, bought-9, pos.TotalQuantity, 1e-9)

		// The executed stage keeps its quantity; pending stages walk the
		// current holding.
		assert.InDelta(t, 9, pos.Exits[0].Tokens, 1e-9)
		assert.InDelta(t, 0.30*(bought-9), pos.Exits[1].Tokens, 1e-9)
	})
}

func TestCancelPosition(t *testing.T) {
	ctx := context.Background()

	rig := newTestRig(t)
	rig.seedPosition(t, "pos-1")

	require.NoError(t, rig.coord.CancelPosition(ctx, "pos-1", "operator override"))

	pos, err := rig.store.GetByID(ctx, "pos-1")
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, pos.Status)
	assert.Equal(t, "operator override", pos.ClosedReason)

	err = rig.coord.CancelPosition(ctx, "pos-1", "again")
	require.ErrorIs(t, err, domain.ErrPositionClosed)
}
