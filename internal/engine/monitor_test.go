package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/ladderbot/internal/domain"
)

func newTestMonitor(rig *testRig, oracle *fakeOracle) *Monitor {
	return NewMonitor(
		rig.store, oracle, rig.coord,
		time.Minute, 4,
		RetryPolicy{MaxAttempts: 1},
		nil,
		discardLogger(),
	)
}

func TestMonitorCycle(t *testing.T) {
	ctx := context.Background()

	t.Run("dip entry fires only at or below its planned price", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))

		oracle := newFakeOracle()
		mon := newTestMonitor(rig, oracle)

		// Above the 7.0 trigger: nothing may fire.
		oracle.prices[testToken.Key()] = 7.01
		require.NoError(t, mon.Cycle(ctx))
		pos, _ := rig.store.GetByID(ctx, "pos-1")
		assert.Equal(t, domain.LegStatusPending, pos.Entry(2).Status)

		// At the trigger: entry 2 fills.
		rig.swap.FillPrice = 7
		oracle.prices[testToken.Key()] = 7.0
		require.NoError(t, mon.Cycle(ctx))
		pos, _ = rig.store.GetByID(ctx, "pos-1")
		assert.Equal(t, domain.LegStatusExecuted, pos.Entry(2).Status)
		assert.Equal(t, domain.LegStatusPending, pos.Entry(3).Status, "4.0 trigger not reached")
	})

	t.Run("immediate entry is never the monitor's to fire", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")

		oracle := newFakeOracle()
		oracle.prices[testToken.Key()] = 4 // below every trigger
		mon := newTestMonitor(rig, oracle)

		require.NoError(t, mon.Cycle(ctx))
		pos, _ := rig.store.GetByID(ctx, "pos-1")
		assert.Equal(t, domain.LegStatusPending, pos.Entry(1).Status)
		// Dips 2 and 3 do fire at price 4.
		assert.Equal(t, domain.LegStatusExecuted, pos.Entry(2).Status)
		assert.Equal(t, domain.LegStatusExecuted, pos.Entry(3).Status)
	})

	t.Run("exit fires only at or above its target", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1)) // target 20 for stage 1

		oracle := newFakeOracle()
		mon := newTestMonitor(rig, oracle)

		oracle.prices[testToken.Key()] = 19.99
		require.NoError(t, mon.Cycle(ctx))
		pos, _ := rig.store.GetByID(ctx, "pos-1")
		assert.Equal(t, domain.LegStatusPending, pos.Exits[0].Status)

		rig.swap.FillPrice = 20
		oracle.prices[testToken.Key()] = 20
		require.NoError(t, mon.Cycle(ctx))
		pos, _ = rig.store.GetByID(ctx, "pos-1")
		assert.Equal(t, domain.LegStatusExecuted, pos.Exits[0].Status)
		assert.Equal(t, domain.LegStatusPending, pos.Exits[1].Status)
	})

	t.Run("one price fetch per distinct token per cycle", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		rig.seedPosition(t, "pos-2") // same token

		oracle := newFakeOracle()
		oracle.prices[testToken.Key()] = 9
		mon := newTestMonitor(rig, oracle)

		require.NoError(t, mon.Cycle(ctx))
		assert.Equal(t, 1, oracle.calls[testToken.Key()])
	})

	t.Run("oracle failure skips the token but not the cycle", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))

		other := domain.TokenIdentity{Chain: "solana", Contract: "Other111", Ticker: "OTHR"}
		pos2 := rig.seedPosition(t, "pos-2")
		pos2.Token = other
		pos2.Version = 1
		require.NoError(t, rig.store.Update(ctx, pos2))

		oracle := newFakeOracle()
		oracle.errs[testToken.Key()] = errors.New("oracle down")
		oracle.prices[other.Key()] = 5 // triggers dips for pos-2
		rig.swap.FillPrice = 5

		mon := newTestMonitor(rig, oracle)
		require.NoError(t, mon.Cycle(ctx))

		p1, _ := rig.store.GetByID(ctx, "pos-1")
		assert.Equal(t, domain.LegStatusPending, p1.Entry(2).Status, "failed token sat out")

		p2, _ := rig.store.GetByID(ctx, "pos-2")
		assert.Equal(t, domain.LegStatusExecuted, p2.Entry(2).Status, "healthy token still processed")
	})

	t.Run("manually closed position is skipped inside the critical section", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))
		require.NoError(t, rig.coord.CancelPosition(ctx, "pos-1", "test"))

		oracle := newFakeOracle()
		oracle.prices[testToken.Key()] = 100 // would trigger several exits
		mon := newTestMonitor(rig, oracle)

		swapsBefore := rig.swap.callCount()
		require.NoError(t, mon.Cycle(ctx))
		assert.Equal(t, swapsBefore, rig.swap.callCount(), "closed position must not trade")
	})

	t.Run("ladder can walk several stages in one cycle", func(t *testing.T) {
		rig := newTestRig(t)
		rig.seedPosition(t, "pos-1")
		require.NoError(t, rig.coord.ExecuteEntry(ctx, "pos-1", 1))

		oracle := newFakeOracle()
		oracle.prices[testToken.Key()] = 35 // stage 1 (20) and stage 2 (30)
		rig.swap.FillPrice = 35
		mon := newTestMonitor(rig, oracle)

		require.NoError(t, mon.Cycle(ctx))
		pos, _ := rig.store.GetByID(ctx, "pos-1")
		assert.Equal(t, domain.LegStatusExecuted, pos.Exits[0].Status)
		assert.Equal(t, domain.LegStatusExecuted, pos.Exits[1].Status)
		assert.Equal(t, domain.LegStatusPending, pos.Exits[2].Status)
		assert.Equal(t, 2, pos.ExecutedExits())
	})
}

func TestKeyMutex(t *testing.T) {
	ctx := context.Background()
	km := NewKeyMutex()

	unlock, err := km.Acquire(ctx, "position:a", time.Minute)
	require.NoError(t, err)

	_, err = km.Acquire(ctx, "position:a", time.Minute)
	require.ErrorIs(t, err, domain.ErrLockHeld)

	// Different key is independent.
	unlockB, err := km.Acquire(ctx, "position:b", time.Minute)
	require.NoError(t, err)
	unlockB()

	unlock()
	unlock() // second release is a no-op

	_, err = km.Acquire(ctx, "position:a", time.Minute)
	require.NoError(t, err)
}

func TestRetryPolicy(t *testing.T) {
	ctx := context.Background()

	t.Run("retries until success", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}
		attempts := 0
		err := p.Do(ctx, func() error {
			attempts++
			if attempts < 3 {
				return errors.New("transient")
			}
			return nil
		})
		require.NoError(t, err)
		assert.Equal(t, 3, attempts)
	})

	t.Run("returns the last error when exhausted", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 2, BaseDelay: time.Millisecond}
		sentinel := errors.New("still down")
		attempts := 0
		err := p.Do(ctx, func() error {
			attempts++
			return sentinel
		})
		require.ErrorIs(t, err, sentinel)
		assert.Equal(t, 2, attempts)
	})

	t.Run("an aborted error stops immediately and unwraps", func(t *testing.T) {
		p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
		sentinel := errors.New("not idempotent")
		attempts := 0
		err := p.Do(ctx, func() error {
			attempts++
			return Abort(sentinel)
		})
		require.ErrorIs(t, err, sentinel)
		assert.Equal(t, 1, attempts)
	})

	t.Run("stops when the context is cancelled", func(t *testing.T) {
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		p := RetryPolicy{MaxAttempts: 5, BaseDelay: time.Millisecond}
		err := p.Do(cctx, func() error { return errors.New("transient") })
		require.ErrorIs(t, err, context.Canceled)
	})
}
