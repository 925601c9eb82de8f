package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/ladderbot/internal/domain"
	"github.com/quantfold/ladderbot/internal/engine"
	"github.com/quantfold/ladderbot/internal/planner"
	"github.com/quantfold/ladderbot/internal/store/memory"
)

var testToken = domain.TokenIdentity{Chain: "solana", Contract: "So1test111", Ticker: "TEST"}

type stubOracle struct {
	price float64
	err   error
}

func (o *stubOracle) GetPrice(context.Context, domain.TokenIdentity) (float64, error) {
	return o.price, o.err
}

type stubSwap struct {
	mu    sync.Mutex
	price float64
	err   error
	calls int
}

func (s *stubSwap) Swap(_ context.Context, _ domain.TokenIdentity, amount float64, direction domain.TradeDirection) (domain.SwapResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return domain.SwapResult{}, s.err
	}
	s.calls++
	qty := amount
	if direction == domain.DirectionBuy {
		qty = amount / s.price
	}
	return domain.SwapResult{TxRef: fmt.Sprintf("tx-%d", s.calls), FillPrice: s.price, Quantity: qty}, nil
}

// flakyStore fails the first failures calls to Update, then behaves like the
// embedded memory store.
type flakyStore struct {
	*memory.PositionStore
	mu       sync.Mutex
	failures int
}

func (s *flakyStore) Update(ctx context.Context, pos domain.Position) error {
	s.mu.Lock()
	fail := s.failures > 0
	if fail {
		s.failures--
	}
	s.mu.Unlock()
	if fail {
		return errors.New("store unavailable")
	}
	return s.PositionStore.Update(ctx, pos)
}

func newTestService(t *testing.T, oracle *stubOracle, swap *stubSwap) (*PositionService, *memory.PositionStore, *memory.AuditStore) {
	t.Helper()

	store := memory.NewPositionStore()
	audit := memory.NewAuditStore()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	retry := engine.RetryPolicy{MaxAttempts: 1}

	exitCfg := planner.ExitConfig{Stages: []float64{100, 200, 300}, StageFraction: 0.30, FinalGainPct: 500}
	coord := engine.NewCoordinator(store, swap, audit, engine.NewKeyMutex(), exitCfg, retry, time.Minute, nil, nil, logger)

	entryCfg := planner.EntryConfig{Count: 3, Discounts: []float64{0, 30, 60}}
	svc := NewPositionService(store, audit, oracle, coord, entryCfg, retry, nil, logger)
	return svc, store, audit
}

func TestCreatePosition(t *testing.T) {
	ctx := context.Background()

	t.Run("plans the ladder and fills entry 1 before returning", func(t *testing.T) {
		oracle := &stubOracle{price: 10}
		swap := &stubSwap{price: 10}
		svc, store, audit := newTestService(t, oracle, swap)

		pos, err := svc.CreatePosition(ctx, domain.Decision{
			DecisionID:       "dec-1",
			Token:            testToken,
			AllocationNative: 900,
			Source:           "research-desk",
		})
		require.NoError(t, err)
		require.NotEmpty(t, pos.ID)

		require.Len(t, pos.Entries, 3)
		assert.Equal(t, domain.LegStatusExecuted, pos.Entries[0].Status)
		assert.Equal(t, domain.LegStatusPending, pos.Entries[1].Status)
		assert.InDelta(t, 30, pos.TotalQuantity, 1e-9)
		assert.InDelta(t, 10, pos.AverageEntryPrice, 1e-9)
		require.Len(t, pos.Exits, 4)
		assert.InDelta(t, 20, pos.Exits[0].TargetPrice, 1e-9)

		stored, err := store.GetByID(ctx, pos.ID)
		require.NoError(t, err)
		assert.Equal(t, domain.StagePartiallyFilled, stored.Stage())

		events, err := audit.ListByPosition(ctx, pos.ID)
		require.NoError(t, err)
		require.Len(t, events, 2)
		assert.Equal(t, "position_opened", events[0].Event)
		assert.Equal(t, "entry_executed", events[1].Event)
	})

	t.Run("capital is conserved across the planned ladder", func(t *testing.T) {
		oracle := &stubOracle{price: 3.33}
		swap := &stubSwap{price: 3.33}
		svc, _, _ := newTestService(t, oracle, swap)

		pos, err := svc.CreatePosition(ctx, domain.Decision{
			DecisionID: "dec-2", Token: testToken, AllocationNative: 1000,
		})
		require.NoError(t, err)

		var sum float64
		for _, e := range pos.Entries {
			sum += e.AmountNative
		}
		assert.Equal(t, 1000.0, sum)
	})

	t.Run("rejects invalid decisions without side effects", func(t *testing.T) {
		oracle := &stubOracle{price: 10}
		swap := &stubSwap{price: 10}
		svc, store, _ := newTestService(t, oracle, swap)

		_, err := svc.CreatePosition(ctx, domain.Decision{Token: testToken, AllocationNative: 0})
		require.ErrorIs(t, err, domain.ErrInvalidDecision)

		_, err = svc.CreatePosition(ctx, domain.Decision{AllocationNative: 100})
		require.ErrorIs(t, err, domain.ErrInvalidDecision)

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("oracle failure surfaces before anything is persisted", func(t *testing.T) {
		oracle := &stubOracle{err: errors.New("oracle down")}
		svc, store, _ := newTestService(t, oracle, &stubSwap{price: 10})

		_, err := svc.CreatePosition(ctx, domain.Decision{Token: testToken, AllocationNative: 900})
		require.Error(t, err)

		active, err := store.ListActive(ctx)
		require.NoError(t, err)
		assert.Empty(t, active)
	})

	t.Run("confirmed buy whose record write fails is never re-fired", func(t *testing.T) {
		oracle := &stubOracle{price: 10}
		swap := &stubSwap{price: 10}
		store := &flakyStore{PositionStore: memory.NewPositionStore(), failures: 1}
		audit := memory.NewAuditStore()
		logger := slog.New(slog.NewTextHandler(io.Discard, nil))

		exitCfg := planner.ExitConfig{Stages: []float64{100, 200, 300}, StageFraction: 0.30, FinalGainPct: 500}
		coord := engine.NewCoordinator(store, swap, audit, engine.NewKeyMutex(), exitCfg,
			engine.RetryPolicy{MaxAttempts: 1}, time.Minute, nil, nil, logger)
		entryCfg := planner.EntryConfig{Count: 3, Discounts: []float64{0, 30, 60}}
		svc := NewPositionService(store, audit, oracle, coord, entryCfg,
			engine.RetryPolicy{MaxAttempts: 3, BaseDelay: time.Millisecond}, nil, logger)

		_, err := svc.CreatePosition(ctx, domain.Decision{Token: testToken, AllocationNative: 900})
		require.ErrorIs(t, err, domain.ErrFillUnrecorded)

		swap.mu.Lock()
		calls := swap.calls
		swap.mu.Unlock()
		assert.Equal(t, 1, calls, "capital must not be spent twice for one entry")

		// The unwind closes the record so no later leg fires off understated
		// holdings, and names the real failure.
		history, listErr := store.ListHistory(ctx, domain.ListOpts{})
		require.NoError(t, listErr)
		require.Len(t, history, 1)
		assert.Equal(t, domain.PositionStatusClosed, history[0].Status)
		assert.Equal(t, "unrecorded_fill", history[0].ClosedReason)
	})

	t.Run("failed initial fill unwinds the position", func(t *testing.T) {
		oracle := &stubOracle{price: 10}
		swap := &stubSwap{price: 10, err: errors.New("no liquidity")}
		svc, store, _ := newTestService(t, oracle, swap)

		_, err := svc.CreatePosition(ctx, domain.Decision{Token: testToken, AllocationNative: 900})
		require.Error(t, err)

		active, listErr := store.ListActive(ctx)
		require.NoError(t, listErr)
		assert.Empty(t, active, "the position must not stay active with zero capital deployed")
	})
}

func TestGetPositionStatus(t *testing.T) {
	ctx := context.Background()
	oracle := &stubOracle{price: 10}
	swap := &stubSwap{price: 10}
	svc, store, _ := newTestService(t, oracle, swap)

	created, err := svc.CreatePosition(ctx, domain.Decision{Token: testToken, AllocationNative: 900})
	require.NoError(t, err)

	snap, err := svc.GetPositionStatus(ctx, created.ID)
	require.NoError(t, err)

	// Mutating the snapshot must not leak into the store.
	snap.Entries[1].Status = domain.LegStatusExecuted
	stored, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.LegStatusPending, stored.Entries[1].Status)

	_, err = svc.GetPositionStatus(ctx, "missing")
	require.ErrorIs(t, err, domain.ErrNotFound)
}

func TestClosePosition(t *testing.T) {
	ctx := context.Background()
	svc, store, audit := newTestService(t, &stubOracle{price: 10}, &stubSwap{price: 10})

	created, err := svc.CreatePosition(ctx, domain.Decision{Token: testToken, AllocationNative: 900})
	require.NoError(t, err)

	require.NoError(t, svc.ClosePosition(ctx, created.ID, "operator"))

	stored, err := store.GetByID(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.PositionStatusClosed, stored.Status)

	events, err := audit.ListByPosition(ctx, created.ID)
	require.NoError(t, err)
	assert.Equal(t, "position_closed", events[len(events)-1].Event)
}
