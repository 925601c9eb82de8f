package engine

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/quantfold/ladderbot/internal/domain"
	"github.com/quantfold/ladderbot/internal/planner"
	"github.com/quantfold/ladderbot/internal/store/memory"
)

var testToken = domain.TokenIdentity{Chain: "solana", Contract: "So1test111111111111111111111111111111111111", Ticker: "TEST"}

func testEntryConfig() planner.EntryConfig {
	return planner.EntryConfig{Count: 3, Discounts: []float64{0, 30, 60}}
}

func testExitConfig() planner.ExitConfig {
	return planner.ExitConfig{
		Stages:        []float64{100, 200, 300, 400, 500, 600},
		StageFraction: 0.30,
		FinalGainPct:  1000,
	}
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type swapCall struct {
	Token     domain.TokenIdentity
	Amount    float64
	Direction domain.TradeDirection
}

// fakeSwap fills buys at FillPrice and sells at FillPrice, recording each
// call. Set Err to simulate a venue failure.
type fakeSwap struct {
	mu        sync.Mutex
	FillPrice float64
	Err       error
	calls     []swapCall
}

func (f *fakeSwap) Swap(_ context.Context, token domain.TokenIdentity, amount float64, direction domain.TradeDirection) (domain.SwapResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.Err != nil {
		return domain.SwapResult{}, f.Err
	}
	f.calls = append(f.calls, swapCall{Token: token, Amount: amount, Direction: direction})

	res := domain.SwapResult{
		TxRef:     fmt.Sprintf("tx-%d", len(f.calls)),
		FillPrice: f.FillPrice,
	}
	if direction == domain.DirectionBuy {
		res.Quantity = amount / f.FillPrice
	} else {
		res.Quantity = amount
	}
	return res, nil
}

func (f *fakeSwap) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// fakeOracle serves fixed prices per token key and counts lookups.
type fakeOracle struct {
	mu     sync.Mutex
	prices map[string]float64
	errs   map[string]error
	calls  map[string]int
}

func newFakeOracle() *fakeOracle {
	return &fakeOracle{
		prices: make(map[string]float64),
		errs:   make(map[string]error),
		calls:  make(map[string]int),
	}
}

func (f *fakeOracle) GetPrice(_ context.Context, token domain.TokenIdentity) (float64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	key := token.Key()
	f.calls[key]++
	if err := f.errs[key]; err != nil {
		return 0, err
	}
	price, ok := f.prices[key]
	if !ok {
		return 0, domain.ErrNotFound
	}
	return price, nil
}

type testRig struct {
	store *memory.PositionStore
	audit *memory.AuditStore
	swap  *fakeSwap
	coord *Coordinator
}

func newTestRig(t *testing.T) *testRig {
	t.Helper()

	store := memory.NewPositionStore()
	audit := memory.NewAuditStore()
	swap := &fakeSwap{FillPrice: 10}
	coord := NewCoordinator(
		store, swap, audit, NewKeyMutex(),
		testExitConfig(),
		RetryPolicy{MaxAttempts: 1},
		time.Minute,
		nil, nil,
		discardLogger(),
	)
	return &testRig{store: store, audit: audit, swap: swap, coord: coord}
}

// seedPosition plans a 900-native, 3-entry ladder at reference price 10 and
// persists it without executing anything.
func (r *testRig) seedPosition(t *testing.T, id string) domain.Position {
	t.Helper()

	entries, err := planner.PlanEntries(900, 10, testEntryConfig())
	require.NoError(t, err)

	pos := domain.Position{
		ID:                    id,
		Token:                 testToken,
		TotalAllocationNative: 900,
		Entries:               entries,
		Status:                domain.PositionStatusActive,
		OpenedAt:              time.Now().UTC(),
	}
	require.NoError(t, r.store.Create(context.Background(), pos))
	return pos
}
