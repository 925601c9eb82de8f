package domain

import (
	"context"
	"time"
)

// TradeDirection is the side of a swap from the position's point of view.
type TradeDirection string

const (
	DirectionBuy  TradeDirection = "buy"
	DirectionSell TradeDirection = "sell"
)

// SwapResult is the confirmed outcome of an on-chain exchange.
type SwapResult struct {
	TxRef     string
	FillPrice float64 // native per token actually paid/received
	Quantity  float64 // tokens bought or sold
}

// PriceOracle quotes the current exchangeable price of a token in native
// currency. Stateless and safe to call concurrently.
type PriceOracle interface {
	GetPrice(ctx context.Context, token TokenIdentity) (float64, error)
}

// SwapExecutor performs the actual exchange. For DirectionBuy the amount is
// native currency to spend; for DirectionSell it is the token quantity to
// liquidate. Implementations must not report success unless the swap
// confirmed, since the engine mutates position state only after a success.
type SwapExecutor interface {
	Swap(ctx context.Context, token TokenIdentity, amount float64, direction TradeDirection) (SwapResult, error)
}

// PriceCache provides fast access to recently observed prices, keyed by
// TokenIdentity.Key. A streaming feed may pre-warm it between monitor cycles.
type PriceCache interface {
	SetPrice(ctx context.Context, tokenKey string, price float64, ts time.Time) error
	GetPrice(ctx context.Context, tokenKey string) (float64, time.Time, error)
}

// LockManager provides the per-position single-writer lock. Acquire is
// try-acquire semantics: it returns ErrLockHeld immediately when another
// holder owns the key, so a monitor worker skips rather than queues.
type LockManager interface {
	Acquire(ctx context.Context, key string, ttl time.Duration) (unlock func(), err error)
}
