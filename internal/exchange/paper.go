package exchange

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/quantfold/ladderbot/internal/domain"
)

// PaperExecutor fills every swap at the oracle's current quote without
// touching a chain. Used in paper mode so the whole lifecycle can run
// against live prices with no capital at risk.
type PaperExecutor struct {
	oracle domain.PriceOracle
	logger *slog.Logger
}

// NewPaperExecutor creates a simulated executor priced off the given oracle.
func NewPaperExecutor(oracle domain.PriceOracle, logger *slog.Logger) *PaperExecutor {
	return &PaperExecutor{
		oracle: oracle,
		logger: logger.With(slog.String("component", "paper_executor")),
	}
}

// Swap fills at the current oracle price and fabricates a tx reference.
func (p *PaperExecutor) Swap(ctx context.Context, token domain.TokenIdentity, amount float64, direction domain.TradeDirection) (domain.SwapResult, error) {
	price, err := p.oracle.GetPrice(ctx, token)
	if err != nil {
		return domain.SwapResult{}, fmt.Errorf("exchange: paper fill price for %s: %w", token.Key(), err)
	}

	qty := amount
	if direction == domain.DirectionBuy {
		qty = amount / price
	}

	res := domain.SwapResult{
		TxRef:     "paper-" + uuid.New().String(),
		FillPrice: price,
		Quantity:  qty,
	}
	p.logger.InfoContext(ctx, "paper fill",
		slog.String("token", token.Key()),
		slog.String("direction", string(direction)),
		slog.Float64("amount", amount),
		slog.Float64("price", price),
	)
	return res, nil
}

var _ domain.SwapExecutor = (*PaperExecutor)(nil)
