package planner

import (
	"fmt"

	"github.com/quantfold/ladderbot/internal/domain"
)

// ExitConfig describes the take-profit ladder. Stages are gain percentages
// over the average entry price, strictly increasing; each non-final stage
// sells StageFraction of the quantity that would remain at that point. The
// final stage, at FinalGainPct, liquidates everything left.
type ExitConfig struct {
	Stages        []float64
	StageFraction float64
	FinalGainPct  float64
}

// Validate rejects schedules that would sell more than the position holds
// or whose triggers are not monotonically increasing.
func (c ExitConfig) Validate() error {
	if len(c.Stages) == 0 {
		return fmt.Errorf("planner: exit schedule needs at least one stage")
	}
	if c.StageFraction <= 0 || c.StageFraction >= 1 {
		return fmt.Errorf("planner: stage fraction must be in (0,1), got %v", c.StageFraction)
	}
	prev := 0.0
	for _, g := range c.Stages {
		if g <= prev {
			return fmt.Errorf("planner: gain schedule must be strictly increasing and positive, got %v", c.Stages)
		}
		prev = g
	}
	if c.FinalGainPct <= prev {
		return fmt.Errorf("planner: final gain %v%% must exceed last stage %v%%", c.FinalGainPct, prev)
	}
	return nil
}

// PlanExits seeds the full exit ladder for a position after its first fill.
// It builds one pending stage per configured gain plus the final liquidation
// stage, then targets them via RecomputeExits.
func PlanExits(totalQuantity, avgEntryPrice float64, cfg ExitConfig) ([]domain.Exit, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	exits := make([]domain.Exit, 0, len(cfg.Stages)+1)
	for i, gain := range cfg.Stages {
		exits = append(exits, domain.Exit{
			Number:   i + 1,
			GainPct:  gain,
			Fraction: cfg.StageFraction,
			Status:   domain.LegStatusPending,
		})
	}
	exits = append(exits, domain.Exit{
		Number:   len(cfg.Stages) + 1,
		GainPct:  cfg.FinalGainPct,
		Fraction: 1.0,
		IsFinal:  true,
		Status:   domain.LegStatusPending,
	})

	RecomputeExits(totalQuantity, avgEntryPrice, exits)
	return exits, nil
}

// RecomputeExits re-derives target prices and stage quantities for every
// still-pending stage, in place. Executed stages are never touched.
//
// The quantity walk starts from what the position actually still holds
// (totalQuantity already excludes executed exits) and consumes it stage by
// stage, so stage i's tokens reflect what would remain after every earlier
// pending stage eventually fires. The final stage takes whatever is left.
//
// The function is deterministic: identical inputs always produce identical
// pending-stage targets, so re-running it is harmless.
func RecomputeExits(totalQuantity, avgEntryPrice float64, exits []domain.Exit) {
	remaining := totalQuantity
	for i := range exits {
		if exits[i].Status == domain.LegStatusExecuted {
			continue
		}
		exits[i].TargetPrice = avgEntryPrice * (1 + exits[i].GainPct/100)
		if exits[i].IsFinal {
			exits[i].Tokens = remaining
			remaining = 0
			continue
		}
		exits[i].Tokens = exits[i].Fraction * remaining
		remaining -= exits[i].Tokens
	}
}
