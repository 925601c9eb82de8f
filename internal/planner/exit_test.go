package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/ladderbot/internal/domain"
)

func ladderConfig() ExitConfig {
	return ExitConfig{
		Stages:        []float64{100, 200, 300, 400, 500, 600},
		StageFraction: 0.30,
		FinalGainPct:  1000,
	}
}

func TestPlanExits(t *testing.T) {
	cfg := ladderConfig()

	t.Run("geometric decay over remaining quantity", func(t *testing.T) {
		exits, err := PlanExits(100, 10, cfg)
		require.NoError(t, err)
		require.Len(t, exits, 7)

		assert.InDelta(t, 0.30*100, exits[0].Tokens, 1e-9)
		assert.InDelta(t, 0.30*0.70*100, exits[1].Tokens, 1e-9)
		assert.InDelta(t, 0.30*0.70*0.70*100, exits[2].Tokens, 1e-9)

		// Everything planned across all stages adds back to the holding.
		var sum float64
		for _, e := range exits {
			sum += e.Tokens
		}
		assert.InDelta(t, 100, sum, 1e-9)
	})

	t.Run("targets derive from average entry price", func(t *testing.T) {
		exits, err := PlanExits(30, 10, cfg)
		require.NoError(t, err)
		assert.InDelta(t, 20, exits[0].TargetPrice, 1e-9) // +100%
		assert.InDelta(t, 30, exits[1].TargetPrice, 1e-9) // +200%
		assert.InDelta(t, 110, exits[6].TargetPrice, 1e-9)
		assert.True(t, exits[6].IsFinal)
		assert.Equal(t, 1.0, exits[6].Fraction)
	})

	t.Run("rejects bad schedules", func(t *testing.T) {
		bad := cfg
		bad.Stages = []float64{100, 100}
		_, err := PlanExits(30, 10, bad)
		assert.Error(t, err)

		bad = cfg
		bad.StageFraction = 1.0
		_, err = PlanExits(30, 10, bad)
		assert.Error(t, err)

		bad = cfg
		bad.FinalGainPct = 600
		_, err = PlanExits(30, 10, bad)
		assert.Error(t, err)

		bad = cfg
		bad.Stages = nil
		_, err = PlanExits(30, 10, bad)
		assert.Error(t, err)
	})
}

func TestRecomputeExits(t *testing.T) {
	cfg := ladderConfig()

	t.Run("is idempotent", func(t *testing.T) {
		exits, err := PlanExits(72.857, 8.235, cfg)
		require.NoError(t, err)

		before := make([]domain.Exit, len(exits))
		copy(before, exits)

		RecomputeExits(72.857, 8.235, exits)
		for i := range exits {
			assert.Equal(t, before[i].TargetPrice, exits[i].TargetPrice)
			assert.Equal(t, before[i].Tokens, exits[i].Tokens)
		}
	})

	t.Run("retargets pending stages after an average price move", func(t *testing.T) {
		// The worked scenario: entry 1 fills 30 tokens at 10, then entry 2
		// fills 300/7 at 7, moving the average to 600/72.857.
		exits, err := PlanExits(30, 10, cfg)
		require.NoError(t, err)
		assert.InDelta(t, 20, exits[0].TargetPrice, 1e-9)
		assert.InDelta(t, 9, exits[0].Tokens, 1e-9)

		qty := 30 + 300.0/7
		avg := 600 / qty
		RecomputeExits(qty, avg, exits)

		assert.InDelta(t, 16.47, exits[0].TargetPrice, 0.005)
		assert.InDelta(t, 0.30*qty, exits[0].Tokens, 1e-9)
	})

	t.Run("never touches executed stages", func(t *testing.T) {
		exits, err := PlanExits(100, 10, cfg)
		require.NoError(t, err)

		exits[0].Status = domain.LegStatusExecuted
		executedTokens := exits[0].Tokens
		executedTarget := exits[0].TargetPrice

		// Remaining holding after stage 1 sold 30.
		RecomputeExits(70, 12, exits)

		assert.Equal(t, executedTokens, exits[0].Tokens)
		assert.Equal(t, executedTarget, exits[0].TargetPrice)

		// Stage 2 now works off the 70 that remain.
		assert.InDelta(t, 0.30*70, exits[1].Tokens, 1e-9)
		assert.InDelta(t, 12*3, exits[1].TargetPrice, 1e-9)

		// Pending stages still consume exactly what remains.
		var pendingSum float64
		for _, e := range exits[1:] {
			pendingSum += e.Tokens
		}
		assert.InDelta(t, 70, pendingSum, 1e-9)
	})
}
