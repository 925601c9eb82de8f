package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/quantfold/ladderbot/internal/domain"
)

func TestPlanEntries(t *testing.T) {
	cfg := EntryConfig{Count: 3, Discounts: []float64{0, 30, 60}}

	t.Run("splits allocation equally with immediate first entry", func(t *testing.T) {
		entries, err := PlanEntries(900, 10, cfg)
		require.NoError(t, err)
		require.Len(t, entries, 3)

		assert.Equal(t, domain.EntryTypeImmediate, entries[0].Type)
		assert.Equal(t, 1, entries[0].Number)
		assert.InDelta(t, 10.0, entries[0].PlannedPrice, 1e-12)

		assert.Equal(t, domain.EntryTypeDip, entries[1].Type)
		assert.InDelta(t, 7.0, entries[1].PlannedPrice, 1e-12)
		assert.Equal(t, domain.EntryTypeDip, entries[2].Type)
		assert.InDelta(t, 4.0, entries[2].PlannedPrice, 1e-12)

		for _, e := range entries {
			assert.InDelta(t, 300.0, e.AmountNative, 1e-9)
			assert.Equal(t, domain.LegStatusPending, e.Status)
			assert.Zero(t, e.TokensBought)
		}
	})

	t.Run("conserves capital exactly regardless of split remainder", func(t *testing.T) {
		allocations := []float64{900, 1000, 0.0001, 12345.6789, 7}
		for _, alloc := range allocations {
			entries, err := PlanEntries(alloc, 3.21, cfg)
			require.NoError(t, err)

			var sum float64
			for _, e := range entries {
				sum += e.AmountNative
			}
			assert.Equal(t, alloc, sum, "allocation %v must be conserved", alloc)
		}
	})

	t.Run("remainder lands in the last tranche", func(t *testing.T) {
		entries, err := PlanEntries(100, 5, cfg)
		require.NoError(t, err)
		var firstTwo float64
		for _, e := range entries[:2] {
			firstTwo += e.AmountNative
		}
		assert.Equal(t, 100-firstTwo, entries[2].AmountNative)
	})

	t.Run("rejects invalid configuration", func(t *testing.T) {
		cases := map[string]EntryConfig{
			"zero count":               {Count: 0, Discounts: nil},
			"mismatched discount list": {Count: 3, Discounts: []float64{0, 30}},
			"nonzero first discount":   {Count: 2, Discounts: []float64{10, 30}},
			"non-increasing schedule":  {Count: 3, Discounts: []float64{0, 60, 30}},
			"discount at 100":          {Count: 2, Discounts: []float64{0, 100}},
		}
		for name, bad := range cases {
			_, err := PlanEntries(900, 10, bad)
			assert.Error(t, err, name)
		}
	})

	t.Run("rejects non-positive allocation and price", func(t *testing.T) {
		_, err := PlanEntries(0, 10, cfg)
		assert.Error(t, err)
		_, err = PlanEntries(-5, 10, cfg)
		assert.Error(t, err)
		_, err = PlanEntries(900, 0, cfg)
		assert.Error(t, err)
	})
}
