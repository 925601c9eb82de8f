// Package planner contains the pure planning math for staged entries and
// staged take-profit exits. Nothing in this package performs I/O; the
// execution layer feeds it state and persists what it returns.
package planner

import (
	"fmt"

	"github.com/quantfold/ladderbot/internal/domain"
)

// EntryConfig describes the entry ladder: how many tranches the allocation
// is split into and at what discount each tranche is parked. Discounts are
// percentages off the planning-time reference price; the first must be 0
// (the immediate entry) and the rest strictly increasing.
type EntryConfig struct {
	Count     int
	Discounts []float64
}

// Validate rejects ladder shapes that could never conserve capital or would
// place triggers above the reference price.
func (c EntryConfig) Validate() error {
	if c.Count <= 0 {
		return fmt.Errorf("planner: entry count must be positive, got %d", c.Count)
	}
	if len(c.Discounts) != c.Count {
		return fmt.Errorf("planner: %d discounts for %d entries", len(c.Discounts), c.Count)
	}
	if c.Discounts[0] != 0 {
		return fmt.Errorf("planner: first entry must be immediate (discount 0), got %v", c.Discounts[0])
	}
	for i := 1; i < len(c.Discounts); i++ {
		if c.Discounts[i] <= c.Discounts[i-1] {
			return fmt.Errorf("planner: discount schedule must be strictly increasing, got %v", c.Discounts)
		}
		if c.Discounts[i] >= 100 {
			return fmt.Errorf("planner: discount %v%% would zero or invert the trigger price", c.Discounts[i])
		}
	}
	return nil
}

// PlanEntries splits allocationNative into Count equal tranches and prices
// each one off referencePrice. Any float remainder from the equal split is
// folded into the last tranche so the amounts sum to the allocation exactly.
// All entries start pending; nothing is executed here.
func PlanEntries(allocationNative, referencePrice float64, cfg EntryConfig) ([]domain.Entry, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if allocationNative <= 0 {
		return nil, fmt.Errorf("planner: allocation must be positive, got %v", allocationNative)
	}
	if referencePrice <= 0 {
		return nil, fmt.Errorf("planner: reference price must be positive, got %v", referencePrice)
	}

	share := allocationNative / float64(cfg.Count)

	entries := make([]domain.Entry, cfg.Count)
	for i := 0; i < cfg.Count; i++ {
		e := domain.Entry{
			Number:       i + 1,
			Type:         domain.EntryTypeDip,
			DipPct:       cfg.Discounts[i],
			PlannedPrice: referencePrice * (1 - cfg.Discounts[i]/100),
			AmountNative: share,
			Status:       domain.LegStatusPending,
		}
		if i == 0 {
			e.Type = domain.EntryTypeImmediate
			e.PlannedPrice = referencePrice
		}
		entries[i] = e
	}

	// Fold the rounding remainder into the last tranche so the ladder sums
	// to the allocation exactly.
	var allocated float64
	for i := 0; i < cfg.Count-1; i++ {
		allocated += entries[i].AmountNative
	}
	entries[cfg.Count-1].AmountNative = allocationNative - allocated

	return entries, nil
}
