package domain

import "fmt"

// Decision is an approved trade handed down by the upstream allocation
// service. It carries everything the engine needs to open a position; how
// the allocation was sized and why the token was approved are not this
// system's concern.
type Decision struct {
	DecisionID       string
	Token            TokenIdentity
	AllocationNative float64
	Source           string // originating signal pipeline, free-form
}

// Validate rejects decisions the engine must never turn into a position.
func (d Decision) Validate() error {
	if !d.Token.Valid() {
		return fmt.Errorf("decision %q: incomplete token identity: %w", d.DecisionID, ErrInvalidDecision)
	}
	if d.AllocationNative <= 0 {
		return fmt.Errorf("decision %q: allocation must be positive, got %v: %w",
			d.DecisionID, d.AllocationNative, ErrInvalidDecision)
	}
	return nil
}
