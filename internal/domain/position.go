package domain

import "time"

// PositionStatus tracks whether a position is still being managed by the
// monitor or has been closed (final exit executed, or manual cancel).
type PositionStatus string

const (
	PositionStatusActive PositionStatus = "active"
	PositionStatusClosed PositionStatus = "closed"
)

// LegStatus is the execution state of a single planned entry or exit.
// Legs are created pending and flip to executed exactly once; there is no
// other transition.
type LegStatus string

const (
	LegStatusPending  LegStatus = "pending"
	LegStatusExecuted LegStatus = "executed"
)

// EntryType distinguishes the initial market buy from the discounted
// dip-buy levels planned beneath it.
type EntryType string

const (
	EntryTypeImmediate EntryType = "immediate"
	EntryTypeDip       EntryType = "dip"
)

// LifecycleStage is the derived lifecycle of a position. It is never stored;
// Position.Stage computes it from executed-leg counts so the stored record
// cannot drift out of sync with the legs.
type LifecycleStage string

const (
	StagePlanned         LifecycleStage = "planned"
	StagePartiallyFilled LifecycleStage = "partially_filled"
	StageExiting         LifecycleStage = "exiting"
	StageClosed          LifecycleStage = "closed"
)

// Entry is one planned capital deployment. AmountNative is fixed at planning
// time; TokensBought, TxRef and ExecutedAt are set exactly once when the
// entry executes.
type Entry struct {
	Number       int       // 1..N, fixed ordering
	Type         EntryType // entry 1 is always immediate
	DipPct       float64   // discount vs the planning-time reference price; 0 for immediate
	PlannedPrice float64   // native per token; trigger threshold for dip entries
	AmountNative float64
	Status       LegStatus
	TokensBought float64
	TxRef        string
	ExecutedAt   *time.Time
}

// Exit is one planned take-profit stage. TargetPrice and Tokens are
// recomputed in place while the stage is pending and frozen on execution.
type Exit struct {
	Number      int     // 1..M, ascending by GainPct
	GainPct     float64 // gain over the average entry price that triggers the stage
	TargetPrice float64 // AverageEntryPrice * (1 + GainPct/100)
	Fraction    float64 // share of remaining quantity to sell; 1.0 for the final stage
	IsFinal     bool    // final stage liquidates everything that remains
	Tokens      float64
	Status      LegStatus
	TxRef       string
	ExecutedAt  *time.Time
}

// Position is one speculative trade: a fixed native-currency allocation
// deployed across staged entries and unwound across staged exits. The store
// is the sole durable owner; the engine holds no authoritative in-memory
// copy between monitor cycles.
type Position struct {
	ID    string
	Token TokenIdentity

	TotalAllocationNative float64 // fixed at creation
	TotalQuantity         float64 // executed-entry tokens minus executed-exit tokens
	AverageEntryPrice     float64 // weighted over executed entries only

	Entries []Entry
	Exits   []Exit

	Status       PositionStatus
	ClosedReason string

	// Version supports optimistic concurrency in the store: every successful
	// write increments it, and a write carrying a stale version is rejected.
	Version  int64
	OpenedAt time.Time
	ClosedAt *time.Time
}

// ExecutedEntries returns the count of entries that have filled.
func (p *Position) ExecutedEntries() int {
	n := 0
	for i := range p.Entries {
		if p.Entries[i].Status == LegStatusExecuted {
			n++
		}
	}
	return n
}

// ExecutedExits returns the count of exit stages that have fired.
func (p *Position) ExecutedExits() int {
	n := 0
	for i := range p.Exits {
		if p.Exits[i].Status == LegStatusExecuted {
			n++
		}
	}
	return n
}

// Stage derives the lifecycle stage from the executed-leg counts.
func (p *Position) Stage() LifecycleStage {
	if p.Status == PositionStatusClosed {
		return StageClosed
	}
	executed := p.ExecutedEntries()
	switch {
	case executed == 0:
		return StagePlanned
	case executed < len(p.Entries):
		return StagePartiallyFilled
	default:
		return StageExiting
	}
}

// Entry returns a pointer to the entry with the given number, or nil.
func (p *Position) Entry(number int) *Entry {
	for i := range p.Entries {
		if p.Entries[i].Number == number {
			return &p.Entries[i]
		}
	}
	return nil
}

// Exit returns a pointer to the exit stage with the given number, or nil.
func (p *Position) Exit(number int) *Exit {
	for i := range p.Exits {
		if p.Exits[i].Number == number {
			return &p.Exits[i]
		}
	}
	return nil
}

// EntryTotals sums native spent and tokens received across executed entries.
// AverageEntryPrice is native/tokens over these two sums.
func (p *Position) EntryTotals() (native, tokens float64) {
	for i := range p.Entries {
		if p.Entries[i].Status == LegStatusExecuted {
			native += p.Entries[i].AmountNative
			tokens += p.Entries[i].TokensBought
		}
	}
	return native, tokens
}

// ExitedTokens sums the actually-executed quantity across fired exit stages.
func (p *Position) ExitedTokens() float64 {
	var tokens float64
	for i := range p.Exits {
		if p.Exits[i].Status == LegStatusExecuted {
			tokens += p.Exits[i].Tokens
		}
	}
	return tokens
}

// Snapshot returns a deep copy safe to hand to callers outside the
// per-position critical section.
func (p *Position) Snapshot() Position {
	out := *p
	out.Entries = make([]Entry, len(p.Entries))
	copy(out.Entries, p.Entries)
	out.Exits = make([]Exit, len(p.Exits))
	copy(out.Exits, p.Exits)
	if p.ClosedAt != nil {
		t := *p.ClosedAt
		out.ClosedAt = &t
	}
	return out
}
