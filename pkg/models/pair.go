package models

import (
	"time"
)

// CandidatePair is a cointegrated pair found by one selection run. It is never
// mutated; a later run supersedes it with a new value.
type CandidatePair struct {
	A            string    `json:"a"`
	B            string    `json:"b"`
	TestStat     float64   `json:"test_stat"`
	PValue       float64   `json:"p_value"`
	HedgeRatio   float64   `json:"hedge_ratio"`
	Intercept    float64   `json:"intercept"`
	HalfLife     float64   `json:"half_life"`
	Observations int       `json:"observations"`
	SelectedAt   time.Time `json:"selected_at"`
}

func (p CandidatePair) ID() string {
	return p.A + "/" + p.B
}

// SameDefinition reports whether two pairs would trade the same spread.
func (p CandidatePair) SameDefinition(o CandidatePair) bool {
	return p.A == o.A && p.B == o.B && p.HedgeRatio == o.HedgeRatio
}

type Signal string

const (
	SignalLongSpread  Signal = "LONG_SPREAD"
	SignalShortSpread Signal = "SHORT_SPREAD"
	SignalExit        Signal = "EXIT"
	SignalHold        Signal = "HOLD"
)

type PositionState string

const (
	StateFlat            PositionState = "FLAT"
	StateLongSpreadOpen  PositionState = "LONG_SPREAD_OPEN"
	StateShortSpreadOpen PositionState = "SHORT_SPREAD_OPEN"
)

func (s PositionState) Open() bool {
	return s == StateLongSpreadOpen || s == StateShortSpreadOpen
}

// PairPosition is the persisted view of an open pair.
type PairPosition struct {
	Pair      CandidatePair `json:"pair"`
	State     PositionState `json:"state"`
	QtyA      float64       `json:"qty_a"`
	QtyB      float64       `json:"qty_b"`
	EntryA    float64       `json:"entry_a"`
	EntryB    float64       `json:"entry_b"`
	EntryZ    float64       `json:"entry_z"`
	OpenedAt  time.Time     `json:"opened_at"`
	UpdatedAt time.Time     `json:"updated_at"`
}

type TradeRecord struct {
	ID        string        `json:"id"`
	PairID    string        `json:"pair_id"`
	Action    string        `json:"action"` // "entry" or "exit"
	From      PositionState `json:"from"`
	To        PositionState `json:"to"`
	Signal    Signal        `json:"signal"`
	Z         float64       `json:"z"`
	OrderIDs  []string      `json:"order_ids"`
	PriceA    float64       `json:"price_a"`
	PriceB    float64       `json:"price_b"`
	QtyA      float64       `json:"qty_a"`
	QtyB      float64       `json:"qty_b"`
	CreatedAt time.Time     `json:"created_at"`
}

// Next applies a signal to the state. Only entries from FLAT and exits from
// an open state change anything; changed is false for every other pair.
func (s PositionState) Next(sig Signal) (next PositionState, changed bool) {
	switch {
	case s == StateFlat && sig == SignalLongSpread:
		return StateLongSpreadOpen, true
	case s == StateFlat && sig == SignalShortSpread:
		return StateShortSpreadOpen, true
	case s.Open() && sig == SignalExit:
		return StateFlat, true
	default:
		return s, false
	}
}
