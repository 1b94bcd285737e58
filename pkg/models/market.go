package models

import (
	"time"
)

type PricePoint struct {
	Time  time.Time `json:"t"`
	Price float64   `json:"p"`
}

// PriceSeries is an ordered sequence of prices for one instrument. Timestamps
// are strictly increasing.
type PriceSeries struct {
	Symbol string       `json:"symbol"`
	Points []PricePoint `json:"points"`
}

func (s PriceSeries) Len() int { return len(s.Points) }

// Last returns the most recent point, or false for an empty series.
func (s PriceSeries) Last() (PricePoint, bool) {
	if len(s.Points) == 0 {
		return PricePoint{}, false
	}
	return s.Points[len(s.Points)-1], true
}

// Tail returns the trailing n points as a new series.
func (s PriceSeries) Tail(n int) PriceSeries {
	if n >= len(s.Points) || n <= 0 {
		return s
	}
	return PriceSeries{Symbol: s.Symbol, Points: s.Points[len(s.Points)-n:]}
}

// Append adds a point if it is newer than the current last point.
func (s *PriceSeries) Append(p PricePoint) bool {
	if last, ok := s.Last(); ok && !p.Time.After(last.Time) {
		return false
	}
	s.Points = append(s.Points, p)
	return true
}

type Bar struct {
	Symbol    string
	Close     float64
	Timestamp time.Time
}

// BarSet is one aligned bar across the universe.
type BarSet struct {
	Time   time.Time
	Prices map[string]float64
}

type Timeframe string

const (
	TimeframeDay  Timeframe = "1Day"
	TimeframeHour Timeframe = "1Hour"
	TimeframeMin  Timeframe = "1Min"
)

func (tf Timeframe) Duration() time.Duration {
	switch tf {
	case TimeframeHour:
		return time.Hour
	case TimeframeMin:
		return time.Minute
	default:
		return 24 * time.Hour
	}
}

type Position struct {
	Symbol        string
	Side          string
	Qty           float64
	AvgEntryPrice float64
	MarketValue   float64
	UnrealizedPL  float64
}
