package position

import (
	"fmt"
	"math"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/shopspring/decimal"
)

// Config controls how transitions are turned into orders.
type Config struct {
	Notional      float64
	OrderType     models.OrderType
	PegDistance   float64
	SplitNotional bool
	TimeInForce   string
}

func DefaultConfig() Config {
	return Config{
		Notional:    50,
		OrderType:   models.OrderTypeMarket,
		PegDistance: 0.001,
		TimeInForce: "day",
	}
}

// legNotionals splits the pair notional between A and B in the ratio 1:|beta|
// when splitting is enabled; otherwise each leg gets the full amount.
func legNotionals(cfg Config, beta float64) (float64, float64) {
	if !cfg.SplitNotional {
		return cfg.Notional, cfg.Notional
	}
	b := math.Abs(beta)
	return cfg.Notional / (1 + b), cfg.Notional * b / (1 + b)
}

// quantity converts a notional into whole shares, never less than one.
func quantity(notional, price float64) float64 {
	return math.Max(1, math.Floor(notional/price))
}

// limitPrice pegs away from the reference: buys above, sells below, rounded
// to the cent.
func limitPrice(side models.OrderSide, price, peg float64) float64 {
	factor := decimal.NewFromInt(1).Add(decimal.NewFromFloat(peg))
	if side == models.OrderSideSell {
		factor = decimal.NewFromInt(1).Sub(decimal.NewFromFloat(peg))
	}
	return decimal.NewFromFloat(price).Mul(factor).Round(2).InexactFloat64()
}

// entrySides returns the sides for legs A and B when opening state.
func entrySides(state models.PositionState, beta float64) (models.OrderSide, models.OrderSide) {
	sideA, sideB := models.OrderSideBuy, models.OrderSideSell
	if state == models.StateShortSpreadOpen {
		sideA, sideB = models.OrderSideSell, models.OrderSideBuy
	}
	// With a negative hedge ratio both legs move in the same direction.
	if beta < 0 {
		sideB = sideB.Opposite()
	}
	return sideA, sideB
}

func (a *Adapter) intent(pairID, symbol string, side models.OrderSide, qty, notional, price float64) models.OrderIntent {
	in := models.OrderIntent{
		ClientOrderID: a.newID(),
		PairID:        pairID,
		Symbol:        symbol,
		Side:          side,
		Type:          a.cfg.OrderType,
		Qty:           qty,
		Notional:      notional,
		RefPrice:      price,
		TimeInForce:   a.cfg.TimeInForce,
	}
	if a.cfg.OrderType == models.OrderTypeLimit {
		in.PegDistance = a.cfg.PegDistance
		in.LimitPrice = limitPrice(side, price, a.cfg.PegDistance)
	}
	return in
}

// entryOrders builds the two legs that open pair in state to.
func (a *Adapter) entryOrders(pair models.CandidatePair, to models.PositionState, q Quote) []models.OrderIntent {
	nA, nB := legNotionals(a.cfg, pair.HedgeRatio)
	sideA, sideB := entrySides(to, pair.HedgeRatio)
	return []models.OrderIntent{
		a.intent(pair.ID(), pair.A, sideA, quantity(nA, q.PriceA), nA, q.PriceA),
		a.intent(pair.ID(), pair.B, sideB, quantity(nB, q.PriceB), nB, q.PriceB),
	}
}

// exitOrders reverses the legs recorded at entry.
func (a *Adapter) exitOrders(pos models.PairPosition, q Quote) []models.OrderIntent {
	sideA, sideB := entrySides(pos.State, pos.Pair.HedgeRatio)
	id := pos.Pair.ID()
	return []models.OrderIntent{
		a.intent(id, pos.Pair.A, sideA.Opposite(), pos.QtyA, pos.QtyA*q.PriceA, q.PriceA),
		a.intent(id, pos.Pair.B, sideB.Opposite(), pos.QtyB, pos.QtyB*q.PriceB, q.PriceB),
	}
}

func validateQuote(q Quote) error {
	if q.PriceA <= 0 || q.PriceB <= 0 || math.IsNaN(q.PriceA) || math.IsNaN(q.PriceB) {
		return fmt.Errorf("%w: %v/%v", ErrInvalidPrice, q.PriceA, q.PriceB)
	}
	return nil
}
