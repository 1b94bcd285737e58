package paper

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gregtusar/pairs/pkg/models"
)

const epsilon = 1e-9

var ErrAlreadyFilled = errors.New("paper order already filled")

type positionState struct {
	Qty     float64 // signed; negative is short
	AvgCost float64
}

// Fill is one simulated execution.
type Fill struct {
	OrderID string
	Symbol  string
	Side    models.OrderSide
	Qty     float64
	Price   float64
	Time    time.Time
}

// Account tracks virtual cash, realized PnL and signed per-symbol positions.
// Shorts are allowed and cash may go negative; margin is not modelled.
type Account struct {
	mu           sync.Mutex
	startingCash float64
	cash         float64
	realizedPnL  float64
	positions    map[string]positionState
	fills        []Fill
	now          func() time.Time
}

type PositionSnapshot struct {
	Qty         float64
	AvgCost     float64
	MarketValue float64
	Unrealized  float64
}

type Snapshot struct {
	Cash        float64
	RealizedPnL float64
	Unrealized  float64
	Equity      float64
	Positions   map[string]PositionSnapshot
}

// PnL is equity minus starting cash.
func (s Snapshot) PnL(startingCash float64) float64 { return s.Equity - startingCash }

func NewAccount(startingCash float64) *Account {
	return &Account{
		startingCash: startingCash,
		cash:         startingCash,
		positions:    make(map[string]positionState),
		now:          time.Now,
	}
}

func (a *Account) StartingCash() float64 { return a.startingCash }

// SetClock makes fills carry simulated time.
func (a *Account) SetClock(now func() time.Time) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.now = now
}

// MarketFill executes qty at price immediately.
func (a *Account) MarketFill(symbol string, side models.OrderSide, qty, price float64) (Fill, error) {
	if qty <= 0 {
		return Fill{}, errors.New("quantity must be positive")
	}
	if price <= 0 {
		return Fill{}, errors.New("price must be positive")
	}

	signed := qty
	switch side {
	case models.OrderSideBuy:
	case models.OrderSideSell:
		signed = -qty
	default:
		return Fill{}, fmt.Errorf("unknown order side %q", side)
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	state := a.positions[symbol]
	switch {
	case math.Abs(state.Qty) < epsilon || sameSign(state.Qty, signed):
		newQty := state.Qty + signed
		state.AvgCost = (math.Abs(state.Qty)*state.AvgCost + qty*price) / math.Abs(newQty)
		state.Qty = newQty
	default:
		closing := math.Min(qty, math.Abs(state.Qty))
		direction := 1.0
		if state.Qty < 0 {
			direction = -1
		}
		a.realizedPnL += (price - state.AvgCost) * closing * direction
		state.Qty += signed
		if qty > closing+epsilon {
			// crossed through zero; the remainder opens at this price
			state.AvgCost = price
		}
	}
	a.cash -= signed * price

	if math.Abs(state.Qty) < epsilon {
		delete(a.positions, symbol)
	} else {
		a.positions[symbol] = state
	}

	fill := Fill{
		OrderID: uuid.NewString(),
		Symbol:  symbol,
		Side:    side,
		Qty:     qty,
		Price:   price,
		Time:    a.now().UTC(),
	}
	a.fills = append(a.fills, fill)
	return fill, nil
}

func sameSign(a, b float64) bool {
	return (a > 0 && b > 0) || (a < 0 && b < 0)
}

// Snapshot returns balances marked at prices. Symbols without a price are
// marked at average cost.
func (a *Account) Snapshot(prices map[string]float64) Snapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	snap := Snapshot{
		Cash:        a.cash,
		RealizedPnL: a.realizedPnL,
		Equity:      a.cash,
		Positions:   make(map[string]PositionSnapshot, len(a.positions)),
	}
	for sym, pos := range a.positions {
		mark, ok := prices[sym]
		if !ok || mark <= 0 {
			mark = pos.AvgCost
		}
		mv := pos.Qty * mark
		unrealized := (mark - pos.AvgCost) * pos.Qty
		snap.Positions[sym] = PositionSnapshot{
			Qty:         pos.Qty,
			AvgCost:     pos.AvgCost,
			MarketValue: mv,
			Unrealized:  unrealized,
		}
		snap.Unrealized += unrealized
		snap.Equity += mv
	}
	return snap
}

func (a *Account) Fills() []Fill {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]Fill(nil), a.fills...)
}

// Broker is an executor that fills every order immediately against an
// Account: market orders at the reference price, limit orders at the limit.
type Broker struct {
	account *Account
}

func NewBroker(account *Account) *Broker {
	return &Broker{account: account}
}

func (b *Broker) Account() *Account { return b.account }

func (b *Broker) Submit(ctx context.Context, intent models.OrderIntent) (models.Ack, error) {
	if err := ctx.Err(); err != nil {
		return models.Ack{}, err
	}
	price := intent.RefPrice
	if intent.Type == models.OrderTypeLimit && intent.LimitPrice > 0 {
		price = intent.LimitPrice
	}
	qty := intent.Qty
	if qty <= 0 && intent.Notional > 0 && price > 0 {
		qty = intent.Notional / price
	}

	fill, err := b.account.MarketFill(intent.Symbol, intent.Side, qty, price)
	if err != nil {
		return models.Ack{}, fmt.Errorf("paper fill %s: %w", intent.Symbol, err)
	}
	return models.Ack{
		OrderID:       fill.OrderID,
		ClientOrderID: intent.ClientOrderID,
		Symbol:        intent.Symbol,
		Status:        models.OrderStatusFilled,
		FilledQty:     fill.Qty,
		FilledPrice:   fill.Price,
		SubmittedAt:   fill.Time,
	}, nil
}

// Cancel always fails: paper orders fill on submission.
func (b *Broker) Cancel(ctx context.Context, orderID string) error {
	return ErrAlreadyFilled
}
