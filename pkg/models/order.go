package models

import (
	"time"
)

type Order struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Price         float64
	Size          float64
	FilledSize    float64
	FilledPrice   float64
	Status        OrderStatus
	TimeInForce   string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

type OrderSide string

const (
	OrderSideBuy  OrderSide = "buy"
	OrderSideSell OrderSide = "sell"
)

func (s OrderSide) Opposite() OrderSide {
	if s == OrderSideBuy {
		return OrderSideSell
	}
	return OrderSideBuy
}

type OrderType string

const (
	OrderTypeMarket OrderType = "market"
	OrderTypeLimit  OrderType = "limit"
)

type OrderStatus string

const (
	OrderStatusNew             OrderStatus = "new"
	OrderStatusAccepted        OrderStatus = "accepted"
	OrderStatusPartiallyFilled OrderStatus = "partially_filled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusCancelled       OrderStatus = "canceled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// OrderIntent is one leg of a pair transition. Either Qty or Notional is set.
type OrderIntent struct {
	ClientOrderID string
	PairID        string
	Symbol        string
	Side          OrderSide
	Type          OrderType
	Qty           float64
	Notional      float64
	LimitPrice    float64
	PegDistance   float64
	RefPrice      float64
	TimeInForce   string
}

// Ack confirms the broker accepted an order.
type Ack struct {
	OrderID       string
	ClientOrderID string
	Symbol        string
	Status        OrderStatus
	FilledQty     float64
	FilledPrice   float64
	SubmittedAt   time.Time
}
