package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

type orderRequest struct {
	Symbol        string `json:"symbol"`
	Qty           string `json:"qty,omitempty"`
	Notional      string `json:"notional,omitempty"`
	Side          string `json:"side"`
	Type          string `json:"type"`
	TimeInForce   string `json:"time_in_force"`
	LimitPrice    string `json:"limit_price,omitempty"`
	ClientOrderID string `json:"client_order_id,omitempty"`
}

type orderResponse struct {
	ID             string           `json:"id"`
	ClientOrderID  string           `json:"client_order_id"`
	Symbol         string           `json:"symbol"`
	Side           string           `json:"side"`
	Type           string           `json:"type"`
	Status         string           `json:"status"`
	Qty            decimal.Decimal  `json:"qty"`
	FilledQty      decimal.Decimal  `json:"filled_qty"`
	FilledAvgPrice *decimal.Decimal `json:"filled_avg_price"`
	LimitPrice     *decimal.Decimal `json:"limit_price"`
	TimeInForce    string           `json:"time_in_force"`
	SubmittedAt    time.Time        `json:"submitted_at"`
	UpdatedAt      time.Time        `json:"updated_at"`
}

func (o orderResponse) toOrder() *models.Order {
	order := &models.Order{
		OrderID:       o.ID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Side:          models.OrderSide(o.Side),
		Type:          models.OrderType(o.Type),
		Size:          o.Qty.InexactFloat64(),
		FilledSize:    o.FilledQty.InexactFloat64(),
		Status:        models.OrderStatus(o.Status),
		TimeInForce:   o.TimeInForce,
		CreatedAt:     o.SubmittedAt,
		UpdatedAt:     o.UpdatedAt,
	}
	if o.LimitPrice != nil {
		order.Price = o.LimitPrice.InexactFloat64()
	}
	if o.FilledAvgPrice != nil {
		order.FilledPrice = o.FilledAvgPrice.InexactFloat64()
	}
	return order
}

// PlaceOrder submits one order and returns it as accepted by the broker.
func (c *Client) PlaceOrder(ctx context.Context, intent models.OrderIntent) (*models.Order, error) {
	tif := intent.TimeInForce
	if tif == "" {
		tif = "day"
	}
	req := orderRequest{
		Symbol:        intent.Symbol,
		Side:          string(intent.Side),
		Type:          string(intent.Type),
		TimeInForce:   tif,
		ClientOrderID: intent.ClientOrderID,
	}
	if intent.Qty > 0 {
		req.Qty = decimal.NewFromFloat(intent.Qty).String()
	} else {
		req.Notional = decimal.NewFromFloat(intent.Notional).Round(2).String()
	}
	if intent.Type == models.OrderTypeLimit {
		req.LimitPrice = decimal.NewFromFloat(intent.LimitPrice).StringFixed(2)
	}

	// a 5xx or a dropped connection may still have created the order, so
	// only throttled submissions are retried
	var resp orderResponse
	if err := c.request(ctx, (*APIError).throttled, http.MethodPost, c.tradingURL, "/v2/orders", nil, req, &resp); err != nil {
		if !ambiguous(err) || intent.ClientOrderID == "" {
			return nil, err
		}
		lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		order, lerr := c.GetOrderByClientID(lookupCtx, intent.ClientOrderID)
		if lerr != nil {
			return nil, err
		}
		c.logger.WithError(err).WithFields(logrus.Fields{
			"order_id":        order.OrderID,
			"client_order_id": intent.ClientOrderID,
		}).Warn("Order was accepted despite the error response")
		return order, nil
	}

	c.logger.WithFields(logrus.Fields{
		"order_id": resp.ID,
		"symbol":   resp.Symbol,
		"side":     resp.Side,
		"qty":      req.Qty,
		"type":     req.Type,
	}).Info("Order placed")
	return resp.toOrder(), nil
}

func (c *Client) CancelOrder(ctx context.Context, orderID string) error {
	return c.doRequest(ctx, http.MethodDelete, c.tradingURL, "/v2/orders/"+url.PathEscape(orderID), nil, nil, nil)
}

func (c *Client) GetOrder(ctx context.Context, orderID string) (*models.Order, error) {
	var resp orderResponse
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/orders/"+url.PathEscape(orderID), nil, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(), nil
}

// GetOrderByClientID looks an order up by the id we assigned at submission.
func (c *Client) GetOrderByClientID(ctx context.Context, clientOrderID string) (*models.Order, error) {
	var resp orderResponse
	query := url.Values{"client_order_id": {clientOrderID}}
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/orders:by_client_order_id", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.toOrder(), nil
}

// ambiguous reports whether a failed submission may have reached the broker.
func ambiguous(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode >= 500
	}
	return !errors.Is(err, context.Canceled)
}

// Submit places the order for a position transition leg.
func (c *Client) Submit(ctx context.Context, intent models.OrderIntent) (models.Ack, error) {
	order, err := c.PlaceOrder(ctx, intent)
	if err != nil {
		return models.Ack{}, err
	}
	return models.Ack{
		OrderID:       order.OrderID,
		ClientOrderID: order.ClientOrderID,
		Symbol:        order.Symbol,
		Status:        order.Status,
		FilledQty:     order.FilledSize,
		FilledPrice:   order.FilledPrice,
		SubmittedAt:   order.CreatedAt,
	}, nil
}

// Cancel cancels an order. A 422 means the order already filled or expired.
func (c *Client) Cancel(ctx context.Context, orderID string) error {
	err := c.CancelOrder(ctx, orderID)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusUnprocessableEntity {
		return fmt.Errorf("order %s is no longer cancelable: %w", orderID, err)
	}
	return err
}

type positionResponse struct {
	Symbol        string          `json:"symbol"`
	Side          string          `json:"side"`
	Qty           decimal.Decimal `json:"qty"`
	AvgEntryPrice decimal.Decimal `json:"avg_entry_price"`
	MarketValue   decimal.Decimal `json:"market_value"`
	UnrealizedPL  decimal.Decimal `json:"unrealized_pl"`
}

func (c *Client) GetPositions(ctx context.Context) ([]models.Position, error) {
	var resp []positionResponse
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/positions", nil, nil, &resp); err != nil {
		return nil, err
	}
	out := make([]models.Position, 0, len(resp))
	for _, p := range resp {
		out = append(out, models.Position{
			Symbol:        p.Symbol,
			Side:          p.Side,
			Qty:           p.Qty.InexactFloat64(),
			AvgEntryPrice: p.AvgEntryPrice.InexactFloat64(),
			MarketValue:   p.MarketValue.InexactFloat64(),
			UnrealizedPL:  p.UnrealizedPL.InexactFloat64(),
		})
	}
	return out, nil
}

type Account struct {
	ID          string          `json:"id"`
	Status      string          `json:"status"`
	Cash        decimal.Decimal `json:"cash"`
	Equity      decimal.Decimal `json:"equity"`
	BuyingPower decimal.Decimal `json:"buying_power"`
}

func (c *Client) GetAccount(ctx context.Context) (*Account, error) {
	var acct Account
	if err := c.doRequest(ctx, http.MethodGet, c.tradingURL, "/v2/account", nil, nil, &acct); err != nil {
		return nil, err
	}
	return &acct, nil
}
