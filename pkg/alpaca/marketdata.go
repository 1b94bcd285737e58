package alpaca

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
)

const barsPageLimit = 10000

type barJSON struct {
	T time.Time `json:"t"`
	C float64   `json:"c"`
}

type barsResponse struct {
	Bars          map[string][]barJSON `json:"bars"`
	NextPageToken *string              `json:"next_page_token"`
}

// GetBars fetches close prices for every symbol over [start, end]. If the
// batch request is rejected, symbols are fetched one at a time and those the
// data API does not know are left out of the result.
func (c *Client) GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time) ([]models.PriceSeries, error) {
	if len(symbols) == 0 {
		return nil, nil
	}

	bars, err := c.fetchBars(ctx, symbols, tf, start, end)
	var apiErr *APIError
	if errors.As(err, &apiErr) && (apiErr.StatusCode == http.StatusBadRequest || apiErr.StatusCode == http.StatusUnprocessableEntity) {
		c.logger.WithError(err).Warn("Batch bar request rejected, fetching symbols individually")
		bars = make(map[string][]barJSON, len(symbols))
		for _, sym := range symbols {
			one, err := c.fetchBars(ctx, []string{sym}, tf, start, end)
			if err != nil {
				if errors.As(err, &apiErr) && apiErr.StatusCode < 500 {
					c.logger.WithField("symbol", sym).WithError(err).Warn("Skipping symbol without data")
					continue
				}
				return nil, err
			}
			bars[sym] = one[sym]
		}
	} else if err != nil {
		return nil, err
	}

	out := make([]models.PriceSeries, 0, len(symbols))
	for _, sym := range symbols {
		raw, ok := bars[sym]
		if !ok || len(raw) == 0 {
			c.logger.WithField("symbol", sym).Debug("No bars returned")
			continue
		}
		series := models.PriceSeries{Symbol: sym, Points: make([]models.PricePoint, 0, len(raw))}
		sort.Slice(raw, func(i, j int) bool { return raw[i].T.Before(raw[j].T) })
		for _, b := range raw {
			series.Append(models.PricePoint{Time: b.T, Price: b.C})
		}
		out = append(out, series)
	}

	c.logger.WithFields(logrus.Fields{
		"requested": len(symbols),
		"returned":  len(out),
		"timeframe": tf,
	}).Debug("Fetched bars")
	return out, nil
}

func (c *Client) fetchBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time) (map[string][]barJSON, error) {
	all := make(map[string][]barJSON, len(symbols))
	q := url.Values{}
	q.Set("symbols", strings.Join(symbols, ","))
	q.Set("timeframe", string(tf))
	q.Set("start", start.UTC().Format(time.RFC3339))
	q.Set("end", end.UTC().Format(time.RFC3339))
	q.Set("limit", strconv.Itoa(barsPageLimit))
	q.Set("adjustment", "all")
	q.Set("feed", c.feed)

	for {
		var resp barsResponse
		if err := c.doRequest(ctx, http.MethodGet, c.dataURL, "/v2/stocks/bars", q, nil, &resp); err != nil {
			return nil, err
		}
		for sym, bars := range resp.Bars {
			all[sym] = append(all[sym], bars...)
		}
		if resp.NextPageToken == nil || *resp.NextPageToken == "" {
			return all, nil
		}
		q.Set("page_token", *resp.NextPageToken)
	}
}

type latestTradeResponse struct {
	Symbol string `json:"symbol"`
	Trade  struct {
		T time.Time `json:"t"`
		P float64   `json:"p"`
	} `json:"trade"`
}

// LatestPrice returns the last trade price for a symbol.
func (c *Client) LatestPrice(ctx context.Context, symbol string) (models.PricePoint, error) {
	var resp latestTradeResponse
	q := url.Values{"feed": []string{c.feed}}
	err := c.doRequest(ctx, http.MethodGet, c.dataURL, "/v2/stocks/"+url.PathEscape(symbol)+"/trades/latest", q, nil, &resp)
	var apiErr *APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound {
		return models.PricePoint{}, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}
	if err != nil {
		return models.PricePoint{}, err
	}
	if resp.Trade.P <= 0 {
		return models.PricePoint{}, fmt.Errorf("%s: %w", symbol, ErrSymbolNotFound)
	}
	return models.PricePoint{Time: resp.Trade.T, Price: resp.Trade.P}, nil
}
