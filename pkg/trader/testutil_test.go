package trader

import (
	"context"
	"io"
	"math/rand"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
)

func newTestLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

var day0 = time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC)

func makeSeries(symbol string, prices []float64) models.PriceSeries {
	s := models.PriceSeries{Symbol: symbol}
	for i, p := range prices {
		s.Points = append(s.Points, models.PricePoint{Time: day0.AddDate(0, 0, i), Price: p})
	}
	return s
}

// cointegrated returns b as a random walk around 100 and a = b + noise, with
// a shifted by shock at the given indices.
func cointegrated(seed int64, n int, noise float64, shocks map[int]float64) (a, b []float64) {
	rng := rand.New(rand.NewSource(seed))
	a = make([]float64, n)
	b = make([]float64, n)
	level := 100.0
	for i := 0; i < n; i++ {
		level += rng.NormFloat64()
		b[i] = level
		a[i] = level + noise*rng.NormFloat64() + shocks[i]
	}
	return a, b
}

type staticProvider struct {
	series []models.PriceSeries
	calls  int
}

func (p *staticProvider) GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time) ([]models.PriceSeries, error) {
	p.calls++
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []models.PriceSeries
	for _, s := range p.series {
		if want[s.Symbol] {
			out = append(out, s)
		}
	}
	return out, nil
}
