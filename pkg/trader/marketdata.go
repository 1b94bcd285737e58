package trader

import (
	"context"
	"time"

	"github.com/gregtusar/pairs/pkg/cache"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
)

// BarProvider fetches historical close prices. Symbols without data are
// left out of the result rather than failing the call.
type BarProvider interface {
	GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time) ([]models.PriceSeries, error)
}

// CachedBars serves history from redis and falls through to the wrapped
// provider for symbols it has not seen for the requested range.
type CachedBars struct {
	next   BarProvider
	cache  *cache.BarCache
	logger *logrus.Logger
}

func NewCachedBars(next BarProvider, c *cache.BarCache, logger *logrus.Logger) *CachedBars {
	return &CachedBars{next: next, cache: c, logger: logger}
}

func (c *CachedBars) GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time) ([]models.PriceSeries, error) {
	// cache keys only line up when the range does
	start = start.Truncate(tf.Duration())
	end = end.Truncate(tf.Duration())

	found := make(map[string]models.PriceSeries, len(symbols))
	var missing []string
	for _, sym := range symbols {
		s, ok, err := c.cache.Get(ctx, sym, tf, start, end)
		if err != nil {
			c.logger.WithError(err).WithField("symbol", sym).Warn("Bar cache read failed")
		}
		if ok {
			found[sym] = s
			continue
		}
		missing = append(missing, sym)
	}

	if len(missing) > 0 {
		fetched, err := c.next.GetBars(ctx, missing, tf, start, end)
		if err != nil {
			return nil, err
		}
		for _, s := range fetched {
			found[s.Symbol] = s
			if err := c.cache.Set(ctx, s, tf, start, end); err != nil {
				c.logger.WithError(err).WithField("symbol", s.Symbol).Warn("Bar cache write failed")
			}
		}
	}

	c.logger.WithFields(logrus.Fields{
		"cached":  len(symbols) - len(missing),
		"fetched": len(missing),
	}).Debug("Loaded history")

	out := make([]models.PriceSeries, 0, len(found))
	for _, sym := range symbols {
		if s, ok := found[sym]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// SeriesBars serves bars from series already in memory, trimmed to the
// requested range. The timeframe argument is ignored.
type SeriesBars struct {
	series []models.PriceSeries
}

func NewSeriesBars(series []models.PriceSeries) *SeriesBars {
	return &SeriesBars{series: series}
}

func (m *SeriesBars) GetBars(ctx context.Context, symbols []string, tf models.Timeframe, start, end time.Time) ([]models.PriceSeries, error) {
	want := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		want[s] = true
	}
	var out []models.PriceSeries
	for _, s := range m.series {
		if !want[s.Symbol] {
			continue
		}
		cut := models.PriceSeries{Symbol: s.Symbol}
		for _, p := range s.Points {
			if !p.Time.Before(start) && !p.Time.After(end) {
				cut.Points = append(cut.Points, p)
			}
		}
		if cut.Len() > 0 {
			out = append(out, cut)
		}
	}
	return out, nil
}
