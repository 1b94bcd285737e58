package trader

import (
	"context"
	"io"
	"sort"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
)

// BarSource yields the next aligned bar across the universe. It returns
// io.EOF when no more bars will arrive.
type BarSource interface {
	Next(ctx context.Context) (models.BarSet, error)
}

// HistoricalSource replays stored series in timestamp order.
type HistoricalSource struct {
	sets []models.BarSet
	pos  int
}

func NewHistoricalSource(series []models.PriceSeries) *HistoricalSource {
	byTime := make(map[time.Time]map[string]float64)
	for _, s := range series {
		for _, p := range s.Points {
			prices, ok := byTime[p.Time]
			if !ok {
				prices = make(map[string]float64, len(series))
				byTime[p.Time] = prices
			}
			prices[s.Symbol] = p.Price
		}
	}

	sets := make([]models.BarSet, 0, len(byTime))
	for t, prices := range byTime {
		sets = append(sets, models.BarSet{Time: t, Prices: prices})
	}
	sort.Slice(sets, func(i, j int) bool { return sets[i].Time.Before(sets[j].Time) })
	return &HistoricalSource{sets: sets}
}

func (h *HistoricalSource) Len() int { return len(h.sets) }

func (h *HistoricalSource) Next(ctx context.Context) (models.BarSet, error) {
	if err := ctx.Err(); err != nil {
		return models.BarSet{}, err
	}
	if h.pos >= len(h.sets) {
		return models.BarSet{}, io.EOF
	}
	bs := h.sets[h.pos]
	h.pos++
	return bs, nil
}

// PriceLookup returns the latest traded price of a symbol.
type PriceLookup interface {
	LatestPrice(ctx context.Context, symbol string) (models.PricePoint, error)
}

// LastBarTime returns the newest timestamp across series.
func LastBarTime(series []models.PriceSeries) time.Time {
	var last time.Time
	for _, s := range series {
		if p, ok := s.Last(); ok && p.Time.After(last) {
			last = p.Time
		}
	}
	return last
}

// DropOpenBars removes trailing bars that had not closed at now.
func DropOpenBars(series []models.PriceSeries, tf models.Timeframe, now time.Time) []models.PriceSeries {
	out := make([]models.PriceSeries, 0, len(series))
	for _, s := range series {
		n := len(s.Points)
		for n > 0 && s.Points[n-1].Time.Add(tf.Duration()).After(now) {
			n--
		}
		out = append(out, models.PriceSeries{Symbol: s.Symbol, Points: s.Points[:n]})
	}
	return out
}

// PollingSource asks the provider for bars of one timeframe every interval
// and emits each bar once it has closed. The first poll happens immediately.
type PollingSource struct {
	provider BarProvider
	symbols  []string
	tf       models.Timeframe
	interval time.Duration
	logger   *logrus.Logger

	last   time.Time
	ready  []models.BarSet
	polled bool
	now    func() time.Time
}

// NewPollingSource emits bars newer than after. A zero after starts from the
// most recent closed bar.
func NewPollingSource(provider BarProvider, symbols []string, tf models.Timeframe, interval time.Duration, after time.Time, logger *logrus.Logger) *PollingSource {
	return &PollingSource{
		provider: provider,
		symbols:  symbols,
		tf:       tf,
		interval: interval,
		logger:   logger,
		last:     after,
		now:      time.Now,
	}
}

func (p *PollingSource) Next(ctx context.Context) (models.BarSet, error) {
	for len(p.ready) == 0 {
		if p.polled {
			select {
			case <-ctx.Done():
				return models.BarSet{}, ctx.Err()
			case <-time.After(p.interval):
			}
		}
		p.polled = true

		if err := p.poll(ctx); err != nil {
			if ctx.Err() != nil {
				return models.BarSet{}, ctx.Err()
			}
			p.logger.WithError(err).Warn("Failed to poll bars")
		}
	}
	bs := p.ready[0]
	p.ready = p.ready[1:]
	return bs, nil
}

// poll queues every bar that closed since the last emitted one.
func (p *PollingSource) poll(ctx context.Context) error {
	now := p.now().UTC()
	width := p.tf.Duration()
	start := p.last
	if start.IsZero() {
		start = now.Add(-HistoryWindow(2, p.tf))
	}

	series, err := p.provider.GetBars(ctx, p.symbols, p.tf, start, now)
	if err != nil {
		return err
	}

	closed := make(map[time.Time]map[string]float64)
	for _, s := range series {
		for _, pt := range s.Points {
			if !pt.Time.After(p.last) || pt.Time.Add(width).After(now) || pt.Price <= 0 {
				continue
			}
			prices, ok := closed[pt.Time]
			if !ok {
				prices = make(map[string]float64, len(p.symbols))
				closed[pt.Time] = prices
			}
			prices[s.Symbol] = pt.Price
		}
	}

	times := make([]time.Time, 0, len(closed))
	for t := range closed {
		times = append(times, t)
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	if p.last.IsZero() && len(times) > 1 {
		times = times[len(times)-1:]
	}

	for _, t := range times {
		p.ready = append(p.ready, models.BarSet{Time: t, Prices: closed[t]})
		p.last = t
	}
	return nil
}

// StreamSource rolls streamed minute bars up into bars of one timeframe.
// Buckets are aligned to the origin passed at construction. A bucket is
// released once every symbol has reported its final minute, or with
// whatever arrived when a later bucket shows up.
type StreamSource struct {
	bars    <-chan models.Bar
	symbols map[string]bool
	width   time.Duration
	origin  time.Time
	pending map[time.Time]*bucket
	ready   []models.BarSet
	last    time.Time
	logger  *logrus.Logger
}

type bucket struct {
	prices map[string]float64
	final  map[string]bool
}

// NewStreamSource aggregates bars into tf buckets aligned to after, which is
// normally the last warm-up bar. Bars inside buckets at or before after are
// dropped.
func NewStreamSource(bars <-chan models.Bar, symbols []string, tf models.Timeframe, after time.Time, logger *logrus.Logger) *StreamSource {
	set := make(map[string]bool, len(symbols))
	for _, s := range symbols {
		set[s] = true
	}
	return &StreamSource{
		bars:    bars,
		symbols: set,
		width:   tf.Duration(),
		origin:  after,
		pending: make(map[time.Time]*bucket),
		last:    after,
		logger:  logger,
	}
}

func (s *StreamSource) Next(ctx context.Context) (models.BarSet, error) {
	for len(s.ready) == 0 {
		select {
		case <-ctx.Done():
			return models.BarSet{}, ctx.Err()
		case bar, ok := <-s.bars:
			if !ok {
				return models.BarSet{}, io.EOF
			}
			s.add(bar)
		}
	}
	bs := s.ready[0]
	s.ready = s.ready[1:]
	return bs, nil
}

func (s *StreamSource) bucketStart(t time.Time) time.Time {
	if s.origin.IsZero() {
		return t.Truncate(s.width)
	}
	offset := t.Sub(s.origin)
	n := offset / s.width
	if offset < 0 && offset%s.width != 0 {
		n--
	}
	return s.origin.Add(n * s.width)
}

func (s *StreamSource) add(bar models.Bar) {
	if !s.symbols[bar.Symbol] {
		return
	}
	start := s.bucketStart(bar.Timestamp)
	if !start.After(s.last) {
		s.logger.WithFields(logrus.Fields{
			"symbol": bar.Symbol,
			"time":   bar.Timestamp,
		}).Debug("Dropping late bar")
		return
	}

	b, ok := s.pending[start]
	if !ok {
		b = &bucket{
			prices: make(map[string]float64, len(s.symbols)),
			final:  make(map[string]bool, len(s.symbols)),
		}
		s.pending[start] = b
	}
	b.prices[bar.Symbol] = bar.Close
	if !bar.Timestamp.Add(time.Minute).Before(start.Add(s.width)) {
		b.final[bar.Symbol] = true
	}

	if len(b.final) == len(s.symbols) {
		s.flushThrough(start)
		return
	}
	// a later bucket means older ones will not receive more bars
	var older time.Time
	for t := range s.pending {
		if t.Before(start) && t.After(older) {
			older = t
		}
	}
	if !older.IsZero() {
		s.flushThrough(older)
	}
}

func (s *StreamSource) flushThrough(cutoff time.Time) {
	var times []time.Time
	for t := range s.pending {
		if !t.After(cutoff) {
			times = append(times, t)
		}
	}
	sort.Slice(times, func(i, j int) bool { return times[i].Before(times[j]) })
	for _, t := range times {
		s.ready = append(s.ready, models.BarSet{Time: t, Prices: s.pending[t].prices})
		delete(s.pending, t)
	}
	s.last = cutoff
}
