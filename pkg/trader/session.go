package trader

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/gregtusar/pairs/pkg/metrics"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/notify"
	"github.com/gregtusar/pairs/pkg/pairs"
	"github.com/gregtusar/pairs/pkg/position"
	"github.com/gregtusar/pairs/pkg/signals"
	"github.com/sirupsen/logrus"
)

type Config struct {
	Universe []string
	// HistoryBars is how many bars per symbol are kept for selection and
	// engine warm-up.
	HistoryBars int
	// RefreshInterval re-runs pair selection; zero keeps the first selection.
	RefreshInterval time.Duration
	// CloseOnStop exits open positions when Run returns.
	CloseOnStop   bool
	SubmitTimeout time.Duration
	Selector      pairs.Config
	Signals       signals.Config
}

// PairStatus is the latest evaluation of a traded pair.
type PairStatus struct {
	Pair     models.CandidatePair `json:"pair"`
	Time     time.Time            `json:"time"`
	Spread   float64              `json:"spread"`
	Z        float64              `json:"z"`
	Defined  bool                 `json:"defined"`
	Signal   models.Signal        `json:"signal"`
	Position models.PositionState `json:"position"`
}

// Session drives selection, signal evaluation and execution for one run.
// The same code path serves backtests and live trading; only the BarSource
// and the adapter's executor differ.
type Session struct {
	cfg      Config
	selector *pairs.Selector
	adapter  *position.Adapter
	prices   PriceLookup
	notifier notify.Notifier
	logger   *logrus.Logger

	history map[string]*models.PriceSeries
	engines map[string]*signals.Engine
	// superseded pairs whose close-out has not committed yet; they get no
	// engine until the exit goes through
	closing    map[string]bool
	last       map[string]float64
	lastSelect time.Time

	mu       sync.RWMutex
	pairs    []models.CandidatePair
	statuses map[string]PairStatus
}

func NewSession(cfg Config, adapter *position.Adapter, notifier notify.Notifier, logger *logrus.Logger) *Session {
	if notifier == nil {
		notifier = notify.Nop{}
	}
	if cfg.SubmitTimeout <= 0 {
		cfg.SubmitTimeout = 30 * time.Second
	}
	return &Session{
		cfg:      cfg,
		selector: pairs.NewSelector(cfg.Selector, logger),
		adapter:  adapter,
		notifier: notifier,
		logger:   logger,
		history:  make(map[string]*models.PriceSeries),
		engines:  make(map[string]*signals.Engine),
		closing:  make(map[string]bool),
		last:     make(map[string]float64),
		statuses: make(map[string]PairStatus),
	}
}

// UsePriceLookup makes order quotes use the latest trade price instead of
// the bar close.
func (s *Session) UsePriceLookup(p PriceLookup) { s.prices = p }

// Warmup loads history, selects the initial pairs and primes their engines.
func (s *Session) Warmup(ctx context.Context, history []models.PriceSeries) error {
	for _, series := range history {
		trimmed := series.Tail(s.cfg.HistoryBars)
		cp := models.PriceSeries{Symbol: trimmed.Symbol, Points: append([]models.PricePoint(nil), trimmed.Points...)}
		s.history[series.Symbol] = &cp
		if p, ok := cp.Last(); ok {
			s.last[series.Symbol] = p.Price
		}
	}

	return s.reselect(ctx, LastBarTime(history))
}

// Run processes bars until the source is exhausted or ctx is cancelled.
// Cancellation is only observed between bars.
func (s *Session) Run(ctx context.Context, src BarSource) error {
	defer func() {
		if s.cfg.CloseOnStop {
			s.closeAll(context.WithoutCancel(ctx))
		}
	}()

	for {
		bs, err := src.Next(ctx)
		switch {
		case errors.Is(err, io.EOF):
			return nil
		case ctx.Err() != nil:
			s.logger.Info("Session stopped")
			return nil
		case err != nil:
			return fmt.Errorf("failed to read next bar: %w", err)
		}

		if err := s.Process(ctx, bs); err != nil {
			return err
		}
	}
}

// Process evaluates one aligned bar across all traded pairs.
func (s *Session) Process(ctx context.Context, bs models.BarSet) error {
	if s.cfg.RefreshInterval > 0 && !s.lastSelect.IsZero() && bs.Time.Sub(s.lastSelect) >= s.cfg.RefreshInterval {
		if err := s.reselect(ctx, bs.Time); err != nil {
			return err
		}
	}

	for sym, price := range bs.Prices {
		if price <= 0 {
			continue
		}
		s.last[sym] = price
		series, ok := s.history[sym]
		if !ok {
			series = &models.PriceSeries{Symbol: sym}
			s.history[sym] = series
		}
		if series.Append(models.PricePoint{Time: bs.Time, Price: price}) && s.cfg.HistoryBars > 0 && series.Len() > s.cfg.HistoryBars {
			*series = series.Tail(s.cfg.HistoryBars)
		}
	}

	s.settleClosing(ctx, bs.Time)

	var wg sync.WaitGroup
	for id, engine := range s.engines {
		pair := engine.Pair()
		pa, okA := bs.Prices[pair.A]
		pb, okB := bs.Prices[pair.B]
		if !okA || !okB || pa <= 0 || pb <= 0 {
			continue
		}
		wg.Add(1)
		go func(id string, engine *signals.Engine) {
			defer wg.Done()
			s.evaluate(ctx, engine, bs.Time, pa, pb)
		}(id, engine)
	}
	wg.Wait()

	metrics.CyclesProcessed.Inc()
	return nil
}

func (s *Session) evaluate(ctx context.Context, engine *signals.Engine, t time.Time, pa, pb float64) {
	pair := engine.Pair()
	step := engine.Update(t, pa, pb)
	metrics.Signals.WithLabelValues(string(step.Signal)).Inc()

	if step.Signal != models.SignalHold {
		s.logger.WithFields(logrus.Fields{
			"pair":   pair.ID(),
			"signal": step.Signal,
			"z":      step.Z,
		}).Debug("Signal")

		s.mu.RLock()
		prev := s.statuses[pair.ID()].Signal
		s.mu.RUnlock()
		if step.Signal != prev {
			s.notifier.Notify(notify.Event{
				Kind:    notify.KindSignal,
				Pair:    pair.ID(),
				Message: fmt.Sprintf("%s at z=%.2f", step.Signal, step.Z),
				Fields: map[string]string{
					"signal": string(step.Signal),
					"z":      strconv.FormatFloat(step.Z, 'f', 4, 64),
				},
				Time: t,
			})
		}

		q := s.quote(ctx, pair, step)
		// an order must run to completion once submitted
		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SubmitTimeout)
		_, err := s.adapter.Apply(subCtx, pair, step.Signal, q)
		cancel()
		switch {
		case errors.Is(err, position.ErrInFlight):
			s.logger.WithField("pair", pair.ID()).Warn("Skipping signal, order in flight")
		case err != nil:
			s.logger.WithError(err).WithField("pair", pair.ID()).Error("Failed to apply signal")
		}
		engine.SetPosition(s.adapter.State(pair.ID()))
		step.Position = engine.Position()
	}

	s.mu.Lock()
	s.statuses[pair.ID()] = PairStatus{
		Pair:     pair,
		Time:     t,
		Spread:   step.Spread,
		Z:        step.Z,
		Defined:  step.Defined,
		Signal:   step.Signal,
		Position: step.Position,
	}
	s.mu.Unlock()
}

func (s *Session) quote(ctx context.Context, pair models.CandidatePair, step signals.Step) position.Quote {
	q := position.Quote{PriceA: step.PriceA, PriceB: step.PriceB, Z: step.Z, Time: step.Time}
	if s.prices == nil {
		return q
	}
	if p, err := s.prices.LatestPrice(ctx, pair.A); err == nil && p.Price > 0 {
		q.PriceA = p.Price
	}
	if p, err := s.prices.LatestPrice(ctx, pair.B); err == nil && p.Price > 0 {
		q.PriceB = p.Price
	}
	return q
}

// reselect re-runs pair selection on the stored history. Pairs that drop out
// or whose definition changed are closed out before the new set trades.
func (s *Session) reselect(ctx context.Context, asOf time.Time) error {
	universe := make([]models.PriceSeries, 0, len(s.cfg.Universe))
	for _, sym := range s.cfg.Universe {
		series, ok := s.history[sym]
		if !ok || series.Len() == 0 {
			s.logger.WithField("symbol", sym).Warn("No history for symbol, excluded from selection")
			continue
		}
		universe = append(universe, *series)
	}

	selected, err := s.selector.Select(ctx, universe)
	if err != nil {
		return fmt.Errorf("pair selection failed: %w", err)
	}
	s.lastSelect = asOf

	next := make(map[string]models.CandidatePair, len(selected))
	for _, p := range selected {
		next[p.ID()] = p
	}

	// positions restored from storage may belong to pairs this session
	// has never built an engine for
	previous := make(map[string]models.CandidatePair, len(s.engines))
	for id, e := range s.engines {
		previous[id] = e.Pair()
	}
	for _, p := range s.adapter.Positions() {
		previous[p.Pair.ID()] = p.Pair
	}

	for id, old := range previous {
		if p, ok := next[id]; ok && p.SameDefinition(old) {
			delete(s.closing, id)
			continue
		}
		s.retire(ctx, id, asOf)
	}

	for _, p := range selected {
		if e, ok := s.engines[p.ID()]; ok && e.Pair().SameDefinition(p) {
			continue
		}
		if s.closing[p.ID()] {
			continue
		}
		s.engines[p.ID()] = s.primeEngine(p)
		s.notifier.Notify(notify.Event{
			Kind:    notify.KindPairFound,
			Pair:    p.ID(),
			Message: "cointegrated pair selected",
			Fields: map[string]string{
				"p_value":   fmt.Sprintf("%.4f", p.PValue),
				"beta":      fmt.Sprintf("%.4f", p.HedgeRatio),
				"half_life": fmt.Sprintf("%.1f", p.HalfLife),
			},
			Time: asOf,
		})
	}

	s.mu.Lock()
	s.pairs = selected
	for id := range s.statuses {
		if _, ok := next[id]; !ok {
			delete(s.statuses, id)
		}
	}
	s.mu.Unlock()

	metrics.PairsSelected.Set(float64(len(selected)))
	return nil
}

// primeEngine replays stored history through a new engine, then aligns its
// virtual position with the adapter.
func (s *Session) primeEngine(p models.CandidatePair) *signals.Engine {
	engine := signals.NewEngine(p, s.cfg.Signals)
	a, okA := s.history[p.A]
	b, okB := s.history[p.B]
	if okA && okB {
		times, pa, pb := pairs.Align(*a, *b)
		for i := range times {
			engine.Update(times[i], pa[i], pb[i])
		}
	}
	engine.SetPosition(s.adapter.State(p.ID()))
	return engine
}

// retire closes out any position still open under id and drops its engine.
// When the close-out fails the pair is parked in closing and retried on
// every bar.
func (s *Session) retire(ctx context.Context, id string, asOf time.Time) bool {
	delete(s.engines, id)
	if def, open := s.adapter.Definition(id); open {
		q := position.Quote{PriceA: s.last[def.A], PriceB: s.last[def.B], Time: asOf}
		subCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.SubmitTimeout)
		_, err := s.adapter.CloseOut(subCtx, id, q)
		cancel()
		if err != nil {
			s.closing[id] = true
			s.logger.WithError(err).WithField("pair", id).Error("Failed to close out superseded pair")
			return false
		}
		s.logger.WithField("pair", id).Info("Closed out superseded pair")
	}
	delete(s.closing, id)
	s.adapter.Forget(id)
	return true
}

// settleClosing retries pending close-outs. A pair that is still selected
// gets a fresh engine once its old position is gone.
func (s *Session) settleClosing(ctx context.Context, t time.Time) {
	for id := range s.closing {
		if !s.retire(ctx, id, t) {
			continue
		}
		for _, p := range s.Pairs() {
			if p.ID() == id {
				s.engines[id] = s.primeEngine(p)
			}
		}
	}
}

func (s *Session) closeAll(ctx context.Context) {
	for _, p := range s.adapter.Positions() {
		q := position.Quote{PriceA: s.last[p.Pair.A], PriceB: s.last[p.Pair.B], Time: time.Now().UTC()}
		subCtx, cancel := context.WithTimeout(ctx, s.cfg.SubmitTimeout)
		if _, err := s.adapter.CloseOut(subCtx, p.Pair.ID(), q); err != nil {
			s.logger.WithError(err).WithField("pair", p.Pair.ID()).Error("Failed to close position on stop")
		}
		cancel()
	}
}

// Pairs returns the current selection, most significant first.
func (s *Session) Pairs() []models.CandidatePair {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]models.CandidatePair(nil), s.pairs...)
}

// Statuses returns the latest evaluation per pair ordered by pair ID.
func (s *Session) Statuses() []PairStatus {
	s.mu.RLock()
	out := make([]PairStatus, 0, len(s.statuses))
	for _, st := range s.statuses {
		out = append(out, st)
	}
	s.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Pair.ID() < out[j].Pair.ID() })
	return out
}

func (s *Session) Positions() []models.PairPosition {
	return s.adapter.Positions()
}
