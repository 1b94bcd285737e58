package trader

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/gregtusar/pairs/pkg/metrics"
	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/paper"
	"github.com/gregtusar/pairs/pkg/position"
	"github.com/sirupsen/logrus"
)

type BacktestConfig struct {
	Session Config
	// TestBars is the number of bars replayed after the formation window.
	TestBars     int
	Timeframe    models.Timeframe
	StartingCash float64
	Position     position.Config
	End          time.Time
}

type PairResult struct {
	Pair   models.CandidatePair `json:"pair"`
	Trades int                  `json:"trades"`
}

type Report struct {
	Pairs        []PairResult   `json:"pairs"`
	Trades       int            `json:"trades"`
	Bars         int            `json:"bars"`
	StartingCash float64        `json:"starting_cash"`
	Equity       float64        `json:"equity"`
	RealizedPnL  float64        `json:"realized_pnl"`
	PnL          float64        `json:"pnl"`
	Snapshot     paper.Snapshot `json:"snapshot"`
}

// tradeCounter counts committed transitions per pair.
type tradeCounter struct {
	byPair map[string]int
	total  int
}

func (c *tradeCounter) TransitionCommitted(t position.Transition) {
	c.byPair[t.PairID]++
	c.total++
}

func (c *tradeCounter) TransitionFailed(position.Failure) {}

// HistoryWindow converts a bar count into a fetch window wide enough to hold
// it once weekends, holidays and closed hours are skipped.
func HistoryWindow(bars int, tf models.Timeframe) time.Duration {
	switch tf {
	case models.TimeframeDay:
		return time.Duration(math.Ceil(float64(bars)*7/5)+10) * 24 * time.Hour
	case models.TimeframeHour:
		// about seven regular-session bars per trading day
		days := math.Ceil(float64(bars)/7*1.4) + 5
		return time.Duration(days) * 24 * time.Hour
	default:
		days := math.Ceil(float64(bars)/390*1.4) + 5
		return time.Duration(days) * 24 * time.Hour
	}
}

// RunBacktest selects pairs on the formation window and replays the bars
// that follow through a live-equivalent session backed by a paper account.
func RunBacktest(ctx context.Context, provider BarProvider, cfg BacktestConfig, logger *logrus.Logger, observers ...position.Observer) (*Report, error) {
	if cfg.Timeframe == "" {
		cfg.Timeframe = models.TimeframeDay
	}
	if cfg.StartingCash <= 0 {
		cfg.StartingCash = 100000
	}
	end := cfg.End
	if end.IsZero() {
		end = time.Now().UTC()
	}
	formation := cfg.Session.HistoryBars
	if formation <= 0 {
		formation = cfg.Session.Selector.LookbackDays
	}
	cfg.Session.HistoryBars = formation
	total := formation + cfg.TestBars

	start := end.Add(-HistoryWindow(total, cfg.Timeframe))
	history, err := provider.GetBars(ctx, cfg.Session.Universe, cfg.Timeframe, start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}

	warm := make([]models.PriceSeries, 0, len(history))
	test := make([]models.PriceSeries, 0, len(history))
	for _, s := range history {
		s = s.Tail(total)
		split := s.Len() - cfg.TestBars
		if split < 0 {
			split = 0
		}
		warm = append(warm, models.PriceSeries{Symbol: s.Symbol, Points: s.Points[:split]})
		test = append(test, models.PriceSeries{Symbol: s.Symbol, Points: s.Points[split:]})
	}

	account := paper.NewAccount(cfg.StartingCash)
	counter := &tradeCounter{byPair: make(map[string]int)}
	adapter := position.NewAdapter(cfg.Position, paper.NewBroker(account), logger, append(observers, counter)...)
	session := NewSession(cfg.Session, adapter, nil, logger)

	if err := session.Warmup(ctx, warm); err != nil {
		return nil, err
	}
	source := NewHistoricalSource(test)
	bars := source.Len()
	if err := session.Run(ctx, &clockedSource{src: source, account: account}); err != nil {
		return nil, err
	}

	snap := account.Snapshot(session.last)
	metrics.Equity.Set(snap.Equity)

	report := &Report{
		Trades:       counter.total,
		Bars:         bars,
		StartingCash: cfg.StartingCash,
		Equity:       snap.Equity,
		RealizedPnL:  snap.RealizedPnL,
		PnL:          snap.PnL(cfg.StartingCash),
		Snapshot:     snap,
	}
	for _, p := range session.Pairs() {
		report.Pairs = append(report.Pairs, PairResult{Pair: p, Trades: counter.byPair[p.ID()]})
	}

	logger.WithFields(logrus.Fields{
		"pairs":  len(report.Pairs),
		"trades": report.Trades,
		"bars":   report.Bars,
		"pnl":    report.PnL,
	}).Info("Backtest complete")
	return report, nil
}

// clockedSource stamps paper fills with the bar time being replayed.
type clockedSource struct {
	src     BarSource
	account *paper.Account
}

func (c *clockedSource) Next(ctx context.Context) (models.BarSet, error) {
	bs, err := c.src.Next(ctx)
	if err == nil {
		t := bs.Time
		c.account.SetClock(func() time.Time { return t })
	}
	return bs, err
}
