package trader

import (
	"context"
	"testing"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/position"
)

func TestRunBacktest(t *testing.T) {
	a, b := cointegrated(7, 400, 0.5, map[int]float64{300: 6, 350: -6})
	provider := &staticProvider{series: []models.PriceSeries{makeSeries("AAA", a), makeSeries("BBB", b)}}

	cfg := BacktestConfig{
		Session:      testSessionConfig(),
		TestBars:     150,
		StartingCash: 10000,
		Position:     position.DefaultConfig(),
		End:          day0.AddDate(0, 0, 400),
	}
	report, err := RunBacktest(context.Background(), provider, cfg, newTestLogger())
	if err != nil {
		t.Fatalf("RunBacktest() error = %v", err)
	}

	if report.Bars != 150 {
		t.Errorf("Bars = %d, want 150", report.Bars)
	}
	if len(report.Pairs) != 1 || report.Pairs[0].Pair.ID() != "AAA/BBB" {
		t.Fatalf("Pairs = %+v", report.Pairs)
	}
	if report.Trades == 0 || report.Pairs[0].Trades != report.Trades {
		t.Errorf("Trades = %d, pair trades = %d", report.Trades, report.Pairs[0].Trades)
	}
	if report.StartingCash != 10000 {
		t.Errorf("StartingCash = %v", report.StartingCash)
	}
	if got := report.Equity - report.StartingCash; got != report.PnL {
		t.Errorf("PnL = %v, equity-start = %v", report.PnL, got)
	}
}

func TestRunBacktestDeterministic(t *testing.T) {
	a, b := cointegrated(11, 400, 0.5, map[int]float64{320: 5})
	series := []models.PriceSeries{makeSeries("AAA", a), makeSeries("BBB", b)}
	cfg := BacktestConfig{
		Session:  testSessionConfig(),
		TestBars: 150,
		Position: position.DefaultConfig(),
		End:      day0.AddDate(0, 0, 400),
	}

	first, err := RunBacktest(context.Background(), &staticProvider{series: series}, cfg, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	second, err := RunBacktest(context.Background(), &staticProvider{series: series}, cfg, newTestLogger())
	if err != nil {
		t.Fatal(err)
	}
	if first.Trades != second.Trades || first.PnL != second.PnL {
		t.Errorf("runs differ: %d/%v vs %d/%v", first.Trades, first.PnL, second.Trades, second.PnL)
	}
}

func TestHistoryWindow(t *testing.T) {
	tests := []struct {
		bars int
		tf   models.Timeframe
		min  time.Duration
	}{
		{bars: 90, tf: models.TimeframeDay, min: 126 * 24 * time.Hour},
		{bars: 70, tf: models.TimeframeHour, min: 14 * 24 * time.Hour},
		{bars: 390, tf: models.TimeframeMin, min: 2 * 24 * time.Hour},
	}
	for _, tt := range tests {
		if got := HistoryWindow(tt.bars, tt.tf); got < tt.min {
			t.Errorf("HistoryWindow(%d, %s) = %v, want >= %v", tt.bars, tt.tf, got, tt.min)
		}
	}
}
