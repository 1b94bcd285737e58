package trader

import (
	"context"
	"fmt"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
)

// ParamRange is an inclusive sampling range.
type ParamRange struct {
	Min float64
	Max float64
}

func (r ParamRange) uniform(rng *rand.Rand) float64 {
	return r.Min + rng.Float64()*(r.Max-r.Min)
}

func (r ParamRange) uniformInt(rng *rand.Rand) int {
	lo, hi := int(r.Min), int(r.Max)
	if hi <= lo {
		return lo
	}
	return lo + rng.Intn(hi-lo+1)
}

// TuneSpace bounds the random search over signal and selection parameters.
type TuneSpace struct {
	ZThreshold    ParamRange
	LookbackDays  ParamRange
	RollingWindow ParamRange
	KalmanCov     ParamRange
}

func DefaultTuneSpace() TuneSpace {
	return TuneSpace{
		ZThreshold:    ParamRange{Min: 0.5, Max: 3.0},
		LookbackDays:  ParamRange{Min: 30, Max: 365},
		RollingWindow: ParamRange{Min: 10, Max: 120},
		KalmanCov:     ParamRange{Min: 1e-4, Max: 1e-2},
	}
}

type TrialParams struct {
	ZThreshold    float64 `json:"z_threshold"`
	LookbackDays  int     `json:"lookback_days"`
	RollingWindow int     `json:"rolling_window"`
	KalmanCov     float64 `json:"kalman_cov"`
}

func (s TuneSpace) sample(rng *rand.Rand) TrialParams {
	return TrialParams{
		ZThreshold:    s.ZThreshold.uniform(rng),
		LookbackDays:  max(s.LookbackDays.uniformInt(rng), 2),
		RollingWindow: max(s.RollingWindow.uniformInt(rng), 2),
		KalmanCov:     s.KalmanCov.uniform(rng),
	}
}

// Trial is one backtest of the search. Report is nil when Err is set.
type Trial struct {
	Params TrialParams
	Report *Report
	Err    error
}

type TuneConfig struct {
	Backtest BacktestConfig
	Space    TuneSpace
	Trials   int
	Workers  int
	Seed     int64
}

// Tune fetches history once for the widest formation window in the space,
// then backtests Trials random parameter sets against it. Results are
// ordered by PnL, best first, with failed trials last.
func Tune(ctx context.Context, provider BarProvider, cfg TuneConfig, logger *logrus.Logger) ([]Trial, error) {
	if cfg.Trials <= 0 {
		return nil, fmt.Errorf("trials must be positive, got %d", cfg.Trials)
	}
	if cfg.Workers < 1 {
		cfg.Workers = 1
	}
	bt := cfg.Backtest
	if bt.Timeframe == "" {
		bt.Timeframe = models.TimeframeDay
	}
	if bt.End.IsZero() {
		bt.End = time.Now().UTC()
	}

	widest := int(cfg.Space.LookbackDays.Max) + bt.TestBars
	history, err := provider.GetBars(ctx, bt.Session.Universe, bt.Timeframe, bt.End.Add(-HistoryWindow(widest, bt.Timeframe)), bt.End)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch history: %w", err)
	}
	bars := NewSeriesBars(history)

	rng := rand.New(rand.NewSource(cfg.Seed))
	trials := make([]Trial, cfg.Trials)
	for i := range trials {
		trials[i].Params = cfg.Space.sample(rng)
	}

	jobs := make(chan int)
	var wg sync.WaitGroup
	for w := 0; w < cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range jobs {
				trials[i].Report, trials[i].Err = runTrial(ctx, bars, bt, trials[i].Params, logger)
				entry := logger.WithFields(logrus.Fields{
					"trial":          i + 1,
					"z_threshold":    trials[i].Params.ZThreshold,
					"lookback_days":  trials[i].Params.LookbackDays,
					"rolling_window": trials[i].Params.RollingWindow,
					"kalman_cov":     trials[i].Params.KalmanCov,
				})
				if trials[i].Err != nil {
					entry.WithError(trials[i].Err).Warn("Trial failed")
					continue
				}
				entry.WithField("pnl", trials[i].Report.PnL).Info("Trial complete")
			}
		}()
	}

feed:
	for i := range trials {
		select {
		case <-ctx.Done():
			break feed
		case jobs <- i:
		}
	}
	close(jobs)
	wg.Wait()
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	sort.SliceStable(trials, func(i, j int) bool {
		a, b := trials[i], trials[j]
		if (a.Err == nil) != (b.Err == nil) {
			return a.Err == nil
		}
		return a.Err == nil && a.Report.PnL > b.Report.PnL
	})
	return trials, nil
}

func runTrial(ctx context.Context, bars BarProvider, bt BacktestConfig, p TrialParams, logger *logrus.Logger) (*Report, error) {
	bt.Session.HistoryBars = p.LookbackDays
	bt.Session.Selector.LookbackDays = p.LookbackDays
	bt.Session.Signals.ZThreshold = p.ZThreshold
	bt.Session.Signals.RollingWindow = p.RollingWindow
	bt.Session.Signals.KalmanCov = p.KalmanCov
	if bt.Session.Signals.StopZ > 0 && bt.Session.Signals.StopZ <= p.ZThreshold {
		bt.Session.Signals.StopZ = 0
	}
	return RunBacktest(ctx, bars, bt, logger)
}
