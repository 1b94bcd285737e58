package signals

import (
	"iter"
	"math"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/gregtusar/pairs/pkg/pairs"
)

// DefaultExitBand is the exit threshold as a fraction of the entry threshold.
const DefaultExitBand = 1.0 / 3.0

const stdEpsilon = 1e-9

type Config struct {
	ZThreshold    float64
	ExitBand      float64
	RollingWindow int
	KalmanCov     float64
	Estimator     EstimatorKind
	// StopZ exits an open position whose spread keeps diverging past it.
	// Zero disables the stop.
	StopZ float64
}

func DefaultConfig() Config {
	return Config{
		ZThreshold:    1.5,
		ExitBand:      DefaultExitBand,
		RollingWindow: 60,
		KalmanCov:     0.005,
		Estimator:     EstimatorMoving,
	}
}

// Step is the engine output for one aligned timestamp.
type Step struct {
	Time     time.Time
	PriceA   float64
	PriceB   float64
	Spread   float64
	Mean     float64
	Std      float64
	Z        float64
	Defined  bool
	Signal   models.Signal
	Position models.PositionState
}

// Engine turns aligned prices of one pair into signals. It tracks the
// position the signals imply so EXIT only fires while a position is open.
// An Engine is not safe for concurrent use.
type Engine struct {
	pair models.CandidatePair
	cfg  Config
	est  Estimator
	pos  models.PositionState
	// set by a stop-out; entries are held until |z| falls back under the
	// entry threshold
	stopped bool
}

func NewEngine(pair models.CandidatePair, cfg Config) *Engine {
	if cfg.ExitBand <= 0 {
		cfg.ExitBand = DefaultExitBand
	}
	return &Engine{
		pair: pair,
		cfg:  cfg,
		est:  NewEstimator(cfg),
		pos:  models.StateFlat,
	}
}

func (e *Engine) Pair() models.CandidatePair { return e.pair }

func (e *Engine) Position() models.PositionState { return e.pos }

// SetPosition overrides the tracked position, e.g. after a restore or a
// failed order.
func (e *Engine) SetPosition(s models.PositionState) { e.pos = s }

func (e *Engine) Reset() {
	e.est.Reset()
	e.pos = models.StateFlat
	e.stopped = false
}

// Update feeds one aligned price pair and returns the resulting step.
func (e *Engine) Update(t time.Time, priceA, priceB float64) Step {
	spread := priceA - e.pair.HedgeRatio*priceB
	mean, std, ok := e.est.Update(spread)

	step := Step{
		Time:   t,
		PriceA: priceA,
		PriceB: priceB,
		Spread: spread,
		Mean:   mean,
		Std:    std,
		Signal: models.SignalHold,
	}
	if ok && std > stdEpsilon*math.Max(1, math.Abs(mean)) {
		step.Defined = true
		step.Z = (spread - mean) / std
		step.Signal = e.classify(step.Z)
	}

	if next, changed := e.pos.Next(step.Signal); changed {
		e.pos = next
	}
	step.Position = e.pos
	return step
}

func (e *Engine) classify(z float64) models.Signal {
	threshold, stop := e.cfg.ZThreshold, e.cfg.StopZ
	if e.stopped && math.Abs(z) < threshold {
		e.stopped = false
	}

	switch {
	case stop > 0 && e.pos == models.StateLongSpreadOpen && z <= -stop,
		stop > 0 && e.pos == models.StateShortSpreadOpen && z >= stop:
		e.stopped = true
		return models.SignalExit
	case e.stopped && !e.pos.Open():
		return models.SignalHold
	case z >= threshold:
		return models.SignalShortSpread
	case z <= -threshold:
		return models.SignalLongSpread
	case e.pos.Open() && math.Abs(z) < threshold*e.cfg.ExitBand:
		return models.SignalExit
	default:
		return models.SignalHold
	}
}

// Steps lazily replays the aligned history of a and b through a fresh engine.
// Each iteration starts from scratch, so the sequence can be consumed any
// number of times with identical results.
func Steps(pair models.CandidatePair, a, b models.PriceSeries, cfg Config) iter.Seq[Step] {
	return func(yield func(Step) bool) {
		times, pa, pb := pairs.Align(a, b)
		engine := NewEngine(pair, cfg)
		for i := range times {
			if !yield(engine.Update(times[i], pa[i], pb[i])) {
				return
			}
		}
	}
}
