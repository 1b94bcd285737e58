package signals

import (
	"math"

	"gonum.org/v1/gonum/stat"
)

// Estimator maintains a running mean and standard deviation of the spread.
// ok is false until the estimator has seen its warm-up window.
type Estimator interface {
	Update(x float64) (mean, std float64, ok bool)
	Reset()
}

type EstimatorKind string

const (
	EstimatorMoving EstimatorKind = "moving"
	EstimatorKalman EstimatorKind = "kalman"
)

// NewEstimator builds the estimator selected by cfg.
func NewEstimator(cfg Config) Estimator {
	if cfg.Estimator == EstimatorKalman {
		return NewKalman(cfg.KalmanCov, cfg.RollingWindow)
	}
	return NewMovingWindow(cfg.RollingWindow)
}

// MovingWindow is a simple trailing window with sample standard deviation.
type MovingWindow struct {
	window int
	buf    []float64
	next   int
	count  int
}

// NewMovingWindow keeps the last window values. Windows below two are raised
// to two, the smallest size with a sample deviation.
func NewMovingWindow(window int) *MovingWindow {
	window = max(window, 2)
	return &MovingWindow{window: window, buf: make([]float64, window)}
}

func (m *MovingWindow) Update(x float64) (float64, float64, bool) {
	m.buf[m.next] = x
	m.next = (m.next + 1) % m.window
	if m.count < m.window {
		m.count++
	}
	if m.count < m.window {
		return 0, 0, false
	}
	mean, std := stat.MeanStdDev(m.buf, nil)
	return mean, std, true
}

func (m *MovingWindow) Reset() {
	m.next, m.count = 0, 0
	for i := range m.buf {
		m.buf[i] = 0
	}
}

// Kalman is a local-level filter: the spread is a random walk level observed
// with noise. processCov is the fixed process noise; the observation noise
// is estimated from the innovations. The returned mean is the one-step-ahead
// prediction and std is the innovation standard deviation, so the z-score is
// the standardized innovation.
type Kalman struct {
	processCov float64
	warmup     int

	level   float64
	varEst  float64
	seen    int
	innov   welford
	started bool
}

func NewKalman(processCov float64, warmup int) *Kalman {
	warmup = max(warmup, 2)
	k := &Kalman{processCov: processCov, warmup: warmup}
	k.Reset()
	return k
}

func (k *Kalman) Update(x float64) (float64, float64, bool) {
	k.seen++
	if !k.started {
		k.level = x
		k.varEst = 1
		k.started = true
		return x, 0, false
	}

	predVar := k.varEst + k.processCov
	innovation := x - k.level
	k.innov.add(innovation)

	obsVar := k.processCov
	if k.innov.count >= 2 {
		obsVar = k.innov.variance()
	}

	s := predVar + obsVar
	mean, std := k.level, math.Sqrt(s)

	gain := predVar / s
	k.level += gain * innovation
	k.varEst = (1 - gain) * predVar

	return mean, std, k.seen >= k.warmup
}

func (k *Kalman) Reset() {
	k.level, k.varEst = 0, 1
	k.seen = 0
	k.started = false
	k.innov = welford{}
}

type welford struct {
	count int
	mean  float64
	m2    float64
}

func (w *welford) add(x float64) {
	w.count++
	delta := x - w.mean
	w.mean += delta / float64(w.count)
	w.m2 += delta * (x - w.mean)
}

func (w *welford) variance() float64 {
	if w.count < 2 {
		return 0
	}
	return w.m2 / float64(w.count-1)
}
