package pairs

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sort"
	"sync"
	"time"

	"github.com/gregtusar/pairs/pkg/models"
	"github.com/sirupsen/logrus"
	"gonum.org/v1/gonum/stat"
)

var (
	ErrInsufficientData = errors.New("insufficient aligned observations")
	ErrZeroVariance     = errors.New("zero-variance series")
	ErrSingular         = errors.New("singular regression")
)

const varianceEpsilon = 1e-12

type Config struct {
	LookbackDays int
	Significance float64
	MaxPairs     int
	Workers      int
}

func DefaultConfig() Config {
	return Config{
		LookbackDays: 90,
		Significance: 0.05,
		MaxPairs:     10,
	}
}

// Selector runs Engle-Granger tests over every pair in a universe.
type Selector struct {
	cfg    Config
	logger *logrus.Logger
	now    func() time.Time
}

func NewSelector(cfg Config, logger *logrus.Logger) *Selector {
	if cfg.Workers <= 0 {
		cfg.Workers = runtime.NumCPU()
	}
	return &Selector{cfg: cfg, logger: logger, now: time.Now}
}

type pairJob struct {
	a, b models.PriceSeries
}

// Select returns the significant pairs ordered by ascending p-value, ties
// broken by pair ID. Pairs that cannot be tested are logged and skipped.
// A is the earlier symbol in universe order.
func (s *Selector) Select(ctx context.Context, universe []models.PriceSeries) ([]models.CandidatePair, error) {
	jobs := make(chan pairJob)
	var (
		mu      sync.Mutex
		results []models.CandidatePair
		wg      sync.WaitGroup
	)

	selectedAt := s.now().UTC()
	for w := 0; w < s.cfg.Workers; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				pair, err := EngleGranger(job.a, job.b, s.cfg.LookbackDays)
				if err != nil {
					s.logger.WithError(err).WithFields(logrus.Fields{
						"a": job.a.Symbol,
						"b": job.b.Symbol,
					}).Debug("Pair excluded")
					continue
				}
				if pair.PValue >= s.cfg.Significance {
					continue
				}
				pair.SelectedAt = selectedAt
				mu.Lock()
				results = append(results, pair)
				mu.Unlock()
			}
		}()
	}

	var cancelled error
feed:
	for i := 0; i < len(universe); i++ {
		for j := i + 1; j < len(universe); j++ {
			select {
			case <-ctx.Done():
				cancelled = ctx.Err()
				break feed
			case jobs <- pairJob{a: universe[i], b: universe[j]}:
			}
		}
	}
	close(jobs)
	wg.Wait()
	if cancelled != nil {
		return nil, cancelled
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].PValue != results[j].PValue {
			return results[i].PValue < results[j].PValue
		}
		return results[i].ID() < results[j].ID()
	})
	if s.cfg.MaxPairs > 0 && len(results) > s.cfg.MaxPairs {
		results = results[:s.cfg.MaxPairs]
	}

	s.logger.WithFields(logrus.Fields{
		"universe": len(universe),
		"selected": len(results),
	}).Info("Pair selection complete")
	return results, nil
}

// EngleGranger regresses a on b, tests the residual for a unit root and
// returns the resulting pair. minObs is the minimum number of aligned points.
func EngleGranger(a, b models.PriceSeries, minObs int) (models.CandidatePair, error) {
	_, y, x := Align(a, b)
	if len(y) == 0 || len(y) < minObs {
		return models.CandidatePair{}, fmt.Errorf("%w: %d < %d", ErrInsufficientData, len(y), minObs)
	}
	if stat.Variance(y, nil) < varianceEpsilon || stat.Variance(x, nil) < varianceEpsilon {
		return models.CandidatePair{}, ErrZeroVariance
	}

	alpha, beta, resid := hedgeRatio(y, x)
	if stat.Variance(resid, nil) < varianceEpsilon {
		return models.CandidatePair{}, fmt.Errorf("%w: exact linear relation", ErrSingular)
	}

	res, err := adf(resid)
	if err != nil {
		return models.CandidatePair{}, err
	}

	return models.CandidatePair{
		A:            a.Symbol,
		B:            b.Symbol,
		TestStat:     res.stat,
		PValue:       mackinnonP(res.stat, 2),
		HedgeRatio:   beta,
		Intercept:    alpha,
		HalfLife:     HalfLife(resid),
		Observations: len(y),
	}, nil
}

// Align inner-joins two series on timestamp.
func Align(a, b models.PriceSeries) (times []time.Time, pa, pb []float64) {
	i, j := 0, 0
	for i < len(a.Points) && j < len(b.Points) {
		ta, tb := a.Points[i].Time, b.Points[j].Time
		switch {
		case ta.Equal(tb):
			times = append(times, ta)
			pa = append(pa, a.Points[i].Price)
			pb = append(pb, b.Points[j].Price)
			i++
			j++
		case ta.Before(tb):
			i++
		default:
			j++
		}
	}
	return times, pa, pb
}
