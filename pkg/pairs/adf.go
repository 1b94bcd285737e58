package pairs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

type adfResult struct {
	stat    float64
	usedLag int
	nobs    int
}

// adfMaxLag is Schwert's rule capped so every candidate regression keeps
// enough rows.
func adfMaxLag(nobs int) int {
	maxlag := int(math.Ceil(12 * math.Pow(float64(nobs)/100, 0.25)))
	if limit := nobs/2 - 1; maxlag > limit {
		maxlag = limit
	}
	return maxlag
}

// adf runs an augmented Dickey-Fuller regression without constant or trend,
// selecting the lag order by AIC.
func adf(x []float64) (adfResult, error) {
	maxlag := adfMaxLag(len(x))
	if maxlag < 0 {
		return adfResult{}, fmt.Errorf("%w: %d observations", ErrInsufficientData, len(x))
	}

	dx := make([]float64, len(x)-1)
	for i := 1; i < len(x); i++ {
		dx[i-1] = x[i] - x[i-1]
	}

	// All candidate lags share the sample starting at maxlag.
	bestLag, bestAIC := -1, math.Inf(1)
	for lag := 0; lag <= maxlag; lag++ {
		X, y := adfDesign(x, dx, lag, maxlag)
		fit, err := ols(X, y)
		if err != nil {
			continue
		}
		if aic := fit.aic(); aic < bestAIC {
			bestAIC, bestLag = aic, lag
		}
	}
	if bestLag < 0 {
		return adfResult{}, fmt.Errorf("%w: no lag order could be fit", ErrSingular)
	}

	X, y := adfDesign(x, dx, bestLag, bestLag)
	fit, err := ols(X, y)
	if err != nil {
		return adfResult{}, err
	}
	return adfResult{stat: fit.tvalue(0), usedLag: bestLag, nobs: fit.nobs}, nil
}

// adfDesign builds rows t = start..len(dx)-1 with columns
// [x[t], dx[t-1], ..., dx[t-lag]] and target dx[t].
func adfDesign(x, dx []float64, lag, start int) (*mat.Dense, []float64) {
	rows := len(dx) - start
	cols := lag + 1
	data := make([]float64, 0, rows*cols)
	y := make([]float64, 0, rows)
	for t := start; t < len(dx); t++ {
		data = append(data, x[t])
		for j := 1; j <= lag; j++ {
			data = append(data, dx[t-j])
		}
		y = append(y, dx[t])
	}
	return mat.NewDense(rows, cols, data), y
}
