package pairs

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// olsFit is an ordinary least squares fit of y on the columns of X.
type olsFit struct {
	coef   []float64
	stderr []float64
	ssr    float64
	nobs   int
}

// tvalue returns the t statistic of coefficient i.
func (f olsFit) tvalue(i int) float64 {
	return f.coef[i] / f.stderr[i]
}

// aic follows the Gaussian log-likelihood convention: -2*llf + 2*k.
func (f olsFit) aic() float64 {
	n := float64(f.nobs)
	llf := -n / 2 * (math.Log(2*math.Pi) + math.Log(f.ssr/n) + 1)
	return -2*llf + 2*float64(len(f.coef))
}

// ols fits y = X*b without adding a constant column.
func ols(X *mat.Dense, y []float64) (olsFit, error) {
	n, k := X.Dims()
	if n <= k {
		return olsFit{}, fmt.Errorf("%w: %d rows for %d regressors", ErrInsufficientData, n, k)
	}

	var qr mat.QR
	qr.Factorize(X)

	yv := mat.NewVecDense(n, y)
	var b mat.VecDense
	if err := qr.SolveVecTo(&b, false, yv); err != nil {
		return olsFit{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	var fitted mat.VecDense
	fitted.MulVec(X, &b)

	ssr := 0.0
	for i := 0; i < n; i++ {
		r := y[i] - fitted.AtVec(i)
		ssr += r * r
	}

	var xtx, inv mat.Dense
	xtx.Mul(X.T(), X)
	if err := inv.Inverse(&xtx); err != nil {
		return olsFit{}, fmt.Errorf("%w: %v", ErrSingular, err)
	}

	sigma2 := ssr / float64(n-k)
	fit := olsFit{
		coef:   make([]float64, k),
		stderr: make([]float64, k),
		ssr:    ssr,
		nobs:   n,
	}
	for i := 0; i < k; i++ {
		fit.coef[i] = b.AtVec(i)
		v := sigma2 * inv.At(i, i)
		if v <= 0 || math.IsNaN(v) {
			return olsFit{}, fmt.Errorf("%w: non-positive coefficient variance", ErrSingular)
		}
		fit.stderr[i] = math.Sqrt(v)
	}
	return fit, nil
}

// hedgeRatio regresses y on x with an intercept and returns the residuals.
func hedgeRatio(y, x []float64) (alpha, beta float64, resid []float64) {
	alpha, beta = stat.LinearRegression(x, y, nil, false)
	resid = make([]float64, len(y))
	for i := range y {
		resid[i] = y[i] - alpha - beta*x[i]
	}
	return alpha, beta, resid
}

// HalfLife estimates the mean-reversion half-life of a series from an AR(1)
// fit of its first difference on its lagged level. It returns 0 when the
// series does not revert.
func HalfLife(series []float64) float64 {
	if len(series) < 3 {
		return 0
	}
	lagged := series[:len(series)-1]
	delta := make([]float64, len(series)-1)
	for i := 1; i < len(series); i++ {
		delta[i-1] = series[i] - series[i-1]
	}
	_, slope := stat.LinearRegression(lagged, delta, nil, false)
	if slope >= 0 || math.IsNaN(slope) {
		return 0
	}
	return -math.Ln2 / slope
}
