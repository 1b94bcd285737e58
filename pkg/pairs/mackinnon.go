package pairs

import (
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/distuv"
)

// MacKinnon (1994) response surface for the constant-only case, indexed by
// the number of variables in the cointegrating regression minus one.
var (
	tauMaxC  = []float64{2.74, 0.92}
	tauMinC  = []float64{-18.83, -18.86}
	tauStarC = []float64{-1.61, -2.62}

	tauSmallPC = [][]float64{
		{2.1659, 1.4412, 0.038269},
		{2.92, 1.5012, 0.039796},
	}
	tauLargePC = [][]float64{
		{1.7339, 0.93202, -0.12745, -0.010368},
		{2.1945, 0.64695, -0.29198, -0.042377},
	}
)

// mackinnonP returns the approximate asymptotic p-value of a Dickey-Fuller
// statistic for n variables.
func mackinnonP(teststat float64, n int) float64 {
	i := n - 1
	if teststat > tauMaxC[i] {
		return 1
	}
	if teststat < tauMinC[i] {
		return 0
	}
	coef := tauLargePC[i]
	if teststat <= tauStarC[i] {
		coef = tauSmallPC[i]
	}
	return distuv.UnitNormal.CDF(polyval(coef, teststat))
}

func polyval(coef []float64, x float64) float64 {
	pow := make([]float64, len(coef))
	p := 1.0
	for i := range pow {
		pow[i] = p
		p *= x
	}
	return floats.Dot(coef, pow)
}
