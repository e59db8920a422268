// Package acquisition scores candidate patches for the Bayesian estimator.
package acquisition

import (
	"gonum.org/v1/gonum/stat/distuv"
)

// minSigma is the predictive deviation below which a prediction is treated
// as certain.
const minSigma = 1e-10

// ExpectedImprovement scores a candidate by how far its predicted error is
// expected to fall below the best observed error. Xi trades exploitation for
// exploration.
type ExpectedImprovement struct {
	Xi float64 `json:"xi"`
}

// NewExpectedImprovement creates the acquisition with trade-off xi.
func NewExpectedImprovement(xi float64) ExpectedImprovement {
	return ExpectedImprovement{Xi: xi}
}

// Compute returns the expected improvement over best of a candidate whose
// error is predicted as N(mu, sigma²). The result is never negative.
func (ei ExpectedImprovement) Compute(mu, sigma, best float64) float64 {
	improvement := best - mu - ei.Xi
	if sigma <= minSigma {
		if improvement > 0 {
			return improvement
		}
		return 0
	}

	z := improvement / sigma
	value := improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	if value < 0 {
		return 0
	}
	return value
}
