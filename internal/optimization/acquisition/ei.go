// Package acquisition scores surrogate predictions by how promising they are
// to evaluate for real.
package acquisition

import (
	"sort"

	"gonum.org/v1/gonum/stat/distuv"
)

// sigmaFloor is the predictive deviation below which a prediction is treated
// as certain.
const sigmaFloor = 1e-10

// ExpectedImprovement implements the Expected Improvement acquisition function
type ExpectedImprovement struct {
	// Best observed value so far
	bestObserved float64
	// Exploration-exploitation trade-off parameter (xi)
	xi float64
	// Whether we're minimizing (true) or maximizing (false)
	minimize bool
}

// NewExpectedImprovement creates an acquisition function for minimization.
func NewExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{bestObserved: bestObserved, xi: xi, minimize: true}
}

// NewMaximizingExpectedImprovement creates an acquisition function for
// maximization, where higher values are better.
func NewMaximizingExpectedImprovement(bestObserved, xi float64) *ExpectedImprovement {
	return &ExpectedImprovement{bestObserved: bestObserved, xi: xi}
}

func (ei *ExpectedImprovement) improvement(mu float64) float64 {
	if ei.minimize {
		return ei.bestObserved - mu - ei.xi
	}
	return mu - ei.bestObserved - ei.xi
}

// Compute returns the expected improvement of a prediction with mean mu and
// standard deviation sigma. The result is never negative.
func (ei *ExpectedImprovement) Compute(mu, sigma float64) float64 {
	improvement := ei.improvement(mu)
	if sigma <= sigmaFloor {
		if improvement > 0 {
			return improvement
		}
		return 0
	}

	z := improvement / sigma
	v := improvement*distuv.UnitNormal.CDF(z) + sigma*distuv.UnitNormal.Prob(z)
	if v < 0 {
		return 0
	}
	return v
}

// Gradient computes the gradient of the Expected Improvement
// dmu: derivative of mu with respect to the parameter
// dsigma: derivative of sigma with respect to the parameter
func (ei *ExpectedImprovement) Gradient(mu, dmu float64, sigma, dsigma float64) float64 {
	sign := 1.0
	if ei.minimize {
		sign = -1.0
	}
	improvement := ei.improvement(mu)
	if sigma <= sigmaFloor {
		if improvement > 0 {
			return sign * dmu
		}
		return 0
	}

	z := improvement / sigma
	// dEI/dmu = sign * Φ(z), dEI/dsigma = φ(z)
	return sign*distuv.UnitNormal.CDF(z)*dmu + distuv.UnitNormal.Prob(z)*dsigma
}

// Rank returns the indices of the predictions ordered by decreasing expected
// improvement. Ties keep their original order.
func (ei *ExpectedImprovement) Rank(mu, sigma []float64) []int {
	scores := make([]float64, len(mu))
	idx := make([]int, len(mu))
	for i := range mu {
		scores[i] = ei.Compute(mu[i], sigma[i])
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return scores[idx[a]] > scores[idx[b]] })
	return idx
}

// UpdateBest updates the best observed value
func (ei *ExpectedImprovement) UpdateBest(best float64) {
	ei.bestObserved = best
}

// SetXi sets the exploration-exploitation trade-off parameter
func (ei *ExpectedImprovement) SetXi(xi float64) {
	ei.xi = xi
}

// BestObserved returns the best observed value
func (ei *ExpectedImprovement) BestObserved() float64 {
	return ei.bestObserved
}
