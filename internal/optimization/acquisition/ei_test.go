package acquisition

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestExpectedImprovement(t *testing.T) {
	tests := []struct {
		name          string
		bestObserved  float64
		xi            float64
		mu            float64
		sigma         float64
		expectedValue float64
	}{
		{
			name:          "clearly worse",
			bestObserved:  1.0,
			xi:            0.01,
			mu:            1.5,
			sigma:         0.1,
			expectedValue: 0.0,
		},
		{
			name:          "definite improvement",
			bestObserved:  1.0,
			xi:            0.01,
			mu:            0.5,
			sigma:         0.2,
			expectedValue: 0.4905,
		},
		{
			name:          "zero sigma",
			bestObserved:  1.0,
			xi:            0.0,
			mu:            0.5,
			sigma:         0.0,
			expectedValue: 0.5,
		},
		{
			name:          "zero sigma no improvement",
			bestObserved:  1.0,
			xi:            0.0,
			mu:            2.0,
			sigma:         0.0,
			expectedValue: 0.0,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ei := NewExpectedImprovement(tt.bestObserved, tt.xi)
			assert.InDelta(t, tt.expectedValue, ei.Compute(tt.mu, tt.sigma), 1e-4)
		})
	}
}

func TestExpectedImprovementUncertaintyHelps(t *testing.T) {
	ei := NewMaximizingExpectedImprovement(1.0, 0)

	// Same mean below the incumbent: more uncertainty means more upside.
	narrow := ei.Compute(0.8, 0.05)
	wide := ei.Compute(0.8, 0.5)
	assert.Greater(t, wide, narrow)
	assert.Greater(t, narrow, 0.0)

	assert.Greater(t, ei.Compute(1.5, 0.1), ei.Compute(0.5, 0.1))
}

func TestExpectedImprovementUpdate(t *testing.T) {
	ei := NewExpectedImprovement(1.0, 0.01)
	assert.Equal(t, 1.0, ei.BestObserved())

	ei.UpdateBest(0.5)
	assert.Equal(t, 0.5, ei.BestObserved())

	ei.SetXi(0.01)
	assert.Greater(t, ei.Compute(0.4, 0.1), 0.0)
}

func TestExpectedImprovementGradient(t *testing.T) {
	tests := []struct {
		name     string
		mu       float64
		sigma    float64
		minimize bool
	}{
		{name: "maximize", mu: 0.5, sigma: 0.5},
		{name: "minimize", mu: 0.7, sigma: 0.3, minimize: true},
		{name: "worse than incumbent", mu: 1.6, sigma: 0.4, minimize: true},
	}

	const h = 1e-6
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ei := NewMaximizingExpectedImprovement(1.0, 0.01)
			if tt.minimize {
				ei = NewExpectedImprovement(1.0, 0.01)
			}
			dmu, dsigma := 1.0, 1.0

			grad := ei.Gradient(tt.mu, dmu, tt.sigma, dsigma)
			f := func(eps float64) float64 {
				return ei.Compute(tt.mu+eps*dmu, tt.sigma+eps*dsigma)
			}
			numerical := (f(h) - f(-h)) / (2 * h)
			assert.InDelta(t, numerical, grad, 1e-6)
		})
	}
}

func TestRank(t *testing.T) {
	ei := NewMaximizingExpectedImprovement(0, 0)
	order := ei.Rank([]float64{-1, 2, 0.5, 2}, []float64{0.1, 0.1, 0.1, 0.1})
	assert.Equal(t, []int{1, 3, 2, 0}, order)

	assert.Empty(t, ei.Rank(nil, nil))
	assert.False(t, math.IsNaN(ei.Compute(0, 1)))
}
