package objective

import (
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/devopt/internal/optimization"
)

func ptr(v float64) *float64 { return &v }

var schema = []string{"s21_db", "s11_db", "vswr", "freq_ghz"}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		spec    Spec
		schema  []string
		wantErr string
	}{
		{
			name:   "valid mixed spec",
			spec:   Spec{Terms: []Term{{Metric: "s21_db", Direction: Maximize}, {Metric: "vswr", Direction: Constraint, Comparator: Less, Threshold: ptr(2)}}},
			schema: schema,
		},
		{
			name:    "no terms",
			spec:    Spec{},
			schema:  schema,
			wantErr: "at least one term",
		},
		{
			name:    "unknown metric",
			spec:    Spec{Terms: []Term{{Metric: "gain_db", Direction: Maximize}}},
			schema:  schema,
			wantErr: `metric "gain_db" is not produced`,
		},
		{
			name:    "target without value",
			spec:    Spec{Terms: []Term{{Metric: "freq_ghz", Direction: Target}}},
			schema:  schema,
			wantErr: "requires a target value",
		},
		{
			name:    "constraint without comparator",
			spec:    Spec{Terms: []Term{{Metric: "s21_db", Direction: Constraint, Threshold: ptr(-20)}}},
			schema:  schema,
			wantErr: "unknown comparator",
		},
		{
			name:    "negative weight",
			spec:    Spec{Terms: []Term{{Metric: "s21_db", Direction: Minimize, Weight: -1}}},
			schema:  schema,
			wantErr: "weight",
		},
		{
			name:    "empty schema",
			spec:    Spec{Terms: []Term{{Metric: "s21_db", Direction: Minimize}}},
			wantErr: "declares no output metrics",
		},
		{
			name:    "unknown direction",
			spec:    Spec{Terms: []Term{{Metric: "s21_db", Direction: "sideways"}}},
			schema:  schema,
			wantErr: "unknown direction",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.spec.Validate(tt.schema)
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestScoreDirections(t *testing.T) {
	spec := Spec{Normalization: Linear, Terms: []Term{
		{Metric: "s21_db", Direction: Minimize, Weight: 2},
		{Metric: "vswr", Direction: Maximize},
		{Metric: "freq_ghz", Direction: Target, Target: ptr(2.4), Scale: 0.1},
	}}

	score, err := spec.Score(optimization.MetricVector{"s21_db": -30, "vswr": 1.5, "freq_ghz": 2.5})
	require.NoError(t, err)
	assert.True(t, score.Satisfied)
	assert.Empty(t, score.Violations)
	// 60 + 1.5 - |2.5-2.4|/0.1
	assert.InDelta(t, 60+1.5-1.0, score.Fitness, 1e-9)
}

func TestScoreMissingMetric(t *testing.T) {
	spec := Spec{Terms: []Term{{Metric: "s21_db", Direction: Minimize}}}
	_, err := spec.Score(optimization.MetricVector{"vswr": 1})
	require.Error(t, err)

	out := spec.Outcome(optimization.MetricVector{"s21_db": math.NaN()}, optimization.SourceReal, 3)
	assert.Equal(t, optimization.FailureInvalidOutput, out.Failure)
	assert.Equal(t, optimization.WorstFitness, out.Fitness)
	assert.Equal(t, 3, out.Seq)
}

func TestConstraintViolation(t *testing.T) {
	spec := Spec{Terms: []Term{
		{Metric: "s21_db", Direction: Constraint, Comparator: Less, Threshold: ptr(-20)},
	}}

	ok, err := spec.Score(optimization.MetricVector{"s21_db": -25})
	require.NoError(t, err)
	assert.True(t, ok.Satisfied)

	bad, err := spec.Score(optimization.MetricVector{"s21_db": -15})
	require.NoError(t, err)
	assert.False(t, bad.Satisfied)
	require.Len(t, bad.Violations, 1)
	assert.Equal(t, "s21_db", bad.Violations[0].Metric)
	assert.InDelta(t, 5, bad.Violations[0].Magnitude, 1e-12)
	assert.Less(t, bad.Fitness, ok.Fitness)
}

// A candidate that violates a constraint must never outrank a feasible one,
// whatever its soft objectives look like.
func TestConstraintDominance(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for _, norm := range []Normalization{Bounded, Linear} {
		spec := Spec{Normalization: norm, Terms: []Term{
			{Metric: "s21_db", Direction: Maximize, Weight: 5},
			{Metric: "freq_ghz", Direction: Target, Target: ptr(2.4)},
			{Metric: "vswr", Direction: Constraint, Comparator: LessEqual, Threshold: ptr(2)},
		}}
		for i := 0; i < 500; i++ {
			feasible := optimization.MetricVector{
				"s21_db":   -1e5 * rng.Float64(),
				"freq_ghz": 1e4 * rng.Float64(),
				"vswr":     1 + rng.Float64(),
			}
			infeasible := optimization.MetricVector{
				"s21_db":   1e5 * rng.Float64(),
				"freq_ghz": 2.4,
				"vswr":     2.0001 + 100*rng.Float64(),
			}
			f, err := spec.Score(feasible)
			require.NoError(t, err)
			g, err := spec.Score(infeasible)
			require.NoError(t, err)
			require.Less(t, g.Fitness, f.Fitness, "normalization %s iteration %d", norm, i)
			require.Greater(t, g.Fitness, optimization.WorstFitness)
		}
	}
}

func TestSigma(t *testing.T) {
	spec := Spec{Terms: []Term{
		{Metric: "s21_db", Direction: Maximize, Weight: 3},
		{Metric: "vswr", Direction: Minimize, Weight: 4},
		{Metric: "s11_db", Direction: Constraint, Comparator: Less, Threshold: ptr(-10)},
	}}
	sigma := spec.Sigma(optimization.MetricVector{"s21_db": 1, "vswr": 1, "s11_db": 100})
	assert.InDelta(t, 5, sigma, 1e-12)
}
