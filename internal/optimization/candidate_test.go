package optimization

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func evaluated(fitness float64, violations, seq int) *Candidate {
	o := Outcome{Fitness: fitness, Source: SourceReal, Seq: seq, Satisfied: violations == 0}
	for i := 0; i < violations; i++ {
		o.Violations = append(o.Violations, Violation{Metric: "s11_db", Value: -5, Threshold: -10, Magnitude: 0.5})
	}
	return NewCandidate([]float64{fitness}).WithOutcome(o)
}

func TestCandidateIsImmutable(t *testing.T) {
	params := []float64{1, 2, 3}
	c := NewCandidate(params)
	params[0] = 99
	assert.Equal(t, 1.0, c.At(0), "NewCandidate copies its input")

	got := c.Params()
	got[1] = 99
	assert.Equal(t, []float64{1, 2, 3}, c.Params())
	assert.Equal(t, 3, c.Dim())

	assert.False(t, c.Evaluated())
	assert.Equal(t, WorstFitness, c.Fitness())
	assert.Equal(t, WorstFitness, c.Outcome().Fitness)
	assert.Equal(t, Source(""), c.Source())

	metrics := MetricVector{"freq_ghz": 2.4}
	e := c.WithOutcome(Outcome{Fitness: -0.1, Metrics: metrics, Source: SourceSurrogate})
	metrics["freq_ghz"] = 0
	assert.False(t, c.Evaluated(), "WithOutcome leaves the receiver alone")
	require.True(t, e.Evaluated())
	assert.Equal(t, 2.4, e.Outcome().Metrics["freq_ghz"])
	assert.Equal(t, SourceSurrogate, e.Source())

	out := e.Outcome()
	out.Metrics["freq_ghz"] = 7
	assert.Equal(t, 2.4, e.Outcome().Metrics["freq_ghz"], "Outcome returns a copy")
}

func TestBetter(t *testing.T) {
	tests := []struct {
		name string
		a, b *Candidate
		want bool
	}{
		{"higher fitness", evaluated(2, 1, 5), evaluated(1, 0, 0), true},
		{"lower fitness", evaluated(1, 0, 0), evaluated(2, 0, 1), false},
		{"fewer violations", evaluated(1, 0, 4), evaluated(1, 2, 0), true},
		{"more violations", evaluated(1, 2, 0), evaluated(1, 1, 4), false},
		{"earlier evaluation", evaluated(1, 0, 2), evaluated(1, 0, 3), true},
		{"identical", evaluated(1, 0, 2), evaluated(1, 0, 2), false},
		{"unevaluated loses", NewCandidate([]float64{0}), evaluated(WorstFitness, 3, 9), false},
		{"beats unevaluated", evaluated(WorstFitness, 3, 9), NewCandidate([]float64{0}), true},
		{"nil", nil, evaluated(0, 0, 0), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Better(tt.a, tt.b))
		})
	}
}

func TestBestOfAndSortBest(t *testing.T) {
	assert.Nil(t, BestOf(nil))
	assert.Nil(t, BestOf([]*Candidate{NewCandidate([]float64{1})}))

	first := evaluated(3, 0, 1)
	tied := evaluated(3, 0, 4)
	worse := evaluated(1, 0, 2)
	violating := evaluated(3, 1, 0)
	pending := NewCandidate([]float64{9})

	cs := []*Candidate{worse, pending, tied, violating, first}
	assert.Same(t, first, BestOf(cs))

	SortBest(cs)
	assert.Equal(t, []*Candidate{first, tied, violating, worse, pending}, cs)
}

func TestMetricVector(t *testing.T) {
	var empty MetricVector
	assert.Nil(t, empty.Clone())

	m := MetricVector{"s11_db": -12, "freq_ghz": 2.4, "q": 40}
	assert.Equal(t, []string{"freq_ghz", "q", "s11_db"}, m.Names())
	c := m.Clone()
	c["q"] = 0
	assert.Equal(t, 40.0, m["q"])

	assert.True(t, Outcome{Failure: FailureTimeout}.Failed())
	assert.False(t, Outcome{}.Failed())
}
