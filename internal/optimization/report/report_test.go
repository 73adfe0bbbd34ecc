package report

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/objective"
)

func sampleRecord() *optimization.RunRecord {
	start := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	return &optimization.RunRecord{
		ID:                   "3f2a9c1e-0000-4000-8000-000000000001",
		Algorithm:            optimization.PSO,
		Seed:                 7,
		Status:               optimization.StatusCompleted,
		Reason:               optimization.StopMaxEvaluations,
		RealEvaluations:      20,
		RealSuccesses:        18,
		SurrogateEvaluations: 12,
		Failures:             2,
		Best: &optimization.Solution{
			Parameters: map[string]float64{"radius": 3.1, "width": 0.45},
			Vector:     []float64{3.1, 0.45},
			Metrics:    optimization.MetricVector{"s21_db": -0.8, "freq_ghz": 2.41},
			Fitness:    -0.8,
			Satisfied:  true,
			Source:     optimization.SourceReal,
		},
		Iterations: []optimization.IterationRecord{
			{Index: 0, BestFitness: -3.2, RealEvaluations: 10, Elapsed: time.Second},
			{Index: 1, BestFitness: -0.8, RealEvaluations: 10, SurrogateEvaluations: 12, Failures: 2, Elapsed: 2 * time.Second},
		},
		StartedAt:  start,
		FinishedAt: start.Add(2 * time.Second),
		Elapsed:    2 * time.Second,
	}
}

func TestToMap(t *testing.T) {
	m := ToMap(sampleRecord())

	assert.Equal(t, "PSO", m["algorithm"])
	assert.Equal(t, "completed", m["status"])
	assert.Equal(t, 2, m["iterations"])
	assert.InDelta(t, 2.0, m["elapsed_seconds"], 1e-9)

	evals := m["evaluations"].(map[string]any)
	assert.Equal(t, 20, evals["real"])
	assert.Equal(t, 12, evals["surrogate"])
	assert.Equal(t, 2, evals["failed"])

	best := m["best"].(map[string]any)
	assert.Equal(t, map[string]float64{"radius": 3.1, "width": 0.45}, best["parameters"])
	assert.Equal(t, -0.8, best["fitness"])

	trace := m["trace"].([]map[string]any)
	require.Len(t, trace, 2)
	assert.Equal(t, -3.2, trace[0]["best_fitness"])

	// The map is serialisable as is.
	_, err := json.Marshal(m)
	assert.NoError(t, err)
}

func TestToMapWithoutBest(t *testing.T) {
	rec := sampleRecord()
	rec.Best = nil
	rec.Status = optimization.StatusAborted
	rec.Reason = optimization.StopNoSuccessfulEvals
	rec.Message = "budget exhausted"

	m := ToMap(rec)
	assert.NotContains(t, m, "best")
	assert.Equal(t, "budget exhausted", m["message"])
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteJSON(&buf, sampleRecord()))

	var decoded optimization.RunRecord
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	assert.Equal(t, sampleRecord().Best, decoded.Best)
	assert.Len(t, decoded.Iterations, 2)
}

func TestWriteJSONWorstFitness(t *testing.T) {
	rec := sampleRecord()
	rec.Iterations[0].BestFitness = optimization.WorstFitness

	var buf bytes.Buffer
	assert.NoError(t, WriteJSON(&buf, rec))
}

func TestSummary(t *testing.T) {
	s := Summary(sampleRecord())
	assert.Equal(t, "PSO run 3f2a9c1e completed (max_evaluations) after 2 iterations, 20 real + 12 surrogate evaluations, 2 failed; best fitness -0.8000 at radius=3.1000 width=0.4500", s)

	rec := sampleRecord()
	rec.Best = nil
	assert.Contains(t, Summary(rec), "no feasible result")
}

func TestMarkdown(t *testing.T) {
	space, err := optimization.NewSpace(
		optimization.Variable{Name: "radius", Lower: 2, Upper: 5, Unit: "mm"},
		optimization.Variable{Name: "width", Lower: 0.2, Upper: 1, Unit: "mm"},
	)
	require.NoError(t, err)
	threshold, target := 2.0, 2.4
	spec := &objective.Spec{Terms: []objective.Term{
		{Metric: "s21_db", Direction: objective.Maximize, Weight: 2},
		{Metric: "freq_ghz", Direction: objective.Target, Target: &target},
		{Metric: "vswr", Direction: objective.Constraint, Comparator: objective.LessEqual, Threshold: &threshold},
	}}

	md := New(sampleRecord(), space, spec).Markdown()
	for _, want := range []string{
		"# Optimization report `3f2a9c1e-0000-4000-8000-000000000001`",
		"| Algorithm | PSO |",
		"| radius | continuous | [2.0000, 5.0000] | mm |",
		"| s21_db | maximize | 2.0000 |",
		"| freq_ghz | target 2.4000 | 1.0000 |",
		"| vswr | <= 2.0000 | 1.0000 |",
		"Fitness **-0.8000** (real, all constraints satisfied)",
		"| width | 0.4500 |",
		"| freq_ghz | 2.4100 |",
		"| 1 | -0.8000 | 10 | 12 | 0 | 2 |",
	} {
		assert.Contains(t, md, want)
	}

	var buf bytes.Buffer
	require.NoError(t, New(sampleRecord(), nil, nil).WriteMarkdown(&buf))
	assert.NotContains(t, buf.String(), "## Design variables")
	assert.Contains(t, buf.String(), "## Convergence")
}

func TestMarkdownWithoutBest(t *testing.T) {
	rec := sampleRecord()
	rec.Best = nil
	rec.Message = "evaluator unreachable"
	md := New(rec, nil, nil).Markdown()
	assert.Contains(t, md, "No successful evaluation.")
	assert.Contains(t, md, "> evaluator unreachable")
}
