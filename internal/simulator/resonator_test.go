package simulator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
)

func simulate(t *testing.T, r *Resonator, radius, width float64) optimization.MetricVector {
	t.Helper()
	mv, err := r.Simulate(context.Background(), map[string]float64{ParamRadius: radius, ParamWidth: width})
	require.NoError(t, err)
	return mv
}

func TestResonanceScalesWithRadius(t *testing.T) {
	r := New(Config{})
	small := simulate(t, r, 2, 0.5)
	nominal := simulate(t, r, 3.3, 0.5)
	large := simulate(t, r, 5, 0.5)

	assert.Greater(t, small[MetricFrequency], nominal[MetricFrequency])
	assert.Greater(t, nominal[MetricFrequency], large[MetricFrequency])
	assert.InDelta(t, 2.4, nominal[MetricFrequency], 0.3)
	for _, name := range Metrics {
		assert.Contains(t, nominal, name)
	}
}

func TestPassbandAtProbe(t *testing.T) {
	r := New(Config{})
	nominal := simulate(t, r, 3.3, 0.5)
	detuned := simulate(t, r, 5, 0.5)

	assert.Greater(t, nominal[MetricS21], detuned[MetricS21])
	assert.Less(t, nominal[MetricS11], detuned[MetricS11])
	assert.Less(t, nominal[MetricVSWR], detuned[MetricVSWR])
	assert.GreaterOrEqual(t, nominal[MetricVSWR], 1.0)
	assert.LessOrEqual(t, nominal[MetricS21], 0.0)
	assert.GreaterOrEqual(t, detuned[MetricS11], float64(minDepthDB))
}

func TestWiderTraceRaisesQ(t *testing.T) {
	r := New(Config{})
	narrow := simulate(t, r, 3.3, 0.2)
	wide := simulate(t, r, 3.3, 1)
	assert.Greater(t, narrow[MetricBandwidth], wide[MetricBandwidth]*0.9)
}

func TestDegenerateGeometry(t *testing.T) {
	r := New(Config{})
	tests := []map[string]float64{
		{ParamRadius: 1, ParamWidth: 1},
		{ParamRadius: 3, ParamWidth: 0.5, ParamGap: 0},
		{ParamRadius: -1, ParamWidth: 0.5},
	}
	for _, params := range tests {
		_, err := r.Simulate(context.Background(), params)
		require.Error(t, err)
		assert.Equal(t, optimization.FailureNonConvergence, optimization.AsFailure(err).Reason, "%v", params)
	}

	_, err := r.Simulate(context.Background(), map[string]float64{ParamWidth: 0.5})
	assert.Equal(t, optimization.FailureInvalidOutput, optimization.AsFailure(err).Reason)
}

func TestLatencyHonoursCancellation(t *testing.T) {
	r := New(Config{Latency: time.Second})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	start := time.Now()
	_, err := r.Simulate(ctx, map[string]float64{ParamRadius: 3, ParamWidth: 0.5})
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, optimization.FailureCancelled, optimization.AsFailure(err).Reason)
}

func TestEvaluatorMapsVariables(t *testing.T) {
	r := New(Config{})
	ev, err := r.Evaluator([]string{ParamWidth, ParamRadius})
	require.NoError(t, err)
	assert.Equal(t, Metrics, ev.Schema())

	got, err := ev.Evaluate(context.Background(), []float64{0.5, 3.3})
	require.NoError(t, err)
	assert.Equal(t, simulate(t, r, 3.3, 0.5), got)

	_, err = r.Evaluator([]string{"length"})
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestServe(t *testing.T) {
	r := New(Config{})
	req, err := json.Marshal(evaluator.CommandRequest{
		Parameters: map[string]float64{ParamRadius: 3.3, ParamWidth: 0.5},
	})
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, r.Serve(context.Background(), bytes.NewReader(req), &out))
	var resp evaluator.CommandResponse
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.Empty(t, resp.Error)
	assert.InDelta(t, simulate(t, r, 3.3, 0.5)[MetricS21], resp.Metrics[MetricS21], 1e-12)

	out.Reset()
	require.NoError(t, r.Serve(context.Background(), strings.NewReader(`{"parameters":{"radius":1,"width":2}}`), &out))
	require.NoError(t, json.Unmarshal(out.Bytes(), &resp))
	assert.NotEmpty(t, resp.Error)
	assert.Equal(t, string(optimization.FailureNonConvergence), resp.Reason)

	err = r.Serve(context.Background(), strings.NewReader("not json"), &out)
	assert.Error(t, err)
	assert.False(t, errors.Is(err, optimization.ErrAborted))
}
