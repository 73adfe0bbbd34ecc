// Package testutil provides deterministic stub evaluators and assertion
// helpers shared by the optimization tests.
package testutil

import (
	"context"
	"errors"
	"fmt"
	"math"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
)

// Counting wraps an evaluator and counts calls.
type Counting struct {
	evaluator.Evaluator
	calls atomic.Int64
}

// Count wraps ev.
func Count(ev evaluator.Evaluator) *Counting {
	return &Counting{Evaluator: ev}
}

// Evaluate forwards to the wrapped evaluator.
func (c *Counting) Evaluate(ctx context.Context, params []float64) (optimization.MetricVector, error) {
	c.calls.Add(1)
	return c.Evaluator.Evaluate(ctx, params)
}

// Calls returns the number of Evaluate calls so far.
func (c *Counting) Calls() int { return int(c.calls.Load()) }

// Quadratic reports "loss" as the squared distance to center and "gain" as
// its negation.
func Quadratic(center ...float64) *evaluator.Func {
	return evaluator.NewFunc([]string{"loss", "gain"}, func(_ context.Context, x []float64) (optimization.MetricVector, error) {
		if len(x) != len(center) {
			return nil, fmt.Errorf("expected %d parameters, got %d", len(center), len(x))
		}
		d := 0.0
		for i, v := range x {
			d += (v - center[i]) * (v - center[i])
		}
		return optimization.MetricVector{"loss": d, "gain": -d}, nil
	})
}

// NegAbs reports "value" = -|x0|.
func NegAbs() *evaluator.Func {
	return evaluator.NewFunc([]string{"value"}, func(_ context.Context, x []float64) (optimization.MetricVector, error) {
		return optimization.MetricVector{"value": -math.Abs(x[0])}, nil
	})
}

// AlwaysFail fails every evaluation with reason.
func AlwaysFail(reason optimization.FailureReason, schema ...string) *evaluator.Func {
	if len(schema) == 0 {
		schema = []string{"loss", "gain"}
	}
	return evaluator.NewFunc(schema, func(context.Context, []float64) (optimization.MetricVector, error) {
		return nil, optimization.Fail(reason, errors.New("stub failure"))
	})
}

// Flaky fails every n-th call of next with non-convergence.
func Flaky(next evaluator.Evaluator, n int) evaluator.Evaluator {
	var calls atomic.Int64
	return evaluator.NewFunc(next.Schema(), func(ctx context.Context, x []float64) (optimization.MetricVector, error) {
		if calls.Add(1)%int64(n) == 0 {
			return nil, optimization.Fail(optimization.FailureNonConvergence, errors.New("solver did not converge"))
		}
		return next.Evaluate(ctx, x)
	})
}

// UnreachableAfter serves n calls of next and then reports the backend as
// permanently gone.
func UnreachableAfter(next evaluator.Evaluator, n int) evaluator.Evaluator {
	var calls atomic.Int64
	return evaluator.NewFunc(next.Schema(), func(ctx context.Context, x []float64) (optimization.MetricVector, error) {
		if calls.Add(1) > int64(n) {
			return nil, optimization.AbortError("simulator unreachable", errors.New("connection refused"))
		}
		return next.Evaluate(ctx, x)
	})
}

// Slow delays next by d, honouring cancellation.
func Slow(next evaluator.Evaluator, d time.Duration) evaluator.Evaluator {
	return evaluator.NewFunc(next.Schema(), func(ctx context.Context, x []float64) (optimization.MetricVector, error) {
		select {
		case <-time.After(d):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return next.Evaluate(ctx, x)
	})
}

// Space builds a continuous space from name/lower/upper triples.
func Space(t testing.TB, bounds ...any) *optimization.Space {
	t.Helper()
	require.Zero(t, len(bounds)%3, "bounds come in name, lower, upper triples")
	var vars []optimization.Variable
	for i := 0; i < len(bounds); i += 3 {
		vars = append(vars, optimization.Variable{
			Name:  bounds[i].(string),
			Lower: toFloat(bounds[i+1]),
			Upper: toFloat(bounds[i+2]),
		})
	}
	space, err := optimization.NewSpace(vars...)
	require.NoError(t, err)
	return space
}

func toFloat(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	panic(fmt.Sprintf("unsupported bound %T", v))
}

// InDeltaSlice fails unless got and want have equal length and every element
// is within tol.
func InDeltaSlice(t testing.TB, want, got []float64, tol float64) {
	t.Helper()
	require.Len(t, got, len(want))
	for i := range got {
		require.InDeltaf(t, want[i], got[i], tol, "at index %d", i)
	}
}
