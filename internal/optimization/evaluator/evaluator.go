// Package evaluator wraps the expensive external simulation behind a uniform
// interface and provides the adapters the controller composes around it:
// timeouts, exact-key caching and bounded concurrent batches.
package evaluator

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// Evaluator runs one expensive evaluation. Implementations translate the
// external process's failure signals into *optimization.EvaluationFailure and
// report a permanently unreachable backend with an optimization abort error.
type Evaluator interface {
	Evaluate(ctx context.Context, params []float64) (optimization.MetricVector, error)
	// Schema lists the metric names every successful evaluation produces.
	Schema() []string
}

// EvalFunc is the signature of an in-process evaluation.
type EvalFunc func(ctx context.Context, params []float64) (optimization.MetricVector, error)

// Func adapts a function with a declared schema to the Evaluator interface.
type Func struct {
	metrics []string
	fn      EvalFunc
}

// NewFunc creates a function-backed evaluator.
func NewFunc(schema []string, fn EvalFunc) *Func {
	return &Func{metrics: append([]string(nil), schema...), fn: fn}
}

// Evaluate calls the wrapped function.
func (f *Func) Evaluate(ctx context.Context, params []float64) (optimization.MetricVector, error) {
	return f.fn(ctx, params)
}

// Schema returns the declared metric names.
func (f *Func) Schema() []string { return append([]string(nil), f.metrics...) }

type timeoutEvaluator struct {
	next    Evaluator
	timeout time.Duration
}

// WithTimeout bounds every call to next. The bound holds even when next
// ignores its context: the caller stops waiting and receives a timeout
// failure while the abandoned call finishes in the background.
func WithTimeout(next Evaluator, timeout time.Duration) Evaluator {
	if timeout <= 0 {
		return next
	}
	return &timeoutEvaluator{next: next, timeout: timeout}
}

type callResult struct {
	metrics optimization.MetricVector
	err     error
}

func (t *timeoutEvaluator) Evaluate(ctx context.Context, params []float64) (optimization.MetricVector, error) {
	callCtx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan callResult, 1)
	go func() {
		// Panics on this goroutine are outside the caller's recover.
		mv, err := Call(callCtx, t.next, params)
		done <- callResult{metrics: mv, err: err}
	}()

	select {
	case r := <-done:
		if r.err != nil && errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, optimization.Fail(optimization.FailureTimeout, r.err)
		}
		return r.metrics, r.err
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return nil, optimization.Fail(optimization.FailureCancelled, ctx.Err())
		}
		return nil, optimization.Fail(optimization.FailureTimeout, fmt.Errorf("no result after %s", t.timeout))
	}
}

func (t *timeoutEvaluator) Schema() []string { return t.next.Schema() }

// Call invokes ev and converts panics into crash failures so a misbehaving
// evaluator cannot take the run down.
func Call(ctx context.Context, ev Evaluator, params []float64) (mv optimization.MetricVector, err error) {
	defer func() {
		if r := recover(); r != nil {
			mv = nil
			err = optimization.Fail(optimization.FailureCrash, fmt.Errorf("evaluator panic: %v", r))
		}
	}()
	return ev.Evaluate(ctx, params)
}
