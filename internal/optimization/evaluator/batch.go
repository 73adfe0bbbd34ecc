package evaluator

import (
	"context"
	"time"

	"github.com/sourcegraph/conc/pool"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// Result is the outcome of one call in a batch.
type Result struct {
	Metrics  optimization.MetricVector
	Err      error
	Duration time.Duration
}

// EvaluateBatch evaluates every parameter vector with at most concurrency
// calls in flight. Results are indexed like params regardless of completion
// order. With concurrency <= 1 calls are issued sequentially in order.
func EvaluateBatch(ctx context.Context, ev Evaluator, params [][]float64, concurrency int) []Result {
	results := make([]Result, len(params))
	call := func(i int) {
		start := time.Now()
		mv, err := Call(ctx, ev, params[i])
		results[i] = Result{Metrics: mv, Err: err, Duration: time.Since(start)}
	}

	if concurrency <= 1 || len(params) <= 1 {
		for i := range params {
			call(i)
		}
		return results
	}

	p := pool.New().WithMaxGoroutines(concurrency)
	for i := range params {
		i := i
		p.Go(func() { call(i) })
	}
	p.Wait()
	return results
}
