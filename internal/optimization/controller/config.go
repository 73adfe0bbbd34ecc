package controller

import (
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
	"github.com/copyleftdev/devopt/internal/optimization/objective"
	"github.com/copyleftdev/devopt/internal/optimization/search"
	"github.com/copyleftdev/devopt/internal/optimization/surrogate"
)

// Budget bounds a run. Any limit that is reached stops it; zero disables a
// limit, but at least one must be set.
type Budget struct {
	// MaxEvaluations counts real evaluations only.
	MaxEvaluations int           `json:"max_evaluations,omitempty" yaml:"max_evaluations,omitempty"`
	MaxIterations  int           `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxDuration    time.Duration `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
}

// Progress is emitted after every iteration.
type Progress struct {
	RunID                string
	Algorithm            optimization.AlgorithmName
	Iteration            int
	BestFitness          float64
	BestVector           []float64
	RealEvaluations      int
	SurrogateEvaluations int
	CacheHits            int
	Failures             int
	Elapsed              time.Duration
}

// ProgressFunc receives progress updates on a dedicated goroutine.
type ProgressFunc func(Progress)

// Metrics receives run telemetry. Implementations must be safe for
// concurrent use by several runs.
type Metrics interface {
	ObserveEvaluation(algorithm optimization.AlgorithmName, source optimization.Source, failure optimization.FailureReason, took time.Duration)
	ObserveIteration(algorithm optimization.AlgorithmName, bestFitness float64)
	ObserveRun(algorithm optimization.AlgorithmName, status optimization.RunStatus, reason optimization.StopReason, took time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ObserveEvaluation(optimization.AlgorithmName, optimization.Source, optimization.FailureReason, time.Duration) {
}
func (nopMetrics) ObserveIteration(optimization.AlgorithmName, float64) {}
func (nopMetrics) ObserveRun(optimization.AlgorithmName, optimization.RunStatus, optimization.StopReason, time.Duration) {
}

// Config describes one optimization run.
type Config struct {
	// RunID identifies the run. A random UUID is used when empty.
	RunID     string
	Algorithm optimization.AlgorithmName
	Options   search.Options
	Space     *optimization.Space
	Objective *objective.Spec
	Evaluator evaluator.Evaluator
	Budget    Budget
	// Seed drives every random decision of the run. Zero picks a
	// time-derived seed, which is recorded.
	Seed int64
	// Concurrency bounds the evaluations in flight within one batch.
	Concurrency int
	// Timeout bounds every real evaluation. Zero disables it.
	Timeout time.Duration
	// Cache defaults to a fresh in-memory cache. A Redis cache is scoped to
	// the run id.
	Cache     evaluator.Cache
	Surrogate surrogate.Policy
	// AbortAfterFailures aborts the run after that many consecutive failed
	// real evaluations. Zero disables it.
	AbortAfterFailures int
	Progress           ProgressFunc
	Metrics            Metrics
	Logger             *zap.Logger
}

// Validate checks the configuration before any evaluation happens.
func (c *Config) Validate() error {
	if c.Evaluator == nil {
		return optimization.ConfigErrorf("evaluator", "an evaluator is required")
	}
	if c.Space == nil {
		return optimization.ConfigErrorf("space", "parameter space is required")
	}
	if err := c.Space.Validate(); err != nil {
		return err
	}
	name, err := optimization.ParseAlgorithm(string(c.Algorithm))
	if err != nil {
		return err
	}
	if err := c.Options.Validate(name); err != nil {
		return err
	}
	if err := c.Objective.Validate(c.Evaluator.Schema()); err != nil {
		return err
	}

	b := c.Budget
	switch {
	case b.MaxEvaluations < 0:
		return optimization.ConfigErrorf("budget.max_evaluations", "must not be negative, got %d", b.MaxEvaluations)
	case b.MaxIterations < 0:
		return optimization.ConfigErrorf("budget.max_iterations", "must not be negative, got %d", b.MaxIterations)
	case b.MaxDuration < 0:
		return optimization.ConfigErrorf("budget.max_duration", "must not be negative, got %s", b.MaxDuration)
	case b.MaxEvaluations == 0 && b.MaxIterations == 0 && b.MaxDuration == 0:
		return optimization.ConfigErrorf("budget", "at least one of max_evaluations, max_iterations or max_duration is required")
	}

	switch {
	case c.Concurrency < 0:
		return optimization.ConfigErrorf("concurrency", "must not be negative, got %d", c.Concurrency)
	case c.Timeout < 0:
		return optimization.ConfigErrorf("timeout", "must not be negative, got %s", c.Timeout)
	case c.AbortAfterFailures < 0:
		return optimization.ConfigErrorf("abort_after_failures", "must not be negative, got %d", c.AbortAfterFailures)
	}
	if c.Surrogate.Enabled {
		if err := c.Surrogate.WithDefaults(c.Space.Dim()).Validate(); err != nil {
			return err
		}
	}
	return nil
}
