// Package controller drives one optimization run: it wires the evaluation
// pipeline into the selected search algorithm, enforces the budget, tracks
// the validated best and produces the run record.
package controller

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
	"github.com/copyleftdev/devopt/internal/optimization/search"
	"github.com/copyleftdev/devopt/internal/optimization/surrogate"
)

// Controller owns a single run. It is not reusable.
type Controller struct {
	cfg       Config
	id        string
	algorithm optimization.Algorithm
	evaluator evaluator.Evaluator
	cache     evaluator.Cache
	surrogate *surrogate.Surrogate
	metrics   Metrics
	logger    *zap.Logger

	mu      sync.Mutex
	started bool
	cancel  context.CancelFunc
}

// New validates cfg and prepares a run. Configuration problems are
// reported here, before any evaluation.
func New(cfg Config) (*Controller, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg.Algorithm, _ = optimization.ParseAlgorithm(string(cfg.Algorithm))

	c := &Controller{
		cfg:     cfg,
		id:      cfg.RunID,
		metrics: cfg.Metrics,
		logger:  cfg.Logger,
	}
	if c.id == "" {
		c.id = uuid.New().String()
	}
	if c.logger == nil {
		c.logger = zap.NewNop()
	}
	c.logger = c.logger.Named("controller").With(zap.String("run_id", c.id))
	if c.metrics == nil {
		c.metrics = nopMetrics{}
	}
	if c.cfg.Seed == 0 {
		c.cfg.Seed = time.Now().UnixNano()
	}

	alg, err := search.New(cfg.Algorithm, cfg.Options, c.logger)
	if err != nil {
		return nil, err
	}
	c.algorithm = alg
	c.evaluator = evaluator.WithTimeout(cfg.Evaluator, cfg.Timeout)

	switch cache := cfg.Cache.(type) {
	case nil:
		c.cache = evaluator.NewMemoryCache()
	case *evaluator.RedisCache:
		c.cache = cache.ForRun(c.id)
	default:
		c.cache = cache
	}

	if cfg.Surrogate.Enabled {
		c.surrogate, err = surrogate.New(cfg.Space, cfg.Objective.Metrics(), cfg.Surrogate, c.logger)
		if err != nil {
			return nil, err
		}
	}
	return c, nil
}

// Run executes cfg to completion. The returned error is non-nil only for
// configuration problems; aborted runs come back as a tagged record.
func Run(ctx context.Context, cfg Config) (*optimization.RunRecord, error) {
	c, err := New(cfg)
	if err != nil {
		return nil, err
	}
	return c.Run(ctx)
}

// ID returns the run id.
func (c *Controller) ID() string { return c.id }

// Seed returns the seed the run uses.
func (c *Controller) Seed() int64 { return c.cfg.Seed }

// Stop cancels a running optimization. The run ends with reason cancelled.
func (c *Controller) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		c.cancel()
	}
}

// Run drives the step loop until the budget is spent, the algorithm
// converges or the run aborts.
func (c *Controller) Run(ctx context.Context) (*optimization.RunRecord, error) {
	c.mu.Lock()
	if c.started {
		c.mu.Unlock()
		return nil, optimization.NewError("controller already ran").WithComponent("controller")
	}
	c.started = true
	parent, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.mu.Unlock()
	defer cancel()

	runCtx := parent
	if d := c.cfg.Budget.MaxDuration; d > 0 {
		var stop context.CancelFunc
		runCtx, stop = context.WithTimeout(parent, d)
		defer stop()
	}

	start := time.Now()
	record := &optimization.RunRecord{
		ID:        c.id,
		Algorithm: c.cfg.Algorithm,
		Seed:      c.cfg.Seed,
		Status:    optimization.StatusRunning,
		StartedAt: start,
	}
	p := &pipeline{
		cfg:       &c.cfg,
		space:     c.cfg.Space,
		spec:      c.cfg.Objective,
		evaluator: c.evaluator,
		cache:     c.cache,
		surrogate: c.surrogate,
		metrics:   c.metrics,
		logger:    c.logger,
		record:    record,
		parent:    parent,
	}
	progress := newDispatcher(c.cfg.Progress, c.logger)
	defer progress.close()

	c.logger.Info("Starting optimization run",
		zap.String("algorithm", string(c.cfg.Algorithm)),
		zap.Int64("seed", c.cfg.Seed),
		zap.Int("dimensions", c.cfg.Space.Dim()),
		zap.Int("max_evaluations", c.cfg.Budget.MaxEvaluations),
		zap.Int("max_iterations", c.cfg.Budget.MaxIterations),
		zap.Duration("max_duration", c.cfg.Budget.MaxDuration),
		zap.Bool("surrogate", c.surrogate != nil),
	)

	state, err := c.algorithm.Initialize(c.cfg.Space, c.cfg.Seed)
	if err != nil {
		return nil, err
	}

	var (
		reason  optimization.StopReason
		message string
	)
	for iteration := 0; reason == ""; iteration++ {
		if limit := c.cfg.Budget.MaxIterations; limit > 0 && iteration >= limit {
			reason = optimization.StopMaxIterations
			break
		}
		if err := p.interrupted(runCtx); err != nil {
			reason = p.stop
			break
		}

		p.beginIteration(iteration)
		before := len(record.Evaluations)
		state, _, err = c.algorithm.Step(runCtx, state, p)

		if err == nil || len(record.Evaluations) > before {
			rec := p.endIteration(time.Since(start))
			record.Iterations = append(record.Iterations, rec)
			c.metrics.ObserveIteration(c.cfg.Algorithm, rec.BestFitness)
			progress.emit(Progress{
				RunID:                c.id,
				Algorithm:            c.cfg.Algorithm,
				Iteration:            iteration,
				BestFitness:          rec.BestFitness,
				BestVector:           rec.BestVector,
				RealEvaluations:      record.RealEvaluations,
				SurrogateEvaluations: record.SurrogateEvaluations,
				CacheHits:            record.CacheHits,
				Failures:             record.Failures,
				Elapsed:              rec.Elapsed,
			})
			c.logger.Debug("Iteration complete",
				zap.Int("iteration", iteration),
				zap.Float64("best_fitness", rec.BestFitness),
				zap.Int("real_evaluations", record.RealEvaluations),
			)
		}

		switch {
		case errors.Is(err, optimization.ErrBudgetExhausted):
			reason = optimization.StopMaxEvaluations
		case errors.Is(err, optimization.ErrAborted):
			reason = p.stop
			message = err.Error()
		case err != nil:
			reason = optimization.StopInternalError
			message = err.Error()
			c.logger.Error("Algorithm step failed", zap.Int("iteration", iteration), zap.Error(err))
		case c.cfg.Budget.MaxEvaluations > 0 && record.RealEvaluations >= c.cfg.Budget.MaxEvaluations:
			reason = optimization.StopMaxEvaluations
		case c.algorithm.Converged(state):
			reason = optimization.StopConverged
		}
	}

	c.finish(record, p, reason, message, start)
	return record, nil
}

func (c *Controller) finish(record *optimization.RunRecord, p *pipeline, reason optimization.StopReason, message string, start time.Time) {
	record.Reason = reason
	record.Message = message
	record.Best = optimization.NewSolution(c.cfg.Space, p.best)
	if c.surrogate != nil {
		record.SurrogateRetrains = c.surrogate.Retrains()
	}

	switch reason {
	case optimization.StopConverged, optimization.StopMaxEvaluations,
		optimization.StopMaxIterations, optimization.StopMaxDuration:
		record.Status = optimization.StatusCompleted
		if record.Best == nil {
			record.Status = optimization.StatusAborted
			record.Reason = optimization.StopNoSuccessfulEvals
			record.Message = "budget exhausted after " + string(reason) + " without a successful evaluation"
		}
	default:
		record.Status = optimization.StatusAborted
	}

	record.FinishedAt = time.Now()
	record.Elapsed = record.FinishedAt.Sub(start)
	c.metrics.ObserveRun(c.cfg.Algorithm, record.Status, record.Reason, record.Elapsed)

	fields := []zap.Field{
		zap.String("status", string(record.Status)),
		zap.String("reason", string(record.Reason)),
		zap.Int("iterations", len(record.Iterations)),
		zap.Int("real_evaluations", record.RealEvaluations),
		zap.Int("surrogate_evaluations", record.SurrogateEvaluations),
		zap.Int("cache_hits", record.CacheHits),
		zap.Int("failures", record.Failures),
		zap.Float64("best_fitness", record.BestFitness()),
		zap.Duration("elapsed", record.Elapsed),
	}
	if record.Aborted() {
		c.logger.Warn("Optimization run aborted", append(fields, zap.String("message", record.Message))...)
		return
	}
	c.logger.Info("Optimization run completed", fields...)
}
