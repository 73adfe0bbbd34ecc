package controller

import (
	"context"
	"errors"
	"math"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/acquisition"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
	"github.com/copyleftdev/devopt/internal/optimization/objective"
	"github.com/copyleftdev/devopt/internal/optimization/surrogate"
)

// explorationXi is the expected improvement margin used when choosing which
// screened candidates are evaluated for real.
const explorationXi = 0.01

type route int

const (
	routeReal route = iota
	routeDuplicate
	routeCache
	routeSurrogate
)

// plan is the routing decision for one batch entry.
type plan struct {
	route route
	key   string
	// first is the batch index a duplicate copies its result from.
	first   int
	metrics optimization.MetricVector
	// result indexes into the real evaluation results.
	result int
}

// pipeline is the Objective the algorithm sees. It routes every candidate
// through the cache, the surrogate or the real evaluator, scores it and
// books it into the run record.
type pipeline struct {
	cfg       *Config
	space     *optimization.Space
	spec      *objective.Spec
	evaluator evaluator.Evaluator
	cache     evaluator.Cache
	surrogate *surrogate.Surrogate
	metrics   Metrics
	logger    *zap.Logger
	record    *optimization.RunRecord
	parent    context.Context

	iteration   int
	seq         int
	consecutive int
	best        *optimization.Candidate
	stats       optimization.IterationRecord
	stop        optimization.StopReason
}

func (p *pipeline) remaining() int {
	if p.cfg.Budget.MaxEvaluations == 0 {
		return math.MaxInt
	}
	return p.cfg.Budget.MaxEvaluations - p.record.RealEvaluations
}

// Evaluate implements optimization.Objective.
func (p *pipeline) Evaluate(ctx context.Context, batch []*optimization.Candidate) ([]*optimization.Candidate, error) {
	if err := p.interrupted(ctx); err != nil {
		return nil, err
	}
	if len(batch) == 0 {
		return nil, nil
	}

	plans := p.route(ctx, batch)

	// Cut the batch where the first real evaluation would exceed the budget.
	var (
		cut       = len(batch)
		budgetErr error
		left      = p.remaining()
		params    [][]float64
	)
	for i := range plans {
		if plans[i].route != routeReal {
			continue
		}
		if left == 0 {
			cut = i
			budgetErr = optimization.ErrBudgetExhausted
			break
		}
		left--
		plans[i].result = len(params)
		params = append(params, batch[i].Params())
	}
	plans = plans[:cut]

	var results []evaluator.Result
	if len(params) > 0 {
		results = evaluator.EvaluateBatch(ctx, p.evaluator, params, max(1, p.cfg.Concurrency))
	}

	out := make([]*optimization.Candidate, 0, cut)
	for i, pl := range plans {
		c := batch[i]
		switch pl.route {
		case routeCache:
			out = append(out, c.WithOutcome(p.spec.Outcome(pl.metrics, optimization.SourceCache, p.next())))
			p.record.CacheHits++
			p.stats.CacheHits++
			p.metrics.ObserveEvaluation(p.cfg.Algorithm, optimization.SourceCache, "", 0)

		case routeDuplicate:
			o := out[pl.first].Outcome()
			o.Seq = p.next()
			if o.Source == optimization.SourceSurrogate {
				p.record.SurrogateEvaluations++
				p.stats.SurrogateEvaluations++
			} else {
				o.Source = optimization.SourceCache
				p.record.CacheHits++
				p.stats.CacheHits++
			}
			out = append(out, c.WithOutcome(o))

		case routeSurrogate:
			out = append(out, c.WithOutcome(p.spec.Outcome(pl.metrics, optimization.SourceSurrogate, p.next())))
			p.record.SurrogateEvaluations++
			p.stats.SurrogateEvaluations++
			p.metrics.ObserveEvaluation(p.cfg.Algorithm, optimization.SourceSurrogate, "", 0)

		case routeReal:
			r := results[pl.result]
			if err := p.fatal(ctx, r.Err); err != nil {
				p.book(out)
				return out, err
			}
			evaluated := p.evaluated(ctx, c, pl.key, r)
			out = append(out, evaluated)
			if p.cfg.AbortAfterFailures > 0 && p.consecutive >= p.cfg.AbortAfterFailures {
				p.stop = optimization.StopConsecutiveFailures
				p.book(out)
				return out, optimization.AbortError("too many consecutive evaluation failures", r.Err).
					WithComponent("controller")
			}
		}
	}
	p.book(out)

	if p.surrogate != nil {
		fitted, err := p.surrogate.Refresh(ctx)
		switch {
		case err != nil:
			p.logger.Warn("Surrogate refresh failed", zap.Error(err))
		case fitted:
			p.record.SurrogateRetrains = p.surrogate.Retrains()
			p.logger.Debug("Surrogate retrained",
				zap.Int("samples", p.surrogate.Archive().Len()),
				zap.Int("retrains", p.surrogate.Retrains()),
			)
		}
	}
	return out, budgetErr
}

// route decides where every candidate of the batch is evaluated.
func (p *pipeline) route(ctx context.Context, batch []*optimization.Candidate) []plan {
	plans := make([]plan, len(batch))
	firstOf := make(map[string]int, len(batch))
	var open []int
	for i, c := range batch {
		key := p.space.Key(c.Params())
		plans[i].key = key
		if j, ok := firstOf[key]; ok {
			plans[i].route, plans[i].first = routeDuplicate, j
			continue
		}
		firstOf[key] = i

		mv, hit, err := p.cache.Get(ctx, key)
		if err != nil {
			p.logger.Warn("Cache lookup failed", zap.String("key", key), zap.Error(err))
		}
		if hit {
			plans[i].route, plans[i].metrics = routeCache, mv
			continue
		}
		plans[i].route = routeReal
		open = append(open, i)
	}

	if p.surrogate == nil || len(open) == 0 || p.forceReal() {
		return plans
	}

	params := make([][]float64, len(open))
	for k, i := range open {
		params[k] = batch[i].Params()
	}
	preds, err := p.surrogate.Predict(params)
	if err != nil {
		if !errors.Is(err, optimization.ErrInsufficientTrainingData) {
			p.logger.Warn("Surrogate prediction failed, using the real evaluator", zap.Error(err))
		}
		return plans
	}

	mu := make([]float64, len(preds))
	sigma := make([]float64, len(preds))
	for k, pr := range preds {
		mu[k] = p.spec.Outcome(pr.Mean, optimization.SourceSurrogate, 0).Fitness
		sigma[k] = p.spec.Sigma(pr.StdDev)
	}

	bestFitness := p.best.Fitness()
	toReal := make([]bool, len(open))
	ei := acquisition.NewMaximizingExpectedImprovement(bestFitness, explorationXi)
	nReal := int(math.Ceil(*p.surrogate.Policy().RealFraction * float64(len(open))))
	for _, k := range ei.Rank(mu, sigma)[:nReal] {
		toReal[k] = true
	}
	if p.surrogate.Policy().ShouldValidateBest() {
		top := -1
		for k := range mu {
			if !toReal[k] && mu[k] > bestFitness && (top < 0 || mu[k] > mu[top]) {
				top = k
			}
		}
		if top >= 0 {
			toReal[top] = true
		}
	}

	for k, i := range open {
		if !toReal[k] {
			plans[i].route, plans[i].metrics = routeSurrogate, preds[k].Mean
		}
	}
	return plans
}

func (p *pipeline) forceReal() bool {
	every := p.surrogate.Policy().ValidateEvery
	return every > 0 && p.iteration > 0 && p.iteration%every == 0
}

// evaluated scores one real evaluation and feeds the cache and the
// surrogate.
func (p *pipeline) evaluated(ctx context.Context, c *optimization.Candidate, key string, r evaluator.Result) *optimization.Candidate {
	p.record.RealEvaluations++
	p.stats.RealEvaluations++
	seq := p.next()

	if r.Err != nil {
		failure := optimization.AsFailure(r.Err)
		p.record.Failures++
		p.stats.Failures++
		p.consecutive++
		p.metrics.ObserveEvaluation(p.cfg.Algorithm, optimization.SourceReal, failure.Reason, r.Duration)
		p.logger.Warn("Evaluation failed",
			zap.Int("seq", seq),
			zap.Float64s("params", c.Params()),
			zap.String("reason", string(failure.Reason)),
			zap.Error(r.Err),
		)
		return c.WithOutcome(objective.FailedOutcome(failure.Reason, seq))
	}

	outcome := p.spec.Outcome(r.Metrics, optimization.SourceReal, seq)
	p.metrics.ObserveEvaluation(p.cfg.Algorithm, optimization.SourceReal, outcome.Failure, r.Duration)
	if outcome.Failed() {
		p.record.Failures++
		p.stats.Failures++
		p.consecutive++
		p.logger.Warn("Evaluation returned unusable metrics",
			zap.Int("seq", seq),
			zap.Any("metrics", r.Metrics),
		)
		return c.WithOutcome(outcome)
	}

	p.consecutive = 0
	p.record.RealSuccesses++
	if err := p.cache.Put(ctx, key, r.Metrics); err != nil {
		p.logger.Warn("Cache store failed", zap.String("key", key), zap.Error(err))
	}
	if p.surrogate != nil {
		p.surrogate.Observe(c.Params(), r.Metrics)
	}
	return c.WithOutcome(outcome)
}

// fatal reports whether a real evaluation error ends the run.
func (p *pipeline) fatal(ctx context.Context, err error) error {
	if err == nil {
		return nil
	}
	if ierr := p.interrupted(ctx); ierr != nil {
		return ierr
	}
	if errors.Is(err, optimization.ErrAborted) {
		p.stop = optimization.StopEvaluatorUnreachable
		return optimization.AbortError("evaluator unreachable", err).WithComponent("controller")
	}
	return nil
}

// interrupted maps a done context onto the stop reason.
func (p *pipeline) interrupted(ctx context.Context) error {
	if ctx.Err() == nil {
		return nil
	}
	if p.parent.Err() != nil {
		p.stop = optimization.StopCancelled
		return optimization.AbortError("run cancelled", p.parent.Err()).WithComponent("controller")
	}
	p.stop = optimization.StopMaxDuration
	return optimization.AbortError("wall-clock budget exhausted", ctx.Err()).WithComponent("controller")
}

func (p *pipeline) next() int {
	seq := p.seq
	p.seq++
	return seq
}

// book appends the evaluations to the record and tracks the validated best.
func (p *pipeline) book(cs []*optimization.Candidate) {
	for _, c := range cs {
		o := c.Outcome()
		p.record.Evaluations = append(p.record.Evaluations, optimization.Evaluation{
			Seq:       o.Seq,
			Iteration: p.iteration,
			Vector:    c.Params(),
			Source:    o.Source,
			Fitness:   o.Fitness,
			Satisfied: o.Satisfied,
			Failure:   o.Failure,
		})
		if o.Source == optimization.SourceSurrogate || o.Failed() {
			continue
		}
		if optimization.Better(c, p.best) {
			p.best = c
		}
	}
}

// beginIteration resets the per-iteration counters.
func (p *pipeline) beginIteration(index int) {
	p.iteration = index
	p.stats = optimization.IterationRecord{Index: index}
}

// endIteration closes the iteration record.
func (p *pipeline) endIteration(elapsed time.Duration) optimization.IterationRecord {
	rec := p.stats
	rec.BestFitness = p.best.Fitness()
	if p.best != nil {
		rec.BestVector = p.best.Params()
	}
	rec.Elapsed = elapsed
	return rec
}
