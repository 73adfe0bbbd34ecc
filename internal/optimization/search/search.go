// Package search implements the population and trajectory based strategies
// that drive an optimization run: genetic algorithm, particle swarm, ant
// colony and simulated annealing.
package search

import (
	"context"
	"fmt"
	"math/rand"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// Options carries the per-strategy settings. Only the block matching the
// selected algorithm is used.
type Options struct {
	GA  GAConfig  `json:"ga" yaml:"ga"`
	PSO PSOConfig `json:"pso" yaml:"pso"`
	ACO ACOConfig `json:"aco" yaml:"aco"`
	SA  SAConfig  `json:"sa" yaml:"sa"`
}

// setDefault fills an unset optional field.
func setDefault[T any](field **T, v T) {
	if *field == nil {
		*field = &v
	}
}

// Validate checks the settings of the named algorithm.
func (o Options) Validate(name optimization.AlgorithmName) error {
	switch name {
	case optimization.GA:
		return o.GA.withDefaults().validate()
	case optimization.PSO:
		return o.PSO.withDefaults().validate()
	case optimization.ACO:
		return o.ACO.withDefaults().validate()
	case optimization.SA:
		return o.SA.withDefaults().validate()
	}
	_, err := optimization.ParseAlgorithm(string(name))
	return err
}

// New returns the algorithm registered under name.
func New(name optimization.AlgorithmName, opts Options, logger *zap.Logger) (optimization.Algorithm, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if err := opts.Validate(name); err != nil {
		return nil, err
	}
	switch name {
	case optimization.GA:
		return NewGA(opts.GA, logger), nil
	case optimization.PSO:
		return NewPSO(opts.PSO, logger), nil
	case optimization.ACO:
		return NewACO(opts.ACO, logger), nil
	case optimization.SA:
		return NewSA(opts.SA, logger), nil
	}
	return nil, optimization.ConfigErrorf("algorithm", "unsupported algorithm %q", name)
}

// base is the bookkeeping every strategy state shares.
type base struct {
	space     *optimization.Space
	rng       *rand.Rand
	iteration int
	best      *optimization.Candidate
	// history holds the best fitness after each completed iteration.
	history []float64
}

func newBase(space *optimization.Space, seed int64) (base, error) {
	if space == nil {
		return base{}, optimization.ConfigErrorf("space", "parameter space is required")
	}
	if err := space.Validate(); err != nil {
		return base{}, err
	}
	return base{space: space, rng: rand.New(rand.NewSource(seed))}, nil
}

// Iteration returns the number of completed steps.
func (b *base) Iteration() int { return b.iteration }

// Best returns the best candidate seen so far.
func (b *base) Best() *optimization.Candidate { return b.best }

// History returns the best fitness after each completed iteration.
func (b *base) History() []float64 { return append([]float64(nil), b.history...) }

func (b *base) observe(cs []*optimization.Candidate) {
	for _, c := range cs {
		if optimization.Better(c, b.best) {
			b.best = c
		}
	}
}

func (b *base) complete() {
	b.iteration++
	b.history = append(b.history, b.best.Fitness())
}

// succeeded reports whether at least one evaluation produced metrics.
// Stagnation tests are meaningless before that.
func (b *base) succeeded() bool {
	return b.best.Evaluated() && !b.best.Outcome().Failed()
}

// evaluate wraps params as candidates and evaluates them. On a budget or
// abort error the evaluated prefix is still returned.
func evaluate(ctx context.Context, obj optimization.Objective, params [][]float64) ([]*optimization.Candidate, error) {
	batch := make([]*optimization.Candidate, len(params))
	for i, p := range params {
		batch[i] = optimization.NewCandidate(p)
	}
	out, err := obj.Evaluate(ctx, batch)
	if len(out) > len(batch) {
		return nil, fmt.Errorf("objective returned %d candidates for a batch of %d", len(out), len(batch))
	}
	return out, err
}

func stateError(want string, got optimization.State) error {
	return optimization.NewErrorf("expected %s state, got %T", want, got).WithComponent("search")
}
