package search

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// Selection schemes.
const (
	SelectTournament = "tournament"
	SelectRoulette   = "roulette"
	SelectRank       = "rank"
)

// Crossover operators.
const (
	CrossoverBlend       = "blend"
	CrossoverSinglePoint = "single_point"
)

// GAConfig configures the genetic algorithm.
type GAConfig struct {
	PopulationSize int     `json:"population_size,omitempty" yaml:"population_size,omitempty"`
	// CrossoverRate, MutationRate, BlendAlpha and Elites accept an explicit
	// zero; nil means the default.
	CrossoverRate  *float64 `json:"crossover_rate,omitempty" yaml:"crossover_rate,omitempty"`
	MutationRate   *float64 `json:"mutation_rate,omitempty" yaml:"mutation_rate,omitempty"`
	// MutationScale is the Gaussian standard deviation as a fraction of each
	// variable's range.
	MutationScale  float64 `json:"mutation_scale,omitempty" yaml:"mutation_scale,omitempty"`
	Selection      string  `json:"selection,omitempty" yaml:"selection,omitempty"`
	TournamentSize int     `json:"tournament_size,omitempty" yaml:"tournament_size,omitempty"`
	Crossover      string  `json:"crossover,omitempty" yaml:"crossover,omitempty"`
	BlendAlpha     *float64 `json:"blend_alpha,omitempty" yaml:"blend_alpha,omitempty"`
	Elites         *int     `json:"elites,omitempty" yaml:"elites,omitempty"`
	// Convergence: best fitness improved by less than Epsilon over the last
	// Window generations.
	Window  int     `json:"window,omitempty" yaml:"window,omitempty"`
	Epsilon float64 `json:"epsilon,omitempty" yaml:"epsilon,omitempty"`
}

func (c GAConfig) withDefaults() GAConfig {
	if c.PopulationSize == 0 {
		c.PopulationSize = 20
	}
	setDefault(&c.CrossoverRate, 0.8)
	setDefault(&c.MutationRate, 0.1)
	if c.MutationScale == 0 {
		c.MutationScale = 0.1
	}
	if c.Selection == "" {
		c.Selection = SelectTournament
	}
	if c.TournamentSize == 0 {
		c.TournamentSize = 3
	}
	if c.Crossover == "" {
		c.Crossover = CrossoverBlend
	}
	setDefault(&c.BlendAlpha, 0.5)
	setDefault(&c.Elites, 1)
	if c.Window == 0 {
		c.Window = 10
	}
	if c.Epsilon == 0 {
		c.Epsilon = 1e-6
	}
	return c
}

func (c GAConfig) validate() error {
	switch {
	case c.PopulationSize < 2:
		return optimization.ConfigErrorf("ga.population_size", "must be at least 2, got %d", c.PopulationSize)
	case *c.CrossoverRate < 0 || *c.CrossoverRate > 1:
		return optimization.ConfigErrorf("ga.crossover_rate", "must be within [0,1], got %g", *c.CrossoverRate)
	case *c.MutationRate < 0 || *c.MutationRate > 1:
		return optimization.ConfigErrorf("ga.mutation_rate", "must be within [0,1], got %g", *c.MutationRate)
	case c.MutationScale < 0:
		return optimization.ConfigErrorf("ga.mutation_scale", "must not be negative, got %g", c.MutationScale)
	case c.TournamentSize < 1:
		return optimization.ConfigErrorf("ga.tournament_size", "must be positive, got %d", c.TournamentSize)
	case *c.BlendAlpha < 0:
		return optimization.ConfigErrorf("ga.blend_alpha", "must not be negative, got %g", *c.BlendAlpha)
	case *c.Elites < 0 || *c.Elites >= c.PopulationSize:
		return optimization.ConfigErrorf("ga.elites", "must be within [0,%d), got %d", c.PopulationSize, *c.Elites)
	case c.Window < 1:
		return optimization.ConfigErrorf("ga.window", "must be positive, got %d", c.Window)
	}
	switch c.Selection {
	case SelectTournament, SelectRoulette, SelectRank:
	default:
		return optimization.ConfigErrorf("ga.selection", "unknown selection %q (expected tournament, roulette or rank)", c.Selection)
	}
	switch c.Crossover {
	case CrossoverBlend, CrossoverSinglePoint:
	default:
		return optimization.ConfigErrorf("ga.crossover", "unknown crossover %q (expected blend or single_point)", c.Crossover)
	}
	return nil
}

// GA is a generational genetic algorithm with elitism.
type GA struct {
	cfg    GAConfig
	logger *zap.Logger
}

// GAState is the population of one run.
type GAState struct {
	base
	population []*optimization.Candidate
}

// Population returns the current generation ordered as evaluated.
func (s *GAState) Population() []*optimization.Candidate {
	return append([]*optimization.Candidate(nil), s.population...)
}

// NewGA creates a genetic algorithm. Zero config fields take defaults.
func NewGA(cfg GAConfig, logger *zap.Logger) *GA {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GA{cfg: cfg.withDefaults(), logger: logger.Named("ga")}
}

// Name returns GA.
func (g *GA) Name() optimization.AlgorithmName { return optimization.GA }

// Config returns the effective configuration.
func (g *GA) Config() GAConfig { return g.cfg }

// Initialize creates an empty population.
func (g *GA) Initialize(space *optimization.Space, seed int64) (optimization.State, error) {
	b, err := newBase(space, seed)
	if err != nil {
		return nil, err
	}
	if err := g.cfg.validate(); err != nil {
		return nil, err
	}
	return &GAState{base: b}, nil
}

// Step evaluates the initial population on the first call and one new
// generation afterwards. The elites carry over without re-evaluation.
func (g *GA) Step(ctx context.Context, state optimization.State, obj optimization.Objective) (optimization.State, *optimization.Candidate, error) {
	s, ok := state.(*GAState)
	if !ok {
		return state, nil, stateError("GA", state)
	}

	var (
		elites   []*optimization.Candidate
		children [][]float64
	)
	if len(s.population) == 0 {
		children = s.space.LatinHypercube(g.cfg.PopulationSize, s.rng)
	} else {
		ranked := append([]*optimization.Candidate(nil), s.population...)
		optimization.SortBest(ranked)
		elites = ranked[:*g.cfg.Elites]
		children = make([][]float64, 0, g.cfg.PopulationSize-len(elites))
		for len(children) < g.cfg.PopulationSize-len(elites) {
			p1 := g.selectParent(s, ranked)
			p2 := g.selectParent(s, ranked)
			var child []float64
			if s.rng.Float64() < *g.cfg.CrossoverRate {
				child = g.crossover(s, p1.Params(), p2.Params())
			} else {
				child = p1.Params()
			}
			children = append(children, g.mutate(s, child))
		}
	}

	evaluated, err := evaluate(ctx, obj, children)
	s.observe(evaluated)
	if err != nil {
		return s, s.best, err
	}

	s.population = append(append([]*optimization.Candidate(nil), elites...), evaluated...)
	s.complete()
	g.logger.Debug("Generation complete",
		zap.Int("generation", s.iteration),
		zap.Float64("best_fitness", s.best.Fitness()),
	)
	return s, s.best, nil
}

// Converged reports stagnation of the best fitness over the window.
func (g *GA) Converged(state optimization.State) bool {
	s, ok := state.(*GAState)
	if !ok || !s.succeeded() || len(s.history) <= g.cfg.Window {
		return false
	}
	last := s.history[len(s.history)-1]
	prev := s.history[len(s.history)-1-g.cfg.Window]
	return last-prev < g.cfg.Epsilon
}

func (g *GA) selectParent(s *GAState, ranked []*optimization.Candidate) *optimization.Candidate {
	switch g.cfg.Selection {
	case SelectRoulette:
		return ranked[rouletteIndex(s, ranked)]
	case SelectRank:
		// ranked is best first; weight n for the best down to 1 for the worst.
		n := len(ranked)
		r := s.rng.Float64() * float64(n*(n+1)/2)
		for i := 0; i < n; i++ {
			r -= float64(n - i)
			if r < 0 {
				return ranked[i]
			}
		}
		return ranked[n-1]
	default:
		best := ranked[s.rng.Intn(len(ranked))]
		for i := 1; i < g.cfg.TournamentSize; i++ {
			if c := ranked[s.rng.Intn(len(ranked))]; optimization.Better(c, best) {
				best = c
			}
		}
		return best
	}
}

// rouletteIndex draws proportionally to fitness shifted above the worst
// successful member. Failed members are never drawn unless all failed.
func rouletteIndex(s *GAState, pop []*optimization.Candidate) int {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range pop {
		if c.Outcome().Failed() {
			continue
		}
		lo = math.Min(lo, c.Fitness())
		hi = math.Max(hi, c.Fitness())
	}
	if math.IsInf(lo, 1) {
		return s.rng.Intn(len(pop))
	}
	floor := (hi - lo) * 0.01
	if floor == 0 {
		floor = 1
	}
	weights := make([]float64, len(pop))
	total := 0.0
	for i, c := range pop {
		if c.Outcome().Failed() {
			continue
		}
		weights[i] = c.Fitness() - lo + floor
		total += weights[i]
	}
	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 && w > 0 {
			return i
		}
	}
	for i := len(weights) - 1; i >= 0; i-- {
		if weights[i] > 0 {
			return i
		}
	}
	return 0
}

func (g *GA) crossover(s *GAState, a, b []float64) []float64 {
	child := make([]float64, len(a))
	if g.cfg.Crossover == CrossoverSinglePoint && len(a) > 1 {
		cut := 1 + s.rng.Intn(len(a)-1)
		copy(child, a[:cut])
		copy(child[cut:], b[cut:])
		return child
	}
	for i := range a {
		v := s.space.Variables[i]
		if v.ResolvedKind() == optimization.Discrete {
			// Categorical genes are inherited, not interpolated.
			if s.rng.Intn(2) == 0 {
				child[i] = a[i]
			} else {
				child[i] = b[i]
			}
			continue
		}
		lo, hi := math.Min(a[i], b[i]), math.Max(a[i], b[i])
		d := (hi - lo) * *g.cfg.BlendAlpha
		child[i] = lo - d + s.rng.Float64()*(hi-lo+2*d)
	}
	return s.space.Clamp(child)
}

func (g *GA) mutate(s *GAState, x []float64) []float64 {
	for i, v := range s.space.Variables {
		if s.rng.Float64() >= *g.cfg.MutationRate {
			continue
		}
		if v.ResolvedKind() == optimization.Discrete {
			x[i] = v.Level(s.rng.Intn(v.Levels()))
			continue
		}
		x[i] += s.rng.NormFloat64() * g.cfg.MutationScale * s.space.Range(i)
	}
	return s.space.Clamp(x)
}
