package search

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// ACOConfig configures ant colony optimization over a binned space.
type ACOConfig struct {
	Ants int `json:"ants,omitempty" yaml:"ants,omitempty"`
	// Bins per continuous variable. Discrete variables use their own levels,
	// and so do integer variables with at most 4*Bins levels.
	Bins int `json:"bins,omitempty" yaml:"bins,omitempty"`
	// Evaporation is the fraction of pheromone lost every iteration.
	Evaporation float64 `json:"evaporation,omitempty" yaml:"evaporation,omitempty"`
	// Alpha and Beta weight pheromone and heuristic in bin selection.
	// Either may be zero to ignore that term; nil means 1.
	Alpha   *float64 `json:"alpha,omitempty" yaml:"alpha,omitempty"`
	Beta    *float64 `json:"beta,omitempty" yaml:"beta,omitempty"`
	Deposit float64 `json:"deposit,omitempty" yaml:"deposit,omitempty"`
	// ConcentrationThreshold in (0,1]: one minus the mean normalised entropy
	// of the pheromone distributions.
	ConcentrationThreshold float64 `json:"concentration_threshold,omitempty" yaml:"concentration_threshold,omitempty"`
}

func (c ACOConfig) withDefaults() ACOConfig {
	if c.Ants == 0 {
		c.Ants = 20
	}
	if c.Bins == 0 {
		c.Bins = 10
	}
	if c.Evaporation == 0 {
		c.Evaporation = 0.1
	}
	setDefault(&c.Alpha, 1.0)
	setDefault(&c.Beta, 1.0)
	if c.Deposit == 0 {
		c.Deposit = 1
	}
	if c.ConcentrationThreshold == 0 {
		c.ConcentrationThreshold = 0.95
	}
	return c
}

func (c ACOConfig) validate() error {
	switch {
	case c.Ants < 1:
		return optimization.ConfigErrorf("aco.ants", "must be positive, got %d", c.Ants)
	case c.Bins < 2:
		return optimization.ConfigErrorf("aco.bins", "must be at least 2, got %d", c.Bins)
	case c.Evaporation <= 0 || c.Evaporation >= 1:
		return optimization.ConfigErrorf("aco.evaporation", "must be within (0,1), got %g", c.Evaporation)
	case *c.Alpha < 0 || *c.Beta < 0:
		return optimization.ConfigErrorf("aco.alpha", "alpha and beta must not be negative")
	case c.Deposit <= 0:
		return optimization.ConfigErrorf("aco.deposit", "must be positive, got %g", c.Deposit)
	case c.ConcentrationThreshold <= 0 || c.ConcentrationThreshold > 1:
		return optimization.ConfigErrorf("aco.concentration_threshold", "must be within (0,1], got %g", c.ConcentrationThreshold)
	}
	return nil
}

// ACO builds candidates bin by bin from a pheromone table.
type ACO struct {
	cfg    ACOConfig
	logger *zap.Logger
}

// ACOState holds the pheromone table of one run.
type ACOState struct {
	base
	// pheromone[d][b] is the intensity of bin b of variable d.
	pheromone [][]float64
	// native marks variables whose bins are their own levels.
	native []bool
}

// Pheromone returns a copy of the pheromone table.
func (s *ACOState) Pheromone() [][]float64 {
	out := make([][]float64, len(s.pheromone))
	for d, row := range s.pheromone {
		out[d] = append([]float64(nil), row...)
	}
	return out
}

// NewACO creates an ant colony optimizer. Zero config fields take defaults.
func NewACO(cfg ACOConfig, logger *zap.Logger) *ACO {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ACO{cfg: cfg.withDefaults(), logger: logger.Named("aco")}
}

// Name returns ACO.
func (a *ACO) Name() optimization.AlgorithmName { return optimization.ACO }

// Initialize discretises the space and spreads unit pheromone.
func (a *ACO) Initialize(space *optimization.Space, seed int64) (optimization.State, error) {
	b, err := newBase(space, seed)
	if err != nil {
		return nil, err
	}
	if err := a.cfg.validate(); err != nil {
		return nil, err
	}
	s := &ACOState{base: b}
	for _, v := range space.Variables {
		bins := a.cfg.Bins
		native := false
		switch v.ResolvedKind() {
		case optimization.Discrete:
			bins, native = v.Levels(), true
		case optimization.Integer:
			if v.Levels() <= 4*a.cfg.Bins {
				bins, native = v.Levels(), true
			}
		}
		row := make([]float64, bins)
		for i := range row {
			row[i] = 1
		}
		s.pheromone = append(s.pheromone, row)
		s.native = append(s.native, native)
	}
	return s, nil
}

// binOf returns the bin of value x on variable d.
func (s *ACOState) binOf(d int, x float64) int {
	v := s.space.Variables[d]
	if s.native[d] {
		return v.LevelIndex(x)
	}
	lo, hi := v.Bounds()
	n := len(s.pheromone[d])
	b := int(math.Floor((x - lo) / (hi - lo) * float64(n)))
	return max(0, min(n-1, b))
}

// valueIn draws a value of variable d inside bin b.
func (s *ACOState) valueIn(d, b int) float64 {
	v := s.space.Variables[d]
	if s.native[d] {
		return v.Level(b)
	}
	lo, hi := v.Bounds()
	w := (hi - lo) / float64(len(s.pheromone[d]))
	return v.Clamp(lo + (float64(b)+s.rng.Float64())*w)
}

// Step sends every ant through the table once, evaporates, then deposits
// pheromone proportional to each successful ant's normalised fitness. The
// first iteration samples a Latin hypercube instead.
func (a *ACO) Step(ctx context.Context, state optimization.State, obj optimization.Objective) (optimization.State, *optimization.Candidate, error) {
	s, ok := state.(*ACOState)
	if !ok {
		return state, nil, stateError("ACO", state)
	}

	var params [][]float64
	if s.iteration == 0 {
		params = s.space.LatinHypercube(a.cfg.Ants, s.rng)
	} else {
		params = make([][]float64, a.cfg.Ants)
		for k := range params {
			params[k] = a.construct(s)
		}
	}

	evaluated, err := evaluate(ctx, obj, params)
	s.observe(evaluated)
	if err != nil {
		return s, s.best, err
	}

	a.update(s, evaluated)
	s.complete()
	a.logger.Debug("Colony iteration complete",
		zap.Int("iteration", s.iteration),
		zap.Float64("best_fitness", s.best.Fitness()),
		zap.Float64("concentration", a.concentration(s)),
	)
	return s, s.best, nil
}

func (a *ACO) construct(s *ACOState) []float64 {
	x := make([]float64, len(s.pheromone))
	weights := make([]float64, 0, a.cfg.Bins)
	for d, row := range s.pheromone {
		bestBin := -1
		if s.best.Evaluated() {
			bestBin = s.binOf(d, s.best.At(d))
		}
		weights = weights[:0]
		for b, tau := range row {
			eta := 1.0
			if bestBin >= 0 {
				eta = 1 / (1 + math.Abs(float64(b-bestBin)))
			}
			weights = append(weights, math.Pow(tau, *a.cfg.Alpha)*math.Pow(eta, *a.cfg.Beta))
		}
		x[d] = s.valueIn(d, pick(s, weights))
	}
	return x
}

func pick(s *ACOState, weights []float64) int {
	total := floats.Sum(weights)
	if !(total > 0) || math.IsInf(total, 0) {
		return s.rng.Intn(len(weights))
	}
	r := s.rng.Float64() * total
	for i, w := range weights {
		r -= w
		if r < 0 {
			return i
		}
	}
	return len(weights) - 1
}

func (a *ACO) update(s *ACOState, ants []*optimization.Candidate) {
	for _, row := range s.pheromone {
		floats.Scale(1-a.cfg.Evaporation, row)
	}

	lo, hi := math.Inf(1), math.Inf(-1)
	for _, c := range ants {
		if c.Outcome().Failed() {
			continue
		}
		lo = math.Min(lo, c.Fitness())
		hi = math.Max(hi, c.Fitness())
	}
	for _, c := range ants {
		if c.Outcome().Failed() {
			continue
		}
		quality := 1.0
		if hi > lo {
			quality = (c.Fitness() - lo) / (hi - lo)
		}
		if quality == 0 {
			continue
		}
		for d := range s.pheromone {
			s.pheromone[d][s.binOf(d, c.At(d))] += a.cfg.Deposit * quality
		}
	}
}

// concentration is 1 - mean normalised entropy of the per-variable
// pheromone distributions. A uniform table scores 0, a fully peaked one 1.
func (a *ACO) concentration(s *ACOState) float64 {
	sum, n := 0.0, 0
	for _, row := range s.pheromone {
		if len(row) < 2 {
			continue
		}
		p := append([]float64(nil), row...)
		total := floats.Sum(p)
		if !(total > 0) {
			continue
		}
		floats.Scale(1/total, p)
		sum += stat.Entropy(p) / math.Log(float64(len(p)))
		n++
	}
	if n == 0 {
		return 1
	}
	return 1 - sum/float64(n)
}

// Converged reports that the pheromone has concentrated on few bins.
func (a *ACO) Converged(state optimization.State) bool {
	s, ok := state.(*ACOState)
	if !ok || s.iteration == 0 || !s.succeeded() {
		return false
	}
	return a.concentration(s) >= a.cfg.ConcentrationThreshold
}
