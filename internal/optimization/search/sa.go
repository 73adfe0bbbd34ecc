package search

import (
	"context"
	"math"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// SAConfig configures simulated annealing.
type SAConfig struct {
	InitialTemperature float64 `json:"initial_temperature,omitempty" yaml:"initial_temperature,omitempty"`
	// CoolingRate multiplies the temperature after every step.
	CoolingRate    float64 `json:"cooling_rate,omitempty" yaml:"cooling_rate,omitempty"`
	MinTemperature float64 `json:"min_temperature,omitempty" yaml:"min_temperature,omitempty"`
	// StepSize is the neighbour standard deviation as a fraction of the
	// range at the initial temperature. It shrinks with sqrt(T/T0).
	StepSize float64 `json:"step_size,omitempty" yaml:"step_size,omitempty"`
}

func (c SAConfig) withDefaults() SAConfig {
	if c.InitialTemperature == 0 {
		c.InitialTemperature = 1
	}
	if c.CoolingRate == 0 {
		c.CoolingRate = 0.95
	}
	if c.MinTemperature == 0 {
		c.MinTemperature = 1e-3
	}
	if c.StepSize == 0 {
		c.StepSize = 0.1
	}
	return c
}

func (c SAConfig) validate() error {
	switch {
	case c.InitialTemperature <= 0:
		return optimization.ConfigErrorf("sa.initial_temperature", "must be positive, got %g", c.InitialTemperature)
	case c.CoolingRate <= 0 || c.CoolingRate >= 1:
		return optimization.ConfigErrorf("sa.cooling_rate", "must be within (0,1), got %g", c.CoolingRate)
	case c.MinTemperature <= 0 || c.MinTemperature >= c.InitialTemperature:
		return optimization.ConfigErrorf("sa.min_temperature", "must be within (0,%g), got %g", c.InitialTemperature, c.MinTemperature)
	case c.StepSize <= 0:
		return optimization.ConfigErrorf("sa.step_size", "must be positive, got %g", c.StepSize)
	}
	return nil
}

// CoolingRateFor returns the geometric rate that takes t0 to floor in n
// steps.
func CoolingRateFor(t0, floor float64, n int) float64 {
	if n <= 0 || t0 <= 0 || floor <= 0 || floor >= t0 {
		return 0
	}
	return math.Pow(floor/t0, 1/float64(n))
}

// SA is single-trajectory simulated annealing with Metropolis acceptance.
type SA struct {
	cfg    SAConfig
	logger *zap.Logger
}

// SAState is the trajectory of one run.
type SAState struct {
	base
	current     *optimization.Candidate
	temperature float64
	accepted    int
}

// Current returns the candidate the chain is at.
func (s *SAState) Current() *optimization.Candidate { return s.current }

// Temperature returns the current temperature.
func (s *SAState) Temperature() float64 { return s.temperature }

// Accepted returns how many proposals were accepted.
func (s *SAState) Accepted() int { return s.accepted }

// NewSA creates a simulated annealer. Zero config fields take defaults.
func NewSA(cfg SAConfig, logger *zap.Logger) *SA {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &SA{cfg: cfg.withDefaults(), logger: logger.Named("sa")}
}

// Name returns SA.
func (a *SA) Name() optimization.AlgorithmName { return optimization.SA }

// Initialize sets the temperature to T0.
func (a *SA) Initialize(space *optimization.Space, seed int64) (optimization.State, error) {
	b, err := newBase(space, seed)
	if err != nil {
		return nil, err
	}
	if err := a.cfg.validate(); err != nil {
		return nil, err
	}
	return &SAState{base: b, temperature: a.cfg.InitialTemperature}, nil
}

// Step evaluates the starting point on the first call. Every later call
// proposes one neighbour, applies the Metropolis rule and cools.
func (a *SA) Step(ctx context.Context, state optimization.State, obj optimization.Objective) (optimization.State, *optimization.Candidate, error) {
	s, ok := state.(*SAState)
	if !ok {
		return state, nil, stateError("SA", state)
	}

	if s.current == nil {
		evaluated, err := evaluate(ctx, obj, [][]float64{s.space.Sample(s.rng)})
		s.observe(evaluated)
		if len(evaluated) == 1 {
			s.current = evaluated[0]
		}
		if err != nil {
			return s, s.best, err
		}
		s.complete()
		return s, s.best, nil
	}

	evaluated, err := evaluate(ctx, obj, [][]float64{a.neighbour(s)})
	s.observe(evaluated)
	if err != nil {
		return s, s.best, err
	}
	candidate := evaluated[0]
	if a.accept(s, candidate) {
		s.current = candidate
		s.accepted++
	}
	s.temperature *= a.cfg.CoolingRate
	s.complete()

	a.logger.Debug("Annealing step complete",
		zap.Int("iteration", s.iteration),
		zap.Float64("temperature", s.temperature),
		zap.Float64("current_fitness", s.current.Fitness()),
		zap.Float64("best_fitness", s.best.Fitness()),
	)
	return s, s.best, nil
}

func (a *SA) neighbour(s *SAState) []float64 {
	scale := a.cfg.StepSize * math.Sqrt(s.temperature/a.cfg.InitialTemperature)
	x := s.current.Params()
	for d, v := range s.space.Variables {
		if v.ResolvedKind() == optimization.Discrete {
			n := v.Levels()
			shift := int(math.Round(s.rng.NormFloat64() * math.Max(1, scale*float64(n))))
			idx := max(0, min(n-1, v.LevelIndex(x[d])+shift))
			x[d] = v.Level(idx)
			continue
		}
		x[d] += s.rng.NormFloat64() * scale * s.space.Range(d)
	}
	return s.space.Clamp(x)
}

// accept applies the Metropolis criterion for maximisation: improvements
// always, a worsening of delta with probability exp(-delta/T).
func (a *SA) accept(s *SAState, c *optimization.Candidate) bool {
	delta := s.current.Fitness() - c.Fitness()
	if delta <= 0 {
		return true
	}
	return s.rng.Float64() < math.Exp(-delta/s.temperature)
}

// Converged reports that the temperature has reached the floor after at
// least one successful evaluation.
func (a *SA) Converged(state optimization.State) bool {
	s, ok := state.(*SAState)
	if !ok || !s.succeeded() {
		return false
	}
	return s.temperature <= a.cfg.MinTemperature*(1+1e-9)
}
