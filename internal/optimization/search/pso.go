package search

import (
	"context"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// PSOConfig configures particle swarm optimization.
type PSOConfig struct {
	SwarmSize int     `json:"swarm_size,omitempty" yaml:"swarm_size,omitempty"`
	// Inertia, Cognitive and Social accept an explicit zero; nil means the
	// constriction defaults.
	Inertia   *float64 `json:"inertia,omitempty" yaml:"inertia,omitempty"`
	Cognitive *float64 `json:"cognitive,omitempty" yaml:"cognitive,omitempty"`
	Social    *float64 `json:"social,omitempty" yaml:"social,omitempty"`
	// MaxVelocity caps each velocity component as a fraction of the range.
	MaxVelocity float64 `json:"max_velocity,omitempty" yaml:"max_velocity,omitempty"`
	// VarianceThreshold on normalised positions below which the swarm has
	// collapsed.
	VarianceThreshold *float64 `json:"variance_threshold,omitempty" yaml:"variance_threshold,omitempty"`
}

func (c PSOConfig) withDefaults() PSOConfig {
	if c.SwarmSize == 0 {
		c.SwarmSize = 20
	}
	setDefault(&c.Inertia, 0.729)
	setDefault(&c.Cognitive, 1.49445)
	setDefault(&c.Social, 1.49445)
	if c.MaxVelocity == 0 {
		c.MaxVelocity = 0.2
	}
	setDefault(&c.VarianceThreshold, 1e-6)
	return c
}

func (c PSOConfig) validate() error {
	switch {
	case c.SwarmSize < 1:
		return optimization.ConfigErrorf("pso.swarm_size", "must be positive, got %d", c.SwarmSize)
	case *c.Inertia < 0:
		return optimization.ConfigErrorf("pso.inertia", "must not be negative, got %g", *c.Inertia)
	case *c.Cognitive < 0:
		return optimization.ConfigErrorf("pso.cognitive", "must not be negative, got %g", *c.Cognitive)
	case *c.Social < 0:
		return optimization.ConfigErrorf("pso.social", "must not be negative, got %g", *c.Social)
	case c.MaxVelocity <= 0:
		return optimization.ConfigErrorf("pso.max_velocity", "must be positive, got %g", c.MaxVelocity)
	case *c.VarianceThreshold < 0:
		return optimization.ConfigErrorf("pso.variance_threshold", "must not be negative, got %g", *c.VarianceThreshold)
	}
	return nil
}

// PSO is a global-best particle swarm.
type PSO struct {
	cfg    PSOConfig
	logger *zap.Logger
}

type particle struct {
	position []float64
	velocity []float64
	current  *optimization.Candidate
	best     *optimization.Candidate
}

// PSOState is the swarm of one run.
type PSOState struct {
	base
	particles []*particle
}

// Positions returns a copy of every particle's position.
func (s *PSOState) Positions() [][]float64 {
	out := make([][]float64, len(s.particles))
	for i, p := range s.particles {
		out[i] = append([]float64(nil), p.position...)
	}
	return out
}

// NewPSO creates a particle swarm optimizer. Zero config fields take
// defaults.
func NewPSO(cfg PSOConfig, logger *zap.Logger) *PSO {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PSO{cfg: cfg.withDefaults(), logger: logger.Named("pso")}
}

// Name returns PSO.
func (p *PSO) Name() optimization.AlgorithmName { return optimization.PSO }

// Initialize places the swarm with Latin hypercube sampling and random
// velocities. Nothing is evaluated yet.
func (p *PSO) Initialize(space *optimization.Space, seed int64) (optimization.State, error) {
	b, err := newBase(space, seed)
	if err != nil {
		return nil, err
	}
	if err := p.cfg.validate(); err != nil {
		return nil, err
	}
	s := &PSOState{base: b}
	for _, pos := range space.LatinHypercube(p.cfg.SwarmSize, s.rng) {
		vel := make([]float64, space.Dim())
		for d := range vel {
			vmax := p.cfg.MaxVelocity * space.Range(d)
			vel[d] = (2*s.rng.Float64() - 1) * vmax
		}
		s.particles = append(s.particles, &particle{position: pos, velocity: vel})
	}
	return s, nil
}

// Step evaluates the initial positions on the first call, and afterwards
// moves every particle once and evaluates the new positions as one batch.
func (p *PSO) Step(ctx context.Context, state optimization.State, obj optimization.Objective) (optimization.State, *optimization.Candidate, error) {
	s, ok := state.(*PSOState)
	if !ok {
		return state, nil, stateError("PSO", state)
	}

	if s.iteration > 0 {
		for _, pt := range s.particles {
			p.move(s, pt)
		}
	}

	positions := make([][]float64, len(s.particles))
	for i, pt := range s.particles {
		positions[i] = pt.position
	}
	evaluated, err := evaluate(ctx, obj, positions)
	for i, c := range evaluated {
		pt := s.particles[i]
		pt.current = c
		if optimization.Better(c, pt.best) {
			pt.best = c
		}
	}
	s.observe(evaluated)
	if err != nil {
		return s, s.best, err
	}

	s.complete()
	p.logger.Debug("Swarm iteration complete",
		zap.Int("iteration", s.iteration),
		zap.Float64("best_fitness", s.best.Fitness()),
		zap.Float64("position_variance", p.variance(s)),
	)
	return s, s.best, nil
}

func (p *PSO) move(s *PSOState, pt *particle) {
	cfg := p.cfg
	next := make([]float64, len(pt.position))
	for d := range pt.position {
		vmax := cfg.MaxVelocity * s.space.Range(d)
		v := *cfg.Inertia * pt.velocity[d]
		if pt.best != nil {
			v += *cfg.Cognitive * s.rng.Float64() * (pt.best.At(d) - pt.position[d])
		}
		if s.best != nil {
			v += *cfg.Social * s.rng.Float64() * (s.best.At(d) - pt.position[d])
		}
		v = math.Max(-vmax, math.Min(vmax, v))
		pt.velocity[d] = v
		next[d] = pt.position[d] + v
	}

	clamped := s.space.Clamp(next)
	for d := range clamped {
		lo, hi := s.space.Variables[d].Bounds()
		if next[d] < lo || next[d] > hi {
			pt.velocity[d] = 0
		}
	}
	pt.position = clamped
}

// variance is the mean per-dimension variance of normalised positions.
func (p *PSO) variance(s *PSOState) float64 {
	if len(s.particles) < 2 {
		return 0
	}
	dim := s.space.Dim()
	cols := make([][]float64, dim)
	for _, pt := range s.particles {
		for d, v := range s.space.Normalize(pt.position) {
			cols[d] = append(cols[d], v)
		}
	}
	total := 0.0
	for _, col := range cols {
		total += stat.Variance(col, nil)
	}
	return total / float64(dim)
}

// Converged reports that the swarm has collapsed onto a point.
func (p *PSO) Converged(state optimization.State) bool {
	s, ok := state.(*PSOState)
	if !ok || s.iteration == 0 || !s.succeeded() {
		return false
	}
	return p.variance(s) < *p.cfg.VarianceThreshold
}
