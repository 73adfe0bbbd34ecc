package search

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// stubObjective scores candidates with a closed-form function and honours an
// evaluation budget the same way the controller's pipeline does.
type stubObjective struct {
	fitness func(x []float64) float64
	fail    func(seq int) bool
	budget  int
	used    int
	seen    [][]float64
}

func (o *stubObjective) Evaluate(_ context.Context, batch []*optimization.Candidate) ([]*optimization.Candidate, error) {
	out := make([]*optimization.Candidate, 0, len(batch))
	for _, c := range batch {
		if o.budget > 0 && o.used >= o.budget {
			return out, optimization.ErrBudgetExhausted
		}
		seq := o.used
		o.used++
		o.seen = append(o.seen, c.Params())
		if o.fail != nil && o.fail(seq) {
			out = append(out, c.WithOutcome(optimization.Outcome{
				Fitness: optimization.WorstFitness,
				Source:  optimization.SourceReal,
				Failure: optimization.FailureCrash,
				Seq:     seq,
			}))
			continue
		}
		f := o.fitness(c.Params())
		out = append(out, c.WithOutcome(optimization.Outcome{
			Fitness:   f,
			Metrics:   optimization.MetricVector{"f": f},
			Source:    optimization.SourceReal,
			Satisfied: true,
			Seq:       seq,
		}))
	}
	return out, nil
}

func sphere(x []float64) float64 {
	s := 0.0
	for _, v := range x {
		s += v * v
	}
	return -s
}

func mixedSpace(t *testing.T) *optimization.Space {
	t.Helper()
	space, err := optimization.NewSpace(
		optimization.Variable{Name: "x", Lower: -1, Upper: 2},
		optimization.Variable{Name: "n", Kind: optimization.Integer, Lower: 0, Upper: 10},
		optimization.Variable{Name: "mode", Values: []float64{4, 0.5, 1}},
	)
	require.NoError(t, err)
	return space
}

func smallOptions() Options {
	return Options{
		GA:  GAConfig{PopulationSize: 6},
		PSO: PSOConfig{SwarmSize: 6},
		ACO: ACOConfig{Ants: 6, Bins: 4},
		SA:  SAConfig{CoolingRate: 0.8},
	}
}

type historian interface {
	History() []float64
}

func run(t *testing.T, name optimization.AlgorithmName, space *optimization.Space, obj optimization.Objective, seed int64, steps int) optimization.State {
	t.Helper()
	alg, err := New(name, smallOptions(), nil)
	require.NoError(t, err)
	state, err := alg.Initialize(space, seed)
	require.NoError(t, err)
	for i := 0; i < steps; i++ {
		state, _, err = alg.Step(context.Background(), state, obj)
		require.NoError(t, err)
	}
	return state
}

func TestNew(t *testing.T) {
	for _, name := range optimization.Algorithms {
		alg, err := New(name, Options{}, nil)
		require.NoError(t, err)
		assert.Equal(t, name, alg.Name())
	}

	_, err := New("BFGS", Options{}, nil)
	assert.ErrorIs(t, err, optimization.ErrConfiguration)
}

func TestOptionsValidate(t *testing.T) {
	tests := []struct {
		name  string
		alg   optimization.AlgorithmName
		opts  Options
		field string
	}{
		{"ga population", optimization.GA, Options{GA: GAConfig{PopulationSize: 1}}, "ga.population_size"},
		{"ga elites", optimization.GA, Options{GA: GAConfig{PopulationSize: 4, Elites: optimization.Ptr(4)}}, "ga.elites"},
		{"ga selection", optimization.GA, Options{GA: GAConfig{Selection: "lottery"}}, "ga.selection"},
		{"ga crossover", optimization.GA, Options{GA: GAConfig{Crossover: "uniform"}}, "ga.crossover"},
		{"pso inertia", optimization.PSO, Options{PSO: PSOConfig{Inertia: optimization.Ptr(-1.0)}}, "pso.inertia"},
		{"aco bins", optimization.ACO, Options{ACO: ACOConfig{Bins: 1}}, "aco.bins"},
		{"aco evaporation", optimization.ACO, Options{ACO: ACOConfig{Evaporation: 1}}, "aco.evaporation"},
		{"sa cooling", optimization.SA, Options{SA: SAConfig{CoolingRate: 1.5}}, "sa.cooling_rate"},
		{"sa floor", optimization.SA, Options{SA: SAConfig{InitialTemperature: 1, MinTemperature: 2}}, "sa.min_temperature"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.opts.Validate(tt.alg)
			require.Error(t, err)
			assert.ErrorIs(t, err, optimization.ErrConfiguration)
			assert.Contains(t, err.Error(), tt.field)
		})
	}

	assert.NoError(t, smallOptions().Validate(optimization.ACO))
}

func TestInitializeRejectsInvalidSpace(t *testing.T) {
	bad := &optimization.Space{Variables: []optimization.Variable{{Name: "x", Lower: 3, Upper: 1}}}
	for _, name := range optimization.Algorithms {
		alg, err := New(name, Options{}, nil)
		require.NoError(t, err)
		_, err = alg.Initialize(bad, 1)
		assert.ErrorIs(t, err, optimization.ErrConfiguration, name)

		_, err = alg.Initialize(nil, 1)
		assert.ErrorIs(t, err, optimization.ErrConfiguration, name)
	}
}

// randomSpace draws one to five variables of random kinds, bounds and
// value sets.
func randomSpace(t *testing.T, rng *rand.Rand) *optimization.Space {
	t.Helper()
	vars := make([]optimization.Variable, 1+rng.Intn(5))
	for i := range vars {
		name := fmt.Sprintf("v%d", i)
		lo := rng.Float64()*200 - 100
		switch rng.Intn(3) {
		case 0:
			vars[i] = optimization.Variable{Name: name, Lower: lo, Upper: lo + 1e-3 + rng.Float64()*50}
		case 1:
			vars[i] = optimization.Variable{Name: name, Kind: optimization.Integer, Lower: lo, Upper: lo + 2 + float64(rng.Intn(30))}
		default:
			values := make([]float64, 2+rng.Intn(6))
			for j := range values {
				values[j] = lo + float64(j) + rng.Float64()*0.9
			}
			rng.Shuffle(len(values), func(a, b int) { values[a], values[b] = values[b], values[a] })
			vars[i] = optimization.Variable{Name: name, Values: values}
		}
	}
	space, err := optimization.NewSpace(vars...)
	require.NoError(t, err)
	return space
}

func TestCandidatesStayInBounds(t *testing.T) {
	for _, name := range optimization.Algorithms {
		for seed := int64(1); seed <= 20; seed++ {
			space := randomSpace(t, rand.New(rand.NewSource(seed*7919)))
			obj := &stubObjective{fitness: sphere}
			state := run(t, name, space, obj, seed, 12)

			require.NotEmpty(t, obj.seen)
			for _, x := range obj.seen {
				assert.True(t, space.Contains(x), "%s seed %d proposed %v in %+v", name, seed, x, space.Variables)
			}
			best := state.Best()
			require.NotNil(t, best)
			assert.True(t, space.Contains(best.Params()))
		}
	}
}

func TestGAOperatorsStayInBounds(t *testing.T) {
	space := mixedSpace(t)
	configs := []GAConfig{
		{PopulationSize: 8, Selection: SelectRoulette},
		{PopulationSize: 8, Selection: SelectRank, Crossover: CrossoverSinglePoint},
		{PopulationSize: 8, Elites: optimization.Ptr(3), MutationRate: optimization.Ptr(1.0)},
	}
	for _, cfg := range configs {
		ga := NewGA(cfg, nil)
		state, err := ga.Initialize(space, 3)
		require.NoError(t, err)
		obj := &stubObjective{fitness: sphere}
		for i := 0; i < 10; i++ {
			state, _, err = ga.Step(context.Background(), state, obj)
			require.NoError(t, err)
		}
		for _, x := range obj.seen {
			assert.True(t, space.Contains(x), "%+v proposed %v", cfg, x)
		}
		assert.Len(t, state.(*GAState).Population(), cfg.PopulationSize)
	}
}

func TestDeterministicUnderSeed(t *testing.T) {
	space := mixedSpace(t)
	for _, name := range optimization.Algorithms {
		a := &stubObjective{fitness: sphere}
		b := &stubObjective{fitness: sphere}
		sa := run(t, name, space, a, 42, 8)
		sb := run(t, name, space, b, 42, 8)

		assert.Equal(t, a.seen, b.seen, name)
		assert.Equal(t, sa.Best().Params(), sb.Best().Params(), name)

		c := &stubObjective{fitness: sphere}
		run(t, name, space, c, 43, 8)
		assert.NotEqual(t, a.seen, c.seen, name)
	}
}

func TestBestIsMonotonic(t *testing.T) {
	space := mixedSpace(t)
	for _, name := range optimization.Algorithms {
		obj := &stubObjective{fitness: sphere}
		state := run(t, name, space, obj, 7, 15)

		history := state.(historian).History()
		require.Len(t, history, 15)
		for i := 1; i < len(history); i++ {
			assert.GreaterOrEqual(t, history[i], history[i-1], "%s iteration %d", name, i)
		}
		assert.Equal(t, 15, state.Iteration())
	}
}

func TestFailuresAreKept(t *testing.T) {
	space := mixedSpace(t)
	for _, name := range optimization.Algorithms {
		obj := &stubObjective{fitness: sphere, fail: func(int) bool { return true }}
		alg, err := New(name, smallOptions(), nil)
		require.NoError(t, err)
		state, err := alg.Initialize(space, 1)
		require.NoError(t, err)

		for i := 0; i < 4; i++ {
			state, _, err = alg.Step(context.Background(), state, obj)
			require.NoError(t, err)
			assert.False(t, alg.Converged(state), name)
		}
		best := state.Best()
		require.NotNil(t, best, name)
		assert.True(t, best.Outcome().Failed())
		assert.Equal(t, optimization.WorstFitness, best.Fitness())
	}
}

func TestGAIntermittentFailures(t *testing.T) {
	space := mixedSpace(t)
	obj := &stubObjective{fitness: sphere, fail: func(seq int) bool { return seq%3 == 0 }}
	ga := NewGA(GAConfig{PopulationSize: 6, Selection: SelectRoulette}, nil)
	state, err := ga.Initialize(space, 9)
	require.NoError(t, err)
	for i := 0; i < 5; i++ {
		state, _, err = ga.Step(context.Background(), state, obj)
		require.NoError(t, err)
		assert.Len(t, state.(*GAState).Population(), 6)
	}
	assert.False(t, state.Best().Outcome().Failed())
	assert.Equal(t, 6+4*5, obj.used)
}

func TestGABudgetPrefix(t *testing.T) {
	space, err := optimization.NewSpace(
		optimization.Variable{Name: "radius", Lower: 2, Upper: 5, Unit: "mm"},
		optimization.Variable{Name: "width", Lower: 0.2, Upper: 1, Unit: "mm"},
	)
	require.NoError(t, err)

	ga := NewGA(GAConfig{PopulationSize: 5}, nil)
	state, err := ga.Initialize(space, 11)
	require.NoError(t, err)

	obj := &stubObjective{fitness: func(x []float64) float64 { return -math.Abs(x[0]-3.3) - math.Abs(x[1]-0.5) }, budget: 20}
	var stepErr error
	for i := 0; i < 10 && stepErr == nil; i++ {
		state, _, stepErr = ga.Step(context.Background(), state, obj)
	}

	require.Error(t, stepErr)
	assert.True(t, errors.Is(stepErr, optimization.ErrBudgetExhausted))
	assert.Equal(t, 20, obj.used)
	assert.Equal(t, 4, state.Iteration())
	best := state.Best()
	require.NotNil(t, best)
	assert.True(t, space.Contains(best.Params()))
	assert.Equal(t, optimization.BestOf(candidatesOf(t, obj, space)).Fitness(), best.Fitness())
}

// candidatesOf rescoring every seen vector lets the test check that the
// prefix of the interrupted generation was folded into the best.
func candidatesOf(t *testing.T, obj *stubObjective, space *optimization.Space) []*optimization.Candidate {
	t.Helper()
	out := make([]*optimization.Candidate, len(obj.seen))
	for i, x := range obj.seen {
		require.True(t, space.Contains(x))
		out[i] = optimization.NewCandidate(x).WithOutcome(optimization.Outcome{Fitness: obj.fitness(x), Seq: i})
	}
	return out
}

func TestStepRejectsForeignState(t *testing.T) {
	space := mixedSpace(t)
	pso := NewPSO(PSOConfig{}, nil)
	state, err := pso.Initialize(space, 1)
	require.NoError(t, err)

	ga := NewGA(GAConfig{}, nil)
	_, _, err = ga.Step(context.Background(), state, &stubObjective{fitness: sphere})
	assert.Error(t, err)
	assert.False(t, ga.Converged(state))
}

func TestPSOConvergesOnCollapsedSwarm(t *testing.T) {
	space, err := optimization.NewSpace(optimization.Variable{Name: "x", Lower: -1, Upper: 1})
	require.NoError(t, err)

	pso := NewPSO(PSOConfig{SwarmSize: 8, VarianceThreshold: optimization.Ptr(1e-4)}, nil)
	state, err := pso.Initialize(space, 5)
	require.NoError(t, err)
	obj := &stubObjective{fitness: sphere}

	converged := false
	for i := 0; i < 300 && !converged; i++ {
		state, _, err = pso.Step(context.Background(), state, obj)
		require.NoError(t, err)
		converged = pso.Converged(state)
	}
	assert.True(t, converged)
	assert.InDelta(t, 0, state.Best().At(0), 0.05)
}

func TestACOConcentratesPheromone(t *testing.T) {
	space, err := optimization.NewSpace(
		optimization.Variable{Name: "x", Lower: -1, Upper: 1},
		optimization.Variable{Name: "mode", Values: []float64{0, 1, 2}},
	)
	require.NoError(t, err)

	aco := NewACO(ACOConfig{Ants: 10, Bins: 5, Evaporation: 0.3}, nil)
	state, err := aco.Initialize(space, 2)
	require.NoError(t, err)
	s := state.(*ACOState)
	require.Len(t, s.Pheromone()[0], 5)
	require.Len(t, s.Pheromone()[1], 3)
	initial := aco.concentration(s)
	assert.InDelta(t, 0, initial, 1e-12)

	obj := &stubObjective{fitness: sphere}
	for i := 0; i < 20; i++ {
		state, _, err = aco.Step(context.Background(), state, obj)
		require.NoError(t, err)
	}
	assert.Greater(t, aco.concentration(state.(*ACOState)), initial)
	assert.Equal(t, 0.0, state.Best().At(1))
}

func TestSAReachesOptimum(t *testing.T) {
	space, err := optimization.NewSpace(optimization.Variable{Name: "x", Lower: -1, Upper: 1})
	require.NoError(t, err)

	cfg := SAConfig{InitialTemperature: 1, MinTemperature: 1e-3, CoolingRate: CoolingRateFor(1, 1e-3, 50), StepSize: 0.25}
	for seed := int64(1); seed <= 3; seed++ {
		sa := NewSA(cfg, nil)
		state, err := sa.Initialize(space, seed)
		require.NoError(t, err)
		obj := &stubObjective{fitness: func(x []float64) float64 { return -math.Abs(x[0]) }}

		for !sa.Converged(state) {
			require.Less(t, state.Iteration(), 100)
			state, _, err = sa.Step(context.Background(), state, obj)
			require.NoError(t, err)
		}

		// One evaluation of the start point plus one per cooling step.
		assert.Equal(t, 51, state.Iteration())
		assert.Equal(t, 51, obj.used)
		assert.InDelta(t, 0, state.Best().Fitness(), 0.2, "seed %d", seed)
		assert.InDelta(t, cfg.MinTemperature, state.(*SAState).Temperature(), 1e-9)
	}
}

func TestCoolingRateFor(t *testing.T) {
	rate := CoolingRateFor(10, 0.01, 30)
	assert.InDelta(t, 0.01, 10*math.Pow(rate, 30), 1e-12)
	assert.Zero(t, CoolingRateFor(1, 2, 10))
	assert.Zero(t, CoolingRateFor(1, 0.1, 0))
}

func TestSAMetropolis(t *testing.T) {
	space, err := optimization.NewSpace(optimization.Variable{Name: "x", Lower: 0, Upper: 1})
	require.NoError(t, err)
	sa := NewSA(SAConfig{}, nil)
	state, err := sa.Initialize(space, 1)
	require.NoError(t, err)
	s := state.(*SAState)
	s.current = optimization.NewCandidate([]float64{0.5}).WithOutcome(optimization.Outcome{Fitness: 0})

	better := optimization.NewCandidate([]float64{0.4}).WithOutcome(optimization.Outcome{Fitness: 1})
	assert.True(t, sa.accept(s, better))

	// exp(-1000) is zero for every draw.
	far := optimization.NewCandidate([]float64{0.1}).WithOutcome(optimization.Outcome{Fitness: -1000})
	for i := 0; i < 20; i++ {
		assert.False(t, sa.accept(s, far))
	}
}

func TestExplicitZeroRatesAreKept(t *testing.T) {
	defaults := NewGA(GAConfig{}, nil).Config()
	assert.Equal(t, 0.8, *defaults.CrossoverRate)
	assert.Equal(t, 0.1, *defaults.MutationRate)
	assert.Equal(t, 1, *defaults.Elites)

	zero := GAConfig{
		PopulationSize: 6,
		CrossoverRate:  optimization.Ptr(0.0),
		MutationRate:   optimization.Ptr(0.0),
		Elites:         optimization.Ptr(0),
	}
	ga := NewGA(zero, nil)
	cfg := ga.Config()
	assert.Zero(t, *cfg.CrossoverRate)
	assert.Zero(t, *cfg.MutationRate)
	assert.Zero(t, *cfg.Elites)

	// Without crossover or mutation every child is a copy of a parent.
	space := mixedSpace(t)
	obj := &stubObjective{fitness: sphere}
	state, err := ga.Initialize(space, 2)
	require.NoError(t, err)
	state, _, err = ga.Step(context.Background(), state, obj)
	require.NoError(t, err)
	parents := make(map[string]bool)
	for _, x := range obj.seen {
		parents[space.Key(x)] = true
	}
	_, _, err = ga.Step(context.Background(), state, obj)
	require.NoError(t, err)
	require.Len(t, obj.seen, 12)
	for _, x := range obj.seen[6:] {
		assert.True(t, parents[space.Key(x)], "child %v", x)
	}
}

func TestPSOWithZeroCoefficientsStandsStill(t *testing.T) {
	space := mixedSpace(t)
	pso := NewPSO(PSOConfig{
		SwarmSize: 5,
		Inertia:   optimization.Ptr(0.0),
		Cognitive: optimization.Ptr(0.0),
		Social:    optimization.Ptr(0.0),
	}, nil)
	obj := &stubObjective{fitness: sphere}
	state, err := pso.Initialize(space, 4)
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		state, _, err = pso.Step(context.Background(), state, obj)
		require.NoError(t, err)
	}
	require.Len(t, obj.seen, 10)
	assert.Equal(t, obj.seen[:5], obj.seen[5:])

	assert.NoError(t, Options{ACO: ACOConfig{Alpha: optimization.Ptr(0.0), Beta: optimization.Ptr(0.0)}}.Validate(optimization.ACO))
}
