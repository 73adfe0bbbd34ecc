package optimization

import (
	"context"
	"strings"
)

// AlgorithmName identifies one of the supported search strategies.
type AlgorithmName string

const (
	GA  AlgorithmName = "GA"
	PSO AlgorithmName = "PSO"
	ACO AlgorithmName = "ACO"
	SA  AlgorithmName = "SA"
)

// Ptr returns a pointer to v, for optional settings where zero is a
// legitimate value.
func Ptr[T any](v T) *T { return &v }

// Algorithms lists every supported strategy.
var Algorithms = []AlgorithmName{GA, PSO, ACO, SA}

// ParseAlgorithm resolves a case-insensitive algorithm name.
func ParseAlgorithm(s string) (AlgorithmName, error) {
	name := AlgorithmName(strings.ToUpper(strings.TrimSpace(s)))
	for _, a := range Algorithms {
		if a == name {
			return a, nil
		}
	}
	return "", ConfigErrorf("algorithm", "unsupported algorithm %q (expected GA, PSO, ACO or SA)", s)
}

// Objective evaluates a batch of candidates and returns new, evaluated
// candidates in the same order. When the budget runs out or the run must
// abort it returns the evaluated prefix together with the error; callers
// fold that prefix into their state before propagating the error.
type Objective interface {
	Evaluate(ctx context.Context, batch []*Candidate) ([]*Candidate, error)
}

// ObjectiveFunc adapts a function to the Objective interface.
type ObjectiveFunc func(ctx context.Context, batch []*Candidate) ([]*Candidate, error)

// Evaluate calls f.
func (f ObjectiveFunc) Evaluate(ctx context.Context, batch []*Candidate) ([]*Candidate, error) {
	return f(ctx, batch)
}

// State is the algorithm-owned search state of one run.
type State interface {
	// Iteration is the number of completed steps.
	Iteration() int
	// Best is the best candidate the algorithm has seen, or nil.
	Best() *Candidate
}

// Algorithm is the contract shared by all search strategies.
type Algorithm interface {
	Name() AlgorithmName
	// Initialize creates the search state. It performs no evaluations.
	Initialize(space *Space, seed int64) (State, error)
	// Step advances the search by one generation or iteration.
	Step(ctx context.Context, state State, objective Objective) (State, *Candidate, error)
	// Converged reports whether the algorithm's own stopping rule holds.
	Converged(state State) bool
}
