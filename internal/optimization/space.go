package optimization

import (
	"math"
	"math/rand"
	"sort"
	"strconv"
	"strings"
)

// VariableKind is the semantic type of a design variable.
type VariableKind string

const (
	Continuous VariableKind = "continuous"
	Integer    VariableKind = "integer"
	Discrete   VariableKind = "discrete"
)

// Variable is one named dimension of the design space.
type Variable struct {
	Name string       `json:"name" yaml:"name"`
	Kind VariableKind `json:"kind,omitempty" yaml:"kind,omitempty"`
	// Lower and Upper bound continuous and integer variables.
	Lower float64 `json:"lower" yaml:"lower"`
	Upper float64 `json:"upper" yaml:"upper"`
	// Values is the allowed set of a discrete variable.
	Values []float64 `json:"values,omitempty" yaml:"values,omitempty"`
	// Labels optionally names each entry of Values (categorical variables).
	Labels []string `json:"labels,omitempty" yaml:"labels,omitempty"`
	// Initial biases random sampling towards a known good value.
	Initial *float64 `json:"initial,omitempty" yaml:"initial,omitempty"`
	Unit    string   `json:"unit,omitempty" yaml:"unit,omitempty"`
}

// ResolvedKind returns Kind, or the kind implied by Values when Kind is
// omitted.
func (v Variable) ResolvedKind() VariableKind {
	if v.Kind == "" {
		if len(v.Values) > 0 {
			return Discrete
		}
		return Continuous
	}
	return v.Kind
}

// Bounds returns the closed interval covering the variable.
func (v Variable) Bounds() (float64, float64) {
	if v.ResolvedKind() == Discrete && len(v.Values) > 0 {
		return v.Values[0], v.Values[len(v.Values)-1]
	}
	return v.Lower, v.Upper
}

// Levels returns the number of distinct values of an integer or discrete
// variable, or 0 for a continuous one.
func (v Variable) Levels() int {
	switch v.ResolvedKind() {
	case Discrete:
		return len(v.Values)
	case Integer:
		return int(math.Floor(v.Upper)-math.Ceil(v.Lower)) + 1
	}
	return 0
}

// Level returns the i-th value of an integer or discrete variable.
func (v Variable) Level(i int) float64 {
	if v.ResolvedKind() == Discrete {
		return v.Values[i]
	}
	return math.Ceil(v.Lower) + float64(i)
}

// LevelIndex returns the index of the level nearest to x.
func (v Variable) LevelIndex(x float64) int {
	switch v.ResolvedKind() {
	case Discrete:
		i := sort.SearchFloat64s(v.Values, x)
		if i == len(v.Values) {
			return i - 1
		}
		if i > 0 && x-v.Values[i-1] <= v.Values[i]-x {
			return i - 1
		}
		return i
	case Integer:
		idx := int(math.Round(x) - math.Ceil(v.Lower))
		if idx < 0 {
			return 0
		}
		if n := v.Levels(); idx >= n {
			return n - 1
		}
		return idx
	}
	return 0
}

// Clamp clips x to the variable's domain and snaps integer or discrete values.
func (v Variable) Clamp(x float64) float64 {
	if math.IsNaN(x) {
		lo, hi := v.Bounds()
		x = (lo + hi) / 2
	}
	switch v.ResolvedKind() {
	case Discrete, Integer:
		return v.Level(v.LevelIndex(x))
	}
	return math.Max(v.Lower, math.Min(x, v.Upper))
}

// Space is the ordered list of design variables. Its dimension is fixed for a run.
type Space struct {
	Variables []Variable `json:"variables" yaml:"variables"`
}

// NewSpace builds and validates a space. The variables are copied: omitted
// kinds are filled in and discrete value sets sorted on the copy, so the
// caller's slices are never modified.
func NewSpace(vars ...Variable) (*Space, error) {
	s := &Space{Variables: make([]Variable, len(vars))}
	for i, v := range vars {
		v.Kind = v.ResolvedKind()
		v.Values = append([]float64(nil), v.Values...)
		if len(v.Labels) > 0 {
			v.Labels = append([]string(nil), v.Labels...)
		}
		if v.Kind == Discrete && (len(v.Labels) == 0 || len(v.Labels) == len(v.Values)) {
			sortDiscrete(&v)
		}
		s.Variables[i] = v
	}
	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Dim returns the number of variables.
func (s *Space) Dim() int { return len(s.Variables) }

// Names returns the variable names in order.
func (s *Space) Names() []string {
	names := make([]string, len(s.Variables))
	for i, v := range s.Variables {
		names[i] = v.Name
	}
	return names
}

// Validate checks the space invariants without modifying the space, so a
// shared *Space may be validated from several goroutines. Discrete value sets
// must be sorted; NewSpace takes care of that.
func (s *Space) Validate() error {
	if s == nil || len(s.Variables) == 0 {
		return ConfigErrorf("space", "at least one variable is required")
	}
	seen := make(map[string]bool, len(s.Variables))
	for i := range s.Variables {
		v := s.Variables[i]
		field := "space.variables[" + strconv.Itoa(i) + "]"
		if v.Name == "" {
			return ConfigErrorf(field+".name", "must not be empty")
		}
		if seen[v.Name] {
			return ConfigErrorf(field+".name", "duplicate variable %q", v.Name)
		}
		seen[v.Name] = true

		switch v.ResolvedKind() {
		case Continuous, Integer:
			if math.IsNaN(v.Lower) || math.IsNaN(v.Upper) || math.IsInf(v.Lower, 0) || math.IsInf(v.Upper, 0) {
				return ConfigErrorf(field, "bounds of %q must be finite", v.Name)
			}
			if v.Lower >= v.Upper {
				return ConfigErrorf(field, "lower bound %g of %q must be below upper bound %g", v.Lower, v.Name, v.Upper)
			}
			if v.ResolvedKind() == Integer && v.Levels() < 1 {
				return ConfigErrorf(field, "integer variable %q has no integer in [%g, %g]", v.Name, v.Lower, v.Upper)
			}
		case Discrete:
			if len(v.Values) == 0 {
				return ConfigErrorf(field+".values", "discrete variable %q needs at least one value", v.Name)
			}
			if len(v.Labels) > 0 && len(v.Labels) != len(v.Values) {
				return ConfigErrorf(field+".labels", "expected %d labels, got %d", len(v.Values), len(v.Labels))
			}
			if !sort.Float64sAreSorted(v.Values) {
				return ConfigErrorf(field+".values", "values of %q must be sorted ascending", v.Name)
			}
		default:
			return ConfigErrorf(field+".kind", "unknown variable kind %q", v.Kind)
		}

		if v.Initial != nil {
			lo, hi := v.Bounds()
			if *v.Initial < lo || *v.Initial > hi {
				return ConfigErrorf(field+".initial", "initial value %g outside [%g, %g]", *v.Initial, lo, hi)
			}
		}
	}
	return nil
}

func sortDiscrete(v *Variable) {
	idx := make([]int, len(v.Values))
	for i := range idx {
		idx[i] = i
	}
	sort.SliceStable(idx, func(a, b int) bool { return v.Values[idx[a]] < v.Values[idx[b]] })
	values := make([]float64, len(idx))
	var labels []string
	if len(v.Labels) > 0 {
		labels = make([]string, len(idx))
	}
	for i, j := range idx {
		values[i] = v.Values[j]
		if labels != nil {
			labels[i] = v.Labels[j]
		}
	}
	v.Values, v.Labels = values, labels
}

// Bounds returns [lower, upper] per dimension.
func (s *Space) Bounds() [][2]float64 {
	b := make([][2]float64, len(s.Variables))
	for i, v := range s.Variables {
		lo, hi := v.Bounds()
		b[i] = [2]float64{lo, hi}
	}
	return b
}

// Range returns upper-lower of dimension i.
func (s *Space) Range(i int) float64 {
	lo, hi := s.Variables[i].Bounds()
	return hi - lo
}

// Contains reports whether x has the space's dimension and every element lies
// in its variable's domain.
func (s *Space) Contains(x []float64) bool {
	if len(x) != len(s.Variables) {
		return false
	}
	for i, v := range s.Variables {
		if math.IsNaN(x[i]) {
			return false
		}
		switch v.ResolvedKind() {
		case Continuous:
			if x[i] < v.Lower || x[i] > v.Upper {
				return false
			}
		default:
			if v.Clamp(x[i]) != x[i] {
				return false
			}
		}
	}
	return true
}

// Clamp returns a copy of x moved into the space.
func (s *Space) Clamp(x []float64) []float64 {
	out := make([]float64, len(s.Variables))
	for i, v := range s.Variables {
		out[i] = v.Clamp(x[i])
	}
	return out
}

// Sample draws one random point. Variables with an initial value are sampled
// around it with a standard deviation of a thirtieth of their range.
func (s *Space) Sample(rng *rand.Rand) []float64 {
	x := make([]float64, len(s.Variables))
	for i, v := range s.Variables {
		lo, hi := v.Bounds()
		switch {
		case v.Initial != nil:
			x[i] = *v.Initial + rng.NormFloat64()*(hi-lo)*0.1/3
		case v.Levels() > 0:
			x[i] = v.Level(rng.Intn(v.Levels()))
		default:
			x[i] = lo + rng.Float64()*(hi-lo)
		}
		x[i] = v.Clamp(x[i])
	}
	return x
}

// LatinHypercube generates n stratified points covering the space.
func (s *Space) LatinHypercube(n int, rng *rand.Rand) [][]float64 {
	nDims := len(s.Variables)
	samples := make([][]float64, n)
	for j := range samples {
		samples[j] = make([]float64, nDims)
	}
	if n == 0 {
		return samples
	}

	strata := make([]float64, n)
	for i, v := range s.Variables {
		for j := 0; j < n; j++ {
			strata[j] = (float64(j) + rng.Float64()) / float64(n)
		}
		rng.Shuffle(n, func(k, l int) {
			strata[k], strata[l] = strata[l], strata[k]
		})
		lo, hi := v.Bounds()
		for j := 0; j < n; j++ {
			samples[j][i] = v.Clamp(lo + strata[j]*(hi-lo))
		}
	}
	return samples
}

// Normalize maps x into the unit hypercube.
func (s *Space) Normalize(x []float64) []float64 {
	out := make([]float64, len(x))
	for i, v := range s.Variables {
		lo, hi := v.Bounds()
		if hi > lo {
			out[i] = (x[i] - lo) / (hi - lo)
		}
	}
	return out
}

// Key returns the exact cache key of x.
func (s *Space) Key(x []float64) string {
	var b strings.Builder
	for i, v := range x {
		if i > 0 {
			b.WriteByte(',')
		}
		b.WriteString(strconv.FormatFloat(v, 'g', -1, 64))
	}
	return b.String()
}

// Named maps x onto variable names.
func (s *Space) Named(x []float64) map[string]float64 {
	out := make(map[string]float64, len(x))
	for i, v := range s.Variables {
		if i < len(x) {
			out[v.Name] = x[i]
		}
	}
	return out
}
