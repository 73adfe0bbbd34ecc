package optimization

import (
	"math"
	"sort"
)

// WorstFitness is assigned to failed evaluations. It is finite so that run
// records remain serialisable.
const WorstFitness = -math.MaxFloat64

// Source tags where an outcome's metrics came from.
type Source string

const (
	SourceReal      Source = "real"
	SourceCache     Source = "cache"
	SourceSurrogate Source = "surrogate"
)

// MetricVector holds the named scalar outputs of one evaluation.
type MetricVector map[string]float64

// Clone returns an independent copy.
func (m MetricVector) Clone() MetricVector {
	if m == nil {
		return nil
	}
	out := make(MetricVector, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Names returns the metric names sorted.
func (m MetricVector) Names() []string {
	names := make([]string, 0, len(m))
	for k := range m {
		names = append(names, k)
	}
	sort.Strings(names)
	return names
}

// Violation records a threshold constraint that did not hold.
type Violation struct {
	Metric    string  `json:"metric"`
	Value     float64 `json:"value"`
	Threshold float64 `json:"threshold"`
	// Magnitude is the scaled distance to the threshold.
	Magnitude float64 `json:"magnitude"`
}

// Outcome is the result of evaluating a candidate.
type Outcome struct {
	Fitness    float64
	Metrics    MetricVector
	Source     Source
	Satisfied  bool
	Violations []Violation
	// Failure is empty unless the evaluation failed.
	Failure FailureReason
	// Seq is the position of this evaluation in the run's evaluation order.
	Seq int
}

// Failed reports whether the evaluation produced no metrics.
func (o Outcome) Failed() bool { return o.Failure != "" }

// Candidate is an immutable parameter vector plus its optional outcome.
// Evaluating a candidate yields a new Candidate.
type Candidate struct {
	params  []float64
	outcome *Outcome
}

// NewCandidate copies params into a fresh, unevaluated candidate.
func NewCandidate(params []float64) *Candidate {
	return &Candidate{params: append([]float64(nil), params...)}
}

// Params returns a copy of the parameter vector.
func (c *Candidate) Params() []float64 {
	return append([]float64(nil), c.params...)
}

// At returns parameter i.
func (c *Candidate) At(i int) float64 { return c.params[i] }

// Dim returns the vector length.
func (c *Candidate) Dim() int { return len(c.params) }

// Evaluated reports whether an outcome is attached.
func (c *Candidate) Evaluated() bool { return c != nil && c.outcome != nil }

// Outcome returns the attached outcome, or the zero Outcome.
func (c *Candidate) Outcome() Outcome {
	if c.outcome == nil {
		return Outcome{Fitness: WorstFitness}
	}
	o := *c.outcome
	o.Metrics = o.Metrics.Clone()
	o.Violations = append([]Violation(nil), o.Violations...)
	return o
}

// Fitness returns the outcome's fitness, or WorstFitness when unevaluated.
func (c *Candidate) Fitness() float64 {
	if c == nil || c.outcome == nil {
		return WorstFitness
	}
	return c.outcome.Fitness
}

// Source returns the outcome's source tag.
func (c *Candidate) Source() Source {
	if c.outcome == nil {
		return ""
	}
	return c.outcome.Source
}

// WithOutcome returns a new candidate with the same parameters and o attached.
func (c *Candidate) WithOutcome(o Outcome) *Candidate {
	o.Metrics = o.Metrics.Clone()
	o.Violations = append([]Violation(nil), o.Violations...)
	return &Candidate{params: c.params, outcome: &o}
}

// Better reports whether a ranks strictly above b: higher fitness, then fewer
// constraint violations, then earlier evaluation. A nil or unevaluated
// candidate ranks below any evaluated one.
func Better(a, b *Candidate) bool {
	if !a.Evaluated() {
		return false
	}
	if !b.Evaluated() {
		return true
	}
	fa, fb := a.outcome.Fitness, b.outcome.Fitness
	if fa != fb {
		return fa > fb
	}
	va, vb := len(a.outcome.Violations), len(b.outcome.Violations)
	if va != vb {
		return va < vb
	}
	return a.outcome.Seq < b.outcome.Seq
}

// BestOf returns the best evaluated candidate of cs, or nil.
func BestOf(cs []*Candidate) *Candidate {
	var best *Candidate
	for _, c := range cs {
		if c.Evaluated() && (best == nil || Better(c, best)) {
			best = c
		}
	}
	return best
}

// SortBest orders cs from best to worst in place.
func SortBest(cs []*Candidate) {
	sort.SliceStable(cs, func(i, j int) bool { return Better(cs[i], cs[j]) })
}
