// Package objective turns raw metric vectors into a scalar fitness according
// to the caller's optimization goals and threshold constraints.
package objective

import (
	"fmt"
	"math"
	"strconv"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// Direction is the goal attached to one metric.
type Direction string

const (
	Minimize   Direction = "minimize"
	Maximize   Direction = "maximize"
	Target     Direction = "target"
	Constraint Direction = "constraint"
)

// Comparator is the relation a constraint metric must satisfy.
type Comparator string

const (
	Less         Comparator = "<"
	LessEqual    Comparator = "<="
	Greater      Comparator = ">"
	GreaterEqual Comparator = ">="
)

// Normalization selects how a term's scaled value enters the weighted sum.
type Normalization string

const (
	// Bounded maps each scaled term t to t/(1+|t|).
	Bounded Normalization = "bounded"
	// Linear uses the scaled term as is.
	Linear Normalization = "linear"
)

// DefaultPenalty is the constraint violation penalty used when none is set.
const DefaultPenalty = 1e6

// Term is one (metric, direction, weight) tuple of the specification.
type Term struct {
	Metric     string     `json:"metric" yaml:"metric"`
	Direction  Direction  `json:"direction" yaml:"direction"`
	Weight     float64    `json:"weight,omitempty" yaml:"weight,omitempty"`
	Target     *float64   `json:"target,omitempty" yaml:"target,omitempty"`
	Comparator Comparator `json:"comparator,omitempty" yaml:"comparator,omitempty"`
	Threshold  *float64   `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	// Scale divides the metric before normalisation. Defaults to 1.
	Scale float64 `json:"scale,omitempty" yaml:"scale,omitempty"`
}

func (t Term) weight() float64 {
	if t.Weight == 0 {
		return 1
	}
	return t.Weight
}

func (t Term) scale() float64 {
	if t.Scale == 0 {
		return 1
	}
	return t.Scale
}

// Spec is the caller-supplied objective specification.
type Spec struct {
	Terms         []Term        `json:"terms" yaml:"terms"`
	Normalization Normalization `json:"normalization,omitempty" yaml:"normalization,omitempty"`
	Penalty       float64       `json:"penalty,omitempty" yaml:"penalty,omitempty"`
}

func (s *Spec) penalty() float64 {
	if s.Penalty == 0 {
		return DefaultPenalty
	}
	return s.Penalty
}

// Metrics returns the metric names the spec references.
func (s *Spec) Metrics() []string {
	seen := make(map[string]bool)
	var out []string
	for _, t := range s.Terms {
		if !seen[t.Metric] {
			seen[t.Metric] = true
			out = append(out, t.Metric)
		}
	}
	return out
}

// Validate checks the spec against the evaluator's declared metric schema.
func (s *Spec) Validate(schema []string) error {
	if s == nil || len(s.Terms) == 0 {
		return optimization.ConfigErrorf("objective.terms", "at least one term is required")
	}
	switch s.Normalization {
	case "", Bounded, Linear:
	default:
		return optimization.ConfigErrorf("objective.normalization", "unknown normalization %q", s.Normalization)
	}
	if s.Penalty < 0 || math.IsNaN(s.Penalty) || math.IsInf(s.Penalty, 0) {
		return optimization.ConfigErrorf("objective.penalty", "must be a positive finite number, got %g", s.Penalty)
	}
	if len(schema) == 0 {
		return optimization.ConfigErrorf("evaluator", "evaluator declares no output metrics")
	}
	known := make(map[string]bool, len(schema))
	for _, m := range schema {
		known[m] = true
	}

	for i, t := range s.Terms {
		field := "objective.terms[" + strconv.Itoa(i) + "]"
		if t.Metric == "" {
			return optimization.ConfigErrorf(field+".metric", "must not be empty")
		}
		if !known[t.Metric] {
			return optimization.ConfigErrorf(field+".metric", "metric %q is not produced by the evaluator (schema %v)", t.Metric, schema)
		}
		if t.Weight < 0 || math.IsNaN(t.Weight) || math.IsInf(t.Weight, 0) {
			return optimization.ConfigErrorf(field+".weight", "must be a non-negative finite number, got %g", t.Weight)
		}
		if t.Scale < 0 || math.IsNaN(t.Scale) || math.IsInf(t.Scale, 0) {
			return optimization.ConfigErrorf(field+".scale", "must be a positive finite number, got %g", t.Scale)
		}
		switch t.Direction {
		case Minimize, Maximize:
		case Target:
			if t.Target == nil {
				return optimization.ConfigErrorf(field+".target", "target direction requires a target value")
			}
		case Constraint:
			if t.Threshold == nil {
				return optimization.ConfigErrorf(field+".threshold", "constraint requires a threshold")
			}
			switch t.Comparator {
			case Less, LessEqual, Greater, GreaterEqual:
			default:
				return optimization.ConfigErrorf(field+".comparator", "unknown comparator %q", t.Comparator)
			}
		default:
			return optimization.ConfigErrorf(field+".direction", "unknown direction %q", t.Direction)
		}
	}
	return nil
}

// Score is the scalarised result of one metric vector.
type Score struct {
	Fitness    float64
	Satisfied  bool
	Violations []optimization.Violation
}

// Score combines mv into a fitness. Higher is better. Any violated constraint
// places the fitness below every feasible fitness.
func (s *Spec) Score(mv optimization.MetricVector) (Score, error) {
	var (
		soft       float64
		violations []optimization.Violation
		magnitude  float64
	)
	for _, t := range s.Terms {
		v, ok := mv[t.Metric]
		if !ok {
			return Score{}, fmt.Errorf("metric %q missing from evaluation output", t.Metric)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return Score{}, fmt.Errorf("metric %q is not finite (%v)", t.Metric, v)
		}

		switch t.Direction {
		case Minimize:
			soft -= t.weight() * s.normalize(v/t.scale())
		case Maximize:
			soft += t.weight() * s.normalize(v/t.scale())
		case Target:
			soft -= t.weight() * s.normalize(math.Abs(v-*t.Target)/t.scale())
		case Constraint:
			if !holds(v, t.Comparator, *t.Threshold) {
				m := math.Abs(v-*t.Threshold) / t.scale()
				violations = append(violations, optimization.Violation{
					Metric:    t.Metric,
					Value:     v,
					Threshold: *t.Threshold,
					Magnitude: m,
				})
				magnitude += m
			}
		}
	}

	p := s.penalty()
	if len(violations) == 0 {
		return Score{Fitness: math.Max(soft, -p/2), Satisfied: true}, nil
	}
	fitness := -p*(float64(len(violations))+squash(magnitude)) + squash(soft)*p/4
	return Score{Fitness: fitness, Satisfied: false, Violations: violations}, nil
}

func (s *Spec) normalize(t float64) float64 {
	if s.Normalization == Linear {
		return t
	}
	return squash(t)
}

func squash(t float64) float64 {
	return t / (1 + math.Abs(t))
}

func holds(v float64, cmp Comparator, threshold float64) bool {
	switch cmp {
	case Less:
		return v < threshold
	case LessEqual:
		return v <= threshold
	case Greater:
		return v > threshold
	case GreaterEqual:
		return v >= threshold
	}
	return false
}

// Outcome scores mv and builds the outcome for a successful evaluation. A
// metric vector that cannot be scored becomes an invalid-output failure.
func (s *Spec) Outcome(mv optimization.MetricVector, source optimization.Source, seq int) optimization.Outcome {
	score, err := s.Score(mv)
	if err != nil {
		out := FailedOutcome(optimization.FailureInvalidOutput, seq)
		out.Source = source
		out.Metrics = mv
		return out
	}
	return optimization.Outcome{
		Fitness:    score.Fitness,
		Metrics:    mv,
		Source:     source,
		Satisfied:  score.Satisfied,
		Violations: score.Violations,
		Seq:        seq,
	}
}

// FailedOutcome is the outcome of an evaluation that produced no metrics.
func FailedOutcome(reason optimization.FailureReason, seq int) optimization.Outcome {
	return optimization.Outcome{
		Fitness: optimization.WorstFitness,
		Source:  optimization.SourceReal,
		Failure: reason,
		Seq:     seq,
	}
}

// Sigma propagates per-metric predictive standard deviations into an
// approximate fitness standard deviation (first-order, independent terms).
func (s *Spec) Sigma(stddev optimization.MetricVector) float64 {
	var variance float64
	for _, t := range s.Terms {
		if t.Direction == Constraint {
			continue
		}
		sd := t.weight() * stddev[t.Metric] / t.scale()
		variance += sd * sd
	}
	return math.Sqrt(variance)
}
