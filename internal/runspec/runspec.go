// Package runspec reads caller-facing run specifications from YAML or JSON
// documents and turns them into controller configurations.
package runspec

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/controller"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
	"github.com/copyleftdev/devopt/internal/optimization/objective"
	"github.com/copyleftdev/devopt/internal/optimization/search"
	"github.com/copyleftdev/devopt/internal/optimization/surrogate"
	"github.com/copyleftdev/devopt/internal/simulator"
)

// Evaluator kinds.
const (
	EvaluatorBuiltin = "builtin"
	EvaluatorCommand = "command"
)

// Spec is one run specification.
type Spec struct {
	Name      string                     `json:"name,omitempty" yaml:"name,omitempty"`
	Algorithm optimization.AlgorithmName `json:"algorithm" yaml:"algorithm"`
	Seed      int64                      `json:"seed,omitempty" yaml:"seed,omitempty"`
	Variables []optimization.Variable    `json:"variables" yaml:"variables"`
	Objective objective.Spec             `json:"objective" yaml:"objective"`
	Budget    Budget                     `json:"budget" yaml:"budget"`
	Options   search.Options             `json:"options,omitempty" yaml:"options,omitempty"`
	Surrogate surrogate.Policy           `json:"surrogate,omitempty" yaml:"surrogate,omitempty"`
	Evaluator EvaluatorSpec              `json:"evaluator" yaml:"evaluator"`

	Concurrency int `json:"concurrency,omitempty" yaml:"concurrency,omitempty"`
	// Timeout bounds every real evaluation, in seconds.
	Timeout            float64 `json:"timeout,omitempty" yaml:"timeout,omitempty"`
	AbortAfterFailures int     `json:"abort_after_failures,omitempty" yaml:"abort_after_failures,omitempty"`
}

// Budget limits a run. MaxDuration is in seconds.
type Budget struct {
	MaxEvaluations int     `json:"max_evaluations,omitempty" yaml:"max_evaluations,omitempty"`
	MaxIterations  int     `json:"max_iterations,omitempty" yaml:"max_iterations,omitempty"`
	MaxDuration    float64 `json:"max_duration,omitempty" yaml:"max_duration,omitempty"`
}

// EvaluatorSpec selects the simulation collaborator.
type EvaluatorSpec struct {
	// Kind is builtin (the resonator model) or command.
	Kind    string   `json:"kind" yaml:"kind"`
	Command string   `json:"command,omitempty" yaml:"command,omitempty"`
	Args    []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Metrics is the command's declared output schema.
	Metrics   []string         `json:"metrics,omitempty" yaml:"metrics,omitempty"`
	Simulator simulator.Config `json:"simulator,omitempty" yaml:"simulator,omitempty"`
}

// Environment carries what the host process supplies to a run.
type Environment struct {
	RunID    string
	Logger   *zap.Logger
	Cache    evaluator.Cache
	Metrics  controller.Metrics
	Progress controller.ProgressFunc
	// AllowCommands permits specs that spawn external processes.
	AllowCommands bool
}

// Parse decodes a YAML or JSON document and validates it. Unknown fields
// are rejected.
func Parse(data []byte) (*Spec, error) {
	var spec Spec
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&spec); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, optimization.ConfigErrorf("spec", "empty document")
		}
		return nil, &optimization.Error{
			Kind:      optimization.KindConfiguration,
			Component: "runspec",
			Message:   "failed to parse run spec",
			Err:       err,
		}
	}
	if err := spec.Validate(); err != nil {
		return nil, err
	}
	return &spec, nil
}

// Load reads and parses a spec file.
func Load(path string) (*Spec, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read run spec %s: %w", path, err)
	}
	spec, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("run spec %s: %w", path, err)
	}
	return spec, nil
}

// Validate checks the spec without starting anything. Command evaluators
// are accepted here and only refused by Config.
func (s *Spec) Validate() error {
	_, err := s.Config(Environment{AllowCommands: true})
	return err
}

// Space builds the validated parameter space.
func (s *Spec) Space() (*optimization.Space, error) {
	if len(s.Variables) == 0 {
		return nil, optimization.ConfigErrorf("variables", "at least one variable is required")
	}
	return optimization.NewSpace(s.Variables...)
}

// Config builds the controller configuration for one run.
func (s *Spec) Config(env Environment) (controller.Config, error) {
	space, err := s.Space()
	if err != nil {
		return controller.Config{}, err
	}
	if s.Timeout < 0 {
		return controller.Config{}, optimization.ConfigErrorf("timeout", "must not be negative, got %g", s.Timeout)
	}
	if s.Budget.MaxDuration < 0 {
		return controller.Config{}, optimization.ConfigErrorf("budget.max_duration", "must not be negative, got %g", s.Budget.MaxDuration)
	}

	logger := env.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	ev, err := s.evaluator(space, env, logger)
	if err != nil {
		return controller.Config{}, err
	}

	obj := s.Objective
	cfg := controller.Config{
		RunID:     env.RunID,
		Algorithm: s.Algorithm,
		Options:   s.Options,
		Space:     space,
		Objective: &obj,
		Evaluator: ev,
		Budget: controller.Budget{
			MaxEvaluations: s.Budget.MaxEvaluations,
			MaxIterations:  s.Budget.MaxIterations,
			MaxDuration:    seconds(s.Budget.MaxDuration),
		},
		Seed:               s.Seed,
		Concurrency:        s.Concurrency,
		Timeout:            seconds(s.Timeout),
		Cache:              env.Cache,
		Surrogate:          s.Surrogate,
		AbortAfterFailures: s.AbortAfterFailures,
		Progress:           env.Progress,
		Metrics:            env.Metrics,
		Logger:             logger,
	}
	if err := cfg.Validate(); err != nil {
		return controller.Config{}, err
	}
	return cfg, nil
}

func (s *Spec) evaluator(space *optimization.Space, env Environment, logger *zap.Logger) (evaluator.Evaluator, error) {
	switch s.Evaluator.Kind {
	case EvaluatorBuiltin:
		return simulator.New(s.Evaluator.Simulator).Evaluator(space.Names())
	case EvaluatorCommand:
		if !env.AllowCommands {
			return nil, optimization.ConfigErrorf("evaluator.kind", "command evaluators are disabled")
		}
		if s.Evaluator.Command == "" {
			return nil, optimization.ConfigErrorf("evaluator.command", "is required for command evaluators")
		}
		if len(s.Evaluator.Metrics) == 0 {
			return nil, optimization.ConfigErrorf("evaluator.metrics", "is required for command evaluators")
		}
		return evaluator.NewCommand(s.Evaluator.Command, s.Evaluator.Args, space.Names(), s.Evaluator.Metrics, logger), nil
	case "":
		return nil, optimization.ConfigErrorf("evaluator.kind", "is required")
	default:
		return nil, optimization.ConfigErrorf("evaluator.kind", "unknown evaluator %q", s.Evaluator.Kind)
	}
}

// Marshal encodes the spec as YAML.
func (s *Spec) Marshal() ([]byte, error) {
	return yaml.Marshal(s)
}

func seconds(v float64) time.Duration {
	return time.Duration(v * float64(time.Second))
}

// Example is a complete spec for the builtin resonator: tune a split ring
// for transmission at 2.4 GHz.
const Example = `name: ring-2g4
algorithm: GA
seed: 42
variables:
  - name: radius
    lower: 2
    upper: 5
    unit: mm
  - name: width
    lower: 0.2
    upper: 1
    unit: mm
objective:
  terms:
    - metric: s21_db
      direction: maximize
    - metric: freq_ghz
      direction: target
      target: 2.4
      weight: 2
    - metric: vswr
      direction: constraint
      comparator: "<="
      threshold: 100
budget:
  max_evaluations: 200
  max_duration: 300
options:
  ga:
    population_size: 20
evaluator:
  kind: builtin
concurrency: 4
`
