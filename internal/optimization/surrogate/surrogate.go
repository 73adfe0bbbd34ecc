package surrogate

import (
	"context"
	"errors"
	"sync"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/kernels"
)

// Policy decides when the surrogate is trusted. The zero value with
// Enabled set uses the defaults documented on each field.
type Policy struct {
	Enabled bool `json:"enabled" yaml:"enabled"`
	// MinSamples real evaluations are required before the first fit.
	// Default 2*D+2.
	MinSamples int `json:"min_samples,omitempty" yaml:"min_samples,omitempty"`
	// RetrainEvery refits after this many new real evaluations. Default 5.
	RetrainEvery int `json:"retrain_every,omitempty" yaml:"retrain_every,omitempty"`
	// RealFraction of every batch is sent to the real evaluator, chosen by
	// expected improvement over the validated best. Default 0.2; an explicit
	// zero leaves only ValidateBest and ValidateEvery to reach it.
	RealFraction *float64 `json:"real_fraction,omitempty" yaml:"real_fraction,omitempty"`
	// ValidateBest sends a screened candidate predicted to beat the
	// validated best to the real evaluator. Default true when unset.
	ValidateBest *bool `json:"validate_best,omitempty" yaml:"validate_best,omitempty"`
	// ValidateEvery forces an all-real batch every N iterations. Zero
	// disables it.
	ValidateEvery int `json:"validate_every,omitempty" yaml:"validate_every,omitempty"`

	Kernel         kernels.Family `json:"kernel,omitempty" yaml:"kernel,omitempty"`
	NoiseVariance  float64        `json:"noise_variance,omitempty" yaml:"noise_variance,omitempty"`
	TuneIterations int            `json:"tune_iterations,omitempty" yaml:"tune_iterations,omitempty"`
}

// WithDefaults fills unset fields for a space of dimension dim.
func (p Policy) WithDefaults(dim int) Policy {
	if p.MinSamples <= 0 {
		p.MinSamples = 2*dim + 2
	}
	if p.RetrainEvery <= 0 {
		p.RetrainEvery = 5
	}
	if p.RealFraction == nil {
		p.RealFraction = optimization.Ptr(0.2)
	}
	if p.ValidateBest == nil {
		v := true
		p.ValidateBest = &v
	}
	if p.Kernel == "" {
		p.Kernel = kernels.Matern52
	}
	return p
}

// Validate checks the policy.
func (p Policy) Validate() error {
	if p.MinSamples < 0 {
		return optimization.ConfigErrorf("surrogate.min_samples", "must not be negative, got %d", p.MinSamples)
	}
	if p.RetrainEvery < 0 {
		return optimization.ConfigErrorf("surrogate.retrain_every", "must not be negative, got %d", p.RetrainEvery)
	}
	if f := p.RealFraction; f != nil && (*f < 0 || *f > 1) {
		return optimization.ConfigErrorf("surrogate.real_fraction", "must be within [0,1], got %g", *f)
	}
	if p.ValidateEvery < 0 {
		return optimization.ConfigErrorf("surrogate.validate_every", "must not be negative, got %d", p.ValidateEvery)
	}
	if _, err := kernels.ParseFamily(string(p.Kernel)); err != nil {
		return optimization.ConfigErrorf("surrogate.kernel", "%v", err)
	}
	return nil
}

// ShouldValidateBest reports whether promising predictions are checked for
// real.
func (p Policy) ShouldValidateBest() bool { return p.ValidateBest == nil || *p.ValidateBest }

// Archive is the append-only set of real observations of one run.
type Archive struct {
	mu      sync.RWMutex
	samples []Sample
}

// Add appends an observation. The inputs are copied.
func (a *Archive) Add(params []float64, mv optimization.MetricVector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.samples = append(a.samples, Sample{Params: append([]float64(nil), params...), Metrics: mv.Clone()})
}

// Len returns the number of observations.
func (a *Archive) Len() int {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return len(a.samples)
}

// Samples returns a snapshot of the observations.
func (a *Archive) Samples() []Sample {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return append([]Sample(nil), a.samples...)
}

// Surrogate couples a training archive with a model and the retraining
// cadence of a Policy.
type Surrogate struct {
	policy  Policy
	archive *Archive
	model   *Model
	logger  *zap.Logger

	lastFit  int
	retrains int
}

// New creates a surrogate for the given space and metric schema.
func New(space *optimization.Space, metrics []string, policy Policy, logger *zap.Logger) (*Surrogate, error) {
	if space == nil {
		return nil, optimization.ConfigErrorf("surrogate", "parameter space is required")
	}
	policy = policy.WithDefaults(space.Dim())
	if err := policy.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	model, err := NewModel(space, metrics, Options{
		Kernel:         policy.Kernel,
		NoiseVariance:  policy.NoiseVariance,
		TuneIterations: policy.TuneIterations,
		MinSamples:     policy.MinSamples,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Surrogate{policy: policy, archive: &Archive{}, model: model, logger: logger.Named("surrogate")}, nil
}

// Policy returns the effective policy.
func (s *Surrogate) Policy() Policy { return s.policy }

// Archive returns the training archive.
func (s *Surrogate) Archive() *Archive { return s.archive }

// Retrains returns how many fits have succeeded.
func (s *Surrogate) Retrains() int { return s.retrains }

// Ready reports whether predictions are available.
func (s *Surrogate) Ready() bool { return s.model.Trained() }

// Observe records a successful real evaluation.
func (s *Surrogate) Observe(params []float64, mv optimization.MetricVector) {
	s.archive.Add(params, mv)
}

// Refresh refits the model when the archive first reaches MinSamples and
// then every RetrainEvery new observations. It reports whether a fit ran.
// A failed fit keeps the previous model.
func (s *Surrogate) Refresh(ctx context.Context) (bool, error) {
	n := s.archive.Len()
	if n < s.policy.MinSamples {
		return false, nil
	}
	if s.model.Trained() && n-s.lastFit < s.policy.RetrainEvery {
		return false, nil
	}
	if err := s.model.Fit(ctx, s.archive.Samples()); err != nil {
		if errors.Is(err, optimization.ErrInsufficientTrainingData) {
			return false, nil
		}
		s.logger.Warn("Surrogate fit failed", zap.Int("samples", n), zap.Error(err))
		return false, err
	}
	s.lastFit = n
	s.retrains++
	return true, nil
}

// Predict forwards to the model. Before the first successful fit it fails
// with ErrInsufficientTrainingData.
func (s *Surrogate) Predict(params [][]float64) ([]Prediction, error) {
	return s.model.Predict(params)
}
