// Package surrogate approximates the expensive evaluator with Gaussian
// process regressors trained on the run's real evaluations.
package surrogate

import (
	"context"
	"fmt"
	"math"

	"github.com/sourcegraph/conc/pool"
	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/kernels"
)

// Options configures the regressors.
type Options struct {
	Kernel kernels.Family
	// NoiseVariance is added to the kernel diagonal, in standardised units.
	NoiseVariance float64
	// TuneIterations bounds the hyperparameter search per fit. Zero uses the
	// default, negative disables tuning.
	TuneIterations int
	// MinSamples is the smallest archive the model will fit.
	MinSamples int
	// Workers bounds how many metric regressors are fitted in parallel.
	Workers int
}

func (o Options) withDefaults() Options {
	if o.Kernel == "" {
		o.Kernel = kernels.Matern52
	}
	if o.NoiseVariance <= 0 {
		o.NoiseVariance = 1e-6
	}
	if o.TuneIterations == 0 {
		o.TuneIterations = 50
	}
	if o.MinSamples < 2 {
		o.MinSamples = 2
	}
	if o.Workers <= 0 {
		o.Workers = 4
	}
	return o
}

// Sample is one real observation.
type Sample struct {
	Params  []float64
	Metrics optimization.MetricVector
}

// Prediction is the predicted metric vector for one candidate.
type Prediction struct {
	Mean   optimization.MetricVector
	StdDev optimization.MetricVector
}

type metricModel struct {
	gp   *GP
	mean float64
	std  float64
}

// Model predicts every metric of the schema. One GP is trained per metric
// on inputs normalised to the unit cube and standardised outputs.
type Model struct {
	space   *optimization.Space
	metrics []string
	opts    Options
	logger  *zap.Logger

	models  map[string]*metricModel
	trained int
}

// NewModel creates an untrained model.
func NewModel(space *optimization.Space, metrics []string, opts Options, logger *zap.Logger) (*Model, error) {
	if space == nil || space.Dim() == 0 {
		return nil, optimization.ConfigErrorf("surrogate", "parameter space is empty")
	}
	if len(metrics) == 0 {
		return nil, optimization.ConfigErrorf("surrogate", "no metrics to model")
	}
	opts = opts.withDefaults()
	if _, err := kernels.ParseFamily(string(opts.Kernel)); err != nil {
		return nil, optimization.ConfigErrorf("surrogate.kernel", "%v", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Model{
		space:   space,
		metrics: append([]string(nil), metrics...),
		opts:    opts,
		logger:  logger.Named("surrogate"),
	}, nil
}

// Trained reports whether Predict can be used.
func (m *Model) Trained() bool { return m.models != nil }

// TrainingSize returns the number of samples of the last successful fit.
func (m *Model) TrainingSize() int { return m.trained }

// Fit retrains every regressor on samples. With fewer than MinSamples
// samples it returns ErrInsufficientTrainingData and keeps the previous fit.
func (m *Model) Fit(ctx context.Context, samples []Sample) error {
	if len(samples) < m.opts.MinSamples {
		return &optimization.Error{
			Kind:      optimization.KindInsufficientData,
			Component: "surrogate",
			Op:        "Fit",
			Message:   fmt.Sprintf("have %d samples, need %d", len(samples), m.opts.MinSamples),
		}
	}

	dim := m.space.Dim()
	X := mat.NewDense(len(samples), dim, nil)
	for i, s := range samples {
		X.SetRow(i, m.space.Normalize(s.Params))
	}

	models := make(map[string]*metricModel, len(m.metrics))
	fitted := make([]*metricModel, len(m.metrics))
	p := pool.New().WithMaxGoroutines(m.opts.Workers).WithContext(ctx)
	for i, name := range m.metrics {
		i, name := i, name
		p.Go(func(ctx context.Context) error {
			mm, err := m.fitMetric(ctx, name, X, samples)
			if err != nil {
				return err
			}
			fitted[i] = mm
			return nil
		})
	}
	if err := p.Wait(); err != nil {
		return optimization.WrapError(err, "surrogate: fit")
	}
	for i, name := range m.metrics {
		models[name] = fitted[i]
	}

	m.models = models
	m.trained = len(samples)
	m.logger.Debug("Surrogate retrained",
		zap.Int("samples", len(samples)),
		zap.Int("metrics", len(m.metrics)),
	)
	return nil
}

func (m *Model) fitMetric(ctx context.Context, name string, X *mat.Dense, samples []Sample) (*metricModel, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ys := make([]float64, len(samples))
	for i, s := range samples {
		v, ok := s.Metrics[name]
		if !ok || math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("sample %d has no finite value for metric %q", i, name)
		}
		ys[i] = v
	}
	mean, std := stat.MeanStdDev(ys, nil)
	if !(std > 1e-12) {
		std = 1
	}
	y := mat.NewVecDense(len(ys), nil)
	for i, v := range ys {
		y.SetVec(i, (v-mean)/std)
	}

	_, dim := X.Dims()
	kernel, err := kernels.New(m.opts.Kernel, dim, 0.5, 1.0)
	if err != nil {
		return nil, err
	}
	gp := NewGP(kernel, m.opts.NoiseVariance, m.logger.With(zap.String("metric", name)))
	if err := gp.Fit(X, y); err != nil {
		return nil, err
	}
	if m.opts.TuneIterations > 0 {
		if err := gp.Tune(m.opts.TuneIterations); err != nil {
			return nil, err
		}
	}
	return &metricModel{gp: gp, mean: mean, std: std}, nil
}

// Predict returns predictions for each parameter vector. An untrained model
// fails with ErrInsufficientTrainingData.
func (m *Model) Predict(params [][]float64) ([]Prediction, error) {
	if !m.Trained() {
		return nil, &optimization.Error{
			Kind:      optimization.KindInsufficientData,
			Component: "surrogate",
			Op:        "Predict",
			Message:   "model has not been trained",
		}
	}
	out := make([]Prediction, len(params))
	if len(params) == 0 {
		return out, nil
	}

	X := mat.NewDense(len(params), m.space.Dim(), nil)
	for i, p := range params {
		X.SetRow(i, m.space.Normalize(p))
		out[i] = Prediction{
			Mean:   make(optimization.MetricVector, len(m.metrics)),
			StdDev: make(optimization.MetricVector, len(m.metrics)),
		}
	}

	for _, name := range m.metrics {
		mm := m.models[name]
		mean, variance, err := mm.gp.Predict(X)
		if err != nil {
			return nil, optimization.WrapErrorf(err, "surrogate: predict %s", name)
		}
		for i := range params {
			out[i].Mean[name] = mean.AtVec(i)*mm.std + mm.mean
			out[i].StdDev[name] = math.Sqrt(variance.AtVec(i)) * mm.std
		}
	}
	return out, nil
}
