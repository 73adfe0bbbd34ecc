package surrogate

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/kernels"
)

const (
	maxJitterAttempts = 10
	// Hyperparameters are searched in log space within these bounds. Inputs
	// are normalised to [0,1] and outputs standardised, so the range is wide.
	minLogHyper = -4.6 // ~0.01
	maxLogHyper = 4.6  // ~100
)

// GP is a Gaussian process regressor with a zero prior mean.
type GP struct {
	kernel   kernels.Kernel
	noiseVar float64

	// Training data
	X *mat.Dense    // Input points (n_samples, n_features)
	y *mat.VecDense // Target values (n_samples)

	// Precomputed values
	alpha  *mat.VecDense
	chol   *mat.Cholesky
	lml    float64
	jitter float64

	pool   *matrixPool
	logger *zap.Logger
}

// NewGP creates a new Gaussian Process model
func NewGP(kernel kernels.Kernel, noiseVar float64, logger *zap.Logger) *GP {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &GP{
		kernel:   kernel,
		noiseVar: noiseVar,
		pool:     newMatrixPool(),
		logger:   logger.Named("gaussian_process"),
	}
}

// Kernel returns the covariance function.
func (gp *GP) Kernel() kernels.Kernel { return gp.kernel }

// Fit fits the GP model to the training data
func (gp *GP) Fit(X *mat.Dense, y *mat.VecDense) error {
	const op = "GP.Fit"

	if X == nil || y == nil {
		return optimization.WrapError(errors.New("input matrices must not be nil"), "gaussian_process: "+op)
	}
	nSamples, nFeatures := X.Dims()
	if nSamples == 0 || nFeatures == 0 {
		return optimization.WrapError(errors.New("input matrix X must not be empty"), "gaussian_process: "+op)
	}
	if nSamples != y.Len() {
		err := fmt.Errorf("dimension mismatch: X has %d samples but y has length %d", nSamples, y.Len())
		return optimization.WrapError(err, "gaussian_process: "+op)
	}

	gp.X = mat.DenseCopyOf(X)
	gp.y = mat.VecDenseCopyOf(y)
	if err := gp.factorize(); err != nil {
		gp.alpha, gp.chol = nil, nil
		return optimization.WrapError(err, "gaussian_process: "+op)
	}

	gp.logger.Debug("Fitted GP model",
		zap.Int("samples", nSamples),
		zap.Int("features", nFeatures),
		zap.Float64("log_marginal_likelihood", gp.lml),
		zap.Float64("jitter", gp.jitter),
	)
	return nil
}

// factorize builds K + (noise + jitter)·I for the stored training set and
// caches its Cholesky factor, alpha = K⁻¹y and the log marginal likelihood.
// Jitter grows geometrically until the factorisation succeeds.
func (gp *GP) factorize() error {
	n, _ := gp.X.Dims()
	K := gp.pool.getSymDense(n)
	defer gp.pool.putSymDense(K)

	diag := make([]float64, n)
	for i := 0; i < n; i++ {
		xi := gp.X.RawRowView(i)
		for j := i; j < n; j++ {
			K.SetSym(i, j, gp.kernel.Eval(xi, gp.X.RawRowView(j)))
		}
		diag[i] = K.At(i, i)
	}

	scale := 0.0
	for _, d := range diag {
		scale = math.Max(scale, d)
	}
	if scale <= 0 {
		scale = 1
	}

	var chol mat.Cholesky
	jitter := 0.0
	ok := false
	for attempt := 0; attempt < maxJitterAttempts; attempt++ {
		for i := 0; i < n; i++ {
			K.SetSym(i, i, diag[i]+gp.noiseVar+jitter)
		}
		if ok = chol.Factorize(K); ok {
			break
		}
		if jitter == 0 {
			jitter = 1e-10 * scale
		} else {
			jitter *= 10
		}
	}
	if !ok {
		return errors.New("Cholesky decomposition failed: kernel matrix is not positive definite")
	}

	alpha := mat.NewVecDense(n, nil)
	if err := chol.SolveVecTo(alpha, gp.y); err != nil {
		return fmt.Errorf("failed to solve linear system: %w", err)
	}

	gp.alpha = alpha
	gp.chol = &chol
	gp.jitter = jitter
	gp.lml = -0.5*mat.Dot(gp.y, alpha) - 0.5*chol.LogDet() - 0.5*float64(n)*math.Log(2*math.Pi)
	return nil
}

// LogMarginalLikelihood returns log p(y | X, θ) of the fitted model.
func (gp *GP) LogMarginalLikelihood() float64 {
	if gp.chol == nil {
		return math.Inf(-1)
	}
	return gp.lml
}

// Tune maximises the log marginal likelihood over the kernel
// hyperparameters with Nelder-Mead in log space, starting from the current
// values. The model is left fitted with the best hyperparameters found.
func (gp *GP) Tune(maxIterations int) error {
	const op = "GP.Tune"
	if gp.chol == nil {
		return optimization.WrapError(errors.New("model not trained"), "gaussian_process: "+op)
	}
	if maxIterations <= 0 {
		return nil
	}

	initial := gp.kernel.Hyperparameters()
	start := make([]float64, len(initial))
	for i, p := range initial {
		start[i] = clampLog(math.Log(p))
	}
	bestParams := append([]float64(nil), initial...)
	bestLML := gp.lml

	toParams := func(x []float64) []float64 {
		params := make([]float64, len(x))
		for i, v := range x {
			params[i] = math.Exp(clampLog(v))
		}
		return params
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			if err := gp.kernel.SetHyperparameters(toParams(x)); err != nil {
				return math.Inf(1)
			}
			if err := gp.factorize(); err != nil {
				return math.Inf(1)
			}
			return -gp.lml
		},
	}
	settings := &optimize.Settings{
		MajorIterations: maxIterations,
		Converger: &optimize.FunctionConverge{
			Absolute:   1e-6,
			Relative:   1e-6,
			Iterations: 20,
		},
	}
	method := &optimize.NelderMead{
		Reflection:  1.0,
		Expansion:   2.0,
		Contraction: 0.5,
		Shrink:      0.5,
		SimplexSize: 0.5,
	}

	result, err := optimize.Minimize(problem, start, settings, method)
	if result != nil && !math.IsInf(result.F, 0) && -result.F > bestLML {
		bestLML = -result.F
		bestParams = toParams(result.X)
	} else if err != nil {
		gp.logger.Debug("Hyperparameter search failed", zap.Error(err))
	}

	if err := gp.kernel.SetHyperparameters(bestParams); err != nil {
		return optimization.WrapError(err, "gaussian_process: "+op)
	}
	if err := gp.factorize(); err != nil {
		return optimization.WrapError(err, "gaussian_process: "+op)
	}
	gp.logger.Debug("Tuned GP hyperparameters",
		zap.Float64s("hyperparameters", bestParams),
		zap.Float64("log_marginal_likelihood", gp.lml),
	)
	return nil
}

func clampLog(v float64) float64 {
	if math.IsNaN(v) {
		return 0
	}
	return math.Max(minLogHyper, math.Min(maxLogHyper, v))
}

// Predict returns the mean and variance of the latent posterior at the test
// points X.
func (gp *GP) Predict(X *mat.Dense) (*mat.VecDense, *mat.VecDense, error) {
	const op = "GP.Predict"

	if X == nil {
		return nil, nil, optimization.WrapError(errors.New("input matrix X is nil"), "gaussian_process: "+op)
	}
	if gp.X == nil || gp.alpha == nil || gp.chol == nil {
		return nil, nil, optimization.WrapError(errors.New("model not trained or no training data"), "gaussian_process: "+op)
	}

	nTest, nCols := X.Dims()
	nTrain, nFeatures := gp.X.Dims()
	if nCols != nFeatures {
		err := fmt.Errorf("dimension mismatch: model has %d features but X has %d", nFeatures, nCols)
		return nil, nil, optimization.WrapError(err, "gaussian_process: "+op)
	}

	Kss := make([]float64, nTest)
	Kstar := mat.NewDense(nTest, nTrain, nil)
	for i := 0; i < nTest; i++ {
		xStar := X.RawRowView(i)
		Kss[i] = gp.kernel.Eval(xStar, xStar)
		for j := 0; j < nTrain; j++ {
			Kstar.Set(i, j, gp.kernel.Eval(xStar, gp.X.RawRowView(j)))
		}
	}

	mean := mat.NewVecDense(nTest, nil)
	mean.MulVec(Kstar, gp.alpha)

	// diag(K** - K* K⁻¹ K*ᵀ)
	var V mat.Dense
	if err := gp.chol.SolveTo(&V, Kstar.T()); err != nil {
		return nil, nil, optimization.WrapError(fmt.Errorf("failed to solve linear system: %w", err), "gaussian_process: "+op)
	}
	variance := mat.NewVecDense(nTest, nil)
	for i := 0; i < nTest; i++ {
		var sum float64
		for j := 0; j < nTrain; j++ {
			sum += Kstar.At(i, j) * V.At(j, i)
		}
		variance.SetVec(i, math.Max(0, Kss[i]-sum))
	}

	return mean, variance, nil
}
