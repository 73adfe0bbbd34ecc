// Package kernels provides stationary covariance functions for the Gaussian
// process surrogate.
package kernels

import (
	"fmt"
	"math"
	"strings"
)

// Kernel represents a kernel function for Gaussian Processes
type Kernel interface {
	// Eval computes the kernel value between two points x1 and x2
	Eval(x1, x2 []float64) float64

	// Hyperparameters returns the length scales followed by the signal variance
	Hyperparameters() []float64

	// SetHyperparameters sets the kernel's hyperparameters
	SetHyperparameters(params []float64) error
}

// Family names a stationary kernel shape.
type Family string

const (
	RBF      Family = "rbf"
	Matern32 Family = "matern32"
	Matern52 Family = "matern52"
)

// ParseFamily resolves a case-insensitive kernel name. The empty string
// selects Matern52.
func ParseFamily(s string) (Family, error) {
	switch f := Family(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return Matern52, nil
	case RBF, Matern32, Matern52:
		return f, nil
	}
	return "", fmt.Errorf("unknown kernel %q (expected rbf, matern32 or matern52)", s)
}

// Stationary is a kernel that depends only on the scaled distance between
// points. With one length scale it is isotropic; with one per dimension it
// performs automatic relevance determination.
type Stationary struct {
	family       Family
	lengthScales []float64
	signalVar    float64
}

// New creates a kernel of the given family with dim identical length scales.
// dim of zero creates an isotropic kernel.
func New(family Family, dim int, lengthScale, signalVar float64) (*Stationary, error) {
	if _, err := ParseFamily(string(family)); err != nil {
		return nil, err
	}
	if family == "" {
		family = Matern52
	}
	if lengthScale <= 0 || signalVar <= 0 {
		return nil, fmt.Errorf("hyperparameters must be positive, got lengthScale=%v signalVar=%v", lengthScale, signalVar)
	}
	if dim < 1 {
		dim = 1
	}
	ls := make([]float64, dim)
	for i := range ls {
		ls[i] = lengthScale
	}
	return &Stationary{family: family, lengthScales: ls, signalVar: signalVar}, nil
}

func mustNew(family Family, lengthScale, signalVar float64) *Stationary {
	k, err := New(family, 1, lengthScale, signalVar)
	if err != nil {
		panic(err)
	}
	return k
}

// NewRBFKernel creates an isotropic squared exponential kernel.
func NewRBFKernel(lengthScale, signalVar float64) *Stationary {
	return mustNew(RBF, lengthScale, signalVar)
}

// NewMatern32Kernel creates an isotropic Matérn 3/2 kernel.
func NewMatern32Kernel(lengthScale, signalVar float64) *Stationary {
	return mustNew(Matern32, lengthScale, signalVar)
}

// NewMatern52Kernel creates an isotropic Matérn 5/2 kernel.
func NewMatern52Kernel(lengthScale, signalVar float64) *Stationary {
	return mustNew(Matern52, lengthScale, signalVar)
}

// Family returns the kernel shape.
func (k *Stationary) Family() Family { return k.family }

// LengthScales returns a copy of the length scales.
func (k *Stationary) LengthScales() []float64 {
	return append([]float64(nil), k.lengthScales...)
}

// SignalVariance returns the kernel amplitude.
func (k *Stationary) SignalVariance() float64 { return k.signalVar }

// Eval computes the kernel value between x1 and x2
func (k *Stationary) Eval(x1, x2 []float64) float64 {
	sumSq := 0.0
	for i := range x1 {
		l := k.lengthScales[0]
		if i < len(k.lengthScales) {
			l = k.lengthScales[i]
		}
		diff := (x1[i] - x2[i]) / l
		sumSq += diff * diff
	}

	switch k.family {
	case RBF:
		return k.signalVar * math.Exp(-0.5*sumSq)
	case Matern32:
		r := math.Sqrt(3 * sumSq)
		return k.signalVar * (1 + r) * math.Exp(-r)
	default:
		r := math.Sqrt(sumSq)
		polyTerm := 1.0 + math.Sqrt(5)*r + (5.0/3.0)*sumSq
		return k.signalVar * polyTerm * math.Exp(-math.Sqrt(5)*r)
	}
}

// Hyperparameters returns the length scales followed by the signal variance
func (k *Stationary) Hyperparameters() []float64 {
	return append(k.LengthScales(), k.signalVar)
}

// SetHyperparameters sets the kernel's hyperparameters
func (k *Stationary) SetHyperparameters(params []float64) error {
	if len(params) != len(k.lengthScales)+1 {
		return fmt.Errorf("expected %d hyperparameters, got %d", len(k.lengthScales)+1, len(params))
	}
	for _, p := range params {
		if !(p > 0) || math.IsInf(p, 0) {
			return fmt.Errorf("hyperparameters must be positive, got %v", params)
		}
	}
	copy(k.lengthScales, params[:len(params)-1])
	k.signalVar = params[len(params)-1]
	return nil
}

// Clone returns an independent copy.
func (k *Stationary) Clone() *Stationary {
	return &Stationary{family: k.family, lengthScales: k.LengthScales(), signalVar: k.signalVar}
}
