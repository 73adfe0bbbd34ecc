// Package simulator provides a closed-form ring resonator model. It stands in
// for the full-wave field solver in demos and tests: the optimizer only sees
// it through the evaluator interface, exactly like the real simulator.
package simulator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"time"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
)

// Metric names produced by the resonator.
const (
	MetricFrequency = "freq_ghz"
	MetricS21       = "s21_db"
	MetricS11       = "s11_db"
	MetricVSWR      = "vswr"
	MetricBandwidth = "bandwidth_mhz"
)

// Parameter names understood by the resonator, all in millimetres.
const (
	ParamRadius = "radius"
	ParamWidth  = "width"
	ParamGap    = "gap"
)

// Metrics is the declared output schema.
var Metrics = []string{MetricFrequency, MetricS21, MetricS11, MetricVSWR, MetricBandwidth}

const (
	mu0  = 4 * math.Pi * 1e-7
	eps0 = 8.8541878128e-12
	// fringe scales the distributed ring capacitance per unit length.
	fringe = 1.2
	// minDepthDB floors |S21| and |S11| so log scales stay finite.
	minDepthDB = -60
)

// Config describes the substrate and the probe. Zero fields take defaults.
type Config struct {
	// Permittivity is the substrate's relative permittivity.
	Permittivity float64 `json:"permittivity,omitempty" yaml:"permittivity,omitempty"`
	// Thickness of the metal trace in millimetres.
	Thickness float64 `json:"thickness_mm,omitempty" yaml:"thickness_mm,omitempty"`
	// Gap is the split width in millimetres when the space has no gap variable.
	Gap float64 `json:"gap_mm,omitempty" yaml:"gap_mm,omitempty"`
	// QualityFactor at a trace width of 0.5 mm.
	QualityFactor float64 `json:"quality_factor,omitempty" yaml:"quality_factor,omitempty"`
	// Transmission is |S21|^2 at resonance.
	Transmission float64 `json:"transmission,omitempty" yaml:"transmission,omitempty"`
	// ProbeGHz is where S-parameters are reported.
	ProbeGHz float64 `json:"probe_ghz,omitempty" yaml:"probe_ghz,omitempty"`
	// Latency is added to every solve.
	Latency time.Duration `json:"latency,omitempty" yaml:"latency,omitempty"`
}

func (c Config) withDefaults() Config {
	if c.Permittivity == 0 {
		c.Permittivity = 4.4
	}
	if c.Thickness == 0 {
		c.Thickness = 0.035
	}
	if c.Gap == 0 {
		c.Gap = 0.2
	}
	if c.QualityFactor == 0 {
		c.QualityFactor = 40
	}
	if c.Transmission == 0 {
		c.Transmission = 0.95
	}
	if c.ProbeGHz == 0 {
		c.ProbeGHz = 2.4
	}
	return c
}

// Resonator is a split ring modelled as a lumped LC tank.
type Resonator struct {
	cfg Config
}

// New creates a resonator.
func New(cfg Config) *Resonator {
	return &Resonator{cfg: cfg.withDefaults()}
}

// Config returns the effective configuration.
func (r *Resonator) Config() Config { return r.cfg }

// Simulate solves one geometry. Geometries the model cannot represent
// fail with non-convergence, like a field solver would.
func (r *Resonator) Simulate(ctx context.Context, params map[string]float64) (optimization.MetricVector, error) {
	radius, ok := params[ParamRadius]
	if !ok {
		return nil, optimization.Fail(optimization.FailureInvalidOutput, fmt.Errorf("missing parameter %q", ParamRadius))
	}
	width, ok := params[ParamWidth]
	if !ok {
		return nil, optimization.Fail(optimization.FailureInvalidOutput, fmt.Errorf("missing parameter %q", ParamWidth))
	}
	gap := r.cfg.Gap
	if g, ok := params[ParamGap]; ok {
		gap = g
	}
	if radius <= 0 || width <= 0 || gap <= 0 || width >= radius {
		return nil, optimization.Fail(optimization.FailureNonConvergence,
			fmt.Errorf("degenerate geometry radius=%g width=%g gap=%g", radius, width, gap))
	}

	if r.cfg.Latency > 0 {
		select {
		case <-time.After(r.cfg.Latency):
		case <-ctx.Done():
			return nil, optimization.Fail(optimization.FailureCancelled, ctx.Err())
		}
	}

	f0 := r.resonance(radius, width, gap)
	q := r.cfg.QualityFactor * math.Sqrt(width/0.5)
	fp := r.cfg.ProbeGHz * 1e9
	detune := 2 * q * (fp - f0) / f0
	lorentz := 1 / (1 + detune*detune)

	s21 := r.cfg.Transmission * lorentz
	rho0 := 1 - r.cfg.Transmission
	s11 := rho0*rho0 + (1-rho0*rho0)*(1-lorentz)
	gamma := math.Sqrt(s11)

	return optimization.MetricVector{
		MetricFrequency: f0 / 1e9,
		MetricS21:       powerDB(s21),
		MetricS11:       powerDB(s11),
		MetricVSWR:      (1 + gamma) / (1 - gamma),
		MetricBandwidth: f0 / q / 1e6,
	}, nil
}

// resonance returns the LC resonance in Hz for dimensions in millimetres.
func (r *Resonator) resonance(radius, width, gap float64) float64 {
	rm, wm, gm, tm := radius*1e-3, width*1e-3, gap*1e-3, r.cfg.Thickness*1e-3
	eff := (r.cfg.Permittivity + 1) / 2

	inductance := mu0 * rm * (math.Log(8*rm/wm) - 2)
	if inductance <= 0 {
		inductance = mu0 * rm * 0.1
	}
	capacitance := eps0*eff*(2*math.Pi*rm-gm)*fringe + eps0*r.cfg.Permittivity*wm*tm/gm
	return 1 / (2 * math.Pi * math.Sqrt(inductance*capacitance))
}

func powerDB(p float64) float64 {
	if p <= 0 {
		return minDepthDB
	}
	return math.Max(minDepthDB, 10*math.Log10(p))
}

// Evaluator adapts the resonator to an evaluator whose parameter vector is
// ordered like variables.
func (r *Resonator) Evaluator(variables []string) (evaluator.Evaluator, error) {
	var hasRadius, hasWidth bool
	for _, v := range variables {
		hasRadius = hasRadius || v == ParamRadius
		hasWidth = hasWidth || v == ParamWidth
	}
	if !hasRadius || !hasWidth {
		return nil, optimization.ConfigErrorf("space.variables", "the resonator needs %q and %q variables, got %v", ParamRadius, ParamWidth, variables)
	}
	names := append([]string(nil), variables...)
	return evaluator.NewFunc(Metrics, func(ctx context.Context, x []float64) (optimization.MetricVector, error) {
		params := make(map[string]float64, len(x))
		for i, v := range x {
			if i < len(names) {
				params[names[i]] = v
			}
		}
		return r.Simulate(ctx, params)
	}), nil
}

// Serve answers one command evaluator request read from in. Solver
// failures are reported in the response, not as an error.
func (r *Resonator) Serve(ctx context.Context, in io.Reader, out io.Writer) error {
	var req evaluator.CommandRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		return fmt.Errorf("decode request: %w", err)
	}

	var resp evaluator.CommandResponse
	mv, err := r.Simulate(ctx, req.Parameters)
	if err != nil {
		resp.Error = err.Error()
		var failure *optimization.EvaluationFailure
		if errors.As(err, &failure) {
			resp.Reason = string(failure.Reason)
		}
	} else {
		resp.Metrics = mv
	}
	return json.NewEncoder(out).Encode(resp)
}
