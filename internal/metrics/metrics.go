// Package metrics exports optimization run telemetry to Prometheus.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/copyleftdev/devopt/internal/optimization"
)

const namespace = "devopt"

// Collector implements controller.Metrics on Prometheus collectors.
type Collector struct {
	evaluations       *prometheus.CounterVec
	evaluationSeconds *prometheus.HistogramVec
	iterations        *prometheus.CounterVec
	bestFitness       *prometheus.GaugeVec
	runs              *prometheus.CounterVec
	runSeconds        *prometheus.HistogramVec
	active            prometheus.Gauge
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) (*Collector, error) {
	c := &Collector{
		evaluations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "evaluations_total",
			Help:      "Candidate evaluations by source and outcome.",
		}, []string{"algorithm", "source", "outcome"}),
		evaluationSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "evaluation_duration_seconds",
			Help:      "Wall-clock time of real evaluations.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"algorithm"}),
		iterations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "iterations_total",
			Help:      "Algorithm steps completed.",
		}, []string{"algorithm"}),
		bestFitness: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "best_fitness",
			Help:      "Best validated fitness reported by the latest iteration.",
		}, []string{"algorithm"}),
		runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "runs_total",
			Help:      "Finished runs by status and stop reason.",
		}, []string{"algorithm", "status", "reason"}),
		runSeconds: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "run_duration_seconds",
			Help:      "Wall-clock time of finished runs.",
			Buckets:   prometheus.ExponentialBuckets(0.1, 4, 10),
		}, []string{"algorithm"}),
		active: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "active_runs",
			Help:      "Runs currently executing.",
		}),
	}

	for _, col := range []prometheus.Collector{
		c.evaluations, c.evaluationSeconds, c.iterations, c.bestFitness, c.runs, c.runSeconds, c.active,
	} {
		if err := reg.Register(col); err != nil {
			return nil, err
		}
	}
	return c, nil
}

// ObserveEvaluation counts one evaluation. Only real evaluations are timed.
func (c *Collector) ObserveEvaluation(alg optimization.AlgorithmName, source optimization.Source, failure optimization.FailureReason, took time.Duration) {
	outcome := "success"
	if failure != "" {
		outcome = string(failure)
	}
	c.evaluations.WithLabelValues(string(alg), string(source), outcome).Inc()
	if source == optimization.SourceReal {
		c.evaluationSeconds.WithLabelValues(string(alg)).Observe(took.Seconds())
	}
}

// ObserveIteration records a completed step.
func (c *Collector) ObserveIteration(alg optimization.AlgorithmName, best float64) {
	c.iterations.WithLabelValues(string(alg)).Inc()
	if best > optimization.WorstFitness {
		c.bestFitness.WithLabelValues(string(alg)).Set(best)
	}
}

// ObserveRun records a finished run.
func (c *Collector) ObserveRun(alg optimization.AlgorithmName, status optimization.RunStatus, reason optimization.StopReason, took time.Duration) {
	c.runs.WithLabelValues(string(alg), string(status), string(reason)).Inc()
	c.runSeconds.WithLabelValues(string(alg)).Observe(took.Seconds())
}

// RunStarted and RunEnded track the number of executing runs.
func (c *Collector) RunStarted() { c.active.Inc() }

func (c *Collector) RunEnded() { c.active.Dec() }
