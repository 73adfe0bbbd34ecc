package optimization

import "time"

// RunStatus is the terminal state of a run.
type RunStatus string

const (
	StatusRunning   RunStatus = "running"
	StatusCompleted RunStatus = "completed"
	StatusAborted   RunStatus = "aborted"
)

// StopReason explains why the run loop ended.
type StopReason string

const (
	StopConverged            StopReason = "converged"
	StopMaxEvaluations       StopReason = "max_evaluations"
	StopMaxIterations        StopReason = "max_iterations"
	StopMaxDuration          StopReason = "max_duration"
	StopCancelled            StopReason = "cancelled"
	StopEvaluatorUnreachable StopReason = "evaluator_unreachable"
	StopConsecutiveFailures  StopReason = "consecutive_failures"
	StopNoSuccessfulEvals    StopReason = "no_successful_evaluations"
	StopInternalError        StopReason = "internal_error"
)

// Solution is a serialisable view of a candidate.
type Solution struct {
	Parameters map[string]float64 `json:"parameters"`
	Vector     []float64          `json:"vector"`
	Metrics    MetricVector       `json:"metrics,omitempty"`
	Fitness    float64            `json:"fitness"`
	Satisfied  bool               `json:"satisfied"`
	Violations []Violation        `json:"violations,omitempty"`
	Source     Source             `json:"source"`
}

// NewSolution snapshots an evaluated candidate.
func NewSolution(space *Space, c *Candidate) *Solution {
	if !c.Evaluated() {
		return nil
	}
	o := c.Outcome()
	return &Solution{
		Parameters: space.Named(c.params),
		Vector:     c.Params(),
		Metrics:    o.Metrics,
		Fitness:    o.Fitness,
		Satisfied:  o.Satisfied,
		Violations: o.Violations,
		Source:     o.Source,
	}
}

// Evaluation is a single entry of the evaluation history.
type Evaluation struct {
	Seq       int           `json:"seq"`
	Iteration int           `json:"iteration"`
	Vector    []float64     `json:"vector"`
	Source    Source        `json:"source"`
	Fitness   float64       `json:"fitness"`
	Satisfied bool          `json:"satisfied"`
	Failure   FailureReason `json:"failure,omitempty"`
}

// IterationRecord is appended once per algorithm step.
type IterationRecord struct {
	Index                int           `json:"index"`
	BestFitness          float64       `json:"best_fitness"`
	BestVector           []float64     `json:"best_vector,omitempty"`
	RealEvaluations      int           `json:"real_evaluations"`
	CacheHits            int           `json:"cache_hits"`
	SurrogateEvaluations int           `json:"surrogate_evaluations"`
	Failures             int           `json:"failures"`
	Elapsed              time.Duration `json:"elapsed"`
}

// RunRecord is the full trace and final result of one run. It is owned by a
// single run and never mutated after the run terminates.
type RunRecord struct {
	ID        string        `json:"id"`
	Algorithm AlgorithmName `json:"algorithm"`
	Seed      int64         `json:"seed"`
	Status    RunStatus     `json:"status"`
	Reason    StopReason    `json:"reason"`
	Message   string        `json:"message,omitempty"`

	Best *Solution `json:"best,omitempty"`

	RealEvaluations      int `json:"real_evaluations"`
	RealSuccesses        int `json:"real_successes"`
	CacheHits            int `json:"cache_hits"`
	SurrogateEvaluations int `json:"surrogate_evaluations"`
	Failures             int `json:"failures"`
	SurrogateRetrains    int `json:"surrogate_retrains"`

	Iterations  []IterationRecord `json:"iterations"`
	Evaluations []Evaluation      `json:"evaluations"`

	StartedAt  time.Time     `json:"started_at"`
	FinishedAt time.Time     `json:"finished_at"`
	Elapsed    time.Duration `json:"elapsed"`
}

// BestFitness returns the recorded best fitness, or WorstFitness.
func (r *RunRecord) BestFitness() float64 {
	if r.Best == nil {
		return WorstFitness
	}
	return r.Best.Fitness
}

// Aborted reports whether the run terminated early.
func (r *RunRecord) Aborted() bool { return r.Status == StatusAborted }
