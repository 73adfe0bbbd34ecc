package server

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/errors"
	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/controller"
	"github.com/copyleftdev/devopt/internal/optimization/report"
	"github.com/copyleftdev/devopt/internal/runspec"
	"github.com/copyleftdev/devopt/internal/store"
)

// StatusPending marks a run waiting for a free run slot.
const StatusPending optimization.RunStatus = "pending"

// StartRequest carries a run spec either as a JSON object or as YAML text.
type StartRequest struct {
	Spec     json.RawMessage `json:"spec,omitempty"`
	SpecYAML string          `json:"spec_yaml,omitempty"`
}

// RunRequest names a run.
type RunRequest struct {
	ID string `json:"optimization_id"`
	// Format selects the report rendering: json (default) or markdown.
	Format string `json:"format,omitempty"`
}

// StartResponse acknowledges a submitted run.
type StartResponse struct {
	ID     string                 `json:"optimization_id"`
	Status optimization.RunStatus `json:"status"`
}

// ProgressView is the latest progress update of a run.
type ProgressView struct {
	Iteration            int     `json:"iteration"`
	BestFitness          float64 `json:"best_fitness"`
	RealEvaluations      int     `json:"real_evaluations"`
	SurrogateEvaluations int     `json:"surrogate_evaluations"`
	CacheHits            int     `json:"cache_hits"`
	Failures             int     `json:"failures"`
	ElapsedSeconds       float64 `json:"elapsed_seconds"`
}

// StatusResponse describes one run.
type StatusResponse struct {
	ID        string                     `json:"optimization_id"`
	Name      string                     `json:"name,omitempty"`
	Algorithm optimization.AlgorithmName `json:"algorithm"`
	Status    optimization.RunStatus     `json:"status"`
	Reason    optimization.StopReason    `json:"reason,omitempty"`
	Message   string                     `json:"message,omitempty"`
	CreatedAt time.Time                  `json:"created_at"`
	UpdatedAt time.Time                  `json:"updated_at"`
	Progress  *ProgressView              `json:"progress,omitempty"`
	Best      *optimization.Solution     `json:"best,omitempty"`
	Summary   string                     `json:"summary,omitempty"`
}

// ReportResponse is a rendered report.
type ReportResponse struct {
	Format  string         `json:"format"`
	Report  map[string]any `json:"report,omitempty"`
	Content string         `json:"content,omitempty"`
}

// runState is the in-memory view of a run owned by this process. Fields
// after cancel are guarded by Server.runsMu.
type runState struct {
	id     string
	spec   *runspec.Spec
	cancel context.CancelFunc

	status   optimization.RunStatus
	created  time.Time
	updated  time.Time
	progress *controller.Progress
	record   *optimization.RunRecord
}

func (r *runState) done() bool {
	return r.record != nil
}

// parseStart decodes and validates the spec of a start request.
func parseStart(req StartRequest) (*runspec.Spec, error) {
	var doc []byte
	switch {
	case req.SpecYAML != "":
		doc = []byte(req.SpecYAML)
	case len(req.Spec) > 0 && string(req.Spec) != "null":
		doc = req.Spec
	default:
		return nil, errors.New(errors.CodeInvalid, "spec or spec_yaml is required")
	}
	spec, err := runspec.Parse(doc)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalid, "invalid run spec")
	}
	return spec, nil
}

// limit applies the service caps to a spec.
func (s *Server) limit(spec *runspec.Spec) {
	opt := s.cfg.Optimization
	if ceiling := opt.MaxEvaluations; ceiling > 0 && (spec.Budget.MaxEvaluations == 0 || spec.Budget.MaxEvaluations > ceiling) {
		spec.Budget.MaxEvaluations = ceiling
	}
	if spec.Concurrency > opt.MaxConcurrency {
		spec.Concurrency = opt.MaxConcurrency
	}
}

// startRun validates the spec, records the run and launches it.
func (s *Server) startRun(req StartRequest) (*StartResponse, error) {
	spec, err := parseStart(req)
	if err != nil {
		return nil, err
	}
	s.limit(spec)

	id := uuid.New().String()
	env := runspec.Environment{
		RunID:         id,
		Logger:        s.zap.With(zap.String("optimization_id", id)),
		Progress:      s.progressFor(id),
		AllowCommands: s.cfg.Simulator.AllowCommands,
	}
	if s.cache != nil {
		env.Cache = s.cache.ForRun(id)
	}
	if s.metrics != nil {
		env.Metrics = s.metrics
	}
	cfg, err := spec.Config(env)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalid, "invalid run spec")
	}
	ctrl, err := controller.New(cfg)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInvalid, "invalid run spec")
	}

	ctx, cancel := context.WithCancel(s.ctx)
	now := time.Now().UTC()
	state := &runState{
		id:      id,
		spec:    spec,
		cancel:  cancel,
		status:  StatusPending,
		created: now,
		updated: now,
	}

	s.runsMu.Lock()
	if s.closed {
		s.runsMu.Unlock()
		cancel()
		return nil, errors.New(errors.CodeUnavailable, "server is shutting down")
	}
	s.runs[id] = state
	s.wg.Add(1)
	s.runsMu.Unlock()

	s.persist(state)
	go s.execute(ctx, state, ctrl)

	s.logger.Info("Optimization submitted", map[string]interface{}{
		"optimization_id": id,
		"algorithm":       string(spec.Algorithm),
	})
	return &StartResponse{ID: id, Status: StatusPending}, nil
}

func (s *Server) progressFor(id string) controller.ProgressFunc {
	return func(p controller.Progress) {
		s.runsMu.Lock()
		defer s.runsMu.Unlock()
		if state, ok := s.runs[id]; ok && !state.done() {
			state.progress = &p
			state.updated = time.Now().UTC()
		}
	}
}

// execute waits for a run slot, runs the controller and stores the record.
func (s *Server) execute(ctx context.Context, state *runState, ctrl *controller.Controller) {
	defer s.wg.Done()
	defer state.cancel()

	select {
	case s.slots <- struct{}{}:
		defer func() { <-s.slots }()
	case <-ctx.Done():
		now := time.Now().UTC()
		s.finish(state, &optimization.RunRecord{
			ID:         state.id,
			Algorithm:  state.spec.Algorithm,
			Status:     optimization.StatusAborted,
			Reason:     optimization.StopCancelled,
			Message:    "cancelled before start",
			Iterations: []optimization.IterationRecord{},
			StartedAt:  now,
			FinishedAt: now,
		})
		return
	}

	s.runsMu.Lock()
	state.status = optimization.StatusRunning
	state.updated = time.Now().UTC()
	s.runsMu.Unlock()
	s.persist(state)

	if s.metrics != nil {
		s.metrics.RunStarted()
		defer s.metrics.RunEnded()
	}

	rec, err := ctrl.Run(ctx)
	if err != nil {
		now := time.Now().UTC()
		rec = &optimization.RunRecord{
			ID:         state.id,
			Algorithm:  state.spec.Algorithm,
			Status:     optimization.StatusAborted,
			Reason:     optimization.StopInternalError,
			Message:    err.Error(),
			Iterations: []optimization.IterationRecord{},
			StartedAt:  now,
			FinishedAt: now,
		}
	}
	s.finish(state, rec)
}

func (s *Server) finish(state *runState, rec *optimization.RunRecord) {
	s.runsMu.Lock()
	state.record = rec
	state.status = rec.Status
	state.updated = time.Now().UTC()
	s.runsMu.Unlock()
	s.persist(state)

	s.logger.Info("Optimization finished", map[string]interface{}{
		"optimization_id": state.id,
		"status":          string(rec.Status),
		"reason":          string(rec.Reason),
		"summary":         report.Summary(rec),
	})
}

// persist writes the run to the store. Store errors are logged, the run
// itself is unaffected.
func (s *Server) persist(state *runState) {
	s.runsMu.RLock()
	run := store.Run{
		ID:        state.id,
		Status:    state.status,
		Spec:      state.spec,
		Record:    state.record,
		CreatedAt: state.created,
		UpdatedAt: state.updated,
	}
	s.runsMu.RUnlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.store.SaveRun(ctx, run); err != nil {
		s.logger.Error("Failed to persist run", map[string]interface{}{
			"optimization_id": state.id,
			"error":           err.Error(),
		})
	}
}

// lookup returns a snapshot of a run from memory or, for runs of earlier
// processes, from the store.
func (s *Server) lookup(ctx context.Context, id string) (store.Run, *controller.Progress, error) {
	if id == "" {
		return store.Run{}, nil, errors.New(errors.CodeInvalid, "optimization_id is required")
	}

	s.runsMu.RLock()
	state, ok := s.runs[id]
	if ok {
		run := store.Run{
			ID:        state.id,
			Status:    state.status,
			Spec:      state.spec,
			Record:    state.record,
			CreatedAt: state.created,
			UpdatedAt: state.updated,
		}
		progress := state.progress
		s.runsMu.RUnlock()
		return run, progress, nil
	}
	s.runsMu.RUnlock()

	run, ok, err := s.store.GetRun(ctx, id)
	if err != nil {
		return store.Run{}, nil, errors.Wrap(err, errors.CodeInternal, "failed to load run")
	}
	if !ok {
		return store.Run{}, nil, errors.Errorf(errors.CodeNotFound, "optimization %s not found", id)
	}
	return run, nil, nil
}

func (s *Server) runStatus(ctx context.Context, req RunRequest) (*StatusResponse, error) {
	run, progress, err := s.lookup(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	return statusOf(run, progress), nil
}

func statusOf(run store.Run, progress *controller.Progress) *StatusResponse {
	resp := &StatusResponse{
		ID:        run.ID,
		Status:    run.Status,
		CreatedAt: run.CreatedAt,
		UpdatedAt: run.UpdatedAt,
	}
	if run.Spec != nil {
		resp.Name = run.Spec.Name
		resp.Algorithm = run.Spec.Algorithm
	}
	if progress != nil {
		resp.Progress = &ProgressView{
			Iteration:            progress.Iteration,
			BestFitness:          progress.BestFitness,
			RealEvaluations:      progress.RealEvaluations,
			SurrogateEvaluations: progress.SurrogateEvaluations,
			CacheHits:            progress.CacheHits,
			Failures:             progress.Failures,
			ElapsedSeconds:       progress.Elapsed.Seconds(),
		}
	}
	if rec := run.Record; rec != nil {
		// Finished runs report their final totals.
		final := &ProgressView{
			Iteration:            len(rec.Iterations) - 1,
			BestFitness:          optimization.WorstFitness,
			RealEvaluations:      rec.RealEvaluations,
			SurrogateEvaluations: rec.SurrogateEvaluations,
			CacheHits:            rec.CacheHits,
			Failures:             rec.Failures,
			ElapsedSeconds:       rec.Elapsed.Seconds(),
		}
		if rec.Best != nil {
			final.BestFitness = rec.Best.Fitness
		}
		resp.Progress = final
		resp.Algorithm = rec.Algorithm
		resp.Reason = rec.Reason
		resp.Message = rec.Message
		resp.Best = rec.Best
		resp.Summary = report.Summary(rec)
	}
	return resp
}

func (s *Server) cancelRun(req RunRequest) (*StartResponse, error) {
	if req.ID == "" {
		return nil, errors.New(errors.CodeInvalid, "optimization_id is required")
	}

	s.runsMu.RLock()
	state, ok := s.runs[req.ID]
	var finished bool
	var status optimization.RunStatus
	if ok {
		finished = state.done()
		status = state.status
	}
	s.runsMu.RUnlock()

	if !ok {
		return nil, errors.Errorf(errors.CodeNotFound, "optimization %s not found", req.ID)
	}
	if finished {
		return nil, errors.Errorf(errors.CodeConflict, "cannot cancel optimization with status: %s", status)
	}
	state.cancel()

	s.logger.Info("Optimization cancellation requested", map[string]interface{}{
		"optimization_id": req.ID,
	})
	return &StartResponse{ID: req.ID, Status: status}, nil
}

func (s *Server) runReport(ctx context.Context, req RunRequest) (*ReportResponse, error) {
	run, _, err := s.lookup(ctx, req.ID)
	if err != nil {
		return nil, err
	}
	if run.Record == nil {
		return nil, errors.Errorf(errors.CodeConflict, "optimization %s has not finished", req.ID)
	}

	switch req.Format {
	case "", "json":
		return &ReportResponse{Format: "json", Report: report.ToMap(run.Record)}, nil
	case "markdown", "md":
		r := report.New(run.Record, nil, nil)
		if run.Spec != nil {
			r.Objective = &run.Spec.Objective
			if space, err := run.Spec.Space(); err == nil {
				r.Space = space
			}
		}
		return &ReportResponse{Format: "markdown", Content: r.Markdown()}, nil
	default:
		return nil, errors.Errorf(errors.CodeInvalid, "unknown report format %q", req.Format)
	}
}

func (s *Server) listRuns(ctx context.Context, limit int) ([]*StatusResponse, error) {
	runs, err := s.store.ListRuns(ctx, limit)
	if err != nil {
		return nil, errors.Wrap(err, errors.CodeInternal, "failed to list runs")
	}
	out := make([]*StatusResponse, 0, len(runs))
	for _, run := range runs {
		// Prefer the live view for runs of this process.
		if live, progress, err := s.lookup(ctx, run.ID); err == nil {
			run = live
			out = append(out, statusOf(run, progress))
			continue
		}
		out = append(out, statusOf(run, nil))
	}
	return out, nil
}
