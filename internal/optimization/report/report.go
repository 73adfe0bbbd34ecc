// Package report formats run records for callers: a structured map, JSON, a
// Markdown document and a one-line summary.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"sort"
	"strings"

	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/objective"
)

// Report bundles a record with the configuration it was produced from.
// Space and Objective are optional and only enrich the Markdown output.
type Report struct {
	Record    *optimization.RunRecord
	Space     *optimization.Space
	Objective *objective.Spec
}

// New creates a report.
func New(record *optimization.RunRecord, space *optimization.Space, spec *objective.Spec) *Report {
	return &Report{Record: record, Space: space, Objective: spec}
}

// ToMap returns the record as a mapping of named fields.
func ToMap(rec *optimization.RunRecord) map[string]any {
	out := map[string]any{
		"id":        rec.ID,
		"algorithm": string(rec.Algorithm),
		"seed":      rec.Seed,
		"status":    string(rec.Status),
		"reason":    string(rec.Reason),
		"evaluations": map[string]any{
			"real":      rec.RealEvaluations,
			"succeeded": rec.RealSuccesses,
			"surrogate": rec.SurrogateEvaluations,
			"cache":     rec.CacheHits,
			"failed":    rec.Failures,
		},
		"surrogate_retrains": rec.SurrogateRetrains,
		"iterations":         len(rec.Iterations),
		"elapsed_seconds":    rec.Elapsed.Seconds(),
		"started_at":         rec.StartedAt,
		"finished_at":        rec.FinishedAt,
	}
	if rec.Message != "" {
		out["message"] = rec.Message
	}

	if best := rec.Best; best != nil {
		out["best"] = map[string]any{
			"parameters": best.Parameters,
			"metrics":    map[string]float64(best.Metrics),
			"fitness":    best.Fitness,
			"satisfied":  best.Satisfied,
			"source":     string(best.Source),
		}
	}

	trace := make([]map[string]any, len(rec.Iterations))
	for i, it := range rec.Iterations {
		trace[i] = map[string]any{
			"index":                 it.Index,
			"best_fitness":          it.BestFitness,
			"real_evaluations":      it.RealEvaluations,
			"surrogate_evaluations": it.SurrogateEvaluations,
			"cache_hits":            it.CacheHits,
			"failures":              it.Failures,
			"elapsed_seconds":       it.Elapsed.Seconds(),
		}
	}
	out["trace"] = trace
	return out
}

// WriteJSON writes the full record as indented JSON.
func WriteJSON(w io.Writer, rec *optimization.RunRecord) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(rec); err != nil {
		return fmt.Errorf("encode run record: %w", err)
	}
	return nil
}

// Summary is a one-line description of the outcome.
func Summary(rec *optimization.RunRecord) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s run %s %s (%s) after %d iterations, %d real",
		rec.Algorithm, shortID(rec.ID), rec.Status, rec.Reason, len(rec.Iterations), rec.RealEvaluations)
	if rec.SurrogateEvaluations > 0 {
		fmt.Fprintf(&b, " + %d surrogate", rec.SurrogateEvaluations)
	}
	b.WriteString(" evaluations")
	if rec.Failures > 0 {
		fmt.Fprintf(&b, ", %d failed", rec.Failures)
	}
	if rec.Best == nil {
		b.WriteString("; no feasible result")
		return b.String()
	}
	fmt.Fprintf(&b, "; best fitness %s at %s", formatFloat(rec.Best.Fitness), formatParams(rec.Best.Parameters))
	return b.String()
}

// Markdown renders the report as a Markdown document.
func (r *Report) Markdown() string {
	rec := r.Record
	var b strings.Builder

	fmt.Fprintf(&b, "# Optimization report `%s`\n\n", rec.ID)
	b.WriteString("| | |\n|---|---|\n")
	fmt.Fprintf(&b, "| Algorithm | %s |\n", rec.Algorithm)
	fmt.Fprintf(&b, "| Seed | %d |\n", rec.Seed)
	fmt.Fprintf(&b, "| Status | %s |\n", rec.Status)
	fmt.Fprintf(&b, "| Stop reason | %s |\n", rec.Reason)
	fmt.Fprintf(&b, "| Iterations | %d |\n", len(rec.Iterations))
	fmt.Fprintf(&b, "| Real evaluations | %d (%d failed) |\n", rec.RealEvaluations, rec.Failures)
	fmt.Fprintf(&b, "| Surrogate evaluations | %d |\n", rec.SurrogateEvaluations)
	fmt.Fprintf(&b, "| Cache hits | %d |\n", rec.CacheHits)
	fmt.Fprintf(&b, "| Elapsed | %s |\n", rec.Elapsed.Round(1e6))
	if rec.Message != "" {
		fmt.Fprintf(&b, "\n> %s\n", rec.Message)
	}

	if r.Space != nil {
		b.WriteString("\n## Design variables\n\n| Name | Kind | Range | Unit |\n|---|---|---|---|\n")
		for _, v := range r.Space.Variables {
			lo, hi := v.Bounds()
			fmt.Fprintf(&b, "| %s | %s | [%s, %s] | %s |\n", v.Name, v.ResolvedKind(), formatFloat(lo), formatFloat(hi), v.Unit)
		}
	}

	if r.Objective != nil {
		b.WriteString("\n## Objectives\n\n| Metric | Goal | Weight |\n|---|---|---|\n")
		for _, t := range r.Objective.Terms {
			weight := t.Weight
			if weight == 0 {
				weight = 1
			}
			fmt.Fprintf(&b, "| %s | %s | %s |\n", t.Metric, goal(t), formatFloat(weight))
		}
	}

	b.WriteString("\n## Best solution\n\n")
	if rec.Best == nil {
		b.WriteString("No successful evaluation.\n")
	} else {
		fmt.Fprintf(&b, "Fitness **%s** (%s", formatFloat(rec.Best.Fitness), rec.Best.Source)
		if rec.Best.Satisfied {
			b.WriteString(", all constraints satisfied)\n\n")
		} else {
			fmt.Fprintf(&b, ", %d constraint violations)\n\n", len(rec.Best.Violations))
		}
		b.WriteString("| Parameter | Value |\n|---|---|\n")
		for _, name := range sortedKeys(rec.Best.Parameters) {
			fmt.Fprintf(&b, "| %s | %s |\n", name, formatFloat(rec.Best.Parameters[name]))
		}
		if len(rec.Best.Metrics) > 0 {
			b.WriteString("\n| Metric | Value |\n|---|---|\n")
			for _, name := range rec.Best.Metrics.Names() {
				fmt.Fprintf(&b, "| %s | %s |\n", name, formatFloat(rec.Best.Metrics[name]))
			}
		}
		for _, v := range rec.Best.Violations {
			fmt.Fprintf(&b, "\n- %s = %s violates threshold %s", v.Metric, formatFloat(v.Value), formatFloat(v.Threshold))
		}
		if len(rec.Best.Violations) > 0 {
			b.WriteString("\n")
		}
	}

	if len(rec.Iterations) > 0 {
		b.WriteString("\n## Convergence\n\n| Iteration | Best fitness | Real | Surrogate | Cache | Failed |\n|---|---|---|---|---|---|\n")
		for _, it := range rec.Iterations {
			fmt.Fprintf(&b, "| %d | %s | %d | %d | %d | %d |\n",
				it.Index, formatFloat(it.BestFitness), it.RealEvaluations, it.SurrogateEvaluations, it.CacheHits, it.Failures)
		}
	}
	return b.String()
}

// WriteMarkdown writes Markdown to w.
func (r *Report) WriteMarkdown(w io.Writer) error {
	_, err := io.WriteString(w, r.Markdown())
	return err
}

func goal(t objective.Term) string {
	switch t.Direction {
	case objective.Target:
		if t.Target != nil {
			return "target " + formatFloat(*t.Target)
		}
	case objective.Constraint:
		if t.Threshold != nil {
			return fmt.Sprintf("%s %s", t.Comparator, formatFloat(*t.Threshold))
		}
	}
	return string(t.Direction)
}

func formatFloat(v float64) string {
	if v == optimization.WorstFitness {
		return "-inf"
	}
	if v != 0 && (math.Abs(v) < 1e-3 || math.Abs(v) >= 1e6) {
		return fmt.Sprintf("%.4g", v)
	}
	return fmt.Sprintf("%.4f", v)
}

func formatParams(params map[string]float64) string {
	parts := make([]string, 0, len(params))
	for _, name := range sortedKeys(params) {
		parts = append(parts, name+"="+formatFloat(params[name]))
	}
	return strings.Join(parts, " ")
}

func sortedKeys(m map[string]float64) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
