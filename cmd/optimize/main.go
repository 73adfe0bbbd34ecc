package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/logging"
	"github.com/copyleftdev/devopt/internal/optimization"
	"github.com/copyleftdev/devopt/internal/optimization/controller"
	"github.com/copyleftdev/devopt/internal/optimization/evaluator"
	"github.com/copyleftdev/devopt/internal/optimization/report"
	"github.com/copyleftdev/devopt/internal/runspec"
	"github.com/copyleftdev/devopt/internal/simulator"
	"github.com/copyleftdev/devopt/internal/store"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := run(ctx, os.Args[1:], os.Stdin, os.Stdout)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func usageError(msg string) error {
	return fmt.Errorf("%s\nusage: optimize <init|run|simulate|runs|report> [flags]", msg)
}

func run(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	if len(args) == 0 {
		return usageError("missing command")
	}

	switch args[0] {
	case "init":
		return runInit(args[1:], stdout)
	case "run":
		return runRun(ctx, args[1:], stdout)
	case "simulate":
		return runSimulate(ctx, args[1:], stdin, stdout)
	case "runs":
		return runRuns(ctx, args[1:], stdout)
	case "report":
		return runReport(ctx, args[1:], stdout)
	default:
		return usageError(fmt.Sprintf("unknown command: %s", args[0]))
	}
}

// runInit writes an example run spec.
func runInit(args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("init", flag.ContinueOnError)
	out := fs.String("out", "", "write the example to this file instead of stdout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *out == "" {
		_, err := io.WriteString(stdout, runspec.Example)
		return err
	}
	if err := os.WriteFile(*out, []byte(runspec.Example), 0o644); err != nil {
		return err
	}
	fmt.Fprintf(stdout, "wrote %s\n", *out)
	return nil
}

func runRun(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("run", flag.ContinueOnError)
	specPath := fs.String("spec", "", "run spec (YAML or JSON)")
	outDir := fs.String("out", ".", "directory for the JSON and Markdown reports")
	algorithm := fs.String("algorithm", "", "override the spec's algorithm: GA|PSO|ACO|SA")
	seed := fs.Int64("seed", 0, "override the spec's seed")
	storeKind := fs.String("store", "memory", "store backend: memory|sqlite")
	dbPath := fs.String("db-path", "devopt.db", "sqlite database path")
	redisURL := fs.String("redis-url", "", "share evaluations through this Redis instance")
	logLevel := fs.String("log-level", "info", "log level: debug|info|warn|error")
	logFormat := fs.String("log-format", "text", "log format: text|json")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *specPath == "" {
		return usageError("run: -spec is required")
	}

	spec, err := runspec.Load(*specPath)
	if err != nil {
		return err
	}
	seedSet := false
	fs.Visit(func(f *flag.Flag) { seedSet = seedSet || f.Name == "seed" })
	if seedSet {
		spec.Seed = *seed
	}
	if *algorithm != "" {
		name, err := optimization.ParseAlgorithm(*algorithm)
		if err != nil {
			return err
		}
		spec.Algorithm = name
	}

	base, err := logging.NewLogger(&logging.Config{Level: *logLevel, Format: *logFormat, Output: "stderr"})
	if err != nil {
		return err
	}
	logger := logging.NewZapLogger(base)
	defer func() { _ = logger.Sync() }()

	st, err := store.NewStore(*storeKind, *dbPath)
	if err != nil {
		return err
	}
	if err := st.Init(ctx); err != nil {
		return err
	}
	defer st.Close()

	env := runspec.Environment{
		Logger:        logger,
		AllowCommands: true,
		Progress: func(p controller.Progress) {
			logger.Info("Progress",
				zap.Int("iteration", p.Iteration),
				zap.Float64("best_fitness", p.BestFitness),
				zap.Int("real_evaluations", p.RealEvaluations),
				zap.Int("surrogate_evaluations", p.SurrogateEvaluations),
				zap.Int("failures", p.Failures),
			)
		},
	}
	if *redisURL != "" {
		cache, err := evaluator.NewRedisCache(*redisURL, "devopt:eval:", 24*time.Hour)
		if err != nil {
			return err
		}
		defer cache.Close()
		// Runs of the same spec name share results.
		env.Cache = cache.ForRun(spec.Name)
	}

	cfg, err := spec.Config(env)
	if err != nil {
		return err
	}
	ctrl, err := controller.New(cfg)
	if err != nil {
		return err
	}

	created := time.Now().UTC()
	saveRun := func(rec *optimization.RunRecord, status optimization.RunStatus) {
		err := st.SaveRun(context.WithoutCancel(ctx), store.Run{
			ID:        ctrl.ID(),
			Status:    status,
			Spec:      spec,
			Record:    rec,
			CreatedAt: created,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			logger.Warn("Failed to store run", zap.Error(err))
		}
	}
	saveRun(nil, optimization.StatusRunning)

	rec, err := ctrl.Run(ctx)
	if err != nil {
		return err
	}
	saveRun(rec, rec.Status)

	if err := writeReports(*outDir, spec, rec); err != nil {
		return err
	}
	fmt.Fprintln(stdout, report.Summary(rec))
	if rec.Aborted() {
		return fmt.Errorf("run %s aborted: %s", rec.ID, rec.Reason)
	}
	return nil
}

// writeReports writes <name>.json and <name>.md into dir.
func writeReports(dir string, spec *runspec.Spec, rec *optimization.RunRecord) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	name := spec.Name
	if name == "" {
		name = rec.ID
	}

	jsonFile, err := os.Create(filepath.Join(dir, name+".json"))
	if err != nil {
		return err
	}
	if err := report.WriteJSON(jsonFile, rec); err != nil {
		_ = jsonFile.Close()
		return err
	}
	if err := jsonFile.Close(); err != nil {
		return err
	}

	space, err := spec.Space()
	if err != nil {
		return err
	}
	mdFile, err := os.Create(filepath.Join(dir, name+".md"))
	if err != nil {
		return err
	}
	if err := report.New(rec, space, &spec.Objective).WriteMarkdown(mdFile); err != nil {
		_ = mdFile.Close()
		return err
	}
	return mdFile.Close()
}

// runSimulate serves the builtin resonator over the line protocol so it can
// stand in as a command evaluator.
func runSimulate(ctx context.Context, args []string, stdin io.Reader, stdout io.Writer) error {
	fs := flag.NewFlagSet("simulate", flag.ContinueOnError)
	permittivity := fs.Float64("permittivity", 0, "substrate relative permittivity")
	gap := fs.Float64("gap", 0, "split gap in mm when the request has none")
	probe := fs.Float64("probe-ghz", 0, "frequency at which S-parameters are reported")
	latency := fs.Duration("latency", 0, "delay added to every solve")
	if err := fs.Parse(args); err != nil {
		return err
	}

	sim := simulator.New(simulator.Config{
		Permittivity: *permittivity,
		Gap:          *gap,
		ProbeGHz:     *probe,
		Latency:      *latency,
	})
	err := sim.Serve(ctx, stdin, stdout)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runRuns(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("runs", flag.ContinueOnError)
	dbPath := fs.String("db-path", "devopt.db", "sqlite database path")
	limit := fs.Int("limit", 20, "max runs to list, 0 for all")
	if err := fs.Parse(args); err != nil {
		return err
	}

	st, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	runs, err := st.ListRuns(ctx, *limit)
	if err != nil {
		return err
	}
	if len(runs) == 0 {
		fmt.Fprintln(stdout, "no runs")
		return nil
	}

	tw := tabwriter.NewWriter(stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tNAME\tALGORITHM\tSTATUS\tREASON\tBEST\tCREATED")
	for _, r := range runs {
		name, alg, reason, best := "-", "-", "-", "-"
		if r.Spec != nil {
			name = r.Spec.Name
			alg = string(r.Spec.Algorithm)
		}
		if r.Record != nil {
			reason = string(r.Record.Reason)
			if r.Record.Best != nil {
				best = fmt.Sprintf("%.4f", r.Record.Best.Fitness)
			}
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n", r.ID, name, alg, r.Status, reason, best, r.CreatedAt.Format(time.RFC3339))
	}
	return tw.Flush()
}

func runReport(ctx context.Context, args []string, stdout io.Writer) error {
	fs := flag.NewFlagSet("report", flag.ContinueOnError)
	dbPath := fs.String("db-path", "devopt.db", "sqlite database path")
	id := fs.String("id", "", "run id")
	format := fs.String("format", "markdown", "output format: markdown|json|summary")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *id == "" {
		return usageError("report: -id is required")
	}

	st, err := openStore(ctx, *dbPath)
	if err != nil {
		return err
	}
	defer st.Close()

	r, ok, err := st.GetRun(ctx, *id)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("run %s not found", *id)
	}
	if r.Record == nil {
		return fmt.Errorf("run %s has no record (status %s)", *id, r.Status)
	}

	switch strings.ToLower(*format) {
	case "json":
		return report.WriteJSON(stdout, r.Record)
	case "summary":
		_, err := fmt.Fprintln(stdout, report.Summary(r.Record))
		return err
	case "markdown", "md":
		rep := report.New(r.Record, nil, nil)
		if r.Spec != nil {
			rep.Objective = &r.Spec.Objective
			if space, err := r.Spec.Space(); err == nil {
				rep.Space = space
			}
		}
		return rep.WriteMarkdown(stdout)
	default:
		return usageError(fmt.Sprintf("report: unknown format %q", *format))
	}
}

func openStore(ctx context.Context, path string) (store.Store, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, fmt.Errorf("open run database: %w", err)
	}
	st, err := store.NewStore("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := st.Init(ctx); err != nil {
		return nil, err
	}
	return st, nil
}
