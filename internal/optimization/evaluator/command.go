package evaluator

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/copyleftdev/devopt/internal/optimization"
)

// waitDelay bounds how long a killed simulator's children may hold its
// output pipes open.
const waitDelay = 2 * time.Second

// CommandRequest is written to the simulator's stdin.
type CommandRequest struct {
	Parameters map[string]float64 `json:"parameters"`
	Vector     []float64          `json:"vector"`
}

// CommandResponse is read from the simulator's stdout. A non-empty Error
// marks a failed solve; Reason optionally classifies it.
type CommandResponse struct {
	Metrics map[string]float64 `json:"metrics"`
	Error   string             `json:"error,omitempty"`
	Reason  string             `json:"reason,omitempty"`
}

// Command runs an external simulator process per evaluation.
type Command struct {
	Path      string
	Args      []string
	Dir       string
	Env       []string
	Variables []string
	Metrics   []string

	logger *zap.Logger
}

// NewCommand creates a command evaluator. variables names the vector
// elements in the request; metrics is the declared output schema.
func NewCommand(path string, args, variables, metrics []string, logger *zap.Logger) *Command {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Command{
		Path:      path,
		Args:      args,
		Variables: variables,
		Metrics:   metrics,
		logger:    logger.Named("command_evaluator"),
	}
}

// Schema returns the declared metric names.
func (c *Command) Schema() []string { return append([]string(nil), c.Metrics...) }

// Evaluate runs the simulator once.
func (c *Command) Evaluate(ctx context.Context, params []float64) (optimization.MetricVector, error) {
	req := CommandRequest{Parameters: make(map[string]float64, len(params)), Vector: params}
	for i, v := range params {
		if i < len(c.Variables) {
			req.Parameters[c.Variables[i]] = v
		}
	}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, optimization.Fail(optimization.FailureCrash, err)
	}

	cmd := exec.CommandContext(ctx, c.Path, c.Args...)
	cmd.Dir = c.Dir
	if len(c.Env) > 0 {
		cmd.Env = c.Env
	}
	cmd.Stdin = bytes.NewReader(payload)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = waitDelay

	runErr := cmd.Run()
	if runErr != nil {
		if isUnreachable(runErr) {
			return nil, optimization.AbortError("simulator unreachable", runErr)
		}
		if ctxErr := ctx.Err(); ctxErr != nil {
			if errors.Is(ctxErr, context.DeadlineExceeded) {
				return nil, optimization.Fail(optimization.FailureTimeout, ctxErr)
			}
			return nil, optimization.Fail(optimization.FailureCancelled, ctxErr)
		}
		c.logger.Warn("simulator exited with error",
			zap.Error(runErr),
			zap.String("stderr", tail(stderr.String(), 512)),
		)
		return nil, optimization.Fail(optimization.FailureCrash, fmt.Errorf("%w: %s", runErr, tail(stderr.String(), 256)))
	}

	var resp CommandResponse
	if err := json.Unmarshal(stdout.Bytes(), &resp); err != nil {
		return nil, optimization.Fail(optimization.FailureInvalidOutput, fmt.Errorf("decode simulator output: %w", err))
	}
	if resp.Error != "" {
		return nil, optimization.Fail(reasonOf(resp.Reason), errors.New(resp.Error))
	}
	if len(resp.Metrics) == 0 {
		return nil, optimization.Fail(optimization.FailureInvalidOutput, errors.New("simulator returned no metrics"))
	}
	return optimization.MetricVector(resp.Metrics), nil
}

func isUnreachable(err error) bool {
	return errors.Is(err, exec.ErrNotFound) ||
		errors.Is(err, fs.ErrNotExist) ||
		errors.Is(err, fs.ErrPermission)
}

func reasonOf(s string) optimization.FailureReason {
	switch optimization.FailureReason(s) {
	case optimization.FailureTimeout, optimization.FailureNonConvergence, optimization.FailureCrash,
		optimization.FailureInvalidOutput, optimization.FailureCancelled:
		return optimization.FailureReason(s)
	}
	return optimization.FailureNonConvergence
}

func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}
