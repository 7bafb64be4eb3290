// Package execx runs external tools as typed subprocess calls.
//
// Every invocation returns a Result carrying the captured output, exit code
// and duration, so callers can surface the raw tool text alongside their own
// error taxonomy. Two modes exist: Run enforces the timeout by killing the
// process, RunToCompletion lets a started process finish and reports the
// overrun afterwards. Version-control mutations use the latter because
// killing git mid-write corrupts the repository.
package execx

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strings"
	"time"

	"go.uber.org/zap"
)

// ErrTimeout indicates the subprocess exceeded its per-invocation timeout.
var ErrTimeout = errors.New("subprocess timed out")

// Spec describes a single subprocess invocation.
type Spec struct {
	// Name is the executable to run.
	Name string

	// Args are the command arguments.
	Args []string

	// Dir is the working directory. Empty means the current directory.
	Dir string

	// Env entries are appended to the parent environment.
	Env []string

	// Timeout bounds the invocation. Zero means no timeout.
	Timeout time.Duration
}

// Result is the outcome of a subprocess invocation.
type Result struct {
	Stdout   string
	Stderr   string
	ExitCode int
	Duration time.Duration
	TimedOut bool
}

// Output returns stdout with stderr appended, trimmed. Used when callers
// need one raw-text blob for error surfacing.
func (r *Result) Output() string {
	out := r.Stdout
	if r.Stderr != "" {
		if out != "" {
			out += "\n"
		}
		out += r.Stderr
	}
	return strings.TrimSpace(out)
}

// Runner executes subprocess specs.
type Runner struct {
	logger *zap.Logger
}

// NewRunner creates a runner. A nil logger is replaced with a no-op logger.
func NewRunner(logger *zap.Logger) *Runner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Runner{logger: logger}
}

// Run executes the spec, killing the process if the timeout elapses.
// A timeout is reported as a failure with ErrTimeout; a non-zero exit is
// reported as an error carrying the captured output. The Result is non-nil
// in every case once the process has started.
func (r *Runner) Run(ctx context.Context, spec Spec) (*Result, error) {
	runCtx := ctx
	if spec.Timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, spec.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(runCtx, spec.Name, spec.Args...)
	return r.execute(runCtx, cmd, spec)
}

// RunToCompletion executes the spec without ever killing the process. The
// timeout is still observed: an overrun is reported as ErrTimeout after the
// process has finished on its own.
func (r *Runner) RunToCompletion(ctx context.Context, spec Spec) (*Result, error) {
	cmd := exec.Command(spec.Name, spec.Args...)
	res, err := r.execute(ctx, cmd, spec)
	if err == nil && spec.Timeout > 0 && res.Duration > spec.Timeout {
		res.TimedOut = true
		return res, fmt.Errorf("%w: %s finished after %s (limit %s)",
			ErrTimeout, spec.Name, res.Duration.Round(time.Millisecond), spec.Timeout)
	}
	return res, err
}

func (r *Runner) execute(ctx context.Context, cmd *exec.Cmd, spec Spec) (*Result, error) {
	cmd.Dir = spec.Dir
	if len(spec.Env) > 0 {
		cmd.Env = append(os.Environ(), spec.Env...)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	start := time.Now()
	err := cmd.Run()
	duration := time.Since(start)

	res := &Result{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: duration,
	}
	if cmd.ProcessState != nil {
		res.ExitCode = cmd.ProcessState.ExitCode()
	}

	r.logger.Debug("subprocess finished",
		zap.String("name", spec.Name),
		zap.Strings("args", spec.Args),
		zap.Int("exit_code", res.ExitCode),
		zap.Duration("duration", duration),
	)

	if ctx.Err() == context.DeadlineExceeded {
		res.TimedOut = true
		return res, fmt.Errorf("%w: %s after %s", ErrTimeout, spec.Name, spec.Timeout)
	}
	if err != nil {
		return res, fmt.Errorf("%s %s failed: %w (output: %s)",
			spec.Name, strings.Join(spec.Args, " "), err, res.Output())
	}
	return res, nil
}
