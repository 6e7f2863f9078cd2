// Package sandbox executes approved lightweight code in an isolated child
// process.
//
// Isolation layers: a fresh temporary working directory per attempt, a
// scrubbed environment containing only the interpreter-control variables,
// full stdout/stderr capture, and a hard deadline enforced by killing the
// child. The child's exit code is propagated unmodified; -1 is reserved
// for timeouts.
package sandbox

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"time"

	"github.com/oriys/pulsar/internal/domain"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// restrictedEnv is the complete child environment: deterministic hashing,
// no bytecode artifacts, unbuffered streams. Nothing from the host
// environment leaks through.
var restrictedEnv = []string{
	"PYTHONHASHSEED=0",
	"PYTHONDONTWRITEBYTECODE=1",
	"PYTHONUNBUFFERED=1",
}

const defaultTimeout = 30 * time.Second

// Executor runs code snippets in child processes.
type Executor struct {
	interpreter    string
	defaultTimeout time.Duration
	lane           string
}

// Option configures an Executor.
type Option func(*Executor)

// WithInterpreter overrides the interpreter binary (default "python3").
func WithInterpreter(path string) Option {
	return func(e *Executor) { e.interpreter = path }
}

// WithDefaultTimeout overrides the timeout used when a request carries none.
func WithDefaultTimeout(d time.Duration) Option {
	return func(e *Executor) { e.defaultTimeout = d }
}

// WithLane overrides the execution lane label on metrics (default
// "lightweight"); the heavy job runner reuses this executor.
func WithLane(lane string) Option {
	return func(e *Executor) { e.lane = lane }
}

// New creates a sandbox executor.
func New(opts ...Option) *Executor {
	e := &Executor{
		interpreter:    "python3",
		defaultTimeout: defaultTimeout,
		lane:           "lightweight",
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// RestrictedEnv returns a copy of the environment passed to children.
func (e *Executor) RestrictedEnv() []string {
	env := make([]string, len(restrictedEnv))
	copy(env, restrictedEnv)
	return env
}

// Execute runs code with the given request id. A zero timeout selects the
// executor default. The returned error is non-nil only when the child
// could not be started or reaped at the host level; timeouts and nonzero
// exits are reported through the outcome status.
func (e *Executor) Execute(ctx context.Context, code, requestID string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	if timeout <= 0 {
		timeout = e.defaultTimeout
	}

	log := logging.Op()
	log.InfoContext(ctx, "starting code execution",
		"request_id", requestID, "timeout", timeout, "code_length", len(code))

	workDir, err := os.MkdirTemp("", "exec_"+sanitizeDirComponent(requestID)+"_")
	if err != nil {
		return domain.ExecutionOutcome{}, fmt.Errorf("create working directory: %w", err)
	}
	defer e.cleanup(ctx, requestID, workDir)

	execCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(execCtx, e.interpreter, "-c", code)
	cmd.Dir = workDir
	cmd.Env = e.RestrictedEnv()
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	cmd.WaitDelay = 2 * time.Second

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return domain.ExecutionOutcome{}, fmt.Errorf("spawn child process: %w", err)
	}
	waitErr := cmd.Wait()
	durationMs := time.Since(start).Milliseconds()
	if durationMs <= 0 {
		durationMs = 1
	}

	outcome := domain.ExecutionOutcome{
		RequestID:  requestID,
		Stdout:     stdout.String(),
		Stderr:     stderr.String(),
		DurationMs: durationMs,
	}

	switch {
	case execCtx.Err() == context.DeadlineExceeded:
		outcome.Status = domain.StatusTimeout
		outcome.ExitCode = domain.TimeoutExitCode
		outcome.Stderr += fmt.Sprintf("\nExecution timed out after %d seconds", int(timeout.Seconds()))
		log.WarnContext(ctx, "code execution timed out",
			"request_id", requestID, "timeout", timeout, "duration_ms", durationMs)
	case waitErr == nil:
		outcome.Status = domain.StatusSuccess
		outcome.ExitCode = 0
	default:
		var exitErr *exec.ExitError
		if errors.As(waitErr, &exitErr) {
			outcome.Status = domain.StatusFailed
			outcome.ExitCode = exitErr.ExitCode()
		} else {
			return domain.ExecutionOutcome{}, fmt.Errorf("reap child process: %w", waitErr)
		}
	}

	metrics.RecordExecution(e.lane, string(outcome.Status), durationMs)
	log.InfoContext(ctx, "code execution completed",
		"request_id", requestID, "status", outcome.Status,
		"exit_code", outcome.ExitCode, "duration_ms", durationMs)
	return outcome, nil
}

// cleanup removes the working directory. Failures are logged and
// swallowed; removing an already-removed directory is a no-op.
func (e *Executor) cleanup(ctx context.Context, requestID, dir string) {
	if err := os.RemoveAll(dir); err != nil {
		logging.Op().ErrorContext(ctx, "failed to clean up working directory",
			"request_id", requestID, "dir", dir, "error", err)
	}
}

// Cleanup removes a sandbox working directory out of band.
func (e *Executor) Cleanup(ctx context.Context, requestID, dir string) {
	e.cleanup(ctx, requestID, dir)
}

// sanitizeDirComponent keeps request ids safe for use in a directory name.
func sanitizeDirComponent(s string) string {
	out := make([]byte, 0, len(s))
	for i := 0; i < len(s); i++ {
		c := s[i]
		if c == '/' || c == '\\' || c == 0 {
			c = '-'
		}
		out = append(out, c)
	}
	return string(out)
}
