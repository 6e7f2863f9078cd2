// Package retry wraps a sandbox execution attempt with bounded retries and
// exponential backoff.
//
// Only attempt errors that Classify reports retryable (spawn failures,
// host resource exhaustion, errors wrapped with MarkRetryable) drive
// retries; other attempt errors end the run. Outcomes the attempt produced, including
// timeouts and nonzero exits, are terminal: rerunning a program that ran
// and failed deterministically only wastes the budget.
package retry

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/oriys/pulsar/internal/domain"
	"github.com/oriys/pulsar/internal/logging"
)

// Kind classifies an attempt error for the retry decision.
type Kind int

const (
	// KindUnknown errors are treated as non-retryable by default.
	KindUnknown Kind = iota
	// KindNonRetryable covers timeouts, memory exhaustion, network
	// violations, and deterministic child failures.
	KindNonRetryable
	// KindRetryable covers transient host-level resource exhaustion.
	KindRetryable
)

// retryableError marks an error as worth another attempt.
type retryableError struct {
	err error
}

func (e *retryableError) Error() string { return e.err.Error() }
func (e *retryableError) Unwrap() error { return e.err }

// MarkRetryable wraps err so Classify reports it retryable.
func MarkRetryable(err error) error {
	if err == nil {
		return nil
	}
	return &retryableError{err: err}
}

// Classify maps an attempt error to its retry kind. Errors marked with
// MarkRetryable, host resource exhaustion (EAGAIN, ENOMEM, EMFILE messages)
// and any "spawn child process" error, whatever its cause, are retryable;
// timeouts, network and memory-limit errors are non-retryable; anything
// else is KindUnknown, which Run does not retry.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}
	var re *retryableError
	if errors.As(err, &re) {
		return KindRetryable
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "resource temporarily unavailable"),
		strings.Contains(msg, "cannot allocate memory"),
		strings.Contains(msg, "too many open files"),
		strings.Contains(msg, "spawn child process"):
		return KindRetryable
	case strings.Contains(msg, "timed out"),
		strings.Contains(msg, "network"),
		strings.Contains(msg, "memory limit"):
		return KindNonRetryable
	default:
		return KindUnknown
	}
}

// Attempt runs one execution try. It returns either a terminal outcome or
// an error describing why no outcome was produced.
type Attempt func(ctx context.Context) (domain.ExecutionOutcome, error)

// Coordinator retries failed attempts with exponential backoff.
type Coordinator struct {
	maxRetries int
	sleep      func(ctx context.Context, d time.Duration) error
}

// Option configures a Coordinator.
type Option func(*Coordinator)

// WithSleeper overrides the inter-attempt sleep, for tests.
func WithSleeper(sleep func(ctx context.Context, d time.Duration) error) Option {
	return func(c *Coordinator) { c.sleep = sleep }
}

// New creates a coordinator allowing maxRetries additional attempts after
// the initial one.
func New(maxRetries int, opts ...Option) *Coordinator {
	c := &Coordinator{
		maxRetries: maxRetries,
		sleep:      sleepContext,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Backoff returns the sleep before retry i (0-indexed among retries):
// min(2^i, 60) seconds.
func Backoff(i int) time.Duration {
	secs := int64(1) << uint(i)
	if i >= 6 || secs > 60 {
		secs = 60
	}
	return time.Duration(secs) * time.Second
}

// Run executes the attempt, retrying only on retryable errors, up to the
// configured budget. When the budget is exhausted it synthesizes a failed
// outcome carrying the per-attempt error report.
func (c *Coordinator) Run(ctx context.Context, requestID string, attempt Attempt) (domain.ExecutionOutcome, error) {
	var reports []string
	log := logging.Op()

	for try := 0; ; try++ {
		outcome, err := attempt(ctx)
		if err == nil {
			return outcome, nil
		}

		kind := Classify(err)
		reports = append(reports, fmt.Sprintf("attempt %d: %v", try+1, err))

		if kind != KindRetryable || try >= c.maxRetries {
			if kind != KindRetryable {
				log.WarnContext(ctx, "attempt error is not retryable",
					"request_id", requestID, "attempt", try+1, "error", err)
			} else {
				log.WarnContext(ctx, "retry budget exhausted",
					"request_id", requestID, "attempts", try+1, "max_retries", c.maxRetries)
			}
			return domain.ExecutionOutcome{
				RequestID: requestID,
				Stderr:    strings.Join(reports, "\n"),
				ExitCode:  domain.TimeoutExitCode,
				Status:    domain.StatusFailed,
			}, nil
		}

		delay := Backoff(try)
		log.InfoContext(ctx, "retrying execution attempt",
			"request_id", requestID, "attempt", try+1, "backoff", delay, "error", err)
		if serr := c.sleep(ctx, delay); serr != nil {
			return domain.ExecutionOutcome{
				RequestID: requestID,
				Stderr:    strings.Join(append(reports, serr.Error()), "\n"),
				ExitCode:  domain.TimeoutExitCode,
				Status:    domain.StatusFailed,
			}, nil
		}
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
