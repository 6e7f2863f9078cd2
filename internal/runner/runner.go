// Package runner is the in-container entrypoint for heavy executor jobs.
//
// The cluster injects CODE, REQUEST_ID, and TIMEOUT into the pod's
// environment; the runner executes the code with the same sandbox
// machinery as the fast path, uploads the full result to object storage
// as {requestId}.json, publishes a completion event, and records history.
// Reporting failures never mask the execution result: the pod's exit code
// reflects the child's.
package runner

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/oriys/pulsar/internal/bus"
	"github.com/oriys/pulsar/internal/classifier"
	"github.com/oriys/pulsar/internal/domain"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/sandbox"
	"github.com/oriys/pulsar/internal/store"
)

// Job is the work item decoded from the pod environment.
type Job struct {
	Code           string
	RequestID      string
	TimeoutSeconds int
}

// JobFromEnv reads the job definition the cluster injected.
func JobFromEnv() (Job, error) {
	job := Job{
		Code:      os.Getenv("CODE"),
		RequestID: os.Getenv("REQUEST_ID"),
	}
	if job.Code == "" {
		return job, errors.New("required environment variable CODE is not set")
	}
	if job.RequestID == "" {
		return job, errors.New("required environment variable REQUEST_ID is not set")
	}
	raw := os.Getenv("TIMEOUT")
	if raw == "" {
		job.TimeoutSeconds = 300
		return job, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > 3600 {
		return job, fmt.Errorf("invalid TIMEOUT %q", raw)
	}
	job.TimeoutSeconds = n
	return job, nil
}

// ResultStore uploads the result object and returns its location.
type ResultStore interface {
	PutResult(ctx context.Context, outcome domain.ExecutionOutcome) (string, error)
}

// HistoryRecorder persists the execution record.
type HistoryRecorder interface {
	Insert(ctx context.Context, rec *domain.HistoryRecord) error
	UpdateByRequestID(ctx context.Context, rec *domain.HistoryRecord) error
}

// Runner executes one heavy job and reports its result. Results, Events,
// and History are optional sinks.
type Runner struct {
	Exec    *sandbox.Executor
	Results ResultStore
	Events  bus.Publisher
	History HistoryRecorder
}

// Run executes the job and fans the outcome out to storage, the bus, and
// the history table. Reporting errors are logged and swallowed.
func (r *Runner) Run(ctx context.Context, job Job) domain.ExecutionOutcome {
	ctx = logging.WithRequestID(ctx, job.RequestID)
	log := logging.Op()
	log.InfoContext(ctx, "heavy job starting",
		"timeout", job.TimeoutSeconds, "code_length", len(job.Code))

	outcome, err := r.Exec.Execute(ctx, job.Code, job.RequestID,
		time.Duration(job.TimeoutSeconds)*time.Second)
	if err != nil {
		// The child never ran; synthesize a failed outcome so the report
		// path still fires.
		outcome = domain.ExecutionOutcome{
			RequestID: job.RequestID,
			Stderr:    err.Error(),
			ExitCode:  domain.TimeoutExitCode,
			Status:    domain.StatusFailed,
		}
	}

	location := r.uploadResult(ctx, outcome)
	r.publishCompletion(ctx, outcome, location)
	r.recordHistory(ctx, job, outcome)

	log.InfoContext(ctx, "heavy job finished",
		"status", outcome.Status, "exit_code", outcome.ExitCode, "duration_ms", outcome.DurationMs)
	return outcome
}

func (r *Runner) uploadResult(ctx context.Context, outcome domain.ExecutionOutcome) string {
	if r.Results == nil {
		return ""
	}
	location, err := r.Results.PutResult(ctx, outcome)
	if err != nil {
		logging.Op().ErrorContext(ctx, "failed to upload result", "error", err)
		return ""
	}
	return location
}

func (r *Runner) publishCompletion(ctx context.Context, outcome domain.ExecutionOutcome, location string) {
	if r.Events == nil {
		return
	}
	event := domain.CompletionEvent{
		RequestID:      outcome.RequestID,
		Status:         string(outcome.Status),
		ResultLocation: location,
		DurationMs:     outcome.DurationMs,
		ExitCode:       outcome.ExitCode,
		Timestamp:      time.Now().UTC().Format(time.RFC3339),
	}
	payload, err := json.Marshal(event)
	if err != nil {
		logging.Op().ErrorContext(ctx, "failed to encode completion event", "error", err)
		return
	}
	if err := r.Events.Publish(ctx, payload); err != nil {
		logging.Op().ErrorContext(ctx, "failed to publish completion event", "error", err)
	}
}

func (r *Runner) recordHistory(ctx context.Context, job Job, outcome domain.ExecutionOutcome) {
	if r.History == nil {
		return
	}
	rec := &domain.HistoryRecord{
		RequestID:  outcome.RequestID,
		Status:     string(outcome.Status),
		Code:       job.Code,
		Stdout:     outcome.Stdout,
		Stderr:     outcome.Stderr,
		ExitCode:   outcome.ExitCode,
		DurationMs: outcome.DurationMs,
		ResourceUsage: map[string]any{
			"duration_ms":     outcome.DurationMs,
			"timeout_seconds": job.TimeoutSeconds,
		},
		Classification: string(classifier.Heavy),
	}
	err := r.History.UpdateByRequestID(ctx, rec)
	if errors.Is(err, store.ErrNotFound) {
		err = r.History.Insert(ctx, rec)
	}
	if err != nil {
		logging.Op().WarnContext(ctx, "failed to record job history", "error", err)
	}
}

// ExitCode maps an outcome to the pod's exit code; negative synthetic
// codes collapse to 1 so the cluster sees a plain failure.
func ExitCode(outcome domain.ExecutionOutcome) int {
	if outcome.ExitCode < 0 {
		return 1
	}
	return outcome.ExitCode
}
