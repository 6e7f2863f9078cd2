// Package domain holds the shared types that flow between the orchestrator,
// the executors, the job manager, and the persistence layer.
package domain

import (
	"errors"
	"fmt"
	"time"
)

// ExecutionStatus is the terminal (or in-flight) state of an execution.
type ExecutionStatus string

const (
	StatusPending ExecutionStatus = "pending"
	StatusRunning ExecutionStatus = "running"
	StatusSuccess ExecutionStatus = "success"
	StatusFailed  ExecutionStatus = "failed"
	StatusTimeout ExecutionStatus = "timeout"
)

// TimeoutExitCode is reserved for timeouts and synthesized failure
// outcomes; child exit codes are propagated unmodified otherwise.
const TimeoutExitCode = -1

// ExecutionOutcome is the result of running a program, produced by the
// sandbox executor or the heavy job runner.
type ExecutionOutcome struct {
	RequestID  string          `json:"request_id"`
	Stdout     string          `json:"stdout"`
	Stderr     string          `json:"stderr"`
	ExitCode   int             `json:"exit_code"`
	DurationMs int64           `json:"duration_ms"`
	Status     ExecutionStatus `json:"status"`
}

// ExecutionLimits bounds a heavy job's resources. Requests must not exceed
// limits componentwise.
type ExecutionLimits struct {
	CPULimit       string `json:"cpu_limit"`
	CPURequest     string `json:"cpu_request"`
	MemoryLimit    string `json:"memory_limit"`
	MemoryRequest  string `json:"memory_request"`
	DiskLimit      string `json:"disk_limit,omitempty"`
	TimeoutSeconds int    `json:"timeout_seconds"`
}

// DefaultLimits returns the standard resource envelope for heavy jobs.
func DefaultLimits() ExecutionLimits {
	return ExecutionLimits{
		CPULimit:       "4",
		CPURequest:     "2",
		MemoryLimit:    "8Gi",
		MemoryRequest:  "4Gi",
		DiskLimit:      "10Gi",
		TimeoutSeconds: 300,
	}
}

// Validate checks the heavy-path timeout bound.
func (l ExecutionLimits) Validate() error {
	if l.TimeoutSeconds <= 0 || l.TimeoutSeconds > 3600 {
		return fmt.Errorf("timeout_seconds must be in (0, 3600], got %d", l.TimeoutSeconds)
	}
	return nil
}

// ExecutionRequest is a request to run a snippet, arriving over HTTP or the
// message bus.
type ExecutionRequest struct {
	RequestID      string           `json:"request_id"`
	Code           string           `json:"code"`
	TimeoutSeconds int              `json:"timeout"`
	MaxRetries     int              `json:"max_retries,omitempty"`
	Limits         *ExecutionLimits `json:"limits,omitempty"`
}

// ErrEmptyCode rejects requests with no program text.
var ErrEmptyCode = errors.New("code must not be empty")

// Validate checks fast-path invariants; the heavy path validates limits
// separately.
func (r ExecutionRequest) Validate() error {
	if r.RequestID == "" {
		return errors.New("request_id must not be empty")
	}
	if r.Code == "" {
		return ErrEmptyCode
	}
	if r.TimeoutSeconds < 1 || r.TimeoutSeconds > 300 {
		return fmt.Errorf("timeout must be in [1, 300] seconds, got %d", r.TimeoutSeconds)
	}
	return nil
}

// JobHandle identifies a submitted cluster job.
type JobHandle struct {
	JobID     string    `json:"job_id"`
	Status    string    `json:"status"`
	CreatedAt time.Time `json:"created_at"`
}

// HistoryRecord is the persisted projection of an execution.
type HistoryRecord struct {
	ID             int64          `json:"id"`
	RequestID      string         `json:"request_id"`
	Timestamp      time.Time      `json:"timestamp"`
	Status         string         `json:"status"`
	Code           string         `json:"code,omitempty"`
	Stdout         string         `json:"stdout,omitempty"`
	Stderr         string         `json:"stderr,omitempty"`
	ExitCode       int            `json:"exit_code"`
	DurationMs     int64          `json:"duration_ms"`
	ResourceUsage  map[string]any `json:"resource_usage,omitempty"`
	Classification string         `json:"classification,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// CompletionEvent is published to the execution-results topic when a heavy
// job finishes.
type CompletionEvent struct {
	RequestID      string `json:"request_id"`
	Status         string `json:"status"`
	ResultLocation string `json:"result_location"`
	DurationMs     int64  `json:"duration_ms"`
	ExitCode       int    `json:"exit_code"`
	Timestamp      string `json:"timestamp"`
}
