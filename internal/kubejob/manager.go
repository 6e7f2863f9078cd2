package kubejob

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/oriys/pulsar/internal/domain"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// JobRequest carries a heavy execution into the cluster.
type JobRequest struct {
	RequestID string
	Code      string
	Limits    domain.ExecutionLimits
}

// JobStatus is the observed state of a submitted job.
type JobStatus struct {
	JobID          string         `json:"job_id"`
	Active         int            `json:"active"`
	Succeeded      int            `json:"succeeded"`
	Failed         int            `json:"failed"`
	Conditions     []JobCondition `json:"conditions,omitempty"`
	StartTime      string         `json:"start_time,omitempty"`
	CompletionTime string         `json:"completion_time,omitempty"`
}

// JobCondition mirrors the cluster's job condition entries.
type JobCondition struct {
	Type    string `json:"type"`
	Status  string `json:"status"`
	Reason  string `json:"reason,omitempty"`
	Message string `json:"message,omitempty"`
}

// MonitorState is the terminal state of a monitored job.
type MonitorState string

const (
	MonitorSucceeded MonitorState = "success"
	MonitorFailed    MonitorState = "failed"
	MonitorTimeout   MonitorState = "timeout"
	MonitorError     MonitorState = "error"
)

// MonitorResult is the outcome of watching a job to completion.
type MonitorResult struct {
	State   MonitorState `json:"state"`
	Reason  string       `json:"reason,omitempty"`
	Message string       `json:"message,omitempty"`
}

// commandRunner abstracts kubectl invocation; the default shells out.
type commandRunner interface {
	run(ctx context.Context, stdin string, args ...string) ([]byte, error)
}

type execRunner struct {
	kubectl string
}

func (r execRunner) run(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, r.kubectl, args...)
	if stdin != "" {
		cmd.Stdin = strings.NewReader(stdin)
	}
	var out, errOut bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &errOut
	if err := cmd.Run(); err != nil {
		return out.Bytes(), fmt.Errorf("kubectl %s: %w: %s", args[0], err, strings.TrimSpace(errOut.String()))
	}
	return out.Bytes(), nil
}

// Manager creates, inspects, deletes, and supervises heavy executor jobs.
type Manager struct {
	cfg    *Config
	runner commandRunner
}

// NewManager creates a job manager and verifies kubectl is reachable.
func NewManager(cfg *Config) (*Manager, error) {
	m := &Manager{cfg: cfg, runner: execRunner{kubectl: cfg.KubectlPath}}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := m.runner.run(ctx, "", "version", "--client", "--output=yaml"); err != nil {
		return nil, fmt.Errorf("kubectl not available: %w", err)
	}
	return m, nil
}

// newManagerWithRunner wires a fake runner; used by tests.
func newManagerWithRunner(cfg *Config, r commandRunner) *Manager {
	return &Manager{cfg: cfg, runner: r}
}

// Ping checks cluster reachability for the readiness probe.
func (m *Manager) Ping(ctx context.Context) error {
	_, err := m.runner.run(ctx, "", "get", "namespace", m.cfg.Namespace, "--no-headers", "--ignore-not-found")
	return err
}

// CreateJob renders and submits a one-shot job for the request.
func (m *Manager) CreateJob(ctx context.Context, req JobRequest) (domain.JobHandle, error) {
	if req.Code == "" {
		return domain.JobHandle{}, domain.ErrEmptyCode
	}
	if err := req.Limits.Validate(); err != nil {
		return domain.JobHandle{}, err
	}

	jobID := DeriveJobID(req.RequestID)
	manifest, err := m.buildManifest(jobID, req)
	if err != nil {
		return domain.JobHandle{}, fmt.Errorf("render job manifest: %w", err)
	}

	logging.Op().InfoContext(ctx, "creating kubernetes job",
		"request_id", req.RequestID, "job_id", jobID, "namespace", m.cfg.Namespace)

	if _, err := m.runner.run(ctx, string(manifest), "apply", "-n", m.cfg.Namespace, "-f", "-"); err != nil {
		metrics.RecordJobOperation("create", "error")
		return domain.JobHandle{}, fmt.Errorf("submit job %s: %w", jobID, err)
	}

	metrics.RecordJobOperation("create", "ok")
	logging.Op().InfoContext(ctx, "kubernetes job created",
		"request_id", req.RequestID, "job_id", jobID)

	return domain.JobHandle{
		JobID:     jobID,
		Status:    "created",
		CreatedAt: time.Now().UTC(),
	}, nil
}

// jobJSON is the subset of the cluster's job object the manager reads.
type jobJSON struct {
	Status struct {
		Active     int `json:"active"`
		Succeeded  int `json:"succeeded"`
		Failed     int `json:"failed"`
		Conditions []struct {
			Type    string `json:"type"`
			Status  string `json:"status"`
			Reason  string `json:"reason"`
			Message string `json:"message"`
		} `json:"conditions"`
		StartTime      string `json:"startTime"`
		CompletionTime string `json:"completionTime"`
	} `json:"status"`
}

// GetStatus reads the job's current status. A missing job returns
// (nil, nil).
func (m *Manager) GetStatus(ctx context.Context, jobID string) (*JobStatus, error) {
	out, err := m.runner.run(ctx, "", "get", "job", jobID, "-n", m.cfg.Namespace, "-o", "json")
	if err != nil {
		if strings.Contains(err.Error(), "NotFound") || strings.Contains(err.Error(), "not found") {
			return nil, nil
		}
		return nil, fmt.Errorf("get job %s: %w", jobID, err)
	}

	var raw jobJSON
	if err := json.Unmarshal(out, &raw); err != nil {
		return nil, fmt.Errorf("decode job %s status: %w", jobID, err)
	}

	status := &JobStatus{
		JobID:          jobID,
		Active:         raw.Status.Active,
		Succeeded:      raw.Status.Succeeded,
		Failed:         raw.Status.Failed,
		StartTime:      raw.Status.StartTime,
		CompletionTime: raw.Status.CompletionTime,
	}
	for _, c := range raw.Status.Conditions {
		status.Conditions = append(status.Conditions, JobCondition(c))
	}
	return status, nil
}

// DeleteJob removes a job with background propagation so pods are
// reclaimed asynchronously.
func (m *Manager) DeleteJob(ctx context.Context, jobID string) bool {
	_, err := m.runner.run(ctx, "", "delete", "job", jobID,
		"-n", m.cfg.Namespace, "--cascade=background", "--ignore-not-found")
	if err != nil {
		metrics.RecordJobOperation("delete", "error")
		logging.Op().WarnContext(ctx, "failed to delete job", "job_id", jobID, "error", err)
		return false
	}
	metrics.RecordJobOperation("delete", "ok")
	return true
}

// MonitorJob polls the job until it reaches a terminal state or the
// monitor deadline elapses. The deadline does not cancel the remote job;
// cleanup of non-successful jobs is performed here, cleanup after a
// monitor timeout is the caller's decision.
func (m *Manager) MonitorJob(ctx context.Context, jobID string, timeout time.Duration) MonitorResult {
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(m.cfg.PollInterval)
	defer ticker.Stop()

	log := logging.Op()
	for {
		status, err := m.GetStatus(ctx, jobID)
		if err != nil {
			log.ErrorContext(ctx, "job monitor API error", "job_id", jobID, "error", err)
			m.DeleteJob(ctx, jobID)
			return MonitorResult{State: MonitorError, Message: err.Error()}
		}
		if status != nil {
			if result, terminal := evaluateStatus(status, m.cfg.MaxJobRetries); terminal {
				if result.State != MonitorSucceeded {
					log.WarnContext(ctx, "job finished without success",
						"job_id", jobID, "state", result.State, "reason", result.Reason)
					m.DeleteJob(ctx, jobID)
				}
				metrics.RecordJobOperation("monitor", string(result.State))
				return result
			}
		}

		select {
		case <-ctx.Done():
			return MonitorResult{State: MonitorError, Message: ctx.Err().Error()}
		case <-deadline.C:
			log.WarnContext(ctx, "job monitor deadline elapsed", "job_id", jobID, "timeout", timeout)
			metrics.RecordJobOperation("monitor", string(MonitorTimeout))
			return MonitorResult{State: MonitorTimeout}
		case <-ticker.C:
		}
	}
}

// evaluateStatus applies the monitor state machine to one status read.
func evaluateStatus(status *JobStatus, maxJobRetries int) (MonitorResult, bool) {
	if status.Succeeded >= 1 {
		return MonitorResult{State: MonitorSucceeded}, true
	}
	for _, c := range status.Conditions {
		if c.Status != "True" {
			continue
		}
		switch c.Type {
		case "Failed":
			reason := c.Reason
			if reason == "" {
				reason = "Failed"
			}
			return MonitorResult{State: MonitorFailed, Reason: reason, Message: c.Message}, true
		}
		if c.Reason == "DeadlineExceeded" {
			return MonitorResult{State: MonitorFailed, Reason: "DeadlineExceeded", Message: c.Message}, true
		}
	}
	if status.Failed >= maxJobRetries && maxJobRetries > 0 {
		return MonitorResult{State: MonitorFailed, Reason: fmt.Sprintf("pod failures reached %d", status.Failed)}, true
	}
	return MonitorResult{}, false
}
