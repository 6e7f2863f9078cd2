package kubejob

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"
	"testing"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/oriys/pulsar/internal/domain"
)

var jobNameRe = regexp.MustCompile(`^[a-z0-9]([-a-z0-9]*[a-z0-9])?$`)

func TestDeriveJobID(t *testing.T) {
	tests := []struct {
		name      string
		requestID string
		want      string
	}{
		{"plain", "req-123", "heavy-executor-req-123"},
		{"uppercase folded", "REQ-ABC", "heavy-executor-req-abc"},
		{"specials stripped", "req_1@2#3", "heavy-executor-req123"},
		{"leading hyphen padded", "-abc", "heavy-executor-job--abc"},
		{"empty padded", "", "heavy-executor-job"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := DeriveJobID(tt.requestID); got != tt.want {
				t.Fatalf("DeriveJobID(%q) = %q, want %q", tt.requestID, got, tt.want)
			}
		})
	}
}

func TestDeriveJobIDProperties(t *testing.T) {
	inputs := []string{
		"simple", "UPPER", "with spaces and $ymbols!",
		strings.Repeat("x", 200), strings.Repeat("-", 80),
		"ends-with-hyphen-", "0numeric-start", "юникод-id",
	}
	for _, in := range inputs {
		got := DeriveJobID(in)
		if len(got) > 63 {
			t.Fatalf("DeriveJobID(%q) = %q exceeds 63 chars", in, got)
		}
		if !jobNameRe.MatchString(got) {
			t.Fatalf("DeriveJobID(%q) = %q is not a valid resource name", in, got)
		}
		if !strings.HasPrefix(got, jobIDPrefix) {
			t.Fatalf("DeriveJobID(%q) = %q missing prefix", in, got)
		}
	}
}

func testConfig() *Config {
	return &Config{
		Namespace:     "executor-ns",
		Image:         "heavy-executor:v2",
		TTLSeconds:    1800,
		MaxJobRetries: 3,
		PollInterval:  time.Millisecond,
		KubectlPath:   "kubectl",
	}
}

func TestBuildManifestFidelity(t *testing.T) {
	m := newManagerWithRunner(testConfig(), nil)
	req := JobRequest{
		RequestID: "req-42",
		Code:      "import polars\nresult = 1",
		Limits: domain.ExecutionLimits{
			CPULimit:       "4",
			CPURequest:     "2",
			MemoryLimit:    "8Gi",
			MemoryRequest:  "4Gi",
			TimeoutSeconds: 600,
		},
	}
	raw, err := m.buildManifest(DeriveJobID(req.RequestID), req)
	if err != nil {
		t.Fatalf("build manifest: %v", err)
	}

	var job jobManifest
	if err := yaml.Unmarshal(raw, &job); err != nil {
		t.Fatalf("manifest is not valid YAML: %v", err)
	}

	if job.APIVersion != "batch/v1" || job.Kind != "Job" {
		t.Fatalf("wrong kind: %s/%s", job.APIVersion, job.Kind)
	}
	if job.Metadata.Name != "heavy-executor-req-42" || job.Metadata.Namespace != "executor-ns" {
		t.Fatalf("metadata = %+v", job.Metadata)
	}
	for _, key := range []string{"app", "request-id", "component"} {
		if job.Metadata.Labels[key] == "" {
			t.Fatalf("label %s missing", key)
		}
	}
	if job.Spec.BackoffLimit != 0 {
		t.Fatalf("backoffLimit = %d, want 0", job.Spec.BackoffLimit)
	}
	if job.Spec.TTLSecondsAfterFinished != 1800 {
		t.Fatalf("ttl = %d, want 1800", job.Spec.TTLSecondsAfterFinished)
	}
	pod := job.Spec.Template.Spec
	if pod.RestartPolicy != "Never" {
		t.Fatalf("restartPolicy = %s", pod.RestartPolicy)
	}
	if len(pod.Containers) != 1 {
		t.Fatalf("containers = %d", len(pod.Containers))
	}
	c := pod.Containers[0]
	if c.Image != "heavy-executor:v2" {
		t.Fatalf("image = %s", c.Image)
	}
	env := map[string]string{}
	for _, e := range c.Env {
		env[e.Name] = e.Value
	}
	if env["CODE"] != req.Code || env["REQUEST_ID"] != "req-42" || env["TIMEOUT"] != "600" {
		t.Fatalf("env = %v", env)
	}
	if c.Resources.Limits["cpu"] != "4" || c.Resources.Limits["memory"] != "8Gi" ||
		c.Resources.Requests["cpu"] != "2" || c.Resources.Requests["memory"] != "4Gi" {
		t.Fatalf("resources = %+v", c.Resources)
	}
	sc := c.SecurityContext
	if !sc.RunAsNonRoot || sc.RunAsUser != 1000 || !sc.ReadOnlyRootFilesystem || sc.AllowPrivilegeEscalation {
		t.Fatalf("security context = %+v", sc)
	}
	if len(c.Lifecycle.PreStop.Exec.Command) == 0 {
		t.Fatal("preStop hook missing")
	}
}

// fakeRunner scripts kubectl responses per verb.
type fakeRunner struct {
	applies   []string
	deletes   []string
	getOutput []string // successive `get job -o json` bodies
	getErr    error
	applyErr  error
	getCalls  int
}

func (f *fakeRunner) run(ctx context.Context, stdin string, args ...string) ([]byte, error) {
	switch args[0] {
	case "apply":
		f.applies = append(f.applies, stdin)
		return nil, f.applyErr
	case "delete":
		f.deletes = append(f.deletes, args[2])
		return nil, nil
	case "get":
		if f.getErr != nil {
			return nil, f.getErr
		}
		i := f.getCalls
		if i >= len(f.getOutput) {
			i = len(f.getOutput) - 1
		}
		f.getCalls++
		return []byte(f.getOutput[i]), nil
	case "version":
		return []byte("clientVersion: {}"), nil
	}
	return nil, fmt.Errorf("unexpected kubectl %v", args)
}

func TestCreateJobSubmitsManifest(t *testing.T) {
	fake := &fakeRunner{}
	m := newManagerWithRunner(testConfig(), fake)
	handle, err := m.CreateJob(context.Background(), JobRequest{
		RequestID: "r1",
		Code:      "import pandas",
		Limits:    domain.DefaultLimits(),
	})
	if err != nil {
		t.Fatalf("create job: %v", err)
	}
	if handle.JobID != "heavy-executor-r1" || handle.Status != "created" {
		t.Fatalf("handle = %+v", handle)
	}
	if handle.CreatedAt.IsZero() {
		t.Fatal("created_at not set")
	}
	if len(fake.applies) != 1 || !strings.Contains(fake.applies[0], "heavy-executor-r1") {
		t.Fatalf("applies = %v", fake.applies)
	}
}

func TestCreateJobValidatesInput(t *testing.T) {
	m := newManagerWithRunner(testConfig(), &fakeRunner{})
	if _, err := m.CreateJob(context.Background(), JobRequest{RequestID: "r1", Limits: domain.DefaultLimits()}); err == nil {
		t.Fatal("expected error for empty code")
	}
	bad := domain.DefaultLimits()
	bad.TimeoutSeconds = 4000
	if _, err := m.CreateJob(context.Background(), JobRequest{RequestID: "r1", Code: "x=1", Limits: bad}); err == nil {
		t.Fatal("expected error for out-of-range timeout")
	}
}

func TestGetStatusNotFound(t *testing.T) {
	fake := &fakeRunner{getErr: errors.New(`kubectl get: exit status 1: Error from server (NotFound): jobs.batch "x" not found`)}
	m := newManagerWithRunner(testConfig(), fake)
	status, err := m.GetStatus(context.Background(), "heavy-executor-x")
	if err != nil || status != nil {
		t.Fatalf("status=%v err=%v, want nil,nil", status, err)
	}
}

func TestMonitorJobSucceeds(t *testing.T) {
	fake := &fakeRunner{getOutput: []string{
		`{"status":{"active":1}}`,
		`{"status":{"succeeded":1,"completionTime":"2026-01-01T00:00:00Z"}}`,
	}}
	m := newManagerWithRunner(testConfig(), fake)
	res := m.MonitorJob(context.Background(), "heavy-executor-r1", time.Second)
	if res.State != MonitorSucceeded {
		t.Fatalf("state = %s, want success", res.State)
	}
	if len(fake.deletes) != 0 {
		t.Fatalf("successful job must not be deleted by the monitor, got %v", fake.deletes)
	}
}

func TestMonitorJobFailedConditionDeletesJob(t *testing.T) {
	fake := &fakeRunner{getOutput: []string{
		`{"status":{"failed":1,"conditions":[{"type":"Failed","status":"True","reason":"BackoffLimitExceeded","message":"pod failed"}]}}`,
	}}
	m := newManagerWithRunner(testConfig(), fake)
	res := m.MonitorJob(context.Background(), "heavy-executor-r1", time.Second)
	if res.State != MonitorFailed || res.Reason != "BackoffLimitExceeded" {
		t.Fatalf("result = %+v", res)
	}
	if len(fake.deletes) != 1 || fake.deletes[0] != "heavy-executor-r1" {
		t.Fatalf("deletes = %v", fake.deletes)
	}
}

func TestMonitorJobDeadlineExceededCondition(t *testing.T) {
	fake := &fakeRunner{getOutput: []string{
		`{"status":{"conditions":[{"type":"FailureTarget","status":"True","reason":"DeadlineExceeded","message":"job exceeded activeDeadlineSeconds"}]}}`,
	}}
	m := newManagerWithRunner(testConfig(), fake)
	res := m.MonitorJob(context.Background(), "heavy-executor-r1", time.Second)
	if res.State != MonitorFailed || res.Reason != "DeadlineExceeded" {
		t.Fatalf("result = %+v", res)
	}
}

func TestMonitorJobFailureCountThreshold(t *testing.T) {
	fake := &fakeRunner{getOutput: []string{`{"status":{"failed":3}}`}}
	m := newManagerWithRunner(testConfig(), fake)
	res := m.MonitorJob(context.Background(), "heavy-executor-r1", time.Second)
	if res.State != MonitorFailed {
		t.Fatalf("result = %+v", res)
	}
}

func TestMonitorJobTimeout(t *testing.T) {
	fake := &fakeRunner{getOutput: []string{`{"status":{"active":1}}`}}
	m := newManagerWithRunner(testConfig(), fake)
	res := m.MonitorJob(context.Background(), "heavy-executor-r1", 20*time.Millisecond)
	if res.State != MonitorTimeout {
		t.Fatalf("state = %s, want timeout", res.State)
	}
	// Monitor expiry must not cancel the remote job.
	if len(fake.deletes) != 0 {
		t.Fatalf("deletes = %v, want none on monitor timeout", fake.deletes)
	}
}

func TestMonitorJobAPIError(t *testing.T) {
	fake := &fakeRunner{getErr: errors.New("connection refused")}
	m := newManagerWithRunner(testConfig(), fake)
	res := m.MonitorJob(context.Background(), "heavy-executor-r1", time.Second)
	if res.State != MonitorError {
		t.Fatalf("state = %s, want error", res.State)
	}
}
