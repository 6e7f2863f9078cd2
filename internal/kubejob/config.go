// Package kubejob submits heavy code executions as one-shot Kubernetes
// Jobs and supervises them to completion.
//
// The manager drives the cluster through kubectl with rendered YAML
// manifests and JSON status reads. Orchestrator-level retries are disabled
// (backoffLimit 0, restartPolicy Never): retry policy belongs to this
// system, not the cluster. Completed jobs are reclaimed by the cluster
// after the configured TTL.
package kubejob

import (
	"os"
	"strconv"
	"time"
)

// Config holds cluster job settings.
type Config struct {
	Namespace     string        `json:"namespace"`       // Namespace for heavy executor jobs
	Image         string        `json:"image"`           // Container image for the job runner
	TTLSeconds    int           `json:"ttl_seconds"`     // ttlSecondsAfterFinished on completed jobs
	MaxJobRetries int           `json:"max_job_retries"` // Pod failure count treated as terminal
	PollInterval  time.Duration `json:"poll_interval"`   // Job watch poll interval
	KubectlPath   string        `json:"kubectl_path"`    // kubectl binary (default "kubectl")
}

// DefaultConfig returns sensible defaults, overridable from the
// environment.
func DefaultConfig() *Config {
	cfg := &Config{
		Namespace:     "default",
		Image:         "heavy-executor:latest",
		TTLSeconds:    3600,
		MaxJobRetries: 3,
		PollInterval:  2 * time.Second,
		KubectlPath:   "kubectl",
	}
	if v := os.Getenv("K8S_NAMESPACE"); v != "" {
		cfg.Namespace = v
	}
	if v := os.Getenv("K8S_JOB_IMAGE"); v != "" {
		cfg.Image = v
	}
	if v := os.Getenv("K8S_JOB_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.TTLSeconds = n
		}
	}
	return cfg
}
