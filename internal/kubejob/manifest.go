package kubejob

import (
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

// jobIDPrefix is prepended to every derived job name.
const jobIDPrefix = "heavy-executor-"

// Manifest types cover exactly the batch/v1 Job fields the platform sets.

type jobManifest struct {
	APIVersion string      `yaml:"apiVersion"`
	Kind       string      `yaml:"kind"`
	Metadata   objectMeta  `yaml:"metadata"`
	Spec       jobSpec     `yaml:"spec"`
}

type objectMeta struct {
	Name      string            `yaml:"name"`
	Namespace string            `yaml:"namespace,omitempty"`
	Labels    map[string]string `yaml:"labels,omitempty"`
}

type jobSpec struct {
	BackoffLimit            int             `yaml:"backoffLimit"`
	TTLSecondsAfterFinished int             `yaml:"ttlSecondsAfterFinished"`
	Template                podTemplateSpec `yaml:"template"`
}

type podTemplateSpec struct {
	Metadata objectMeta `yaml:"metadata"`
	Spec     podSpec    `yaml:"spec"`
}

type podSpec struct {
	RestartPolicy string      `yaml:"restartPolicy"`
	Containers    []container `yaml:"containers"`
}

type container struct {
	Name            string               `yaml:"name"`
	Image           string               `yaml:"image"`
	ImagePullPolicy string               `yaml:"imagePullPolicy"`
	Env             []envVar             `yaml:"env"`
	Resources       resourceRequirements `yaml:"resources"`
	SecurityContext securityContext      `yaml:"securityContext"`
	Lifecycle       lifecycle            `yaml:"lifecycle"`
}

type envVar struct {
	Name  string `yaml:"name"`
	Value string `yaml:"value"`
}

type resourceRequirements struct {
	Limits   map[string]string `yaml:"limits"`
	Requests map[string]string `yaml:"requests"`
}

type securityContext struct {
	RunAsNonRoot             bool  `yaml:"runAsNonRoot"`
	RunAsUser                int64 `yaml:"runAsUser"`
	ReadOnlyRootFilesystem   bool  `yaml:"readOnlyRootFilesystem"`
	AllowPrivilegeEscalation bool  `yaml:"allowPrivilegeEscalation"`
}

type lifecycle struct {
	PreStop handler `yaml:"preStop"`
}

type handler struct {
	Exec execAction `yaml:"exec"`
}

type execAction struct {
	Command []string `yaml:"command"`
}

// DeriveJobID turns a request id into a valid Kubernetes job name: keep
// only lowercase alphanumerics and hyphens, force an alphanumeric first
// character, truncate to 48 characters (63 minus the prefix length), then
// prepend the fixed prefix.
// The result always matches [a-z0-9]([-a-z0-9]*[a-z0-9])? and stays
// within the 63-character resource name limit.
func DeriveJobID(requestID string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(requestID) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') || r == '-' {
			b.WriteRune(r)
		}
	}
	clean := b.String()
	if clean == "" || clean[0] == '-' {
		clean = "job-" + clean
	}
	// Leave room for the prefix so the full name stays within the
	// 63-character resource name limit.
	if max := 63 - len(jobIDPrefix); len(clean) > max {
		clean = clean[:max]
	}
	clean = strings.TrimRight(clean, "-")
	return jobIDPrefix + clean
}

// sanitizeLabelValue keeps a string usable as a Kubernetes label value.
func sanitizeLabelValue(s string) string {
	var b strings.Builder
	for _, r := range s {
		if (r >= 'a' && r <= 'z') || (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') || r == '-' || r == '_' || r == '.' {
			b.WriteRune(r)
		} else {
			b.WriteRune('-')
		}
	}
	out := strings.Trim(b.String(), "-_.")
	if len(out) > 63 {
		out = out[:63]
	}
	return out
}

// buildManifest renders the Job manifest for a heavy execution request.
func (m *Manager) buildManifest(jobID string, req JobRequest) ([]byte, error) {
	labels := map[string]string{
		"app":        "heavy-executor",
		"request-id": sanitizeLabelValue(req.RequestID),
		"component":  "job-runner",
	}

	job := jobManifest{
		APIVersion: "batch/v1",
		Kind:       "Job",
		Metadata: objectMeta{
			Name:      jobID,
			Namespace: m.cfg.Namespace,
			Labels:    labels,
		},
		Spec: jobSpec{
			BackoffLimit:            0,
			TTLSecondsAfterFinished: m.cfg.TTLSeconds,
			Template: podTemplateSpec{
				Metadata: objectMeta{Labels: labels},
				Spec: podSpec{
					RestartPolicy: "Never",
					Containers: []container{{
						Name:            "executor",
						Image:           m.cfg.Image,
						ImagePullPolicy: "IfNotPresent",
						Env: []envVar{
							{Name: "CODE", Value: req.Code},
							{Name: "REQUEST_ID", Value: req.RequestID},
							{Name: "TIMEOUT", Value: strconv.Itoa(req.Limits.TimeoutSeconds)},
						},
						Resources: resourceRequirements{
							Limits: map[string]string{
								"cpu":    req.Limits.CPULimit,
								"memory": req.Limits.MemoryLimit,
							},
							Requests: map[string]string{
								"cpu":    req.Limits.CPURequest,
								"memory": req.Limits.MemoryRequest,
							},
						},
						SecurityContext: securityContext{
							RunAsNonRoot:             true,
							RunAsUser:                1000,
							ReadOnlyRootFilesystem:   true,
							AllowPrivilegeEscalation: false,
						},
						Lifecycle: lifecycle{
							PreStop: handler{
								Exec: execAction{
									Command: []string{"/bin/sh", "-c", "echo 'Graceful shutdown initiated'"},
								},
							},
						},
					}},
				},
			},
		},
	}

	return yaml.Marshal(job)
}
