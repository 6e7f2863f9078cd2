// Package api exposes the synchronous HTTP surface: query synthesis,
// snippet execution, heavy job creation, history queries, and the
// operational probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/pulsar/internal/classifier"
	"github.com/oriys/pulsar/internal/domain"
	"github.com/oriys/pulsar/internal/kubejob"
	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
	"github.com/oriys/pulsar/internal/observability"
	"github.com/oriys/pulsar/internal/orchestrator"
	"github.com/oriys/pulsar/internal/retry"
	"github.com/oriys/pulsar/internal/store"
)

// Version reported by the health endpoint.
const Version = "1.0.0"

// QueryOrchestrator runs the synthesis flow.
type QueryOrchestrator interface {
	Execute(ctx context.Context, query string, maxRetries int) (orchestrator.State, error)
}

// SandboxExecutor runs lightweight code.
type SandboxExecutor interface {
	Execute(ctx context.Context, code, requestID string, timeout time.Duration) (domain.ExecutionOutcome, error)
}

// JobManager submits heavy code to the cluster.
type JobManager interface {
	CreateJob(ctx context.Context, req kubejob.JobRequest) (domain.JobHandle, error)
	Ping(ctx context.Context) error
}

// HistoryStore persists and serves execution history.
type HistoryStore interface {
	Insert(ctx context.Context, rec *domain.HistoryRecord) error
	GetByRequestID(ctx context.Context, requestID string) (*domain.HistoryRecord, error)
	List(ctx context.Context, opts store.ListOptions) ([]*domain.HistoryRecord, int, error)
	Ping(ctx context.Context) error
}

// Pinger checks a downstream collaborator for the readiness probe.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Handler serves the execution API. Optional collaborators may be nil;
// the affected endpoints then degrade explicitly (503 for heavy jobs,
// readiness reports the gap).
type Handler struct {
	Orchestrator QueryOrchestrator
	Sandbox      SandboxExecutor
	Jobs         JobManager
	History      HistoryStore
	Bus          Pinger
	ServiceName  string
	MaxRetries   int // default correction budget for /query
	Retrier      *retry.Coordinator

	inflight *inflightTracker
}

// NewHandler wires the handler with an inflight tracker.
func NewHandler() *Handler {
	return &Handler{inflight: newInflightTracker()}
}

// RegisterRoutes attaches all endpoints to the mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	if h.inflight == nil {
		h.inflight = newInflightTracker()
	}
	mux.HandleFunc("POST /api/v1/query", h.SubmitQuery)
	mux.HandleFunc("POST /api/v1/execute_snippet", h.ExecuteSnippet)
	mux.HandleFunc("POST /api/v1/create_heavy_job", h.CreateHeavyJob)
	mux.HandleFunc("GET /api/v1/health", h.Health)
	mux.HandleFunc("GET /api/v1/ready", h.Ready)
	mux.HandleFunc("GET /api/v1/job_history", h.ListJobHistory)
	mux.HandleFunc("GET /api/v1/job_history/{requestId}", h.GetJobHistory)
	mux.Handle("GET /metrics", metrics.Handler())
}

// Middleware wraps the mux with correlation and metrics middleware plus
// tracing.
func Middleware(next http.Handler) http.Handler {
	return observability.HTTPMiddleware(correlationMiddleware(metricsMiddleware(next)))
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

type queryRequest struct {
	Query      string `json:"query"`
	Timeout    int    `json:"timeout,omitempty"`
	MaxRetries int    `json:"max_retries,omitempty"`
}

type executionResult struct {
	ValidationPassed   bool     `json:"validation_passed"`
	ValidationErrors   []string `json:"validation_errors"`
	ValidationWarnings []string `json:"validation_warnings"`
	Classification     string   `json:"classification,omitempty"`
	Stdout             string   `json:"stdout,omitempty"`
	Stderr             string   `json:"stderr,omitempty"`
	ExitCode           *int     `json:"exit_code,omitempty"`
	DurationMs         int64    `json:"duration_ms,omitempty"`
	ExecutionStatus    string   `json:"execution_status,omitempty"`
	JobID              string   `json:"job_id,omitempty"`
}

type queryResponse struct {
	RequestID          string          `json:"request_id"`
	GeneratedCode      string          `json:"generated_code"`
	ExecutionResult    executionResult `json:"execution_result"`
	Status             string          `json:"status"`
	Classification     string          `json:"classification,omitempty"`
	ValidationAttempts int             `json:"validation_attempts"`
}

// SubmitQuery drives a natural-language query through generation,
// validation, classification, and execution.
func (h *Handler) SubmitQuery(w http.ResponseWriter, r *http.Request) {
	var req queryRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Query == "" {
		writeError(w, http.StatusBadRequest, "query must not be empty")
		return
	}
	maxRetries := req.MaxRetries
	if maxRetries == 0 {
		maxRetries = h.MaxRetries
	}
	if maxRetries < 1 || maxRetries > 10 {
		writeError(w, http.StatusBadRequest, "max_retries must be in [1, 10]")
		return
	}

	requestID := "req-" + uuid.New().String()
	ctx := logging.WithRequestID(r.Context(), requestID)
	ctx, span := observability.StartSpan(ctx, "query",
		observability.AttrRequestID.String(requestID))
	defer span.End()

	h.inflight.enter(requestID)
	defer h.inflight.exit(requestID)

	state, err := h.Orchestrator.Execute(ctx, req.Query, maxRetries)
	if err != nil {
		logging.Op().ErrorContext(ctx, "orchestration failed", "error", err)
		observability.SetSpanError(span, err)
		writeError(w, http.StatusInternalServerError, "code generation failed")
		return
	}

	resp := queryResponse{
		RequestID:          requestID,
		GeneratedCode:      state.Code,
		Status:             string(state.Status),
		ValidationAttempts: state.Attempts,
	}
	if state.Verdict != nil {
		resp.ExecutionResult.ValidationPassed = state.Verdict.OK
		resp.ExecutionResult.ValidationErrors = state.Verdict.Errors
		resp.ExecutionResult.ValidationWarnings = state.Verdict.Warnings
	}

	if state.Status != orchestrator.StatusRouted {
		writeJSON(w, http.StatusOK, resp)
		return
	}

	resp.Classification = string(state.Tag)
	resp.ExecutionResult.Classification = string(state.Tag)
	span.SetAttributes(observability.AttrClassification.String(string(state.Tag)))

	timeout := time.Duration(req.Timeout) * time.Second
	switch state.Tag {
	case classifier.Heavy:
		h.routeHeavyQuery(ctx, state, requestID, &resp)
	default:
		h.runLightweightQuery(ctx, state, requestID, timeout, &resp)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) runLightweightQuery(ctx context.Context, state orchestrator.State, requestID string, timeout time.Duration, resp *queryResponse) {
	outcome, err := h.executeWithRetries(ctx, state.Code, requestID, timeout)
	if err != nil {
		logging.Op().ErrorContext(ctx, "sandbox execution failed", "error", err)
		resp.Status = string(domain.StatusFailed)
		resp.ExecutionResult.ExecutionStatus = string(domain.StatusFailed)
		resp.ExecutionResult.Stderr = err.Error()
		return
	}
	code := outcome.ExitCode
	resp.ExecutionResult.Stdout = outcome.Stdout
	resp.ExecutionResult.Stderr = outcome.Stderr
	resp.ExecutionResult.ExitCode = &code
	resp.ExecutionResult.DurationMs = outcome.DurationMs
	resp.ExecutionResult.ExecutionStatus = string(outcome.Status)
	resp.Status = string(outcome.Status)

	h.persist(ctx, &domain.HistoryRecord{
		RequestID:      requestID,
		Status:         string(outcome.Status),
		Code:           state.Code,
		Stdout:         outcome.Stdout,
		Stderr:         outcome.Stderr,
		ExitCode:       outcome.ExitCode,
		DurationMs:     outcome.DurationMs,
		Classification: string(classifier.Lightweight),
	})
}

func (h *Handler) routeHeavyQuery(ctx context.Context, state orchestrator.State, requestID string, resp *queryResponse) {
	if h.Jobs == nil {
		resp.Status = string(domain.StatusPending)
		resp.ExecutionResult.ExecutionStatus = string(domain.StatusPending)
		return
	}
	handle, err := h.Jobs.CreateJob(ctx, kubejob.JobRequest{
		RequestID: requestID,
		Code:      state.Code,
		Limits:    domain.DefaultLimits(),
	})
	if err != nil {
		logging.Op().ErrorContext(ctx, "heavy job creation failed", "error", err)
		resp.Status = string(domain.StatusFailed)
		resp.ExecutionResult.ExecutionStatus = string(domain.StatusFailed)
		resp.ExecutionResult.Stderr = err.Error()
		return
	}
	resp.Status = string(domain.StatusPending)
	resp.ExecutionResult.ExecutionStatus = string(domain.StatusPending)
	resp.ExecutionResult.JobID = handle.JobID

	h.persist(ctx, &domain.HistoryRecord{
		RequestID:      requestID,
		Status:         string(domain.StatusPending),
		Code:           state.Code,
		Classification: string(classifier.Heavy),
	})
}

func (h *Handler) executeWithRetries(ctx context.Context, code, requestID string, timeout time.Duration) (domain.ExecutionOutcome, error) {
	attempt := func(ctx context.Context) (domain.ExecutionOutcome, error) {
		return h.Sandbox.Execute(ctx, code, requestID, timeout)
	}
	if h.Retrier == nil {
		return attempt(ctx)
	}
	return h.Retrier.Run(ctx, requestID, attempt)
}

// persist records history best-effort: failures are logged and swallowed
// so persistence never breaks the primary response.
func (h *Handler) persist(ctx context.Context, rec *domain.HistoryRecord) {
	if h.History == nil {
		return
	}
	if rec.ResourceUsage == nil {
		rec.ResourceUsage = map[string]any{}
	}
	if err := h.History.Insert(ctx, rec); err != nil {
		logging.Op().WarnContext(ctx, "failed to persist history record",
			"request_id", rec.RequestID, "error", err)
	}
}

type executeSnippetRequest struct {
	Code      string `json:"code"`
	Timeout   int    `json:"timeout"`
	RequestID string `json:"request_id,omitempty"`
}

type executeSnippetResponse struct {
	RequestID  string `json:"request_id"`
	Stdout     string `json:"stdout"`
	Stderr     string `json:"stderr"`
	ExitCode   int    `json:"exit_code"`
	DurationMs int64  `json:"duration_ms"`
	Status     string `json:"status"`
}

// ExecuteSnippet runs a caller-supplied snippet in the sandbox.
func (h *Handler) ExecuteSnippet(w http.ResponseWriter, r *http.Request) {
	var req executeSnippetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Timeout == 0 {
		req.Timeout = 30
	}
	if req.RequestID == "" {
		req.RequestID = "req-" + uuid.New().String()
	}
	exec := domain.ExecutionRequest{
		RequestID:      req.RequestID,
		Code:           req.Code,
		TimeoutSeconds: req.Timeout,
	}
	if err := exec.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := logging.WithRequestID(r.Context(), req.RequestID)
	ctx, span := observability.StartSpan(ctx, "execute_snippet",
		observability.AttrRequestID.String(req.RequestID))
	defer span.End()

	h.inflight.enter(req.RequestID)
	defer h.inflight.exit(req.RequestID)

	outcome, err := h.executeWithRetries(ctx, req.Code, req.RequestID,
		time.Duration(req.Timeout)*time.Second)
	if err != nil {
		logging.Op().ErrorContext(ctx, "snippet execution failed", "error", err)
		observability.SetSpanError(span, err)
		writeError(w, http.StatusInternalServerError, "execution failed: "+err.Error())
		return
	}
	span.SetAttributes(observability.AttrDurationMs.Int64(outcome.DurationMs))

	h.persist(ctx, &domain.HistoryRecord{
		RequestID:      req.RequestID,
		Status:         string(outcome.Status),
		Code:           req.Code,
		Stdout:         outcome.Stdout,
		Stderr:         outcome.Stderr,
		ExitCode:       outcome.ExitCode,
		DurationMs:     outcome.DurationMs,
		Classification: string(classifier.Classify(req.Code)),
	})

	writeJSON(w, http.StatusOK, executeSnippetResponse{
		RequestID:  outcome.RequestID,
		Stdout:     outcome.Stdout,
		Stderr:     outcome.Stderr,
		ExitCode:   outcome.ExitCode,
		DurationMs: outcome.DurationMs,
		Status:     string(outcome.Status),
	})
}

type createHeavyJobRequest struct {
	Code           string                  `json:"code"`
	RequestID      string                  `json:"request_id,omitempty"`
	ResourceLimits *domain.ExecutionLimits `json:"resource_limits,omitempty"`
}

type createHeavyJobResponse struct {
	JobID     string `json:"job_id"`
	Status    string `json:"status"`
	CreatedAt string `json:"created_at"`
}

// CreateHeavyJob submits code directly as a cluster job.
func (h *Handler) CreateHeavyJob(w http.ResponseWriter, r *http.Request) {
	if h.Jobs == nil {
		writeError(w, http.StatusServiceUnavailable, "kubernetes job manager not initialized")
		return
	}
	var req createHeavyJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Code == "" {
		writeError(w, http.StatusBadRequest, "code must not be empty")
		return
	}
	if req.RequestID == "" {
		req.RequestID = "req-" + uuid.New().String()
	}
	limits := domain.DefaultLimits()
	if req.ResourceLimits != nil {
		limits = *req.ResourceLimits
	}
	if err := limits.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx := logging.WithRequestID(r.Context(), req.RequestID)
	ctx, span := observability.StartSpan(ctx, "create_heavy_job",
		observability.AttrRequestID.String(req.RequestID))
	defer span.End()

	handle, err := h.Jobs.CreateJob(ctx, kubejob.JobRequest{
		RequestID: req.RequestID,
		Code:      req.Code,
		Limits:    limits,
	})
	if err != nil {
		logging.Op().ErrorContext(ctx, "job creation failed", "error", err)
		observability.SetSpanError(span, err)
		writeError(w, http.StatusInternalServerError, "job creation failed")
		return
	}
	span.SetAttributes(observability.AttrJobID.String(handle.JobID))

	h.persist(ctx, &domain.HistoryRecord{
		RequestID:      req.RequestID,
		Status:         string(domain.StatusPending),
		Code:           req.Code,
		Classification: string(classifier.Heavy),
	})

	writeJSON(w, http.StatusOK, createHeavyJobResponse{
		JobID:     handle.JobID,
		Status:    handle.Status,
		CreatedAt: handle.CreatedAt.UTC().Format(time.RFC3339),
	})
}

// Health reports liveness and the in-flight execution count.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":            "healthy",
		"active_executions": h.inflight.count(),
		"service_name":      h.ServiceName,
		"version":           Version,
	})
}

// Ready probes downstream collaborators. Absent collaborators are
// reported but do not fail readiness; failing ones do.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	checks := map[string]string{}
	ready := true
	probe := func(name string, p Pinger) {
		if err := p.Ping(ctx); err != nil {
			checks[name] = fmt.Sprintf("unreachable: %v", err)
			ready = false
			return
		}
		checks[name] = "ok"
	}
	if h.History != nil {
		probe("database", h.History)
	} else {
		checks["database"] = "not configured"
	}
	if h.Jobs != nil {
		probe("kubernetes", h.Jobs)
	} else {
		checks["kubernetes"] = "not configured"
	}
	if h.Bus != nil {
		probe("bus", h.Bus)
	} else {
		checks["bus"] = "not configured"
	}

	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]any{
		"ready":        ready,
		"service_name": h.ServiceName,
		"checks":       checks,
	})
}

// ListJobHistory serves paginated history records.
func (h *Handler) ListJobHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}
	q := r.URL.Query()
	limit, _ := strconv.Atoi(q.Get("limit"))
	offset, _ := strconv.Atoi(q.Get("offset"))
	opts := store.ListOptions{
		Limit:          limit,
		Offset:         offset,
		StatusFilter:   q.Get("statusFilter"),
		OrderBy:        q.Get("orderBy"),
		OrderDirection: q.Get("orderDirection"),
	}
	records, total, err := h.History.List(r.Context(), opts)
	if err != nil {
		logging.Op().ErrorContext(r.Context(), "history query failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history query failed")
		return
	}
	if records == nil {
		records = []*domain.HistoryRecord{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"total":   total,
		"limit":   opts.Limit,
		"offset":  opts.Offset,
		"records": records,
	})
}

// GetJobHistory serves a single record by request id.
func (h *Handler) GetJobHistory(w http.ResponseWriter, r *http.Request) {
	if h.History == nil {
		writeError(w, http.StatusServiceUnavailable, "history store not initialized")
		return
	}
	requestID := r.PathValue("requestId")
	rec, err := h.History.GetByRequestID(r.Context(), requestID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no record for request "+requestID)
		return
	}
	if err != nil {
		logging.Op().ErrorContext(r.Context(), "history lookup failed", "error", err)
		writeError(w, http.StatusInternalServerError, "history lookup failed")
		return
	}
	writeJSON(w, http.StatusOK, rec)
}
