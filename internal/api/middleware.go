package api

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/oriys/pulsar/internal/logging"
	"github.com/oriys/pulsar/internal/metrics"
)

// correlationHeader carries the request correlation id in both directions.
const correlationHeader = "X-Request-ID"

// correlationMiddleware adopts the caller's correlation id or mints one,
// threads it through the request context, and echoes it in the response.
func correlationMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get(correlationHeader)
		if id == "" {
			id = uuid.New().String()
		}
		w.Header().Set(correlationHeader, id)
		ctx := logging.WithRequestID(r.Context(), id)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// statusRecorder captures the response code for the metrics middleware.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// metricsMiddleware records per-endpoint request counts and latency.
func metricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		next.ServeHTTP(rec, r)
		metrics.RecordRequest(r.URL.Path, strconv.Itoa(rec.status), time.Since(start))
	})
}

// inflightTracker accounts in-flight executions. Readers tolerate stale
// values; the mutex only guards the map itself.
type inflightTracker struct {
	mu      sync.Mutex
	entries map[string]bool
}

func newInflightTracker() *inflightTracker {
	return &inflightTracker{entries: make(map[string]bool)}
}

func (t *inflightTracker) enter(requestID string) {
	t.mu.Lock()
	t.entries[requestID] = true
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetActiveExecutions(n)
}

func (t *inflightTracker) exit(requestID string) {
	t.mu.Lock()
	delete(t.entries, requestID)
	n := len(t.entries)
	t.mu.Unlock()
	metrics.SetActiveExecutions(n)
}

func (t *inflightTracker) count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
