package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/djlord-it/certpipe/internal/domain"
	"github.com/djlord-it/certpipe/internal/metrics"
	"github.com/djlord-it/certpipe/internal/tracker"
)

// Route labels for MetricsSink.HTTPRequest. Paths with IDs collapse to a template.
const (
	RouteHealth      = "/health"
	RouteProgress    = "/progress"
	RouteGetProgress = "/progress/{learner_id}/{course_id}"
	RouteNotFound    = "not_found"
)

// Tracker is the progress tracker as seen by the HTTP surface.
type Tracker interface {
	RecordProgress(ctx context.Context, u tracker.Update) (tracker.Result, error)
	GetProgress(ctx context.Context, learnerID, courseID string) (domain.ProgressRecord, error)
}

// HealthChecker provides dependency health status for the /health endpoint.
type HealthChecker interface {
	PingContext(ctx context.Context) error
}

// HealthCheckFunc adapts a function to HealthChecker.
type HealthCheckFunc func(ctx context.Context) error

func (f HealthCheckFunc) PingContext(ctx context.Context) error { return f(ctx) }

// MetricsSink defines the interface for recording HTTP metrics.
// All methods must be non-blocking and fire-and-forget.
type MetricsSink interface {
	HTTPRequest(route, statusClass string, d time.Duration)
}

type Handler struct {
	tracker Tracker
	checks  map[string]HealthChecker
	metrics MetricsSink // optional, nil = disabled
	logger  *slog.Logger
}

func NewHandler(t Tracker) *Handler {
	return &Handler{
		tracker: t,
		checks:  make(map[string]HealthChecker),
		logger:  slog.Default(),
	}
}

// WithHealthCheck registers a named dependency for verbose /health responses.
func (h *Handler) WithHealthCheck(name string, c HealthChecker) *Handler {
	h.checks[name] = c
	return h
}

// WithMetrics attaches a metrics sink to the handler.
func (h *Handler) WithMetrics(sink MetricsSink) *Handler {
	h.metrics = sink
	return h
}

func (h *Handler) WithLogger(logger *slog.Logger) *Handler {
	h.logger = logger
	return h
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}

	route := h.route(rec, r)

	if h.metrics != nil {
		h.metrics.HTTPRequest(route, metrics.ClassifyStatus(rec.status), time.Since(start))
	}
}

func (h *Handler) route(w http.ResponseWriter, r *http.Request) string {
	path := r.URL.Path

	switch {
	case path == "/health" && r.Method == http.MethodGet:
		h.health(w, r)
		return RouteHealth

	case path == "/progress" && r.Method == http.MethodPost:
		h.recordProgress(w, r)
		return RouteProgress

	case strings.HasPrefix(path, "/progress/") && r.Method == http.MethodGet:
		h.getProgress(w, r)
		return RouteGetProgress

	default:
		writeError(w, http.StatusNotFound, "not found")
		return RouteNotFound
	}
}

// HealthResponse represents the /health endpoint response.
type HealthResponse struct {
	Status     string            `json:"status"`
	Components map[string]string `json:"components,omitempty"`
}

func (h *Handler) health(w http.ResponseWriter, r *http.Request) {
	// Check if verbose mode requested via ?verbose=true
	verbose := r.URL.Query().Get("verbose") == "true"

	if !verbose || len(h.checks) == 0 {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	resp := HealthResponse{
		Status:     "ok",
		Components: make(map[string]string, len(h.checks)),
	}

	ctx, cancel := context.WithTimeout(r.Context(), 3*time.Second)
	defer cancel()

	names := make([]string, 0, len(h.checks))
	for name := range h.checks {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		if err := h.checks[name].PingContext(ctx); err != nil {
			resp.Status = "degraded"
			resp.Components[name] = "unhealthy: " + err.Error()
		} else {
			resp.Components[name] = "healthy"
		}
	}

	statusCode := http.StatusOK
	if resp.Status == "degraded" {
		statusCode = http.StatusServiceUnavailable
	}

	writeJSON(w, statusCode, resp)
}

// maxRequestBodySize is the maximum allowed request body size (64KB).
const maxRequestBodySize = 64 << 10

func (h *Handler) recordProgress(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req ProgressRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
			return
		}
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}

	if err := validateProgressRequest(req); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	update := tracker.Update{
		LearnerID: req.LearnerID,
		CourseID:  req.CourseID,
		Percent:   req.Percent,
		Email:     req.Email,
	}
	if req.UpdatedAt != nil {
		update.At = *req.UpdatedAt
	}

	result, err := h.tracker.RecordProgress(r.Context(), update)
	if err != nil {
		h.writeTrackerError(w, "record progress", err)
		return
	}

	status := http.StatusOK
	if result.Status == tracker.StatusDegraded {
		// Stored, but the completion is left for the reconciler.
		status = http.StatusAccepted
	}
	writeJSON(w, status, ProgressResponse{
		Status:              string(result.Status),
		Applied:             result.Applied,
		CompletionPublished: result.CompletionPublished,
		PublishError:        result.PublishError,
	})
}

func (h *Handler) getProgress(w http.ResponseWriter, r *http.Request) {
	// Extract IDs from path: /progress/{learner_id}/{course_id}
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "progress" || parts[1] == "" || parts[2] == "" {
		writeError(w, http.StatusNotFound, "not found")
		return
	}

	rec, err := h.tracker.GetProgress(r.Context(), parts[1], parts[2])
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			writeError(w, http.StatusNotFound, "progress not found")
			return
		}
		h.writeTrackerError(w, "get progress", err)
		return
	}

	writeJSON(w, http.StatusOK, ProgressRecordResponse{
		LearnerID: rec.LearnerID,
		CourseID:  rec.CourseID,
		Percent:   rec.Percent,
		Completed: rec.Completed(),
		UpdatedAt: formatTime(rec.UpdatedAt),
	})
}

// writeTrackerError maps tracker errors: validation 400, transient 503, anything else 500.
func (h *Handler) writeTrackerError(w http.ResponseWriter, op string, err error) {
	switch {
	case domain.IsValidation(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case isTransientDependency(err):
		h.logger.Warn("api: dependency unavailable", "op", op, "error", err)
		writeError(w, http.StatusServiceUnavailable, "temporarily unavailable")
	default:
		h.logger.Error("api: request failed", "op", op, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func isTransientDependency(err error) bool {
	var de *domain.DependencyError
	return errors.As(err, &de) && de.Kind == domain.Transient
}

// statusRecorder captures the status code written by a handler.
type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("api: json encode error", "error", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg})
}
