// Package api provides the HTTP API handlers and routing for the arena service.
package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"arena/internal/apperrors"
	"arena/internal/health"
	"arena/internal/job"
	"arena/internal/observability"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultLogTail bounds log responses when the client does not ask for a
// specific tail length.
const defaultLogTail = 500

// Handler contains HTTP handlers for the jobs API
type Handler struct {
	svc     *job.Service
	metrics *observability.Metrics
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, metrics *observability.Metrics, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		metrics: metrics,
		health:  healthChecker,
	}
}

// CreateJob handles POST /v1/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	created, err := h.svc.Submit(r.Context(), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, created)
}

// ListJobs handles GET /v1/jobs
// Query params: status (optional filter), limit (optional)
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = parsed
	}

	jobs, err := h.svc.List(r.Context(), r.URL.Query().Get("status"), limit)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]any{
		"jobs":  jobs,
		"count": len(jobs),
	})
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// DeleteJob handles DELETE /v1/jobs/{jobId} - cancellation.
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	if err := h.svc.Cancel(r.Context(), jobID); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// JobLogs handles GET /v1/jobs/{jobId}/logs
// Query params: tail (optional line count)
func (h *Handler) JobLogs(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	tail := defaultLogTail
	if raw := r.URL.Query().Get("tail"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed <= 0 {
			h.writeError(w, http.StatusBadRequest, "tail must be a positive integer")
			return
		}
		tail = parsed
	}

	log, err := h.svc.Logs(r.Context(), jobID, tail)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, map[string]string{
		"jobId": jobID,
		"log":   log,
	})
}

// JobResult handles GET /v1/jobs/{jobId}/result - downloads the artifact.
func (h *Handler) JobResult(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	path, err := h.svc.Result(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/csv")
	w.Header().Set("Content-Disposition",
		fmt.Sprintf("attachment; filename=%q", jobID+"-submission.csv"))
	http.ServeFile(w, r, path)
}

// GetStats handles GET /v1/stats
func (h *Handler) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.svc.Stats(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, stats)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 200 if the service is ready to accept traffic.
// Returns 503 if dependencies (platform, ledger) are unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
