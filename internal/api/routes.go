package api

import (
	"net/http"

	"github.com/rs/cors"

	"arena/internal/health"
	"arena/internal/job"
	"arena/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	JobService    *job.Service
	Metrics       *observability.Metrics
	HealthChecker *health.Checker
	APIKey        string
}

// NewRouter creates a new HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.JobService, cfg.Metrics, cfg.HealthChecker)

	mux := http.NewServeMux()

	// Health check endpoints (liveness/readiness probes) - no auth required
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)

	// Job endpoints - auth required
	authMiddleware := AuthMiddleware(cfg.APIKey)
	mux.Handle("POST /v1/jobs", authMiddleware(http.HandlerFunc(handler.CreateJob)))
	mux.Handle("GET /v1/jobs", authMiddleware(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.GetJob)))
	mux.Handle("DELETE /v1/jobs/{jobId}", authMiddleware(http.HandlerFunc(handler.DeleteJob)))
	mux.Handle("GET /v1/jobs/{jobId}/logs", authMiddleware(http.HandlerFunc(handler.JobLogs)))
	mux.Handle("GET /v1/jobs/{jobId}/result", authMiddleware(http.HandlerFunc(handler.JobResult)))
	mux.Handle("GET /v1/stats", authMiddleware(http.HandlerFunc(handler.GetStats)))

	// Apply middleware chain (order matters: outermost first)
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = cors.New(cors.Options{
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
