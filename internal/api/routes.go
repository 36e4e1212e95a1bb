package api

import (
	"net/http"
	"time"

	"mediafetch/internal/health"
	"mediafetch/internal/observability"
)

// RouterConfig holds dependencies for the router.
type RouterConfig struct {
	Service           Service
	Metrics           *observability.Metrics
	HealthChecker     *health.Checker
	APIKey            string
	StreamIdleTimeout time.Duration
	SubmitRate        float64 // per-identity submissions per second, 0 = unlimited
	TrustProxyHeader  bool    // honor X-Forwarded-For for client identity
}

// NewRouter creates the HTTP router with all routes configured.
func NewRouter(cfg RouterConfig) http.Handler {
	handler := NewHandler(cfg.Service, cfg.HealthChecker, cfg.Metrics, cfg.StreamIdleTimeout, cfg.TrustProxyHeader)

	mux := http.NewServeMux()

	// Probes and the operator summary, no auth required.
	mux.HandleFunc("GET /livez", handler.Livez)
	mux.HandleFunc("GET /readyz", handler.Readyz)
	mux.HandleFunc("GET /health", handler.Health)

	// Job endpoints, auth required.
	auth := AuthMiddleware(cfg.APIKey)
	submitLimit := RateLimitMiddleware(cfg.SubmitRate, cfg.TrustProxyHeader)
	mux.Handle("POST /v1/jobs", auth(submitLimit(http.HandlerFunc(handler.SubmitJob))))
	mux.Handle("GET /v1/jobs", auth(http.HandlerFunc(handler.ListJobs)))
	mux.Handle("GET /v1/jobs/{jobId}", auth(http.HandlerFunc(handler.GetJob)))
	mux.Handle("GET /v1/jobs/{jobId}/progress", auth(http.HandlerFunc(handler.StreamProgress)))
	mux.Handle("GET /v1/jobs/{jobId}/artifact", auth(http.HandlerFunc(handler.DownloadArtifact)))

	// Middleware chain, outermost first.
	var h http.Handler = mux
	h = ContentTypeMiddleware()(h)
	h = CORSMiddleware()(h)
	if cfg.Metrics != nil {
		h = MetricsMiddleware(cfg.Metrics)(h)
	}
	h = LoggingMiddleware()(h)
	h = RecoveryMiddleware()(h)

	return h
}
