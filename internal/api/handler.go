// Package api provides the HTTP handlers and routing for the media-fetch
// service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"path/filepath"
	"strings"
	"time"

	"mediafetch/internal/apperrors"
	"mediafetch/internal/health"
	"mediafetch/internal/job"
	"mediafetch/internal/observability"
	"mediafetch/internal/progress"
)

// maxRequestBodySize bounds submission bodies; cookie material dominates.
const maxRequestBodySize = 1 << 20 // 1 MB

// defaultStreamIdleTimeout is used when the router config leaves it unset.
const defaultStreamIdleTimeout = 60 * time.Second

// Service is the orchestration surface the handlers call into.
type Service interface {
	Submit(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error)
	Get(id string) (job.Job, error)
	List() []job.Job
	Subscribe(jobID string) (*progress.Subscription, error)
	Artifact(id string) (job.Job, error)
	Ready(ctx context.Context) error
	Capacity() int
}

// Handler contains the HTTP handlers for the jobs API.
type Handler struct {
	svc        Service
	health     *health.Checker
	metrics    *observability.Metrics
	streamIdle time.Duration
	trustProxy bool
}

// NewHandler creates an API handler. metrics may be nil.
func NewHandler(svc Service, healthChecker *health.Checker, metrics *observability.Metrics, streamIdle time.Duration, trustProxy bool) *Handler {
	if streamIdle <= 0 {
		streamIdle = defaultStreamIdleTimeout
	}
	return &Handler{
		svc:        svc,
		health:     healthChecker,
		metrics:    metrics,
		streamIdle: streamIdle,
		trustProxy: trustProxy,
	}
}

// SubmitJob handles POST /v1/jobs.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	resp, err := h.svc.Submit(r.Context(), clientIdentity(r, h.trustProxy), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, resp)
}

// ListJobs handles GET /v1/jobs.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, job.ListResponse{Jobs: h.svc.List()})
}

// GetJob handles GET /v1/jobs/{jobId}.
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Get(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// StreamProgress handles GET /v1/jobs/{jobId}/progress as a server-sent
// event stream. One JSON event per message; the stream ends after the
// terminal event. Synthetic keep-alive events are emitted while the job is
// silent so intermediaries don't drop the connection.
func (h *Handler) StreamProgress(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	sub, err := h.svc.Subscribe(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	defer sub.Close()

	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	if h.metrics != nil {
		h.metrics.RecordStreamOpened(r.Context())
		defer h.metrics.RecordStreamClosed(context.WithoutCancel(r.Context()))
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	idle := time.NewTimer(h.streamIdle)
	defer idle.Stop()

	for {
		select {
		case ev, open := <-sub.C:
			if !open {
				return
			}
			if err := writeSSE(w, ev); err != nil {
				return
			}
			flusher.Flush()
			if ev.Terminal() {
				return
			}
			if !idle.Stop() {
				select {
				case <-idle.C:
				default:
				}
			}
			idle.Reset(h.streamIdle)

		case <-idle.C:
			if err := writeSSE(w, job.KeepAliveEvent(jobID)); err != nil {
				return
			}
			flusher.Flush()
			idle.Reset(h.streamIdle)

		case <-r.Context().Done():
			return
		}
	}
}

// DownloadArtifact handles GET /v1/jobs/{jobId}/artifact. It serves the
// finished file with a mode-derived content type; anything short of a done
// job with the file still on disk is a 404.
func (h *Handler) DownloadArtifact(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.svc.Artifact(jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	contentType := "video/mp4"
	if j.Mode == job.ModeAudio {
		contentType = "audio/mpeg"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", `attachment; filename="`+artifactFilename(j)+`"`)

	http.ServeFile(w, r, j.ArtifactPath)
}

// Health handles GET /health, the operator-facing summary.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, map[string]any{
		"ok":                  true,
		"extractor_available": h.svc.Ready(r.Context()) == nil,
		"max_concurrent":      h.svc.Capacity(),
	})
}

// Livez handles GET /livez. Returns 200 when the process is alive; never
// checks dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	h.writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz. Returns 503 when the extractor toolchain is
// unavailable or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeSSE writes one event in text/event-stream framing.
func writeSSE(w http.ResponseWriter, ev job.Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	if _, err := w.Write([]byte("data: ")); err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return err
	}
	_, err = w.Write([]byte("\n\n"))
	return err
}

// artifactFilename derives a safe download filename from the job.
func artifactFilename(j job.Job) string {
	name := filepath.Base(j.ArtifactPath)
	if j.Title != "" {
		name = j.Title + filepath.Ext(j.ArtifactPath)
	}
	return sanitizeFilename(name)
}

// sanitizeFilename strips characters that would break the
// Content-Disposition header or escape the filename context.
func sanitizeFilename(name string) string {
	cleaned := strings.Map(func(r rune) rune {
		switch r {
		case '"', '\\', '/', '\r', '\n', 0:
			return '_'
		}
		if r < 0x20 {
			return '_'
		}
		return r
	}, name)
	cleaned = strings.TrimSpace(cleaned)
	if cleaned == "" || cleaned == "." || cleaned == ".." {
		return "artifact"
	}
	return cleaned
}

// clientIdentity derives the admission identity for a request: the first
// X-Forwarded-For hop when the deployment sits behind a trusted proxy,
// else the remote address. The header is client-controlled, so honoring it
// without a proxy in front would let callers mint fresh identities.
func clientIdentity(r *http.Request, trustProxy bool) string {
	if fwd := r.Header.Get("X-Forwarded-For"); trustProxy && fwd != "" {
		if idx := strings.IndexByte(fwd, ','); idx >= 0 {
			fwd = fwd[:idx]
		}
		return strings.TrimSpace(fwd)
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// writeJSON writes a JSON response.
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response.
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError maps service errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}
