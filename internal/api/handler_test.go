package api

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"mediafetch/internal/apperrors"
	"mediafetch/internal/health"
	"mediafetch/internal/job"
	"mediafetch/internal/observability"
	"mediafetch/internal/progress"
	"mediafetch/internal/testutil"
)

type fakeService struct {
	jobs     map[string]job.Job
	bus      *progress.Bus
	submit   func(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error)
	readyErr error
}

func newFakeService() *fakeService {
	return &fakeService{
		jobs: make(map[string]job.Job),
		bus:  progress.NewBus(progress.DefaultBufferSize),
		submit: func(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error) {
			job.ApplyDefaults(&req)
			if err := job.Validate(&req); err != nil {
				return nil, err
			}
			return &job.SubmitResponse{ID: "job-1", Status: job.StatusQueued}, nil
		},
	}
}

func (f *fakeService) Submit(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error) {
	return f.submit(ctx, identity, req)
}

func (f *fakeService) Get(id string) (job.Job, error) {
	j, ok := f.jobs[id]
	if !ok {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	return j, nil
}

func (f *fakeService) List() []job.Job {
	out := make([]job.Job, 0, len(f.jobs))
	for _, j := range f.jobs {
		out = append(out, j)
	}
	return out
}

func (f *fakeService) Subscribe(jobID string) (*progress.Subscription, error) {
	return f.bus.Subscribe(jobID)
}

func (f *fakeService) Artifact(id string) (job.Job, error) {
	j, ok := f.jobs[id]
	if !ok || j.Status != job.StatusDone {
		return job.Job{}, apperrors.NotFound("artifact", id)
	}
	if _, err := os.Stat(j.ArtifactPath); err != nil {
		return job.Job{}, apperrors.NotFound("artifact", id)
	}
	return j, nil
}

func (f *fakeService) Ready(ctx context.Context) error { return f.readyErr }
func (f *fakeService) Capacity() int                   { return 3 }

func newTestRouter(svc *fakeService, opts ...func(*RouterConfig)) http.Handler {
	cfg := RouterConfig{
		Service:       svc,
		HealthChecker: health.NewChecker(svc),
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	return NewRouter(cfg)
}

func TestSubmitJob(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService())

	body := `{"url":"https://example.com/watch?v=abc","mode":"video"}`
	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp job.SubmitResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid response body: %v", err)
	}
	if resp.ID == "" || resp.Status != job.StatusQueued {
		t.Errorf("unexpected response %+v", resp)
	}
}

func TestSubmitJobInvalidBody(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("{not json"))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitJobMissingURL(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"mode":"video"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected 400, got %d", rec.Code)
	}
}

func TestSubmitJobAdmissionRejected(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.submit = func(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error) {
		return nil, apperrors.Rejected("busy", "a fetch for this client is already running")
	}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"url":"https://example.com/v"}`))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("expected 429, got %d", rec.Code)
	}
}

func TestSubmitJobWrongContentType(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService())

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader("url=x"))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnsupportedMediaType {
		t.Errorf("expected 415, got %d", rec.Code)
	}
}

func TestSubmitJobIdentityFromForwardedFor(t *testing.T) {
	t.Parallel()

	var gotIdentity string
	svc := newFakeService()
	svc.submit = func(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error) {
		gotIdentity = identity
		return &job.SubmitResponse{ID: "job-1", Status: job.StatusQueued}, nil
	}
	router := newTestRouter(svc, func(cfg *RouterConfig) {
		cfg.TrustProxyHeader = true
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"url":"https://example.com/v"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.1.2.3, 172.16.0.1")
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if gotIdentity != "10.1.2.3" {
		t.Errorf("expected identity from first forwarded hop, got %q", gotIdentity)
	}
}

func TestSubmitJobIgnoresForwardedForByDefault(t *testing.T) {
	t.Parallel()

	var gotIdentity string
	svc := newFakeService()
	svc.submit = func(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error) {
		gotIdentity = identity
		return &job.SubmitResponse{ID: "job-1", Status: job.StatusQueued}, nil
	}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"url":"https://example.com/v"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", "10.1.2.3")
	req.RemoteAddr = "192.0.2.7:4567"
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if gotIdentity != "192.0.2.7" {
		t.Errorf("expected remote address identity without a trusted proxy, got %q", gotIdentity)
	}
}

func TestAuth(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService(), func(cfg *RouterConfig) {
		cfg.APIKey = "sekrit"
	})

	tests := []struct {
		name   string
		header string
		want   int
	}{
		{"missing header", "", http.StatusUnauthorized},
		{"malformed header", "sekrit", http.StatusUnauthorized},
		{"wrong key", "Bearer nope", http.StatusUnauthorized},
		{"correct key", "Bearer sekrit", http.StatusOK},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			router.ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Errorf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestProbesSkipAuth(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService(), func(cfg *RouterConfig) {
		cfg.APIKey = "sekrit"
	})

	for _, path := range []string{"/livez", "/readyz", "/health"} {
		req := httptest.NewRequest(http.MethodGet, path, nil)
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		if rec.Code == http.StatusUnauthorized {
			t.Errorf("expected %s to skip auth", path)
		}
	}
}

func TestGetJob(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.jobs["abc"] = job.Job{ID: "abc", URL: "https://example.com/v", Mode: job.ModeVideo, Status: job.StatusDownloading}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/abc", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var j job.Job
	if err := json.Unmarshal(rec.Body.Bytes(), &j); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if j.ID != "abc" || j.Status != job.StatusDownloading {
		t.Errorf("unexpected job %+v", j)
	}

	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/missing", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for unknown job, got %d", rec.Code)
	}
}

func TestListJobs(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.jobs["a"] = job.Job{ID: "a", Status: job.StatusQueued}
	svc.jobs["b"] = job.Job{ID: "b", Status: job.StatusDone}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp job.ListResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if len(resp.Jobs) != 2 {
		t.Errorf("expected 2 jobs, got %d", len(resp.Jobs))
	}
}

// readSSE collects decoded events from an SSE response until the stream
// ends or maxEvents arrive.
func readSSE(t *testing.T, body *bufio.Scanner, maxEvents int) []job.Event {
	t.Helper()
	var events []job.Event
	for body.Scan() {
		line := body.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var ev job.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("invalid SSE payload %q: %v", line, err)
		}
		events = append(events, ev)
		if len(events) >= maxEvents {
			break
		}
	}
	return events
}

func TestStreamProgress(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.bus.Open("job-1")
	server := httptest.NewServer(newTestRouter(svc))
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/jobs/job-1/progress")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	if ct := resp.Header.Get("Content-Type"); ct != "text/event-stream" {
		t.Fatalf("expected text/event-stream, got %q", ct)
	}

	j := job.Job{ID: "job-1", Status: job.StatusDownloading, Progress: job.Progress{
		Download: &job.DownloadProgress{Percent: 40},
	}}
	svc.bus.Publish("job-1", job.NewEvent(j))
	j.Status = job.StatusDone
	j.Progress = job.Progress{}
	svc.bus.Publish("job-1", job.NewEvent(j))

	events := readSSE(t, bufio.NewScanner(resp.Body), 2)
	if len(events) != 2 {
		t.Fatalf("expected 2 events, got %d", len(events))
	}
	if events[0].Status != job.StatusDownloading || events[0].Progress == nil {
		t.Errorf("unexpected first event %+v", events[0])
	}
	if events[1].Status != job.StatusDone {
		t.Errorf("unexpected terminal event %+v", events[1])
	}

	// Stream must end after the terminal event.
	extra := readSSE(t, bufio.NewScanner(resp.Body), 1)
	if len(extra) != 0 {
		t.Errorf("expected stream to end after terminal event, got %+v", extra)
	}
}

func TestStreamProgressKeepAlive(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.bus.Open("job-1")
	server := httptest.NewServer(newTestRouter(svc, func(cfg *RouterConfig) {
		cfg.StreamIdleTimeout = 50 * time.Millisecond
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/jobs/job-1/progress")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	events := readSSE(t, bufio.NewScanner(resp.Body), 1)
	if len(events) != 1 || !events[0].KeepAlive {
		t.Errorf("expected a keep-alive event on an idle stream, got %+v", events)
	}
}

func TestStreamProgressSubscriberGauge(t *testing.T) {
	t.Parallel()

	metrics, metricsHandler, err := observability.NewMetrics(context.Background())
	if err != nil {
		t.Fatalf("failed to create metrics: %v", err)
	}
	gauge := func() (string, bool) {
		rec := httptest.NewRecorder()
		metricsHandler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
		for _, line := range strings.Split(rec.Body.String(), "\n") {
			if strings.HasPrefix(line, "progress_stream_subscribers") {
				fields := strings.Fields(line)
				return fields[len(fields)-1], true
			}
		}
		return "", false
	}

	svc := newFakeService()
	svc.bus.Open("job-1")
	server := httptest.NewServer(newTestRouter(svc, func(cfg *RouterConfig) {
		cfg.Metrics = metrics
	}))
	defer server.Close()

	resp, err := http.Get(server.URL + "/v1/jobs/job-1/progress")
	if err != nil {
		t.Fatalf("stream request failed: %v", err)
	}
	defer resp.Body.Close()

	j := job.Job{ID: "job-1", Status: job.StatusDownloading}
	svc.bus.Publish("job-1", job.NewEvent(j))
	scanner := bufio.NewScanner(resp.Body)
	if events := readSSE(t, scanner, 1); len(events) != 1 {
		t.Fatalf("expected a streamed event, got %d", len(events))
	}

	if v, ok := gauge(); !ok || v != "1" {
		t.Errorf("expected one open stream subscription, got %q (present=%v)", v, ok)
	}

	j.Status = job.StatusDone
	svc.bus.Publish("job-1", job.NewEvent(j))
	readSSE(t, scanner, 1)

	testutil.MustWaitFor(t, func() bool {
		v, ok := gauge()
		return ok && v == "0"
	}, testutil.WithTimeout(2*time.Second))
}

func TestStreamProgressUnknownJob(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService())

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/nope/progress", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404, got %d", rec.Code)
	}
}

func TestDownloadArtifact(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "clip.mp4")
	if err := os.WriteFile(path, []byte("media-bytes"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := newFakeService()
	svc.jobs["done-video"] = job.Job{ID: "done-video", Mode: job.ModeVideo, Status: job.StatusDone, Title: "My Clip", ArtifactPath: path}
	svc.jobs["running"] = job.Job{ID: "running", Mode: job.ModeVideo, Status: job.StatusDownloading}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/done-video/artifact", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "video/mp4" {
		t.Errorf("expected video/mp4, got %q", ct)
	}
	if cd := rec.Header().Get("Content-Disposition"); !strings.Contains(cd, `filename="My Clip.mp4"`) {
		t.Errorf("unexpected disposition %q", cd)
	}
	if !bytes.Equal(rec.Body.Bytes(), []byte("media-bytes")) {
		t.Error("artifact bytes not served")
	}

	// Non-terminal job yields 404.
	req = httptest.NewRequest(http.MethodGet, "/v1/jobs/running/artifact", nil)
	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, req)
	if rec.Code != http.StatusNotFound {
		t.Errorf("expected 404 for running job, got %d", rec.Code)
	}
}

func TestDownloadArtifactAudioContentType(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	path := filepath.Join(dir, "song.mp3")
	if err := os.WriteFile(path, []byte("audio"), 0o644); err != nil {
		t.Fatal(err)
	}

	svc := newFakeService()
	svc.jobs["done-audio"] = job.Job{ID: "done-audio", Mode: job.ModeAudio, Status: job.StatusDone, ArtifactPath: path}
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/v1/jobs/done-audio/artifact", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	if ct := rec.Header().Get("Content-Type"); ct != "audio/mpeg" {
		t.Errorf("expected audio/mpeg, got %q", ct)
	}
}

func TestHealthSummary(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService())

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var body map[string]any
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("invalid body: %v", err)
	}
	if body["ok"] != true || body["extractor_available"] != true {
		t.Errorf("unexpected health body %v", body)
	}
	if body["max_concurrent"] != float64(3) {
		t.Errorf("unexpected max_concurrent %v", body["max_concurrent"])
	}
}

func TestReadyzUnavailableExtractor(t *testing.T) {
	t.Parallel()

	svc := newFakeService()
	svc.readyErr = context.DeadlineExceeded
	router := newTestRouter(svc)

	req := httptest.NewRequest(http.MethodGet, "/readyz", nil)
	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusServiceUnavailable {
		t.Errorf("expected 503, got %d", rec.Code)
	}
}

func TestSubmitRateLimit(t *testing.T) {
	t.Parallel()

	router := newTestRouter(newFakeService(), func(cfg *RouterConfig) {
		cfg.SubmitRate = 1
	})

	send := func() int {
		req := httptest.NewRequest(http.MethodPost, "/v1/jobs", strings.NewReader(`{"url":"https://example.com/v"}`))
		req.Header.Set("Content-Type", "application/json")
		req.RemoteAddr = "10.0.0.9:1234"
		rec := httptest.NewRecorder()
		router.ServeHTTP(rec, req)
		return rec.Code
	}

	if code := send(); code != http.StatusAccepted {
		t.Fatalf("expected first submit accepted, got %d", code)
	}
	if code := send(); code != http.StatusTooManyRequests {
		t.Errorf("expected second submit rate limited, got %d", code)
	}
}

func TestSanitizeFilename(t *testing.T) {
	t.Parallel()

	tests := []struct {
		in   string
		want string
	}{
		{"clip.mp4", "clip.mp4"},
		{`bad"quote.mp4`, "bad_quote.mp4"},
		{"new\nline.mp4", "new_line.mp4"},
		{"path/slash.mp4", "path_slash.mp4"},
		{"  ", "artifact"},
		{"..", "artifact"},
	}
	for _, tt := range tests {
		if got := sanitizeFilename(tt.in); got != tt.want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
