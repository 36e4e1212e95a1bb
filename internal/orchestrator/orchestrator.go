// Package orchestrator ties the fetch pipeline together: it admits
// submissions, owns the job records and progress streams, and runs one
// worker goroutine per admitted job.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"mediafetch/internal/admission"
	"mediafetch/internal/apperrors"
	"mediafetch/internal/cleanup"
	"mediafetch/internal/dispatcher"
	"mediafetch/internal/extractor"
	"mediafetch/internal/job"
	"mediafetch/internal/progress"
)

// cookiesFileName is the per-job file cookie material is written to.
const cookiesFileName = "cookies.txt"

// MetricsRecorder records job lifecycle metrics. May be nil.
type MetricsRecorder interface {
	RecordJobAdmitted(ctx context.Context, mode string)
	RecordJobCompleted(ctx context.Context, mode string, success bool, durationSeconds float64)
	RecordAdmissionRejected(ctx context.Context, reason string)
}

// Config holds orchestrator settings.
type Config struct {
	TempRoot     string        // root for per-job workdirs
	SuccessGrace time.Duration // workdir retention after a successful job
	FailureGrace time.Duration // workdir retention after a failed job
	Source       string        // CloudEvents source for callback payloads
}

// Deps are the orchestrator's collaborators. Dispatcher and Metrics are
// optional.
type Deps struct {
	Store      *job.Store
	Bus        *progress.Bus
	Admission  *admission.Controller
	Cleanup    *cleanup.Scheduler
	Extractor  extractor.Extractor
	Dispatcher dispatcher.Dispatcher
	Metrics    MetricsRecorder
}

// Orchestrator is the composition root for fetch jobs.
type Orchestrator struct {
	store      *job.Store
	bus        *progress.Bus
	admission  *admission.Controller
	cleanup    *cleanup.Scheduler
	extractor  extractor.Extractor
	dispatcher dispatcher.Dispatcher
	metrics    MetricsRecorder
	logger     *slog.Logger
	config     Config

	// ctx is the lifetime of all workers; cancel aborts in-flight
	// extractions during shutdown.
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates an orchestrator.
func New(cfg Config, deps Deps) *Orchestrator {
	if cfg.Source == "" {
		cfg.Source = "/mediafetch"
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		store:      deps.Store,
		bus:        deps.Bus,
		admission:  deps.Admission,
		cleanup:    deps.Cleanup,
		extractor:  deps.Extractor,
		dispatcher: deps.Dispatcher,
		metrics:    deps.Metrics,
		logger:     slog.With("component", "orchestrator"),
		config:     cfg,
		ctx:        ctx,
		cancel:     cancel,
	}
}

// Submit validates and admits a fetch request. On success the job record
// exists, its progress stream is open, and a worker owns it. No resources
// are allocated for requests that fail validation or admission.
func (o *Orchestrator) Submit(ctx context.Context, identity string, req job.Request) (*job.SubmitResponse, error) {
	job.ApplyDefaults(&req)
	if err := job.Validate(&req); err != nil {
		return nil, err
	}

	token, err := o.admission.TryAcquire(ctx, identity)
	if err != nil {
		var appErr *apperrors.Error
		if o.metrics != nil && errors.As(err, &appErr) && appErr.Reason != "" {
			o.metrics.RecordAdmissionRejected(ctx, appErr.Reason)
		}
		return nil, err
	}

	id := uuid.New().String()
	workdir := filepath.Join(o.config.TempRoot, strings.ReplaceAll(id, "-", ""))
	if err := os.MkdirAll(workdir, 0o755); err != nil {
		token.Release()
		return nil, apperrors.Internal("create workdir", err)
	}

	cookiesFile := ""
	if req.Cookies != "" {
		cookiesFile = filepath.Join(workdir, cookiesFileName)
		if err := os.WriteFile(cookiesFile, []byte(req.Cookies), 0o600); err != nil {
			token.Release()
			o.cleanup.Schedule(workdir, 0)
			return nil, apperrors.Internal("write cookies", err)
		}
	}

	j := job.Job{
		ID:        id,
		URL:       req.URL,
		Mode:      req.Mode,
		Status:    job.StatusQueued,
		CreatedAt: time.Now().UTC(),
		Owner:     identity,
		Workdir:   workdir,
	}
	o.store.Create(j)
	o.bus.Open(id)
	o.bus.Publish(id, job.NewEvent(j))

	if o.metrics != nil {
		o.metrics.RecordJobAdmitted(ctx, string(req.Mode))
	}
	o.logger.Info("Job admitted",
		"jobId", id,
		"mode", req.Mode,
		"identity", identity,
	)

	o.wg.Add(1)
	go o.runJob(token, j, req.Format, cookiesFile, req.Callback)

	return &job.SubmitResponse{ID: id, Status: job.StatusQueued}, nil
}

// Get returns a job snapshot.
func (o *Orchestrator) Get(id string) (job.Job, error) {
	j, ok := o.store.Get(id)
	if !ok {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	return j, nil
}

// List returns snapshots of all jobs, newest first.
func (o *Orchestrator) List() []job.Job {
	return o.store.List()
}

// Subscribe attaches a consumer to a job's progress stream.
func (o *Orchestrator) Subscribe(jobID string) (*progress.Subscription, error) {
	return o.bus.Subscribe(jobID)
}

// Artifact returns the job whose artifact should be served. It fails with
// not-found unless the job is done and the file is still on disk.
func (o *Orchestrator) Artifact(id string) (job.Job, error) {
	j, ok := o.store.Get(id)
	if !ok {
		return job.Job{}, apperrors.NotFound("job", id)
	}
	if j.Status != job.StatusDone || j.ArtifactPath == "" {
		return job.Job{}, apperrors.NotFound("artifact", id)
	}
	if _, err := os.Stat(j.ArtifactPath); err != nil {
		return job.Job{}, apperrors.NotFound("artifact", id)
	}
	return j, nil
}

// Ready reports whether new jobs can be accepted.
func (o *Orchestrator) Ready(ctx context.Context) error {
	return o.extractor.Available(ctx)
}

// Capacity returns the global concurrency limit.
func (o *Orchestrator) Capacity() int {
	return o.admission.Capacity()
}

// Close aborts in-flight extractions and waits for workers to finish their
// terminal bookkeeping, bounded by the context deadline.
func (o *Orchestrator) Close(ctx context.Context) error {
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("workers still running: %w", ctx.Err())
	}
}
