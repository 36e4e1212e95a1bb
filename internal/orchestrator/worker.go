package orchestrator

import (
	"fmt"
	"math"
	"os"
	"time"

	"mediafetch/internal/admission"
	"mediafetch/internal/dispatcher"
	"mediafetch/internal/extractor"
	"mediafetch/internal/job"
)

// runJob drives one admitted job to a terminal state. It owns the record:
// nothing else mutates the job after admission.
func (o *Orchestrator) runJob(token *admission.Token, j job.Job, format, cookiesFile string, callback *job.Callback) {
	defer o.wg.Done()
	defer token.Release()

	start := time.Now()
	logger := o.logger.With("jobId", j.ID)

	o.transition(j.ID, job.StatusDownloading, nil)

	result, err := o.extractor.Extract(o.ctx, extractor.Request{
		URL:         j.URL,
		OutputDir:   j.Workdir,
		Mode:        j.Mode,
		Format:      format,
		CookiesFile: cookiesFile,
	}, func(u extractor.ProgressUpdate) {
		o.reportProgress(j, u)
	})

	if err != nil {
		logger.Warn("Fetch failed", "error", err, "duration", time.Since(start))
		o.finish(token, j, start, "", "", err.Error(), callback)
		return
	}

	// The extractor's word is not enough: the artifact must be on disk.
	if _, statErr := os.Stat(result.ArtifactPath); statErr != nil {
		logger.Error("Artifact missing after successful extraction",
			"path", result.ArtifactPath,
			"error", statErr,
		)
		o.finish(token, j, start, "", "", "artifact missing after extraction", callback)
		return
	}

	logger.Info("Fetch complete",
		"title", result.Title,
		"duration", time.Since(start),
	)
	o.finish(token, j, start, result.ArtifactPath, result.Title, "", callback)
}

// reportProgress maps an extractor callback onto the job record and stream.
func (o *Orchestrator) reportProgress(j job.Job, u extractor.ProgressUpdate) {
	switch u.Phase {
	case extractor.PhaseDownloading:
		dp := job.DownloadProgress{Percent: percent(u.DownloadedBytes, u.TotalBytes)}
		if u.ETA > 0 {
			dp.ETASeconds = int(u.ETA.Seconds())
		}
		if u.BytesPerSecond > 0 {
			dp.Speed = fmt.Sprintf("%.1fMB/s", u.BytesPerSecond/(1024*1024))
		}
		o.updateProgress(j.ID, job.Progress{Download: &dp})

	case extractor.PhaseFinished:
		// Audio jobs convert to mp3 after the transfer; video jobs go
		// straight to done when Extract returns.
		if j.Mode == job.ModeAudio {
			o.transition(j.ID, job.StatusPostprocessing, &job.Progress{
				Postprocess: &job.PostprocessProgress{Text: "converting to mp3"},
			})
		}
	}
}

// finish applies the terminal state and its side effects: token release,
// delayed workdir reclaim, final event, metrics, and the optional callback.
func (o *Orchestrator) finish(token *admission.Token, j job.Job, start time.Time, artifactPath, title, errMsg string, callback *job.Callback) {
	token.Release()

	success := errMsg == ""
	// Terminal snapshots carry no progress; the tagged union empties once
	// the transfer phases are over.
	patch := job.Patch{Progress: &job.Progress{}}
	if success {
		patch.Status = statusPtr(job.StatusDone)
		patch.ArtifactPath = &artifactPath
		if title != "" {
			patch.Title = &title
		}
	} else {
		patch.Status = statusPtr(job.StatusError)
		patch.ErrorMessage = &errMsg
	}
	o.store.Update(j.ID, patch)

	grace := o.config.FailureGrace
	if success {
		grace = o.config.SuccessGrace
	}
	o.cleanup.Schedule(j.Workdir, grace)

	final, ok := o.store.Get(j.ID)
	if !ok {
		return
	}
	o.bus.Publish(j.ID, job.NewEvent(final))

	if o.metrics != nil {
		o.metrics.RecordJobCompleted(o.ctx, string(j.Mode), success, time.Since(start).Seconds())
	}

	if callback != nil && callback.URL != "" && o.dispatcher != nil {
		ev := &dispatcher.Event{
			Payload:     job.TerminalCloudEvent(final, o.config.Source),
			Destination: callback.URL,
			SigningKey:  callback.Key,
		}
		if err := o.dispatcher.Dispatch(ev); err != nil {
			o.logger.Warn("Callback not queued", "jobId", j.ID, "error", err)
		}
	}
}

// transition moves a job to a new status and publishes the change.
func (o *Orchestrator) transition(id string, status job.Status, p *job.Progress) {
	patch := job.Patch{Status: &status}
	if p != nil {
		patch.Progress = p
	}
	o.store.Update(id, patch)
	if j, ok := o.store.Get(id); ok {
		o.bus.Publish(id, job.NewEvent(j))
	}
}

// updateProgress records new progress without a status change.
func (o *Orchestrator) updateProgress(id string, p job.Progress) {
	o.store.Update(id, job.Patch{Progress: &p})
	if j, ok := o.store.Get(id); ok {
		o.bus.Publish(id, job.NewEvent(j))
	}
}

// percent is the rounded download percentage, 0 when the total is unknown.
func percent(downloaded, total int64) float64 {
	if total <= 0 {
		return 0
	}
	return math.Round(float64(downloaded)/float64(total)*10000) / 100
}

func statusPtr(s job.Status) *job.Status { return &s }
