// Package extractor defines the media extraction boundary.
//
// An Extractor performs the actual network retrieval and optional format
// conversion for one job. It is invoked as a blocking call from the owning
// worker and reports transfer state through a progress callback. The
// orchestration core treats it as opaque; the production implementation
// lives in the ytdlp subpackage.
package extractor

import (
	"context"
	"time"

	"mediafetch/internal/job"
)

// Phase classifies a progress callback.
type Phase string

const (
	// PhaseDownloading carries byte counts while the transfer is running.
	PhaseDownloading Phase = "downloading"
	// PhaseFinished signals the raw transfer is complete; format conversion
	// may still be pending.
	PhaseFinished Phase = "finished"
)

// ProgressUpdate is one observation of transfer state. TotalBytes is zero
// when the source does not report a size.
type ProgressUpdate struct {
	Phase           Phase
	DownloadedBytes int64
	TotalBytes      int64
	ETA             time.Duration
	BytesPerSecond  float64
}

// ProgressFunc receives progress updates. It is called from the extractor's
// goroutine and must not block.
type ProgressFunc func(ProgressUpdate)

// Request describes one extraction.
type Request struct {
	URL         string
	OutputDir   string // job workdir; the artifact is materialized here
	Mode        job.Mode
	Format      string // optional format selector, extractor-specific
	CookiesFile string // optional path to cookie material, empty if none
}

// Result is a successful extraction.
type Result struct {
	ArtifactPath string
	Title        string
}

// Extractor retrieves remote media into a working directory.
type Extractor interface {
	// Extract runs the full fetch, blocking until the artifact is
	// materialized or an error occurs. The progress callback is invoked
	// zero or more times.
	Extract(ctx context.Context, req Request, progress ProgressFunc) (*Result, error)

	// Available reports whether the extractor can currently perform work.
	Available(ctx context.Context) error
}
