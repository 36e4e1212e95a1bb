// Package ytdlp implements the extraction boundary on top of the yt-dlp
// binary, driven through github.com/lrstanley/go-ytdlp. Audio mode converts
// the downloaded media to mp3 with ffmpeg as a postprocessing step.
package ytdlp

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/lrstanley/go-ytdlp"

	"mediafetch/internal/extractor"
	"mediafetch/internal/job"
	"mediafetch/pkg/backoff"
)

const (
	outputTemplate      = "%(title).200s-%(id)s.%(ext)s"
	defaultProgressFreq = 500 * time.Millisecond
	defaultMaxAttempts  = 2

	videoFormat = "bestvideo[height<=2160]+bestaudio/best"
	audioFormat = "bestaudio/best"
)

// Extractor fetches media with yt-dlp and postprocesses audio with ffmpeg.
type Extractor struct {
	ffmpegPath   string
	progressFreq time.Duration
	maxAttempts  int
	runner       commandRunner
	logger       *slog.Logger
	lookPath     func(string) (string, error)
}

// New creates an extractor using the given ffmpeg binary for audio
// conversion.
func New(ffmpegPath string) *Extractor {
	if ffmpegPath == "" {
		ffmpegPath = "ffmpeg"
	}
	return &Extractor{
		ffmpegPath:   ffmpegPath,
		progressFreq: defaultProgressFreq,
		maxAttempts:  defaultMaxAttempts,
		runner:       &execRunner{},
		logger:       slog.With("component", "extractor"),
		lookPath:     exec.LookPath,
	}
}

// Available reports whether the yt-dlp and ffmpeg binaries are reachable.
func (e *Extractor) Available(ctx context.Context) error {
	if _, err := e.lookPath("yt-dlp"); err != nil {
		return fmt.Errorf("yt-dlp binary not found: %w", err)
	}
	if _, err := e.lookPath(e.ffmpegPath); err != nil {
		return fmt.Errorf("ffmpeg binary not found: %w", err)
	}
	return nil
}

// Extract downloads the media into req.OutputDir, converting to mp3 when the
// requested mode is audio.
func (e *Extractor) Extract(ctx context.Context, req extractor.Request, progress extractor.ProgressFunc) (*extractor.Result, error) {
	dl := ytdlp.New().
		ForceOverwrites().
		RestrictFilenames().
		NoPlaylist().
		Output(filepath.Join(req.OutputDir, outputTemplate))

	switch {
	case req.Format != "":
		dl = dl.Format(req.Format)
	case req.Mode == job.ModeAudio:
		dl = dl.Format(audioFormat)
	default:
		dl = dl.Format(videoFormat)
	}
	if req.CookiesFile != "" {
		dl = dl.Cookies(req.CookiesFile)
	}

	dl.ProgressFunc(e.progressFreq, func(update ytdlp.ProgressUpdate) {
		if progress == nil {
			return
		}
		pu := extractor.ProgressUpdate{
			Phase:           extractor.PhaseDownloading,
			DownloadedBytes: int64(update.DownloadedBytes),
			TotalBytes:      int64(update.TotalBytes),
			ETA:             update.ETA(),
		}
		if !update.Started.IsZero() {
			if elapsed := time.Since(update.Started); elapsed > 0 {
				pu.BytesPerSecond = float64(update.DownloadedBytes) / elapsed.Seconds()
			}
		}
		progress(pu)
	})

	result, err := e.runWithRetry(ctx, dl, req.URL)
	if err != nil {
		return nil, fmt.Errorf("yt-dlp: %w", err)
	}

	downloaded, title, err := e.resolveDownload(result, req.OutputDir)
	if err != nil {
		return nil, err
	}

	if req.Mode != job.ModeAudio {
		return &extractor.Result{ArtifactPath: downloaded, Title: title}, nil
	}

	// Raw transfer done, mp3 conversion pending.
	if progress != nil {
		progress(extractor.ProgressUpdate{Phase: extractor.PhaseFinished})
	}

	converted, err := e.convertToMP3(ctx, downloaded)
	if err != nil {
		return nil, err
	}
	return &extractor.Result{ArtifactPath: converted, Title: title}, nil
}

// runWithRetry retries transient download failures with exponential backoff.
func (e *Extractor) runWithRetry(ctx context.Context, dl *ytdlp.Command, url string) (*ytdlp.Result, error) {
	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff.Exponential(attempt-1, &backoff.Config{Initial: time.Second, Max: 10 * time.Second})):
			}
			e.logger.Info("Retrying download", "url", url, "attempt", attempt)
		}

		result, err := dl.Run(ctx, url)
		if err == nil {
			return result, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// resolveDownload finds the materialized file and title from the yt-dlp
// result, falling back to scanning the workdir when the reported filename is
// missing.
func (e *Extractor) resolveDownload(result *ytdlp.Result, outputDir string) (path, title string, err error) {
	if result != nil {
		if info, infoErr := result.GetExtractedInfo(); infoErr == nil && len(info) > 0 {
			if info[0].Title != nil {
				title = *info[0].Title
			}
			if info[0].Filename != nil && *info[0].Filename != "" {
				candidate := *info[0].Filename
				if !filepath.IsAbs(candidate) {
					candidate = filepath.Join(outputDir, candidate)
				}
				if _, statErr := os.Stat(candidate); statErr == nil {
					return candidate, title, nil
				}
			}
		}
	}

	// The workdir is exclusively ours; any media file left behind is the
	// download.
	entries, readErr := os.ReadDir(outputDir)
	if readErr != nil {
		return "", "", fmt.Errorf("reading workdir: %w", readErr)
	}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		switch filepath.Ext(name) {
		case ".part", ".ytdl", ".txt", ".json":
			continue
		}
		return filepath.Join(outputDir, name), title, nil
	}
	return "", "", fmt.Errorf("no downloaded file found in workdir")
}

// convertToMP3 extracts the audio track into an mp3 next to the source file
// and removes the source on success.
func (e *Extractor) convertToMP3(ctx context.Context, src string) (string, error) {
	dst := strings.TrimSuffix(src, filepath.Ext(src)) + ".mp3"
	args := []string{"-y", "-i", src, "-vn", "-acodec", "libmp3lame", "-q:a", "2", dst}

	result, err := e.runner.Run(ctx, e.ffmpegPath, args...)
	if err != nil {
		return "", fmt.Errorf("ffmpeg audio conversion failed (exit %d): %s",
			result.ExitCode, tail(result.Stderr, 300))
	}
	if src != dst {
		if rmErr := os.Remove(src); rmErr != nil {
			e.logger.Warn("Failed to remove pre-conversion file", "path", src, "error", rmErr)
		}
	}
	return dst, nil
}

// tail returns the last n bytes of s for compact error messages.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
