package job

import (
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"
)

func newTestJob(id string) Job {
	return Job{
		ID:        id,
		URL:       "https://example.com/watch?v=" + id,
		Mode:      ModeVideo,
		Status:    StatusQueued,
		CreatedAt: time.Now(),
	}
}

func TestStoreCreateAndGet(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Create(newTestJob("a"))

	got, ok := s.Get("a")
	if !ok {
		t.Fatal("expected job to exist")
	}
	if got.ID != "a" || got.Status != StatusQueued {
		t.Errorf("unexpected record: %+v", got)
	}

	if _, ok := s.Get("missing"); ok {
		t.Error("expected missing job to not be found")
	}
}

func TestStoreGetReturnsSnapshot(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Create(newTestJob("a"))

	first, _ := s.Get("a")
	first.Status = StatusError
	first.Title = "mutated"

	second, _ := s.Get("a")
	if second.Status != StatusQueued || second.Title != "" {
		t.Errorf("snapshot mutation leaked into store: %+v", second)
	}
}

func TestStoreUpdateMergesPatch(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Create(newTestJob("a"))

	s.Update("a", Patch{
		Status: statusPtr(StatusDownloading),
		Title:  strPtr("Some Video"),
		Progress: progressPtr(Progress{
			Download: &DownloadProgress{Percent: 42.5, Speed: "1.2MB/s"},
		}),
	})

	got, _ := s.Get("a")
	if got.Status != StatusDownloading {
		t.Errorf("expected status downloading, got %q", got.Status)
	}
	if got.Title != "Some Video" {
		t.Errorf("expected title to be set, got %q", got.Title)
	}
	if got.Progress.Download == nil || got.Progress.Download.Percent != 42.5 {
		t.Errorf("expected progress to be merged, got %+v", got.Progress)
	}

	// Patch without status leaves status alone.
	s.Update("a", Patch{Title: strPtr("Renamed")})
	got, _ = s.Get("a")
	if got.Status != StatusDownloading || got.Title != "Renamed" {
		t.Errorf("partial patch applied incorrectly: %+v", got)
	}
}

func TestStoreUpdateMissingJobIsNoop(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Update("nope", Patch{Status: statusPtr(StatusError)})
	if s.Len() != 0 {
		t.Errorf("expected empty store, got %d records", s.Len())
	}
}

func TestStoreUpdateRejectsInvalidTransitions(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Create(newTestJob("a"))

	// queued cannot jump straight to postprocessing
	s.Update("a", Patch{Status: statusPtr(StatusPostprocessing)})
	got, _ := s.Get("a")
	if got.Status != StatusQueued {
		t.Errorf("invalid transition applied: %q", got.Status)
	}

	s.Update("a", Patch{Status: statusPtr(StatusDownloading)})
	s.Update("a", Patch{Status: statusPtr(StatusDone)})

	// terminal state is never exited
	s.Update("a", Patch{Status: statusPtr(StatusDownloading)})
	got, _ = s.Get("a")
	if got.Status != StatusDone {
		t.Errorf("terminal state was exited: %q", got.Status)
	}

	// non-status fields in the same patch still apply
	s.Update("a", Patch{Status: statusPtr(StatusError), Title: strPtr("kept")})
	got, _ = s.Get("a")
	if got.Status != StatusDone {
		t.Errorf("terminal state was exited: %q", got.Status)
	}
	if got.Title != "kept" {
		t.Errorf("expected non-status fields to apply, got title %q", got.Title)
	}
}

func TestStoreUpdateDiscardsTerminalFieldsWithRejectedStatus(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Create(newTestJob("a"))
	s.Update("a", Patch{Status: statusPtr(StatusDownloading)})
	s.Update("a", Patch{
		Status:       statusPtr(StatusDone),
		ArtifactPath: strPtr("/tmp/a/clip.mp4"),
	})

	// A rejected transition must not smuggle in the other terminal field.
	s.Update("a", Patch{
		Status:       statusPtr(StatusError),
		ErrorMessage: strPtr("late failure"),
	})

	got, _ := s.Get("a")
	if got.Status != StatusDone {
		t.Fatalf("terminal state was exited: %q", got.Status)
	}
	if got.ErrorMessage != "" {
		t.Errorf("error message applied alongside rejected status: %q", got.ErrorMessage)
	}
	if got.ArtifactPath != "/tmp/a/clip.mp4" {
		t.Errorf("artifact path lost: %q", got.ArtifactPath)
	}
}

func TestStoreUpdateTruncatesErrorMessage(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Create(newTestJob("a"))

	long := strings.Repeat("x", maxErrorMessageLen+100)
	s.Update("a", Patch{ErrorMessage: strPtr(long)})

	got, _ := s.Get("a")
	if len(got.ErrorMessage) != maxErrorMessageLen {
		t.Errorf("expected error message truncated to %d, got %d", maxErrorMessageLen, len(got.ErrorMessage))
	}
}

func TestStoreListNewestFirst(t *testing.T) {
	t.Parallel()

	s := NewStore()
	base := time.Now()
	for i := 0; i < 3; i++ {
		j := newTestJob(fmt.Sprintf("j%d", i))
		j.CreatedAt = base.Add(time.Duration(i) * time.Second)
		s.Create(j)
	}

	jobs := s.List()
	if len(jobs) != 3 {
		t.Fatalf("expected 3 jobs, got %d", len(jobs))
	}
	for i := 0; i < len(jobs)-1; i++ {
		if jobs[i].CreatedAt.Before(jobs[i+1].CreatedAt) {
			t.Errorf("jobs not sorted newest first: %v before %v", jobs[i].CreatedAt, jobs[i+1].CreatedAt)
		}
	}
}

func TestStoreConcurrentAccess(t *testing.T) {
	t.Parallel()

	s := NewStore()
	s.Create(newTestJob("a"))

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			for k := 0; k < 100; k++ {
				switch n % 3 {
				case 0:
					s.Update("a", Patch{Progress: progressPtr(Progress{
						Download: &DownloadProgress{Percent: float64(k)},
					})})
				case 1:
					s.Get("a")
				default:
					s.List()
				}
			}
		}(i)
	}
	wg.Wait()

	if _, ok := s.Get("a"); !ok {
		t.Error("job disappeared under concurrent access")
	}
}
