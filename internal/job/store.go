package job

import (
	"sort"
	"sync"
)

// maxErrorMessageLen bounds recorded failure messages for diagnostics.
const maxErrorMessageLen = 512

// Patch describes a partial update to a job record. Nil fields are left
// untouched.
type Patch struct {
	Status       *Status
	Progress     *Progress
	Title        *string
	ArtifactPath *string
	ErrorMessage *string
}

// Store holds all job records for the lifetime of the process.
//
// Records are created by the orchestrator, mutated only by the owning worker,
// and read by any number of progress subscribers and retrieval requests.
// Reads always observe a fully applied update: every accessor copies the
// record under the store lock.
type Store struct {
	mu   sync.RWMutex
	jobs map[string]*Job
}

// NewStore creates an empty job store.
func NewStore() *Store {
	return &Store{
		jobs: make(map[string]*Job),
	}
}

// Create inserts a new record. The job's ID must be unique; the caller
// generates it.
func (s *Store) Create(j Job) {
	s.mu.Lock()
	defer s.mu.Unlock()
	stored := j
	s.jobs[j.ID] = &stored
}

// Get returns a snapshot of a job record.
func (s *Store) Get(id string) (Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	if !ok {
		return Job{}, false
	}
	return *j, true
}

// Update merges a patch into a record. It is a no-op if the job no longer
// exists. Status changes that would exit a terminal state or otherwise
// violate the state machine are discarded, along with any artifact path or
// error message riding on them; progress sub-fields are last-writer-wins.
func (s *Store) Update(id string, p Patch) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	if !ok {
		return
	}
	statusRejected := false
	if p.Status != nil {
		if ValidTransition(j.Status, *p.Status) {
			j.Status = *p.Status
		} else {
			statusRejected = true
		}
	}
	if p.Progress != nil {
		j.Progress = *p.Progress
	}
	if p.Title != nil {
		j.Title = *p.Title
	}
	// Artifact path and error message belong to the terminal states. When
	// the status change carrying them is discarded, they are discarded with
	// it so a record never holds terminal fields it did not transition into.
	if p.ArtifactPath != nil && !statusRejected {
		j.ArtifactPath = *p.ArtifactPath
	}
	if p.ErrorMessage != nil && !statusRejected {
		msg := *p.ErrorMessage
		if len(msg) > maxErrorMessageLen {
			msg = msg[:maxErrorMessageLen]
		}
		j.ErrorMessage = msg
	}
}

// List returns snapshots of all records, newest first.
func (s *Store) List() []Job {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Job, 0, len(s.jobs))
	for _, j := range s.jobs {
		out = append(out, *j)
	}
	sort.Slice(out, func(i, k int) bool {
		return out[i].CreatedAt.After(out[k].CreatedAt)
	})
	return out
}

// Len returns the number of records held.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.jobs)
}

// helpers for building patches inline

func statusPtr(s Status) *Status       { return &s }
func strPtr(s string) *string          { return &s }
func progressPtr(p Progress) *Progress { return &p }
