// Package cleanup reclaims job working storage after a grace delay.
package cleanup

import (
	"log/slog"
	"os"
	"sync"
	"time"
)

// Scheduler destroys job workdirs once their retention window elapses.
// Removal failures are logged, never retried, and never surfaced to any
// client. The clock and removal functions are injectable for tests.
type Scheduler struct {
	logger    *slog.Logger
	after     func(time.Duration) <-chan time.Time
	removeAll func(string) error

	stop     chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// NewScheduler creates a scheduler backed by the real clock and filesystem.
func NewScheduler() *Scheduler {
	return &Scheduler{
		logger:    slog.With("component", "cleanup"),
		after:     time.After,
		removeAll: os.RemoveAll,
		stop:      make(chan struct{}),
	}
}

// Schedule removes workdir and everything under it once delay elapses.
func (s *Scheduler) Schedule(workdir string, delay time.Duration) {
	if workdir == "" {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		select {
		case <-s.stop:
			return
		case <-s.after(delay):
		}
		if err := s.removeAll(workdir); err != nil {
			s.logger.Warn("Failed to reclaim workdir", "workdir", workdir, "error", err)
			return
		}
		s.logger.Debug("Workdir reclaimed", "workdir", workdir)
	}()
}

// Close cancels pending reclaims. Workdirs not yet removed are left for the
// next process start.
func (s *Scheduler) Close() {
	s.stopOnce.Do(func() { close(s.stop) })
	s.wg.Wait()
}
