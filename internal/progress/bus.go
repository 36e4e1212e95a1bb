// Package progress provides the per-job event bus feeding live progress
// streams.
package progress

import (
	"sync"

	"mediafetch/internal/apperrors"
	"mediafetch/internal/job"
)

// DefaultBufferSize is the per-subscriber event buffer. Progress is a
// latest-wins stream: when a slow consumer falls this far behind, the oldest
// unread event is dropped in favor of the newest.
const DefaultBufferSize = 16

// Subscription is one consumer's view of a job's progress events. Events
// arrive on C in publish order until a terminal event is delivered, after
// which C is closed.
type Subscription struct {
	C <-chan job.Event

	ch    chan job.Event
	bus   *Bus
	jobID string
	id    int
}

// Close detaches the subscription from the bus. Safe to call after the bus
// already closed the channel on a terminal event.
func (s *Subscription) Close() {
	s.bus.unsubscribe(s.jobID, s.id)
}

// stream holds the per-job channel state: attached subscribers plus the
// latest published event, retained so late subscribers immediately observe
// current state.
type stream struct {
	mu        sync.Mutex
	subs      map[int]chan job.Event
	nextSubID int
	latest    job.Event
	hasLatest bool
	terminal  bool
}

// Bus routes progress events to per-job subscriber channels. Publishing
// never blocks; per-job ordering is preserved for every subscriber, modulo
// the drop-oldest overflow policy, which may skip events but never reorders
// them.
type Bus struct {
	mu      sync.RWMutex
	streams map[string]*stream
	bufSize int
}

// NewBus creates a bus with the given per-subscriber buffer size.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = DefaultBufferSize
	}
	return &Bus{
		streams: make(map[string]*stream),
		bufSize: bufferSize,
	}
}

// Open allocates the event channel for a job. Called once at submission,
// before the worker can publish.
func (b *Bus) Open(jobID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, exists := b.streams[jobID]; !exists {
		b.streams[jobID] = &stream{subs: make(map[int]chan job.Event)}
	}
}

// Publish delivers an event to every subscriber of the job. Non-blocking:
// a full subscriber buffer drops its oldest unread event. A terminal event
// closes all subscriber channels once delivered; the event itself is
// retained for late subscribers.
func (b *Bus) Publish(jobID string, ev job.Event) {
	b.mu.RLock()
	st := b.streams[jobID]
	b.mu.RUnlock()
	if st == nil {
		return
	}

	st.mu.Lock()
	defer st.mu.Unlock()
	if st.terminal {
		return
	}
	st.latest = ev
	st.hasLatest = true

	for _, ch := range st.subs {
		offer(ch, ev)
	}

	if ev.Terminal() {
		st.terminal = true
		for id, ch := range st.subs {
			close(ch)
			delete(st.subs, id)
		}
	}
}

// Subscribe attaches a consumer to a job's event channel. Subscribing to a
// job already in a terminal state yields the terminal event immediately and
// a closed channel.
func (b *Bus) Subscribe(jobID string) (*Subscription, error) {
	b.mu.RLock()
	st := b.streams[jobID]
	b.mu.RUnlock()
	if st == nil {
		return nil, apperrors.NotFound("job", jobID)
	}

	st.mu.Lock()
	defer st.mu.Unlock()

	if st.terminal {
		ch := make(chan job.Event, 1)
		ch <- st.latest
		close(ch)
		return &Subscription{C: ch, ch: ch, bus: b, jobID: jobID, id: -1}, nil
	}

	ch := make(chan job.Event, b.bufSize)
	if st.hasLatest {
		ch <- st.latest
	}
	st.nextSubID++
	id := st.nextSubID
	st.subs[id] = ch
	return &Subscription{C: ch, ch: ch, bus: b, jobID: jobID, id: id}, nil
}

// Subscribers returns the number of consumers attached to a job.
func (b *Bus) Subscribers(jobID string) int {
	b.mu.RLock()
	st := b.streams[jobID]
	b.mu.RUnlock()
	if st == nil {
		return 0
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	return len(st.subs)
}

func (b *Bus) unsubscribe(jobID string, id int) {
	if id < 0 {
		return
	}
	b.mu.RLock()
	st := b.streams[jobID]
	b.mu.RUnlock()
	if st == nil {
		return
	}
	st.mu.Lock()
	defer st.mu.Unlock()
	if ch, ok := st.subs[id]; ok {
		delete(st.subs, id)
		close(ch)
	}
}

// offer sends without blocking, evicting the oldest buffered event when the
// subscriber is full. Eviction and re-send happen under the stream lock, so
// order is preserved.
func offer(ch chan job.Event, ev job.Event) {
	select {
	case ch <- ev:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ev:
	default:
	}
}
