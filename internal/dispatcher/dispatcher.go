// Package dispatcher delivers webhook callbacks asynchronously with
// buffering, retry, and per-host circuit breaking.
package dispatcher

import (
	"context"
	"errors"

	"mediafetch/pkg/cloudevent"
)

// ErrBufferFull is returned when the queue is full and the event is dropped.
var ErrBufferFull = errors.New("dispatcher buffer full, event dropped")

// Dispatcher handles async delivery of callback events.
type Dispatcher interface {
	// Dispatch queues an event for delivery without blocking. Returns
	// ErrBufferFull if the queue is full.
	Dispatch(event *Event) error

	// Stats returns delivery counters.
	Stats() Stats

	// Close drains queued events, bounded by the context deadline.
	Close(ctx context.Context) error
}

// Event is one callback to deliver.
type Event struct {
	Payload     *cloudevent.CloudEvent
	Destination string // callback URL
	SigningKey  string // HMAC key, empty for unsigned delivery
	requeues    int    // times deferred because the destination's circuit was open
}

// Stats holds dispatcher counters.
type Stats struct {
	QueueDepth   int
	Queued       int64
	Delivered    int64
	Failed       int64
	Dropped      int64
	Requeued     int64
	RetriesTotal int64
	BreakersOpen int
}
