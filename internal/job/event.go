package job

import (
	"fmt"
	"time"

	"mediafetch/pkg/cloudevent"
)

// Event is an immutable snapshot of a job's observable state, published to
// the progress bus on every transition. KeepAlive events are synthesized by
// the stream layer during idle periods and carry no status.
type Event struct {
	JobID     string    `json:"job_id"`
	Status    Status    `json:"status,omitempty"`
	Progress  *Progress `json:"progress,omitempty"`
	Error     string    `json:"error,omitempty"`
	KeepAlive bool      `json:"keep_alive,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// Terminal reports whether this event ends a progress stream.
func (e Event) Terminal() bool {
	return e.Status.Terminal()
}

// NewEvent snapshots a job into a progress event.
func NewEvent(j Job) Event {
	ev := Event{
		JobID:     j.ID,
		Status:    j.Status,
		Error:     j.ErrorMessage,
		Timestamp: time.Now().UTC(),
	}
	if j.Progress.Download != nil || j.Progress.Postprocess != nil {
		p := j.Progress
		ev.Progress = &p
	}
	return ev
}

// KeepAliveEvent synthesizes a liveness marker for an idle stream.
func KeepAliveEvent(jobID string) Event {
	return Event{
		JobID:     jobID,
		KeepAlive: true,
		Timestamp: time.Now().UTC(),
	}
}

// Webhook event types for terminal callbacks.
const (
	EventTypeDone   = "mediafetch.job.done"
	EventTypeFailed = "mediafetch.job.failed"
)

// TerminalCloudEvent builds the webhook payload for a terminal job state.
func TerminalCloudEvent(j Job, source string) *cloudevent.CloudEvent {
	eventType := EventTypeDone
	data := map[string]any{
		"jobId": j.ID,
		"url":   j.URL,
		"mode":  string(j.Mode),
	}
	if j.Status == StatusError {
		eventType = EventTypeFailed
		data["error"] = j.ErrorMessage
	} else {
		data["title"] = j.Title
	}
	eventID := fmt.Sprintf("%s-%d", j.ID, time.Now().UnixNano())
	return cloudevent.New(eventType, source, j.ID, eventID, data)
}
