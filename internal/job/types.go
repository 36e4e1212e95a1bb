package job

import (
	"time"
)

// Status represents the lifecycle state of a fetch job.
type Status string

const (
	StatusQueued         Status = "queued"
	StatusDownloading    Status = "downloading"
	StatusPostprocessing Status = "postprocessing"
	StatusDone           Status = "done"
	StatusError          Status = "error"
)

// Terminal reports whether no further transitions can occur.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusError
}

// ValidTransition enforces the allowed job state machine edges.
// Terminal states are never exited; error is reachable from any
// non-terminal state.
func ValidTransition(from, to Status) bool {
	if from == to {
		return !from.Terminal()
	}
	switch from {
	case StatusQueued:
		return to == StatusDownloading || to == StatusError
	case StatusDownloading:
		return to == StatusPostprocessing || to == StatusDone || to == StatusError
	case StatusPostprocessing:
		return to == StatusDone || to == StatusError
	default:
		return false
	}
}

// Mode selects the produced artifact kind.
type Mode string

const (
	ModeVideo Mode = "video"
	ModeAudio Mode = "audio"
)

// Valid reports whether the mode is a known output kind.
func (m Mode) Valid() bool {
	return m == ModeVideo || m == ModeAudio
}

// Request represents a request to fetch remote media.
type Request struct {
	URL      string    `json:"url"`
	Mode     Mode      `json:"mode"`
	Format   string    `json:"format,omitempty"`  // optional extractor format selector
	Cookies  string    `json:"cookies,omitempty"` // optional cookie material, Netscape format
	Callback *Callback `json:"callback,omitempty"`
}

// Callback configures an optional webhook notified when the job reaches a
// terminal state.
type Callback struct {
	URL string `json:"url"`
	Key string `json:"key,omitempty"` // HMAC signing key
}

// DownloadProgress carries transfer metrics while bytes are moving.
type DownloadProgress struct {
	Percent    float64 `json:"percent"`
	ETASeconds int     `json:"eta,omitempty"`
	Speed      string  `json:"speed,omitempty"`
}

// PostprocessProgress carries a human-readable note while the artifact is
// being converted.
type PostprocessProgress struct {
	Text string `json:"text"`
}

// Progress is a tagged union: at most one branch is set, matching the job's
// current phase. Both nil means no progress has been reported yet.
type Progress struct {
	Download    *DownloadProgress    `json:"download,omitempty"`
	Postprocess *PostprocessProgress `json:"postprocess,omitempty"`
}

// Job is the record for a single fetch request. ArtifactPath is set only on
// done, ErrorMessage only on error, never both. Workdir is owned exclusively
// by the job's worker until cleanup reclaims it.
type Job struct {
	ID           string    `json:"id"`
	URL          string    `json:"url"`
	Mode         Mode      `json:"mode"`
	Status       Status    `json:"status"`
	Progress     Progress  `json:"progress"`
	Title        string    `json:"title,omitempty"`
	ErrorMessage string    `json:"error,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	ArtifactPath string    `json:"-"`
	Owner        string    `json:"-"`
	Workdir      string    `json:"-"`
}

// SubmitResponse is returned when a job is admitted.
type SubmitResponse struct {
	ID     string `json:"id"`
	Status Status `json:"status"`
}

// ListResponse is returned when listing jobs.
type ListResponse struct {
	Jobs []Job `json:"jobs"`
}
