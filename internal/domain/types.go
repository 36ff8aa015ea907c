package domain

import "time"

type JobStatus string

const (
	StatusPending    JobStatus = "pending"
	StatusProcessing JobStatus = "processing"
	StatusCompleted  JobStatus = "completed"
	StatusFailed     JobStatus = "failed"
)

// Terminal reports whether no further transition is possible.
func (s JobStatus) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

const (
	OriginOperator   = "operator"
	OriginSuggestion = "suggestion"
)

const (
	PriorityOperator   = 10
	PrioritySuggestion = 1
)

type CaptureJob struct {
	ID          int64
	ContentKey  string // canonical identity of the remote content
	SourceURL   string
	Submitter   string
	ChatID      string // where feedback for this submission goes
	Channel     string // destination channel; empty means the default
	Origin      string
	Priority    int
	BatchID     *string
	BatchSize   int
	Status      JobStatus
	SubmittedAt time.Time
	CompletedAt *time.Time
	Error       string
	Result      []byte // JSON-encoded CaptureResult, set on completion
}

// CaptureResult is what a capture run produces for one job.
type CaptureResult struct {
	Author    string      `json:"author"`
	Handle    string      `json:"handle,omitempty"`
	Text      string      `json:"text"`
	SourceURL string      `json:"source_url"`
	Media     []MediaItem `json:"media,omitempty"`
}

// MediaItem points at either a remote URL or a local artifact path.
type MediaItem struct {
	Ref  string `json:"ref"`
	Type string `json:"type"` // photo or video
}

// Local reports whether the item is a file on disk rather than a URL.
func (m MediaItem) Local() bool {
	return len(m.Ref) > 0 && m.Ref[0] != 'h'
}

// Entity is a formatting annotation carried opaquely between sends.
type Entity struct {
	Type   string `json:"type"`
	Offset int    `json:"offset"`
	Length int    `json:"length"`
	URL    string `json:"url,omitempty"`
}

// Release is a publishable item sitting in the delayed release queue.
// ReleaseAt is nil for drafts that have not been scheduled yet.
type Release struct {
	ID             int64
	ContentKey     string
	Body           string
	Entities       []Entity
	Media          []MediaItem
	Channel        string // destination channel; empty means the default
	ReleaseAt      *time.Time
	ModerationChat string
	ModerationMsg  int64
	CreatedAt      time.Time
}

// Scheduled reports whether the release has a pending fire time.
func (r Release) Scheduled() bool {
	return r.ReleaseAt != nil
}
