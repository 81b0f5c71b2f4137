package models

import (
	"encoding/json"
	"time"
)

type JobType string

const (
	JobTranscodeVideo   JobType = "transcode-video"
	JobTranscodeCaption JobType = "transcode-caption"
)

type JobStatus string

const (
	JobWaiting   JobStatus = "waiting"
	JobActive    JobStatus = "active"
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
)

// Job is the queue-owned unit of work. Key groups jobs that must never be
// active at the same time; both pipelines use the video id.
type Job struct {
	ID         string          `json:"id"`
	Type       JobType         `json:"type"`
	Key        string          `json:"key"`
	Payload    json.RawMessage `json:"payload"`
	Status     JobStatus       `json:"status"`
	Attempts   int             `json:"attempts"`
	MaxRetries int             `json:"maxRetries"`
	CreatedAt  time.Time       `json:"createdAt"`
	UpdatedAt  time.Time       `json:"updatedAt"`
	StartedAt  time.Time       `json:"startedAt,omitempty"`
	// LeaseToken identifies the current activation; it is the value of the
	// key's lease while the job runs.
	LeaseToken string `json:"leaseToken,omitempty"`
}

// DecodePayload unmarshals the job payload into v.
func (j *Job) DecodePayload(v any) error {
	return json.Unmarshal(j.Payload, v)
}

// TranscodeVideoPayload names the source to encode. The worker reads the
// duration from the staged file itself.
type TranscodeVideoPayload struct {
	VideoID    string `json:"videoId"`
	SourcePath string `json:"sourcePath"`
	WorkingDir string `json:"workingDir"`
}

type TranscodeVideoResult struct {
	Renditions []string `json:"renditions"`
	MasterPath string   `json:"masterPath"`
}

type TranscodeCaptionPayload struct {
	VideoID     string `json:"videoId"`
	CaptionPath string `json:"captionPath"`
	WorkingDir  string `json:"workingDir"`
	LanguageTag string `json:"languageTag"`
	DisplayName string `json:"displayName"`
}

type TranscodeCaptionResult struct {
	RenditionName      string `json:"renditionName"`
	MasterManifestPath string `json:"masterManifestPath"`
	LanguageTag        string `json:"languageTag"`
	DisplayName        string `json:"displayName"`
}

type EventKind string

const (
	EventWaiting   EventKind = "waiting"
	EventActive    EventKind = "active"
	EventProgress  EventKind = "progress"
	EventRetrying  EventKind = "retrying"
	EventFailed    EventKind = "failed"
	EventCompleted EventKind = "completed"
)

// Event is one job lifecycle notification. Job is a snapshot taken when the
// event was emitted, so consumers never need to look the job up again.
type Event struct {
	ID       string          `json:"-"`
	Kind     EventKind       `json:"kind"`
	Job      Job             `json:"job"`
	Progress float64         `json:"progress,omitempty"`
	Error    string          `json:"error,omitempty"`
	Result   json.RawMessage `json:"result,omitempty"`
	At       time.Time       `json:"at"`
}
