package models

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrVideoNotFound     = errors.New("video not found")
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrStatusConflict    = errors.New("video status changed concurrently")
)

type VideoStatus string

const (
	StatusReadyForProcessing VideoStatus = "Ready for processing"
	StatusWaitingInQueue     VideoStatus = "Waiting in queue"
	StatusProcessing         VideoStatus = "Processing"
	StatusFailedInProcessing VideoStatus = "Failed in processing"
	StatusReadyToPublish     VideoStatus = "Ready to publish"
	StatusPublished          VideoStatus = "Published"
	StatusDeleted            VideoStatus = "Deleted"
)

// transitions lists every edge of the processing state machine except the
// delete edge, which is reachable from any state other than Deleted.
var transitions = map[VideoStatus][]VideoStatus{
	StatusReadyForProcessing: {StatusWaitingInQueue},
	StatusWaitingInQueue:     {StatusProcessing},
	StatusProcessing:         {StatusReadyToPublish, StatusFailedInProcessing},
	StatusReadyToPublish:     {StatusPublished},
}

// CanTransition reports whether a video may move from one status to another.
func CanTransition(from, to VideoStatus) bool {
	if !from.Valid() || !to.Valid() {
		return false
	}
	if to == StatusDeleted {
		return from != StatusDeleted
	}
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition is CanTransition with a descriptive error.
func CheckTransition(from, to VideoStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
}

func (s VideoStatus) Valid() bool {
	switch s {
	case StatusReadyForProcessing, StatusWaitingInQueue, StatusProcessing,
		StatusFailedInProcessing, StatusReadyToPublish, StatusPublished, StatusDeleted:
		return true
	}
	return false
}

// AcceptsCaptionMerge reports whether the transcoded package exists on disk.
func (s VideoStatus) AcceptsCaptionMerge() bool {
	return s == StatusReadyToPublish || s == StatusPublished
}

type Caption struct {
	LanguageTag    string    `json:"languageTag"`
	DisplayName    string    `json:"displayName"`
	SourceAssetRef string    `json:"sourceAssetRef"`
	RenditionName  string    `json:"renditionName,omitempty"`
	UpdatedAt      time.Time `json:"updatedAt"`
}

type Video struct {
	ID                  string         `json:"id"`
	Title               string         `json:"title,omitempty"`
	Status              VideoStatus    `json:"status"`
	DurationSeconds     float64        `json:"durationSeconds"`
	OriginalAssetRef    string         `json:"originalAssetRef,omitempty"`
	Source              *SourceDetails `json:"source,omitempty"`
	WorkingDirectoryRef string         `json:"workingDirectoryRef"`
	AvailableRenditions []string       `json:"availableRenditions"`
	Captions            []Caption      `json:"captions"`
	Thumbnail           string         `json:"thumbnail,omitempty"`
	IsPublished         bool           `json:"isPublished"`
	IsDeleted           bool           `json:"isDeleted"`
	CreatedAt           time.Time      `json:"createdAt"`
	UpdatedAt           time.Time      `json:"updatedAt"`
}

// SourceDetails is the uploaded original as inspected at registration. It is
// kept after the source asset itself is released.
type SourceDetails struct {
	Filename       string  `json:"filename"`
	FileSize       int64   `json:"fileSize"`
	FrameRate      float64 `json:"frameRate"`
	Resolution     string  `json:"resolution"`
	VideoCodec     string  `json:"videoCodec"`
	VideoBitrate   int     `json:"videoBitrate"`
	AudioCodec     string  `json:"audioCodec"`
	AudioBitrate   int     `json:"audioBitrate"`
	AudioChannels  int     `json:"audioChannels"`
	Duration       float64 `json:"duration"`
	OverallBitrate int     `json:"overallBitrate"`
}
