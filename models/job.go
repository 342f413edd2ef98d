package models

import (
	"time"
)

// JobStatus represents the current state of a job in the system
type JobStatus string

const (
	StatusQueued    JobStatus = "queued"
	StatusRunning   JobStatus = "running"
	StatusPaused    JobStatus = "paused"
	StatusCompleted JobStatus = "completed"
	StatusFailed    JobStatus = "failed"
	StatusCancelled JobStatus = "cancelled"
)

// IsTerminal returns true once a job can no longer make progress
func (s JobStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// Valid returns true for a known status value
func (s JobStatus) Valid() bool {
	switch s {
	case StatusQueued, StatusRunning, StatusPaused, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// CanTransition reports whether the job state machine allows moving
// from one status to another. Retry (failed/cancelled -> queued) is a
// legal edge here; callers that must forbid it check IsTerminal first.
func CanTransition(from, to JobStatus) bool {
	switch from {
	case StatusQueued:
		return to == StatusRunning || to == StatusCancelled
	case StatusRunning:
		return to == StatusPaused || to == StatusCancelled || to == StatusCompleted || to == StatusFailed || to == StatusQueued
	case StatusPaused:
		return to == StatusQueued || to == StatusCancelled
	case StatusFailed, StatusCancelled:
		// Only Retry leaves a terminal state
		return to == StatusQueued
	case StatusCompleted:
		return false
	}
	return false
}

// Stage is the advisory progress phase while a job is running
type Stage string

const (
	StageQueue     Stage = "queue"
	StageDownload  Stage = "download"
	StageMerge     Stage = "merge"
	StageTranscode Stage = "transcode"
	StageFinalize  Stage = "finalize"
	StageCompleted Stage = "completed"
)

// JobKind identifies which downloader handles a job
type JobKind string

const (
	KindAuto      JobKind = "auto"
	KindFile      JobKind = "file"
	KindHLS       JobKind = "hls"
	KindYouTube   JobKind = "youtube"
	KindTwitter   JobKind = "twitter"
	KindPinterest JobKind = "pinterest"
)

// Valid returns true for a known kind value
func (k JobKind) Valid() bool {
	switch k {
	case KindAuto, KindFile, KindHLS, KindYouTube, KindTwitter, KindPinterest:
		return true
	}
	return false
}

// Priority classes for the broker. Stream downloads run first because
// their resolved media URLs expire.
const (
	PriorityHigh   = 5
	PriorityNormal = 3
)

// Priority returns the default broker priority for the kind
func (k JobKind) Priority() int {
	switch k {
	case KindYouTube, KindHLS:
		return PriorityHigh
	default:
		return PriorityNormal
	}
}

// Job represents one submitted download, persisted for its whole lifetime
type Job struct {
	ID           string        `json:"id"`
	URL          string        `json:"url"`
	Kind         JobKind       `json:"kind"`
	Status       JobStatus     `json:"status"`
	Stage        Stage         `json:"stage,omitempty"`
	Progress     float64       `json:"progress"`
	Speed        string        `json:"speed,omitempty"`
	ETASec       int           `json:"eta,omitempty"`
	TotalBytes   int64         `json:"total_bytes,omitempty"`
	Filename     string        `json:"filename,omitempty"`
	OutputPath   string        `json:"output_path,omitempty"`
	ErrorCode    ErrorCode     `json:"error_code,omitempty"`
	ErrorMessage string        `json:"error_message,omitempty"`
	Options      SubmitOptions `json:"options"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
}

// ClampProgress bounds a progress value to the valid percent range
func ClampProgress(p float64) float64 {
	if p < 0 {
		return 0
	}
	if p > 100 {
		return 100
	}
	return p
}
