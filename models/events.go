package models

import "time"

// Event type identifiers delivered on job rooms
const (
	EventProgress  = "progress"
	EventLog       = "log"
	EventCompleted = "completed"
	EventFailed    = "failed"
	EventJobUpdate = "job-update"
)

// RoomForJob derives the pub/sub room name for a job
func RoomForJob(jobID string) string {
	return "job:" + jobID
}

// ProgressEvent is the live progress payload for one job
type ProgressEvent struct {
	JobID      string  `json:"jobId"`
	Stage      Stage   `json:"stage"`
	Progress   float64 `json:"progress"`
	Speed      string  `json:"speed,omitempty"`
	ETASec     int     `json:"eta,omitempty"`
	TotalBytes int64   `json:"totalBytes,omitempty"`
}

// LogEvent carries one adapter output line to subscribers
type LogEvent struct {
	JobID     string    `json:"jobId"`
	Timestamp time.Time `json:"timestamp"`
	Level     string    `json:"level"`
	Message   string    `json:"message"`
}

// CompletedEvent announces a successful terminal state
type CompletedEvent struct {
	JobID      string `json:"jobId"`
	Filename   string `json:"filename"`
	Size       int64  `json:"size"`
	OutputPath string `json:"outputPath"`
}

// FailedEvent announces a failed terminal state
type FailedEvent struct {
	JobID     string    `json:"jobId"`
	ErrorCode ErrorCode `json:"errorCode"`
	Message   string    `json:"message"`
}

// JobUpdateEvent is the coarse aggregate update (status and/or stage)
type JobUpdateEvent struct {
	JobID    string    `json:"jobId"`
	Status   JobStatus `json:"status,omitempty"`
	Stage    Stage     `json:"stage,omitempty"`
	Progress float64   `json:"progress,omitempty"`
}

// ProgressDelta is one parsed progress observation from an adapter.
// HasProgress distinguishes "no percent on this line" from zero.
type ProgressDelta struct {
	Progress    float64
	HasProgress bool
	Stage       Stage
	Speed       string
	ETASec      int // -1 when unknown
	TotalBytes  int64
	Message     string
}
