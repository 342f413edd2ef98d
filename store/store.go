package store

import (
	"context"
	"time"

	"github.com/fetchd/fetchd/models"
)

// Filter selects jobs for List. Zero values mean "any".
type Filter struct {
	Status models.JobStatus
	Kind   models.JobKind
	Search string // case-insensitive substring over URL and Filename
	Offset int
	Limit  int
}

// ProgressUpdate carries the progress-class fields of one throttled
// write. Empty Stage/Speed leave the column unchanged; ETASec -1 and
// TotalBytes 0 mean unknown.
type ProgressUpdate struct {
	Progress   float64
	Stage      models.Stage
	Speed      string
	ETASec     int
	TotalBytes int64
}

// MetricsRow is one day of aggregate counters
type MetricsRow struct {
	Date          string `json:"date"` // YYYY-MM-DD
	JobsTotal     int64  `json:"jobs_total"`
	JobsCompleted int64  `json:"jobs_completed"`
	JobsFailed    int64  `json:"jobs_failed"`
	BytesTotal    int64  `json:"bytes_total"`
}

// MetricsDelta is applied atomically to the day's row
type MetricsDelta struct {
	JobsTotal     int64
	JobsCompleted int64
	JobsFailed    int64
	BytesTotal    int64
}

// Store is the durable projection of every job. The orchestrator
// process is the sole writer; workers reach it only through the
// progress pipeline.
type Store interface {
	// Insert creates a new row; returns models.ErrConflict on duplicate ID
	Insert(ctx context.Context, job *models.Job) error

	// Get returns a snapshot copy; models.ErrNotFound if absent
	Get(ctx context.Context, id string) (*models.Job, error)

	// List returns a page ordered by CreatedAt descending plus the
	// total match count
	List(ctx context.Context, f Filter) ([]*models.Job, int, error)

	// ListByStatus returns all jobs in one status, for reconciliation
	ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error)

	// UpdateProgress atomically touches progress-class fields and
	// UpdatedAt only. It never alters Status, never lowers Progress
	// within a run, and is a no-op on terminal rows.
	UpdateProgress(ctx context.Context, id string, u ProgressUpdate) error

	// UpdateStatus enforces the state machine; returns
	// models.ErrIllegalTransition on a forbidden edge. Entering queued
	// from paused/failed/cancelled resets progress and error fields.
	UpdateStatus(ctx context.Context, id string, status models.JobStatus, errCode models.ErrorCode, errMsg string) error

	// SetCompleted performs the successful terminal transition
	SetCompleted(ctx context.Context, id, filename, outputPath string, size int64) error

	// BumpMetrics adds the delta to the given day's counters
	BumpMetrics(ctx context.Context, date string, d MetricsDelta) error

	// GetMetrics returns the day's counters (zero row if absent)
	GetMetrics(ctx context.Context, date string) (*MetricsRow, error)

	Close()
}

// MetricsDate formats a timestamp as the metrics table key
func MetricsDate(t time.Time) string {
	return t.UTC().Format("2006-01-02")
}
