package store

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fetchd/fetchd/models"
)

// MemoryStore keeps all jobs in process memory. It backs tests and
// single-node deployments that do not need a database.
type MemoryStore struct {
	mu      sync.RWMutex
	jobs    map[string]*models.Job
	metrics map[string]*MetricsRow
}

// NewMemoryStore creates an empty in-memory store
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		jobs:    make(map[string]*models.Job),
		metrics: make(map[string]*MetricsRow),
	}
}

func (s *MemoryStore) Insert(ctx context.Context, job *models.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.jobs[job.ID]; exists {
		return models.ErrConflict
	}
	cp := *job
	cp.Progress = models.ClampProgress(cp.Progress)
	s.jobs[job.ID] = &cp
	return nil
}

func (s *MemoryStore) Get(ctx context.Context, id string) (*models.Job, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	job, exists := s.jobs[id]
	if !exists {
		return nil, models.ErrNotFound
	}
	cp := *job
	return &cp, nil
}

func (s *MemoryStore) List(ctx context.Context, f Filter) ([]*models.Job, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.Job, 0, len(s.jobs))
	search := strings.ToLower(f.Search)
	for _, job := range s.jobs {
		if f.Status != "" && job.Status != f.Status {
			continue
		}
		if f.Kind != "" && job.Kind != f.Kind {
			continue
		}
		if search != "" &&
			!strings.Contains(strings.ToLower(job.URL), search) &&
			!strings.Contains(strings.ToLower(job.Filename), search) {
			continue
		}
		matched = append(matched, job)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	start := f.Offset
	if start > total {
		start = total
	}
	end := total
	if f.Limit > 0 && start+f.Limit < end {
		end = start + f.Limit
	}

	page := make([]*models.Job, 0, end-start)
	for _, job := range matched[start:end] {
		cp := *job
		page = append(page, &cp)
	}
	return page, total, nil
}

func (s *MemoryStore) ListByStatus(ctx context.Context, status models.JobStatus) ([]*models.Job, error) {
	jobs, _, err := s.List(ctx, Filter{Status: status})
	return jobs, err
}

func (s *MemoryStore) UpdateProgress(ctx context.Context, id string, u ProgressUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return models.ErrNotFound
	}
	if job.Status.IsTerminal() {
		// A late flush racing a terminal write must not touch the row
		return nil
	}

	p := models.ClampProgress(u.Progress)
	if p > job.Progress {
		job.Progress = p
	}
	if u.Stage != "" {
		job.Stage = u.Stage
	}
	if u.Speed != "" {
		job.Speed = u.Speed
	}
	if u.ETASec >= 0 {
		job.ETASec = u.ETASec
	}
	if u.TotalBytes > 0 {
		job.TotalBytes = u.TotalBytes
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) UpdateStatus(ctx context.Context, id string, status models.JobStatus, errCode models.ErrorCode, errMsg string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return models.ErrNotFound
	}
	if job.Status == status {
		return nil
	}
	if !models.CanTransition(job.Status, status) {
		return models.ErrIllegalTransition
	}

	job.Status = status
	switch status {
	case models.StatusQueued:
		// Resume and Retry re-enter the queue with a fresh run
		job.Progress = 0
		job.Stage = ""
		job.Speed = ""
		job.ETASec = 0
		job.ErrorCode = ""
		job.ErrorMessage = ""
	case models.StatusFailed:
		job.ErrorCode = errCode
		job.ErrorMessage = errMsg
	}
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) SetCompleted(ctx context.Context, id, filename, outputPath string, size int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	job, exists := s.jobs[id]
	if !exists {
		return models.ErrNotFound
	}
	if !models.CanTransition(job.Status, models.StatusCompleted) {
		return models.ErrIllegalTransition
	}

	job.Status = models.StatusCompleted
	job.Stage = models.StageCompleted
	job.Progress = 100
	job.Filename = filename
	job.OutputPath = outputPath
	if size > 0 {
		job.TotalBytes = size
	}
	job.ErrorCode = ""
	job.ErrorMessage = ""
	job.UpdatedAt = time.Now()
	return nil
}

func (s *MemoryStore) BumpMetrics(ctx context.Context, date string, d MetricsDelta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	row, exists := s.metrics[date]
	if !exists {
		row = &MetricsRow{Date: date}
		s.metrics[date] = row
	}
	row.JobsTotal += d.JobsTotal
	row.JobsCompleted += d.JobsCompleted
	row.JobsFailed += d.JobsFailed
	row.BytesTotal += d.BytesTotal
	return nil
}

func (s *MemoryStore) GetMetrics(ctx context.Context, date string) (*MetricsRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row, exists := s.metrics[date]
	if !exists {
		return &MetricsRow{Date: date}, nil
	}
	cp := *row
	return &cp, nil
}

func (s *MemoryStore) Close() {}
