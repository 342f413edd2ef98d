package progress

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fetchd/fetchd/events"
	"github.com/fetchd/fetchd/models"
	"github.com/fetchd/fetchd/store"
)

// DefaultThrottleInterval bounds the per-job database write rate
const DefaultThrottleInterval = 300 * time.Millisecond

// jobBuffer is the per-job throttle record: the newest unwritten delta
// and the one-shot flush timer
type jobBuffer struct {
	latest *models.ProgressDelta
	timer  *time.Timer
}

// Pipeline is the single convergence point for worker events. Every
// event reaches the bus immediately; database writes are throttled per
// job, and a terminal event discards any buffered progress before
// persisting the terminal state.
type Pipeline struct {
	store    store.Store
	bus      *events.Bus
	interval time.Duration
	logger   *slog.Logger

	mu   sync.Mutex
	jobs map[string]*jobBuffer
	done map[string]struct{}
}

// NewPipeline creates a pipeline writing to st at most once per
// interval per job
func NewPipeline(st store.Store, bus *events.Bus, interval time.Duration, logger *slog.Logger) *Pipeline {
	if interval <= 0 {
		interval = DefaultThrottleInterval
	}
	return &Pipeline{
		store:    st,
		bus:      bus,
		interval: interval,
		logger:   logger,
		jobs:     make(map[string]*jobBuffer),
		done:     make(map[string]struct{}),
	}
}

// OnProgress relays a delta to the job's room immediately and schedules
// a throttled store write
func (p *Pipeline) OnProgress(jobID string, delta models.ProgressDelta) {
	p.mu.Lock()
	if _, terminal := p.done[jobID]; terminal {
		p.mu.Unlock()
		return
	}
	buf, ok := p.jobs[jobID]
	if !ok {
		buf = &jobBuffer{}
		p.jobs[jobID] = buf
	}
	d := delta
	buf.latest = &d
	if buf.timer == nil {
		buf.timer = time.AfterFunc(p.interval, func() { p.flush(jobID) })
	}
	p.mu.Unlock()

	p.bus.Publish(models.RoomForJob(jobID), models.EventProgress, models.ProgressEvent{
		JobID:      jobID,
		Stage:      delta.Stage,
		Progress:   delta.Progress,
		Speed:      delta.Speed,
		ETASec:     positiveETA(delta.ETASec),
		TotalBytes: delta.TotalBytes,
	})
}

// OnLog relays one adapter output line to the job's room
func (p *Pipeline) OnLog(jobID, level, message string) {
	p.bus.Publish(models.RoomForJob(jobID), models.EventLog, models.LogEvent{
		JobID:     jobID,
		Timestamp: time.Now(),
		Level:     level,
		Message:   message,
	})
}

// OnCompleted cancels any pending flush, discards buffered progress and
// persists the successful terminal state before announcing it
func (p *Pipeline) OnCompleted(jobID, filename, outputPath string, size int64) {
	p.dropBuffer(jobID)

	ctx := context.Background()
	if err := p.writeTerminal(func() error {
		return p.store.SetCompleted(ctx, jobID, filename, outputPath, size)
	}); err != nil {
		p.logger.Error("persisting completed job failed", "job_id", jobID, "error", err)
	}
	if err := p.store.BumpMetrics(ctx, store.MetricsDate(time.Now()), store.MetricsDelta{JobsCompleted: 1, BytesTotal: size}); err != nil {
		p.logger.Warn("metrics bump failed", "job_id", jobID, "error", err)
	}

	p.bus.Publish(models.RoomForJob(jobID), models.EventCompleted, models.CompletedEvent{
		JobID:      jobID,
		Filename:   filename,
		Size:       size,
		OutputPath: outputPath,
	})
}

// OnFailed cancels any pending flush, discards buffered progress and
// persists the failed terminal state before announcing it
func (p *Pipeline) OnFailed(jobID string, code models.ErrorCode, message string) {
	p.dropBuffer(jobID)

	ctx := context.Background()
	if err := p.writeTerminal(func() error {
		return p.store.UpdateStatus(ctx, jobID, models.StatusFailed, code, message)
	}); err != nil {
		p.logger.Error("persisting failed job failed", "job_id", jobID, "error", err)
	}
	if err := p.store.BumpMetrics(ctx, store.MetricsDate(time.Now()), store.MetricsDelta{JobsFailed: 1}); err != nil {
		p.logger.Warn("metrics bump failed", "job_id", jobID, "error", err)
	}

	p.bus.Publish(models.RoomForJob(jobID), models.EventFailed, models.FailedEvent{
		JobID:     jobID,
		ErrorCode: code,
		Message:   message,
	})
}

// OnJobUpdate persists a coarse status/stage change and relays it
func (p *Pipeline) OnJobUpdate(jobID string, update models.JobUpdateEvent) {
	ctx := context.Background()
	if update.Status != "" {
		if err := p.store.UpdateStatus(ctx, jobID, update.Status, "", ""); err != nil {
			p.logger.Warn("job update status write failed", "job_id", jobID, "status", update.Status, "error", err)
		}
	}
	if update.Stage != "" || update.Progress > 0 {
		if err := p.store.UpdateProgress(ctx, jobID, store.ProgressUpdate{
			Progress: update.Progress,
			Stage:    update.Stage,
			ETASec:   -1,
		}); err != nil {
			p.logger.Warn("job update progress write failed", "job_id", jobID, "error", err)
		}
	}
	update.JobID = jobID
	p.bus.Publish(models.RoomForJob(jobID), models.EventJobUpdate, update)
}

// Reset clears the terminal latch for a job re-entering the queue
func (p *Pipeline) Reset(jobID string) {
	p.mu.Lock()
	delete(p.done, jobID)
	delete(p.jobs, jobID)
	p.mu.Unlock()
}

// Flush forces pending buffered writes out, used on shutdown
func (p *Pipeline) Flush() {
	p.mu.Lock()
	ids := make([]string, 0, len(p.jobs))
	for id := range p.jobs {
		ids = append(ids, id)
	}
	p.mu.Unlock()
	for _, id := range ids {
		p.flush(id)
	}
}

// flush is the timer callback: write the newest buffered delta
func (p *Pipeline) flush(jobID string) {
	p.mu.Lock()
	buf, ok := p.jobs[jobID]
	if !ok {
		p.mu.Unlock()
		return
	}
	latest := buf.latest
	buf.latest = nil
	buf.timer = nil
	p.mu.Unlock()

	if latest == nil {
		return
	}
	err := p.store.UpdateProgress(context.Background(), jobID, store.ProgressUpdate{
		Progress:   latest.Progress,
		Stage:      latest.Stage,
		Speed:      latest.Speed,
		ETASec:     latest.ETASec,
		TotalBytes: latest.TotalBytes,
	})
	if err != nil {
		p.logger.Warn("progress write failed", "job_id", jobID, "error", err)
	}
}

// dropBuffer cancels the timer and discards buffered progress; the
// terminal write supersedes it
func (p *Pipeline) dropBuffer(jobID string) {
	p.mu.Lock()
	if buf, ok := p.jobs[jobID]; ok {
		if buf.timer != nil {
			buf.timer.Stop()
		}
		delete(p.jobs, jobID)
	}
	p.done[jobID] = struct{}{}
	p.mu.Unlock()
}

// writeTerminal retries a terminal store write once; a job must not be
// silently lost on a transient database error
func (p *Pipeline) writeTerminal(write func() error) error {
	err := write()
	if err == nil {
		return nil
	}
	time.Sleep(100 * time.Millisecond)
	return write()
}

func positiveETA(eta int) int {
	if eta < 0 {
		return 0
	}
	return eta
}
