package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/fetchd/fetchd/config"
	"github.com/fetchd/fetchd/events"
	"github.com/fetchd/fetchd/models"
	"github.com/fetchd/fetchd/progress"
	"github.com/fetchd/fetchd/queue"
	"github.com/fetchd/fetchd/store"
	"github.com/fetchd/fetchd/worker"
)

// Runner drives one job to a terminal outcome. The process supervisor
// is the production implementation; tests substitute their own.
type Runner interface {
	Run(ctx context.Context, job *models.Job) worker.Result
}

// activeJob tracks a job currently held by a worker slot
type activeJob struct {
	cancel    context.CancelFunc
	pause     bool
	cancelled bool
}

// Orchestrator is the public facade over the job fabric. It owns every
// status transition; workers only ever talk to the progress pipeline.
type Orchestrator struct {
	cfg      *config.Config
	store    store.Store
	broker   *queue.Broker
	bus      *events.Bus
	pipeline *progress.Pipeline
	runner   Runner
	logger   *slog.Logger

	mu     sync.Mutex
	active map[string]*activeJob

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New wires the orchestrator. runner may be nil, in which case a
// process supervisor is built from cfg.
func New(cfg *config.Config, st store.Store, broker *queue.Broker, bus *events.Bus, pipeline *progress.Pipeline, runner Runner, logger *slog.Logger) *Orchestrator {
	if runner == nil {
		runner = worker.NewSupervisor(cfg, pipeline, logger)
	}
	return &Orchestrator{
		cfg:      cfg,
		store:    st,
		broker:   broker,
		bus:      bus,
		pipeline: pipeline,
		runner:   runner,
		logger:   logger,
		active:   make(map[string]*activeJob),
	}
}

// Start reconciles persisted state and launches the worker slots
func (o *Orchestrator) Start(ctx context.Context) error {
	ctx, o.cancel = context.WithCancel(ctx)

	if err := o.reconcile(ctx); err != nil {
		return err
	}

	for i := 0; i < o.cfg.MaxConcurrentJobs; i++ {
		o.wg.Add(1)
		go o.slotLoop(ctx, i+1)
	}
	o.logger.Info("orchestrator started", "slots", o.cfg.MaxConcurrentJobs)
	return nil
}

// Stop cancels running children, waits for the slots to drain and
// flushes buffered progress
func (o *Orchestrator) Stop() {
	if o.cancel != nil {
		o.cancel()
	}
	o.wg.Wait()
	o.pipeline.Flush()
	o.logger.Info("orchestrator stopped")
}

// Submit validates the request, persists the job and enqueues it
func (o *Orchestrator) Submit(ctx context.Context, req *CreateRequest) (*models.Job, error) {
	opts, err := validateRequest(req)
	if err != nil {
		return nil, err
	}

	now := time.Now()
	job := &models.Job{
		ID:        uuid.New().String(),
		URL:       req.URL,
		Kind:      req.Kind,
		Status:    models.StatusQueued,
		Stage:     models.StageQueue,
		Options:   opts,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := o.store.Insert(ctx, job); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(opts)
	if err != nil {
		return nil, err
	}
	resolved := worker.ResolveKind(job.Kind, job.URL)
	if err := o.broker.Enqueue(job.ID, resolved.Priority(), payload); err != nil {
		return nil, err
	}

	if err := o.store.BumpMetrics(ctx, store.MetricsDate(now), store.MetricsDelta{JobsTotal: 1}); err != nil {
		o.logger.Warn("metrics bump failed", "job_id", job.ID, "error", err)
	}
	o.bus.Broadcast(models.EventJobUpdate, models.JobUpdateEvent{JobID: job.ID, Status: models.StatusQueued})
	o.logger.Info("job submitted", "job_id", job.ID, "kind", resolved, "url", job.URL)
	return job, nil
}

// Pipeline exposes the event convergence point for external worker
// transports
func (o *Orchestrator) Pipeline() *progress.Pipeline {
	return o.pipeline
}

// Get returns the current snapshot of one job
func (o *Orchestrator) Get(ctx context.Context, id string) (*models.Job, error) {
	return o.store.Get(ctx, id)
}

// List returns a filtered page plus the total match count
func (o *Orchestrator) List(ctx context.Context, f store.Filter) ([]*models.Job, int, error) {
	return o.store.List(ctx, f)
}

// Metrics returns the aggregate counters for one day
func (o *Orchestrator) Metrics(ctx context.Context, date string) (*store.MetricsRow, error) {
	return o.store.GetMetrics(ctx, date)
}

// Cancel stops a job wherever it is: dequeues pending work, kills a
// running child, and flips the status exactly once. Cancelling an
// already-cancelled job is a no-op success.
func (o *Orchestrator) Cancel(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	switch job.Status {
	case models.StatusCancelled:
		return nil
	case models.StatusCompleted, models.StatusFailed:
		return models.ErrIllegalTransition
	case models.StatusRunning:
		o.mu.Lock()
		aj := o.active[id]
		if aj != nil {
			aj.cancelled = true
			aj.cancel()
		}
		o.mu.Unlock()
		if aj != nil {
			// The worker slot releases the reservation and flips the status
			return nil
		}
		// Not held by any slot (e.g. stale after a crash): flip directly
		return o.setStatus(ctx, id, models.StatusCancelled)
	default: // queued, paused
		o.broker.Remove(id)
		return o.setStatus(ctx, id, models.StatusCancelled)
	}
}

// Pause kills the running child but parks the queue entry so Resume
// can re-enqueue a fresh attempt at the original priority
func (o *Orchestrator) Pause(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.StatusRunning {
		return models.ErrIllegalTransition
	}

	o.mu.Lock()
	aj := o.active[id]
	if aj != nil {
		aj.pause = true
		aj.cancel()
	}
	o.mu.Unlock()
	if aj == nil {
		return models.ErrIllegalTransition
	}
	return nil
}

// Resume re-enqueues a paused job; the new attempt starts from zero
func (o *Orchestrator) Resume(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.StatusPaused {
		return models.ErrIllegalTransition
	}

	if err := o.setStatus(ctx, id, models.StatusQueued); err != nil {
		return err
	}
	if !o.broker.Resume(id) {
		// The parked entry was lost (e.g. restart); enqueue fresh
		payload, _ := json.Marshal(job.Options)
		resolved := worker.ResolveKind(job.Kind, job.URL)
		return o.broker.Enqueue(id, resolved.Priority(), payload)
	}
	return nil
}

// Retry re-runs a failed or cancelled job from scratch
func (o *Orchestrator) Retry(ctx context.Context, id string) error {
	job, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != models.StatusFailed && job.Status != models.StatusCancelled {
		return models.ErrIllegalTransition
	}

	if err := o.setStatus(ctx, id, models.StatusQueued); err != nil {
		return err
	}
	o.pipeline.Reset(id)
	payload, _ := json.Marshal(job.Options)
	resolved := worker.ResolveKind(job.Kind, job.URL)
	return o.broker.Enqueue(id, resolved.Priority(), payload)
}

// reconcile repairs the projection after a restart: running rows with
// no live reservation go back to queued
func (o *Orchestrator) reconcile(ctx context.Context) error {
	stuck, err := o.store.ListByStatus(ctx, models.StatusRunning)
	if err != nil {
		return err
	}
	for _, job := range stuck {
		o.logger.Info("re-queueing interrupted job", "job_id", job.ID)
		if err := o.setStatus(ctx, job.ID, models.StatusQueued); err != nil {
			o.logger.Error("reconcile status failed", "job_id", job.ID, "error", err)
			continue
		}
		payload, _ := json.Marshal(job.Options)
		resolved := worker.ResolveKind(job.Kind, job.URL)
		if err := o.broker.Enqueue(job.ID, resolved.Priority(), payload); err != nil {
			o.logger.Error("reconcile enqueue failed", "job_id", job.ID, "error", err)
		}
	}

	// Queued rows must have a queue entry; Enqueue dedups
	pending, err := o.store.ListByStatus(ctx, models.StatusQueued)
	if err != nil {
		return err
	}
	for _, job := range pending {
		payload, _ := json.Marshal(job.Options)
		resolved := worker.ResolveKind(job.Kind, job.URL)
		if err := o.broker.Enqueue(job.ID, resolved.Priority(), payload); err != nil {
			o.logger.Error("reconcile enqueue failed", "job_id", job.ID, "error", err)
		}
	}
	return nil
}

// slotLoop is one of the C worker slots
func (o *Orchestrator) slotLoop(ctx context.Context, slot int) {
	defer o.wg.Done()
	for {
		res, err := o.broker.Reserve(ctx)
		if err != nil {
			return
		}
		o.handle(ctx, slot, res)
	}
}

// handle drives one reserved item through the supervisor and maps its
// outcome onto the job state machine. The reservation is always
// released before a terminal status is written.
func (o *Orchestrator) handle(ctx context.Context, slot int, res *queue.Reservation) {
	jobID := res.Item.JobID

	job, err := o.store.Get(ctx, jobID)
	if err != nil {
		o.logger.Warn("reserved job missing from store", "job_id", jobID, "error", err)
		o.broker.Ack(res.Token)
		return
	}
	if job.Status != models.StatusQueued {
		// Cancelled (or otherwise moved on) while waiting in the queue
		o.broker.Ack(res.Token)
		return
	}

	o.pipeline.Reset(jobID)
	if err := o.store.UpdateStatus(ctx, jobID, models.StatusRunning, "", ""); err != nil {
		o.logger.Error("marking job running failed", "job_id", jobID, "error", err)
		o.broker.Ack(res.Token)
		return
	}
	o.bus.Publish(models.RoomForJob(jobID), models.EventJobUpdate, models.JobUpdateEvent{
		JobID:  jobID,
		Status: models.StatusRunning,
		Stage:  models.StageDownload,
	})
	o.logger.Info("job started", "job_id", jobID, "slot", slot, "attempt", res.Item.Attempts+1)

	runCtx, cancel := context.WithCancel(ctx)
	aj := &activeJob{cancel: cancel}
	o.mu.Lock()
	o.active[jobID] = aj
	o.mu.Unlock()

	hbStop := make(chan struct{})
	go func() {
		ticker := time.NewTicker(queue.DefaultStaleAfter / 3)
		defer ticker.Stop()
		for {
			select {
			case <-hbStop:
				return
			case <-ticker.C:
				o.broker.Heartbeat(res.Token)
			}
		}
	}()

	result := o.runner.Run(runCtx, job)

	close(hbStop)
	cancel()
	o.mu.Lock()
	pause, cancelled := aj.pause, aj.cancelled
	delete(o.active, jobID)
	o.mu.Unlock()

	switch {
	case result.Canceled && pause:
		o.broker.Nack(res.Token, "paused", true)
		if err := o.setStatus(ctx, jobID, models.StatusPaused); err != nil {
			o.logger.Error("marking job paused failed", "job_id", jobID, "error", err)
		}

	case result.Canceled && cancelled:
		o.broker.Ack(res.Token)
		if err := o.setStatus(ctx, jobID, models.StatusCancelled); err != nil {
			o.logger.Error("marking job cancelled failed", "job_id", jobID, "error", err)
		}

	case result.Canceled:
		// Process shutdown: keep the durable queue entry; the restart
		// reconciliation re-queues the job
		o.logger.Info("job interrupted by shutdown", "job_id", jobID)

	case result.Err != nil:
		requeued := o.broker.Nack(res.Token, string(result.Err.Code), result.Err.Code.Retryable())
		if requeued {
			o.logger.Warn("job failed, retrying", "job_id", jobID, "code", result.Err.Code, "error", result.Err.Message)
			if err := o.setStatus(ctx, jobID, models.StatusQueued); err != nil {
				o.logger.Error("re-queueing failed job failed", "job_id", jobID, "error", err)
			}
		} else {
			o.logger.Warn("job failed", "job_id", jobID, "code", result.Err.Code, "error", result.Err.Message)
			o.pipeline.OnFailed(jobID, result.Err.Code, result.Err.Message)
		}

	default:
		o.broker.Ack(res.Token)
		o.pipeline.OnCompleted(jobID, result.Artifact.Filename, result.Artifact.Path, result.Artifact.Size)
		o.logger.Info("job completed", "job_id", jobID, "file", result.Artifact.Filename, "size", result.Artifact.Size)
	}
}

// setStatus writes a non-terminal-or-cancelled transition and announces
// it on the job's room
func (o *Orchestrator) setStatus(ctx context.Context, jobID string, status models.JobStatus) error {
	if err := o.store.UpdateStatus(ctx, jobID, status, "", ""); err != nil && !errors.Is(err, models.ErrNotFound) {
		return err
	}
	o.bus.Publish(models.RoomForJob(jobID), models.EventJobUpdate, models.JobUpdateEvent{
		JobID:  jobID,
		Status: status,
	})
	return nil
}
