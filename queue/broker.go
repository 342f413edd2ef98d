package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
)

// Defaults for the scheduling policy
const (
	DefaultCapacity    = 3
	DefaultMaxAttempts = 2
	DefaultStaleAfter  = 30 * time.Second

	retryBaseInterval = 5 * time.Second
	retryMultiplier   = 2.0
	retryJitter       = 0.2

	pollInterval = 500 * time.Millisecond
)

// Item is one unit of queued work. Payload is opaque to the broker; the
// orchestrator uses it to restart work after a process restart.
type Item struct {
	JobID      string          `json:"job_id"`
	Priority   int             `json:"priority"`
	Payload    json.RawMessage `json:"payload,omitempty"`
	Attempts   int             `json:"attempts"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
	NotBefore  time.Time       `json:"not_before,omitempty"`
	Paused     bool            `json:"paused,omitempty"`
}

// Reservation is a held work item counting against the concurrency cap
type Reservation struct {
	Token string
	Item  Item
}

type reservation struct {
	token     string
	item      *Item
	heartbeat time.Time
}

// Broker is the durable work queue: priority classes, FIFO within a
// class, a global concurrency cap, and retry with exponential backoff.
// Enqueued items are persisted one file per job under dataDir so they
// survive an orchestrator restart.
type Broker struct {
	mu          sync.Mutex
	pending     []*Item
	paused      map[string]*Item
	inflight    map[string]*reservation // token -> reservation
	byJob       map[string]string       // jobID -> token while reserved
	capacity    int
	maxAttempts int
	staleAfter  time.Duration
	retryBase   time.Duration
	dataDir     string
	wake        chan struct{}
	logger      *slog.Logger
}

// Options tunes the broker; zero values take the defaults above
type Options struct {
	Capacity    int
	MaxAttempts int
	StaleAfter  time.Duration
	RetryBase   time.Duration
}

// NewBroker creates a broker persisting queue items under dataDir
func NewBroker(dataDir string, opts Options, logger *slog.Logger) (*Broker, error) {
	if opts.Capacity <= 0 {
		opts.Capacity = DefaultCapacity
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = DefaultMaxAttempts
	}
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = DefaultStaleAfter
	}
	if opts.RetryBase <= 0 {
		opts.RetryBase = retryBaseInterval
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("create queue directory: %w", err)
	}
	return &Broker{
		pending:     make([]*Item, 0),
		paused:      make(map[string]*Item),
		inflight:    make(map[string]*reservation),
		byJob:       make(map[string]string),
		capacity:    opts.Capacity,
		maxAttempts: opts.MaxAttempts,
		staleAfter:  opts.StaleAfter,
		retryBase:   opts.RetryBase,
		dataDir:     dataDir,
		wake:        make(chan struct{}, 1),
		logger:      logger,
	}, nil
}

// Load restores persisted items from disk. Items that were reserved
// when the process died come back as pending; their attempt counter is
// preserved.
func (b *Broker) Load() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	files, err := os.ReadDir(b.dataDir)
	if err != nil {
		return fmt.Errorf("read queue directory: %w", err)
	}
	for _, file := range files {
		if filepath.Ext(file.Name()) != ".json" {
			continue
		}
		path := filepath.Join(b.dataDir, file.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			b.logger.Warn("skipping unreadable queue item", "path", path, "error", err)
			continue
		}
		var item Item
		if err := json.Unmarshal(data, &item); err != nil {
			b.logger.Warn("skipping corrupt queue item", "path", path, "error", err)
			continue
		}
		if item.Paused {
			b.paused[item.JobID] = &item
		} else {
			b.pending = append(b.pending, &item)
		}
	}
	b.sortPendingLocked()
	b.logger.Info("queue restored", "pending", len(b.pending), "paused", len(b.paused))
	return nil
}

// Enqueue adds a job to the queue. Re-enqueueing a job that is already
// pending is a no-op.
func (b *Broker) Enqueue(jobID string, priority int, payload json.RawMessage) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	for _, item := range b.pending {
		if item.JobID == jobID {
			return nil
		}
	}
	item := &Item{
		JobID:      jobID,
		Priority:   priority,
		Payload:    payload,
		EnqueuedAt: time.Now(),
	}
	b.pending = append(b.pending, item)
	b.sortPendingLocked()
	if err := b.persistLocked(item); err != nil {
		return err
	}
	b.wakeup()
	return nil
}

// Reserve blocks until a slot is free and an item is due, or ctx ends.
// The caller must Ack or Nack the reservation and should Heartbeat it
// while working.
func (b *Broker) Reserve(ctx context.Context) (*Reservation, error) {
	for {
		b.mu.Lock()
		b.releaseStaleLocked(time.Now())
		res := b.tryReserveLocked(time.Now())
		b.mu.Unlock()
		if res != nil {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-b.wake:
		case <-time.After(pollInterval):
		}
	}
}

// Heartbeat marks a reservation as still being worked on
func (b *Broker) Heartbeat(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if res, ok := b.inflight[token]; ok {
		res.heartbeat = time.Now()
	}
}

// Ack marks the reserved item done and frees its slot
func (b *Broker) Ack(token string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.inflight[token]
	if !ok {
		return
	}
	delete(b.inflight, token)
	delete(b.byJob, res.item.JobID)
	b.removeFileLocked(res.item.JobID)
	b.wakeup()
}

// Nack returns the reserved item. With retryable true and attempts left
// it is rescheduled after an exponential backoff and Nack reports true;
// otherwise the item is dropped and Nack reports false. Reason "paused"
// parks the item without consuming an attempt until Resume.
func (b *Broker) Nack(token, reason string, retryable bool) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	res, ok := b.inflight[token]
	if !ok {
		return false
	}
	delete(b.inflight, token)
	delete(b.byJob, res.item.JobID)
	item := res.item

	if reason == "paused" {
		item.Paused = true
		item.NotBefore = time.Time{}
		b.paused[item.JobID] = item
		b.persistLocked(item)
		b.wakeup()
		return true
	}

	item.Attempts++
	if !retryable || item.Attempts >= b.maxAttempts {
		b.removeFileLocked(item.JobID)
		b.wakeup()
		return false
	}

	item.NotBefore = time.Now().Add(retryDelay(item.Attempts, b.retryBase))
	b.pending = append(b.pending, item)
	b.sortPendingLocked()
	b.persistLocked(item)
	b.logger.Info("job rescheduled", "job_id", item.JobID, "attempt", item.Attempts+1, "reason", reason, "not_before", item.NotBefore)
	b.wakeup()
	return true
}

// Resume moves a parked item back into the pending queue at its
// original priority
func (b *Broker) Resume(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	item, ok := b.paused[jobID]
	if !ok {
		return false
	}
	delete(b.paused, jobID)
	item.Paused = false
	item.EnqueuedAt = time.Now()
	b.pending = append(b.pending, item)
	b.sortPendingLocked()
	b.persistLocked(item)
	b.wakeup()
	return true
}

// Remove dequeues a job that has not been reserved yet. It is
// idempotent; reserved jobs are untouched.
func (b *Broker) Remove(jobID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	if item, ok := b.paused[jobID]; ok {
		delete(b.paused, jobID)
		b.removeFileLocked(item.JobID)
		return true
	}
	for i, item := range b.pending {
		if item.JobID == jobID {
			b.pending = append(b.pending[:i], b.pending[i+1:]...)
			b.removeFileLocked(jobID)
			return true
		}
	}
	return false
}

// Depth returns the number of pending (due or delayed) items
func (b *Broker) Depth() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// InFlight returns the number of active reservations
func (b *Broker) InFlight() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.inflight)
}

func (b *Broker) tryReserveLocked(now time.Time) *Reservation {
	if len(b.inflight) >= b.capacity {
		return nil
	}
	for i, item := range b.pending {
		if item.NotBefore.After(now) {
			continue
		}
		b.pending = append(b.pending[:i], b.pending[i+1:]...)
		token := uuid.New().String()
		b.inflight[token] = &reservation{token: token, item: item, heartbeat: now}
		b.byJob[item.JobID] = token
		return &Reservation{Token: token, Item: *item}
	}
	return nil
}

// releaseStaleLocked returns reservations whose holder stopped
// heartbeating; the release counts toward the attempt limit
func (b *Broker) releaseStaleLocked(now time.Time) {
	for token, res := range b.inflight {
		if now.Sub(res.heartbeat) <= b.staleAfter {
			continue
		}
		delete(b.inflight, token)
		delete(b.byJob, res.item.JobID)
		res.item.Attempts++
		if res.item.Attempts >= b.maxAttempts {
			b.logger.Warn("stale reservation exhausted attempts", "job_id", res.item.JobID)
			b.removeFileLocked(res.item.JobID)
			continue
		}
		b.logger.Warn("releasing stale reservation", "job_id", res.item.JobID, "attempt", res.item.Attempts+1)
		b.pending = append(b.pending, res.item)
	}
	b.sortPendingLocked()
}

// sortPendingLocked keeps higher priority first, FIFO within a class
func (b *Broker) sortPendingLocked() {
	sort.SliceStable(b.pending, func(i, j int) bool {
		if b.pending[i].Priority != b.pending[j].Priority {
			return b.pending[i].Priority > b.pending[j].Priority
		}
		return b.pending[i].EnqueuedAt.Before(b.pending[j].EnqueuedAt)
	})
}

func (b *Broker) persistLocked(item *Item) error {
	data, err := json.Marshal(item)
	if err != nil {
		return fmt.Errorf("marshal queue item: %w", err)
	}
	path := filepath.Join(b.dataDir, item.JobID+".json")
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write queue item: %w", err)
	}
	return nil
}

func (b *Broker) removeFileLocked(jobID string) {
	path := filepath.Join(b.dataDir, jobID+".json")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		b.logger.Warn("failed to remove queue item file", "path", path, "error", err)
	}
}

func (b *Broker) wakeup() {
	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// retryDelay computes the backoff before the given attempt number
// (1-based): base 5s, factor 2, jitter +/-20%
func retryDelay(attempt int, base time.Duration) time.Duration {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = base
	bo.Multiplier = retryMultiplier
	bo.RandomizationFactor = retryJitter
	bo.MaxInterval = 10 * time.Minute
	bo.MaxElapsedTime = 0
	bo.Reset()
	var d time.Duration
	for i := 0; i < attempt; i++ {
		d = bo.NextBackOff()
	}
	return d
}
