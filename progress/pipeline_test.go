package progress

import (
	"context"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fetchd/fetchd/events"
	"github.com/fetchd/fetchd/models"
	"github.com/fetchd/fetchd/store"
)

// recordingStore counts pipeline writes without a real backend
type recordingStore struct {
	mu              sync.Mutex
	progressWrites  []store.ProgressUpdate
	statusWrites    []models.JobStatus
	completedWrites int
}

func (r *recordingStore) Insert(ctx context.Context, job *models.Job) error { return nil }
func (r *recordingStore) Get(ctx context.Context, id string) (*models.Job, error) {
	return nil, models.ErrNotFound
}
func (r *recordingStore) List(ctx context.Context, f store.Filter) ([]*models.Job, int, error) {
	return nil, 0, nil
}
func (r *recordingStore) ListByStatus(ctx context.Context, s models.JobStatus) ([]*models.Job, error) {
	return nil, nil
}

func (r *recordingStore) UpdateProgress(ctx context.Context, id string, u store.ProgressUpdate) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.progressWrites = append(r.progressWrites, u)
	return nil
}

func (r *recordingStore) UpdateStatus(ctx context.Context, id string, s models.JobStatus, c models.ErrorCode, m string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statusWrites = append(r.statusWrites, s)
	return nil
}

func (r *recordingStore) SetCompleted(ctx context.Context, id, filename, outputPath string, size int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.completedWrites++
	return nil
}

func (r *recordingStore) BumpMetrics(ctx context.Context, date string, d store.MetricsDelta) error {
	return nil
}
func (r *recordingStore) GetMetrics(ctx context.Context, date string) (*store.MetricsRow, error) {
	return &store.MetricsRow{Date: date}, nil
}
func (r *recordingStore) Close() {}

func (r *recordingStore) progressCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.progressWrites)
}

func (r *recordingStore) completedCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.completedWrites
}

func testLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestFanoutIsUnthrottledAndOrdered(t *testing.T) {
	st := &recordingStore{}
	bus := events.NewBus(256)
	p := NewPipeline(st, bus, 200*time.Millisecond, testLogger())

	sub := bus.Subscribe(models.RoomForJob("j1"))

	const n = 100
	for i := 0; i < n; i++ {
		p.OnProgress("j1", models.ProgressDelta{
			Progress:    float64(i),
			HasProgress: true,
			Stage:       models.StageDownload,
			ETASec:      -1,
		})
	}

	// Every delta reaches the subscriber, in publish order
	for i := 0; i < n; i++ {
		select {
		case ev := <-sub.C():
			require.Equal(t, models.EventProgress, ev.Type)
			payload := ev.Payload.(models.ProgressEvent)
			assert.Equal(t, float64(i), payload.Progress)
		case <-time.After(time.Second):
			t.Fatalf("missing event %d", i)
		}
	}

	// The store sees at most ceil(1s/200ms)+1 writes for that burst
	time.Sleep(1200 * time.Millisecond)
	assert.LessOrEqual(t, st.progressCount(), 6)
	assert.GreaterOrEqual(t, st.progressCount(), 1)
}

func TestThrottledWriteKeepsNewestDelta(t *testing.T) {
	st := &recordingStore{}
	bus := events.NewBus(16)
	p := NewPipeline(st, bus, 50*time.Millisecond, testLogger())

	p.OnProgress("j1", models.ProgressDelta{Progress: 10, HasProgress: true, Stage: models.StageDownload, ETASec: -1})
	p.OnProgress("j1", models.ProgressDelta{Progress: 30, HasProgress: true, Stage: models.StageDownload, ETASec: -1})
	p.OnProgress("j1", models.ProgressDelta{Progress: 70, HasProgress: true, Stage: models.StageDownload, ETASec: -1})

	time.Sleep(120 * time.Millisecond)
	require.Equal(t, 1, st.progressCount())
	st.mu.Lock()
	written := st.progressWrites[0].Progress
	st.mu.Unlock()
	assert.Equal(t, 70.0, written, "the flush writes the newest buffered delta")
}

func TestTerminalFlushDiscardsBufferedProgress(t *testing.T) {
	st := &recordingStore{}
	bus := events.NewBus(256)
	// Effectively-infinite throttle: nothing may reach the store except
	// the terminal write
	p := NewPipeline(st, bus, 10*time.Second, testLogger())

	sub := bus.Subscribe(models.RoomForJob("j1"))

	for i := 0; i < 50; i++ {
		p.OnProgress("j1", models.ProgressDelta{Progress: float64(i), HasProgress: true, Stage: models.StageDownload, ETASec: -1})
	}
	p.OnCompleted("j1", "out.mp4", "/data/j1/out.mp4", 4096)

	assert.Equal(t, 1, st.completedCount())
	assert.Zero(t, st.progressCount(), "buffered progress is superseded by the terminal write")

	// The pending timer was cancelled: no write appears later
	time.Sleep(150 * time.Millisecond)
	assert.Zero(t, st.progressCount())

	// The subscriber saw all 50 progress events, then exactly the
	// completed event
	for i := 0; i < 50; i++ {
		ev := <-sub.C()
		require.Equal(t, models.EventProgress, ev.Type)
	}
	ev := <-sub.C()
	require.Equal(t, models.EventCompleted, ev.Type)
	done := ev.Payload.(models.CompletedEvent)
	assert.Equal(t, "out.mp4", done.Filename)
	assert.Equal(t, int64(4096), done.Size)
}

func TestNoProgressAfterTerminal(t *testing.T) {
	st := &recordingStore{}
	bus := events.NewBus(16)
	p := NewPipeline(st, bus, 50*time.Millisecond, testLogger())

	sub := bus.Subscribe(models.RoomForJob("j1"))

	p.OnFailed("j1", models.ErrCodeNetworkError, "connection reset")
	// Lingering adapter output after the terminal event is discarded
	p.OnProgress("j1", models.ProgressDelta{Progress: 99, HasProgress: true, Stage: models.StageDownload, ETASec: -1})

	ev := <-sub.C()
	require.Equal(t, models.EventFailed, ev.Type)
	select {
	case ev := <-sub.C():
		t.Fatalf("event after terminal: %v", ev.Type)
	case <-time.After(150 * time.Millisecond):
	}
	assert.Zero(t, st.progressCount())
}

func TestResetAllowsNewRunAfterTerminal(t *testing.T) {
	st := &recordingStore{}
	bus := events.NewBus(16)
	p := NewPipeline(st, bus, 30*time.Millisecond, testLogger())

	p.OnFailed("j1", models.ErrCodeNetworkError, "boom")
	p.Reset("j1")

	p.OnProgress("j1", models.ProgressDelta{Progress: 5, HasProgress: true, Stage: models.StageDownload, ETASec: -1})
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, st.progressCount())
}

func TestOnJobUpdateWritesAndPublishes(t *testing.T) {
	st := &recordingStore{}
	bus := events.NewBus(16)
	p := NewPipeline(st, bus, 50*time.Millisecond, testLogger())

	sub := bus.Subscribe(models.RoomForJob("j1"))
	p.OnJobUpdate("j1", models.JobUpdateEvent{Status: models.StatusRunning, Stage: models.StageDownload})

	st.mu.Lock()
	statuses := append([]models.JobStatus(nil), st.statusWrites...)
	st.mu.Unlock()
	require.Equal(t, []models.JobStatus{models.StatusRunning}, statuses)

	ev := <-sub.C()
	assert.Equal(t, models.EventJobUpdate, ev.Type)
	payload := ev.Payload.(models.JobUpdateEvent)
	assert.Equal(t, "j1", payload.JobID)
	assert.Equal(t, models.StatusRunning, payload.Status)
}
