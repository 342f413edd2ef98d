package queue

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testBroker(t *testing.T, opts Options) *Broker {
	t.Helper()
	b, err := NewBroker(t.TempDir(), opts, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	return b
}

func reserveNow(t *testing.T, b *Broker) *Reservation {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := b.Reserve(ctx)
	require.NoError(t, err)
	return res
}

func TestPriorityThenFIFO(t *testing.T) {
	b := testBroker(t, Options{Capacity: 1})

	require.NoError(t, b.Enqueue("normal-1", 3, nil))
	require.NoError(t, b.Enqueue("normal-2", 3, nil))
	require.NoError(t, b.Enqueue("high-1", 5, nil))

	first := reserveNow(t, b)
	assert.Equal(t, "high-1", first.Item.JobID)
	b.Ack(first.Token)

	second := reserveNow(t, b)
	assert.Equal(t, "normal-1", second.Item.JobID)
	b.Ack(second.Token)

	third := reserveNow(t, b)
	assert.Equal(t, "normal-2", third.Item.JobID)
	b.Ack(third.Token)
}

func TestConcurrencyCap(t *testing.T) {
	b := testBroker(t, Options{Capacity: 2})
	for i := 0; i < 5; i++ {
		require.NoError(t, b.Enqueue(jobName(i), 3, nil))
	}

	r1 := reserveNow(t, b)
	r2 := reserveNow(t, b)
	assert.Equal(t, 2, b.InFlight())

	// Third reservation must block until a slot frees
	ctx, cancel := context.WithTimeout(context.Background(), 150*time.Millisecond)
	defer cancel()
	_, err := b.Reserve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)

	b.Ack(r1.Token)
	r3 := reserveNow(t, b)
	assert.Equal(t, 2, b.InFlight())
	b.Ack(r2.Token)
	b.Ack(r3.Token)
}

func TestNackReschedulesWithBackoff(t *testing.T) {
	b := testBroker(t, Options{Capacity: 1, MaxAttempts: 2})
	require.NoError(t, b.Enqueue("job-a", 3, nil))

	res := reserveNow(t, b)
	requeued := b.Nack(res.Token, "NETWORK_ERROR", true)
	require.True(t, requeued)

	// The item is delayed by the backoff, not immediately reservable
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	_, err := b.Reserve(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 1, b.Depth())

	// Second failure exhausts maxAttempts
	b.mu.Lock()
	b.pending[0].NotBefore = time.Time{}
	b.mu.Unlock()
	res = reserveNow(t, b)
	assert.Equal(t, 1, res.Item.Attempts)
	requeued = b.Nack(res.Token, "NETWORK_ERROR", true)
	assert.False(t, requeued)
	assert.Zero(t, b.Depth())
}

func TestNackNonRetryableDropsImmediately(t *testing.T) {
	b := testBroker(t, Options{Capacity: 1, MaxAttempts: 5})
	require.NoError(t, b.Enqueue("job-a", 3, nil))

	res := reserveNow(t, b)
	assert.False(t, b.Nack(res.Token, "AUTH_REQUIRED", false))
	assert.Zero(t, b.Depth())
	assert.Zero(t, b.InFlight())
}

func TestBackoffWindow(t *testing.T) {
	// base 5s, jitter 20%: the first retry lands in [4s, 6s]
	for i := 0; i < 20; i++ {
		d := retryDelay(1, retryBaseInterval)
		assert.GreaterOrEqual(t, d, 4*time.Second)
		assert.LessOrEqual(t, d, 6*time.Second)
	}
	// Second retry doubles: [8s, 12s]
	d := retryDelay(2, retryBaseInterval)
	assert.GreaterOrEqual(t, d, 8*time.Second)
	assert.LessOrEqual(t, d, 12*time.Second)
}

func TestPauseParksAndResumeRestores(t *testing.T) {
	b := testBroker(t, Options{Capacity: 1})
	require.NoError(t, b.Enqueue("job-a", 5, nil))

	res := reserveNow(t, b)
	require.True(t, b.Nack(res.Token, "paused", true))
	assert.Zero(t, b.Depth())
	assert.Zero(t, b.InFlight())

	// Parked items do not consume an attempt
	require.True(t, b.Resume("job-a"))
	res = reserveNow(t, b)
	assert.Equal(t, "job-a", res.Item.JobID)
	assert.Zero(t, res.Item.Attempts)
	assert.Equal(t, 5, res.Item.Priority, "resume keeps the original priority")
	b.Ack(res.Token)

	assert.False(t, b.Resume("job-a"), "resume is idempotent")
}

func TestRemoveIsIdempotent(t *testing.T) {
	b := testBroker(t, Options{Capacity: 1})
	require.NoError(t, b.Enqueue("job-a", 3, nil))

	assert.True(t, b.Remove("job-a"))
	assert.False(t, b.Remove("job-a"))
	assert.Zero(t, b.Depth())
}

func TestEnqueueDedups(t *testing.T) {
	b := testBroker(t, Options{Capacity: 1})
	require.NoError(t, b.Enqueue("job-a", 3, nil))
	require.NoError(t, b.Enqueue("job-a", 3, nil))
	assert.Equal(t, 1, b.Depth())
}

func TestDurabilityAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	logger := slog.New(slog.DiscardHandler)

	b1, err := NewBroker(dir, Options{Capacity: 2}, logger)
	require.NoError(t, err)
	require.NoError(t, b1.Enqueue("pending-1", 3, []byte(`{"k":"v"}`)))
	require.NoError(t, b1.Enqueue("reserved-1", 5, nil))
	res := reserveNow(t, b1)
	assert.Equal(t, "reserved-1", res.Item.JobID)
	// Process dies here without Ack

	b2, err := NewBroker(dir, Options{Capacity: 2}, logger)
	require.NoError(t, err)
	require.NoError(t, b2.Load())
	assert.Equal(t, 2, b2.Depth(), "reserved-but-unacked items come back as pending")

	first := reserveNow(t, b2)
	assert.Equal(t, "reserved-1", first.Item.JobID)
	second := reserveNow(t, b2)
	assert.Equal(t, "pending-1", second.Item.JobID)
	assert.Equal(t, []byte(`{"k":"v"}`), []byte(second.Item.Payload))
}

func TestStaleReservationIsReleased(t *testing.T) {
	b := testBroker(t, Options{Capacity: 1, StaleAfter: 100 * time.Millisecond, MaxAttempts: 3})
	require.NoError(t, b.Enqueue("job-a", 3, nil))

	res := reserveNow(t, b)
	_ = res
	time.Sleep(150 * time.Millisecond)

	// The next Reserve call sweeps the stale reservation back in
	again := reserveNow(t, b)
	assert.Equal(t, "job-a", again.Item.JobID)
	assert.Equal(t, 1, again.Item.Attempts, "stale release counts toward maxAttempts")
	b.Ack(again.Token)
}

func jobName(i int) string {
	return string(rune('a'+i)) + "-job"
}
