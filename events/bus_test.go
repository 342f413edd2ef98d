package events

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func drain(t *testing.T, sub *Subscription, n int) []Event {
	t.Helper()
	out := make([]Event, 0, n)
	for len(out) < n {
		select {
		case ev := <-sub.C():
			out = append(out, ev)
		case <-time.After(time.Second):
			t.Fatalf("timed out after %d of %d events", len(out), n)
		}
	}
	return out
}

func TestPublishOrderPerRoom(t *testing.T) {
	bus := NewBus(64)
	sub := bus.Subscribe("job:a")

	for i := 0; i < 50; i++ {
		bus.Publish("job:a", "progress", i)
	}

	got := drain(t, sub, 50)
	for i, ev := range got {
		assert.Equal(t, i, ev.Payload)
		assert.Equal(t, "job:a", ev.Room)
	}
}

func TestRoomIsolation(t *testing.T) {
	bus := NewBus(8)
	subA := bus.Subscribe("job:a")
	subB := bus.Subscribe("job:b")

	bus.Publish("job:a", "progress", "for-a")

	got := drain(t, subA, 1)
	assert.Equal(t, "for-a", got[0].Payload)

	select {
	case ev := <-subB.C():
		t.Fatalf("subscriber of another room received %v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestDropOldestOnOverflow(t *testing.T) {
	bus := NewBus(4)
	sub := bus.Subscribe("job:a")

	// Publisher never blocks even though nobody is reading
	done := make(chan struct{})
	go func() {
		for i := 0; i < 100; i++ {
			bus.Publish("job:a", "progress", i)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publisher blocked on a slow subscriber")
	}

	// The newest events survived
	got := drain(t, sub, 4)
	assert.Equal(t, 96, got[0].Payload)
	assert.Equal(t, 99, got[3].Payload)
}

func TestBroadcastReachesAllSubscribers(t *testing.T) {
	bus := NewBus(8)
	subs := make([]*Subscription, 3)
	for i := range subs {
		subs[i] = bus.Subscribe(fmt.Sprintf("job:%d", i))
	}

	bus.Broadcast("job-update", "hello")
	for _, sub := range subs {
		got := drain(t, sub, 1)
		assert.Equal(t, "hello", got[0].Payload)
	}
}

func TestJoinLeave(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe("")

	bus.Join(sub, "job:a")
	bus.Publish("job:a", "progress", 1)
	got := drain(t, sub, 1)
	require.Equal(t, 1, got[0].Payload)

	bus.Leave(sub, "job:a")
	bus.Publish("job:a", "progress", 2)
	select {
	case ev := <-sub.C():
		t.Fatalf("received %v after leaving the room", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	bus := NewBus(8)
	sub := bus.Subscribe("job:a")

	bus.Unsubscribe(sub)
	_, ok := <-sub.C()
	assert.False(t, ok)

	// Publishing after unsubscribe must not panic
	bus.Publish("job:a", "progress", 1)
	bus.Unsubscribe(sub)
}
