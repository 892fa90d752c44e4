package bus

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/pubsub"
	"github.com/zjrosen/chamber/internal/registry"
)

// recordingDeliverer scripts delivery outcomes per target.
type recordingDeliverer struct {
	mu        sync.Mutex
	delivered []*Message
	failures  map[string]int // target -> remaining failures (-1 = always)
}

func newRecordingDeliverer() *recordingDeliverer {
	return &recordingDeliverer{failures: make(map[string]int)}
}

func (d *recordingDeliverer) failTarget(target string, times int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.failures[target] = times
}

func (d *recordingDeliverer) Deliver(_ context.Context, msg *Message) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if n, ok := d.failures[msg.Target]; ok && n != 0 {
		if n > 0 {
			d.failures[msg.Target] = n - 1
		}
		return errors.New("delivery refused")
	}
	d.delivered = append(d.delivered, msg)
	return nil
}

func (d *recordingDeliverer) deliveredIDs() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, len(d.delivered))
	for i, m := range d.delivered {
		out[i] = m.ID
	}
	return out
}

func newTestBus(t *testing.T, dir string, d Deliverer) (*Bus, *pubsub.Broker[events.Event]) {
	t.Helper()
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	reg := registry.New(broker, "", registry.DefaultOptions())
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = 10 * time.Millisecond
	b := New(cfg, dir, reg, broker, d)
	t.Cleanup(b.Close)
	return b, broker
}

func waitFor(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal(msg)
}

func TestSendValidation(t *testing.T) {
	b, _ := newTestBus(t, "", newRecordingDeliverer())

	err := b.Send(&Message{ID: "x", Priority: PriorityNormal})
	assert.ErrorIs(t, err, ErrInvalidMessage)

	msg := NewMessage("task", "orchestrator", "w-1", "hi", Priority(9))
	assert.ErrorIs(t, b.Send(msg), ErrInvalidMessage)
}

func TestDeliveryHappyPath(t *testing.T) {
	d := newRecordingDeliverer()
	b, _ := newTestBus(t, "", d)

	msg := NewMessage("task", "orchestrator", "w-1", "hello", PriorityNormal)
	require.NoError(t, b.Send(msg))

	waitFor(t, func() bool { return len(d.deliveredIDs()) == 1 }, "message never delivered")
	assert.Empty(t, b.Pending("w-1"))
}

func TestPriorityOrderWithinQueue(t *testing.T) {
	d := newRecordingDeliverer()
	d.failTarget("w-1", -1) // hold everything in the queue first
	b, _ := newTestBus(t, "", d)

	low := NewMessage("k", "s", "w-1", 1, PriorityLow)
	crit := NewMessage("k", "s", "w-1", 2, PriorityCritical)
	norm1 := NewMessage("k", "s", "w-1", 3, PriorityNormal)
	norm2 := NewMessage("k", "s", "w-1", 4, PriorityNormal)
	for _, m := range []*Message{low, crit, norm1, norm2} {
		require.NoError(t, b.Send(m))
	}

	pending := b.Pending("w-1")
	require.Len(t, pending, 4)
	assert.Equal(t, crit.ID, pending[0].ID)
	assert.Equal(t, norm1.ID, pending[1].ID)
	assert.Equal(t, norm2.ID, pending[2].ID)
	assert.Equal(t, low.ID, pending[3].ID)
}

func TestRetryThenFail(t *testing.T) {
	d := newRecordingDeliverer()
	d.failTarget("w-1", -1)
	dir := t.TempDir()
	b, broker := newTestBus(t, dir, d)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := broker.Subscribe(ctx)

	msg := NewMessage("task", "s", "w-1", "x", PriorityNormal)
	require.NoError(t, b.Send(msg))

	// Three retries then terminal failure.
	var failed *Message
	deadline := time.After(3 * time.Second)
	for failed == nil {
		select {
		case ev := <-sub:
			if ev.Payload.Type == events.MessageFailed {
				m := ev.Payload.Payload.(*Message)
				failed = m
			}
		case <-deadline:
			t.Fatal("message never failed")
		}
	}
	assert.Equal(t, 3, failed.RetryCount)
	assert.Equal(t, "max retries", failed.Error)

	// The durable file is gone after the terminal transition.
	waitFor(t, func() bool {
		_, err := os.Stat(filepath.Join(dir, msg.ID+".json"))
		return os.IsNotExist(err)
	}, "durable file not removed")
}

func TestRetryEventuallyDelivers(t *testing.T) {
	d := newRecordingDeliverer()
	d.failTarget("w-1", 2)
	b, _ := newTestBus(t, "", d)

	msg := NewMessage("task", "s", "w-1", "x", PriorityNormal)
	require.NoError(t, b.Send(msg))

	waitFor(t, func() bool { return len(d.deliveredIDs()) == 1 }, "message never recovered")
}

func TestQueueCapacity(t *testing.T) {
	d := newRecordingDeliverer()
	d.failTarget("w-1", -1)
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	reg := registry.New(broker, "", registry.DefaultOptions())
	cfg := Config{QueueCapacity: 2, MaxRetries: 3, RetryBaseDelay: time.Hour}
	b := New(cfg, "", reg, broker, d)
	t.Cleanup(b.Close)

	require.NoError(t, b.Send(NewMessage("k", "s", "w-1", 1, PriorityNormal)))
	require.NoError(t, b.Send(NewMessage("k", "s", "w-1", 2, PriorityNormal)))
	err := b.Send(NewMessage("k", "s", "w-1", 3, PriorityNormal))
	assert.ErrorIs(t, err, ErrQueueFull)

	// A different target still has room.
	assert.NoError(t, b.Send(NewMessage("k", "s", "w-2", 4, PriorityNormal)))
}

func TestPersistBeforeQueuedEvent(t *testing.T) {
	dir := t.TempDir()
	d := newRecordingDeliverer()
	d.failTarget("w-1", -1)

	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	reg := registry.New(broker, "", registry.DefaultOptions())
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Hour
	b := New(cfg, dir, reg, broker, d)
	t.Cleanup(b.Close)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := broker.Subscribe(ctx)

	msg := NewMessage("task", "s", "w-1", "x", PriorityNormal)
	require.NoError(t, b.Send(msg))

	deadline := time.After(time.Second)
	for {
		select {
		case ev := <-sub:
			if ev.Payload.Type != events.MessageQueued {
				continue
			}
			// By the time queued is observable the file exists.
			_, err := os.Stat(filepath.Join(dir, msg.ID+".json"))
			assert.NoError(t, err)
			return
		case <-deadline:
			t.Fatal("no queued event")
		}
	}
}

func TestRehydrate(t *testing.T) {
	dir := t.TempDir()
	d := newRecordingDeliverer()
	d.failTarget("w-1", -1)

	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	reg := registry.New(broker, "", registry.DefaultOptions())
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Hour
	b := New(cfg, dir, reg, broker, d)

	msg := NewMessage("task", "s", "w-1", "x", PriorityNormal)
	require.NoError(t, b.Send(msg))
	b.Close()

	// Terminal file left behind by a crash.
	stale := NewMessage("task", "s", "w-2", "y", PriorityNormal)
	stale.Status = StatusDelivered
	data := []byte(`{"id":"` + stale.ID + `","status":"delivered","target":"w-2","priority":2}`)
	require.NoError(t, os.WriteFile(filepath.Join(dir, stale.ID+".json"), data, 0644))

	d2 := newRecordingDeliverer()
	b2 := New(cfg, dir, reg, broker, d2)
	require.NoError(t, b2.Start())
	t.Cleanup(b2.Close)

	waitFor(t, func() bool { return len(d2.deliveredIDs()) == 1 }, "rehydrated message not delivered")
	_, err := os.Stat(filepath.Join(dir, stale.ID+".json"))
	assert.True(t, os.IsNotExist(err), "terminal file should be removed at startup")
}

func TestBroadcast(t *testing.T) {
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	reg := registry.New(broker, "", registry.DefaultOptions())
	for _, id := range []string{"w-1", "w-2", "w-3"} {
		require.NoError(t, reg.Register(&registry.Worker{ID: id, Status: registry.StatusActive}))
	}
	require.NoError(t, reg.Register(&registry.Worker{ID: "w-idle", Status: registry.StatusPending}))

	d := newRecordingDeliverer()
	cfg := DefaultConfig()
	b := New(cfg, "", reg, broker, d)
	t.Cleanup(b.Close)

	sent := b.Broadcast("announce", "w-1", "hi", PriorityHigh, "", []string{"w-3"})
	// w-1 is the source, w-3 excluded, w-idle not active.
	require.Len(t, sent, 1)
	assert.Equal(t, "w-2", sent[0].Target)
}

func TestMarkDeliveredOutOfBand(t *testing.T) {
	d := newRecordingDeliverer()
	d.failTarget("w-1", -1)
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	reg := registry.New(broker, "", registry.DefaultOptions())
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Hour
	b := New(cfg, "", reg, broker, d)
	t.Cleanup(b.Close)

	msg := NewMessage("task", "s", "w-1", "x", PriorityNormal)
	require.NoError(t, b.Send(msg))

	require.NoError(t, b.MarkDelivered(msg.ID))
	assert.ErrorIs(t, b.MarkDelivered(msg.ID), ErrUnknownMessage)
	waitFor(t, func() bool { return len(b.Pending("w-1")) == 0 }, "queue not drained")
}

func TestStatsByStatusAndKind(t *testing.T) {
	d := newRecordingDeliverer()
	d.failTarget("w-1", -1)
	d.failTarget("w-2", -1)
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	reg := registry.New(broker, "", registry.DefaultOptions())
	cfg := DefaultConfig()
	cfg.RetryBaseDelay = time.Hour
	b := New(cfg, "", reg, broker, d)
	t.Cleanup(b.Close)

	require.NoError(t, b.Send(NewMessage("task", "s", "w-1", 1, PriorityNormal)))
	require.NoError(t, b.Send(NewMessage("task", "s", "w-1", 2, PriorityNormal)))
	require.NoError(t, b.Send(NewMessage("report", "s", "w-2", 3, PriorityNormal)))

	waitFor(t, func() bool { return b.Stats("").ByStatus[string(StatusRetrying)] >= 2 }, "retries not observed")

	global := b.Stats("")
	assert.Equal(t, 3, global.Total)
	assert.Equal(t, 2, global.ByKind["task"])
	assert.Equal(t, 1, global.ByKind["report"])

	one := b.Stats("w-2")
	assert.Equal(t, 1, one.Total)
}

func TestDrainOrderProperty(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		d := newRecordingDeliverer()
		d.failTarget("w-1", -1)
		broker := pubsub.NewBroker[events.Event]()
		defer broker.Close()
		reg := registry.New(broker, "", registry.DefaultOptions())
		cfg := Config{QueueCapacity: 1000, MaxRetries: 3, RetryBaseDelay: time.Hour}
		b := New(cfg, "", reg, broker, d)
		defer b.Close()

		n := rapid.IntRange(1, 30).Draw(rt, "n")
		var ids []string
		var prios []Priority
		for i := 0; i < n; i++ {
			p := Priority(rapid.IntRange(0, 3).Draw(rt, "priority"))
			msg := NewMessage("k", "s", "w-1", i, p)
			if err := b.Send(msg); err != nil {
				rt.Fatalf("send: %v", err)
			}
			ids = append(ids, msg.ID)
			prios = append(prios, p)
		}

		pending := b.Pending("w-1")
		if len(pending) != n {
			rt.Fatalf("expected %d pending, got %d", n, len(pending))
		}
		// Non-decreasing priority, and FIFO within a priority level.
		seen := make(map[Priority]int)
		for i, m := range pending {
			if i > 0 && pending[i-1].Priority > m.Priority {
				rt.Fatalf("priority inversion at %d", i)
			}
		}
		for _, m := range pending {
			idx := indexOf(ids, m.ID)
			if idx < 0 {
				rt.Fatalf("unknown message %s", m.ID)
			}
			if last, ok := seen[m.Priority]; ok && idx < last {
				rt.Fatalf("FIFO violated within priority %s", m.Priority)
			}
			seen[m.Priority] = idx
			_ = prios
		}
	})
}

func indexOf(ids []string, id string) int {
	for i, v := range ids {
		if v == id {
			return i
		}
	}
	return -1
}
