package registry

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/pubsub"
)

func newTestRegistry(t *testing.T) (*Registry, *pubsub.Broker[events.Event]) {
	t.Helper()
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	return New(broker, "", DefaultOptions()), broker
}

func testWorker(id string) *Worker {
	return &Worker{
		ID:           id,
		Name:         "worker-" + id,
		Status:       StatusPending,
		Project:      "/repo",
		BaseBranch:   "main",
		Branch:       "agent/" + id,
		WorktreePath: "/repo/.orch/worktrees/" + id,
	}
}

func collectEvents(ctx context.Context, broker *pubsub.Broker[events.Event]) <-chan pubsub.Event[events.Event] {
	return broker.Subscribe(ctx)
}

func TestStatusTransitions(t *testing.T) {
	tests := []struct {
		from Status
		to   Status
		ok   bool
	}{
		{StatusPending, StatusActive, true},
		{StatusPending, StatusFailed, true},
		{StatusPending, StatusCompleted, false},
		{StatusActive, StatusCompleted, true},
		{StatusActive, StatusFailed, true},
		{StatusActive, StatusTerminating, true},
		{StatusActive, StatusPending, false},
		{StatusTerminating, StatusCompleted, true},
		{StatusTerminating, StatusFailed, true},
		{StatusTerminating, StatusActive, false},
		{StatusCompleted, StatusFailed, false},
		{StatusFailed, StatusActive, false},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			assert.Equal(t, tt.ok, tt.from.CanTransitionTo(tt.to))
		})
	}
}

func TestStatusTerminal(t *testing.T) {
	assert.True(t, StatusCompleted.IsTerminal())
	assert.True(t, StatusFailed.IsTerminal())
	assert.False(t, StatusActive.IsTerminal())
	assert.False(t, StatusTerminating.IsTerminal())
	assert.False(t, Status("bogus").IsValid())
}

func TestRegisterAndGet(t *testing.T) {
	r, _ := newTestRegistry(t)

	require.NoError(t, r.Register(testWorker("w-1")))

	got, ok := r.Get("w-1")
	require.True(t, ok)
	assert.Equal(t, StatusPending, got.Status)
	assert.False(t, got.CreatedAt.IsZero())

	// Snapshots are copies.
	got.Name = "mutated"
	again, _ := r.Get("w-1")
	assert.Equal(t, "worker-w-1", again.Name)
}

func TestRegisterValidation(t *testing.T) {
	r, _ := newTestRegistry(t)

	assert.ErrorIs(t, r.Register(nil), ErrNilWorker)
	assert.ErrorIs(t, r.Register(&Worker{Status: StatusPending}), ErrInvalidID)
	assert.ErrorIs(t, r.Register(&Worker{ID: "x", Status: Status("bogus")}), ErrInvalidStatus)
}

func TestUpdateTransitions(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testWorker("w-1")))

	active := StatusActive
	w, err := r.Update("w-1", Patch{Status: &active})
	require.NoError(t, err)
	assert.Equal(t, StatusActive, w.Status)

	// Illegal transition is rejected and the record unchanged.
	pending := StatusPending
	_, err = r.Update("w-1", Patch{Status: &pending})
	assert.ErrorIs(t, err, ErrInvalidTransition)
	got, _ := r.Get("w-1")
	assert.Equal(t, StatusActive, got.Status)
}

func TestUpdateRejectsBadTimestamp(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testWorker("w-1")))

	var zero time.Time
	_, err := r.Update("w-1", Patch{StartedAt: &zero})
	assert.ErrorIs(t, err, ErrInvalidTimestamp)
}

func TestUpdateUnknownWorker(t *testing.T) {
	r, _ := newTestRegistry(t)
	_, err := r.Update("missing", Patch{})
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestUnregisterRoundTrip(t *testing.T) {
	r, _ := newTestRegistry(t)
	require.NoError(t, r.Register(testWorker("w-1")))

	require.NoError(t, r.Unregister("w-1"))
	_, ok := r.Get("w-1")
	assert.False(t, ok)
	assert.ErrorIs(t, r.Unregister("w-1"), ErrNotFound)
}

func TestQueries(t *testing.T) {
	r, _ := newTestRegistry(t)

	a := testWorker("w-a")
	a.Status = StatusActive
	b := testWorker("w-b")
	b.Project = "/other"
	c := testWorker("w-c")
	c.WorktreePath = "/repo/.orch/worktrees/w-c/nested"
	for _, w := range []*Worker{a, b, c} {
		require.NoError(t, r.Register(w))
	}

	assert.Len(t, r.ByStatus(StatusActive), 1)
	assert.Len(t, r.ByStatus(StatusPending), 2)
	assert.Len(t, r.ByProject("/other"), 1)
	assert.Len(t, r.ByBranch("agent/w-a"), 1)

	// Prefix match picks up nested paths.
	byPrefix := r.ByWorktreePrefix("/repo/.orch/worktrees/w-c")
	require.Len(t, byPrefix, 1)
	assert.Equal(t, "w-c", byPrefix[0].ID)

	assert.Equal(t, 1, r.ActiveCount())
	counts := r.Count()
	assert.Equal(t, 1, counts[StatusActive])
	assert.Equal(t, 2, counts[StatusPending])
}

func TestTransitionEventTopic(t *testing.T) {
	r, broker := newTestRegistry(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sub := collectEvents(ctx, broker)

	require.NoError(t, r.Register(testWorker("w-1")))
	active := StatusActive
	_, err := r.Update("w-1", Patch{Status: &active})
	require.NoError(t, err)

	var topics []string
	timeout := time.After(time.Second)
	for len(topics) < 4 {
		select {
		case ev := <-sub:
			topics = append(topics, ev.Topic)
		case <-timeout:
			t.Fatalf("timed out, got topics %v", topics)
		}
	}
	assert.Contains(t, topics, "registry:registered")
	assert.Contains(t, topics, "registry:updated")
	assert.Contains(t, topics, "worker:status_changed")
	assert.Contains(t, topics, "transition:pending:active")
}

func TestPruneRemovesOldTerminal(t *testing.T) {
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	r := New(broker, "", Options{Ceiling: 3, PruneAge: time.Hour})

	old := time.Now().Add(-2 * time.Hour)
	done := testWorker("w-old")
	done.Status = StatusCompleted
	done.CompletedAt = &old
	require.NoError(t, r.Register(done))
	require.NoError(t, r.Register(testWorker("w-1")))
	require.NoError(t, r.Register(testWorker("w-2")))

	// Ceiling reached on the next insert; the stale terminal record goes.
	require.NoError(t, r.Register(testWorker("w-3")))

	_, ok := r.Get("w-old")
	assert.False(t, ok)
	assert.Len(t, r.List(), 3)
}

func TestPruneKeepsRecentTerminal(t *testing.T) {
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	r := New(broker, "", Options{Ceiling: 2, PruneAge: time.Hour})

	recent := time.Now().Add(-time.Minute)
	done := testWorker("w-done")
	done.Status = StatusCompleted
	done.CompletedAt = &recent
	require.NoError(t, r.Register(done))
	require.NoError(t, r.Register(testWorker("w-1")))

	_, ok := r.Get("w-done")
	assert.True(t, ok)
}
