package registry

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/pubsub"
)

// Registry errors.
var (
	// ErrNotFound indicates no worker with the given id exists.
	ErrNotFound = errors.New("worker not found")

	// ErrNilWorker indicates a nil record was passed to Register.
	ErrNilWorker = errors.New("worker cannot be nil")

	// ErrInvalidID indicates an empty worker id.
	ErrInvalidID = errors.New("worker id cannot be empty")

	// ErrInvalidStatus indicates an unknown status value in a patch.
	ErrInvalidStatus = errors.New("invalid worker status")

	// ErrInvalidTransition indicates a status change the state machine forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrInvalidTimestamp indicates a zero or negative timestamp in a patch.
	ErrInvalidTimestamp = errors.New("invalid timestamp")
)

// Patch describes a partial update to a worker record. Nil fields are
// left unchanged.
type Patch struct {
	Status      *Status
	PID         *int
	StartedAt   *time.Time
	CompletedAt *time.Time
	Error       *string
	Task        *string
	Metadata    map[string]string
}

// Options tunes the registry's pruning behavior.
type Options struct {
	// Ceiling triggers pruning when the record count reaches it.
	Ceiling int

	// PruneAge is the minimum age of terminal records eligible for pruning.
	PruneAge time.Duration
}

// DefaultOptions returns the registry's standard limits.
func DefaultOptions() Options {
	return Options{Ceiling: 1000, PruneAge: 24 * time.Hour}
}

// Registry is the single-writer index of worker records. Events are
// published on the shared broker: topics mirror the event type, plus a
// deterministic "transition:<old>:<new>" topic for status changes so
// subscribers can filter without parsing payloads.
type Registry struct {
	mu      sync.RWMutex
	workers map[string]*Worker
	broker  *pubsub.Broker[events.Event]
	opts    Options
	now     func() time.Time

	persist *persister
}

// New creates a registry publishing on broker and mirroring to
// mirrorPath. An empty mirrorPath disables persistence (tests).
func New(broker *pubsub.Broker[events.Event], mirrorPath string, opts Options) *Registry {
	r := &Registry{
		workers: make(map[string]*Worker),
		broker:  broker,
		opts:    opts,
		now:     time.Now,
	}
	if mirrorPath != "" {
		r.persist = newPersister(mirrorPath, r.snapshotAll)
	}
	return r
}

// Start loads the mirror and begins background persistence.
func (r *Registry) Start() {
	if r.persist == nil {
		return
	}
	loaded, err := r.persist.load()
	if err != nil {
		// A corrupt mirror resets to empty rather than crashing.
		log.Warn(log.CatRegistry, "registry mirror unreadable, starting empty", "error", err.Error())
	} else if len(loaded) > 0 {
		r.mu.Lock()
		for _, w := range loaded {
			if w.ID == "" || !w.Status.IsValid() {
				continue
			}
			r.workers[w.ID] = w
		}
		r.mu.Unlock()
		log.Info(log.CatRegistry, "registry mirror loaded", "workers", len(loaded))
	}
	r.persist.start()
}

// Close flushes the mirror and stops the persistence loop.
func (r *Registry) Close() {
	if r.persist != nil {
		r.persist.stop()
	}
}

// Register inserts or replaces a worker record and emits registered.
// Replacing a record whose status differs also emits the transition
// event for the old/new pair.
func (r *Registry) Register(w *Worker) error {
	if w == nil {
		return ErrNilWorker
	}
	if w.ID == "" {
		return ErrInvalidID
	}
	if !w.Status.IsValid() {
		return fmt.Errorf("%w: %q", ErrInvalidStatus, w.Status)
	}

	record := w.Clone()
	if record.CreatedAt.IsZero() {
		record.CreatedAt = r.now()
	}

	r.mu.Lock()
	prev := r.workers[record.ID]
	r.workers[record.ID] = record
	r.pruneLocked()
	snapshot := record.Clone()
	r.mu.Unlock()

	r.markDirty()
	r.publish(events.RegistryRegistered, events.New(events.RegistryRegistered, snapshot).WithWorker(snapshot.ID))
	if prev != nil && prev.Status != record.Status {
		r.publishTransition(snapshot, prev.Status, record.Status)
	}
	return nil
}

// Update merges a patch into the worker's record, validating statuses,
// transitions, and timestamps, then emits updated (and the transition
// event when the status changed). Returns the updated snapshot.
func (r *Registry) Update(id string, patch Patch) (*Worker, error) {
	if patch.Status != nil && !patch.Status.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrInvalidStatus, *patch.Status)
	}
	for _, ts := range []*time.Time{patch.StartedAt, patch.CompletedAt} {
		if ts != nil && (ts.IsZero() || ts.Unix() <= 0) {
			return nil, ErrInvalidTimestamp
		}
	}

	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	oldStatus := w.Status
	if patch.Status != nil && *patch.Status != oldStatus {
		if !oldStatus.CanTransitionTo(*patch.Status) {
			r.mu.Unlock()
			return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, oldStatus, *patch.Status)
		}
		w.Status = *patch.Status
	}
	if patch.PID != nil {
		w.PID = *patch.PID
	}
	if patch.StartedAt != nil {
		t := *patch.StartedAt
		w.StartedAt = &t
	}
	if patch.CompletedAt != nil {
		t := *patch.CompletedAt
		w.CompletedAt = &t
	}
	if patch.Error != nil {
		w.Error = *patch.Error
	}
	if patch.Task != nil {
		w.Task = *patch.Task
	}
	if patch.Metadata != nil {
		if w.Metadata == nil {
			w.Metadata = make(map[string]string, len(patch.Metadata))
		}
		for k, v := range patch.Metadata {
			w.Metadata[k] = v
		}
	}
	snapshot := w.Clone()
	r.mu.Unlock()

	r.markDirty()
	r.publish(events.RegistryUpdated, events.New(events.RegistryUpdated, snapshot).WithWorker(id))
	if snapshot.Status != oldStatus {
		r.publishTransition(snapshot, oldStatus, snapshot.Status)
	}
	return snapshot, nil
}

// Unregister removes a worker and emits unregistered.
func (r *Registry) Unregister(id string) error {
	r.mu.Lock()
	w, ok := r.workers[id]
	if !ok {
		r.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.workers, id)
	snapshot := w.Clone()
	r.mu.Unlock()

	r.markDirty()
	r.publish(events.RegistryUnregistered, events.New(events.RegistryUnregistered, snapshot).WithWorker(id))
	return nil
}

// Get returns a snapshot of the worker, or false if absent.
func (r *Registry) Get(id string) (*Worker, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	w, ok := r.workers[id]
	if !ok {
		return nil, false
	}
	return w.Clone(), true
}

// List returns snapshots of all workers, oldest first.
func (r *Registry) List() []*Worker {
	return r.query(func(*Worker) bool { return true })
}

// ByStatus returns workers in the given status.
func (r *Registry) ByStatus(status Status) []*Worker {
	return r.query(func(w *Worker) bool { return w.Status == status })
}

// ByBranch returns workers on the given branch.
func (r *Registry) ByBranch(branch string) []*Worker {
	return r.query(func(w *Worker) bool { return w.Branch == branch })
}

// ByWorktreePrefix returns workers whose worktree path equals the prefix
// or nests under it.
func (r *Registry) ByWorktreePrefix(prefix string) []*Worker {
	return r.query(func(w *Worker) bool {
		return w.WorktreePath == prefix || strings.HasPrefix(w.WorktreePath, strings.TrimSuffix(prefix, "/")+"/")
	})
}

// ByProject returns workers scoped to the given project.
func (r *Registry) ByProject(project string) []*Worker {
	return r.query(func(w *Worker) bool { return w.Project == project })
}

// ActiveCount returns the number of workers in active status.
func (r *Registry) ActiveCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, w := range r.workers {
		if w.Status == StatusActive {
			n++
		}
	}
	return n
}

// Count returns the number of workers in each status.
func (r *Registry) Count() map[Status]int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	counts := make(map[Status]int)
	for _, w := range r.workers {
		counts[w.Status]++
	}
	return counts
}

func (r *Registry) query(match func(*Worker) bool) []*Worker {
	r.mu.RLock()
	var out []*Worker
	for _, w := range r.workers {
		if match(w) {
			out = append(out, w.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].ID < out[j].ID
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// pruneLocked removes old terminal records once the ceiling is reached.
// Records with no completion time are aged from now, which keeps them
// around for a full prune window. Caller holds the write lock.
func (r *Registry) pruneLocked() {
	if r.opts.Ceiling <= 0 || len(r.workers) < r.opts.Ceiling {
		return
	}
	cutoff := r.now().Add(-r.opts.PruneAge)
	pruned := 0
	for id, w := range r.workers {
		if !w.Status.IsTerminal() {
			continue
		}
		completed := r.now()
		if w.CompletedAt != nil {
			completed = *w.CompletedAt
		}
		if completed.Before(cutoff) {
			delete(r.workers, id)
			pruned++
		}
	}
	if pruned > 0 {
		log.Info(log.CatRegistry, "pruned terminal workers", "count", pruned)
		r.publish(events.RegistryPruned, events.New(events.RegistryPruned, pruned))
	}
}

func (r *Registry) markDirty() {
	if r.persist != nil {
		r.persist.markDirty()
	}
}

func (r *Registry) publish(t events.Type, e events.Event) {
	if r.broker != nil {
		r.broker.Publish(t.String(), e)
	}
}

// publishTransition emits both the generic status_changed event and the
// deterministic transition topic for the old/new pair.
func (r *Registry) publishTransition(w *Worker, from, to Status) {
	if r.broker == nil {
		return
	}
	payload := map[string]string{"old_status": from.String(), "new_status": to.String()}
	e := events.New(events.WorkerStatusChanged, payload).WithWorker(w.ID)
	r.broker.Publish(events.WorkerStatusChanged.String(), e)
	r.broker.Publish(fmt.Sprintf("transition:%s:%s", from, to), e)
}

// snapshotAll returns every record for the persister. Sorted so the
// mirror file is stable across writes.
func (r *Registry) snapshotAll() []*Worker {
	return r.List()
}
