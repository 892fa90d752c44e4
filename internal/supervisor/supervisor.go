// Package supervisor owns worker processes: it reserves capacity slots,
// creates isolated worktrees, spawns supervised children with piped
// stdio, enforces the wall-clock limit, and reports exits back to the
// registry and event stream.
package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/pubsub"
	"github.com/zjrosen/chamber/internal/registry"
	"github.com/zjrosen/chamber/internal/vcs"
)

// Supervisor errors.
var (
	// ErrCapacityExceeded indicates the active worker cap is reached.
	ErrCapacityExceeded = errors.New("active worker capacity exceeded")

	// ErrNotFound indicates no live worker with the given id.
	ErrNotFound = errors.New("worker not found")

	// ErrValidation indicates a malformed spawn request.
	ErrValidation = errors.New("invalid spawn request")

	// ErrVCSFailure indicates working-copy creation failed.
	ErrVCSFailure = errors.New("vcs failure")

	// ErrSpawnFailure indicates the child process could not be started.
	ErrSpawnFailure = errors.New("spawn failure")
)

// TerminationReason is the canonical set of reasons a worker may be
// terminated. Freeform reasons are rejected.
type TerminationReason string

const (
	ReasonUserInitiated TerminationReason = "user_initiated"
	ReasonTimeout       TerminationReason = "timeout"
	ReasonMemoryLimit   TerminationReason = "memory_limit"
	ReasonShutdown      TerminationReason = "shutdown"
)

// IsValid reports whether the reason is in the canonical set.
func (r TerminationReason) IsValid() bool {
	switch r {
	case ReasonUserInitiated, ReasonTimeout, ReasonMemoryLimit, ReasonShutdown:
		return true
	}
	return false
}

// Tracker receives live processes for resource sampling. Implemented by
// the resource monitor; a nil tracker disables sampling.
type Tracker interface {
	Track(workerID string, pid int)
	Untrack(workerID string)
}

// SpawnRequest describes one worker to spawn.
type SpawnRequest struct {
	Project    string            `json:"project"`
	Name       string            `json:"name"`
	Type       string            `json:"type,omitempty"`
	Task       string            `json:"task,omitempty"`
	BaseBranch string            `json:"base_branch"`
	Branch     string            `json:"branch,omitempty"`
	Command    string            `json:"command"`
	Args       []string          `json:"args,omitempty"`
	Env        map[string]string `json:"env,omitempty"`
	Metadata   map[string]string `json:"metadata,omitempty"`
}

// SpawnResult is the snapshot returned to the caller. Status is the
// record as registered (pending); the worker activates asynchronously
// once the process is confirmed started.
type SpawnResult struct {
	Worker *registry.Worker `json:"worker"`
	PID    int              `json:"pid"`
}

// Config tunes the supervisor.
type Config struct {
	MaxActiveWorkers int
	WallClock        time.Duration
	TerminateGrace   time.Duration
	LogRingCapacity  int
	WorktreeRoot     string // relative to the project, default ".orch/worktrees"
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		MaxActiveWorkers: 10,
		WallClock:        30 * time.Minute,
		TerminateGrace:   5 * time.Second,
		LogRingCapacity:  2000,
		WorktreeRoot:     filepath.Join(".orch", "worktrees"),
	}
}

// handle is the supervisor's bookkeeping for one live worker.
type handle struct {
	id        string
	proc      ChildProcess
	output    *OutputBuffer
	wallClock *time.Timer
	killTimer *time.Timer

	mu          sync.Mutex
	terminating bool
	reason      TerminationReason
	exited      chan struct{} // closed when the process has exited
	settled     chan struct{} // closed when the reaper finished bookkeeping
}

// Supervisor spawns and manages worker processes.
type Supervisor struct {
	cfg     Config
	reg     *registry.Registry
	vcs     vcs.Executor
	broker  *pubsub.Broker[events.Event]
	tracker Tracker
	launch  Launcher

	mu       sync.Mutex
	handles  map[string]*handle
	inFlight int // spawn slots reserved but not yet active
	closed   bool

	wg sync.WaitGroup
}

// New creates a Supervisor. A nil launcher uses the OS launcher; a nil
// tracker disables resource sampling.
func New(cfg Config, reg *registry.Registry, executor vcs.Executor, broker *pubsub.Broker[events.Event], tracker Tracker, launch Launcher) *Supervisor {
	if launch == nil {
		launch = LaunchOS
	}
	return &Supervisor{
		cfg:     cfg,
		reg:     reg,
		vcs:     executor,
		broker:  broker,
		tracker: tracker,
		launch:  launch,
		handles: make(map[string]*handle),
	}
}

// Spawn creates an isolated worktree and starts a supervised child in
// it. The returned snapshot carries the pending record; activation is
// reported through worker:spawned and status_changed events.
func (s *Supervisor) Spawn(ctx context.Context, req SpawnRequest) (*SpawnResult, error) {
	if err := validate(req); err != nil {
		return nil, err
	}

	// Reserve a slot: active workers plus spawns still in flight.
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: supervisor shut down", ErrSpawnFailure)
	}
	if s.reg.ActiveCount()+s.inFlight >= s.cfg.MaxActiveWorkers {
		s.mu.Unlock()
		return nil, fmt.Errorf("%w: %d active", ErrCapacityExceeded, s.cfg.MaxActiveWorkers)
	}
	s.inFlight++
	s.mu.Unlock()

	release := func() {
		s.mu.Lock()
		s.inFlight--
		s.mu.Unlock()
	}

	id := uuid.NewString()
	branch := req.Branch
	if branch == "" {
		branch = fmt.Sprintf("agent/%s-%s", slug(req.Name), id[:8])
	}
	worktree := filepath.Join(req.Project, s.cfg.WorktreeRoot, id)

	worker := &registry.Worker{
		ID:           id,
		Name:         req.Name,
		Type:         req.Type,
		Status:       registry.StatusPending,
		Project:      req.Project,
		BaseBranch:   req.BaseBranch,
		Branch:       branch,
		WorktreePath: worktree,
		Task:         req.Task,
		Metadata:     req.Metadata,
	}
	if err := s.reg.Register(worker); err != nil {
		release()
		return nil, fmt.Errorf("%w: %v", ErrValidation, err)
	}
	snapshot, _ := s.reg.Get(id)

	s.publish(events.WorkerSpawning, events.New(events.WorkerSpawning, map[string]string{
		"name": req.Name, "worktree_path": worktree,
	}).WithWorker(id))

	if err := s.vcs.CreateWorktree(ctx, worktree, branch, req.BaseBranch); err != nil {
		release()
		_ = s.reg.Unregister(id)
		s.publish(events.WorkerSpawnFailed, events.New(events.WorkerSpawnFailed, map[string]string{
			"error": err.Error(),
		}).WithWorker(id))
		return nil, fmt.Errorf("%w: %v", ErrVCSFailure, err)
	}

	h := &handle{
		id:      id,
		output:  NewOutputBuffer(s.cfg.LogRingCapacity),
		exited:  make(chan struct{}),
		settled: make(chan struct{}),
	}
	onLine := func(stream, line string) {
		h.output.Write(stream, line)
		typ := events.WorkerStdout
		if stream == "stderr" {
			typ = events.WorkerStderr
		}
		s.publish(typ, events.New(typ, map[string]string{"data": line}).WithWorker(id))
	}

	spec := ProcessSpec{
		Command: req.Command,
		Args:    req.Args,
		Dir:     worktree,
		Env:     buildEnv(id, worktree, req.Env),
	}
	proc, err := s.launch(spec, onLine)
	if err != nil {
		release()
		s.failSpawn(ctx, id, worktree, branch, err)
		return nil, fmt.Errorf("%w: %v", ErrSpawnFailure, err)
	}
	h.proc = proc

	started := time.Now()
	active := registry.StatusActive
	pid := proc.PID()
	if _, err := s.reg.Update(id, registry.Patch{Status: &active, PID: &pid, StartedAt: &started}); err != nil {
		log.ErrorErr(log.CatSup, "activating worker record", err, "worker", id)
	}

	s.mu.Lock()
	s.handles[id] = h
	s.inFlight--
	s.mu.Unlock()

	h.wallClock = time.AfterFunc(s.cfg.WallClock, func() {
		log.Warn(log.CatSup, "worker wall clock exceeded", "worker", id)
		if err := s.Terminate(context.Background(), id, ReasonTimeout); err != nil {
			log.Debug(log.CatSup, "wall clock terminate", "worker", id, "error", err.Error())
		}
	})
	if s.tracker != nil {
		s.tracker.Track(id, pid)
	}

	s.publish(events.WorkerSpawned, events.New(events.WorkerSpawned, map[string]any{
		"pid": pid, "worktree_path": worktree,
	}).WithWorker(id))
	log.Info(log.CatSup, "worker spawned", "worker", id, "pid", pid, "branch", branch)

	s.wg.Add(1)
	log.SafeGo("worker-reaper-"+id[:8], func() {
		defer s.wg.Done()
		s.reap(h)
	})

	return &SpawnResult{Worker: snapshot, PID: pid}, nil
}

// failSpawn marks the worker failed after a process start error and
// cleans up the worktree best-effort.
func (s *Supervisor) failSpawn(ctx context.Context, id, worktree, branch string, cause error) {
	failed := registry.StatusFailed
	msg := cause.Error()
	if _, err := s.reg.Update(id, registry.Patch{Status: &failed, Error: &msg}); err != nil {
		log.ErrorErr(log.CatSup, "marking spawn failure", err, "worker", id)
	}
	if err := s.vcs.RemoveWorktree(ctx, worktree, branch, true); err != nil {
		log.Warn(log.CatSup, "worktree cleanup after spawn failure", "worker", id, "error", err.Error())
	}
	s.publish(events.WorkerSpawnFailed, events.New(events.WorkerSpawnFailed, map[string]string{
		"error": msg,
	}).WithWorker(id))
}

// reap waits for the child to exit and settles the worker record.
func (s *Supervisor) reap(h *handle) {
	defer close(h.settled)
	status := h.proc.Wait()
	close(h.exited)

	if h.wallClock != nil {
		h.wallClock.Stop()
	}
	h.mu.Lock()
	if h.killTimer != nil {
		h.killTimer.Stop()
	}
	terminating := h.terminating
	reason := h.reason
	h.mu.Unlock()

	if s.tracker != nil {
		s.tracker.Untrack(h.id)
	}
	s.mu.Lock()
	delete(s.handles, h.id)
	s.mu.Unlock()

	// Timeout and memory-limit terminations always settle as failed;
	// otherwise the exit code decides. A clean exit during a
	// user-initiated or shutdown termination still counts as completed.
	final := registry.StatusCompleted
	var errMsg string
	switch {
	case terminating && (reason == ReasonTimeout || reason == ReasonMemoryLimit):
		final = registry.StatusFailed
		errMsg = string(reason)
	case status.Code != 0 || status.Signal != "":
		final = registry.StatusFailed
		errMsg = fmt.Sprintf("exit code %d", status.Code)
		if status.Signal != "" {
			errMsg = fmt.Sprintf("signal %s", status.Signal)
		}
		if terminating {
			errMsg = string(reason)
		}
	}

	completed := time.Now()
	patch := registry.Patch{Status: &final, CompletedAt: &completed}
	if errMsg != "" {
		patch.Error = &errMsg
	}
	if _, err := s.reg.Update(h.id, patch); err != nil {
		log.ErrorErr(log.CatSup, "settling worker exit", err, "worker", h.id)
	}

	s.publish(events.WorkerExit, events.New(events.WorkerExit, map[string]any{
		"exit_code": status.Code, "exit_signal": status.Signal,
	}).WithWorker(h.id))
	log.Info(log.CatSup, "worker exited", "worker", h.id, "code", status.Code, "signal", status.Signal, "status", final.String())
}

// Terminate transitions the worker to terminating, signals gently, and
// kills after the grace period. Unknown or already-settled ids return
// ErrNotFound, making repeated termination observable.
func (s *Supervisor) Terminate(ctx context.Context, id string, reason TerminationReason) error {
	if !reason.IsValid() {
		return fmt.Errorf("%w: unknown termination reason %q", ErrValidation, reason)
	}

	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	h.mu.Lock()
	if h.terminating {
		h.mu.Unlock()
		return nil // Termination already in progress.
	}
	h.terminating = true
	h.reason = reason
	h.mu.Unlock()

	terminating := registry.StatusTerminating
	if _, err := s.reg.Update(id, registry.Patch{Status: &terminating}); err != nil {
		log.Debug(log.CatSup, "terminating transition", "worker", id, "error", err.Error())
	}
	s.publish(events.WorkerTerminating, events.New(events.WorkerTerminating, map[string]string{
		"reason": string(reason),
	}).WithWorker(id))
	log.Info(log.CatSup, "terminating worker", "worker", id, "reason", string(reason))

	if err := h.proc.Terminate(); err != nil {
		log.Debug(log.CatSup, "gentle signal failed, killing", "worker", id, "error", err.Error())
		_ = h.proc.Kill()
	} else {
		h.mu.Lock()
		h.killTimer = time.AfterFunc(s.cfg.TerminateGrace, func() {
			select {
			case <-h.exited:
			default:
				log.Warn(log.CatSup, "grace period elapsed, killing", "worker", id)
				_ = h.proc.Kill()
			}
		})
		h.mu.Unlock()
	}

	// Wait for the reaper to settle the exit, then reclaim the worktree.
	select {
	case <-h.settled:
	case <-ctx.Done():
		return ctx.Err()
	}

	if w, ok := s.reg.Get(id); ok {
		if err := s.vcs.RemoveWorktree(ctx, w.WorktreePath, w.Branch, false); err != nil {
			log.Warn(log.CatSup, "worktree removal after terminate", "worker", id, "error", err.Error())
		}
	}
	return nil
}

// Send writes a payload to the worker's stdin, newline framed. Strings
// pass through verbatim; anything else is serialized as JSON.
func (s *Supervisor) Send(id string, payload any) error {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	var data []byte
	switch v := payload.(type) {
	case string:
		data = []byte(v)
	case []byte:
		data = v
	default:
		encoded, err := json.Marshal(v)
		if err != nil {
			return fmt.Errorf("%w: encoding payload: %v", ErrValidation, err)
		}
		data = encoded
	}
	return h.proc.WriteStdin(append(data, '\n'))
}

// Logs returns a page of the worker's captured stdio and the total line
// count. Terminal workers have no buffer anymore and return ErrNotFound.
func (s *Supervisor) Logs(id string, offset, limit int) ([]LogLine, int, error) {
	s.mu.Lock()
	h, ok := s.handles[id]
	s.mu.Unlock()
	if !ok {
		return nil, 0, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	lines, total := h.output.Page(offset, limit)
	return lines, total, nil
}

// Alive reports whether the worker has a live process handle.
func (s *Supervisor) Alive(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.handles[id]
	return ok
}

// Shutdown terminates every live worker with reason shutdown and waits
// for all reapers, bounded by ctx.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	ids := make([]string, 0, len(s.handles))
	for id := range s.handles {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			if err := s.Terminate(ctx, id, ReasonShutdown); err != nil && !errors.Is(err, ErrNotFound) {
				log.Warn(log.CatSup, "shutdown terminate", "worker", id, "error", err.Error())
			}
		}(id)
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Supervisor) publish(t events.Type, e events.Event) {
	if s.broker != nil {
		s.broker.Publish(t.String(), e)
	}
}

func validate(req SpawnRequest) error {
	switch {
	case req.Project == "":
		return fmt.Errorf("%w: project is required", ErrValidation)
	case req.Name == "":
		return fmt.Errorf("%w: name is required", ErrValidation)
	case req.BaseBranch == "":
		return fmt.Errorf("%w: base branch is required", ErrValidation)
	case req.Command == "":
		return fmt.Errorf("%w: command is required", ErrValidation)
	}
	return nil
}

// buildEnv layers the spawn overlay and isolation tags over the current
// environment, with the worktree prepended to PATH so worker-local
// tooling wins.
func buildEnv(id, worktree string, overlay map[string]string) []string {
	merged := make(map[string]string)
	for _, kv := range os.Environ() {
		if i := strings.IndexByte(kv, '='); i > 0 {
			merged[kv[:i]] = kv[i+1:]
		}
	}
	for k, v := range overlay {
		merged[k] = v
	}
	merged["AGENT_ID"] = id
	merged["AGENT_WORKTREE"] = worktree
	merged["AGENT_ISOLATED"] = "1"
	merged["CHAMBER_ENV"] = "production"
	merged["PATH"] = worktree + string(os.PathListSeparator) + merged["PATH"]

	env := make([]string, 0, len(merged))
	for k, v := range merged {
		env = append(env, k+"="+v)
	}
	return env
}

// slug lowercases a name and collapses non-alphanumerics to hyphens for
// branch naming.
func slug(name string) string {
	var b strings.Builder
	lastHyphen := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastHyphen = false
		default:
			if !lastHyphen {
				b.WriteByte('-')
				lastHyphen = true
			}
		}
	}
	return strings.TrimSuffix(b.String(), "-")
}
