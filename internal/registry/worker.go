// Package registry maintains the durable index of workers. It is the
// single writer of worker records: every mutation goes through the
// Registry, queries return snapshots, and the on-disk JSON mirror is
// refreshed by a background loop whenever the map is dirty.
package registry

import (
	"maps"
	"time"
)

// Status is a worker's lifecycle state.
type Status string

const (
	// StatusPending means the worker is registered but its process has
	// not started yet.
	StatusPending Status = "pending"

	// StatusActive means the worker's process is running.
	StatusActive Status = "active"

	// StatusTerminating means termination has been requested and the
	// process is being signaled.
	StatusTerminating Status = "terminating"

	// StatusCompleted means the process exited successfully.
	StatusCompleted Status = "completed"

	// StatusFailed means the process exited non-zero, was killed, or
	// never started.
	StatusFailed Status = "failed"
)

// validTransitions defines the allowed status transitions for workers.
// Transitions are monotone except terminating, which stages completion
// or failure.
var validTransitions = map[Status]map[Status]bool{
	StatusPending: {
		StatusActive: true,
		StatusFailed: true,
	},
	StatusActive: {
		StatusCompleted:   true,
		StatusFailed:      true,
		StatusTerminating: true,
	},
	StatusTerminating: {
		StatusCompleted: true,
		StatusFailed:    true,
	},
	StatusCompleted: {},
	StatusFailed:    {},
}

// IsValid returns true if the status is a known state.
func (s Status) IsValid() bool {
	_, ok := validTransitions[s]
	return ok
}

// IsTerminal returns true if no further transitions are allowed.
func (s Status) IsTerminal() bool {
	allowed, ok := validTransitions[s]
	return ok && len(allowed) == 0
}

// CanTransitionTo returns true if the transition to target is allowed.
func (s Status) CanTransitionTo(target Status) bool {
	allowed, ok := validTransitions[s]
	if !ok {
		return false
	}
	return allowed[target]
}

func (s Status) String() string {
	return string(s)
}

// Worker is the registry's record of one orchestrated unit of work.
type Worker struct {
	ID           string            `json:"id"`
	Name         string            `json:"name"`
	Type         string            `json:"type,omitempty"`
	Status       Status            `json:"status"`
	Project      string            `json:"project"`
	BaseBranch   string            `json:"base_branch"`
	Branch       string            `json:"branch"`
	WorktreePath string            `json:"worktree_path"`
	Task         string            `json:"task,omitempty"`
	PID          int               `json:"pid,omitempty"`
	CreatedAt    time.Time         `json:"created_at"`
	StartedAt    *time.Time        `json:"started_at,omitempty"`
	CompletedAt  *time.Time        `json:"completed_at,omitempty"`
	Error        string            `json:"error,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

// Clone returns a deep copy so callers can't mutate registry state.
func (w *Worker) Clone() *Worker {
	if w == nil {
		return nil
	}
	out := *w
	if w.StartedAt != nil {
		t := *w.StartedAt
		out.StartedAt = &t
	}
	if w.CompletedAt != nil {
		t := *w.CompletedAt
		out.CompletedAt = &t
	}
	if w.Metadata != nil {
		out.Metadata = make(map[string]string, len(w.Metadata))
		maps.Copy(out.Metadata, w.Metadata)
	}
	return &out
}
