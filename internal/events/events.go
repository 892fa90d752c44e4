// Package events defines the typed event envelope shared by every
// orchestrator subsystem and the filter applied to event stream
// subscriptions.
package events

import (
	"slices"
	"time"
)

// Type categorizes orchestrator events.
type Type string

const (
	// Worker lifecycle events
	WorkerSpawning      Type = "worker:spawning"
	WorkerSpawned       Type = "worker:spawned"
	WorkerSpawnFailed   Type = "worker:spawn_failed"
	WorkerStatusChanged Type = "worker:status_changed"
	WorkerExit          Type = "worker:exit"
	WorkerStdout        Type = "worker:stdout"
	WorkerStderr        Type = "worker:stderr"
	WorkerTerminating   Type = "worker:terminating"
	WorkerError         Type = "worker:error"

	// Message bus events
	MessageQueued     Type = "message:queued"
	MessageDelivering Type = "message:delivering"
	MessageDelivered  Type = "message:delivered"
	MessageFailed     Type = "message:failed"

	// Barrier events
	BarrierSignal   Type = "barrier:signal"
	BarrierComplete Type = "barrier:complete"
	BarrierTimeout  Type = "barrier:timeout"

	// Election events
	ElectionInProgress Type = "election:in_progress"
	ElectionCompleted  Type = "election:completed"
	ElectionTimeout    Type = "election:timeout"

	// Consolidation events
	ConsolidationAnalyzing Type = "consolidation:analyzing"
	ConsolidationAnalyzed  Type = "consolidation:analyzed"
	ConsolidationReady     Type = "consolidation:ready"
	ConsolidationCompleted Type = "consolidation:completed"
	ConsolidationFailed    Type = "consolidation:failed"

	// Registry events
	RegistryRegistered   Type = "registry:registered"
	RegistryUpdated      Type = "registry:updated"
	RegistryUnregistered Type = "registry:unregistered"
	RegistryPruned       Type = "registry:pruned"

	// Unknown for unclassified events
	Unknown Type = "unknown"
)

// Event is the envelope carried on the orchestrator broker and over the
// SSE stream. WorkerID is empty for events without a worker subject
// (elections, partition requests, registry prunes).
type Event struct {
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`
	WorkerID  string    `json:"worker_id,omitempty"`
	Payload   any       `json:"payload,omitempty"`
}

// New creates an event with the current timestamp.
func New(t Type, payload any) Event {
	return Event{
		Type:      t,
		Timestamp: time.Now(),
		Payload:   payload,
	}
}

// WithWorker attaches the worker subject to the event.
func (e Event) WithWorker(workerID string) Event {
	e.WorkerID = workerID
	return e
}

// IsWorkerEvent returns true for worker lifecycle and output events.
func (t Type) IsWorkerEvent() bool {
	switch t {
	case WorkerSpawning,
		WorkerSpawned,
		WorkerSpawnFailed,
		WorkerStatusChanged,
		WorkerExit,
		WorkerStdout,
		WorkerStderr,
		WorkerTerminating,
		WorkerError:
		return true
	default:
		return false
	}
}

// IsOutputEvent returns true for stdout/stderr line events. These are the
// high-volume types that subscribers commonly exclude.
func (t Type) IsOutputEvent() bool {
	return t == WorkerStdout || t == WorkerStderr
}

// IsMessageEvent returns true for message bus events.
func (t Type) IsMessageEvent() bool {
	switch t {
	case MessageQueued, MessageDelivering, MessageDelivered, MessageFailed:
		return true
	default:
		return false
	}
}

// IsCoordinationEvent returns true for barrier and election events.
func (t Type) IsCoordinationEvent() bool {
	switch t {
	case BarrierSignal, BarrierComplete, BarrierTimeout,
		ElectionInProgress, ElectionCompleted, ElectionTimeout:
		return true
	default:
		return false
	}
}

// IsConsolidationEvent returns true for consolidation events.
func (t Type) IsConsolidationEvent() bool {
	switch t {
	case ConsolidationAnalyzing, ConsolidationAnalyzed, ConsolidationReady,
		ConsolidationCompleted, ConsolidationFailed:
		return true
	default:
		return false
	}
}

func (t Type) String() string {
	return string(t)
}

// Filter defines criteria for filtering events in subscriptions.
// All criteria are AND'd together; an event must match every specified
// criterion to pass. An empty filter matches all events.
type Filter struct {
	// Types limits events to these types. Empty allows all types.
	Types []Type

	// WorkerIDs limits events to these worker subjects. Empty allows all.
	WorkerIDs []string

	// ExcludeTypes excludes these types, applied after Types.
	ExcludeTypes []Type
}

// Matches reports whether the event passes the filter.
func (f *Filter) Matches(e Event) bool {
	if len(f.Types) > 0 && !slices.Contains(f.Types, e.Type) {
		return false
	}
	if len(f.WorkerIDs) > 0 && !slices.Contains(f.WorkerIDs, e.WorkerID) {
		return false
	}
	if len(f.ExcludeTypes) > 0 && slices.Contains(f.ExcludeTypes, e.Type) {
		return false
	}
	return true
}

// IsEmpty returns true if no criteria are set.
func (f *Filter) IsEmpty() bool {
	return len(f.Types) == 0 && len(f.WorkerIDs) == 0 && len(f.ExcludeTypes) == 0
}
