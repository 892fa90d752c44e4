// Package bus is the inter-worker message bus: per-worker priority
// queues with at-least-once delivery, exponential retry backoff, and one
// durable file per message until it reaches a terminal state.
package bus

import (
	"maps"
	"time"

	"github.com/google/uuid"
)

// Priority orders messages within a queue. Lower values drain first.
type Priority int

const (
	PriorityCritical Priority = 0
	PriorityHigh     Priority = 1
	PriorityNormal   Priority = 2
	PriorityLow      Priority = 3
)

// IsValid reports whether the priority is a known level.
func (p Priority) IsValid() bool {
	return p >= PriorityCritical && p <= PriorityLow
}

func (p Priority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	case PriorityNormal:
		return "normal"
	case PriorityLow:
		return "low"
	default:
		return "unknown"
	}
}

// Status is a message's delivery state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRetrying  Status = "retrying"
	StatusDelivered Status = "delivered"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the message has finished its lifecycle.
func (s Status) IsTerminal() bool {
	return s == StatusDelivered || s == StatusFailed
}

// Message is a durable record routed between workers (or from the
// orchestrator to a worker).
type Message struct {
	ID          string            `json:"id"`
	Kind        string            `json:"kind"`
	Source      string            `json:"source"`
	Target      string            `json:"target"`
	Worktree    string            `json:"worktree,omitempty"`
	Payload     any               `json:"payload"`
	Priority    Priority          `json:"priority"`
	Status      Status            `json:"status"`
	RetryCount  int               `json:"retry_count"`
	CreatedAt   time.Time         `json:"created_at"`
	DeliveredAt *time.Time        `json:"delivered_at,omitempty"`
	FailedAt    *time.Time        `json:"failed_at,omitempty"`
	Error       string            `json:"error,omitempty"`
	Timeout     time.Duration     `json:"timeout,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// NewMessage creates a pending message with a fresh id. A zero priority
// argument means critical; callers wanting the default pass
// PriorityNormal explicitly.
func NewMessage(kind, source, target string, payload any, priority Priority) *Message {
	return &Message{
		ID:        uuid.NewString(),
		Kind:      kind,
		Source:    source,
		Target:    target,
		Payload:   payload,
		Priority:  priority,
		Status:    StatusPending,
		CreatedAt: time.Now(),
	}
}

// Clone returns a deep-enough copy for snapshots. Payload is shared; the
// bus treats it as opaque and never mutates it.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	out := *m
	if m.DeliveredAt != nil {
		t := *m.DeliveredAt
		out.DeliveredAt = &t
	}
	if m.FailedAt != nil {
		t := *m.FailedAt
		out.FailedAt = &t
	}
	if m.Metadata != nil {
		out.Metadata = make(map[string]string, len(m.Metadata))
		maps.Copy(out.Metadata, m.Metadata)
	}
	return &out
}
