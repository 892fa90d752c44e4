package coordinator

import (
	"fmt"
	"sort"
	"time"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
)

// BarrierResult resolves a barrier future. Success means every expected
// participant arrived before the deadline.
type BarrierResult struct {
	BarrierID string   `json:"barrier_id"`
	Success   bool     `json:"success"`
	Arrived   []string `json:"arrived"`
}

// BarrierEvent is the payload on barrier:* events.
type BarrierEvent struct {
	BarrierID string   `json:"barrier_id"`
	Worker    string   `json:"worker,omitempty"`
	Expected  []string `json:"expected"`
	Arrived   []string `json:"arrived"`
}

type barrier struct {
	id       string
	expected map[string]struct{}
	arrived  map[string]struct{}
	created  time.Time
	deadline *time.Timer
	result   chan BarrierResult
	settled  bool
}

// CreateBarrier registers a barrier and returns its result future. The
// future resolves exactly once: success when arrived covers expected,
// timeout otherwise.
func (c *Coordinator) CreateBarrier(id string, expected []string, timeout time.Duration) (<-chan BarrierResult, error) {
	if id == "" {
		return nil, fmt.Errorf("%w: missing barrier id", ErrValidation)
	}
	if len(expected) == 0 {
		return nil, fmt.Errorf("%w: empty participant set", ErrValidation)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("%w: timeout must be positive", ErrValidation)
	}

	b := &barrier{
		id:       id,
		expected: make(map[string]struct{}, len(expected)),
		arrived:  make(map[string]struct{}),
		created:  c.nowFn(),
		result:   make(chan BarrierResult, 1),
	}
	for _, p := range expected {
		b.expected[p] = struct{}{}
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: coordinator closed", ErrValidation)
	}
	if _, exists := c.barriers[id]; exists {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: barrier %s", ErrDuplicateID, id)
	}
	c.barriers[id] = b
	b.deadline = time.AfterFunc(timeout, func() { c.expireBarrier(id) })
	c.mu.Unlock()

	c.logDebug("barrier created", "id", id, "expected", len(expected), "timeout", timeout.String())
	return b.result, nil
}

// SignalBarrier records a participant's arrival. Signaling twice is a
// no-op; signaling after the barrier settled is accepted but does not
// change the outcome.
func (c *Coordinator) SignalBarrier(worker, barrierID string) error {
	if worker == "" {
		return fmt.Errorf("%w: missing worker id", ErrValidation)
	}

	c.mu.Lock()
	b, ok := c.barriers[barrierID]
	if !ok {
		c.mu.Unlock()
		return fmt.Errorf("%w: barrier %s", ErrNotFound, barrierID)
	}
	if _, dup := b.arrived[worker]; dup {
		c.mu.Unlock()
		return nil
	}
	b.arrived[worker] = struct{}{}
	settled := b.settled
	complete := !settled && b.covered()
	if complete {
		b.settled = true
		b.deadline.Stop()
	}
	payload := b.eventPayload(worker)
	c.mu.Unlock()

	c.publish(events.BarrierSignal, payload)
	if complete {
		c.settleBarrier(barrierID, true)
	}
	return nil
}

// Barrier returns the arrived and expected sets for a live barrier.
func (c *Coordinator) Barrier(id string) (BarrierEvent, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	b, ok := c.barriers[id]
	if !ok {
		return BarrierEvent{}, fmt.Errorf("%w: barrier %s", ErrNotFound, id)
	}
	return b.eventPayload(""), nil
}

// expireBarrier fires on the deadline timer.
func (c *Coordinator) expireBarrier(id string) {
	c.mu.Lock()
	b, ok := c.barriers[id]
	if !ok || b.settled {
		c.mu.Unlock()
		return
	}
	b.settled = true
	b.deadline.Stop()
	c.mu.Unlock()

	c.settleBarrier(id, false)
}

// settleBarrier resolves the future and publishes the terminal event.
// The record stays registered so late signals are still accepted; they
// cannot flip a settled outcome.
func (c *Coordinator) settleBarrier(id string, success bool) {
	c.mu.Lock()
	b, ok := c.barriers[id]
	if !ok {
		c.mu.Unlock()
		return
	}
	result := BarrierResult{
		BarrierID: id,
		Success:   success,
		Arrived:   b.arrivedList(),
	}
	payload := b.eventPayload("")
	c.mu.Unlock()

	b.result <- result
	if success {
		c.publish(events.BarrierComplete, payload)
		log.Info(log.CatCoord, "barrier complete", "id", id, "arrived", len(result.Arrived))
	} else {
		c.publish(events.BarrierTimeout, payload)
		log.Warn(log.CatCoord, "barrier timeout", "id", id, "arrived", len(result.Arrived))
	}
}

func (b *barrier) covered() bool {
	for p := range b.expected {
		if _, ok := b.arrived[p]; !ok {
			return false
		}
	}
	return true
}

func (b *barrier) arrivedList() []string {
	out := make([]string, 0, len(b.arrived))
	for p := range b.arrived {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (b *barrier) expectedList() []string {
	out := make([]string, 0, len(b.expected))
	for p := range b.expected {
		out = append(out, p)
	}
	sort.Strings(out)
	return out
}

func (b *barrier) eventPayload(worker string) BarrierEvent {
	return BarrierEvent{
		BarrierID: b.id,
		Worker:    worker,
		Expected:  b.expectedList(),
		Arrived:   b.arrivedList(),
	}
}
