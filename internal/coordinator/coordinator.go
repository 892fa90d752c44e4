// Package coordinator provides the host-local coordination primitives:
// barriers, leader elections, and task partitioning. Barriers and
// elections are deadline-bounded futures; the partitioner is a pure
// function. Coordination is advisory — primitives observe and signal,
// they never control worker processes.
package coordinator

import (
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/pubsub"
)

// Coordinator errors.
var (
	// ErrDuplicateID indicates a barrier or election id already in use.
	ErrDuplicateID = errors.New("coordination id already in use")

	// ErrNotFound indicates no barrier or election with the given id.
	ErrNotFound = errors.New("coordination id not found")

	// ErrValidation indicates malformed coordination input.
	ErrValidation = errors.New("invalid coordination request")

	// ErrAlreadyVoted indicates the voter has already cast a vote.
	ErrAlreadyVoted = errors.New("voter has already voted")

	// ErrUnknownCandidate indicates a vote for a candidate not in the set.
	ErrUnknownCandidate = errors.New("unknown candidate")
)

// Coordinator owns all live barriers and elections.
type Coordinator struct {
	broker *pubsub.Broker[events.Event]
	nowFn  func() time.Time

	mu        sync.Mutex
	barriers  map[string]*barrier
	elections map[string]*election
	closed    bool
}

// New creates a Coordinator publishing on broker.
func New(broker *pubsub.Broker[events.Event]) *Coordinator {
	return &Coordinator{
		broker:    broker,
		nowFn:     time.Now,
		barriers:  make(map[string]*barrier),
		elections: make(map[string]*election),
	}
}

// Close cancels all pending timers. In-flight futures resolve as
// timeouts with whatever state they have accumulated.
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	barriers := make([]*barrier, 0, len(c.barriers))
	for _, b := range c.barriers {
		barriers = append(barriers, b)
	}
	elections := make([]*election, 0, len(c.elections))
	for _, e := range c.elections {
		elections = append(elections, e)
	}
	c.mu.Unlock()

	for _, b := range barriers {
		c.expireBarrier(b.id)
	}
	for _, e := range elections {
		c.expireElection(e.id)
	}
}

func (c *Coordinator) publish(t events.Type, payload any) {
	if c.broker != nil {
		c.broker.Publish(t.String(), events.New(t, payload))
	}
}

func (c *Coordinator) logDebug(msg string, fields ...any) {
	log.Debug(log.CatCoord, msg, fields...)
}
