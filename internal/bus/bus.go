package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/renameio/v2"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/pubsub"
	"github.com/zjrosen/chamber/internal/registry"
)

// Bus errors.
var (
	// ErrQueueFull indicates the target queue is at capacity.
	ErrQueueFull = errors.New("queue is full")

	// ErrInvalidMessage indicates a malformed message.
	ErrInvalidMessage = errors.New("invalid message")

	// ErrUnknownMessage indicates no in-flight message with the given id.
	ErrUnknownMessage = errors.New("unknown message")
)

// Deliverer attempts delivery of one message. Delivery is a
// request/response call, never a fire-and-forget event: the outcome
// decides whether the bus retries.
type Deliverer interface {
	Deliver(ctx context.Context, msg *Message) error
}

// DelivererFunc adapts a function to the Deliverer interface.
type DelivererFunc func(ctx context.Context, msg *Message) error

func (f DelivererFunc) Deliver(ctx context.Context, msg *Message) error {
	return f(ctx, msg)
}

// Config tunes the bus.
type Config struct {
	QueueCapacity  int
	MaxRetries     int
	RetryBaseDelay time.Duration
}

// DefaultConfig returns the standard limits.
func DefaultConfig() Config {
	return Config{
		QueueCapacity:  1000,
		MaxRetries:     3,
		RetryBaseDelay: time.Second,
	}
}

// queueKey addresses one per-(worktree, target) queue. An empty worktree
// is the default bucket.
type queueKey struct {
	worktree string
	target   string
}

// Bus owns the message queues and their durable files.
type Bus struct {
	cfg       Config
	dir       string // per-message persistence dir, "" disables
	reg       *registry.Registry
	broker    *pubsub.Broker[events.Event]
	deliverer Deliverer

	mu       sync.Mutex
	queues   map[queueKey][]*Message // each sorted by (priority asc, enqueue order)
	byID     map[string]*Message
	timers   map[string]*time.Timer
	draining bool
	closed   bool

	wg sync.WaitGroup
}

// New creates a Bus. dir may be empty to disable persistence (tests).
func New(cfg Config, dir string, reg *registry.Registry, broker *pubsub.Broker[events.Event], deliverer Deliverer) *Bus {
	return &Bus{
		cfg:       cfg,
		dir:       dir,
		reg:       reg,
		broker:    broker,
		deliverer: deliverer,
		queues:    make(map[queueKey][]*Message),
		byID:      make(map[string]*Message),
		timers:    make(map[string]*time.Timer),
	}
}

// SetDeliverer swaps the delivery subscriber. Used by the engine to wire
// the supervisor after both exist.
func (b *Bus) SetDeliverer(d Deliverer) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.deliverer = d
}

// Start rehydrates non-terminal messages from the persistence directory
// into their queues and removes any terminal files left behind.
func (b *Bus) Start() error {
	if b.dir == "" {
		return nil
	}
	if err := os.MkdirAll(b.dir, 0755); err != nil {
		return fmt.Errorf("creating message directory: %w", err)
	}
	entries, err := os.ReadDir(b.dir)
	if err != nil {
		return fmt.Errorf("reading message directory: %w", err)
	}

	restored := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		path := filepath.Join(b.dir, entry.Name())
		data, err := os.ReadFile(path)
		if err != nil {
			log.Warn(log.CatBus, "unreadable message file", "path", path, "error", err.Error())
			continue
		}
		var msg Message
		if err := json.Unmarshal(data, &msg); err != nil {
			log.Warn(log.CatBus, "corrupt message file removed", "path", path, "error", err.Error())
			_ = os.Remove(path)
			continue
		}
		if msg.Status.IsTerminal() {
			_ = os.Remove(path)
			continue
		}
		// Interrupted retries restart from pending.
		msg.Status = StatusPending

		b.mu.Lock()
		b.byID[msg.ID] = &msg
		key := queueKey{worktree: msg.Worktree, target: msg.Target}
		b.queues[key] = append(b.queues[key], &msg)
		b.mu.Unlock()
		restored++
	}

	b.mu.Lock()
	for _, q := range b.queues {
		// Directory order is arbitrary; restore enqueue order before the
		// stable priority sort.
		sort.Slice(q, func(i, j int) bool { return q[i].CreatedAt.Before(q[j].CreatedAt) })
		sortQueue(q)
	}
	b.mu.Unlock()

	if restored > 0 {
		log.Info(log.CatBus, "messages rehydrated", "count", restored)
		b.kickDrain()
	}
	return nil
}

// Close stops retry timers and waits for the drain loop to park.
func (b *Bus) Close() {
	b.mu.Lock()
	b.closed = true
	for id, t := range b.timers {
		t.Stop()
		delete(b.timers, id)
	}
	b.mu.Unlock()
	b.wg.Wait()
}

// Send validates and enqueues a message. The durable file is written
// before the queued event is observable.
func (b *Bus) Send(msg *Message) error {
	if msg == nil || msg.ID == "" {
		return fmt.Errorf("%w: missing id", ErrInvalidMessage)
	}
	if msg.Target == "" {
		return fmt.Errorf("%w: missing target", ErrInvalidMessage)
	}
	if !msg.Priority.IsValid() {
		return fmt.Errorf("%w: priority %d", ErrInvalidMessage, msg.Priority)
	}

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return fmt.Errorf("%w: bus closed", ErrInvalidMessage)
	}
	key := queueKey{worktree: msg.Worktree, target: msg.Target}
	if len(b.queues[key]) >= b.cfg.QueueCapacity {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrQueueFull, msg.Target)
	}
	msg.Status = StatusPending
	b.byID[msg.ID] = msg
	b.queues[key] = append(b.queues[key], msg)
	sortQueue(b.queues[key])
	snapshot := msg.Clone()
	b.mu.Unlock()

	b.persist(snapshot)
	b.publish(events.MessageQueued, snapshot)
	log.Debug(log.CatBus, "message queued", "id", msg.ID, "target", msg.Target, "priority", msg.Priority.String())
	b.kickDrain()
	return nil
}

// Broadcast sends the same payload to every matching worker: all active
// workers, or those under the worktree prefix when set, minus exclusions
// and the source itself. Returns the messages successfully queued.
func (b *Bus) Broadcast(kind, source string, payload any, priority Priority, worktree string, exclude []string) []*Message {
	var candidates []*registry.Worker
	if worktree != "" {
		candidates = b.reg.ByWorktreePrefix(worktree)
	} else {
		candidates = b.reg.ByStatus(registry.StatusActive)
	}

	var sent []*Message
	for _, w := range candidates {
		if w.ID == source || slices.Contains(exclude, w.ID) {
			continue
		}
		msg := NewMessage(kind, source, w.ID, payload, priority)
		msg.Worktree = worktree
		if err := b.Send(msg); err != nil {
			log.Warn(log.CatBus, "broadcast send failed", "target", w.ID, "error", err.Error())
			continue
		}
		sent = append(sent, msg.Clone())
	}
	return sent
}

// MarkDelivered settles a message as delivered out of band. Used by
// asynchronous delivery subscribers.
func (b *Bus) MarkDelivered(id string) error {
	return b.settle(id, StatusDelivered, "")
}

// MarkFailed settles a message as failed out of band.
func (b *Bus) MarkFailed(id string, reason string) error {
	return b.settle(id, StatusFailed, reason)
}

func (b *Bus) settle(id string, status Status, reason string) error {
	b.mu.Lock()
	msg, ok := b.byID[id]
	if !ok {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownMessage, id)
	}
	b.finalizeLocked(msg, status, reason)
	snapshot := msg.Clone()
	b.mu.Unlock()

	b.removeDurable(snapshot.ID)
	if status == StatusDelivered {
		b.publish(events.MessageDelivered, snapshot)
	} else {
		b.publish(events.MessageFailed, snapshot)
	}
	return nil
}

// finalizeLocked applies a terminal transition. Caller holds the lock;
// the queue entry is left for the drain loop to garbage-collect.
func (b *Bus) finalizeLocked(msg *Message, status Status, reason string) {
	now := time.Now()
	msg.Status = status
	if status == StatusDelivered {
		msg.DeliveredAt = &now
	} else {
		msg.FailedAt = &now
		msg.Error = reason
	}
	delete(b.byID, msg.ID)
	if t, ok := b.timers[msg.ID]; ok {
		t.Stop()
		delete(b.timers, msg.ID)
	}
}

// Pending returns a snapshot of the target worker's queue in drain order.
func (b *Bus) Pending(target string) []*Message {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []*Message
	for key, q := range b.queues {
		if key.target != target {
			continue
		}
		for _, m := range q {
			if !m.Status.IsTerminal() {
				out = append(out, m.Clone())
			}
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Priority != out[j].Priority {
			return out[i].Priority < out[j].Priority
		}
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out
}

// QueueStats holds counts by status and by kind.
type QueueStats struct {
	Total    int            `json:"total"`
	ByStatus map[string]int `json:"by_status"`
	ByKind   map[string]int `json:"by_kind"`
}

// Stats reports queue composition for one worker, or globally when
// target is empty.
func (b *Bus) Stats(target string) QueueStats {
	b.mu.Lock()
	defer b.mu.Unlock()

	stats := QueueStats{ByStatus: make(map[string]int), ByKind: make(map[string]int)}
	for key, q := range b.queues {
		if target != "" && key.target != target {
			continue
		}
		for _, m := range q {
			if m.Status.IsTerminal() {
				continue
			}
			stats.Total++
			stats.ByStatus[string(m.Status)]++
			stats.ByKind[m.Kind]++
		}
	}
	return stats
}

// kickDrain starts the drain loop if it is parked.
func (b *Bus) kickDrain() {
	b.mu.Lock()
	if b.draining || b.closed {
		b.mu.Unlock()
		return
	}
	b.draining = true
	b.mu.Unlock()

	b.wg.Add(1)
	log.SafeGo("bus-drain", func() {
		defer b.wg.Done()
		b.drainLoop()
	})
}

// drainLoop runs passes over every queue until one full pass makes no
// progress, then parks.
func (b *Bus) drainLoop() {
	for {
		progressed := b.drainPass()
		if progressed {
			continue
		}
		// Park only if nothing arrived while the pass ran; a Send racing
		// the park would otherwise see draining=true and not re-kick.
		b.mu.Lock()
		if b.hasDeliverableLocked() && !b.closed {
			b.mu.Unlock()
			continue
		}
		b.draining = false
		b.mu.Unlock()
		return
	}
}

// hasDeliverableLocked reports whether any queue head can make progress
// right now. Caller holds the lock.
func (b *Bus) hasDeliverableLocked() bool {
	if b.deliverer == nil {
		return false
	}
	for _, q := range b.queues {
		if len(q) > 0 && q[0].Status != StatusRetrying {
			return true
		}
	}
	return false
}

// drainPass visits each queue head once. Returns true if any queue made
// progress.
func (b *Bus) drainPass() bool {
	b.mu.Lock()
	keys := make([]queueKey, 0, len(b.queues))
	for key := range b.queues {
		keys = append(keys, key)
	}
	b.mu.Unlock()

	progressed := false
	for _, key := range keys {
		b.mu.Lock()
		if b.closed {
			b.mu.Unlock()
			return false
		}
		q := b.queues[key]
		if len(q) == 0 {
			delete(b.queues, key)
			b.mu.Unlock()
			continue
		}
		head := q[0]

		// Terminal heads are garbage from out-of-band settlement.
		if head.Status.IsTerminal() {
			b.queues[key] = q[1:]
			b.mu.Unlock()
			progressed = true
			continue
		}
		// Retrying heads wait on their timer; skip the queue so one
		// queue's backoff does not block others.
		if head.Status == StatusRetrying {
			b.mu.Unlock()
			continue
		}
		deliverer := b.deliverer
		snapshot := head.Clone()
		b.mu.Unlock()

		if deliverer == nil {
			continue
		}

		b.publish(events.MessageDelivering, snapshot)
		err := deliverer.Deliver(context.Background(), snapshot)

		b.mu.Lock()
		// The message may have been settled out of band while the
		// deliverer ran.
		current, live := b.byID[head.ID]
		if !live {
			q := b.queues[key]
			if len(q) > 0 && q[0] == head {
				b.queues[key] = q[1:]
			}
			b.mu.Unlock()
			progressed = true
			continue
		}

		if err == nil {
			b.finalizeLocked(current, StatusDelivered, "")
			b.queues[key] = b.queues[key][1:]
			snap := current.Clone()
			b.mu.Unlock()
			b.removeDurable(snap.ID)
			b.publish(events.MessageDelivered, snap)
			log.Debug(log.CatBus, "message delivered", "id", snap.ID, "target", snap.Target)
			progressed = true
			continue
		}

		if current.RetryCount < b.cfg.MaxRetries {
			delay := b.cfg.RetryBaseDelay << uint(current.RetryCount)
			current.RetryCount++
			current.Status = StatusRetrying
			current.Error = err.Error()
			snap := current.Clone()
			id := current.ID
			b.timers[id] = time.AfterFunc(delay, func() { b.retryReady(id) })
			b.mu.Unlock()
			b.persist(snap)
			log.Debug(log.CatBus, "delivery failed, retrying", "id", id, "attempt", snap.RetryCount, "delay", delay.String(), "error", err.Error())
			progressed = true
			continue
		}

		b.finalizeLocked(current, StatusFailed, "max retries")
		b.queues[key] = b.queues[key][1:]
		snap := current.Clone()
		b.mu.Unlock()
		b.removeDurable(snap.ID)
		b.publish(events.MessageFailed, snap)
		log.Warn(log.CatBus, "message failed", "id", snap.ID, "target", snap.Target, "error", err.Error())
		progressed = true
	}
	return progressed
}

// retryReady flips a retrying message back to pending when its backoff
// timer fires and wakes the drain loop.
func (b *Bus) retryReady(id string) {
	b.mu.Lock()
	msg, ok := b.byID[id]
	if !ok || msg.Status != StatusRetrying {
		b.mu.Unlock()
		return
	}
	msg.Status = StatusPending
	delete(b.timers, id)
	snapshot := msg.Clone()
	b.mu.Unlock()

	b.persist(snapshot)
	b.kickDrain()
}

func sortQueue(q []*Message) {
	sort.SliceStable(q, func(i, j int) bool {
		return q[i].Priority < q[j].Priority
	})
}

func (b *Bus) publish(t events.Type, msg *Message) {
	if b.broker != nil {
		b.broker.Publish(t.String(), events.New(t, msg).WithWorker(msg.Target))
	}
}

// persist writes the message's durable file atomically. Persistence
// failures are logged, never surfaced: in-memory truth is authoritative.
func (b *Bus) persist(msg *Message) {
	if b.dir == "" {
		return
	}
	data, err := json.MarshalIndent(msg, "", "  ")
	if err != nil {
		log.ErrorErr(log.CatBus, "marshaling message", err, "id", msg.ID)
		return
	}
	path := filepath.Join(b.dir, msg.ID+".json")
	if err := renameio.WriteFile(path, data, 0644); err != nil {
		log.ErrorErr(log.CatBus, "writing message file", err, "id", msg.ID)
	}
}

func (b *Bus) removeDurable(id string) {
	if b.dir == "" {
		return
	}
	if err := os.Remove(filepath.Join(b.dir, id+".json")); err != nil && !os.IsNotExist(err) {
		log.Warn(log.CatBus, "removing message file", "id", id, "error", err.Error())
	}
}
