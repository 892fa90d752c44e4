// Package monitor samples memory and CPU for live worker processes on a
// fixed cadence and triggers termination when a worker breaches the
// memory limit. Sampling is platform-abstracted; unsupported platforms
// report zeros and log once.
package monitor

import (
	"errors"
	"sync"
	"time"

	"github.com/zjrosen/chamber/internal/log"
)

// ErrNotTracked indicates no sampler exists for the worker.
var ErrNotTracked = errors.New("worker not tracked")

// errProcessGone is returned by samplers when the process no longer exists.
var errProcessGone = errors.New("process gone")

// Sample is one point-in-time measurement.
type Sample struct {
	At          time.Time
	MemoryBytes int64
	CPUTime     time.Duration // cumulative process CPU time
	CPUPercent  float64       // derived from the previous sample
}

// Stats is the per-worker aggregate exposed to callers.
type Stats struct {
	CurrentMemoryBytes int64   `json:"current_memory_bytes"`
	PeakMemoryBytes    int64   `json:"peak_memory_bytes"`
	CurrentCPUPercent  float64 `json:"current_cpu_percent"`
	AverageCPUPercent  float64 `json:"average_cpu_percent"`
	UptimeMillis       int64   `json:"uptime_ms"`
	SampleCount        int     `json:"sample_count"`
}

// TerminateFunc is called when a worker breaches the memory limit.
type TerminateFunc func(workerID string, reason string)

// Config tunes the monitor.
type Config struct {
	Interval    time.Duration
	Window      int
	MemoryLimit int64
}

// DefaultConfig returns the standard sampling parameters.
func DefaultConfig() Config {
	return Config{
		Interval:    5 * time.Second,
		Window:      60,
		MemoryLimit: 512 * 1024 * 1024,
	}
}

type tracked struct {
	pid       int
	startedAt time.Time
	samples   []Sample // ring, newest last, bounded by Window
	peak      int64
	warned    bool // stat read failure already logged
	breached  bool // memory limit terminate already fired
}

// Monitor periodically samples all tracked processes.
type Monitor struct {
	cfg    Config
	sample func(pid int) (Sample, error)
	nowFn  func() time.Time

	mu        sync.Mutex
	workers   map[string]*tracked
	terminate TerminateFunc

	done    chan struct{}
	stopped chan struct{}
	started bool
}

// New creates a Monitor using the platform sampler.
func New(cfg Config) *Monitor {
	return &Monitor{
		cfg:     cfg,
		sample:  readSample,
		nowFn:   time.Now,
		workers: make(map[string]*tracked),
		done:    make(chan struct{}),
		stopped: make(chan struct{}),
	}
}

// SetTerminator installs the callback fired on a memory-limit breach.
// Must be called before Start.
func (m *Monitor) SetTerminator(fn TerminateFunc) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.terminate = fn
}

// Start launches the sampling loop.
func (m *Monitor) Start() {
	m.mu.Lock()
	if m.started {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	log.SafeGo("resource-monitor", m.loop)
}

// Stop halts the sampling loop.
func (m *Monitor) Stop() {
	m.mu.Lock()
	started := m.started
	m.mu.Unlock()
	if !started {
		return
	}
	close(m.done)
	<-m.stopped
}

// Track begins sampling the worker's process.
func (m *Monitor) Track(workerID string, pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.workers[workerID] = &tracked{pid: pid, startedAt: m.nowFn()}
	log.Debug(log.CatMon, "tracking worker", "worker", workerID, "pid", pid)
}

// Untrack stops sampling the worker's process.
func (m *Monitor) Untrack(workerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workers, workerID)
}

// Stats returns the worker's aggregate resource statistics.
func (m *Monitor) Stats(workerID string) (Stats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	t, ok := m.workers[workerID]
	if !ok {
		return Stats{}, ErrNotTracked
	}

	stats := Stats{
		PeakMemoryBytes: t.peak,
		UptimeMillis:    m.nowFn().Sub(t.startedAt).Milliseconds(),
		SampleCount:     len(t.samples),
	}
	if len(t.samples) > 0 {
		last := t.samples[len(t.samples)-1]
		stats.CurrentMemoryBytes = last.MemoryBytes
		stats.CurrentCPUPercent = last.CPUPercent
		var sum float64
		for _, s := range t.samples {
			sum += s.CPUPercent
		}
		stats.AverageCPUPercent = sum / float64(len(t.samples))
	}
	return stats, nil
}

func (m *Monitor) loop() {
	defer close(m.stopped)
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep samples every tracked process once.
func (m *Monitor) sweep() {
	m.mu.Lock()
	type target struct {
		id string
		t  *tracked
	}
	targets := make([]target, 0, len(m.workers))
	for id, t := range m.workers {
		targets = append(targets, target{id, t})
	}
	m.mu.Unlock()

	for _, tgt := range targets {
		s, err := m.sample(tgt.t.pid)
		if err != nil {
			if errors.Is(err, errProcessGone) {
				// Exited between samples; the supervisor's reaper owns
				// the record, the sampler just goes away.
				m.Untrack(tgt.id)
				continue
			}
			m.mu.Lock()
			if !tgt.t.warned {
				tgt.t.warned = true
				log.Warn(log.CatMon, "stat read failed", "worker", tgt.id, "pid", tgt.t.pid, "error", err.Error())
			}
			m.mu.Unlock()
			continue
		}
		s.At = m.nowFn()

		var fire TerminateFunc
		m.mu.Lock()
		prev := len(tgt.t.samples)
		if prev > 0 {
			last := tgt.t.samples[prev-1]
			elapsed := s.At.Sub(last.At)
			if elapsed > 0 {
				s.CPUPercent = 100 * float64(s.CPUTime-last.CPUTime) / float64(elapsed)
				if s.CPUPercent < 0 {
					s.CPUPercent = 0
				}
			}
		}
		tgt.t.samples = append(tgt.t.samples, s)
		if len(tgt.t.samples) > m.cfg.Window {
			tgt.t.samples = tgt.t.samples[len(tgt.t.samples)-m.cfg.Window:]
		}
		if s.MemoryBytes > tgt.t.peak {
			tgt.t.peak = s.MemoryBytes
		}
		if s.MemoryBytes > m.cfg.MemoryLimit && !tgt.t.breached {
			tgt.t.breached = true
			fire = m.terminate
		}
		m.mu.Unlock()

		if fire != nil {
			log.Warn(log.CatMon, "memory limit breached", "worker", tgt.id, "bytes", s.MemoryBytes, "limit", m.cfg.MemoryLimit)
			fire(tgt.id, "memory_limit")
		}
	}
}
