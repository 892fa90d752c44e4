package monitor

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeSampler scripts per-pid samples.
type fakeSampler struct {
	mu      sync.Mutex
	samples map[int][]Sample
	err     error
}

func (f *fakeSampler) next(pid int) (Sample, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return Sample{}, f.err
	}
	queue := f.samples[pid]
	if len(queue) == 0 {
		return Sample{}, errProcessGone
	}
	s := queue[0]
	if len(queue) > 1 {
		f.samples[pid] = queue[1:]
	}
	return s, nil
}

func newTestMonitor(cfg Config, fs *fakeSampler) *Monitor {
	m := New(cfg)
	m.sample = fs.next
	return m
}

func TestStatsAggregation(t *testing.T) {
	fs := &fakeSampler{samples: map[int][]Sample{
		42: {
			{MemoryBytes: 100 << 20, CPUTime: 0},
			{MemoryBytes: 200 << 20, CPUTime: 50 * time.Millisecond},
			{MemoryBytes: 150 << 20, CPUTime: 100 * time.Millisecond},
		},
	}}
	m := newTestMonitor(Config{Interval: time.Second, Window: 60, MemoryLimit: 512 << 20}, fs)
	m.Track("w-1", 42)

	m.sweep()
	m.sweep()
	m.sweep()

	stats, err := m.Stats("w-1")
	require.NoError(t, err)
	assert.Equal(t, int64(150<<20), stats.CurrentMemoryBytes)
	assert.Equal(t, int64(200<<20), stats.PeakMemoryBytes)
	assert.Equal(t, 3, stats.SampleCount)
	assert.GreaterOrEqual(t, stats.CurrentCPUPercent, 0.0)
}

func TestStatsUnknownWorker(t *testing.T) {
	m := New(DefaultConfig())
	_, err := m.Stats("missing")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestWindowBounded(t *testing.T) {
	samples := make([]Sample, 10)
	for i := range samples {
		samples[i] = Sample{MemoryBytes: int64(i)}
	}
	fs := &fakeSampler{samples: map[int][]Sample{1: samples}}
	m := newTestMonitor(Config{Interval: time.Second, Window: 4, MemoryLimit: 1 << 40}, fs)
	m.Track("w-1", 1)

	for i := 0; i < 10; i++ {
		m.sweep()
	}
	stats, err := m.Stats("w-1")
	require.NoError(t, err)
	assert.Equal(t, 4, stats.SampleCount)
}

func TestMemoryLimitTriggersTerminate(t *testing.T) {
	fs := &fakeSampler{samples: map[int][]Sample{
		7: {{MemoryBytes: 600 << 20}},
	}}
	m := newTestMonitor(Config{Interval: time.Second, Window: 60, MemoryLimit: 512 << 20}, fs)

	var mu sync.Mutex
	var calls []string
	m.SetTerminator(func(id, reason string) {
		mu.Lock()
		defer mu.Unlock()
		calls = append(calls, id+":"+reason)
	})
	m.Track("w-big", 7)

	m.sweep()
	m.sweep() // breach fires once, not per sweep

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, calls, 1)
	assert.Equal(t, "w-big:memory_limit", calls[0])
}

func TestGoneProcessRemoved(t *testing.T) {
	fs := &fakeSampler{samples: map[int][]Sample{}}
	m := newTestMonitor(Config{Interval: time.Second, Window: 60, MemoryLimit: 1 << 40}, fs)
	m.Track("w-1", 99)

	m.sweep()

	_, err := m.Stats("w-1")
	assert.ErrorIs(t, err, ErrNotTracked)
}

func TestStartStop(t *testing.T) {
	fs := &fakeSampler{samples: map[int][]Sample{}}
	m := newTestMonitor(Config{Interval: 10 * time.Millisecond, Window: 60, MemoryLimit: 1 << 40}, fs)
	m.Start()
	time.Sleep(30 * time.Millisecond)
	m.Stop()
}
