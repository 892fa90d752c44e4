package log

import (
	"bytes"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

// syncBuffer is a goroutine-safe bytes.Buffer for asserting on log output.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestLogFormatsFields(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	SetMinLevel(LevelDebug)

	Info(CatBus, "message queued", "id", "m-1", "priority", 2)

	line := buf.String()
	assert.Contains(t, line, "[INFO]")
	assert.Contains(t, line, "[bus]")
	assert.Contains(t, line, "message queued")
	assert.Contains(t, line, "id=m-1")
	assert.Contains(t, line, "priority=2")
}

func TestLogRespectsMinLevel(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	SetMinLevel(LevelWarn)
	defer SetMinLevel(LevelDebug)

	Debug(CatSup, "noise")
	Warn(CatSup, "signal")

	assert.NotContains(t, buf.String(), "noise")
	assert.Contains(t, buf.String(), "signal")
}

func TestLogOddFieldCount(t *testing.T) {
	var buf bytes.Buffer
	InitWriter(&buf)
	SetMinLevel(LevelDebug)

	Error(CatVCS, "oops", "orphan")
	assert.Contains(t, buf.String(), "orphan=<missing>")
}

func TestSafeGoRecoversPanic(t *testing.T) {
	buf := &syncBuffer{}
	InitWriter(buf)
	SetMinLevel(LevelDebug)

	var wg sync.WaitGroup
	wg.Add(1)
	SafeGo("panicky", func() {
		defer wg.Done()
		panic("boom")
	})

	done := make(chan struct{})
	go func() { wg.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("SafeGo goroutine did not finish")
	}

	// Give the deferred recover a moment to log.
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if strings.Contains(buf.String(), "panic recovered") {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("panic was not logged")
}
