package registry

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/pubsub"
)

func TestMirrorRoundTrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)

	r := New(broker, path, DefaultOptions())
	r.Start()
	require.NoError(t, r.Register(testWorker("w-1")))
	require.NoError(t, r.Register(testWorker("w-2")))
	r.Close()

	// The mirror is a valid JSON array of records.
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	var records []*Worker
	require.NoError(t, json.Unmarshal(data, &records))
	require.Len(t, records, 2)

	// A fresh registry reloads the same state.
	r2 := New(broker, path, DefaultOptions())
	r2.Start()
	defer r2.Close()
	assert.Len(t, r2.List(), 2)
	got, ok := r2.Get("w-1")
	require.True(t, ok)
	assert.Equal(t, "worker-w-1", got.Name)
}

func TestCorruptMirrorStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)
	r := New(broker, path, DefaultOptions())
	r.Start()
	defer r.Close()

	assert.Empty(t, r.List())
	// The registry remains writable after a corrupt load.
	require.NoError(t, r.Register(testWorker("w-1")))
}

func TestMirrorFlushOnClose(t *testing.T) {
	path := filepath.Join(t.TempDir(), "registry.json")
	broker := pubsub.NewBroker[events.Event]()
	t.Cleanup(broker.Close)

	r := New(broker, path, DefaultOptions())
	r.Start()
	require.NoError(t, r.Register(testWorker("w-1")))
	// Close must flush even if the debounce window has not elapsed.
	r.Close()

	_, err := os.Stat(path)
	require.NoError(t, err)
}
