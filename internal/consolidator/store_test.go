package consolidator

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consolidations.json")
	s := NewStore(path, time.Millisecond)
	require.NoError(t, s.Load())

	c := &Consolidation{ID: "c-1", Project: "/repo", BaseBranch: "main", Status: StatusPending, CreatedAt: time.Now()}
	require.NoError(t, s.Put(c))

	reloaded := NewStore(path, time.Millisecond)
	require.NoError(t, reloaded.Load())
	got, ok := reloaded.Get("c-1")
	require.True(t, ok)
	assert.Equal(t, "/repo", got.Project)
	assert.Equal(t, StatusPending, got.Status)
}

func TestStoreDelete(t *testing.T) {
	s := NewStore("", 0)
	require.NoError(t, s.Load())
	require.NoError(t, s.Put(&Consolidation{ID: "c-1", CreatedAt: time.Now()}))

	require.NoError(t, s.Delete("c-1"))
	_, ok := s.Get("c-1")
	assert.False(t, ok)
	assert.NoError(t, s.Delete("c-1")) // absent id is a no-op
}

func TestStoreListNewestFirst(t *testing.T) {
	s := NewStore("", 0)
	require.NoError(t, s.Load())
	base := time.Now()
	require.NoError(t, s.Put(&Consolidation{ID: "old", CreatedAt: base.Add(-time.Hour)}))
	require.NoError(t, s.Put(&Consolidation{ID: "new", CreatedAt: base}))

	list := s.List()
	require.Len(t, list, 2)
	assert.Equal(t, "new", list[0].ID)
	assert.Equal(t, "old", list[1].ID)
}

func TestStoreCacheInvalidatedOnPut(t *testing.T) {
	s := NewStore("", time.Minute)
	require.NoError(t, s.Load())
	require.NoError(t, s.Put(&Consolidation{ID: "c-1", CreatedAt: time.Now()}))
	assert.Len(t, s.List(), 1)

	// A mutation must not be masked by the read cache.
	require.NoError(t, s.Put(&Consolidation{ID: "c-2", CreatedAt: time.Now()}))
	assert.Len(t, s.List(), 2)
}

func TestStoreCorruptFileStartsEmpty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "consolidations.json")
	require.NoError(t, os.WriteFile(path, []byte("{{{"), 0644))

	s := NewStore(path, 0)
	require.NoError(t, s.Load())
	assert.Empty(t, s.List())
}
