package consolidator

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/renameio/v2"
	gocache "github.com/patrickmn/go-cache"

	"github.com/zjrosen/chamber/internal/log"
)

// cacheKey is the single read-cache entry: the whole consolidation set.
const cacheKey = "consolidations"

// DefaultCacheTTL bounds how stale a read may be after an external
// mutation of the file.
const DefaultCacheTTL = 5 * time.Second

// Store persists consolidations to one JSON file with atomic renames.
// Reads are served from a TTL cache; mutations write through and
// invalidate it.
type Store struct {
	path  string // "" disables persistence
	cache *gocache.Cache

	mu      sync.Mutex
	records map[string]*Consolidation
	loaded  bool
}

// NewStore creates a store backed by path. An empty path keeps records
// in memory only (tests).
func NewStore(path string, ttl time.Duration) *Store {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	return &Store{
		path:    path,
		cache:   gocache.New(ttl, 2*ttl),
		records: make(map[string]*Consolidation),
	}
}

// Load reads the file into memory. A corrupt file is logged and
// treated as empty rather than blocking startup.
func (s *Store) Load() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loaded || s.path == "" {
		s.loaded = true
		return nil
	}

	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			s.loaded = true
			return nil
		}
		return fmt.Errorf("reading consolidations file: %w", err)
	}
	var records []*Consolidation
	if err := json.Unmarshal(data, &records); err != nil {
		log.Warn(log.CatCons, "corrupt consolidations file, starting empty", "path", s.path, "error", err.Error())
		s.loaded = true
		return nil
	}
	for _, c := range records {
		s.records[c.ID] = c
	}
	s.loaded = true
	return nil
}

// Put writes a consolidation through to disk.
func (s *Store) Put(c *Consolidation) error {
	s.mu.Lock()
	s.records[c.ID] = c.Clone()
	err := s.flushLocked()
	s.mu.Unlock()
	s.cache.Delete(cacheKey)
	return err
}

// Delete removes a consolidation. Deleting an absent id is a no-op.
func (s *Store) Delete(id string) error {
	s.mu.Lock()
	delete(s.records, id)
	err := s.flushLocked()
	s.mu.Unlock()
	s.cache.Delete(cacheKey)
	return err
}

// Get returns one consolidation snapshot.
func (s *Store) Get(id string) (*Consolidation, bool) {
	for _, c := range s.List() {
		if c.ID == id {
			return c, true
		}
	}
	return nil, false
}

// List returns all consolidations sorted by creation time, newest
// first. Served from the TTL cache between mutations.
func (s *Store) List() []*Consolidation {
	if cached, ok := s.cache.Get(cacheKey); ok {
		if records, ok := cached.([]*Consolidation); ok {
			return records
		}
	}

	s.mu.Lock()
	records := make([]*Consolidation, 0, len(s.records))
	for _, c := range s.records {
		records = append(records, c.Clone())
	}
	s.mu.Unlock()

	sort.Slice(records, func(i, j int) bool {
		if records[i].CreatedAt.Equal(records[j].CreatedAt) {
			return records[i].ID < records[j].ID
		}
		return records[i].CreatedAt.After(records[j].CreatedAt)
	})
	s.cache.Set(cacheKey, records, gocache.DefaultExpiration)
	return records
}

// flushLocked writes the full record set atomically. Caller holds the
// lock.
func (s *Store) flushLocked() error {
	if s.path == "" {
		return nil
	}
	records := make([]*Consolidation, 0, len(s.records))
	for _, c := range s.records {
		records = append(records, c)
	}
	sort.Slice(records, func(i, j int) bool { return records[i].ID < records[j].ID })

	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling consolidations: %w", err)
	}
	if err := renameio.WriteFile(s.path, data, 0644); err != nil {
		return fmt.Errorf("writing consolidations file: %w", err)
	}
	return nil
}
