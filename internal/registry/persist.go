package registry

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio/v2"

	"github.com/zjrosen/chamber/internal/log"
)

// persistDebounce batches bursts of mutations into one mirror write.
const persistDebounce = 250 * time.Millisecond

// persister mirrors the registry to a JSON file. Mutations set a dirty
// flag; a background loop debounces writes. Persistence failures are
// logged and retried on the next mutation, never surfaced to the write
// that triggered them.
type persister struct {
	path     string
	snapshot func() []*Worker
	dirty    chan struct{}
	done     chan struct{}
	stopped  chan struct{}
	started  bool
}

func newPersister(path string, snapshot func() []*Worker) *persister {
	return &persister{
		path:     path,
		snapshot: snapshot,
		dirty:    make(chan struct{}, 1),
		done:     make(chan struct{}),
		stopped:  make(chan struct{}),
	}
}

// load reads the mirror file. A missing file is an empty registry; a
// corrupt file returns an error so the caller can log and start empty.
func (p *persister) load() ([]*Worker, error) {
	data, err := os.ReadFile(p.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("reading registry mirror: %w", err)
	}

	var workers []*Worker
	if err := json.Unmarshal(data, &workers); err != nil {
		return nil, fmt.Errorf("parsing registry mirror: %w", err)
	}
	return workers, nil
}

func (p *persister) start() {
	p.started = true
	log.SafeGo("registry-persister", p.loop)
}

func (p *persister) stop() {
	if !p.started {
		p.flush()
		return
	}
	close(p.done)
	<-p.stopped
}

func (p *persister) markDirty() {
	select {
	case p.dirty <- struct{}{}:
	default:
	}
}

func (p *persister) loop() {
	defer close(p.stopped)
	for {
		select {
		case <-p.dirty:
			// Debounce so a burst of transitions becomes one write.
			timer := time.NewTimer(persistDebounce)
			select {
			case <-timer.C:
			case <-p.done:
				timer.Stop()
				p.flush()
				return
			}
			p.flush()
		case <-p.done:
			p.flush()
			return
		}
	}
}

// flush writes the snapshot atomically: temp file in the same directory,
// then rename, so a concurrent reader never sees a partial mirror.
func (p *persister) flush() {
	workers := p.snapshot()
	if workers == nil {
		workers = []*Worker{}
	}

	data, err := json.MarshalIndent(workers, "", "  ")
	if err != nil {
		log.ErrorErr(log.CatRegistry, "marshaling registry mirror", err)
		return
	}

	if err := os.MkdirAll(filepath.Dir(p.path), 0755); err != nil {
		log.ErrorErr(log.CatRegistry, "creating registry mirror directory", err)
		return
	}

	if err := renameio.WriteFile(p.path, data, 0644); err != nil {
		log.ErrorErr(log.CatRegistry, "writing registry mirror", err)
		return
	}
	log.Debug(log.CatRegistry, "registry mirror written", "workers", len(workers))
}
