// Package watcher monitors the orchestrator state directory for
// external mutations and republishes them as events, with debouncing so
// a burst of writes surfaces once. The registry and consolidation files
// are written by their own actors; the watcher exists for changes made
// by other processes (or humans) behind the orchestrator's back.
package watcher

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/pubsub"
)

// StateChange names which durable file changed.
type StateChange struct {
	File string `json:"file"`
}

// Topic carries external state-file change notifications.
const Topic = "state:changed"

// Config holds watcher configuration.
type Config struct {
	// StateDir is the directory holding registry.json and
	// consolidations.json.
	StateDir string

	// Debounce collapses bursts of writes into one notification.
	Debounce time.Duration
}

// DefaultConfig returns the standard debounce for a state dir.
func DefaultConfig(stateDir string) Config {
	return Config{
		StateDir: stateDir,
		Debounce: time.Second,
	}
}

// watchedFiles are the state files worth a notification.
var watchedFiles = map[string]bool{
	"registry.json":       true,
	"consolidations.json": true,
}

// Watcher monitors the state directory.
type Watcher struct {
	fsWatcher *fsnotify.Watcher
	cfg       Config
	broker    *pubsub.Broker[events.Event]
	done      chan struct{}
}

// New creates a state-dir watcher publishing on broker.
func New(cfg Config, broker *pubsub.Broker[events.Event]) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating fsnotify watcher: %w", err)
	}
	return &Watcher{
		fsWatcher: fsw,
		cfg:       cfg,
		broker:    broker,
		done:      make(chan struct{}),
	}, nil
}

// Start begins watching the state directory.
func (w *Watcher) Start() error {
	if err := w.fsWatcher.Add(w.cfg.StateDir); err != nil {
		return fmt.Errorf("watching %s: %w", w.cfg.StateDir, err)
	}
	log.SafeGo("state-watcher", w.loop)
	return nil
}

// Stop terminates the watcher and releases resources.
func (w *Watcher) Stop() error {
	close(w.done)
	return w.fsWatcher.Close()
}

// loop processes file system events with debouncing. One timer per
// watched file so a registry write does not mask a consolidation write.
func (w *Watcher) loop() {
	timers := make(map[string]*time.Timer)
	defer func() {
		for _, t := range timers {
			t.Stop()
		}
	}()

	for {
		select {
		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			base := filepath.Base(event.Name)
			if !watchedFiles[base] || event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			if t, ok := timers[base]; ok {
				t.Reset(w.cfg.Debounce)
				continue
			}
			file := base
			timers[file] = time.AfterFunc(w.cfg.Debounce, func() {
				w.notify(file)
			})

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			log.Warn(log.CatEngine, "state watcher error", "error", err.Error())

		case <-w.done:
			return
		}
	}
}

func (w *Watcher) notify(file string) {
	log.Debug(log.CatEngine, "state file changed externally", "file", file)
	if w.broker != nil {
		w.broker.Publish(Topic, events.New(events.Type(Topic), StateChange{File: file}))
	}
}
