// Package engine is the composition root: it constructs the registry,
// supervisor, monitor, bus, coordinator, and consolidator against one
// shared broker and owns their startup and shutdown order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/zjrosen/chamber/internal/bus"
	"github.com/zjrosen/chamber/internal/config"
	"github.com/zjrosen/chamber/internal/consolidator"
	"github.com/zjrosen/chamber/internal/coordinator"
	"github.com/zjrosen/chamber/internal/events"
	"github.com/zjrosen/chamber/internal/log"
	"github.com/zjrosen/chamber/internal/monitor"
	"github.com/zjrosen/chamber/internal/pubsub"
	"github.com/zjrosen/chamber/internal/registry"
	"github.com/zjrosen/chamber/internal/supervisor"
	"github.com/zjrosen/chamber/internal/tracing"
	"github.com/zjrosen/chamber/internal/vcs"
	"github.com/zjrosen/chamber/internal/watcher"
)

// Options configures engine construction. The zero value of Executor and
// Launcher selects the production implementations; tests inject fakes.
type Options struct {
	Config config.Config

	// RepoDir is the repository this daemon manages. Defaults to the
	// working directory. One daemon instance serves one repository.
	RepoDir string

	// Executor overrides the git executor. Nil uses git rooted at RepoDir.
	Executor vcs.Executor

	// Launcher overrides process launching. Nil uses the OS launcher.
	Launcher supervisor.Launcher
}

// Engine owns the orchestrator's components. Fields are exported so the
// transport layer can reach each subsystem directly.
type Engine struct {
	Broker       *pubsub.Broker[events.Event]
	Registry     *registry.Registry
	VCS          vcs.Executor
	Monitor      *monitor.Monitor
	Supervisor   *supervisor.Supervisor
	Bus          *bus.Bus
	Coordinator  *coordinator.Coordinator
	Consolidator *consolidator.Consolidator
	Watcher      *watcher.Watcher
	Tracing      *tracing.Provider

	cfg      config.Config
	repoDir  string
	closeLog func()

	mu      sync.Mutex
	started bool
}

// New wires the component graph. Nothing runs yet; Start launches the
// background loops.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	if err := cfg.EnsureStateDir(); err != nil {
		return nil, err
	}

	repoDir := opts.RepoDir
	if repoDir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("resolving working directory: %w", err)
		}
		repoDir = wd
	}

	closeLog := func() {}
	if cfg.Debug {
		fn, err := log.Init(cfg.LogPath())
		if err != nil {
			return nil, fmt.Errorf("opening debug log: %w", err)
		}
		closeLog = fn
	}

	broker := pubsub.NewBroker[events.Event]()
	reg := registry.New(broker, cfg.RegistryPath(), registry.Options{
		Ceiling:  cfg.Limits.RegistryCeiling,
		PruneAge: cfg.Limits.RegistryPruneAge,
	})

	executor := opts.Executor
	if executor == nil {
		executor = vcs.NewGit(repoDir)
	}

	mon := monitor.New(monitor.Config{
		Interval:    cfg.Limits.SampleInterval,
		Window:      cfg.Limits.SampleWindow,
		MemoryLimit: cfg.Limits.MemoryLimitBytes,
	})

	supCfg := supervisor.DefaultConfig()
	supCfg.MaxActiveWorkers = cfg.Limits.MaxActiveWorkers
	supCfg.WallClock = cfg.Limits.WorkerWallClock
	supCfg.TerminateGrace = cfg.Limits.TerminateGrace
	supCfg.LogRingCapacity = cfg.Limits.LogRingCapacity
	sup := supervisor.New(supCfg, reg, executor, broker, mon, opts.Launcher)

	// The monitor fires on memory breaches; the supervisor owns the kill.
	mon.SetTerminator(func(workerID, reason string) {
		if err := sup.Terminate(context.Background(), workerID, supervisor.TerminationReason(reason)); err != nil {
			log.Warn(log.CatEngine, "resource-limit terminate", "worker", workerID, "error", err.Error())
		}
	})

	msgBus := bus.New(bus.Config{
		QueueCapacity:  cfg.Limits.QueueCapacity,
		MaxRetries:     cfg.Limits.MaxRetries,
		RetryBaseDelay: cfg.Limits.RetryBaseDelay,
	}, cfg.MessagesDir(), reg, broker, nil)
	// Delivery writes the message envelope to the worker's stdin,
	// newline framed. The supervisor reports unknown workers as errors,
	// which the bus turns into retries.
	msgBus.SetDeliverer(bus.DelivererFunc(func(ctx context.Context, msg *bus.Message) error {
		return sup.Send(msg.Target, msg)
	}))

	coord := coordinator.New(broker)
	cons := consolidator.New(
		consolidator.NewStore(cfg.ConsolidationsPath(), consolidator.DefaultCacheTTL),
		executor, reg, broker,
	)

	stateWatcher, err := watcher.New(watcher.DefaultConfig(cfg.StateDir), broker)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("creating state watcher: %w", err)
	}

	traceCfg := tracing.Config{
		Enabled:      cfg.Tracing.Enabled,
		Exporter:     cfg.Tracing.Exporter,
		FilePath:     cfg.Tracing.FilePath,
		OTLPEndpoint: cfg.Tracing.OTLPEndpoint,
		SampleRate:   cfg.Tracing.SampleRate,
		ServiceName:  cfg.Tracing.ServiceName,
	}
	if traceCfg.Enabled && traceCfg.Exporter == "file" && traceCfg.FilePath == "" {
		traceCfg.FilePath = filepath.Join(cfg.StateDir, "traces.jsonl")
	}
	provider, err := tracing.NewProvider(traceCfg)
	if err != nil {
		closeLog()
		return nil, fmt.Errorf("configuring tracing: %w", err)
	}

	return &Engine{
		Broker:       broker,
		Registry:     reg,
		VCS:          executor,
		Monitor:      mon,
		Supervisor:   sup,
		Bus:          msgBus,
		Coordinator:  coord,
		Consolidator: cons,
		Watcher:      stateWatcher,
		Tracing:      provider,
		cfg:          cfg,
		repoDir:      repoDir,
		closeLog:     closeLog,
	}, nil
}

// Config returns the engine's effective configuration.
func (e *Engine) Config() config.Config {
	return e.cfg
}

// RepoDir returns the repository the daemon manages. Spawn requests with
// an empty project default to it.
func (e *Engine) RepoDir() string {
	return e.repoDir
}

// Start launches the background loops: registry persistence, message
// drain, resource sampling, and the state-file watcher.
func (e *Engine) Start() error {
	e.mu.Lock()
	if e.started {
		e.mu.Unlock()
		return nil
	}
	e.started = true
	e.mu.Unlock()

	e.Registry.Start()
	if err := e.Bus.Start(); err != nil {
		return fmt.Errorf("starting message bus: %w", err)
	}
	e.Monitor.Start()
	if err := e.Watcher.Start(); err != nil {
		return fmt.Errorf("starting state watcher: %w", err)
	}

	log.Info(log.CatEngine, "engine started",
		"state_dir", e.cfg.StateDir, "repo", e.repoDir,
		"max_workers", e.cfg.Limits.MaxActiveWorkers)
	return nil
}

// Shutdown terminates every worker with reason shutdown, flushes the
// registry and bus, and stops the background loops, bounded by ctx.
// Components are stopped in dependency order: workers first so their
// exits still flow through the registry and bus.
func (e *Engine) Shutdown(ctx context.Context) error {
	var errs []error

	if err := e.Supervisor.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("supervisor shutdown: %w", err))
	}
	e.Monitor.Stop()
	if err := e.Watcher.Stop(); err != nil {
		errs = append(errs, fmt.Errorf("stopping state watcher: %w", err))
	}
	e.Bus.Close()
	e.Coordinator.Close()
	e.Registry.Close()
	if err := e.Tracing.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("tracing shutdown: %w", err))
	}
	e.Broker.Close()

	log.Info(log.CatEngine, "engine stopped")
	e.closeLog()
	return errors.Join(errs...)
}
