// Package daemon runs replication in the background while the application
// is open.
//
// The daemon:
//  1. Runs a sync cycle at startup
//  2. Watches the database files and runs a cycle once local writes have
//     been quiet for the debounce interval
//  3. Runs a cycle on a fixed poll interval to pick up remote changes
//  4. Runs a final cycle on shutdown
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/yukiapp/yuki/internal/replica"
)

// Syncer runs one sync cycle. *replica.Engine implements it.
type Syncer interface {
	Cycle(ctx context.Context) (*replica.Result, error)
}

// Config holds configuration for the daemon.
type Config struct {
	// Debounce is how long local writes must be quiet before a cycle runs.
	// Each new write restarts the wait.
	Debounce time.Duration

	// PollInterval is how often to sync without local writes, so remote
	// changes arrive on an idle device. Zero disables polling.
	PollInterval time.Duration

	// ShutdownTimeout bounds the final cycle run on shutdown. Zero leaves it
	// unbounded.
	ShutdownTimeout time.Duration

	// Logger for daemon activity
	Logger *slog.Logger
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Debounce:        15 * time.Second,
		PollInterval:    5 * time.Minute,
		ShutdownTimeout: 0,
		Logger:          slog.Default(),
	}
}

// Daemon watches the local database and drives sync cycles.
type Daemon struct {
	syncer Syncer
	dbPath string
	config *Config

	watcher *FileWatcher

	// trigger holds at most one pending cycle request; requests arriving
	// while one is pending coalesce into it.
	trigger chan struct{}

	mu      sync.Mutex
	running bool
	wg      sync.WaitGroup
}

// New creates a daemon that syncs through syncer whenever the database at
// dbPath changes.
func New(syncer Syncer, dbPath string, config *Config) (*Daemon, error) {
	if syncer == nil {
		return nil, fmt.Errorf("syncer cannot be nil")
	}
	if dbPath == "" {
		return nil, fmt.Errorf("dbPath cannot be empty")
	}
	if config == nil {
		config = DefaultConfig()
	}
	if config.Logger == nil {
		config.Logger = slog.Default()
	}
	if config.Debounce <= 0 {
		config.Debounce = DefaultConfig().Debounce
	}

	watcher, err := NewFileWatcher()
	if err != nil {
		return nil, err
	}

	return &Daemon{
		syncer:  syncer,
		dbPath:  dbPath,
		config:  config,
		watcher: watcher,
		trigger: make(chan struct{}, 1),
	}, nil
}

// Trigger requests a sync cycle without waiting for it. It never blocks.
func (d *Daemon) Trigger() {
	select {
	case d.trigger <- struct{}{}:
	default:
	}
}

// Run starts the daemon and blocks until ctx is cancelled. On cancellation it
// stops watching and waits for any running cycle to finish; cycles are never
// interrupted. It then runs one final cycle, bounded by ShutdownTimeout when
// that is set.
func (d *Daemon) Run(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return fmt.Errorf("daemon already running")
	}
	d.running = true
	d.mu.Unlock()

	log := d.config.Logger

	dir := filepath.Dir(d.dbPath)
	if err := d.watcher.Start(dir, DatabaseFiles(d.dbPath)...); err != nil {
		return err
	}
	log.Info("daemon started",
		"watching", d.dbPath,
		"debounce", d.config.Debounce,
		"poll_interval", d.config.PollInterval,
	)

	d.Trigger()

	d.wg.Add(2)
	go d.watchFileEvents(ctx)
	go d.processTriggers(ctx)

	<-ctx.Done()
	log.Info("shutdown signal received")

	if err := d.watcher.Stop(); err != nil {
		log.Warn("error closing watcher", "error", err)
	}
	d.wg.Wait()

	final := context.WithoutCancel(ctx)
	if d.config.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		final, cancel = context.WithTimeout(final, d.config.ShutdownTimeout)
		defer cancel()
	}
	d.runCycle(final, "shutdown")

	log.Info("daemon stopped")
	return nil
}

// watchFileEvents restarts the debounce timer on every database write and
// requests a cycle when it fires.
func (d *Daemon) watchFileEvents(ctx context.Context) {
	defer d.wg.Done()

	log := d.config.Logger

	debounce := time.NewTimer(d.config.Debounce)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			return

		case event, ok := <-d.watcher.Events():
			if !ok {
				return
			}
			log.Debug("database file event", "op", event.Op, "path", event.Path)
			debounce.Reset(d.config.Debounce)

		case err, ok := <-d.watcher.Errors():
			if !ok {
				return
			}
			log.Warn("watcher error", "error", err)

		case <-debounce.C:
			d.Trigger()
		}
	}
}

// processTriggers runs requested cycles one at a time, and polls. ctx only
// ends the loop: a cycle that has started runs to completion.
func (d *Daemon) processTriggers(ctx context.Context) {
	defer d.wg.Done()

	cycleCtx := context.WithoutCancel(ctx)

	var poll <-chan time.Time
	if d.config.PollInterval > 0 {
		ticker := time.NewTicker(d.config.PollInterval)
		defer ticker.Stop()
		poll = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.trigger:
			d.runCycle(cycleCtx, "change")
		case <-poll:
			d.runCycle(cycleCtx, "poll")
		}
	}
}

func (d *Daemon) runCycle(ctx context.Context, reason string) {
	log := d.config.Logger

	res, err := d.syncer.Cycle(ctx)
	if err != nil {
		log.Error("sync cycle failed", "reason", reason, "error", err)
		return
	}
	log.Debug("sync cycle finished",
		"reason", reason,
		"pushed", res.Pushed,
		"applied", res.Applied,
		"snapshot", res.SnapshotCreated,
		"duration", res.Duration,
	)
}
