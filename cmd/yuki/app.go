package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/yukiapp/yuki/internal/config"
	"github.com/yukiapp/yuki/internal/db"
	"github.com/yukiapp/yuki/internal/device"
	"github.com/yukiapp/yuki/internal/ledger"
	"github.com/yukiapp/yuki/internal/library"
	"github.com/yukiapp/yuki/internal/remote"
	"github.com/yukiapp/yuki/internal/replica"
)

// app is everything a command needs, wired once from the config.
type app struct {
	cfg      *config.Config
	log      *slog.Logger
	identity *device.Identity
	sc       *replica.SyncContext
	db       *db.DB
	engine   *replica.Engine
	lib      *library.Library
}

type openOptions struct {
	// sync asks for remote detection even when a local database exists.
	sync bool
	// noDB leaves the database closed, for restore.
	noDB bool
}

// openApp detects the remote, restores a snapshot when this device has no
// database yet, then opens the database. A missing remote never fails it:
// the app runs with sync disabled.
func openApp(ctx context.Context, opts openOptions) (*app, error) {
	log := logger.Logger

	identity := device.New(cfg.IdentityPath)
	if _, err := identity.ID(); err != nil {
		// Reads still work; every tracked write will fail until this is fixed.
		log.Error("device identity unavailable", "path", cfg.IdentityPath, "error", err)
	}

	sc := &replica.SyncContext{
		Device:         identity,
		DBPath:         cfg.DBPath,
		Tables:         library.Tables,
		SnapshotMaxAge: cfg.Sync.SnapshotMaxAge,
		ScratchDir:     filepath.Join(os.TempDir(), "yuki"),
		Logger:         log,
	}
	if opts.sync || !db.Exists(cfg.DBPath) {
		sc.Store = detectRemote(ctx, log)
	}

	a := &app{cfg: cfg, log: log, identity: identity, sc: sc}
	if opts.noDB {
		return a, nil
	}

	database, err := replica.OpenOnBoot(ctx, sc)
	if err != nil {
		return nil, err
	}

	a.db = database
	a.engine = replica.NewEngine(sc)
	a.lib = library.New(database.RawDB(), ledger.NewGateway(database.RawDB(), identity, library.Tables))
	return a, nil
}

// detectRemote returns the configured remote, or nil when sync is off or
// cannot run.
func detectRemote(ctx context.Context, log *slog.Logger) remote.Store {
	if !cfg.Sync.Enabled {
		log.Debug("sync disabled by configuration")
		return nil
	}

	r, err := remote.Detect(ctx, remote.DetectOptions{
		Tool:     cfg.Sync.Tool,
		Backends: cfg.Sync.Backends,
		Root:     cfg.Sync.Root,
		Timeout:  cfg.Sync.ToolTimeout,
	})
	if err != nil {
		if remote.IsUnavailable(err) {
			log.Warn("sync disabled", "reason", err)
		} else {
			log.Error("remote detection failed, sync disabled", "error", err)
		}
		return nil
	}

	log.Debug("remote detected", "remote", r.RemoteString(""))
	return r
}

func (a *app) Close() error {
	if a.db == nil {
		return nil
	}
	return a.db.Close()
}

// requireSync fails when the app has no remote.
func (a *app) requireSync() error {
	if a.sc.Enabled() {
		return nil
	}
	if !a.cfg.Sync.Enabled {
		return fmt.Errorf("sync is turned off (sync.enabled=false or --no-sync)")
	}
	return fmt.Errorf("%w: install rclone and configure one of: %v", replica.ErrDisabled, a.cfg.Sync.Backends)
}
