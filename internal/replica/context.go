package replica

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/yukiapp/yuki/internal/db"
	"github.com/yukiapp/yuki/internal/ledger"
	"github.com/yukiapp/yuki/internal/remote"
)

// Remote layout paths, relative to the sync root.
const (
	ManifestPath = "manifest.json"
	SnapshotPath = "snapshot.db"
	ChangesDir   = "changes"
)

// DefaultSnapshotMaxAge is how old the remote snapshot may get before a new
// one is produced.
const DefaultSnapshotMaxAge = 24 * time.Hour

// stateLastSnapshot is the sync_state key holding the newest snapshot
// timestamp this device has observed or produced.
const stateLastSnapshot = "last_snapshot"

// stateRestorePending is set on a database created while the remote
// snapshot could not be fetched. It holds the time the database was created.
const stateRestorePending = "restore_pending"

// SyncContext carries everything the sync layer needs. It is built once at
// startup and passed to every sync-layer function; nothing in this package
// keeps process-wide state.
type SyncContext struct {
	// Device resolves the local device id.
	Device ledger.DeviceSource

	// Store is the remote. Nil means replication is disabled.
	Store remote.Store

	// DB is the open local database. Boot restore runs before it exists
	// and only uses DBPath.
	DB *db.DB

	// DBPath is the local database file.
	DBPath string

	// Tables is the replicated table set.
	Tables ledger.Tables

	// SnapshotMaxAge defaults to DefaultSnapshotMaxAge.
	SnapshotMaxAge time.Duration

	// ScratchDir holds temporary push/pull/snapshot directories.
	// Default: os.TempDir(). It must not be the database directory, or the
	// change watcher would see sync's own scratch files.
	ScratchDir string

	// Logger defaults to slog.Default().
	Logger *slog.Logger

	// Now defaults to time.Now.
	Now func() time.Time
}

// Enabled reports whether a remote is configured.
func (sc *SyncContext) Enabled() bool {
	return sc.Store != nil
}

func (sc *SyncContext) logger() *slog.Logger {
	if sc.Logger != nil {
		return sc.Logger
	}
	return slog.Default()
}

func (sc *SyncContext) now() time.Time {
	if sc.Now != nil {
		return sc.Now()
	}
	return time.Now()
}

func (sc *SyncContext) snapshotMaxAge() time.Duration {
	if sc.SnapshotMaxAge > 0 {
		return sc.SnapshotMaxAge
	}
	return DefaultSnapshotMaxAge
}

func (sc *SyncContext) scratchDir() string {
	if sc.ScratchDir != "" {
		return sc.ScratchDir
	}
	return os.TempDir()
}

// mkScratch creates a fresh scratch directory. The caller removes it.
func (sc *SyncContext) mkScratch(pattern string) (string, error) {
	if err := os.MkdirAll(sc.scratchDir(), 0755); err != nil {
		return "", err
	}
	return os.MkdirTemp(sc.scratchDir(), pattern)
}

// RestorePending reports whether the local database still has to merge the
// remote snapshot it missed at boot.
func (sc *SyncContext) RestorePending(ctx context.Context) (bool, error) {
	v, err := sc.DB.GetState(ctx, stateRestorePending)
	if err != nil {
		return false, err
	}
	return v != "", nil
}

func (sc *SyncContext) setRestorePending(ctx context.Context, pending bool) error {
	if pending {
		return sc.DB.SetState(ctx, stateRestorePending, ledger.FormatTimestamp(sc.now()))
	}
	return sc.DB.DeleteState(ctx, stateRestorePending)
}
