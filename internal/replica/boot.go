package replica

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/yukiapp/yuki/internal/db"
	"github.com/yukiapp/yuki/internal/ledger"
	"github.com/yukiapp/yuki/internal/remote"
)

var sqliteMagic = []byte("SQLite format 3\x00")

// SyncDownOnBoot restores the remote snapshot into DBPath when no local
// database exists yet. It never overwrites an existing database. It reports
// whether a snapshot was restored; with sync disabled or no snapshot on the
// remote it returns false.
//
// Call it before opening the database. OpenOnBoot wraps it and flags the
// database when the restore could not be completed.
func SyncDownOnBoot(ctx context.Context, sc *SyncContext) (bool, error) {
	log := sc.logger()

	if db.Exists(sc.DBPath) {
		log.Debug("local database present, skipping boot restore", "path", sc.DBPath)
		return false, nil
	}
	if !sc.Enabled() {
		return false, nil
	}

	m, err := sc.ReadManifest(ctx)
	if err != nil {
		return false, err
	}
	if !m.HasSnapshot() {
		log.Info("no remote snapshot, starting with an empty database")
		return false, nil
	}

	if err := downloadSnapshot(ctx, sc, sc.DBPath); err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			log.Warn("manifest names a snapshot but snapshot.db is missing")
			return false, nil
		}
		return false, err
	}

	log.Info("restored database from remote snapshot",
		"path", sc.DBPath,
		"snapshot", m.SnapshotTimestamp.UTC(),
	)
	return true, nil
}

// OpenOnBoot runs SyncDownOnBoot, then opens DBPath, initializes its schema
// and sets sc.DB.
//
// When this device had no database and the restore could not complete,
// because sync is off or the remote failed, the new database is flagged
// restore pending. Each sync cycle then tries to merge the remote snapshot
// into it, and no snapshot is uploaded from it until that succeeds.
func OpenOnBoot(ctx context.Context, sc *SyncContext) (*db.DB, error) {
	log := sc.logger()

	fresh := !db.Exists(sc.DBPath)
	restored, bootErr := SyncDownOnBoot(ctx, sc)
	if bootErr != nil {
		log.Warn("boot restore failed", "error", bootErr)
	}

	database, err := db.Open(sc.DBPath)
	if err != nil {
		return nil, err
	}
	if err := database.InitSchemaContext(ctx); err != nil {
		database.Close()
		return nil, err
	}
	sc.DB = database

	if fresh && !restored && (bootErr != nil || !sc.Enabled()) {
		if err := sc.setRestorePending(ctx, true); err != nil {
			database.Close()
			return nil, err
		}
		log.Warn("started without the remote snapshot; it is merged on the next successful sync",
			"path", sc.DBPath)
	}
	return database, nil
}

// mergePendingSnapshot brings a restore-pending database up to the remote
// snapshot by replaying the snapshot's change_log. Records already in the
// local ledger are skipped, so writes made since boot are kept. The flag is
// cleared once every record is in, or when the remote has no snapshot.
//
// Must be called with e.cycle held.
func (e *Engine) mergePendingSnapshot(ctx context.Context, res *Result) error {
	sc := e.sc
	log := sc.logger()

	pending, err := sc.RestorePending(ctx)
	if err != nil || !pending {
		return err
	}

	m, err := sc.ReadManifest(ctx)
	if err != nil {
		return err
	}
	if m.HasSnapshot() {
		failed, err := e.mergeSnapshot(ctx, res)
		if err != nil {
			return err
		}
		if failed > 0 {
			log.Warn("remote snapshot partially merged, retrying next cycle", "failed", failed)
			return nil
		}
		e.noteSnapshot(ctx, m)
	}

	if err := sc.setRestorePending(ctx, false); err != nil {
		return err
	}
	log.Info("local database caught up with the remote snapshot")
	return nil
}

// mergeSnapshot downloads snapshot.db to scratch space and applies every
// record of its change_log in (timestamp, id) order. It returns the number
// of records that failed to apply.
func (e *Engine) mergeSnapshot(ctx context.Context, res *Result) (int, error) {
	sc := e.sc
	log := sc.logger()

	dir, err := sc.mkScratch("yuki-merge-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	image := filepath.Join(dir, SnapshotPath)
	if err := downloadSnapshot(ctx, sc, image); err != nil {
		if errors.Is(err, ErrNoSnapshot) {
			log.Warn("manifest names a snapshot but snapshot.db is missing")
			return 0, nil
		}
		return 0, err
	}

	img, err := db.Open(image)
	if err != nil {
		return 0, fmt.Errorf("failed to open snapshot image: %w", err)
	}
	records, err := ledger.List(ctx, img.RawDB(), ledger.ListFilter{})
	img.Close()
	if err != nil {
		return 0, err
	}

	failed := 0
	for _, rec := range records {
		applied, err := e.applyOne(ctx, rec)
		if err != nil {
			log.Warn("failed to merge snapshot change", "id", rec.ID, "table", rec.Table, "error", err)
			failed++
			continue
		}
		if applied {
			res.Applied++
		} else {
			res.SkippedDuplicate++
		}
	}
	res.Failed += failed
	return failed, nil
}

// RestoreSnapshot replaces the local database with the remote snapshot,
// discarding any local changes not yet on the remote. The database must be
// closed.
func RestoreSnapshot(ctx context.Context, sc *SyncContext) error {
	if !sc.Enabled() {
		return ErrDisabled
	}

	m, err := sc.ReadManifest(ctx)
	if err != nil {
		return err
	}
	if !m.HasSnapshot() {
		return ErrNoSnapshot
	}

	for _, suffix := range []string{"-wal", "-shm"} {
		if err := os.Remove(sc.DBPath + suffix); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("failed to remove %s: %w", sc.DBPath+suffix, err)
		}
	}
	if err := downloadSnapshot(ctx, sc, sc.DBPath); err != nil {
		return err
	}

	sc.logger().Info("replaced local database with remote snapshot",
		"path", sc.DBPath,
		"snapshot", m.SnapshotTimestamp.UTC(),
	)
	return nil
}

// downloadSnapshot fetches snapshot.db next to dest and renames it into place.
func downloadSnapshot(ctx context.Context, sc *SyncContext, dest string) error {
	dir := filepath.Dir(dest)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("failed to create database directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, ".restore-*.db")
	if err != nil {
		return fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	tmp.Close()
	defer os.Remove(tmpPath)

	if err := sc.Store.CopyFrom(ctx, SnapshotPath, tmpPath); err != nil {
		if remote.IsNotFound(err) {
			return ErrNoSnapshot
		}
		return fmt.Errorf("failed to download snapshot: %w", err)
	}

	if err := checkSQLiteFile(tmpPath); err != nil {
		return err
	}

	if err := os.Rename(tmpPath, dest); err != nil {
		return fmt.Errorf("failed to move snapshot into place: %w", err)
	}
	return nil
}

func checkSQLiteFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header := make([]byte, len(sqliteMagic))
	if _, err := io.ReadFull(f, header); err != nil || !bytes.Equal(header, sqliteMagic) {
		return fmt.Errorf("downloaded snapshot is not a SQLite database")
	}
	return nil
}
