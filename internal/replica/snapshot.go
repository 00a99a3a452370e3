package replica

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yukiapp/yuki/internal/db"
	"github.com/yukiapp/yuki/internal/ledger"
)

// CreateSnapshotIfNeeded uploads a fresh database image when the remote has
// none or the current one is older than SnapshotMaxAge. On success the
// manifest names the new image and changes/ is purged. It reports whether a
// snapshot was created.
//
// Call it only after a successful SynchronizeChanges so the image holds
// every change this device has seen; Cycle does both in order.
func (e *Engine) CreateSnapshotIfNeeded(ctx context.Context) (bool, error) {
	if !e.sc.Enabled() {
		return false, ErrDisabled
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	return e.createSnapshot(ctx, false)
}

// ForceSnapshot runs a sync cycle and then uploads a snapshot regardless of
// the age of the current one.
func (e *Engine) ForceSnapshot(ctx context.Context) (*Result, error) {
	if !e.sc.Enabled() {
		return nil, ErrDisabled
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	res, err := e.synchronize(ctx)
	if err != nil {
		return res, err
	}
	if _, err := e.createSnapshot(ctx, true); err != nil {
		return res, err
	}
	res.SnapshotCreated = true
	return res, nil
}

// createSnapshot must be called with e.cycle held.
func (e *Engine) createSnapshot(ctx context.Context, force bool) (bool, error) {
	sc := e.sc
	log := sc.logger()

	pending, err := sc.RestorePending(ctx)
	if err != nil {
		return false, err
	}
	if pending {
		return false, ErrRestorePending
	}

	m, err := sc.ReadManifest(ctx)
	if err != nil {
		return false, err
	}
	e.noteSnapshot(ctx, m)

	now := sc.now()
	if age, ok := m.Age(now); ok && !force && age < sc.snapshotMaxAge() {
		log.Debug("remote snapshot is fresh", "age", age.Round(time.Second))
		return false, nil
	}

	dir, err := sc.mkScratch("yuki-snapshot-*")
	if err != nil {
		return false, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	image := filepath.Join(dir, SnapshotPath)
	if err := sc.DB.SnapshotTo(ctx, image); err != nil {
		return false, err
	}

	ts := now.UTC()
	if err := prepareImage(ctx, image, ts); err != nil {
		return false, err
	}

	if err := sc.Store.CopyTo(ctx, image, SnapshotPath); err != nil {
		return false, fmt.Errorf("failed to upload snapshot: %w", err)
	}
	if err := sc.writeManifest(ctx, ts); err != nil {
		return false, err
	}
	if err := sc.Store.Purge(ctx, ChangesDir); err != nil {
		// The manifest already names the new image; stale change files are
		// harmless because apply is idempotent.
		log.Warn("failed to purge change files", "error", err)
	}

	if err := sc.DB.SetState(ctx, stateLastSnapshot, ledger.FormatTimestamp(ts)); err != nil {
		log.Warn("failed to record snapshot time", "error", err)
	}

	log.Info("uploaded snapshot", "timestamp", ledger.FormatTimestamp(ts), "forced", force)
	return true, nil
}

// prepareImage marks every change in a freshly written image as synced and
// stamps it with the snapshot time, so a device restored from it neither
// re-pushes history nor mistakes the image for stale.
func prepareImage(ctx context.Context, path string, ts time.Time) error {
	img, err := db.Open(path)
	if err != nil {
		return fmt.Errorf("failed to open snapshot image: %w", err)
	}

	if err := ledger.MarkAllSynced(ctx, img.RawDB()); err != nil {
		img.Close()
		return err
	}
	if err := img.SetState(ctx, stateLastSnapshot, ledger.FormatTimestamp(ts)); err != nil {
		img.Close()
		return err
	}
	return img.Close()
}

// noteSnapshot records the snapshot named by m as observed and warns when
// another device produced one since this device last looked. Change files
// older than that snapshot were purged and may not have been applied here.
func (e *Engine) noteSnapshot(ctx context.Context, m Manifest) {
	if !m.HasSnapshot() {
		return
	}
	log := e.sc.logger()

	seen, err := e.sc.DB.GetState(ctx, stateLastSnapshot)
	if err != nil {
		log.Warn("failed to read last seen snapshot", "error", err)
		return
	}

	current := m.SnapshotTimestamp.UTC()
	if seen != "" {
		last, err := ledger.ParseTimestamp(seen)
		if err == nil && !current.After(last) {
			return
		}
		log.Warn("remote snapshot advanced; changes purged before this device pulled them are not replayed",
			"last_seen", seen,
			"remote", ledger.FormatTimestamp(current),
		)
	}

	if err := e.sc.DB.SetState(ctx, stateLastSnapshot, ledger.FormatTimestamp(current)); err != nil {
		log.Warn("failed to record last seen snapshot", "error", err)
	}
}

// LastSnapshotSeen returns the newest snapshot time this device has observed
// or produced. ok is false if none.
func (sc *SyncContext) LastSnapshotSeen(ctx context.Context) (t time.Time, ok bool, err error) {
	v, err := sc.DB.GetState(ctx, stateLastSnapshot)
	if err != nil || v == "" {
		return time.Time{}, false, err
	}
	t, err = ledger.ParseTimestamp(v)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("invalid %s in sync_state: %w", stateLastSnapshot, err)
	}
	return t, true, nil
}
