package replica

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/yukiapp/yuki/internal/remote"
)

// Manifest describes the last consolidated snapshot on the remote.
type Manifest struct {
	SnapshotTimestamp *time.Time `json:"snapshotTimestamp"`
}

// HasSnapshot reports whether the manifest names a snapshot.
func (m Manifest) HasSnapshot() bool {
	return m.SnapshotTimestamp != nil
}

// Age returns how old the snapshot is at now. ok is false if there is none.
func (m Manifest) Age(now time.Time) (age time.Duration, ok bool) {
	if m.SnapshotTimestamp == nil {
		return 0, false
	}
	return now.Sub(*m.SnapshotTimestamp), true
}

// ReadManifest fetches manifest.json. A missing or malformed manifest is
// treated as "no snapshot yet"; only transport failures are returned.
func (sc *SyncContext) ReadManifest(ctx context.Context) (Manifest, error) {
	if !sc.Enabled() {
		return Manifest{}, ErrDisabled
	}

	dir, err := sc.mkScratch("yuki-manifest-*")
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	local := filepath.Join(dir, ManifestPath)
	if err := sc.Store.CopyFrom(ctx, ManifestPath, local); err != nil {
		if remote.IsNotFound(err) {
			return Manifest{}, nil
		}
		return Manifest{}, fmt.Errorf("failed to download manifest: %w", err)
	}

	data, err := os.ReadFile(local)
	if err != nil {
		return Manifest{}, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		sc.logger().Warn("remote manifest is malformed, treating as no snapshot", "error", err)
		return Manifest{}, nil
	}
	return m, nil
}

// writeManifest uploads a manifest naming a snapshot taken at ts.
func (sc *SyncContext) writeManifest(ctx context.Context, ts time.Time) error {
	dir, err := sc.mkScratch("yuki-manifest-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	ts = ts.UTC()
	data, err := json.Marshal(Manifest{SnapshotTimestamp: &ts})
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	local := filepath.Join(dir, ManifestPath)
	if err := os.WriteFile(local, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := sc.Store.CopyTo(ctx, local, ManifestPath); err != nil {
		return fmt.Errorf("failed to upload manifest: %w", err)
	}
	return nil
}
