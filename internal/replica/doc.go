// Package replica keeps one SQLite database consistent across devices that
// share nothing but a cloud remote.
//
// Each device appends every tracked mutation to its change_log. A sync cycle
// first pushes the device's unsynced records to the remote as one file per
// record, then pulls every change file, skipping its own and any it has
// already applied, and replays the rest. Apply is idempotent, so delivery is
// at-least-once: a crash between upload and marking records synced only
// causes an identical re-upload.
//
// Remote layout, relative to the sync root:
//
//	manifest.json         {"snapshotTimestamp": "<RFC 3339>" | null}
//	snapshot.db           full database image
//	changes/<id>.json     one ChangeRecord per file
//
// Once the snapshot named by the manifest is older than the configured age
// (24h by default), the next successful cycle uploads a fresh image, rewrites
// the manifest and purges changes/. A device that had not pulled the purged
// files before the purge never sees them; the engine logs a warning when it
// notices the snapshot moved past the one it last observed.
//
// A device without a local database restores the remote snapshot on boot
// before opening the database. If the remote cannot be reached at that
// point, the device starts empty but flagged restore pending: later cycles
// replay the snapshot's change_log into it, and it uploads no snapshot of
// its own until that has happened.
package replica
