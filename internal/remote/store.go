// Package remote moves files between the local machine and the configured
// cloud remote.
//
// The replication engine only sees the Store interface. The production
// implementation shells out to rclone; MemStore is an in-memory stand-in for
// tests. Remote paths are slash-separated and relative to the sync root.
package remote

import "context"

// Store is the capability the replication engine needs from a remote.
type Store interface {
	// Name identifies the active backend, for diagnostics only.
	Name() string

	// RemoteString resolves a root-relative path to the string the
	// backend understands.
	RemoteString(path string) string

	// CopyTo uploads one local file to remotePath, replacing it.
	CopyTo(ctx context.Context, localPath, remotePath string) error

	// CopyFrom downloads remotePath to localPath. Returns ErrNotFound if the
	// remote file does not exist.
	CopyFrom(ctx context.Context, remotePath, localPath string) error

	// CopyDirTo uploads every file in localDir into remoteDir in one call.
	CopyDirTo(ctx context.Context, localDir, remoteDir string) error

	// CopyDirFrom downloads every file in remoteDir into localDir. A missing
	// remoteDir leaves localDir empty and is not an error.
	CopyDirFrom(ctx context.Context, remoteDir, localDir string) error

	// Purge removes remoteDir and everything in it. Purging a missing
	// directory is not an error.
	Purge(ctx context.Context, remoteDir string) error
}
