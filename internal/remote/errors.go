package remote

import (
	"errors"
	"os/exec"
)

// Common errors returned by remote operations.
//
// These errors can be checked using errors.Is():
//
//	if remote.IsUnavailable(err) {
//	    // run without replication
//	}
var (
	// ErrToolNotAvailable is returned when the sync tool binary is not
	// installed or not in PATH.
	ErrToolNotAvailable = errors.New("sync tool not available")

	// ErrNoRemote is returned when none of the preferred remote backends
	// is configured in the sync tool.
	ErrNoRemote = errors.New("no preferred remote configured")

	// ErrNotFound is returned when a remote file or directory does not exist.
	ErrNotFound = errors.New("remote path not found")
)

// rclone exit codes, see `rclone help flags` / docs "Exit Code".
const (
	exitDirNotFound  = 3
	exitFileNotFound = 4
)

// IsUnavailable returns true if err means replication cannot run at all for
// this process: the tool is missing or no backend is configured.
func IsUnavailable(err error) bool {
	return errors.Is(err, ErrToolNotAvailable) || errors.Is(err, ErrNoRemote)
}

// IsNotFound returns true if err reports a missing remote path.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// ExitCode returns the exit code carried by err, 0 for nil, or -1 if err is
// not an exit error.
func ExitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}
