package replica

import "errors"

var (
	// ErrDisabled is returned by every Engine operation when no working
	// remote was found at startup.
	ErrDisabled = errors.New("sync is disabled: no remote available")

	// ErrNoSnapshot is returned by RestoreSnapshot when the remote has none.
	ErrNoSnapshot = errors.New("remote has no snapshot")

	// ErrRestorePending is returned when a snapshot is requested from a
	// database that was created without the remote snapshot it should have
	// started from. Uploading it would replace the remote history.
	ErrRestorePending = errors.New("remote snapshot not yet merged into local database")
)
