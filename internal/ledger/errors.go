package ledger

import "errors"

var (
	// ErrInvalidChange is returned when a change descriptor or a decoded
	// change file violates the ledger's shape rules.
	ErrInvalidChange = errors.New("invalid change record")

	// ErrUnknownTable is returned when a change targets a table that is not
	// part of the replicated table set.
	ErrUnknownTable = errors.New("table is not replicated")

	// ErrRowMissing is returned when an INSERT or UPDATE mutation finished
	// without leaving the described row in place.
	ErrRowMissing = errors.New("mutated row not found")
)
