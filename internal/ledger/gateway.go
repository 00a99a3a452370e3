package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DeviceSource resolves the id of the local device.
type DeviceSource interface {
	ID() (string, error)
}

// MutationFunc performs the caller's write inside the gateway transaction.
type MutationFunc func(ctx context.Context, tx *sql.Tx) error

// Gateway wraps every local mutation of a replicated table so that the
// mutation and its ledger entry commit atomically. Writes that bypass it are
// invisible to replication.
type Gateway struct {
	db     *sql.DB
	device DeviceSource
	tables Tables
	now    func() time.Time
}

// NewGateway creates a Gateway over db. tables is the replicated table set;
// changes to any other table are rejected.
func NewGateway(db *sql.DB, device DeviceSource, tables Tables) *Gateway {
	return &Gateway{
		db:     db,
		device: device,
		tables: tables,
		now:    time.Now,
	}
}

// SetClock overrides the timestamp source. Intended for tests.
func (g *Gateway) SetClock(now func() time.Time) {
	g.now = now
}

// PerformTrackedWrite runs mutate and records exactly one ChangeRecord for
// it in the same transaction. If change carries no Data for an INSERT or
// UPDATE, the row is read back after mutate ran and its columns become the
// record's snapshot. Any failure rolls back both the mutation and the ledger
// entry.
func (g *Gateway) PerformTrackedWrite(ctx context.Context, change Change, mutate MutationFunc) (*ChangeRecord, error) {
	deviceID, err := g.device.ID()
	if err != nil {
		return nil, fmt.Errorf("failed to resolve device id: %w", err)
	}

	key, err := g.tables.KeyColumn(change.Table)
	if err != nil {
		return nil, err
	}

	tx, err := g.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	if err := mutate(ctx, tx); err != nil {
		return nil, err
	}

	data := change.Data
	if change.Operation != OpDelete && data == nil {
		data, err = SnapshotRow(ctx, tx, change.Table, key, change.RowID)
		if err != nil {
			return nil, err
		}
	}

	rec := &ChangeRecord{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Table:     change.Table,
		RowID:     change.RowID,
		Operation: change.Operation,
		Data:      data,
		Timestamp: g.now().UTC(),
	}
	if err := rec.Validate(g.tables); err != nil {
		return nil, err
	}
	if err := Record(ctx, tx, rec); err != nil {
		return nil, err
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("failed to commit tracked write: %w", err)
	}
	return rec, nil
}
