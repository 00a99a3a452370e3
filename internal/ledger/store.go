package ledger

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Querier is satisfied by both *sql.DB and *sql.Tx.
type Querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const selectColumns = `id, device_id, table_name, row_id, operation, data, timestamp, synced`

// markBatchSize bounds the number of ids bound into one IN (...) clause.
const markBatchSize = 500

// Record inserts rec into change_log.
func Record(ctx context.Context, q Querier, rec *ChangeRecord) error {
	data, err := encodeRow(rec.Data)
	if err != nil {
		return err
	}
	var dataArg any
	if rec.Data != nil {
		dataArg = string(data)
	}

	_, err = q.ExecContext(ctx, `
	INSERT INTO change_log (id, device_id, table_name, row_id, operation, data, timestamp, synced)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.DeviceID,
		rec.Table,
		rec.RowID,
		string(rec.Operation),
		dataArg,
		FormatTimestamp(rec.Timestamp),
		rec.Synced,
	)
	if err != nil {
		return fmt.Errorf("failed to record change %s: %w", rec.ID, err)
	}
	return nil
}

// Exists reports whether a change with the given id is already in the ledger.
func Exists(ctx context.Context, q Querier, id string) (bool, error) {
	var one int
	err := q.QueryRowContext(ctx, `SELECT 1 FROM change_log WHERE id = ?`, id).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to look up change %s: %w", id, err)
	}
	return true, nil
}

// Unsynced returns every record not yet copied to the remote, oldest first.
func Unsynced(ctx context.Context, q Querier) ([]*ChangeRecord, error) {
	return List(ctx, q, ListFilter{UnsyncedOnly: true})
}

// CountUnsynced returns the number of records waiting to be pushed.
func CountUnsynced(ctx context.Context, q Querier) (int, error) {
	var n int
	if err := q.QueryRowContext(ctx, `SELECT COUNT(*) FROM change_log WHERE synced = 0`).Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to count unsynced changes: %w", err)
	}
	return n, nil
}

// ListFilter narrows List.
type ListFilter struct {
	// Since excludes records with an earlier origin timestamp.
	Since time.Time
	// UnsyncedOnly restricts the result to synced = 0.
	UnsyncedOnly bool
	// Limit caps the result; zero means no limit. With a limit the newest
	// records are returned, still in ascending order.
	Limit int
}

// List returns ledger records in (timestamp, id) order.
func List(ctx context.Context, q Querier, filter ListFilter) ([]*ChangeRecord, error) {
	var (
		where []string
		args  []any
	)
	if !filter.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, FormatTimestamp(filter.Since))
	}
	if filter.UnsyncedOnly {
		where = append(where, "synced = 0")
	}

	query := `SELECT ` + selectColumns + ` FROM change_log`
	if len(where) > 0 {
		query += ` WHERE ` + strings.Join(where, " AND ")
	}
	if filter.Limit > 0 {
		query = `SELECT * FROM (` + query + ` ORDER BY timestamp DESC, id DESC LIMIT ?) ORDER BY timestamp, id`
		args = append(args, filter.Limit)
	} else {
		query += ` ORDER BY timestamp, id`
	}

	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list changes: %w", err)
	}
	defer rows.Close()

	var records []*ChangeRecord
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate changes: %w", err)
	}
	return records, nil
}

func scanRecord(rows *sql.Rows) (*ChangeRecord, error) {
	var (
		rec    ChangeRecord
		op     string
		data   sql.NullString
		ts     string
		synced bool
	)
	if err := rows.Scan(&rec.ID, &rec.DeviceID, &rec.Table, &rec.RowID, &op, &data, &ts, &synced); err != nil {
		return nil, fmt.Errorf("failed to scan change: %w", err)
	}
	rec.Operation = Operation(op)
	rec.Synced = synced

	t, err := ParseTimestamp(ts)
	if err != nil {
		return nil, fmt.Errorf("change %s has bad timestamp %q: %w", rec.ID, ts, err)
	}
	rec.Timestamp = t

	if data.Valid {
		row, err := decodeRow([]byte(data.String))
		if err != nil {
			return nil, fmt.Errorf("change %s: %w", rec.ID, err)
		}
		rec.Data = row
	}
	return &rec, nil
}

// MarkSynced flags the given records as copied to the remote, in a single
// transaction.
func MarkSynced(ctx context.Context, db *sql.DB, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	for start := 0; start < len(ids); start += markBatchSize {
		end := min(start+markBatchSize, len(ids))
		batch := ids[start:end]

		args := make([]any, len(batch))
		for i, id := range batch {
			args[i] = id
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(batch)), ",")
		query := `UPDATE change_log SET synced = 1 WHERE id IN (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to mark changes synced: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// MarkAllSynced flags every record as synced. Used on snapshot images, whose
// contents are by definition already on the remote.
func MarkAllSynced(ctx context.Context, q Querier) error {
	if _, err := q.ExecContext(ctx, `UPDATE change_log SET synced = 1 WHERE synced = 0`); err != nil {
		return fmt.Errorf("failed to mark changes synced: %w", err)
	}
	return nil
}

// quoteIdent quotes an identifier that has already passed identPattern.
func quoteIdent(name string) string {
	return `"` + name + `"`
}

// SnapshotRow reads the current columns of one row. It returns ErrRowMissing
// if no row has the given key.
func SnapshotRow(ctx context.Context, q Querier, table, keyColumn, rowID string) (Row, error) {
	query := `SELECT * FROM ` + quoteIdent(table) + ` WHERE ` + quoteIdent(keyColumn) + ` = ?`
	rows, err := q.QueryContext(ctx, query, rowID)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s/%s: %w", table, rowID, err)
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return nil, fmt.Errorf("failed to read columns of %s: %w", table, err)
	}
	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to read %s/%s: %w", table, rowID, err)
		}
		return nil, fmt.Errorf("%w: %s/%s", ErrRowMissing, table, rowID)
	}

	values := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range values {
		ptrs[i] = &values[i]
	}
	if err := rows.Scan(ptrs...); err != nil {
		return nil, fmt.Errorf("failed to scan %s/%s: %w", table, rowID, err)
	}

	row := make(Row, len(cols))
	for i, col := range cols {
		row[col] = values[i]
	}
	return row.Normalize()
}

// Apply replays a foreign record against the local database and records it
// as synced, all inside tx. INSERT and UPDATE become INSERT OR REPLACE of the
// carried columns; DELETE removes the row by key.
func Apply(ctx context.Context, tx *sql.Tx, rec *ChangeRecord, tables Tables) error {
	if err := rec.Validate(tables); err != nil {
		return err
	}
	key, _ := tables.KeyColumn(rec.Table)

	switch rec.Operation {
	case OpDelete:
		query := `DELETE FROM ` + quoteIdent(rec.Table) + ` WHERE ` + quoteIdent(key) + ` = ?`
		if _, err := tx.ExecContext(ctx, query, rec.RowID); err != nil {
			return fmt.Errorf("failed to delete %s/%s: %w", rec.Table, rec.RowID, err)
		}
	default:
		data := make(Row, len(rec.Data)+1)
		for col, v := range rec.Data {
			data[col] = v
		}
		if _, ok := data[key]; !ok {
			data[key] = rec.RowID
		}

		cols := data.Columns()
		quoted := make([]string, len(cols))
		args := make([]any, len(cols))
		for i, col := range cols {
			quoted[i] = quoteIdent(col)
			args[i] = data[col]
		}
		placeholders := strings.TrimSuffix(strings.Repeat("?,", len(cols)), ",")
		query := `INSERT OR REPLACE INTO ` + quoteIdent(rec.Table) +
			` (` + strings.Join(quoted, ", ") + `) VALUES (` + placeholders + `)`
		if _, err := tx.ExecContext(ctx, query, args...); err != nil {
			return fmt.Errorf("failed to upsert %s/%s: %w", rec.Table, rec.RowID, err)
		}
	}

	applied := *rec
	applied.Synced = true
	return Record(ctx, tx, &applied)
}
