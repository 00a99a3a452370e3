// Package ledger implements the replication change log and the tracked
// write gateway that is the only sanctioned way to mutate replicated tables.
package ledger

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"sort"
	"time"
)

// Operation is the kind of mutation a ChangeRecord describes.
type Operation string

const (
	// OpInsert creates a row.
	OpInsert Operation = "INSERT"
	// OpUpdate replaces the columns of an existing row.
	OpUpdate Operation = "UPDATE"
	// OpDelete removes a row by id.
	OpDelete Operation = "DELETE"
)

// Valid reports whether op is one of the three known operations.
func (op Operation) Valid() bool {
	switch op {
	case OpInsert, OpUpdate, OpDelete:
		return true
	default:
		return false
	}
}

// String returns the SQL spelling of the operation.
func (op Operation) String() string {
	return string(op)
}

// TimestampLayout is the wire and storage format of ChangeRecord.Timestamp.
// It is fixed width so that stored timestamps sort lexically.
const TimestampLayout = "2006-01-02T15:04:05.000000000Z07:00"

// FormatTimestamp renders t in TimestampLayout (always UTC).
func FormatTimestamp(t time.Time) string {
	return t.UTC().Format(TimestampLayout)
}

// ParseTimestamp accepts any RFC 3339 timestamp, with or without fractional seconds.
func ParseTimestamp(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*$`)

// Tables maps each replicated table name to its key column.
type Tables map[string]string

// KeyColumn returns the key column for table, or ErrUnknownTable.
func (t Tables) KeyColumn(table string) (string, error) {
	key, ok := t[table]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownTable, table)
	}
	return key, nil
}

// Validate checks that every table and key column is a plain identifier.
func (t Tables) Validate() error {
	for table, key := range t {
		if !identPattern.MatchString(table) || !identPattern.MatchString(key) {
			return fmt.Errorf("invalid replicated table %q (key %q)", table, key)
		}
	}
	return nil
}

// Row is the column snapshot carried by INSERT and UPDATE records. Values are
// restricted to JSON scalars: nil, bool, int64, float64 and string.
type Row map[string]any

// normalizeValue converts v to one of the scalar kinds a Row may hold.
func normalizeValue(v any) (any, error) {
	switch x := v.(type) {
	case nil, bool, int64, float64, string:
		return x, nil
	case int:
		return int64(x), nil
	case int8:
		return int64(x), nil
	case int16:
		return int64(x), nil
	case int32:
		return int64(x), nil
	case uint8:
		return int64(x), nil
	case uint16:
		return int64(x), nil
	case uint32:
		return int64(x), nil
	case float32:
		return float64(x), nil
	case []byte:
		return string(x), nil
	case time.Time:
		return FormatTimestamp(x), nil
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i, nil
		}
		f, err := x.Float64()
		if err != nil {
			return nil, fmt.Errorf("bad number %q", x)
		}
		return f, nil
	default:
		return nil, fmt.Errorf("unsupported value type %T", v)
	}
}

// Normalize returns a copy of r with every value converted to its canonical
// scalar kind, or an error naming the first offending column.
func (r Row) Normalize() (Row, error) {
	out := make(Row, len(r))
	for col, v := range r {
		if !identPattern.MatchString(col) {
			return nil, fmt.Errorf("%w: bad column name %q", ErrInvalidChange, col)
		}
		nv, err := normalizeValue(v)
		if err != nil {
			return nil, fmt.Errorf("%w: column %q: %v", ErrInvalidChange, col, err)
		}
		if f, ok := nv.(float64); ok && (math.IsNaN(f) || math.IsInf(f, 0)) {
			return nil, fmt.Errorf("%w: column %q: non-finite number", ErrInvalidChange, col)
		}
		out[col] = nv
	}
	return out, nil
}

// Columns returns the column names in sorted order.
func (r Row) Columns() []string {
	cols := make([]string, 0, len(r))
	for col := range r {
		cols = append(cols, col)
	}
	sort.Strings(cols)
	return cols
}

// Change describes a mutation before it is recorded. Build one with Insert,
// Update or Delete. Data may be left nil for INSERT and UPDATE, in which case
// the gateway snapshots the row after the mutation ran.
type Change struct {
	Table     string
	RowID     string
	Operation Operation
	Data      Row
}

// Insert describes the creation of row rowID in table.
func Insert(table, rowID string) Change {
	return Change{Table: table, RowID: rowID, Operation: OpInsert}
}

// Update describes a change to row rowID in table.
func Update(table, rowID string) Change {
	return Change{Table: table, RowID: rowID, Operation: OpUpdate}
}

// Delete describes the removal of row rowID from table.
func Delete(table, rowID string) Change {
	return Change{Table: table, RowID: rowID, Operation: OpDelete}
}

// WithData attaches an explicit column snapshot.
func (c Change) WithData(data Row) Change {
	c.Data = data
	return c
}

// ChangeRecord is the unit of replication: one row of change_log and one
// remote change file.
type ChangeRecord struct {
	ID        string
	DeviceID  string
	Table     string
	RowID     string
	Operation Operation
	Data      Row
	Timestamp time.Time
	Synced    bool
}

// Validate enforces the tagged-variant rules: INSERT and UPDATE carry a
// non-empty snapshot whose key column, if present, agrees with RowID;
// DELETE carries none.
func (r *ChangeRecord) Validate(tables Tables) error {
	if r.ID == "" || r.DeviceID == "" {
		return fmt.Errorf("%w: missing id or device_id", ErrInvalidChange)
	}
	if r.RowID == "" {
		return fmt.Errorf("%w: missing row_id", ErrInvalidChange)
	}
	if !r.Operation.Valid() {
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidChange, r.Operation)
	}
	key, err := tables.KeyColumn(r.Table)
	if err != nil {
		return err
	}

	switch r.Operation {
	case OpDelete:
		if r.Data != nil {
			return fmt.Errorf("%w: DELETE must not carry data", ErrInvalidChange)
		}
	default:
		if len(r.Data) == 0 {
			return fmt.Errorf("%w: %s requires row data", ErrInvalidChange, r.Operation)
		}
		data, err := r.Data.Normalize()
		if err != nil {
			return err
		}
		if v, ok := data[key]; ok && fmt.Sprint(v) != r.RowID {
			return fmt.Errorf("%w: key column %q = %v does not match row_id %q", ErrInvalidChange, key, v, r.RowID)
		}
		r.Data = data
	}
	return nil
}

// wireRecord is the JSON form used both for change files and for the
// data column. synced is local state and never leaves the device.
type wireRecord struct {
	ID        string          `json:"id"`
	DeviceID  string          `json:"device_id"`
	Table     string          `json:"table_name"`
	RowID     string          `json:"row_id"`
	Operation Operation       `json:"operation"`
	Data      json.RawMessage `json:"data"`
	Timestamp string          `json:"timestamp"`
}

// MarshalJSON encodes the record in change-file form.
func (r ChangeRecord) MarshalJSON() ([]byte, error) {
	data, err := encodeRow(r.Data)
	if err != nil {
		return nil, err
	}
	w := wireRecord{
		ID:        r.ID,
		DeviceID:  r.DeviceID,
		Table:     r.Table,
		RowID:     r.RowID,
		Operation: r.Operation,
		Data:      data,
		Timestamp: FormatTimestamp(r.Timestamp),
	}
	return json.Marshal(w)
}

// UnmarshalJSON decodes a change file. The result still has to be validated
// against the replicated table set with Validate.
func (r *ChangeRecord) UnmarshalJSON(b []byte) error {
	var w wireRecord
	if err := json.Unmarshal(b, &w); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidChange, err)
	}
	ts, err := ParseTimestamp(w.Timestamp)
	if err != nil {
		return fmt.Errorf("%w: bad timestamp %q", ErrInvalidChange, w.Timestamp)
	}
	data, err := decodeRow(w.Data)
	if err != nil {
		return err
	}
	*r = ChangeRecord{
		ID:        w.ID,
		DeviceID:  w.DeviceID,
		Table:     w.Table,
		RowID:     w.RowID,
		Operation: w.Operation,
		Data:      data,
		Timestamp: ts,
	}
	return nil
}

// encodeRow renders a row as JSON; a nil row encodes as null.
func encodeRow(row Row) ([]byte, error) {
	if row == nil {
		return []byte("null"), nil
	}
	b, err := json.Marshal(map[string]any(row))
	if err != nil {
		return nil, fmt.Errorf("failed to encode row data: %w", err)
	}
	return b, nil
}

// decodeRow parses a JSON object into a normalized Row. null and empty input
// yield a nil row.
func decodeRow(b []byte) (Row, error) {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		return nil, nil
	}

	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw map[string]any
	if err := dec.Decode(&raw); err != nil {
		return nil, fmt.Errorf("%w: data is not an object: %v", ErrInvalidChange, err)
	}
	return Row(raw).Normalize()
}
