package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/yukiapp/yuki/internal/db"
)

var testTables = Tables{"anime_list": "id", "watch_history": "id"}

type staticDevice string

func (d staticDevice) ID() (string, error) { return string(d), nil }

type failingDevice struct{}

func (failingDevice) ID() (string, error) { return "", errors.New("disk full") }

func setupTestDB(t *testing.T) *sql.DB {
	t.Helper()

	store, err := db.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	if err := store.InitSchema(); err != nil {
		t.Fatalf("Failed to initialize schema: %v", err)
	}
	return store.RawDB()
}

func insertAnime(id, title string) MutationFunc {
	return func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx,
			`INSERT INTO anime_list (id, title, updated_at) VALUES (?, ?, ?)`,
			id, title, "2024-05-01T10:00:00Z")
		return err
	}
}

func countRows(t *testing.T, conn *sql.DB, query string, args ...any) int {
	t.Helper()
	var n int
	if err := conn.QueryRow(query, args...).Scan(&n); err != nil {
		t.Fatalf("count query failed: %v", err)
	}
	return n
}

func TestOperation_Valid(t *testing.T) {
	for _, op := range []Operation{OpInsert, OpUpdate, OpDelete} {
		if !op.Valid() {
			t.Errorf("%s should be valid", op)
		}
	}
	if Operation("UPSERT").Valid() {
		t.Error("UPSERT should not be valid")
	}
}

func TestRow_Normalize(t *testing.T) {
	row, err := Row{
		"id":      "a1",
		"count":   3,
		"score":   float32(8.5),
		"done":    true,
		"missing": nil,
		"raw":     []byte("text"),
	}.Normalize()
	if err != nil {
		t.Fatalf("Normalize() failed: %v", err)
	}
	if _, ok := row["count"].(int64); !ok {
		t.Errorf("count normalized to %T, want int64", row["count"])
	}
	if _, ok := row["score"].(float64); !ok {
		t.Errorf("score normalized to %T, want float64", row["score"])
	}
	if row["raw"] != "text" {
		t.Errorf("raw = %v, want %q", row["raw"], "text")
	}

	if _, err := (Row{"bad col": 1}).Normalize(); !errors.Is(err, ErrInvalidChange) {
		t.Errorf("bad column name: err = %v, want ErrInvalidChange", err)
	}
	if _, err := (Row{"nested": map[string]any{"a": 1}}).Normalize(); !errors.Is(err, ErrInvalidChange) {
		t.Errorf("nested value: err = %v, want ErrInvalidChange", err)
	}
}

func TestChangeRecord_Validate(t *testing.T) {
	base := func() ChangeRecord {
		return ChangeRecord{
			ID:        "c1",
			DeviceID:  "d1",
			Table:     "anime_list",
			RowID:     "a1",
			Operation: OpInsert,
			Data:      Row{"id": "a1", "title": "Mushishi"},
			Timestamp: time.Now(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(r *ChangeRecord)
		wantErr error
	}{
		{name: "valid insert", mutate: func(r *ChangeRecord) {}},
		{name: "valid delete", mutate: func(r *ChangeRecord) { r.Operation = OpDelete; r.Data = nil }},
		{name: "unknown table", mutate: func(r *ChangeRecord) { r.Table = "users" }, wantErr: ErrUnknownTable},
		{name: "unknown operation", mutate: func(r *ChangeRecord) { r.Operation = "MERGE" }, wantErr: ErrInvalidChange},
		{name: "insert without data", mutate: func(r *ChangeRecord) { r.Data = nil }, wantErr: ErrInvalidChange},
		{name: "delete with data", mutate: func(r *ChangeRecord) { r.Operation = OpDelete }, wantErr: ErrInvalidChange},
		{name: "key mismatch", mutate: func(r *ChangeRecord) { r.Data["id"] = "a2" }, wantErr: ErrInvalidChange},
		{name: "missing device", mutate: func(r *ChangeRecord) { r.DeviceID = "" }, wantErr: ErrInvalidChange},
		{name: "missing row id", mutate: func(r *ChangeRecord) { r.RowID = "" }, wantErr: ErrInvalidChange},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := base()
			tt.mutate(&rec)
			err := rec.Validate(testTables)
			if tt.wantErr == nil && err != nil {
				t.Fatalf("Validate() = %v, want nil", err)
			}
			if tt.wantErr != nil && !errors.Is(err, tt.wantErr) {
				t.Fatalf("Validate() = %v, want %v", err, tt.wantErr)
			}
		})
	}
}

func TestChangeRecord_JSON(t *testing.T) {
	ts := time.Date(2024, 5, 1, 10, 0, 0, 123, time.UTC)
	rec := ChangeRecord{
		ID:        "c1",
		DeviceID:  "d1",
		Table:     "anime_list",
		RowID:     "a1",
		Operation: OpUpdate,
		Data:      Row{"id": "a1", "episodes_watched": int64(12), "score": 9.5},
		Timestamp: ts,
		Synced:    true,
	}

	b, err := json.Marshal(rec)
	if err != nil {
		t.Fatalf("Marshal() failed: %v", err)
	}

	var wire map[string]any
	if err := json.Unmarshal(b, &wire); err != nil {
		t.Fatalf("change file is not JSON: %v", err)
	}
	if _, ok := wire["synced"]; ok {
		t.Error("synced is local state and must not be serialized")
	}
	if wire["table_name"] != "anime_list" || wire["row_id"] != "a1" {
		t.Errorf("unexpected wire fields: %v", wire)
	}

	var got ChangeRecord
	if err := json.Unmarshal(b, &got); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if !got.Timestamp.Equal(ts) {
		t.Errorf("Timestamp = %v, want %v", got.Timestamp, ts)
	}
	if v, ok := got.Data["episodes_watched"].(int64); !ok || v != 12 {
		t.Errorf("episodes_watched = %#v, want int64(12)", got.Data["episodes_watched"])
	}
	if v, ok := got.Data["score"].(float64); !ok || v != 9.5 {
		t.Errorf("score = %#v, want 9.5", got.Data["score"])
	}
}

func TestChangeRecord_UnmarshalDelete(t *testing.T) {
	in := `{"id":"c2","device_id":"d1","table_name":"anime_list","row_id":"a1","operation":"DELETE","data":null,"timestamp":"2024-05-01T10:00:00Z"}`
	var rec ChangeRecord
	if err := json.Unmarshal([]byte(in), &rec); err != nil {
		t.Fatalf("Unmarshal() failed: %v", err)
	}
	if rec.Data != nil {
		t.Errorf("Data = %v, want nil", rec.Data)
	}
	if err := rec.Validate(testTables); err != nil {
		t.Errorf("Validate() failed: %v", err)
	}
}

func TestChangeRecord_UnmarshalRejectsGarbage(t *testing.T) {
	inputs := []string{
		`not json`,
		`{"id":"c","timestamp":"yesterday"}`,
		`{"id":"c","timestamp":"2024-05-01T10:00:00Z","data":[1,2]}`,
	}
	for _, in := range inputs {
		var rec ChangeRecord
		if err := json.Unmarshal([]byte(in), &rec); err == nil {
			t.Errorf("Unmarshal(%q) succeeded, want error", in)
		}
	}
}

func TestPerformTrackedWrite_CommitsRowAndLedger(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	gw := NewGateway(conn, staticDevice("device-x"), testTables)

	rec, err := gw.PerformTrackedWrite(ctx, Insert("anime_list", "a1"), insertAnime("a1", "Frieren"))
	if err != nil {
		t.Fatalf("PerformTrackedWrite() failed: %v", err)
	}

	if rec.DeviceID != "device-x" || rec.Operation != OpInsert || rec.Synced {
		t.Errorf("unexpected record: %+v", rec)
	}
	if rec.Data["title"] != "Frieren" {
		t.Errorf("snapshot title = %v, want Frieren", rec.Data["title"])
	}

	if n := countRows(t, conn, `SELECT COUNT(*) FROM anime_list WHERE id = 'a1'`); n != 1 {
		t.Errorf("anime_list rows = %d, want 1", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM change_log WHERE id = ? AND synced = 0`, rec.ID); n != 1 {
		t.Errorf("change_log rows = %d, want 1", n)
	}
}

func TestPerformTrackedWrite_RollsBackOnMutationError(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	gw := NewGateway(conn, staticDevice("device-x"), testTables)

	boom := errors.New("boom")
	_, err := gw.PerformTrackedWrite(ctx, Insert("anime_list", "a1"), func(ctx context.Context, tx *sql.Tx) error {
		if err := insertAnime("a1", "Frieren")(ctx, tx); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("PerformTrackedWrite() = %v, want boom", err)
	}

	if n := countRows(t, conn, `SELECT COUNT(*) FROM anime_list`); n != 0 {
		t.Errorf("anime_list rows = %d, want 0 after rollback", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM change_log`); n != 0 {
		t.Errorf("change_log rows = %d, want 0 after rollback", n)
	}
}

func TestPerformTrackedWrite_RowMissingRollsBack(t *testing.T) {
	conn := setupTestDB(t)
	gw := NewGateway(conn, staticDevice("device-x"), testTables)

	// Mutation writes a different row than the descriptor names.
	_, err := gw.PerformTrackedWrite(context.Background(), Insert("anime_list", "a1"), insertAnime("a2", "Other"))
	if !errors.Is(err, ErrRowMissing) {
		t.Fatalf("PerformTrackedWrite() = %v, want ErrRowMissing", err)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM anime_list`); n != 0 {
		t.Errorf("anime_list rows = %d, want 0 after rollback", n)
	}
}

func TestPerformTrackedWrite_Rejections(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	called := false
	noop := func(ctx context.Context, tx *sql.Tx) error { called = true; return nil }

	gw := NewGateway(conn, staticDevice("device-x"), testTables)
	if _, err := gw.PerformTrackedWrite(ctx, Delete("users", "u1"), noop); !errors.Is(err, ErrUnknownTable) {
		t.Errorf("unknown table: err = %v, want ErrUnknownTable", err)
	}

	gw = NewGateway(conn, failingDevice{}, testTables)
	if _, err := gw.PerformTrackedWrite(ctx, Delete("anime_list", "a1"), noop); err == nil {
		t.Error("device id failure should fail the write")
	}

	if called {
		t.Error("mutation must not run when the write is rejected up front")
	}
}

func TestPerformTrackedWrite_DeleteCarriesNoData(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	gw := NewGateway(conn, staticDevice("device-x"), testTables)

	if _, err := gw.PerformTrackedWrite(ctx, Insert("anime_list", "a1"), insertAnime("a1", "Frieren")); err != nil {
		t.Fatalf("insert failed: %v", err)
	}
	rec, err := gw.PerformTrackedWrite(ctx, Delete("anime_list", "a1"), func(ctx context.Context, tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `DELETE FROM anime_list WHERE id = ?`, "a1")
		return err
	})
	if err != nil {
		t.Fatalf("delete failed: %v", err)
	}
	if rec.Data != nil {
		t.Errorf("DELETE data = %v, want nil", rec.Data)
	}

	var data sql.NullString
	if err := conn.QueryRow(`SELECT data FROM change_log WHERE id = ?`, rec.ID).Scan(&data); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if data.Valid {
		t.Errorf("stored data = %q, want NULL", data.String)
	}
}

func TestUnsyncedAndMarkSynced(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()
	gw := NewGateway(conn, staticDevice("device-x"), testTables)

	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var ids []string
	for i, id := range []string{"a1", "a2", "a3"} {
		at := base.Add(time.Duration(i) * time.Second)
		gw.SetClock(func() time.Time { return at })
		rec, err := gw.PerformTrackedWrite(ctx, Insert("anime_list", id), insertAnime(id, "Title "+id))
		if err != nil {
			t.Fatalf("write %s failed: %v", id, err)
		}
		ids = append(ids, rec.ID)
	}

	pending, err := Unsynced(ctx, conn)
	if err != nil {
		t.Fatalf("Unsynced() failed: %v", err)
	}
	if len(pending) != 3 {
		t.Fatalf("Unsynced() = %d records, want 3", len(pending))
	}
	for i, rec := range pending {
		if rec.ID != ids[i] {
			t.Errorf("Unsynced()[%d] = %s, want %s (timestamp order)", i, rec.ID, ids[i])
		}
	}

	if err := MarkSynced(ctx, conn, ids[:2]); err != nil {
		t.Fatalf("MarkSynced() failed: %v", err)
	}
	n, err := CountUnsynced(ctx, conn)
	if err != nil {
		t.Fatalf("CountUnsynced() failed: %v", err)
	}
	if n != 1 {
		t.Errorf("CountUnsynced() = %d, want 1", n)
	}

	latest, err := List(ctx, conn, ListFilter{Limit: 2})
	if err != nil {
		t.Fatalf("List() failed: %v", err)
	}
	if len(latest) != 2 || latest[0].ID != ids[1] || latest[1].ID != ids[2] {
		t.Errorf("List(limit 2) returned wrong records: %v", latest)
	}

	since, err := List(ctx, conn, ListFilter{Since: base.Add(2 * time.Second)})
	if err != nil {
		t.Fatalf("List(since) failed: %v", err)
	}
	if len(since) != 1 || since[0].ID != ids[2] {
		t.Errorf("List(since) returned wrong records: %v", since)
	}
}

func TestApply(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()

	apply := func(rec *ChangeRecord) error {
		tx, err := conn.BeginTx(ctx, nil)
		if err != nil {
			t.Fatalf("begin failed: %v", err)
		}
		defer tx.Rollback()
		if err := Apply(ctx, tx, rec, testTables); err != nil {
			return err
		}
		return tx.Commit()
	}

	now := time.Now()
	insert := &ChangeRecord{
		ID: "c1", DeviceID: "device-y", Table: "anime_list", RowID: "a1", Operation: OpInsert,
		Data: Row{"title": "Frieren", "updated_at": "2024-05-01T10:00:00Z"}, Timestamp: now,
	}
	if err := apply(insert); err != nil {
		t.Fatalf("Apply(insert) failed: %v", err)
	}
	var title string
	if err := conn.QueryRow(`SELECT title FROM anime_list WHERE id = 'a1'`).Scan(&title); err != nil {
		t.Fatalf("row not applied: %v", err)
	}

	update := &ChangeRecord{
		ID: "c2", DeviceID: "device-y", Table: "anime_list", RowID: "a1", Operation: OpUpdate,
		Data: Row{"id": "a1", "title": "Sousou no Frieren", "episodes_watched": int64(4), "updated_at": "2024-05-02T10:00:00Z"}, Timestamp: now,
	}
	if err := apply(update); err != nil {
		t.Fatalf("Apply(update) failed: %v", err)
	}
	var watched int
	if err := conn.QueryRow(`SELECT title, episodes_watched FROM anime_list WHERE id = 'a1'`).Scan(&title, &watched); err != nil {
		t.Fatalf("query failed: %v", err)
	}
	if title != "Sousou no Frieren" || watched != 4 {
		t.Errorf("after update: title=%q watched=%d", title, watched)
	}

	del := &ChangeRecord{ID: "c3", DeviceID: "device-y", Table: "anime_list", RowID: "a1", Operation: OpDelete, Timestamp: now}
	if err := apply(del); err != nil {
		t.Fatalf("Apply(delete) failed: %v", err)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM anime_list`); n != 0 {
		t.Errorf("anime_list rows = %d, want 0", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM change_log WHERE synced = 1`); n != 3 {
		t.Errorf("synced ledger rows = %d, want 3", n)
	}

	for _, id := range []string{"c1", "c2", "c3"} {
		ok, err := Exists(ctx, conn, id)
		if err != nil || !ok {
			t.Errorf("Exists(%s) = %v, %v", id, ok, err)
		}
	}
	if ok, _ := Exists(ctx, conn, "c4"); ok {
		t.Error("Exists(c4) = true")
	}
}

func TestApply_FailureLeavesNoPartialRow(t *testing.T) {
	conn := setupTestDB(t)
	ctx := context.Background()

	// title is NOT NULL, so the upsert fails after nothing else ran.
	rec := &ChangeRecord{
		ID: "c1", DeviceID: "device-y", Table: "anime_list", RowID: "a1", Operation: OpInsert,
		Data: Row{"title": nil, "updated_at": "2024-05-01T10:00:00Z"}, Timestamp: time.Now(),
	}

	tx, err := conn.BeginTx(ctx, nil)
	if err != nil {
		t.Fatalf("begin failed: %v", err)
	}
	if err := Apply(ctx, tx, rec, testTables); err == nil {
		t.Fatal("Apply() should fail on NOT NULL violation")
	}
	tx.Rollback()

	if n := countRows(t, conn, `SELECT COUNT(*) FROM anime_list`); n != 0 {
		t.Errorf("anime_list rows = %d, want 0", n)
	}
	if n := countRows(t, conn, `SELECT COUNT(*) FROM change_log`); n != 0 {
		t.Errorf("change_log rows = %d, want 0", n)
	}
}
