package replica

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yukiapp/yuki/internal/ledger"
)

// State is the engine's lifecycle state.
type State int

const (
	// StateDisabled means no remote was available at startup. It is terminal
	// for the lifetime of the process.
	StateDisabled State = iota
	StateIdle
	StateSyncing
)

func (s State) String() string {
	switch s {
	case StateDisabled:
		return "disabled"
	case StateIdle:
		return "idle"
	case StateSyncing:
		return "syncing"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Result summarizes one sync cycle.
type Result struct {
	Pushed           int           `json:"pushed" yaml:"pushed"`
	Applied          int           `json:"applied" yaml:"applied"`
	SkippedOwn       int           `json:"skipped_own" yaml:"skipped_own"`
	SkippedDuplicate int           `json:"skipped_duplicate" yaml:"skipped_duplicate"`
	Failed           int           `json:"failed" yaml:"failed"`
	SnapshotCreated  bool          `json:"snapshot_created" yaml:"snapshot_created"`
	Duration         time.Duration `json:"duration" yaml:"duration"`
}

// Status is a point-in-time view of the engine.
type Status struct {
	State      State
	Remote     string
	LastSync   time.Time
	LastResult *Result
	LastError  error
}

// Engine runs sync cycles against one SyncContext. At most one cycle runs at
// a time; concurrent callers wait for the running one to finish.
type Engine struct {
	sc *SyncContext

	// cycle serializes sync cycles and snapshot creation.
	cycle sync.Mutex

	mu         sync.Mutex
	state      State
	lastSync   time.Time
	lastResult *Result
	lastErr    error
}

// NewEngine returns an engine for sc. With a nil Store the engine is
// permanently disabled.
func NewEngine(sc *SyncContext) *Engine {
	e := &Engine{sc: sc, state: StateIdle}
	if !sc.Enabled() {
		e.state = StateDisabled
	}
	return e
}

// Context returns the engine's SyncContext.
func (e *Engine) Context() *SyncContext {
	return e.sc
}

// Status returns the engine's current state and the outcome of the last cycle.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()

	st := Status{
		State:      e.state,
		LastSync:   e.lastSync,
		LastResult: e.lastResult,
		LastError:  e.lastErr,
	}
	if e.sc.Store != nil {
		st.Remote = e.sc.Store.RemoteString("")
	}
	return st
}

func (e *Engine) setState(s State) {
	e.mu.Lock()
	e.state = s
	e.mu.Unlock()
}

func (e *Engine) finish(res *Result, err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.state = StateIdle
	e.lastSync = e.sc.now()
	e.lastResult = res
	e.lastErr = err
}

// Cycle runs a full sync cycle: SynchronizeChanges followed by
// CreateSnapshotIfNeeded. A snapshot is only attempted after a cycle whose
// push and pull both succeeded.
func (e *Engine) Cycle(ctx context.Context) (*Result, error) {
	if !e.sc.Enabled() {
		return nil, ErrDisabled
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	res, err := e.synchronize(ctx)
	if err != nil {
		return res, err
	}

	created, err := e.createSnapshot(ctx, false)
	if errors.Is(err, ErrRestorePending) {
		e.sc.logger().Debug("snapshot skipped until the remote snapshot is merged")
		return res, nil
	}
	if err != nil {
		// The changes are already exchanged; the snapshot is retried next cycle.
		e.sc.logger().Warn("snapshot failed", "error", err)
		return res, nil
	}
	res.SnapshotCreated = created
	return res, nil
}

// SynchronizeChanges pushes this device's unsynced changes and then pulls and
// applies every foreign change it has not seen.
//
// A push failure aborts the cycle before pull and leaves every record
// unsynced. Individual records that fail to decode or apply are logged,
// counted in Result.Failed and retried on the next cycle.
func (e *Engine) SynchronizeChanges(ctx context.Context) (*Result, error) {
	if !e.sc.Enabled() {
		return nil, ErrDisabled
	}

	e.cycle.Lock()
	defer e.cycle.Unlock()

	return e.synchronize(ctx)
}

func (e *Engine) synchronize(ctx context.Context) (res *Result, err error) {
	log := e.sc.logger()
	start := e.sc.now()
	res = &Result{}

	e.setState(StateSyncing)
	defer func() {
		res.Duration = e.sc.now().Sub(start)
		e.finish(res, err)
	}()

	res.Pushed, err = e.push(ctx)
	if err != nil {
		log.Error("push failed", "error", err)
		return res, fmt.Errorf("failed to push changes: %w", err)
	}

	if err = e.mergePendingSnapshot(ctx, res); err != nil {
		log.Error("snapshot merge failed", "error", err)
		return res, fmt.Errorf("failed to merge remote snapshot: %w", err)
	}

	if err = e.pull(ctx, res); err != nil {
		log.Error("pull failed", "error", err)
		return res, fmt.Errorf("failed to pull changes: %w", err)
	}

	log.Info("sync cycle complete",
		"pushed", res.Pushed,
		"applied", res.Applied,
		"skipped_own", res.SkippedOwn,
		"skipped_duplicate", res.SkippedDuplicate,
		"failed", res.Failed,
	)
	return res, nil
}

// push uploads every unsynced record as changes/<id>.json and marks them
// synced only after the remote copy succeeded.
func (e *Engine) push(ctx context.Context) (int, error) {
	conn := e.sc.DB.RawDB()

	records, err := ledger.Unsynced(ctx, conn)
	if err != nil {
		return 0, err
	}
	if len(records) == 0 {
		return 0, nil
	}

	dir, err := e.sc.mkScratch("yuki-push-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	ids := make([]string, 0, len(records))
	for _, rec := range records {
		data, err := json.Marshal(rec)
		if err != nil {
			return 0, fmt.Errorf("failed to encode change %s: %w", rec.ID, err)
		}
		if err := os.WriteFile(filepath.Join(dir, rec.ID+".json"), data, 0644); err != nil {
			return 0, fmt.Errorf("failed to stage change %s: %w", rec.ID, err)
		}
		ids = append(ids, rec.ID)
	}

	if err := e.sc.Store.CopyDirTo(ctx, dir, ChangesDir); err != nil {
		return 0, err
	}

	if err := ledger.MarkSynced(ctx, conn, ids); err != nil {
		// The files are on the remote; the next push re-uploads them
		// unchanged and peers skip them as duplicates.
		return 0, err
	}

	e.sc.logger().Debug("pushed changes", "count", len(ids))
	return len(ids), nil
}

// pull downloads every change file and applies the foreign ones in
// timestamp order, each in its own transaction.
func (e *Engine) pull(ctx context.Context, res *Result) error {
	log := e.sc.logger()

	self, err := e.sc.Device.ID()
	if err != nil {
		return fmt.Errorf("failed to resolve device id: %w", err)
	}

	dir, err := e.sc.mkScratch("yuki-pull-*")
	if err != nil {
		return fmt.Errorf("failed to create scratch directory: %w", err)
	}
	defer os.RemoveAll(dir)

	if err := e.sc.Store.CopyDirFrom(ctx, ChangesDir, dir); err != nil {
		return err
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("failed to list pulled changes: %w", err)
	}

	records := make([]*ledger.ChangeRecord, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if !entry.Type().IsRegular() || !strings.HasSuffix(name, ".json") {
			continue
		}
		rec, err := readChangeFile(filepath.Join(dir, name))
		if err != nil {
			log.Warn("skipping unreadable change file", "file", name, "error", err)
			res.Failed++
			continue
		}
		records = append(records, rec)
	}

	sort.Slice(records, func(i, j int) bool {
		if !records[i].Timestamp.Equal(records[j].Timestamp) {
			return records[i].Timestamp.Before(records[j].Timestamp)
		}
		return records[i].ID < records[j].ID
	})

	for _, rec := range records {
		if err := ctx.Err(); err != nil {
			return err
		}
		if rec.DeviceID == self {
			res.SkippedOwn++
			continue
		}

		applied, err := e.applyOne(ctx, rec)
		if err != nil {
			log.Warn("failed to apply change",
				"id", rec.ID,
				"table", rec.Table,
				"row_id", rec.RowID,
				"operation", rec.Operation,
				"error", err,
			)
			res.Failed++
			continue
		}
		if applied {
			res.Applied++
		} else {
			res.SkippedDuplicate++
		}
	}

	return nil
}

// applyOne replays rec in its own transaction unless it is already in the
// local change_log. It reports whether the record was applied.
func (e *Engine) applyOne(ctx context.Context, rec *ledger.ChangeRecord) (bool, error) {
	tx, err := e.sc.DB.RawDB().BeginTx(ctx, nil)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	seen, err := ledger.Exists(ctx, tx, rec.ID)
	if err != nil {
		return false, err
	}
	if seen {
		return false, nil
	}

	if err := ledger.Apply(ctx, tx, rec, e.sc.Tables); err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, fmt.Errorf("failed to commit transaction: %w", err)
	}
	return true, nil
}

func readChangeFile(path string) (*ledger.ChangeRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var rec ledger.ChangeRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, err
	}
	if want := strings.TrimSuffix(filepath.Base(path), ".json"); rec.ID != want {
		return nil, fmt.Errorf("file name does not match change id %q", rec.ID)
	}
	return &rec, nil
}
