// Package library is the user's anime list. Every write goes through the
// tracked-write gateway, so each one lands in the change_log and replicates.
package library

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/yukiapp/yuki/internal/ledger"
)

// Tables is the replicated table set and each table's key column.
var Tables = ledger.Tables{
	"anime_list":    "id",
	"watch_history": "id",
}

var (
	// ErrNotFound is returned when no entry has the given id.
	ErrNotFound = errors.New("anime not found")

	// ErrInvalid is returned for out-of-range input.
	ErrInvalid = errors.New("invalid input")

	// errNoProgress rolls back a progress update that would change nothing.
	errNoProgress = errors.New("progress unchanged")
)

// Status is where an entry sits in the user's list.
type Status string

const (
	StatusPlanning  Status = "planning"
	StatusWatching  Status = "watching"
	StatusCompleted Status = "completed"
	StatusOnHold    Status = "on_hold"
	StatusDropped   Status = "dropped"
)

// Statuses lists every valid status.
var Statuses = []Status{StatusPlanning, StatusWatching, StatusCompleted, StatusOnHold, StatusDropped}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, v := range Statuses {
		if s == v {
			return true
		}
	}
	return false
}

// ParseStatus accepts a status name, case-insensitively, with "-" for "_".
func ParseStatus(s string) (Status, error) {
	st := Status(strings.ReplaceAll(strings.ToLower(strings.TrimSpace(s)), "-", "_"))
	if !st.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalid, s)
	}
	return st, nil
}

// Anime is one entry of the list.
type Anime struct {
	ID              string
	Title           string
	Status          Status
	EpisodesWatched int
	TotalEpisodes   *int
	Score           *float64
	UpdatedAt       time.Time
}

// WatchEvent is one row of watch_history.
type WatchEvent struct {
	ID              string
	AnimeID         string
	Episode         int
	PositionSeconds float64
	WatchedAt       time.Time
}

// Library reads and writes the anime list.
type Library struct {
	db  *sql.DB
	gw  *ledger.Gateway
	now func() time.Time
}

// New returns a Library over conn, writing through gw.
func New(conn *sql.DB, gw *ledger.Gateway) *Library {
	return &Library{db: conn, gw: gw, now: time.Now}
}

// SetClock replaces the time source. For tests.
func (l *Library) SetClock(now func() time.Time) {
	l.now = now
	l.gw.SetClock(now)
}

func (l *Library) stamp() string {
	return ledger.FormatTimestamp(l.now())
}

// Add inserts a new entry in the planning state.
func (l *Library) Add(ctx context.Context, title string, totalEpisodes *int) (*Anime, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return nil, fmt.Errorf("%w: title is required", ErrInvalid)
	}
	if totalEpisodes != nil && *totalEpisodes < 0 {
		return nil, fmt.Errorf("%w: total episodes must not be negative", ErrInvalid)
	}

	id := uuid.NewString()
	_, err := l.gw.PerformTrackedWrite(ctx, ledger.Insert("anime_list", id),
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO anime_list (id, title, status, episodes_watched, total_episodes, updated_at)
				VALUES (?, ?, ?, 0, ?, ?)
			`, id, title, StatusPlanning, totalEpisodes, l.stamp())
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("failed to add %q: %w", title, err)
	}
	return l.Get(ctx, id)
}

// SetStatus moves an entry to another status.
func (l *Library) SetStatus(ctx context.Context, id string, status Status) error {
	if !status.Valid() {
		return fmt.Errorf("%w: unknown status %q", ErrInvalid, status)
	}
	return l.update(ctx, id, `UPDATE anime_list SET status = ?, updated_at = ? WHERE id = ?`,
		status, l.stamp(), id)
}

// SetScore sets the user's score, 0 to 10.
func (l *Library) SetScore(ctx context.Context, id string, score float64) error {
	if score < 0 || score > 10 {
		return fmt.Errorf("%w: score must be between 0 and 10, got %g", ErrInvalid, score)
	}
	return l.update(ctx, id, `UPDATE anime_list SET score = ?, updated_at = ? WHERE id = ?`,
		score, l.stamp(), id)
}

func (l *Library) update(ctx context.Context, id, query string, args ...any) error {
	_, err := l.gw.PerformTrackedWrite(ctx, ledger.Update("anime_list", id),
		func(ctx context.Context, tx *sql.Tx) error {
			return execOne(ctx, tx, id, query, args...)
		})
	return err
}

// RecordEpisode logs that episode was watched up to positionSeconds and
// advances the entry's progress. The history row and the progress update
// are two separate tracked writes; the progress write is skipped when it
// would change nothing.
//
// Progress never moves backwards. An entry in planning becomes watching; one
// that reaches its total becomes completed. Both are computed from the row
// inside the update, so concurrent calls cannot lose progress.
func (l *Library) RecordEpisode(ctx context.Context, animeID string, episode int, positionSeconds float64) (*WatchEvent, error) {
	if episode < 1 {
		return nil, fmt.Errorf("%w: episode must be at least 1", ErrInvalid)
	}
	if positionSeconds < 0 {
		return nil, fmt.Errorf("%w: position must not be negative", ErrInvalid)
	}

	if _, err := l.Get(ctx, animeID); err != nil {
		return nil, err
	}

	ev := &WatchEvent{
		ID:              uuid.NewString(),
		AnimeID:         animeID,
		Episode:         episode,
		PositionSeconds: positionSeconds,
		WatchedAt:       l.now().UTC(),
	}
	_, err := l.gw.PerformTrackedWrite(ctx, ledger.Insert("watch_history", ev.ID),
		func(ctx context.Context, tx *sql.Tx) error {
			_, err := tx.ExecContext(ctx, `
				INSERT INTO watch_history (id, anime_id, episode, position_seconds, watched_at)
				VALUES (?, ?, ?, ?, ?)
			`, ev.ID, ev.AnimeID, ev.Episode, ev.PositionSeconds, ledger.FormatTimestamp(ev.WatchedAt))
			return err
		})
	if err != nil {
		return nil, fmt.Errorf("failed to record episode: %w", err)
	}

	_, err = l.gw.PerformTrackedWrite(ctx, ledger.Update("anime_list", animeID),
		func(ctx context.Context, tx *sql.Tx) error {
			res, err := tx.ExecContext(ctx, `
				UPDATE anime_list SET
					episodes_watched = MAX(episodes_watched, ?),
					status = CASE
						WHEN total_episodes > 0 AND MAX(episodes_watched, ?) >= total_episodes THEN ?
						WHEN status = ? THEN ?
						ELSE status
					END,
					updated_at = ?
				WHERE id = ? AND (
					episodes_watched < ?
					OR status = ?
					OR (total_episodes > 0 AND MAX(episodes_watched, ?) >= total_episodes AND status != ?)
				)
			`,
				episode,
				episode, string(StatusCompleted),
				string(StatusPlanning), string(StatusWatching),
				l.stamp(),
				animeID,
				episode,
				string(StatusPlanning),
				episode, string(StatusCompleted),
			)
			if err != nil {
				return err
			}
			n, err := res.RowsAffected()
			if err != nil {
				return err
			}
			if n == 0 {
				return errNoProgress
			}
			return nil
		})
	if err != nil && !errors.Is(err, errNoProgress) {
		return ev, fmt.Errorf("failed to update progress: %w", err)
	}
	return ev, nil
}

// Remove deletes an entry and its watch history.
func (l *Library) Remove(ctx context.Context, id string) error {
	if _, err := l.Get(ctx, id); err != nil {
		return err
	}

	history, err := l.History(ctx, id)
	if err != nil {
		return err
	}
	for _, ev := range history {
		_, err := l.gw.PerformTrackedWrite(ctx, ledger.Delete("watch_history", ev.ID),
			func(ctx context.Context, tx *sql.Tx) error {
				_, err := tx.ExecContext(ctx, `DELETE FROM watch_history WHERE id = ?`, ev.ID)
				return err
			})
		if err != nil {
			return fmt.Errorf("failed to delete history %s: %w", ev.ID, err)
		}
	}

	_, err = l.gw.PerformTrackedWrite(ctx, ledger.Delete("anime_list", id),
		func(ctx context.Context, tx *sql.Tx) error {
			return execOne(ctx, tx, id, `DELETE FROM anime_list WHERE id = ?`, id)
		})
	return err
}

// execOne runs a statement that must touch exactly the row with key id.
func execOne(ctx context.Context, tx *sql.Tx, id, query string, args ...any) error {
	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

const animeColumns = `id, title, status, episodes_watched, total_episodes, score, updated_at`

// Get returns one entry.
func (l *Library) Get(ctx context.Context, id string) (*Anime, error) {
	row := l.db.QueryRowContext(ctx, `SELECT `+animeColumns+` FROM anime_list WHERE id = ?`, id)
	a, err := scanAnime(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return a, err
}

// List returns entries ordered by title. An empty status returns all.
func (l *Library) List(ctx context.Context, status Status) ([]*Anime, error) {
	query := `SELECT ` + animeColumns + ` FROM anime_list`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY title COLLATE NOCASE, id`

	rows, err := l.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list anime: %w", err)
	}
	defer rows.Close()

	var out []*Anime
	for rows.Next() {
		a, err := scanAnime(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// History returns the watch events of one entry, oldest first.
func (l *Library) History(ctx context.Context, animeID string) ([]*WatchEvent, error) {
	rows, err := l.db.QueryContext(ctx, `
		SELECT id, anime_id, episode, position_seconds, watched_at
		FROM watch_history WHERE anime_id = ?
		ORDER BY watched_at, id
	`, animeID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	defer rows.Close()

	var out []*WatchEvent
	for rows.Next() {
		var ev WatchEvent
		var watchedAt string
		if err := rows.Scan(&ev.ID, &ev.AnimeID, &ev.Episode, &ev.PositionSeconds, &watchedAt); err != nil {
			return nil, fmt.Errorf("failed to scan history: %w", err)
		}
		ev.WatchedAt, _ = ledger.ParseTimestamp(watchedAt)
		out = append(out, &ev)
	}
	return out, rows.Err()
}

type scanner interface {
	Scan(dest ...any) error
}

func scanAnime(s scanner) (*Anime, error) {
	var (
		a         Anime
		status    string
		total     sql.NullInt64
		score     sql.NullFloat64
		updatedAt string
	)
	if err := s.Scan(&a.ID, &a.Title, &status, &a.EpisodesWatched, &total, &score, &updatedAt); err != nil {
		return nil, err
	}
	a.Status = Status(status)
	if total.Valid {
		n := int(total.Int64)
		a.TotalEpisodes = &n
	}
	if score.Valid {
		f := score.Float64
		a.Score = &f
	}
	a.UpdatedAt, _ = ledger.ParseTimestamp(updatedAt)
	return &a, nil
}
