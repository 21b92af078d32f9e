// Package store keeps the SQLite catalog of recorded sessions.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/verte-zerg/rigtrace/internal/model"

	_ "modernc.org/sqlite" // SQLite driver.
)

// timeLayout is fixed-width UTC so stored times sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// ErrNotFound is returned when a session ID is not in the catalog.
var ErrNotFound = errors.New("session not in catalog")

// Store wraps SQLite access for the session catalog.
type Store struct {
	db *sql.DB
}

// ListOptions filters ListSessions.
type ListOptions struct {
	Since *time.Time
	// Last limits the result to the newest sessions when positive.
	Last int
}

// Open opens or creates the SQLite database and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	store := &Store{db: db}
	if err := store.migrate(); err != nil {
		if cerr := db.Close(); cerr != nil {
			// Best-effort close on migration failure.
			_ = cerr
		}
		return nil, err
	}
	return store, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS sessions (
			id TEXT PRIMARY KEY,
			dir TEXT NOT NULL,
			started_at TEXT NOT NULL,
			ended_at TEXT NOT NULL,
			state TEXT NOT NULL,
			fields TEXT NOT NULL,
			sensor_records INTEGER NOT NULL,
			sensor_discarded INTEGER NOT NULL,
			frames INTEGER NOT NULL,
			frame_timeouts INTEGER NOT NULL,
			motion_error TEXT NOT NULL,
			teardown_error TEXT NOT NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_sessions_started_at ON sessions(started_at);`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// UpsertSession records a session, replacing an earlier row with the same ID.
func (s *Store) UpsertSession(ctx context.Context, sess model.Session) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO sessions (id, dir, started_at, ended_at, state, fields, sensor_records, sensor_discarded, frames, frame_timeouts, motion_error, teardown_error)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			dir = excluded.dir,
			started_at = excluded.started_at,
			ended_at = excluded.ended_at,
			state = excluded.state,
			fields = excluded.fields,
			sensor_records = excluded.sensor_records,
			sensor_discarded = excluded.sensor_discarded,
			frames = excluded.frames,
			frame_timeouts = excluded.frame_timeouts,
			motion_error = excluded.motion_error,
			teardown_error = excluded.teardown_error`,
		sess.ID,
		sess.Dir,
		formatTime(sess.StartedAt),
		formatTime(sess.EndedAt),
		sess.State,
		strings.Join(sess.Fields, ","),
		sess.SensorRecords,
		sess.SensorDiscarded,
		sess.Frames,
		sess.FrameTimeouts,
		sess.MotionError,
		sess.TeardownError,
	)
	if err != nil {
		return fmt.Errorf("failed to record session %s: %w", sess.ID, err)
	}
	return nil
}

// ListSessions returns catalog rows, newest first.
func (s *Store) ListSessions(ctx context.Context, opts ListOptions) ([]model.SessionSummary, error) {
	clauses := []string{"1=1"}
	args := []any{}
	if opts.Since != nil {
		clauses = append(clauses, "started_at >= ?")
		args = append(args, formatTime(*opts.Since))
	}
	query := fmt.Sprintf(`SELECT id, dir, started_at, ended_at, state, sensor_records, sensor_discarded, frames, motion_error
		FROM sessions
		WHERE %s
		ORDER BY started_at DESC, id DESC`, strings.Join(clauses, " AND "))
	if opts.Last > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Last)
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer func() {
		if cerr := rows.Close(); cerr != nil {
			// Best-effort rows close.
			_ = cerr
		}
	}()

	var sessions []model.SessionSummary
	for rows.Next() {
		sum, err := scanSummary(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, sum)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return sessions, nil
}

// GetSession returns one catalog row.
func (s *Store) GetSession(ctx context.Context, id string) (model.SessionSummary, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, dir, started_at, ended_at, state, sensor_records, sensor_discarded, frames, motion_error
		 FROM sessions WHERE id = ?`, id)
	sum, err := scanSummary(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.SessionSummary{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return sum, err
}

// Prune removes rows whose session directory no longer exists and returns
// how many were removed.
func (s *Store) Prune(ctx context.Context) (int, error) {
	sessions, err := s.ListSessions(ctx, ListOptions{})
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, sess := range sessions {
		if _, err := os.Stat(sess.Dir); err == nil || !os.IsNotExist(err) {
			continue
		}
		if _, err := s.db.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sess.ID); err != nil {
			return removed, err
		}
		removed++
	}
	return removed, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanSummary(row scanner) (model.SessionSummary, error) {
	var sum model.SessionSummary
	var startedAt, endedAt string
	if err := row.Scan(&sum.ID, &sum.Dir, &startedAt, &endedAt, &sum.State,
		&sum.SensorRecords, &sum.SensorDiscarded, &sum.Frames, &sum.MotionError); err != nil {
		return model.SessionSummary{}, err
	}
	var err error
	if sum.StartedAt, err = parseTime(startedAt); err != nil {
		return model.SessionSummary{}, err
	}
	if sum.EndedAt, err = parseTime(endedAt); err != nil {
		return model.SessionSummary{}, err
	}
	return sum, nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, s)
	if err != nil {
		return time.Time{}, err
	}
	return t.Local(), nil
}
