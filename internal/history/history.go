// Package history is a small SQLite-backed log of finished tasks,
// subscribing to TaskCompleted/TaskFailed on the Event Bus. It is
// explicitly not consulted by the Queue Coordinator or the Checkpoint
// Store for resumability (spec §1 scopes persistence of in-flight state
// to the JSON queue/checkpoint files); this package only answers "what
// has this engine downloaded, and how did it go" after the fact.
//
// Grounded on the teacher's internal/download/state package: the same
// upsert-on-conflict schema idiom and nullable-column Scan pattern,
// narrowed to the one table this engine actually needs.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/harrowgate/fetchcore/internal/events"
	"github.com/harrowgate/fetchcore/internal/task"
	"github.com/harrowgate/fetchcore/internal/xlog"
)

const schema = `
CREATE TABLE IF NOT EXISTS completions (
	id          TEXT PRIMARY KEY,
	url         TEXT NOT NULL,
	dest        TEXT NOT NULL,
	status      TEXT NOT NULL,
	total_size  INTEGER NOT NULL,
	downloaded  INTEGER NOT NULL,
	last_error  TEXT,
	finished_at INTEGER NOT NULL
);
`

// Entry is one row of the completion log.
type Entry struct {
	ID         string
	URL        string
	Dest       string
	Status     task.Status
	TotalSize  int64
	Downloaded int64
	LastError  string
	FinishedAt time.Time
}

// Store is a handle on the completion log database.
type Store struct {
	db *sql.DB
}

// Open creates (or opens) the SQLite database at path and ensures its
// schema exists.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open %s: %w", path, err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: create schema: %w", err)
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// RecordCompletion upserts a finished task's outcome into the log.
func (s *Store) RecordCompletion(t task.Task) error {
	_, err := s.db.Exec(`
		INSERT INTO completions (id, url, dest, status, total_size, downloaded, last_error, finished_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status=excluded.status,
			total_size=excluded.total_size,
			downloaded=excluded.downloaded,
			last_error=excluded.last_error,
			finished_at=excluded.finished_at
	`, t.ID, t.URL, t.Dest, t.Status.String(), t.TotalSize, t.Downloaded, nullableString(t.LastError), time.Now().Unix())
	return err
}

// List returns every logged entry, most recently finished first. If
// status is non-empty it filters to that status (e.g. "completed").
func (s *Store) List(status string) ([]Entry, error) {
	query := `SELECT id, url, dest, status, total_size, downloaded, last_error, finished_at FROM completions`
	args := []any{}
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, status)
	}
	query += ` ORDER BY finished_at DESC`

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		var statusStr string
		var lastError sql.NullString
		var finishedAt int64
		if err := rows.Scan(&e.ID, &e.URL, &e.Dest, &statusStr, &e.TotalSize, &e.Downloaded, &lastError, &finishedAt); err != nil {
			return nil, err
		}
		e.Status = statusFromString(statusStr)
		e.LastError = lastError.String
		e.FinishedAt = time.Unix(finishedAt, 0)
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func statusFromString(s string) task.Status {
	switch s {
	case task.Completed.String():
		return task.Completed
	case task.Failed.String():
		return task.Failed
	case task.Cancelled.String():
		return task.Cancelled
	default:
		return task.Failed
	}
}

// Subscribe drains obs on its own goroutine, recording every
// TaskCompleted/TaskFailed event against the tasks map supplied by
// lookup (the Coordinator's Get), until ctx is done or obs closes.
func (s *Store) Subscribe(ctx context.Context, obs *events.Bus, lookup func(id string) (task.Task, bool)) {
	go func() {
		for {
			e, ok := obs.Next()
			if !ok {
				return
			}
			if ctx.Err() != nil {
				return
			}
			if e.Kind != events.TaskCompleted && e.Kind != events.TaskFailed {
				continue
			}
			t, ok := lookup(e.TaskID)
			if !ok {
				continue
			}
			if err := s.RecordCompletion(t); err != nil {
				xlog.Debug("history: record completion for %s: %v", e.TaskID, err)
			}
		}
	}()
}
