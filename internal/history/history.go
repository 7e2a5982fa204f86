// Package history records finished capture sessions in a local SQLite
// database so the host can review what actually happened per run.
package history

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/wbuchanan/nikonctl/internal/logic/capture"
)

// Entry is one recorded capture run.
type Entry struct {
	ID             string    `json:"id"`
	RequestedTotal uint32    `json:"requested_total"`
	Completed      uint32    `json:"completed"`
	EffectiveTotal uint32    `json:"effective_total"`
	Status         string    `json:"status"`
	StartedAt      time.Time `json:"started_at"`
	FinishedAt     time.Time `json:"finished_at"`
}

// Store is a SQLite-backed run history.
type Store struct {
	conn *sql.DB
}

// Open opens (or creates) the history database at path.
// Use ":memory:" for tests.
func Open(path string) (*Store, error) {
	conn, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open history database: %w", err)
	}
	if err := conn.Ping(); err != nil {
		return nil, fmt.Errorf("ping history database: %w", err)
	}

	s := &Store{conn: conn}
	if err := s.createTables(); err != nil {
		return nil, fmt.Errorf("create history tables: %w", err)
	}
	return s, nil
}

func (s *Store) createTables() error {
	query := `
	CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		requested_total INTEGER NOT NULL,
		completed INTEGER NOT NULL,
		effective_total INTEGER NOT NULL,
		status TEXT NOT NULL,
		started_at DATETIME NOT NULL,
		finished_at DATETIME NOT NULL
	);
	`
	_, err := s.conn.Exec(query)
	return err
}

// Record stores a finished session. Non-terminal sessions are rejected:
// a row in the history always carries the run's true outcome.
func (s *Store) Record(sess *capture.Session) error {
	if !sess.Status.Terminal() {
		return fmt.Errorf("history: session %s is not terminal (%s)", sess.ID, sess.Status)
	}

	_, err := s.conn.Exec(
		`INSERT INTO sessions (id, requested_total, completed, effective_total, status, started_at, finished_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		sess.ID.String(),
		sess.RequestedTotal,
		sess.Completed,
		sess.EffectiveTotal,
		sess.Status.String(),
		sess.StartedAt,
		sess.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("record session: %w", err)
	}
	return nil
}

// List returns recorded runs, most recent first, up to limit (0 = all).
func (s *Store) List(limit int) ([]Entry, error) {
	query := `SELECT id, requested_total, completed, effective_total, status, started_at, finished_at
	          FROM sessions ORDER BY started_at DESC`
	var rows *sql.Rows
	var err error
	if limit > 0 {
		rows, err = s.conn.Query(query+" LIMIT ?", limit)
	} else {
		rows, err = s.conn.Query(query)
	}
	if err != nil {
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		var e Entry
		if err := rows.Scan(&e.ID, &e.RequestedTotal, &e.Completed, &e.EffectiveTotal,
			&e.Status, &e.StartedAt, &e.FinishedAt); err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// Get returns one run by id.
func (s *Store) Get(id string) (*Entry, error) {
	var e Entry
	err := s.conn.QueryRow(
		`SELECT id, requested_total, completed, effective_total, status, started_at, finished_at
		 FROM sessions WHERE id = ?`, id,
	).Scan(&e.ID, &e.RequestedTotal, &e.Completed, &e.EffectiveTotal, &e.Status, &e.StartedAt, &e.FinishedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("session not found")
	}
	if err != nil {
		return nil, fmt.Errorf("get session: %w", err)
	}
	return &e, nil
}

func (s *Store) Close() error {
	return s.conn.Close()
}
