// Package scalardb provides scalar ledger adapters.
// Clean Architecture: Adapter implementing ports.ScalarSink.
// Each run appends (tag, step, value) rows; resuming purges rows the
// restarted epochs will write again.
package scalardb

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	_ "github.com/mattn/go-sqlite3" // SQLite driver
)

// Scalar is one recorded point.
type Scalar struct {
	Step  int
	Value float64
}

// SQLiteStore persists scalars in <dir>/scalars.db.
type SQLiteStore struct {
	mu    sync.RWMutex
	db    *sql.DB
	runID string
}

// NewSQLiteStore opens (or creates) the ledger under dir. runID tags the
// rows so several runs can share one file.
func NewSQLiteStore(dir, runID string) (*SQLiteStore, error) {
	if dir == "" {
		dir = "./runs"
	}
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("creating scalar directory: %w", err)
	}

	db, err := sql.Open("sqlite3", filepath.Join(dir, "scalars.db"))
	if err != nil {
		return nil, fmt.Errorf("opening database: %w", err)
	}

	store := &SQLiteStore{db: db, runID: runID}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}
	return store, nil
}

func (s *SQLiteStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS scalars (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		tag TEXT NOT NULL,
		step INTEGER NOT NULL,
		value REAL NOT NULL,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_scalars_tag_step ON scalars(tag, step);
	`
	_, err := s.db.Exec(schema)
	return err
}

// AddScalar appends one point.
func (s *SQLiteStore) AddScalar(ctx context.Context, tag string, value float64, step int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("starting transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO scalars (run_id, tag, step, value) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing statement: %w", err)
	}
	defer stmt.Close()

	if _, err := stmt.ExecContext(ctx, s.runID, tag, step, value); err != nil {
		return fmt.Errorf("inserting scalar %s: %w", tag, err)
	}
	return tx.Commit()
}

// Purge drops every point at or after fromStep, across runs.
func (s *SQLiteStore) Purge(ctx context.Context, fromStep int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.db.ExecContext(ctx, "DELETE FROM scalars WHERE step >= ?", fromStep); err != nil {
		return fmt.Errorf("purging scalars from step %d: %w", fromStep, err)
	}
	return nil
}

// Scalars returns the points of tag ordered by step, oldest write first on ties.
func (s *SQLiteStore) Scalars(ctx context.Context, tag string) ([]Scalar, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT step, value FROM scalars WHERE tag = ? ORDER BY step, id`, tag)
	if err != nil {
		return nil, fmt.Errorf("querying scalars: %w", err)
	}
	defer rows.Close()

	var out []Scalar
	for rows.Next() {
		var sc Scalar
		if err := rows.Scan(&sc.Step, &sc.Value); err != nil {
			return nil, fmt.Errorf("scanning row: %w", err)
		}
		out = append(out, sc)
	}
	return out, rows.Err()
}

// Count returns the number of stored points.
func (s *SQLiteStore) Count(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM scalars").Scan(&count)
	return count, err
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
