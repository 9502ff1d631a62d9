// Package state persists the responder's run state — per-contact seen
// cursors and processed-message markers — in SQLite, so the loop resumes
// where it left off after a restart. The plain-text message log remains
// the authoritative conversation history; this store only prevents
// reprocessing.
package state

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	_ "github.com/mattn/go-sqlite3"
)

const schema = `
CREATE TABLE IF NOT EXISTS cursors (
	contact    TEXT PRIMARY KEY,
	cursor     TEXT NOT NULL,
	updated_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS processed (
	id      TEXT PRIMARY KEY,
	contact TEXT NOT NULL,
	seen_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
CREATE TABLE IF NOT EXISTS runs (
	id         TEXT PRIMARY KEY,
	started_at DATETIME DEFAULT CURRENT_TIMESTAMP
);
`

// cursorLayout stores cursors with nanosecond precision so two messages
// in the same second still order correctly.
const cursorLayout = time.RFC3339Nano

// Store is the SQLite-backed run state.
type Store struct {
	db    *sql.DB
	runID string
}

// Open opens (or creates) the state database at path and applies the
// schema. A new run row is recorded per open.
func Open(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("state database path is empty")
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state directory %q: %w", dir, err)
	}

	dsn := fmt.Sprintf("%s?_journal_mode=WAL&_busy_timeout=5000", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open state database %q: %w", path, err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping state database: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("apply state schema: %w", err)
	}

	runID := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO runs (id) VALUES (?)`, runID); err != nil {
		db.Close()
		return nil, fmt.Errorf("record run: %w", err)
	}

	return &Store{db: db, runID: runID}, nil
}

// RunID returns the identifier assigned to this process run.
func (s *Store) RunID() string { return s.runID }

// Close closes the database.
func (s *Store) Close() error { return s.db.Close() }

// LoadCursor returns the persisted cursor for a contact, or the zero time
// when none exists.
func (s *Store) LoadCursor(contact string) (time.Time, error) {
	var raw string
	err := s.db.QueryRow(`SELECT cursor FROM cursors WHERE contact = ?`, contact).Scan(&raw)
	if err == sql.ErrNoRows {
		return time.Time{}, nil
	}
	if err != nil {
		return time.Time{}, fmt.Errorf("load cursor for %q: %w", contact, err)
	}
	ts, err := time.Parse(cursorLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse cursor for %q: %w", contact, err)
	}
	return ts, nil
}

// SaveCursor persists a contact's cursor. The cursor never moves
// backwards: an older timestamp than the stored one is ignored.
func (s *Store) SaveCursor(contact string, ts time.Time) error {
	current, err := s.LoadCursor(contact)
	if err != nil {
		return err
	}
	if !ts.After(current) {
		return nil
	}
	_, err = s.db.Exec(`
		INSERT INTO cursors (contact, cursor, updated_at) VALUES (?, ?, CURRENT_TIMESTAMP)
		ON CONFLICT(contact) DO UPDATE SET cursor = excluded.cursor, updated_at = CURRENT_TIMESTAMP`,
		contact, ts.Format(cursorLayout))
	if err != nil {
		return fmt.Errorf("save cursor for %q: %w", contact, err)
	}
	return nil
}

// MarkProcessed records a message as handled. Marking the same ID twice
// is a no-op.
func (s *Store) MarkProcessed(id, contact string) error {
	_, err := s.db.Exec(`INSERT OR IGNORE INTO processed (id, contact) VALUES (?, ?)`, id, contact)
	if err != nil {
		return fmt.Errorf("mark processed %q: %w", id, err)
	}
	return nil
}

// Processed reports whether a message ID was already handled.
func (s *Store) Processed(id string) (bool, error) {
	var one int
	err := s.db.QueryRow(`SELECT 1 FROM processed WHERE id = ?`, id).Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("check processed %q: %w", id, err)
	}
	return true, nil
}

// PruneProcessed deletes processed markers older than the retention
// window, keeping the table from growing without bound.
func (s *Store) PruneProcessed(olderThan time.Duration) (int64, error) {
	res, err := s.db.Exec(
		`DELETE FROM processed WHERE seen_at < datetime('now', ?)`,
		fmt.Sprintf("-%d seconds", int(olderThan.Seconds())))
	if err != nil {
		return 0, fmt.Errorf("prune processed: %w", err)
	}
	n, _ := res.RowsAffected()
	return n, nil
}
