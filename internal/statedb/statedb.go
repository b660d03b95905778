// Package statedb keeps the event history: session state transitions and
// per-channel notification delivery results. SQLite in WAL mode so the
// serve daemon can write while CLI invocations read.
package statedb

import (
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"agentrelay/internal/logging"
)

var eventLog = logging.ForComponent(logging.CompEvents)

// SchemaVersion tracks the current database schema version.
// Bump this when adding migrations.
const SchemaVersion = 1

// DBFileName is the database file inside the agentrelay directory.
const DBFileName = "events.db"

// StateDB wraps a SQLite database for event persistence. Thread-safe for
// concurrent use from multiple goroutines within one process; WAL mode +
// busy timeout cover readers in other processes.
type StateDB struct {
	db *sql.DB
}

// Transition is one recorded state change.
type Transition struct {
	ID          int64
	SessionName string
	FromState   string
	ToState     string
	At          time.Time
}

// Delivery is one recorded notification attempt.
type Delivery struct {
	ID          int64
	SessionName string
	Channel     string
	Type        string
	OK          bool
	Error       string
	At          time.Time
}

// Open creates or opens the database at dbPath with WAL mode and a busy
// timeout.
func Open(dbPath string) (*StateDB, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return nil, fmt.Errorf("statedb: mkdir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("statedb: open: %w", err)
	}

	// WAL allows concurrent readers while writing
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: wal mode: %w", err)
	}
	// Wait up to 5s if another process holds a lock
	if _, err := db.Exec("PRAGMA busy_timeout=5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("statedb: busy timeout: %w", err)
	}

	return &StateDB{db: db}, nil
}

// DefaultPath returns the database path inside dataDir.
func DefaultPath(dataDir string) string {
	return filepath.Join(dataDir, DBFileName)
}

// Close checkpoints WAL and closes the database.
func (s *StateDB) Close() error {
	_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
	return s.db.Close()
}

// Migrate creates tables if they don't exist.
func (s *StateDB) Migrate() error {
	tx, err := s.db.Begin()
	if err != nil {
		return fmt.Errorf("statedb: begin migrate: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS metadata (
			key   TEXT PRIMARY KEY,
			value TEXT NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create metadata: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS transitions (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_name TEXT NOT NULL,
			from_state   TEXT NOT NULL DEFAULT '',
			to_state     TEXT NOT NULL,
			at           INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create transitions: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE TABLE IF NOT EXISTS deliveries (
			id           INTEGER PRIMARY KEY AUTOINCREMENT,
			session_name TEXT NOT NULL,
			channel      TEXT NOT NULL,
			type         TEXT NOT NULL,
			ok           INTEGER NOT NULL,
			error        TEXT NOT NULL DEFAULT '',
			at           INTEGER NOT NULL
		)
	`); err != nil {
		return fmt.Errorf("statedb: create deliveries: %w", err)
	}

	if _, err := tx.Exec(`
		CREATE INDEX IF NOT EXISTS idx_transitions_session ON transitions(session_name, at)
	`); err != nil {
		return fmt.Errorf("statedb: index transitions: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT OR REPLACE INTO metadata (key, value) VALUES ('schema_version', ?)
	`, fmt.Sprintf("%d", SchemaVersion)); err != nil {
		return fmt.Errorf("statedb: set schema version: %w", err)
	}

	return tx.Commit()
}

// RecordTransition implements monitor.TransitionSink. Failures are
// logged, not returned; a lost audit row must never stall the poller.
func (s *StateDB) RecordTransition(sessionName, from, to string, at time.Time) {
	_, err := s.db.Exec(
		"INSERT INTO transitions (session_name, from_state, to_state, at) VALUES (?, ?, ?, ?)",
		sessionName, from, to, at.Unix(),
	)
	if err != nil {
		eventLog.Warn("transition_record_failed",
			slog.String("session", sessionName),
			slog.String("error", err.Error()))
	}
}

// RecordDelivery stores one notification delivery result.
func (s *StateDB) RecordDelivery(sessionName, channel, notifType string, ok bool, errText string, at time.Time) error {
	okInt := 0
	if ok {
		okInt = 1
	}
	_, err := s.db.Exec(
		"INSERT INTO deliveries (session_name, channel, type, ok, error, at) VALUES (?, ?, ?, ?, ?, ?)",
		sessionName, channel, notifType, okInt, errText, at.Unix(),
	)
	return err
}

// RecentTransitions returns the newest transitions, newest first.
func (s *StateDB) RecentTransitions(limit int) ([]Transition, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, session_name, from_state, to_state, at
		FROM transitions ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Transition
	for rows.Next() {
		var t Transition
		var at int64
		if err := rows.Scan(&t.ID, &t.SessionName, &t.FromState, &t.ToState, &at); err != nil {
			return nil, err
		}
		t.At = time.Unix(at, 0)
		result = append(result, t)
	}
	return result, rows.Err()
}

// SessionTransitions returns all transitions for one session, oldest first.
func (s *StateDB) SessionTransitions(sessionName string) ([]Transition, error) {
	rows, err := s.db.Query(`
		SELECT id, session_name, from_state, to_state, at
		FROM transitions WHERE session_name = ? ORDER BY id
	`, sessionName)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Transition
	for rows.Next() {
		var t Transition
		var at int64
		if err := rows.Scan(&t.ID, &t.SessionName, &t.FromState, &t.ToState, &at); err != nil {
			return nil, err
		}
		t.At = time.Unix(at, 0)
		result = append(result, t)
	}
	return result, rows.Err()
}

// RecentDeliveries returns the newest delivery records, newest first.
func (s *StateDB) RecentDeliveries(limit int) ([]Delivery, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, session_name, channel, type, ok, error, at
		FROM deliveries ORDER BY id DESC LIMIT ?
	`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var result []Delivery
	for rows.Next() {
		var d Delivery
		var ok int
		var at int64
		if err := rows.Scan(&d.ID, &d.SessionName, &d.Channel, &d.Type, &ok, &d.Error, &at); err != nil {
			return nil, err
		}
		d.OK = ok != 0
		d.At = time.Unix(at, 0)
		result = append(result, d)
	}
	return result, rows.Err()
}

// PruneBefore removes transitions and deliveries older than cutoff.
func (s *StateDB) PruneBefore(cutoff time.Time) error {
	if _, err := s.db.Exec("DELETE FROM transitions WHERE at < ?", cutoff.Unix()); err != nil {
		return err
	}
	_, err := s.db.Exec("DELETE FROM deliveries WHERE at < ?", cutoff.Unix())
	return err
}

// SetMeta sets a key-value pair in the metadata table.
func (s *StateDB) SetMeta(key, value string) error {
	_, err := s.db.Exec(
		"INSERT OR REPLACE INTO metadata (key, value) VALUES (?, ?)",
		key, value,
	)
	return err
}

// GetMeta gets a value from the metadata table. Returns "" if not found.
func (s *StateDB) GetMeta(key string) (string, error) {
	var value string
	err := s.db.QueryRow("SELECT value FROM metadata WHERE key = ?", key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return value, err
}
