// Package auditlog records command lifecycle events to an append-only
// SQLite table for operational visibility. It is write-only from the
// core's perspective: operator tooling can read it (Count), while
// get_metrics and checkReplay never do — deleting the audit database changes nothing
// about replay/idempotency behavior.
//
// Grounded on the teacher's internal/store.Store: same open/migrate
// shape (WAL mode, embed.FS migrations, a schema_migrations ledger
// table), reduced to the one append-only table this component needs.
package auditlog

import (
	"database/sql"
	"embed"
	"fmt"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// Phase identifies where in a command's lifecycle an event was recorded.
type Phase string

const (
	PhaseAccepted Phase = "accepted"
	PhaseStarted  Phase = "started"
	PhaseFinished Phase = "finished"
)

// Event is one row to append.
type Event struct {
	CommandID   string
	CommandType string
	SessionID   string
	Phase       Phase
	Success     bool
	Error       string
}

// Log wraps a SQLite connection holding the audit_events table.
type Log struct {
	db *sql.DB
}

// Open opens (creating if necessary) the audit database at dsn and runs
// any pending migrations.
func Open(dsn string) (*Log, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit db: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	l := &Log{db: db}
	if err := l.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	return l, nil
}

func (l *Log) Close() error { return l.db.Close() }

func (l *Log) migrate() error {
	if _, err := l.db.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (
		version TEXT PRIMARY KEY,
		applied_at DATETIME DEFAULT CURRENT_TIMESTAMP
	)`); err != nil {
		return fmt.Errorf("create migrations table: %w", err)
	}

	entries, err := migrationsFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".sql") {
			files = append(files, e.Name())
		}
	}
	sort.Strings(files)

	for _, f := range files {
		var applied int
		if err := l.db.QueryRow("SELECT COUNT(*) FROM schema_migrations WHERE version = ?", f).Scan(&applied); err != nil {
			return fmt.Errorf("check migration %s: %w", f, err)
		}
		if applied > 0 {
			continue
		}
		content, err := migrationsFS.ReadFile("migrations/" + f)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", f, err)
		}
		tx, err := l.db.Begin()
		if err != nil {
			return fmt.Errorf("begin tx for %s: %w", f, err)
		}
		if _, err := tx.Exec(string(content)); err != nil {
			tx.Rollback()
			return fmt.Errorf("exec migration %s: %w", f, err)
		}
		if _, err := tx.Exec("INSERT INTO schema_migrations (version) VALUES (?)", f); err != nil {
			tx.Rollback()
			return fmt.Errorf("record migration %s: %w", f, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("commit migration %s: %w", f, err)
		}
	}
	return nil
}

// Record appends an event. Failures are the caller's concern to log;
// Record itself never blocks command execution on audit-write errors.
func (l *Log) Record(ev Event) error {
	_, err := l.db.Exec(
		`INSERT INTO audit_events (command_id, command_type, session_id, phase, success, error)
		 VALUES (?, ?, ?, ?, ?, ?)`,
		ev.CommandID, ev.CommandType, ev.SessionID, string(ev.Phase), ev.Success, nullableString(ev.Error),
	)
	return err
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// StoredEvent is a row read back from the audit log.
type StoredEvent struct {
	ID          int64
	CommandID   string
	CommandType string
	SessionID   string
	Phase       Phase
	Success     bool
	Error       string
	CreatedAt   time.Time
}

// Recent returns the most recent n events, newest first.
func (l *Log) Recent(n int) ([]StoredEvent, error) {
	rows, err := l.db.Query(
		`SELECT id, command_id, command_type, session_id, phase, success, error, created_at
		 FROM audit_events ORDER BY id DESC LIMIT ?`, n)
	if err != nil {
		return nil, fmt.Errorf("query recent events: %w", err)
	}
	defer rows.Close()

	var out []StoredEvent
	for rows.Next() {
		var e StoredEvent
		var sessionID, errMsg sql.NullString
		if err := rows.Scan(&e.ID, &e.CommandID, &e.CommandType, &sessionID, &e.Phase, &e.Success, &errMsg, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan event: %w", err)
		}
		e.SessionID = sessionID.String
		e.Error = errMsg.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// Count returns the total number of recorded events.
func (l *Log) Count() (int64, error) {
	var n int64
	err := l.db.QueryRow("SELECT COUNT(*) FROM audit_events").Scan(&n)
	return n, err
}
