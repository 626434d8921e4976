package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	_ "modernc.org/sqlite"

	"github.com/moshouhot/CodePilot/internal/history"
)

// Sink writes history events to SQLite database.
type Sink struct {
	db    *sql.DB
	table string
}

// New creates a new SQLite history sink.
// DSN format:
//   - "sqlite:///path/to/file.db"
//   - "sqlite://:memory:"
//   - "/path/to/file.db" (without prefix)
//   - ":memory:" (in-memory database)
func New(dsn, table string) (*Sink, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, errors.New("empty SQLite DSN")
	}
	if table == "" {
		table = history.DefaultTable
	}
	if err := history.ValidateTable(table); err != nil {
		return nil, err
	}

	// Handle sqlite:// prefix
	if strings.HasPrefix(strings.ToLower(dsn), "sqlite://") {
		dsn = dsn[len("sqlite://"):]
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	// A single connection keeps ":memory:" databases intact across statements.
	db.SetMaxOpenConns(1)

	sink := &Sink{db: db, table: table}
	if err := sink.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}

	return sink, nil
}

func (s *Sink) ensureSchema(ctx context.Context) error {
	stmt := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s(
		timestamp TIMESTAMP NOT NULL DEFAULT (CURRENT_TIMESTAMP),
		event TEXT NOT NULL,
		name TEXT NOT NULL,
		run_id TEXT NOT NULL,
		pid INTEGER NOT NULL,
		port INTEGER NOT NULL,
		exit_code INTEGER,
		detail TEXT,
		duration_ms INTEGER NOT NULL DEFAULT 0
	);`, s.table)
	_, err := s.db.ExecContext(ctx, stmt)
	return err
}

func (s *Sink) Send(ctx context.Context, e history.Event) error {
	var exitCode any
	if e.ExitCode != nil {
		exitCode = *e.ExitCode
	}
	_, err := s.db.ExecContext(ctx, fmt.Sprintf(`
		INSERT INTO %s(timestamp, event, name, run_id, pid, port, exit_code, detail, duration_ms)
		VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?);`, s.table),
		e.OccurredAt.UTC(), string(e.Type), e.Name, e.RunID, e.PID, e.Port, exitCode, e.Detail, e.DurationMS)
	return err
}

// Count returns how many events of type t are stored for name.
func (s *Sink) Count(ctx context.Context, name string, t history.EventType) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx,
		fmt.Sprintf(`SELECT COUNT(*) FROM %s WHERE name = ? AND event = ?`, s.table), name, string(t)).Scan(&n)
	return n, err
}

func (s *Sink) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}
