package store

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/austindbirch/tonerelay/internal/delivery"
)

//go:embed sqlite_schema.sql
var sqliteSchema string

// sqliteSchemaVersion is bumped whenever sqlite_schema.sql changes shape.
const sqliteSchemaVersion = 1

var ErrSchemaMismatch = errors.New("schema version mismatch")

// SQLite is the default single-node backend.
type SQLite struct {
	db   *sql.DB
	path string
}

func OpenSQLite(ctx context.Context, path string) (*SQLite, error) {
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create state dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}
	// pragmas are per connection
	db.SetMaxOpenConns(1)

	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout = 5000",
	}
	for _, pragma := range pragmas {
		if _, execErr := db.ExecContext(ctx, pragma); execErr != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply pragma %q: %w", pragma, execErr)
		}
	}

	s := &SQLite{db: db, path: path}
	if err := s.initSchema(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLite) Path() string { return s.path }

func (s *SQLite) initSchema(ctx context.Context) error {
	var tableExists int
	err := s.db.QueryRowContext(ctx,
		"SELECT COUNT(1) FROM sqlite_master WHERE type='table' AND name='schema_version'",
	).Scan(&tableExists)
	if err != nil {
		return fmt.Errorf("check schema_version table: %w", err)
	}
	if tableExists == 0 {
		return s.createSchema(ctx)
	}

	var version int
	if err := s.db.QueryRowContext(ctx, "SELECT version FROM schema_version LIMIT 1").Scan(&version); err != nil {
		return fmt.Errorf("read schema version: %w", err)
	}
	if version != sqliteSchemaVersion {
		return fmt.Errorf("%w: database has version %d, expected %d", ErrSchemaMismatch, version, sqliteSchemaVersion)
	}
	return nil
}

func (s *SQLite) createSchema(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx, sqliteSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}
	if _, err := tx.ExecContext(ctx, "INSERT INTO schema_version (version) VALUES (?)", sqliteSchemaVersion); err != nil {
		return fmt.Errorf("record schema version: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema: %w", err)
	}
	return nil
}

func (s *SQLite) Save(ctx context.Context, t delivery.Task) error {
	rec, err := toRecord(t)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO delivery_tasks (
    id, channel, destination, payload_json, attempt, max_attempts,
    next_eligible_at, state, last_error, failure_reason, escalation,
    created_at, last_attempt_at, updated_at, finished_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
ON CONFLICT(id) DO UPDATE SET
    channel = excluded.channel,
    destination = excluded.destination,
    payload_json = excluded.payload_json,
    attempt = excluded.attempt,
    max_attempts = excluded.max_attempts,
    next_eligible_at = excluded.next_eligible_at,
    state = excluded.state,
    last_error = excluded.last_error,
    failure_reason = excluded.failure_reason,
    escalation = excluded.escalation,
    created_at = excluded.created_at,
    last_attempt_at = excluded.last_attempt_at,
    updated_at = excluded.updated_at,
    finished_at = excluded.finished_at`,
		rec.ID,
		rec.Channel,
		rec.Destination,
		string(rec.PayloadJSON),
		rec.Attempt,
		rec.MaxAttempts,
		formatTime(rec.NextEligibleAt),
		rec.State,
		nullableString(rec.LastError),
		nullableString(rec.FailureReason),
		boolToInt(rec.Escalation),
		formatTime(rec.CreatedAt),
		nullableTime(rec.LastAttemptAt),
		formatTime(rec.UpdatedAt),
		nullableTime(rec.FinishedAt),
	)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (s *SQLite) LoadAll(ctx context.Context) ([]delivery.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT id, channel, destination, payload_json, attempt, max_attempts,
       next_eligible_at, state, last_error, failure_reason, escalation,
       created_at, last_attempt_at, updated_at, finished_at
FROM delivery_tasks
ORDER BY created_at, id`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	defer rows.Close()

	var tasks []delivery.Task
	for rows.Next() {
		var (
			rec                                    record
			payload                                string
			nextEligible, created, updated         string
			lastErr, reason, lastAttempt, finished sql.NullString
			escalation                             int
		)
		if err := rows.Scan(
			&rec.ID, &rec.Channel, &rec.Destination, &payload, &rec.Attempt, &rec.MaxAttempts,
			&nextEligible, &rec.State, &lastErr, &reason, &escalation,
			&created, &lastAttempt, &updated, &finished,
		); err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		rec.PayloadJSON = []byte(payload)
		rec.LastError = lastErr.String
		rec.FailureReason = reason.String
		rec.Escalation = escalation != 0
		if rec.NextEligibleAt, err = parseTime(nextEligible); err != nil {
			return nil, fmt.Errorf("task %s next_eligible_at: %w", rec.ID, err)
		}
		if rec.CreatedAt, err = parseTime(created); err != nil {
			return nil, fmt.Errorf("task %s created_at: %w", rec.ID, err)
		}
		if rec.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("task %s updated_at: %w", rec.ID, err)
		}
		if rec.LastAttemptAt, err = parseNullTime(lastAttempt); err != nil {
			return nil, fmt.Errorf("task %s last_attempt_at: %w", rec.ID, err)
		}
		if rec.FinishedAt, err = parseNullTime(finished); err != nil {
			return nil, fmt.Errorf("task %s finished_at: %w", rec.ID, err)
		}
		t, err := rec.task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return tasks, nil
}

func (s *SQLite) Delete(ctx context.Context, id string) error {
	if _, err := s.db.ExecContext(ctx, "DELETE FROM delivery_tasks WHERE id = ?", id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (s *SQLite) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *SQLite) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func formatTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(time.RFC3339Nano, s)
}

func parseNullTime(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatTime(*t)
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
