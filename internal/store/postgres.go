package store

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/austindbirch/tonerelay/internal/db"
	"github.com/austindbirch/tonerelay/internal/delivery"
)

//go:embed postgres_schema.sql
var postgresSchema string

// advisoryLockKey guards the task table: Recover treats every inflight row
// as abandoned, so only one daemon may own the table at a time.
const advisoryLockKey int64 = 0x746f6e6572 // "toner"

// ErrLocked means another daemon already owns the task table.
var ErrLocked = errors.New("task store is owned by another daemon")

// Postgres keeps the task table on a database server. A session advisory
// lock, held on a dedicated connection until Close, makes the opener its
// only writer.
type Postgres struct {
	pool *pgxpool.Pool
	lock *pgxpool.Conn
}

func OpenPostgres(ctx context.Context, dsn string) (*Postgres, error) {
	pool, err := db.Connect(ctx, dsn, db.Options{})
	if err != nil {
		return nil, err
	}
	if err := db.EnsureSchema(ctx, pool, postgresSchema); err != nil {
		pool.Close()
		return nil, err
	}

	conn, err := pool.Acquire(ctx)
	if err != nil {
		pool.Close()
		return nil, fmt.Errorf("acquire lock connection: %w", err)
	}
	var ok bool
	if err := conn.QueryRow(ctx, `SELECT pg_try_advisory_lock($1)`, advisoryLockKey).Scan(&ok); err != nil {
		conn.Release()
		pool.Close()
		return nil, fmt.Errorf("advisory lock: %w", err)
	}
	if !ok {
		conn.Release()
		pool.Close()
		return nil, ErrLocked
	}
	return &Postgres{pool: pool, lock: conn}, nil
}

func (p *Postgres) Save(ctx context.Context, t delivery.Task) error {
	rec, err := toRecord(t)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx, `
		INSERT INTO tonerelay.delivery_tasks (
			id, channel, destination, payload, attempt, max_attempts,
			next_eligible_at, state, last_error, failure_reason, escalation,
			created_at, last_attempt_at, updated_at, finished_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NULLIF($9, ''), NULLIF($10, ''), $11, $12, $13, $14, $15)
		ON CONFLICT (id) DO UPDATE SET
			channel = EXCLUDED.channel,
			destination = EXCLUDED.destination,
			payload = EXCLUDED.payload,
			attempt = EXCLUDED.attempt,
			max_attempts = EXCLUDED.max_attempts,
			next_eligible_at = EXCLUDED.next_eligible_at,
			state = EXCLUDED.state,
			last_error = EXCLUDED.last_error,
			failure_reason = EXCLUDED.failure_reason,
			escalation = EXCLUDED.escalation,
			created_at = EXCLUDED.created_at,
			last_attempt_at = EXCLUDED.last_attempt_at,
			updated_at = EXCLUDED.updated_at,
			finished_at = EXCLUDED.finished_at
	`, rec.ID, rec.Channel, rec.Destination, rec.PayloadJSON, rec.Attempt, rec.MaxAttempts,
		rec.NextEligibleAt, rec.State, rec.LastError, rec.FailureReason, rec.Escalation,
		rec.CreatedAt, rec.LastAttemptAt, rec.UpdatedAt, rec.FinishedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", t.ID, err)
	}
	return nil
}

func (p *Postgres) LoadAll(ctx context.Context) ([]delivery.Task, error) {
	rows, err := p.pool.Query(ctx, `
		SELECT id, channel, destination, payload, attempt, max_attempts,
		       next_eligible_at, state, COALESCE(last_error, ''), COALESCE(failure_reason, ''), escalation,
		       created_at, last_attempt_at, updated_at, finished_at
		FROM tonerelay.delivery_tasks
		ORDER BY created_at, id
	`)
	if err != nil {
		return nil, fmt.Errorf("load tasks: %w", err)
	}
	recs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (record, error) {
		var rec record
		err := row.Scan(&rec.ID, &rec.Channel, &rec.Destination, &rec.PayloadJSON, &rec.Attempt, &rec.MaxAttempts,
			&rec.NextEligibleAt, &rec.State, &rec.LastError, &rec.FailureReason, &rec.Escalation,
			&rec.CreatedAt, &rec.LastAttemptAt, &rec.UpdatedAt, &rec.FinishedAt)
		return rec, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan tasks: %w", err)
	}

	tasks := make([]delivery.Task, 0, len(recs))
	for _, rec := range recs {
		t, err := rec.task()
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, nil
}

func (p *Postgres) Delete(ctx context.Context, id string) error {
	if _, err := p.pool.Exec(ctx, `DELETE FROM tonerelay.delivery_tasks WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete task %s: %w", id, err)
	}
	return nil
}

func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() error {
	if p.lock != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		_, err := p.lock.Exec(ctx, `SELECT pg_advisory_unlock($1)`, advisoryLockKey)
		cancel()
		p.lock.Release()
		p.lock = nil
		if err != nil {
			p.pool.Close()
			return fmt.Errorf("advisory unlock: %w", err)
		}
	}
	p.pool.Close()
	return nil
}
