// Package jobs is a Postgres-backed queue of delayed work. Jobs survive
// restarts and run at least once, so handlers must be idempotent.
package jobs

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type Job struct {
	ID        int64
	Kind      string
	Key       string
	Payload   json.RawMessage
	DueAt     time.Time
	Attempts  int
	LastError *string
}

type Queue interface {
	Enqueue(ctx context.Context, kind, key string, payload any, dueAt time.Time) error
	Claim(ctx context.Context, limit int, lease time.Duration) ([]Job, error)
	Complete(ctx context.Context, id int64) error
	Reschedule(ctx context.Context, id int64, dueAt time.Time, lastErr string) error
	Abandon(ctx context.Context, id int64, lastErr string) error
}

type DB interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

type PostgresQueue struct {
	db  DB
	now func() time.Time
}

func NewPostgresQueue(db DB) *PostgresQueue {
	return &PostgresQueue{db: db, now: time.Now}
}

// Enqueue adds a job unless one with the same kind and key is still open.
func (q *PostgresQueue) Enqueue(ctx context.Context, kind, key string, payload any, dueAt time.Time) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode job payload: %w", err)
	}
	_, err = q.db.Exec(ctx, `
		INSERT INTO payment_jobs (kind, job_key, payload, due_at)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (kind, job_key) WHERE completed_at IS NULL DO NOTHING
	`, kind, key, body, dueAt.UTC())
	if err != nil {
		return fmt.Errorf("enqueue %s job: %w", kind, err)
	}
	return nil
}

// Claim leases up to limit due jobs. A leased job is invisible to other
// workers until the lease runs out, which is how a crashed worker's jobs are
// picked up again.
func (q *PostgresQueue) Claim(ctx context.Context, limit int, lease time.Duration) ([]Job, error) {
	now := q.now().UTC()
	rows, err := q.db.Query(ctx, `
		WITH due AS (
			SELECT id FROM payment_jobs
			WHERE completed_at IS NULL
			  AND due_at <= $1
			  AND (locked_until IS NULL OR locked_until < $1)
			ORDER BY due_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE payment_jobs j
		SET locked_until = $3, attempts = j.attempts + 1
		FROM due
		WHERE j.id = due.id
		RETURNING j.id, j.kind, j.job_key, j.payload, j.due_at, j.attempts, j.last_error
	`, now, limit, now.Add(lease))
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var out []Job
	for rows.Next() {
		var j Job
		if err := rows.Scan(&j.ID, &j.Kind, &j.Key, &j.Payload, &j.DueAt, &j.Attempts, &j.LastError); err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		out = append(out, j)
	}
	return out, rows.Err()
}

func (q *PostgresQueue) Complete(ctx context.Context, id int64) error {
	_, err := q.db.Exec(ctx, `
		UPDATE payment_jobs SET completed_at = now(), locked_until = NULL WHERE id = $1
	`, id)
	if err != nil {
		return fmt.Errorf("complete job %d: %w", id, err)
	}
	return nil
}

func (q *PostgresQueue) Reschedule(ctx context.Context, id int64, dueAt time.Time, lastErr string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE payment_jobs SET due_at = $2, locked_until = NULL, last_error = $3 WHERE id = $1
	`, id, dueAt.UTC(), lastErr)
	if err != nil {
		return fmt.Errorf("reschedule job %d: %w", id, err)
	}
	return nil
}

// Abandon closes a job that will never succeed, keeping its last error.
func (q *PostgresQueue) Abandon(ctx context.Context, id int64, lastErr string) error {
	_, err := q.db.Exec(ctx, `
		UPDATE payment_jobs SET completed_at = now(), locked_until = NULL, last_error = $2 WHERE id = $1
	`, id, lastErr)
	if err != nil {
		return fmt.Errorf("abandon job %d: %w", id, err)
	}
	return nil
}
