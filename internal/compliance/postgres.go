package compliance

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
)

// Querier is the subset of pgx used by the store.
type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
}

// PostgresStore appends to compliance_events. The table rejects UPDATE and
// DELETE with a trigger, so the store only ever inserts.
type PostgresStore struct {
	db Querier
}

func NewPostgresStore(db Querier) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Append(ctx context.Context, e Event) (Event, error) {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return Event{}, fmt.Errorf("encode details: %w", err)
	}
	err = s.db.QueryRow(ctx, `
		INSERT INTO compliance_events (occurred_at, event_type, risk_level, actor, details)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id
	`, e.OccurredAt, e.Type, string(e.Risk), e.Actor, details).Scan(&e.ID)
	if err != nil {
		return Event{}, fmt.Errorf("insert compliance event: %w", err)
	}
	return e, nil
}

func (s *PostgresStore) CountSince(ctx context.Context, since time.Time) ([]Count, error) {
	rows, err := s.db.Query(ctx, `
		SELECT event_type, risk_level, COUNT(*)
		FROM compliance_events
		WHERE occurred_at >= $1
		GROUP BY event_type, risk_level
		ORDER BY event_type
	`, since)
	if err != nil {
		return nil, fmt.Errorf("count compliance events: %w", err)
	}
	defer rows.Close()

	var out []Count
	for rows.Next() {
		var (
			c    Count
			risk string
		)
		if err := rows.Scan(&c.Type, &risk, &c.Count); err != nil {
			return nil, err
		}
		c.Risk = RiskLevel(risk)
		out = append(out, c)
	}
	return out, rows.Err()
}

func (s *PostgresStore) ListSince(ctx context.Context, since time.Time, risk RiskLevel, limit int) ([]Event, error) {
	rows, err := s.db.Query(ctx, `
		SELECT id, occurred_at, event_type, risk_level, actor, details
		FROM compliance_events
		WHERE occurred_at >= $1 AND risk_level = $2
		ORDER BY occurred_at DESC, id DESC
		LIMIT $3
	`, since, string(risk), limit)
	if err != nil {
		return nil, fmt.Errorf("list compliance events: %w", err)
	}
	defer rows.Close()

	out := []Event{}
	for rows.Next() {
		var (
			e       Event
			level   string
			details []byte
		)
		if err := rows.Scan(&e.ID, &e.OccurredAt, &e.Type, &level, &e.Actor, &details); err != nil {
			return nil, err
		}
		e.Risk = RiskLevel(level)
		if len(details) > 0 {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, fmt.Errorf("decode details: %w", err)
			}
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
