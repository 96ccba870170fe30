// Package sequence numbers the events published for each order so consumers
// can detect gaps and reordering.
package sequence

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/jackjacevo/household-planet-kenya/payment-service-go/internal/apperr"
)

type Querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// Counter keeps one monotonically increasing position per stream in
// event_streams. Positions start at 1.
type Counter struct {
	q Querier
}

func NewCounter(q Querier) *Counter {
	return &Counter{q: q}
}

const nextPositionSQL = `
	INSERT INTO event_streams AS s (stream_key, position)
	VALUES ($1, 1)
	ON CONFLICT (stream_key) DO UPDATE
	   SET position = s.position + 1,
	       updated_at = now()
	RETURNING s.position`

// Next reserves the next position of stream. Two callers never receive the
// same value for one stream; a rolled back caller leaves a gap.
func (c *Counter) Next(ctx context.Context, stream string) (int64, error) {
	if stream == "" {
		return 0, apperr.Validation("stream key is required")
	}
	var pos int64
	if err := c.q.QueryRow(ctx, nextPositionSQL, stream).Scan(&pos); err != nil {
		return 0, fmt.Errorf("advance stream %s: %w", stream, err)
	}
	return pos, nil
}
