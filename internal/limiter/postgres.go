package limiter

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
)

// PG is a PostgreSQL-backed fixed window limiter over the rate_limits table.
type PG struct {
	pool   pgxQuerier
	window time.Duration
	max    int
	now    func() time.Time
}

type pgxQuerier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// NewPGWithQuerier constructs a PostgreSQL-backed limiter allowing max hits per
// window. q is usually a *pgxpool.Pool.
func NewPGWithQuerier(q pgxQuerier, window time.Duration, max int) *PG {
	return &PG{pool: q, window: window, max: max, now: time.Now}
}

// Allow increments the hit counter for (accountID, op), starting a new window
// when the stored one has expired.
func (l *PG) Allow(ctx context.Context, accountID, op string) (bool, time.Duration, error) {
	const q = `
INSERT INTO rate_limits (account_id, operation, window_start, hits)
VALUES ($1, $2, $3::timestamptz, 1)
ON CONFLICT (account_id, operation) DO UPDATE
SET
  hits = CASE WHEN rate_limits.window_start <= $3::timestamptz - $4::interval THEN 1 ELSE rate_limits.hits + 1 END,
  window_start = CASE WHEN rate_limits.window_start <= $3::timestamptz - $4::interval THEN $3::timestamptz ELSE rate_limits.window_start END
RETURNING window_start, hits`

	now := l.now()
	var (
		start time.Time
		hits  int
	)
	if err := l.pool.QueryRow(ctx, q, accountID, op, now, l.window).Scan(&start, &hits); err != nil {
		return false, 0, err
	}
	if hits <= l.max {
		return true, 0, nil
	}
	retry := start.Add(l.window).Sub(now)
	if retry < 0 {
		retry = 0
	}
	return false, retry, nil
}
