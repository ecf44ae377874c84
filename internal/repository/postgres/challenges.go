package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/jackc/pgx/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

const challengeCols = `id, slug, title, description, category, difficulty, creator_id, entry_fee, capacity, status, starts_at, ends_at, created_at, closed_at`

// InsertChallenge stores a challenge and its milestones.
func (q *queries) InsertChallenge(ctx context.Context, c *model.Challenge) error {
	const ins = `
INSERT INTO challenges (` + challengeCols + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	const insMs = `INSERT INTO milestones (challenge_id, id, threshold, reward, description) VALUES ($1,$2,$3,$4,$5)`

	_, err := q.tx.Exec(ctx, ins,
		c.ID, c.Slug, c.Title, c.Description, c.Category, c.Difficulty, c.CreatorID,
		c.EntryFee, c.Capacity, string(c.Status), c.StartsAt, c.EndsAt, c.CreatedAt, nullTime(c.ClosedAt))
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("challenge %s: %w", c.ID, errs.ErrAlreadyExists)
		}
		return err
	}
	for _, m := range c.Milestones {
		if _, err = q.tx.Exec(ctx, insMs, c.ID, m.ID, m.Threshold, m.Reward, m.Description); err != nil {
			return fmt.Errorf("milestone %d: %w", m.ID, err)
		}
	}
	return nil
}

func scanChallenge(row pgx.Row, c *model.Challenge, extra ...any) error {
	var status string
	dest := []any{
		&c.ID, &c.Slug, &c.Title, &c.Description, &c.Category, &c.Difficulty, &c.CreatorID,
		&c.EntryFee, &c.Capacity, &status, &c.StartsAt, &c.EndsAt, &c.CreatedAt, &c.ClosedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return err
	}
	c.Status = model.ChallengeStatus(status)
	return nil
}

// GetChallenge loads a challenge with milestones under the requested lock.
func (q *queries) GetChallenge(ctx context.Context, id uuid.UUID, lock repository.LockMode) (*model.Challenge, error) {
	sql := `SELECT ` + challengeCols + ` FROM challenges WHERE id=$1` + lockClause(lock)
	var c model.Challenge
	if err := scanChallenge(q.tx.QueryRow(ctx, sql, id), &c); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("challenge %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	ms, err := q.milestones(ctx, []uuid.UUID{id})
	if err != nil {
		return nil, err
	}
	c.Milestones = ms[id]
	return &c, nil
}

func (q *queries) milestones(ctx context.Context, ids []uuid.UUID) (map[uuid.UUID][]model.Milestone, error) {
	const sql = `
SELECT challenge_id, id, threshold, reward, description
FROM milestones
WHERE challenge_id = ANY($1)
ORDER BY challenge_id, id`
	rows, err := q.tx.Query(ctx, sql, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[uuid.UUID][]model.Milestone, len(ids))
	for rows.Next() {
		var (
			cid uuid.UUID
			m   model.Milestone
		)
		if err = rows.Scan(&cid, &m.ID, &m.Threshold, &m.Reward, &m.Description); err != nil {
			return nil, err
		}
		out[cid] = append(out[cid], m)
	}
	return out, rows.Err()
}

// UpdateChallengeStatus writes status and closed_at.
func (q *queries) UpdateChallengeStatus(ctx context.Context, c *model.Challenge) error {
	const sql = `UPDATE challenges SET status=$2, closed_at=$3 WHERE id=$1`
	tag, err := q.tx.Exec(ctx, sql, c.ID, string(c.Status), nullTime(c.ClosedAt))
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("challenge %s: %w", c.ID, errs.ErrNotFound)
	}
	return nil
}

// ListChallenges returns challenges with participant counts, soonest start first.
func (q *queries) ListChallenges(ctx context.Context, f model.ChallengeFilter) ([]model.Challenge, error) {
	const sql = `
SELECT ` + challengeCols + `,
  (SELECT count(*) FROM participations p WHERE p.challenge_id = challenges.id)
FROM challenges
WHERE ($1 = '' OR status = $1)
  AND ($2 = '' OR category = $2)
  AND ($3 = '' OR strpos(lower(title), lower($3)) > 0)
ORDER BY starts_at, id`
	rows, err := q.tx.Query(ctx, sql, string(f.Status), f.Category, f.Search)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var (
		out []model.Challenge
		ids []uuid.UUID
	)
	for rows.Next() {
		var c model.Challenge
		if err = scanChallenge(rows, &c, &c.Participants); err != nil {
			return nil, err
		}
		out = append(out, c)
		ids = append(ids, c.ID)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	ms, err := q.milestones(ctx, ids)
	if err != nil {
		return nil, err
	}
	for i := range out {
		out[i].Milestones = ms[out[i].ID]
	}
	return out, nil
}

// ListDueChallenges returns active challenges whose end has passed.
func (q *queries) ListDueChallenges(ctx context.Context, now time.Time) ([]uuid.UUID, error) {
	const sql = `SELECT id FROM challenges WHERE status='active' AND ends_at <= $1 ORDER BY ends_at, id`
	rows, err := q.tx.Query(ctx, sql, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}
