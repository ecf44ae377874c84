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
)

const participationCols = `challenge_id, account_id, progress, entry_fee_paid, joined_at, updated_at`

func scanParticipation(row pgx.Row, p *model.Participation) error {
	return row.Scan(&p.ChallengeID, &p.AccountID, &p.Progress, &p.EntryFeePaid, &p.JoinedAt, &p.UpdatedAt)
}

// GetParticipation loads one participation with its rewarded milestone set.
func (q *queries) GetParticipation(
	ctx context.Context, challengeID uuid.UUID, accountID string, lock bool,
) (*model.Participation, error) {
	sql := `SELECT ` + participationCols + ` FROM participations WHERE challenge_id=$1 AND account_id=$2` + forUpdate(lock)
	var p model.Participation
	if err := scanParticipation(q.tx.QueryRow(ctx, sql, challengeID, accountID), &p); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("participation %s/%s: %w", challengeID, accountID, errs.ErrNotFound)
		}
		return nil, err
	}

	const rw = `
SELECT milestone_id FROM rewarded_milestones
WHERE challenge_id=$1 AND account_id=$2
ORDER BY milestone_id`
	rows, err := q.tx.Query(ctx, rw, challengeID, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var id int
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		p.Rewarded = append(p.Rewarded, id)
	}
	return &p, rows.Err()
}

// InsertParticipation creates a participation; an existing pair yields ErrAlreadyExists.
func (q *queries) InsertParticipation(ctx context.Context, p *model.Participation) error {
	const sql = `
INSERT INTO participations (` + participationCols + `)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (challenge_id, account_id) DO NOTHING`
	tag, err := q.tx.Exec(ctx, sql, p.ChallengeID, p.AccountID, p.Progress, p.EntryFeePaid, p.JoinedAt, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participation %s/%s: %w", p.ChallengeID, p.AccountID, errs.ErrAlreadyExists)
	}
	return nil
}

// UpdateProgress writes progress and updated_at.
func (q *queries) UpdateProgress(ctx context.Context, p *model.Participation) error {
	const sql = `UPDATE participations SET progress=$3, updated_at=$4 WHERE challenge_id=$1 AND account_id=$2`
	tag, err := q.tx.Exec(ctx, sql, p.ChallengeID, p.AccountID, p.Progress, p.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("participation %s/%s: %w", p.ChallengeID, p.AccountID, errs.ErrNotFound)
	}
	return nil
}

// CountParticipants returns the number of participations for a challenge.
func (q *queries) CountParticipants(ctx context.Context, challengeID uuid.UUID) (int64, error) {
	const sql = `SELECT count(*) FROM participations WHERE challenge_id=$1`
	var n int64
	if err := q.tx.QueryRow(ctx, sql, challengeID).Scan(&n); err != nil {
		return 0, err
	}
	return n, nil
}

// ListParticipations returns every participation of a challenge in join order.
func (q *queries) ListParticipations(ctx context.Context, challengeID uuid.UUID, lock bool) ([]model.Participation, error) {
	sql := `SELECT ` + participationCols + ` FROM participations WHERE challenge_id=$1 ORDER BY joined_at, account_id` + forUpdate(lock)
	rows, err := q.tx.Query(ctx, sql, challengeID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participation
	idx := map[string]int{}
	for rows.Next() {
		var p model.Participation
		if err = scanParticipation(rows, &p); err != nil {
			return nil, err
		}
		idx[p.AccountID] = len(out)
		out = append(out, p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	const rw = `
SELECT account_id, milestone_id FROM rewarded_milestones
WHERE challenge_id=$1
ORDER BY account_id, milestone_id`
	rrows, err := q.tx.Query(ctx, rw, challengeID)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var (
			acct string
			id   int
		)
		if err = rrows.Scan(&acct, &id); err != nil {
			return nil, err
		}
		if i, ok := idx[acct]; ok {
			out[i].Rewarded = append(out[i].Rewarded, id)
		}
	}
	return out, rrows.Err()
}

// MarkRewarded inserts the rewarded marker for (challenge, account, milestone).
func (q *queries) MarkRewarded(
	ctx context.Context, challengeID uuid.UUID, accountID string, milestoneID int, amount int64,
) error {
	const sql = `
INSERT INTO rewarded_milestones (challenge_id, account_id, milestone_id, amount)
VALUES ($1,$2,$3,$4)
ON CONFLICT (challenge_id, account_id, milestone_id) DO NOTHING`
	tag, err := q.tx.Exec(ctx, sql, challengeID, accountID, milestoneID, amount)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("milestone %d for %s: %w", milestoneID, accountID, errs.ErrAlreadyExists)
	}
	return nil
}

// Leaderboard ranks participants by progress, earliest joiner first on ties.
func (q *queries) Leaderboard(ctx context.Context, challengeID uuid.UUID, limit int) ([]model.LeaderboardRow, error) {
	const sql = `
SELECT p.account_id, p.progress, COALESCE(SUM(r.amount), 0)::BIGINT AS earned, p.joined_at
FROM participations p
LEFT JOIN rewarded_milestones r ON r.challenge_id = p.challenge_id AND r.account_id = p.account_id
WHERE p.challenge_id=$1
GROUP BY p.account_id, p.progress, p.joined_at
ORDER BY p.progress DESC, p.joined_at ASC, p.account_id ASC
LIMIT $2`
	rows, err := q.tx.Query(ctx, sql, challengeID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LeaderboardRow
	for rows.Next() {
		r := model.LeaderboardRow{Rank: len(out) + 1}
		if err = rows.Scan(&r.AccountID, &r.Progress, &r.Earned, &r.JoinedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ListAccountParticipations returns every participation of accountID with its
// rewarded milestones, most recent join first.
func (q *queries) ListAccountParticipations(ctx context.Context, accountID string) ([]model.Participation, error) {
	const sql = `SELECT ` + participationCols + ` FROM participations WHERE account_id=$1 ORDER BY joined_at DESC, challenge_id`
	rows, err := q.tx.Query(ctx, sql, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.Participation
	idx := map[uuid.UUID]int{}
	for rows.Next() {
		var p model.Participation
		if err = scanParticipation(rows, &p); err != nil {
			return nil, err
		}
		idx[p.ChallengeID] = len(out)
		out = append(out, p)
	}
	if err = rows.Err(); err != nil {
		return nil, err
	}
	rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	const rw = `
SELECT challenge_id, milestone_id FROM rewarded_milestones
WHERE account_id=$1
ORDER BY challenge_id, milestone_id`
	rrows, err := q.tx.Query(ctx, rw, accountID)
	if err != nil {
		return nil, err
	}
	defer rrows.Close()
	for rrows.Next() {
		var (
			cid uuid.UUID
			id  int
		)
		if err = rrows.Scan(&cid, &id); err != nil {
			return nil, err
		}
		if i, ok := idx[cid]; ok {
			out[i].Rewarded = append(out[i].Rewarded, id)
		}
	}
	return out, rrows.Err()
}

// RankAccounts sums reward ledger entries per account, optionally restricted
// to a challenge category and to entries created at or after f.Since.
func (q *queries) RankAccounts(ctx context.Context, f model.RankFilter) ([]model.RankRow, error) {
	const sql = `
SELECT e.account_id, SUM(e.delta)::BIGINT AS earned, count(*) AS rewards
FROM ledger_entries e
JOIN challenges c ON c.id::text = e.reference
WHERE e.reason = 'reward'
  AND ($1::timestamptz IS NULL OR e.created_at >= $1)
  AND ($2 = '' OR c.category = $2)
GROUP BY e.account_id
ORDER BY earned DESC, e.account_id ASC
LIMIT $3`
	var since *time.Time
	if !f.Since.IsZero() {
		since = &f.Since
	}
	rows, err := q.tx.Query(ctx, sql, nullTime(since), f.Category, f.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.RankRow
	for rows.Next() {
		r := model.RankRow{Rank: len(out) + 1}
		if err = rows.Scan(&r.AccountID, &r.Earned, &r.Rewards); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
