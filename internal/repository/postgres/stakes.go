package postgres

import (
	"context"

	"github.com/and161185/fan-ledger/internal/model"
)

// InsertStakePosition records one stake deposit.
func (q *queries) InsertStakePosition(ctx context.Context, p *model.StakePosition) error {
	const sql = `INSERT INTO stake_positions (id, account_id, tier, amount, created_at) VALUES ($1,$2,$3,$4,$5)`
	_, err := q.tx.Exec(ctx, sql, p.ID, p.AccountID, string(p.Tier), p.Amount, p.CreatedAt)
	return err
}

// ListStakePositions returns an account's positions, oldest first.
func (q *queries) ListStakePositions(ctx context.Context, accountID string) ([]model.StakePosition, error) {
	const sql = `
SELECT id, account_id, tier, amount, created_at
FROM stake_positions
WHERE account_id=$1
ORDER BY created_at, id`
	rows, err := q.tx.Query(ctx, sql, accountID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.StakePosition
	for rows.Next() {
		var (
			p    model.StakePosition
			tier string
		)
		if err = rows.Scan(&p.ID, &p.AccountID, &tier, &p.Amount, &p.CreatedAt); err != nil {
			return nil, err
		}
		p.Tier = model.Tier(tier)
		out = append(out, p)
	}
	return out, rows.Err()
}

// DeleteStakePositions removes every position of an account and returns how many were removed.
func (q *queries) DeleteStakePositions(ctx context.Context, accountID string) (int64, error) {
	const sql = `DELETE FROM stake_positions WHERE account_id=$1`
	tag, err := q.tx.Exec(ctx, sql, accountID)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}
