package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
)

const accountCols = `id, balance, staked, tier, staked_since, accrued_periods, created_at, updated_at`

// EnsureAccount creates a zeroed account if absent.
func (q *queries) EnsureAccount(ctx context.Context, id string) error {
	const sql = `INSERT INTO accounts (id) VALUES ($1) ON CONFLICT (id) DO NOTHING`
	_, err := q.tx.Exec(ctx, sql, id)
	return err
}

// GetAccount loads an account, locking the row when forUpdate is set.
func (q *queries) GetAccount(ctx context.Context, id string, lock bool) (*model.Account, error) {
	sql := `SELECT ` + accountCols + ` FROM accounts WHERE id=$1` + forUpdate(lock)
	var (
		a    model.Account
		tier string
	)
	err := q.tx.QueryRow(ctx, sql, id).Scan(
		&a.ID, &a.Balance, &a.Staked, &tier, &a.StakedSince, &a.AccruedPeriods, &a.CreatedAt, &a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("account %s: %w", id, errs.ErrNotFound)
		}
		return nil, err
	}
	a.Tier = model.Tier(tier)
	return &a, nil
}

// SaveAccount persists the mutable account columns.
func (q *queries) SaveAccount(ctx context.Context, a *model.Account) error {
	const sql = `
UPDATE accounts
SET balance=$2, staked=$3, tier=$4, staked_since=$5, accrued_periods=$6, updated_at=$7
WHERE id=$1`
	tag, err := q.tx.Exec(ctx, sql, a.ID, a.Balance, a.Staked, string(a.Tier), a.StakedSince, a.AccruedPeriods, a.UpdatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("account %s: %w", a.ID, errs.ErrNotFound)
	}
	return nil
}

// InsertEntry appends to the ledger. Entries sharing a dedupe key are applied once.
func (q *queries) InsertEntry(ctx context.Context, e *model.LedgerEntry) error {
	const sql = `
INSERT INTO ledger_entries (id, account_id, delta, balance_after, reason, reference, dedupe_key, created_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
ON CONFLICT (dedupe_key) DO NOTHING`
	tag, err := q.tx.Exec(ctx, sql,
		e.ID, e.AccountID, e.Delta, e.BalanceAfter, string(e.Reason), e.Reference, nullString(e.DedupeKey), e.CreatedAt)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("ledger entry %q: %w", e.DedupeKey, errs.ErrAlreadyProcessed)
	}
	return nil
}

// ListEntries returns up to limit entries for an account, newest first.
func (q *queries) ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	const sql = `
SELECT id, account_id, delta, balance_after, reason, reference, created_at
FROM ledger_entries
WHERE account_id=$1
ORDER BY created_at DESC, id DESC
LIMIT $2`
	rows, err := q.tx.Query(ctx, sql, accountID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []model.LedgerEntry
	for rows.Next() {
		var (
			e      model.LedgerEntry
			reason string
		)
		if err = rows.Scan(&e.ID, &e.AccountID, &e.Delta, &e.BalanceAfter, &reason, &e.Reference, &e.CreatedAt); err != nil {
			return nil, err
		}
		e.Reason = model.EntryReason(reason)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ListStakingAccounts returns ids of all accounts with a positive stake.
func (q *queries) ListStakingAccounts(ctx context.Context) ([]string, error) {
	const sql = `SELECT id FROM accounts WHERE staked > 0 ORDER BY id`
	rows, err := q.tx.Query(ctx, sql)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err = rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}
