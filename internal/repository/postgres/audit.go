package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
)

// LockKey takes a transaction-scoped advisory lock on the account's
// idempotency key.
func (q *queries) LockKey(ctx context.Context, accountID, key string) error {
	const sql = `SELECT pg_advisory_xact_lock(hashtext($1), hashtext($2))`
	_, err := q.tx.Exec(ctx, sql, accountID, key)
	return err
}

// GetAuditRecord loads the stored outcome for the account's key.
func (q *queries) GetAuditRecord(ctx context.Context, accountID, key string) (*model.AuditRecord, error) {
	const sql = `
SELECT key, account_id, operation, fingerprint, response, created_at
FROM audit_log WHERE account_id=$1 AND key=$2`
	var r model.AuditRecord
	err := q.tx.QueryRow(ctx, sql, accountID, key).Scan(&r.Key, &r.AccountID, &r.Operation, &r.Fingerprint, &r.Response, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, fmt.Errorf("audit %q: %w", key, errs.ErrNotFound)
		}
		return nil, err
	}
	return &r, nil
}

// InsertAuditRecord stores an operation outcome under its idempotency key.
func (q *queries) InsertAuditRecord(ctx context.Context, r *model.AuditRecord) error {
	const sql = `
INSERT INTO audit_log (key, account_id, operation, fingerprint, response, created_at)
VALUES ($1,$2,$3,$4,$5,$6)`
	_, err := q.tx.Exec(ctx, sql, r.Key, r.AccountID, r.Operation, r.Fingerprint, r.Response, r.CreatedAt)
	if isUniqueViolation(err) {
		return fmt.Errorf("audit %q: %w", r.Key, errs.ErrAlreadyExists)
	}
	return err
}
