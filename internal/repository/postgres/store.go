package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/repository"
)

// Store implements repository.Store on a pgx pool. Each InTx call is one
// READ COMMITTED transaction; serialization comes from explicit row locks.
type Store struct {
	db        *DB
	txTimeout time.Duration
}

// NewStore constructs a store. txTimeout bounds every transaction; zero disables the bound.
func NewStore(db *DB, txTimeout time.Duration) *Store {
	return &Store{db: db, txTimeout: txTimeout}
}

var _ repository.Store = (*Store)(nil)

// InTx runs fn inside a transaction and commits if it returns nil.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q repository.Queries) error) (err error) {
	if s.txTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.txTimeout)
		defer cancel()
	}

	tx, err := s.db.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return translate(err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback(context.WithoutCancel(ctx))
			err = translate(err)
			return
		}
		if e := tx.Commit(ctx); e != nil {
			err = translate(e)
		}
	}()

	return fn(ctx, &queries{tx: tx})
}

// translate maps driver failures onto the transient sentinels. Domain errors pass through.
func translate(err error) error {
	if err == nil || errors.Is(err, errs.ErrTimeout) || errors.Is(err, errs.ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) || pgconn.Timeout(err) {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}

	var pg *pgconn.PgError
	if errors.As(err, &pg) {
		switch pg.Code {
		case "40001", "40P01", "55P03": // serialization_failure, deadlock_detected, lock_not_available
			return fmt.Errorf("%w: %s", errs.ErrUnavailable, pg.Message)
		case "57014": // query_canceled, statement_timeout
			return fmt.Errorf("%w: %s", errs.ErrTimeout, pg.Message)
		}
		return err
	}

	var connErr *pgconn.ConnectError
	if errors.As(err, &connErr) || pgconn.SafeToRetry(err) || errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w: %v", errs.ErrUnavailable, err)
	}
	return err
}

// dbtx is the subset of pgx.Tx used by queries.
type dbtx interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// queries implements repository.Queries on one transaction.
type queries struct{ tx dbtx }

var _ repository.Queries = (*queries)(nil)

func lockClause(m repository.LockMode) string {
	switch m {
	case repository.LockShare:
		return " FOR SHARE"
	case repository.LockUpdate:
		return " FOR UPDATE"
	default:
		return ""
	}
}

func forUpdate(b bool) string {
	if b {
		return " FOR UPDATE"
	}
	return ""
}
