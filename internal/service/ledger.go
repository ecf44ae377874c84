package service

import (
	"context"
	"errors"
	"fmt"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

// LedgerService exposes account balances and the append-only ledger.
type LedgerService interface {
	// GetAccount returns the account, creating a zeroed one if absent.
	GetAccount(ctx context.Context, id string) (model.Account, error)
	// Debit removes amount from the balance.
	Debit(ctx context.Context, id string, amount int64, reason model.EntryReason, ref string) (model.Account, error)
	// Credit adds amount to the balance. A non-empty dedupeKey makes the credit apply at most once.
	Credit(ctx context.Context, id string, amount int64, reason model.EntryReason, ref, dedupeKey string) (model.Account, error)
	// Transfer moves amount between accounts atomically.
	Transfer(ctx context.Context, from, to string, amount int64, reason model.EntryReason, ref string) error
	// Grant credits tokens to an account on behalf of an operator.
	Grant(ctx context.Context, key IdempotencyKey, id string, amount int64) (model.Account, bool, error)
	// Entries returns recent ledger entries for an account, newest first.
	Entries(ctx context.Context, id string, limit int) ([]model.LedgerEntry, error)
	// Recorded reports whether an outcome is stored for the account's idempotency key.
	Recorded(ctx context.Context, accountID, key string) (bool, error)
}

type LedgerServiceImpl struct {
	store repository.Store
	now   Clock
	obs   Observer
}

// NewLedgerService constructs a LedgerService.
func NewLedgerService(store repository.Store, clock Clock, obs Observer) *LedgerServiceImpl {
	return &LedgerServiceImpl{store: store, now: orNow(clock), obs: orNop(obs)}
}

func (s *LedgerServiceImpl) GetAccount(ctx context.Context, id string) (model.Account, error) {
	if err := validAccountID(id); err != nil {
		return model.Account{}, err
	}
	var out model.Account
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.EnsureAccount(ctx, id); err != nil {
			return err
		}
		a, err := q.GetAccount(ctx, id, false)
		if err != nil {
			return err
		}
		out = *a
		return nil
	})
	return out, err
}

func (s *LedgerServiceImpl) Debit(
	ctx context.Context, id string, amount int64, reason model.EntryReason, ref string,
) (model.Account, error) {
	if amount <= 0 {
		return model.Account{}, fmt.Errorf("debit %d: %w", amount, errs.ErrInvalidAmount)
	}
	return s.apply(ctx, id, entry{delta: -amount, reason: reason, reference: ref})
}

func (s *LedgerServiceImpl) Credit(
	ctx context.Context, id string, amount int64, reason model.EntryReason, ref, dedupeKey string,
) (model.Account, error) {
	if amount <= 0 {
		return model.Account{}, fmt.Errorf("credit %d: %w", amount, errs.ErrInvalidAmount)
	}
	return s.apply(ctx, id, entry{delta: amount, reason: reason, reference: ref, dedupeKey: dedupeKey})
}

func (s *LedgerServiceImpl) apply(ctx context.Context, id string, e entry) (model.Account, error) {
	if err := validAccountID(id); err != nil {
		return model.Account{}, err
	}
	var out model.Account
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		a, err := lockAccount(ctx, q, id)
		if err != nil {
			return err
		}
		if err := post(ctx, q, s.now(), a, e); err != nil {
			return err
		}
		if err := q.SaveAccount(ctx, a); err != nil {
			return err
		}
		out = *a
		return nil
	})
	return out, err
}

func (s *LedgerServiceImpl) Transfer(
	ctx context.Context, from, to string, amount int64, reason model.EntryReason, ref string,
) error {
	if err := validAccountID(from); err != nil {
		return err
	}
	if err := validAccountID(to); err != nil {
		return err
	}
	return s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		return transfer(ctx, q, s.now(), from, to, amount, reason, ref)
	})
}

func (s *LedgerServiceImpl) Grant(ctx context.Context, key IdempotencyKey, id string, amount int64) (model.Account, bool, error) {
	if err := validAccountID(id); err != nil {
		return model.Account{}, false, err
	}
	if amount <= 0 {
		return model.Account{}, false, fmt.Errorf("grant %d: %w", amount, errs.ErrInvalidAmount)
	}
	return runIdempotent(ctx, s.store, s.now, s.obs, key, OpGrant, id,
		func(ctx context.Context, q repository.Queries) (model.Account, error) {
			a, err := lockAccount(ctx, q, id)
			if err != nil {
				return model.Account{}, err
			}
			if err := post(ctx, q, s.now(), a, entry{delta: amount, reason: model.ReasonGrant, reference: key.Key}); err != nil {
				return model.Account{}, err
			}
			if err := q.SaveAccount(ctx, a); err != nil {
				return model.Account{}, err
			}
			return *a, nil
		})
}

func (s *LedgerServiceImpl) Entries(ctx context.Context, id string, limit int) ([]model.LedgerEntry, error) {
	if err := validAccountID(id); err != nil {
		return nil, err
	}
	var out []model.LedgerEntry
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		out, err = q.ListEntries(ctx, id, normLimit(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.LedgerEntry{}
	}
	return out, nil
}

func (s *LedgerServiceImpl) Recorded(ctx context.Context, accountID, key string) (bool, error) {
	if key == "" || len(key) > maxIdempotencyKeyLen || validAccountID(accountID) != nil {
		return false, nil
	}
	var found bool
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		_, err := q.GetAuditRecord(ctx, accountID, key)
		switch {
		case err == nil:
			found = true
		case !errors.Is(err, errs.ErrNotFound):
			return err
		}
		return nil
	})
	return found, err
}
