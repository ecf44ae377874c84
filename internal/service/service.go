// Package service contains the ledger, challenge, reward, staking and post services.
package service

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

// Clock returns the current time. Tests substitute a fixed clock.
type Clock func() time.Time

const (
	defaultListLimit = 50
	maxListLimit     = 500
	maxAccountIDLen  = 128
)

// Observer receives committed domain events; the metrics registry implements it.
type Observer interface {
	RewardIssued(amount int64)
	Joined()
	Replayed(op string)
	Settled(d model.FeeDisposition)
	Accrued(periods, amount int64)
}

// NopObserver discards events.
type NopObserver struct{}

func (NopObserver) RewardIssued(int64)           {}
func (NopObserver) Joined()                      {}
func (NopObserver) Replayed(string)              {}
func (NopObserver) Settled(model.FeeDisposition) {}
func (NopObserver) Accrued(int64, int64)         {}

func orNop(o Observer) Observer {
	if o == nil {
		return NopObserver{}
	}
	return o
}

func orNow(c Clock) Clock {
	if c == nil {
		return time.Now
	}
	return c
}

func normLimit(limit int) int {
	switch {
	case limit <= 0:
		return defaultListLimit
	case limit > maxListLimit:
		return maxListLimit
	}
	return limit
}

func validAccountID(id string) error {
	if strings.TrimSpace(id) == "" || len(id) > maxAccountIDLen {
		return fmt.Errorf("%w: account id must be 1..%d chars", errs.ErrValidation, maxAccountIDLen)
	}
	if strings.HasPrefix(id, model.EscrowPrefix) {
		return fmt.Errorf("%w: account id prefix %q is reserved", errs.ErrValidation, model.EscrowPrefix)
	}
	return nil
}

// newID returns a time-ordered id for ledger rows.
func newID() (uuid.UUID, error) { return uuid.NewV7() }

// lockAccount creates the account if needed and locks its row.
func lockAccount(ctx context.Context, q repository.Queries, id string) (*model.Account, error) {
	if err := q.EnsureAccount(ctx, id); err != nil {
		return nil, err
	}
	return q.GetAccount(ctx, id, true)
}

// entry describes one balance mutation.
type entry struct {
	delta     int64
	reason    model.EntryReason
	reference string
	dedupeKey string
}

// post appends e to the ledger and applies it to a. The caller saves a.
// The entry is inserted first so a dedupe conflict leaves a untouched.
func post(ctx context.Context, q repository.Queries, now time.Time, a *model.Account, e entry) error {
	if e.delta > 0 && a.Balance > math.MaxInt64-e.delta {
		return fmt.Errorf("account %s: %w: balance overflow", a.ID, errs.ErrInvalidAmount)
	}
	next := a.Balance + e.delta
	if next < 0 {
		return fmt.Errorf("account %s has %d, needs %d: %w", a.ID, a.Balance, -e.delta, errs.ErrInsufficientBalance)
	}
	id, err := newID()
	if err != nil {
		return err
	}
	le := &model.LedgerEntry{
		ID:           id,
		AccountID:    a.ID,
		Delta:        e.delta,
		BalanceAfter: next,
		Reason:       e.reason,
		Reference:    e.reference,
		DedupeKey:    e.dedupeKey,
		CreatedAt:    now,
	}
	if err := q.InsertEntry(ctx, le); err != nil {
		return err
	}
	a.Balance = next
	a.UpdatedAt = now
	return nil
}

// transfer moves amount between two accounts, locking both rows in id order.
func transfer(
	ctx context.Context, q repository.Queries, now time.Time,
	from, to string, amount int64, reason model.EntryReason, ref string,
) error {
	if amount <= 0 {
		return fmt.Errorf("transfer %d: %w", amount, errs.ErrInvalidAmount)
	}
	if from == to {
		return fmt.Errorf("transfer to self: %w", errs.ErrInvalidAmount)
	}

	ids := []string{from, to}
	slices.Sort(ids)
	locked := make(map[string]*model.Account, 2)
	for _, id := range ids {
		a, err := lockAccount(ctx, q, id)
		if err != nil {
			return err
		}
		locked[id] = a
	}

	src, dst := locked[from], locked[to]
	if err := post(ctx, q, now, src, entry{delta: -amount, reason: reason, reference: ref}); err != nil {
		return err
	}
	if err := post(ctx, q, now, dst, entry{delta: amount, reason: reason, reference: ref}); err != nil {
		return err
	}
	if err := q.SaveAccount(ctx, src); err != nil {
		return err
	}
	return q.SaveAccount(ctx, dst)
}
