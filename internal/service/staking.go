package service

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
	"github.com/and161185/fan-ledger/internal/tier"
)

// StakingService locks tokens into tiers and accrues staking rewards.
type StakingService interface {
	// Stake moves amount from balance to stake, aiming for targetTier.
	Stake(ctx context.Context, key IdempotencyKey, accountID string, amount int64, target model.Tier) (model.Account, bool, error)
	// Withdraw returns the whole stake to the balance. Uncredited accruals are forfeited.
	Withdraw(ctx context.Context, key IdempotencyKey, accountID string) (model.Account, bool, error)
	// AccrueRewards credits every fully elapsed accrual period not yet credited.
	AccrueRewards(ctx context.Context, key IdempotencyKey, accountID string) (model.AccrualResult, bool, error)
	Positions(ctx context.Context, accountID string) ([]model.StakePosition, error)
	// StakingAccounts lists accounts with a positive stake.
	StakingAccounts(ctx context.Context) ([]string, error)
	Tiers() []tier.Level
}

type StakingServiceImpl struct {
	store  repository.Store
	tiers  tier.Table
	period time.Duration
	now    Clock
	obs    Observer
}

// NewStakingService constructs a StakingService. period is the accrual period length.
func NewStakingService(store repository.Store, tiers tier.Table, period time.Duration, clock Clock, obs Observer) *StakingServiceImpl {
	if period <= 0 {
		period = 7 * 24 * time.Hour
	}
	return &StakingServiceImpl{store: store, tiers: tiers, period: period, now: orNow(clock), obs: orNop(obs)}
}

func (s *StakingServiceImpl) Tiers() []tier.Level { return s.tiers.Levels() }

func (s *StakingServiceImpl) Stake(
	ctx context.Context, key IdempotencyKey, accountID string, amount int64, target model.Tier,
) (model.Account, bool, error) {
	if err := validAccountID(accountID); err != nil {
		return model.Account{}, false, err
	}
	if amount <= 0 {
		return model.Account{}, false, fmt.Errorf("stake %d: %w", amount, errs.ErrInvalidAmount)
	}
	if model.TierRank(target) <= 0 {
		return model.Account{}, false, fmt.Errorf("target tier %q: %w", target, errs.ErrInvalidTier)
	}
	lvl, ok := s.tiers.Level(target)
	if !ok {
		return model.Account{}, false, fmt.Errorf("target tier %q not offered: %w", target, errs.ErrInvalidTier)
	}
	if amount < lvl.Threshold {
		return model.Account{}, false, fmt.Errorf("%s needs %d, got %d: %w", target, lvl.Threshold, amount, errs.ErrTierThresholdNotMet)
	}

	var acc accrual
	a, replayed, err := runIdempotent(ctx, s.store, s.now, s.obs, key, OpStake, accountID,
		func(ctx context.Context, q repository.Queries) (model.Account, error) {
			a, err := lockAccount(ctx, q, accountID)
			if err != nil {
				return model.Account{}, err
			}
			if a.Staked > math.MaxInt64-amount {
				return model.Account{}, fmt.Errorf("stake overflow: %w", errs.ErrInvalidAmount)
			}
			now := s.now()
			// Settle elapsed periods at the old stake before it changes.
			if acc, err = s.accrueTx(ctx, q, now, a); err != nil {
				return model.Account{}, err
			}
			if err := post(ctx, q, now, a, entry{delta: -amount, reason: model.ReasonStake, reference: string(target)}); err != nil {
				return model.Account{}, err
			}

			pid, err := newID()
			if err != nil {
				return model.Account{}, err
			}
			if err := q.InsertStakePosition(ctx, &model.StakePosition{
				ID: pid, AccountID: accountID, Tier: target, Amount: amount, CreatedAt: now,
			}); err != nil {
				return model.Account{}, err
			}

			a.Staked += amount
			a.Tier = s.tiers.TierFor(a.Staked)
			if a.StakedSince == nil {
				anchor := now.UTC()
				a.StakedSince = &anchor
				a.AccruedPeriods = 0
			}
			if err := q.SaveAccount(ctx, a); err != nil {
				return model.Account{}, err
			}
			return *a, nil
		})
	if err != nil {
		return model.Account{}, false, err
	}
	if acc.periods > 0 {
		s.obs.Accrued(acc.periods, acc.credited)
	}
	return a, replayed, nil
}

func (s *StakingServiceImpl) Withdraw(ctx context.Context, key IdempotencyKey, accountID string) (model.Account, bool, error) {
	if err := validAccountID(accountID); err != nil {
		return model.Account{}, false, err
	}
	return runIdempotent(ctx, s.store, s.now, s.obs, key, OpWithdraw, accountID,
		func(ctx context.Context, q repository.Queries) (model.Account, error) {
			a, err := lockAccount(ctx, q, accountID)
			if err != nil {
				return model.Account{}, err
			}
			if a.Staked == 0 {
				return model.Account{}, fmt.Errorf("withdraw %s: %w", accountID, errs.ErrNothingStaked)
			}
			if err := post(ctx, q, s.now(), a, entry{delta: a.Staked, reason: model.ReasonUnstake}); err != nil {
				return model.Account{}, err
			}
			if _, err := q.DeleteStakePositions(ctx, accountID); err != nil {
				return model.Account{}, err
			}
			a.Staked = 0
			a.Tier = model.TierNone
			a.StakedSince = nil
			a.AccruedPeriods = 0
			if err := q.SaveAccount(ctx, a); err != nil {
				return model.Account{}, err
			}
			return *a, nil
		})
}

func (s *StakingServiceImpl) AccrueRewards(
	ctx context.Context, key IdempotencyKey, accountID string,
) (model.AccrualResult, bool, error) {
	if err := validAccountID(accountID); err != nil {
		return model.AccrualResult{}, false, err
	}
	res, replayed, err := runIdempotent(ctx, s.store, s.now, s.obs, key, OpAccrue, accountID,
		func(ctx context.Context, q repository.Queries) (model.AccrualResult, error) {
			a, err := lockAccount(ctx, q, accountID)
			if err != nil {
				return model.AccrualResult{}, err
			}
			if a.Staked == 0 {
				return model.AccrualResult{}, fmt.Errorf("accrue %s: %w", accountID, errs.ErrNothingStaked)
			}
			acc, err := s.accrueTx(ctx, q, s.now(), a)
			if err != nil {
				return model.AccrualResult{}, err
			}
			if err := q.SaveAccount(ctx, a); err != nil {
				return model.AccrualResult{}, err
			}
			return model.AccrualResult{Account: *a, Periods: acc.periods, Credited: acc.credited}, nil
		})
	if err != nil {
		return model.AccrualResult{}, false, err
	}
	if !replayed && res.Periods > 0 {
		s.obs.Accrued(res.Periods, res.Credited)
	}
	return res, replayed, nil
}

type accrual struct {
	periods  int64
	credited int64
}

func accrualDedupeKey(accountID string, anchor time.Time, period int64) string {
	return fmt.Sprintf("accrual:%s:%d:%d", accountID, anchor.Unix(), period)
}

// accrueTx credits a for each fully elapsed period since its anchor that has not
// been credited yet, at the current tier rate. Rewards go to the balance, never
// to the stake. The caller saves a.
func (s *StakingServiceImpl) accrueTx(ctx context.Context, q repository.Queries, now time.Time, a *model.Account) (accrual, error) {
	if a.Staked == 0 || a.StakedSince == nil {
		return accrual{}, nil
	}
	elapsed := int64(now.Sub(*a.StakedSince) / s.period)
	if elapsed <= a.AccruedPeriods {
		return accrual{}, nil
	}

	var out accrual
	per := s.tiers.RewardPerPeriod(a.Tier, a.Staked)
	for n := a.AccruedPeriods + 1; n <= elapsed; n++ {
		out.periods++
		if per == 0 {
			continue
		}
		e := entry{
			delta:     per,
			reason:    model.ReasonAccrual,
			reference: fmt.Sprintf("period %d", n),
			dedupeKey: accrualDedupeKey(a.ID, *a.StakedSince, n),
		}
		err := post(ctx, q, now, a, e)
		if errors.Is(err, errs.ErrAlreadyProcessed) {
			continue
		}
		if err != nil {
			return accrual{}, err
		}
		out.credited += per
	}
	a.AccruedPeriods = elapsed
	a.UpdatedAt = now
	return out, nil
}

func (s *StakingServiceImpl) Positions(ctx context.Context, accountID string) ([]model.StakePosition, error) {
	if err := validAccountID(accountID); err != nil {
		return nil, err
	}
	var out []model.StakePosition
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		out, err = q.ListStakePositions(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.StakePosition{}
	}
	return out, nil
}

func (s *StakingServiceImpl) StakingAccounts(ctx context.Context) ([]string, error) {
	var out []string
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		out, err = q.ListStakingAccounts(ctx)
		return err
	})
	return out, err
}
