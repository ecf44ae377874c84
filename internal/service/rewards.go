package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

// RewardIssuer pays milestone rewards at most once per (account, challenge, milestone).
type RewardIssuer interface {
	// IssueMilestoneReward credits the milestone reward if the participant reached it.
	// A reward paid earlier yields errs.ErrAlreadyIssued and changes nothing.
	IssueMilestoneReward(ctx context.Context, accountID string, challengeID uuid.UUID, milestoneID int) (model.IssuedReward, error)
}

type RewardIssuerImpl struct {
	store repository.Store
	now   Clock
	obs   Observer
}

// NewRewardIssuer constructs a RewardIssuer.
func NewRewardIssuer(store repository.Store, clock Clock, obs Observer) *RewardIssuerImpl {
	return &RewardIssuerImpl{store: store, now: orNow(clock), obs: orNop(obs)}
}

func (s *RewardIssuerImpl) IssueMilestoneReward(
	ctx context.Context, accountID string, challengeID uuid.UUID, milestoneID int,
) (model.IssuedReward, error) {
	if err := validAccountID(accountID); err != nil {
		return model.IssuedReward{}, err
	}
	var out model.IssuedReward
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		ch, err := q.GetChallenge(ctx, challengeID, repository.LockShare)
		if err != nil {
			return err
		}
		m, ok := ch.Milestone(milestoneID)
		if !ok {
			return fmt.Errorf("milestone %d: %w", milestoneID, errs.ErrNotFound)
		}
		p, err := q.GetParticipation(ctx, challengeID, accountID, true)
		if err != nil {
			if errors.Is(err, errs.ErrNotFound) {
				return fmt.Errorf("%s in %s: %w", accountID, challengeID, errs.ErrNotParticipant)
			}
			return err
		}
		if p.Progress < m.Threshold {
			return fmt.Errorf("progress %d below milestone %d threshold %d: %w",
				p.Progress, m.ID, m.Threshold, errs.ErrInvalidProgress)
		}
		out, err = issueTx(ctx, q, s.now(), ch, accountID, m)
		return err
	})
	if err != nil {
		return model.IssuedReward{}, err
	}
	s.obs.RewardIssued(out.Amount)
	return out, nil
}

func rewardDedupeKey(challengeID uuid.UUID, accountID string, milestoneID int) string {
	return fmt.Sprintf("reward:%s:%s:%d", challengeID, accountID, milestoneID)
}

// issueTx marks the milestone rewarded and credits the account in the caller's
// transaction. Zero rewards are marked without a ledger entry.
func issueTx(
	ctx context.Context, q repository.Queries, now time.Time,
	ch *model.Challenge, accountID string, m model.Milestone,
) (model.IssuedReward, error) {
	if err := q.MarkRewarded(ctx, ch.ID, accountID, m.ID, m.Reward); err != nil {
		if errors.Is(err, errs.ErrAlreadyExists) {
			return model.IssuedReward{}, fmt.Errorf("milestone %d for %s: %w", m.ID, accountID, errs.ErrAlreadyIssued)
		}
		return model.IssuedReward{}, err
	}
	out := model.IssuedReward{AccountID: accountID, MilestoneID: m.ID, Amount: m.Reward}
	if m.Reward == 0 {
		return out, nil
	}

	a, err := lockAccount(ctx, q, accountID)
	if err != nil {
		return model.IssuedReward{}, err
	}
	e := entry{
		delta:     m.Reward,
		reason:    model.ReasonReward,
		reference: ch.ID.String(),
		dedupeKey: rewardDedupeKey(ch.ID, accountID, m.ID),
	}
	if err := post(ctx, q, now, a, e); err != nil {
		return model.IssuedReward{}, err
	}
	if err := q.SaveAccount(ctx, a); err != nil {
		return model.IssuedReward{}, err
	}
	return out, nil
}

// issueReached pays every milestone p has reached but not yet been paid for.
func issueReached(
	ctx context.Context, q repository.Queries, now time.Time, ch *model.Challenge, p *model.Participation,
) ([]model.IssuedReward, error) {
	var out []model.IssuedReward
	for _, m := range ch.Milestones {
		if m.Threshold > p.Progress {
			break
		}
		if p.HasRewarded(m.ID) {
			continue
		}
		r, err := issueTx(ctx, q, now, ch, p.AccountID, m)
		if errors.Is(err, errs.ErrAlreadyIssued) {
			p.MarkRewarded(m.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		p.MarkRewarded(m.ID)
		out = append(out, r)
	}
	return out, nil
}
