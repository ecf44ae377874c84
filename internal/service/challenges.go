package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/gosimple/slug"
	"go.uber.org/zap"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

// ChallengeService runs the challenge lifecycle: draft -> active -> ended.
type ChallengeService interface {
	// Create validates spec and stores a draft challenge owned by creatorID.
	Create(ctx context.Context, creatorID string, spec model.ChallengeSpec) (model.Challenge, error)
	// Publish moves a draft challenge to active.
	Publish(ctx context.Context, id uuid.UUID) (model.Challenge, error)
	// Join adds the account to an active challenge and escrows the entry fee.
	Join(ctx context.Context, key IdempotencyKey, accountID string, id uuid.UUID) (model.Participation, bool, error)
	// ReportProgress raises the participant's progress and pays newly crossed milestones.
	ReportProgress(ctx context.Context, key IdempotencyKey, accountID string, id uuid.UUID, progress int64) (model.ProgressReport, bool, error)
	// Close ends an active challenge and settles rewards and the entry-fee escrow.
	Close(ctx context.Context, id uuid.UUID) (model.Settlement, error)
	// CloseDue closes every active challenge whose end time has passed.
	CloseDue(ctx context.Context) ([]model.Settlement, error)
	Get(ctx context.Context, id uuid.UUID) (model.Challenge, error)
	List(ctx context.Context, f model.ChallengeFilter) ([]model.Challenge, error)
	Leaderboard(ctx context.Context, id uuid.UUID, limit int) ([]model.LeaderboardRow, error)
	// Participations lists the account's challenges with progress and paid milestones.
	Participations(ctx context.Context, accountID string) ([]model.Participation, error)
	// Rank orders accounts by reward credits across all challenges.
	Rank(ctx context.Context, f model.RankFilter) ([]model.RankRow, error)
}

// SettlementArchiver stores settlement reports after a challenge closes.
type SettlementArchiver interface {
	ArchiveSettlement(ctx context.Context, s model.Settlement) error
}

const (
	maxTitleLen      = 200
	maxTextLen       = 4000
	maxMilestones    = 64
	maxChallengeSpan = 366 // days
	rankWeek         = 7 * 24 * time.Hour
)

type ChallengeServiceImpl struct {
	store   repository.Store
	now     Clock
	obs     Observer
	archive SettlementArchiver
	log     *zap.Logger
}

// NewChallengeService constructs a ChallengeService. archive may be nil.
func NewChallengeService(
	store repository.Store, clock Clock, obs Observer, archive SettlementArchiver, log *zap.Logger,
) *ChallengeServiceImpl {
	if log == nil {
		log = zap.NewNop()
	}
	return &ChallengeServiceImpl{store: store, now: orNow(clock), obs: orNop(obs), archive: archive, log: log}
}

func invalidSpec(format string, args ...any) error {
	return fmt.Errorf("%w: %s", errs.ErrInvalidSpec, fmt.Sprintf(format, args...))
}

func validateSpec(spec model.ChallengeSpec) error {
	title := strings.TrimSpace(spec.Title)
	switch {
	case title == "":
		return invalidSpec("title is required")
	case len(title) > maxTitleLen:
		return invalidSpec("title longer than %d", maxTitleLen)
	case len(spec.Description) > maxTextLen:
		return invalidSpec("description longer than %d", maxTextLen)
	case spec.EntryFee < 0:
		return invalidSpec("entry fee must be >= 0")
	case spec.Capacity < 0:
		return invalidSpec("capacity must be >= 0")
	case len(spec.Milestones) == 0:
		return invalidSpec("at least one milestone is required")
	case len(spec.Milestones) > maxMilestones:
		return invalidSpec("more than %d milestones", maxMilestones)
	case spec.StartsAt.IsZero() || spec.EndsAt.IsZero():
		return invalidSpec("startsAt and endsAt are required")
	case !spec.EndsAt.After(spec.StartsAt):
		return invalidSpec("endsAt must be after startsAt")
	case spec.EndsAt.Sub(spec.StartsAt) > maxChallengeSpan*24*time.Hour:
		return invalidSpec("challenge longer than %d days", maxChallengeSpan)
	}
	var prev int64
	for i, m := range spec.Milestones {
		if m.Threshold <= 0 {
			return invalidSpec("milestone[%d]: threshold must be > 0", i)
		}
		if m.Threshold <= prev {
			return invalidSpec("milestone[%d]: thresholds must strictly increase", i)
		}
		if m.Reward < 0 {
			return invalidSpec("milestone[%d]: reward must be >= 0", i)
		}
		prev = m.Threshold
	}
	return nil
}

func (s *ChallengeServiceImpl) Create(ctx context.Context, creatorID string, spec model.ChallengeSpec) (model.Challenge, error) {
	if err := validAccountID(creatorID); err != nil {
		return model.Challenge{}, err
	}
	if err := validateSpec(spec); err != nil {
		return model.Challenge{}, err
	}
	id, err := newID()
	if err != nil {
		return model.Challenge{}, err
	}

	title := strings.TrimSpace(spec.Title)
	sl := slug.Make(title)
	if sl == "" {
		sl = id.String()[:8]
	}
	c := model.Challenge{
		ID:          id,
		Slug:        sl,
		Title:       title,
		Description: spec.Description,
		Category:    strings.TrimSpace(spec.Category),
		Difficulty:  strings.TrimSpace(spec.Difficulty),
		CreatorID:   creatorID,
		EntryFee:    spec.EntryFee,
		Capacity:    spec.Capacity,
		Status:      model.StatusDraft,
		StartsAt:    spec.StartsAt.UTC(),
		EndsAt:      spec.EndsAt.UTC(),
		CreatedAt:   s.now().UTC(),
	}
	for i, m := range spec.Milestones {
		c.Milestones = append(c.Milestones, model.Milestone{
			ID: i + 1, Threshold: m.Threshold, Reward: m.Reward, Description: m.Description,
		})
	}

	err = s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if err := q.EnsureAccount(ctx, creatorID); err != nil {
			return err
		}
		return q.InsertChallenge(ctx, &c)
	})
	if err != nil {
		return model.Challenge{}, err
	}
	return c, nil
}

func (s *ChallengeServiceImpl) Publish(ctx context.Context, id uuid.UUID) (model.Challenge, error) {
	var out model.Challenge
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		c, err := q.GetChallenge(ctx, id, repository.LockUpdate)
		if err != nil {
			return err
		}
		if c.Status != model.StatusDraft {
			return fmt.Errorf("publish %s challenge: %w", c.Status, errs.ErrInvalidTransition)
		}
		c.Status = model.StatusActive
		if err := q.UpdateChallengeStatus(ctx, c); err != nil {
			return err
		}
		out = *c
		return nil
	})
	return out, err
}

func (s *ChallengeServiceImpl) Join(
	ctx context.Context, key IdempotencyKey, accountID string, id uuid.UUID,
) (model.Participation, bool, error) {
	if err := validAccountID(accountID); err != nil {
		return model.Participation{}, false, err
	}
	joined := false
	p, replayed, err := runIdempotent(ctx, s.store, s.now, s.obs, key, OpJoin, accountID,
		func(ctx context.Context, q repository.Queries) (model.Participation, error) {
			// The challenge row lock serializes joins, so capacity and
			// duplicate checks below see every committed participant.
			c, err := q.GetChallenge(ctx, id, repository.LockUpdate)
			if err != nil {
				return model.Participation{}, err
			}
			existing, err := q.GetParticipation(ctx, id, accountID, false)
			if err == nil {
				return *existing, nil
			}
			if !errors.Is(err, errs.ErrNotFound) {
				return model.Participation{}, err
			}

			now := s.now()
			if !c.AcceptsJoins(now) {
				return model.Participation{}, fmt.Errorf("join %s challenge: %w", c.Status, errs.ErrChallengeNotActive)
			}
			if c.Capacity > 0 {
				n, err := q.CountParticipants(ctx, id)
				if err != nil {
					return model.Participation{}, err
				}
				if n >= c.Capacity {
					return model.Participation{}, fmt.Errorf("%d of %d places taken: %w", n, c.Capacity, errs.ErrCapacityExceeded)
				}
			}

			if c.EntryFee > 0 {
				if err := transfer(ctx, q, now, accountID, c.EscrowAccount(), c.EntryFee, model.ReasonEntryFee, c.ID.String()); err != nil {
					return model.Participation{}, err
				}
			} else if err := q.EnsureAccount(ctx, accountID); err != nil {
				return model.Participation{}, err
			}

			p := model.Participation{
				AccountID:    accountID,
				ChallengeID:  id,
				EntryFeePaid: c.EntryFee,
				Rewarded:     []int{},
				JoinedAt:     now,
				UpdatedAt:    now,
			}
			if err := q.InsertParticipation(ctx, &p); err != nil {
				return model.Participation{}, err
			}
			joined = true
			return p, nil
		})
	if err != nil {
		return model.Participation{}, false, err
	}
	if joined {
		s.obs.Joined()
	}
	if p.Rewarded == nil {
		p.Rewarded = []int{}
	}
	return p, replayed, nil
}

func (s *ChallengeServiceImpl) ReportProgress(
	ctx context.Context, key IdempotencyKey, accountID string, id uuid.UUID, progress int64,
) (model.ProgressReport, bool, error) {
	if err := validAccountID(accountID); err != nil {
		return model.ProgressReport{}, false, err
	}
	if progress < 0 {
		return model.ProgressReport{}, false, fmt.Errorf("progress %d: %w", progress, errs.ErrInvalidProgress)
	}
	rep, replayed, err := runIdempotent(ctx, s.store, s.now, s.obs, key, OpProgress, accountID,
		func(ctx context.Context, q repository.Queries) (model.ProgressReport, error) {
			c, err := q.GetChallenge(ctx, id, repository.LockShare)
			if err != nil {
				return model.ProgressReport{}, err
			}
			p, err := q.GetParticipation(ctx, id, accountID, true)
			if err != nil {
				if errors.Is(err, errs.ErrNotFound) {
					return model.ProgressReport{}, fmt.Errorf("%s in %s: %w", accountID, id, errs.ErrNotParticipant)
				}
				return model.ProgressReport{}, err
			}
			now := s.now()
			if !c.AcceptsProgress(now) {
				return model.ProgressReport{}, fmt.Errorf("progress on %s challenge: %w", c.Status, errs.ErrChallengeNotActive)
			}
			if progress < p.Progress {
				return model.ProgressReport{}, fmt.Errorf("progress %d below current %d: %w", progress, p.Progress, errs.ErrInvalidProgress)
			}

			next := min(progress, c.MaxThreshold())
			if next != p.Progress {
				p.Progress = next
				p.UpdatedAt = now
				if err := q.UpdateProgress(ctx, p); err != nil {
					return model.ProgressReport{}, err
				}
			}

			issued, err := issueReached(ctx, q, now, c, p)
			if err != nil {
				return model.ProgressReport{}, err
			}
			rep := model.ProgressReport{Participation: *p, Crossed: []model.Milestone{}}
			for _, r := range issued {
				m, _ := c.Milestone(r.MilestoneID)
				rep.Crossed = append(rep.Crossed, m)
				rep.Credited += r.Amount
			}
			if rep.Participation.Rewarded == nil {
				rep.Participation.Rewarded = []int{}
			}
			return rep, nil
		})
	if err != nil {
		return model.ProgressReport{}, false, err
	}
	if !replayed {
		for _, m := range rep.Crossed {
			s.obs.RewardIssued(m.Reward)
		}
	}
	return rep, replayed, nil
}

func (s *ChallengeServiceImpl) Close(ctx context.Context, id uuid.UUID) (model.Settlement, error) {
	var out model.Settlement
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		out, err = s.closeTx(ctx, q, id)
		return err
	})
	if err != nil {
		return model.Settlement{}, err
	}

	for _, r := range out.Issued {
		s.obs.RewardIssued(r.Amount)
	}
	s.obs.Settled(out.FeeDisposition)
	s.log.Info("challenge settled",
		zap.String("challenge", id.String()),
		zap.Int("participants", out.Participants),
		zap.Int("issued", len(out.Issued)),
		zap.Int64("escrow", out.EscrowAmount),
		zap.String("fees", string(out.FeeDisposition)),
	)
	if s.archive != nil {
		if err := s.archive.ArchiveSettlement(ctx, out); err != nil {
			s.log.Warn("archive settlement", zap.String("challenge", id.String()), zap.Error(err))
		}
	}
	return out, nil
}

// closeTx ends the challenge, pays reached milestones and disposes of the escrow:
// paid to the creator if any participant reached a milestone, refunded otherwise.
func (s *ChallengeServiceImpl) closeTx(ctx context.Context, q repository.Queries, id uuid.UUID) (model.Settlement, error) {
	c, err := q.GetChallenge(ctx, id, repository.LockUpdate)
	if err != nil {
		return model.Settlement{}, err
	}
	if c.Status != model.StatusActive {
		return model.Settlement{}, fmt.Errorf("close %s challenge: %w", c.Status, errs.ErrInvalidTransition)
	}
	parts, err := q.ListParticipations(ctx, id, true)
	if err != nil {
		return model.Settlement{}, err
	}

	now := s.now()
	set := model.Settlement{Participants: len(parts), Issued: []model.IssuedReward{}, FeeDisposition: model.FeesNone}
	anyReached := false
	first := c.Milestones[0].Threshold
	for i := range parts {
		p := &parts[i]
		if p.Progress >= first {
			anyReached = true
		}
		issued, err := issueReached(ctx, q, now, c, p)
		if err != nil {
			return model.Settlement{}, fmt.Errorf("settle %s: %w", p.AccountID, err)
		}
		set.Issued = append(set.Issued, issued...)
	}

	escrow, err := lockAccount(ctx, q, c.EscrowAccount())
	if err != nil {
		return model.Settlement{}, err
	}
	set.EscrowAmount = escrow.Balance
	if escrow.Balance > 0 {
		ref := c.ID.String()
		if anyReached {
			if err := transfer(ctx, q, now, escrow.ID, c.CreatorID, escrow.Balance, model.ReasonPoolPayout, ref); err != nil {
				return model.Settlement{}, err
			}
			set.FeeDisposition = model.FeesToPool
		} else {
			for _, p := range parts {
				if p.EntryFeePaid <= 0 {
					continue
				}
				if err := transfer(ctx, q, now, escrow.ID, p.AccountID, p.EntryFeePaid, model.ReasonRefund, ref); err != nil {
					return model.Settlement{}, fmt.Errorf("refund %s: %w", p.AccountID, err)
				}
			}
			set.FeeDisposition = model.FeesRefunded
		}
	}

	c.Status = model.StatusEnded
	closed := now.UTC()
	c.ClosedAt = &closed
	if err := q.UpdateChallengeStatus(ctx, c); err != nil {
		return model.Settlement{}, err
	}
	c.Participants = int64(len(parts))
	set.Challenge = *c
	set.ClosedAt = closed
	return set, nil
}

func (s *ChallengeServiceImpl) CloseDue(ctx context.Context) ([]model.Settlement, error) {
	var due []uuid.UUID
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		due, err = q.ListDueChallenges(ctx, s.now())
		return err
	})
	if err != nil {
		return nil, err
	}

	var (
		out  []model.Settlement
		errL []error
	)
	for _, id := range due {
		if err := ctx.Err(); err != nil {
			errL = append(errL, err)
			break
		}
		set, err := s.Close(ctx, id)
		switch {
		case err == nil:
			out = append(out, set)
		case errors.Is(err, errs.ErrInvalidTransition):
			// closed concurrently
		default:
			errL = append(errL, fmt.Errorf("close %s: %w", id, err))
		}
	}
	return out, errors.Join(errL...)
}

func (s *ChallengeServiceImpl) Get(ctx context.Context, id uuid.UUID) (model.Challenge, error) {
	var out model.Challenge
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		c, err := q.GetChallenge(ctx, id, repository.LockNone)
		if err != nil {
			return err
		}
		if c.Participants, err = q.CountParticipants(ctx, id); err != nil {
			return err
		}
		out = *c
		return nil
	})
	return out, err
}

func (s *ChallengeServiceImpl) List(ctx context.Context, f model.ChallengeFilter) ([]model.Challenge, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", errs.ErrValidation, f.Status)
	}
	f.Category = strings.TrimSpace(f.Category)
	f.Search = strings.TrimSpace(f.Search)
	if len(f.Search) > maxTitleLen {
		return nil, fmt.Errorf("%w: search term longer than %d", errs.ErrValidation, maxTitleLen)
	}
	var out []model.Challenge
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		out, err = q.ListChallenges(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Challenge{}
	}
	return out, nil
}

func (s *ChallengeServiceImpl) Leaderboard(ctx context.Context, id uuid.UUID, limit int) ([]model.LeaderboardRow, error) {
	var out []model.LeaderboardRow
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		if _, err := q.GetChallenge(ctx, id, repository.LockNone); err != nil {
			return err
		}
		var err error
		out, err = q.Leaderboard(ctx, id, normLimit(limit))
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.LeaderboardRow{}
	}
	return out, nil
}

func (s *ChallengeServiceImpl) Participations(ctx context.Context, accountID string) ([]model.Participation, error) {
	if err := validAccountID(accountID); err != nil {
		return nil, err
	}
	var out []model.Participation
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		out, err = q.ListAccountParticipations(ctx, accountID)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.Participation{}
	}
	return out, nil
}

// Rank resolves the window into a lower time bound. An explicit Since wins over Window.
func (s *ChallengeServiceImpl) Rank(ctx context.Context, f model.RankFilter) ([]model.RankRow, error) {
	switch f.Window {
	case "", model.WindowAll:
	case model.WindowWeek:
		if f.Since.IsZero() {
			f.Since = s.now().Add(-rankWeek)
		}
	default:
		return nil, fmt.Errorf("%w: unknown window %q", errs.ErrValidation, f.Window)
	}
	f.Category = strings.TrimSpace(f.Category)
	f.Limit = normLimit(f.Limit)

	var out []model.RankRow
	err := s.store.InTx(ctx, func(ctx context.Context, q repository.Queries) error {
		var err error
		out, err = q.RankAccounts(ctx, f)
		return err
	})
	if err != nil {
		return nil, err
	}
	if out == nil {
		out = []model.RankRow{}
	}
	return out, nil
}
