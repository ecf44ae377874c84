// Package model defines domain entities used by services and repositories.
package model

import (
	"slices"
	"time"

	"github.com/gofrs/uuid/v5"
)

// Account holds token balances. Balance and Staked are in the smallest indivisible unit.
type Account struct {
	ID             string     `json:"id"`
	Balance        int64      `json:"balance"` // >= 0
	Staked         int64      `json:"staked"`  // >= 0, sum of stake positions
	Tier           Tier       `json:"tier"`    // derived from Staked
	StakedSince    *time.Time `json:"stakedSince,omitempty"`
	AccruedPeriods int64      `json:"accruedPeriods"` // accrual periods already credited since StakedSince
	CreatedAt      time.Time  `json:"createdAt"`
	UpdatedAt      time.Time  `json:"updatedAt"`
}

// EntryReason tags a ledger entry with its business cause.
type EntryReason string

const (
	ReasonGrant      EntryReason = "grant"
	ReasonEntryFee   EntryReason = "entry_fee"
	ReasonReward     EntryReason = "reward"
	ReasonStake      EntryReason = "stake"
	ReasonUnstake    EntryReason = "unstake"
	ReasonAccrual    EntryReason = "accrual"
	ReasonTransfer   EntryReason = "transfer"
	ReasonRefund     EntryReason = "refund"
	ReasonPoolPayout EntryReason = "pool_payout"
)

// LedgerEntry is an immutable record of one balance mutation.
type LedgerEntry struct {
	ID           uuid.UUID   `json:"id"`
	AccountID    string      `json:"accountId"`
	Delta        int64       `json:"delta"` // positive for credit, negative for debit
	BalanceAfter int64       `json:"balanceAfter"`
	Reason       EntryReason `json:"reason"`
	Reference    string      `json:"reference,omitempty"`
	DedupeKey    string      `json:"-"` // empty means no deduplication
	CreatedAt    time.Time   `json:"createdAt"`
}

// AuditRecord is the stored outcome of an idempotent write, keyed by the caller's idempotency key.
type AuditRecord struct {
	Key         string
	AccountID   string
	Operation   string
	Fingerprint []byte
	Response    []byte // JSON encoded result
	CreatedAt   time.Time
}

// ChallengeStatus is the lifecycle state of a challenge.
type ChallengeStatus string

const (
	StatusDraft  ChallengeStatus = "draft"
	StatusActive ChallengeStatus = "active"
	StatusEnded  ChallengeStatus = "ended"
)

// Valid reports whether s is a known status.
func (s ChallengeStatus) Valid() bool {
	return s == StatusDraft || s == StatusActive || s == StatusEnded
}

// ChallengeFilter narrows a challenge listing. Empty fields match everything.
type ChallengeFilter struct {
	Status   ChallengeStatus
	Category string
	Search   string // case-insensitive title substring
}

// Milestone is a progress threshold paying a one-time reward. ID is the 1-based position.
type Milestone struct {
	ID          int    `json:"id"`
	Threshold   int64  `json:"threshold"`
	Reward      int64  `json:"reward"`
	Description string `json:"description,omitempty"`
}

// Challenge is a time-boxed activity with ordered milestones.
type Challenge struct {
	ID           uuid.UUID       `json:"id"`
	Slug         string          `json:"slug"`
	Title        string          `json:"title"`
	Description  string          `json:"description,omitempty"`
	Category     string          `json:"category,omitempty"`
	Difficulty   string          `json:"difficulty,omitempty"`
	CreatorID    string          `json:"creatorId"`
	EntryFee     int64           `json:"entryFee"`
	Capacity     int64           `json:"capacity"` // 0 = unlimited
	Status       ChallengeStatus `json:"status"`
	Milestones   []Milestone     `json:"milestones"`
	StartsAt     time.Time       `json:"startsAt"`
	EndsAt       time.Time       `json:"endsAt"`
	CreatedAt    time.Time       `json:"createdAt"`
	ClosedAt     *time.Time      `json:"closedAt,omitempty"`
	Participants int64           `json:"participants"` // filled on reads, not persisted
}

// MaxThreshold returns the final milestone threshold, the ceiling for progress.
func (c *Challenge) MaxThreshold() int64 {
	if len(c.Milestones) == 0 {
		return 0
	}
	return c.Milestones[len(c.Milestones)-1].Threshold
}

// Milestone looks up a milestone by id.
func (c *Challenge) Milestone(id int) (Milestone, bool) {
	for _, m := range c.Milestones {
		if m.ID == id {
			return m, true
		}
	}
	return Milestone{}, false
}

// EscrowPrefix starts every escrow account id. Member ids may not use it.
const EscrowPrefix = "challenge:"

// EscrowAccount is the ledger account holding this challenge's entry fees.
func (c *Challenge) EscrowAccount() string { return EscrowPrefix + c.ID.String() }

// AcceptsJoins reports whether new participants may join at now.
func (c *Challenge) AcceptsJoins(now time.Time) bool {
	return c.Status == StatusActive && now.Before(c.EndsAt)
}

// AcceptsProgress reports whether progress may be reported at now.
func (c *Challenge) AcceptsProgress(now time.Time) bool {
	return c.Status == StatusActive && !now.Before(c.StartsAt) && now.Before(c.EndsAt)
}

// MilestoneSpec is the caller-supplied definition of a milestone.
type MilestoneSpec struct {
	Threshold   int64
	Reward      int64
	Description string
}

// ChallengeSpec is the input to challenge creation.
type ChallengeSpec struct {
	Title       string
	Description string
	Category    string
	Difficulty  string
	EntryFee    int64
	Capacity    int64
	Milestones  []MilestoneSpec
	StartsAt    time.Time
	EndsAt      time.Time
}

// Participation is one account's engagement with one challenge.
type Participation struct {
	AccountID    string    `json:"accountId"`
	ChallengeID  uuid.UUID `json:"challengeId"`
	Progress     int64     `json:"progress"`
	EntryFeePaid int64     `json:"entryFeePaid"`
	Rewarded     []int     `json:"rewarded"` // milestone ids already paid, ascending
	JoinedAt     time.Time `json:"joinedAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// HasRewarded reports whether milestone id was already paid.
func (p *Participation) HasRewarded(id int) bool {
	return slices.Contains(p.Rewarded, id)
}

// MarkRewarded records id in the rewarded set, keeping it sorted.
func (p *Participation) MarkRewarded(id int) {
	if p.HasRewarded(id) {
		return
	}
	p.Rewarded = append(p.Rewarded, id)
	slices.Sort(p.Rewarded)
}

// ProgressReport is the outcome of a progress report.
type ProgressReport struct {
	Participation Participation `json:"participation"`
	Crossed       []Milestone   `json:"crossed"`
	Credited      int64         `json:"credited"`
}

// IssuedReward is one milestone payout.
type IssuedReward struct {
	AccountID   string `json:"accountId"`
	MilestoneID int    `json:"milestoneId"`
	Amount      int64  `json:"amount"`
}

// FeeDisposition says what happened to a challenge's entry-fee escrow at settlement.
type FeeDisposition string

const (
	FeesNone     FeeDisposition = "none"
	FeesRefunded FeeDisposition = "refunded"
	FeesToPool   FeeDisposition = "paid_to_creator"
)

// Settlement is the result of closing a challenge.
type Settlement struct {
	Challenge      Challenge      `json:"challenge"`
	Participants   int            `json:"participants"`
	Issued         []IssuedReward `json:"issued"`
	EscrowAmount   int64          `json:"escrowAmount"`
	FeeDisposition FeeDisposition `json:"feeDisposition"`
	ClosedAt       time.Time      `json:"closedAt"`
}

// LeaderboardRow is one ranked participant of a challenge.
type LeaderboardRow struct {
	Rank      int       `json:"rank"`
	AccountID string    `json:"accountId"`
	Progress  int64     `json:"progress"`
	Earned    int64     `json:"earned"`
	JoinedAt  time.Time `json:"joinedAt"`
}

// RankWindow selects the period of the cross-challenge leaderboard.
type RankWindow string

const (
	WindowAll  RankWindow = "all"
	WindowWeek RankWindow = "week"
)

// RankFilter narrows the cross-challenge leaderboard.
type RankFilter struct {
	Category string
	Window   RankWindow
	Since    time.Time // rewards credited at or after Since; zero means all time
	Limit    int
}

// RankRow is one account's reward total across challenges.
type RankRow struct {
	Rank      int    `json:"rank"`
	AccountID string `json:"accountId"`
	Earned    int64  `json:"earned"`
	Rewards   int64  `json:"rewards"` // number of paid milestones
}

// StakePosition is a single stake deposit.
type StakePosition struct {
	ID        uuid.UUID `json:"id"`
	AccountID string    `json:"accountId"`
	Tier      Tier      `json:"tier"` // tier requested when staking
	Amount    int64     `json:"amount"`
	CreatedAt time.Time `json:"createdAt"`
}

// AccrualResult reports a staking reward accrual.
type AccrualResult struct {
	Account  Account `json:"account"`
	Periods  int64   `json:"periods"`
	Credited int64   `json:"credited"`
}

// Post is community content, optionally gated by tier.
type Post struct {
	ID           uuid.UUID `json:"id"`
	AuthorID     string    `json:"authorId"`
	Body         string    `json:"body"`
	Link         string    `json:"link,omitempty"`
	RequiredTier Tier      `json:"requiredTier"`
	Likes        int64     `json:"likes"`
	Comments     int64     `json:"comments"`
	CreatedAt    time.Time `json:"createdAt"`
}

// Comment is a reply to a post.
type Comment struct {
	ID        uuid.UUID `json:"id"`
	PostID    uuid.UUID `json:"postId"`
	AuthorID  string    `json:"authorId"`
	Body      string    `json:"body"`
	CreatedAt time.Time `json:"createdAt"`
}
