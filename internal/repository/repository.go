// Package repository defines storage interfaces implemented by concrete backends.
package repository

import (
	"context"
	"time"

	"github.com/and161185/fan-ledger/internal/model"
	"github.com/gofrs/uuid/v5"
)

// Store runs units of work against the ledger. Every call to InTx is one
// transaction: fn's writes commit together when it returns nil and are
// discarded otherwise.
type Store interface {
	InTx(ctx context.Context, fn func(ctx context.Context, q Queries) error) error
}

// Queries is the set of statements available inside a transaction.
type Queries interface {
	AccountQueries
	ChallengeQueries
	ParticipationQueries
	StakeQueries
	PostQueries
	AuditQueries
}

// LockMode selects the row lock taken by a read.
type LockMode int

const (
	LockNone LockMode = iota
	LockShare
	LockUpdate
)

// AccountQueries reads and mutates balances and the append-only ledger.
type AccountQueries interface {
	// EnsureAccount creates a zeroed account if it does not exist.
	EnsureAccount(ctx context.Context, id string) error
	// GetAccount loads an account, optionally taking a row lock.
	GetAccount(ctx context.Context, id string, forUpdate bool) (*model.Account, error)
	// SaveAccount persists balance, staked, tier and accrual state.
	SaveAccount(ctx context.Context, a *model.Account) error
	// InsertEntry appends a ledger entry. A duplicate dedupe key yields errs.ErrAlreadyProcessed.
	InsertEntry(ctx context.Context, e *model.LedgerEntry) error
	// ListEntries returns an account's entries, newest first.
	ListEntries(ctx context.Context, accountID string, limit int) ([]model.LedgerEntry, error)
	// ListStakingAccounts returns ids of accounts with a positive stake.
	ListStakingAccounts(ctx context.Context) ([]string, error)
}

// ChallengeQueries persists challenges and their milestones.
type ChallengeQueries interface {
	InsertChallenge(ctx context.Context, c *model.Challenge) error
	GetChallenge(ctx context.Context, id uuid.UUID, lock LockMode) (*model.Challenge, error)
	UpdateChallengeStatus(ctx context.Context, c *model.Challenge) error
	// ListChallenges returns challenges matching f, soonest start first.
	ListChallenges(ctx context.Context, f model.ChallengeFilter) ([]model.Challenge, error)
	// ListDueChallenges returns ids of active challenges with ends_at <= now.
	ListDueChallenges(ctx context.Context, now time.Time) ([]uuid.UUID, error)
}

// ParticipationQueries tracks per-account challenge progress.
type ParticipationQueries interface {
	GetParticipation(ctx context.Context, challengeID uuid.UUID, accountID string, forUpdate bool) (*model.Participation, error)
	// InsertParticipation yields errs.ErrAlreadyExists for an existing pair.
	InsertParticipation(ctx context.Context, p *model.Participation) error
	UpdateProgress(ctx context.Context, p *model.Participation) error
	CountParticipants(ctx context.Context, challengeID uuid.UUID) (int64, error)
	ListParticipations(ctx context.Context, challengeID uuid.UUID, forUpdate bool) ([]model.Participation, error)
	// MarkRewarded records a paid milestone. Yields errs.ErrAlreadyExists if already recorded.
	MarkRewarded(ctx context.Context, challengeID uuid.UUID, accountID string, milestoneID int, amount int64) error
	// Leaderboard orders participants by progress desc, joined_at asc.
	Leaderboard(ctx context.Context, challengeID uuid.UUID, limit int) ([]model.LeaderboardRow, error)
	// ListAccountParticipations returns an account's participations, newest join first.
	ListAccountParticipations(ctx context.Context, accountID string) ([]model.Participation, error)
	// RankAccounts sums reward credits per account across challenges, highest first.
	RankAccounts(ctx context.Context, f model.RankFilter) ([]model.RankRow, error)
}

// StakeQueries manages stake positions.
type StakeQueries interface {
	InsertStakePosition(ctx context.Context, p *model.StakePosition) error
	ListStakePositions(ctx context.Context, accountID string) ([]model.StakePosition, error)
	DeleteStakePositions(ctx context.Context, accountID string) (int64, error)
}

// PostQueries manages community posts.
type PostQueries interface {
	InsertPost(ctx context.Context, p *model.Post) error
	GetPost(ctx context.Context, id uuid.UUID, forUpdate bool) (*model.Post, error)
	// ListPosts returns posts whose required tier ranks at most maxRank, newest first.
	// Posts authored by authorID are included regardless of tier.
	ListPosts(ctx context.Context, maxRank int, authorID string, limit int) ([]model.Post, error)
	// InsertLike yields errs.ErrAlreadyExists if the account already liked the post.
	InsertLike(ctx context.Context, postID uuid.UUID, accountID string) error
	AddPostCounters(ctx context.Context, postID uuid.UUID, likes, comments int64) error
	InsertComment(ctx context.Context, c *model.Comment) error
}

// AuditQueries backs idempotent writes.
type AuditQueries interface {
	// LockKey serializes transactions using the same idempotency key until commit.
	LockKey(ctx context.Context, accountID, key string) error
	GetAuditRecord(ctx context.Context, accountID, key string) (*model.AuditRecord, error)
	InsertAuditRecord(ctx context.Context, r *model.AuditRecord) error
}
