// Package memstore is an in-memory repository.Store for tests and local runs.
// Transactions are serialized by one mutex and applied copy-on-commit.
package memstore

import (
	"cmp"
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/uuid/v5"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository"
)

type partKey struct {
	challenge uuid.UUID
	account   string
}

type rewardKey struct {
	partKey
	milestone int
}

type likeKey struct {
	post    uuid.UUID
	account string
}

type auditKey struct {
	account string
	key     string
}

type state struct {
	accounts       map[string]model.Account
	entries        []model.LedgerEntry
	dedupe         map[string]struct{}
	challenges     map[uuid.UUID]model.Challenge
	participations map[partKey]model.Participation
	rewarded       map[rewardKey]int64
	positions      []model.StakePosition
	posts          map[uuid.UUID]model.Post
	likes          map[likeKey]struct{}
	comments       []model.Comment
	audit          map[auditKey]model.AuditRecord
}

func newState() *state {
	return &state{
		accounts:       map[string]model.Account{},
		dedupe:         map[string]struct{}{},
		challenges:     map[uuid.UUID]model.Challenge{},
		participations: map[partKey]model.Participation{},
		rewarded:       map[rewardKey]int64{},
		posts:          map[uuid.UUID]model.Post{},
		likes:          map[likeKey]struct{}{},
		audit:          map[auditKey]model.AuditRecord{},
	}
}

// clone copies containers; stored values are never mutated in place.
func (s *state) clone() *state {
	return &state{
		accounts:       maps.Clone(s.accounts),
		entries:        slices.Clone(s.entries),
		dedupe:         maps.Clone(s.dedupe),
		challenges:     maps.Clone(s.challenges),
		participations: maps.Clone(s.participations),
		rewarded:       maps.Clone(s.rewarded),
		positions:      slices.Clone(s.positions),
		posts:          maps.Clone(s.posts),
		likes:          maps.Clone(s.likes),
		comments:       slices.Clone(s.comments),
		audit:          maps.Clone(s.audit),
	}
}

// Store implements repository.Store in memory.
type Store struct {
	mu     sync.Mutex
	st     *state
	failMu sync.Mutex
	fail   map[string]error
	now    func() time.Time
}

var _ repository.Store = (*Store)(nil)

// New returns an empty store.
func New() *Store {
	return &Store{st: newState(), fail: map[string]error{}, now: dbNow}
}

// dbNow matches the precision of a timestamptz column.
func dbNow() time.Time { return time.Now().UTC().Truncate(time.Microsecond) }

// FailOn makes every call to the named query method return err. A nil err clears it.
func (s *Store) FailOn(op string, err error) {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	if err == nil {
		delete(s.fail, op)
		return
	}
	s.fail[op] = err
}

func (s *Store) failure(op string) error {
	s.failMu.Lock()
	defer s.failMu.Unlock()
	return s.fail[op]
}

// InTx runs fn against a private copy of the state and publishes it if fn succeeds.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, q repository.Queries) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", errs.ErrTimeout, err)
	}
	work := s.st.clone()
	if err := fn(ctx, &queries{s: s, st: work}); err != nil {
		return err
	}
	s.st = work
	return nil
}

// Snapshot helpers for assertions in tests.

// Account returns the committed account or false.
func (s *Store) Account(id string) (model.Account, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	a, ok := s.st.accounts[id]
	return a, ok
}

// Entries returns every committed ledger entry for an account in insertion order.
func (s *Store) Entries(accountID string) []model.LedgerEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []model.LedgerEntry
	for _, e := range s.st.entries {
		if e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out
}

type queries struct {
	s  *Store
	st *state
}

var _ repository.Queries = (*queries)(nil)

func (q *queries) EnsureAccount(_ context.Context, id string) error {
	if err := q.s.failure("EnsureAccount"); err != nil {
		return err
	}
	if _, ok := q.st.accounts[id]; !ok {
		now := q.s.now()
		q.st.accounts[id] = model.Account{ID: id, Tier: model.TierNone, CreatedAt: now, UpdatedAt: now}
	}
	return nil
}

func (q *queries) GetAccount(_ context.Context, id string, _ bool) (*model.Account, error) {
	if err := q.s.failure("GetAccount"); err != nil {
		return nil, err
	}
	a, ok := q.st.accounts[id]
	if !ok {
		return nil, fmt.Errorf("account %s: %w", id, errs.ErrNotFound)
	}
	return &a, nil
}

func (q *queries) SaveAccount(_ context.Context, a *model.Account) error {
	if err := q.s.failure("SaveAccount"); err != nil {
		return err
	}
	if _, ok := q.st.accounts[a.ID]; !ok {
		return fmt.Errorf("account %s: %w", a.ID, errs.ErrNotFound)
	}
	if a.Balance < 0 || a.Staked < 0 {
		return fmt.Errorf("account %s: negative balance violates constraint", a.ID)
	}
	cp := *a
	if a.StakedSince != nil {
		t := *a.StakedSince
		cp.StakedSince = &t
	}
	q.st.accounts[a.ID] = cp
	return nil
}

func (q *queries) InsertEntry(_ context.Context, e *model.LedgerEntry) error {
	if err := q.s.failure("InsertEntry"); err != nil {
		return err
	}
	if e.DedupeKey != "" {
		if _, dup := q.st.dedupe[e.DedupeKey]; dup {
			return fmt.Errorf("ledger entry %q: %w", e.DedupeKey, errs.ErrAlreadyProcessed)
		}
		q.st.dedupe[e.DedupeKey] = struct{}{}
	}
	q.st.entries = append(q.st.entries, *e)
	return nil
}

func (q *queries) ListEntries(_ context.Context, accountID string, limit int) ([]model.LedgerEntry, error) {
	if err := q.s.failure("ListEntries"); err != nil {
		return nil, err
	}
	var out []model.LedgerEntry
	for i := len(q.st.entries) - 1; i >= 0 && len(out) < limit; i-- {
		if e := q.st.entries[i]; e.AccountID == accountID {
			out = append(out, e)
		}
	}
	return out, nil
}

func (q *queries) ListStakingAccounts(context.Context) ([]string, error) {
	if err := q.s.failure("ListStakingAccounts"); err != nil {
		return nil, err
	}
	var out []string
	for id, a := range q.st.accounts {
		if a.Staked > 0 {
			out = append(out, id)
		}
	}
	slices.Sort(out)
	return out, nil
}

func (q *queries) InsertChallenge(_ context.Context, c *model.Challenge) error {
	if err := q.s.failure("InsertChallenge"); err != nil {
		return err
	}
	if _, ok := q.st.challenges[c.ID]; ok {
		return fmt.Errorf("challenge %s: %w", c.ID, errs.ErrAlreadyExists)
	}
	cp := *c
	cp.Milestones = slices.Clone(c.Milestones)
	cp.Participants = 0
	q.st.challenges[c.ID] = cp
	return nil
}

func (q *queries) GetChallenge(_ context.Context, id uuid.UUID, _ repository.LockMode) (*model.Challenge, error) {
	if err := q.s.failure("GetChallenge"); err != nil {
		return nil, err
	}
	c, ok := q.st.challenges[id]
	if !ok {
		return nil, fmt.Errorf("challenge %s: %w", id, errs.ErrNotFound)
	}
	c.Milestones = slices.Clone(c.Milestones)
	return &c, nil
}

func (q *queries) UpdateChallengeStatus(_ context.Context, c *model.Challenge) error {
	if err := q.s.failure("UpdateChallengeStatus"); err != nil {
		return err
	}
	cur, ok := q.st.challenges[c.ID]
	if !ok {
		return fmt.Errorf("challenge %s: %w", c.ID, errs.ErrNotFound)
	}
	cur.Status = c.Status
	cur.ClosedAt = c.ClosedAt
	q.st.challenges[c.ID] = cur
	return nil
}

func (q *queries) ListChallenges(_ context.Context, f model.ChallengeFilter) ([]model.Challenge, error) {
	if err := q.s.failure("ListChallenges"); err != nil {
		return nil, err
	}
	search := strings.ToLower(f.Search)
	out := []model.Challenge{}
	for _, c := range q.st.challenges {
		if f.Status != "" && c.Status != f.Status {
			continue
		}
		if f.Category != "" && c.Category != f.Category {
			continue
		}
		if search != "" && !strings.Contains(strings.ToLower(c.Title), search) {
			continue
		}
		c.Participants = q.count(c.ID)
		out = append(out, c)
	}
	slices.SortFunc(out, func(a, b model.Challenge) int {
		if c := a.StartsAt.Compare(b.StartsAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ID.String(), b.ID.String())
	})
	return out, nil
}

func (q *queries) ListDueChallenges(_ context.Context, now time.Time) ([]uuid.UUID, error) {
	if err := q.s.failure("ListDueChallenges"); err != nil {
		return nil, err
	}
	var due []model.Challenge
	for _, c := range q.st.challenges {
		if c.Status == model.StatusActive && !c.EndsAt.After(now) {
			due = append(due, c)
		}
	}
	slices.SortFunc(due, func(a, b model.Challenge) int { return a.EndsAt.Compare(b.EndsAt) })
	out := make([]uuid.UUID, 0, len(due))
	for _, c := range due {
		out = append(out, c.ID)
	}
	return out, nil
}

func (q *queries) count(id uuid.UUID) int64 {
	var n int64
	for k := range q.st.participations {
		if k.challenge == id {
			n++
		}
	}
	return n
}

func (q *queries) rewardedFor(k partKey) []int {
	var out []int
	for rk := range q.st.rewarded {
		if rk.partKey == k {
			out = append(out, rk.milestone)
		}
	}
	slices.Sort(out)
	return out
}

func (q *queries) GetParticipation(_ context.Context, challengeID uuid.UUID, accountID string, _ bool) (*model.Participation, error) {
	if err := q.s.failure("GetParticipation"); err != nil {
		return nil, err
	}
	k := partKey{challengeID, accountID}
	p, ok := q.st.participations[k]
	if !ok {
		return nil, fmt.Errorf("participation %s/%s: %w", challengeID, accountID, errs.ErrNotFound)
	}
	p.Rewarded = q.rewardedFor(k)
	return &p, nil
}

func (q *queries) InsertParticipation(_ context.Context, p *model.Participation) error {
	if err := q.s.failure("InsertParticipation"); err != nil {
		return err
	}
	k := partKey{p.ChallengeID, p.AccountID}
	if _, ok := q.st.participations[k]; ok {
		return fmt.Errorf("participation %s/%s: %w", p.ChallengeID, p.AccountID, errs.ErrAlreadyExists)
	}
	cp := *p
	cp.Rewarded = nil
	q.st.participations[k] = cp
	return nil
}

func (q *queries) UpdateProgress(_ context.Context, p *model.Participation) error {
	if err := q.s.failure("UpdateProgress"); err != nil {
		return err
	}
	k := partKey{p.ChallengeID, p.AccountID}
	cur, ok := q.st.participations[k]
	if !ok {
		return fmt.Errorf("participation %s/%s: %w", p.ChallengeID, p.AccountID, errs.ErrNotFound)
	}
	cur.Progress = p.Progress
	cur.UpdatedAt = p.UpdatedAt
	q.st.participations[k] = cur
	return nil
}

func (q *queries) CountParticipants(_ context.Context, challengeID uuid.UUID) (int64, error) {
	if err := q.s.failure("CountParticipants"); err != nil {
		return 0, err
	}
	return q.count(challengeID), nil
}

func (q *queries) ListParticipations(_ context.Context, challengeID uuid.UUID, _ bool) ([]model.Participation, error) {
	if err := q.s.failure("ListParticipations"); err != nil {
		return nil, err
	}
	var out []model.Participation
	for k, p := range q.st.participations {
		if k.challenge == challengeID {
			p.Rewarded = q.rewardedFor(k)
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Participation) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	return out, nil
}

func (q *queries) MarkRewarded(_ context.Context, challengeID uuid.UUID, accountID string, milestoneID int, amount int64) error {
	if err := q.s.failure("MarkRewarded"); err != nil {
		return err
	}
	k := rewardKey{partKey{challengeID, accountID}, milestoneID}
	if _, ok := q.st.rewarded[k]; ok {
		return fmt.Errorf("milestone %d for %s: %w", milestoneID, accountID, errs.ErrAlreadyExists)
	}
	q.st.rewarded[k] = amount
	return nil
}

func (q *queries) Leaderboard(_ context.Context, challengeID uuid.UUID, limit int) ([]model.LeaderboardRow, error) {
	if err := q.s.failure("Leaderboard"); err != nil {
		return nil, err
	}
	var rows []model.LeaderboardRow
	for k, p := range q.st.participations {
		if k.challenge != challengeID {
			continue
		}
		var earned int64
		for rk, amt := range q.st.rewarded {
			if rk.partKey == k {
				earned += amt
			}
		}
		rows = append(rows, model.LeaderboardRow{AccountID: p.AccountID, Progress: p.Progress, Earned: earned, JoinedAt: p.JoinedAt})
	}
	slices.SortFunc(rows, func(a, b model.LeaderboardRow) int {
		if c := cmp.Compare(b.Progress, a.Progress); c != 0 {
			return c
		}
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	if len(rows) > limit {
		rows = rows[:limit]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (q *queries) ListAccountParticipations(_ context.Context, accountID string) ([]model.Participation, error) {
	if err := q.s.failure("ListAccountParticipations"); err != nil {
		return nil, err
	}
	out := []model.Participation{}
	for k, p := range q.st.participations {
		if k.account == accountID {
			p.Rewarded = q.rewardedFor(k)
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Participation) int {
		if c := b.JoinedAt.Compare(a.JoinedAt); c != 0 {
			return c
		}
		return cmp.Compare(a.ChallengeID.String(), b.ChallengeID.String())
	})
	return out, nil
}

func (q *queries) RankAccounts(_ context.Context, f model.RankFilter) ([]model.RankRow, error) {
	if err := q.s.failure("RankAccounts"); err != nil {
		return nil, err
	}
	totals := map[string]*model.RankRow{}
	for _, e := range q.st.entries {
		if e.Reason != model.ReasonReward || e.CreatedAt.Before(f.Since) {
			continue
		}
		id, err := uuid.FromString(e.Reference)
		if err != nil {
			continue
		}
		c, ok := q.st.challenges[id]
		if !ok || (f.Category != "" && c.Category != f.Category) {
			continue
		}
		r, ok := totals[e.AccountID]
		if !ok {
			r = &model.RankRow{AccountID: e.AccountID}
			totals[e.AccountID] = r
		}
		r.Earned += e.Delta
		r.Rewards++
	}
	rows := make([]model.RankRow, 0, len(totals))
	for _, r := range totals {
		rows = append(rows, *r)
	}
	slices.SortFunc(rows, func(a, b model.RankRow) int {
		if c := cmp.Compare(b.Earned, a.Earned); c != 0 {
			return c
		}
		return cmp.Compare(a.AccountID, b.AccountID)
	})
	if len(rows) > f.Limit {
		rows = rows[:f.Limit]
	}
	for i := range rows {
		rows[i].Rank = i + 1
	}
	return rows, nil
}

func (q *queries) InsertStakePosition(_ context.Context, p *model.StakePosition) error {
	if err := q.s.failure("InsertStakePosition"); err != nil {
		return err
	}
	q.st.positions = append(q.st.positions, *p)
	return nil
}

func (q *queries) ListStakePositions(_ context.Context, accountID string) ([]model.StakePosition, error) {
	if err := q.s.failure("ListStakePositions"); err != nil {
		return nil, err
	}
	var out []model.StakePosition
	for _, p := range q.st.positions {
		if p.AccountID == accountID {
			out = append(out, p)
		}
	}
	return out, nil
}

func (q *queries) DeleteStakePositions(_ context.Context, accountID string) (int64, error) {
	if err := q.s.failure("DeleteStakePositions"); err != nil {
		return 0, err
	}
	before := len(q.st.positions)
	q.st.positions = slices.DeleteFunc(q.st.positions, func(p model.StakePosition) bool { return p.AccountID == accountID })
	return int64(before - len(q.st.positions)), nil
}

func (q *queries) InsertPost(_ context.Context, p *model.Post) error {
	if err := q.s.failure("InsertPost"); err != nil {
		return err
	}
	q.st.posts[p.ID] = *p
	return nil
}

func (q *queries) GetPost(_ context.Context, id uuid.UUID, _ bool) (*model.Post, error) {
	if err := q.s.failure("GetPost"); err != nil {
		return nil, err
	}
	p, ok := q.st.posts[id]
	if !ok {
		return nil, fmt.Errorf("post %s: %w", id, errs.ErrNotFound)
	}
	return &p, nil
}

func (q *queries) ListPosts(_ context.Context, maxRank int, authorID string, limit int) ([]model.Post, error) {
	if err := q.s.failure("ListPosts"); err != nil {
		return nil, err
	}
	var out []model.Post
	for _, p := range q.st.posts {
		if model.TierRank(p.RequiredTier) <= maxRank || p.AuthorID == authorID {
			out = append(out, p)
		}
	}
	slices.SortFunc(out, func(a, b model.Post) int {
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
		return cmp.Compare(b.ID.String(), a.ID.String())
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (q *queries) InsertLike(_ context.Context, postID uuid.UUID, accountID string) error {
	if err := q.s.failure("InsertLike"); err != nil {
		return err
	}
	k := likeKey{postID, accountID}
	if _, ok := q.st.likes[k]; ok {
		return fmt.Errorf("like %s by %s: %w", postID, accountID, errs.ErrAlreadyExists)
	}
	q.st.likes[k] = struct{}{}
	return nil
}

func (q *queries) AddPostCounters(_ context.Context, postID uuid.UUID, likes, comments int64) error {
	if err := q.s.failure("AddPostCounters"); err != nil {
		return err
	}
	p, ok := q.st.posts[postID]
	if !ok {
		return fmt.Errorf("post %s: %w", postID, errs.ErrNotFound)
	}
	p.Likes += likes
	p.Comments += comments
	q.st.posts[postID] = p
	return nil
}

func (q *queries) InsertComment(_ context.Context, c *model.Comment) error {
	if err := q.s.failure("InsertComment"); err != nil {
		return err
	}
	q.st.comments = append(q.st.comments, *c)
	return nil
}

// LockKey is a no-op: InTx already serializes every transaction.
func (q *queries) LockKey(context.Context, string, string) error {
	return q.s.failure("LockKey")
}

func (q *queries) GetAuditRecord(_ context.Context, accountID, key string) (*model.AuditRecord, error) {
	if err := q.s.failure("GetAuditRecord"); err != nil {
		return nil, err
	}
	r, ok := q.st.audit[auditKey{accountID, key}]
	if !ok {
		return nil, fmt.Errorf("audit %q: %w", key, errs.ErrNotFound)
	}
	return &r, nil
}

func (q *queries) InsertAuditRecord(_ context.Context, r *model.AuditRecord) error {
	if err := q.s.failure("InsertAuditRecord"); err != nil {
		return err
	}
	k := auditKey{r.AccountID, r.Key}
	if _, ok := q.st.audit[k]; ok {
		return fmt.Errorf("audit %q: %w", r.Key, errs.ErrAlreadyExists)
	}
	q.st.audit[k] = *r
	return nil
}
