package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/gofrs/uuid/v5"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository/memstore"
	"github.com/and161185/fan-ledger/internal/tier"
)

var t0 = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type countingObserver struct {
	mu       sync.Mutex
	rewards  int64
	joins    int
	replays  map[string]int
	settled  []model.FeeDisposition
	accruals int64
}

func (o *countingObserver) RewardIssued(amount int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.rewards += amount
}

func (o *countingObserver) Joined() {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.joins++
}

func (o *countingObserver) Replayed(op string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.replays == nil {
		o.replays = map[string]int{}
	}
	o.replays[op]++
}

func (o *countingObserver) Settled(d model.FeeDisposition) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.settled = append(o.settled, d)
}

func (o *countingObserver) Accrued(_, amount int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.accruals += amount
}

type fakeArchiver struct {
	mu   sync.Mutex
	got  []model.Settlement
	fail error
}

func (a *fakeArchiver) ArchiveSettlement(_ context.Context, s model.Settlement) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.got = append(a.got, s)
	return a.fail
}

type env struct {
	store      *memstore.Store
	clock      *fakeClock
	obs        *countingObserver
	archive    *fakeArchiver
	ledger     *LedgerServiceImpl
	rewards    *RewardIssuerImpl
	challenges *ChallengeServiceImpl
	staking    *StakingServiceImpl
	posts      *PostServiceImpl
}

func newEnv(t *testing.T) *env {
	t.Helper()
	e := &env{
		store:   memstore.New(),
		clock:   &fakeClock{t: t0},
		obs:     &countingObserver{},
		archive: &fakeArchiver{},
	}
	e.ledger = NewLedgerService(e.store, e.clock.Now, e.obs)
	e.rewards = NewRewardIssuer(e.store, e.clock.Now, e.obs)
	e.challenges = NewChallengeService(e.store, e.clock.Now, e.obs, e.archive, zaptest.NewLogger(t))
	e.staking = NewStakingService(e.store, tier.Default(), 7*24*time.Hour, e.clock.Now, e.obs)
	e.posts = NewPostService(e.store, e.clock.Now, e.obs)
	return e
}

func (e *env) fund(t *testing.T, id string, amount int64) {
	t.Helper()
	_, err := e.ledger.Credit(context.Background(), id, amount, model.ReasonGrant, "test", "")
	require.NoError(t, err)
}

func (e *env) balance(t *testing.T, id string) int64 {
	t.Helper()
	a, ok := e.store.Account(id)
	if !ok {
		return 0
	}
	return a.Balance
}

// activeChallenge creates and publishes a two-week challenge with milestones 7:50 and 14:100.
func (e *env) activeChallenge(t *testing.T, fee, capacity int64) model.Challenge {
	t.Helper()
	ctx := context.Background()
	c, err := e.challenges.Create(ctx, "coach", model.ChallengeSpec{
		Title:    "Run Streak",
		EntryFee: fee,
		Capacity: capacity,
		Milestones: []model.MilestoneSpec{
			{Threshold: 7, Reward: 50},
			{Threshold: 14, Reward: 100},
		},
		StartsAt: t0,
		EndsAt:   t0.Add(14 * 24 * time.Hour),
	})
	require.NoError(t, err)
	c, err = e.challenges.Publish(ctx, c.ID)
	require.NoError(t, err)
	return c
}

// categorized creates and publishes a challenge like activeChallenge, free to join.
func (e *env) categorized(t *testing.T, title, category string) model.Challenge {
	t.Helper()
	ctx := context.Background()
	c, err := e.challenges.Create(ctx, "coach", model.ChallengeSpec{
		Title:    title,
		Category: category,
		Milestones: []model.MilestoneSpec{
			{Threshold: 7, Reward: 50},
			{Threshold: 14, Reward: 100},
		},
		StartsAt: t0,
		EndsAt:   t0.Add(14 * 24 * time.Hour),
	})
	require.NoError(t, err)
	c, err = e.challenges.Publish(ctx, c.ID)
	require.NoError(t, err)
	return c
}

func key(k string) IdempotencyKey {
	return IdempotencyKey{Key: k, Fingerprint: []byte(k)}
}

func newKey() IdempotencyKey {
	return key(uuid.Must(uuid.NewV4()).String())
}
