package worker

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap/zaptest"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/repository/memstore"
	"github.com/and161185/fan-ledger/internal/service"
	"github.com/and161185/fan-ledger/internal/tier"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type fakeCloser struct {
	calls atomic.Int32
	err   error
}

func (f *fakeCloser) CloseDue(context.Context) ([]model.Settlement, error) {
	f.calls.Add(1)
	return []model.Settlement{{Participants: 1}}, f.err
}

type fakeAccruer struct {
	ids  []string
	fail map[string]error
	mu   sync.Mutex
	seen []string
}

func (f *fakeAccruer) StakingAccounts(context.Context) ([]string, error) { return f.ids, nil }

func (f *fakeAccruer) AccrueRewards(_ context.Context, _ service.IdempotencyKey, id string) (model.AccrualResult, bool, error) {
	f.mu.Lock()
	f.seen = append(f.seen, id)
	f.mu.Unlock()
	if err := f.fail[id]; err != nil {
		return model.AccrualResult{}, false, err
	}
	return model.AccrualResult{Periods: 1, Credited: 10}, false, nil
}

type jobRec struct {
	mu   sync.Mutex
	jobs map[string]int
	errs map[string]int
}

func (r *jobRec) RecordJob(job string, _ time.Duration, err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.jobs == nil {
		r.jobs, r.errs = map[string]int{}, map[string]int{}
	}
	r.jobs[job]++
	if err != nil {
		r.errs[job]++
	}
}

func (r *jobRec) count(job string) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.jobs[job]
}

type probeFunc func(context.Context) error

func (f probeFunc) Probe(ctx context.Context) error { return f(ctx) }

func TestAccrueAll_ContinuesPastFailures(t *testing.T) {
	boom := errors.New("boom")
	acc := &fakeAccruer{
		ids: []string{"a", "b", "c", "d"},
		fail: map[string]error{
			"b": boom,
			"c": errs.ErrNothingStaked,
		},
	}
	s, err := New(Config{AccrueWorkers: 2}, &fakeCloser{}, acc, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	sum, err := s.AccrueAll(context.Background())
	require.ErrorIs(t, err, boom)
	require.NotErrorIs(t, err, errs.ErrNothingStaked)
	require.Equal(t, AccrualSummary{Accounts: 2, Periods: 2, Credited: 20}, sum)
	require.ElementsMatch(t, acc.ids, acc.seen)
}

func TestAccrueAll_CancelledContext(t *testing.T) {
	acc := &fakeAccruer{ids: []string{"a", "b"}}
	s, err := New(Config{AccrueRPS: 0.001, AccrueWorkers: 1}, &fakeCloser{}, acc, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = s.AccrueAll(ctx)
	require.Error(t, err)
	require.Empty(t, acc.seen)
}

func TestAccrueAll_CreditsStakers(t *testing.T) {
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memstore.New()
	ledger := service.NewLedgerService(store, clock, nil)
	staking := service.NewStakingService(store, tier.Default(), time.Hour, clock, nil)
	ctx := context.Background()

	for _, id := range []string{"alice", "bob"} {
		_, err := ledger.Credit(ctx, id, 1000, model.ReasonGrant, "test", "")
		require.NoError(t, err)
		_, _, err = staking.Stake(ctx, service.IdempotencyKey{}, id, 1000, model.TierGold)
		require.NoError(t, err)
	}
	_, err := ledger.Credit(ctx, "carol", 5, model.ReasonGrant, "test", "")
	require.NoError(t, err)

	s, err := New(Config{}, &fakeCloser{}, staking, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	defer func() { require.NoError(t, s.Shutdown()) }()

	now = now.Add(2 * time.Hour)
	sum, err := s.AccrueAll(ctx)
	require.NoError(t, err)
	require.Equal(t, AccrualSummary{Accounts: 2, Periods: 4, Credited: 280}, sum)

	sum, err = s.AccrueAll(ctx)
	require.NoError(t, err)
	require.Equal(t, int64(0), sum.Periods, "periods are credited once")
}

func TestScheduler_RunsJobs(t *testing.T) {
	closer := &fakeCloser{err: errors.New("db down")}
	rec := &jobRec{}
	var probes atomic.Int32
	probe := probeFunc(func(context.Context) error { probes.Add(1); return nil })

	s, err := New(Config{
		CloseEvery:  10 * time.Millisecond,
		AccrueEvery: 10 * time.Millisecond,
		ProbeEvery:  10 * time.Millisecond,
	}, closer, &fakeAccruer{}, probe, rec, zaptest.NewLogger(t))
	require.NoError(t, err)

	s.Start()
	require.Eventually(t, func() bool {
		return rec.count(JobCloseDue) > 0 && rec.count(JobAccrue) > 0 && rec.count(JobProbe) > 0
	}, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, s.Shutdown())

	rec.mu.Lock()
	defer rec.mu.Unlock()
	require.Positive(t, rec.errs[JobCloseDue])
	require.Zero(t, rec.errs[JobAccrue])
	require.Positive(t, probes.Load())
}

func TestScheduler_DisabledJobs(t *testing.T) {
	closer := &fakeCloser{}
	s, err := New(Config{}, closer, &fakeAccruer{}, nil, nil, zaptest.NewLogger(t))
	require.NoError(t, err)
	s.Start()
	time.Sleep(30 * time.Millisecond)
	require.NoError(t, s.Shutdown())
	require.Zero(t, closer.calls.Load())
	require.NoError(t, s.Probe(context.Background()))
}
