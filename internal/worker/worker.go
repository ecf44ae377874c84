// Package worker runs the periodic jobs: closing challenges past their end,
// crediting staking accruals and probing store health.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/and161185/fan-ledger/internal/errs"
	"github.com/and161185/fan-ledger/internal/model"
	"github.com/and161185/fan-ledger/internal/service"
)

// Job names, used in logs and metrics.
const (
	JobCloseDue = "close-due"
	JobAccrue   = "accrue"
	JobProbe    = "probe"
)

// Closer closes challenges whose end time has passed.
type Closer interface {
	CloseDue(ctx context.Context) ([]model.Settlement, error)
}

// Accruer credits staking rewards.
type Accruer interface {
	StakingAccounts(ctx context.Context) ([]string, error)
	AccrueRewards(ctx context.Context, key service.IdempotencyKey, accountID string) (model.AccrualResult, bool, error)
}

// Prober checks dependencies and publishes health.
type Prober interface {
	Probe(ctx context.Context) error
}

// Recorder receives job outcomes; metrics.Registry implements it.
type Recorder interface {
	RecordJob(job string, d time.Duration, err error)
}

// Config sets job intervals and accrual pacing. Zero intervals disable a job.
type Config struct {
	CloseEvery    time.Duration
	AccrueEvery   time.Duration
	ProbeEvery    time.Duration
	JobTimeout    time.Duration
	AccrueWorkers int
	AccrueRPS     float64
}

// Scheduler owns the gocron scheduler and the job bodies.
type Scheduler struct {
	cfg     Config
	sched   gocron.Scheduler
	closer  Closer
	accruer Accruer
	prober  Prober
	rec     Recorder
	log     *zap.Logger
	limiter *rate.Limiter

	ctx    context.Context
	cancel context.CancelFunc
}

// New registers the jobs. prober and rec may be nil.
func New(cfg Config, closer Closer, accruer Accruer, prober Prober, rec Recorder, log *zap.Logger) (*Scheduler, error) {
	if cfg.JobTimeout <= 0 {
		cfg.JobTimeout = 5 * time.Minute
	}
	if cfg.AccrueWorkers <= 0 {
		cfg.AccrueWorkers = 4
	}
	lim := rate.NewLimiter(rate.Inf, 1)
	if cfg.AccrueRPS > 0 {
		lim = rate.NewLimiter(rate.Limit(cfg.AccrueRPS), cfg.AccrueWorkers)
	}
	sched, err := gocron.NewScheduler(gocron.WithLocation(time.UTC))
	if err != nil {
		return nil, fmt.Errorf("new scheduler: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		cfg: cfg, sched: sched, closer: closer, accruer: accruer, prober: prober,
		rec: rec, log: log, limiter: lim, ctx: ctx, cancel: cancel,
	}

	jobs := []struct {
		name  string
		every time.Duration
		run   func(context.Context) error
	}{
		{JobCloseDue, cfg.CloseEvery, s.CloseDue},
		{JobAccrue, cfg.AccrueEvery, func(ctx context.Context) error { _, err := s.AccrueAll(ctx); return err }},
		{JobProbe, cfg.ProbeEvery, s.Probe},
	}
	for _, j := range jobs {
		if j.every <= 0 {
			continue
		}
		if j.name == JobProbe && prober == nil {
			continue
		}
		_, err := sched.NewJob(
			gocron.DurationJob(j.every),
			gocron.NewTask(s.runJob, j.name, j.run),
			gocron.WithName(j.name),
			gocron.WithSingletonMode(gocron.LimitModeReschedule),
		)
		if err != nil {
			cancel()
			_ = sched.Shutdown()
			return nil, fmt.Errorf("schedule %s: %w", j.name, err)
		}
	}
	return s, nil
}

func (s *Scheduler) runJob(name string, run func(context.Context) error) {
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.JobTimeout)
	defer cancel()
	start := time.Now()
	err := run(ctx)
	if s.rec != nil {
		s.rec.RecordJob(name, time.Since(start), err)
	}
	if err != nil {
		s.log.Warn("job failed", zap.String("job", name), zap.Error(err))
	}
}

// Start begins running jobs in the background.
func (s *Scheduler) Start() { s.sched.Start() }

// Shutdown cancels running jobs and waits for them to return.
func (s *Scheduler) Shutdown() error {
	s.cancel()
	return s.sched.Shutdown()
}

// CloseDue settles every challenge past its end time.
func (s *Scheduler) CloseDue(ctx context.Context) error {
	sets, err := s.closer.CloseDue(ctx)
	if len(sets) > 0 {
		s.log.Info("closed due challenges", zap.Int("count", len(sets)))
	}
	return err
}

// AccrualSummary totals one accrual sweep.
type AccrualSummary struct {
	Accounts int
	Periods  int64
	Credited int64
}

// AccrueAll credits elapsed accrual periods for every staking account, paced by
// the configured rate and worker count. Per-account failures do not stop the sweep.
func (s *Scheduler) AccrueAll(ctx context.Context) (AccrualSummary, error) {
	ids, err := s.accruer.StakingAccounts(ctx)
	if err != nil {
		return AccrualSummary{}, fmt.Errorf("list staking accounts: %w", err)
	}

	var (
		mu   sync.Mutex
		sum  AccrualSummary
		errL []error
	)
	var g errgroup.Group
	g.SetLimit(s.cfg.AccrueWorkers)
	for _, id := range ids {
		if err := s.limiter.Wait(ctx); err != nil {
			mu.Lock()
			errL = append(errL, err)
			mu.Unlock()
			break
		}
		g.Go(func() error {
			// accrual entries dedupe per period
			res, _, err := s.accruer.AccrueRewards(ctx, service.IdempotencyKey{}, id)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case errors.Is(err, errs.ErrNothingStaked):
			case err != nil:
				errL = append(errL, fmt.Errorf("accrue %s: %w", id, err))
			default:
				sum.Accounts++
				sum.Periods += res.Periods
				sum.Credited += res.Credited
			}
			return nil
		})
	}
	_ = g.Wait()

	if sum.Periods > 0 {
		s.log.Info("accrual sweep",
			zap.Int("accounts", sum.Accounts),
			zap.Int64("periods", sum.Periods),
			zap.Int64("credited", sum.Credited),
		)
	}
	return sum, errors.Join(errL...)
}

// Probe runs the health probe.
func (s *Scheduler) Probe(ctx context.Context) error {
	if s.prober == nil {
		return nil
	}
	return s.prober.Probe(ctx)
}
