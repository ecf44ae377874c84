// Command ledger-server starts the fan ledger HTTP gateway, the ops gRPC
// endpoint and the background scheduler.
package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/and161185/fan-ledger/internal/archive"
	"github.com/and161185/fan-ledger/internal/config"
	"github.com/and161185/fan-ledger/internal/limiter"
	"github.com/and161185/fan-ledger/internal/metrics"
	"github.com/and161185/fan-ledger/internal/migrate"
	"github.com/and161185/fan-ledger/internal/repository/postgres"
	grpcserver "github.com/and161185/fan-ledger/internal/server/grpc"
	httpserver "github.com/and161185/fan-ledger/internal/server/http"
	"github.com/and161185/fan-ledger/internal/service"
	"github.com/and161185/fan-ledger/internal/worker"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

const txTimeout = 5 * time.Second

// main loads configuration, runs migrations and serves until SIGINT/SIGTERM.
func main() {
	cfg, err := config.Load(".env", os.Args[1:])
	if err != nil {
		_, _ = os.Stderr.WriteString("config: " + err.Error() + "\n")
		os.Exit(2)
	}

	logger, _ := zap.NewProduction()
	if cfg.Dev {
		logger, _ = zap.NewDevelopment()
	}
	defer func() { _ = logger.Sync() }()
	logger.Info("starting",
		zap.String("version", version),
		zap.String("buildDate", buildDate),
		zap.String("addr", cfg.HTTPAddr),
		zap.String("grpcAddr", cfg.GRPCAddr),
	)

	tiers, err := config.LoadTiers(cfg.TiersFile)
	if err != nil {
		logger.Fatal("load tiers", zap.Error(err))
	}

	// Context with OS signals
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := migrate.Up(ctx, cfg.DSN, logger); err != nil {
		logger.Fatal("migrate up", zap.Error(err))
	}

	db, err := postgres.New(ctx, cfg.DSN, postgres.PoolOptions{})
	if err != nil {
		logger.Fatal("pgxpool.New", zap.Error(err))
	}
	defer db.Pool.Close()
	store := postgres.NewStore(db, txTimeout)

	var archiver service.SettlementArchiver = archive.Nop{}
	if s3cfg, ok := cfg.S3(); ok {
		a, err := archive.NewS3(ctx, s3cfg)
		if err != nil {
			logger.Fatal("settlement archive", zap.Error(err))
		}
		archiver = a
	}

	reg := metrics.New()

	// Services
	ledgerSvc := service.NewLedgerService(store, nil, reg)
	challengeSvc := service.NewChallengeService(store, nil, reg, archiver, logger)
	rewardSvc := service.NewRewardIssuer(store, nil, reg)
	stakingSvc := service.NewStakingService(store, tiers, cfg.AccrualPeriod, nil, reg)
	postSvc := service.NewPostService(store, nil, reg)
	tokenSvc := service.NewTokenService([]byte(cfg.JWTKey), cfg.AccessTTL, cfg.JWTIssuer)

	gw := httpserver.New(httpserver.Deps{
		Ledger:     ledgerSvc,
		Challenges: challengeSvc,
		Rewards:    rewardSvc,
		Staking:    stakingSvc,
		Posts:      postSvc,
		Tokens:     tokenSvc,
		Limiter:    limiter.NewPGWithQuerier(db.Pool, cfg.RateWindow, cfg.RateMax),
		Metrics:    reg,
		Ping:       db.Ping,
		Log:        logger,
	})
	httpSrv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           gw.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	ops := grpcserver.NewOps(logger, tokenSvc, db.Ping)
	lis, err := net.Listen("tcp", cfg.GRPCAddr)
	if err != nil {
		logger.Fatal("listen", zap.Error(err))
	}

	sched, err := worker.New(cfg.Worker(), challengeSvc, stakingSvc, ops, reg, logger)
	if err != nil {
		logger.Fatal("scheduler", zap.Error(err))
	}
	_ = ops.Probe(ctx)
	sched.Start()

	errCh := make(chan error, 2)
	go func() {
		logger.Info("ops grpc listening", zap.String("addr", cfg.GRPCAddr))
		errCh <- ops.Serve(lis)
	}()
	go func() {
		logger.Info("http listening", zap.String("addr", cfg.HTTPAddr))
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	exit := 0
	select {
	case <-ctx.Done():
	case err := <-errCh:
		logger.Error("server error", zap.Error(err))
		exit = 1
	}

	// graceful shutdown
	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := httpSrv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("http shutdown", zap.Error(err))
	}
	if err := sched.Shutdown(); err != nil {
		logger.Warn("scheduler shutdown", zap.Error(err))
	}
	done := make(chan struct{})
	go func() {
		ops.Stop()
		close(done)
	}()
	select {
	case <-done:
	case <-shutdownCtx.Done():
		logger.Warn("ops grpc did not drain in time")
	}

	logger.Info("shutdown complete")
	if exit != 0 {
		_ = logger.Sync()
		os.Exit(exit)
	}
}
