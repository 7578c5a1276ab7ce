package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/liquida-hr/liquida/internal/app"
	"github.com/liquida-hr/liquida/internal/payroll"
	"github.com/liquida-hr/liquida/internal/platform/cache"
	"github.com/liquida-hr/liquida/internal/platform/db"
	"github.com/liquida-hr/liquida/internal/shared"
	"github.com/liquida-hr/liquida/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN, db.Options{})
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	repo := payroll.NewRepository(pool)
	gateway := payroll.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)
	recalc := payroll.NewRecalculator(repo, gateway, logger, nil)
	snapshots := payroll.NewVersionSnapshotStore(repo, time.Now)

	// The worker never opens sessions itself; this manager exists so the
	// reap job can expire drafts left behind by crashed server instances.
	sessions := payroll.NewSessionManager(ctx, payroll.SessionManagerConfig{
		Repo:      repo,
		Recalc:    recalc,
		Snapshots: snapshots,
		Locker:    shared.NewPeriodLocker(redisClient, cfg.EditSessionTTL),
		Audit:     shared.NewAuditLogger(pool),
		Clock:     payroll.NewClock(),
		Debounce:  cfg.RecalcDebounce,
		Logger:    logger,
	})

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskTypeSessionsReap, Handler: jobs.NewSessionsReapHandler(sessions, cfg.EditSessionTTL, time.Now, logger)},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "*/15 * * * *", Task: jobs.NewSessionsReapTask(), Options: []asynq.Option{asynq.MaxRetry(2)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
