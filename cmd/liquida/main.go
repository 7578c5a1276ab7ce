package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/liquida-hr/liquida/internal/app"
	"github.com/liquida-hr/liquida/internal/observability"
	"github.com/liquida-hr/liquida/internal/payroll"
	payrollhttp "github.com/liquida-hr/liquida/internal/payroll/http"
	"github.com/liquida-hr/liquida/internal/platform/cache"
	"github.com/liquida-hr/liquida/internal/platform/db"
	"github.com/liquida-hr/liquida/internal/shared"
	"github.com/liquida-hr/liquida/internal/vouchers"
	"github.com/liquida-hr/liquida/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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

	metrics := observability.NewMetrics()
	repo := payroll.NewRepository(pool)
	gateway := payroll.NewHTTPGateway(cfg.GatewayURL, cfg.GatewayTimeout)
	recalc := payroll.NewRecalculator(repo, gateway, logger, metrics)
	snapshots := payroll.NewVersionSnapshotStore(repo, time.Now)
	auditLogger := shared.NewAuditLogger(pool)
	clock := payroll.NewClock()

	sessions := payroll.NewSessionManager(ctx, payroll.SessionManagerConfig{
		Repo:      repo,
		Recalc:    recalc,
		Snapshots: snapshots,
		Locker:    shared.NewPeriodLocker(redisClient, cfg.EditSessionTTL),
		Audit:     auditLogger,
		Clock:     clock,
		Debounce:  cfg.RecalcDebounce,
		Logger:    logger,
		Metrics:   metrics,
	})

	gotenberg := vouchers.NewGotenbergClient(cfg.GotenbergURL)
	if err := gotenberg.Ping(ctx); err != nil {
		logger.Warn("gotenberg ping", slog.Any("error", err))
	}
	generator := vouchers.NewGenerator(gotenberg, vouchers.NewPGStore(pool), time.Now)

	jobsClient, err := jobs.NewClient(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	if err != nil {
		logger.Error("init jobs client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := jobsClient.Close(); err != nil {
			logger.Warn("jobs client close", slog.Any("error", err))
		}
	}()

	liquidator := payroll.NewLiquidator(payroll.LiquidatorConfig{
		Repo:      repo,
		Recalc:    recalc,
		Snapshots: snapshots,
		Vouchers:  generator,
		Notifier:  jobs.NewQueueNotifier(jobsClient),
		Audit:     auditLogger,
		Clock:     clock,
		Logger:    logger,
		Metrics:   metrics,
	})

	service := payroll.NewService(sessions, liquidator)
	handler := payrollhttp.NewHandler(logger, service)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		PayrollHandler: handler,
		JobsHandler:    jobs.NewHandler(inspector, logger),
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", slog.String("addr", cfg.AppAddr))
		errCh <- server.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := server.Shutdown(shutdownCtx); err != nil {
			logger.Error("server shutdown", slog.Any("error", err))
		}
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server run", slog.Any("error", err))
			os.Exit(1)
		}
	}
}
