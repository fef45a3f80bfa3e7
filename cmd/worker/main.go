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

	"github.com/odyssey-erp/buyplans/internal/app"
	"github.com/odyssey-erp/buyplans/internal/buyplan"
	"github.com/odyssey-erp/buyplans/internal/directory"
	jobmetrics "github.com/odyssey-erp/buyplans/internal/jobs"
	"github.com/odyssey-erp/buyplans/internal/observability"
	"github.com/odyssey-erp/buyplans/internal/platform/cache"
	"github.com/odyssey-erp/buyplans/internal/platform/db"
	"github.com/odyssey-erp/buyplans/jobs"
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

	logger := app.NewLogger(cfg).With(slog.String("component", "worker"))

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	queue, err := jobs.NewClient(cfg.Redis().AsynqOpt())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := queue.Close(); err != nil {
			logger.Warn("job client close", slog.Any("error", err))
		}
	}()

	registry := observability.NewMetrics()
	metrics := jobmetrics.NewMetrics(registry.Registerer())
	metricsServer := observability.NewServer(cfg.WorkerMetricsAddr, registry)
	go func() {
		logger.Info("serving worker metrics", slog.String("addr", cfg.WorkerMetricsAddr))
		if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker metrics server", slog.Any("error", err))
		}
	}()
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			logger.Warn("worker metrics shutdown", slog.Any("error", err))
		}
	}()

	planRepo := buyplan.NewRepository(pool)
	reconciler := app.NewReconciler(cfg, planRepo, redisClient, queue, metrics, logger)
	dispatcher := app.NewDispatcher(cfg, planRepo, directory.NewService(pool), metrics, logger)

	notifyJob := jobs.NewNotifyJob(dispatcher, logger, metrics)
	verifyJob := jobs.NewVerifyPOJob(reconciler, logger, metrics)

	sweepTask, err := jobs.NewPOSweepTask(0)
	if err != nil {
		logger.Error("build po sweep task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts:   cfg.Redis().AsynqOpt(),
		Logger:      logger,
		Concurrency: 5,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskNotify, Handler: notifyJob.Handle},
			{Type: jobs.TaskVerifyPO, Handler: verifyJob.Handle},
			{Type: jobs.TaskPOSweep, Handler: verifyJob.HandleSweep},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.POSweepCron, Task: sweepTask, Options: []asynq.Option{asynq.MaxRetry(1)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	logger.Info("worker started", slog.String("po_sweep_cron", cfg.POSweepCron))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
