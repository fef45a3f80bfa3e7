package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/odyssey-erp/buyplans/cmd/buyplanctl/cli"
	"github.com/odyssey-erp/buyplans/internal/app"
	"github.com/odyssey-erp/buyplans/internal/buyplan"
	jobmetrics "github.com/odyssey-erp/buyplans/internal/jobs"
	"github.com/odyssey-erp/buyplans/internal/platform/cache"
	"github.com/odyssey-erp/buyplans/internal/platform/db"
	"github.com/odyssey-erp/buyplans/jobs"
)

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		return 1
	}
	logger := app.NewLogger(cfg).With(slog.String("component", "buyplanctl"))

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		return 1
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.Redis())
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		return 1
	}
	defer func() { _ = redisClient.Close() }()

	queue, err := jobs.NewClient(cfg.Redis().AsynqOpt())
	if err != nil {
		logger.Error("init job client", slog.Any("error", err))
		return 1
	}
	defer func() { _ = queue.Close() }()

	jobsCLI, err := cli.NewJobsCLI(cfg.Redis().AsynqOpt())
	if err != nil {
		logger.Error("init jobs cli", slog.Any("error", err))
		return 1
	}
	defer func() { _ = jobsCLI.Close() }()

	metrics := jobmetrics.NewMetrics(prometheus.NewRegistry())
	reconciler := app.NewReconciler(cfg, buyplan.NewRepository(pool), redisClient, queue, metrics, logger)

	ctl := &cli.App{
		Verifier: reconciler,
		Queue:    jobsCLI,
		Stdout:   os.Stdout,
		Stderr:   os.Stderr,
	}
	return ctl.Run(ctx, os.Args[1:])
}
