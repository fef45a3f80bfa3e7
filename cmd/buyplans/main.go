package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/odyssey-erp/buyplans/internal/app"
	"github.com/odyssey-erp/buyplans/internal/auth"
	"github.com/odyssey-erp/buyplans/internal/buyplan"
	"github.com/odyssey-erp/buyplans/internal/directory"
	jobmetrics "github.com/odyssey-erp/buyplans/internal/jobs"
	"github.com/odyssey-erp/buyplans/internal/observability"
	"github.com/odyssey-erp/buyplans/internal/platform/cache"
	"github.com/odyssey-erp/buyplans/internal/platform/db"
	"github.com/odyssey-erp/buyplans/internal/shared"
	"github.com/odyssey-erp/buyplans/jobs"
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

	dbpool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer dbpool.Close()

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

	vendors, err := cfg.VendorSet()
	if err != nil {
		logger.Error("load stock sale vendors", slog.Any("error", err))
		os.Exit(1)
	}
	logger.Info("stock sale vendors loaded", slog.Int("count", vendors.Len()))

	sessionManager := shared.NewSessionManager(redisClient, cfg.SessionCookie, cfg.SessionTTL, cfg.IsProduction())
	metrics := observability.NewMetrics()
	jobMetrics := jobmetrics.NewMetrics(metrics.Registerer())

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

	authService := auth.NewService(auth.NewRepository(dbpool))
	authHandler := auth.NewHandler(logger, authService, sessionManager)

	directoryService := directory.NewService(dbpool)

	planRepo := buyplan.NewRepository(dbpool)
	reconciler := app.NewReconciler(cfg, planRepo, redisClient, queue, jobMetrics, logger)
	planService := buyplan.NewService(planRepo, queue, reconciler, logger)
	planHandler := buyplan.NewHandler(logger, planService, vendors)

	inspector := asynq.NewInspector(cfg.Redis().AsynqOpt())
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		SessionManager: sessionManager,
		AuthHandler:    authHandler,
		BuyPlanHandler: planHandler,
		Directory:      directoryService,
		JobHandler:     jobHandler,
		Metrics:        metrics,
		Database:       dbpool,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
