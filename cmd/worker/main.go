package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/atlas-sis/atlas-sis/internal/app"
	"github.com/atlas-sis/atlas-sis/internal/authz"
	"github.com/atlas-sis/atlas-sis/internal/platform/db"
	"github.com/atlas-sis/atlas-sis/internal/shared"
	"github.com/atlas-sis/atlas-sis/jobs"
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

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient := redis.NewClient(&redis.Options{Addr: cfg.RedisAddr})
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()
	if err := redisClient.Ping(ctx).Err(); err != nil {
		logger.Warn("redis ping", slog.Any("error", err))
	}

	repo := authz.NewRepository(pool)
	permCache := authz.NewPermissionCache(redisClient, repo, cfg.CacheTTL, cfg.SnapshotKeep, logger)
	audit := shared.NewAuditLogger(pool, logger)
	resolver := authz.NewResolver(repo, permCache, logger)
	resolver.EnableCheckLog(cfg.CheckLogEnabled)
	delegations := authz.NewDelegationService(repo, permCache, audit, logger)

	sweepJob := jobs.NewDelegationSweepJob(delegations, logger)
	warmupJob := jobs.NewCacheWarmupJob(resolver, permCache, pool, logger)
	pruneJob := jobs.NewCheckLogPruneJob(repo, logger)

	sweepTask, err := jobs.NewDelegationSweepTask()
	if err != nil {
		logger.Error("build sweep task", slog.Any("error", err))
		os.Exit(1)
	}
	warmupTask, err := jobs.NewCacheWarmupTask(jobs.CacheWarmupPayload{})
	if err != nil {
		logger.Error("build warmup task", slog.Any("error", err))
		os.Exit(1)
	}
	pruneTask, err := jobs.NewCheckLogPruneTask(jobs.CheckLogPrunePayload{
		RetainHours: int(cfg.CheckLogRetain.Hours()),
	})
	if err != nil {
		logger.Error("build prune task", slog.Any("error", err))
		os.Exit(1)
	}

	redisOpts := asynq.RedisClientOpt{Addr: cfg.RedisAddr}
	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: redisOpts,
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskDelegationSweep, Handler: sweepJob.Handle},
			{Type: jobs.TaskCacheWarmup, Handler: warmupJob.Handle},
			{Type: jobs.TaskCheckLogPrune, Handler: pruneJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: cfg.DelegationSweep, Task: sweepTask},
			{Spec: "30 4 * * *", Task: warmupTask},
			{Spec: "0 5 * * 0", Task: pruneTask},
		},
	})
	if err != nil {
		logger.Error("build worker", slog.Any("error", err))
		os.Exit(1)
	}

	inspector := asynq.NewInspector(redisOpts)
	defer func() { _ = inspector.Close() }()
	router := chi.NewRouter()
	jobs.NewHandler(inspector, logger).MountRoutes(router)
	healthSrv := &http.Server{Addr: cfg.WorkerHealthAddr, Handler: router}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Warn("health server", slog.Any("error", err))
		}
	}()
	defer func() { _ = healthSrv.Shutdown(context.Background()) }()

	logger.Info("worker started", slog.String("redis", cfg.RedisAddr))
	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker stopped", slog.Any("error", err))
		os.Exit(1)
	}
}
