package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/charmbracelet/log"
	"github.com/redis/go-redis/v9"

	"download-task-supervisor/internal/api"
	"download-task-supervisor/internal/config"
	"download-task-supervisor/internal/downloads"
	"download-task-supervisor/internal/ratelimit"
	"download-task-supervisor/internal/store"
)

func main() {
	cfg := config.Load()
	logger := log.NewWithOptions(os.Stderr, log.Options{ReportTimestamp: true, Prefix: "supervisor"})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		ch := make(chan os.Signal, 1)
		signal.Notify(ch, syscall.SIGINT, syscall.SIGTERM)
		<-ch
		cancel()
	}()

	st, err := store.New(ctx, cfg.PostgresDSN)
	if err != nil {
		logger.Fatal("connect postgres", "error", err)
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		logger.Fatal("migrations", "error", err)
	}

	worker := downloads.NewExecWorker(cfg.WorkerCommand,
		"POSTGRES_DSN="+cfg.PostgresDSN,
		"MEDIA_DIR="+cfg.MediaDir,
	)
	svc := downloads.NewService(st, worker, cfg.MaxConcurrent, logger)

	// Resolve tasks orphaned by a previous process instance before any
	// traffic is served, then admit whatever is still queued.
	recovered, err := svc.RecoverStale(ctx)
	if err != nil {
		logger.Error("startup recovery incomplete", "error", err)
	}
	logger.Info("startup recovery finished", "recovered", recovered)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewSubmitLimiter(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	server := api.New(cfg, svc, limiter, logger)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	logger.Info("api listening", "port", cfg.HTTPPort, "max_concurrent", cfg.MaxConcurrent)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Fatal("listen", "error", err)
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
