package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"

	"callpipe/internal/ai"
	"callpipe/internal/api"
	"callpipe/internal/config"
	"callpipe/internal/logger"
	"callpipe/internal/meetingbot"
	"callpipe/internal/models"
	"callpipe/internal/objectstore"
	"callpipe/internal/ratelimit"
	"callpipe/internal/scheduler"
	"callpipe/internal/store"
	"callpipe/internal/worker"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()
	log := logger.New(cfg.Env)

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
		log.WithError(err).Fatal("connect postgres")
	}
	defer st.Close()

	if err := st.RunMigrations(ctx); err != nil {
		log.WithError(err).Fatal("migrations")
	}

	objects, err := objectstore.New(ctx, cfg)
	if err != nil {
		log.WithError(err).Fatal("init object storage")
	}
	bots := meetingbot.New(cfg)

	redisClient := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	limiter := ratelimit.NewTokenBucket(redisClient, cfg.RateLimitCapacity, cfg.RateLimitRefill, time.Hour)

	// The cron endpoint drives the same processor the worker runs, so a
	// deployment without a standing worker can still make progress.
	processor := worker.NewProcessor()
	processor.RegisterHandler(models.JobFinalizeRecording, worker.NewFinalizeHandler(cfg, st, bots, objects, log).Handle)
	processor.RegisterHandler(models.JobAnalyzeCall, worker.NewAnalyzeHandler(cfg, st, objects, ai.New(cfg), log).Handle)
	processor.RegisterHandler(models.JobReconcileIncomplete, worker.NewReconcileHandler(st, cfg.ReconcileOlderThan, log).Handle)
	runner := scheduler.NewRunner(cfg, st, processor.Process, log)

	server := api.New(cfg, st, bots, objects, limiter, runner, log)
	httpServer := &http.Server{
		Addr:    ":" + cfg.HTTPPort,
		Handler: server.Router(),
	}

	log.WithField("port", cfg.HTTPPort).Info("api listening")
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.WithError(err).Fatal("listen")
		}
	}()

	<-ctx.Done()
	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancelShutdown()
	_ = httpServer.Shutdown(shutdownCtx)
}
