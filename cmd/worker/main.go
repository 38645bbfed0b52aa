package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/robfig/cron/v3"

	"callpipe/internal/ai"
	"callpipe/internal/config"
	"callpipe/internal/logger"
	"callpipe/internal/meetingbot"
	"callpipe/internal/models"
	"callpipe/internal/objectstore"
	"callpipe/internal/scheduler"
	"callpipe/internal/store"
	"callpipe/internal/telemetry"
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

	processor := worker.NewProcessor()
	processor.RegisterHandler(models.JobFinalizeRecording, worker.NewFinalizeHandler(cfg, st, bots, objects, log).Handle)
	processor.RegisterHandler(models.JobAnalyzeCall, worker.NewAnalyzeHandler(cfg, st, objects, ai.New(cfg), log).Handle)
	processor.RegisterHandler(models.JobReconcileIncomplete, worker.NewReconcileHandler(st, cfg.ReconcileOlderThan, log).Handle)

	runner := scheduler.NewRunner(cfg, st, processor.Process, log)

	// Reconciliation is itself a job so its failures retry like any other
	// work. The cron only enqueues; the minute-bucketed dedupe key keeps
	// multiple worker replicas from stacking sweeps.
	sweeper := cron.New()
	_, err = sweeper.AddFunc(cfg.ReconcileSchedule, func() {
		key := fmt.Sprintf("reconcile:%d", time.Now().Truncate(time.Minute).Unix())
		_, err := st.Enqueue(ctx, store.EnqueueParams{
			TenantID:  "system",
			Type:      models.JobReconcileIncomplete,
			Payload:   models.ReconcilePayload{OlderThanMinutes: int(cfg.ReconcileOlderThan.Minutes())},
			DedupeKey: key,
		})
		if err != nil {
			log.WithError(err).Error("enqueue reconcile sweep")
		}
	})
	if err != nil {
		log.WithError(err).WithField("schedule", cfg.ReconcileSchedule).Fatal("bad reconcile schedule")
	}
	sweeper.Start()
	defer sweeper.Stop()

	go func() {
		if err := http.ListenAndServe(cfg.MetricsAddr, telemetry.Handler()); err != nil {
			log.WithError(err).Warn("metrics server stopped")
		}
	}()

	log.WithField("batch_size", cfg.RunnerBatchSize).Info("worker started")
	if err := runner.Run(ctx); err != nil {
		log.WithError(err).Info("worker stopped")
	}
}
