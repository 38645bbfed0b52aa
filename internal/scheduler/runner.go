package scheduler

import (
	"context"
	"time"

	"github.com/sirupsen/logrus"

	"callpipe/internal/config"
	"callpipe/internal/models"
	"callpipe/internal/telemetry"
)

// JobStore is the slice of persistence the runner needs. *store.Store
// satisfies it.
type JobStore interface {
	DueJobs(ctx context.Context, limit int, claimTTL time.Duration) ([]models.Job, error)
	ClaimJob(ctx context.Context, id, fromStatus string, claimTTL time.Duration) (bool, error)
	MarkCompleted(ctx context.Context, id string) error
	MarkRetrying(ctx context.Context, id string, attempts int, runAt time.Time, lastError string) error
	MarkFailed(ctx context.Context, id string, attempts int, lastError string) error
	SetCallStatus(ctx context.Context, id, status string) error
}

// ProcessFunc executes one claimed job.
type ProcessFunc func(ctx context.Context, job models.Job) error

// Runner polls the job store, claims due work, and records outcomes. It is
// the single point translating a handler error into status, attempts, and
// backoff updates.
type Runner struct {
	store   JobStore
	process ProcessFunc
	log     *logrus.Logger

	maxAttempts int
	base        time.Duration
	max         time.Duration
	jitter      time.Duration
	claimTTL    time.Duration
	batchSize   int
	idleSleep   time.Duration
	busySleep   time.Duration
}

func NewRunner(cfg config.Config, st JobStore, process ProcessFunc, log *logrus.Logger) *Runner {
	return &Runner{
		store:       st,
		process:     process,
		log:         log,
		maxAttempts: cfg.MaxAttempts,
		base:        cfg.BackoffBase,
		max:         cfg.BackoffMax,
		jitter:      cfg.BackoffJitter,
		claimTTL:    cfg.JobClaimTTL,
		batchSize:   cfg.RunnerBatchSize,
		idleSleep:   cfg.RunnerIdleSleep,
		busySleep:   cfg.RunnerBusySleep,
	}
}

// RunDueOnce claims and runs up to limit due jobs, oldest due first. It
// returns the number of jobs this runner claimed, not the number that
// succeeded. Under concurrent runners the conditional claim guarantees each
// job is taken by exactly one of them; a lost race is skipped silently.
func (r *Runner) RunDueOnce(ctx context.Context, limit int) (int, error) {
	jobs, err := r.store.DueJobs(ctx, limit, r.claimTTL)
	if err != nil {
		return 0, err
	}

	claimed := 0
	for _, job := range jobs {
		won, err := r.store.ClaimJob(ctx, job.ID, job.Status, r.claimTTL)
		if err != nil {
			r.log.WithError(err).WithField("job_id", job.ID).Warn("claim failed")
			continue
		}
		if !won {
			continue
		}
		claimed++
		telemetry.JobsClaimed.Inc()

		if err := r.process(ctx, job); err != nil {
			r.recordFailure(ctx, job, err)
			continue
		}
		if err := r.store.MarkCompleted(ctx, job.ID); err != nil {
			r.log.WithError(err).WithField("job_id", job.ID).Error("mark completed failed")
			continue
		}
		telemetry.JobsCompleted.Inc()
	}
	return claimed, nil
}

func (r *Runner) recordFailure(ctx context.Context, job models.Job, cause error) {
	attempts := job.Attempts + 1
	entry := r.log.WithFields(logrus.Fields{
		"job_id":   job.ID,
		"job_type": job.Type,
		"attempts": attempts,
	})

	if attempts >= r.maxAttempts {
		if err := r.store.MarkFailed(ctx, job.ID, attempts, cause.Error()); err != nil {
			entry.WithError(err).Error("mark failed failed")
			return
		}
		telemetry.JobsFailed.Inc()
		entry.WithError(cause).Error("job exhausted retries")

		// Best effort: the job transition stands even if the call update fails.
		if job.CallID != nil {
			if err := r.store.SetCallStatus(ctx, *job.CallID, models.CallFailed); err != nil {
				entry.WithError(err).Warn("could not mark call failed")
			}
		}
		return
	}

	runAt := NextRun(time.Now().UTC(), attempts, r.base, r.max, r.jitter)
	if err := r.store.MarkRetrying(ctx, job.ID, attempts, runAt, cause.Error()); err != nil {
		entry.WithError(err).Error("mark retrying failed")
		return
	}
	telemetry.JobsRetried.Inc()
	entry.WithError(cause).WithField("run_at", runAt).Warn("job scheduled for retry")
}

// Run drives RunDueOnce until the context ends, sleeping briefly after a busy
// pass to drain backlogs and longer when no work was found.
func (r *Runner) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		processed, err := r.RunDueOnce(ctx, r.batchSize)
		if err != nil {
			r.log.WithError(err).Error("run pass failed")
		}

		sleep := r.idleSleep
		if processed > 0 {
			sleep = r.busySleep
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(sleep):
		}
	}
}
