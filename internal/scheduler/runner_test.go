package scheduler

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"callpipe/internal/config"
	"callpipe/internal/models"
)

// memStore implements JobStore in memory with the same conditional-claim
// semantics the SQL store has.
type memStore struct {
	mu         sync.Mutex
	jobs       map[string]*models.Job
	callStatus map[string]string
}

func newMemStore() *memStore {
	return &memStore{
		jobs:       make(map[string]*models.Job),
		callStatus: make(map[string]string),
	}
}

func (m *memStore) add(job models.Job) {
	m.mu.Lock()
	defer m.mu.Unlock()
	copied := job
	m.jobs[job.ID] = &copied
}

func (m *memStore) get(id string) models.Job {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.jobs[id]
}

func (m *memStore) DueJobs(_ context.Context, limit int, claimTTL time.Duration) ([]models.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now()
	var due []models.Job
	for _, j := range m.jobs {
		eligible := (j.Status == models.JobPending || j.Status == models.JobRetrying) && !j.RunAt.After(now)
		reclaim := j.Status == models.JobRunning && j.UpdatedAt.Before(now.Add(-claimTTL))
		if eligible || reclaim {
			due = append(due, *j)
		}
	}
	sort.Slice(due, func(i, k int) bool { return due[i].RunAt.Before(due[k].RunAt) })
	if len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func (m *memStore) ClaimJob(_ context.Context, id, fromStatus string, claimTTL time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok || j.Status != fromStatus {
		return false, nil
	}
	// A running-to-running reclaim is only valid while the lease is expired;
	// the winner's renewed updated_at blocks the loser.
	if fromStatus == models.JobRunning && !j.UpdatedAt.Before(time.Now().Add(-claimTTL)) {
		return false, nil
	}
	j.Status = models.JobRunning
	j.UpdatedAt = time.Now()
	return true, nil
}

func (m *memStore) MarkCompleted(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[id].Status = models.JobCompleted
	return nil
}

func (m *memStore) MarkRetrying(_ context.Context, id string, attempts int, runAt time.Time, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = models.JobRetrying
	j.Attempts = attempts
	j.RunAt = runAt
	j.LastError = &lastError
	return nil
}

func (m *memStore) MarkFailed(_ context.Context, id string, attempts int, lastError string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j := m.jobs[id]
	j.Status = models.JobFailed
	j.Attempts = attempts
	j.LastError = &lastError
	return nil
}

func (m *memStore) SetCallStatus(_ context.Context, id, status string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.callStatus[id] = status
	return nil
}

func testConfig() config.Config {
	return config.Config{
		MaxAttempts:     8,
		BackoffBase:     time.Second,
		BackoffMax:      time.Minute,
		BackoffJitter:   0,
		RunnerBatchSize: 5,
		JobClaimTTL:     15 * time.Minute,
	}
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func dueJob(id string) models.Job {
	return models.Job{
		ID:       id,
		TenantID: "t1",
		Type:     models.JobFinalizeRecording,
		Status:   models.JobPending,
		RunAt:    time.Now().Add(-time.Second),
	}
}

func TestRunDueOnce_CompletesJob(t *testing.T) {
	st := newMemStore()
	st.add(dueJob("job-1"))

	var processed []string
	runner := NewRunner(testConfig(), st, func(_ context.Context, job models.Job) error {
		processed = append(processed, job.ID)
		return nil
	}, quietLogger())

	n, err := runner.RunDueOnce(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, []string{"job-1"}, processed)
	assert.Equal(t, models.JobCompleted, st.get("job-1").Status)
}

func TestRunDueOnce_FailureSchedulesRetryWithBackoff(t *testing.T) {
	st := newMemStore()
	st.add(dueJob("job-1"))

	runner := NewRunner(testConfig(), st, func(context.Context, models.Job) error {
		return errors.New("boom")
	}, quietLogger())

	before := time.Now()
	n, err := runner.RunDueOnce(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n, "claimed count includes failed jobs")

	job := st.get("job-1")
	assert.Equal(t, models.JobRetrying, job.Status)
	assert.Equal(t, 1, job.Attempts)
	require.NotNil(t, job.LastError)
	assert.Equal(t, "boom", *job.LastError)
	assert.True(t, job.RunAt.After(before), "runAt must move into the future")
}

func TestRunDueOnce_ExhaustedRetriesFailJobAndCall(t *testing.T) {
	st := newMemStore()
	callID := "call-1"
	job := dueJob("job-1")
	job.CallID = &callID
	job.Attempts = 7
	job.Status = models.JobRetrying
	st.add(job)

	runner := NewRunner(testConfig(), st, func(context.Context, models.Job) error {
		return errors.New("missing required artifact: transcript")
	}, quietLogger())

	_, err := runner.RunDueOnce(context.Background(), 10)
	require.NoError(t, err)

	got := st.get("job-1")
	assert.Equal(t, models.JobFailed, got.Status)
	assert.Equal(t, 8, got.Attempts)
	assert.Equal(t, models.CallFailed, st.callStatus[callID])
}

func TestRunDueOnce_AttemptsMonotonicUntilFailed(t *testing.T) {
	st := newMemStore()
	st.add(dueJob("job-1"))

	runner := NewRunner(testConfig(), st, func(context.Context, models.Job) error {
		return errors.New("always fails")
	}, quietLogger())

	prev := 0
	for i := 0; i < 8; i++ {
		// Re-arm the job so it is due again regardless of backoff.
		st.mu.Lock()
		st.jobs["job-1"].RunAt = time.Now().Add(-time.Second)
		st.mu.Unlock()

		_, err := runner.RunDueOnce(context.Background(), 10)
		require.NoError(t, err)

		job := st.get("job-1")
		assert.Greater(t, job.Attempts, prev, "attempts must increase")
		assert.LessOrEqual(t, job.Attempts, 8)
		prev = job.Attempts
	}
	assert.Equal(t, models.JobFailed, st.get("job-1").Status)
	assert.Equal(t, 8, st.get("job-1").Attempts)
}

func TestClaim_ConcurrentClaimsExactlyOneWins(t *testing.T) {
	st := newMemStore()
	st.add(dueJob("job-1"))

	const racers = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := st.ClaimJob(context.Background(), "job-1", models.JobPending, 15*time.Minute)
			require.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}

func TestClaim_ConcurrentReclaimsExactlyOneWins(t *testing.T) {
	st := newMemStore()
	job := dueJob("job-1")
	job.Status = models.JobRunning
	job.UpdatedAt = time.Now().Add(-time.Hour)
	st.add(job)

	// Reclaiming keeps the status at running, so the claim must discriminate
	// racers on the lease: the winner's renewed updated_at has to fail every
	// other reclaim attempt.
	const racers = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < racers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			won, err := st.ClaimJob(context.Background(), "job-1", models.JobRunning, 15*time.Minute)
			require.NoError(t, err)
			if won {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int64(1), wins)
}

func TestRunDueOnce_SkipsJobClaimedElsewhere(t *testing.T) {
	st := newMemStore()
	st.add(dueJob("job-1"))

	runner := NewRunner(testConfig(), st, func(context.Context, models.Job) error {
		t.Fatal("handler must not run for a lost claim")
		return nil
	}, quietLogger())

	// Another runner takes the job between the select and the claim.
	jobs, err := st.DueJobs(context.Background(), 10, 15*time.Minute)
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	won, err := st.ClaimJob(context.Background(), "job-1", models.JobPending, 15*time.Minute)
	require.NoError(t, err)
	require.True(t, won)

	n, err := runner.RunDueOnce(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
}

func TestRunDueOnce_ReclaimsAbandonedRunningJob(t *testing.T) {
	st := newMemStore()
	job := dueJob("job-1")
	job.Status = models.JobRunning
	job.UpdatedAt = time.Now().Add(-time.Hour)
	st.add(job)

	runner := NewRunner(testConfig(), st, func(context.Context, models.Job) error {
		return nil
	}, quietLogger())

	n, err := runner.RunDueOnce(context.Background(), 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, models.JobCompleted, st.get("job-1").Status)
}
