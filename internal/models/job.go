package models

import (
	"encoding/json"
	"time"
)

// Job statuses persisted in Postgres.
const (
	JobPending   = "pending"
	JobRunning   = "running"
	JobRetrying  = "retrying"
	JobCompleted = "completed"
	JobFailed    = "failed"
)

// Job types dispatched by the worker.
const (
	JobFinalizeRecording   = "finalize_recording"
	JobAnalyzeCall         = "analyze_call"
	JobReconcileIncomplete = "reconcile_incomplete_calls"
)

// Job is a durable unit of deferred work with retry state.
type Job struct {
	ID        string          `json:"id"`
	TenantID  string          `json:"tenant_id"`
	CallID    *string         `json:"call_id,omitempty"`
	Type      string          `json:"type"`
	Payload   json.RawMessage `json:"payload"`
	Status    string          `json:"status"`
	Attempts  int             `json:"attempts"`
	RunAt     time.Time       `json:"run_at"`
	LastError *string         `json:"last_error,omitempty"`
	DedupeKey *string         `json:"dedupe_key,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

// Terminal reports whether the job can no longer transition.
func (j Job) Terminal() bool {
	return j.Status == JobCompleted || j.Status == JobFailed
}

// FinalizeRecordingPayload is the payload for finalize_recording jobs.
type FinalizeRecordingPayload struct {
	RecordingID string `json:"recording_id"`
}

// AnalyzeCallPayload is the payload for analyze_call jobs.
type AnalyzeCallPayload struct {
	CallID string `json:"call_id"`
}

// ReconcilePayload bounds a reconcile_incomplete_calls sweep.
type ReconcilePayload struct {
	OlderThanMinutes int `json:"older_than_minutes"`
}
