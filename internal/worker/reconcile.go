package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"callpipe/internal/models"
	"callpipe/internal/store"
)

// ReconcileStore is the persistence slice the reconcile sweep uses.
// *store.Store satisfies it.
type ReconcileStore interface {
	StuckCalls(ctx context.Context, olderThan time.Duration) ([]models.Call, error)
	LatestRecordingForCall(ctx context.Context, callID string) (*models.Recording, error)
	LatestRecordingEvent(ctx context.Context, callID string) (string, error)
	SetCallStatus(ctx context.Context, id, status string) error
	Enqueue(ctx context.Context, p store.EnqueueParams) (*models.Job, error)
}

// ReconcileHandler re-drives calls stuck in a non-terminal processing state.
// A stuck call with a known recording gets its finalize step re-enqueued; a
// call with nothing to re-drive is marked failed so operators see it.
type ReconcileHandler struct {
	store     ReconcileStore
	olderThan time.Duration
	log       *logrus.Logger
}

func NewReconcileHandler(st ReconcileStore, olderThan time.Duration, log *logrus.Logger) *ReconcileHandler {
	return &ReconcileHandler{store: st, olderThan: olderThan, log: log}
}

func (h *ReconcileHandler) Handle(ctx context.Context, job models.Job) error {
	olderThan := h.olderThan
	var payload models.ReconcilePayload
	if err := json.Unmarshal(job.Payload, &payload); err == nil && payload.OlderThanMinutes > 0 {
		olderThan = time.Duration(payload.OlderThanMinutes) * time.Minute
	}

	calls, err := h.store.StuckCalls(ctx, olderThan)
	if err != nil {
		return err
	}

	for _, call := range calls {
		entry := h.log.WithFields(logrus.Fields{"call_id": call.ID, "status": call.Status})

		recordingID, err := h.recordingIDForCall(ctx, call.ID)
		if err != nil {
			return err
		}
		if recordingID == "" {
			entry.Warn("stuck call has no recording, marking failed")
			if err := h.store.SetCallStatus(ctx, call.ID, models.CallFailed); err != nil {
				return err
			}
			continue
		}

		callID := call.ID
		// Re-runs use a time-bucketed dedup key: rapid duplicates collapse,
		// a later sweep may still re-drive the same call.
		created, err := h.store.Enqueue(ctx, store.EnqueueParams{
			TenantID:  call.TenantID,
			CallID:    &callID,
			Type:      models.JobFinalizeRecording,
			Payload:   models.FinalizeRecordingPayload{RecordingID: recordingID},
			DedupeKey: RerunDedupeKey(recordingID, time.Now()),
		})
		if err != nil {
			return err
		}
		if created != nil {
			entry.Info("re-enqueued finalize for stuck call")
		}
	}
	return nil
}

// recordingIDForCall resolves the recording to re-drive. A recording row may
// not exist yet when the original finalize enqueue was lost after the webhook
// event was persisted, so the persisted event is the fallback source.
func (h *ReconcileHandler) recordingIDForCall(ctx context.Context, callID string) (string, error) {
	rec, err := h.store.LatestRecordingForCall(ctx, callID)
	if err != nil {
		return "", err
	}
	if rec != nil {
		return rec.ProviderRecordingID, nil
	}
	return h.store.LatestRecordingEvent(ctx, callID)
}

// RerunDedupeKey scopes a finalize re-run to its recording and hour bucket.
func RerunDedupeKey(recordingID string, now time.Time) string {
	return fmt.Sprintf("finalize:%s:rerun:%d", recordingID, now.Truncate(time.Hour).Unix())
}
