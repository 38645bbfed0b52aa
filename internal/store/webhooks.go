package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
)

// InsertWebhookEvent persists an inbound event. The (provider, event id) pair
// is unique; a duplicate delivery reports isNew=false and persists nothing.
func (s *Store) InsertWebhookEvent(ctx context.Context, provider, eventID, eventType string, payload []byte) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_events (id, provider, event_id, event_type, payload, received_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (provider, event_id) DO NOTHING
	`, uuid.New().String(), provider, eventID, eventType, payload, time.Now().UTC())
	if err != nil {
		return false, fmt.Errorf("insert webhook event: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// LatestRecordingEvent returns the provider recording id from the most recent
// recording.done event referencing a call, or "" when none was received. The
// reconcile sweep uses it to recover calls whose finalize enqueue was lost
// after the event row was persisted.
func (s *Store) LatestRecordingEvent(ctx context.Context, callID string) (string, error) {
	var recordingID pgtype.Text
	err := s.pool.QueryRow(ctx, `
		SELECT payload->'data'->>'recording_id'
		FROM webhook_events
		WHERE event_type = 'recording.done'
		  AND payload->'data'->>'call_id' = $1
		ORDER BY received_at DESC
		LIMIT 1
	`, callID).Scan(&recordingID)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("query recording event for call %s: %w", callID, err)
	}
	return recordingID.String, nil
}
