package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"callpipe/internal/models"
	"callpipe/internal/transcript"
)

// LatestTranscript returns the most recent transcript row for a call, or nil.
func (s *Store) LatestTranscript(ctx context.Context, callID string) (*models.Transcript, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, call_id, created_at FROM transcripts
		WHERE call_id = $1 ORDER BY created_at DESC LIMIT 1
	`, callID)
	var t models.Transcript
	if err := row.Scan(&t.ID, &t.CallID, &t.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan transcript: %w", err)
	}
	return &t, nil
}

// SegmentCount returns how many segments a transcript holds.
func (s *Store) SegmentCount(ctx context.Context, transcriptID string) (int, error) {
	var n int
	if err := s.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM transcript_segments WHERE transcript_id = $1
	`, transcriptID).Scan(&n); err != nil {
		return 0, fmt.Errorf("count segments: %w", err)
	}
	return n, nil
}

// SegmentsForCall returns the ordered segments of a call's latest transcript.
func (s *Store) SegmentsForCall(ctx context.Context, callID string) ([]models.Segment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT seg.id, seg.transcript_id, seg.position, seg.speaker, seg.role, seg.start_ms, seg.end_ms, seg.text
		FROM transcript_segments seg
		JOIN transcripts t ON t.id = seg.transcript_id
		WHERE t.call_id = $1
		  AND t.id = (SELECT id FROM transcripts WHERE call_id = $1 ORDER BY created_at DESC LIMIT 1)
		ORDER BY seg.position ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("query segments: %w", err)
	}
	defer rows.Close()

	var segments []models.Segment
	for rows.Next() {
		var seg models.Segment
		if err := rows.Scan(&seg.ID, &seg.TranscriptID, &seg.Position, &seg.Speaker, &seg.Role, &seg.StartMS, &seg.EndMS, &seg.Text); err != nil {
			return nil, fmt.Errorf("scan segment: %w", err)
		}
		segments = append(segments, seg)
	}
	return segments, rows.Err()
}

// CreateTranscript persists a normalized document: the transcript row, every
// segment, and one participant per distinct speaker, all in one transaction.
func (s *Store) CreateTranscript(ctx context.Context, callID string, doc transcript.Document) (models.Transcript, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Transcript{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	t := models.Transcript{
		ID:        uuid.New().String(),
		CallID:    callID,
		CreatedAt: time.Now().UTC(),
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO transcripts (id, call_id, created_at) VALUES ($1, $2, $3)
	`, t.ID, t.CallID, t.CreatedAt); err != nil {
		return models.Transcript{}, fmt.Errorf("insert transcript: %w", err)
	}

	roles := make(map[string]string, len(doc.Participants))
	for i, seg := range doc.Segments {
		if _, err := tx.Exec(ctx, `
			INSERT INTO transcript_segments (id, transcript_id, position, speaker, role, start_ms, end_ms, text)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New().String(), t.ID, i, seg.Speaker, seg.Role, seg.StartMS, seg.EndMS, seg.Text); err != nil {
			return models.Transcript{}, fmt.Errorf("insert segment %d: %w", i, err)
		}
		if _, ok := roles[seg.Speaker]; !ok {
			roles[seg.Speaker] = seg.Role
		}
	}

	for _, label := range doc.Participants {
		if _, err := tx.Exec(ctx, `
			INSERT INTO participants (id, call_id, transcript_id, label, role)
			VALUES ($1, $2, $3, $4, $5)
			ON CONFLICT (transcript_id, label) DO NOTHING
		`, uuid.New().String(), callID, t.ID, label, roles[label]); err != nil {
			return models.Transcript{}, fmt.Errorf("insert participant %q: %w", label, err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Transcript{}, fmt.Errorf("commit transcript: %w", err)
	}
	return t, nil
}
