package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"callpipe/internal/models"
)

// SaveAnalysisParams bundles every artifact produced by one analysis pass.
type SaveAnalysisParams struct {
	CallID      string
	Summary     models.Summary
	ActionItems []models.ActionItem
	CRMNote     models.CRMNote
	Score       *models.FrameworkScore
}

// SaveAnalysis persists all analysis artifacts in one transaction: the summary
// is upserted by call, action items and the CRM note use replace-all
// semantics, and the framework score replaces any prior score for the same
// call and framework version. A reader never observes a mix of old and new
// artifacts.
func (s *Store) SaveAnalysis(ctx context.Context, p SaveAnalysisParams) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	now := time.Now().UTC()

	keyMoments := mustJSON(p.Summary.KeyMoments)
	objections := mustJSON(p.Summary.Objections)
	nextSteps := mustJSON(p.Summary.NextSteps)
	if _, err := tx.Exec(ctx, `
		INSERT INTO summaries (id, call_id, overview, key_moments, objections, next_steps, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (call_id) DO UPDATE
		SET overview = EXCLUDED.overview,
		    key_moments = EXCLUDED.key_moments,
		    objections = EXCLUDED.objections,
		    next_steps = EXCLUDED.next_steps,
		    created_at = EXCLUDED.created_at
	`, uuid.New().String(), p.CallID, p.Summary.Overview, keyMoments, objections, nextSteps, now); err != nil {
		return fmt.Errorf("upsert summary: %w", err)
	}

	if _, err := tx.Exec(ctx, `DELETE FROM action_items WHERE call_id = $1`, p.CallID); err != nil {
		return fmt.Errorf("clear action items: %w", err)
	}
	for i, item := range p.ActionItems {
		if _, err := tx.Exec(ctx, `
			INSERT INTO action_items (id, call_id, position, text, owner, due_date)
			VALUES ($1, $2, $3, $4, $5, $6)
		`, uuid.New().String(), p.CallID, i, item.Text, item.Owner, item.DueDate); err != nil {
			return fmt.Errorf("insert action item %d: %w", i, err)
		}
	}

	if _, err := tx.Exec(ctx, `DELETE FROM crm_notes WHERE call_id = $1`, p.CallID); err != nil {
		return fmt.Errorf("clear crm note: %w", err)
	}
	if _, err := tx.Exec(ctx, `
		INSERT INTO crm_notes (id, call_id, subject, summary, key_points, next_steps)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, uuid.New().String(), p.CallID, p.CRMNote.Subject, p.CRMNote.Summary,
		mustJSON(p.CRMNote.KeyPoints), mustJSON(p.CRMNote.NextSteps)); err != nil {
		return fmt.Errorf("insert crm note: %w", err)
	}

	if p.Score != nil {
		if _, err := tx.Exec(ctx, `
			INSERT INTO framework_scores (id, call_id, framework_id, framework_version, overall, phases, missed_questions, coaching_plan, created_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
			ON CONFLICT (call_id, framework_id, framework_version) DO UPDATE
			SET overall = EXCLUDED.overall,
			    phases = EXCLUDED.phases,
			    missed_questions = EXCLUDED.missed_questions,
			    coaching_plan = EXCLUDED.coaching_plan,
			    created_at = EXCLUDED.created_at
		`, uuid.New().String(), p.CallID, p.Score.FrameworkID, p.Score.FrameworkVersion, p.Score.Overall,
			mustJSON(p.Score.Phases), mustJSON(p.Score.MissedQuestions), mustJSON(p.Score.CoachingPlan), now); err != nil {
			return fmt.Errorf("upsert framework score: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit analysis: %w", err)
	}
	return nil
}

// GetSummary returns the call summary, or nil when analysis has not run.
func (s *Store) GetSummary(ctx context.Context, callID string) (*models.Summary, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, call_id, overview, key_moments, objections, next_steps, created_at
		FROM summaries WHERE call_id = $1
	`, callID)
	var sum models.Summary
	var keyMoments, objections, nextSteps []byte
	if err := row.Scan(&sum.ID, &sum.CallID, &sum.Overview, &keyMoments, &objections, &nextSteps, &sum.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan summary: %w", err)
	}
	if err := decodeLists(map[*[]string][]byte{
		&sum.KeyMoments: keyMoments,
		&sum.Objections: objections,
		&sum.NextSteps:  nextSteps,
	}); err != nil {
		return nil, err
	}
	return &sum, nil
}

// ActionItemsForCall lists action items in their stored order.
func (s *Store) ActionItemsForCall(ctx context.Context, callID string) ([]models.ActionItem, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, text, owner, due_date FROM action_items
		WHERE call_id = $1 ORDER BY position ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("query action items: %w", err)
	}
	defer rows.Close()

	var items []models.ActionItem
	for rows.Next() {
		var item models.ActionItem
		var owner, due pgtype.Text
		if err := rows.Scan(&item.ID, &item.CallID, &item.Text, &owner, &due); err != nil {
			return nil, fmt.Errorf("scan action item: %w", err)
		}
		item.Owner = textPtr(owner)
		item.DueDate = textPtr(due)
		items = append(items, item)
	}
	return items, rows.Err()
}

// GetCRMNote returns the CRM note, or nil when analysis has not run.
func (s *Store) GetCRMNote(ctx context.Context, callID string) (*models.CRMNote, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, call_id, subject, summary, key_points, next_steps
		FROM crm_notes WHERE call_id = $1
	`, callID)
	var note models.CRMNote
	var keyPoints, nextSteps []byte
	if err := row.Scan(&note.ID, &note.CallID, &note.Subject, &note.Summary, &keyPoints, &nextSteps); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan crm note: %w", err)
	}
	if err := decodeLists(map[*[]string][]byte{
		&note.KeyPoints: keyPoints,
		&note.NextSteps: nextSteps,
	}); err != nil {
		return nil, err
	}
	return &note, nil
}

// LatestScoreForCall returns the newest framework score, or nil.
func (s *Store) LatestScoreForCall(ctx context.Context, callID string) (*models.FrameworkScore, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, call_id, framework_id, framework_version, overall, phases, missed_questions, coaching_plan, created_at
		FROM framework_scores WHERE call_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, callID)
	var score models.FrameworkScore
	var phases, missed, plan []byte
	if err := row.Scan(&score.ID, &score.CallID, &score.FrameworkID, &score.FrameworkVersion,
		&score.Overall, &phases, &missed, &plan, &score.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan framework score: %w", err)
	}
	if err := json.Unmarshal(phases, &score.Phases); err != nil {
		return nil, fmt.Errorf("decode score phases: %w", err)
	}
	if err := json.Unmarshal(missed, &score.MissedQuestions); err != nil {
		return nil, fmt.Errorf("decode missed questions: %w", err)
	}
	if err := json.Unmarshal(plan, &score.CoachingPlan); err != nil {
		return nil, fmt.Errorf("decode coaching plan: %w", err)
	}
	return &score, nil
}

func mustJSON(v any) []byte {
	data, err := json.Marshal(v)
	if err != nil {
		// Only reachable with unmarshalable types, which these are not.
		panic(err)
	}
	return data
}

func decodeLists(fields map[*[]string][]byte) error {
	for dst, raw := range fields {
		if len(raw) == 0 {
			continue
		}
		if err := json.Unmarshal(raw, dst); err != nil {
			return fmt.Errorf("decode list column: %w", err)
		}
	}
	return nil
}
