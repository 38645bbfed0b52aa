package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"

	"callpipe/internal/models"
)

// CreateCallParams collects inputs for a new tracked call.
type CreateCallParams struct {
	TenantID    string
	Title       string
	MeetingURL  string
	FrameworkID *string
}

// CreateCall inserts a call in the scheduled state.
func (s *Store) CreateCall(ctx context.Context, p CreateCallParams) (models.Call, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO calls (id, tenant_id, title, meeting_url, framework_id, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
	`, id, p.TenantID, p.Title, p.MeetingURL, p.FrameworkID, models.CallScheduled, now)
	if err != nil {
		return models.Call{}, fmt.Errorf("insert call: %w", err)
	}
	return models.Call{
		ID:          id,
		TenantID:    p.TenantID,
		Title:       p.Title,
		MeetingURL:  p.MeetingURL,
		FrameworkID: p.FrameworkID,
		Status:      models.CallScheduled,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// GetCall fetches a call by id.
func (s *Store) GetCall(ctx context.Context, id string) (models.Call, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, title, meeting_url, bot_id, framework_id, status, created_at, updated_at
		FROM calls WHERE id = $1
	`, id)
	var c models.Call
	var botID, frameworkID pgtype.Text
	if err := row.Scan(&c.ID, &c.TenantID, &c.Title, &c.MeetingURL, &botID, &frameworkID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Call{}, fmt.Errorf("call %s not found: %w", id, err)
		}
		return models.Call{}, fmt.Errorf("scan call: %w", err)
	}
	c.BotID = textPtr(botID)
	c.FrameworkID = textPtr(frameworkID)
	return c, nil
}

// SetCallStatus transitions a call's state machine. Terminal states never
// transition further, so the update is conditioned on the current status
// being non-terminal.
func (s *Store) SetCallStatus(ctx context.Context, id, status string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE calls SET status = $2, updated_at = NOW()
		WHERE id = $1 AND status NOT IN ($3, $4)
	`, id, status, models.CallReady, models.CallFailed)
	if err != nil {
		return fmt.Errorf("set call %s status: %w", id, err)
	}
	return nil
}

// SetCallBot binds the provider bot id once the bot is created.
func (s *Store) SetCallBot(ctx context.Context, id, botID string) error {
	_, err := s.pool.Exec(ctx, `UPDATE calls SET bot_id = $2, updated_at = NOW() WHERE id = $1`, id, botID)
	return err
}

// StuckCalls returns calls sitting in a non-terminal processing state longer
// than the threshold. The reconcile sweep re-drives them.
func (s *Store) StuckCalls(ctx context.Context, olderThan time.Duration) ([]models.Call, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, tenant_id, title, meeting_url, bot_id, framework_id, status, created_at, updated_at
		FROM calls
		WHERE status IN ($1, $2) AND updated_at < NOW() - $3::interval
		ORDER BY updated_at ASC
	`, models.CallInProgress, models.CallProcessing, olderThan.String())
	if err != nil {
		return nil, fmt.Errorf("query stuck calls: %w", err)
	}
	defer rows.Close()

	var calls []models.Call
	for rows.Next() {
		var c models.Call
		var botID, frameworkID pgtype.Text
		if err := rows.Scan(&c.ID, &c.TenantID, &c.Title, &c.MeetingURL, &botID, &frameworkID, &c.Status, &c.CreatedAt, &c.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan stuck call: %w", err)
		}
		c.BotID = textPtr(botID)
		c.FrameworkID = textPtr(frameworkID)
		calls = append(calls, c)
	}
	return calls, rows.Err()
}
