package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"

	"callpipe/internal/models"
)

// GetFramework fetches a scoring rubric by id. Question weights are clamped
// into [1,5] on load.
func (s *Store) GetFramework(ctx context.Context, id string) (models.Framework, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, tenant_id, name, version, phases FROM frameworks WHERE id = $1
	`, id)
	var fw models.Framework
	var phases []byte
	if err := row.Scan(&fw.ID, &fw.TenantID, &fw.Name, &fw.Version, &phases); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Framework{}, fmt.Errorf("framework %s not found: %w", id, err)
		}
		return models.Framework{}, fmt.Errorf("scan framework: %w", err)
	}
	if err := json.Unmarshal(phases, &fw.Phases); err != nil {
		return models.Framework{}, fmt.Errorf("decode framework phases: %w", err)
	}
	fw.ClampWeights()
	return fw, nil
}

// FrameworkForCall resolves the call's assigned rubric, or nil when the call
// has none.
func (s *Store) FrameworkForCall(ctx context.Context, callID string) (*models.Framework, error) {
	call, err := s.GetCall(ctx, callID)
	if err != nil {
		return nil, err
	}
	if call.FrameworkID == nil {
		return nil, nil
	}
	fw, err := s.GetFramework(ctx, *call.FrameworkID)
	if err != nil {
		return nil, err
	}
	return &fw, nil
}
