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

// UpsertRecording stores the provider manifest snapshot for a call, reusing
// the existing row when the provider recording id is already known.
func (s *Store) UpsertRecording(ctx context.Context, callID, providerRecordingID string, manifest json.RawMessage) (models.Recording, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO recordings (id, call_id, provider_recording_id, manifest, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (provider_recording_id) DO UPDATE SET manifest = EXCLUDED.manifest
		RETURNING id, call_id, provider_recording_id, manifest, deleted_upstream_at, created_at
	`, id, callID, providerRecordingID, manifest, now)

	var rec models.Recording
	var deleted pgtype.Timestamptz
	if err := row.Scan(&rec.ID, &rec.CallID, &rec.ProviderRecordingID, &rec.Manifest, &deleted, &rec.CreatedAt); err != nil {
		return models.Recording{}, fmt.Errorf("upsert recording: %w", err)
	}
	if deleted.Valid {
		rec.DeletedUpstreamAt = &deleted.Time
	}
	return rec, nil
}

// LatestRecordingForCall returns the newest recording snapshot, or nil.
func (s *Store) LatestRecordingForCall(ctx context.Context, callID string) (*models.Recording, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, call_id, provider_recording_id, manifest, deleted_upstream_at, created_at
		FROM recordings WHERE call_id = $1
		ORDER BY created_at DESC LIMIT 1
	`, callID)
	var rec models.Recording
	var deleted pgtype.Timestamptz
	if err := row.Scan(&rec.ID, &rec.CallID, &rec.ProviderRecordingID, &rec.Manifest, &deleted, &rec.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan recording: %w", err)
	}
	if deleted.Valid {
		rec.DeletedUpstreamAt = &deleted.Time
	}
	return &rec, nil
}

// MarkRecordingDeleted records that the upstream copy is gone.
func (s *Store) MarkRecordingDeleted(ctx context.Context, providerRecordingID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE recordings SET deleted_upstream_at = NOW()
		WHERE provider_recording_id = $1 AND deleted_upstream_at IS NULL
	`, providerRecordingID)
	return err
}

// FindMediaAsset looks an asset up by its (bucket, path) identity.
func (s *Store) FindMediaAsset(ctx context.Context, bucket, path string) (*models.MediaAsset, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, call_id, kind, bucket, path, content_type, size_bytes, etag, verified_at, created_at
		FROM media_assets WHERE bucket = $1 AND path = $2
	`, bucket, path)
	asset, err := scanMediaAsset(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &asset, nil
}

// UpsertMediaAssetParams carries the verified metadata read back from object
// storage after an upload.
type UpsertMediaAssetParams struct {
	CallID      string
	Kind        string
	Bucket      string
	Path        string
	ContentType string
	SizeBytes   int64
	ETag        string
}

// UpsertMediaAsset records a verified asset. The (bucket, path) pair is
// unique; re-verification updates the existing row, never duplicates it.
func (s *Store) UpsertMediaAsset(ctx context.Context, p UpsertMediaAssetParams) (models.MediaAsset, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO media_assets (id, call_id, kind, bucket, path, content_type, size_bytes, etag, verified_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $9)
		ON CONFLICT (bucket, path) DO UPDATE
		SET content_type = EXCLUDED.content_type,
		    size_bytes   = EXCLUDED.size_bytes,
		    etag         = EXCLUDED.etag,
		    verified_at  = EXCLUDED.verified_at
		RETURNING id, call_id, kind, bucket, path, content_type, size_bytes, etag, verified_at, created_at
	`, id, p.CallID, p.Kind, p.Bucket, p.Path, p.ContentType, p.SizeBytes, p.ETag, now)
	asset, err := scanMediaAsset(row)
	if err != nil {
		return models.MediaAsset{}, fmt.Errorf("upsert media asset: %w", err)
	}
	return asset, nil
}

// MediaAssetsForCall lists a call's archived artifacts.
func (s *Store) MediaAssetsForCall(ctx context.Context, callID string) ([]models.MediaAsset, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, call_id, kind, bucket, path, content_type, size_bytes, etag, verified_at, created_at
		FROM media_assets WHERE call_id = $1 ORDER BY created_at ASC
	`, callID)
	if err != nil {
		return nil, fmt.Errorf("query media assets: %w", err)
	}
	defer rows.Close()

	var assets []models.MediaAsset
	for rows.Next() {
		asset, err := scanMediaAsset(rows)
		if err != nil {
			return nil, err
		}
		assets = append(assets, asset)
	}
	return assets, rows.Err()
}

func scanMediaAsset(row rowScanner) (models.MediaAsset, error) {
	var a models.MediaAsset
	var verified pgtype.Timestamptz
	if err := row.Scan(&a.ID, &a.CallID, &a.Kind, &a.Bucket, &a.Path, &a.ContentType, &a.SizeBytes, &a.ETag, &verified, &a.CreatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.MediaAsset{}, err
		}
		return models.MediaAsset{}, fmt.Errorf("scan media asset: %w", err)
	}
	if verified.Valid {
		a.VerifiedAt = &verified.Time
	}
	return a, nil
}
