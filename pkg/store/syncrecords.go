package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrSyncRecordNotFound is returned when no mirror mapping exists.
var ErrSyncRecordNotFound = errors.New("sync record not found")

// UpsertSyncRecord stores the mapping between a local entity and its mirror
// issue. On conflict the existing mapping wins: the first successful mirror
// creation is authoritative.
func (s *Store) UpsertSyncRecord(ctx context.Context, r *models.LinearSyncRecord) error {
	if r.ID == "" {
		r.ID = uuid.New().String()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO linear_sync_records (id, entity_kind, entity_id, linear_id, linear_url)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (entity_kind, entity_id) DO NOTHING`,
		r.ID, r.EntityKind, r.EntityID, r.LinearID, r.LinearURL,
	)
	if err != nil {
		return fmt.Errorf("failed to upsert sync record: %w", err)
	}
	return nil
}

// GetSyncRecord returns the mirror mapping for a local entity.
func (s *Store) GetSyncRecord(ctx context.Context, entityKind, entityID string) (*models.LinearSyncRecord, error) {
	return scanSyncRecord(s.pool.QueryRow(ctx, `
		SELECT id, entity_kind, entity_id, linear_id, linear_url, created_at
		FROM linear_sync_records
		WHERE entity_kind = $1 AND entity_id = $2`,
		entityKind, entityID,
	))
}

// FindSyncRecordByLinearID resolves a mirror issue id back to the local
// entity. Used by the inbound poller to drop echo issues.
func (s *Store) FindSyncRecordByLinearID(ctx context.Context, linearID string) (*models.LinearSyncRecord, error) {
	return scanSyncRecord(s.pool.QueryRow(ctx, `
		SELECT id, entity_kind, entity_id, linear_id, linear_url, created_at
		FROM linear_sync_records
		WHERE linear_id = $1`,
		linearID,
	))
}

func scanSyncRecord(row pgx.Row) (*models.LinearSyncRecord, error) {
	var r models.LinearSyncRecord
	err := row.Scan(&r.ID, &r.EntityKind, &r.EntityID, &r.LinearID, &r.LinearURL, &r.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrSyncRecordNotFound
		}
		return nil, err
	}
	return &r, nil
}
