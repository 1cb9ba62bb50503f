package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/foreman-hq/foreman/pkg/models"
)

// RecordPhase persists one pipeline phase record for a step.
func (s *Store) RecordPhase(ctx context.Context, r *models.PhaseRecord) error {
	metadata := r.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	encoded, err := json.Marshal(metadata)
	if err != nil {
		return fmt.Errorf("failed to encode phase metadata: %w", err)
	}

	r.ID = uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO pipeline_phases (id, step_id, phase_name, phase_order, tier, score, duration_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		r.ID, r.StepID, r.Name, r.PhaseOrder, r.Tier, r.Score, r.DurationMS, encoded,
	)
	if err != nil {
		return fmt.Errorf("failed to record pipeline phase: %w", err)
	}
	return nil
}

// ListPhasesByStep returns the step's phase records in execution order.
func (s *Store) ListPhasesByStep(ctx context.Context, stepID string) ([]*models.PhaseRecord, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, step_id, phase_name, phase_order, tier, score, duration_ms, metadata, created_at
		FROM pipeline_phases
		WHERE step_id = $1
		ORDER BY phase_order ASC, created_at ASC`,
		stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pipeline phases: %w", err)
	}
	defer rows.Close()

	var records []*models.PhaseRecord
	for rows.Next() {
		var r models.PhaseRecord
		var metadata []byte
		if err := rows.Scan(&r.ID, &r.StepID, &r.Name, &r.PhaseOrder, &r.Tier,
			&r.Score, &r.DurationMS, &metadata, &r.CreatedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(metadata, &r.Metadata); err != nil {
			return nil, fmt.Errorf("failed to decode phase metadata: %w", err)
		}
		records = append(records, &r)
	}
	return records, rows.Err()
}
