package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/foreman-hq/foreman/pkg/models"
)

// CreateEscalation records a human-attention escalation for a mission.
func (s *Store) CreateEscalation(ctx context.Context, missionID string, escType models.EscalationType, reason string) (*models.Escalation, error) {
	e := &models.Escalation{
		ID:        uuid.New().String(),
		MissionID: missionID,
		Type:      escType,
		Reason:    reason,
	}
	err := s.pool.QueryRow(ctx, `
		INSERT INTO escalations (id, mission_id, type, reason)
		VALUES ($1, $2, $3, $4)
		RETURNING created_at`,
		e.ID, e.MissionID, e.Type, e.Reason,
	).Scan(&e.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create escalation: %w", err)
	}
	return e, nil
}

// ListEscalationsByMission returns the mission's escalations, oldest first.
func (s *Store) ListEscalationsByMission(ctx context.Context, missionID string) ([]*models.Escalation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, mission_id, type, reason, created_at
		FROM escalations
		WHERE mission_id = $1
		ORDER BY created_at ASC`,
		missionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query escalations: %w", err)
	}
	defer rows.Close()

	var escalations []*models.Escalation
	for rows.Next() {
		var e models.Escalation
		if err := rows.Scan(&e.ID, &e.MissionID, &e.Type, &e.Reason, &e.CreatedAt); err != nil {
			return nil, err
		}
		escalations = append(escalations, &e)
	}
	return escalations, rows.Err()
}
