package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/foreman-hq/foreman/pkg/models"
)

// InsertEvent records a lifecycle event for later announcement.
func (s *Store) InsertEvent(ctx context.Context, e *models.Event) error {
	payload := e.Payload
	if payload == nil {
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("failed to encode event payload: %w", err)
	}

	e.ID = uuid.New().String()
	_, err = s.pool.Exec(ctx, `
		INSERT INTO events (id, type, mission_id, step_id, project_id, payload)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		e.ID, e.Type, e.MissionID, e.StepID, e.ProjectID, encoded,
	)
	if err != nil {
		return fmt.Errorf("failed to insert event: %w", err)
	}
	return nil
}

// ListUnannouncedEvents returns events not yet delivered, oldest first.
func (s *Store) ListUnannouncedEvents(ctx context.Context, limit int) ([]*models.Event, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, mission_id, step_id, project_id, payload, created_at, announced_at
		FROM events
		WHERE announced_at IS NULL
		ORDER BY created_at ASC
		LIMIT $1`,
		limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query unannounced events: %w", err)
	}
	defer rows.Close()

	var events []*models.Event
	for rows.Next() {
		var e models.Event
		var payload []byte
		if err := rows.Scan(&e.ID, &e.Type, &e.MissionID, &e.StepID, &e.ProjectID,
			&payload, &e.CreatedAt, &e.AnnouncedAt); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return nil, fmt.Errorf("failed to decode event payload: %w", err)
		}
		events = append(events, &e)
	}
	return events, rows.Err()
}

// MarkEventAnnounced stamps an event as delivered.
func (s *Store) MarkEventAnnounced(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE events SET announced_at = now()
		WHERE id = $1 AND announced_at IS NULL`,
		id,
	)
	if err != nil {
		return fmt.Errorf("failed to mark event announced: %w", err)
	}
	return nil
}
