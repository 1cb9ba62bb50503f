package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrMissionNotFound is returned when a mission id does not exist.
var ErrMissionNotFound = errors.New("mission not found")

const missionColumns = `id, project_id, link_phase, directive, proposal_id, status, created_at, updated_at`

func scanMission(row pgx.Row) (*models.Mission, error) {
	var m models.Mission
	err := row.Scan(&m.ID, &m.ProjectID, &m.LinkPhase, &m.Directive, &m.ProposalID,
		&m.Status, &m.CreatedAt, &m.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrMissionNotFound
		}
		return nil, err
	}
	return &m, nil
}

// CreateMissionInput holds the fields for a new mission row.
type CreateMissionInput struct {
	ProjectID  *string
	LinkPhase  *models.ProjectPhase
	Directive  string
	ProposalID *string
}

// CreateMission inserts a new mission in in_progress status.
func (s *Store) CreateMission(ctx context.Context, in CreateMissionInput) (*models.Mission, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO missions (id, project_id, link_phase, directive, proposal_id)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING `+missionColumns,
		id, in.ProjectID, in.LinkPhase, in.Directive, in.ProposalID,
	)
	m, err := scanMission(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create mission: %w", err)
	}
	return m, nil
}

// GetMission loads a mission by id.
func (s *Store) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	return scanMission(s.pool.QueryRow(ctx, `SELECT `+missionColumns+` FROM missions WHERE id = $1`, id))
}

// CompleteMission transitions a mission from in_progress to completed.
// Returns true only for the caller that performed the transition, so two
// schedulers finishing the last two parallel steps emit one completion event.
func (s *Store) CompleteMission(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE missions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.MissionStatusCompleted, id, models.MissionStatusInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("failed to complete mission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// FailMission transitions a mission from in_progress to failed. Idempotent in
// the same conditional-update style as CompleteMission.
func (s *Store) FailMission(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE missions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.MissionStatusFailed, id, models.MissionStatusInProgress,
	)
	if err != nil {
		return false, fmt.Errorf("failed to fail mission: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// CancelMission marks a mission canceled regardless of its current
// non-terminal state.
func (s *Store) CancelMission(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE missions SET status = $1, updated_at = now()
		WHERE id = $2 AND status = $3`,
		models.MissionStatusCanceled, id, models.MissionStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel mission: %w", err)
	}
	return nil
}

// MissionHasOpenSteps reports whether any step of the mission is still in a
// non-terminal status.
func (s *Store) MissionHasOpenSteps(ctx context.Context, missionID string) (bool, error) {
	var open bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM steps
			WHERE mission_id = $1 AND status IN ($2, $3, $4)
		)`,
		missionID, models.StepStatusPending, models.StepStatusInProgress, models.StepStatusInReview,
	).Scan(&open)
	if err != nil {
		return false, fmt.Errorf("failed to check open steps: %w", err)
	}
	return open, nil
}

// MissionHasFailedSteps reports whether any step of the mission failed.
func (s *Store) MissionHasFailedSteps(ctx context.Context, missionID string) (bool, error) {
	var failed bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM steps WHERE mission_id = $1 AND status = $2)`,
		missionID, models.StepStatusFailed,
	).Scan(&failed)
	if err != nil {
		return false, fmt.Errorf("failed to check failed steps: %w", err)
	}
	return failed, nil
}
