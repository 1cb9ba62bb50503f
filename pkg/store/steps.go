package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrStepNotFound is returned when a step id does not exist.
var ErrStepNotFound = errors.New("step not found")

const stepColumns = `id, mission_id, agent_id, description, acceptance_criteria,
	tier, step_order, status, parent_step_id, result, failure_reason,
	revision_count, skip_pipeline, skip_research, created_at, started_at, completed_at`

func scanStep(row pgx.Row) (*models.Step, error) {
	var st models.Step
	err := row.Scan(
		&st.ID, &st.MissionID, &st.AgentID, &st.Description, &st.AcceptanceCriteria,
		&st.Tier, &st.StepOrder, &st.Status, &st.ParentStepID, &st.Result,
		&st.FailureReason, &st.RevisionCount, &st.SkipPipeline, &st.SkipResearch,
		&st.CreatedAt, &st.StartedAt, &st.CompletedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrStepNotFound
		}
		return nil, err
	}
	return &st, nil
}

// CreateStepInput holds the fields for a new step row.
type CreateStepInput struct {
	MissionID          string
	AgentID            string
	Description        string
	AcceptanceCriteria string
	Tier               models.ModelTier
	StepOrder          int
	ParentStepID       *string
	SkipPipeline       bool
	SkipResearch       bool
}

// CreateStep inserts a new pending step and returns it.
func (s *Store) CreateStep(ctx context.Context, in CreateStepInput) (*models.Step, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO steps (id, mission_id, agent_id, description, acceptance_criteria,
			tier, step_order, parent_step_id, skip_pipeline, skip_research)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING `+stepColumns,
		id, in.MissionID, in.AgentID, in.Description, in.AcceptanceCriteria,
		in.Tier, in.StepOrder, in.ParentStepID, in.SkipPipeline, in.SkipResearch,
	)
	st, err := scanStep(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create step: %w", err)
	}
	return st, nil
}

// GetStep loads a step by id.
func (s *Store) GetStep(ctx context.Context, id string) (*models.Step, error) {
	return scanStep(s.pool.QueryRow(ctx, `SELECT `+stepColumns+` FROM steps WHERE id = $1`, id))
}

// ListPendingCandidates returns up to limit pending steps ordered by
// created_at ascending. The limit is applied directly, with no multiplier.
func (s *Store) ListPendingCandidates(ctx context.Context, limit int) ([]*models.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT $2`,
		models.StepStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

// ListStepsByMission returns all steps of a mission ordered by step_order.
func (s *Store) ListStepsByMission(ctx context.Context, missionID string) ([]*models.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM steps
		WHERE mission_id = $1
		ORDER BY step_order ASC, created_at ASC`,
		missionID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query mission steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

func collectSteps(rows pgx.Rows) ([]*models.Step, error) {
	var steps []*models.Step
	for rows.Next() {
		st, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

// ClaimStep attempts the atomic pending → in_progress transition.
// Returns false when another worker won the race.
func (s *Store) ClaimStep(ctx context.Context, id string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, started_at = now()
		WHERE id = $2 AND status = $3`,
		models.StepStatusInProgress, id, models.StepStatusPending,
	)
	if err != nil {
		return false, fmt.Errorf("failed to claim step: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

// MarkStepInReview records the pipeline artifact and moves the step to
// in_review.
func (s *Store) MarkStepInReview(ctx context.Context, id, result string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, result = $2
		WHERE id = $3 AND status = $4`,
		models.StepStatusInReview, result, id, models.StepStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to move step to review: %w", err)
	}
	return nil
}

// MarkStepFailed transitions a step to failed with a reason.
func (s *Store) MarkStepFailed(ctx context.Context, id, reason string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, failure_reason = $2, completed_at = now()
		WHERE id = $3 AND status NOT IN ($4, $5)`,
		models.StepStatusFailed, reason, id,
		models.StepStatusCompleted, models.StepStatusCanceled,
	)
	if err != nil {
		return fmt.Errorf("failed to fail step: %w", err)
	}
	return nil
}

// MarkStepCompleted transitions an in_review step to completed.
func (s *Store) MarkStepCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, completed_at = now()
		WHERE id = $2 AND status = $3`,
		models.StepStatusCompleted, id, models.StepStatusInReview,
	)
	if err != nil {
		return fmt.Errorf("failed to complete step: %w", err)
	}
	return nil
}

// ReturnStepForRevision sends an in_review step back to pending and bumps
// its revision counter.
func (s *Store) ReturnStepForRevision(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, revision_count = revision_count + 1
		WHERE id = $2 AND status = $3`,
		models.StepStatusPending, id, models.StepStatusInReview,
	)
	if err != nil {
		return fmt.Errorf("failed to return step for revision: %w", err)
	}
	return nil
}

// AbandonStep returns a claimed step to pending without recording a result.
// Used when a mission is canceled mid-execution.
func (s *Store) AbandonStep(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, started_at = NULL
		WHERE id = $2 AND status = $3`,
		models.StepStatusPending, id, models.StepStatusInProgress,
	)
	if err != nil {
		return fmt.Errorf("failed to abandon step: %w", err)
	}
	return nil
}

// ListOrphanedInReviewSteps returns up to limit in_review steps with no
// pending approval, oldest first. A step lands here when the QA enqueue after
// its pipeline run failed; the scheduler sweep re-opens the review.
func (s *Store) ListOrphanedInReviewSteps(ctx context.Context, limit int) ([]*models.Step, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+stepColumns+` FROM steps s
		WHERE s.status = $1
		AND NOT EXISTS (
			SELECT 1 FROM approvals a
			WHERE a.step_id = s.id AND a.status = $2
		)
		ORDER BY s.created_at ASC
		LIMIT $3`,
		models.StepStatusInReview, models.ApprovalStatusPending, limit,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query orphaned in_review steps: %w", err)
	}
	defer rows.Close()
	return collectSteps(rows)
}

// FailPendingStepsAfter fails every pending step of the mission whose
// step_order is strictly greater than order. Parallel steps at the same
// order are left alone. Returns the number of steps failed.
func (s *Store) FailPendingStepsAfter(ctx context.Context, missionID string, order int, reason string) (int, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, failure_reason = $2, completed_at = now()
		WHERE mission_id = $3 AND status = $4 AND step_order > $5`,
		models.StepStatusFailed, reason, missionID, models.StepStatusPending, order,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to cascade step failures: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

// CancelOpenSteps cancels every non-terminal step of a mission.
func (s *Store) CancelOpenSteps(ctx context.Context, missionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE steps SET status = $1, completed_at = now()
		WHERE mission_id = $2 AND status IN ($3, $4, $5)`,
		models.StepStatusCanceled, missionID,
		models.StepStatusPending, models.StepStatusInProgress, models.StepStatusInReview,
	)
	if err != nil {
		return fmt.Errorf("failed to cancel mission steps: %w", err)
	}
	return nil
}

// ListDependencies returns the outgoing dependency edges of a step.
func (s *Store) ListDependencies(ctx context.Context, stepID string) ([]models.StepDependency, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT step_id, depends_on_step_id, type
		FROM step_dependencies WHERE step_id = $1`,
		stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query step dependencies: %w", err)
	}
	defer rows.Close()

	var deps []models.StepDependency
	for rows.Next() {
		var d models.StepDependency
		if err := rows.Scan(&d.StepID, &d.DependsOnStepID, &d.Type); err != nil {
			return nil, err
		}
		deps = append(deps, d)
	}
	return deps, rows.Err()
}

// CreateDependency inserts one dependency edge.
func (s *Store) CreateDependency(ctx context.Context, dep models.StepDependency) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO step_dependencies (step_id, depends_on_step_id, type)
		VALUES ($1, $2, $3)
		ON CONFLICT DO NOTHING`,
		dep.StepID, dep.DependsOnStepID, dep.Type,
	)
	if err != nil {
		return fmt.Errorf("failed to create step dependency: %w", err)
	}
	return nil
}

// StepStatuses returns the statuses of the given step ids.
func (s *Store) StepStatuses(ctx context.Context, ids []string) (map[string]models.StepStatus, error) {
	if len(ids) == 0 {
		return map[string]models.StepStatus{}, nil
	}
	rows, err := s.pool.Query(ctx, `SELECT id, status FROM steps WHERE id = ANY($1)`, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to query step statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]models.StepStatus, len(ids))
	for rows.Next() {
		var id string
		var status models.StepStatus
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		statuses[id] = status
	}
	return statuses, rows.Err()
}
