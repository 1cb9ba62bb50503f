package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrPlanNotFound is returned when no plan exists for the query.
var ErrPlanNotFound = errors.New("decomposition plan not found")

// CreatePlan persists a decomposition plan. Tasks and hire specs are stored
// as JSONB so plan history survives schema-free.
func (s *Store) CreatePlan(ctx context.Context, plan *models.DecompositionPlan) (*models.DecompositionPlan, error) {
	tasks, err := json.Marshal(plan.Tasks)
	if err != nil {
		return nil, fmt.Errorf("failed to encode plan tasks: %w", err)
	}
	hires, err := json.Marshal(plan.HiringNeeded)
	if err != nil {
		return nil, fmt.Errorf("failed to encode hire specs: %w", err)
	}

	plan.ID = uuid.New().String()
	plan.Status = models.PlanStatusActive
	err = s.pool.QueryRow(ctx, `
		INSERT INTO decomposition_plans
			(id, mission_id, tasks, end_state, escalation_needed, escalation_reason, hiring_needed)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING created_at`,
		plan.ID, plan.MissionID, tasks, plan.EndState,
		plan.EscalationNeeded, plan.EscalationReason, hires,
	).Scan(&plan.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("failed to create decomposition plan: %w", err)
	}
	return plan, nil
}

// GetActivePlan returns the active plan of a mission.
func (s *Store) GetActivePlan(ctx context.Context, missionID string) (*models.DecompositionPlan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, mission_id, tasks, end_state, escalation_needed,
			escalation_reason, hiring_needed, status, created_at
		FROM decomposition_plans
		WHERE mission_id = $1 AND status = $2
		ORDER BY created_at DESC
		LIMIT 1`,
		missionID, models.PlanStatusActive,
	)
	return scanPlan(row)
}

func scanPlan(row pgx.Row) (*models.DecompositionPlan, error) {
	var plan models.DecompositionPlan
	var tasks, hires []byte
	err := row.Scan(&plan.ID, &plan.MissionID, &tasks, &plan.EndState,
		&plan.EscalationNeeded, &plan.EscalationReason, &hires,
		&plan.Status, &plan.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPlanNotFound
		}
		return nil, err
	}
	if err := json.Unmarshal(tasks, &plan.Tasks); err != nil {
		return nil, fmt.Errorf("failed to decode plan tasks: %w", err)
	}
	if err := json.Unmarshal(hires, &plan.HiringNeeded); err != nil {
		return nil, fmt.Errorf("failed to decode hire specs: %w", err)
	}
	return &plan, nil
}

// SupersedePlans marks every active plan of the mission superseded. Called
// before persisting a re-planned decomposition so exactly one plan stays
// active.
func (s *Store) SupersedePlans(ctx context.Context, missionID string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE decomposition_plans SET status = $1
		WHERE mission_id = $2 AND status = $3`,
		models.PlanStatusSuperseded, missionID, models.PlanStatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to supersede plans: %w", err)
	}
	return nil
}
