package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrProjectNotFound is returned when a project id does not exist.
var ErrProjectNotFound = errors.New("project not found")

const projectColumns = `id, name, original_request, phase, status, created_at, updated_at`

func scanProject(row pgx.Row) (*models.Project, error) {
	var p models.Project
	err := row.Scan(&p.ID, &p.Name, &p.OriginalRequest, &p.Phase, &p.Status,
		&p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProjectNotFound
		}
		return nil, err
	}
	return &p, nil
}

// CreateProject inserts a new project in the discovery phase.
func (s *Store) CreateProject(ctx context.Context, name, originalRequest string) (*models.Project, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO projects (id, name, original_request)
		VALUES ($1, $2, $3)
		RETURNING `+projectColumns,
		id, name, originalRequest,
	)
	p, err := scanProject(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create project: %w", err)
	}
	return p, nil
}

// GetProject loads a project by id.
func (s *Store) GetProject(ctx context.Context, id string) (*models.Project, error) {
	return scanProject(s.pool.QueryRow(ctx, `SELECT `+projectColumns+` FROM projects WHERE id = $1`, id))
}

// ListActiveProjects returns all projects whose status is active.
func (s *Store) ListActiveProjects(ctx context.Context) ([]*models.Project, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+projectColumns+` FROM projects
		WHERE status = $1 ORDER BY created_at ASC`,
		models.ProjectStatusActive,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query active projects: %w", err)
	}
	defer rows.Close()

	var projects []*models.Project
	for rows.Next() {
		p, err := scanProject(rows)
		if err != nil {
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, rows.Err()
}

// AdvanceProjectPhase moves a project to target only when target is strictly
// later in the lifecycle than its current phase. Backward or same-phase
// requests are silent no-ops: the project phase is monotonic.
func (s *Store) AdvanceProjectPhase(ctx context.Context, id string, target models.ProjectPhase) (*models.Project, error) {
	p, err := s.GetProject(ctx, id)
	if err != nil {
		return nil, err
	}
	if models.PhaseIndex(target) <= models.PhaseIndex(p.Phase) {
		return p, nil
	}

	row := s.pool.QueryRow(ctx, `
		UPDATE projects SET phase = $1, updated_at = now()
		WHERE id = $2
		RETURNING `+projectColumns,
		target, id,
	)
	p, err = scanProject(row)
	if err != nil {
		return nil, fmt.Errorf("failed to advance project phase: %w", err)
	}
	return p, nil
}

// CompleteProject marks a project completed. Idempotent.
func (s *Store) CompleteProject(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE projects SET status = $1, phase = $2, updated_at = now()
		WHERE id = $3 AND status = $4`,
		models.ProjectStatusCompleted, models.PhaseCompleted, id, models.ProjectStatusActive,
	)
	if err != nil {
		return fmt.Errorf("failed to complete project: %w", err)
	}
	return nil
}
