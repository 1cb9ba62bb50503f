package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrNoPendingApproval is returned when the review queue is empty.
var ErrNoPendingApproval = errors.New("no pending approval")

const approvalColumns = `id, step_id, reviewer_agent_id, review_type, status,
	feedback, auto_rejected, created_at, reviewed_at`

func scanApproval(row pgx.Row) (*models.Approval, error) {
	var a models.Approval
	err := row.Scan(&a.ID, &a.StepID, &a.ReviewerAgentID, &a.ReviewType,
		&a.Status, &a.Feedback, &a.AutoRejected, &a.CreatedAt, &a.ReviewedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNoPendingApproval
		}
		return nil, err
	}
	return &a, nil
}

// CreateApproval enqueues a pending review for a step.
func (s *Store) CreateApproval(ctx context.Context, stepID, reviewerAgentID string, reviewType models.ReviewType) (*models.Approval, error) {
	id := uuid.New().String()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO approvals (id, step_id, reviewer_agent_id, review_type)
		VALUES ($1, $2, $3, $4)
		RETURNING `+approvalColumns,
		id, stepID, reviewerAgentID, reviewType,
	)
	a, err := scanApproval(row)
	if err != nil {
		return nil, fmt.Errorf("failed to create approval: %w", err)
	}
	return a, nil
}

// NextPendingApproval returns the oldest pending approval, or
// ErrNoPendingApproval when the queue is empty.
func (s *Store) NextPendingApproval(ctx context.Context) (*models.Approval, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE status = $1
		ORDER BY created_at ASC
		LIMIT 1`,
		models.ApprovalStatusPending,
	)
	return scanApproval(row)
}

// ResolveApproval records the reviewer verdict on a pending approval.
func (s *Store) ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, feedback string, autoRejected bool) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE approvals
		SET status = $1, feedback = $2, auto_rejected = $3, reviewed_at = now()
		WHERE id = $4 AND status = $5`,
		status, feedback, autoRejected, id, models.ApprovalStatusPending,
	)
	if err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	return nil
}

// CountRejections returns how many reviews of this step ended rejected,
// across all review types and revision rounds.
func (s *Store) CountRejections(ctx context.Context, stepID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM approvals
		WHERE step_id = $1 AND status = $2`,
		stepID, models.ApprovalStatusRejected,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count rejections: %w", err)
	}
	return n, nil
}

// ListApprovalsByStep returns all reviews of a step, oldest first.
func (s *Store) ListApprovalsByStep(ctx context.Context, stepID string) ([]*models.Approval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+approvalColumns+` FROM approvals
		WHERE step_id = $1
		ORDER BY created_at ASC`,
		stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query step approvals: %w", err)
	}
	defer rows.Close()

	var approvals []*models.Approval
	for rows.Next() {
		a, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		approvals = append(approvals, a)
	}
	return approvals, rows.Err()
}
