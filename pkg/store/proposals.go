package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrProposalNotFound is returned when a proposal id does not exist.
var ErrProposalNotFound = errors.New("proposal not found")

// CreateProposal records an inbound work request before decomposition.
func (s *Store) CreateProposal(ctx context.Context, p *models.Proposal) error {
	p.ID = uuid.New().String()
	err := s.pool.QueryRow(ctx, `
		INSERT INTO proposals (id, title, description, source, external_id, raw_message)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at`,
		p.ID, p.Title, p.Description, p.Source, p.ExternalID, p.RawMessage,
	).Scan(&p.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to create proposal: %w", err)
	}
	return nil
}

// GetProposal loads a proposal by id.
func (s *Store) GetProposal(ctx context.Context, id string) (*models.Proposal, error) {
	var p models.Proposal
	err := s.pool.QueryRow(ctx, `
		SELECT id, title, description, source, external_id, raw_message, created_at
		FROM proposals WHERE id = $1`, id,
	).Scan(&p.ID, &p.Title, &p.Description, &p.Source, &p.ExternalID, &p.RawMessage, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrProposalNotFound
		}
		return nil, err
	}
	return &p, nil
}

// ProposalExistsByExternalID reports whether an inbound issue was already
// converted into a proposal. The inbound poller uses this to dedupe.
func (s *Store) ProposalExistsByExternalID(ctx context.Context, externalID string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (SELECT 1 FROM proposals WHERE external_id = $1)`,
		externalID,
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check proposal existence: %w", err)
	}
	return exists, nil
}
