package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/foreman-hq/foreman/pkg/models"
)

// ErrAgentNotFound is returned when an agent id does not exist.
var ErrAgentNotFound = errors.New("agent not found")

// ErrPersonaNotFound is returned when a persona id does not exist.
var ErrPersonaNotFound = errors.New("persona not found")

const agentColumns = `id, name, role, team_id, status, is_lead, current_persona_id, created_at`

func scanAgent(row pgx.Row) (*models.Agent, error) {
	var a models.Agent
	err := row.Scan(&a.ID, &a.Name, &a.Role, &a.TeamID, &a.Status,
		&a.IsLead, &a.CurrentPersonaID, &a.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrAgentNotFound
		}
		return nil, err
	}
	return &a, nil
}

// CreateAgentInput holds the fields for a new agent and its first persona.
type CreateAgentInput struct {
	Name         string
	Role         string
	TeamID       *string
	IsLead       bool
	SystemPrompt string
}

// CreateAgent inserts an agent together with version 1 of its persona in one
// transaction. Agent ids carry the "agent-" prefix so usage attribution can
// tell agents apart from system callers.
func (s *Store) CreateAgent(ctx context.Context, in CreateAgentInput) (*models.Agent, error) {
	agentID := "agent-" + uuid.New().String()
	personaID := uuid.New().String()

	var agent *models.Agent
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		_, err := tx.Exec(ctx, `
			INSERT INTO agents (id, name, role, team_id, is_lead, current_persona_id)
			VALUES ($1, $2, $3, $4, $5, $6)`,
			agentID, in.Name, in.Role, in.TeamID, in.IsLead, personaID,
		)
		if err != nil {
			return fmt.Errorf("failed to insert agent: %w", err)
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO personas (id, agent_id, system_prompt, version)
			VALUES ($1, $2, $3, 1)`,
			personaID, agentID, in.SystemPrompt,
		)
		if err != nil {
			return fmt.Errorf("failed to insert persona: %w", err)
		}
		agent, err = scanAgent(tx.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, agentID))
		return err
	})
	if err != nil {
		return nil, err
	}
	return agent, nil
}

// GetAgent loads an agent by id.
func (s *Store) GetAgent(ctx context.Context, id string) (*models.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `SELECT `+agentColumns+` FROM agents WHERE id = $1`, id))
}

// ListAgents returns every agent, leads first.
func (s *Store) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		ORDER BY is_lead DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// ListTeamAgents returns the agents that belong to any team. System agents
// (nil team_id) are excluded; they never review work.
func (s *Store) ListTeamAgents(ctx context.Context) ([]*models.Agent, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE team_id IS NOT NULL
		ORDER BY is_lead DESC, created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("failed to query team agents: %w", err)
	}
	defer rows.Close()
	return collectAgents(rows)
}

// FindAgentByRole returns the oldest agent with the given role, or
// ErrAgentNotFound.
func (s *Store) FindAgentByRole(ctx context.Context, role string) (*models.Agent, error) {
	return scanAgent(s.pool.QueryRow(ctx, `
		SELECT `+agentColumns+` FROM agents
		WHERE role = $1
		ORDER BY created_at ASC
		LIMIT 1`, role))
}

func collectAgents(rows pgx.Rows) ([]*models.Agent, error) {
	var agents []*models.Agent
	for rows.Next() {
		a, err := scanAgent(rows)
		if err != nil {
			return nil, err
		}
		agents = append(agents, a)
	}
	return agents, rows.Err()
}

// GetPersona loads a persona by id.
func (s *Store) GetPersona(ctx context.Context, id string) (*models.Persona, error) {
	var p models.Persona
	err := s.pool.QueryRow(ctx, `
		SELECT id, agent_id, system_prompt, version, created_at
		FROM personas WHERE id = $1`, id,
	).Scan(&p.ID, &p.AgentID, &p.SystemPrompt, &p.Version, &p.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrPersonaNotFound
		}
		return nil, err
	}
	return &p, nil
}

// AppendPersona writes a new persona version for the agent and points the
// agent at it. Personas are immutable; upgrades always append.
func (s *Store) AppendPersona(ctx context.Context, agentID, systemPrompt string) (*models.Persona, error) {
	personaID := uuid.New().String()
	var persona models.Persona
	err := s.withTx(ctx, func(tx pgx.Tx) error {
		var version int
		err := tx.QueryRow(ctx, `
			SELECT COALESCE(MAX(version), 0) + 1 FROM personas WHERE agent_id = $1`,
			agentID,
		).Scan(&version)
		if err != nil {
			return fmt.Errorf("failed to determine persona version: %w", err)
		}

		err = tx.QueryRow(ctx, `
			INSERT INTO personas (id, agent_id, system_prompt, version)
			VALUES ($1, $2, $3, $4)
			RETURNING id, agent_id, system_prompt, version, created_at`,
			personaID, agentID, systemPrompt, version,
		).Scan(&persona.ID, &persona.AgentID, &persona.SystemPrompt, &persona.Version, &persona.CreatedAt)
		if err != nil {
			return fmt.Errorf("failed to insert persona: %w", err)
		}

		_, err = tx.Exec(ctx, `UPDATE agents SET current_persona_id = $1 WHERE id = $2`, personaID, agentID)
		if err != nil {
			return fmt.Errorf("failed to point agent at persona: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &persona, nil
}

// CurrentSystemPrompt returns the agent's active persona prompt.
func (s *Store) CurrentSystemPrompt(ctx context.Context, agentID string) (string, error) {
	var prompt string
	err := s.pool.QueryRow(ctx, `
		SELECT p.system_prompt
		FROM agents a JOIN personas p ON p.id = a.current_persona_id
		WHERE a.id = $1`,
		agentID,
	).Scan(&prompt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrAgentNotFound
		}
		return "", fmt.Errorf("failed to load persona prompt: %w", err)
	}
	return prompt, nil
}
