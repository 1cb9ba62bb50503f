package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/foreman-hq/foreman/pkg/models"
)

// RecordUsage persists one LLM call's token accounting. Callers are expected
// to have passed AgentID through models.SanitizeAgentID so the foreign key
// holds.
func (s *Store) RecordUsage(ctx context.Context, u *models.LLMUsage) error {
	u.ID = uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO llm_usage (id, agent_id, mission_step_id, model, tier, prompt_tokens, completion_tokens)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		u.ID, u.AgentID, u.MissionStepID, u.Model, u.Tier, u.PromptTokens, u.CompletionTokens,
	)
	if err != nil {
		return fmt.Errorf("failed to record llm usage: %w", err)
	}
	return nil
}

// UsageTotals aggregates token counts per tier across all recorded calls.
func (s *Store) UsageTotals(ctx context.Context) (map[models.ModelTier]int, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT tier, COALESCE(SUM(prompt_tokens + completion_tokens), 0)
		FROM llm_usage GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("failed to aggregate llm usage: %w", err)
	}
	defer rows.Close()

	totals := make(map[models.ModelTier]int)
	for rows.Next() {
		var tier models.ModelTier
		var tokens int
		if err := rows.Scan(&tier, &tokens); err != nil {
			return nil, err
		}
		totals[tier] = tokens
	}
	return totals, rows.Err()
}
