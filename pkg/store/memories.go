package store

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/foreman-hq/foreman/pkg/models"
)

// CreateMemory records an approach or lesson memory.
func (s *Store) CreateMemory(ctx context.Context, m *models.AgentMemory) error {
	m.ID = uuid.New().String()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO agent_memories (id, agent_id, kind, topic_tags, content, score)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		m.ID, m.AgentID, m.Kind, m.TopicTags, m.Content, m.Score,
	)
	if err != nil {
		return fmt.Errorf("failed to create agent memory: %w", err)
	}
	return nil
}

// TopMemories returns the top-k memories of the given kind whose topic tags
// overlap the query tags, best score first. With no overlapping tags the
// result is empty; planning proceeds without hints.
func (s *Store) TopMemories(ctx context.Context, kind models.MemoryKind, tags []string, k int) ([]*models.AgentMemory, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, agent_id, kind, topic_tags, content, score, created_at
		FROM agent_memories
		WHERE kind = $1 AND topic_tags && $2
		ORDER BY score DESC, created_at DESC
		LIMIT $3`,
		kind, tags, k,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to query agent memories: %w", err)
	}
	defer rows.Close()

	var memories []*models.AgentMemory
	for rows.Next() {
		var m models.AgentMemory
		if err := rows.Scan(&m.ID, &m.AgentID, &m.Kind, &m.TopicTags, &m.Content, &m.Score, &m.CreatedAt); err != nil {
			return nil, err
		}
		memories = append(memories, &m)
	}
	return memories, rows.Err()
}

// CountAgentApprovals counts completed steps credited to the agent. The
// persona upgrade check reads this after every approval.
func (s *Store) CountAgentApprovals(ctx context.Context, agentID string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx, `
		SELECT count(*) FROM steps WHERE agent_id = $1 AND status = $2`,
		agentID, models.StepStatusCompleted,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to count agent approvals: %w", err)
	}
	return n, nil
}
