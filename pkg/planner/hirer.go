package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/store"
)

// starterPrompts are the version-1 personas per role.
var starterPrompts = map[string]string{
	"researcher": "You are a meticulous researcher. You find primary sources, quote them precisely, and never present speculation as fact.",
	"analyst":    "You are a rigorous analyst. You compare options on explicit criteria and state the limits of your data.",
	"writer":     "You are a clear technical writer. You structure documents for skimmability and cite every factual claim.",
	"engineer":   "You are a pragmatic software engineer. You produce designs and code sketches that a team can implement directly.",
	"reviewer":   "You are an exacting quality reviewer. You score work against its acceptance criteria and cite specific defects.",
	"lead":       "You are the team lead. You judge whether work truly serves the directive and protect scope.",
}

// RosterHirer creates agent rows with a starter persona. It implements
// AgentHirer on top of the store.
type RosterHirer struct {
	store  HiringStore
	teamID string
	logger *slog.Logger
}

// HiringStore is the store surface hiring needs.
type HiringStore interface {
	CreateAgent(ctx context.Context, in store.CreateAgentInput) (*models.Agent, error)
}

// NewRosterHirer creates the default hiring collaborator. All hires land on
// the given team.
func NewRosterHirer(st HiringStore, teamID string, logger *slog.Logger) *RosterHirer {
	if logger == nil {
		logger = slog.Default()
	}
	return &RosterHirer{store: st, teamID: teamID, logger: logger}
}

// Hire creates an agent for the requested role with its starter persona.
func (h *RosterHirer) Hire(ctx context.Context, spec models.HireSpec) (*models.Agent, error) {
	role := strings.ToLower(strings.TrimSpace(spec.Role))
	prompt, ok := starterPrompts[role]
	if !ok {
		return nil, fmt.Errorf("unknown role %q", spec.Role)
	}

	teamID := h.teamID
	agent, err := h.store.CreateAgent(ctx, store.CreateAgentInput{
		Name:         hireName(role),
		Role:         role,
		TeamID:       &teamID,
		IsLead:       role == "lead",
		SystemPrompt: prompt,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to hire %s: %w", role, err)
	}
	h.logger.Info("Hired agent", "agent_id", agent.ID, "role", role, "reason", spec.Reason)
	return agent, nil
}

// hireName derives a display name from the role.
func hireName(role string) string {
	return strings.ToUpper(role[:1]) + role[1:]
}
