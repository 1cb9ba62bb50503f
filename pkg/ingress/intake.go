// Package ingress is the HTTP front door: directive submission, the Linear
// webhook, and mission inspection. The ingress process also runs the event
// announcement loop.
package ingress

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/planner"
	"github.com/foreman-hq/foreman/pkg/store"
)

// plannerAgentID attributes decomposition LLM usage to the system, not to a
// hired agent.
const plannerAgentID = "system-decomposer"

// Planner runs one decomposition.
type Planner interface {
	Decompose(ctx context.Context, req planner.Request) (*planner.Result, error)
}

// Store is the persistence surface ingress needs.
type Store interface {
	CreateProposal(ctx context.Context, p *models.Proposal) error
	GetProject(ctx context.Context, id string) (*models.Project, error)
	CreateMission(ctx context.Context, in store.CreateMissionInput) (*models.Mission, error)
	GetMission(ctx context.Context, id string) (*models.Mission, error)
	ListStepsByMission(ctx context.Context, missionID string) ([]*models.Step, error)
	CancelMission(ctx context.Context, id string) error
	CancelOpenSteps(ctx context.Context, missionID string) error
}

// MirrorNotifier mirrors new missions. May be nil.
type MirrorNotifier interface {
	MissionCreated(ctx context.Context, mission *models.Mission)
}

// Intake turns accepted proposals into missions and plans them. It serves
// both the directive endpoint and the inbound Linear path.
type Intake struct {
	store   Store
	planner Planner
	mirror  MirrorNotifier
	logger  *slog.Logger
}

// NewIntake wires the intake service. mirror may be nil.
func NewIntake(st Store, pl Planner, mirror MirrorNotifier, logger *slog.Logger) *Intake {
	if logger == nil {
		logger = slog.Default()
	}
	return &Intake{store: st, planner: pl, mirror: mirror, logger: logger}
}

// Launch creates a mission for a directive and decomposes it into steps. A
// linked mission is tagged with the project's phase at creation time, so a
// later phase advancement credits the right stage.
func (i *Intake) Launch(ctx context.Context, directive string, projectID, proposalID *string) (*models.Mission, *planner.Result, error) {
	var linkPhase *models.ProjectPhase
	if projectID != nil {
		project, err := i.store.GetProject(ctx, *projectID)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to load project %s: %w", *projectID, err)
		}
		linkPhase = &project.Phase
	}

	mission, err := i.store.CreateMission(ctx, store.CreateMissionInput{
		ProjectID:  projectID,
		LinkPhase:  linkPhase,
		Directive:  directive,
		ProposalID: proposalID,
	})
	if err != nil {
		return nil, nil, fmt.Errorf("failed to create mission: %w", err)
	}
	if i.mirror != nil {
		i.mirror.MissionCreated(ctx, mission)
	}

	res, err := i.planner.Decompose(ctx, planner.Request{
		ProjectID:      projectID,
		MissionID:      mission.ID,
		Directive:      directive,
		PlannerAgentID: plannerAgentID,
	})
	if err != nil {
		return mission, nil, fmt.Errorf("failed to decompose mission %s: %w", mission.ID, err)
	}
	return mission, res, nil
}

// ProposalReceived launches a mission for an inbound proposal. Errors are
// logged; the caller (poller or webhook) has nothing useful to do with them.
func (i *Intake) ProposalReceived(ctx context.Context, p *models.Proposal) {
	mission, res, err := i.Launch(ctx, p.RawMessage, nil, &p.ID)
	if err != nil {
		i.logger.Warn("Failed to launch mission for proposal", "proposal_id", p.ID, "error", err)
		return
	}
	i.logger.Info("Proposal launched",
		"proposal_id", p.ID, "mission_id", mission.ID,
		"steps", len(res.Steps), "escalated", res.Escalated)
}
