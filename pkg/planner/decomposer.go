// Package planner implements the decomposition engine: one directive in, a
// validated dependency-constrained step graph out.
package planner

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foreman-hq/foreman/pkg/capability"
	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/store"
)

// approachHintCount is the top-k for past-plan retrieval.
const approachHintCount = 3

// Store is the persistence surface the decomposer needs.
type Store interface {
	ListAgents(ctx context.Context) ([]*models.Agent, error)
	TopMemories(ctx context.Context, kind models.MemoryKind, tags []string, k int) ([]*models.AgentMemory, error)
	SupersedePlans(ctx context.Context, missionID string) error
	CreatePlan(ctx context.Context, plan *models.DecompositionPlan) (*models.DecompositionPlan, error)
	CreateEscalation(ctx context.Context, missionID string, escType models.EscalationType, reason string) (*models.Escalation, error)
	CreateStep(ctx context.Context, in store.CreateStepInput) (*models.Step, error)
	CreateDependency(ctx context.Context, dep models.StepDependency) error
	CreateMemory(ctx context.Context, m *models.AgentMemory) error
}

// LLMCaller is the narrow client surface the decomposer needs.
type LLMCaller interface {
	Call(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// FeasibilityValidator scores plan tasks against the capability manifest.
type FeasibilityValidator interface {
	ValidateFeasibility(ctx context.Context, tasks []models.PlanTask) capability.FeasibilityResult
}

// AgentHirer creates agents a plan requires but the roster lacks.
type AgentHirer interface {
	Hire(ctx context.Context, spec models.HireSpec) (*models.Agent, error)
}

// MirrorNotifier receives fire-and-forget plan sync calls. Nil-safe at the
// call sites; implementations log their own failures and never return them.
type MirrorNotifier interface {
	StepsCreated(ctx context.Context, missionID string, steps []*models.Step)
}

// Request names one decomposition run.
type Request struct {
	ProjectID      *string
	MissionID      string
	Directive      string
	PlannerAgentID string
}

// Result is the outcome of one decomposition run.
type Result struct {
	Plan  *models.DecompositionPlan
	Steps []*models.Step
	// Escalated means an escalation row was written and no steps were
	// created; a human decides next.
	Escalated bool
}

// Decomposer turns directives into persisted plans and steps.
type Decomposer struct {
	store     Store
	caller    LLMCaller
	registry  *capability.Registry
	validator FeasibilityValidator
	hirer     AgentHirer
	mirror    MirrorNotifier
	logger    *slog.Logger
}

// NewDecomposer wires the decomposition engine. mirror may be nil.
func NewDecomposer(st Store, caller LLMCaller, registry *capability.Registry,
	validator FeasibilityValidator, hirer AgentHirer, mirror MirrorNotifier, logger *slog.Logger) *Decomposer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Decomposer{
		store:     st,
		caller:    caller,
		registry:  registry,
		validator: validator,
		hirer:     hirer,
		mirror:    mirror,
		logger:    logger,
	}
}

// Decompose runs the full planning flow: roster, approach hints, planner
// call, parse with fallback, DAG validation, one feasibility re-plan round,
// persistence, hiring, escalation, and two-pass step materialization.
func (d *Decomposer) Decompose(ctx context.Context, req Request) (*Result, error) {
	logger := d.logger.With("mission_id", req.MissionID)

	roster, err := d.store.ListAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}

	tags := DeriveTopicTags(req.Directive)
	hints := ""
	memories, err := d.store.TopMemories(ctx, models.MemoryKindApproach, tags, approachHintCount)
	if err != nil {
		logger.Warn("Approach memory retrieval failed, planning without hints", "error", err)
	} else {
		hints = formatApproachHints(memories)
	}

	basePrompt := buildPlannerPrompt(req.Directive, formatRoster(roster), d.registry.BuildManifest(), hints)
	draft, err := d.plan(ctx, req, basePrompt, logger)
	if err != nil {
		return nil, err
	}

	// Persist the accepted plan; exactly one stays active per mission.
	if err := d.store.SupersedePlans(ctx, req.MissionID); err != nil {
		return nil, fmt.Errorf("failed to supersede prior plans: %w", err)
	}
	plan := &models.DecompositionPlan{
		MissionID:        req.MissionID,
		Tasks:            draft.Tasks,
		EndState:         draft.EndState,
		EscalationNeeded: draft.EscalationNeeded,
		EscalationReason: draft.EscalationReason,
		HiringNeeded:     draft.HiringNeeded,
	}
	plan, err = d.store.CreatePlan(ctx, plan)
	if err != nil {
		return nil, fmt.Errorf("failed to persist plan: %w", err)
	}

	// Hire before materialization so assignees exist when steps are created
	for _, spec := range draft.HiringNeeded {
		agent, err := d.hirer.Hire(ctx, spec)
		if err != nil {
			logger.Warn("Hiring failed, assignment falls back to the existing roster",
				"role", spec.Role, "error", err)
			continue
		}
		roster = append(roster, agent)
	}

	if draft.EscalationNeeded {
		escType := InferEscalationType(draft.EscalationReason)
		if _, err := d.store.CreateEscalation(ctx, req.MissionID, escType, draft.EscalationReason); err != nil {
			return nil, fmt.Errorf("failed to record escalation: %w", err)
		}
		logger.Info("Plan escalated to a human", "type", escType, "reason", draft.EscalationReason)
		return &Result{Plan: plan, Escalated: true}, nil
	}

	steps, err := d.materialize(ctx, req, roster, draft.Tasks)
	if err != nil {
		return nil, err
	}

	if d.mirror != nil {
		d.mirror.StepsCreated(ctx, req.MissionID, steps)
	}
	d.saveApproachMemory(ctx, req, tags, draft, logger)

	logger.Info("Directive decomposed", "tasks", len(draft.Tasks), "steps", len(steps), "fallback", draft.Fallback)
	return &Result{Plan: plan, Steps: steps}, nil
}

// plan runs the planner call, the parse-with-fallback, DAG validation, and
// at most one feasibility re-plan round.
func (d *Decomposer) plan(ctx context.Context, req Request, basePrompt string, logger *slog.Logger) (*planDraft, error) {
	resp, err := d.caller.Call(ctx, llm.Request{
		SystemPrompt: "You are a project planner for an autonomous agent team. You produce strict JSON plans.",
		UserMessage:  basePrompt,
		AgentID:      req.PlannerAgentID,
		ForceTier:    models.TierMedium,
	})
	if err != nil {
		return nil, fmt.Errorf("planner call failed: %w", err)
	}

	draft := parsePlan(resp.Content, req.Directive)
	if draft.Fallback {
		// Fallback plans skip DAG validation, feasibility, and re-planning
		logger.Warn("Planner response did not parse, using single-task fallback plan")
		return draft, nil
	}

	if err := ValidateDAG(draft.Tasks); err != nil {
		return nil, fmt.Errorf("plan rejected: %w", err)
	}

	feas := d.validator.ValidateFeasibility(ctx, draft.Tasks)
	if feas.Feasible {
		return draft, nil
	}

	// One re-plan round with the issues fed back; after two total validation
	// rounds the best plan is accepted regardless.
	logger.Info("Plan judged infeasible, re-planning once", "issues", len(feas.Issues))
	resp, err = d.caller.Call(ctx, llm.Request{
		SystemPrompt: "You are a project planner for an autonomous agent team. You produce strict JSON plans.",
		UserMessage:  buildReplanPrompt(basePrompt, feas.Issues),
		AgentID:      req.PlannerAgentID,
		ForceTier:    models.TierMedium,
	})
	if err != nil {
		logger.Warn("Re-plan call failed, accepting the original plan", "error", err)
		return draft, nil
	}

	redraft := parsePlan(resp.Content, req.Directive)
	if redraft.Fallback {
		logger.Warn("Re-plan response did not parse, accepting the original plan")
		return draft, nil
	}
	if err := ValidateDAG(redraft.Tasks); err != nil {
		logger.Warn("Re-plan produced an invalid DAG, accepting the original plan", "error", err)
		return draft, nil
	}

	refeas := d.validator.ValidateFeasibility(ctx, redraft.Tasks)
	if !refeas.Feasible && len(refeas.Issues) > len(feas.Issues) {
		// The re-plan got worse; keep the original
		return draft, nil
	}
	return redraft, nil
}

// materialize creates steps and dependency edges in two passes: every step
// first (capturing taskId → stepId), then one blocks edge per depends_on.
func (d *Decomposer) materialize(ctx context.Context, req Request, roster []*models.Agent, tasks []models.PlanTask) ([]*models.Step, error) {
	assignee := d.buildRoleMap(roster)

	steps := make([]*models.Step, 0, len(tasks))
	stepIDByTask := make(map[string]string, len(tasks))
	for _, task := range tasks {
		agent, err := d.resolveAssignee(ctx, assignee, task.Role)
		if err != nil {
			return nil, err
		}
		st, err := d.store.CreateStep(ctx, store.CreateStepInput{
			MissionID:          req.MissionID,
			AgentID:            agent.ID,
			Description:        task.Description,
			AcceptanceCriteria: task.AcceptanceCriteria,
			Tier:               tierForRole(task.Role),
			StepOrder:          task.ParallelGroup,
			SkipResearch:       task.Role == "engineer",
		})
		if err != nil {
			return nil, fmt.Errorf("failed to create step for task %s: %w", task.ID, err)
		}
		steps = append(steps, st)
		stepIDByTask[task.ID] = st.ID
	}

	for _, task := range tasks {
		for _, dep := range task.DependsOn {
			edge := models.StepDependency{
				StepID:          stepIDByTask[task.ID],
				DependsOnStepID: stepIDByTask[dep],
				Type:            models.DependencyBlocks,
			}
			if err := d.store.CreateDependency(ctx, edge); err != nil {
				return nil, fmt.Errorf("failed to create dependency %s → %s: %w", task.ID, dep, err)
			}
		}
	}
	return steps, nil
}

// resolveAssignee returns the roster agent for a role, hiring one when the
// role is absent.
func (d *Decomposer) resolveAssignee(ctx context.Context, assignee map[string]*models.Agent, role string) (*models.Agent, error) {
	if agent, ok := assignee[role]; ok {
		return agent, nil
	}
	agent, err := d.hirer.Hire(ctx, models.HireSpec{Role: role, Reason: "required by plan, absent from roster"})
	if err != nil {
		return nil, fmt.Errorf("no agent for role %s and hiring failed: %w", role, err)
	}
	assignee[role] = agent
	return agent, nil
}

// buildRoleMap picks one agent per role across teams, oldest first.
func (d *Decomposer) buildRoleMap(roster []*models.Agent) map[string]*models.Agent {
	byRole := make(map[string]*models.Agent, len(roster))
	for _, agent := range roster {
		if _, ok := byRole[agent.Role]; !ok {
			byRole[agent.Role] = agent
		}
	}
	return byRole
}

// saveApproachMemory records this plan as a retrievable approach hint.
// Fail-open: errors are logged, never returned.
func (d *Decomposer) saveApproachMemory(ctx context.Context, req Request, tags []string, draft *planDraft, logger *slog.Logger) {
	var b strings.Builder
	fmt.Fprintf(&b, "Directive: %s\nPlan (%d tasks):\n", req.Directive, len(draft.Tasks))
	for _, task := range draft.Tasks {
		fmt.Fprintf(&b, "- [%s] %s (%s)\n", task.ID, task.Description, task.Role)
	}
	mem := &models.AgentMemory{
		Kind:      models.MemoryKindApproach,
		TopicTags: tags,
		Content:   b.String(),
	}
	if err := d.store.CreateMemory(ctx, mem); err != nil {
		logger.Warn("Failed to save approach memory", "error", err)
	}
}

// tierForRole maps a role to its default model tier.
func tierForRole(role string) models.ModelTier {
	switch role {
	case "lead":
		return models.TierExpensive
	case "reviewer":
		return models.TierCheap
	default:
		return models.TierMedium
	}
}
