package planner

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-hq/foreman/pkg/capability"
	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/store"
)

// fakeStore is an in-memory Store for decomposer tests.
type fakeStore struct {
	roster       []*models.Agent
	memories     []*models.AgentMemory
	plans        []*models.DecompositionPlan
	superseded   int
	escalations  []*models.Escalation
	steps        []*models.Step
	dependencies []models.StepDependency
	savedMemory  *models.AgentMemory
}

func (f *fakeStore) ListAgents(ctx context.Context) ([]*models.Agent, error) {
	return f.roster, nil
}

func (f *fakeStore) TopMemories(ctx context.Context, kind models.MemoryKind, tags []string, k int) ([]*models.AgentMemory, error) {
	return f.memories, nil
}

func (f *fakeStore) SupersedePlans(ctx context.Context, missionID string) error {
	f.superseded++
	return nil
}

func (f *fakeStore) CreatePlan(ctx context.Context, plan *models.DecompositionPlan) (*models.DecompositionPlan, error) {
	plan.ID = fmt.Sprintf("plan-%d", len(f.plans)+1)
	plan.Status = models.PlanStatusActive
	f.plans = append(f.plans, plan)
	return plan, nil
}

func (f *fakeStore) CreateEscalation(ctx context.Context, missionID string, escType models.EscalationType, reason string) (*models.Escalation, error) {
	esc := &models.Escalation{ID: "esc-1", MissionID: missionID, Type: escType, Reason: reason}
	f.escalations = append(f.escalations, esc)
	return esc, nil
}

func (f *fakeStore) CreateStep(ctx context.Context, in store.CreateStepInput) (*models.Step, error) {
	st := &models.Step{
		ID:                 fmt.Sprintf("step-%d", len(f.steps)+1),
		MissionID:          in.MissionID,
		AgentID:            in.AgentID,
		Description:        in.Description,
		AcceptanceCriteria: in.AcceptanceCriteria,
		Tier:               in.Tier,
		StepOrder:          in.StepOrder,
		Status:             models.StepStatusPending,
		SkipPipeline:       in.SkipPipeline,
		SkipResearch:       in.SkipResearch,
	}
	f.steps = append(f.steps, st)
	return st, nil
}

func (f *fakeStore) CreateDependency(ctx context.Context, dep models.StepDependency) error {
	f.dependencies = append(f.dependencies, dep)
	return nil
}

func (f *fakeStore) CreateMemory(ctx context.Context, m *models.AgentMemory) error {
	f.savedMemory = m
	return nil
}

// queueCaller replays scripted responses in order.
type queueCaller struct {
	responses []string
	calls     []llm.Request
}

func (q *queueCaller) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	q.calls = append(q.calls, req)
	if len(q.responses) == 0 {
		return nil, fmt.Errorf("no scripted response left")
	}
	content := q.responses[0]
	q.responses = q.responses[1:]
	return &llm.Response{Content: content, Tier: req.ForceTier}, nil
}

// queueValidator replays scripted feasibility verdicts in order.
type queueValidator struct {
	verdicts []capability.FeasibilityResult
	calls    int
}

func (q *queueValidator) ValidateFeasibility(ctx context.Context, tasks []models.PlanTask) capability.FeasibilityResult {
	q.calls++
	if len(q.verdicts) == 0 {
		return capability.FeasibilityResult{Feasible: true, Issues: []string{}}
	}
	v := q.verdicts[0]
	q.verdicts = q.verdicts[1:]
	return v
}

// countingHirer mints agents with predictable ids.
type countingHirer struct {
	hired []models.HireSpec
}

func (h *countingHirer) Hire(ctx context.Context, spec models.HireSpec) (*models.Agent, error) {
	h.hired = append(h.hired, spec)
	return &models.Agent{
		ID:   fmt.Sprintf("agent-hired-%d", len(h.hired)),
		Name: spec.Role,
		Role: spec.Role,
	}, nil
}

// recordingMirror records StepsCreated calls.
type recordingMirror struct {
	missionIDs []string
	steps      [][]*models.Step
}

func (m *recordingMirror) StepsCreated(ctx context.Context, missionID string, steps []*models.Step) {
	m.missionIDs = append(m.missionIDs, missionID)
	m.steps = append(m.steps, steps)
}

func defaultRoster() []*models.Agent {
	return []*models.Agent{
		{ID: "agent-res", Name: "Researcher", Role: "researcher"},
		{ID: "agent-ana", Name: "Analyst", Role: "analyst"},
		{ID: "agent-wri", Name: "Writer", Role: "writer"},
		{ID: "agent-lead", Name: "Lead", Role: "lead", IsLead: true},
	}
}

func newTestDecomposer(st *fakeStore, caller *queueCaller, validator *queueValidator,
	hirer *countingHirer, mirror *recordingMirror) *Decomposer {
	var m MirrorNotifier
	if mirror != nil {
		m = mirror
	}
	return NewDecomposer(st, caller, capability.NewRegistry(), validator, hirer, m, nil)
}

const diamondPlanJSON = `{
	"tasks": [
		{"id": "T1", "description": "survey the market", "role": "researcher", "parallel_group": 1, "depends_on": [], "acceptance_criteria": "5 sources"},
		{"id": "T2", "description": "compare vendors", "role": "analyst", "parallel_group": 2, "depends_on": ["T1"], "acceptance_criteria": "matrix"},
		{"id": "T3", "description": "pricing deep dive", "role": "analyst", "parallel_group": 2, "depends_on": ["T1"], "acceptance_criteria": "table"},
		{"id": "T4", "description": "final brief", "role": "lead", "parallel_group": 3, "depends_on": ["T2", "T3"], "acceptance_criteria": "2 pages"}
	],
	"end_state": "production_docs",
	"escalation_needed": false,
	"hiring_needed": []
}`

func TestDecompose_MaterializesDiamondPlan(t *testing.T) {
	st := &fakeStore{roster: defaultRoster()}
	caller := &queueCaller{responses: []string{diamondPlanJSON}}
	validator := &queueValidator{}
	mirror := &recordingMirror{}
	d := newTestDecomposer(st, caller, validator, &countingHirer{}, mirror)

	res, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "evaluate CRM vendors",
		PlannerAgentID: "system-decomposer",
	})
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.False(t, res.Escalated)
	require.Len(t, res.Steps, 4)

	// Steps carry the plan's wave index and role-derived tiers
	assert.Equal(t, 1, res.Steps[0].StepOrder)
	assert.Equal(t, 2, res.Steps[1].StepOrder)
	assert.Equal(t, 2, res.Steps[2].StepOrder)
	assert.Equal(t, 3, res.Steps[3].StepOrder)
	assert.Equal(t, models.TierMedium, res.Steps[0].Tier)
	assert.Equal(t, models.TierExpensive, res.Steps[3].Tier, "lead steps run on the expensive tier")

	// Second pass created one blocks edge per depends_on entry
	require.Len(t, st.dependencies, 4)
	edges := make(map[string]bool, len(st.dependencies))
	for _, dep := range st.dependencies {
		assert.Equal(t, models.DependencyBlocks, dep.Type)
		edges[dep.StepID+"<-"+dep.DependsOnStepID] = true
	}
	assert.True(t, edges["step-2<-step-1"])
	assert.True(t, edges["step-3<-step-1"])
	assert.True(t, edges["step-4<-step-2"])
	assert.True(t, edges["step-4<-step-3"])

	assert.Equal(t, 1, st.superseded)
	require.Len(t, st.plans, 1)
	assert.Equal(t, models.PlanStatusActive, st.plans[0].Status)

	require.Len(t, mirror.missionIDs, 1)
	assert.Equal(t, "mission-1", mirror.missionIDs[0])
	assert.Len(t, mirror.steps[0], 4)

	require.NotNil(t, st.savedMemory)
	assert.Equal(t, models.MemoryKindApproach, st.savedMemory.Kind)
	assert.Equal(t, 1, validator.calls)
}

func TestDecompose_FallbackPlanSkipsFeasibility(t *testing.T) {
	st := &fakeStore{roster: defaultRoster()}
	caller := &queueCaller{responses: []string{"Sorry, I can't structure this."}}
	validator := &queueValidator{}
	d := newTestDecomposer(st, caller, validator, &countingHirer{}, nil)

	res, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "ship the launch post",
		PlannerAgentID: "system-decomposer",
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "ship the launch post", res.Steps[0].Description)
	assert.Equal(t, 0, validator.calls, "fallback plans bypass feasibility validation")
	assert.Len(t, caller.calls, 1, "no re-plan round for fallback plans")
}

func TestDecompose_EscalationWritesRowAndCreatesNoSteps(t *testing.T) {
	st := &fakeStore{roster: defaultRoster()}
	caller := &queueCaller{responses: []string{`{
		"tasks": [{"id": "T1", "description": "spend review", "role": "analyst", "parallel_group": 1, "depends_on": []}],
		"escalation_needed": true,
		"escalation_reason": "this exceeds the quarterly budget"
	}`}}
	mirror := &recordingMirror{}
	d := newTestDecomposer(st, caller, &queueValidator{}, &countingHirer{}, mirror)

	res, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "double the ad spend",
		PlannerAgentID: "system-decomposer",
	})
	require.NoError(t, err)
	assert.True(t, res.Escalated)
	assert.Empty(t, res.Steps)
	assert.Empty(t, st.steps)
	require.Len(t, st.escalations, 1)
	assert.Equal(t, models.EscalationBudget, st.escalations[0].Type)
	assert.Empty(t, mirror.missionIDs, "escalated plans are not mirrored")
	require.Len(t, st.plans, 1, "the escalated plan is still persisted")
}

func TestDecompose_ReplanRoundAcceptsBetterPlan(t *testing.T) {
	replanned := `{
		"tasks": [{"id": "T1", "description": "scoped survey", "role": "researcher", "parallel_group": 1, "depends_on": []}]
	}`
	st := &fakeStore{roster: defaultRoster()}
	caller := &queueCaller{responses: []string{diamondPlanJSON, replanned}}
	validator := &queueValidator{verdicts: []capability.FeasibilityResult{
		{Feasible: false, Issues: []string{"T2 exceeds the fetch budget", "T3 needs a missing tool"}},
		{Feasible: true, Issues: []string{}},
	}}
	d := newTestDecomposer(st, caller, validator, &countingHirer{}, nil)

	res, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "evaluate CRM vendors",
		PlannerAgentID: "system-decomposer",
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "scoped survey", res.Steps[0].Description, "the feasible re-plan wins")
	assert.Len(t, caller.calls, 2)
	assert.Equal(t, 2, validator.calls)
	assert.Contains(t, caller.calls[1].UserMessage, "FEASIBILITY FEEDBACK")
}

func TestDecompose_ReplanThatGetsWorseKeepsOriginal(t *testing.T) {
	replanned := `{
		"tasks": [{"id": "T1", "description": "worse plan", "role": "researcher", "parallel_group": 1, "depends_on": []}]
	}`
	st := &fakeStore{roster: defaultRoster()}
	caller := &queueCaller{responses: []string{diamondPlanJSON, replanned}}
	validator := &queueValidator{verdicts: []capability.FeasibilityResult{
		{Feasible: false, Issues: []string{"one issue"}},
		{Feasible: false, Issues: []string{"one issue", "and another"}},
	}}
	d := newTestDecomposer(st, caller, validator, &countingHirer{}, nil)

	res, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "evaluate CRM vendors",
		PlannerAgentID: "system-decomposer",
	})
	require.NoError(t, err)
	require.Len(t, res.Steps, 4, "the original plan is kept when the re-plan scores worse")
	assert.Equal(t, "survey the market", res.Steps[0].Description)
}

func TestDecompose_CyclicPlanIsRejected(t *testing.T) {
	st := &fakeStore{roster: defaultRoster()}
	caller := &queueCaller{responses: []string{`{
		"tasks": [
			{"id": "T1", "description": "a", "role": "analyst", "parallel_group": 1, "depends_on": ["T2"]},
			{"id": "T2", "description": "b", "role": "analyst", "parallel_group": 1, "depends_on": ["T1"]}
		]
	}`}}
	d := newTestDecomposer(st, caller, &queueValidator{}, &countingHirer{}, nil)

	_, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "d",
		PlannerAgentID: "system-decomposer",
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cycle")
	assert.Empty(t, st.steps)
	assert.Empty(t, st.plans)
}

func TestDecompose_HiresMissingRoleOnTheFly(t *testing.T) {
	st := &fakeStore{roster: defaultRoster()} // no engineer on the roster
	caller := &queueCaller{responses: []string{`{
		"tasks": [{"id": "T1", "description": "build the importer", "role": "engineer", "parallel_group": 1, "depends_on": []}]
	}`}}
	hirer := &countingHirer{}
	d := newTestDecomposer(st, caller, &queueValidator{}, hirer, nil)

	res, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "build the importer",
		PlannerAgentID: "system-decomposer",
	})
	require.NoError(t, err)
	require.Len(t, hirer.hired, 1)
	assert.Equal(t, "engineer", hirer.hired[0].Role)
	require.Len(t, res.Steps, 1)
	assert.Equal(t, "agent-hired-1", res.Steps[0].AgentID)
	assert.True(t, res.Steps[0].SkipResearch, "engineer steps skip web research")
}

func TestDecompose_PlanRequestedHiresJoinTheRoster(t *testing.T) {
	st := &fakeStore{roster: defaultRoster()}
	caller := &queueCaller{responses: []string{`{
		"tasks": [{"id": "T1", "description": "prototype", "role": "engineer", "parallel_group": 1, "depends_on": []}],
		"hiring_needed": [{"role": "engineer", "reason": "no engineer on the team"}]
	}`}}
	hirer := &countingHirer{}
	d := newTestDecomposer(st, caller, &queueValidator{}, hirer, nil)

	res, err := d.Decompose(context.Background(), Request{
		MissionID:      "mission-1",
		Directive:      "prototype the importer",
		PlannerAgentID: "system-decomposer",
	})
	require.NoError(t, err)
	require.Len(t, hirer.hired, 1, "the hire requested by the plan covers the role; no second hire")
	assert.Equal(t, "agent-hired-1", res.Steps[0].AgentID)
}
