package scheduler

import (
	"context"
	"fmt"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/pipeline"
)

// fakeStore is an in-memory Store with a CAS claim, ordered like the real
// candidate query (created_at ascending approximated by insertion order).
type fakeStore struct {
	steps     map[string]*models.Step
	stepOrder []string
	deps      map[string][]models.StepDependency
	missions  map[string]*models.Mission
	projects  map[string]*models.Project

	// openApprovals marks steps with a pending approval row
	openApprovals map[string]bool

	candidateLimits []int
	completeCalls   int
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		steps:         make(map[string]*models.Step),
		deps:          make(map[string][]models.StepDependency),
		missions:      make(map[string]*models.Mission),
		projects:      make(map[string]*models.Project),
		openApprovals: make(map[string]bool),
	}
}

func (f *fakeStore) addStep(s *models.Step) *models.Step {
	if s.Status == "" {
		s.Status = models.StepStatusPending
	}
	f.steps[s.ID] = s
	f.stepOrder = append(f.stepOrder, s.ID)
	if _, ok := f.missions[s.MissionID]; !ok {
		f.missions[s.MissionID] = &models.Mission{ID: s.MissionID, Status: models.MissionStatusInProgress}
	}
	return s
}

func (f *fakeStore) block(stepID, onID string) {
	f.deps[stepID] = append(f.deps[stepID], models.StepDependency{
		StepID: stepID, DependsOnStepID: onID, Type: models.DependencyBlocks,
	})
}

func (f *fakeStore) ListPendingCandidates(ctx context.Context, limit int) ([]*models.Step, error) {
	f.candidateLimits = append(f.candidateLimits, limit)
	var out []*models.Step
	for _, id := range f.stepOrder {
		if len(out) == limit {
			break
		}
		if f.steps[id].Status == models.StepStatusPending {
			out = append(out, f.steps[id])
		}
	}
	return out, nil
}

func (f *fakeStore) ListDependencies(ctx context.Context, stepID string) ([]models.StepDependency, error) {
	return f.deps[stepID], nil
}

func (f *fakeStore) StepStatuses(ctx context.Context, ids []string) (map[string]models.StepStatus, error) {
	out := make(map[string]models.StepStatus, len(ids))
	for _, id := range ids {
		if s, ok := f.steps[id]; ok {
			out[id] = s.Status
		}
	}
	return out, nil
}

func (f *fakeStore) GetStep(ctx context.Context, id string) (*models.Step, error) {
	s, ok := f.steps[id]
	if !ok {
		return nil, fmt.Errorf("step %s not found", id)
	}
	return s, nil
}

func (f *fakeStore) ClaimStep(ctx context.Context, id string) (bool, error) {
	s := f.steps[id]
	if s.Status != models.StepStatusPending {
		return false, nil
	}
	s.Status = models.StepStatusInProgress
	return true, nil
}

func (f *fakeStore) MarkStepInReview(ctx context.Context, id, result string) error {
	f.steps[id].Status = models.StepStatusInReview
	f.steps[id].Result = result
	return nil
}

func (f *fakeStore) ListOrphanedInReviewSteps(ctx context.Context, limit int) ([]*models.Step, error) {
	var out []*models.Step
	for _, id := range f.stepOrder {
		if len(out) == limit {
			break
		}
		if f.steps[id].Status == models.StepStatusInReview && !f.openApprovals[id] {
			out = append(out, f.steps[id])
		}
	}
	return out, nil
}

func (f *fakeStore) MarkStepFailed(ctx context.Context, id, reason string) error {
	f.steps[id].Status = models.StepStatusFailed
	f.steps[id].FailureReason = reason
	return nil
}

func (f *fakeStore) AbandonStep(ctx context.Context, id string) error {
	f.steps[id].Status = models.StepStatusPending
	return nil
}

func (f *fakeStore) FailPendingStepsAfter(ctx context.Context, missionID string, order int, reason string) (int, error) {
	n := 0
	for _, s := range f.steps {
		if s.MissionID == missionID && s.Status == models.StepStatusPending && s.StepOrder > order {
			s.Status = models.StepStatusFailed
			s.FailureReason = reason
			n++
		}
	}
	return n, nil
}

func (f *fakeStore) ListStepsByMission(ctx context.Context, missionID string) ([]*models.Step, error) {
	var out []*models.Step
	for _, id := range f.stepOrder {
		if f.steps[id].MissionID == missionID {
			out = append(out, f.steps[id])
		}
	}
	return out, nil
}

func (f *fakeStore) CompleteMission(ctx context.Context, id string) (bool, error) {
	f.completeCalls++
	m := f.missions[id]
	if m.Status != models.MissionStatusInProgress {
		return false, nil
	}
	m.Status = models.MissionStatusCompleted
	return true, nil
}

func (f *fakeStore) FailMission(ctx context.Context, id string) (bool, error) {
	m := f.missions[id]
	if m.Status != models.MissionStatusInProgress {
		return false, nil
	}
	m.Status = models.MissionStatusFailed
	return true, nil
}

func (f *fakeStore) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	return f.missions[id], nil
}

func (f *fakeStore) GetProject(ctx context.Context, id string) (*models.Project, error) {
	p, ok := f.projects[id]
	if !ok {
		return nil, fmt.Errorf("project %s not found", id)
	}
	return p, nil
}

func (f *fakeStore) AdvanceProjectPhase(ctx context.Context, id string, target models.ProjectPhase) (*models.Project, error) {
	f.projects[id].Phase = target
	return f.projects[id], nil
}

func (f *fakeStore) CompleteProject(ctx context.Context, id string) error {
	f.projects[id].Phase = models.PhaseCompleted
	f.projects[id].Status = models.ProjectStatusCompleted
	return nil
}

// fakeRunner records execution order and returns scripted outcomes.
type fakeRunner struct {
	executed []string
	fail     map[string]error
}

func (r *fakeRunner) Run(ctx context.Context, step *models.Step) (*pipeline.Outcome, error) {
	r.executed = append(r.executed, step.ID)
	if err, ok := r.fail[step.ID]; ok {
		return nil, err
	}
	return &pipeline.Outcome{Artifact: "artifact for " + step.ID, Score: 3.5}, nil
}

// fakeEnqueuer records QA approvals opened and mirrors them into the store's
// open-approval set, like the real processor's CreateApproval does.
type fakeEnqueuer struct {
	st       *fakeStore
	enqueued []string
	fail     map[string]error
}

func (f *fakeEnqueuer) EnqueueQA(ctx context.Context, step *models.Step) error {
	if err, ok := f.fail[step.ID]; ok {
		return err
	}
	f.enqueued = append(f.enqueued, step.ID)
	if f.st != nil {
		f.st.openApprovals[step.ID] = true
	}
	return nil
}

// recordingEmitter records emitted event types.
type recordingEmitter struct {
	events []string
}

func (e *recordingEmitter) StepFailed(ctx context.Context, step *models.Step, reason string) {
	e.events = append(e.events, "step_failed:"+step.ID)
}
func (e *recordingEmitter) MissionCompleted(ctx context.Context, missionID string) {
	e.events = append(e.events, "mission_completed:"+missionID)
}
func (e *recordingEmitter) MissionFailed(ctx context.Context, missionID string) {
	e.events = append(e.events, "mission_failed:"+missionID)
}
func (e *recordingEmitter) ProjectPhaseAdvanced(ctx context.Context, projectID string, phase models.ProjectPhase) {
	e.events = append(e.events, "phase_advanced:"+string(phase))
}
func (e *recordingEmitter) ProjectCompleted(ctx context.Context, projectID string) {
	e.events = append(e.events, "project_completed:"+projectID)
}

func newTestWorker(st *fakeStore, runner *fakeRunner) (*Worker, *fakeEnqueuer, *recordingEmitter) {
	enq := &fakeEnqueuer{st: st}
	em := &recordingEmitter{}
	w := NewWorker(st, runner, enq, em, nil, Config{CandidateBatch: 10}, nil)
	return w, enq, em
}

func TestTick_RunsEligibleStepsSequentially(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	st.addStep(&models.Step{ID: "s2", MissionID: "m1", StepOrder: 1})
	runner := &fakeRunner{}
	w, enq, _ := newTestWorker(st, runner)

	w.Tick(context.Background())

	assert.Equal(t, []string{"s1", "s2"}, runner.executed)
	assert.Equal(t, []string{"s1", "s2"}, enq.enqueued)
	assert.Equal(t, models.StepStatusInReview, st.steps["s1"].Status)
	assert.Equal(t, "artifact for s1", st.steps["s1"].Result)
}

func TestTick_CandidateLimitHasNoMultiplier(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	w, _, _ := newTestWorker(st, &fakeRunner{})

	w.Tick(context.Background())

	require.Len(t, st.candidateLimits, 1)
	assert.Equal(t, 10, st.candidateLimits[0])
}

func TestEligibility_BlocksEdgesGate(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	s2 := st.addStep(&models.Step{ID: "s2", MissionID: "m1", StepOrder: 2})
	st.block("s2", "s1")
	w, _, _ := newTestWorker(st, &fakeRunner{})

	ok, err := w.eligible(context.Background(), s2)
	require.NoError(t, err)
	assert.False(t, ok, "blocked while the predecessor is pending")

	st.steps["s1"].Status = models.StepStatusInReview
	ok, _ = w.eligible(context.Background(), s2)
	assert.False(t, ok, "in_review does not satisfy a blocks edge")

	st.steps["s1"].Status = models.StepStatusCompleted
	ok, _ = w.eligible(context.Background(), s2)
	assert.True(t, ok)
}

func TestEligibility_LegacyParentOnlyWithoutEdges(t *testing.T) {
	st := newFakeStore()
	parent := st.addStep(&models.Step{ID: "p", MissionID: "m1", StepOrder: 1})
	child := st.addStep(&models.Step{ID: "c", MissionID: "m1", StepOrder: 2, ParentStepID: &parent.ID})
	w, _, _ := newTestWorker(st, &fakeRunner{})

	ok, err := w.eligible(context.Background(), child)
	require.NoError(t, err)
	assert.False(t, ok)

	st.steps["p"].Status = models.StepStatusCompleted
	ok, _ = w.eligible(context.Background(), child)
	assert.True(t, ok)

	// A blocks edge overrides the parent pointer entirely
	other := st.addStep(&models.Step{ID: "o", MissionID: "m1", StepOrder: 1})
	st.block("c", "o")
	ok, _ = w.eligible(context.Background(), child)
	assert.False(t, ok, "the unsatisfied blocks edge wins over the completed parent")
	_ = other
}

func TestEligibility_NoDependenciesRunsImmediately(t *testing.T) {
	st := newFakeStore()
	s := st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	w, _, _ := newTestWorker(st, &fakeRunner{})

	ok, err := w.eligible(context.Background(), s)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestTick_DiamondRunsInWaves(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	st.addStep(&models.Step{ID: "s2", MissionID: "m1", StepOrder: 2})
	st.addStep(&models.Step{ID: "s3", MissionID: "m1", StepOrder: 2})
	st.addStep(&models.Step{ID: "s4", MissionID: "m1", StepOrder: 3})
	st.block("s2", "s1")
	st.block("s3", "s1")
	st.block("s4", "s2")
	st.block("s4", "s3")
	runner := &fakeRunner{}
	w, _, _ := newTestWorker(st, runner)

	w.Tick(context.Background())
	assert.Equal(t, []string{"s1"}, runner.executed, "only the root is eligible in wave one")

	st.steps["s1"].Status = models.StepStatusCompleted
	w.Tick(context.Background())
	sort.Strings(runner.executed[1:])
	assert.Equal(t, []string{"s1", "s2", "s3"}, runner.executed)

	st.steps["s2"].Status = models.StepStatusCompleted
	st.steps["s3"].Status = models.StepStatusCompleted
	w.Tick(context.Background())
	assert.Equal(t, "s4", runner.executed[len(runner.executed)-1])
}

func TestTick_LostClaimIsSkipped(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	runner := &fakeRunner{}
	w, _, _ := newTestWorker(st, runner)

	// Another worker claims the row between candidate listing and our claim
	st.steps["s1"].Status = models.StepStatusInProgress
	claimed, err := st.ClaimStep(context.Background(), "s1")
	require.NoError(t, err)
	assert.False(t, claimed)

	w.Tick(context.Background())
	assert.Empty(t, runner.executed)
}

func TestExecute_FailureCascadesStrictlyAfter(t *testing.T) {
	st := newFakeStore()
	failing := st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	st.addStep(&models.Step{ID: "peer", MissionID: "m1", StepOrder: 1})
	st.addStep(&models.Step{ID: "later", MissionID: "m1", StepOrder: 2})
	runner := &fakeRunner{fail: map[string]error{"s1": fmt.Errorf("synthesis failed")}}
	w, _, em := newTestWorker(st, runner)

	st.steps["s1"].Status = models.StepStatusInProgress
	w.execute(context.Background(), failing)

	assert.Equal(t, models.StepStatusFailed, st.steps["s1"].Status)
	assert.Equal(t, models.StepStatusPending, st.steps["peer"].Status,
		"parallel peers at the same order are not cascaded")
	assert.Equal(t, models.StepStatusFailed, st.steps["later"].Status)
	assert.Contains(t, st.steps["later"].FailureReason, "blocked by failed step s1")
	assert.Contains(t, em.events, "step_failed:s1")
}

func TestTick_ReopensReviewForStrandedSteps(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	runner := &fakeRunner{}
	w, enq, _ := newTestWorker(st, runner)
	enq.fail = map[string]error{"s1": fmt.Errorf("no eligible reviewer")}

	w.Tick(context.Background())
	assert.Equal(t, models.StepStatusInReview, st.steps["s1"].Status)
	assert.Empty(t, enq.enqueued, "the enqueue failed, no approval exists")

	// The reviewer pool recovers; the next tick re-opens the review
	enq.fail = nil
	w.Tick(context.Background())
	assert.Equal(t, []string{"s1"}, enq.enqueued)
	assert.Equal(t, models.StepStatusInReview, st.steps["s1"].Status)

	// With an open approval the step is left alone
	w.Tick(context.Background())
	assert.Equal(t, []string{"s1"}, enq.enqueued)
}

func TestExecute_CanceledRunAbandonsTheStep(t *testing.T) {
	st := newFakeStore()
	s := st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1})
	runner := &fakeRunner{fail: map[string]error{"s1": pipeline.ErrCanceled}}
	w, enq, em := newTestWorker(st, runner)

	st.steps["s1"].Status = models.StepStatusInProgress
	w.execute(context.Background(), s)

	assert.Equal(t, models.StepStatusPending, st.steps["s1"].Status)
	assert.Empty(t, enq.enqueued, "no approval for an abandoned step")
	assert.Empty(t, em.events)
}

func TestMissionCompletion_RequiresAllTerminalAndOneCompleted(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1, Status: models.StepStatusCompleted})
	st.addStep(&models.Step{ID: "s2", MissionID: "m1", StepOrder: 2, Status: models.StepStatusInReview})
	w, _, em := newTestWorker(st, &fakeRunner{})

	w.CheckMissionCompletion(context.Background(), "m1")
	assert.Equal(t, models.MissionStatusInProgress, st.missions["m1"].Status,
		"an in_review step keeps the mission open")

	st.steps["s2"].Status = models.StepStatusFailed
	w.CheckMissionCompletion(context.Background(), "m1")
	assert.Equal(t, models.MissionStatusCompleted, st.missions["m1"].Status)
	assert.Contains(t, em.events, "mission_completed:m1")

	// Idempotent: a second check emits nothing new
	w.CheckMissionCompletion(context.Background(), "m1")
	count := 0
	for _, ev := range em.events {
		if ev == "mission_completed:m1" {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestMissionCompletion_AllFailedFailsTheMission(t *testing.T) {
	st := newFakeStore()
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1, Status: models.StepStatusFailed})
	st.addStep(&models.Step{ID: "s2", MissionID: "m1", StepOrder: 2, Status: models.StepStatusCanceled})
	w, _, em := newTestWorker(st, &fakeRunner{})

	w.CheckMissionCompletion(context.Background(), "m1")
	assert.Equal(t, models.MissionStatusFailed, st.missions["m1"].Status)
	assert.Contains(t, em.events, "mission_failed:m1")
}

func TestMissionCompletion_AdvancesLinkedProjectPhase(t *testing.T) {
	st := newFakeStore()
	projectID := "proj-1"
	st.projects[projectID] = &models.Project{ID: projectID, Phase: models.PhaseDiscovery, Status: models.ProjectStatusActive}
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1, Status: models.StepStatusCompleted})
	st.missions["m1"].ProjectID = &projectID
	w, _, em := newTestWorker(st, &fakeRunner{})

	w.CheckMissionCompletion(context.Background(), "m1")
	assert.Equal(t, models.PhaseRequirements, st.projects[projectID].Phase)
	assert.Contains(t, em.events, "phase_advanced:requirements")
}

func TestMissionCompletion_DeployPhaseCompletesTheProject(t *testing.T) {
	st := newFakeStore()
	projectID := "proj-1"
	st.projects[projectID] = &models.Project{ID: projectID, Phase: models.PhaseDeploy, Status: models.ProjectStatusActive}
	st.addStep(&models.Step{ID: "s1", MissionID: "m1", StepOrder: 1, Status: models.StepStatusCompleted})
	st.missions["m1"].ProjectID = &projectID
	w, _, em := newTestWorker(st, &fakeRunner{})

	w.CheckMissionCompletion(context.Background(), "m1")
	assert.Equal(t, models.PhaseCompleted, st.projects[projectID].Phase)
	assert.Equal(t, models.ProjectStatusCompleted, st.projects[projectID].Status)
	assert.Contains(t, em.events, "project_completed:proj-1")
}
