// Package scheduler runs the worker loop: poll pending steps, check their
// dependency edges, claim them atomically, and execute them one at a time
// within a tick.
package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/pipeline"
)

// Defaults for the polling loop.
const (
	DefaultTick           = 10 * time.Second
	DefaultCandidateBatch = 10
)

// Store is the persistence surface the worker needs.
type Store interface {
	ListPendingCandidates(ctx context.Context, limit int) ([]*models.Step, error)
	ListDependencies(ctx context.Context, stepID string) ([]models.StepDependency, error)
	StepStatuses(ctx context.Context, ids []string) (map[string]models.StepStatus, error)
	GetStep(ctx context.Context, id string) (*models.Step, error)
	ClaimStep(ctx context.Context, id string) (bool, error)
	MarkStepInReview(ctx context.Context, id, result string) error
	ListOrphanedInReviewSteps(ctx context.Context, limit int) ([]*models.Step, error)
	MarkStepFailed(ctx context.Context, id, reason string) error
	AbandonStep(ctx context.Context, id string) error
	FailPendingStepsAfter(ctx context.Context, missionID string, order int, reason string) (int, error)
	ListStepsByMission(ctx context.Context, missionID string) ([]*models.Step, error)
	CompleteMission(ctx context.Context, id string) (bool, error)
	FailMission(ctx context.Context, id string) (bool, error)
	GetMission(ctx context.Context, id string) (*models.Mission, error)
	GetProject(ctx context.Context, id string) (*models.Project, error)
	AdvanceProjectPhase(ctx context.Context, id string, target models.ProjectPhase) (*models.Project, error)
	CompleteProject(ctx context.Context, id string) error
}

// StepRunner executes one claimed step.
type StepRunner interface {
	Run(ctx context.Context, step *models.Step) (*pipeline.Outcome, error)
}

// ApprovalEnqueuer opens the QA review for a step that produced an artifact.
type ApprovalEnqueuer interface {
	EnqueueQA(ctx context.Context, step *models.Step) error
}

// Emitter is the event surface the worker announces through.
type Emitter interface {
	StepFailed(ctx context.Context, step *models.Step, reason string)
	MissionCompleted(ctx context.Context, missionID string)
	MissionFailed(ctx context.Context, missionID string)
	ProjectPhaseAdvanced(ctx context.Context, projectID string, phase models.ProjectPhase)
	ProjectCompleted(ctx context.Context, projectID string)
}

// MirrorNotifier receives fire-and-forget step status updates. May be nil.
type MirrorNotifier interface {
	StepStatusChanged(ctx context.Context, step *models.Step, status models.StepStatus)
}

// Config tunes the polling loop.
type Config struct {
	Tick           time.Duration
	CandidateBatch int
}

// Worker is the DAG scheduler loop.
type Worker struct {
	store     Store
	runner    StepRunner
	approvals ApprovalEnqueuer
	emitter   Emitter
	mirror    MirrorNotifier
	cfg       Config
	logger    *slog.Logger
}

// NewWorker wires the scheduler. mirror may be nil.
func NewWorker(st Store, runner StepRunner, approvals ApprovalEnqueuer,
	emitter Emitter, mirror MirrorNotifier, cfg Config, logger *slog.Logger) *Worker {
	if cfg.Tick <= 0 {
		cfg.Tick = DefaultTick
	}
	if cfg.CandidateBatch <= 0 {
		cfg.CandidateBatch = DefaultCandidateBatch
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{
		store:     st,
		runner:    runner,
		approvals: approvals,
		emitter:   emitter,
		mirror:    mirror,
		cfg:       cfg,
		logger:    logger,
	}
}

// Run polls until the context ends.
func (w *Worker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.Tick)
	defer ticker.Stop()

	w.logger.Info("Scheduler started", "tick", w.cfg.Tick, "candidate_batch", w.cfg.CandidateBatch)
	for {
		select {
		case <-ctx.Done():
			w.logger.Info("Scheduler stopped")
			return
		case <-ticker.C:
			w.Tick(ctx)
		}
	}
}

// Tick runs one scheduling round: candidates, eligibility, claim, execute.
// Claimed steps run sequentially to bound per-tick memory; concurrency comes
// from replicated workers, and the atomic claim keeps them from colliding.
func (w *Worker) Tick(ctx context.Context) {
	w.recoverOrphanedReviews(ctx)

	// The candidate limit is the batch size itself. No multiplier: inflating
	// it re-creates head-of-line blocking when failed-but-pending rows pile
	// up at the front of the queue.
	candidates, err := w.store.ListPendingCandidates(ctx, w.cfg.CandidateBatch)
	if err != nil {
		w.logger.Warn("Failed to list candidate steps", "error", err)
		return
	}

	for _, step := range candidates {
		ok, err := w.eligible(ctx, step)
		if err != nil {
			w.logger.Warn("Eligibility check failed", "step_id", step.ID, "error", err)
			continue
		}
		if !ok {
			continue
		}

		claimed, err := w.store.ClaimStep(ctx, step.ID)
		if err != nil {
			w.logger.Warn("Claim failed", "step_id", step.ID, "error", err)
			continue
		}
		if !claimed {
			// Another worker won the row; skip without noise
			continue
		}
		w.execute(ctx, step)
	}
}

// eligible applies the dependency rule: blocks edges dominate, the legacy
// parent pointer applies only when no blocks edges exist, and a step with
// neither is immediately runnable.
func (w *Worker) eligible(ctx context.Context, step *models.Step) (bool, error) {
	deps, err := w.store.ListDependencies(ctx, step.ID)
	if err != nil {
		return false, err
	}

	var blocking []string
	for _, dep := range deps {
		if dep.Type == models.DependencyBlocks {
			blocking = append(blocking, dep.DependsOnStepID)
		}
	}

	if len(blocking) > 0 {
		statuses, err := w.store.StepStatuses(ctx, blocking)
		if err != nil {
			return false, err
		}
		for _, id := range blocking {
			if statuses[id] != models.StepStatusCompleted {
				return false, nil
			}
		}
		return true, nil
	}

	if step.ParentStepID != nil {
		parent, err := w.store.GetStep(ctx, *step.ParentStepID)
		if err != nil {
			return false, err
		}
		return parent.Status == models.StepStatusCompleted, nil
	}

	return true, nil
}

// execute runs one claimed step through the pipeline and finalizes it.
func (w *Worker) execute(ctx context.Context, step *models.Step) {
	logger := w.logger.With("step_id", step.ID, "mission_id", step.MissionID)
	logger.Info("Executing step", "description", step.Description, "tier", step.Tier)

	out, err := w.runner.Run(ctx, step)
	switch {
	case errors.Is(err, pipeline.ErrCanceled):
		// No artifact, no approval; mission cancellation sweeps the row
		if err := w.store.AbandonStep(ctx, step.ID); err != nil {
			logger.Warn("Failed to abandon canceled step", "error", err)
		}
		return
	case err != nil:
		logger.Warn("Step execution failed", "error", err)
		w.failStep(ctx, step, err.Error())
	default:
		w.finishStep(ctx, step, out)
	}

	w.CheckMissionCompletion(ctx, step.MissionID)
}

// finishStep moves a successful step to in_review and opens its QA approval.
func (w *Worker) finishStep(ctx context.Context, step *models.Step, out *pipeline.Outcome) {
	logger := w.logger.With("step_id", step.ID)
	if err := w.store.MarkStepInReview(ctx, step.ID, out.Artifact); err != nil {
		logger.Warn("Failed to move step to in_review", "error", err)
		return
	}
	w.notifyMirror(ctx, step, models.StepStatusInReview)

	if err := w.approvals.EnqueueQA(ctx, step); err != nil {
		// The step stays in in_review; the next tick's orphan sweep retries
		logger.Warn("Failed to enqueue QA approval", "error", err)
	}
}

// recoverOrphanedReviews re-opens the QA review for in_review steps with no
// pending approval. A step gets stranded there when its enqueue failed, e.g.
// no eligible reviewer was on the roster at the time.
func (w *Worker) recoverOrphanedReviews(ctx context.Context) {
	steps, err := w.store.ListOrphanedInReviewSteps(ctx, w.cfg.CandidateBatch)
	if err != nil {
		w.logger.Warn("Failed to list orphaned in_review steps", "error", err)
		return
	}
	for _, step := range steps {
		if err := w.approvals.EnqueueQA(ctx, step); err != nil {
			w.logger.Warn("Failed to re-open review", "step_id", step.ID, "error", err)
			continue
		}
		w.logger.Info("Re-opened review for stranded step", "step_id", step.ID)
	}
}

// failStep marks the step failed and cascades to every pending step strictly
// after it in the mission. Parallel peers at the same order survive.
func (w *Worker) failStep(ctx context.Context, step *models.Step, reason string) {
	logger := w.logger.With("step_id", step.ID, "mission_id", step.MissionID)
	if err := w.store.MarkStepFailed(ctx, step.ID, reason); err != nil {
		logger.Warn("Failed to mark step failed", "error", err)
		return
	}
	w.emitter.StepFailed(ctx, step, reason)
	w.notifyMirror(ctx, step, models.StepStatusFailed)

	n, err := w.store.FailPendingStepsAfter(ctx, step.MissionID, step.StepOrder,
		"blocked by failed step "+step.ID)
	if err != nil {
		logger.Warn("Failure cascade failed", "error", err)
		return
	}
	if n > 0 {
		logger.Info("Failure cascaded to downstream steps", "count", n)
	}
}

// CheckMissionCompletion finalizes the mission once every step is terminal.
// The store transitions are conditional, so replicated workers emit each
// mission event exactly once.
func (w *Worker) CheckMissionCompletion(ctx context.Context, missionID string) {
	logger := w.logger.With("mission_id", missionID)
	steps, err := w.store.ListStepsByMission(ctx, missionID)
	if err != nil {
		logger.Warn("Failed to list mission steps", "error", err)
		return
	}
	if len(steps) == 0 {
		return
	}

	anyCompleted := false
	for _, s := range steps {
		if !s.Status.Terminal() {
			return
		}
		if s.Status == models.StepStatusCompleted {
			anyCompleted = true
		}
	}

	if anyCompleted {
		done, err := w.store.CompleteMission(ctx, missionID)
		if err != nil {
			logger.Warn("Failed to complete mission", "error", err)
			return
		}
		if !done {
			return
		}
		logger.Info("Mission completed")
		w.emitter.MissionCompleted(ctx, missionID)
		w.advanceLinkedProject(ctx, missionID)
		return
	}

	done, err := w.store.FailMission(ctx, missionID)
	if err != nil {
		logger.Warn("Failed to fail mission", "error", err)
		return
	}
	if done {
		logger.Info("Mission failed, no step completed")
		w.emitter.MissionFailed(ctx, missionID)
	}
}

// advanceLinkedProject moves a project one phase forward when one of its
// missions completes. Advancing past deploy completes the project.
func (w *Worker) advanceLinkedProject(ctx context.Context, missionID string) {
	logger := w.logger.With("mission_id", missionID)
	mission, err := w.store.GetMission(ctx, missionID)
	if err != nil {
		logger.Warn("Failed to load mission for phase advancement", "error", err)
		return
	}
	if mission.ProjectID == nil {
		return
	}

	project, err := w.store.GetProject(ctx, *mission.ProjectID)
	if err != nil {
		logger.Warn("Failed to load linked project", "project_id", *mission.ProjectID, "error", err)
		return
	}

	next, ok := models.NextPhase(project.Phase)
	if !ok {
		return
	}

	if next == models.PhaseCompleted {
		if err := w.store.CompleteProject(ctx, project.ID); err != nil {
			logger.Warn("Failed to complete project", "project_id", project.ID, "error", err)
			return
		}
		logger.Info("Project completed", "project_id", project.ID)
		w.emitter.ProjectCompleted(ctx, project.ID)
		return
	}

	if _, err := w.store.AdvanceProjectPhase(ctx, project.ID, next); err != nil {
		logger.Warn("Failed to advance project phase", "project_id", project.ID, "error", err)
		return
	}
	logger.Info("Project phase advanced", "project_id", project.ID, "phase", next)
	w.emitter.ProjectPhaseAdvanced(ctx, project.ID, next)
}

func (w *Worker) notifyMirror(ctx context.Context, step *models.Step, status models.StepStatus) {
	if w.mirror != nil {
		w.mirror.StepStatusChanged(ctx, step, status)
	}
}
