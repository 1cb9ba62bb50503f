// Package review drives the approval state machine: QA then team-lead review
// of every artifact, rejection feedback as lessons, and the three-strike cap
// that fails a step instead of revising it forever.
package review

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/store"
)

// maxRejections fails the step once reached, counting across all review
// types and revision rounds.
const maxRejections = 3

// personaUpgradeThreshold triggers the upskilling analysis. Unreachable
// while maxRejections is 3; kept as a safety hook should the cap ever rise.
const personaUpgradeThreshold = 5

// revisionCapReason is written to the step when the cap fails it.
const revisionCapReason = "revision cap reached"

// Store is the persistence surface the processor needs.
type Store interface {
	NextPendingApproval(ctx context.Context) (*models.Approval, error)
	ResolveApproval(ctx context.Context, id string, status models.ApprovalStatus, feedback string, autoRejected bool) error
	CountRejections(ctx context.Context, stepID string) (int, error)
	CreateApproval(ctx context.Context, stepID, reviewerAgentID string, reviewType models.ReviewType) (*models.Approval, error)
	GetStep(ctx context.Context, id string) (*models.Step, error)
	GetAgent(ctx context.Context, id string) (*models.Agent, error)
	ListTeamAgents(ctx context.Context) ([]*models.Agent, error)
	CurrentSystemPrompt(ctx context.Context, agentID string) (string, error)
	GetMission(ctx context.Context, id string) (*models.Mission, error)
	GetProposal(ctx context.Context, id string) (*models.Proposal, error)
	MarkStepCompleted(ctx context.Context, id string) error
	MarkStepFailed(ctx context.Context, id, reason string) error
	FailPendingStepsAfter(ctx context.Context, missionID string, order int, reason string) (int, error)
	ReturnStepForRevision(ctx context.Context, id string) error
	CreateMemory(ctx context.Context, m *models.AgentMemory) error
	ListApprovalsByStep(ctx context.Context, stepID string) ([]*models.Approval, error)
	AppendPersona(ctx context.Context, agentID, systemPrompt string) (*models.Persona, error)
}

// LLMCaller is the narrow client surface the processor needs.
type LLMCaller interface {
	Call(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// Emitter is the event surface the processor announces through.
type Emitter interface {
	StepCompleted(ctx context.Context, step *models.Step)
	RevisionCapReached(ctx context.Context, step *models.Step)
	AgentUpskilled(ctx context.Context, agentID string, expertise string)
}

// MirrorNotifier receives fire-and-forget review outcomes. May be nil.
type MirrorNotifier interface {
	StepStatusChanged(ctx context.Context, step *models.Step, status models.StepStatus)
	FeedbackPosted(ctx context.Context, step *models.Step, feedback string)
}

// CompletionChecker re-runs the mission completion check after a step
// finishes its review chain.
type CompletionChecker interface {
	CheckMissionCompletion(ctx context.Context, missionID string)
}

// Processor works the approval queue, one pending approval per tick.
type Processor struct {
	store      Store
	caller     LLMCaller
	emitter    Emitter
	mirror     MirrorNotifier
	completion CompletionChecker
	logger     *slog.Logger
}

// NewProcessor wires the review processor. mirror and completion may be nil.
func NewProcessor(st Store, caller LLMCaller, emitter Emitter,
	mirror MirrorNotifier, completion CompletionChecker, logger *slog.Logger) *Processor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Processor{
		store:      st,
		caller:     caller,
		emitter:    emitter,
		mirror:     mirror,
		completion: completion,
		logger:     logger,
	}
}

// SetCompletionChecker wires the scheduler's completion check in after both
// sides exist; the processor and the worker reference each other.
func (p *Processor) SetCompletionChecker(c CompletionChecker) {
	p.completion = c
}

// EnqueueQA opens the first review of a step that just produced an artifact.
func (p *Processor) EnqueueQA(ctx context.Context, step *models.Step) error {
	return p.enqueue(ctx, step, models.ReviewTypeQA)
}

func (p *Processor) enqueue(ctx context.Context, step *models.Step, reviewType models.ReviewType) error {
	reviewer, err := p.selectReviewer(ctx, step, reviewType)
	if err != nil {
		return err
	}
	if _, err := p.store.CreateApproval(ctx, step.ID, reviewer.ID, reviewType); err != nil {
		return fmt.Errorf("failed to enqueue %s approval: %w", reviewType, err)
	}
	p.logger.Info("Approval enqueued", "step_id", step.ID, "review_type", reviewType, "reviewer_id", reviewer.ID)
	return nil
}

// selectReviewer picks an eligible reviewer: on a team (system and test
// agents have no team), holding the role the review type demands, and not
// the step's own assignee.
func (p *Processor) selectReviewer(ctx context.Context, step *models.Step, reviewType models.ReviewType) (*models.Agent, error) {
	role := "reviewer"
	if reviewType == models.ReviewTypeTeamLead {
		role = "lead"
	}
	agents, err := p.store.ListTeamAgents(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list reviewers: %w", err)
	}
	for _, agent := range agents {
		if agent.Role == role && agent.ID != step.AgentID {
			return agent, nil
		}
	}
	return nil, fmt.Errorf("no eligible %s reviewer for step %s", reviewType, step.ID)
}

// ProcessOne reviews the oldest pending approval. An empty queue is not an
// error.
func (p *Processor) ProcessOne(ctx context.Context) error {
	approval, err := p.store.NextPendingApproval(ctx)
	if errors.Is(err, store.ErrNoPendingApproval) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to poll approvals: %w", err)
	}
	logger := p.logger.With("approval_id", approval.ID, "step_id", approval.StepID, "review_type", approval.ReviewType)

	step, err := p.store.GetStep(ctx, approval.StepID)
	if err != nil {
		return fmt.Errorf("failed to load step under review: %w", err)
	}
	assignee, err := p.store.GetAgent(ctx, step.AgentID)
	if err != nil {
		return fmt.Errorf("failed to load assignee: %w", err)
	}

	reviewerPrompt, err := p.store.CurrentSystemPrompt(ctx, approval.ReviewerAgentID)
	if err != nil {
		logger.Warn("Failed to load reviewer persona, reviewing without one", "error", err)
		reviewerPrompt = ""
	}

	tier := models.TierCheap
	if approval.ReviewType == models.ReviewTypeTeamLead {
		tier = models.TierMedium
	}
	resp, err := p.caller.Call(ctx, llm.Request{
		SystemPrompt:  reviewerPrompt,
		UserMessage:   p.buildReviewPrompt(ctx, approval, step, assignee),
		AgentID:       approval.ReviewerAgentID,
		MissionStepID: &step.ID,
		ForceTier:     tier,
	})
	if err != nil {
		return fmt.Errorf("review call failed: %w", err)
	}

	verdict := ParseVerdict(resp.Content)
	status := models.ApprovalStatusApproved
	if !verdict.Approved {
		status = models.ApprovalStatusRejected
	}
	if err := p.store.ResolveApproval(ctx, approval.ID, status, verdict.Feedback, verdict.AutoRejected); err != nil {
		return fmt.Errorf("failed to resolve approval: %w", err)
	}
	logger.Info("Review resolved", "status", status, "overall", verdict.Overall, "auto_rejected", verdict.AutoRejected)

	if verdict.Approved {
		return p.handleApprove(ctx, approval, step)
	}
	return p.handleReject(ctx, step, verdict)
}

// handleApprove advances the chain: QA hands off to the team lead, the team
// lead completes the step.
func (p *Processor) handleApprove(ctx context.Context, approval *models.Approval, step *models.Step) error {
	if approval.ReviewType == models.ReviewTypeQA {
		return p.enqueue(ctx, step, models.ReviewTypeTeamLead)
	}

	if err := p.store.MarkStepCompleted(ctx, step.ID); err != nil {
		return fmt.Errorf("failed to complete step: %w", err)
	}
	p.emitter.StepCompleted(ctx, step)
	if p.mirror != nil {
		p.mirror.StepStatusChanged(ctx, step, models.StepStatusCompleted)
	}
	if p.completion != nil {
		p.completion.CheckMissionCompletion(ctx, step.MissionID)
	}
	return nil
}

// handleReject records the lesson and either returns the step for revision
// or, at the cap, fails it for good.
func (p *Processor) handleReject(ctx context.Context, step *models.Step, verdict Verdict) error {
	logger := p.logger.With("step_id", step.ID)
	total, err := p.store.CountRejections(ctx, step.ID)
	if err != nil {
		return fmt.Errorf("failed to count rejections: %w", err)
	}

	if total >= personaUpgradeThreshold {
		p.upgradePersona(ctx, step, logger)
	}

	if total >= maxRejections {
		if err := p.store.MarkStepFailed(ctx, step.ID, revisionCapReason); err != nil {
			return fmt.Errorf("failed to fail step at revision cap: %w", err)
		}
		logger.Info("Revision cap reached, step failed", "rejections", total)
		p.emitter.RevisionCapReached(ctx, step)
		if p.mirror != nil {
			p.mirror.StepStatusChanged(ctx, step, models.StepStatusCanceled)
		}
		// Cascade exactly like a pipeline failure: pending steps strictly
		// after this one can never run, and the mission must still terminate
		n, err := p.store.FailPendingStepsAfter(ctx, step.MissionID, step.StepOrder,
			"blocked by failed step "+step.ID)
		if err != nil {
			logger.Warn("Failure cascade failed", "error", err)
		} else if n > 0 {
			logger.Info("Failure cascaded to downstream steps", "count", n)
		}
		if p.completion != nil {
			p.completion.CheckMissionCompletion(ctx, step.MissionID)
		}
		return nil
	}

	p.saveLesson(ctx, step, verdict.Feedback, logger)
	if err := p.store.ReturnStepForRevision(ctx, step.ID); err != nil {
		return fmt.Errorf("failed to return step for revision: %w", err)
	}
	logger.Info("Step returned for revision", "rejections", total)
	if p.mirror != nil {
		p.mirror.FeedbackPosted(ctx, step, verdict.Feedback)
	}
	return nil
}

// saveLesson stores the rejection feedback as an assignee lesson memory.
// Fail-open: errors are logged, never returned.
func (p *Processor) saveLesson(ctx context.Context, step *models.Step, feedback string, logger *slog.Logger) {
	if strings.TrimSpace(feedback) == "" {
		return
	}
	mem := &models.AgentMemory{
		AgentID: &step.AgentID,
		Kind:    models.MemoryKindLesson,
		Content: fmt.Sprintf("Rejected work on %q: %s", step.Description, feedback),
	}
	if err := p.store.CreateMemory(ctx, mem); err != nil {
		logger.Warn("Failed to save lesson memory", "error", err)
	}
}

// upgradePersona analyzes accumulated rejection feedback and appends the
// missing expertise to the assignee's persona. Fail-open throughout.
func (p *Processor) upgradePersona(ctx context.Context, step *models.Step, logger *slog.Logger) {
	approvals, err := p.store.ListApprovalsByStep(ctx, step.ID)
	if err != nil {
		logger.Warn("Persona upgrade skipped, could not load approvals", "error", err)
		return
	}
	var feedbacks []string
	for _, a := range approvals {
		if a.Status == models.ApprovalStatusRejected && a.Feedback != "" {
			feedbacks = append(feedbacks, a.Feedback)
		}
	}
	if len(feedbacks) == 0 {
		return
	}

	resp, err := p.caller.Call(ctx, llm.Request{
		SystemPrompt:  "You diagnose skill gaps from review feedback. Respond with the two labeled lines only.",
		UserMessage:   buildUpskillPrompt(step, feedbacks),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     models.TierCheap,
	})
	if err != nil {
		logger.Warn("Persona upgrade analysis failed", "error", err)
		return
	}
	_, expertise := parseUpskillResponse(resp.Content)
	if expertise == "" {
		return
	}

	current, err := p.store.CurrentSystemPrompt(ctx, step.AgentID)
	if err != nil {
		logger.Warn("Persona upgrade skipped, could not load current persona", "error", err)
		return
	}
	if _, err := p.store.AppendPersona(ctx, step.AgentID, current+"\n\n"+expertise); err != nil {
		logger.Warn("Persona upgrade failed", "error", err)
		return
	}
	logger.Info("Agent persona upgraded", "agent_id", step.AgentID)
	p.emitter.AgentUpskilled(ctx, step.AgentID, expertise)
}

// originalRequest traces the user's own words: mission → proposal →
// raw message, falling back to the directive.
func (p *Processor) originalRequest(ctx context.Context, missionID string) string {
	mission, err := p.store.GetMission(ctx, missionID)
	if err != nil {
		return ""
	}
	if mission.ProposalID != nil {
		if proposal, err := p.store.GetProposal(ctx, *mission.ProposalID); err == nil && proposal.RawMessage != "" {
			return proposal.RawMessage
		}
	}
	return mission.Directive
}
