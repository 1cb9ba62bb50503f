// Package pipeline executes one claimed step end to end: decompose the task,
// research the web within hard budgets, synthesize an artifact on the step's
// tier, critique it, and revise when the scores demand it.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/web"
)

// ErrCanceled is returned when the step's mission was canceled mid-run. The
// caller abandons the step: no artifact, no approval.
var ErrCanceled = errors.New("mission canceled")

// maxReviseAttempts caps the revise → re-critique loop per step.
const maxReviseAttempts = 2

// descriptionURLFetchCap bounds the pre-research fetch of URLs embedded in
// the task description.
const descriptionURLFetchCap = 3

// Store is the persistence surface the executor needs.
type Store interface {
	RecordPhase(ctx context.Context, r *models.PhaseRecord) error
	CurrentSystemPrompt(ctx context.Context, agentID string) (string, error)
	GetMission(ctx context.Context, id string) (*models.Mission, error)
}

// LLMCaller is the narrow client surface the executor needs.
type LLMCaller interface {
	Call(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// WebClient is the search/fetch collaborator surface.
type WebClient interface {
	SearchWeb(ctx context.Context, query string, maxResults int) ([]web.SearchResult, error)
	FetchPage(ctx context.Context, pageURL string, maxChars int) (*web.Page, error)
}

// Source is one fetched page available to synthesis.
type Source struct {
	URL       string `json:"url"`
	Title     string `json:"title"`
	CharCount int    `json:"charCount"`
	// Content is the truncated page text. Omitted from the structured list;
	// injected separately into the synthesis prompt.
	Content string `json:"-"`
}

// Outcome is the result of one pipeline run.
type Outcome struct {
	Artifact      string
	Score         float64
	Revised       bool
	Lesson        string
	CitationScore float64
}

// Executor runs the per-step pipeline.
type Executor struct {
	store  Store
	caller LLMCaller
	web    WebClient
	logger *slog.Logger
}

// NewExecutor wires the pipeline. web may be nil when search is disabled;
// research then degrades to description-URL fetches only.
func NewExecutor(st Store, caller LLMCaller, webClient WebClient, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{store: st, caller: caller, web: webClient, logger: logger}
}

// Run executes the pipeline for one claimed step. Phases are strictly ordered
// decompose → research → synthesize → critique → revise → re-critique, with a
// cancellation check at every phase boundary.
func (e *Executor) Run(ctx context.Context, step *models.Step) (*Outcome, error) {
	logger := e.logger.With("step_id", step.ID, "mission_id", step.MissionID)

	persona, err := e.store.CurrentSystemPrompt(ctx, step.AgentID)
	if err != nil {
		logger.Warn("Failed to load persona, running without one", "agent_id", step.AgentID, "error", err)
		persona = ""
	}

	if step.SkipPipeline {
		return e.runDirect(ctx, step, persona)
	}

	budget := NewBudget()
	order := 0

	var sources []Source
	if !step.SkipResearch {
		if err := e.checkCanceled(ctx, step); err != nil {
			return nil, err
		}
		dec := e.decompose(ctx, step, &order)

		if err := e.checkCanceled(ctx, step); err != nil {
			return nil, err
		}
		sources = e.research(ctx, step, dec, budget, &order)
	}

	if err := e.checkCanceled(ctx, step); err != nil {
		return nil, err
	}
	artifact, err := e.synthesize(ctx, step, persona, sources, budget, &order)
	if err != nil {
		return nil, err
	}
	artifact = e.resolveArtifactTags(ctx, artifact, budget)

	if err := e.checkCanceled(ctx, step); err != nil {
		return nil, err
	}
	citationScore := ValidateCitations(artifact, sources)
	crit := e.critique(ctx, step, artifact, citationScore, &order)

	revised := false
	for attempt := 1; attempt <= maxReviseAttempts && crit.NeedsRevision(); attempt++ {
		if err := e.checkCanceled(ctx, step); err != nil {
			return nil, err
		}
		next, err := e.revise(ctx, step, persona, artifact, sources, crit, &order)
		if err != nil {
			logger.Warn("Revise failed, keeping the prior artifact", "attempt", attempt, "error", err)
			break
		}
		artifact = next
		revised = true
		citationScore = ValidateCitations(artifact, sources)
		crit = e.critique(ctx, step, artifact, citationScore, &order)
	}

	logger.Info("Pipeline finished",
		"score", crit.Overall, "revised", revised,
		"sources", len(sources), "queries_used", budget.QueriesUsed, "fetches_used", budget.FetchesUsed)

	return &Outcome{
		Artifact:      artifact,
		Score:         crit.Overall,
		Revised:       revised,
		Lesson:        crit.Feedback,
		CitationScore: citationScore,
	}, nil
}

// runDirect is the skip-pipeline mode: one LLM call on the step's tier, no
// research, no critique.
func (e *Executor) runDirect(ctx context.Context, step *models.Step, persona string) (*Outcome, error) {
	started := time.Now()
	resp, err := e.caller.Call(ctx, llm.Request{
		SystemPrompt:  persona,
		UserMessage:   buildDirectPrompt(step),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     step.Tier,
	})
	if err != nil {
		return nil, fmt.Errorf("direct execution failed: %w", err)
	}
	e.recordPhase(ctx, step, models.PhaseNameSynthesize, 1, &step.Tier, nil, started, map[string]any{
		"mode": "skip_pipeline",
	})
	return &Outcome{Artifact: resp.Content}, nil
}

// checkCanceled consults the mission status at a phase boundary.
func (e *Executor) checkCanceled(ctx context.Context, step *models.Step) error {
	mission, err := e.store.GetMission(ctx, step.MissionID)
	if err != nil {
		// A read failure must not kill an otherwise healthy run
		e.logger.Warn("Cancellation check failed, continuing", "mission_id", step.MissionID, "error", err)
		return nil
	}
	if mission.Status == models.MissionStatusCanceled {
		return ErrCanceled
	}
	return nil
}

// recordPhase persists one phase row. Fail-open: errors are logged, never
// returned.
func (e *Executor) recordPhase(ctx context.Context, step *models.Step, name models.PhaseName,
	phaseOrder int, tier *models.ModelTier, score *float64, started time.Time, metadata map[string]any) {
	r := &models.PhaseRecord{
		StepID:     step.ID,
		Name:       name,
		PhaseOrder: phaseOrder,
		Tier:       tier,
		Score:      score,
		DurationMS: time.Since(started).Milliseconds(),
		Metadata:   metadata,
	}
	if err := e.store.RecordPhase(ctx, r); err != nil {
		e.logger.Warn("Failed to record phase", "step_id", step.ID, "phase", name, "error", err)
	}
}
