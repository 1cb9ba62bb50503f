package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
)

// Revision thresholds: revise when any dimension falls below the floor or
// the average misses the bar.
const (
	dimensionFloor = 3.0
	averageBar     = 3.5
)

// critiqueDimensions are the rubric dimensions, in scoring order.
var critiqueDimensions = []string{"completeness", "accuracy", "actionability", "depth"}

// critiqueResult holds one critique round's parsed scores.
type critiqueResult struct {
	Dimensions map[string]float64
	Overall    float64
	Feedback   string
	// Malformed marks a critique that did not parse; scores default to a
	// moderate 3.0 and no revision is triggered.
	Malformed bool
}

// NeedsRevision applies the revision trigger: any dimension below the floor,
// or the average below the bar. A uniform 3.0 across every dimension counts
// as good; the average bar only penalizes uneven work.
func (c critiqueResult) NeedsRevision() bool {
	if c.Malformed {
		return false
	}
	atFloor := true
	for _, dim := range critiqueDimensions {
		if c.Dimensions[dim] < dimensionFloor {
			return true
		}
		if c.Dimensions[dim] != dimensionFloor {
			atFloor = false
		}
	}
	if atFloor {
		return false
	}
	return c.Overall < averageBar
}

// critiqueResponse is the raw rubric JSON. dataBacked is the legacy alias
// for accuracy.
type critiqueResponse struct {
	Scores struct {
		Completeness  *float64 `json:"completeness"`
		Accuracy      *float64 `json:"accuracy"`
		DataBacked    *float64 `json:"dataBacked"`
		Actionability *float64 `json:"actionability"`
		Depth         *float64 `json:"depth"`
	} `json:"scores"`
	Feedback string `json:"feedback"`
}

// critique scores the artifact on the cheap tier and records the phase with
// the citation score in its metadata.
func (e *Executor) critique(ctx context.Context, step *models.Step, artifact string,
	citationScore float64, order *int) critiqueResult {
	*order++
	started := time.Now()
	tier := models.TierCheap

	crit := moderateCritique()
	resp, err := e.caller.Call(ctx, llm.Request{
		SystemPrompt:  "You are a brutally honest quality critic. Respond with strict JSON only.",
		UserMessage:   buildCritiquePrompt(step, artifact, citationScore),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     tier,
	})
	if err != nil {
		e.logger.Warn("Critique call failed, defaulting to a moderate score", "step_id", step.ID, "error", err)
	} else {
		crit = parseCritique(resp.Content)
	}

	score := crit.Overall
	e.recordPhase(ctx, step, models.PhaseNameCritique, *order, &tier, &score, started, map[string]any{
		"dimensions":     crit.Dimensions,
		"citation_score": citationScore,
		"malformed":      crit.Malformed,
	})
	return crit
}

// parseCritique extracts rubric scores. Any malformed response collapses to
// the moderate default.
func parseCritique(content string) critiqueResult {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return moderateCritique()
	}
	var resp critiqueResponse
	if err := json.Unmarshal([]byte(raw), &resp); err != nil {
		return moderateCritique()
	}

	accuracy := resp.Scores.Accuracy
	if accuracy == nil {
		accuracy = resp.Scores.DataBacked
	}
	if resp.Scores.Completeness == nil || accuracy == nil ||
		resp.Scores.Actionability == nil || resp.Scores.Depth == nil {
		return moderateCritique()
	}

	dims := map[string]float64{
		"completeness":  clampScore(*resp.Scores.Completeness),
		"accuracy":      clampScore(*accuracy),
		"actionability": clampScore(*resp.Scores.Actionability),
		"depth":         clampScore(*resp.Scores.Depth),
	}
	sum := 0.0
	for _, dim := range critiqueDimensions {
		sum += dims[dim]
	}
	return critiqueResult{
		Dimensions: dims,
		Overall:    sum / float64(len(critiqueDimensions)),
		Feedback:   resp.Feedback,
	}
}

// moderateCritique is the malformed-response default: 3.0 across the board,
// which never triggers a revision.
func moderateCritique() critiqueResult {
	return critiqueResult{
		Dimensions: map[string]float64{
			"completeness": 3.0, "accuracy": 3.0, "actionability": 3.0, "depth": 3.0,
		},
		Overall:   3.0,
		Malformed: true,
	}
}

func clampScore(v float64) float64 {
	if v < 1 {
		return 1
	}
	if v > 5 {
		return 5
	}
	return v
}

// revise reworks the artifact against the critique feedback on the step's
// tier.
func (e *Executor) revise(ctx context.Context, step *models.Step, persona, artifact string,
	sources []Source, crit critiqueResult, order *int) (string, error) {
	*order++
	started := time.Now()

	resp, err := e.caller.Call(ctx, llm.Request{
		SystemPrompt:  persona,
		UserMessage:   buildRevisePrompt(step, artifact, sources, crit),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     step.Tier,
	})
	if err != nil {
		return "", fmt.Errorf("revise call failed: %w", err)
	}

	e.recordPhase(ctx, step, models.PhaseNameRevise, *order, &step.Tier, nil, started, map[string]any{
		"prior_score": crit.Overall,
	})
	return resp.Content, nil
}

func buildCritiquePrompt(step *models.Step, artifact string, citationScore float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n", step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nACCEPTANCE CRITERIA:\n%s\n", step.AcceptanceCriteria)
	}
	fmt.Fprintf(&b, "\nDELIVERABLE:\n%s\n", artifact)
	fmt.Fprintf(&b, "\nCITATION SCORE (fraction of factual paragraphs citing a known source): %.2f\n", citationScore)
	b.WriteString(`
Score 1-5 on each dimension:
- completeness: 1 = major requirements missing; 5 = every requirement covered
- accuracy: 1 = claims contradict or lack sources; 5 = every claim traceable. Weigh the citation score above.
- actionability: 1 = reader cannot act on it; 5 = concrete next steps throughout
- depth: 1 = generic, could be from any AI; 5 = groundbreaking insight, publishable quality

3.0 is GOOD. 4.0 is EXCELLENT. 5.0 is rare. Average output should score 2.5-3.0. Be BRUTALLY HONEST.

Respond with JSON:
{"scores": {"completeness": 0, "accuracy": 0, "actionability": 0, "depth": 0}, "feedback": "..."}`)
	return b.String()
}

func buildRevisePrompt(step *models.Step, artifact string, sources []Source, crit critiqueResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\nYOUR PREVIOUS DRAFT:\n%s\n", step.Description, artifact)
	fmt.Fprintf(&b, "\nCRITIQUE (overall %.1f):\n%s\n", crit.Overall, crit.Feedback)
	b.WriteString("\nAVAILABLE SOURCES:\n")
	if len(sources) == 0 {
		b.WriteString("(none)\n")
	}
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s — %s\n", i+1, s.Title, s.URL)
	}
	b.WriteString("\nUse ONLY these sources; never fabricate; if data is unavailable, say so.\n")
	b.WriteString("Rewrite the deliverable addressing every critique point. Output the full revised deliverable.")
	return b.String()
}
