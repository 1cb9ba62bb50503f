package planner

import (
	"encoding/json"
	"strings"

	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
)

// planDraft is the parsed (not yet persisted) planner output.
type planDraft struct {
	Tasks            []models.PlanTask `json:"tasks"`
	EndState         models.EndState   `json:"end_state"`
	EscalationNeeded bool              `json:"escalation_needed"`
	EscalationReason string            `json:"escalation_reason"`
	HiringNeeded     []models.HireSpec `json:"hiring_needed"`
	// Fallback marks a draft synthesized from an unparseable response.
	// Fallback plans skip feasibility validation and re-planning.
	Fallback bool `json:"-"`
}

// parsePlan turns a raw planner response into a draft. On any parse failure
// it falls back to a single-task plan whose description is the directive
// verbatim; parsing never errors out.
func parsePlan(content, directive string) *planDraft {
	raw := llm.ExtractJSON(content)
	if raw == "" {
		return fallbackPlan(directive)
	}

	var draft planDraft
	if err := json.Unmarshal([]byte(raw), &draft); err != nil {
		return fallbackPlan(directive)
	}
	if len(draft.Tasks) == 0 {
		return fallbackPlan(directive)
	}

	for i := range draft.Tasks {
		task := &draft.Tasks[i]
		task.Role = strings.ToLower(strings.TrimSpace(task.Role))
		if task.Role == "" {
			task.Role = "analyst"
		}
		if task.DependsOn == nil {
			task.DependsOn = []string{}
		}
	}
	if draft.EndState == "" {
		draft.EndState = models.EndStateProductionDocs
	}
	return &draft
}

// fallbackPlan is the degraded single-task plan.
func fallbackPlan(directive string) *planDraft {
	return &planDraft{
		Tasks: []models.PlanTask{{
			ID:                 "T1",
			Description:        directive,
			Role:               "analyst",
			ParallelGroup:      1,
			DependsOn:          []string{},
			AcceptanceCriteria: "Directive addressed end to end.",
		}},
		EndState: models.EndStateProductionDocs,
		Fallback: true,
	}
}
