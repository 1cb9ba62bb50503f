package capability

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
)

// LLMCaller is the narrow client surface the validator needs.
type LLMCaller interface {
	Call(ctx context.Context, req llm.Request) (*llm.Response, error)
}

// FeasibilityResult is the validator verdict.
type FeasibilityResult struct {
	Feasible bool     `json:"feasible"`
	Issues   []string `json:"issues"`
}

// Validator scores plan tasks against the manifest with a cheap-tier call.
type Validator struct {
	registry *Registry
	caller   LLMCaller
	logger   *slog.Logger
}

// NewValidator creates a feasibility validator.
func NewValidator(registry *Registry, caller LLMCaller, logger *slog.Logger) *Validator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Validator{registry: registry, caller: caller, logger: logger}
}

// ValidateFeasibility asks a cheap-tier model whether each task is achievable
// within the manifest budgets. Fail-open: any call or parse failure returns
// feasible with no issues, because validation must never block planning.
func (v *Validator) ValidateFeasibility(ctx context.Context, tasks []models.PlanTask) FeasibilityResult {
	feasible := FeasibilityResult{Feasible: true, Issues: []string{}}
	if len(tasks) == 0 {
		return feasible
	}

	resp, err := v.caller.Call(ctx, llm.Request{
		SystemPrompt: "You assess whether tasks fit within a team's capability budgets. Respond with JSON only.",
		UserMessage:  v.buildPrompt(tasks),
		AgentID:      "feasibility-validator",
		ForceTier:    models.TierCheap,
	})
	if err != nil {
		v.logger.Warn("Feasibility validation call failed, proceeding as feasible", "error", err)
		return feasible
	}

	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		v.logger.Warn("Feasibility response contained no JSON, proceeding as feasible")
		return feasible
	}
	var parsed FeasibilityResult
	if err := json.Unmarshal([]byte(raw), &parsed); err != nil {
		v.logger.Warn("Feasibility response did not parse, proceeding as feasible", "error", err)
		return feasible
	}
	if parsed.Issues == nil {
		parsed.Issues = []string{}
	}
	return parsed
}

func (v *Validator) buildPrompt(tasks []models.PlanTask) string {
	var b strings.Builder
	b.WriteString(v.registry.BuildManifest())
	b.WriteString("\nTASKS\n")
	for _, task := range tasks {
		fmt.Fprintf(&b, "- [%s] (%s) %s\n    Acceptance: %s\n",
			task.ID, task.Role, task.Description, task.AcceptanceCriteria)
	}
	b.WriteString(`
Judge each task's achievability inside ONE step's budget. Respond with JSON:
{"feasible": true|false, "issues": ["<task id>: <why it exceeds the budget>", ...]}
An empty issues array means every task fits.`)
	return b.String()
}
