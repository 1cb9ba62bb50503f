package planner

import (
	"fmt"
	"strings"

	"github.com/foreman-hq/foreman/pkg/models"
)

const plannerSchema = `Respond with ONLY a JSON object in this exact shape:
{
  "tasks": [
    {
      "id": "T1",
      "description": "<what to produce>",
      "role": "<researcher|analyst|writer|engineer|reviewer|lead>",
      "parallel_group": <integer wave, tasks in the same group run in parallel>,
      "depends_on": ["<task id>", ...],
      "acceptance_criteria": "<verifiable completion condition>"
    }
  ],
  "end_state": "<production_docs|working_prototype|hybrid>",
  "escalation_needed": false,
  "escalation_reason": "",
  "hiring_needed": [{"role": "<role>", "reason": "<why the roster lacks it>"}]
}
No prose before or after the JSON.`

// buildPlannerPrompt assembles the medium-tier decomposition prompt.
func buildPlannerPrompt(directive, roster, manifest, approachHints string) string {
	var b strings.Builder
	b.WriteString("Decompose the following directive into a dependency-constrained task plan.\n\n")
	b.WriteString("DIRECTIVE\n" + directive + "\n\n")
	b.WriteString("ROSTER\n" + roster + "\n\n")
	b.WriteString(manifest + "\n")
	if approachHints != "" {
		b.WriteString("\nAPPROACH HINTS (from similar past plans, best first)\n")
		b.WriteString(approachHints + "\n")
	}
	b.WriteString("\n" + plannerSchema)
	return b.String()
}

// buildReplanPrompt appends the feasibility feedback block for the second
// planning round.
func buildReplanPrompt(base string, issues []string) string {
	var b strings.Builder
	b.WriteString(base)
	b.WriteString("\n\nFEASIBILITY FEEDBACK\nYour previous plan had these problems:\n")
	for _, issue := range issues {
		b.WriteString("- " + issue + "\n")
	}
	b.WriteString("Produce a corrected plan that fits every task within one step's budget.")
	return b.String()
}

// formatRoster renders agents as "Name (Role) [Lead|QA|]" lines.
func formatRoster(agents []*models.Agent) string {
	if len(agents) == 0 {
		return "(no agents hired yet)"
	}
	var b strings.Builder
	for _, a := range agents {
		tag := ""
		switch {
		case a.IsLead:
			tag = " [Lead]"
		case a.Role == "reviewer":
			tag = " [QA]"
		}
		fmt.Fprintf(&b, "%s (%s)%s\n", a.Name, a.Role, tag)
	}
	return strings.TrimRight(b.String(), "\n")
}

// formatApproachHints renders retrieved memories as a numbered hint list.
func formatApproachHints(memories []*models.AgentMemory) string {
	if len(memories) == 0 {
		return ""
	}
	var b strings.Builder
	for i, m := range memories {
		fmt.Fprintf(&b, "%d. (score %.1f) %s\n", i+1, m.Score, m.Content)
	}
	return strings.TrimRight(b.String(), "\n")
}
