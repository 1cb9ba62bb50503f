// Package capability holds the process-wide capability registry: what each
// role can do, the numeric budgets every pipeline execution must respect, and
// the feasibility validator the planner consults before accepting a plan.
package capability

import (
	"fmt"
	"strings"
)

// Pipeline budgets. These bound every single step execution; the manifest
// quotes them so the planner sizes tasks accordingly.
const (
	MaxQueriesPerStep     = 6
	MaxFetchesPerStep     = 16
	MaxURLsPerQuery       = 3
	MaxCharsPerPage       = 8000
	MaxResearchIterations = 3
	MinSubstantiveChars   = 500
	MinSubstantiveSources = 3
)

// RoleCapability describes one role for the manifest.
type RoleCapability struct {
	Role      string
	Tools     []string
	Strengths []string
	Cannots   []string
}

// Registry is immutable after construction and safe for concurrent reads.
type Registry struct {
	roles []RoleCapability
}

// NewRegistry returns the registry with the shipped role set.
func NewRegistry() *Registry {
	return &Registry{roles: []RoleCapability{
		{
			Role: "researcher",
			Tools: []string{
				fmt.Sprintf("web_search (max %d queries per step, %d URLs per query)", MaxQueriesPerStep, MaxURLsPerQuery),
				fmt.Sprintf("web_fetch (max %d fetches per step, ~%d chars per page)", MaxFetchesPerStep, MaxCharsPerPage),
			},
			Strengths: []string{"source discovery", "fact gathering", "competitive scans"},
			Cannots:   []string{"CANNOT write production code", "CANNOT access paywalled or logged-in content"},
		},
		{
			Role:      "analyst",
			Tools:     []string{"web_search", "web_fetch", "structured comparison"},
			Strengths: []string{"data interpretation", "trade-off analysis", "summarization"},
			Cannots:   []string{"CANNOT run computations beyond what sources state", "CANNOT access internal dashboards"},
		},
		{
			Role:      "writer",
			Tools:     []string{"web_fetch (reference checking only)"},
			Strengths: []string{"long-form drafting", "tone control", "documentation"},
			Cannots:   []string{"CANNOT invent factual claims", "CANNOT publish anywhere"},
		},
		{
			Role:      "engineer",
			Tools:     []string{"code drafting (design docs, snippets, reviews)"},
			Strengths: []string{"architecture sketches", "implementation plans", "code review"},
			Cannots:   []string{"CANNOT execute code", "CANNOT deploy", "CANNOT touch production systems"},
		},
		{
			Role:      "reviewer",
			Tools:     []string{"rubric scoring"},
			Strengths: []string{"quality gating", "citation checking"},
			Cannots:   []string{"CANNOT rewrite artifacts", "CANNOT approve own work"},
		},
		{
			Role:      "lead",
			Tools:     []string{"rubric scoring", "strategic assessment"},
			Strengths: []string{"scope judgment", "final sign-off"},
			Cannots:   []string{"CANNOT bypass the review chain"},
		},
	}}
}

// Roles returns the shipped role names.
func (r *Registry) Roles() []string {
	names := make([]string, len(r.roles))
	for i, rc := range r.roles {
		names[i] = rc.Role
	}
	return names
}

// BuildManifest renders the textual capability block included in planner and
// feasibility prompts.
func (r *Registry) BuildManifest() string {
	var b strings.Builder
	b.WriteString("TEAM CAPABILITIES\n\n")
	for _, rc := range r.roles {
		b.WriteString(strings.ToUpper(rc.Role) + "\n")
		b.WriteString("  Tools: " + strings.Join(rc.Tools, "; ") + "\n")
		b.WriteString("  Strengths: " + strings.Join(rc.Strengths, "; ") + "\n")
		b.WriteString("  Limits: " + strings.Join(rc.Cannots, "; ") + "\n\n")
	}

	b.WriteString("GLOBAL CONSTRAINTS\n")
	fmt.Fprintf(&b, "  - At most %d search queries per step\n", MaxQueriesPerStep)
	fmt.Fprintf(&b, "  - At most %d page fetches per step\n", MaxFetchesPerStep)
	fmt.Fprintf(&b, "  - At most %d URLs fetched per query\n", MaxURLsPerQuery)
	fmt.Fprintf(&b, "  - Page content truncated to ~%d characters\n", MaxCharsPerPage)
	fmt.Fprintf(&b, "  - At most %d research iterations per step\n", MaxResearchIterations)
	b.WriteString("\nRULES\n")
	b.WriteString("  - Acceptance criteria must be achievable within one step's budget.\n")
	b.WriteString("  - Work covering more than a handful of items must be split into\n")
	b.WriteString("    multiple parallel steps plus a synthesis step that merges them\n")
	b.WriteString("    (MapReduce pattern).\n")
	return b.String()
}
