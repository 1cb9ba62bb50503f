package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/foreman-hq/foreman/pkg/capability"
	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
)

// decomposition is the parsed output of the decompose phase.
type decomposition struct {
	SubQuestions    []string `json:"subQuestions"`
	SearchQueries   []string `json:"searchQueries"`
	KeyRequirements []string `json:"keyRequirements"`
}

// urlPattern finds http(s) URLs embedded in task descriptions and artifacts.
var urlPattern = regexp.MustCompile(`https?://[^\s<>"')\]]+`)

// decompose runs the cheap-tier task breakdown. On parse failure it returns
// an empty structure; research then runs on description URLs alone.
func (e *Executor) decompose(ctx context.Context, step *models.Step, order *int) decomposition {
	*order++
	started := time.Now()
	tier := models.TierCheap

	var dec decomposition
	resp, err := e.caller.Call(ctx, llm.Request{
		SystemPrompt:  "You break tasks into research plans. Respond with strict JSON only.",
		UserMessage:   buildDecomposePrompt(step),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     tier,
	})
	if err != nil {
		e.logger.Warn("Decompose call failed, proceeding without a research plan", "step_id", step.ID, "error", err)
	} else if raw := llm.ExtractJSON(resp.Content); raw != "" {
		if err := json.Unmarshal([]byte(raw), &dec); err != nil {
			e.logger.Warn("Decompose response did not parse, proceeding with an empty structure", "step_id", step.ID, "error", err)
			dec = decomposition{}
		}
	}

	e.recordPhase(ctx, step, models.PhaseNameDecompose, *order, &tier, nil, started, map[string]any{
		"sub_questions":  len(dec.SubQuestions),
		"search_queries": len(dec.SearchQueries),
	})
	return dec
}

// research gathers sources: description URLs first, then the decompose
// queries, then at most one refinement round when substance is thin, then up
// to MaxResearchIterations gap-analysis rounds. Fetching itself never calls
// an LLM.
func (e *Executor) research(ctx context.Context, step *models.Step, dec decomposition,
	budget *Budget, order *int) []Source {
	*order++
	started := time.Now()

	var sources []Source
	seen := make(map[string]bool)

	sources = e.fetchDescriptionURLs(ctx, step, budget, seen, sources)
	sources = e.executeQueries(ctx, dec.SearchQueries, budget, seen, sources)

	if countSubstantive(sources) < capability.MinSubstantiveSources {
		if refined := e.refineQueries(ctx, step, dec, sources); len(refined) > 0 {
			sources = e.executeQueries(ctx, refined, budget, seen, sources)
		}
	}

	for iter := 0; iter < capability.MaxResearchIterations && !budget.Exhausted(); iter++ {
		gap := e.analyzeGaps(ctx, step, sources)
		if gap.Sufficient || len(gap.AdditionalQueries) == 0 {
			break
		}
		sources = e.executeQueries(ctx, gap.AdditionalQueries, budget, seen, sources)
	}

	// The research phase makes no tiered LLM call of its own; tier stays nil
	e.recordPhase(ctx, step, models.PhaseNameResearch, *order, nil, nil, started, map[string]any{
		"sources":     sourceList(sources),
		"substantive": countSubstantive(sources),
		"budget":      budget.Snapshot(),
	})
	return sources
}

// fetchDescriptionURLs pulls URLs the task description names directly,
// capped at descriptionURLFetchCap, against the shared fetch budget.
func (e *Executor) fetchDescriptionURLs(ctx context.Context, step *models.Step,
	budget *Budget, seen map[string]bool, sources []Source) []Source {
	if e.web == nil {
		return sources
	}
	urls := urlPattern.FindAllString(step.Description, -1)
	fetched := 0
	for _, u := range urls {
		if fetched >= descriptionURLFetchCap {
			break
		}
		if seen[u] || !budget.TakeFetch() {
			continue
		}
		seen[u] = true
		page, err := e.web.FetchPage(ctx, u, capability.MaxCharsPerPage)
		if err != nil {
			e.logger.Warn("Description URL fetch failed", "url", u, "error", err)
			continue
		}
		fetched++
		sources = append(sources, Source{
			URL: page.URL, Title: page.Title,
			CharCount: len(page.Content), Content: page.Content,
		})
	}
	return sources
}

// executeQueries runs searches and fetches their top results within budget.
func (e *Executor) executeQueries(ctx context.Context, queries []string,
	budget *Budget, seen map[string]bool, sources []Source) []Source {
	if e.web == nil {
		return sources
	}
	for _, query := range queries {
		if !budget.TakeQuery() {
			break
		}
		results, err := e.web.SearchWeb(ctx, query, capability.MaxURLsPerQuery)
		if err != nil {
			e.logger.Warn("Search failed", "query", query, "error", err)
			continue
		}
		for _, r := range results {
			if seen[r.URL] {
				continue
			}
			if !budget.TakeFetch() {
				return sources
			}
			seen[r.URL] = true
			page, err := e.web.FetchPage(ctx, r.URL, capability.MaxCharsPerPage)
			if err != nil {
				e.logger.Warn("Fetch failed", "url", r.URL, "error", err)
				continue
			}
			sources = append(sources, Source{
				URL: page.URL, Title: page.Title,
				CharCount: len(page.Content), Content: page.Content,
			})
		}
	}
	return sources
}

// refinedQueries is the parsed output of the one-shot refinement call.
type refinedQueries struct {
	Queries []string `json:"queries"`
}

// refineQueries asks the cheap tier for better queries when fewer than
// MinSubstantiveSources substantive pages came back. At most one round.
func (e *Executor) refineQueries(ctx context.Context, step *models.Step, dec decomposition, sources []Source) []string {
	resp, err := e.caller.Call(ctx, llm.Request{
		SystemPrompt:  "You improve web search queries. Respond with strict JSON only.",
		UserMessage:   buildRefinePrompt(step, dec, sources),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     models.TierCheap,
	})
	if err != nil {
		e.logger.Warn("Query refinement failed", "step_id", step.ID, "error", err)
		return nil
	}
	var refined refinedQueries
	if raw := llm.ExtractJSON(resp.Content); raw != "" {
		if err := json.Unmarshal([]byte(raw), &refined); err != nil {
			return nil
		}
	}
	return refined.Queries
}

// gapAnalysis is the parsed output of one gap-analysis round.
type gapAnalysis struct {
	Gaps              []string `json:"gaps"`
	AdditionalQueries []string `json:"additionalQueries"`
	Sufficient        bool     `json:"sufficient"`
}

// analyzeGaps asks the cheap tier whether the gathered sources cover the
// task. Malformed responses read as sufficient so research terminates.
func (e *Executor) analyzeGaps(ctx context.Context, step *models.Step, sources []Source) gapAnalysis {
	resp, err := e.caller.Call(ctx, llm.Request{
		SystemPrompt:  "You audit research coverage. Respond with strict JSON only.",
		UserMessage:   buildGapPrompt(step, sources),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     models.TierCheap,
	})
	if err != nil {
		e.logger.Warn("Gap analysis failed, stopping research", "step_id", step.ID, "error", err)
		return gapAnalysis{Sufficient: true}
	}
	var gap gapAnalysis
	raw := llm.ExtractJSON(resp.Content)
	if raw == "" {
		return gapAnalysis{Sufficient: true}
	}
	if err := json.Unmarshal([]byte(raw), &gap); err != nil {
		return gapAnalysis{Sufficient: true}
	}
	return gap
}

// synthesize produces the candidate artifact on the step's effective tier.
func (e *Executor) synthesize(ctx context.Context, step *models.Step, persona string,
	sources []Source, budget *Budget, order *int) (string, error) {
	*order++
	started := time.Now()

	resp, err := e.caller.Call(ctx, llm.Request{
		SystemPrompt:  persona,
		UserMessage:   buildSynthesisPrompt(step, sources, budget),
		AgentID:       step.AgentID,
		MissionStepID: &step.ID,
		ForceTier:     step.Tier,
	})
	if err != nil {
		return "", fmt.Errorf("synthesis failed: %w", err)
	}

	e.recordPhase(ctx, step, models.PhaseNameSynthesize, *order, &step.Tier, nil, started, map[string]any{
		"sources": len(sources),
		"budget":  budget.Snapshot(),
	})
	return resp.Content, nil
}

// countSubstantive counts sources whose content clears the substance floor.
func countSubstantive(sources []Source) int {
	n := 0
	for _, s := range sources {
		if s.CharCount >= capability.MinSubstantiveChars {
			n++
		}
	}
	return n
}

// sourceList is the structured [{url, title, charCount}] view of the sources.
func sourceList(sources []Source) []map[string]any {
	out := make([]map[string]any, 0, len(sources))
	for _, s := range sources {
		out = append(out, map[string]any{"url": s.URL, "title": s.Title, "charCount": s.CharCount})
	}
	return out
}

// ─── Prompt builders ─────────────────────────────────────────────────────────

func buildDirectPrompt(step *models.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n", step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nACCEPTANCE CRITERIA:\n%s\n", step.AcceptanceCriteria)
	}
	b.WriteString("\nProduce the deliverable directly.")
	return b.String()
}

func buildDecomposePrompt(step *models.Step) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n", step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nACCEPTANCE CRITERIA:\n%s\n", step.AcceptanceCriteria)
	}
	b.WriteString(`
Break this task down. Respond with JSON:
{
  "subQuestions": ["..."],
  "searchQueries": ["..."],
  "keyRequirements": ["..."]
}
Provide at least 3 search queries when the task needs external facts.`)
	return b.String()
}

func buildRefinePrompt(step *models.Step, dec decomposition, sources []Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\nQUERIES TRIED:\n", step.Description)
	for _, q := range dec.SearchQueries {
		fmt.Fprintf(&b, "- %s\n", q)
	}
	fmt.Fprintf(&b, "\nOnly %d substantive sources came back. Propose better queries.\n", countSubstantive(sources))
	b.WriteString(`Respond with JSON: {"queries": ["..."]}`)
	return b.String()
}

func buildGapPrompt(step *models.Step, sources []Source) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n\nSOURCES GATHERED:\n", step.Description)
	for _, s := range sources {
		fmt.Fprintf(&b, "- %s (%s, %d chars)\n", s.Title, s.URL, s.CharCount)
	}
	b.WriteString(`
Do these sources cover the task? Respond with JSON:
{"gaps": ["..."], "additionalQueries": ["..."], "sufficient": true|false}`)
	return b.String()
}

func buildSynthesisPrompt(step *models.Step, sources []Source, budget *Budget) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK:\n%s\n", step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nACCEPTANCE CRITERIA:\n%s\n", step.AcceptanceCriteria)
	}

	b.WriteString("\nAVAILABLE SOURCES:\n")
	if len(sources) == 0 {
		b.WriteString("(none)\n")
	}
	for i, s := range sources {
		fmt.Fprintf(&b, "[%d] %s — %s (%d chars)\n", i+1, s.Title, s.URL, s.CharCount)
	}
	for i, s := range sources {
		fmt.Fprintf(&b, "\n--- SOURCE [%d] %s ---\n%s\n", i+1, s.URL, s.Content)
	}

	b.WriteString("\nUse ONLY these sources; never fabricate; if data is unavailable, say so.\n")
	b.WriteString("Cite sources by their URLs.\n")
	fmt.Fprintf(&b, "\nBUDGET: %s\n", budget.Snapshot())
	b.WriteString("\nProduce the deliverable.")
	return b.String()
}
