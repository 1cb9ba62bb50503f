package pipeline

import (
	"context"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/foreman-hq/foreman/pkg/capability"
	"github.com/foreman-hq/foreman/pkg/llm"
	"github.com/foreman-hq/foreman/pkg/models"
	"github.com/foreman-hq/foreman/pkg/web"
)

// fakeStore is an in-memory Store for executor tests.
type fakeStore struct {
	phases        []*models.PhaseRecord
	missionStatus models.MissionStatus
}

func (f *fakeStore) RecordPhase(ctx context.Context, r *models.PhaseRecord) error {
	f.phases = append(f.phases, r)
	return nil
}

func (f *fakeStore) CurrentSystemPrompt(ctx context.Context, agentID string) (string, error) {
	return "You are a meticulous researcher.", nil
}

func (f *fakeStore) GetMission(ctx context.Context, id string) (*models.Mission, error) {
	status := f.missionStatus
	if status == "" {
		status = models.MissionStatusInProgress
	}
	return &models.Mission{ID: id, Status: status}, nil
}

// routingCaller dispatches scripted responses by the system prompt of each
// call, so the test does not depend on exact call ordering.
type routingCaller struct {
	decomposeJSON string
	gapJSON       string
	refineJSON    string
	critiques     []string
	synthesis     string
	revision      string

	calls         []llm.Request
	critiqueCalls int
	reviseCalls   int
	refineCalls   int
}

func (r *routingCaller) Call(ctx context.Context, req llm.Request) (*llm.Response, error) {
	r.calls = append(r.calls, req)
	var content string
	switch {
	case strings.Contains(req.SystemPrompt, "break tasks"):
		content = r.decomposeJSON
	case strings.Contains(req.SystemPrompt, "audit research"):
		content = r.gapJSON
	case strings.Contains(req.SystemPrompt, "improve web search"):
		r.refineCalls++
		content = r.refineJSON
	case strings.Contains(req.SystemPrompt, "quality critic"):
		idx := r.critiqueCalls
		r.critiqueCalls++
		if idx < len(r.critiques) {
			content = r.critiques[idx]
		} else {
			content = r.critiques[len(r.critiques)-1]
		}
	case strings.Contains(req.UserMessage, "YOUR PREVIOUS DRAFT"):
		r.reviseCalls++
		content = r.revision
	default:
		content = r.synthesis
	}
	return &llm.Response{Content: content, Tier: req.ForceTier}, nil
}

// fakeWeb serves canned search results and pages while counting usage.
type fakeWeb struct {
	resultsPerQuery int
	pageChars       int
	searchCalls     int
	fetchCalls      int
}

func (f *fakeWeb) SearchWeb(ctx context.Context, query string, maxResults int) ([]web.SearchResult, error) {
	f.searchCalls++
	n := f.resultsPerQuery
	if n > maxResults {
		n = maxResults
	}
	results := make([]web.SearchResult, 0, n)
	for i := 0; i < n; i++ {
		results = append(results, web.SearchResult{
			Title: fmt.Sprintf("result %d for %s", i, query),
			URL:   fmt.Sprintf("https://example.com/%s/%d", strings.ReplaceAll(query, " ", "-"), i),
		})
	}
	return results, nil
}

func (f *fakeWeb) FetchPage(ctx context.Context, pageURL string, maxChars int) (*web.Page, error) {
	f.fetchCalls++
	content := strings.Repeat("x", f.pageChars)
	if len(content) > maxChars {
		content = content[:maxChars]
	}
	return &web.Page{Title: "page", URL: pageURL, Content: content}, nil
}

const goodCritique = `{"scores": {"completeness": 4, "accuracy": 4, "actionability": 4, "depth": 3.5}, "feedback": "solid"}`
const weakCritique = `{"scores": {"completeness": 2, "accuracy": 2, "actionability": 2, "depth": 2}, "feedback": "thin and generic"}`

func testStep() *models.Step {
	return &models.Step{
		ID:          "step-1",
		MissionID:   "mission-1",
		AgentID:     "agent-res",
		Description: "Survey the CRM market",
		Tier:        models.TierMedium,
	}
}

func newRoutingCaller() *routingCaller {
	return &routingCaller{
		decomposeJSON: `{"subQuestions": ["q"], "searchQueries": ["crm market size", "crm vendors 2026", "crm pricing"], "keyRequirements": ["cite sources"]}`,
		gapJSON:       `{"gaps": [], "additionalQueries": [], "sufficient": true}`,
		refineJSON:    `{"queries": ["crm market report pdf"]}`,
		critiques:     []string{goodCritique},
		synthesis:     "The CRM market grew substantially according to https://example.com/crm-market-size/0 which details vendor revenue.",
		revision:      "Revised deliverable with stronger sourcing from https://example.com/crm-market-size/0 and explicit caveats.",
	}
}

func TestRun_FullPipelinePhaseOrder(t *testing.T) {
	st := &fakeStore{}
	caller := newRoutingCaller()
	w := &fakeWeb{resultsPerQuery: 3, pageChars: 1000}
	e := NewExecutor(st, caller, w, nil)

	out, err := e.Run(context.Background(), testStep())
	require.NoError(t, err)
	assert.False(t, out.Revised)
	assert.InDelta(t, 3.875, out.Score, 0.001)
	assert.NotEmpty(t, out.Artifact)
	assert.Greater(t, out.CitationScore, 0.0)

	require.Len(t, st.phases, 4)
	assert.Equal(t, models.PhaseNameDecompose, st.phases[0].Name)
	assert.Equal(t, models.PhaseNameResearch, st.phases[1].Name)
	assert.Equal(t, models.PhaseNameSynthesize, st.phases[2].Name)
	assert.Equal(t, models.PhaseNameCritique, st.phases[3].Name)
	assert.Nil(t, st.phases[1].Tier, "research makes no tiered call of its own")
	require.NotNil(t, st.phases[2].Tier)
	assert.Equal(t, models.TierMedium, *st.phases[2].Tier)
	for i, p := range st.phases {
		assert.Equal(t, i+1, p.PhaseOrder)
	}
}

func TestRun_BudgetCapsQueriesAndFetches(t *testing.T) {
	queries := make([]string, 10)
	for i := range queries {
		queries[i] = fmt.Sprintf("query number %d", i)
	}
	caller := newRoutingCaller()
	caller.decomposeJSON = fmt.Sprintf(`{"searchQueries": [%q, %q, %q, %q, %q, %q, %q, %q, %q, %q]}`,
		queries[0], queries[1], queries[2], queries[3], queries[4],
		queries[5], queries[6], queries[7], queries[8], queries[9])

	st := &fakeStore{}
	w := &fakeWeb{resultsPerQuery: 3, pageChars: 1000}
	e := NewExecutor(st, caller, w, nil)

	_, err := e.Run(context.Background(), testStep())
	require.NoError(t, err)

	assert.LessOrEqual(t, w.searchCalls, capability.MaxQueriesPerStep,
		"10 supplied queries must execute at most %d", capability.MaxQueriesPerStep)
	assert.LessOrEqual(t, w.fetchCalls, capability.MaxFetchesPerStep)
}

func TestRun_ReviseCapsAtTwoAttempts(t *testing.T) {
	st := &fakeStore{}
	caller := newRoutingCaller()
	caller.critiques = []string{weakCritique} // every round scores weak
	e := NewExecutor(st, caller, &fakeWeb{resultsPerQuery: 3, pageChars: 1000}, nil)

	out, err := e.Run(context.Background(), testStep())
	require.NoError(t, err)
	assert.True(t, out.Revised)
	assert.Equal(t, 2, caller.reviseCalls)
	assert.Equal(t, 3, caller.critiqueCalls, "initial critique plus one re-critique per revise")
	assert.InDelta(t, 2.0, out.Score, 0.001, "post-revision scores are the ones reported")
}

func TestRun_MalformedCritiqueDefaultsToModerate(t *testing.T) {
	st := &fakeStore{}
	caller := newRoutingCaller()
	caller.critiques = []string{"I would rate this somewhere around average, hard to say."}
	e := NewExecutor(st, caller, &fakeWeb{resultsPerQuery: 3, pageChars: 1000}, nil)

	out, err := e.Run(context.Background(), testStep())
	require.NoError(t, err)
	assert.InDelta(t, 3.0, out.Score, 0.001)
	assert.False(t, out.Revised, "a malformed critique never triggers revision")
	assert.Equal(t, 0, caller.reviseCalls)
}

func TestRun_ThinSourcesTriggerOneRefinementRound(t *testing.T) {
	st := &fakeStore{}
	caller := newRoutingCaller()
	w := &fakeWeb{resultsPerQuery: 1, pageChars: 100} // nothing substantive
	e := NewExecutor(st, caller, w, nil)

	_, err := e.Run(context.Background(), testStep())
	require.NoError(t, err)
	assert.Equal(t, 1, caller.refineCalls, "exactly one refinement round when substance is thin")
}

func TestRun_SkipPipelineIsASingleCall(t *testing.T) {
	st := &fakeStore{}
	caller := newRoutingCaller()
	step := testStep()
	step.SkipPipeline = true
	e := NewExecutor(st, caller, nil, nil)

	out, err := e.Run(context.Background(), step)
	require.NoError(t, err)
	assert.NotEmpty(t, out.Artifact)
	assert.Len(t, caller.calls, 1)
	require.Len(t, st.phases, 1)
	assert.Equal(t, models.PhaseNameSynthesize, st.phases[0].Name)
}

func TestRun_SkipResearchSkipsDecomposeAndResearch(t *testing.T) {
	st := &fakeStore{}
	caller := newRoutingCaller()
	w := &fakeWeb{resultsPerQuery: 3, pageChars: 1000}
	step := testStep()
	step.SkipResearch = true
	e := NewExecutor(st, caller, w, nil)

	_, err := e.Run(context.Background(), step)
	require.NoError(t, err)
	assert.Equal(t, 0, w.searchCalls)
	require.NotEmpty(t, st.phases)
	assert.Equal(t, models.PhaseNameSynthesize, st.phases[0].Name)
}

func TestRun_CanceledMissionAbortsBeforeAnyPhase(t *testing.T) {
	st := &fakeStore{missionStatus: models.MissionStatusCanceled}
	caller := newRoutingCaller()
	e := NewExecutor(st, caller, &fakeWeb{resultsPerQuery: 3, pageChars: 1000}, nil)

	_, err := e.Run(context.Background(), testStep())
	require.ErrorIs(t, err, ErrCanceled)
	assert.Empty(t, st.phases)
	assert.Empty(t, caller.calls)
}

func TestParseCritique(t *testing.T) {
	t.Run("dataBacked aliases accuracy", func(t *testing.T) {
		crit := parseCritique(`{"scores": {"completeness": 4, "dataBacked": 2, "actionability": 4, "depth": 4}, "feedback": "weak sourcing"}`)
		assert.Equal(t, 2.0, crit.Dimensions["accuracy"])
		assert.True(t, crit.NeedsRevision(), "any dimension below 3.0 triggers revision")
	})

	t.Run("all threes is good enough", func(t *testing.T) {
		crit := parseCritique(`{"scores": {"completeness": 3, "accuracy": 3, "actionability": 3, "depth": 3}, "feedback": ""}`)
		assert.InDelta(t, 3.0, crit.Overall, 0.001)
		assert.False(t, crit.NeedsRevision())
	})

	t.Run("average below bar triggers revision", func(t *testing.T) {
		crit := parseCritique(`{"scores": {"completeness": 3, "accuracy": 3, "actionability": 3, "depth": 4.5}, "feedback": ""}`)
		assert.InDelta(t, 3.375, crit.Overall, 0.001)
		assert.True(t, crit.NeedsRevision())
	})

	t.Run("scores clamp to 1..5", func(t *testing.T) {
		crit := parseCritique(`{"scores": {"completeness": 9, "accuracy": 0, "actionability": 3, "depth": 3}, "feedback": ""}`)
		assert.Equal(t, 5.0, crit.Dimensions["completeness"])
		assert.Equal(t, 1.0, crit.Dimensions["accuracy"])
	})

	t.Run("missing dimension falls back to moderate", func(t *testing.T) {
		crit := parseCritique(`{"scores": {"completeness": 4}, "feedback": ""}`)
		assert.True(t, crit.Malformed)
		assert.InDelta(t, 3.0, crit.Overall, 0.001)
	})
}

func TestValidateCitations(t *testing.T) {
	sources := []Source{
		{URL: "https://example.com/a", Title: "A", CharCount: 1000},
		{URL: "https://example.com/b", Title: "B", CharCount: 1000},
	}

	t.Run("no citations scores zero", func(t *testing.T) {
		artifact := "The market is large and growing quickly, with many vendors competing on price and features."
		assert.Equal(t, 0.0, ValidateCitations(artifact, sources))
	})

	t.Run("half cited", func(t *testing.T) {
		artifact := "The market grew 12% last year according to https://example.com/a which tracks vendor revenue.\n\n" +
			"Competition is expected to intensify over the next several years as new entrants arrive."
		assert.InDelta(t, 0.5, ValidateCitations(artifact, sources), 0.001)
	})

	t.Run("unknown URLs do not count as citations", func(t *testing.T) {
		artifact := "Revenue doubled per https://made-up.example.net/report which we did not actually fetch at any point."
		assert.Equal(t, 0.0, ValidateCitations(artifact, sources))
		assert.Equal(t, []string{"https://made-up.example.net/report"}, UncitedURLs(artifact, sources))
	})

	t.Run("score stays within bounds", func(t *testing.T) {
		artifact := "Everything is cited here, see https://example.com/a and also https://example.com/b for details."
		score := ValidateCitations(artifact, sources)
		assert.GreaterOrEqual(t, score, 0.0)
		assert.LessOrEqual(t, score, 1.0)
	})

	t.Run("headings are not factual paragraphs", func(t *testing.T) {
		artifact := "# Market Overview Report For The Quarter\n\n" +
			"Revenue grew according to https://example.com/a with sustained demand across all segments."
		assert.InDelta(t, 1.0, ValidateCitations(artifact, sources), 0.001)
	})
}

func TestResolveArtifactTags(t *testing.T) {
	st := &fakeStore{}
	w := &fakeWeb{resultsPerQuery: 2, pageChars: 100}
	e := NewExecutor(st, newRoutingCaller(), w, nil)

	t.Run("search tag resolves within budget", func(t *testing.T) {
		budget := NewBudget()
		out := e.resolveArtifactTags(context.Background(), "Latest data: [WEB_SEARCH:crm market share]", budget)
		assert.Contains(t, out, `Search results for "crm market share"`)
		assert.Equal(t, 1, budget.QueriesUsed)
	})

	t.Run("exhausted budget leaves an unresolved marker", func(t *testing.T) {
		budget := &Budget{QueriesUsed: capability.MaxQueriesPerStep}
		out := e.resolveArtifactTags(context.Background(), "[WEB_SEARCH:anything]", budget)
		assert.Contains(t, out, "[unresolved WEB_SEARCH: query budget exhausted]")
	})

	t.Run("fetch and social tags inline page content", func(t *testing.T) {
		budget := NewBudget()
		out := e.resolveArtifactTags(context.Background(),
			"[WEB_FETCH:https://example.com/a] and [SOCIAL_POST:https://x.com/acme/status/1]", budget)
		assert.NotContains(t, out, "WEB_FETCH")
		assert.NotContains(t, out, "SOCIAL_POST")
		assert.Equal(t, 2, budget.FetchesUsed)
	})
}
