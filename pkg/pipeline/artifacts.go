package pipeline

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/foreman-hq/foreman/pkg/capability"
	"github.com/foreman-hq/foreman/pkg/web"
)

// Artifact tags the synthesis output may embed. The executor resolves them
// after synthesis, within whatever budget the research phase left.
var artifactTagPattern = regexp.MustCompile(`\[(WEB_SEARCH|WEB_FETCH|SOCIAL_POST):([^\]]+)\]`)

// artifactTagExcerptChars bounds each inlined resolution so a single tag
// cannot balloon the artifact.
const artifactTagExcerptChars = 2000

// resolveArtifactTags replaces embedded [WEB_SEARCH:q], [WEB_FETCH:u], and
// [SOCIAL_POST:u] tags with live results. Tags the budget cannot afford are
// replaced with an explicit unresolved marker rather than left in the
// deliverable.
func (e *Executor) resolveArtifactTags(ctx context.Context, artifact string, budget *Budget) string {
	return artifactTagPattern.ReplaceAllStringFunc(artifact, func(tag string) string {
		m := artifactTagPattern.FindStringSubmatch(tag)
		kind, arg := m[1], strings.TrimSpace(m[2])

		if e.web == nil {
			return unresolvedTag(kind, "web access disabled")
		}
		switch kind {
		case "WEB_SEARCH":
			return e.resolveSearchTag(ctx, arg, budget)
		case "WEB_FETCH", "SOCIAL_POST":
			// Social URLs pass through the fetch path; the client rewrites
			// them onto the public JSON mirror host.
			return e.resolveFetchTag(ctx, arg, budget)
		}
		return tag
	})
}

func (e *Executor) resolveSearchTag(ctx context.Context, query string, budget *Budget) string {
	if !budget.TakeQuery() {
		return unresolvedTag("WEB_SEARCH", "query budget exhausted")
	}
	results, err := e.web.SearchWeb(ctx, query, capability.MaxURLsPerQuery)
	if err != nil {
		e.logger.Warn("Artifact search tag failed", "query", query, "error", err)
		return unresolvedTag("WEB_SEARCH", "search failed")
	}
	return formatSearchResults(query, results)
}

func (e *Executor) resolveFetchTag(ctx context.Context, pageURL string, budget *Budget) string {
	if !budget.TakeFetch() {
		return unresolvedTag("WEB_FETCH", "fetch budget exhausted")
	}
	page, err := e.web.FetchPage(ctx, pageURL, artifactTagExcerptChars)
	if err != nil {
		e.logger.Warn("Artifact fetch tag failed", "url", pageURL, "error", err)
		return unresolvedTag("WEB_FETCH", "fetch failed")
	}
	return fmt.Sprintf("%s (%s):\n%s", page.Title, page.URL, page.Content)
}

func formatSearchResults(query string, results []web.SearchResult) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Search results for %q:\n", query)
	if len(results) == 0 {
		b.WriteString("(no results)\n")
	}
	for _, r := range results {
		fmt.Fprintf(&b, "- %s — %s\n  %s\n", r.Title, r.URL, r.Snippet)
	}
	return strings.TrimRight(b.String(), "\n")
}

func unresolvedTag(kind, reason string) string {
	return fmt.Sprintf("[unresolved %s: %s]", kind, reason)
}
