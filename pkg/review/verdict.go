package review

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"

	"github.com/foreman-hq/foreman/pkg/models"
)

// reviewCriteria are the rubric criteria, in prompt order.
var reviewCriteria = []string{"relevance", "depth", "actionability", "accuracy", "executive quality"}

// Verdict is one parsed review response.
type Verdict struct {
	Scores   map[string]float64
	Overall  float64
	Approved bool
	// AutoRejected marks an APPROVE verdict flipped because the overall
	// score contradicted it.
	AutoRejected bool
	Feedback     string
}

var (
	approvePattern  = regexp.MustCompile(`(?i)\[APPROVE\]`)
	rejectPattern   = regexp.MustCompile(`(?i)\[REJECT\]`)
	overallPattern  = regexp.MustCompile(`(?i)overall[^0-9]{0,20}([0-9](?:\.[0-9]+)?)`)
	feedbackPattern = regexp.MustCompile(`(?is)FEEDBACK:?\s*(.+)$`)
)

// ParseVerdict extracts scores, the verdict tag, and the feedback block from
// a free-form review response. Ambiguity defaults to approve so a flaky
// reviewer never blocks the queue; the auto-reject override then catches
// approvals whose own scores contradict them.
func ParseVerdict(content string) Verdict {
	v := Verdict{Scores: make(map[string]float64), Approved: true}

	for _, criterion := range reviewCriteria {
		pattern := regexp.MustCompile(`(?i)` + strings.ReplaceAll(criterion, " ", `[ _]`) + `[^0-9]{0,20}([0-9](?:\.[0-9]+)?)`)
		if m := pattern.FindStringSubmatch(content); m != nil {
			if score, err := strconv.ParseFloat(m[1], 64); err == nil {
				v.Scores[criterion] = score
			}
		}
	}

	overallParsed := false
	if m := overallPattern.FindStringSubmatch(content); m != nil {
		if score, err := strconv.ParseFloat(m[1], 64); err == nil {
			v.Overall = score
			overallParsed = true
		}
	}
	if !overallParsed && len(v.Scores) > 0 {
		sum := 0.0
		for _, s := range v.Scores {
			sum += s
		}
		v.Overall = sum / float64(len(v.Scores))
		overallParsed = true
	}

	switch {
	case rejectPattern.MatchString(content):
		v.Approved = false
	case approvePattern.MatchString(content):
		v.Approved = true
	}

	// Auto-reject override: an approve whose own overall score says the work
	// is below bar flips to reject. Only applies when scores actually parsed.
	if v.Approved && overallParsed && v.Overall < 3 {
		v.Approved = false
		v.AutoRejected = true
	}

	if m := feedbackPattern.FindStringSubmatch(content); m != nil {
		v.Feedback = strings.TrimSpace(m[1])
	} else {
		v.Feedback = strings.TrimSpace(content)
	}
	return v
}

// buildReviewPrompt assembles the structured review request: the user's
// original words, the task, the deliverable, the rubric, and the required
// response sections.
func (p *Processor) buildReviewPrompt(ctx context.Context, approval *models.Approval,
	step *models.Step, assignee *models.Agent) string {
	var b strings.Builder

	if original := p.originalRequest(ctx, step.MissionID); original != "" {
		fmt.Fprintf(&b, "ORIGINAL USER REQUEST:\n%s\n\n", original)
	}
	fmt.Fprintf(&b, "TASK:\n%s\n", step.Description)
	if step.AcceptanceCriteria != "" {
		fmt.Fprintf(&b, "\nACCEPTANCE CRITERIA:\n%s\n", step.AcceptanceCriteria)
	}
	fmt.Fprintf(&b, "\nDELIVERABLE:\n%s\n", step.Result)

	if approval.ReviewType == models.ReviewTypeQA && assignee.Role != "engineer" {
		b.WriteString(`
SCOPE LIMITATION: you are the QA reviewer, not a domain expert. Judge only
technical quality, citation integrity, and whether the acceptance criteria
are met. Do not second-guess domain conclusions.
`)
	}

	b.WriteString(`
Score each criterion 1-5: Relevance, Depth, Actionability, Accuracy, Executive Quality.

Respond with exactly these sections:
SCORES:
Relevance: <n>
Depth: <n>
Actionability: <n>
Accuracy: <n>
Executive Quality: <n>
Overall: <n>
VERDICT: [APPROVE] or [REJECT]
FEEDBACK:
<what must change, or what made this pass>`)
	return b.String()
}

// buildUpskillPrompt asks for a skill-gap diagnosis across all rejection
// feedback on one step.
func buildUpskillPrompt(step *models.Step, feedbacks []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "TASK THE AGENT KEPT FAILING:\n%s\n\nREJECTION FEEDBACK, OLDEST FIRST:\n", step.Description)
	for i, f := range feedbacks {
		fmt.Fprintf(&b, "%d. %s\n", i+1, f)
	}
	b.WriteString(`
Respond with exactly two lines:
SKILL_GAP: <the recurring weakness>
EXPERTISE_ADDITION: <one paragraph of persona text that closes the gap>`)
	return b.String()
}

var (
	skillGapPattern  = regexp.MustCompile(`(?im)^SKILL_GAP:\s*(.+)$`)
	expertisePattern = regexp.MustCompile(`(?is)EXPERTISE_ADDITION:\s*(.+)$`)
)

// parseUpskillResponse extracts the labeled lines; missing labels read as
// empty and skip the upgrade.
func parseUpskillResponse(content string) (gap, expertise string) {
	if m := skillGapPattern.FindStringSubmatch(content); m != nil {
		gap = strings.TrimSpace(m[1])
	}
	if m := expertisePattern.FindStringSubmatch(content); m != nil {
		expertise = strings.TrimSpace(m[1])
	}
	return gap, expertise
}
