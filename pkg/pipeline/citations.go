package pipeline

import "strings"

// minFactualParagraphChars separates prose paragraphs that make claims from
// headings and connective fragments.
const minFactualParagraphChars = 40

// ValidateCitations scores how much of the artifact's factual prose cites a
// source from the gathered list. The score is the fraction of factual
// paragraphs containing at least one known source URL, clamped to [0,1];
// an artifact with no citations scores 0.
func ValidateCitations(artifact string, sources []Source) float64 {
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[normalizeURL(s.URL)] = true
	}

	total, cited := 0, 0
	for _, para := range strings.Split(artifact, "\n\n") {
		para = strings.TrimSpace(para)
		if len(para) < minFactualParagraphChars || strings.HasPrefix(para, "#") {
			continue
		}
		total++
		for _, u := range urlPattern.FindAllString(para, -1) {
			if known[normalizeURL(u)] {
				cited++
				break
			}
		}
	}
	if total == 0 || cited == 0 {
		return 0
	}
	score := float64(cited) / float64(total)
	if score > 1 {
		score = 1
	}
	return score
}

// UncitedURLs lists artifact URLs absent from the source list. Surfaced in
// phase metadata so reviewers can spot fabricated references.
func UncitedURLs(artifact string, sources []Source) []string {
	known := make(map[string]bool, len(sources))
	for _, s := range sources {
		known[normalizeURL(s.URL)] = true
	}
	seen := make(map[string]bool)
	var out []string
	for _, u := range urlPattern.FindAllString(artifact, -1) {
		norm := normalizeURL(u)
		if known[norm] || seen[norm] {
			continue
		}
		seen[norm] = true
		out = append(out, u)
	}
	return out
}

// normalizeURL strips trailing punctuation and slashes that citation styles
// add around URLs.
func normalizeURL(u string) string {
	return strings.TrimRight(u, "./,;:)")
}
