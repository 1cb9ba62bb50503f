package planner

import "strings"

// maxTopicTags caps the tag set derived from one directive.
const maxTopicTags = 8

// topicStopwords are common words that carry no retrieval signal.
var topicStopwords = map[string]bool{
	"about": true, "after": true, "against": true, "analysis": true,
	"before": true, "being": true, "between": true, "could": true,
	"create": true, "draft": true, "every": true, "from": true,
	"have": true, "into": true, "make": true, "more": true, "most": true,
	"need": true, "over": true, "please": true, "produce": true,
	"report": true, "should": true, "some": true, "that": true,
	"their": true, "then": true, "these": true, "this": true,
	"under": true, "what": true, "when": true, "where": true,
	"which": true, "will": true, "with": true, "would": true,
	"write": true, "your": true,
}

// DeriveTopicTags tokenizes a directive into lowercase tags used for approach
// memory retrieval: words of four letters or more, stopwords removed,
// deduplicated, capped at maxTopicTags.
func DeriveTopicTags(directive string) []string {
	fields := strings.FieldsFunc(strings.ToLower(directive), func(r rune) bool {
		return !(r >= 'a' && r <= 'z') && !(r >= '0' && r <= '9')
	})

	seen := make(map[string]bool, len(fields))
	tags := make([]string, 0, maxTopicTags)
	for _, word := range fields {
		if len(word) < 4 || topicStopwords[word] || seen[word] {
			continue
		}
		seen[word] = true
		tags = append(tags, word)
		if len(tags) == maxTopicTags {
			break
		}
	}
	return tags
}
