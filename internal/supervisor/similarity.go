package supervisor

import (
	"strings"
	"unicode"

	"github.com/haasonsaas/swarmcore/pkg/models"
)

// tokenize lowercases s, strips everything that isn't a letter or digit,
// and splits on the resulting whitespace runs, matching spec §4.4's
// "tokenized content (lowercased, punctuation stripped, whitespace
// split)".
func tokenize(s string) []string {
	s = strings.ToLower(s)
	return strings.FieldsFunc(s, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}

// jaccard returns the Jaccard similarity of the token sets underlying a
// and b: |A∩B| / |A∪B|. Two empty token sets are deemed identical.
func jaccard(a, b []string) float64 {
	setA := make(map[string]struct{}, len(a))
	for _, t := range a {
		setA[t] = struct{}{}
	}
	setB := make(map[string]struct{}, len(b))
	for _, t := range b {
		setB[t] = struct{}{}
	}
	if len(setA) == 0 && len(setB) == 0 {
		return 1
	}

	inter := 0
	for t := range setA {
		if _, ok := setB[t]; ok {
			inter++
		}
	}
	union := len(setA)
	for t := range setB {
		if _, ok := setA[t]; !ok {
			union++
		}
	}
	if union == 0 {
		return 0
	}
	return float64(inter) / float64(union)
}

// repeatedRatio computes, over the last 8 messages, the fraction of
// adjacent pairs whose content Jaccard similarity meets simThreshold
// (spec §4.4's repeatedRatio metric).
func repeatedRatio(messages []models.Message, simThreshold float64) float64 {
	window := messages
	if len(window) > 8 {
		window = window[len(window)-8:]
	}
	if len(window) < 2 {
		return 0
	}

	matches := 0
	for i := 1; i < len(window); i++ {
		sim := jaccard(tokenize(window[i-1].Content), tokenize(window[i].Content))
		if sim >= simThreshold {
			matches++
		}
	}
	return float64(matches) / float64(len(window)-1)
}

// completionMarkers is the fixed set of case-insensitive substrings
// whose presence in a root-group message signals task completion
// (spec §4.4).
var completionMarkers = []string{
	"final summary",
	"debate concluded",
	"最终总结",
	"最终结果",
	"任务完成",
	"辩论结束",
	"本场辩论圆满结束",
	"debate finished",
}

func containsCompletionMarker(content string) bool {
	lower := strings.ToLower(content)
	for _, marker := range completionMarkers {
		if strings.Contains(lower, strings.ToLower(marker)) {
			return true
		}
	}
	return false
}
