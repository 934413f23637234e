package agent

import (
	"regexp"
	"strings"
)

var typeMarker = regexp.MustCompile(`(?i)\[\s*TYPE\s*:\s*(question|recommendation)\s*\]`)

// classify strips response-kind markers from text and decides the kind.
// A question marker wins over a recommendation marker. Without markers
// the answer is a recommendation only if places were collected.
func classify(text string, placeCount int) (string, ResponseType) {
	var sawQuestion, sawRecommendation bool
	for _, m := range typeMarker.FindAllStringSubmatch(text, -1) {
		if strings.EqualFold(m[1], "question") {
			sawQuestion = true
		} else {
			sawRecommendation = true
		}
	}

	cleaned := strings.TrimSpace(typeMarker.ReplaceAllString(text, ""))

	switch {
	case sawQuestion:
		return cleaned, ResponseQuestion
	case sawRecommendation:
		return cleaned, ResponseRecommendation
	case placeCount > 0:
		return cleaned, ResponseRecommendation
	default:
		return cleaned, ResponseQuestion
	}
}
