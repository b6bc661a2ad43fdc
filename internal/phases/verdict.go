package phases

import "strings"

// VerdictFunc judges a review task's output. The evaluator is pluggable;
// callers wanting structured review formats can install their own.
type VerdictFunc func(reviewOutput string) bool

var negativeMarkers = []string{
	"fail",
	"reject",
	"changes requested",
	"needs work",
	"not approved",
}

var positiveMarkers = []string{
	"pass",
	"lgtm",
	"approved",
	"looks good",
	"ship it",
}

// DefaultVerdict keyword-matches the review output. Any negative marker
// fails the review even if positive markers are also present; with neither
// kind present the verdict is negative, since an inconclusive review should
// not advance an item.
func DefaultVerdict(reviewOutput string) bool {
	lower := strings.ToLower(reviewOutput)
	for _, marker := range negativeMarkers {
		if strings.Contains(lower, marker) {
			return false
		}
	}
	for _, marker := range positiveMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}
