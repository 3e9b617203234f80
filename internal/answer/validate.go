package answer

import (
	"regexp"
	"strings"

	"github.com/Aman-CERP/ragserve/internal/token"
)

// citationPattern matches source markers like "Source 3" or "source 12".
var citationPattern = regexp.MustCompile(`(?i)\bsource\s+\d+\b`)

// hedgingPhrases flag answers that qualify instead of cite. Matching is
// case-insensitive substring, mirroring how they appear mid-sentence.
var hedgingPhrases = []string{
	"i believe",
	"i think",
	"in my opinion",
	"it seems",
	"probably",
	"maybe",
	"perhaps",
	"i assume",
}

// Validation failure reasons, surfaced in refusal responses.
const (
	ReasonTooLong      = "answer exceeded the token limit"
	ReasonNoCitations  = "answer lacked source citations"
	ReasonUnverifiable = "answer contained unverifiable language"
)

// validator checks generated text against the response rules.
type validator struct {
	counter            token.Counter
	maxTokens          int
	requireCitations   bool
	forbidUnverifiable bool
}

// check returns the first failed rule, or "" when the text passes.
// Model-side refusals skip the citation and hedging rules: a refusal has
// nothing to cite, and rejecting it would only replace one refusal with
// another.
func (v *validator) check(text string) string {
	if v.maxTokens > 0 && v.counter.Count(text) > v.maxTokens {
		return ReasonTooLong
	}
	if isRefusal(text) {
		return ""
	}
	if v.requireCitations && !citationPattern.MatchString(text) {
		return ReasonNoCitations
	}
	if v.forbidUnverifiable {
		lower := strings.ToLower(text)
		for _, phrase := range hedgingPhrases {
			if strings.Contains(lower, phrase) {
				return ReasonUnverifiable
			}
		}
	}
	return ""
}

// isRefusal reports whether the model declined for lack of evidence.
func isRefusal(text string) bool {
	return strings.Contains(strings.ToLower(text), "don't have enough information")
}
