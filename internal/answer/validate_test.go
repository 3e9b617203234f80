package answer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/Aman-CERP/ragserve/internal/token"
)

func newTestValidator() *validator {
	return &validator{
		counter:            token.NewHeuristicCounter(),
		maxTokens:          200,
		requireCitations:   true,
		forbidUnverifiable: true,
	}
}

func TestValidator_Check(t *testing.T) {
	tests := []struct {
		name string
		text string
		want string
	}{
		{
			name: "cited answer passes",
			text: "Rate limits default to 60 requests per minute (Source 1).",
			want: "",
		},
		{
			name: "lowercase citation passes",
			text: "The default is 60 rpm, see source 2 for details.",
			want: "",
		},
		{
			name: "missing citation",
			text: "Rate limits default to 60 requests per minute.",
			want: ReasonNoCitations,
		},
		{
			name: "plural sources without number is not a citation",
			text: "The sources describe rate limiting.",
			want: ReasonNoCitations,
		},
		{
			name: "hedging phrase",
			text: "It is probably 60 requests per minute (Source 1).",
			want: ReasonUnverifiable,
		},
		{
			name: "hedging detected case-insensitively",
			text: "I Think the limit is 60 (Source 1).",
			want: ReasonUnverifiable,
		},
		{
			name: "refusal skips citation and hedging rules",
			text: insufficientEvidence,
			want: "",
		},
		{
			name: "over the token cap",
			text: strings.Repeat("Source 1 says the limit applies here. ", 40),
			want: ReasonTooLong,
		},
	}

	v := newTestValidator()
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, v.check(tt.text))
		})
	}
}

func TestValidator_RulesCanBeDisabled(t *testing.T) {
	v := &validator{
		counter:            token.NewHeuristicCounter(),
		maxTokens:          200,
		requireCitations:   false,
		forbidUnverifiable: false,
	}

	assert.Empty(t, v.check("The default is 60 rpm."), "citations optional")
	assert.Empty(t, v.check("It is probably 60 rpm."), "hedging allowed")
}

func TestValidator_TokenCapAppliesToRefusals(t *testing.T) {
	v := &validator{
		counter:          token.NewHeuristicCounter(),
		maxTokens:        5,
		requireCitations: true,
	}

	// Even a refusal must respect the cap; the cap check runs first.
	assert.Equal(t, ReasonTooLong, v.check(insufficientEvidence))
}

func TestIsRefusal(t *testing.T) {
	assert.True(t, isRefusal(insufficientEvidence))
	assert.True(t, isRefusal("I DON'T HAVE ENOUGH INFORMATION to say."))
	assert.False(t, isRefusal("Rate limits default to 60 rpm (Source 1)."))
	assert.False(t, isRefusal(""))
}
