package answer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/token"
)

func promptCand(id, source, text string, fused float64) *retrieve.Candidate {
	return &retrieve.Candidate{
		ChunkID: id,
		Text:    text,
		Metadata: map[string]string{
			store.MetaSource:       source,
			store.MetaSectionTitle: "Body",
			store.MetaPage:         "0",
		},
		FusedScore: fused,
	}
}

func TestBuildUserPrompt_EnumeratesSources(t *testing.T) {
	cands := []*retrieve.Candidate{
		promptCand("c1", "guide.md", "Rate limits default to 60 rpm.", 0.8),
		promptCand("c2", "faq.md", "Bursts allow 10 requests.", 0.5),
	}

	prompt := buildUserPrompt("what are the rate limits", cands)

	assert.Contains(t, prompt, "Question: what are the rate limits")
	assert.Contains(t, prompt, "Source 1: guide.md - Section: Body (relevance 0.80)")
	assert.Contains(t, prompt, "Rate limits default to 60 rpm.")
	assert.Contains(t, prompt, "Source 2: faq.md - Section: Body (relevance 0.50)")
	assert.Contains(t, prompt, "Answer with citations:")
	// Numbering follows candidate order
	assert.Less(t, strings.Index(prompt, "Source 1:"), strings.Index(prompt, "Source 2:"))
}

func TestSourceHeading_OmitsEmptyParts(t *testing.T) {
	// Given: a candidate with no section and page zero
	c := &retrieve.Candidate{
		ChunkID:    "c1",
		Text:       "text",
		Metadata:   map[string]string{store.MetaSource: "doc.md", store.MetaPage: "0"},
		FusedScore: 0.5,
	}

	heading := sourceHeading(1, c)

	assert.Equal(t, "Source 1: doc.md (relevance 0.50)", heading)
}

func TestSourceHeading_IncludesPage(t *testing.T) {
	c := &retrieve.Candidate{
		ChunkID: "c1",
		Text:    "text",
		Metadata: map[string]string{
			store.MetaSource:       "manual.pdf",
			store.MetaSectionTitle: "Quotas",
			store.MetaPage:         "4",
		},
		FusedScore: 0.83,
	}

	heading := sourceHeading(2, c)

	assert.Equal(t, "Source 2: manual.pdf - Section: Quotas - Page 4 (relevance 0.83)", heading)
}

func TestBuildSystemPrompt_EmbedsTokenCap(t *testing.T) {
	prompt := buildSystemPrompt(500)

	assert.Contains(t, prompt, "under 500 tokens")
	assert.Contains(t, prompt, insufficientEvidence)
}

func TestBudgetContexts_KeepsEverythingWithinBudget(t *testing.T) {
	counter := token.NewHeuristicCounter()
	cands := []*retrieve.Candidate{
		promptCand("top", "a.md", "short text", 0.9),
		promptCand("mid", "b.md", "another short text", 0.5),
	}

	kept := budgetContexts("question", cands, counter, 100000, 500)

	require.Len(t, kept, 2)
	assert.Equal(t, "top", kept[0].ChunkID)
	assert.Equal(t, "mid", kept[1].ChunkID)
}

func TestBudgetContexts_EvictsLowestFusedFirst(t *testing.T) {
	// Given: two evictable candidates of equal length, different fused
	counter := token.NewHeuristicCounter()
	long := strings.Repeat("word ", 80)
	cands := []*retrieve.Candidate{
		promptCand("top", "a.md", "the best matching chunk", 0.9),
		promptCand("high", "b.md", long, 0.5),
		promptCand("low", "c.md", long, 0.2),
	}
	full := counter.Count(buildSystemPrompt(500)) + counter.Count(buildUserPrompt("q", cands))

	// When: the budget forces one eviction
	kept := budgetContexts("q", cands, counter, full-10, 500)

	// Then: the lowest-fused candidate goes first, order survives
	require.Len(t, kept, 2)
	assert.Equal(t, "top", kept[0].ChunkID)
	assert.Equal(t, "high", kept[1].ChunkID)
}

func TestBudgetContexts_TieEvictsLongestFirst(t *testing.T) {
	// Given: evictable candidates with equal fused scores, one much longer
	counter := token.NewHeuristicCounter()
	cands := []*retrieve.Candidate{
		promptCand("top", "a.md", "the best matching chunk", 0.9),
		promptCand("short", "b.md", "tiny", 0.3),
		promptCand("long", "c.md", strings.Repeat("word ", 120), 0.3),
	}
	full := counter.Count(buildSystemPrompt(500)) + counter.Count(buildUserPrompt("q", cands))

	// When: one eviction suffices
	kept := budgetContexts("q", cands, counter, full-10, 500)

	// Then: the longer text is evicted
	require.Len(t, kept, 2)
	assert.Equal(t, "top", kept[0].ChunkID)
	assert.Equal(t, "short", kept[1].ChunkID)
}

func TestBudgetContexts_NeverEvictsTopCandidate(t *testing.T) {
	// Given: a top candidate with the lowest fused score of the set
	counter := token.NewHeuristicCounter()
	cands := []*retrieve.Candidate{
		promptCand("top", "a.md", strings.Repeat("alpha ", 100), 0.1),
		promptCand("b", "b.md", strings.Repeat("beta ", 100), 0.9),
		promptCand("c", "c.md", strings.Repeat("gamma ", 100), 0.8),
	}
	overhead := counter.Count(buildSystemPrompt(500)) +
		counter.Count(buildUserPrompt("q", cands[:1])) -
		counter.Count(cands[0].Text)
	budget := overhead + 40

	// When: the budget cannot hold even one full text
	kept := budgetContexts("q", cands, counter, budget, 500)

	// Then: only the top candidate remains, clipped to fit
	require.Len(t, kept, 1)
	assert.Equal(t, "top", kept[0].ChunkID)
	assert.NotEmpty(t, kept[0].Text)
	assert.Less(t, len(kept[0].Text), len(strings.Repeat("alpha ", 100)))

	// Rune counting rounds down, so allow one token of slack.
	total := counter.Count(buildSystemPrompt(500)) + counter.Count(buildUserPrompt("q", kept))
	assert.LessOrEqual(t, total, budget+1)
}

func TestBudgetContexts_DoesNotMutateInput(t *testing.T) {
	counter := token.NewHeuristicCounter()
	long := strings.Repeat("word ", 100)
	cands := []*retrieve.Candidate{
		promptCand("top", "a.md", long, 0.9),
		promptCand("b", "b.md", long, 0.5),
	}
	full := counter.Count(buildSystemPrompt(500)) + counter.Count(buildUserPrompt("q", cands))

	_ = budgetContexts("q", cands, counter, full-10, 500)

	assert.Len(t, cands, 2)
	assert.Equal(t, long, cands[0].Text)
}

func TestClipToTokens(t *testing.T) {
	counter := token.NewHeuristicCounter()
	text := strings.Repeat("a", 100)

	clipped := clipToTokens(text, counter, 10)
	assert.LessOrEqual(t, counter.Count(clipped), 10)
	assert.Less(t, len(clipped), len(text))
	assert.NotEmpty(t, clipped)

	assert.Equal(t, text, clipToTokens(text, counter, 1000), "fits untouched")
	assert.Empty(t, clipToTokens(text, counter, 0))
}
