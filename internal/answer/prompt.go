package answer

import (
	"fmt"
	"sort"
	"strings"

	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/token"
)

// insufficientEvidence is the exact reply the model is told to give when
// the sources cannot support an answer. Refusal detection matches its
// core phrase, so keep the two in sync.
const insufficientEvidence = "I don't have enough information in the provided sources to answer this question."

// systemPromptFormat carries the grounding rules. The one verb slot is
// the answer token cap.
const systemPromptFormat = `You are a documentation assistant. Answer questions using ONLY the numbered sources provided in the message.

Rules:
1. Use only information from the provided sources. Never use outside knowledge.
2. Cite every factual claim with its source number, written as "Source N".
3. If the sources do not contain enough information, reply exactly: "%s"
4. Do not speculate or hedge. Never write phrases like "I think", "probably", or "it seems".
5. Keep the answer under %d tokens.`

// buildSystemPrompt returns the grounding system prompt.
func buildSystemPrompt(maxTokens int) string {
	return fmt.Sprintf(systemPromptFormat, insufficientEvidence, maxTokens)
}

// buildUserPrompt enumerates the candidates as numbered sources under the
// question. Each entry carries origin, section, page, and relevance so
// the model can weigh and cite them.
func buildUserPrompt(question string, cands []*retrieve.Candidate) string {
	var b strings.Builder
	b.WriteString("Question: ")
	b.WriteString(question)
	b.WriteString("\n\nSources:\n")

	for i, c := range cands {
		b.WriteString("\n")
		b.WriteString(sourceHeading(i+1, c))
		b.WriteString("\n")
		b.WriteString(c.Text)
		b.WriteString("\n")
	}

	b.WriteString("\nAnswer with citations:")
	return b.String()
}

// sourceHeading formats one enumerated source line, e.g.
// "Source 2: guide.md - Section: Rate Limits - Page 4 (relevance 0.83)".
func sourceHeading(n int, c *retrieve.Candidate) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Source %d: %s", n, sourceName(c))
	if section := c.Metadata[store.MetaSectionTitle]; section != "" {
		fmt.Fprintf(&b, " - Section: %s", section)
	}
	if page := c.Metadata[store.MetaPage]; page != "" && page != "0" {
		fmt.Fprintf(&b, " - Page %s", page)
	}
	fmt.Fprintf(&b, " (relevance %.2f)", c.FusedScore)
	return b.String()
}

func sourceName(c *retrieve.Candidate) string {
	if s := c.Metadata[store.MetaSource]; s != "" {
		return s
	}
	return "unknown"
}

// budgetContexts keeps the prompt within maxContextTokens. The fixed
// prompt parts (system prompt, question, per-source headings) count
// against the budget; candidate texts fill what remains. Eviction drops
// the lowest-fused candidate first, preferring the longest text within a
// fused tie, and never touches the top candidate. If the top candidate
// alone overflows, its text is clipped to fit.
func budgetContexts(question string, cands []*retrieve.Candidate, counter token.Counter, maxContextTokens, maxTokens int) []*retrieve.Candidate {
	if len(cands) == 0 {
		return cands
	}

	kept := make([]*retrieve.Candidate, len(cands))
	copy(kept, cands)

	total := func() int {
		return counter.Count(buildSystemPrompt(maxTokens)) +
			counter.Count(buildUserPrompt(question, kept))
	}

	if total() <= maxContextTokens {
		return kept
	}

	// Eviction order over everything but the top candidate.
	order := make([]*retrieve.Candidate, len(kept)-1)
	copy(order, kept[1:])
	sort.SliceStable(order, func(a, b int) bool {
		if order[a].FusedScore != order[b].FusedScore {
			return order[a].FusedScore < order[b].FusedScore
		}
		return counter.Count(order[a].Text) > counter.Count(order[b].Text)
	})

	for _, victim := range order {
		if total() <= maxContextTokens {
			break
		}
		for i, c := range kept {
			if c == victim {
				kept = append(kept[:i], kept[i+1:]...)
				break
			}
		}
	}

	if total() > maxContextTokens {
		top := *kept[0]
		overhead := total() - counter.Count(top.Text)
		top.Text = clipToTokens(top.Text, counter, max(0, maxContextTokens-overhead))
		kept[0] = &top
	}

	return kept
}

// clipToTokens returns the longest prefix of text that counts at most
// budget tokens, found by binary search over rune boundaries.
func clipToTokens(text string, counter token.Counter, budget int) string {
	if budget <= 0 {
		return ""
	}
	if counter.Count(text) <= budget {
		return text
	}

	runes := []rune(text)
	lo, hi := 0, len(runes)
	for lo < hi {
		mid := (lo + hi + 1) / 2
		if counter.Count(string(runes[:mid])) <= budget {
			lo = mid
		} else {
			hi = mid - 1
		}
	}
	return string(runes[:lo])
}
