package mcp

import (
	"fmt"
	"strings"
)

// formatAnswer renders an answer as markdown with its citation list.
func formatAnswer(out AskOutput) string {
	var sb strings.Builder

	if out.Refused {
		sb.WriteString("## No Grounded Answer\n\n")
		sb.WriteString(out.Answer)
		if out.RefusalReason != "" {
			sb.WriteString(fmt.Sprintf("\n\n_Reason: %s_\n", out.RefusalReason))
		}
		return sb.String()
	}

	sb.WriteString(out.Answer)
	sb.WriteString("\n")

	if len(out.Sources) > 0 {
		sb.WriteString("\n**Sources**\n\n")
		for _, src := range out.Sources {
			sb.WriteString(fmt.Sprintf("%d. %s", src.Index, src.Source))
			if src.SectionTitle != "" {
				sb.WriteString(fmt.Sprintf(" > %s", src.SectionTitle))
			}
			if src.Page != "" && src.Page != "0" {
				sb.WriteString(fmt.Sprintf(" (p. %s)", src.Page))
			}
			sb.WriteString(fmt.Sprintf(" (relevance: %.2f)\n", src.Relevance))
		}
	}

	sb.WriteString(fmt.Sprintf("\nConfidence: %.2f (strategy: %s)\n",
		out.Confidence, out.SearchStrategy))
	return sb.String()
}

// formatPassages renders retrieval candidates as markdown.
func formatPassages(query string, out RetrieveOutput) string {
	if len(out.Results) == 0 {
		return fmt.Sprintf("No passages found for %q", query)
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Passages for %q\n\n", query))
	sb.WriteString(fmt.Sprintf("Found %d passage", len(out.Results)))
	if len(out.Results) != 1 {
		sb.WriteString("s")
	}
	sb.WriteString(fmt.Sprintf(" (%s)", out.Strategy))
	if out.LexicalUnavailable {
		sb.WriteString(", lexical index unavailable")
	}
	sb.WriteString("\n\n")

	for i, p := range out.Results {
		sb.WriteString(fmt.Sprintf("### %d. %s", i+1, p.Source))
		if p.SectionTitle != "" {
			sb.WriteString(fmt.Sprintf(" > %s", p.SectionTitle))
		}
		sb.WriteString(fmt.Sprintf(" (score: %.3f)\n\n", p.Score))
		sb.WriteString(snippet(p.Text, 400))
		sb.WriteString("\n\n")
	}
	return sb.String()
}

// formatCollection renders collection_info as markdown.
func formatCollection(out CollectionInfoOutput) string {
	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("## Collection %q\n\n", out.Name))
	sb.WriteString(fmt.Sprintf("- Status: %s\n", out.Status))
	sb.WriteString(fmt.Sprintf("- Chunks: %d\n", out.ChunkCount))
	sb.WriteString(fmt.Sprintf("- Embedding model: %s (%d dimensions)\n",
		out.ModelID, out.Dimension))

	if len(out.Sources) > 0 {
		sb.WriteString(fmt.Sprintf("- Sources: %d\n\n", len(out.Sources)))
		sb.WriteString("| Source | Version | Chunks |\n|---|---|---|\n")
		for _, src := range out.Sources {
			version := src.Version
			if version == "" {
				version = "-"
			}
			sb.WriteString(fmt.Sprintf("| %s | %s | %d |\n",
				src.Source, version, src.ChunkCount))
		}
	}

	if out.Stats != nil && out.Stats.TotalQueries > 0 {
		sb.WriteString(fmt.Sprintf(
			"\n%d queries served, avg %.0f ms, cache hit rate %.0f%%, zero results %.0f%%\n",
			out.Stats.TotalQueries,
			out.Stats.AverageLatencyMS,
			out.Stats.CacheHitRate*100,
			out.Stats.ZeroResultRate*100))
	}
	return sb.String()
}

// snippet truncates text on a rune boundary with an ellipsis.
func snippet(text string, max int) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) <= max {
		return text
	}
	return string(runes[:max]) + "..."
}
