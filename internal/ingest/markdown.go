package ingest

import (
	"context"
	"fmt"
	"log/slog"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

// frontmatterPattern matches a YAML frontmatter block at the start of a
// markdown file: ---\n...\n---
var frontmatterPattern = regexp.MustCompile(`(?s)^---\n(.+?)\n---[ \t]*\n?`)

// MarkdownParser handles markdown files. YAML frontmatter is stripped
// from the body and its scalar fields become document metadata.
type MarkdownParser struct{}

// Parse extracts the markdown body and frontmatter metadata.
func (MarkdownParser) Parse(_ context.Context, name string, data []byte) (*Parsed, error) {
	text := normalizeText(data)
	meta := map[string]string{"file_type": string(TypeMarkdown)}

	if m := frontmatterPattern.FindStringSubmatch(text); m != nil {
		fields, err := parseFrontmatter(m[1])
		if err != nil {
			// Malformed frontmatter stays in the body rather than
			// losing content.
			slog.Debug("ignoring malformed frontmatter",
				slog.String("source", name),
				slog.String("error", err.Error()))
		} else {
			for k, v := range fields {
				meta[k] = v
			}
			text = text[len(m[0]):]
		}
	}

	return &Parsed{Text: text, Metadata: meta}, nil
}

// parseFrontmatter decodes a YAML block into flat string metadata.
// Scalars are stringified and scalar lists joined with ", "; nested
// structures are dropped.
func parseFrontmatter(block string) (map[string]string, error) {
	var raw map[string]any
	if err := yaml.Unmarshal([]byte(block), &raw); err != nil {
		return nil, err
	}

	out := make(map[string]string, len(raw))
	for k, v := range raw {
		switch val := v.(type) {
		case string:
			out[k] = val
		case bool, int, int64, uint64, float64:
			out[k] = fmt.Sprintf("%v", val)
		case []any:
			var parts []string
			for _, item := range val {
				switch iv := item.(type) {
				case string:
					parts = append(parts, iv)
				case bool, int, int64, uint64, float64:
					parts = append(parts, fmt.Sprintf("%v", iv))
				}
			}
			if len(parts) > 0 {
				out[k] = strings.Join(parts, ", ")
			}
		}
	}
	return out, nil
}
