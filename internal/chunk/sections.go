package chunk

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Heading patterns, tried in order. Markdown wins before the
// length-bounded heuristics.
var (
	// # Title through ###### Title
	markdownHeadingPattern = regexp.MustCompile(`^(#{1,6})\s+(.+)$`)

	// "1. Title", "2) Title", "1.2 Scope", "2.3.4 Details". A single
	// number requires its dot or parenthesis so years and quantities at
	// the start of a line stay in the body.
	numberedHeadingPattern = regexp.MustCompile(`^(\d+(?:\.\d+)+\.?|\d+[.)])\s+(.+)$`)

	// Short uppercase lines ("EXECUTIVE SUMMARY")
	allCapsPattern = regexp.MustCompile(`^[A-Z][A-Z0-9\s&/'-]+$`)

	// Short title lines ending with a colon ("Prerequisites:")
	titleColonPattern = regexp.MustCompile(`^[A-Z][A-Za-z0-9 &/'-]*:$`)
)

// Page separators. Matching lines advance the page counter and are
// dropped from section content.
var pageBreakPatterns = []*regexp.Regexp{
	regexp.MustCompile(`^\s*-{3,}\s*$`),
	regexp.MustCompile(`^\s*\*{3,}\s*$`),
	regexp.MustCompile(`(?i)^\s*Page\s+\d+\s*$`),
	regexp.MustCompile(`(?i)^\s*\[Page\s+\d+\]\s*$`),
}

type heading struct {
	title string
	level int
}

// ParseSections splits document text into sections at detected headings.
// Text before the first heading, or a whole document without headings,
// becomes an "Introduction" section. Empty sections are dropped, so
// Index values are dense.
func ParseSections(text string) []Section {
	lines := strings.Split(text, "\n")

	var sections []Section
	var body strings.Builder
	current := Section{Title: DefaultSectionTitle, Level: 0, Page: 1}
	page := 1

	flush := func() {
		content := body.String()
		if strings.TrimSpace(content) != "" {
			current.Content = content
			current.Index = len(sections)
			sections = append(sections, current)
		}
		body.Reset()
	}

	for _, line := range lines {
		if isPageBreak(line) {
			page++
			continue
		}

		if h, ok := detectHeading(line); ok {
			flush()
			current = Section{Title: h.title, Level: h.level, Page: page}
		}

		body.WriteString(line)
		body.WriteByte('\n')
	}
	flush()

	return sections
}

// detectHeading reports whether the line opens a new section.
func detectHeading(line string) (heading, bool) {
	line = strings.TrimSpace(line)
	if line == "" {
		return heading{}, false
	}

	if m := markdownHeadingPattern.FindStringSubmatch(line); m != nil {
		return heading{title: strings.TrimSpace(m[2]), level: len(m[1])}, true
	}

	if utf8.RuneCountInString(line) > maxHeadingLength {
		return heading{}, false
	}

	if m := numberedHeadingPattern.FindStringSubmatch(line); m != nil {
		title := strings.TrimSpace(m[2])
		// Numbered list items read as sentences; headings do not end
		// with a period.
		if !strings.HasSuffix(title, ".") {
			return heading{title: title, level: numberedLevel(m[1])}, true
		}
	}

	if utf8.RuneCountInString(line) <= maxCapsHeadingLength &&
		countLetters(line) >= 3 && allCapsPattern.MatchString(line) {
		return heading{title: line, level: 1}, true
	}

	if titleColonPattern.MatchString(line) {
		return heading{title: strings.TrimSuffix(line, ":"), level: 1}, true
	}

	return heading{}, false
}

// numberedLevel maps "1." to level 1, "1.2" to 2, "2.3.4" to 3.
func numberedLevel(num string) int {
	num = strings.TrimRight(num, ".)")
	level := strings.Count(num, ".") + 1
	if level > 6 {
		level = 6
	}
	return level
}

func countLetters(s string) int {
	n := 0
	for _, r := range s {
		if unicode.IsLetter(r) {
			n++
		}
	}
	return n
}

// isPageBreak reports whether the line is a page separator.
func isPageBreak(line string) bool {
	for _, p := range pageBreakPatterns {
		if p.MatchString(line) {
			return true
		}
	}
	return false
}

// ExtractDocTitle finds a document title: the first top-level markdown
// heading or short capitalized line among the leading lines, then the
// first short line anywhere, then "Untitled Document".
func ExtractDocTitle(text string) string {
	lines := strings.Split(text, "\n")

	limit := len(lines)
	if limit > titleScanLines {
		limit = titleScanLines
	}
	for _, line := range lines[:limit] {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		if after, ok := strings.CutPrefix(line, "# "); ok {
			return strings.TrimSpace(after)
		}

		r, _ := utf8.DecodeRuneInString(line)
		if utf8.RuneCountInString(line) < maxTitleLength &&
			unicode.IsUpper(r) && !strings.HasSuffix(line, ".") {
			return line
		}
	}

	for _, line := range lines {
		line = strings.TrimSpace(line)
		if line != "" && utf8.RuneCountInString(line) < maxTitleLength {
			return line
		}
	}

	return UntitledDocTitle
}
