package retrieve

import (
	"strings"
)

// MaxExpansionVariants bounds how many rewritten queries are searched in
// addition to the original.
const MaxExpansionVariants = 2

// trimCutset strips surrounding punctuation before synonym lookup.
const trimCutset = `.,;:!?"'()[]{}`

// Expander produces rewritten query variants for lexical search. Each
// variant substitutes exactly one term with a synonym, keeping the rest
// of the query intact so phrase context survives.
type Expander struct {
	synonyms    map[string][]string
	maxVariants int
}

// NewExpander creates an Expander over the default prose synonym table.
func NewExpander() *Expander {
	return &Expander{
		synonyms:    ProseSynonyms,
		maxVariants: MaxExpansionVariants,
	}
}

// NewExpanderWithSynonyms creates an Expander with a custom table,
// used by tests.
func NewExpanderWithSynonyms(synonyms map[string][]string) *Expander {
	return &Expander{
		synonyms:    synonyms,
		maxVariants: MaxExpansionVariants,
	}
}

// Variants returns up to MaxExpansionVariants rewritten queries, in the
// order the replaced terms appear. Queries with no known terms return nil.
func (e *Expander) Variants(query string) []string {
	fields := strings.Fields(strings.ToLower(query))
	if len(fields) == 0 {
		return nil
	}

	seen := map[string]bool{strings.Join(fields, " "): true}
	var variants []string

	for i, f := range fields {
		term := strings.Trim(f, trimCutset)
		for _, syn := range e.synonyms[term] {
			rewritten := make([]string, len(fields))
			copy(rewritten, fields)
			rewritten[i] = syn
			v := strings.Join(rewritten, " ")
			if seen[v] {
				continue
			}
			seen[v] = true
			variants = append(variants, v)
			if len(variants) >= e.maxVariants {
				return variants
			}
		}
	}
	return variants
}
