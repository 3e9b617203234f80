package rerank

import (
	"context"
	"math"
	"strings"
	"unicode"
)

// LocalScorer scores each document by the cosine similarity between query
// and document token multisets. It stands in for a model-backed cross
// encoder: no weights, no network, and identical scores on every run.
type LocalScorer struct{}

// Verify interface implementation at compile time
var _ Scorer = (*LocalScorer)(nil)

// NewLocalScorer creates a LocalScorer.
func NewLocalScorer() *LocalScorer {
	return &LocalScorer{}
}

// Score rates documents by token-multiset cosine against the query.
// Scores land in [0,1]; a document sharing no terms with the query scores 0.
func (s *LocalScorer) Score(_ context.Context, query string, documents []string) ([]float64, error) {
	q := termCounts(query)
	scores := make([]float64, len(documents))
	for i, doc := range documents {
		scores[i] = cosine(q, termCounts(doc))
	}
	return scores, nil
}

// Available always returns true for LocalScorer.
func (s *LocalScorer) Available(_ context.Context) bool {
	return true
}

// Close is a no-op for LocalScorer.
func (s *LocalScorer) Close() error {
	return nil
}

// termCounts lowercases the text and splits on every non-alphanumeric
// rune, returning the token multiset.
func termCounts(text string) map[string]int {
	counts := make(map[string]int)
	tokens := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	for _, tok := range tokens {
		counts[tok]++
	}
	return counts
}

// cosine computes cosine similarity between two token multisets. Either
// side empty scores 0.
func cosine(a, b map[string]int) float64 {
	if len(a) == 0 || len(b) == 0 {
		return 0
	}
	var dot int
	for term, n := range a {
		dot += n * b[term]
	}
	if dot == 0 {
		return 0
	}
	return float64(dot) / (multisetNorm(a) * multisetNorm(b))
}

func multisetNorm(m map[string]int) float64 {
	var sum int
	for _, n := range m {
		sum += n * n
	}
	return math.Sqrt(float64(sum))
}
