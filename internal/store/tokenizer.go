package store

import (
	"regexp"
	"strings"
)

// wordRegex matches alphanumeric word sequences.
var wordRegex = regexp.MustCompile(`[a-zA-Z0-9]+`)

// TokenizeText splits prose into lowercase word tokens, dropping tokens
// shorter than two characters. Used by the sqlite lexical backend to
// pre-process both documents and queries so they agree on terms.
func TokenizeText(text string) []string {
	words := wordRegex.FindAllString(text, -1)
	tokens := make([]string, 0, len(words))
	for _, word := range words {
		lower := strings.ToLower(word)
		if len(lower) >= 2 {
			tokens = append(tokens, lower)
		}
	}
	return tokens
}

// FilterStopWords removes stop words from a token list.
func FilterStopWords(tokens []string, stopWords map[string]struct{}) []string {
	result := make([]string, 0, len(tokens))
	for _, token := range tokens {
		if _, isStop := stopWords[strings.ToLower(token)]; !isStop {
			result = append(result, token)
		}
	}
	return result
}

// BuildStopWordMap converts a slice of stop words to a lookup map.
func BuildStopWordMap(stopWords []string) map[string]struct{} {
	m := make(map[string]struct{}, len(stopWords))
	for _, word := range stopWords {
		m[strings.ToLower(word)] = struct{}{}
	}
	return m
}

// DefaultStopWords are high-frequency English words excluded from the
// lexical index. Short function words only; domain terms always index.
var DefaultStopWords = []string{
	"a", "an", "and", "are", "as", "at", "be", "by", "for", "from",
	"has", "he", "in", "is", "it", "its", "of", "on", "or", "that",
	"the", "this", "to", "was", "were", "will", "with",
}
