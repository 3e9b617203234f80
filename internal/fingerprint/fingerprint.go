// Package fingerprint provides the deterministic IDs and hashes used
// across indexing, deduplication, and caching.
//
// Every function here is pure: the same input produces the same output
// across processes and restarts. Hashes are never truncated below 128
// bits where a collision would be user-visible.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// fieldSep separates the hashed components of a fingerprint.
const fieldSep = "\x00"

// pairSep joins canonical metadata pairs.
const pairSep = "\x1f"

// Normalize lowercases text, strips punctuation, and collapses whitespace
// runs to single spaces. Used only for content hashing, never for the text
// that is indexed or returned to callers.
func Normalize(text string) string {
	var b strings.Builder
	b.Grow(len(text))

	pendingSpace := false
	for _, r := range text {
		switch {
		case unicode.IsSpace(r):
			pendingSpace = b.Len() > 0
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			if pendingSpace {
				b.WriteByte(' ')
				pendingSpace = false
			}
			b.WriteRune(unicode.ToLower(r))
		default:
			// Punctuation is dropped entirely
		}
	}

	return b.String()
}

// Canonical renders metadata as sorted k=v pairs joined by a separator
// that cannot appear in YAML or form values. Volatile fields (timestamps,
// vectors, scores) are excluded by the caller before hashing.
func Canonical(meta map[string]string) string {
	if len(meta) == 0 {
		return ""
	}

	keys := make([]string, 0, len(meta))
	for k := range meta {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	pairs := make([]string, len(keys))
	for i, k := range keys {
		pairs[i] = k + "=" + meta[k]
	}
	return strings.Join(pairs, pairSep)
}

// ContentHash returns the hex SHA-256 of normalized text plus canonical
// stable metadata. Two chunks with the same hash are duplicates.
func ContentHash(text string, meta map[string]string) string {
	h := sha256.New()
	h.Write([]byte(Normalize(text)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(Canonical(meta)))
	return hex.EncodeToString(h.Sum(nil))
}

// QueryFingerprint returns the hex SHA-256 identifying a query against a
// collection with a filter set. Used as the cache key for rerank scores
// and answers.
func QueryFingerprint(query, collection string, filters map[string]string) string {
	h := sha256.New()
	h.Write([]byte(query))
	h.Write([]byte(fieldSep))
	h.Write([]byte(collection))
	h.Write([]byte(fieldSep))
	h.Write([]byte(Canonical(filters)))
	return hex.EncodeToString(h.Sum(nil))
}

// ChunkID returns the deterministic chunk identifier derived from the
// chunk's position: collection, source, section index, and chunk index
// within the section. Re-chunking unchanged content reproduces the same
// IDs, which is what makes upserts idempotent. Truncated to 32 hex
// characters (128 bits).
func ChunkID(collection, source string, sectionIndex, chunkIndex int) string {
	h := sha256.New()
	h.Write([]byte(collection))
	h.Write([]byte(fieldSep))
	h.Write([]byte(source))
	h.Write([]byte(fieldSep))
	h.Write([]byte(strconv.Itoa(sectionIndex)))
	h.Write([]byte(fieldSep))
	h.Write([]byte(strconv.Itoa(chunkIndex)))
	return hex.EncodeToString(h.Sum(nil))[:32]
}
