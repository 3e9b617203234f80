// Package rerank rescores retrieval candidates against the query and blends
// the new scores with the fused retrieval scores. Scoring backends are
// pluggable: a deterministic local scorer, a remote scoring service, or
// none at all.
package rerank

import (
	"context"
)

// Scorer rates query-document pairs for relevance.
type Scorer interface {
	// Score returns one relevance score per document, aligned with the
	// input order. Scores are comparable within one call, not across
	// calls or backends.
	Score(ctx context.Context, query string, documents []string) ([]float64, error)

	// Available reports whether the backend can score right now.
	Available(ctx context.Context) bool

	// Close releases resources.
	Close() error
}

// Scorer kinds selected by configuration.
const (
	KindLocal  = "local_cross_encoder"
	KindRemote = "remote_service"
	KindNone   = "none"
)
