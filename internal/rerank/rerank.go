package rerank

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/Aman-CERP/ragserve/internal/cache"
	"github.com/Aman-CERP/ragserve/internal/config"
	"github.com/Aman-CERP/ragserve/internal/fingerprint"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
)

// Blend weights for the final candidate score.
const (
	rerankWeight = 0.6
	fusedWeight  = 0.4
)

// DefaultScoreBatch bounds how many documents go to the scorer per call.
const DefaultScoreBatch = 32

// defaultRerankK applies when the request carries no budget.
const defaultRerankK = 5

// Request is one rerank invocation.
type Request struct {
	Collection string
	Query      string
	// Fingerprint keys the score cache. Empty recomputes it from the
	// query and collection without filters, so callers that filtered
	// retrieval should pass the fingerprint along.
	Fingerprint string
	Candidates  []*retrieve.Candidate
	RerankK     int
}

// Result carries the reranked candidates plus how the stage got there.
type Result struct {
	Candidates []*retrieve.Candidate
	// Skipped is true when candidates passed through in fused order:
	// no scorer configured, backend down, or scoring failed.
	Skipped bool
	// CacheHits counts candidates whose score came from the cache.
	CacheHits int
	// Scored counts candidates sent to the scorer.
	Scored int
}

// Reranker rescores candidates and blends the result with their fused
// retrieval scores. A nil cache recomputes every score; a nil scorer
// passes candidates through in fused order.
type Reranker struct {
	scorer Scorer
	cache  cache.Cache
	batch  int
	log    *slog.Logger
}

// NewReranker creates the rerank stage.
func NewReranker(scorer Scorer, c cache.Cache, log *slog.Logger) *Reranker {
	if log == nil {
		log = slog.Default()
	}
	return &Reranker{
		scorer: scorer,
		cache:  c,
		batch:  DefaultScoreBatch,
		log:    log,
	}
}

// New builds the stage from configuration. Kind none yields a stage that
// always passes candidates through.
func New(ctx context.Context, cfg config.RerankConfig, c cache.Cache, log *slog.Logger) (*Reranker, error) {
	var scorer Scorer

	switch strings.TrimSpace(strings.ToLower(cfg.Kind)) {
	case "", KindLocal:
		scorer = NewLocalScorer()

	case KindRemote:
		var timeout time.Duration
		if cfg.RequestTimeout != "" {
			d, err := time.ParseDuration(cfg.RequestTimeout)
			if err != nil {
				return nil, fmt.Errorf("invalid rerank request_timeout %q: %w", cfg.RequestTimeout, err)
			}
			timeout = d
		}
		remote, err := NewRemoteScorer(ctx, RemoteScorerConfig{
			Endpoint: cfg.ServiceURL,
			Model:    cfg.Model,
			Timeout:  timeout,
			// Requests degrade to pass-through when the service is
			// down, so boot must not depend on it either.
			SkipHealthCheck: true,
		}, log)
		if err != nil {
			return nil, err
		}
		scorer = remote

	case KindNone:
		scorer = nil

	default:
		return nil, fmt.Errorf("unknown reranker kind %q", cfg.Kind)
	}

	return NewReranker(scorer, c, log), nil
}

// Close releases the scorer, if any.
func (r *Reranker) Close() error {
	if r.scorer == nil {
		return nil
	}
	return r.scorer.Close()
}

// Rerank rescores the candidates and returns the top RerankK by
// 0.6·rerank + 0.4·fused. Ties break by fused score, then chunk id.
// Cached scores are reused per (fingerprint, chunk); only misses reach
// the scorer, in batches. When the scorer is missing, down, or failing,
// candidates pass through in fused order. Both paths truncate to RerankK.
func (r *Reranker) Rerank(ctx context.Context, req Request) (*Result, error) {
	if len(req.Candidates) == 0 {
		return &Result{}, nil
	}

	k := req.RerankK
	if k <= 0 {
		k = defaultRerankK
	}
	k = min(k, len(req.Candidates))

	if r.scorer == nil || !r.scorer.Available(ctx) {
		return r.passThrough(req.Candidates, k), nil
	}

	fp := req.Fingerprint
	if fp == "" {
		fp = fingerprint.QueryFingerprint(req.Query, req.Collection, nil)
	}

	scores := make([]float64, len(req.Candidates))
	haveScore := make([]bool, len(req.Candidates))
	hits := 0
	if r.cache != nil {
		for i, c := range req.Candidates {
			if s, ok := cache.GetRerankScore(ctx, r.cache, fp, c.ChunkID); ok {
				scores[i] = s
				haveScore[i] = true
				hits++
			}
		}
	}

	var missIdx []int
	var missDocs []string
	for i, c := range req.Candidates {
		if !haveScore[i] {
			missIdx = append(missIdx, i)
			missDocs = append(missDocs, c.Text)
		}
	}

	for start := 0; start < len(missDocs); start += r.batch {
		end := min(start+r.batch, len(missDocs))

		batchScores, err := r.scorer.Score(ctx, req.Query, missDocs[start:end])
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			r.log.Warn("rerank_scoring_failed",
				slog.String("collection", req.Collection),
				slog.Int("documents", end-start),
				slog.String("error", err.Error()))
			return r.passThrough(req.Candidates, k), nil
		}

		for j, s := range batchScores {
			i := missIdx[start+j]
			scores[i] = s
			haveScore[i] = true
			if r.cache != nil {
				cache.SetRerankScore(ctx, r.cache, fp, req.Candidates[i].ChunkID, s,
					cache.CollectionTag(req.Collection))
			}
		}
	}

	out := make([]*retrieve.Candidate, len(req.Candidates))
	for i, c := range req.Candidates {
		cc := *c
		cc.RerankScore = scores[i]
		cc.FinalScore = rerankWeight*scores[i] + fusedWeight*c.FusedScore
		out[i] = &cc
	}
	sort.Slice(out, func(a, b int) bool {
		if out[a].FinalScore != out[b].FinalScore {
			return out[a].FinalScore > out[b].FinalScore
		}
		if out[a].FusedScore != out[b].FusedScore {
			return out[a].FusedScore > out[b].FusedScore
		}
		return out[a].ChunkID < out[b].ChunkID
	})

	r.log.Debug("rerank_complete",
		slog.String("collection", req.Collection),
		slog.Int("candidates", len(req.Candidates)),
		slog.Int("cache_hits", hits),
		slog.Int("scored", len(missDocs)),
		slog.Int("returned", k))

	return &Result{Candidates: out[:k], CacheHits: hits, Scored: len(missDocs)}, nil
}

// passThrough returns the top k candidates in their incoming fused order,
// with final scores mirroring the fused scores.
func (r *Reranker) passThrough(cands []*retrieve.Candidate, k int) *Result {
	out := make([]*retrieve.Candidate, 0, k)
	for _, c := range cands[:k] {
		cc := *c
		cc.FinalScore = cc.FusedScore
		out = append(out, &cc)
	}
	return &Result{Candidates: out, Skipped: true}
}
