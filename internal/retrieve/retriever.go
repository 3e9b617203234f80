// Package retrieve runs the hybrid retrieval stage: dense and lexical
// searches fan out concurrently, scores are normalized and fused by the
// plan's weights, and the top candidates come back hydrated with chunk
// text and metadata. Fused results are cached per query fingerprint and
// invalidated when the collection changes.
package retrieve

import (
	"context"
	"log/slog"
	"sort"

	"golang.org/x/sync/errgroup"

	"github.com/Aman-CERP/ragserve/internal/cache"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/fingerprint"
	"github.com/Aman-CERP/ragserve/internal/plan"
	"github.com/Aman-CERP/ragserve/internal/store"
)

// Defaults applied when the caller supplies no plan.
const (
	defaultRetrieveK = 10
	defaultWeight    = 0.5
)

// Candidate is one retrieval result flowing through the query pipeline.
// DenseScore and LexicalScore are min-max normalized to [0,1]; an absent
// side is 0. RerankScore and FinalScore are filled by the rerank stage.
type Candidate struct {
	ChunkID      string            `json:"chunk_id"`
	Text         string            `json:"text"`
	Metadata     map[string]string `json:"metadata,omitempty"`
	DenseScore   float64           `json:"dense_score"`
	LexicalScore float64           `json:"lexical_score"`
	FusedScore   float64           `json:"fused_score"`
	RerankScore  float64           `json:"rerank_score"`
	FinalScore   float64           `json:"final_score"`
	InBoth       bool              `json:"-"`
}

// Request carries one retrieval invocation.
type Request struct {
	Collection string
	Query      string
	Vector     []float32
	Plan       plan.Plan
	Filters    map[string]string
}

// Result is the ranked candidate list plus degradation flags the caller
// reports on its span.
type Result struct {
	Candidates         []*Candidate
	LexicalUnavailable bool
	FromCache          bool
}

// Retriever fuses dense and lexical search over one catalog.
type Retriever struct {
	catalog  *store.Catalog
	cache    cache.Cache
	expander *Expander
	log      *slog.Logger
}

// NewRetriever creates a Retriever. The cache may be nil, which disables
// result caching.
func NewRetriever(catalog *store.Catalog, c cache.Cache, log *slog.Logger) *Retriever {
	if log == nil {
		log = slog.Default()
	}
	return &Retriever{
		catalog:  catalog,
		cache:    c,
		expander: NewExpander(),
		log:      log,
	}
}

// Retrieve runs both searches at twice the plan's retrieval budget, fuses
// the normalized scores, and returns the top candidates. A failed lexical
// search degrades to dense-only; a failed dense search fails the request.
// A zero lexical weight skips the lexical side entirely.
func (r *Retriever) Retrieve(ctx context.Context, req Request) (*Result, error) {
	if req.Collection == "" || req.Query == "" || len(req.Vector) == 0 {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"retrieval needs a collection, query text, and query vector", nil)
	}
	req = applyDefaults(req)

	fp := fingerprint.QueryFingerprint(req.Query, req.Collection, req.Filters)
	if r.cache != nil {
		if hits, ok := cache.GetVectorHits(ctx, r.cache, fp); ok {
			return &Result{Candidates: candidatesFromHits(hits), FromCache: true}, nil
		}
	}

	coll, err := r.catalog.Get(ctx, req.Collection)
	if err != nil {
		return nil, err
	}

	fanout := 2 * req.Plan.RetrieveK

	var (
		denseRes []*store.VectorResult
		lexRes   []*store.LexicalResult
		denseErr error
		lexErr   error
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		denseRes, denseErr = coll.Vector.Search(gctx, req.Vector, fanout, req.Filters)
		return nil
	})
	if req.Plan.LexicalWeight > 0 {
		g.Go(func() error {
			lexRes, lexErr = r.searchLexical(gctx, coll, req, fanout)
			return nil
		})
	}
	// Goroutines never return errors, so Wait only fails on context
	// cancellation.
	if err := g.Wait(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if denseErr != nil {
		return nil, ragerrors.Wrap(ragerrors.ErrCodeVectorUnavailable, denseErr)
	}
	lexicalDown := false
	if lexErr != nil {
		lexicalDown = true
		lexRes = nil
		r.log.Warn("lexical_search_unavailable",
			slog.String("collection", req.Collection),
			slog.String("error", lexErr.Error()))
	}

	fused := fuse(denseRes, lexRes, req.Plan.DenseWeight, req.Plan.LexicalWeight)
	if len(fused) > req.Plan.RetrieveK {
		fused = fused[:req.Plan.RetrieveK]
	}

	candidates, err := r.hydrate(ctx, coll, fused)
	if err != nil {
		return nil, err
	}

	if r.cache != nil && len(candidates) > 0 {
		cache.SetVectorHits(ctx, r.cache, fp,
			hitsFromCandidates(candidates), cache.CollectionTag(req.Collection))
	}

	return &Result{Candidates: candidates, LexicalUnavailable: lexicalDown}, nil
}

// searchLexical runs the lexical side. With expansion enabled, rewritten
// query variants are searched too and merged by max score per chunk, so a
// synonym match never outranks a direct match for the same chunk.
func (r *Retriever) searchLexical(ctx context.Context, coll *store.Collection, req Request, fanout int) ([]*store.LexicalResult, error) {
	results, err := coll.Lexical.Search(ctx, req.Query, fanout, req.Filters)
	if err != nil {
		return nil, err
	}
	if !req.Plan.UseExpansion {
		return results, nil
	}
	variants := r.expander.Variants(req.Query)
	if len(variants) == 0 {
		return results, nil
	}

	best := make(map[string]*store.LexicalResult, len(results))
	for _, res := range results {
		best[res.ChunkID] = res
	}
	for _, v := range variants {
		extra, err := coll.Lexical.Search(ctx, v, fanout, req.Filters)
		if err != nil {
			// A failed variant only narrows expansion, so keep going.
			r.log.Debug("expanded_query_failed",
				slog.String("variant", v),
				slog.String("error", err.Error()))
			continue
		}
		for _, res := range extra {
			if cur, ok := best[res.ChunkID]; !ok || res.Score > cur.Score {
				best[res.ChunkID] = res
			}
		}
	}

	merged := make([]*store.LexicalResult, 0, len(best))
	for _, res := range best {
		merged = append(merged, res)
	}
	sort.Slice(merged, func(i, j int) bool {
		if merged[i].Score != merged[j].Score {
			return merged[i].Score > merged[j].Score
		}
		return merged[i].ChunkID < merged[j].ChunkID
	})
	if len(merged) > fanout {
		merged = merged[:fanout]
	}
	return merged, nil
}

// fuse normalizes each side independently and combines them into one list
// sorted by fused score descending, ties by chunk ID ascending.
func fuse(dense []*store.VectorResult, lexical []*store.LexicalResult, denseWeight, lexicalWeight float64) []*Candidate {
	if len(dense) == 0 && len(lexical) == 0 {
		return nil
	}

	denseScores := make([]float64, len(dense))
	for i, res := range dense {
		denseScores[i] = res.Similarity
	}
	lexScores := make([]float64, len(lexical))
	for i, res := range lexical {
		lexScores[i] = res.Score
	}
	denseNorm := minMaxNormalize(denseScores)
	lexNorm := minMaxNormalize(lexScores)

	byID := make(map[string]*Candidate, len(dense)+len(lexical))
	for i, res := range dense {
		byID[res.ChunkID] = &Candidate{ChunkID: res.ChunkID, DenseScore: denseNorm[i]}
	}
	for i, res := range lexical {
		if c, ok := byID[res.ChunkID]; ok {
			c.LexicalScore = lexNorm[i]
			c.InBoth = true
			continue
		}
		byID[res.ChunkID] = &Candidate{ChunkID: res.ChunkID, LexicalScore: lexNorm[i]}
	}

	out := make([]*Candidate, 0, len(byID))
	for _, c := range byID {
		c.FusedScore = denseWeight*c.DenseScore + lexicalWeight*c.LexicalScore
		out = append(out, c)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].FusedScore != out[j].FusedScore {
			return out[i].FusedScore > out[j].FusedScore
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	return out
}

// minMaxNormalize maps scores onto [0,1]. A degenerate range where every
// score is equal maps to all zeros because the list carries no ordering
// signal.
func minMaxNormalize(scores []float64) []float64 {
	if len(scores) == 0 {
		return nil
	}
	lo, hi := scores[0], scores[0]
	for _, s := range scores[1:] {
		if s < lo {
			lo = s
		}
		if s > hi {
			hi = s
		}
	}
	norm := make([]float64, len(scores))
	if hi == lo {
		return norm
	}
	for i, s := range scores {
		norm[i] = (s - lo) / (hi - lo)
	}
	return norm
}

// hydrate fills candidate text and metadata from the chunk rows. A
// candidate whose row has vanished is dropped; the consistency checker
// owns repairing that drift.
func (r *Retriever) hydrate(ctx context.Context, coll *store.Collection, cands []*Candidate) ([]*Candidate, error) {
	if len(cands) == 0 {
		return []*Candidate{}, nil
	}
	ids := make([]string, len(cands))
	for i, c := range cands {
		ids[i] = c.ChunkID
	}
	rows, err := coll.Meta.GetChunks(ctx, ids)
	if err != nil {
		return nil, ragerrors.Wrap(ragerrors.ErrCodeSearchFailed, err)
	}
	byID := make(map[string]*store.Chunk, len(rows))
	for _, row := range rows {
		byID[row.ChunkID] = row
	}

	kept := make([]*Candidate, 0, len(cands))
	for _, c := range cands {
		row, ok := byID[c.ChunkID]
		if !ok {
			r.log.Debug("candidate_missing_metadata", slog.String("chunk_id", c.ChunkID))
			continue
		}
		c.Text = row.Text
		c.Metadata = row.IndexMetadata()
		kept = append(kept, c)
	}
	return kept, nil
}

func applyDefaults(req Request) Request {
	if req.Plan.RetrieveK <= 0 {
		req.Plan.RetrieveK = defaultRetrieveK
	}
	if req.Plan.DenseWeight == 0 && req.Plan.LexicalWeight == 0 {
		req.Plan.DenseWeight = defaultWeight
		req.Plan.LexicalWeight = defaultWeight
	}
	return req
}

func candidatesFromHits(hits []cache.VectorHit) []*Candidate {
	out := make([]*Candidate, len(hits))
	for i, h := range hits {
		out[i] = &Candidate{
			ChunkID:    h.ChunkID,
			Text:       h.Text,
			Metadata:   h.Metadata,
			FusedScore: h.Score,
		}
	}
	return out
}

func hitsFromCandidates(cands []*Candidate) []cache.VectorHit {
	out := make([]cache.VectorHit, len(cands))
	for i, c := range cands {
		out[i] = cache.VectorHit{
			ChunkID:  c.ChunkID,
			Text:     c.Text,
			Metadata: c.Metadata,
			Score:    c.FusedScore,
		}
	}
	return out
}
