package mcp

import (
	"context"
	"log/slog"
	"strings"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/ragserve/internal/pipeline"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
)

// Result caps for the retrieve tool.
const (
	defaultRetrieveLimit = 5
	maxRetrieveLimit     = 50
)

// AskInput is the input schema for the ask tool.
type AskInput struct {
	Question   string `json:"question" jsonschema:"the question to answer from the indexed documents"`
	Collection string `json:"collection" jsonschema:"the document collection to search"`
	TopK       int    `json:"top_k,omitempty" jsonschema:"maximum number of cited sources, server default when omitted"`
}

// SourceOutput is one citation in an answer.
type SourceOutput struct {
	Index        int     `json:"index"`
	Source       string  `json:"source"`
	SectionTitle string  `json:"section_title,omitempty"`
	Page         string  `json:"page,omitempty"`
	Relevance    float64 `json:"relevance"`
}

// AskOutput is the output schema for the ask tool.
type AskOutput struct {
	Answer         string         `json:"answer"`
	Sources        []SourceOutput `json:"sources"`
	Confidence     float64        `json:"confidence"`
	SearchStrategy string         `json:"search_strategy"`
	Refused        bool           `json:"refused,omitempty"`
	RefusalReason  string         `json:"refusal_reason,omitempty"`
	TraceID        string         `json:"trace_id,omitempty"`
}

// RetrieveInput is the input schema for the retrieve tool.
type RetrieveInput struct {
	Query      string `json:"query" jsonschema:"the retrieval query"`
	Collection string `json:"collection" jsonschema:"the document collection to search"`
	TopK       int    `json:"top_k,omitempty" jsonschema:"maximum number of passages, default 5, max 50"`
}

// RetrievedPassage is one ranked chunk with its provenance.
type RetrievedPassage struct {
	ChunkID      string  `json:"chunk_id"`
	Source       string  `json:"source"`
	SectionTitle string  `json:"section_title,omitempty"`
	Page         string  `json:"page,omitempty"`
	Text         string  `json:"text"`
	Score        float64 `json:"score"`
	DenseScore   float64 `json:"dense_score"`
	LexicalScore float64 `json:"lexical_score"`
}

// RetrieveOutput is the output schema for the retrieve tool.
type RetrieveOutput struct {
	Results            []RetrievedPassage `json:"results"`
	Strategy           string             `json:"strategy"`
	LexicalUnavailable bool               `json:"lexical_unavailable,omitempty"`
}

// CollectionInfoInput is the input schema for the collection_info tool.
type CollectionInfoInput struct {
	Collection string `json:"collection" jsonschema:"the collection to inspect"`
}

// CollectionSourceOutput summarizes one indexed source.
type CollectionSourceOutput struct {
	Source     string `json:"source"`
	Version    string `json:"version,omitempty"`
	ChunkCount int    `json:"chunk_count"`
}

// CollectionQueryStats is the query history exposed per collection.
type CollectionQueryStats struct {
	TotalQueries     int64   `json:"total_queries"`
	AverageLatencyMS float64 `json:"average_latency_ms"`
	CacheHitRate     float64 `json:"cache_hit_rate"`
	ZeroResultRate   float64 `json:"zero_result_rate"`
}

// CollectionInfoOutput is the output schema for the collection_info
// tool.
type CollectionInfoOutput struct {
	Name       string                   `json:"name"`
	ModelID    string                   `json:"model_id"`
	Dimension  int                      `json:"dimension"`
	ChunkCount int                      `json:"chunk_count"`
	Status     string                   `json:"status"`
	Sources    []CollectionSourceOutput `json:"sources,omitempty"`
	Stats      *CollectionQueryStats    `json:"stats,omitempty"`
}

func (s *Server) askHandler(ctx context.Context, _ *mcp.CallToolRequest, input AskInput) (
	*mcp.CallToolResult,
	AskOutput,
	error,
) {
	if strings.TrimSpace(input.Question) == "" {
		return nil, AskOutput{}, NewInvalidParamsError("question is required")
	}
	if input.Collection == "" {
		return nil, AskOutput{}, NewInvalidParamsError("collection is required")
	}

	start := time.Now()
	res, err := s.queries.Query(ctx, pipeline.Request{
		Question:   input.Question,
		Collection: input.Collection,
		ClientID:   mcpClientID,
		TopK:       input.TopK,
	})
	if err != nil {
		return nil, AskOutput{}, MapError(err)
	}

	s.log.Info("ask answered",
		slog.String("collection", input.Collection),
		slog.Int("sources", len(res.Sources)),
		slog.Bool("refused", res.Refused),
		slog.Duration("elapsed", time.Since(start)))

	out := AskOutput{
		Answer:         res.Answer,
		Sources:        make([]SourceOutput, 0, len(res.Sources)),
		Confidence:     res.Confidence,
		SearchStrategy: res.SearchStrategy,
		Refused:        res.Refused,
		RefusalReason:  res.RefusalReason,
		TraceID:        res.TraceID,
	}
	for _, src := range res.Sources {
		out.Sources = append(out.Sources, SourceOutput{
			Index:        src.Index,
			Source:       src.Source,
			SectionTitle: src.SectionTitle,
			Page:         src.Page,
			Relevance:    src.Relevance,
		})
	}

	return textResult(formatAnswer(out)), out, nil
}

func (s *Server) retrieveHandler(ctx context.Context, _ *mcp.CallToolRequest, input RetrieveInput) (
	*mcp.CallToolResult,
	RetrieveOutput,
	error,
) {
	if strings.TrimSpace(input.Query) == "" {
		return nil, RetrieveOutput{}, NewInvalidParamsError("query is required")
	}
	if input.Collection == "" {
		return nil, RetrieveOutput{}, NewInvalidParamsError("collection is required")
	}
	limit := clampLimit(input.TopK, defaultRetrieveLimit, 1, maxRetrieveLimit)

	vec, err := s.embedder.Embed(ctx, input.Query)
	if err != nil {
		return nil, RetrieveOutput{}, MapError(err)
	}

	pl := s.planner.BuildPlan(input.Query)
	if pl.RetrieveK < limit {
		pl.RetrieveK = limit
	}
	ret, err := s.retriever.Retrieve(ctx, retrieve.Request{
		Collection: input.Collection,
		Query:      input.Query,
		Vector:     vec,
		Plan:       pl,
	})
	if err != nil {
		return nil, RetrieveOutput{}, MapError(err)
	}

	cands := ret.Candidates
	if len(cands) > limit {
		cands = cands[:limit]
	}
	out := RetrieveOutput{
		Results:            make([]RetrievedPassage, 0, len(cands)),
		Strategy:           retrievalStrategy(ret.LexicalUnavailable),
		LexicalUnavailable: ret.LexicalUnavailable,
	}
	for _, c := range cands {
		out.Results = append(out.Results, RetrievedPassage{
			ChunkID:      c.ChunkID,
			Source:       c.Metadata[store.MetaSource],
			SectionTitle: c.Metadata[store.MetaSectionTitle],
			Page:         c.Metadata[store.MetaPage],
			Text:         c.Text,
			Score:        c.FusedScore,
			DenseScore:   c.DenseScore,
			LexicalScore: c.LexicalScore,
		})
	}

	s.log.Info("retrieve served",
		slog.String("collection", input.Collection),
		slog.Int("results", len(out.Results)))

	return textResult(formatPassages(input.Query, out)), out, nil
}

func (s *Server) collectionInfoHandler(ctx context.Context, _ *mcp.CallToolRequest, input CollectionInfoInput) (
	*mcp.CallToolResult,
	CollectionInfoOutput,
	error,
) {
	if input.Collection == "" {
		return nil, CollectionInfoOutput{}, NewInvalidParamsError("collection is required")
	}

	info, err := s.catalog.Info(ctx, input.Collection)
	if err != nil {
		return nil, CollectionInfoOutput{}, MapError(err)
	}

	out := CollectionInfoOutput{
		Name:       info.Name,
		ModelID:    info.ModelID,
		Dimension:  info.Dimension,
		ChunkCount: info.ChunkCount,
		Status:     info.Status,
	}
	for _, src := range info.Sources {
		out.Sources = append(out.Sources, CollectionSourceOutput{
			Source:     src.Source,
			Version:    src.Version,
			ChunkCount: src.ChunkCount,
		})
	}
	if s.telemetry != nil {
		stats := s.telemetry.Collection(input.Collection)
		out.Stats = &CollectionQueryStats{
			TotalQueries:     stats.TotalQueries,
			AverageLatencyMS: stats.AverageLatencyMS,
			CacheHitRate:     stats.CacheHitRate,
			ZeroResultRate:   stats.ZeroResultRate,
		}
	}

	return textResult(formatCollection(out)), out, nil
}

// textResult wraps a human-readable rendering for clients that consume
// text content instead of the structured output.
func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: text}},
	}
}

// retrievalStrategy names what actually ran, mirroring the strategy
// labels the HTTP results use.
func retrievalStrategy(lexicalUnavailable bool) string {
	if lexicalUnavailable {
		return "dense_only"
	}
	return "hybrid"
}

// clampLimit applies a default and bounds to a requested result count.
func clampLimit(requested, def, min, max int) int {
	if requested <= 0 {
		return def
	}
	if requested < min {
		return min
	}
	if requested > max {
		return max
	}
	return requested
}
