package mcp

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/config"
	"github.com/Aman-CERP/ragserve/internal/dedup"
	"github.com/Aman-CERP/ragserve/internal/embed"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/index"
	"github.com/Aman-CERP/ragserve/internal/ingest"
	"github.com/Aman-CERP/ragserve/internal/pipeline"
	"github.com/Aman-CERP/ragserve/internal/plan"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/telemetry"
)

// fakeQueries answers with a canned result or error and records the
// requests it saw.
type fakeQueries struct {
	result *pipeline.Result
	err    error
	reqs   []pipeline.Request
}

func (f *fakeQueries) Query(_ context.Context, req pipeline.Request) (*pipeline.Result, error) {
	f.reqs = append(f.reqs, req)
	if f.err != nil {
		return nil, f.err
	}
	res := *f.result
	return &res, nil
}

type testEnv struct {
	srv     *Server
	queries *fakeQueries
	catalog *store.Catalog
	emb     *embed.StaticEmbedder
	tele    *telemetry.Recorder
}

// newTestServer builds a server over a real catalog seeded with one
// collection, so retrieve and collection_info exercise actual indexes.
func newTestServer(t *testing.T) *testEnv {
	t.Helper()
	ctx := context.Background()

	emb := embed.NewStaticEmbedder()
	cat := store.NewCatalog(store.CatalogConfig{DataDir: t.TempDir()}, nil)
	t.Cleanup(func() { _ = cat.Close() })

	_, err := cat.Ensure(ctx, "docs", emb.ModelName(), emb.Dimensions())
	require.NoError(t, err)

	proc := ingest.NewProcessor(config.IngestConfig{ChunkSize: 200, ChunkOverlap: 20})
	doc := "# Limits\n\nThe rate limit is 100 requests per minute.\n\n" +
		"# Support\n\nContact support via the status page.\n"
	chunks, err := proc.Process(ctx, "docs", "guide.md", "", []byte(doc))
	require.NoError(t, err)
	require.NotEmpty(t, chunks)

	texts := make([]string, len(chunks))
	for i, ck := range chunks {
		texts[i] = ck.Text
	}
	vecs, err := emb.EmbedBatch(ctx, texts)
	require.NoError(t, err)
	ix := index.NewIndexer(cat, dedup.New(nil), nil, nil)
	_, err = ix.Upsert(ctx, "docs", chunks, vecs)
	require.NoError(t, err)

	queries := &fakeQueries{result: &pipeline.Result{Answer: "stub"}}
	tele := telemetry.NewRecorder()
	srv, err := NewServer(Deps{
		Queries:   queries,
		Retriever: retrieve.NewRetriever(cat, nil, nil),
		Embedder:  emb,
		Planner:   plan.NewPlanner(),
		Catalog:   cat,
		Telemetry: tele,
	})
	require.NoError(t, err)

	return &testEnv{srv: srv, queries: queries, catalog: cat, emb: emb, tele: tele}
}

// ============================================================================
// Construction
// ============================================================================

func TestNewServer_ValidatesDependencies(t *testing.T) {
	base := func() Deps {
		return Deps{
			Queries:   &fakeQueries{},
			Retriever: retrieve.NewRetriever(store.NewCatalog(store.CatalogConfig{DataDir: t.TempDir()}, nil), nil, nil),
			Embedder:  embed.NewStaticEmbedder(),
			Planner:   plan.NewPlanner(),
			Catalog:   store.NewCatalog(store.CatalogConfig{DataDir: t.TempDir()}, nil),
		}
	}

	tests := []struct {
		name   string
		mutate func(*Deps)
		want   string
	}{
		{name: "nil queries", mutate: func(d *Deps) { d.Queries = nil }, want: "query pipeline"},
		{name: "nil retriever", mutate: func(d *Deps) { d.Retriever = nil }, want: "retriever"},
		{name: "nil embedder", mutate: func(d *Deps) { d.Embedder = nil }, want: "embedder"},
		{name: "nil planner", mutate: func(d *Deps) { d.Planner = nil }, want: "planner"},
		{name: "nil catalog", mutate: func(d *Deps) { d.Catalog = nil }, want: "catalog"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			deps := base()
			tt.mutate(&deps)
			_, err := NewServer(deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewServer_ExposesSDKServer(t *testing.T) {
	env := newTestServer(t)
	assert.NotNil(t, env.srv.MCPServer())
}

// ============================================================================
// ask
// ============================================================================

func TestAsk_ReturnsGroundedAnswer(t *testing.T) {
	env := newTestServer(t)
	env.queries.result = &pipeline.Result{
		Answer:         "Source 1 states the rate limit is 100 requests per minute.",
		Confidence:     0.9,
		SearchStrategy: "hybrid+rerank",
		TraceID:        "trace-1",
	}

	res, out, err := env.srv.askHandler(context.Background(), nil, AskInput{
		Question:   "What is the rate limit?",
		Collection: "docs",
		TopK:       3,
	})

	require.NoError(t, err)
	assert.Contains(t, out.Answer, "100 requests per minute")
	assert.Equal(t, 0.9, out.Confidence)
	assert.Equal(t, "hybrid+rerank", out.SearchStrategy)
	assert.Equal(t, "trace-1", out.TraceID)

	// The pipeline request carried the MCP client identity and TopK
	require.Len(t, env.queries.reqs, 1)
	assert.Equal(t, mcpClientID, env.queries.reqs[0].ClientID)
	assert.Equal(t, 3, env.queries.reqs[0].TopK)

	// Text content renders the answer for plain-text clients
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
}

func TestAsk_RefusalRendersAsSuchInText(t *testing.T) {
	env := newTestServer(t)
	env.queries.result = &pipeline.Result{
		Answer:        "The provided documents do not contain information about pricing.",
		Refused:       true,
		RefusalReason: "no relevant context",
	}

	_, out, err := env.srv.askHandler(context.Background(), nil, AskInput{
		Question:   "What does it cost?",
		Collection: "docs",
	})

	require.NoError(t, err)
	assert.True(t, out.Refused)
	text := formatAnswer(out)
	assert.Contains(t, text, "No Grounded Answer")
	assert.Contains(t, text, "no relevant context")
}

func TestAsk_ValidatesInput(t *testing.T) {
	env := newTestServer(t)

	tests := []struct {
		name  string
		input AskInput
		want  string
	}{
		{name: "missing question", input: AskInput{Collection: "docs"}, want: "question"},
		{name: "whitespace question", input: AskInput{Question: "   ", Collection: "docs"}, want: "question"},
		{name: "missing collection", input: AskInput{Question: "q"}, want: "collection"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := env.srv.askHandler(context.Background(), nil, tt.input)
			require.Error(t, err)
			var mcpErr *MCPError
			require.ErrorAs(t, err, &mcpErr)
			assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
			assert.Contains(t, mcpErr.Message, tt.want)
		})
	}
}

func TestAsk_MapsPipelineErrors(t *testing.T) {
	env := newTestServer(t)
	env.queries.err = ragerrors.NotFoundError(ragerrors.ErrCodeCollectionNotFound, "collection ghost")

	_, _, err := env.srv.askHandler(context.Background(), nil, AskInput{
		Question:   "q",
		Collection: "ghost",
	})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeCollectionNotFound, mcpErr.Code)
	assert.Contains(t, mcpErr.Message, "ghost")
}

// ============================================================================
// retrieve
// ============================================================================

func TestRetrieve_ReturnsRankedPassages(t *testing.T) {
	env := newTestServer(t)

	_, out, err := env.srv.retrieveHandler(context.Background(), nil, RetrieveInput{
		Query:      "rate limit requests per minute",
		Collection: "docs",
	})

	require.NoError(t, err)
	require.NotEmpty(t, out.Results)
	assert.Equal(t, "hybrid", out.Strategy)

	first := out.Results[0]
	assert.Equal(t, "guide.md", first.Source)
	assert.NotEmpty(t, first.ChunkID)
	assert.NotEmpty(t, first.Text)
	assert.Greater(t, first.Score, 0.0)

	// Ranked by fused score, best first
	for i := 1; i < len(out.Results); i++ {
		assert.GreaterOrEqual(t, out.Results[i-1].Score, out.Results[i].Score)
	}
}

func TestRetrieve_HonorsTopK(t *testing.T) {
	env := newTestServer(t)

	_, out, err := env.srv.retrieveHandler(context.Background(), nil, RetrieveInput{
		Query:      "rate limit",
		Collection: "docs",
		TopK:       1,
	})

	require.NoError(t, err)
	assert.Len(t, out.Results, 1)
}

func TestRetrieve_UnknownCollection(t *testing.T) {
	env := newTestServer(t)

	_, _, err := env.srv.retrieveHandler(context.Background(), nil, RetrieveInput{
		Query:      "anything",
		Collection: "ghost",
	})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeCollectionNotFound, mcpErr.Code)
}

func TestRetrieve_ValidatesInput(t *testing.T) {
	env := newTestServer(t)

	_, _, err := env.srv.retrieveHandler(context.Background(), nil, RetrieveInput{
		Collection: "docs",
	})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeInvalidParams, mcpErr.Code)
}

func TestClampLimit(t *testing.T) {
	tests := []struct {
		name      string
		requested int
		want      int
	}{
		{name: "zero uses default", requested: 0, want: defaultRetrieveLimit},
		{name: "negative uses default", requested: -2, want: defaultRetrieveLimit},
		{name: "in range passes through", requested: 7, want: 7},
		{name: "above max clamps", requested: 500, want: maxRetrieveLimit},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, clampLimit(tt.requested, defaultRetrieveLimit, 1, maxRetrieveLimit))
		})
	}
}

// ============================================================================
// collection_info
// ============================================================================

func TestCollectionInfo_ReportsIndexAndStats(t *testing.T) {
	env := newTestServer(t)
	env.tele.Record(telemetry.Event{
		Collection: "docs",
		Query:      "what is the rate limit",
		Strategy:   "hybrid",
		Latency:    40 * time.Millisecond,
		Results:    3,
	})

	res, out, err := env.srv.collectionInfoHandler(context.Background(), nil, CollectionInfoInput{
		Collection: "docs",
	})

	require.NoError(t, err)
	assert.Equal(t, "docs", out.Name)
	assert.Equal(t, env.emb.ModelName(), out.ModelID)
	assert.Equal(t, env.emb.Dimensions(), out.Dimension)
	assert.Greater(t, out.ChunkCount, 0)
	require.Len(t, out.Sources, 1)
	assert.Equal(t, "guide.md", out.Sources[0].Source)

	require.NotNil(t, out.Stats)
	assert.Equal(t, int64(1), out.Stats.TotalQueries)

	require.NotNil(t, res)
}

func TestCollectionInfo_UnknownCollection(t *testing.T) {
	env := newTestServer(t)

	_, _, err := env.srv.collectionInfoHandler(context.Background(), nil, CollectionInfoInput{
		Collection: "ghost",
	})

	var mcpErr *MCPError
	require.ErrorAs(t, err, &mcpErr)
	assert.Equal(t, ErrCodeCollectionNotFound, mcpErr.Code)
}

// ============================================================================
// Resources
// ============================================================================

func TestCollectionsResource_ListsCollections(t *testing.T) {
	env := newTestServer(t)

	res, err := env.srv.handleCollectionsResource(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Equal(t, collectionsResourceURI, res.Contents[0].URI)
	assert.Equal(t, "application/json", res.Contents[0].MIMEType)
	assert.Contains(t, res.Contents[0].Text, `"docs"`)
}

func TestTelemetryResource_SnapshotJSON(t *testing.T) {
	env := newTestServer(t)
	env.tele.Record(telemetry.Event{Collection: "docs", Query: "limits", Results: 1})

	res, err := env.srv.handleTelemetryResource(context.Background(), nil)

	require.NoError(t, err)
	require.Len(t, res.Contents, 1)
	assert.Contains(t, res.Contents[0].Text, "total_queries")
}

// ============================================================================
// Formatting
// ============================================================================

func TestFormatPassages_EmptyAndTruncation(t *testing.T) {
	empty := formatPassages("missing topic", RetrieveOutput{})
	assert.Contains(t, empty, "No passages found")

	long := strings.Repeat("x", 500)
	text := formatPassages("q", RetrieveOutput{
		Strategy: "hybrid",
		Results: []RetrievedPassage{
			{Source: "guide.md", Text: long, Score: 0.8},
		},
	})
	assert.Contains(t, text, "...")
	assert.NotContains(t, text, long)
}
