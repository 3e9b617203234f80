package pipeline

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Aman-CERP/ragserve/internal/admission"
	"github.com/Aman-CERP/ragserve/internal/answer"
	"github.com/Aman-CERP/ragserve/internal/cache"
	"github.com/Aman-CERP/ragserve/internal/config"
	"github.com/Aman-CERP/ragserve/internal/embed"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/metrics"
	"github.com/Aman-CERP/ragserve/internal/plan"
	"github.com/Aman-CERP/ragserve/internal/rerank"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/trace"
)

const testQuestion = "What is the rate limit?"

// fakeGenerator stands in for the LLM stage with scripted behavior.
type fakeGenerator struct {
	text   string
	tokens int
	delay  time.Duration
	err    error
	refuse bool
	calls  atomic.Int64
}

func (g *fakeGenerator) respond(ctx context.Context, req answer.Request) (*answer.Answer, error) {
	g.calls.Add(1)
	if g.delay > 0 {
		select {
		case <-time.After(g.delay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if g.err != nil {
		return nil, g.err
	}
	if g.refuse || len(req.Candidates) == 0 {
		return &answer.Answer{
			Text:          "I don't have enough information in the provided sources to answer this question.",
			Sources:       answer.SourcesFor(req.Candidates),
			Contexts:      answer.ContextsFor(req.Candidates),
			Refused:       true,
			RefusalReason: "no candidates retrieved",
		}, nil
	}
	return &answer.Answer{
		Text:       g.text,
		Sources:    answer.SourcesFor(req.Candidates),
		Contexts:   answer.ContextsFor(req.Candidates),
		Confidence: 0.9,
		TokensUsed: g.tokens,
	}, nil
}

func (g *fakeGenerator) Answer(ctx context.Context, req answer.Request) (*answer.Answer, error) {
	return g.respond(ctx, req)
}

func (g *fakeGenerator) AnswerStream(ctx context.Context, req answer.Request, onDelta func(string)) (*answer.Answer, error) {
	ans, err := g.respond(ctx, req)
	if err != nil {
		return nil, err
	}
	for _, piece := range strings.SplitAfter(ans.Text, " ") {
		onDelta(piece)
	}
	return ans, nil
}

// testEnv is a pipeline wired over real stores with a scripted generator.
type testEnv struct {
	pipeline *Pipeline
	gen      *fakeGenerator
	tracer   *trace.Tracer
	metrics  *metrics.Metrics
	catalog  *store.Catalog
	embedder embed.Embedder
}

func newTestEnv(t *testing.T, mutate func(*Config, *Deps)) *testEnv {
	t.Helper()
	ctx := context.Background()

	emb := embed.NewStaticEmbedder()
	cat := store.NewCatalog(store.CatalogConfig{DataDir: t.TempDir()}, nil)
	t.Cleanup(func() { _ = cat.Close() })

	coll, err := cat.Ensure(ctx, "docs", emb.ModelName(), emb.Dimensions())
	require.NoError(t, err)
	seedCorpus(t, emb, coll)

	mem := cache.NewMemoryCache(cache.DefaultTTLs(), 128)
	t.Cleanup(func() { _ = mem.Close() })

	gen := &fakeGenerator{
		text:   "Source 1 states the rate limit is 100 requests per minute.",
		tokens: 17,
	}
	tracer := trace.NewTracer(16)
	mets := metrics.New()

	cfg := Config{DefaultTopK: 3, Model: "test-model"}
	deps := Deps{
		Planner:   plan.NewPlanner(),
		Embedder:  emb,
		Retriever: retrieve.NewRetriever(cat, mem, nil),
		Reranker:  rerank.NewReranker(rerank.NewLocalScorer(), mem, nil),
		Generator: gen,
		Cache:     mem,
		Tracer:    tracer,
		Metrics:   mets,
	}
	if mutate != nil {
		mutate(&cfg, &deps)
	}
	p, err := New(cfg, deps)
	require.NoError(t, err)
	return &testEnv{
		pipeline: p,
		gen:      gen,
		tracer:   tracer,
		metrics:  mets,
		catalog:  cat,
		embedder: emb,
	}
}

// seedCorpus indexes a handful of chunks directly into the stores.
func seedCorpus(t *testing.T, emb embed.Embedder, coll *store.Collection) {
	t.Helper()
	ctx := context.Background()
	docs := []struct {
		id, source, section, text string
	}{
		{"c1", "limits.md", "Quotas", "The rate limit is 100 requests per minute for every API key."},
		{"c2", "limits.md", "Bursts", "Burst traffic above the rate limit is rejected with a retry hint."},
		{"c3", "setup.md", "Install", "Install the service with the bundled installer script."},
		{"c4", "faq.md", "Pricing", "Pricing tiers are described on the billing page."},
	}
	for _, d := range docs {
		vec, err := emb.Embed(ctx, d.text)
		require.NoError(t, err)
		chunk := &store.Chunk{
			ChunkID:      d.id,
			Collection:   "docs",
			Source:       d.source,
			Text:         d.text,
			SectionTitle: d.section,
		}
		require.NoError(t, coll.Meta.SaveChunks(ctx, []*store.Chunk{chunk}))
		require.NoError(t, coll.Vector.Upsert(ctx, []store.VectorRecord{
			{ChunkID: d.id, Vector: vec, Metadata: chunk.IndexMetadata()},
		}))
		require.NoError(t, coll.Lexical.BulkUpsert(ctx, []*store.LexicalDoc{
			{ChunkID: d.id, Text: d.text, Source: d.source, SectionTitle: d.section},
		}))
	}
}

func query(q string) Request {
	return Request{Question: q, Collection: "docs"}
}

func boolPtr(v bool) *bool { return &v }

// ============================================================================
// Happy path
// ============================================================================

func TestQuery_EndToEnd(t *testing.T) {
	// Given a seeded collection
	env := newTestEnv(t, nil)

	// When a factual question runs through the full pipeline
	res, err := env.pipeline.Query(context.Background(), query(testQuestion))
	require.NoError(t, err)

	// Then the answer carries sources, contexts, and stage latencies
	assert.Equal(t, env.gen.text, res.Answer)
	assert.NotEmpty(t, res.Sources)
	assert.Equal(t, "limits.md", res.Sources[0].Source)
	assert.Len(t, res.Contexts, len(res.Sources))
	assert.Equal(t, 0.9, res.Confidence)
	assert.Equal(t, 17, res.TokensUsed)
	assert.Positive(t, res.ProcessingTimeSeconds)
	assert.False(t, res.Refused)
	assert.False(t, res.DeadlineExceeded)
	assert.NotEmpty(t, res.TraceID)

	for _, stage := range []string{StagePlan, StageEmbed, StageRetrieve, StageRerank, StageAnswer} {
		assert.Contains(t, res.LatencyBreakdown, stage)
	}

	// And the plan reflects a factual classification with both searches live
	require.NotNil(t, res.QueryPlan)
	assert.Equal(t, plan.ClassFactual, res.QueryPlan.Class)
	assert.Equal(t, "hybrid+rerank", res.SearchStrategy)
}

func TestQuery_RecordsTraceAndMetrics(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.pipeline.Query(context.Background(), query(testQuestion))
	require.NoError(t, err)

	// The finished trace holds the root plus one span per executed stage.
	view, ok := env.tracer.Get(res.TraceID)
	require.True(t, ok)
	assert.Equal(t, "query", view.Spans[0].Op)
	assert.Equal(t, trace.StatusSuccess, view.Spans[0].Status)
	ops := make([]string, 0, len(view.Spans))
	for _, sp := range view.Spans {
		ops = append(ops, sp.Op)
	}
	assert.Contains(t, ops, StageRetrieve)
	assert.Contains(t, ops, StageAnswer)

	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.metrics.QueryCount.WithLabelValues("docs", metrics.OutcomeSuccess)))
	assert.Equal(t, 17.0,
		testutil.ToFloat64(env.metrics.GenerationTokens.WithLabelValues("test-model")))
}

func TestQuery_TopKCapsResults(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.pipeline.Query(context.Background(), Request{
		Question:   testQuestion,
		Collection: "docs",
		TopK:       1,
	})
	require.NoError(t, err)

	assert.Len(t, res.Sources, 1)
	require.NotNil(t, res.QueryPlan)
	assert.Equal(t, 1, res.QueryPlan.RerankK)
}

// ============================================================================
// Knobs
// ============================================================================

func TestQuery_PlanningOffOmitsPlan(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.pipeline.Query(context.Background(), Request{
		Question:    testQuestion,
		Collection:  "docs",
		UsePlanning: boolPtr(false),
	})
	require.NoError(t, err)

	assert.Nil(t, res.QueryPlan)
	assert.NotEmpty(t, res.Sources)
}

func TestQuery_RerankingOffSkipsStage(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.pipeline.Query(context.Background(), Request{
		Question:     testQuestion,
		Collection:   "docs",
		UseReranking: boolPtr(false),
	})
	require.NoError(t, err)

	assert.NotContains(t, res.LatencyBreakdown, StageRerank)
	assert.Equal(t, "hybrid", res.SearchStrategy)
}

func TestQuery_HybridOffGoesDenseOnly(t *testing.T) {
	env := newTestEnv(t, nil)

	res, err := env.pipeline.Query(context.Background(), Request{
		Question:   testQuestion,
		Collection: "docs",
		UseHybrid:  boolPtr(false),
	})
	require.NoError(t, err)

	assert.Equal(t, "dense+rerank", res.SearchStrategy)
	assert.NotEmpty(t, res.Sources)
}

// ============================================================================
// Answer cache
// ============================================================================

func TestQuery_CachedAnswerSkipsStages(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)
	require.False(t, first.FromCache)
	require.Equal(t, int64(1), env.gen.calls.Load())

	// The identical question is served from the answer cache without
	// touching the generator, under a fresh trace.
	second, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)
	assert.True(t, second.FromCache)
	assert.Equal(t, first.Answer, second.Answer)
	assert.Equal(t, first.Sources, second.Sources)
	assert.Equal(t, int64(1), env.gen.calls.Load())
	assert.NotEmpty(t, second.TraceID)
	assert.NotEqual(t, first.TraceID, second.TraceID)
}

func TestQuery_CacheKeyCoversKnobs(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)

	// The same question with reranking off is a different request shape
	// and must not reuse the cached answer.
	res, err := env.pipeline.Query(ctx, Request{
		Question:     testQuestion,
		Collection:   "docs",
		UseReranking: boolPtr(false),
	})
	require.NoError(t, err)
	assert.False(t, res.FromCache)
	assert.Equal(t, int64(2), env.gen.calls.Load())
}

func TestQuery_RefusalsAreNotCached(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gen.refuse = true
	ctx := context.Background()

	first, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)
	require.True(t, first.Refused)

	second, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)
	assert.True(t, second.Refused)
	assert.False(t, second.FromCache)
	assert.Equal(t, int64(2), env.gen.calls.Load())
}

// ============================================================================
// Admission
// ============================================================================

func admissionConfig() config.AdmissionConfig {
	return config.AdmissionConfig{
		RPM:               100,
		RPH:               1000,
		Burst:             20,
		MaxConcurrent:     4,
		MaxQueueDepth:     10,
		OverloadThreshold: 0.8,
		GlobalCapacity:    10,
		DefaultScopes:     []string{admission.ScopeQuery, admission.ScopeIngest},
	}
}

func TestQuery_ScopeDenied(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		cfg := admissionConfig()
		cfg.DefaultScopes = []string{admission.ScopeIngest}
		deps.Admission = admission.NewController(cfg, nil)
	})

	res, err := env.pipeline.Query(context.Background(), query(testQuestion))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, ragerrors.ErrCodeScopeDenied, ragerrors.GetCode(err))
	assert.Equal(t, 403, ragerrors.HTTPStatus(err))
}

func TestQuery_RateLimitDenial(t *testing.T) {
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		cfg := admissionConfig()
		cfg.Burst = 1
		deps.Admission = admission.NewController(cfg, nil)
	})
	ctx := context.Background()

	_, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)

	// The second request lands inside the burst window.
	res, err := env.pipeline.Query(ctx, query("How do bursts work?"))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, ragerrors.ErrCodeBurstExceeded, ragerrors.GetCode(err))
	assert.Equal(t, 429, ragerrors.HTTPStatus(err))

	var se *ragerrors.ServiceError
	require.ErrorAs(t, err, &se)
	assert.NotEmpty(t, se.Details["retry_after_seconds"])

	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.metrics.AdmissionDenials.WithLabelValues(admission.ReasonBurstExceeded)))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.metrics.QueryCount.WithLabelValues("docs", metrics.OutcomeDenied)))
}

func TestQuery_ReleasesAdmissionSlot(t *testing.T) {
	var ctrl *admission.Controller
	env := newTestEnv(t, func(_ *Config, deps *Deps) {
		cfg := admissionConfig()
		cfg.MaxConcurrent = 1
		ctrl = admission.NewController(cfg, nil)
		deps.Admission = ctrl
	})
	ctx := context.Background()

	// With one concurrency slot, back-to-back queries only work if each
	// request releases its ticket on the way out.
	_, err := env.pipeline.Query(ctx, query("What is the rate limit?"))
	require.NoError(t, err)
	_, err = env.pipeline.Query(ctx, query("How do bursts work?"))
	require.NoError(t, err)
	assert.Zero(t, ctrl.Stats().InFlight)
}

// ============================================================================
// Deadline
// ============================================================================

func TestQuery_DeadlineReturnsPartialResult(t *testing.T) {
	// Given a generator slower than the request deadline
	env := newTestEnv(t, nil)
	env.gen.delay = 300 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	// When the deadline expires during generation
	res, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)

	// Then the response is a partial with the sources retrieval found
	assert.True(t, res.DeadlineExceeded)
	assert.Equal(t, "insufficient time", res.Answer)
	assert.NotEmpty(t, res.Sources)
	assert.Zero(t, res.TokensUsed)
	assert.Zero(t, res.Confidence)
	assert.Contains(t, res.LatencyBreakdown, StageRetrieve)
	assert.Contains(t, res.LatencyBreakdown, StageAnswer)

	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.metrics.QueryCount.WithLabelValues("docs", metrics.OutcomePartial)))
}

func TestQuery_ConfiguredDeadlineApplies(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.Deadline = 80 * time.Millisecond
	})
	env.gen.delay = 300 * time.Millisecond

	res, err := env.pipeline.Query(context.Background(), query(testQuestion))
	require.NoError(t, err)
	assert.True(t, res.DeadlineExceeded)
	assert.Equal(t, "insufficient time", res.Answer)
}

func TestQuery_ExpiredDeadlineYieldsEmptyPartial(t *testing.T) {
	env := newTestEnv(t, nil)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	time.Sleep(time.Millisecond)

	res, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)
	assert.True(t, res.DeadlineExceeded)
	assert.Empty(t, res.Sources)
	assert.Empty(t, res.Contexts)
}

// ============================================================================
// Failures
// ============================================================================

func TestQuery_ValidatesInput(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	_, err := env.pipeline.Query(ctx, Request{Question: "  ", Collection: "docs"})
	assert.Equal(t, ragerrors.ErrCodeQueryEmpty, ragerrors.GetCode(err))
	assert.Equal(t, 400, ragerrors.HTTPStatus(err))

	_, err = env.pipeline.Query(ctx, Request{Question: testQuestion})
	assert.Equal(t, ragerrors.ErrCodeInvalidCollection, ragerrors.GetCode(err))
}

func TestQuery_UnknownCollection(t *testing.T) {
	env := newTestEnv(t, nil)

	_, err := env.pipeline.Query(context.Background(), Request{
		Question:   testQuestion,
		Collection: "ghost",
	})
	require.Error(t, err)
	assert.Equal(t, ragerrors.ErrCodeCollectionNotFound, ragerrors.GetCode(err))
	assert.Equal(t, 404, ragerrors.HTTPStatus(err))
}

func TestQuery_EmptyCollectionRefuses(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()
	_, err := env.catalog.Ensure(ctx, "empty", env.embedder.ModelName(), env.embedder.Dimensions())
	require.NoError(t, err)

	res, err := env.pipeline.Query(ctx, Request{Question: testQuestion, Collection: "empty"})
	require.NoError(t, err)
	assert.True(t, res.Refused)
	assert.Empty(t, res.Sources)
	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.metrics.QueryCount.WithLabelValues("empty", metrics.OutcomeRefused)))
}

func TestQuery_GenerationFailureSurfaces(t *testing.T) {
	env := newTestEnv(t, nil)
	env.gen.err = errors.New("model endpoint down")

	res, err := env.pipeline.Query(context.Background(), query(testQuestion))
	require.Error(t, err)
	assert.Nil(t, res)
	assert.Equal(t, ragerrors.ErrCodeGenerationFailed, ragerrors.GetCode(err))
	assert.Equal(t, 503, ragerrors.HTTPStatus(err))
	assert.Equal(t, 1.0,
		testutil.ToFloat64(env.metrics.QueryCount.WithLabelValues("docs", metrics.OutcomeError)))
}

func TestQuery_LowConfidenceTagged(t *testing.T) {
	env := newTestEnv(t, func(cfg *Config, _ *Deps) {
		cfg.MinConfidence = 0.95
	})

	res, err := env.pipeline.Query(context.Background(), query(testQuestion))
	require.NoError(t, err)

	view, ok := env.tracer.Get(res.TraceID)
	require.True(t, ok)
	var tagged bool
	for _, sp := range view.Spans {
		if sp.Op == StageAnswer && sp.Tags["low_confidence"] == true {
			tagged = true
		}
	}
	assert.True(t, tagged)
}

// ============================================================================
// Streaming
// ============================================================================

func TestQueryStream_DeliversDeltas(t *testing.T) {
	env := newTestEnv(t, nil)

	var deltas []string
	res, err := env.pipeline.QueryStream(context.Background(), query(testQuestion), func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)

	assert.Greater(t, len(deltas), 1)
	assert.Equal(t, res.Answer, strings.Join(deltas, ""))
	assert.NotEmpty(t, res.Sources)
}

func TestQueryStream_CachedAnswerArrivesAsOneDelta(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	first, err := env.pipeline.Query(ctx, query(testQuestion))
	require.NoError(t, err)

	var deltas []string
	res, err := env.pipeline.QueryStream(ctx, query(testQuestion), func(d string) {
		deltas = append(deltas, d)
	})
	require.NoError(t, err)
	assert.True(t, res.FromCache)
	require.Len(t, deltas, 1)
	assert.Equal(t, first.Answer, deltas[0])
}

// ============================================================================
// Construction
// ============================================================================

func TestNew_ValidatesDependencies(t *testing.T) {
	tests := []struct {
		name string
		nils func(*Deps)
		want string
	}{
		{"missing planner", func(d *Deps) { d.Planner = nil }, "planner"},
		{"missing embedder", func(d *Deps) { d.Embedder = nil }, "embedder"},
		{"missing retriever", func(d *Deps) { d.Retriever = nil }, "retriever"},
		{"missing reranker", func(d *Deps) { d.Reranker = nil }, "reranker"},
		{"missing generator", func(d *Deps) { d.Generator = nil }, "generator"},
		{"missing tracer", func(d *Deps) { d.Tracer = nil }, "tracer"},
		{"missing metrics", func(d *Deps) { d.Metrics = nil }, "metrics"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cat := store.NewCatalog(store.CatalogConfig{DataDir: t.TempDir()}, nil)
			t.Cleanup(func() { _ = cat.Close() })
			deps := Deps{
				Planner:   plan.NewPlanner(),
				Embedder:  embed.NewStaticEmbedder(),
				Retriever: retrieve.NewRetriever(cat, nil, nil),
				Reranker:  rerank.NewReranker(nil, nil, nil),
				Generator: &fakeGenerator{},
				Tracer:    trace.NewTracer(4),
				Metrics:   metrics.New(),
			}
			tt.nils(&deps)
			_, err := New(Config{}, deps)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}
