// Package pipeline runs one query end to end: admission, planning, query
// embedding, retrieval, reranking, and grounded generation. The stages
// stay oblivious to observability; the pipeline wraps each one in a trace
// span, times it into the metrics registry, and returns the per-stage
// latencies with the answer. The request deadline bounds every stage, and
// exhausting it mid-flight yields a partial result assembled from what
// the finished stages produced.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/Aman-CERP/ragserve/internal/admission"
	"github.com/Aman-CERP/ragserve/internal/answer"
	"github.com/Aman-CERP/ragserve/internal/cache"
	"github.com/Aman-CERP/ragserve/internal/embed"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/fingerprint"
	"github.com/Aman-CERP/ragserve/internal/metrics"
	"github.com/Aman-CERP/ragserve/internal/plan"
	"github.com/Aman-CERP/ragserve/internal/rerank"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/trace"
)

// Stage names, shared by spans, metric labels, and the latency breakdown.
const (
	StageAdmission = "admission"
	StageCache     = "cache"
	StagePlan      = "plan"
	StageEmbed     = "embed"
	StageRetrieve  = "retrieve"
	StageRerank    = "rerank"
	StageAnswer    = "answer"
)

// insufficientTime is the answer text of a partial result returned when
// the request deadline expires mid-pipeline.
const insufficientTime = "insufficient time"

// anonymousClient accounts requests that carry no client identity.
const anonymousClient = "anonymous"

// Request is one query. The pointer knobs distinguish absent from false,
// so an omitted field keeps its default of enabled.
type Request struct {
	Question   string `json:"question"`
	Collection string `json:"collection"`

	// ClientID names the caller for admission accounting. Filled by the
	// transport layer, never from the request body.
	ClientID string `json:"-"`

	// TopK caps the final result count. Zero defers to the plan, or to
	// the configured default when planning is off.
	TopK              int   `json:"top_k,omitempty"`
	UseHybrid         *bool `json:"use_hybrid,omitempty"`
	UseReranking      *bool `json:"use_reranking,omitempty"`
	UseQueryExpansion *bool `json:"use_query_expansion,omitempty"`
	UsePlanning       *bool `json:"use_planning,omitempty"`
}

// Result is one complete query response.
type Result struct {
	Answer                string             `json:"answer"`
	Sources               []answer.Source    `json:"sources"`
	Contexts              []string           `json:"contexts"`
	Confidence            float64            `json:"confidence"`
	ProcessingTimeSeconds float64            `json:"processing_time_seconds"`
	TokensUsed            int                `json:"tokens_used"`
	LatencyBreakdown      map[string]float64 `json:"latency_breakdown"`
	SearchStrategy        string             `json:"search_strategy"`
	QueryPlan             *plan.Plan         `json:"query_plan,omitempty"`
	DeadlineExceeded      bool               `json:"deadline_exceeded,omitempty"`
	Refused               bool               `json:"refused,omitempty"`
	RefusalReason         string             `json:"refusal_reason,omitempty"`
	FromCache             bool               `json:"from_cache,omitempty"`
	TraceID               string             `json:"trace_id,omitempty"`
}

// Generator produces grounded answers from ranked candidates.
// *answer.Answerer is the production implementation.
type Generator interface {
	Answer(ctx context.Context, req answer.Request) (*answer.Answer, error)
	AnswerStream(ctx context.Context, req answer.Request, onDelta func(string)) (*answer.Answer, error)
}

// Config tunes one pipeline instance.
type Config struct {
	// Deadline bounds one request end to end when the caller's context
	// carries none. Zero leaves requests unbounded.
	Deadline time.Duration
	// DefaultTopK applies when a request leaves TopK at zero and
	// planning is off.
	DefaultTopK int
	// MaxTopK caps any requested TopK. Zero leaves it uncapped.
	MaxTopK int
	// Model labels generation token metrics.
	Model string
	// MinConfidence below which a served answer is logged and tagged as
	// low confidence. The answer still stands; callers read the score.
	MinConfidence float64
}

// Deps carries the stages and shared services the pipeline composes.
// Admission is optional for embedded callers that enforce quotas
// elsewhere; Cache is optional and nil disables the answer cache.
type Deps struct {
	Admission *admission.Controller
	Planner   *plan.Planner
	Embedder  embed.Embedder
	Retriever *retrieve.Retriever
	Reranker  *rerank.Reranker
	Generator Generator
	Cache     cache.Cache
	Tracer    *trace.Tracer
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

func (d *Deps) validate() error {
	if d.Planner == nil {
		return fmt.Errorf("pipeline requires a planner")
	}
	if d.Embedder == nil {
		return fmt.Errorf("pipeline requires an embedder")
	}
	if d.Retriever == nil {
		return fmt.Errorf("pipeline requires a retriever")
	}
	if d.Reranker == nil {
		return fmt.Errorf("pipeline requires a reranker")
	}
	if d.Generator == nil {
		return fmt.Errorf("pipeline requires a generator")
	}
	if d.Tracer == nil {
		return fmt.Errorf("pipeline requires a tracer")
	}
	if d.Metrics == nil {
		return fmt.Errorf("pipeline requires a metrics registry")
	}
	return nil
}

// Pipeline orchestrates the query stages.
type Pipeline struct {
	cfg       Config
	admission *admission.Controller
	planner   *plan.Planner
	embedder  embed.Embedder
	retriever *retrieve.Retriever
	reranker  *rerank.Reranker
	generator Generator
	cache     cache.Cache
	tracer    *trace.Tracer
	metrics   *metrics.Metrics
	log       *slog.Logger
}

// New validates the dependencies and creates a Pipeline.
func New(cfg Config, deps Deps) (*Pipeline, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	if cfg.DefaultTopK <= 0 {
		cfg.DefaultTopK = 5
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Pipeline{
		cfg:       cfg,
		admission: deps.Admission,
		planner:   deps.Planner,
		embedder:  deps.Embedder,
		retriever: deps.Retriever,
		reranker:  deps.Reranker,
		generator: deps.Generator,
		cache:     deps.Cache,
		tracer:    deps.Tracer,
		metrics:   deps.Metrics,
		log:       log,
	}, nil
}

// Query answers one question over a collection with a buffered response.
func (p *Pipeline) Query(ctx context.Context, req Request) (*Result, error) {
	return p.run(ctx, req, nil)
}

// QueryStream behaves like Query but forwards generated text through
// onDelta as it arrives. A cached answer arrives as a single delta.
// Validation runs after generation, so the returned result can mark a
// refusal even though deltas were already delivered.
func (p *Pipeline) QueryStream(ctx context.Context, req Request, onDelta func(string)) (*Result, error) {
	if onDelta == nil {
		onDelta = func(string) {}
	}
	return p.run(ctx, req, onDelta)
}

func (p *Pipeline) run(ctx context.Context, req Request, onDelta func(string)) (*Result, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeQueryEmpty, "question must not be empty", nil)
	}
	if strings.TrimSpace(req.Collection) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidCollection, "collection must not be empty", nil)
	}
	if req.TopK < 0 {
		req.TopK = 0
	}
	if p.cfg.MaxTopK > 0 && req.TopK > p.cfg.MaxTopK {
		req.TopK = p.cfg.MaxTopK
	}

	if p.cfg.Deadline > 0 {
		if _, ok := ctx.Deadline(); !ok {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, p.cfg.Deadline)
			defer cancel()
		}
	}

	started := time.Now()
	tr := p.tracer.StartTrace("query")
	tr.Root().SetTag("collection", req.Collection)
	tr.Root().SetTag("client_id", clientOf(req))

	res, err := p.execute(ctx, req, tr, started, onDelta)

	outcome := metrics.OutcomeSuccess
	switch {
	case err != nil:
		if ragerrors.GetCategory(err) == ragerrors.CategoryAdmission {
			outcome = metrics.OutcomeDenied
		} else {
			outcome = metrics.OutcomeError
		}
	case res.DeadlineExceeded:
		outcome = metrics.OutcomePartial
	case res.Refused:
		outcome = metrics.OutcomeRefused
	}
	p.metrics.RecordQuery(req.Collection, outcome)

	if err != nil {
		tr.Finish(err)
		p.log.Warn("query_failed",
			slog.String("collection", req.Collection),
			slog.String("outcome", outcome),
			slog.String("error", err.Error()))
		return nil, err
	}

	p.metrics.QueryResults.WithLabelValues(req.Collection).Observe(float64(len(res.Contexts)))
	if res.DeadlineExceeded {
		tr.Finish(ragerrors.New(ragerrors.ErrCodeDeadlineExceeded,
			"request deadline exhausted", context.DeadlineExceeded))
	} else {
		tr.Finish(nil)
	}
	p.log.Info("query_completed",
		slog.String("collection", req.Collection),
		slog.String("outcome", outcome),
		slog.String("strategy", res.SearchStrategy),
		slog.Float64("seconds", res.ProcessingTimeSeconds),
		slog.Int("sources", len(res.Sources)))
	return res, nil
}

// execute walks the stages. Each stage checks the deadline on entry and
// runs inside its own span; a deadline hit anywhere downgrades to a
// partial result instead of an error.
func (p *Pipeline) execute(ctx context.Context, req Request, tr *trace.Trace, started time.Time, onDelta func(string)) (*Result, error) {
	latency := make(map[string]float64)

	stage := func(name string, fn func(context.Context, *trace.Span) error) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		sp := tr.StartSpan(name)
		t0 := time.Now()
		err := fn(ctx, sp)
		secs := time.Since(t0).Seconds()
		latency[name] = secs
		p.metrics.RecordStage(name, req.Collection, secs)
		sp.End(err)
		return err
	}

	partial := func(planned *plan.Plan, cands []*retrieve.Candidate, strategy string) *Result {
		if k := p.finalK(req); len(cands) > k {
			cands = cands[:k]
		}
		return &Result{
			Answer:                insufficientTime,
			Sources:               answer.SourcesFor(cands),
			Contexts:              answer.ContextsFor(cands),
			ProcessingTimeSeconds: time.Since(started).Seconds(),
			LatencyBreakdown:      latency,
			SearchStrategy:        strategy,
			QueryPlan:             planned,
			DeadlineExceeded:      true,
			TraceID:               tr.ID(),
		}
	}

	// Admission.
	if p.admission != nil {
		var dec admission.Decision
		err := stage(StageAdmission, func(_ context.Context, sp *trace.Span) error {
			dec = p.admission.Admit(clientOf(req), admission.ScopeQuery)
			sp.SetTag("allowed", dec.Allowed)
			if !dec.Allowed {
				sp.SetTag("reason", dec.Reason)
				return admission.DenialError(dec)
			}
			return nil
		})
		if err != nil {
			if deadlineHit(ctx) {
				return partial(nil, nil, ""), nil
			}
			if dec.Reason != "" {
				p.metrics.RecordDenial(dec.Reason)
			}
			return nil, err
		}
		defer dec.Ticket.Release()
	}

	// Cached answer fast path.
	key := p.answerKey(req)
	if p.cache != nil {
		var hit *Result
		err := stage(StageCache, func(c context.Context, sp *trace.Span) error {
			if cached, ok := cache.GetJSON[Result](c, p.cache, cache.FamilyAnswer, key); ok {
				hit = &cached
			}
			sp.SetTag("hit", hit != nil)
			return nil
		})
		if err != nil {
			if deadlineHit(ctx) {
				return partial(nil, nil, ""), nil
			}
			return nil, err
		}
		p.metrics.RecordCache(string(cache.FamilyAnswer), hit != nil)
		if hit != nil {
			hit.FromCache = true
			hit.TraceID = tr.ID()
			hit.ProcessingTimeSeconds = time.Since(started).Seconds()
			hit.LatencyBreakdown = latency
			if onDelta != nil {
				onDelta(hit.Answer)
			}
			return hit, nil
		}
	}

	// Planning. The knobs gate what the plan enables: a false knob turns
	// the feature off, a true or absent knob lets the plan decide.
	var (
		pl      plan.Plan
		planned *plan.Plan
	)
	if err := stage(StagePlan, func(_ context.Context, sp *trace.Span) error {
		if enabled(req.UsePlanning) {
			pl = p.planner.BuildPlan(req.Question)
			planned = &pl
			sp.SetTag("class", string(pl.Class))
			sp.SetTag("plan_confidence", pl.Confidence)
		} else {
			pl = p.defaultPlan()
		}
		if req.TopK > 0 {
			pl.RerankK = req.TopK
			if pl.RetrieveK < 2*req.TopK {
				pl.RetrieveK = 2 * req.TopK
			}
		}
		if !enabled(req.UseHybrid) {
			pl.DenseWeight = 1
			pl.LexicalWeight = 0
		}
		pl.UseRerank = pl.UseRerank && enabled(req.UseReranking)
		pl.UseExpansion = pl.UseExpansion && enabled(req.UseQueryExpansion)
		sp.SetTag("retrieve_k", pl.RetrieveK)
		sp.SetTag("rerank_k", pl.RerankK)
		return nil
	}); err != nil {
		if deadlineHit(ctx) {
			return partial(nil, nil, ""), nil
		}
		return nil, err
	}

	// Query embedding.
	var vec []float32
	if err := stage(StageEmbed, func(c context.Context, sp *trace.Span) error {
		v, err := p.embedder.Embed(c, req.Question)
		if err != nil {
			return err
		}
		vec = v
		sp.SetTag("dimensions", len(v))
		return nil
	}); err != nil {
		if deadlineHit(ctx) {
			return partial(planned, nil, ""), nil
		}
		p.metrics.RecordError("embedding_failed", StageEmbed)
		return nil, coerce(ragerrors.ErrCodeEmbeddingFailed, err)
	}

	// Retrieval.
	fp := fingerprint.QueryFingerprint(req.Question, req.Collection, nil)
	var ret *retrieve.Result
	if err := stage(StageRetrieve, func(c context.Context, sp *trace.Span) error {
		r, err := p.retriever.Retrieve(c, retrieve.Request{
			Collection: req.Collection,
			Query:      req.Question,
			Vector:     vec,
			Plan:       pl,
		})
		if err != nil {
			return err
		}
		ret = r
		sp.SetTag("candidates", len(r.Candidates))
		sp.SetTag("from_cache", r.FromCache)
		if r.LexicalUnavailable {
			sp.SetTag("lexical_unavailable", true)
		}
		return nil
	}); err != nil {
		if deadlineHit(ctx) {
			return partial(planned, nil, ""), nil
		}
		p.metrics.RecordError("retrieval_failed", StageRetrieve)
		return nil, coerce(ragerrors.ErrCodeSearchFailed, err)
	}
	p.metrics.RecordCache(string(cache.FamilyVectorHits), ret.FromCache)
	cands := ret.Candidates

	// Reranking.
	var rr *rerank.Result
	if pl.UseRerank && len(cands) > 0 {
		if err := stage(StageRerank, func(c context.Context, sp *trace.Span) error {
			r, err := p.reranker.Rerank(c, rerank.Request{
				Collection:  req.Collection,
				Query:       req.Question,
				Fingerprint: fp,
				Candidates:  cands,
				RerankK:     pl.RerankK,
			})
			if err != nil {
				return err
			}
			rr = r
			sp.SetTag("skipped", r.Skipped)
			sp.SetTag("cache_hits", r.CacheHits)
			sp.SetTag("scored", r.Scored)
			return nil
		}); err != nil {
			if deadlineHit(ctx) {
				return partial(planned, cands, strategyOf(pl, ret, nil)), nil
			}
			p.metrics.RecordError("rerank_failed", StageRerank)
			return nil, coerce(ragerrors.ErrCodeRerankerUnavailable, err)
		}
		cands = rr.Candidates
		if rr.CacheHits > 0 {
			p.metrics.CacheHits.WithLabelValues(string(cache.FamilyRerankScore)).Add(float64(rr.CacheHits))
		}
		if rr.Scored > 0 {
			p.metrics.CacheMisses.WithLabelValues(string(cache.FamilyRerankScore)).Add(float64(rr.Scored))
		}
	} else if pl.RerankK > 0 && len(cands) > pl.RerankK {
		cands = cands[:pl.RerankK]
	}
	strategy := strategyOf(pl, ret, rr)

	// Generation.
	var ans *answer.Answer
	if err := stage(StageAnswer, func(c context.Context, sp *trace.Span) error {
		areq := answer.Request{
			Question:       req.Question,
			Candidates:     cands,
			PlanConfidence: pl.Confidence,
		}
		var err error
		if onDelta != nil {
			ans, err = p.generator.AnswerStream(c, areq, onDelta)
		} else {
			ans, err = p.generator.Answer(c, areq)
		}
		if err != nil {
			return err
		}
		sp.SetTag("tokens", ans.TokensUsed)
		sp.SetTag("refused", ans.Refused)
		if !ans.Refused && ans.Confidence < p.cfg.MinConfidence {
			sp.SetTag("low_confidence", true)
			p.log.Warn("low_confidence_answer",
				slog.String("collection", req.Collection),
				slog.Float64("confidence", ans.Confidence))
		}
		return nil
	}); err != nil {
		if deadlineHit(ctx) {
			return partial(planned, cands, strategy), nil
		}
		p.metrics.RecordError("generation_failed", StageAnswer)
		return nil, coerce(ragerrors.ErrCodeGenerationFailed, err)
	}
	if ans.TokensUsed > 0 && p.cfg.Model != "" {
		p.metrics.GenerationTokens.WithLabelValues(p.cfg.Model).Add(float64(ans.TokensUsed))
	}

	res := &Result{
		Answer:                ans.Text,
		Sources:               ans.Sources,
		Contexts:              ans.Contexts,
		Confidence:            ans.Confidence,
		ProcessingTimeSeconds: time.Since(started).Seconds(),
		TokensUsed:            ans.TokensUsed,
		LatencyBreakdown:      latency,
		SearchStrategy:        strategy,
		QueryPlan:             planned,
		Refused:               ans.Refused,
		RefusalReason:         ans.RefusalReason,
		TraceID:               tr.ID(),
	}

	if p.cache != nil && !ans.Refused {
		stored := *res
		stored.TraceID = ""
		cache.SetJSON(ctx, p.cache, cache.FamilyAnswer, key, stored,
			cache.CollectionTag(req.Collection))
	}
	return res, nil
}

// defaultPlan is the balanced configuration used when adaptive planning
// is off. The knobs and TopK still apply on top of it.
func (p *Pipeline) defaultPlan() plan.Plan {
	k := p.cfg.DefaultTopK
	return plan.Plan{
		DenseWeight:   0.5,
		LexicalWeight: 0.5,
		RetrieveK:     2 * k,
		RerankK:       k,
		UseRerank:     true,
		UseExpansion:  true,
	}
}

// finalK is the result count a partial response is trimmed to.
func (p *Pipeline) finalK(req Request) int {
	if req.TopK > 0 {
		return req.TopK
	}
	return p.cfg.DefaultTopK
}

// answerKey fingerprints the question, collection, and every knob that
// shapes the response, so differently shaped requests never share a
// cached answer.
func (p *Pipeline) answerKey(req Request) string {
	knobs := map[string]string{
		"top_k":     strconv.Itoa(req.TopK),
		"hybrid":    strconv.FormatBool(enabled(req.UseHybrid)),
		"rerank":    strconv.FormatBool(enabled(req.UseReranking)),
		"expansion": strconv.FormatBool(enabled(req.UseQueryExpansion)),
		"planning":  strconv.FormatBool(enabled(req.UsePlanning)),
	}
	return fingerprint.QueryFingerprint(req.Question, req.Collection, knobs)
}

// strategyOf names what actually ran, not what was requested.
func strategyOf(pl plan.Plan, ret *retrieve.Result, rr *rerank.Result) string {
	s := "dense"
	if pl.LexicalWeight > 0 && !ret.LexicalUnavailable {
		s = "hybrid"
	}
	if rr != nil && !rr.Skipped {
		s += "+rerank"
	}
	return s
}

// enabled reads a tri-state knob; absent means on.
func enabled(v *bool) bool { return v == nil || *v }

func clientOf(req Request) string {
	if req.ClientID != "" {
		return req.ClientID
	}
	return anonymousClient
}

// deadlineHit reports whether the request's own deadline expired, as
// opposed to a stage failing for reasons of its own.
func deadlineHit(ctx context.Context) bool {
	return errors.Is(ctx.Err(), context.DeadlineExceeded)
}

// coerce wraps err under code unless it already carries a service code.
func coerce(code string, err error) error {
	var se *ragerrors.ServiceError
	if errors.As(err, &se) {
		return err
	}
	return ragerrors.Wrap(code, err)
}
