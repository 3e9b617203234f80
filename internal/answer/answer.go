// Package answer turns reranked retrieval candidates into grounded,
// validated responses. The model only ever sees the enumerated sources;
// generated text that breaks the grounding rules is replaced with a
// structured refusal.
package answer

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strings"

	openaisdk "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/Aman-CERP/ragserve/internal/config"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/token"
)

// Confidence formula weights.
const (
	sourceBonus     = 0.05
	maxBonusSources = 4
	planBonus       = 0.1
)

// Source describes one document behind an answer, numbered to match the
// "Source N" markers in the text.
type Source struct {
	Index        int     `json:"index"`
	Source       string  `json:"source"`
	SectionTitle string  `json:"section_title,omitempty"`
	Page         string  `json:"page,omitempty"`
	Relevance    float64 `json:"relevance"`
}

// Answer is one grounded response with its supporting material.
type Answer struct {
	Text          string   `json:"answer"`
	Sources       []Source `json:"sources"`
	Contexts      []string `json:"contexts"`
	Confidence    float64  `json:"confidence"`
	TokensUsed    int      `json:"tokens_used"`
	Refused       bool     `json:"refused,omitempty"`
	RefusalReason string   `json:"refusal_reason,omitempty"`
}

// Request is one answer invocation. Candidates arrive reranked, best
// first; their order decides prompt numbering and eviction priority.
type Request struct {
	Question       string
	Candidates     []*retrieve.Candidate
	PlanConfidence float64
}

// Answerer generates answers through an OpenAI-compatible chat API.
type Answerer struct {
	client  openaisdk.Client
	model   openaisdk.ChatModel
	counter token.Counter
	cfg     config.LLMConfig
	rules   *validator
	log     *slog.Logger
}

// New creates an Answerer from the LLM configuration. The API key falls
// back to OPENAI_API_KEY; a custom Endpoint points the client at any
// OpenAI-compatible server.
func New(cfg config.LLMConfig, log *slog.Logger) (*Answerer, error) {
	if cfg.Model == "" {
		return nil, fmt.Errorf("llm model is required")
	}
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = os.Getenv("OPENAI_API_KEY")
	}
	if apiKey == "" {
		return nil, fmt.Errorf("llm api key is required (set llm.api_key or OPENAI_API_KEY)")
	}
	if log == nil {
		log = slog.Default()
	}

	opts := []option.RequestOption{
		option.WithAPIKey(apiKey),
		option.WithMaxRetries(2),
	}
	if strings.TrimSpace(cfg.Endpoint) != "" {
		opts = append(opts, option.WithBaseURL(cfg.Endpoint))
	}

	counter := token.NewCounter(cfg.Model)
	return &Answerer{
		client:  openaisdk.NewClient(opts...),
		model:   openaisdk.ChatModel(cfg.Model),
		counter: counter,
		cfg:     cfg,
		rules: &validator{
			counter:            counter,
			maxTokens:          cfg.MaxTokens,
			requireCitations:   cfg.CitationsRequired(),
			forbidUnverifiable: cfg.UnverifiableForbidden(),
		},
		log: log,
	}, nil
}

// Answer generates a buffered answer.
func (a *Answerer) Answer(ctx context.Context, req Request) (*Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput, "question must not be empty", nil)
	}
	if len(req.Candidates) == 0 {
		return noEvidence(), nil
	}

	kept := a.prepare(req)

	resp, err := a.client.Chat.Completions.New(ctx, a.chatParams(req.Question, kept))
	if err != nil {
		return nil, ragerrors.Wrap(ragerrors.ErrCodeGenerationFailed, err)
	}
	if len(resp.Choices) == 0 {
		return nil, ragerrors.New(ragerrors.ErrCodeGenerationFailed, "model returned no choices", nil)
	}

	text := resp.Choices[0].Message.Content
	tokens := int(resp.Usage.TotalTokens)
	if tokens == 0 {
		tokens = a.counter.Count(text)
	}

	return a.finish(req, kept, text, tokens), nil
}

// AnswerStream generates with streaming, invoking onDelta for every
// content fragment as it arrives. The returned Answer carries the
// accumulated text, validation outcome, and confidence for the trailing
// metadata frame. Validation is best-effort here: forwarded content
// cannot be recalled, so a failed rule only marks the result.
func (a *Answerer) AnswerStream(ctx context.Context, req Request, onDelta func(string)) (*Answer, error) {
	if strings.TrimSpace(req.Question) == "" {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput, "question must not be empty", nil)
	}
	if len(req.Candidates) == 0 {
		return noEvidence(), nil
	}

	kept := a.prepare(req)
	params := a.chatParams(req.Question, kept)
	params.StreamOptions = openaisdk.ChatCompletionStreamOptionsParam{
		IncludeUsage: openaisdk.Bool(true),
	}

	stream := a.client.Chat.Completions.NewStreaming(ctx, params)
	defer stream.Close()

	acc := openaisdk.ChatCompletionAccumulator{}
	var text strings.Builder
	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)
		if len(chunk.Choices) == 0 {
			continue
		}
		if delta := chunk.Choices[0].Delta.Content; delta != "" {
			text.WriteString(delta)
			if onDelta != nil {
				onDelta(delta)
			}
		}
	}
	if err := stream.Err(); err != nil {
		return nil, ragerrors.Wrap(ragerrors.ErrCodeGenerationFailed, err)
	}

	tokens := int(acc.Usage.TotalTokens)
	if tokens == 0 {
		tokens = a.counter.Count(text.String())
	}

	return a.finish(req, kept, text.String(), tokens), nil
}

// prepare caps the candidate list and fits it into the context budget.
func (a *Answerer) prepare(req Request) []*retrieve.Candidate {
	cands := req.Candidates
	if a.cfg.MaxSources > 0 && len(cands) > a.cfg.MaxSources {
		cands = cands[:a.cfg.MaxSources]
	}
	if a.cfg.MaxContextTokens > 0 {
		cands = budgetContexts(req.Question, cands, a.counter, a.cfg.MaxContextTokens, a.cfg.MaxTokens)
	}
	return cands
}

func (a *Answerer) chatParams(question string, kept []*retrieve.Candidate) openaisdk.ChatCompletionNewParams {
	params := openaisdk.ChatCompletionNewParams{
		Model: a.model,
		Messages: []openaisdk.ChatCompletionMessageParamUnion{
			openaisdk.SystemMessage(buildSystemPrompt(a.cfg.MaxTokens)),
			openaisdk.UserMessage(buildUserPrompt(question, kept)),
		},
	}
	if a.cfg.MaxTokens > 0 {
		params.MaxTokens = openaisdk.Int(int64(a.cfg.MaxTokens))
	}
	if a.cfg.Temperature > 0 {
		params.Temperature = openaisdk.Float(a.cfg.Temperature)
	}
	return params
}

// finish validates generated text and assembles the response.
func (a *Answerer) finish(req Request, kept []*retrieve.Candidate, text string, tokens int) *Answer {
	ans := &Answer{
		Text:       text,
		Sources:    SourcesFor(kept),
		Contexts:   ContextsFor(kept),
		TokensUsed: tokens,
	}

	if reason := a.rules.check(text); reason != "" {
		a.log.Warn("answer_validation_failed",
			slog.String("reason", reason),
			slog.Int("tokens", tokens))
		ans.Text = refusalText(reason)
		ans.Refused = true
		ans.RefusalReason = reason
		return ans
	}

	if isRefusal(text) {
		ans.Refused = true
		ans.RefusalReason = "insufficient evidence in the retrieved sources"
		return ans
	}

	ans.Confidence = confidence(kept, req.PlanConfidence)
	return ans
}

// noEvidence is the response when retrieval produced nothing to ground on.
func noEvidence() *Answer {
	return &Answer{
		Text:          insufficientEvidence,
		Sources:       []Source{},
		Contexts:      []string{},
		Refused:       true,
		RefusalReason: "no candidates retrieved",
	}
}

func refusalText(reason string) string {
	return fmt.Sprintf("I can't provide a reliable answer to this question (%s). Try rephrasing it, or ingest documents that cover the topic.", reason)
}

// confidence scores an answer from its evidence: the top fused score,
// a bonus per distinct source (capped at 4), and a share of the plan's
// own confidence, clamped to 1.
func confidence(kept []*retrieve.Candidate, planConfidence float64) float64 {
	if len(kept) == 0 {
		return 0
	}
	unique := make(map[string]struct{}, len(kept))
	for _, c := range kept {
		unique[sourceName(c)] = struct{}{}
	}
	score := kept[0].FusedScore +
		sourceBonus*float64(min(maxBonusSources, len(unique))) +
		planBonus*planConfidence
	return min(1.0, score)
}

// SourcesFor numbers candidates into response source entries, matching
// the "Source N" markers the prompt shows the model.
func SourcesFor(kept []*retrieve.Candidate) []Source {
	out := make([]Source, len(kept))
	for i, c := range kept {
		s := Source{
			Index:        i + 1,
			Source:       sourceName(c),
			SectionTitle: c.Metadata[store.MetaSectionTitle],
			Relevance:    c.FusedScore,
		}
		if page := c.Metadata[store.MetaPage]; page != "" && page != "0" {
			s.Page = page
		}
		out[i] = s
	}
	return out
}

// ContextsFor returns the candidate texts in prompt order.
func ContextsFor(kept []*retrieve.Candidate) []string {
	out := make([]string, len(kept))
	for i, c := range kept {
		out[i] = c.Text
	}
	return out
}
