// Package plan derives per-query retrieval configuration. A query is
// classified into one of four families by pattern matching, and the class
// sets the dense/lexical fusion weights, the retrieval and rerank budgets,
// and the rerank/expansion gates. Planning is pure text analysis with no
// model calls, so plans for repeated queries come from an LRU cache.
package plan

import (
	"regexp"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"
)

// QueryClass is the classification category for a query.
type QueryClass string

const (
	// ClassFactual covers direct questions seeking a specific answer.
	ClassFactual QueryClass = "factual"

	// ClassProcedural covers how-to and step-by-step questions.
	ClassProcedural QueryClass = "procedural"

	// ClassConceptual covers why/purpose questions about ideas.
	ClassConceptual QueryClass = "conceptual"

	// ClassSearch covers enumeration and lookup requests.
	ClassSearch QueryClass = "search"
)

// Plan is the derived retrieval configuration for one query.
// DenseWeight and LexicalWeight always sum to 1.
type Plan struct {
	Class         QueryClass `json:"query_class"`
	DenseWeight   float64    `json:"dense_weight"`
	LexicalWeight float64    `json:"lexical_weight"`
	RetrieveK     int        `json:"retrieve_k"`
	RerankK       int        `json:"rerank_k"`
	UseRerank     bool       `json:"use_rerank"`
	UseExpansion  bool       `json:"use_expansion"`
	Confidence    float64    `json:"plan_confidence"`
}

// Classification patterns, compiled at package init. Each family scores
// one point per matching pattern; the highest-scoring family wins and
// full ties fall back to factual.
var (
	factualPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(what|who|when|where|which|how many|how much)\b`),
		regexp.MustCompile(`\b(define|definition|meaning|explain)\b`),
		regexp.MustCompile(`\b(compare|difference|similar|versus|vs)\b`),
	}
	proceduralPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(how to|how do|steps|process|procedure|method)\b`),
		regexp.MustCompile(`\b(implement|create|build|develop|setup|configure)\b`),
		regexp.MustCompile(`\b(tutorial|guide|walkthrough|example)\b`),
	}
	conceptualPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(why|reason|cause|purpose|benefit|advantage)\b`),
		regexp.MustCompile(`\b(concept|theory|principle|idea|notion)\b`),
		regexp.MustCompile(`\b(understand|comprehend|learn|study)\b`),
	}
	searchPatterns = []*regexp.Regexp{
		regexp.MustCompile(`\b(find|search|look for|locate|discover)\b`),
		regexp.MustCompile(`\b(list|show|display|present)\b`),
		regexp.MustCompile(`\b(available|options|choices|alternatives)\b`),
	}
)

// classOrder fixes evaluation order so score ties resolve deterministically,
// with factual first.
var classOrder = []struct {
	class    QueryClass
	patterns []*regexp.Regexp
}{
	{ClassFactual, factualPatterns},
	{ClassProcedural, proceduralPatterns},
	{ClassConceptual, conceptualPatterns},
	{ClassSearch, searchPatterns},
}

// Token vocabularies consulted by the weight adjustments and gates.
var (
	technicalTokens = map[string]bool{
		"api": true, "function": true, "method": true,
		"class": true, "code": true, "syntax": true,
	}
	connectiveTokens = map[string]bool{
		"and": true, "or": true, "but": true,
		"however": true, "although": true, "while": true,
	}
	specificityTokens = map[string]bool{
		"specific": true, "exact": true, "precise": true,
		"detailed": true, "particular": true,
	}
	hedgingTokens = map[string]bool{
		"maybe": true, "might": true, "could": true, "possibly": true,
	}
)

const (
	// shortQueryTokens is the length below which keyword matching gets
	// a weight boost; longQueryTokens is the length above which semantic
	// similarity gets one.
	shortQueryTokens = 5
	longQueryTokens  = 10

	// weightShift is how much each adjustment moves between the sides.
	weightShift = 0.10

	// DefaultPlanCacheSize bounds the memoized plans. Plans are small,
	// so this costs well under a megabyte.
	DefaultPlanCacheSize = 10000
)

// tokenCutset strips surrounding punctuation before vocabulary lookups.
const tokenCutset = `.,;:!?"'()[]{}`

// Planner builds plans and memoizes them by normalized query text.
type Planner struct {
	cache *lru.Cache[string, Plan]
}

// NewPlanner creates a Planner with the default cache size.
func NewPlanner() *Planner {
	cache, _ := lru.New[string, Plan](DefaultPlanCacheSize)
	return &Planner{cache: cache}
}

// BuildPlan derives the plan for a query. Queries differing only in case
// or surrounding whitespace share one plan.
func (p *Planner) BuildPlan(query string) Plan {
	key := strings.ToLower(strings.TrimSpace(query))
	if plan, ok := p.cache.Get(key); ok {
		return plan
	}
	plan := buildPlan(key)
	p.cache.Add(key, plan)
	return plan
}

// buildPlan derives a plan from an already lowercased query.
func buildPlan(q string) Plan {
	fields := strings.Fields(q)
	tokens := make([]string, len(fields))
	for i, f := range fields {
		tokens[i] = strings.Trim(f, tokenCutset)
	}

	class := classify(q)
	dense, lexical := fusionWeights(class, len(fields), tokens)

	return Plan{
		Class:         class,
		DenseWeight:   dense,
		LexicalWeight: lexical,
		RetrieveK:     retrieveK(class),
		RerankK:       rerankK(class),
		UseRerank:     useRerank(class, len(fields), tokens),
		UseExpansion:  useExpansion(class, len(fields), tokens),
		Confidence:    planConfidence(class, len(fields), tokens),
	}
}

// classify scores the query against each family and returns the best.
// Only a strictly higher score displaces an earlier family, so a query
// matching nothing is factual.
func classify(q string) QueryClass {
	best := ClassFactual
	bestScore := 0
	for _, fam := range classOrder {
		score := 0
		for _, re := range fam.patterns {
			if re.MatchString(q) {
				score++
			}
		}
		if score > bestScore {
			best = fam.class
			bestScore = score
		}
	}
	return best
}

// fusionWeights returns the (dense, lexical) pair for the class, adjusted
// for query length and technical vocabulary, renormalized to sum to 1.
func fusionWeights(class QueryClass, tokenCount int, tokens []string) (float64, float64) {
	var dense, lexical float64
	switch class {
	case ClassFactual:
		dense, lexical = 0.60, 0.40
	case ClassProcedural:
		dense, lexical = 0.40, 0.60
	case ClassConceptual:
		dense, lexical = 0.70, 0.30
	case ClassSearch:
		dense, lexical = 0.30, 0.70
	}

	switch {
	case tokenCount > longQueryTokens:
		dense += weightShift
		lexical -= weightShift
	case tokenCount < shortQueryTokens:
		lexical += weightShift
		dense -= weightShift
	}

	if containsAny(tokens, technicalTokens) {
		lexical += weightShift
		dense -= weightShift
	}

	total := dense + lexical
	return dense / total, lexical / total
}

func retrieveK(class QueryClass) int {
	switch class {
	case ClassFactual:
		return 8
	case ClassProcedural:
		return 12
	case ClassConceptual:
		return 10
	default:
		return 15
	}
}

func rerankK(class QueryClass) int {
	switch class {
	case ClassFactual:
		return 5
	case ClassProcedural:
		return 8
	case ClassConceptual:
		return 6
	default:
		return 10
	}
}

// useRerank gates the rerank stage: long queries, the classes that
// benefit most, and queries joining multiple concepts.
func useRerank(class QueryClass, tokenCount int, tokens []string) bool {
	if tokenCount > 8 {
		return true
	}
	if class == ClassFactual || class == ClassConceptual {
		return true
	}
	return countIn(tokens, connectiveTokens) >= 2
}

// useExpansion gates lexical query expansion: short queries, conceptual
// queries, and queries without specificity markers.
func useExpansion(class QueryClass, tokenCount int, tokens []string) bool {
	if tokenCount < 4 {
		return true
	}
	if class == ClassConceptual {
		return true
	}
	return !containsAny(tokens, specificityTokens)
}

// planConfidence scores how much the rest of the pipeline should trust
// this plan, clamped to [0,1].
func planConfidence(class QueryClass, tokenCount int, tokens []string) float64 {
	c := 0.7
	if tokenCount > shortQueryTokens {
		c += 0.1
	}
	if tokenCount > longQueryTokens {
		c += 0.1
	}
	if class == ClassFactual || class == ClassProcedural {
		c += 0.1
	}
	if containsAny(tokens, hedgingTokens) {
		c -= 0.2
	}
	return min(1.0, max(0.0, c))
}

func containsAny(tokens []string, vocab map[string]bool) bool {
	for _, t := range tokens {
		if vocab[t] {
			return true
		}
	}
	return false
}

func countIn(tokens []string, vocab map[string]bool) int {
	n := 0
	for _, t := range tokens {
		if vocab[t] {
			n++
		}
	}
	return n
}
