// Package telemetry aggregates per-query events in memory. The recorder
// feeds the collection stats endpoint and the stats CLI; nothing leaves
// the process.
package telemetry

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
)

// LatencyBucket is one bin of the latency histogram.
type LatencyBucket string

const (
	BucketP10   LatencyBucket = "p10"   // <10ms
	BucketP50   LatencyBucket = "p50"   // 10-50ms
	BucketP100  LatencyBucket = "p100"  // 50-100ms
	BucketP500  LatencyBucket = "p500"  // 100-500ms
	BucketP1000 LatencyBucket = "p1000" // >=500ms
)

// LatencyToBucket converts a duration to its histogram bucket.
func LatencyToBucket(d time.Duration) LatencyBucket {
	ms := d.Milliseconds()
	switch {
	case ms < 10:
		return BucketP10
	case ms < 50:
		return BucketP50
	case ms < 100:
		return BucketP100
	case ms < 500:
		return BucketP500
	default:
		return BucketP1000
	}
}

// Event is one answered query.
type Event struct {
	Collection string
	Query      string
	// Class is the plan's classification; empty when planning was off.
	Class    string
	Strategy string
	Latency  time.Duration
	Results  int
	CacheHit bool
	Refused  bool
}

// TermCount is a query term and how often it appeared.
type TermCount struct {
	Term  string `json:"term"`
	Count int64  `json:"count"`
}

// CollectionStats summarizes the queries one collection has served.
type CollectionStats struct {
	TotalQueries        int64                   `json:"total_queries"`
	ClassCounts         map[string]int64        `json:"class_counts,omitempty"`
	StrategyCounts      map[string]int64        `json:"strategy_counts,omitempty"`
	LatencyDistribution map[LatencyBucket]int64 `json:"latency_distribution,omitempty"`
	AverageLatencyMS    float64                 `json:"average_latency_ms"`
	CacheHits           int64                   `json:"cache_hits"`
	CacheHitRate        float64                 `json:"cache_hit_rate"`
	ZeroResultCount     int64                   `json:"zero_result_count"`
	ZeroResultRate      float64                 `json:"zero_result_rate"`
	RefusedCount        int64                   `json:"refused_count"`
}

// Snapshot is the service-wide view: aggregate counters plus the global
// term and zero-result rings.
type Snapshot struct {
	CollectionStats
	TopTerms          []TermCount `json:"top_terms,omitempty"`
	RecentZeroResults []string    `json:"recent_zero_results,omitempty"`
	ExactRepeatCount  int64       `json:"exact_repeat_count"`
	ExactRepeatRate   float64     `json:"exact_repeat_rate"`
	Since             time.Time   `json:"since"`
}

// Config sizes the recorder's bounded structures.
type Config struct {
	// TopTermsCapacity bounds the term frequency table. Default 100.
	TopTermsCapacity int
	// ZeroResultsCapacity bounds the recent zero-result ring. Default 100.
	ZeroResultsCapacity int
	// RecentQueriesCapacity bounds the repeat-detection window. Default 500.
	RecentQueriesCapacity int
}

func (c *Config) applyDefaults() {
	if c.TopTermsCapacity <= 0 {
		c.TopTermsCapacity = 100
	}
	if c.ZeroResultsCapacity <= 0 {
		c.ZeroResultsCapacity = 100
	}
	if c.RecentQueriesCapacity <= 0 {
		c.RecentQueriesCapacity = 500
	}
}

// aggregate accumulates counters for one collection.
type aggregate struct {
	total       int64
	classes     map[string]int64
	strategies  map[string]int64
	latencies   map[LatencyBucket]int64
	latencySum  time.Duration
	cacheHits   int64
	zeroResults int64
	refused     int64
}

func newAggregate() *aggregate {
	return &aggregate{
		classes:    make(map[string]int64),
		strategies: make(map[string]int64),
		latencies:  make(map[LatencyBucket]int64),
	}
}

func (a *aggregate) observe(ev Event) {
	a.total++
	if ev.Class != "" {
		a.classes[ev.Class]++
	}
	if ev.Strategy != "" {
		a.strategies[ev.Strategy]++
	}
	a.latencies[LatencyToBucket(ev.Latency)]++
	a.latencySum += ev.Latency
	if ev.CacheHit {
		a.cacheHits++
	}
	if ev.Results == 0 {
		a.zeroResults++
	}
	if ev.Refused {
		a.refused++
	}
}

func (a *aggregate) stats() CollectionStats {
	s := CollectionStats{
		TotalQueries:        a.total,
		ClassCounts:         copyCounts(a.classes),
		StrategyCounts:      copyCounts(a.strategies),
		LatencyDistribution: make(map[LatencyBucket]int64, len(a.latencies)),
		CacheHits:           a.cacheHits,
		ZeroResultCount:     a.zeroResults,
		RefusedCount:        a.refused,
	}
	for b, n := range a.latencies {
		s.LatencyDistribution[b] = n
	}
	if a.total > 0 {
		s.AverageLatencyMS = float64(a.latencySum.Milliseconds()) / float64(a.total)
		s.CacheHitRate = float64(a.cacheHits) / float64(a.total)
		s.ZeroResultRate = float64(a.zeroResults) / float64(a.total)
	}
	return s
}

func copyCounts(m map[string]int64) map[string]int64 {
	out := make(map[string]int64, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// Recorder aggregates query events, per collection and overall.
// Safe for concurrent use.
type Recorder struct {
	mu sync.RWMutex

	byCollection  map[string]*aggregate
	overall       *aggregate
	topTerms      *lru.Cache[string, int64]
	zeroResults   *CircularBuffer[string]
	recentQueries *lru.Cache[string, struct{}]
	exactRepeats  int64
	start         time.Time
}

// NewRecorder creates a recorder with default capacities.
func NewRecorder() *Recorder {
	return NewRecorderWithConfig(Config{})
}

// NewRecorderWithConfig creates a recorder with custom capacities.
func NewRecorderWithConfig(cfg Config) *Recorder {
	cfg.applyDefaults()
	topTerms, _ := lru.New[string, int64](cfg.TopTermsCapacity)
	recentQueries, _ := lru.New[string, struct{}](cfg.RecentQueriesCapacity)
	return &Recorder{
		byCollection:  make(map[string]*aggregate),
		overall:       newAggregate(),
		topTerms:      topTerms,
		zeroResults:   NewCircularBuffer[string](cfg.ZeroResultsCapacity),
		recentQueries: recentQueries,
		start:         time.Now().UTC(),
	}
}

// Record folds one query event into the aggregates.
func (r *Recorder) Record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.overall.observe(ev)
	agg, ok := r.byCollection[ev.Collection]
	if !ok {
		agg = newAggregate()
		r.byCollection[ev.Collection] = agg
	}
	agg.observe(ev)

	for _, term := range ExtractTerms(ev.Query) {
		count, _ := r.topTerms.Get(term)
		r.topTerms.Add(term, count+1)
	}
	if ev.Results == 0 {
		r.zeroResults.Add(ev.Query)
	}

	key := hashQuery(ev.Query)
	if _, seen := r.recentQueries.Get(key); seen {
		r.exactRepeats++
	}
	r.recentQueries.Add(key, struct{}{})
}

// Collection returns the aggregate view for one collection. Unknown
// collections report zeroes.
func (r *Recorder) Collection(name string) CollectionStats {
	r.mu.RLock()
	defer r.mu.RUnlock()
	agg, ok := r.byCollection[name]
	if !ok {
		return CollectionStats{
			ClassCounts:         map[string]int64{},
			StrategyCounts:      map[string]int64{},
			LatencyDistribution: map[LatencyBucket]int64{},
		}
	}
	return agg.stats()
}

// Snapshot returns the service-wide view.
func (r *Recorder) Snapshot() *Snapshot {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s := &Snapshot{
		CollectionStats:   r.overall.stats(),
		RecentZeroResults: r.zeroResults.Items(),
		ExactRepeatCount:  r.exactRepeats,
		Since:             r.start,
	}
	if s.TotalQueries > 0 {
		s.ExactRepeatRate = float64(r.exactRepeats) / float64(s.TotalQueries)
	}

	for _, term := range r.topTerms.Keys() {
		if count, ok := r.topTerms.Peek(term); ok {
			s.TopTerms = append(s.TopTerms, TermCount{Term: term, Count: count})
		}
	}
	sort.Slice(s.TopTerms, func(i, j int) bool {
		if s.TopTerms[i].Count != s.TopTerms[j].Count {
			return s.TopTerms[i].Count > s.TopTerms[j].Count
		}
		return s.TopTerms[i].Term < s.TopTerms[j].Term
	})
	if len(s.TopTerms) > 20 {
		s.TopTerms = s.TopTerms[:20]
	}
	return s
}

// ExtractTerms lowercases a query and keeps words of three or more
// characters for the term frequency table.
func ExtractTerms(query string) []string {
	query = strings.ToLower(strings.TrimSpace(query))
	if query == "" {
		return nil
	}
	var terms []string
	for _, w := range strings.Fields(query) {
		if len(w) >= 3 {
			terms = append(terms, w)
		}
	}
	return terms
}

// hashQuery normalizes and hashes a query for repeat detection.
func hashQuery(query string) string {
	normalized := strings.ToLower(strings.TrimSpace(query))
	sum := sha256.Sum256([]byte(normalized))
	return hex.EncodeToString(sum[:16])
}
