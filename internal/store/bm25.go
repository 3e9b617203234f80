package store

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/blevesearch/bleve/v2"
	"github.com/blevesearch/bleve/v2/analysis"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/custom"
	"github.com/blevesearch/bleve/v2/analysis/analyzer/keyword"
	"github.com/blevesearch/bleve/v2/analysis/token/lowercase"
	"github.com/blevesearch/bleve/v2/analysis/tokenizer/unicode"
	"github.com/blevesearch/bleve/v2/mapping"
	"github.com/blevesearch/bleve/v2/registry"
	"github.com/blevesearch/bleve/v2/search"
)

const (
	// ProseStopFilterName is the name of the custom stop word filter.
	ProseStopFilterName = "prose_stop"

	// ProseAnalyzerName is the name of the custom prose analyzer.
	ProseAnalyzerName = "prose_analyzer"
)

func init() {
	_ = registry.RegisterTokenFilter(ProseStopFilterName, proseStopFilterConstructor)
}

// BleveLexicalIndex implements LexicalIndex on bleve v2.
// BoltDB holds an exclusive file lock, so this backend is single-process;
// the sqlite backend is the default for shared access.
type BleveLexicalIndex struct {
	mu        sync.RWMutex
	index     bleve.Index
	path      string
	config    BM25Config
	closed    bool
	stopWords map[string]struct{}
}

var _ LexicalIndex = (*BleveLexicalIndex)(nil)

// bleveDoc is the document shape handed to bleve.
type bleveDoc struct {
	Text         string `json:"text"`
	SectionTitle string `json:"section_title"`
	Source       string `json:"source"`
	Version      string `json:"version"`
	Page         int    `json:"page"`
}

// validateBleveIntegrity checks whether a bleve index is usable before
// opening. Returns nil if valid, an error describing corruption if not.
func validateBleveIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // will be created
	}

	metaPath := filepath.Join(path, "index_meta.json")
	info, err := os.Stat(metaPath)
	if os.IsNotExist(err) {
		return fmt.Errorf("index_meta.json missing (corrupted index)")
	}
	if err != nil {
		return fmt.Errorf("cannot stat index_meta.json: %w", err)
	}
	if info.Size() == 0 {
		return fmt.Errorf("index_meta.json is empty (corrupted)")
	}

	data, err := os.ReadFile(metaPath)
	if err != nil {
		return fmt.Errorf("cannot read index_meta.json: %w", err)
	}
	var meta map[string]interface{}
	if err := json.Unmarshal(data, &meta); err != nil {
		return fmt.Errorf("index_meta.json is corrupt: %w", err)
	}
	return nil
}

// isCorruptionError checks if an error indicates bleve index corruption.
func isCorruptionError(err error) bool {
	if err == nil {
		return false
	}
	errStr := err.Error()
	return strings.Contains(errStr, "unexpected end of JSON") ||
		strings.Contains(errStr, "error parsing mapping JSON") ||
		strings.Contains(errStr, "failed to load segment") ||
		strings.Contains(errStr, "error opening bolt") ||
		strings.Contains(errStr, "no such file or directory") ||
		err == bleve.ErrorIndexMetaCorrupt
}

// NewBleveLexicalIndex opens or creates a bleve index at path. A corrupt
// index is cleared with a warning so the caller can reindex. Empty path
// creates an in-memory index for testing.
func NewBleveLexicalIndex(path string, config BM25Config) (*BleveLexicalIndex, error) {
	indexMapping, err := createIndexMapping()
	if err != nil {
		return nil, fmt.Errorf("failed to create index mapping: %w", err)
	}

	var idx bleve.Index
	if path == "" {
		idx, err = bleve.NewMemOnly(indexMapping)
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}

		if validErr := validateBleveIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			slog.Info("lexical_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reindex"))
		}

		idx, err = bleve.Open(path)
		if err == bleve.ErrorIndexPathDoesNotExist {
			idx, err = bleve.New(path, indexMapping)
		} else if err != nil && isCorruptionError(err) {
			slog.Warn("lexical_index_open_failed",
				slog.String("path", path),
				slog.String("error", err.Error()))

			if removeErr := os.RemoveAll(path); removeErr != nil {
				return nil, fmt.Errorf("lexical index corrupted, cannot clear: %w (original: %v)", removeErr, err)
			}
			slog.Info("lexical_index_cleared",
				slog.String("path", path),
				slog.String("reason", "open failed with corruption, please reindex"))

			idx, err = bleve.New(path, indexMapping)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create/open index: %w", err)
	}

	return &BleveLexicalIndex{
		index:     idx,
		path:      path,
		config:    config,
		stopWords: BuildStopWordMap(config.StopWords),
	}, nil
}

// createIndexMapping builds the field mappings: analyzed text and
// section_title, keyword source and version for exact filtering, numeric
// page.
func createIndexMapping() (*mapping.IndexMappingImpl, error) {
	indexMapping := bleve.NewIndexMapping()

	err := indexMapping.AddCustomAnalyzer(ProseAnalyzerName, map[string]interface{}{
		"type":      custom.Name,
		"tokenizer": unicode.Name,
		"token_filters": []string{
			lowercase.Name,
			ProseStopFilterName,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to add custom analyzer: %w", err)
	}
	indexMapping.DefaultAnalyzer = ProseAnalyzerName

	docMapping := bleve.NewDocumentMapping()

	textField := bleve.NewTextFieldMapping()
	textField.Analyzer = ProseAnalyzerName
	docMapping.AddFieldMappingsAt("text", textField)

	titleField := bleve.NewTextFieldMapping()
	titleField.Analyzer = ProseAnalyzerName
	docMapping.AddFieldMappingsAt("section_title", titleField)

	sourceField := bleve.NewTextFieldMapping()
	sourceField.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("source", sourceField)

	versionField := bleve.NewTextFieldMapping()
	versionField.Analyzer = keyword.Name
	docMapping.AddFieldMappingsAt("version", versionField)

	pageField := bleve.NewNumericFieldMapping()
	docMapping.AddFieldMappingsAt("page", pageField)

	indexMapping.DefaultMapping = docMapping
	return indexMapping, nil
}

// BulkUpsert indexes documents in one batch, replacing same-ID documents.
func (b *BleveLexicalIndex) BulkUpsert(ctx context.Context, docs []*LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("lexical index is closed")
	}

	batch := b.index.NewBatch()
	for _, doc := range docs {
		bd := bleveDoc{
			Text:         doc.Text,
			SectionTitle: doc.SectionTitle,
			Source:       doc.Source,
			Version:      doc.Version,
			Page:         doc.Page,
		}
		if err := batch.Index(doc.ChunkID, bd); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ChunkID, err)
		}
	}

	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to execute batch: %w", err)
	}
	return nil
}

// Search returns up to k hits scored by bleve's BM25-style scorer. Section
// titles participate at half weight.
func (b *BleveLexicalIndex) Search(ctx context.Context, queryStr string, k int, filter map[string]string) ([]*LexicalResult, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*LexicalResult{}, nil
	}

	textQuery := bleve.NewMatchQuery(queryStr)
	textQuery.SetField("text")

	titleQuery := bleve.NewMatchQuery(queryStr)
	titleQuery.SetField("section_title")
	titleQuery.SetBoost(0.5)

	contentQuery := bleve.NewDisjunctionQuery(textQuery, titleQuery)

	var searchRequest *bleve.SearchRequest
	if len(filter) > 0 {
		conj := bleve.NewConjunctionQuery(contentQuery)
		if source, ok := filter[MetaSource]; ok {
			tq := bleve.NewTermQuery(source)
			tq.SetField("source")
			conj.AddQuery(tq)
		}
		if version, ok := filter[MetaVersion]; ok {
			tq := bleve.NewTermQuery(version)
			tq.SetField("version")
			conj.AddQuery(tq)
		}
		searchRequest = bleve.NewSearchRequest(conj)
	} else {
		searchRequest = bleve.NewSearchRequest(contentQuery)
	}
	searchRequest.Size = k
	searchRequest.IncludeLocations = true // for matched terms

	result, err := b.index.SearchInContext(ctx, searchRequest)
	if err != nil {
		return nil, fmt.Errorf("search failed: %w", err)
	}

	results := make([]*LexicalResult, 0, len(result.Hits))
	for _, hit := range result.Hits {
		results = append(results, &LexicalResult{
			ChunkID:      hit.ID,
			Score:        hit.Score,
			MatchedTerms: extractMatchedTerms(hit),
		})
	}
	return results, nil
}

// Delete removes documents by chunk_id.
func (b *BleveLexicalIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return fmt.Errorf("lexical index is closed")
	}
	return b.deleteLocked(chunkIDs)
}

func (b *BleveLexicalIndex) deleteLocked(chunkIDs []string) error {
	batch := b.index.NewBatch()
	for _, id := range chunkIDs {
		batch.Delete(id)
	}
	if err := b.index.Batch(batch); err != nil {
		return fmt.Errorf("failed to delete documents: %w", err)
	}
	return nil
}

// DeleteBySource removes every document for a source.
func (b *BleveLexicalIndex) DeleteBySource(ctx context.Context, source, version string) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return 0, fmt.Errorf("lexical index is closed")
	}

	ids, err := b.enumerateLocked(source, version)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := b.deleteLocked(ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EnumerateBySource returns the chunk IDs indexed for a source.
func (b *BleveLexicalIndex) EnumerateBySource(ctx context.Context, source, version string) ([]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	return b.enumerateLocked(source, version)
}

func (b *BleveLexicalIndex) enumerateLocked(source, version string) ([]string, error) {
	sourceQuery := bleve.NewTermQuery(source)
	sourceQuery.SetField("source")

	finalQuery := bleve.NewConjunctionQuery(sourceQuery)
	if version != "" {
		versionQuery := bleve.NewTermQuery(version)
		versionQuery.SetField("version")
		finalQuery.AddQuery(versionQuery)
	}

	docCount, _ := b.index.DocCount()
	req := bleve.NewSearchRequest(finalQuery)
	req.Size = int(docCount)
	req.Fields = []string{}

	result, err := b.index.Search(req)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate source: %w", err)
	}

	ids := make([]string, len(result.Hits))
	for i, hit := range result.Hits {
		ids[i] = hit.ID
	}
	return ids, nil
}

// Count returns the number of indexed documents.
func (b *BleveLexicalIndex) Count() (int, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return 0, fmt.Errorf("lexical index is closed")
	}

	docCount, err := b.index.DocCount()
	if err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return int(docCount), nil
}

// Close closes the index. Idempotent.
func (b *BleveLexicalIndex) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true
	if b.index != nil {
		return b.index.Close()
	}
	return nil
}

// extractMatchedTerms extracts the matched terms from a search hit.
func extractMatchedTerms(hit *search.DocumentMatch) []string {
	terms := make(map[string]struct{})
	for field, locations := range hit.Locations {
		if field == "text" || field == "section_title" {
			for term := range locations {
				terms[term] = struct{}{}
			}
		}
	}

	result := make([]string, 0, len(terms))
	for term := range terms {
		result = append(result, term)
	}
	return result
}

// proseStopFilterConstructor creates the prose stop word filter for bleve.
func proseStopFilterConstructor(config map[string]interface{}, cache *registry.Cache) (analysis.TokenFilter, error) {
	return &proseStopFilter{
		stopWords: BuildStopWordMap(DefaultStopWords),
	}, nil
}

// proseStopFilter implements analysis.TokenFilter for English stop words.
type proseStopFilter struct {
	stopWords map[string]struct{}
}

// Filter implements analysis.TokenFilter.
func (f *proseStopFilter) Filter(input analysis.TokenStream) analysis.TokenStream {
	result := make(analysis.TokenStream, 0, len(input))
	for _, token := range input {
		term := strings.ToLower(string(token.Term))
		if _, isStop := f.stopWords[term]; !isStop {
			result = append(result, token)
		}
	}
	return result
}
