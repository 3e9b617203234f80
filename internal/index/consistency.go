package index

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/Aman-CERP/ragserve/internal/embed"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/store"
)

// checkBatchSize bounds how many metadata rows are scanned per batch.
const checkBatchSize = 256

// IssueKind categorizes a cross-store inconsistency.
type IssueKind int

const (
	// OrphanVector is a vector without a matching metadata row.
	OrphanVector IssueKind = iota
	// OrphanLexical is a lexical document without a matching metadata row.
	OrphanLexical
	// MissingVector is a metadata row absent from the vector index.
	MissingVector
	// MissingLexical is a metadata row absent from the lexical index.
	MissingLexical
)

func (k IssueKind) String() string {
	switch k {
	case OrphanVector:
		return "orphan_vector"
	case OrphanLexical:
		return "orphan_lexical"
	case MissingVector:
		return "missing_vector"
	case MissingLexical:
		return "missing_lexical"
	default:
		return "unknown"
	}
}

// Issue is one detected cross-store inconsistency.
type Issue struct {
	Kind    IssueKind `json:"kind"`
	ChunkID string    `json:"chunk_id"`
}

// CheckResult is the outcome of a full consistency scan.
type CheckResult struct {
	MetadataCount int           `json:"metadata_count"`
	VectorCount   int           `json:"vector_count"`
	LexicalCount  int           `json:"lexical_count"`
	Issues        []Issue       `json:"issues,omitempty"`
	Duration      time.Duration `json:"duration"`
}

// Consistent reports whether the scan found the three stores in agreement.
func (r *CheckResult) Consistent() bool {
	return len(r.Issues) == 0 &&
		r.MetadataCount == r.VectorCount &&
		r.MetadataCount == r.LexicalCount
}

// RepairResult counts what Repair fixed.
type RepairResult struct {
	OrphansRemoved  int `json:"orphans_removed"`
	VectorsRestored int `json:"vectors_restored"`
	LexicalRestored int `json:"lexical_restored"`
	// VectorsSkipped counts missing vectors left unrepaired because no
	// embedder was supplied.
	VectorsSkipped int `json:"vectors_skipped"`
}

// Checker detects and repairs drift between a collection's three stores.
// Metadata rows are the source of truth: a write that died between backends
// leaves either an orphan (indexed but no row) or a missing entry (row but
// not indexed), and both are repairable without reingesting the source.
type Checker struct {
	coll *store.Collection
	log  *slog.Logger
}

// NewChecker creates a checker for one collection handle.
func NewChecker(coll *store.Collection, log *slog.Logger) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{coll: coll, log: log}
}

// Check scans all three stores and reports every inconsistency. O(n) in the
// number of indexed chunks. Lexical documents whose source no longer appears
// in metadata at all cannot be enumerated individually; they surface through
// the count mismatch in the result.
func (c *Checker) Check(ctx context.Context) (*CheckResult, error) {
	start := time.Now()
	res := &CheckResult{}

	metaIDs := make(map[string]struct{})
	bySource := make(map[string][]string)
	err := c.coll.Meta.IterateChunks(ctx, checkBatchSize, func(batch []*store.Chunk) error {
		for _, ck := range batch {
			metaIDs[ck.ChunkID] = struct{}{}
			bySource[ck.Source] = append(bySource[ck.Source], ck.ChunkID)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scanning metadata rows: %w", err)
	}
	res.MetadataCount = len(metaIDs)
	res.VectorCount = c.coll.Vector.Count()

	if n, err := c.coll.Lexical.Count(); err != nil {
		c.log.Warn("lexical_count_failed", slog.String("error", err.Error()))
	} else {
		res.LexicalCount = n
	}

	for _, id := range c.coll.Vector.AllIDs() {
		if _, ok := metaIDs[id]; !ok {
			res.Issues = append(res.Issues, Issue{Kind: OrphanVector, ChunkID: id})
		}
	}
	for id := range metaIDs {
		if !c.coll.Vector.Contains(id) {
			res.Issues = append(res.Issues, Issue{Kind: MissingVector, ChunkID: id})
		}
	}

	for source, ids := range bySource {
		lexIDs, err := c.coll.Lexical.EnumerateBySource(ctx, source, "")
		if err != nil {
			c.log.Warn("lexical_enumerate_failed",
				slog.String("source", source),
				slog.String("error", err.Error()))
			continue
		}
		have := make(map[string]struct{}, len(lexIDs))
		for _, id := range lexIDs {
			have[id] = struct{}{}
		}
		for _, id := range ids {
			if _, ok := have[id]; !ok {
				res.Issues = append(res.Issues, Issue{Kind: MissingLexical, ChunkID: id})
			}
		}
		for _, id := range lexIDs {
			if _, ok := metaIDs[id]; !ok {
				res.Issues = append(res.Issues, Issue{Kind: OrphanLexical, ChunkID: id})
			}
		}
	}

	// Map iteration order is random; sort so two scans of the same state
	// produce the same report.
	sort.Slice(res.Issues, func(i, j int) bool {
		if res.Issues[i].Kind != res.Issues[j].Kind {
			return res.Issues[i].Kind < res.Issues[j].Kind
		}
		return res.Issues[i].ChunkID < res.Issues[j].ChunkID
	})

	res.Duration = time.Since(start)
	return res, nil
}

// QuickCheck compares counts across the three stores without enumerating
// IDs. Cheap enough to run at every collection open.
func (c *Checker) QuickCheck(ctx context.Context) (bool, error) {
	metaCount, err := c.coll.Meta.Count(ctx)
	if err != nil {
		return false, err
	}
	lexCount, err := c.coll.Lexical.Count()
	if err != nil {
		return false, err
	}
	vecCount := c.coll.Vector.Count()

	consistent := metaCount == vecCount && metaCount == lexCount
	if !consistent {
		c.log.Debug("index_counts_mismatch",
			slog.String("collection", c.coll.Name),
			slog.Int("metadata", metaCount),
			slog.Int("vector", vecCount),
			slog.Int("lexical", lexCount))
	}
	return consistent, nil
}

// Repair fixes detected issues. Orphans are deleted from their backend.
// Missing lexical documents are rebuilt from the metadata rows. Missing
// vectors need re-embedding, so they are restored only when an embedder is
// supplied and skipped with a warning otherwise. All repairs are
// best-effort; the first hard error is returned after every group has been
// attempted.
func (c *Checker) Repair(ctx context.Context, issues []Issue, embedder embed.Embedder) (*RepairResult, error) {
	res := &RepairResult{}
	var firstErr error

	grouped := make(map[IssueKind][]string)
	for _, issue := range issues {
		grouped[issue.Kind] = append(grouped[issue.Kind], issue.ChunkID)
	}

	if ids := grouped[OrphanVector]; len(ids) > 0 {
		if err := c.coll.Vector.Delete(ctx, ids); err != nil {
			c.log.Warn("orphan_vector_delete_failed",
				slog.Int("count", len(ids)), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			res.OrphansRemoved += len(ids)
		}
	}
	if ids := grouped[OrphanLexical]; len(ids) > 0 {
		if err := c.coll.Lexical.Delete(ctx, ids); err != nil {
			c.log.Warn("orphan_lexical_delete_failed",
				slog.Int("count", len(ids)), slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		} else {
			res.OrphansRemoved += len(ids)
		}
	}

	if ids := grouped[MissingLexical]; len(ids) > 0 {
		rows, err := c.coll.Meta.GetChunks(ctx, ids)
		if err != nil {
			if firstErr == nil {
				firstErr = err
			}
		} else {
			docs := make([]*store.LexicalDoc, len(rows))
			for i, ck := range rows {
				docs[i] = &store.LexicalDoc{
					ChunkID:      ck.ChunkID,
					Text:         ck.Text,
					Source:       ck.Source,
					Version:      ck.Version,
					SectionTitle: ck.SectionTitle,
					Page:         ck.Page,
				}
			}
			if err := c.coll.Lexical.BulkUpsert(ctx, docs); err != nil {
				if firstErr == nil {
					firstErr = err
				}
			} else {
				res.LexicalRestored = len(docs)
			}
		}
	}

	if ids := grouped[MissingVector]; len(ids) > 0 {
		if embedder == nil {
			c.log.Warn("missing_vectors_need_reembedding",
				slog.String("collection", c.coll.Name),
				slog.Int("count", len(ids)))
			res.VectorsSkipped = len(ids)
		} else if n, err := c.restoreVectors(ctx, ids, embedder); err != nil {
			res.VectorsRestored = n
			if firstErr == nil {
				firstErr = err
			}
		} else {
			res.VectorsRestored = n
		}
	}

	if res.OrphansRemoved+res.VectorsRestored+res.LexicalRestored > 0 {
		c.log.Info("index_repaired",
			slog.String("collection", c.coll.Name),
			slog.Int("orphans_removed", res.OrphansRemoved),
			slog.Int("vectors_restored", res.VectorsRestored),
			slog.Int("lexical_restored", res.LexicalRestored))
	}

	if firstErr != nil {
		return res, ragerrors.New(ragerrors.ErrCodeIndexFailed, "index repair incomplete", firstErr)
	}
	return res, nil
}

// restoreVectors re-embeds metadata rows and writes them back to the vector
// index in bounded batches, returning how many were restored.
func (c *Checker) restoreVectors(ctx context.Context, ids []string, embedder embed.Embedder) (int, error) {
	restored := 0
	for start := 0; start < len(ids); start += migrateBatchSize {
		end := min(start+migrateBatchSize, len(ids))

		rows, err := c.coll.Meta.GetChunks(ctx, ids[start:end])
		if err != nil {
			return restored, err
		}
		if len(rows) == 0 {
			continue
		}

		texts := make([]string, len(rows))
		for i, ck := range rows {
			texts[i] = ck.Text
		}
		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return restored, ragerrors.New(ragerrors.ErrCodeEmbeddingFailed,
				"re-embedding missing vectors failed", err)
		}

		records := make([]store.VectorRecord, len(rows))
		for i, ck := range rows {
			records[i] = store.VectorRecord{
				ChunkID:  ck.ChunkID,
				Vector:   vectors[i],
				Metadata: ck.IndexMetadata(),
			}
		}
		if err := c.coll.Vector.Upsert(ctx, records); err != nil {
			return restored, err
		}
		restored += len(records)
	}
	return restored, nil
}
