// Package index mutates a collection's dense, lexical, and metadata stores
// and keeps the three converged. The Indexer is the single write path: bulk
// ingestion, watch-mode reindexing, and collection migration all go through
// it. The Runner drives bulk work over a directory tree, and the Checker
// detects and repairs drift between the backends.
package index

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gofrs/flock"

	"github.com/Aman-CERP/ragserve/internal/cache"
	"github.com/Aman-CERP/ragserve/internal/dedup"
	"github.com/Aman-CERP/ragserve/internal/embed"
	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
	"github.com/Aman-CERP/ragserve/internal/fingerprint"
	"github.com/Aman-CERP/ragserve/internal/store"
)

// flockRetryDelay is the poll interval while waiting on another process's
// collection lock.
const flockRetryDelay = 50 * time.Millisecond

// migrateBatchSize bounds how many chunks are re-embedded per batch during
// a collection migration.
const migrateBatchSize = 64

// UpsertResult counts what one Upsert call did at each stage. Duplicates are
// dropped before any store is touched, so on success Vector, Lexical, and
// Metadata all equal Indexed; after a partial failure they show how far the
// call got before the error. Deleted is set only by ReindexSource and counts
// the old chunks removed before the new ones landed.
type UpsertResult struct {
	Received   int `json:"received"`
	Duplicates int `json:"duplicates"`
	Indexed    int `json:"indexed"`
	Vector     int `json:"vector"`
	Lexical    int `json:"lexical"`
	Metadata   int `json:"metadata"`
	Deleted    int `json:"deleted,omitempty"`
}

// DeleteResult counts removals per backend for one source. The counts can
// differ when an earlier partial failure left the indices out of step; the
// delete reconverges them.
type DeleteResult struct {
	VectorDeleted   int `json:"vector_deleted"`
	LexicalDeleted  int `json:"lexical_deleted"`
	MetadataDeleted int `json:"metadata_deleted"`
}

// MigrateResult summarizes a collection migration.
type MigrateResult struct {
	Chunks     int           `json:"chunks"`
	Duplicates int           `json:"duplicates"`
	Batches    int           `json:"batches"`
	Duration   time.Duration `json:"duration"`
}

// collectionLock reference-counts a shared flock so concurrent mutations in
// this process hold the cross-process lock once while other processes wait.
type collectionLock struct {
	mu   sync.Mutex // serializes acquire/release transitions
	fl   *flock.Flock
	refs int
}

// Indexer applies mutations to a collection's stores in a fixed order:
// dedupe, vector, lexical, metadata, then dedup registry commit and cache
// invalidation. Hashes are committed only after every store accepted the
// batch, so a failed call leaves them unregistered and the next call redoes
// the skipped work. Writes replace by chunk_id in every backend, which makes
// the retry converge instead of double-indexing.
type Indexer struct {
	catalog *store.Catalog
	dedup   *dedup.Deduper
	cache   cache.Cache
	log     *slog.Logger

	mu        sync.Mutex
	sources   map[string]*sync.Mutex     // (collection, source) serialization
	flocks    map[string]*collectionLock // cross-process per-collection locks
	rehydrate map[string]*sync.Once      // dedup registry load, once per collection
}

// NewIndexer creates an Indexer over the catalog. c may be nil when no query
// cache is wired (CLI bulk mode); tag invalidation is then a no-op.
func NewIndexer(catalog *store.Catalog, deduper *dedup.Deduper, c cache.Cache, log *slog.Logger) *Indexer {
	if log == nil {
		log = slog.Default()
	}
	return &Indexer{
		catalog:   catalog,
		dedup:     deduper,
		cache:     c,
		log:       log,
		sources:   make(map[string]*sync.Mutex),
		flocks:    make(map[string]*collectionLock),
		rehydrate: make(map[string]*sync.Once),
	}
}

// Upsert writes chunks and their embeddings into the collection. Exact
// duplicates of already indexed content are dropped up front. A mid-call
// failure returns per-stage counts along with the error; rerunning the call
// for the same source converges the backends.
func (ix *Indexer) Upsert(ctx context.Context, collection string, chunks []*store.Chunk, embeddings [][]float32) (*UpsertResult, error) {
	res := &UpsertResult{Received: len(chunks)}
	if len(chunks) != len(embeddings) {
		return res, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			fmt.Sprintf("got %d chunks but %d embeddings", len(chunks), len(embeddings)), nil)
	}
	if len(chunks) == 0 {
		return res, nil
	}

	coll, err := ix.catalog.Get(ctx, collection)
	if err != nil {
		return res, err
	}

	unlock := ix.lockSources(collection, chunkSources(chunks))
	defer unlock()
	release, err := ix.lockCollection(ctx, collection)
	if err != nil {
		return res, err
	}
	defer release()

	ix.ensureRegistry(ctx, coll)
	return ix.upsert(ctx, coll, chunks, embeddings, res)
}

// upsert runs the stage sequence. Callers hold the source and collection
// locks and have rehydrated the dedup registry.
func (ix *Indexer) upsert(ctx context.Context, coll *store.Collection, chunks []*store.Chunk, embeddings [][]float32, res *UpsertResult) (*UpsertResult, error) {
	vecs := make(map[*store.Chunk][]float32, len(chunks))
	for i, ck := range chunks {
		vecs[ck] = embeddings[i]
	}

	unique, duplicates := ix.dedup.Classify(coll.Name, chunks)
	res.Duplicates = len(duplicates)
	if len(unique) == 0 {
		ix.log.Debug("upsert_all_duplicates",
			slog.String("collection", coll.Name),
			slog.Int("received", res.Received))
		return res, nil
	}

	records := make([]store.VectorRecord, len(unique))
	docs := make([]*store.LexicalDoc, len(unique))
	for i, ck := range unique {
		records[i] = store.VectorRecord{
			ChunkID:  ck.ChunkID,
			Vector:   vecs[ck],
			Metadata: ck.IndexMetadata(),
		}
		docs[i] = &store.LexicalDoc{
			ChunkID:      ck.ChunkID,
			Text:         ck.Text,
			Source:       ck.Source,
			Version:      ck.Version,
			SectionTitle: ck.SectionTitle,
			Page:         ck.Page,
		}
	}

	if err := coll.Vector.Upsert(ctx, records); err != nil {
		return res, ragerrors.New(ragerrors.ErrCodeIndexFailed, "vector upsert failed", err)
	}
	res.Vector = len(records)

	if err := coll.Lexical.BulkUpsert(ctx, docs); err != nil {
		return res, ragerrors.New(ragerrors.ErrCodeIndexFailed, "lexical upsert failed", err)
	}
	res.Lexical = len(docs)

	if err := coll.Meta.SaveChunks(ctx, unique); err != nil {
		return res, ragerrors.New(ragerrors.ErrCodeIndexFailed, "chunk metadata save failed", err)
	}
	res.Metadata = len(unique)

	ix.dedup.Commit(coll.Name, unique)
	res.Indexed = len(unique)
	ix.invalidate(ctx, coll.Name)

	ix.log.Debug("chunks_indexed",
		slog.String("collection", coll.Name),
		slog.Int("indexed", res.Indexed),
		slog.Int("duplicates", res.Duplicates))
	return res, nil
}

// DeleteBySource removes every chunk of a source from all three stores and
// forgets their hashes. version narrows the match when non-empty. Each
// backend is enumerated independently so a source left half-indexed by an
// earlier failure is still fully cleared. Backend errors are collected
// rather than aborting, and the counts report what was actually removed.
func (ix *Indexer) DeleteBySource(ctx context.Context, collection, source, version string) (*DeleteResult, error) {
	coll, err := ix.catalog.Get(ctx, collection)
	if err != nil {
		return nil, err
	}

	unlock := ix.lockSources(collection, []string{source})
	defer unlock()
	release, err := ix.lockCollection(ctx, collection)
	if err != nil {
		return nil, err
	}
	defer release()

	ix.ensureRegistry(ctx, coll)
	return ix.deleteBySource(ctx, coll, source, version)
}

func (ix *Indexer) deleteBySource(ctx context.Context, coll *store.Collection, source, version string) (*DeleteResult, error) {
	res := &DeleteResult{}
	var errs []error

	ids := make(map[string]struct{})

	vecIDs, err := coll.Vector.EnumerateBySource(ctx, source, version)
	if err != nil {
		errs = append(errs, fmt.Errorf("vector enumerate: %w", err))
	}
	for _, id := range vecIDs {
		ids[id] = struct{}{}
	}

	lexIDs, err := coll.Lexical.EnumerateBySource(ctx, source, version)
	if err != nil {
		errs = append(errs, fmt.Errorf("lexical enumerate: %w", err))
	}
	for _, id := range lexIDs {
		ids[id] = struct{}{}
	}

	rows, err := coll.Meta.ListBySource(ctx, source, version)
	if err != nil {
		errs = append(errs, fmt.Errorf("metadata list: %w", err))
	}
	for _, ck := range rows {
		ids[ck.ChunkID] = struct{}{}
	}

	if len(ids) == 0 && len(errs) == 0 {
		return res, nil
	}

	all := make([]string, 0, len(ids))
	for id := range ids {
		all = append(all, id)
	}
	sort.Strings(all)

	if err := coll.Vector.Delete(ctx, all); err != nil {
		errs = append(errs, fmt.Errorf("vector delete: %w", err))
	} else {
		res.VectorDeleted = len(vecIDs)
	}
	if err := coll.Lexical.Delete(ctx, all); err != nil {
		errs = append(errs, fmt.Errorf("lexical delete: %w", err))
	} else {
		res.LexicalDeleted = len(lexIDs)
	}
	if err := coll.Meta.DeleteChunks(ctx, all); err != nil {
		errs = append(errs, fmt.Errorf("metadata delete: %w", err))
	} else {
		res.MetadataDeleted = len(rows)
	}

	ix.dedup.Forget(coll.Name, all)
	ix.invalidate(ctx, coll.Name)

	ix.log.Info("source_deleted",
		slog.String("collection", coll.Name),
		slog.String("source", source),
		slog.Int("chunks", len(all)))

	if len(errs) > 0 {
		return res, ragerrors.New(ragerrors.ErrCodeIndexFailed,
			fmt.Sprintf("delete of source %q left backends out of step", source), errors.Join(errs...))
	}
	return res, nil
}

// ReindexSource replaces everything indexed for a source, across all
// versions, with the given chunks. Delete and upsert are not atomic across
// backends, but both halves converge under retry, so rerunning the
// operation after a failure lands on the same final state.
func (ix *Indexer) ReindexSource(ctx context.Context, collection, source string, chunks []*store.Chunk, embeddings [][]float32) (*UpsertResult, error) {
	res := &UpsertResult{Received: len(chunks)}
	if len(chunks) != len(embeddings) {
		return res, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			fmt.Sprintf("got %d chunks but %d embeddings", len(chunks), len(embeddings)), nil)
	}
	for _, ck := range chunks {
		if ck.Source != source {
			return res, ragerrors.New(ragerrors.ErrCodeInvalidInput,
				fmt.Sprintf("chunk %s belongs to source %q, not %q", ck.ChunkID, ck.Source, source), nil)
		}
	}

	coll, err := ix.catalog.Get(ctx, collection)
	if err != nil {
		return res, err
	}

	unlock := ix.lockSources(collection, []string{source})
	defer unlock()
	release, err := ix.lockCollection(ctx, collection)
	if err != nil {
		return res, err
	}
	defer release()

	ix.ensureRegistry(ctx, coll)

	del, err := ix.deleteBySource(ctx, coll, source, "")
	if err != nil {
		return res, err
	}
	res.Deleted = del.MetadataDeleted
	return ix.upsert(ctx, coll, chunks, embeddings, res)
}

// MigrateCollection re-embeds every chunk of src with the given embedder and
// upserts the results into dst, creating dst with the embedder's model and
// dimension if needed. src is never written; the caller switches reads to
// dst when satisfied and drops src at leisure. Chunk IDs are re-derived for
// dst so the copy is a first-class collection, not an alias.
func (ix *Indexer) MigrateCollection(ctx context.Context, src, dst string, embedder embed.Embedder) (*MigrateResult, error) {
	if src == dst {
		return nil, ragerrors.New(ragerrors.ErrCodeInvalidInput,
			"source and target collection are the same", nil)
	}

	srcColl, err := ix.catalog.Get(ctx, src)
	if err != nil {
		return nil, err
	}
	if _, err := ix.catalog.Ensure(ctx, dst, embedder.ModelName(), embedder.Dimensions()); err != nil {
		return nil, err
	}

	start := time.Now()
	res := &MigrateResult{}

	err = srcColl.Meta.IterateChunks(ctx, migrateBatchSize, func(batch []*store.Chunk) error {
		texts := make([]string, len(batch))
		copies := make([]*store.Chunk, len(batch))
		for i, ck := range batch {
			texts[i] = ck.Text
			c := *ck
			c.Collection = dst
			c.ChunkID = fingerprint.ChunkID(dst, c.Source, c.SectionIndex, c.ChunkIndex)
			copies[i] = &c
		}

		vectors, err := embedder.EmbedBatch(ctx, texts)
		if err != nil {
			return ragerrors.New(ragerrors.ErrCodeEmbeddingFailed,
				fmt.Sprintf("re-embedding batch %d failed", res.Batches+1), err)
		}

		up, err := ix.Upsert(ctx, dst, copies, vectors)
		if err != nil {
			return err
		}
		res.Chunks += up.Indexed
		res.Duplicates += up.Duplicates
		res.Batches++
		return nil
	})
	if err != nil {
		return res, err
	}
	res.Duration = time.Since(start)

	ix.log.Info("collection_migrated",
		slog.String("from", src),
		slog.String("to", dst),
		slog.String("model", embedder.ModelName()),
		slog.Int("chunks", res.Chunks),
		slog.Duration("duration", res.Duration))
	return res, nil
}

// DropCollection clears in-process state for a dropped collection: the dedup
// registry, the rehydration marker, and the lock entries. The caller removes
// the on-disk stores through the catalog.
func (ix *Indexer) DropCollection(collection string) {
	ix.dedup.DropCollection(collection)

	ix.mu.Lock()
	defer ix.mu.Unlock()
	delete(ix.rehydrate, collection)
	delete(ix.flocks, collection)
	prefix := collection + "\x00"
	for k := range ix.sources {
		if strings.HasPrefix(k, prefix) {
			delete(ix.sources, k)
		}
	}
}

// ensureRegistry loads the collection's content hashes from the metadata
// store on first touch after process start. Concurrent callers block on the
// load so no commit can precede it. A failed load is logged, the call
// proceeds without dedup (duplicates are then re-indexed, which is safe
// because every write replaces by chunk_id), and the next call retries.
func (ix *Indexer) ensureRegistry(ctx context.Context, coll *store.Collection) {
	ix.mu.Lock()
	once, ok := ix.rehydrate[coll.Name]
	if !ok {
		once = new(sync.Once)
		ix.rehydrate[coll.Name] = once
	}
	ix.mu.Unlock()

	once.Do(func() {
		if err := ix.dedup.Rehydrate(ctx, coll.Name, coll.Meta); err != nil {
			ix.log.Warn("dedup_rehydrate_failed",
				slog.String("collection", coll.Name),
				slog.String("error", err.Error()))
			ix.mu.Lock()
			delete(ix.rehydrate, coll.Name)
			ix.mu.Unlock()
		}
	})
}

// lockSources serializes mutations per (collection, source). Locks are taken
// in sorted order so batches spanning several sources cannot deadlock.
func (ix *Indexer) lockSources(collection string, sources []string) (unlock func()) {
	keys := make([]string, 0, len(sources))
	seen := make(map[string]struct{}, len(sources))
	for _, s := range sources {
		k := collection + "\x00" + s
		if _, ok := seen[k]; ok {
			continue
		}
		seen[k] = struct{}{}
		keys = append(keys, k)
	}
	sort.Strings(keys)

	locks := make([]*sync.Mutex, len(keys))
	for i, k := range keys {
		ix.mu.Lock()
		mu, ok := ix.sources[k]
		if !ok {
			mu = new(sync.Mutex)
			ix.sources[k] = mu
		}
		ix.mu.Unlock()
		mu.Lock()
		locks[i] = mu
	}

	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}

// lockCollection takes the cross-process lock for a collection, creating the
// lock file next to the collection's stores. Concurrent mutations in this
// process share one acquisition; other processes block until the last holder
// releases.
func (ix *Indexer) lockCollection(ctx context.Context, name string) (release func(), err error) {
	ix.mu.Lock()
	cl, ok := ix.flocks[name]
	if !ok {
		cl = &collectionLock{fl: flock.New(filepath.Join(ix.catalog.Dir(name), ".index.lock"))}
		ix.flocks[name] = cl
	}
	ix.mu.Unlock()

	cl.mu.Lock()
	defer cl.mu.Unlock()

	if cl.refs == 0 {
		if err := os.MkdirAll(ix.catalog.Dir(name), 0o755); err != nil {
			return nil, fmt.Errorf("creating collection dir: %w", err)
		}
		locked, err := cl.fl.TryLockContext(ctx, flockRetryDelay)
		if err != nil {
			return nil, fmt.Errorf("acquiring index lock for %s: %w", name, err)
		}
		if !locked {
			return nil, fmt.Errorf("index lock for %s not acquired", name)
		}
	}
	cl.refs++

	return func() {
		cl.mu.Lock()
		defer cl.mu.Unlock()
		cl.refs--
		if cl.refs == 0 {
			if err := cl.fl.Unlock(); err != nil {
				ix.log.Warn("index_lock_release_failed",
					slog.String("collection", name),
					slog.String("error", err.Error()))
			}
		}
	}, nil
}

func (ix *Indexer) invalidate(ctx context.Context, collection string) {
	if ix.cache == nil {
		return
	}
	ix.cache.InvalidateTag(ctx, cache.CollectionTag(collection))
}

// chunkSources returns the distinct sources in a batch, in first-seen order.
func chunkSources(chunks []*store.Chunk) []string {
	out := make([]string, 0, 1)
	seen := make(map[string]struct{}, 1)
	for _, ck := range chunks {
		if _, ok := seen[ck.Source]; ok {
			continue
		}
		seen[ck.Source] = struct{}{}
		out = append(out, ck.Source)
	}
	return out
}
