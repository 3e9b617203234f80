// Package dedup maintains per-collection content-hash registries so
// identical chunks are indexed once. Registries live in memory and are
// rehydrated from the chunk metadata store on cold start.
package dedup

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Aman-CERP/ragserve/internal/store"
)

// Duplicate pairs an incoming chunk with the chunk_id already holding
// its content.
type Duplicate struct {
	Chunk      *store.Chunk
	ExistingID string
}

// Stats summarizes registry state and the lifetime duplicate rate.
type Stats struct {
	Collections   int     `json:"collections"`
	Entries       int     `json:"entries"`
	TotalSeen     int64   `json:"total_seen"`
	Duplicates    int64   `json:"duplicates"`
	DuplicateRate float64 `json:"duplicate_rate"`
}

// registry is one collection's bookkeeping. byID is the inverse of
// byHash so Forget works from chunk IDs alone.
type registry struct {
	byHash map[string]string // content_hash → chunk_id
	byID   map[string]string // chunk_id → content_hash
}

func newRegistry() *registry {
	return &registry{
		byHash: make(map[string]string),
		byID:   make(map[string]string),
	}
}

// Deduper tracks which chunk contents each collection already holds.
// Safe for concurrent use. Registries are created lazily; only the
// Indexer mutates them.
type Deduper struct {
	mu         sync.RWMutex
	registries map[string]*registry

	totalSeen  atomic.Int64
	duplicates atomic.Int64

	log *slog.Logger
}

// New creates an empty Deduper.
func New(log *slog.Logger) *Deduper {
	if log == nil {
		log = slog.Default()
	}
	return &Deduper{
		registries: make(map[string]*registry),
		log:        log,
	}
}

// Classify splits chunks into those new to the collection and those
// whose content is already registered. Duplicates carry the existing
// chunk_id; repeats within the batch collapse to the first occurrence.
// Classify never mutates the registry.
func (d *Deduper) Classify(collection string, chunks []*store.Chunk) (unique []*store.Chunk, duplicates []Duplicate) {
	if len(chunks) == 0 {
		return nil, nil
	}

	d.mu.RLock()
	reg := d.registries[collection]
	d.mu.RUnlock()

	inBatch := make(map[string]string, len(chunks))
	for _, ck := range chunks {
		d.totalSeen.Add(1)

		// Chunks without a content hash cannot be tracked; pass them
		// through as unique.
		if ck.ContentHash == "" {
			unique = append(unique, ck)
			continue
		}

		if firstID, ok := inBatch[ck.ContentHash]; ok {
			d.duplicates.Add(1)
			duplicates = append(duplicates, Duplicate{Chunk: ck, ExistingID: firstID})
			continue
		}
		if reg != nil {
			if existingID, ok := reg.byHash[ck.ContentHash]; ok {
				d.duplicates.Add(1)
				duplicates = append(duplicates, Duplicate{Chunk: ck, ExistingID: existingID})
				continue
			}
		}

		inBatch[ck.ContentHash] = ck.ChunkID
		unique = append(unique, ck)
	}

	return unique, duplicates
}

// Commit registers chunks after the indices have accepted them. A chunk
// must be new to the registry or an exact replacement of an existing
// chunk_id; when a chunk_id returns with different content, its stale
// hash entry is dropped so the maps stay inverse of each other.
func (d *Deduper) Commit(collection string, chunks []*store.Chunk) {
	if len(chunks) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	reg := d.registries[collection]
	if reg == nil {
		reg = newRegistry()
		d.registries[collection] = reg
	}

	for _, ck := range chunks {
		if ck.ContentHash == "" {
			continue
		}

		if oldHash, ok := reg.byID[ck.ChunkID]; ok && oldHash != ck.ContentHash {
			delete(reg.byHash, oldHash)
		}
		if oldID, ok := reg.byHash[ck.ContentHash]; ok && oldID != ck.ChunkID {
			d.log.Warn("dedup_commit_conflict",
				slog.String("collection", collection),
				slog.String("chunk_id", ck.ChunkID),
				slog.String("existing_id", oldID))
			delete(reg.byID, oldID)
		}

		reg.byHash[ck.ContentHash] = ck.ChunkID
		reg.byID[ck.ChunkID] = ck.ContentHash
	}
}

// Forget removes chunks from the registry by ID, typically after a
// source deletion. Unknown IDs are ignored.
func (d *Deduper) Forget(collection string, chunkIDs []string) {
	if len(chunkIDs) == 0 {
		return
	}

	d.mu.Lock()
	defer d.mu.Unlock()

	reg := d.registries[collection]
	if reg == nil {
		return
	}

	for _, id := range chunkIDs {
		if hash, ok := reg.byID[id]; ok {
			delete(reg.byHash, hash)
			delete(reg.byID, id)
		}
	}
}

// Rehydrate replaces the collection's registry with the hashes recorded
// in the metadata store. Called on cold start before the first upsert.
func (d *Deduper) Rehydrate(ctx context.Context, collection string, meta store.MetadataStore) error {
	hashes, err := meta.AllHashes(ctx)
	if err != nil {
		return fmt.Errorf("failed to rehydrate dedup registry for %s: %w", collection, err)
	}

	reg := newRegistry()
	for hash, id := range hashes {
		reg.byHash[hash] = id
		reg.byID[id] = hash
	}

	d.mu.Lock()
	d.registries[collection] = reg
	d.mu.Unlock()

	d.log.Info("dedup_rehydrated",
		slog.String("collection", collection),
		slog.Int("entries", len(reg.byHash)))
	return nil
}

// DropCollection discards the collection's registry, e.g. when the
// collection itself is dropped.
func (d *Deduper) DropCollection(collection string) {
	d.mu.Lock()
	delete(d.registries, collection)
	d.mu.Unlock()
}

// Entries returns the number of registered hashes for one collection.
func (d *Deduper) Entries(collection string) int {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if reg := d.registries[collection]; reg != nil {
		return len(reg.byHash)
	}
	return 0
}

// Stats reports registry sizes and the lifetime duplicate rate,
// duplicates / total chunks ever classified.
func (d *Deduper) Stats() Stats {
	d.mu.RLock()
	collections := len(d.registries)
	entries := 0
	for _, reg := range d.registries {
		entries += len(reg.byHash)
	}
	d.mu.RUnlock()

	seen := d.totalSeen.Load()
	dups := d.duplicates.Load()
	rate := 0.0
	if seen > 0 {
		rate = float64(dups) / float64(seen)
	}

	return Stats{
		Collections:   collections,
		Entries:       entries,
		TotalSeen:     seen,
		Duplicates:    dups,
		DuplicateRate: rate,
	}
}
