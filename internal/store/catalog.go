package store

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	ragerrors "github.com/Aman-CERP/ragserve/internal/errors"
)

// collectionNamePattern keeps collection names usable as directory names.
var collectionNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9._-]{0,63}$`)

// ValidateCollectionName rejects names that cannot become directory names.
func ValidateCollectionName(name string) error {
	if !collectionNamePattern.MatchString(name) {
		return ragerrors.ValidationError(
			fmt.Sprintf("invalid collection name %q: use letters, digits, '.', '_', '-' (max 64 chars)", name), nil)
	}
	return nil
}

// Collection bundles the per-collection stores behind one handle.
// All fields are open and ready once the Catalog returns the handle.
type Collection struct {
	Name     string
	Manifest *Manifest
	Vector   *HNSWStore
	Lexical  LexicalIndex
	Meta     MetadataStore
}

// Close releases every store in the handle, reporting the first error.
func (c *Collection) Close() error {
	var firstErr error
	if c.Vector != nil {
		if err := c.Vector.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Lexical != nil {
		if err := c.Lexical.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if c.Meta != nil {
		if err := c.Meta.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Save persists the vector index. The SQLite-backed stores write through.
func (c *Collection) Save() error {
	if c.Vector != nil {
		return c.Vector.Save()
	}
	return nil
}

// CollectionInfo summarizes a collection for listings and the info endpoint.
type CollectionInfo struct {
	Name       string              `json:"name"`
	ModelID    string              `json:"model_id"`
	Dimension  int                 `json:"dimension"`
	ChunkCount int                 `json:"chunk_count"`
	CreatedAt  time.Time           `json:"created_at"`
	Status     string              `json:"status"`
	Sources    []SourceStat        `json:"sources,omitempty"`
	Disk       CollectionDiskUsage `json:"disk"`
}

// CatalogConfig carries the store settings the catalog needs. The caller
// maps its configuration onto this; the catalog stays decoupled from the
// config package so tests can construct it directly.
type CatalogConfig struct {
	// DataDir is the root under which collections/<name>/ directories live.
	DataDir string
	// VectorPersistPath optionally overrides where vector indexes live.
	VectorPersistPath string
	// LexicalBackend selects "sqlite" (default) or "bleve".
	LexicalBackend string
	// BM25 tunes the lexical backends.
	BM25 BM25Config
	// Vector tunes the HNSW graphs. Dimensions comes from each manifest.
	Vector VectorStoreConfig
}

// Catalog opens, caches, and tears down collection handles. Handles are
// shared: two goroutines asking for the same collection get the same
// *Collection, whose stores synchronize internally.
type Catalog struct {
	cfg    CatalogConfig
	logger *slog.Logger

	mu     sync.Mutex
	open   map[string]*Collection
	closed bool
}

// NewCatalog creates a catalog rooted at cfg.DataDir.
func NewCatalog(cfg CatalogConfig, logger *slog.Logger) *Catalog {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.LexicalBackend == "" {
		cfg.LexicalBackend = string(LexicalBackendSQLite)
	}
	if cfg.BM25.K1 == 0 {
		cfg.BM25 = DefaultBM25Config()
	}
	return &Catalog{
		cfg:    cfg,
		logger: logger,
		open:   make(map[string]*Collection),
	}
}

func (cat *Catalog) collectionDir(name string) string {
	return filepath.Join(cat.cfg.DataDir, "collections", name)
}

// Dir returns the directory backing a collection. Callers anchor
// per-collection artifacts such as lock files here.
func (cat *Catalog) Dir(name string) string {
	return cat.collectionDir(name)
}

func (cat *Catalog) vectorPath(name string) string {
	if cat.cfg.VectorPersistPath != "" {
		return filepath.Join(cat.cfg.VectorPersistPath, name)
	}
	return filepath.Join(cat.collectionDir(name), "vector")
}

// Ensure returns the collection handle, creating the collection when it
// does not exist. The (modelID, dimension) pair is pinned by the first
// Ensure and later calls with a different pair fail with a manifest
// mismatch. Use Get for read paths that must not create.
func (cat *Catalog) Ensure(ctx context.Context, name, modelID string, dimension int) (*Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}
	if modelID == "" || dimension <= 0 {
		return nil, ragerrors.ValidationError("embedding model and dimension are required to create a collection", nil)
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()

	if cat.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	if coll, ok := cat.open[name]; ok {
		if err := CheckManifest(coll.Manifest, modelID, dimension); err != nil {
			return nil, err
		}
		return coll, nil
	}

	dir := cat.collectionDir(name)
	manifest, err := LoadManifest(dir)
	switch {
	case err == nil:
		if err := CheckManifest(manifest, modelID, dimension); err != nil {
			return nil, err
		}
	case errors.Is(err, os.ErrNotExist):
		manifest = &Manifest{
			Name:      name,
			ModelID:   modelID,
			Dimension: dimension,
			CreatedAt: time.Now().UTC(),
		}
		if err := SaveManifest(dir, manifest); err != nil {
			return nil, err
		}
		cat.logger.Info("collection_created",
			slog.String("collection", name),
			slog.String("model", modelID),
			slog.Int("dimension", dimension))
	default:
		return nil, err
	}

	coll, err := cat.openLocked(name, manifest)
	if err != nil {
		return nil, err
	}
	return coll, nil
}

// Get returns the handle for an existing collection or a not-found error.
func (cat *Catalog) Get(ctx context.Context, name string) (*Collection, error) {
	if err := ValidateCollectionName(name); err != nil {
		return nil, err
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()

	if cat.closed {
		return nil, fmt.Errorf("catalog is closed")
	}

	if coll, ok := cat.open[name]; ok {
		return coll, nil
	}

	manifest, err := LoadManifest(cat.collectionDir(name))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ragerrors.NotFoundError(ragerrors.ErrCodeCollectionNotFound, "collection "+name)
		}
		return nil, err
	}
	return cat.openLocked(name, manifest)
}

// openLocked opens the three stores for a collection. Caller holds cat.mu.
func (cat *Catalog) openLocked(name string, manifest *Manifest) (*Collection, error) {
	dir := cat.collectionDir(name)

	vectorCfg := cat.cfg.Vector
	vectorCfg.Dimensions = manifest.Dimension
	vector, err := OpenHNSWStore(cat.vectorPath(name), vectorCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to open vector store for %s: %w", name, err)
	}

	// An index already on disk wins over the configured default, so a
	// backend switch in config does not strand existing collections.
	backend := cat.cfg.LexicalBackend
	if detected := DetectLexicalBackend(filepath.Join(dir, "lexical")); detected != "" {
		backend = string(detected)
	}
	lexical, err := NewLexicalIndex(filepath.Join(dir, "lexical"), cat.cfg.BM25, backend)
	if err != nil {
		_ = vector.Close()
		return nil, fmt.Errorf("failed to open lexical index for %s: %w", name, err)
	}

	meta, err := NewSQLiteMetadataStore(filepath.Join(dir, "meta.db"))
	if err != nil {
		_ = vector.Close()
		_ = lexical.Close()
		return nil, fmt.Errorf("failed to open metadata store for %s: %w", name, err)
	}

	coll := &Collection{
		Name:     name,
		Manifest: manifest,
		Vector:   vector,
		Lexical:  lexical,
		Meta:     meta,
	}
	cat.open[name] = coll
	return coll, nil
}

// Info returns summary stats for one collection without mutating it.
func (cat *Catalog) Info(ctx context.Context, name string) (*CollectionInfo, error) {
	coll, err := cat.Get(ctx, name)
	if err != nil {
		return nil, err
	}

	count, err := coll.Meta.Count(ctx)
	if err != nil {
		return nil, err
	}
	sources, err := coll.Meta.ListSources(ctx)
	if err != nil {
		return nil, err
	}

	return &CollectionInfo{
		Name:       coll.Name,
		ModelID:    coll.Manifest.ModelID,
		Dimension:  coll.Manifest.Dimension,
		ChunkCount: count,
		CreatedAt:  coll.Manifest.CreatedAt,
		Status:     "ready",
		Sources:    sources,
		Disk:       MeasureDiskUsage(cat.collectionDir(name), cat.vectorPath(name)),
	}, nil
}

// List enumerates every collection directory with a valid manifest.
// Collections are listed from disk, not just open handles.
func (cat *Catalog) List(ctx context.Context) ([]CollectionInfo, error) {
	root := filepath.Join(cat.cfg.DataDir, "collections")
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []CollectionInfo{}, nil
		}
		return nil, fmt.Errorf("failed to list collections: %w", err)
	}

	infos := make([]CollectionInfo, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		info, err := cat.Info(ctx, entry.Name())
		if err != nil {
			cat.logger.Warn("collection_skipped",
				slog.String("collection", entry.Name()),
				slog.String("error", err.Error()))
			continue
		}
		infos = append(infos, *info)
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].Name < infos[j].Name })
	return infos, nil
}

// Drop closes the collection's stores and removes its state from disk.
func (cat *Catalog) Drop(ctx context.Context, name string) error {
	if err := ValidateCollectionName(name); err != nil {
		return err
	}

	cat.mu.Lock()
	defer cat.mu.Unlock()

	if cat.closed {
		return fmt.Errorf("catalog is closed")
	}

	if coll, ok := cat.open[name]; ok {
		if err := coll.Close(); err != nil {
			cat.logger.Warn("collection_close_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
		}
		delete(cat.open, name)
	}

	dir := cat.collectionDir(name)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		return ragerrors.NotFoundError(ragerrors.ErrCodeCollectionNotFound, "collection "+name)
	}
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("failed to drop collection %s: %w", name, err)
	}
	if cat.cfg.VectorPersistPath != "" {
		_ = os.RemoveAll(cat.vectorPath(name))
		_ = os.Remove(cat.vectorPath(name) + ".meta")
	}
	cat.logger.Info("collection_dropped", slog.String("collection", name))
	return nil
}

// SaveAll persists every open collection's vector index.
func (cat *Catalog) SaveAll() error {
	cat.mu.Lock()
	defer cat.mu.Unlock()

	var firstErr error
	for name, coll := range cat.open {
		if err := coll.Save(); err != nil {
			cat.logger.Error("collection_save_failed",
				slog.String("collection", name),
				slog.String("error", err.Error()))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close persists and closes every open handle. Idempotent.
func (cat *Catalog) Close() error {
	cat.mu.Lock()
	defer cat.mu.Unlock()

	if cat.closed {
		return nil
	}
	cat.closed = true

	var firstErr error
	for name, coll := range cat.open {
		if err := coll.Save(); err != nil && firstErr == nil {
			firstErr = err
		}
		if err := coll.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		delete(cat.open, name)
	}
	return firstErr
}

