package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// SQLiteLexicalIndex implements LexicalIndex using SQLite FTS5.
// WAL mode allows the HTTP server and a CLI ingest to share the index.
type SQLiteLexicalIndex struct {
	mu        sync.RWMutex
	db        *sql.DB
	path      string
	config    BM25Config
	closed    bool
	stopWords map[string]struct{}
}

var _ LexicalIndex = (*SQLiteLexicalIndex)(nil)

// validateSQLiteIntegrity checks whether an existing FTS5 index is usable.
// Returns nil if valid, an error describing the corruption if not.
func validateSQLiteIntegrity(path string) error {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil // will be created
	}

	db, err := sql.Open("sqlite", path+"?mode=ro")
	if err != nil {
		return fmt.Errorf("cannot open for validation: %w", err)
	}
	defer db.Close()

	var result string
	if err := db.QueryRow("PRAGMA integrity_check").Scan(&result); err != nil {
		return fmt.Errorf("integrity check failed: %w", err)
	}
	if result != "ok" {
		return fmt.Errorf("database corrupted: %s", result)
	}

	var count int
	err = db.QueryRow(`SELECT COUNT(*) FROM sqlite_master
                       WHERE type='table' AND name='fts_chunks'`).Scan(&count)
	if err != nil {
		return fmt.Errorf("cannot query schema: %w", err)
	}
	if count == 0 {
		return fmt.Errorf("FTS5 table 'fts_chunks' missing")
	}
	return nil
}

// NewSQLiteLexicalIndex opens or creates the FTS5 index at path.
// A corrupt index is cleared with a warning so the caller can reindex.
// Empty path creates an in-memory index for testing.
func NewSQLiteLexicalIndex(path string, config BM25Config) (*SQLiteLexicalIndex, error) {
	var dsn string
	if path == "" {
		dsn = ":memory:"
	} else {
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", filepath.Dir(path), err)
		}

		if validErr := validateSQLiteIntegrity(path); validErr != nil {
			slog.Warn("lexical_index_corrupted",
				slog.String("path", path),
				slog.String("error", validErr.Error()))

			if removeErr := os.Remove(path); removeErr != nil && !os.IsNotExist(removeErr) {
				return nil, fmt.Errorf("lexical index corrupted at %s and cannot remove: %w (original error: %v)", path, removeErr, validErr)
			}
			_ = os.Remove(path + "-wal")
			_ = os.Remove(path + "-shm")

			slog.Info("lexical_index_cleared",
				slog.String("path", path),
				slog.String("reason", "corruption detected, please reindex"))
		}

		dsn = path + "?_journal_mode=WAL&_synchronous=NORMAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer to prevent lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	// WAL mode must be set via PRAGMA for modernc.org/sqlite; DSN params
	// may be ignored.
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA cache_size = -65536",
		"PRAGMA temp_store = MEMORY",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	idx := &SQLiteLexicalIndex{
		db:        db,
		path:      path,
		config:    config,
		stopWords: BuildStopWordMap(config.StopWords),
	}
	if err := idx.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return idx, nil
}

// initSchema creates the FTS5 virtual table and the filter sidecar table.
func (s *SQLiteLexicalIndex) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	-- FTS5 virtual table. chunk_id is stored but not searchable; text and
	-- section_title are searchable with section titles weighted lower at
	-- query time via bm25() column weights.
	CREATE VIRTUAL TABLE IF NOT EXISTS fts_chunks USING fts5(
		chunk_id UNINDEXED,
		text,
		section_title,
		tokenize='unicode61'
	);

	-- Filterable attributes per chunk. FTS5 cannot express source/version
	-- equality efficiently, so filtered search and per-source deletes join
	-- against this table.
	CREATE TABLE IF NOT EXISTS chunk_refs (
		chunk_id TEXT PRIMARY KEY,
		source TEXT NOT NULL,
		version TEXT NOT NULL DEFAULT '',
		page INTEGER NOT NULL DEFAULT 1
	);
	CREATE INDEX IF NOT EXISTS idx_chunk_refs_source ON chunk_refs(source, version);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// BulkUpsert indexes documents, replacing any with the same chunk_id.
// Text is pre-tokenized so documents and queries agree on terms.
func (s *SQLiteLexicalIndex) BulkUpsert(ctx context.Context, docs []*LexicalDoc) error {
	if len(docs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("lexical index is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	// FTS5 virtual tables don't support REPLACE; delete first.
	deleteStmt, err := tx.PrepareContext(ctx,
		`DELETE FROM fts_chunks WHERE chunk_id = ?`)
	if err != nil {
		return fmt.Errorf("failed to prepare delete statement: %w", err)
	}
	defer deleteStmt.Close()

	insertStmt, err := tx.PrepareContext(ctx,
		`INSERT INTO fts_chunks(chunk_id, text, section_title) VALUES (?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare FTS statement: %w", err)
	}
	defer insertStmt.Close()

	refStmt, err := tx.PrepareContext(ctx,
		`INSERT OR REPLACE INTO chunk_refs(chunk_id, source, version, page) VALUES (?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare ref statement: %w", err)
	}
	defer refStmt.Close()

	for _, doc := range docs {
		processed := s.processText(doc.Text)
		title := s.processText(doc.SectionTitle)

		if _, err := deleteStmt.ExecContext(ctx, doc.ChunkID); err != nil {
			return fmt.Errorf("failed to delete existing document %s: %w", doc.ChunkID, err)
		}
		if _, err := insertStmt.ExecContext(ctx, doc.ChunkID, processed, title); err != nil {
			return fmt.Errorf("failed to index document %s: %w", doc.ChunkID, err)
		}
		if _, err := refStmt.ExecContext(ctx, doc.ChunkID, doc.Source, doc.Version, doc.Page); err != nil {
			return fmt.Errorf("failed to track document %s: %w", doc.ChunkID, err)
		}
	}

	return tx.Commit()
}

// processText tokenizes and stop-filters text for indexing and matching.
func (s *SQLiteLexicalIndex) processText(text string) string {
	tokens := TokenizeText(text)
	tokens = FilterStopWords(tokens, s.stopWords)
	return strings.Join(tokens, " ")
}

// Search returns up to k BM25-scored hits. FTS5 bm25() is negative where
// lower is better; scores are negated so higher is better like bleve.
func (s *SQLiteLexicalIndex) Search(ctx context.Context, queryStr string, k int, filter map[string]string) ([]*LexicalResult, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	if strings.TrimSpace(queryStr) == "" {
		return []*LexicalResult{}, nil
	}

	tokens := TokenizeText(queryStr)
	tokens = FilterStopWords(tokens, s.stopWords)
	if len(tokens) == 0 {
		return []*LexicalResult{}, nil
	}
	// Space-separated terms; OR matching so partial term overlap still
	// scores, mirroring bleve's match query.
	processedQuery := strings.Join(tokens, " OR ")

	// bm25() column weights: chunk_id 0, text 1.0, section_title 0.5
	query := `
		SELECT f.chunk_id, bm25(fts_chunks, 0, 1.0, 0.5) AS score
		FROM fts_chunks f
		JOIN chunk_refs r ON r.chunk_id = f.chunk_id
		WHERE fts_chunks MATCH ?`
	args := []any{processedQuery}

	if source, ok := filter[MetaSource]; ok {
		query += ` AND r.source = ?`
		args = append(args, source)
	}
	if version, ok := filter[MetaVersion]; ok {
		query += ` AND r.version = ?`
		args = append(args, version)
	}
	query += `
		ORDER BY score
		LIMIT ?`
	args = append(args, k)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		// FTS5 errors on malformed match syntax; treat as no results.
		if strings.Contains(err.Error(), "fts5:") || strings.Contains(err.Error(), "syntax error") {
			return []*LexicalResult{}, nil
		}
		return nil, fmt.Errorf("search failed: %w", err)
	}
	defer rows.Close()

	var results []*LexicalResult
	for rows.Next() {
		var chunkID string
		var score float64
		if err := rows.Scan(&chunkID, &score); err != nil {
			return nil, fmt.Errorf("failed to scan result: %w", err)
		}
		results = append(results, &LexicalResult{
			ChunkID:      chunkID,
			Score:        -score,
			MatchedTerms: tokens,
		})
	}
	return results, rows.Err()
}

// Delete removes documents by chunk_id.
func (s *SQLiteLexicalIndex) Delete(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("lexical index is closed")
	}
	return s.deleteLocked(ctx, chunkIDs)
}

func (s *SQLiteLexicalIndex) deleteLocked(ctx context.Context, chunkIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	inClause := strings.Join(placeholders, ",")

	ftsQuery := fmt.Sprintf("DELETE FROM fts_chunks WHERE chunk_id IN (%s)", inClause)
	if _, err := tx.ExecContext(ctx, ftsQuery, args...); err != nil {
		return fmt.Errorf("failed to delete from FTS: %w", err)
	}
	refQuery := fmt.Sprintf("DELETE FROM chunk_refs WHERE chunk_id IN (%s)", inClause)
	if _, err := tx.ExecContext(ctx, refQuery, args...); err != nil {
		return fmt.Errorf("failed to delete refs: %w", err)
	}
	return tx.Commit()
}

// DeleteBySource removes every document for a source.
func (s *SQLiteLexicalIndex) DeleteBySource(ctx context.Context, source, version string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return 0, fmt.Errorf("lexical index is closed")
	}

	ids, err := s.enumerateLocked(ctx, source, version)
	if err != nil {
		return 0, err
	}
	if len(ids) == 0 {
		return 0, nil
	}
	if err := s.deleteLocked(ctx, ids); err != nil {
		return 0, err
	}
	return len(ids), nil
}

// EnumerateBySource returns the chunk IDs indexed for a source.
func (s *SQLiteLexicalIndex) EnumerateBySource(ctx context.Context, source, version string) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("lexical index is closed")
	}
	return s.enumerateLocked(ctx, source, version)
}

func (s *SQLiteLexicalIndex) enumerateLocked(ctx context.Context, source, version string) ([]string, error) {
	query := `SELECT chunk_id FROM chunk_refs WHERE source = ?`
	args := []any{source}
	if version != "" {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY chunk_id`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to enumerate source: %w", err)
	}
	defer rows.Close()

	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("failed to scan chunk ID: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// Count returns the number of indexed documents.
func (s *SQLiteLexicalIndex) Count() (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("lexical index is closed")
	}

	var count int
	if err := s.db.QueryRow(`SELECT COUNT(*) FROM chunk_refs`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count documents: %w", err)
	}
	return count, nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteLexicalIndex) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	if s.db != nil {
		_, _ = s.db.Exec("PRAGMA wal_checkpoint(TRUNCATE)")
		return s.db.Close()
	}
	return nil
}
