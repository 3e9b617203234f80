package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite" // Pure Go SQLite driver (no CGO)
)

// ErrChunkNotFound indicates a chunk row lookup miss.
var ErrChunkNotFound = fmt.Errorf("chunk not found")

// SQLiteMetadataStore persists chunk rows for one collection. The vector and
// lexical indexes hold only what they need to search; this store keeps the
// full chunk for dedup rehydration, citations, stats, and migration reads.
type SQLiteMetadataStore struct {
	mu     sync.RWMutex
	db     *sql.DB
	path   string
	closed bool
}

var _ MetadataStore = (*SQLiteMetadataStore)(nil)

// NewSQLiteMetadataStore opens or creates the metadata database at path.
// Empty path creates an in-memory store for testing.
func NewSQLiteMetadataStore(path string) (*SQLiteMetadataStore, error) {
	dsn := ":memory:"
	if path != "" {
		dsn = path + "?_journal_mode=WAL&_busy_timeout=5000"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to set pragma: %w", err)
		}
	}

	s := &SQLiteMetadataStore{db: db, path: path}
	if err := s.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize metadata schema: %w", err)
	}
	return s, nil
}

func (s *SQLiteMetadataStore) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS schema_version (
		version INTEGER PRIMARY KEY
	);

	CREATE TABLE IF NOT EXISTS chunks (
		chunk_id      TEXT PRIMARY KEY,
		collection    TEXT NOT NULL,
		source        TEXT NOT NULL,
		version       TEXT NOT NULL DEFAULT '',
		doc_title     TEXT NOT NULL DEFAULT '',
		section_title TEXT NOT NULL DEFAULT '',
		section_level INTEGER NOT NULL DEFAULT 0,
		section_idx   INTEGER NOT NULL DEFAULT 0,
		page          INTEGER NOT NULL DEFAULT 1,
		chunk_idx     INTEGER NOT NULL DEFAULT 0,
		text          TEXT NOT NULL,
		token_count   INTEGER NOT NULL DEFAULT 0,
		content_hash  TEXT NOT NULL,
		created_at    INTEGER NOT NULL,
		metadata      TEXT NOT NULL DEFAULT '{}'
	);

	CREATE INDEX IF NOT EXISTS idx_chunks_source ON chunks(source, version);
	CREATE INDEX IF NOT EXISTS idx_chunks_hash ON chunks(content_hash);

	INSERT OR IGNORE INTO schema_version (version) VALUES (1);
	`
	_, err := s.db.Exec(schema)
	return err
}

// SaveChunks inserts or replaces chunk rows.
func (s *SQLiteMetadataStore) SaveChunks(ctx context.Context, chunks []*Chunk) error {
	if len(chunks) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO chunks (
			chunk_id, collection, source, version, doc_title, section_title,
			section_level, section_idx, page, chunk_idx, text, token_count,
			content_hash, created_at, metadata
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, c := range chunks {
		metaJSON, err := json.Marshal(c.Metadata)
		if err != nil {
			metaJSON = []byte("{}")
		}
		createdAt := c.CreatedAt
		if createdAt.IsZero() {
			createdAt = time.Now()
		}
		if _, err := stmt.ExecContext(ctx,
			c.ChunkID, c.Collection, c.Source, c.Version, c.DocTitle,
			c.SectionTitle, c.SectionLevel, c.SectionIndex, c.Page,
			c.ChunkIndex, c.Text, c.TokenCount, c.ContentHash,
			createdAt.Unix(), string(metaJSON),
		); err != nil {
			return fmt.Errorf("failed to save chunk %s: %w", c.ChunkID, err)
		}
	}

	return tx.Commit()
}

const chunkColumns = `chunk_id, collection, source, version, doc_title, section_title,
	section_level, section_idx, page, chunk_idx, text, token_count,
	content_hash, created_at, metadata`

func scanChunk(scanner interface{ Scan(...any) error }) (*Chunk, error) {
	var c Chunk
	var createdAt int64
	var metaJSON string
	err := scanner.Scan(
		&c.ChunkID, &c.Collection, &c.Source, &c.Version, &c.DocTitle,
		&c.SectionTitle, &c.SectionLevel, &c.SectionIndex, &c.Page,
		&c.ChunkIndex, &c.Text, &c.TokenCount, &c.ContentHash,
		&createdAt, &metaJSON,
	)
	if err != nil {
		return nil, err
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	if metaJSON != "" && metaJSON != "{}" {
		_ = json.Unmarshal([]byte(metaJSON), &c.Metadata)
	}
	return &c, nil
}

// GetChunk returns the chunk row or ErrChunkNotFound.
func (s *SQLiteMetadataStore) GetChunk(ctx context.Context, chunkID string) (*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	row := s.db.QueryRowContext(ctx,
		`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id = ?`, chunkID)
	c, err := scanChunk(row)
	if err == sql.ErrNoRows {
		return nil, ErrChunkNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get chunk: %w", err)
	}
	return c, nil
}

// GetChunks returns rows for the given IDs, skipping missing ones.
func (s *SQLiteMetadataStore) GetChunks(ctx context.Context, chunkIDs []string) ([]*Chunk, error) {
	if len(chunkIDs) == 0 {
		return []*Chunk{}, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf(`SELECT `+chunkColumns+` FROM chunks WHERE chunk_id IN (%s)`,
		strings.Join(placeholders, ","))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get chunks: %w", err)
	}
	defer rows.Close()

	// Preserve request order; lookups by ID after the scan.
	byID := make(map[string]*Chunk, len(chunkIDs))
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		byID[c.ChunkID] = c
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	chunks := make([]*Chunk, 0, len(byID))
	for _, id := range chunkIDs {
		if c, ok := byID[id]; ok {
			chunks = append(chunks, c)
		}
	}
	return chunks, nil
}

// ListBySource returns all chunk rows for a source in section/chunk order.
func (s *SQLiteMetadataStore) ListBySource(ctx context.Context, source, version string) ([]*Chunk, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	query := `SELECT ` + chunkColumns + ` FROM chunks WHERE source = ?`
	args := []any{source}
	if version != "" {
		query += ` AND version = ?`
		args = append(args, version)
	}
	query += ` ORDER BY section_idx, chunk_idx`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list source chunks: %w", err)
	}
	defer rows.Close()

	var chunks []*Chunk
	for rows.Next() {
		c, err := scanChunk(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan chunk: %w", err)
		}
		chunks = append(chunks, c)
	}
	return chunks, rows.Err()
}

// ListSources summarizes every source in the collection.
func (s *SQLiteMetadataStore) ListSources(ctx context.Context) ([]SourceStat, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT source, version, COUNT(*), MAX(created_at)
		FROM chunks
		GROUP BY source, version
		ORDER BY source, version`)
	if err != nil {
		return nil, fmt.Errorf("failed to list sources: %w", err)
	}
	defer rows.Close()

	var stats []SourceStat
	for rows.Next() {
		var stat SourceStat
		var updatedAt int64
		if err := rows.Scan(&stat.Source, &stat.Version, &stat.ChunkCount, &updatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source stat: %w", err)
		}
		stat.UpdatedAt = time.Unix(updatedAt, 0).UTC()
		stats = append(stats, stat)
	}
	return stats, rows.Err()
}

// AllHashes returns content_hash → chunk_id for dedup rehydration.
func (s *SQLiteMetadataStore) AllHashes(ctx context.Context) (map[string]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("metadata store is closed")
	}

	rows, err := s.db.QueryContext(ctx, `SELECT content_hash, chunk_id FROM chunks`)
	if err != nil {
		return nil, fmt.Errorf("failed to load hashes: %w", err)
	}
	defer rows.Close()

	hashes := make(map[string]string)
	for rows.Next() {
		var hash, id string
		if err := rows.Scan(&hash, &id); err != nil {
			return nil, fmt.Errorf("failed to scan hash: %w", err)
		}
		hashes[hash] = id
	}
	return hashes, rows.Err()
}

// IterateChunks streams every chunk row in batches ordered by chunk_id.
// fn errors abort the iteration.
func (s *SQLiteMetadataStore) IterateChunks(ctx context.Context, batchSize int, fn func(chunks []*Chunk) error) error {
	if batchSize <= 0 {
		batchSize = 256
	}

	lastID := ""
	for {
		s.mu.RLock()
		if s.closed {
			s.mu.RUnlock()
			return fmt.Errorf("metadata store is closed")
		}
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+chunkColumns+` FROM chunks
			WHERE chunk_id > ?
			ORDER BY chunk_id
			LIMIT ?`, lastID, batchSize)
		if err != nil {
			s.mu.RUnlock()
			return fmt.Errorf("failed to iterate chunks: %w", err)
		}

		var batch []*Chunk
		for rows.Next() {
			c, err := scanChunk(rows)
			if err != nil {
				rows.Close()
				s.mu.RUnlock()
				return fmt.Errorf("failed to scan chunk: %w", err)
			}
			batch = append(batch, c)
		}
		err = rows.Err()
		rows.Close()
		s.mu.RUnlock()
		if err != nil {
			return err
		}

		if len(batch) == 0 {
			return nil
		}
		if err := fn(batch); err != nil {
			return err
		}
		lastID = batch[len(batch)-1].ChunkID
	}
}

// DeleteChunks removes rows by chunk_id.
func (s *SQLiteMetadataStore) DeleteChunks(ctx context.Context, chunkIDs []string) error {
	if len(chunkIDs) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("metadata store is closed")
	}

	placeholders := make([]string, len(chunkIDs))
	args := make([]any, len(chunkIDs))
	for i, id := range chunkIDs {
		placeholders[i] = "?"
		args[i] = id
	}
	query := fmt.Sprintf("DELETE FROM chunks WHERE chunk_id IN (%s)",
		strings.Join(placeholders, ","))
	if _, err := s.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	return nil
}

// Count returns the number of chunk rows.
func (s *SQLiteMetadataStore) Count(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return 0, fmt.Errorf("metadata store is closed")
	}

	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM chunks`).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count chunks: %w", err)
	}
	return count, nil
}

// Close checkpoints the WAL and closes the database. Idempotent.
func (s *SQLiteMetadataStore) Close() error {
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
