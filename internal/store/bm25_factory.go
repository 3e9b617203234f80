package store

import (
	"fmt"
	"os"
	"path/filepath"
)

// LexicalBackend represents the lexical index backend type.
type LexicalBackend string

const (
	// LexicalBackendSQLite uses SQLite FTS5 (default).
	// WAL mode allows concurrent multi-process access.
	LexicalBackendSQLite LexicalBackend = "sqlite"

	// LexicalBackendBleve uses bleve v2.
	// BoltDB holds an exclusive file lock - single process only.
	LexicalBackendBleve LexicalBackend = "bleve"
)

// NewLexicalIndex creates a LexicalIndex using the specified backend.
// basePath is the path without extension; the backend appends its own
// (.db for sqlite, .bleve for bleve). Empty basePath creates an in-memory
// index for testing.
func NewLexicalIndex(basePath string, config BM25Config, backend string) (LexicalIndex, error) {
	switch backend {
	case string(LexicalBackendSQLite), "":
		var path string
		if basePath != "" {
			path = basePath + ".db"
		}
		return NewSQLiteLexicalIndex(path, config)

	case string(LexicalBackendBleve):
		var path string
		if basePath != "" {
			path = basePath + ".bleve"
		}
		return NewBleveLexicalIndex(path, config)

	default:
		return nil, fmt.Errorf("unknown lexical backend: %s (valid options: sqlite, bleve)", backend)
	}
}

// DetectLexicalBackend detects which backend an existing index uses based on
// file existence. Returns an empty string if no index exists.
func DetectLexicalBackend(basePath string) LexicalBackend {
	if fileExists(basePath + ".db") {
		return LexicalBackendSQLite
	}
	if dirExists(basePath + ".bleve") {
		return LexicalBackendBleve
	}
	return ""
}

// LexicalIndexPath returns the full path to the lexical index file or
// directory for the given backend.
func LexicalIndexPath(collectionDir string, backend string) string {
	basePath := filepath.Join(collectionDir, "lexical")
	switch backend {
	case string(LexicalBackendBleve):
		return basePath + ".bleve"
	default:
		return basePath + ".db"
	}
}

// fileExists checks if a file exists at the given path.
func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && !info.IsDir()
}

// dirExists checks if a directory exists at the given path.
func dirExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.IsDir()
}
