// Package scanner discovers ingestible document files under a directory
// tree. It honors .ragignore files (gitignore syntax), skips sensitive
// and oversized files, and streams results as they are found.
package scanner

import (
	"time"
)

// IgnoreFileName is the per-directory ignore file consulted during scans.
const IgnoreFileName = ".ragignore"

// FileInfo contains metadata about a discovered file.
type FileInfo struct {
	Path    string    // Path relative to the scan root; used as the source name
	AbsPath string    // Absolute path
	Size    int64     // File size in bytes
	ModTime time.Time // Last modification time
}

// ScanOptions configures the scanner behavior.
type ScanOptions struct {
	// RootDir is the directory to scan.
	RootDir string

	// IncludePatterns specifies patterns to include (empty = all).
	IncludePatterns []string

	// ExcludePatterns specifies patterns to exclude.
	ExcludePatterns []string

	// RespectIgnoreFiles enables .ragignore parsing.
	RespectIgnoreFiles bool

	// MaxFileSize is the maximum file size to include in bytes
	// (0 = DefaultMaxFileSize).
	MaxFileSize int64

	// FollowSymlinks enables following symbolic links (default: false).
	FollowSymlinks bool
}

// ScanResult is returned from the scanner channel.
type ScanResult struct {
	File  *FileInfo
	Error error
}

// DefaultMaxFileSize is the default maximum file size (100MB), matching
// the ingest config default.
const DefaultMaxFileSize = 100 * 1024 * 1024
