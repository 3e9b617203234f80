package store

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
)

// CollectionDiskUsage reports on-disk sizes for one collection's indexes.
type CollectionDiskUsage struct {
	TotalBytes   int64 `json:"total_bytes"`
	VectorBytes  int64 `json:"vector_bytes"`
	LexicalBytes int64 `json:"lexical_bytes"`
	MetaBytes    int64 `json:"meta_bytes"`
}

// MeasureDiskUsage sums the sizes of a collection's index files.
// vectorPath may live outside collectionDir when a persist override is set.
func MeasureDiskUsage(collectionDir, vectorPath string) CollectionDiskUsage {
	var usage CollectionDiskUsage

	usage.VectorBytes = fileSize(vectorPath) + fileSize(vectorPath+".meta")
	usage.LexicalBytes = fileSize(filepath.Join(collectionDir, "lexical.db")) +
		fileSize(filepath.Join(collectionDir, "lexical.db-wal")) +
		dirSize(filepath.Join(collectionDir, "lexical.bleve"))
	usage.MetaBytes = fileSize(filepath.Join(collectionDir, "meta.db")) +
		fileSize(filepath.Join(collectionDir, "meta.db-wal"))

	usage.TotalBytes = usage.VectorBytes + usage.LexicalBytes + usage.MetaBytes
	return usage
}

func fileSize(path string) int64 {
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		return 0
	}
	return info.Size()
}

func dirSize(path string) int64 {
	var total int64
	_ = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			return nil // skip unreadable entries
		}
		if !d.IsDir() {
			if info, err := d.Info(); err == nil {
				total += info.Size()
			}
		}
		return nil
	})
	return total
}

// FormatBytes formats bytes to human-readable format.
func FormatBytes(bytes int64) string {
	const (
		KB = 1024
		MB = 1024 * KB
		GB = 1024 * MB
	)

	switch {
	case bytes >= GB:
		return fmt.Sprintf("%.1f GB", float64(bytes)/float64(GB))
	case bytes >= MB:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(MB))
	case bytes >= KB:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(KB))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
