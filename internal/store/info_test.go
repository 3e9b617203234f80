package store

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFormatBytes_Bytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{0, "0 B"},
		{1, "1 B"},
		{512, "512 B"},
		{1023, "1023 B"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := FormatBytes(tc.bytes)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestFormatBytes_Kilobytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{1024, "1.0 KB"},
		{1536, "1.5 KB"},
		{10240, "10.0 KB"},
		{1048575, "1024.0 KB"}, // Just under 1MB
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := FormatBytes(tc.bytes)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestFormatBytes_Megabytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{1048576, "1.0 MB"},
		{5242880, "5.0 MB"},
		{104857600, "100.0 MB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := FormatBytes(tc.bytes)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestFormatBytes_Gigabytes(t *testing.T) {
	tests := []struct {
		bytes    int64
		expected string
	}{
		{1073741824, "1.0 GB"},
		{5368709120, "5.0 GB"},
		{107374182400, "100.0 GB"},
	}

	for _, tc := range tests {
		t.Run(tc.expected, func(t *testing.T) {
			result := FormatBytes(tc.bytes)
			assert.Equal(t, tc.expected, result)
		})
	}
}

func TestDirSize_Empty(t *testing.T) {
	tmpDir := t.TempDir()
	assert.Equal(t, int64(0), dirSize(tmpDir))
}

func TestDirSize_WithFiles(t *testing.T) {
	tmpDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "file1.txt"), make([]byte, 1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "file2.txt"), make([]byte, 2048), 0o644))

	assert.Equal(t, int64(3072), dirSize(tmpDir))
}

func TestDirSize_WithSubdirectories(t *testing.T) {
	tmpDir := t.TempDir()
	subDir := filepath.Join(tmpDir, "subdir")
	require.NoError(t, os.MkdirAll(subDir, 0o755))

	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "root.txt"), make([]byte, 1024), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(subDir, "nested.txt"), make([]byte, 512), 0o644))

	assert.Equal(t, int64(1536), dirSize(tmpDir))
}

func TestDirSize_NonexistentPath(t *testing.T) {
	assert.Equal(t, int64(0), dirSize("/nonexistent/path/that/does/not/exist"))
}

func TestMeasureDiskUsage(t *testing.T) {
	// Given: a collection directory with index files of known sizes
	tmpDir := t.TempDir()
	vectorPath := filepath.Join(tmpDir, "vector")

	require.NoError(t, os.WriteFile(vectorPath, make([]byte, 100), 0o644))
	require.NoError(t, os.WriteFile(vectorPath+".meta", make([]byte, 50), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "lexical.db"), make([]byte, 200), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(tmpDir, "meta.db"), make([]byte, 300), 0o644))

	// When: I measure disk usage
	usage := MeasureDiskUsage(tmpDir, vectorPath)

	// Then: per-index and total sizes line up
	assert.Equal(t, int64(150), usage.VectorBytes)
	assert.Equal(t, int64(200), usage.LexicalBytes)
	assert.Equal(t, int64(300), usage.MetaBytes)
	assert.Equal(t, int64(650), usage.TotalBytes)
}

func TestMeasureDiskUsage_MissingFiles(t *testing.T) {
	// A collection that was never saved reports zero, not an error.
	usage := MeasureDiskUsage("/nonexistent/collection", "/nonexistent/vector")
	assert.Equal(t, int64(0), usage.TotalBytes)
}
