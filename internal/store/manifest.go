package store

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// ManifestFileName is the per-collection manifest file.
const ManifestFileName = "manifest.json"

// Manifest records the embedding identity a collection was built with.
// Every chunk in a collection must be embedded by the same model at the
// same dimension, so the pair is fixed at creation and only changes
// through an explicit migration.
type Manifest struct {
	Name         string    `json:"name"`
	ModelID      string    `json:"model_id"`
	Dimension    int       `json:"dimension"`
	CreatedAt    time.Time `json:"created_at"`
	MigratedFrom string    `json:"migrated_from,omitempty"`
}

// ErrManifestMismatch indicates an ingest or query arrived with a different
// embedding identity than the collection was created with.
type ErrManifestMismatch struct {
	Collection    string
	WantModelID   string
	WantDimension int
	GotModelID    string
	GotDimension  int
}

func (e *ErrManifestMismatch) Error() string {
	return fmt.Sprintf(
		"collection %s is bound to model %s (dim %d), got model %s (dim %d); migrate the collection to change models",
		e.Collection, e.WantModelID, e.WantDimension, e.GotModelID, e.GotDimension)
}

// LoadManifest reads the manifest from a collection directory.
// Returns os.ErrNotExist (wrapped) when the collection has no manifest yet.
func LoadManifest(collectionDir string) (*Manifest, error) {
	path := filepath.Join(collectionDir, ManifestFileName)
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}

	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest: %w", err)
	}
	if m.ModelID == "" || m.Dimension <= 0 {
		return nil, fmt.Errorf("manifest is missing embedding identity")
	}
	return &m, nil
}

// SaveManifest writes the manifest atomically (temp file + rename).
func SaveManifest(collectionDir string, m *Manifest) error {
	if err := os.MkdirAll(collectionDir, 0o755); err != nil {
		return fmt.Errorf("failed to create collection directory: %w", err)
	}

	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode manifest: %w", err)
	}

	path := filepath.Join(collectionDir, ManifestFileName)
	tempPath := path + ".tmp"
	if err := os.WriteFile(tempPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write manifest: %w", err)
	}
	if err := os.Rename(tempPath, path); err != nil {
		_ = os.Remove(tempPath)
		return fmt.Errorf("failed to finalize manifest: %w", err)
	}
	return nil
}

// CheckManifest verifies an operation's embedding identity against the
// collection manifest. Nil manifest passes (collection not created yet).
func CheckManifest(m *Manifest, modelID string, dimension int) error {
	if m == nil {
		return nil
	}
	if m.ModelID != modelID || m.Dimension != dimension {
		return &ErrManifestMismatch{
			Collection:    m.Name,
			WantModelID:   m.ModelID,
			WantDimension: m.Dimension,
			GotModelID:    modelID,
			GotDimension:  dimension,
		}
	}
	return nil
}
