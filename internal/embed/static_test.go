package embed

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// ============================================================================
// Basic Embedding
// ============================================================================

func TestStaticEmbedder_Embed_ReturnsCorrectDimensions(t *testing.T) {
	// Given: static embedder with default dimensions
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed a sentence
	embedding, err := embedder.Embed(context.Background(), "rotate credentials every ninety days")

	// Then: a vector of the default width is returned
	require.NoError(t, err)
	assert.Len(t, embedding, StaticDimensions)
}

func TestStaticEmbedder_Embed_VectorIsNormalized(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed text
	embedding, err := embedder.Embed(context.Background(), "rotate credentials every ninety days")
	require.NoError(t, err)

	// Then: vector magnitude is ~1.0 (normalized)
	magnitude := vectorMagnitude(embedding)
	assert.InDelta(t, 1.0, magnitude, 0.001, "vector should be normalized to unit length")
}

func TestStaticEmbedder_CustomDimensions(t *testing.T) {
	// Given: static embedder configured for 768 dimensions
	embedder := NewStaticEmbedderWithDimensions(768)
	defer func() { _ = embedder.Close() }()

	// When: I embed text
	embedding, err := embedder.Embed(context.Background(), "database backup schedule")

	// Then: the vector matches the configured width
	require.NoError(t, err)
	assert.Len(t, embedding, 768)
	assert.Equal(t, 768, embedder.Dimensions())
}

func TestStaticEmbedder_InvalidDimensions_FallsBackToDefault(t *testing.T) {
	embedder := NewStaticEmbedderWithDimensions(0)
	defer func() { _ = embedder.Close() }()

	assert.Equal(t, StaticDimensions, embedder.Dimensions())
}

// ============================================================================
// Deterministic Output
// ============================================================================

func TestStaticEmbedder_Embed_IsDeterministic(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	text := "restart the ingestion worker after a configuration change"

	// When: I embed same text twice
	emb1, err1 := embedder.Embed(context.Background(), text)
	emb2, err2 := embedder.Embed(context.Background(), text)

	// Then: identical vectors are returned
	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, emb1, emb2, "same text should produce identical vectors")
}

func TestStaticEmbedder_Embed_DeterministicAcrossInstances(t *testing.T) {
	// Given: two separate embedder instances
	embedder1 := NewStaticEmbedder()
	embedder2 := NewStaticEmbedder()
	defer func() { _ = embedder1.Close() }()
	defer func() { _ = embedder2.Close() }()

	text := "retention policy for audit logs"

	// When: I embed same text with different instances
	emb1, _ := embedder1.Embed(context.Background(), text)
	emb2, _ := embedder2.Embed(context.Background(), text)

	// Then: identical vectors are returned
	assert.Equal(t, emb1, emb2, "same text should produce identical vectors across instances")
}

// ============================================================================
// Different Texts Differ
// ============================================================================

func TestStaticEmbedder_Embed_DifferentTextsProduceDifferentVectors(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed two unrelated sentences
	emb1, _ := embedder.Embed(context.Background(), "quarterly revenue projections")
	emb2, _ := embedder.Embed(context.Background(), "kubernetes cluster upgrade procedure")

	// Then: different vectors are returned
	assert.NotEqual(t, emb1, emb2, "different texts should produce different vectors")
}

// ============================================================================
// Empty Input
// ============================================================================

func TestStaticEmbedder_Embed_EmptyInput_ReturnsZeroVector(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed empty string
	embedding, err := embedder.Embed(context.Background(), "")

	// Then: a zero vector of the default width is returned
	require.NoError(t, err)
	assert.Len(t, embedding, StaticDimensions)

	for i, v := range embedding {
		assert.Equal(t, float32(0), v, "element %d should be zero", i)
	}
}

func TestStaticEmbedder_Embed_WhitespaceOnly_ReturnsZeroVector(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed whitespace-only string
	embedding, err := embedder.Embed(context.Background(), "   \t\n  ")

	// Then: a zero vector is returned
	require.NoError(t, err)
	assert.Len(t, embedding, StaticDimensions)

	for _, v := range embedding {
		assert.Equal(t, float32(0), v)
	}
}

// ============================================================================
// Similar Prose Has Higher Similarity
// ============================================================================

func TestStaticEmbedder_SimilarProse_HasHigherSimilarity(t *testing.T) {
	// Given: static embedder and prose samples
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	rotateA := "rotate your credentials every ninety days"
	rotateB := "credentials must be rotated after ninety days"
	unrelated := "the quarterly marketing budget increased"

	// When: I compute embeddings
	embA, _ := embedder.Embed(context.Background(), rotateA)
	embB, _ := embedder.Embed(context.Background(), rotateB)
	embC, _ := embedder.Embed(context.Background(), unrelated)

	// Then: related sentences score higher than unrelated ones
	relatedSim := cosineSimilarity(embA, embB)
	unrelatedSim := cosineSimilarity(embA, embC)

	assert.Greater(t, relatedSim, unrelatedSim,
		"related prose should have higher similarity (related: %.4f) than unrelated (%.4f)",
		relatedSim, unrelatedSim)
}

func TestStaticEmbedder_MorphologicalVariants_ShareSignal(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed morphological variants of the same term
	emb1, _ := embedder.Embed(context.Background(), "indexing documents")
	emb2, _ := embedder.Embed(context.Background(), "document index")
	emb3, _ := embedder.Embed(context.Background(), "holiday travel plans")

	// Then: trigram overlap keeps the variants closer than unrelated text
	variantSim := cosineSimilarity(emb1, emb2)
	unrelatedSim := cosineSimilarity(emb1, emb3)
	assert.Greater(t, variantSim, unrelatedSim,
		"variants should be closer (%.4f) than unrelated text (%.4f)", variantSim, unrelatedSim)
}

func TestStaticEmbedder_StopWordFiltering(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I embed a sentence with and without its function words
	withStopWords := "the backup is stored in the vault for a week"
	contentOnly := "backup stored vault week"

	embWith, _ := embedder.Embed(context.Background(), withStopWords)
	embContent, _ := embedder.Embed(context.Background(), contentOnly)

	// Then: the content terms dominate, so the vectors stay close
	similarity := cosineSimilarity(embWith, embContent)
	assert.Greater(t, similarity, float64(0.5),
		"stop words should not dominate the vector (similarity: %.4f)", similarity)
}

// ============================================================================
// Always Available
// ============================================================================

func TestStaticEmbedder_Available_AlwaysTrue(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I check Available()
	available := embedder.Available(context.Background())

	// Then: result is always true
	assert.True(t, available, "static embedder should always be available")
}

func TestStaticEmbedder_Available_TrueEvenWithCancelledContext(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I check Available() with cancelled context
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	available := embedder.Available(ctx)

	// Then: result is still true (no external dependencies)
	assert.True(t, available, "static embedder should be available even with cancelled context")
}

// ============================================================================
// Performance
// ============================================================================

func TestStaticEmbedder_Performance(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	texts := make([]string, 1000)
	for i := range texts {
		texts[i] = "section " + string(rune('A'+i%26)) + " describes the deployment procedure"
	}

	// When: I embed 1000 texts
	start := time.Now()
	for _, text := range texts {
		_, err := embedder.Embed(context.Background(), text)
		require.NoError(t, err)
	}
	elapsed := time.Since(start)

	// Then: total time is < 1 second (< 1ms each)
	assert.Less(t, elapsed, 1*time.Second,
		"embedding 1000 texts should take < 1s (took %v)", elapsed)
}

// ============================================================================
// Interface Compliance
// ============================================================================

func TestStaticEmbedder_ModelName_ReturnsStatic(t *testing.T) {
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	assert.Equal(t, "static", embedder.ModelName())
}

// ============================================================================
// Batch Embedding
// ============================================================================

func TestStaticEmbedder_EmbedBatch_ReturnsCorrectCount(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	texts := []string{"backup schedule", "restore procedure", "access policy"}

	// When: I call EmbedBatch
	embeddings, err := embedder.EmbedBatch(context.Background(), texts)

	// Then: 3 embeddings are returned
	require.NoError(t, err)
	assert.Len(t, embeddings, 3)

	// And: each matches the configured width
	for i, emb := range embeddings {
		assert.Len(t, emb, StaticDimensions, "embedding %d should have correct dimensions", i)
	}
}

func TestStaticEmbedder_EmbedBatch_EmptyList_ReturnsEmpty(t *testing.T) {
	// Given: static embedder
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// When: I call EmbedBatch with empty list
	embeddings, err := embedder.EmbedBatch(context.Background(), []string{})

	// Then: empty result returned without error
	require.NoError(t, err)
	assert.Empty(t, embeddings)
}

func TestStaticEmbedder_EmbedBatch_HandlesEmptyStringsInBatch(t *testing.T) {
	// Given: batch with empty strings mixed in
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	texts := []string{
		"rotate credentials every ninety days",
		"", // Empty string
		"store backups in the offsite vault",
	}

	// When: I call EmbedBatch
	embeddings, err := embedder.EmbedBatch(context.Background(), texts)

	// Then: all embeddings returned
	require.NoError(t, err)
	assert.Len(t, embeddings, 3)

	// And: empty string produces zero vector
	for _, v := range embeddings[1] {
		assert.Equal(t, float32(0), v)
	}
}

// ============================================================================
// Edge Cases
// ============================================================================

func TestStaticEmbedder_Close_IsIdempotent(t *testing.T) {
	embedder := NewStaticEmbedder()

	// Should not panic on multiple closes
	err1 := embedder.Close()
	err2 := embedder.Close()
	err3 := embedder.Close()

	assert.NoError(t, err1)
	assert.NoError(t, err2)
	assert.NoError(t, err3)
}

func TestStaticEmbedder_Embed_AfterClose_ReturnsError(t *testing.T) {
	embedder := NewStaticEmbedder()
	_ = embedder.Close()

	// When: I try to embed after close
	_, err := embedder.Embed(context.Background(), "test")

	// Then: error is returned
	require.Error(t, err)
	assert.Contains(t, err.Error(), "closed")
}

func TestStaticEmbedder_Available_AfterClose_ReturnsFalse(t *testing.T) {
	embedder := NewStaticEmbedder()
	_ = embedder.Close()

	// When: I check Available after close
	available := embedder.Available(context.Background())

	// Then: returns false
	assert.False(t, available)
}

// ============================================================================
// Unicode and Special Characters
// ============================================================================

func TestStaticEmbedder_Embed_UnicodeText_NoError(t *testing.T) {
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	// Unicode text should not cause panic
	texts := []string{
		"日本語のドキュメント",
		"Комментарий на русском",
		"café résumé naïve",
	}

	for _, text := range texts {
		t.Run(text, func(t *testing.T) {
			embedding, err := embedder.Embed(context.Background(), text)
			require.NoError(t, err)
			assert.Len(t, embedding, StaticDimensions)
		})
	}
}

func TestStaticEmbedder_Embed_LongText_NoError(t *testing.T) {
	embedder := NewStaticEmbedder()
	defer func() { _ = embedder.Close() }()

	longText := strings.Repeat("word ", 10000)

	embedding, err := embedder.Embed(context.Background(), longText)
	require.NoError(t, err)
	assert.Len(t, embedding, StaticDimensions)
	assert.InDelta(t, 1.0, vectorMagnitude(embedding), 0.001)
}
