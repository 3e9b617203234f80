package preflight

import (
	"context"
	"fmt"
	"time"
)

// probeTimeout bounds the embedder reachability probe so a dead
// provider cannot stall startup.
const probeTimeout = 5 * time.Second

// EmbedderProbe is the part of the embedding client the reachability
// check needs.
type EmbedderProbe interface {
	// ModelName returns the model identifier.
	ModelName() string

	// Available checks if the embedder is ready.
	Available(ctx context.Context) bool
}

// CheckEmbedder probes the configured embedding provider. The check is
// never critical: when the provider is unreachable the service falls
// back to static embeddings and keeps serving.
func (c *Checker) CheckEmbedder(ctx context.Context) CheckResult {
	result := CheckResult{
		Name:     "embedder",
		Required: false,
	}

	if c.offline {
		result.Status = StatusPass
		result.Message = "static embeddings (offline mode)"
		return result
	}

	if c.embedder == nil {
		result.Status = StatusWarn
		result.Message = "no embedding provider configured"
		result.Details = "Queries and ingestion will use static embeddings."
		return result
	}

	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	if !c.embedder.Available(probeCtx) {
		result.Status = StatusWarn
		result.Message = fmt.Sprintf("provider for %s unreachable", c.embedder.ModelName())
		result.Details = "Static embeddings will be used until the provider recovers."
		return result
	}

	result.Status = StatusPass
	result.Message = fmt.Sprintf("%s reachable", c.embedder.ModelName())
	return result
}
