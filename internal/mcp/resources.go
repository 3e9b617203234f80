package mcp

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// Resource URIs.
const (
	collectionsResourceURI = "ragserve://collections"
	telemetryResourceURI   = "ragserve://telemetry"
)

// registerResources exposes read-only operational views. The
// collections listing is always available; query telemetry only when a
// recorder was wired in.
func (s *Server) registerResources() {
	s.mcp.AddResource(
		&mcp.Resource{
			Name:        "collections",
			URI:         collectionsResourceURI,
			Description: "All indexed collections with chunk counts and embedding models",
			MIMEType:    "application/json",
		},
		s.handleCollectionsResource,
	)

	if s.telemetry != nil {
		s.mcp.AddResource(
			&mcp.Resource{
				Name:        "query_telemetry",
				URI:         telemetryResourceURI,
				Description: "Aggregate query statistics: volume, latency, cache hits, frequent terms",
				MIMEType:    "application/json",
			},
			s.handleTelemetryResource,
		)
	}
}

func (s *Server) handleCollectionsResource(ctx context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	infos, err := s.catalog.List(ctx)
	if err != nil {
		return nil, MapError(err)
	}
	return jsonResource(collectionsResourceURI, infos)
}

func (s *Server) handleTelemetryResource(_ context.Context, _ *mcp.ReadResourceRequest) (*mcp.ReadResourceResult, error) {
	if s.telemetry == nil {
		return nil, NewResourceNotFoundError(telemetryResourceURI)
	}
	return jsonResource(telemetryResourceURI, s.telemetry.Snapshot())
}

// jsonResource marshals v as the single JSON content of a resource.
func jsonResource(uri string, v any) (*mcp.ReadResourceResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, MapError(err)
	}
	return &mcp.ReadResourceResult{
		Contents: []*mcp.ResourceContents{
			{
				URI:      uri,
				MIMEType: "application/json",
				Text:     string(data),
			},
		},
	}, nil
}
