// Package mcp exposes the question-answering pipeline over the Model
// Context Protocol, so MCP clients can ask grounded questions, pull raw
// retrieval candidates, and inspect collections without going through
// the HTTP API.
package mcp

import (
	"context"
	"errors"
	"log/slog"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Aman-CERP/ragserve/internal/embed"
	"github.com/Aman-CERP/ragserve/internal/pipeline"
	"github.com/Aman-CERP/ragserve/internal/plan"
	"github.com/Aman-CERP/ragserve/internal/retrieve"
	"github.com/Aman-CERP/ragserve/internal/store"
	"github.com/Aman-CERP/ragserve/internal/telemetry"
	"github.com/Aman-CERP/ragserve/pkg/version"
)

// serverName identifies this implementation to MCP clients.
const serverName = "ragserve"

// mcpClientID keys admission accounting for tool calls; stdio carries
// no API key.
const mcpClientID = "mcp"

// Queries answers questions end to end. *pipeline.Pipeline is the
// production implementation.
type Queries interface {
	Query(ctx context.Context, req pipeline.Request) (*pipeline.Result, error)
}

// Deps carries everything the MCP server needs. Telemetry and Logger
// are optional.
type Deps struct {
	Queries   Queries
	Retriever *retrieve.Retriever
	Embedder  embed.Embedder
	Planner   *plan.Planner
	Catalog   *store.Catalog
	Telemetry *telemetry.Recorder
	Logger    *slog.Logger
}

func (d Deps) validate() error {
	switch {
	case d.Queries == nil:
		return errors.New("mcp server requires a query pipeline")
	case d.Retriever == nil:
		return errors.New("mcp server requires a retriever")
	case d.Embedder == nil:
		return errors.New("mcp server requires an embedder")
	case d.Planner == nil:
		return errors.New("mcp server requires a planner")
	case d.Catalog == nil:
		return errors.New("mcp server requires a catalog")
	}
	return nil
}

// Server bridges MCP clients to the retrieval and answer pipeline.
type Server struct {
	mcp       *mcp.Server
	queries   Queries
	retriever *retrieve.Retriever
	embedder  embed.Embedder
	planner   *plan.Planner
	catalog   *store.Catalog
	telemetry *telemetry.Recorder
	log       *slog.Logger
}

// NewServer wires the tools and resources onto a fresh MCP server.
func NewServer(deps Deps) (*Server, error) {
	if err := deps.validate(); err != nil {
		return nil, err
	}
	log := deps.Logger
	if log == nil {
		log = slog.Default()
	}

	s := &Server{
		mcp: mcp.NewServer(
			&mcp.Implementation{Name: serverName, Version: version.Version},
			nil,
		),
		queries:   deps.Queries,
		retriever: deps.Retriever,
		embedder:  deps.Embedder,
		planner:   deps.Planner,
		catalog:   deps.Catalog,
		telemetry: deps.Telemetry,
		log:       log,
	}
	s.registerTools()
	s.registerResources()
	return s, nil
}

// MCPServer returns the underlying SDK server, for in-memory client
// connections in tests.
func (s *Server) MCPServer() *mcp.Server {
	return s.mcp
}

// Serve handles MCP over stdio until ctx is cancelled. The process
// must not write anything else to stdout while serving.
func (s *Server) Serve(ctx context.Context) error {
	s.log.Info("mcp server starting",
		slog.String("name", serverName),
		slog.String("version", version.Version))

	err := s.mcp.Run(ctx, &mcp.StdioTransport{})
	if err != nil && !errors.Is(err, context.Canceled) {
		s.log.Error("mcp server stopped", slog.String("error", err.Error()))
		return err
	}
	s.log.Info("mcp server stopped")
	return nil
}

func (s *Server) registerTools() {
	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "ask",
		Description: "Ask a question against an indexed document collection and get a " +
			"grounded, citation-backed answer. The answer only states what the indexed " +
			"documents support; when they don't cover the question it says so instead " +
			"of guessing.",
	}, s.askHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "retrieve",
		Description: "Fetch the raw ranked passages for a query without generating an " +
			"answer. Use this to inspect what the index would ground an answer on, or " +
			"to build your own prompt from the passages.",
	}, s.retrieveHandler)

	mcp.AddTool(s.mcp, &mcp.Tool{
		Name: "collection_info",
		Description: "Inspect one collection: chunk count, embedding model, per-source " +
			"breakdown, and query statistics. Use before asking to verify the " +
			"collection exists and is ready.",
	}, s.collectionInfoHandler)

	s.log.Debug("mcp tools registered", slog.Int("count", 3))
}
