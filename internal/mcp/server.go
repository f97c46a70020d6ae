// Package mcp exposes a read-only introspection tool surface over the
// Model Context Protocol, so an external agent can inspect a running
// supervision tree — actors, nursery children, arbiter records — without a
// custom client.
package mcp

import (
	"context"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/roasbeef/nursery/internal/web"
)

// Source is the introspection data the tools read. It is the same surface
// the status dashboard consumes.
type Source interface {
	// Tree snapshots the local actor and its nurseries.
	Tree(ctx context.Context) (web.TreeSnapshot, error)

	// ArbiterTable returns name → endpoint for every registered actor.
	ArbiterTable(ctx context.Context) (map[string]string, error)
}

// Server wraps the MCP server with the runtime introspection source.
type Server struct {
	server *mcp.Server
	source Source
}

// NewServer creates an MCP server with all introspection tools
// registered.
func NewServer(source Source) *Server {
	mcpServer := mcp.NewServer(&mcp.Implementation{
		Name:    "nurseryd",
		Version: "v0.1.0",
	}, nil)

	s := &Server{
		server: mcpServer,
		source: source,
	}
	s.registerTools()

	return s
}

// Run starts the MCP server on the given transport.
func (s *Server) Run(ctx context.Context, transport mcp.Transport) error {
	return s.server.Run(ctx, transport)
}

// registerTools registers the read-only introspection tools.
func (s *Server) registerTools() {
	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_actors",
		Description: "List the local actor and every actor registered with the host arbiter",
	}, s.handleListActors)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "list_nursery_children",
		Description: "List every supervised child across the local actor's nurseries, with lifecycle state",
	}, s.handleListNurseryChildren)

	mcp.AddTool(s.server, &mcp.Tool{
		Name:        "find_arbiter_entry",
		Description: "Look up a logical actor name in the host arbiter registry",
	}, s.handleFindArbiterEntry)
}
