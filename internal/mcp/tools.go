package mcp

import (
	"context"
	"fmt"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

// ListActorsArgs are the arguments for the list_actors tool.
type ListActorsArgs struct{}

// ActorEntry is one actor visible to this process.
type ActorEntry struct {
	// Name is the actor's logical name.
	Name string `json:"name" jsonschema:"Logical actor name"`

	// Endpoint is the actor's listening address.
	Endpoint string `json:"endpoint" jsonschema:"Listening host:port"`

	// Local marks the actor hosting this tool server.
	Local bool `json:"local,omitempty" jsonschema:"True for the local actor"`
}

// ListActorsResult is the result of the list_actors tool.
type ListActorsResult struct {
	Actors []ActorEntry `json:"actors"`
}

func (s *Server) handleListActors(ctx context.Context,
	req *mcp.CallToolRequest, args ListActorsArgs) (
	*mcp.CallToolResult, ListActorsResult, error) {

	snap, err := s.source.Tree(ctx)
	if err != nil {
		return nil, ListActorsResult{}, err
	}

	result := ListActorsResult{
		Actors: []ActorEntry{{
			Name:     snap.Actor.Name,
			Endpoint: snap.Actor.ListenAddr,
			Local:    true,
		}},
	}

	table, err := s.source.ArbiterTable(ctx)
	if err != nil {
		return nil, ListActorsResult{}, err
	}
	for name, endpoint := range table {
		if name == snap.Actor.Name {
			continue
		}
		result.Actors = append(result.Actors, ActorEntry{
			Name:     name,
			Endpoint: endpoint,
		})
	}

	return nil, result, nil
}

// ListChildrenArgs are the arguments for the list_nursery_children tool.
type ListChildrenArgs struct{}

// ChildEntry is one supervised child.
type ChildEntry struct {
	// Name is the child actor's logical name.
	Name string `json:"name" jsonschema:"Child actor name"`

	// InstanceID is the unique token minted for this spawn.
	InstanceID string `json:"instance_id" jsonschema:"Per-spawn unique token"`

	// State is the child's lifecycle state.
	State string `json:"state" jsonschema:"spawned, connected, running, completed, errored or cancelled"`

	// PID is the child's OS process id, when applicable.
	PID int `json:"pid,omitempty" jsonschema:"OS process id"`

	// Nursery indexes which of the actor's nurseries supervises this
	// child.
	Nursery int `json:"nursery" jsonschema:"Index of the owning nursery"`
}

// ListChildrenResult is the result of the list_nursery_children tool.
type ListChildrenResult struct {
	Children []ChildEntry `json:"children"`
}

func (s *Server) handleListNurseryChildren(ctx context.Context,
	req *mcp.CallToolRequest, args ListChildrenArgs) (
	*mcp.CallToolResult, ListChildrenResult, error) {

	snap, err := s.source.Tree(ctx)
	if err != nil {
		return nil, ListChildrenResult{}, err
	}

	var result ListChildrenResult
	for i, n := range snap.Nurseries {
		for _, c := range n.Children {
			result.Children = append(result.Children, ChildEntry{
				Name:       c.Name,
				InstanceID: c.InstanceID,
				State:      c.State,
				PID:        c.PID,
				Nursery:    i,
			})
		}
	}

	return nil, result, nil
}

// FindEntryArgs are the arguments for the find_arbiter_entry tool.
type FindEntryArgs struct {
	// Name is the logical actor name to resolve.
	Name string `json:"name" jsonschema:"Logical actor name to look up"`
}

// FindEntryResult is the result of the find_arbiter_entry tool.
type FindEntryResult struct {
	Found    bool   `json:"found"`
	Endpoint string `json:"endpoint,omitempty" jsonschema:"Resolved host:port when found"`
}

func (s *Server) handleFindArbiterEntry(ctx context.Context,
	req *mcp.CallToolRequest, args FindEntryArgs) (
	*mcp.CallToolResult, FindEntryResult, error) {

	if args.Name == "" {
		return nil, FindEntryResult{}, fmt.Errorf(
			"name must not be empty",
		)
	}

	table, err := s.source.ArbiterTable(ctx)
	if err != nil {
		return nil, FindEntryResult{}, err
	}

	endpoint, ok := table[args.Name]
	return nil, FindEntryResult{Found: ok, Endpoint: endpoint}, nil
}
