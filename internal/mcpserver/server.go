// Package mcpserver provides an MCP (Model Context Protocol) server that
// exposes organizer operations for agent integration via stdio transport.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/Arke-Institute/arke-organizer-service/internal/batch"
	"github.com/Arke-Institute/arke-organizer-service/internal/fetch"
	"github.com/Arke-Institute/arke-organizer-service/internal/organize"
)

// ContextFetcher loads grouping inputs for a directory entity.
type ContextFetcher interface {
	FetchContext(ctx context.Context, id string) (*fetch.Context, error)
}

// OrganizeService produces a grouping plan for one request.
type OrganizeService interface {
	Organize(ctx context.Context, req organize.OrganizeRequest) (organize.Plan, error)
}

// BatchManager reports batch progress.
type BatchManager interface {
	Status(batchID, chunkID string) (batch.Phase, batch.Progress, error)
}

// Server wraps the MCP server with organizer tools.
type Server struct {
	mcp     *server.MCPServer
	fetcher ContextFetcher
	svc     OrganizeService
	mgr     BatchManager
}

// New creates a new MCP server with all organizer tools registered.
func New(fetcher ContextFetcher, svc OrganizeService, mgr BatchManager) *Server {
	s := &Server{fetcher: fetcher, svc: svc, mgr: mgr}

	s.mcp = server.NewMCPServer(
		"Arke Organizer",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	s.mcp.AddTool(mcp.NewTool("organize_directory",
		mcp.WithDescription("Fetch a directory entity and produce a grouping plan for its files. "+
			"Returns the plan as JSON without publishing anything to the store."),
		mcp.WithString("id", mcp.Required(), mcp.Description("Directory entity id")),
		mcp.WithString("custom_prompt", mcp.Description("Optional extra grouping instructions")),
	), s.organizeDirectory)

	s.mcp.AddTool(mcp.NewTool("batch_status",
		mcp.WithDescription("Report the phase and per-item progress of a processing batch."),
		mcp.WithString("batch_id", mcp.Required(), mcp.Description("Batch identifier")),
		mcp.WithString("chunk_id", mcp.Required(), mcp.Description("Chunk identifier within the batch")),
	), s.batchStatus)

	return s
}

// ServeStdio starts the MCP server on stdin/stdout.
func (s *Server) ServeStdio() error {
	return server.ServeStdio(s.mcp)
}

// MCPServer returns the underlying server for testing.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcp
}

func (s *Server) organizeDirectory(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, err := req.RequireString("id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	customPrompt := ""
	if v, err := req.RequireString("custom_prompt"); err == nil {
		customPrompt = v
	}

	fctx, err := s.fetcher.FetchContext(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("fetch %s: %v", id, err)), nil
	}
	if len(fctx.Files) == 0 {
		return mcp.NewToolResultError(fmt.Sprintf("directory %s has no groupable files", id)), nil
	}

	plan, err := s.svc.Organize(ctx, organize.OrganizeRequest{
		DirectoryPath: fctx.DirectoryPath,
		Files:         fctx.Files,
		CustomPrompt:  customPrompt,
	})
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("organize %s: %v", id, err)), nil
	}

	out, _ := json.MarshalIndent(plan, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}

func (s *Server) batchStatus(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	batchID, err := req.RequireString("batch_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}
	chunkID, err := req.RequireString("chunk_id")
	if err != nil {
		return mcp.NewToolResultError(err.Error()), nil
	}

	phase, progress, err := s.mgr.Status(batchID, chunkID)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("status %s/%s: %v", batchID, chunkID, err)), nil
	}
	out, _ := json.MarshalIndent(map[string]any{
		"phase":    phase,
		"progress": progress,
	}, "", "  ")
	return mcp.NewToolResultText(string(out)), nil
}
