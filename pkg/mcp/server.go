// Package mcp exposes the workflow runner to agents over the Model Context
// Protocol via stdio transport.
package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/reprise-dev/reprise/internal/engine"
	"github.com/reprise-dev/reprise/internal/store"
	"github.com/reprise-dev/reprise/pkg/schema"
)

// Runner is the slice of the engine the MCP surface needs.
type Runner interface {
	Submit(ctx context.Context, def *schema.WorkflowDefinition, initial map[string]any, opts engine.SubmitOptions) (string, error)
	Resume(ctx context.Context, runID string) error
	GetRun(ctx context.Context, runID string) (*store.WorkflowRun, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Runner Runner
	Store  store.Store
	Logger *slog.Logger
}

// Server wraps an MCP server with workflow tool handlers.
type Server struct {
	runner    Runner
	store     store.Store
	logger    *slog.Logger
	mcpServer *server.MCPServer
}

// NewServer creates a Server with all tools registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		runner: deps.Runner,
		store:  deps.Store,
		logger: logger,
	}

	mcpSrv := server.NewMCPServer(
		"reprise",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Reprise is a self-correcting workflow orchestration engine. Use reprise.run to execute a workflow definition, reprise.status to inspect a run's checkpoint, reprise.log to read its execution log, reprise.resume to re-dispatch an interrupted run, and reprise.list to see unfinished runs."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin
// closes.
func (s *Server) Serve(ctx context.Context) error {
	stdio := server.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// MCPServer returns the underlying MCPServer for testing or custom transports.
func (s *Server) MCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) tools() []server.ServerTool {
	return []server.ServerTool{
		{Tool: runTool(), Handler: s.handleRun},
		{Tool: statusTool(), Handler: s.handleStatus},
		{Tool: logTool(), Handler: s.handleLog},
		{Tool: resumeTool(), Handler: s.handleResume},
		{Tool: listTool(), Handler: s.handleList},
	}
}

// --- Tool definitions ---

func runTool() mcp.Tool {
	return mcp.NewTool("reprise.run",
		mcp.WithDescription("Execute a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
		mcp.WithObject("context", mcp.Description("Initial run context")),
		mcp.WithBoolean("local", mcp.Description("Run in-process without checkpointing (default: false)")),
	)
}

func statusTool() mcp.Tool {
	return mcp.NewTool("reprise.status",
		mcp.WithDescription("Get the checkpointed state of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func logTool() mcp.Tool {
	return mcp.NewTool("reprise.log",
		mcp.WithDescription("Read the execution log of a workflow run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to query")),
	)
}

func resumeTool() mcp.Tool {
	return mcp.NewTool("reprise.resume",
		mcp.WithDescription("Re-dispatch the unfinished steps of an interrupted run"),
		mcp.WithString("run_id", mcp.Required(), mcp.Description("ID of the run to resume")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("reprise.list",
		mcp.WithDescription("List runs that have not reached a terminal state"),
	)
}
