package mcp

import (
	"context"
	"log/slog"
	"os"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/pkg/schema"
)

// Workflows is the instance API the tools drive. Satisfied by *engine.Engine.
type Workflows interface {
	Start(ctx context.Context, workflowID, entityID string, data map[string]any) (*schema.Instance, error)
	Transition(ctx context.Context, instanceID, transitionName string, input map[string]any) (*schema.Instance, error)
	Complete(ctx context.Context, instanceID string, result any) (*schema.Instance, error)
	Cancel(ctx context.Context, instanceID, reason string) (*schema.Instance, error)
	Get(ctx context.Context, instanceID string) (*schema.Instance, error)
	ListForEntity(ctx context.Context, entityID string, filter schema.InstanceFilter) ([]*schema.Instance, error)
}

// Definitions is the registry API the tools use. Satisfied by *registry.Registry.
type Definitions interface {
	Definition(workflowID string) (*registry.Compiled, error)
	DefinitionVersion(workflowID string, version int) (*registry.Compiled, error)
	Define(ctx context.Context, def *schema.WorkflowDefinition) (*schema.ValidationResult, error)
}

// ArchiveReader reads instances that were archived after finishing.
type ArchiveReader interface {
	Get(ctx context.Context, workflowID, instanceID string) (*schema.Instance, error)
}

// ServerDeps holds the dependencies for creating a Server.
type ServerDeps struct {
	Workflows   Workflows
	Definitions Definitions
	Archive     ArchiveReader // optional
	Watchers    *Watchers     // optional, enables the watch flag
	Logger      *slog.Logger
}

// Server wraps an MCP server with the statum tool handlers.
type Server struct {
	workflows   Workflows
	definitions Definitions
	archive     ArchiveReader
	watchers    *Watchers
	logger      *slog.Logger
	mcpServer   *server.MCPServer
}

// NewServer creates a Server with every statum.* tool registered.
func NewServer(deps ServerDeps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))
	}

	s := &Server{
		workflows:   deps.Workflows,
		definitions: deps.Definitions,
		archive:     deps.Archive,
		watchers:    deps.Watchers,
		logger:      logger,
	}

	mcpSrv := server.NewMCPServer(
		"statum",
		"1.0.0",
		server.WithToolCapabilities(false),
		server.WithRecovery(),
		server.WithInstructions("Statum runs declarative state machines over business entities. Use statum.start to create an instance, statum.transition to move it, statum.complete or statum.cancel to finish it, statum.get and statum.list to read instances, statum.define to register definitions and statum.diagram to render them."),
	)

	mcpSrv.AddTools(s.tools()...)
	s.mcpServer = mcpSrv
	return s
}

// Serve starts the stdio transport and blocks until ctx is cancelled or stdin closes.
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
		{Tool: startTool(), Handler: s.handleStart},
		{Tool: transitionTool(), Handler: s.handleTransition},
		{Tool: completeTool(), Handler: s.handleComplete},
		{Tool: cancelTool(), Handler: s.handleCancel},
		{Tool: getTool(), Handler: s.handleGet},
		{Tool: listTool(), Handler: s.handleList},
		{Tool: defineTool(), Handler: s.handleDefine},
		{Tool: diagramTool(), Handler: s.handleDiagram},
	}
}

// --- Tool definitions ---

func startTool() mcp.Tool {
	return mcp.NewTool("statum.start",
		mcp.WithDescription("Start a workflow instance for an entity"),
		mcp.WithString("workflow_id", mcp.Required(), mcp.Description("ID of the workflow definition (latest version is used)")),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("ID of the business entity the instance tracks")),
		mcp.WithObject("data", mcp.Description("Initial instance data, checked against the definition's data schema")),
		mcp.WithBoolean("watch", mcp.Description("Send lifecycle notifications for this instance to the calling session")),
	)
}

func transitionTool() mcp.Tool {
	return mcp.NewTool("statum.transition",
		mcp.WithDescription("Apply a named transition to an active instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithString("transition", mcp.Required(), mcp.Description("Transition name")),
		mcp.WithObject("data", mcp.Description("Transition input; shallow-merged into instance data on success")),
	)
}

func completeTool() mcp.Tool {
	return mcp.NewTool("statum.complete",
		mcp.WithDescription("Mark an active instance as completed"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithObject("result", mcp.Description("Completion result stored on the instance")),
	)
}

func cancelTool() mcp.Tool {
	return mcp.NewTool("statum.cancel",
		mcp.WithDescription("Cancel an active instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithString("reason", mcp.Description("Cancellation reason")),
	)
}

func getTool() mcp.Tool {
	return mcp.NewTool("statum.get",
		mcp.WithDescription("Get a workflow instance"),
		mcp.WithString("instance_id", mcp.Required(), mcp.Description("ID of the instance")),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID, used to look the instance up in the archive when it is no longer in the store")),
	)
}

func listTool() mcp.Tool {
	return mcp.NewTool("statum.list",
		mcp.WithDescription("List instances of an entity, newest first"),
		mcp.WithString("entity_id", mcp.Required(), mcp.Description("ID of the business entity")),
		mcp.WithString("workflow_id", mcp.Description("Only instances of this workflow")),
		mcp.WithString("status", mcp.Enum("active", "completed", "cancelled"), mcp.Description("Only instances with this status")),
		mcp.WithNumber("limit", mcp.Description("Maximum number of instances (default: all)")),
		mcp.WithNumber("offset", mcp.Description("Number of instances to skip")),
	)
}

func defineTool() mcp.Tool {
	return mcp.NewTool("statum.define",
		mcp.WithDescription("Validate and register a workflow definition"),
		mcp.WithObject("definition", mcp.Required(), mcp.Description("Workflow definition object")),
	)
}

func diagramTool() mcp.Tool {
	return mcp.NewTool("statum.diagram",
		mcp.WithDescription("Render a workflow as a state diagram. Returns Mermaid stateDiagram-v2 text, an ASCII listing, SVG text or a PNG image"),
		mcp.WithString("workflow_id", mcp.Description("Workflow ID to diagram (latest version unless version is set)")),
		mcp.WithNumber("version", mcp.Description("Definition version")),
		mcp.WithString("instance_id", mcp.Description("Instance to diagram with its current and visited states highlighted")),
		mcp.WithString("format", mcp.Required(),
			mcp.Enum("mermaid", "ascii", "svg", "png"),
			mcp.Description("Output format"),
		),
	)
}
