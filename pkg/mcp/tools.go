package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/rendis/statum/internal/diagram"
	"github.com/rendis/statum/internal/registry"
	"github.com/rendis/statum/pkg/schema"
)

// handleStart creates an instance from the latest definition version.
func (s *Server) handleStart(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	workflowID, err := req.RequireString("workflow_id")
	if err != nil {
		return mcp.NewToolResultError("workflow_id is required"), nil
	}
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id is required"), nil
	}
	data := mcp.ParseStringMap(req, "data", nil)

	inst, startErr := s.workflows.Start(ctx, workflowID, entityID, data)
	if startErr != nil {
		return toolError(startErr)
	}

	watching := false
	if req.GetBool("watch", false) {
		watching = s.watch(ctx, inst.ID)
	}
	return marshalResult(map[string]any{"instance": inst, "watching": watching})
}

// handleTransition applies a named transition.
func (s *Server) handleTransition(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	name, err := req.RequireString("transition")
	if err != nil {
		return mcp.NewToolResultError("transition is required"), nil
	}
	input := mcp.ParseStringMap(req, "data", nil)

	inst, trErr := s.workflows.Transition(ctx, instanceID, name, input)
	if trErr != nil {
		return toolError(trErr)
	}
	return marshalResult(inst)
}

func (s *Server) handleComplete(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	result := req.GetArguments()["result"]

	inst, cErr := s.workflows.Complete(ctx, instanceID, result)
	if cErr != nil {
		return toolError(cErr)
	}
	return marshalResult(inst)
}

func (s *Server) handleCancel(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	reason := req.GetString("reason", "")

	inst, cErr := s.workflows.Cancel(ctx, instanceID, reason)
	if cErr != nil {
		return toolError(cErr)
	}
	return marshalResult(inst)
}

// handleGet reads an instance from the store, falling back to the archive
// when the caller names the workflow.
func (s *Server) handleGet(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	instanceID, err := req.RequireString("instance_id")
	if err != nil {
		return mcp.NewToolResultError("instance_id is required"), nil
	}
	workflowID := req.GetString("workflow_id", "")

	inst, getErr := s.workflows.Get(ctx, instanceID)
	if getErr == nil {
		return marshalResult(map[string]any{"instance": inst, "source": "store"})
	}
	if !schema.HasCode(getErr, schema.ErrCodeInstanceNotFound) || s.archive == nil || workflowID == "" {
		return toolError(getErr)
	}

	archived, arcErr := s.archive.Get(ctx, workflowID, instanceID)
	if arcErr != nil {
		if schema.HasCode(arcErr, schema.ErrCodeNotFound) {
			return toolError(getErr)
		}
		return toolError(arcErr)
	}
	return marshalResult(map[string]any{"instance": archived, "source": "archive"})
}

func (s *Server) handleList(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	entityID, err := req.RequireString("entity_id")
	if err != nil {
		return mcp.NewToolResultError("entity_id is required"), nil
	}

	filter := schema.InstanceFilter{
		WorkflowID: req.GetString("workflow_id", ""),
		Limit:      req.GetInt("limit", 0),
		Offset:     req.GetInt("offset", 0),
	}
	if status := req.GetString("status", ""); status != "" {
		st := schema.InstanceStatus(status)
		filter.Status = &st
	}

	instances, listErr := s.workflows.ListForEntity(ctx, entityID, filter)
	if listErr != nil {
		return toolError(listErr)
	}
	return marshalResult(map[string]any{"instances": instances, "count": len(instances)})
}

// handleDefine validates a definition and registers it.
func (s *Server) handleDefine(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	raw, ok := req.GetArguments()["definition"]
	if !ok || raw == nil {
		return mcp.NewToolResultError("definition is required"), nil
	}
	data, err := json.Marshal(raw)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("definition is not serializable: %v", err)), nil
	}
	def, parseErr := registry.ParseDefinition(data)
	if parseErr != nil {
		return toolError(parseErr)
	}

	result, defErr := s.definitions.Define(ctx, def)
	if defErr != nil {
		return toolError(defErr)
	}

	s.logger.Info("definition registered via mcp",
		slog.String("workflow_id", def.ID),
		slog.Int("version", def.Version),
	)
	warnings := []schema.ValidationIssue{}
	if result != nil && result.Warnings != nil {
		warnings = result.Warnings
	}
	return marshalResult(map[string]any{
		"ok":          true,
		"workflow_id": def.ID,
		"version":     def.Version,
		"warnings":    warnings,
	})
}

// handleDiagram renders a definition, optionally overlaid with an instance.
func (s *Server) handleDiagram(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	format, err := req.RequireString("format")
	if err != nil {
		return mcp.NewToolResultError("format is required"), nil
	}
	switch format {
	case "mermaid", "ascii", "svg", "png":
	default:
		return mcp.NewToolResultError("format must be mermaid, ascii, svg, or png"), nil
	}

	workflowID := req.GetString("workflow_id", "")
	instanceID := req.GetString("instance_id", "")
	if workflowID == "" && instanceID == "" {
		return mcp.NewToolResultError("at least one of workflow_id or instance_id is required"), nil
	}

	var (
		compiled *registry.Compiled
		inst     *schema.Instance
		lookErr  error
	)
	if instanceID != "" {
		inst, lookErr = s.workflows.Get(ctx, instanceID)
		if lookErr != nil {
			return toolError(lookErr)
		}
		compiled, lookErr = s.definitions.DefinitionVersion(inst.WorkflowID, inst.WorkflowVersion)
	} else if v := req.GetInt("version", 0); v > 0 {
		compiled, lookErr = s.definitions.DefinitionVersion(workflowID, v)
	} else {
		compiled, lookErr = s.definitions.Definition(workflowID)
	}
	if lookErr != nil {
		return toolError(lookErr)
	}

	model, buildErr := diagram.Build(compiled.Def, inst)
	if buildErr != nil {
		return mcp.NewToolResultError(fmt.Sprintf("diagram build failed: %v", buildErr)), nil
	}

	switch format {
	case "ascii":
		return mcp.NewToolResultText(diagram.RenderASCII(model)), nil
	case "svg":
		svg, imgErr := diagram.RenderImage(ctx, model, diagram.FormatSVG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultText(string(svg)), nil
	case "png":
		png, imgErr := diagram.RenderImage(ctx, model, diagram.FormatPNG)
		if imgErr != nil {
			return mcp.NewToolResultError(fmt.Sprintf("image render failed: %v", imgErr)), nil
		}
		return mcp.NewToolResultImage(model.Title, base64.StdEncoding.EncodeToString(png), "image/png"), nil
	default:
		return mcp.NewToolResultText(diagram.RenderMermaid(model)), nil
	}
}

// watch registers the calling session for notifications about instanceID.
func (s *Server) watch(ctx context.Context, instanceID string) bool {
	if s.watchers == nil {
		return false
	}
	session := server.ClientSessionFromContext(ctx)
	if session == nil {
		return false
	}
	s.watchers.Watch(instanceID, session.SessionID())
	return true
}

// toolError reports err as a tool error whose text is the JSON form of the
// structured error, so clients can branch on the code.
func toolError(err error) (*mcp.CallToolResult, error) {
	var se *schema.Error
	if !errors.As(err, &se) {
		return mcp.NewToolResultError(err.Error()), nil
	}
	data, mErr := json.Marshal(se)
	if mErr != nil {
		return mcp.NewToolResultError(se.Error()), nil
	}
	return mcp.NewToolResultError(string(data)), nil
}

// marshalResult converts a value to a JSON text tool result.
func marshalResult(v any) (*mcp.CallToolResult, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcp.NewToolResultJSON(json.RawMessage(data))
}
