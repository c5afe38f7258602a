package tools

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// NewMCPServer exposes every tool in r as an MCP tool. Failed calls are
// returned as tool errors, not protocol errors.
func NewMCPServer(r *Registry, name, version string) (*server.MCPServer, error) {
	s := server.NewMCPServer(name, version, server.WithToolCapabilities(false))
	for _, def := range r.Definitions() {
		schema, err := json.Marshal(def.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("tools: schema of %s: %w", def.Name, err)
		}
		toolName := def.Name
		s.AddTool(mcp.NewToolWithRawSchema(def.Name, def.Description, schema),
			func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args, err := json.Marshal(req.GetArguments())
				if err != nil {
					return mcp.NewToolResultError(fmt.Sprintf("invalid arguments: %v", err)), nil
				}
				result, err := r.Dispatch(ctx, toolName, args)
				if err != nil {
					return mcp.NewToolResultError(err.Error()), nil
				}
				text := formatResult(result)
				if !result.Success {
					return mcp.NewToolResultError(text), nil
				}
				return mcp.NewToolResultStructured(result.Data, text), nil
			})
	}
	return s, nil
}
