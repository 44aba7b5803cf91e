package mcpserver

import (
	"context"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"
)

// handleHealth processes sentinel_health tool calls. A degraded or broken
// backend is still a successful tool call; the payload carries the grade.
func (s *Server) handleHealth(
	ctx context.Context,
	_ *mcpsdk.CallToolRequest,
	_ HealthInput,
) (*mcpsdk.CallToolResult, ToolOutput, error) {
	if s.store == nil {
		return errorResult(ErrStorageNotConfigured)
	}

	return jsonResult(s.store.HealthStatus(ctx))
}
