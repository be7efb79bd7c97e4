package mcp

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcplib.NewTool("agent_status",
			mcplib.WithDescription(`Compute the current health snapshot of one agent.

Returns performance metrics over its task history, a 0-100 health score,
the health tier (healthy, warning, critical), threshold alerts and
recommendations. Nothing is recorded.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
			mcplib.WithString("agent_id",
				mcplib.Description("UUID of the agent"),
				mcplib.Required(),
			),
		),
		s.handleAgentStatus,
	)

	s.mcpServer.AddTool(
		mcplib.NewTool("fleet_report",
			mcplib.WithDescription(`Summarise every agent of your tenant over the last 24 hours.

Returns agent counts, overall success rate and processing time, the top
performing agents and success rate by hour of day.`),
			mcplib.WithReadOnlyHintAnnotation(true),
			mcplib.WithIdempotentHintAnnotation(true),
			mcplib.WithOpenWorldHintAnnotation(false),
		),
		s.handleFleetReport,
	)
}

func (s *Server) handleAgentStatus(ctx context.Context, request mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, ok := ctxutil.ScopeFromContext(ctx); !ok {
		return errorResult("authentication required"), nil
	}
	raw := request.GetString("agent_id", "")
	if raw == "" {
		return errorResult("agent_id is required"), nil
	}
	id, err := uuid.Parse(raw)
	if err != nil {
		return errorResult("agent_id must be a valid UUID"), nil
	}

	snap, err := s.monitor.Status(ctx, id)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return errorResult("agent not found"), nil
	case errors.Is(err, auth.ErrForbidden):
		return errorResult("access denied"), nil
	case err != nil:
		s.logger.Error("mcp: agent status", "error", err, "agent_id", id)
		return errorResult(fmt.Sprintf("agent status failed: %v", err)), nil
	}
	return jsonResult(snap)
}

func (s *Server) handleFleetReport(ctx context.Context, _ mcplib.CallToolRequest) (*mcplib.CallToolResult, error) {
	if _, ok := ctxutil.ScopeFromContext(ctx); !ok {
		return errorResult("authentication required"), nil
	}
	report, err := s.fleet.BuildReport(ctx, s.now())
	if err != nil {
		s.logger.Error("mcp: fleet report", "error", err)
		return errorResult(fmt.Sprintf("fleet report failed: %v", err)), nil
	}
	return jsonResult(report)
}
