// Package mcp implements the Model Context Protocol server for FMAA.
//
// It exposes read-only views of the fleet (agent health snapshots, the
// tenant report and the agent list) as MCP tools and resources so that
// MCP-compatible assistants can inspect agents without the REST API.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"

	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
	"github.com/fmaa-ecosystem/fmaa/internal/service/fleet"
	"github.com/fmaa-ecosystem/fmaa/internal/service/health"
)

// Snapshotter computes an agent's health snapshot. *health.Service satisfies it.
type Snapshotter interface {
	Status(ctx context.Context, agentID uuid.UUID) (health.Snapshot, error)
}

// Server wraps the MCP server with FMAA's service layer.
type Server struct {
	mcpServer *mcpserver.MCPServer
	monitor   Snapshotter
	fleet     *fleet.Aggregator
	agents    *agents.Service
	logger    *slog.Logger
	now       func() time.Time
}

// New creates and configures a new MCP server with all resources and tools.
func New(monitor Snapshotter, agg *fleet.Aggregator, agentSvc *agents.Service, logger *slog.Logger, version string) *Server {
	s := &Server{
		monitor: monitor,
		fleet:   agg,
		agents:  agentSvc,
		logger:  logger,
		now:     func() time.Time { return time.Now().UTC() },
	}

	s.mcpServer = mcpserver.NewMCPServer(
		"fmaa",
		version,
		mcpserver.WithResourceCapabilities(false, true),
		mcpserver.WithToolCapabilities(false),
	)

	s.registerTools()
	s.registerResources()
	return s
}

// MCPServer returns the underlying mcp-go server for transport setup.
func (s *Server) MCPServer() *mcpserver.MCPServer {
	return s.mcpServer
}

func jsonResult(v any) (*mcplib.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal result: %w", err)
	}
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: string(data)},
		},
	}, nil
}

func errorResult(msg string) *mcplib.CallToolResult {
	return &mcplib.CallToolResult{
		Content: []mcplib.Content{
			mcplib.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
