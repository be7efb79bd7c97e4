package mcp

import (
	"context"
	"encoding/json"
	"fmt"

	mcplib "github.com/mark3labs/mcp-go/mcp"

	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
)

const agentsURI = "fmaa://agents"

func (s *Server) registerResources() {
	// fmaa://agents: the caller's agents with fleet statistics.
	s.mcpServer.AddResource(
		mcplib.NewResource(
			agentsURI,
			"Agents",
			mcplib.WithResourceDescription("Agents of your tenant with counts by status and type"),
			mcplib.WithMIMEType("application/json"),
		),
		s.handleAgents,
	)
}

func (s *Server) handleAgents(ctx context.Context, _ mcplib.ReadResourceRequest) ([]mcplib.ResourceContents, error) {
	res, err := s.agents.List(ctx, agents.ListParams{Limit: agents.MaxLimit})
	if err != nil {
		return nil, fmt.Errorf("mcp: list agents: %w", err)
	}
	data, err := json.MarshalIndent(map[string]any{
		"agents":     res.Agents,
		"statistics": res.Statistics,
		"pagination": res.Pagination,
	}, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal agents: %w", err)
	}
	return []mcplib.ResourceContents{
		mcplib.TextResourceContents{
			URI:      agentsURI,
			MIMEType: "application/json",
			Text:     string(data),
		},
	}, nil
}
