package mcp

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/google/uuid"
	mcplib "github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
	"github.com/fmaa-ecosystem/fmaa/internal/service/fleet"
	"github.com/fmaa-ecosystem/fmaa/internal/service/health"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
	"github.com/fmaa-ecosystem/fmaa/internal/storage/sqlite"
	"github.com/fmaa-ecosystem/fmaa/internal/storage/storetest"
	"github.com/fmaa-ecosystem/fmaa/internal/testutil"
)

type fixture struct {
	srv   *Server
	store *sqlite.Store
	ctx   context.Context
}

func setup(t *testing.T) fixture {
	t.Helper()
	store := testutil.NewLiteStore(t)
	logger := testutil.TestLogger()
	agentSvc := agents.New(store, logger)
	orch := lifecycle.New(store, nil, logger)
	monitor := health.NewService(health.NewEngine(store, agentSvc, logger), orch, logger)
	srv := New(monitor, fleet.NewAggregator(store, time.UTC, logger), agentSvc, logger, "test")
	ctx := ctxutil.WithScope(context.Background(), ctxutil.Scope{TenantID: model.DefaultTenantID, UserID: uuid.New(), Role: model.RoleViewer})
	return fixture{srv: srv, store: store, ctx: ctx}
}

func toolRequest(name string, args map[string]any) mcplib.CallToolRequest {
	return mcplib.CallToolRequest{
		Params: mcplib.CallToolParams{Name: name, Arguments: args},
	}
}

func parseToolText(t *testing.T, result *mcplib.CallToolResult) string {
	t.Helper()
	for _, c := range result.Content {
		if tc, ok := c.(mcplib.TextContent); ok {
			return tc.Text
		}
	}
	t.Fatal("no TextContent found in tool result")
	return ""
}

func TestAgentStatusTool(t *testing.T) {
	f := setup(t)
	agent := storetest.NewAgent(t, f.store, model.DefaultTenantID, model.AgentTypeSentiment)

	res, err := f.srv.handleAgentStatus(f.ctx, toolRequest("agent_status", map[string]any{"agent_id": agent.ID.String()}))
	require.NoError(t, err)
	require.False(t, res.IsError, parseToolText(t, res))

	var snap health.Snapshot
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &snap))
	assert.Equal(t, agent.ID, snap.AgentInfo.ID)
	assert.Equal(t, 90, snap.OverallHealthScore)
	assert.Equal(t, health.StatusHealthy, snap.HealthStatus)
}

func TestAgentStatusToolErrors(t *testing.T) {
	f := setup(t)

	cases := map[string]map[string]any{
		"missing":   {},
		"malformed": {"agent_id": "nope"},
		"unknown":   {"agent_id": uuid.NewString()},
	}
	for name, args := range cases {
		t.Run(name, func(t *testing.T) {
			res, err := f.srv.handleAgentStatus(f.ctx, toolRequest("agent_status", args))
			require.NoError(t, err)
			assert.True(t, res.IsError)
		})
	}

	other := storetest.NewTenant(t, f.store)
	foreign := storetest.NewAgent(t, f.store, other, model.AgentTypeSentiment)
	res, err := f.srv.handleAgentStatus(f.ctx, toolRequest("agent_status", map[string]any{"agent_id": foreign.ID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
	assert.Equal(t, "access denied", parseToolText(t, res))

	res, err = f.srv.handleAgentStatus(context.Background(), toolRequest("agent_status", map[string]any{"agent_id": foreign.ID.String()}))
	require.NoError(t, err)
	assert.True(t, res.IsError)
}

func TestFleetReportTool(t *testing.T) {
	f := setup(t)
	storetest.NewAgent(t, f.store, model.DefaultTenantID, model.AgentTypeSentiment)
	storetest.NewAgent(t, f.store, model.DefaultTenantID, model.AgentTypeRecommendation)

	res, err := f.srv.handleFleetReport(f.ctx, toolRequest("fleet_report", nil))
	require.NoError(t, err)
	require.False(t, res.IsError)

	var report fleet.Report
	require.NoError(t, json.Unmarshal([]byte(parseToolText(t, res)), &report))
	assert.Equal(t, model.DefaultTenantID, report.TenantID)
	assert.Equal(t, 2, report.AgentsCount)
	assert.Zero(t, report.ActiveAgents)
	assert.Empty(t, report.TopPerformingAgents)
}

func TestAgentsResource(t *testing.T) {
	f := setup(t)
	storetest.NewAgent(t, f.store, model.DefaultTenantID, model.AgentTypePerformance)

	contents, err := f.srv.handleAgents(f.ctx, mcplib.ReadResourceRequest{})
	require.NoError(t, err)
	require.Len(t, contents, 1)
	text, ok := contents[0].(mcplib.TextResourceContents)
	require.True(t, ok)
	assert.Equal(t, agentsURI, text.URI)

	var body struct {
		Agents     []model.Agent         `json:"agents"`
		Statistics model.AgentStatistics `json:"statistics"`
	}
	require.NoError(t, json.Unmarshal([]byte(text.Text), &body))
	assert.Len(t, body.Agents, 1)
	assert.Equal(t, 1, body.Statistics.ByType[model.AgentTypePerformance])
}

func TestServerRegistersTools(t *testing.T) {
	f := setup(t)
	tools := f.srv.MCPServer().ListTools()
	assert.Contains(t, tools, "agent_status")
	assert.Contains(t, tools, "fleet_report")
}
