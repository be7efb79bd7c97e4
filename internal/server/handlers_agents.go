package server

import (
	"net/http"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
)

// HandleCreateAgent handles POST /v1/agents.
func (h *Handlers) HandleCreateAgent(w http.ResponseWriter, r *http.Request) {
	var req model.CreateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agent, err := h.agents.Create(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeEnvelope(w, r, http.StatusCreated, model.APIResponse{Data: agent, Message: "Agent created successfully"})
}

// HandleListAgents handles GET /v1/agents?status&type&page&limit.
func (h *Handlers) HandleListAgents(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	res, err := h.agents.List(r.Context(), agents.ListParams{
		Status: model.AgentStatus(q.Get("status")),
		Type:   model.AgentType(q.Get("type")),
		Page:   queryInt(r, "page", agents.DefaultPage),
		Limit:  queryInt(r, "limit", agents.DefaultLimit),
	})
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, model.APIResponse{
		Data:       res.Agents,
		Pagination: &res.Pagination,
		Statistics: res.Statistics,
	})
}

// HandleUpdateAgent handles PUT /v1/agents/{id}.
func (h *Handlers) HandleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	var req model.UpdateAgentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	agent, err := h.agents.Update(r.Context(), id, req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, model.APIResponse{Data: agent, Message: "Agent updated successfully"})
}

// HandleDeleteAgent handles DELETE /v1/agents/{id}.
func (h *Handlers) HandleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	id, err := pathUUID(r, "id")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if err := h.agents.Delete(r.Context(), id); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeEnvelope(w, r, http.StatusOK, model.APIResponse{Message: "Agent deleted successfully"})
}
