package server

import (
	"net/http"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
)

func writeTask(w http.ResponseWriter, r *http.Request, res lifecycle.Result) {
	writeJSON(w, r, http.StatusOK, model.TaskResponse{
		TaskID:           res.TaskID,
		Result:           res.Output,
		ProcessingTimeMs: res.ProcessingTimeMs,
	})
}

// HandleSentiment handles POST /v1/sentiment.
func (h *Handlers) HandleSentiment(w http.ResponseWriter, r *http.Request) {
	var req model.SentimentRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.sentiment.Analyze(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeTask(w, r, res)
}

// HandleRecommend handles POST /v1/recommendations.
func (h *Handlers) HandleRecommend(w http.ResponseWriter, r *http.Request) {
	var req model.RecommendationRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	res, err := h.recommend.Recommend(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeTask(w, r, res)
}

// HandleAgentStatus returns the activity summary of an agent of kind t, for
// GET /v1/sentiment/status and GET /v1/recommendations/status.
func (h *Handlers) HandleAgentStatus(t model.AgentType) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, err := queryUUID(r, "agentId")
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		st, err := h.agents.Status(r.Context(), id, t, h.now())
		if err != nil {
			writeServiceError(w, r, h.logger, err)
			return
		}
		writeJSON(w, r, http.StatusOK, st)
	}
}

// HandleMonitor handles POST /v1/monitor.
func (h *Handlers) HandleMonitor(w http.ResponseWriter, r *http.Request) {
	var req model.MonitorRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if err := req.Validate(); err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	res, err := h.monitor.Monitor(r.Context(), req)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeTask(w, r, res)
}

// HandleMonitorStatus handles GET /v1/monitor/status?agentId=.
func (h *Handlers) HandleMonitorStatus(w http.ResponseWriter, r *http.Request) {
	id, err := queryUUID(r, "agentId")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	snap, err := h.monitor.Status(r.Context(), id)
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, snap)
}

// HandleMonitorReport handles GET /v1/monitor/report?tenantId=. Callers may
// only request the report of their own tenant.
func (h *Handlers) HandleMonitorReport(w http.ResponseWriter, r *http.Request) {
	tenantID, err := queryUUID(r, "tenantId")
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	if tenantID != ctxutil.TenantIDFromContext(r.Context()) {
		writeServiceError(w, r, h.logger, auth.ErrForbidden)
		return
	}
	report, err := h.fleet.BuildReport(r.Context(), h.now())
	if err != nil {
		writeServiceError(w, r, h.logger, err)
		return
	}
	writeJSON(w, r, http.StatusOK, report)
}
