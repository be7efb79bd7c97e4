package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/inference"
	"github.com/fmaa-ecosystem/fmaa/internal/service/lifecycle"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
	"github.com/fmaa-ecosystem/fmaa/internal/testutil"
)

func TestWriteServiceError(t *testing.T) {
	taskID := uuid.New()
	cases := []struct {
		name     string
		err      error
		status   int
		code     string
		withTask bool
	}{
		{"validation", &model.ValidationError{Field: "name", Message: "required"}, http.StatusBadRequest, model.ErrCodeInvalidInput, false},
		{"not found", fmt.Errorf("load: %w", storage.ErrNotFound), http.StatusNotFound, model.ErrCodeNotFound, false},
		{"forbidden", fmt.Errorf("agent: %w", auth.ErrForbidden), http.StatusForbidden, model.ErrCodeForbidden, false},
		{"no scope", lifecycle.ErrNoScope, http.StatusUnauthorized, model.ErrCodeUnauthorized, false},
		{"task validation", &lifecycle.TaskFailedError{TaskID: taskID, Err: &model.ValidationError{Message: "bad input"}}, http.StatusBadRequest, model.ErrCodeInvalidInput, true},
		{"task upstream", &lifecycle.TaskFailedError{TaskID: taskID, Err: &inference.UpstreamError{Op: "embed", Err: errors.New("timeout")}}, http.StatusBadGateway, model.ErrCodeUpstream, true},
		{"task other", &lifecycle.TaskFailedError{TaskID: taskID, Err: errors.New("boom")}, http.StatusInternalServerError, model.ErrCodeTaskFailed, true},
		{"bookkeeping", &lifecycle.BookkeepingError{Step: "finish", TaskID: taskID, Err: errors.New("disk full"), Cause: &model.ValidationError{Message: "x"}}, http.StatusInternalServerError, model.ErrCodeBookkeeping, true},
		{"unknown", errors.New("db down"), http.StatusInternalServerError, model.ErrCodeInternalError, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
			req = req.WithContext(ctxutil.WithRequestID(req.Context(), "req-1"))
			rec := httptest.NewRecorder()
			writeServiceError(rec, req, testutil.TestLogger(), tc.err)

			assert.Equal(t, tc.status, rec.Code)
			var apiErr model.APIError
			require.NoError(t, json.NewDecoder(rec.Body).Decode(&apiErr))
			assert.Equal(t, tc.code, apiErr.Details.Code)
			assert.Equal(t, "req-1", apiErr.Details.RequestID)
			if tc.withTask {
				require.NotNil(t, apiErr.Details.TaskID)
				assert.Equal(t, taskID, *apiErr.Details.TaskID)
			} else {
				assert.Nil(t, apiErr.Details.TaskID)
			}
		})
	}
}

func TestRequireAction(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
	guard := requireAction(model.ActionDelete)(ok)

	for role, want := range map[model.Role]int{
		model.RoleAdmin:  http.StatusNoContent,
		model.RoleUser:   http.StatusForbidden,
		model.RoleViewer: http.StatusForbidden,
	} {
		req := httptest.NewRequest(http.MethodDelete, "/v1/agents/x", nil)
		req = req.WithContext(ctxutil.WithScope(req.Context(), ctxutil.Scope{TenantID: uuid.New(), UserID: uuid.New(), Role: role}))
		rec := httptest.NewRecorder()
		guard.ServeHTTP(rec, req)
		assert.Equal(t, want, rec.Code, role)
	}

	rec := httptest.NewRecorder()
	guard.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/v1/agents/x", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestRecoveryMiddleware(t *testing.T) {
	h := recoveryMiddleware(testutil.TestLogger(), http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("kaboom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), model.ErrCodeInternalError)
}

func TestDecodeJSONLimits(t *testing.T) {
	var target model.CreateAgentRequest

	req := httptest.NewRequest(http.MethodPost, "/v1/agents", strings.NewReader(`{"name":"`+strings.Repeat("a", 64)+`"}`))
	rec := httptest.NewRecorder()
	err := decodeJSON(rec, req, &target, 16)
	require.Error(t, err)
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/v1/agents", strings.NewReader(`{"name":"a","colour":"red"}`))
	rec = httptest.NewRecorder()
	err = decodeJSON(rec, req, &target, 1024)
	require.Error(t, err)
	handleDecodeError(rec, req, err)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
