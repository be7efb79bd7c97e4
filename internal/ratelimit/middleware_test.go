package ratelimit_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/ctxutil"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/ratelimit"
	"github.com/fmaa-ecosystem/fmaa/internal/testutil"
)

type brokenLimiter struct{}

func (brokenLimiter) Allow(context.Context, string) (bool, error) {
	return false, errors.New("connection refused")
}
func (brokenLimiter) Close() error { return nil }

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusNoContent) })
}

func TestMiddlewareRejectsOverLimit(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(2, time.Hour)
	defer func() { _ = lim.Close() }()
	h := ratelimit.Middleware(lim, ratelimit.IPKey(false), testutil.TestLogger())(okHandler())

	for range 2 {
		rec := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
		h.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/v1/agents", nil)
	req = req.WithContext(ctxutil.WithRequestID(req.Context(), "req-1"))
	h.ServeHTTP(rec, req)
	require.Equal(t, http.StatusTooManyRequests, rec.Code)

	var body model.APIError
	require.NoError(t, json.NewDecoder(rec.Body).Decode(&body))
	assert.Equal(t, model.ErrCodeRateLimited, body.Details.Code)
	assert.Equal(t, "req-1", body.Details.RequestID)
	assert.NotEmpty(t, body.Error)
}

func TestMiddlewareFailsOpen(t *testing.T) {
	h := ratelimit.Middleware(brokenLimiter{}, ratelimit.IPKey(false), testutil.TestLogger())(okHandler())
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestMiddlewareSkipsEmptyKey(t *testing.T) {
	lim := ratelimit.NewMemoryLimiter(1, time.Hour)
	defer func() { _ = lim.Close() }()
	h := ratelimit.Middleware(lim, func(*http.Request) string { return "" }, testutil.TestLogger())(okHandler())
	for range 3 {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
		assert.Equal(t, http.StatusNoContent, rec.Code)
	}
}

func TestUserKey(t *testing.T) {
	userID := uuid.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "10.0.0.7:5555"
	assert.Equal(t, "ip:10.0.0.7", ratelimit.UserKey(false)(req))

	req = req.WithContext(ctxutil.WithScope(req.Context(), ctxutil.Scope{TenantID: model.DefaultTenantID, UserID: userID, Role: model.RoleUser}))
	assert.Equal(t, "user:"+userID.String(), ratelimit.UserKey(false)(req))
}

func TestClientIP(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	req.RemoteAddr = "192.0.2.1:1234"
	req.Header.Set("X-Forwarded-For", "203.0.113.9, 10.0.0.1")

	assert.Equal(t, "192.0.2.1", ratelimit.ClientIP(req, false), "header ignored without a trusted proxy")
	assert.Equal(t, "203.0.113.9", ratelimit.ClientIP(req, true))

	req.Header.Del("X-Forwarded-For")
	assert.Equal(t, "192.0.2.1", ratelimit.ClientIP(req, true))

	req.RemoteAddr = "pipe"
	assert.Equal(t, "pipe", ratelimit.ClientIP(req, false))
}
