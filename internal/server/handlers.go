package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/service/agents"
	"github.com/fmaa-ecosystem/fmaa/internal/service/fleet"
	"github.com/fmaa-ecosystem/fmaa/internal/service/health"
	"github.com/fmaa-ecosystem/fmaa/internal/service/recommend"
	"github.com/fmaa-ecosystem/fmaa/internal/service/sentiment"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

// Readiness is implemented by the inference provider.
type Readiness interface {
	Name() string
	Ready(ctx context.Context) error
}

// Handlers holds HTTP handler dependencies.
type Handlers struct {
	store               storage.Store
	jwtMgr              *auth.JWTManager
	agents              *agents.Service
	sentiment           *sentiment.Service
	recommend           *recommend.Service
	monitor             *health.Service
	fleet               *fleet.Aggregator
	inference           Readiness
	logger              *slog.Logger
	startedAt           time.Time
	version             string
	maxRequestBodyBytes int64
	now                 func() time.Time
}

// HandlersDeps holds all dependencies for constructing Handlers.
// Inference is optional; without it /health reports only the database.
type HandlersDeps struct {
	Store               storage.Store
	JWTMgr              *auth.JWTManager
	Agents              *agents.Service
	Sentiment           *sentiment.Service
	Recommend           *recommend.Service
	Monitor             *health.Service
	Fleet               *fleet.Aggregator
	Inference           Readiness
	Logger              *slog.Logger
	Version             string
	MaxRequestBodyBytes int64
}

// NewHandlers creates a new Handlers with all dependencies.
func NewHandlers(d HandlersDeps) *Handlers {
	return &Handlers{
		store:               d.Store,
		jwtMgr:              d.JWTMgr,
		agents:              d.Agents,
		sentiment:           d.Sentiment,
		recommend:           d.Recommend,
		monitor:             d.Monitor,
		fleet:               d.Fleet,
		inference:           d.Inference,
		logger:              d.Logger,
		startedAt:           time.Now(),
		version:             d.Version,
		maxRequestBodyBytes: d.MaxRequestBodyBytes,
		now:                 func() time.Time { return time.Now().UTC() },
	}
}

// HandleHealth handles GET /health.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	resp := model.HealthResponse{
		Status:    "healthy",
		Version:   h.version,
		Services:  map[string]string{"database": "connected"},
		Uptime:    int64(time.Since(h.startedAt).Seconds()),
		Timestamp: h.now(),
	}
	status := http.StatusOK

	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health: database ping failed", "error", err)
		resp.Services["database"] = "disconnected"
		resp.Status = "unhealthy"
		status = http.StatusServiceUnavailable
	}
	if h.inference != nil {
		if err := h.inference.Ready(ctx); err != nil {
			h.logger.Warn("health: inference not ready", "provider", h.inference.Name(), "error", err)
			resp.Services["inference"] = h.inference.Name() + ": unavailable"
			resp.Status = "unhealthy"
			status = http.StatusServiceUnavailable
		} else {
			resp.Services["inference"] = h.inference.Name() + ": ready"
		}
	}
	writeRaw(w, status, resp)
}

// HandleAuthToken handles POST /auth/token, exchanging an email and API key
// for a JWT.
func (h *Handlers) HandleAuthToken(w http.ResponseWriter, r *http.Request) {
	var req model.AuthTokenRequest
	if err := decodeJSON(w, r, &req, h.maxRequestBodyBytes); err != nil {
		handleDecodeError(w, r, err)
		return
	}
	if strings.TrimSpace(req.Email) == "" || req.APIKey == "" {
		writeError(w, r, http.StatusBadRequest, model.ErrCodeInvalidInput, "email and api_key are required")
		return
	}

	user, err := h.store.GetUserByEmail(r.Context(), strings.TrimSpace(req.Email))
	if err != nil {
		if !errors.Is(err, storage.ErrNotFound) {
			h.logger.Error("auth: lookup user", "error", err)
		}
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	if user.APIKeyHash == nil {
		auth.DummyVerify()
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}
	valid, err := auth.VerifyAPIKey(req.APIKey, *user.APIKeyHash)
	if err != nil || !valid {
		writeError(w, r, http.StatusUnauthorized, model.ErrCodeUnauthorized, "invalid credentials")
		return
	}

	token, expiresAt, err := h.jwtMgr.IssueToken(user)
	if err != nil {
		h.logger.Error("auth: issue token", "error", err, "user_id", user.ID)
		writeError(w, r, http.StatusInternalServerError, model.ErrCodeInternalError, "failed to issue token")
		return
	}
	h.logger.Info("token issued", "user_id", user.ID, "tenant_id", user.TenantID, "role", user.Role)
	writeJSON(w, r, http.StatusOK, model.AuthTokenResponse{Token: token, ExpiresAt: expiresAt})
}

// SeedAdmin creates the bootstrap admin user in the default tenant if no user
// with adminEmail exists yet. With an empty key it only checks that some user
// exists, since otherwise nobody could ever authenticate.
func (h *Handlers) SeedAdmin(ctx context.Context, adminEmail, adminAPIKey string) error {
	if adminAPIKey == "" {
		n, err := h.store.CountUsers(ctx)
		if err != nil {
			return fmt.Errorf("seed admin: count users: %w", err)
		}
		if n == 0 {
			return fmt.Errorf("seed admin: FMAA_ADMIN_API_KEY is empty and no users exist; set FMAA_ADMIN_API_KEY to bootstrap initial admin access")
		}
		h.logger.Info("no admin API key configured, skipping admin seed", "existing_users", n)
		return nil
	}

	if err := h.store.EnsureTenant(ctx, model.Tenant{ID: model.DefaultTenantID, Name: "default"}); err != nil {
		return fmt.Errorf("seed admin: ensure default tenant: %w", err)
	}
	if _, err := h.store.GetUserByEmail(ctx, adminEmail); err == nil {
		h.logger.Info("admin user exists, skipping admin seed", "email", adminEmail)
		return nil
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fmt.Errorf("seed admin: lookup admin: %w", err)
	}

	hash, err := auth.HashAPIKey(adminAPIKey)
	if err != nil {
		return fmt.Errorf("seed admin: hash key: %w", err)
	}
	if _, err := h.store.CreateUser(ctx, model.User{
		ID:         uuid.New(),
		TenantID:   model.DefaultTenantID,
		Email:      adminEmail,
		Role:       model.RoleAdmin,
		APIKeyHash: &hash,
	}); err != nil {
		return fmt.Errorf("seed admin: create user: %w", err)
	}
	h.logger.Info("seeded admin user", "email", adminEmail)
	return nil
}

// queryInt parses an integer query parameter, falling back to defaultVal
// when it is absent or malformed.
func queryInt(r *http.Request, key string, defaultVal int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}

// queryUUID parses a required UUID query parameter.
func queryUUID(r *http.Request, key string) (uuid.UUID, error) {
	v := r.URL.Query().Get(key)
	if v == "" {
		return uuid.Nil, &model.ValidationError{Field: key, Message: key + " is required"}
	}
	id, err := uuid.Parse(v)
	if err != nil {
		return uuid.Nil, &model.ValidationError{Field: key, Message: "must be a valid UUID"}
	}
	return id, nil
}

// pathUUID parses a UUID path parameter.
func pathUUID(r *http.Request, key string) (uuid.UUID, error) {
	id, err := uuid.Parse(r.PathValue(key))
	if err != nil {
		return uuid.Nil, &model.ValidationError{Field: key, Message: "must be a valid UUID"}
	}
	return id, nil
}
