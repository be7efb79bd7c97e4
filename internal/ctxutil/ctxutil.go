// Package ctxutil provides shared context key accessors.
//
// This package exists to break the circular dependency between server and mcp:
// server imports mcp for MCP server setup, and mcp needs to read the tenant
// scope that server's auth middleware populates. Both packages import ctxutil
// instead of each other.
package ctxutil

import (
	"context"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

type contextKey string

const (
	keyScope     contextKey = "scope"
	keyRequestID contextKey = "request_id"
)

// Scope identifies the caller of a request. It is set once by the auth
// middleware and never modified afterwards.
type Scope struct {
	TenantID uuid.UUID
	UserID   uuid.UUID
	Role     model.Role
}

// Allows reports whether the scope's role grants action a.
func (s Scope) Allows(a model.Action) bool {
	return model.RoleAllows(s.Role, a)
}

// WithScope returns a new context carrying the given scope.
func WithScope(ctx context.Context, s Scope) context.Context {
	return context.WithValue(ctx, keyScope, s)
}

// ScopeFromContext extracts the caller scope from the context.
// The second return is false when no scope has been set.
func ScopeFromContext(ctx context.Context) (Scope, bool) {
	s, ok := ctx.Value(keyScope).(Scope)
	return s, ok
}

// TenantIDFromContext extracts the tenant id from the scope, or uuid.Nil.
func TenantIDFromContext(ctx context.Context) uuid.UUID {
	s, _ := ScopeFromContext(ctx)
	return s.TenantID
}

// WithRequestID returns a new context carrying the request id.
func WithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, keyRequestID, id)
}

// RequestIDFromContext extracts the request id from the context.
func RequestIDFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(keyRequestID).(string); ok {
		return v
	}
	return ""
}
