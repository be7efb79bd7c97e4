package ctxutil

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
)

func TestScopeRoundTrip(t *testing.T) {
	ctx := context.Background()
	_, ok := ScopeFromContext(ctx)
	assert.False(t, ok)
	assert.Equal(t, uuid.Nil, TenantIDFromContext(ctx))

	s := Scope{TenantID: uuid.New(), UserID: uuid.New(), Role: model.RoleViewer}
	ctx = WithScope(ctx, s)
	got, ok := ScopeFromContext(ctx)
	assert.True(t, ok)
	assert.Equal(t, s, got)
	assert.Equal(t, s.TenantID, TenantIDFromContext(ctx))
	assert.True(t, got.Allows(model.ActionRead))
	assert.False(t, got.Allows(model.ActionCreate))
}

func TestRequestID(t *testing.T) {
	assert.Empty(t, RequestIDFromContext(context.Background()))
	assert.Equal(t, "req-1", RequestIDFromContext(WithRequestID(context.Background(), "req-1")))
}
