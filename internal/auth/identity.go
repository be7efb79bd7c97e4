package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/hashicorp/golang-lru/v2/expirable"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

var (
	// ErrUnauthorized means the credential is missing, malformed or expired.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrForbidden means the caller is authenticated but not allowed.
	ErrForbidden = errors.New("forbidden")
)

// Identity is the verified principal behind a bearer token.
type Identity struct {
	UserID uuid.UUID
	Role   model.Role
}

// IdentityProvider verifies credentials and resolves a user's tenant.
type IdentityProvider interface {
	VerifyToken(ctx context.Context, token string) (Identity, error)
	TenantForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error)
}

// UserLookup loads users by id. storage.Store satisfies it.
type UserLookup interface {
	GetUser(ctx context.Context, id uuid.UUID) (model.User, error)
}

// JWTIdentity is the IdentityProvider backed by JWTs issued by a JWTManager
// and the users table. Tenant lookups are cached briefly so that every
// request does not cost a database round trip.
type JWTIdentity struct {
	jwt     *JWTManager
	users   UserLookup
	tenants *expirable.LRU[uuid.UUID, uuid.UUID]
}

// NewJWTIdentity creates a JWTIdentity. cacheTTL of zero disables caching.
func NewJWTIdentity(jwtMgr *JWTManager, users UserLookup, cacheTTL time.Duration) *JWTIdentity {
	p := &JWTIdentity{jwt: jwtMgr, users: users}
	if cacheTTL > 0 {
		p.tenants = expirable.NewLRU[uuid.UUID, uuid.UUID](10_000, nil, cacheTTL)
	}
	return p
}

// VerifyToken validates the JWT signature and claims.
func (p *JWTIdentity) VerifyToken(_ context.Context, token string) (Identity, error) {
	claims, err := p.jwt.ValidateToken(token)
	if err != nil {
		return Identity{}, fmt.Errorf("%w: %v", ErrUnauthorized, err)
	}
	userID, _ := uuid.Parse(claims.Subject) // ValidateToken already checked the format.
	return Identity{UserID: userID, Role: claims.Role}, nil
}

// TenantForUser returns the tenant the user belongs to. A user that no longer
// exists is unauthorized even if its token is still valid.
func (p *JWTIdentity) TenantForUser(ctx context.Context, userID uuid.UUID) (uuid.UUID, error) {
	if p.tenants != nil {
		if tid, ok := p.tenants.Get(userID); ok {
			return tid, nil
		}
	}
	u, err := p.users.GetUser(ctx, userID)
	if errors.Is(err, storage.ErrNotFound) {
		return uuid.Nil, fmt.Errorf("%w: unknown user", ErrUnauthorized)
	}
	if err != nil {
		return uuid.Nil, fmt.Errorf("auth: tenant for user: %w", err)
	}
	if p.tenants != nil {
		p.tenants.Add(userID, u.TenantID)
	}
	return u.TenantID, nil
}
