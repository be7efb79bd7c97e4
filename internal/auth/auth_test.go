package auth_test

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fmaa-ecosystem/fmaa/internal/auth"
	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

func TestHashAndVerifyAPIKey(t *testing.T) {
	hash, err := auth.HashAPIKey("test-key-123")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(hash, "$argon2id$v=19$m=65536,t=1,p=4$"), hash)

	valid, err := auth.VerifyAPIKey("test-key-123", hash)
	require.NoError(t, err)
	assert.True(t, valid)

	valid, err = auth.VerifyAPIKey("wrong-key", hash)
	require.NoError(t, err)
	assert.False(t, valid)
}

func TestVerifyAPIKey_MalformedHash(t *testing.T) {
	for _, h := range []string{"", "abc$def", "$bcrypt$v=19$m=1,t=1,p=1$aa$bb", "$argon2id$v=1$m=1,t=1,p=1$aa$bb"} {
		_, err := auth.VerifyAPIKey("k", h)
		assert.Error(t, err, h)
	}
}

func TestGenerateAPIKey(t *testing.T) {
	a, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	b, err := auth.GenerateAPIKey()
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(a, "fmaa_"))
	assert.NotEqual(t, a, b)
}

func TestJWTIssueAndValidate(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", 1*time.Hour)
	require.NoError(t, err)

	user := model.User{ID: uuid.New(), TenantID: uuid.New(), Email: "a@example.com", Role: model.RoleUser}

	token, expiresAt, err := mgr.IssueToken(user)
	require.NoError(t, err)
	assert.NotEmpty(t, token)
	assert.True(t, expiresAt.After(time.Now()))

	claims, err := mgr.ValidateToken(token)
	require.NoError(t, err)
	assert.Equal(t, user.ID.String(), claims.Subject)
	assert.Equal(t, user.TenantID, claims.TenantID)
	assert.Equal(t, model.RoleUser, claims.Role)
}

// newTestJWTManagerWithKey creates a JWTManager backed by a real Ed25519 key pair
// written to temp PEM files, and returns the raw private key for forging tokens.
func newTestJWTManagerWithKey(t *testing.T) (*auth.JWTManager, ed25519.PrivateKey) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	dir := t.TempDir()

	privBytes, err := x509.MarshalPKCS8PrivateKey(priv)
	require.NoError(t, err)
	privPath := filepath.Join(dir, "priv.pem")
	require.NoError(t, os.WriteFile(privPath, pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes}), 0600))

	pubBytes, err := x509.MarshalPKIXPublicKey(pub)
	require.NoError(t, err)
	pubPath := filepath.Join(dir, "pub.pem")
	require.NoError(t, os.WriteFile(pubPath, pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes}), 0600))

	mgr, err := auth.NewJWTManager(privPath, pubPath, time.Hour)
	require.NoError(t, err)
	return mgr, priv
}

func forgeToken(t *testing.T, privKey ed25519.PrivateKey, claims jwt.Claims) string {
	t.Helper()
	signed, err := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims).SignedString(privKey)
	require.NoError(t, err)
	return signed
}

func validClaims(now time.Time) auth.Claims {
	return auth.Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   uuid.New().String(),
			Issuer:    "fmaa",
			Audience:  jwt.ClaimStrings{"fmaa"},
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(time.Hour)),
			ID:        uuid.New().String(),
		},
		TenantID: uuid.New(),
		Role:     model.RoleViewer,
	}
}

func TestValidateToken_Rejections(t *testing.T) {
	mgr, privKey := newTestJWTManagerWithKey(t)
	now := time.Now().UTC()

	tests := []struct {
		name    string
		mutate  func(c *auth.Claims)
		wantErr string
	}{
		{"wrong issuer", func(c *auth.Claims) { c.Issuer = "not-fmaa" }, "invalid issuer"},
		{"malformed subject", func(c *auth.Claims) { c.Subject = "not-a-uuid" }, "invalid subject"},
		{"unknown role", func(c *auth.Claims) { c.Role = "root" }, "invalid role"},
		{"expired", func(c *auth.Claims) { c.ExpiresAt = jwt.NewNumericDate(now.Add(-time.Minute)) }, "expired"},
		{"wrong audience", func(c *auth.Claims) { c.Audience = jwt.ClaimStrings{"other"} }, "audience"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validClaims(now)
			tt.mutate(&c)
			_, err := mgr.ValidateToken(forgeToken(t, privKey, &c))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	c := validClaims(now)
	_, err := mgr.ValidateToken(forgeToken(t, privKey, &c))
	assert.NoError(t, err)
}

type fakeUsers struct {
	users map[uuid.UUID]model.User
	calls int
	err   error
}

func (f *fakeUsers) GetUser(_ context.Context, id uuid.UUID) (model.User, error) {
	f.calls++
	if f.err != nil {
		return model.User{}, f.err
	}
	u, ok := f.users[id]
	if !ok {
		return model.User{}, storage.ErrNotFound
	}
	return u, nil
}

func TestJWTIdentity(t *testing.T) {
	mgr, err := auth.NewJWTManager("", "", time.Hour)
	require.NoError(t, err)

	user := model.User{ID: uuid.New(), TenantID: uuid.New(), Role: model.RoleAdmin}
	users := &fakeUsers{users: map[uuid.UUID]model.User{user.ID: user}}
	idp := auth.NewJWTIdentity(mgr, users, time.Minute)
	ctx := context.Background()

	token, _, err := mgr.IssueToken(user)
	require.NoError(t, err)

	id, err := idp.VerifyToken(ctx, token)
	require.NoError(t, err)
	assert.Equal(t, auth.Identity{UserID: user.ID, Role: model.RoleAdmin}, id)

	_, err = idp.VerifyToken(ctx, "garbage")
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	tid, err := idp.TenantForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, user.TenantID, tid)
	_, err = idp.TenantForUser(ctx, user.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, users.calls, "second lookup should be served from cache")

	_, err = idp.TenantForUser(ctx, uuid.New())
	assert.ErrorIs(t, err, auth.ErrUnauthorized)

	users.err = errors.New("db down")
	_, err = auth.NewJWTIdentity(mgr, users, 0).TenantForUser(ctx, user.ID)
	require.Error(t, err)
	assert.NotErrorIs(t, err, auth.ErrUnauthorized)
}
