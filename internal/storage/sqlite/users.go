package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/fmaa-ecosystem/fmaa/internal/model"
	"github.com/fmaa-ecosystem/fmaa/internal/storage"
)

const userColumns = `id, tenant_id, email, role, api_key_hash, created_at`

func scanUser(row rowScanner) (model.User, error) {
	var (
		u         model.User
		hash      sql.NullString
		createdAt int64
	)
	if err := row.Scan(&u.ID, &u.TenantID, &u.Email, &u.Role, &hash, &createdAt); err != nil {
		return model.User{}, err
	}
	if hash.Valid {
		u.APIKeyHash = &hash.String
	}
	u.CreatedAt = fromNanos(createdAt)
	return u, nil
}

// EnsureTenant inserts the tenant if it does not exist yet.
func (s *Store) EnsureTenant(ctx context.Context, t model.Tenant) error {
	if t.CreatedAt.IsZero() {
		t.CreatedAt = time.Now().UTC()
	}
	if _, err := s.db.ExecContext(ctx,
		`INSERT OR IGNORE INTO tenants (id, name, created_at) VALUES (?, ?, ?)`,
		t.ID, t.Name, toNanos(t.CreatedAt),
	); err != nil {
		return fmt.Errorf("sqlite: ensure tenant: %w", err)
	}
	return nil
}

// CreateUser inserts a user. Emails are stored lower-cased.
func (s *Store) CreateUser(ctx context.Context, u model.User) (model.User, error) {
	if u.ID == uuid.Nil {
		u.ID = uuid.New()
	}
	if u.CreatedAt.IsZero() {
		u.CreatedAt = time.Now().UTC()
	}
	u.Email = strings.ToLower(strings.TrimSpace(u.Email))

	if _, err := s.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?)`,
		u.ID, u.TenantID, u.Email, string(u.Role), u.APIKeyHash, toNanos(u.CreatedAt),
	); err != nil {
		return model.User{}, fmt.Errorf("sqlite: create user: %w", err)
	}
	return u, nil
}

// GetUser retrieves a user by id.
func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("sqlite: user %s: %w", id, storage.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("sqlite: get user: %w", err)
	}
	return u, nil
}

// GetUserByEmail retrieves a user by case-insensitive email.
func (s *Store) GetUserByEmail(ctx context.Context, email string) (model.User, error) {
	u, err := scanUser(s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email = ?`, strings.ToLower(strings.TrimSpace(email))))
	if errors.Is(err, sql.ErrNoRows) {
		return model.User{}, fmt.Errorf("sqlite: user by email: %w", storage.ErrNotFound)
	}
	if err != nil {
		return model.User{}, fmt.Errorf("sqlite: get user by email: %w", err)
	}
	return u, nil
}

// CountUsers returns the number of users across all tenants.
func (s *Store) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: count users: %w", err)
	}
	return n, nil
}
