package model

import (
	"time"

	"github.com/google/uuid"
)

// Role is the access level of a user within its tenant.
type Role string

const (
	RoleAdmin  Role = "admin"
	RoleUser   Role = "user"
	RoleViewer Role = "viewer"
)

// Valid reports whether r is a known role.
func (r Role) Valid() bool {
	return r == RoleAdmin || r == RoleUser || r == RoleViewer
}

// Action is an operation class checked against a role's permissions.
type Action string

const (
	ActionRead   Action = "read"
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// rolePermissions maps roles to allowed actions. "*" grants everything.
var rolePermissions = map[Role][]Action{
	RoleAdmin:  {"*"},
	RoleUser:   {ActionRead, ActionCreate},
	RoleViewer: {ActionRead},
}

// RoleAllows reports whether role r may perform action a.
func RoleAllows(r Role, a Action) bool {
	for _, p := range rolePermissions[r] {
		if p == "*" || p == a {
			return true
		}
	}
	return false
}

// Tenant is the isolation boundary that owns agents, tasks, metrics and logs.
type Tenant struct {
	ID        uuid.UUID `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// DefaultTenantID is the tenant that the bootstrap admin belongs to.
var DefaultTenantID = uuid.Nil

// User is an authenticated principal belonging to exactly one tenant.
type User struct {
	ID         uuid.UUID `json:"id"`
	TenantID   uuid.UUID `json:"tenant_id"`
	Email      string    `json:"email"`
	Role       Role      `json:"role"`
	APIKeyHash *string   `json:"-"`
	CreatedAt  time.Time `json:"created_at"`
}
