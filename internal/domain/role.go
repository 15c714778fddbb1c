package domain

import "time"

// Actions a permission may grant on a resource.
const (
	ActionCreate = "create"
	ActionRead   = "read"
	ActionUpdate = "update"
	ActionDelete = "delete"
	ActionManage = "manage"
)

// Permission is a single {resource, action} grant.
type Permission struct {
	Resource string `json:"resource"`
	Action   string `json:"action"`
	Granted  bool   `json:"granted"`
}

// Role groups a named set of permissions.
type Role struct {
	ID          string       `json:"id"`
	Name        string       `json:"name"`
	Permissions []Permission `json:"permissions"`
	Synthetic   bool         `json:"synthetic,omitempty"`
}

// RoleAssignment binds a user to a role within one practice.
type RoleAssignment struct {
	UserID      string       `json:"user_id"`
	RoleID      string       `json:"role_id"`
	RoleName    string       `json:"role_name"`
	PracticeID  string       `json:"practice_id"`
	Permissions []Permission `json:"permissions"`
	AssignedAt  time.Time    `json:"assigned_at"`
}

// Identity is the user/tenant profile supplied by the upstream identity
// provider when online.
type Identity struct {
	UserID                string   `json:"user_id"`
	Email                 string   `json:"email"`
	Name                  string   `json:"name"`
	Role                  string   `json:"role"`
	Roles                 []string `json:"roles"`
	TenantID              string   `json:"tenant_id"`
	PracticeID            string   `json:"practice_id"`
	AccessiblePracticeIDs []string `json:"accessible_practice_ids"`
}
