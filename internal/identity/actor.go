// Package identity carries the opaque actor handed over by the external
// identity/role resolver. This core never authenticates anyone.
package identity

import "github.com/google/uuid"

type Role string

const (
	RoleUser   Role = "user"
	RoleAdmin  Role = "admin"
	RoleSystem Role = "system"
)

type Actor struct {
	UserID uuid.UUID
	Role   Role
}

// Privileged reports whether the actor may perform admin-only transitions.
func (a Actor) Privileged() bool {
	return a.Role == RoleAdmin || a.Role == RoleSystem
}
