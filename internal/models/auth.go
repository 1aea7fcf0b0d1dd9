package models

import "github.com/golang-jwt/jwt/v5"

// UserRole represents the available roles for the RBAC system.
type UserRole string

const (
	RoleSuperAdmin UserRole = "SUPERADMIN"
	RoleAdmin      UserRole = "ADMIN"
	RoleReviewer   UserRole = "REVIEWER"
	RoleStudent    UserRole = "STUDENT"
	RoleSystem     UserRole = "SYSTEM"
)

// JWTClaims represents the JWT payload for access tokens.
type JWTClaims struct {
	UserID   string   `json:"user_id"`
	Role     UserRole `json:"role"`
	Email    string   `json:"email"`
	FullName string   `json:"full_name"`
	jwt.RegisteredClaims
}

// Actor identifies who triggers a transition; supplied by the identity layer.
type Actor struct {
	ID   string
	Role UserRole
}

// SystemActor is used for decisions taken by scheduled admission cycles.
var SystemActor = Actor{ID: "system", Role: RoleSystem}

// ActorFromClaims converts verified token claims into an actor.
func ActorFromClaims(c *JWTClaims) Actor {
	if c == nil {
		return Actor{}
	}
	return Actor{ID: c.UserID, Role: c.Role}
}

// IsKnownRole reports whether r is one of the roles the API understands.
func IsKnownRole(r UserRole) bool {
	switch r {
	case RoleSuperAdmin, RoleAdmin, RoleReviewer, RoleStudent, RoleSystem:
		return true
	default:
		return false
	}
}
