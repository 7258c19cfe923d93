package auth

import "time"

// Role distinguishes the registry owner from allow-listed callers in issued
// tokens.
type Role string

const (
	RoleOwner  Role = "owner"
	RoleCaller Role = "caller"
)

// Credential is a caller identity able to log in. It mirrors the credentials
// table and carries no JSON annotations so presentation layers stay free to
// shape it.
type Credential struct {
	Identity     string
	PasswordHash string
	CreatedAt    time.Time
}

// RegisterRequest contains the credential supplied by the owner for a caller.
type RegisterRequest struct {
	Identity string `json:"identity" validate:"required,max=128"`
	Password string `json:"password" validate:"required,min=8"`
}

// LoginRequest contains caller login credentials.
type LoginRequest struct {
	Identity string `json:"identity" validate:"required"`
	Password string `json:"password" validate:"required"`
}
