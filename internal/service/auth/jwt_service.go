// Package auth issues and validates the bearer tokens accepted by the task
// API. A token names its owner in the subject claim and lists the task
// permissions the owner holds.
package auth

import (
	"context"
	"slices"
	"time"
)

// Task permissions carried in the permissions claim.
const (
	PermissionCreateTask = "can_create_task"
	PermissionCancelTask = "can_cancel_task"
	PermissionRevertTask = "can_revert_task"
)

// Permissions lists every known task permission.
var Permissions = []string{PermissionCreateTask, PermissionCancelTask, PermissionRevertTask}

// JWTService defines operations for managing JWT authentication tokens.
type JWTService interface {
	// GenerateToken creates a signed token for the given identity.
	GenerateToken(ctx context.Context, identity Identity) (string, error)

	// ValidateToken validates the provided token string and extracts the claims.
	// Returns ErrExpiredToken, ErrTokenNotYetValid or ErrInvalidToken when
	// validation fails.
	ValidateToken(ctx context.Context, tokenString string) (*Claims, error)
}

// Identity is who a token is issued to.
type Identity struct {
	// Subject is the task owner.
	Subject string

	Permissions []string

	// Superuser sees and manages every owner's tasks.
	Superuser bool
}

// Claims is the validated content of a token.
type Claims struct {
	Identity

	IssuedAt  time.Time
	ExpiresAt time.Time
	ID        string
}

// Has reports whether the identity holds permission. Superusers hold all.
func (i Identity) Has(permission string) bool {
	return i.Superuser || slices.Contains(i.Permissions, permission)
}

// CanAccess reports whether the identity may see tasks owned by owner.
func (i Identity) CanAccess(owner string) bool {
	return i.Superuser || i.Subject == owner
}
