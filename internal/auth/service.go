package auth

import (
	"context"
	"time"

	"github.com/Fuonder/formapay/internal/models"
)

type AuthService interface {
	IssueToken(caller models.Caller, ttl time.Duration) (string, error)
	ParseCaller(ctx context.Context, tokenString string) (models.Caller, error)
}

// Authorizer answers role questions at the entry of every service method.
type Authorizer interface {
	RequireRole(caller models.Caller, roles ...models.Role) error
	RequireAdmin(caller models.Caller) error
	RequireOwnerOrAdmin(caller models.Caller, ownerID string) error
}
