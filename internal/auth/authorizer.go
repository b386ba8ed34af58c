package auth

import (
	"fmt"

	"github.com/Fuonder/formapay/internal/models"
)

type RoleAuthorizer struct{}

func NewRoleAuthorizer() RoleAuthorizer {
	return RoleAuthorizer{}
}

func (RoleAuthorizer) RequireRole(caller models.Caller, roles ...models.Role) error {
	for _, r := range roles {
		if caller.Role == r {
			return nil
		}
	}
	return fmt.Errorf("%w: role %q not allowed", models.ErrUnauthorized, caller.Role)
}

func (a RoleAuthorizer) RequireAdmin(caller models.Caller) error {
	return a.RequireRole(caller, models.RoleAdmin)
}

func (RoleAuthorizer) RequireOwnerOrAdmin(caller models.Caller, ownerID string) error {
	if caller.IsAdmin() || caller.ID.String() == ownerID {
		return nil
	}
	return fmt.Errorf("%w: not the owner", models.ErrUnauthorized)
}
