package users

import (
	"context"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
)

type UserService interface {
	GetRole(ctx context.Context, id uuid.UUID) (models.Role, error)
	AdminIDs(ctx context.Context) ([]uuid.UUID, error)
	PayoutAccount(ctx context.Context, id uuid.UUID) (models.PayoutAccount, error)
}
