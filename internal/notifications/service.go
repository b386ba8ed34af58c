package notifications

import (
	"context"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
)

// NotificationService delivers best effort. Notify never fails the caller.
type NotificationService interface {
	Notify(ctx context.Context, userID uuid.UUID, typ models.NotificationType, title, body, link string, data map[string]any)
}
