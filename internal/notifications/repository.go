package notifications

import (
	"context"
	"fmt"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
)

const InsertNotificationQuery = `
	INSERT INTO notifications (id, user_id, type, title, body, link, data, created_at)
	VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, $8);`

type DatabaseNotifications interface {
	InsertNotification(ctx context.Context, n models.Notification) error
}

type DBNotifications struct {
	db storage.Querier
}

func NewDBNotifications(db storage.Querier) *DBNotifications {
	return &DBNotifications{db: db}
}

func (d *DBNotifications) InsertNotification(ctx context.Context, n models.Notification) error {
	_, err := d.db.Exec(ctx, InsertNotificationQuery,
		n.ID, n.UserID, n.Type, n.Title, n.Body, n.Link, n.Data, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert notification: %w", err)
	}
	return nil
}
