package notifications

import (
	"context"
	"sync"
	"time"

	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const DefaultTimeout = 5 * time.Second

type NService struct {
	conn    DatabaseNotifications
	timeout time.Duration
	wg      sync.WaitGroup
}

func NewNService(conn DatabaseNotifications, timeout time.Duration) *NService {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &NService{conn: conn, timeout: timeout}
}

// Notify persists the notification in its own goroutine. It does not join the caller's
// transaction and is not cancelled with the caller's request.
func (s *NService) Notify(ctx context.Context, userID uuid.UUID, typ models.NotificationType, title, body, link string, data map[string]any) {
	n := models.Notification{
		ID:        uuid.New(),
		UserID:    userID,
		Type:      typ,
		Title:     title,
		Body:      body,
		Link:      link,
		Data:      data,
		CreatedAt: time.Now(),
	}
	detached := context.WithoutCancel(ctx)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ctx, cancel := context.WithTimeout(detached, s.timeout)
		defer cancel()
		if err := s.conn.InsertNotification(ctx, n); err != nil {
			logger.Log.Error("notification dispatch failed",
				zap.String("user_id", userID.String()),
				zap.String("type", string(typ)),
				zap.Error(err))
		}
	}()
}

// Wait blocks until every dispatched notification has finished.
func (s *NService) Wait() {
	s.wg.Wait()
}
