package models

import (
	"time"

	"github.com/google/uuid"
)

type NotificationType string

const (
	NotificationWithdrawalRequested NotificationType = "withdrawal_requested"
	NotificationWithdrawalApproved  NotificationType = "withdrawal_approved"
	NotificationWithdrawalRejected  NotificationType = "withdrawal_rejected"
	NotificationWithdrawalCancelled NotificationType = "withdrawal_cancelled"
	NotificationWithdrawalCompleted NotificationType = "withdrawal_completed"
	NotificationWithdrawalFailed    NotificationType = "withdrawal_failed"
	NotificationPaymentConfirmed    NotificationType = "payment_confirmed"
	NotificationNewSale             NotificationType = "new_sale"
	NotificationPayoutFailed        NotificationType = "payout_failed"
)

type Notification struct {
	ID        uuid.UUID        `json:"id"`
	UserID    uuid.UUID        `json:"user_id"`
	Type      NotificationType `json:"type"`
	Title     string           `json:"title"`
	Body      string           `json:"body"`
	Link      string           `json:"link,omitempty"`
	Data      map[string]any   `json:"data,omitempty"`
	CreatedAt time.Time        `json:"created_at"`
}
