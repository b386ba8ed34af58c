package settlement

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
)

type InitiateRequest struct {
	CourseID uuid.UUID `json:"course_id"`
	Phone    string    `json:"phone_number"`
	Country  string    `json:"country"`
}

type SettlementService interface {
	InitiatePayment(ctx context.Context, caller models.Caller, req InitiateRequest) (*models.Payment, error)

	// HandleGatewayStatusUpdate settles a payment from a gateway status. A repeated completion
	// returns the existing result together with models.ErrDuplicateSettlement.
	HandleGatewayStatusUpdate(ctx context.Context, transactionID, gatewayStatus string, raw json.RawMessage) (models.SettlementResult, error)
	ConfirmCallback(ctx context.Context, transactionID string, paymentID uuid.UUID) (models.SettlementResult, error)

	HandlePayoutUpdate(ctx context.Context, externalPayoutID, gatewayStatus string, raw json.RawMessage) (*models.Payout, error)
	RetryPayout(ctx context.Context, caller models.Caller, payoutID uuid.UUID) (*models.Payout, error)
	ListPayouts(ctx context.Context, caller models.Caller, status *models.PayoutStatus, limit, offset int) ([]models.Payout, error)

	PendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error)
}
