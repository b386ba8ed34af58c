package withdrawals

import (
	"context"
	"encoding/json"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type CreateRequest struct {
	Amount  decimal.Decimal `json:"amount"`
	Phone   string          `json:"phone_number"`
	Country string          `json:"country"`
}

type CompleteRequest struct {
	ExternalPayoutID string          `json:"external_payout_id"`
	Response         json.RawMessage `json:"gateway_response,omitempty"`
}

type WithdrawalService interface {
	Create(ctx context.Context, caller models.Caller, req CreateRequest) (*models.WithdrawalRequest, error)
	Approve(ctx context.Context, caller models.Caller, id uuid.UUID, notes string) (*models.WithdrawalRequest, error)
	Reject(ctx context.Context, caller models.Caller, id uuid.UUID, reason string) (*models.WithdrawalRequest, error)
	Complete(ctx context.Context, caller models.Caller, id uuid.UUID, req CompleteRequest) (*models.WithdrawalRequest, error)
	Fail(ctx context.Context, caller models.Caller, id uuid.UUID, reason string) (*models.WithdrawalRequest, error)
	Cancel(ctx context.Context, caller models.Caller, id uuid.UUID) (*models.WithdrawalRequest, error)
	Delete(ctx context.Context, caller models.Caller, id uuid.UUID) error

	// HandlePayoutUpdate applies a gateway payout callback. It returns models.ErrNotFound
	// when the payout does not belong to a withdrawal request.
	HandlePayoutUpdate(ctx context.Context, externalPayoutID, gatewayStatus string, raw json.RawMessage) (*models.WithdrawalRequest, error)

	Get(ctx context.Context, caller models.Caller, id uuid.UUID) (*models.WithdrawalRequest, error)
	History(ctx context.Context, caller models.Caller) ([]models.WithdrawalRequest, error)
	List(ctx context.Context, caller models.Caller, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error)
	Balance(ctx context.Context, caller models.Caller) (models.Balance, error)
}
