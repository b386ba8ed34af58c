package ledger

import (
	"context"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type LedgerService interface {
	GetBalance(ctx context.Context, trainerID uuid.UUID) (models.Balance, error)
	CanWithdraw(ctx context.Context, trainerID uuid.UUID, amount decimal.Decimal) (models.WithdrawalCheck, error)
}
