package ledger

import (
	"context"

	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type LService struct {
	conn DatabaseLedger
	// reservePending subtracts pending withdrawal requests from the available amount.
	reservePending bool
}

func NewLService(conn DatabaseLedger, reservePending bool) *LService {
	return &LService{conn: conn, reservePending: reservePending}
}

func (s *LService) GetBalance(ctx context.Context, trainerID uuid.UUID) (models.Balance, error) {
	t, err := s.conn.GetTotals(ctx, trainerID)
	if err != nil {
		return models.Balance{}, err
	}

	available := t.NetRevenue.Sub(t.AutoPaid).Sub(t.TotalWithdrawn)
	if s.reservePending {
		available = available.Sub(t.PendingWithdrawals)
	}
	if available.IsNegative() {
		logger.Log.Error("negative available balance, clamping to zero",
			zap.String("trainer_id", trainerID.String()),
			zap.String("net_revenue", t.NetRevenue.String()),
			zap.String("auto_paid", t.AutoPaid.String()),
			zap.String("withdrawn", t.TotalWithdrawn.String()),
			zap.String("available", available.String()))
		available = decimal.Zero
	}

	return models.Balance{
		TrainerID:          trainerID,
		GrossRevenue:       t.GrossRevenue,
		Commission:         t.GrossRevenue.Sub(t.NetRevenue),
		NetRevenue:         t.NetRevenue,
		AutoPaid:           t.AutoPaid,
		TotalWithdrawn:     t.TotalWithdrawn,
		PendingWithdrawals: t.PendingWithdrawals,
		Available:          available,
	}, nil
}

func (s *LService) CanWithdraw(ctx context.Context, trainerID uuid.UUID, amount decimal.Decimal) (models.WithdrawalCheck, error) {
	b, err := s.GetBalance(ctx, trainerID)
	if err != nil {
		return models.WithdrawalCheck{}, err
	}
	shortfall := amount.Sub(b.Available)
	if shortfall.IsNegative() {
		shortfall = decimal.Zero
	}
	return models.WithdrawalCheck{
		Allowed:   amount.LessThanOrEqual(b.Available),
		Requested: amount,
		Available: b.Available,
		Shortfall: shortfall,
	}, nil
}
