package ledger

import (
	"context"
	"fmt"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
)

const (
	RevenueQuery = `
		SELECT COALESCE(SUM(p.amount), 0),
		       COALESCE(SUM(COALESCE(po.net_amount, p.amount - ROUND(p.amount * c.commission_rate, 2))), 0)
		FROM payments p
		JOIN courses c ON c.id = p.course_id
		LEFT JOIN payouts po ON po.payment_id = p.id
		WHERE c.trainer_id = $1 AND p.status = 'completed';`
	// AutoPaidQuery matches models.Payout.CountsAsPaid.
	AutoPaidQuery = `
		SELECT COALESCE(SUM(net_amount), 0)
		FROM payouts
		WHERE trainer_id = $1
		  AND (status IN ('sent', 'completed')
		       OR (status = 'pending' AND (automatic OR external_payout_id IS NOT NULL)));`
	WithdrawnQuery = `
		SELECT COALESCE(SUM(amount) FILTER (WHERE status IN ('approved', 'completed')), 0),
		       COALESCE(SUM(amount) FILTER (WHERE status = 'pending'), 0)
		FROM withdrawal_requests
		WHERE trainer_id = $1;`
)

type DatabaseLedger interface {
	GetTotals(ctx context.Context, trainerID uuid.UUID) (models.LedgerTotals, error)
}

type DBLedger struct {
	db storage.Querier
}

func NewDBLedger(db storage.Querier) *DBLedger {
	return &DBLedger{db: db}
}

func (l *DBLedger) GetTotals(ctx context.Context, trainerID uuid.UUID) (models.LedgerTotals, error) {
	var t models.LedgerTotals
	q := storage.Conn(ctx, l.db)

	if err := q.QueryRow(ctx, RevenueQuery, trainerID).Scan(&t.GrossRevenue, &t.NetRevenue); err != nil {
		return t, fmt.Errorf("sum revenue: %w", err)
	}
	if err := q.QueryRow(ctx, AutoPaidQuery, trainerID).Scan(&t.AutoPaid); err != nil {
		return t, fmt.Errorf("sum auto payouts: %w", err)
	}
	if err := q.QueryRow(ctx, WithdrawnQuery, trainerID).Scan(&t.TotalWithdrawn, &t.PendingWithdrawals); err != nil {
		return t, fmt.Errorf("sum withdrawals: %w", err)
	}
	return t, nil
}
