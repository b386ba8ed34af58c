package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Balance is derived on every read and never stored.
type Balance struct {
	TrainerID          uuid.UUID       `json:"trainer_id"`
	GrossRevenue       decimal.Decimal `json:"gross_revenue"`
	Commission         decimal.Decimal `json:"commission"`
	NetRevenue         decimal.Decimal `json:"net_revenue"`
	AutoPaid           decimal.Decimal `json:"auto_paid"`
	TotalWithdrawn     decimal.Decimal `json:"total_withdrawn"`
	PendingWithdrawals decimal.Decimal `json:"pending_withdrawals"`
	Available          decimal.Decimal `json:"available"`
}

type WithdrawalCheck struct {
	Allowed   bool            `json:"allowed"`
	Requested decimal.Decimal `json:"requested"`
	Available decimal.Decimal `json:"available"`
	Shortfall decimal.Decimal `json:"shortfall"`
}

// LedgerTotals are the raw sums a balance is computed from.
type LedgerTotals struct {
	GrossRevenue       decimal.Decimal
	NetRevenue         decimal.Decimal
	AutoPaid           decimal.Decimal
	TotalWithdrawn     decimal.Decimal
	PendingWithdrawals decimal.Decimal
}
