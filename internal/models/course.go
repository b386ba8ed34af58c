package models

import (
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

var DefaultCommissionRate = decimal.RequireFromString("0.10")

type Course struct {
	ID             uuid.UUID       `json:"id"`
	TrainerID      uuid.UUID       `json:"trainer_id"`
	Title          string          `json:"title"`
	Price          decimal.Decimal `json:"price"`
	CommissionRate decimal.Decimal `json:"commission_rate"`
}

// Split returns the platform commission and the trainer share of amount.
func (c Course) Split(amount decimal.Decimal) (commission, net decimal.Decimal) {
	rate := c.CommissionRate
	if rate.IsNegative() || rate.GreaterThan(decimal.NewFromInt(1)) {
		rate = DefaultCommissionRate
	}
	commission = amount.Mul(rate).Round(2)
	net = amount.Sub(commission)
	return commission, net
}
