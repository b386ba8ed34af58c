package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PaymentStatus string

const (
	PaymentStatusPending   PaymentStatus = "pending"
	PaymentStatusCompleted PaymentStatus = "completed"
	PaymentStatusFailed    PaymentStatus = "failed"
	PaymentStatusRefunded  PaymentStatus = "refunded"
)

const DefaultCurrency = "XOF"

type Payment struct {
	ID                    uuid.UUID       `json:"id"`
	PayerID               uuid.UUID       `json:"payer_id"`
	CourseID              uuid.UUID       `json:"course_id"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	Status                PaymentStatus   `json:"status"`
	ExternalTransactionID *string         `json:"external_transaction_id,omitempty"`
	ExternalStatus        *string         `json:"external_status,omitempty"`
	GatewayResponse       json.RawMessage `json:"-"`
	PaymentURL            *string         `json:"payment_url,omitempty"`
	CompletedAt           *time.Time      `json:"completed_at,omitempty"`
	CreatedAt             time.Time       `json:"created_at"`
	UpdatedAt             time.Time       `json:"updated_at"`
}

func NewPayment(payerID uuid.UUID, course Course, currency string) *Payment {
	now := time.Now()
	return &Payment{
		ID:        uuid.New(),
		PayerID:   payerID,
		CourseID:  course.ID,
		Amount:    course.Price,
		Currency:  currency,
		Status:    PaymentStatusPending,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func (p *Payment) RecordGatewayStatus(externalStatus string, raw json.RawMessage, now time.Time) {
	p.ExternalStatus = &externalStatus
	if len(raw) > 0 {
		p.GatewayResponse = raw
	}
	p.UpdatedAt = now
}

// Complete marks the payment completed. A payment completes at most once.
func (p *Payment) Complete(externalStatus string, raw json.RawMessage, now time.Time) error {
	if p.Status == PaymentStatusCompleted {
		return ErrDuplicateSettlement
	}
	if p.Status == PaymentStatusRefunded {
		return &TransitionError{Entity: "payment", From: string(p.Status), To: string(PaymentStatusCompleted)}
	}
	p.RecordGatewayStatus(externalStatus, raw, now)
	p.Status = PaymentStatusCompleted
	p.CompletedAt = &now
	return nil
}

func (p *Payment) Fail(externalStatus string, raw json.RawMessage, now time.Time) error {
	if p.Status != PaymentStatusPending {
		return &TransitionError{Entity: "payment", From: string(p.Status), To: string(PaymentStatusFailed)}
	}
	p.RecordGatewayStatus(externalStatus, raw, now)
	p.Status = PaymentStatusFailed
	return nil
}
