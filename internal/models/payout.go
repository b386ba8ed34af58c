package models

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type PayoutStatus string

const (
	PayoutStatusPending   PayoutStatus = "pending"
	PayoutStatusSent      PayoutStatus = "sent"
	PayoutStatusCompleted PayoutStatus = "completed"
	PayoutStatusFailed    PayoutStatus = "failed"
)

var payoutTransitions = map[PayoutStatus][]PayoutStatus{
	PayoutStatusPending: {PayoutStatusSent, PayoutStatusCompleted, PayoutStatusFailed},
	PayoutStatusSent:    {PayoutStatusCompleted, PayoutStatusFailed},
	PayoutStatusFailed:  {PayoutStatusPending},
}

func (s PayoutStatus) Valid() bool {
	switch s {
	case PayoutStatusPending, PayoutStatusSent, PayoutStatusCompleted, PayoutStatusFailed:
		return true
	}
	return false
}

func (s PayoutStatus) CanTransitionTo(next PayoutStatus) bool {
	for _, allowed := range payoutTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}


// Payout is the commission split of one completed payment.
type Payout struct {
	ID               uuid.UUID       `json:"id"`
	PaymentID        uuid.UUID       `json:"payment_id"`
	TrainerID        uuid.UUID       `json:"trainer_id"`
	CourseID         uuid.UUID       `json:"course_id"`
	GrossAmount      decimal.Decimal `json:"gross_amount"`
	CommissionRate   decimal.Decimal `json:"commission_rate"`
	CommissionAmount decimal.Decimal `json:"commission_amount"`
	NetAmount        decimal.Decimal `json:"net_amount"`
	Currency         string          `json:"currency"`
	Status           PayoutStatus    `json:"status"`
	// Automatic marks a payout the platform sends through the gateway itself.
	Automatic        bool            `json:"automatic"`
	Attempts         int             `json:"attempts"`
	ExternalPayoutID *string         `json:"external_payout_id,omitempty"`
	GatewayResponse  json.RawMessage `json:"-"`
	FailureReason    *string         `json:"failure_reason,omitempty"`
	CreatedAt        time.Time       `json:"created_at"`
	UpdatedAt        time.Time       `json:"updated_at"`
}

func NewPayout(payment *Payment, course Course) *Payout {
	commission, net := course.Split(payment.Amount)
	now := time.Now()
	return &Payout{
		ID:               uuid.New(),
		PaymentID:        payment.ID,
		TrainerID:        course.TrainerID,
		CourseID:         course.ID,
		GrossAmount:      payment.Amount,
		CommissionRate:   course.CommissionRate,
		CommissionAmount: commission,
		NetAmount:        net,
		Currency:         payment.Currency,
		Status:           PayoutStatusPending,
		Attempts:         1,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
}

// CountsAsPaid reports whether the net amount has left, or is leaving, the trainer's withdrawable balance.
// An automatic payout counts from the moment it is created until it fails.
func (p *Payout) CountsAsPaid() bool {
	switch p.Status {
	case PayoutStatusSent, PayoutStatusCompleted:
		return true
	case PayoutStatusPending:
		return p.Automatic || p.ExternalPayoutID != nil
	}
	return false
}

// Reference is the gateway idempotency key of the current attempt.
func (p *Payout) Reference() string {
	return fmt.Sprintf("po_%s_%d", p.ID, p.Attempts)
}

func (p *Payout) transition(next PayoutStatus, now time.Time) error {
	if !p.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "payout", From: string(p.Status), To: string(next)}
	}
	p.Status = next
	p.UpdatedAt = now
	return nil
}

// ApplyGatewayResult records the outcome reported by the gateway for this payout.
func (p *Payout) ApplyGatewayResult(externalID string, status PayoutStatus, raw json.RawMessage, now time.Time) error {
	if status != p.Status {
		if err := p.transition(status, now); err != nil {
			return err
		}
	}
	if externalID != "" {
		p.ExternalPayoutID = &externalID
	}
	if len(raw) > 0 {
		p.GatewayResponse = raw
	}
	if status != PayoutStatusFailed {
		p.FailureReason = nil
	}
	p.UpdatedAt = now
	return nil
}

func (p *Payout) MarkFailed(reason string, now time.Time) error {
	if err := p.transition(PayoutStatusFailed, now); err != nil {
		return err
	}
	p.FailureReason = &reason
	return nil
}

// Reopen puts a failed payout back to pending as a new automatic attempt.
func (p *Payout) Reopen(now time.Time) error {
	if err := p.transition(PayoutStatusPending, now); err != nil {
		return err
	}
	p.Automatic = true
	p.Attempts++
	p.ExternalPayoutID = nil
	return nil
}
