package models

import "github.com/google/uuid"

// SettlementOutcome is the internal reading of a gateway transaction status.
type SettlementOutcome string

const (
	OutcomeCompleted SettlementOutcome = "completed"
	OutcomePending   SettlementOutcome = "pending"
	OutcomeFailed    SettlementOutcome = "failed"
)

type SettlementResult struct {
	PaymentID         uuid.UUID         `json:"payment_id"`
	TransactionID     string            `json:"transaction_id"`
	Outcome           SettlementOutcome `json:"outcome"`
	PaymentStatus     PaymentStatus     `json:"payment_status"`
	EnrollmentCreated bool              `json:"enrollment_created"`
	PayoutID          *uuid.UUID        `json:"payout_id,omitempty"`
	PayoutStatus      *PayoutStatus     `json:"payout_status,omitempty"`
	Duplicate         bool              `json:"duplicate"`
}
