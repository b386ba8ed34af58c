package models

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type WithdrawalStatus string

const (
	WithdrawalStatusPending   WithdrawalStatus = "pending"
	WithdrawalStatusApproved  WithdrawalStatus = "approved"
	WithdrawalStatusRejected  WithdrawalStatus = "rejected"
	WithdrawalStatusCompleted WithdrawalStatus = "completed"
	WithdrawalStatusFailed    WithdrawalStatus = "failed"
)

const CancelledByTrainerReason = "cancelled by trainer"

var withdrawalTransitions = map[WithdrawalStatus][]WithdrawalStatus{
	WithdrawalStatusPending:  {WithdrawalStatusApproved, WithdrawalStatusRejected},
	WithdrawalStatusApproved: {WithdrawalStatusCompleted, WithdrawalStatusFailed},
}

func (s WithdrawalStatus) Valid() bool {
	switch s {
	case WithdrawalStatusPending, WithdrawalStatusApproved, WithdrawalStatusRejected,
		WithdrawalStatusCompleted, WithdrawalStatusFailed:
		return true
	}
	return false
}

func (s WithdrawalStatus) IsTerminal() bool {
	return s.Valid() && len(withdrawalTransitions[s]) == 0
}

func (s WithdrawalStatus) CanTransitionTo(next WithdrawalStatus) bool {
	for _, allowed := range withdrawalTransitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// CountsTowardBalance reports whether requests in this status are subtracted from the available balance.
func (s WithdrawalStatus) CountsTowardBalance() bool {
	return s == WithdrawalStatusApproved || s == WithdrawalStatusCompleted
}

type WithdrawalRequest struct {
	ID               uuid.UUID        `json:"id"`
	TrainerID        uuid.UUID        `json:"trainer_id"`
	Amount           decimal.Decimal  `json:"amount"`
	BalanceSnapshot  decimal.Decimal  `json:"balance_snapshot"`
	Phone            string           `json:"phone"`
	Country          string           `json:"country"`
	Status           WithdrawalStatus `json:"status"`
	AdminNotes       *string          `json:"admin_notes,omitempty"`
	ProcessedBy      *uuid.UUID       `json:"processed_by,omitempty"`
	ProcessedAt      *time.Time       `json:"processed_at,omitempty"`
	ExternalPayoutID *string          `json:"external_payout_id,omitempty"`
	GatewayResponse  json.RawMessage  `json:"-"`
	CreatedAt        time.Time        `json:"created_at"`
	UpdatedAt        time.Time        `json:"updated_at"`
}

func NewWithdrawalRequest(trainerID uuid.UUID, amount, available decimal.Decimal, phone, country string) *WithdrawalRequest {
	now := time.Now()
	return &WithdrawalRequest{
		ID:              uuid.New(),
		TrainerID:       trainerID,
		Amount:          amount,
		BalanceSnapshot: available,
		Phone:           phone,
		Country:         country,
		Status:          WithdrawalStatusPending,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func (w *WithdrawalRequest) transition(next WithdrawalStatus, now time.Time) error {
	if !w.Status.CanTransitionTo(next) {
		return &TransitionError{Entity: "withdrawal", From: string(w.Status), To: string(next)}
	}
	w.Status = next
	w.UpdatedAt = now
	return nil
}

func (w *WithdrawalRequest) process(adminID *uuid.UUID, notes string, now time.Time) {
	if adminID != nil {
		id := *adminID
		w.ProcessedBy = &id
	}
	if notes != "" {
		w.AdminNotes = &notes
	}
	w.ProcessedAt = &now
}

func (w *WithdrawalRequest) Approve(adminID uuid.UUID, notes string, now time.Time) error {
	if err := w.transition(WithdrawalStatusApproved, now); err != nil {
		return err
	}
	w.process(&adminID, notes, now)
	return nil
}

// Reject closes a pending request. processedBy is nil when the trainer cancels it.
func (w *WithdrawalRequest) Reject(processedBy *uuid.UUID, reason string, now time.Time) error {
	if reason == "" {
		return Validationf("a rejection reason is required")
	}
	if err := w.transition(WithdrawalStatusRejected, now); err != nil {
		return err
	}
	w.process(processedBy, reason, now)
	return nil
}

func (w *WithdrawalRequest) Complete(processedBy *uuid.UUID, externalPayoutID string, raw json.RawMessage, now time.Time) error {
	if err := w.transition(WithdrawalStatusCompleted, now); err != nil {
		return err
	}
	w.process(processedBy, "", now)
	w.recordPayout(externalPayoutID, raw)
	return nil
}

func (w *WithdrawalRequest) Fail(processedBy *uuid.UUID, reason string, raw json.RawMessage, now time.Time) error {
	if err := w.transition(WithdrawalStatusFailed, now); err != nil {
		return err
	}
	w.process(processedBy, reason, now)
	w.recordPayout("", raw)
	return nil
}

// AttachPayout stores the gateway transfer started for an approved request without changing its status.
func (w *WithdrawalRequest) AttachPayout(externalPayoutID string, raw json.RawMessage, now time.Time) {
	w.recordPayout(externalPayoutID, raw)
	w.UpdatedAt = now
}

func (w *WithdrawalRequest) recordPayout(externalPayoutID string, raw json.RawMessage) {
	if externalPayoutID != "" {
		w.ExternalPayoutID = &externalPayoutID
	}
	if len(raw) > 0 {
		w.GatewayResponse = raw
	}
}

// Deletable reports whether removing the request leaves every balance total unchanged.
func (w *WithdrawalRequest) Deletable() bool {
	return !w.Status.CountsTowardBalance()
}

type WithdrawalFilter struct {
	Status *WithdrawalStatus
	Limit  int
	Offset int
}
