package httpserver

import (
	"context"
	"encoding/json"
	"time"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/settlement"
	"github.com/Fuonder/formapay/internal/withdrawals"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockWithdrawalService struct {
	mock.Mock
}

func (m *MockWithdrawalService) withdrawal(args mock.Arguments) (*models.WithdrawalRequest, error) {
	w, _ := args.Get(0).(*models.WithdrawalRequest)
	return w, args.Error(1)
}

func (m *MockWithdrawalService) Create(ctx context.Context, caller models.Caller, req withdrawals.CreateRequest) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, caller, req))
}

func (m *MockWithdrawalService) Approve(ctx context.Context, caller models.Caller, id uuid.UUID, notes string) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, caller, id, notes))
}

func (m *MockWithdrawalService) Reject(ctx context.Context, caller models.Caller, id uuid.UUID, reason string) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, caller, id, reason))
}

func (m *MockWithdrawalService) Complete(ctx context.Context, caller models.Caller, id uuid.UUID, req withdrawals.CompleteRequest) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, caller, id, req))
}

func (m *MockWithdrawalService) Fail(ctx context.Context, caller models.Caller, id uuid.UUID, reason string) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, caller, id, reason))
}

func (m *MockWithdrawalService) Cancel(ctx context.Context, caller models.Caller, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, caller, id))
}

func (m *MockWithdrawalService) Delete(ctx context.Context, caller models.Caller, id uuid.UUID) error {
	return m.Called(ctx, caller, id).Error(0)
}

func (m *MockWithdrawalService) HandlePayoutUpdate(ctx context.Context, externalPayoutID, gatewayStatus string, raw json.RawMessage) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, externalPayoutID, gatewayStatus, raw))
}

func (m *MockWithdrawalService) Get(ctx context.Context, caller models.Caller, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return m.withdrawal(m.Called(ctx, caller, id))
}

func (m *MockWithdrawalService) History(ctx context.Context, caller models.Caller) ([]models.WithdrawalRequest, error) {
	args := m.Called(ctx, caller)
	list, _ := args.Get(0).([]models.WithdrawalRequest)
	return list, args.Error(1)
}

func (m *MockWithdrawalService) List(ctx context.Context, caller models.Caller, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	args := m.Called(ctx, caller, filter)
	list, _ := args.Get(0).([]models.WithdrawalRequest)
	return list, args.Error(1)
}

func (m *MockWithdrawalService) Balance(ctx context.Context, caller models.Caller) (models.Balance, error) {
	args := m.Called(ctx, caller)
	b, _ := args.Get(0).(models.Balance)
	return b, args.Error(1)
}

type MockSettlementService struct {
	mock.Mock
}

func (m *MockSettlementService) InitiatePayment(ctx context.Context, caller models.Caller, req settlement.InitiateRequest) (*models.Payment, error) {
	args := m.Called(ctx, caller, req)
	p, _ := args.Get(0).(*models.Payment)
	return p, args.Error(1)
}

func (m *MockSettlementService) HandleGatewayStatusUpdate(ctx context.Context, transactionID, gatewayStatus string, raw json.RawMessage) (models.SettlementResult, error) {
	args := m.Called(ctx, transactionID, gatewayStatus, raw)
	res, _ := args.Get(0).(models.SettlementResult)
	return res, args.Error(1)
}

func (m *MockSettlementService) ConfirmCallback(ctx context.Context, transactionID string, paymentID uuid.UUID) (models.SettlementResult, error) {
	args := m.Called(ctx, transactionID, paymentID)
	res, _ := args.Get(0).(models.SettlementResult)
	return res, args.Error(1)
}

func (m *MockSettlementService) HandlePayoutUpdate(ctx context.Context, externalPayoutID, gatewayStatus string, raw json.RawMessage) (*models.Payout, error) {
	args := m.Called(ctx, externalPayoutID, gatewayStatus, raw)
	po, _ := args.Get(0).(*models.Payout)
	return po, args.Error(1)
}

func (m *MockSettlementService) RetryPayout(ctx context.Context, caller models.Caller, payoutID uuid.UUID) (*models.Payout, error) {
	args := m.Called(ctx, caller, payoutID)
	po, _ := args.Get(0).(*models.Payout)
	return po, args.Error(1)
}

func (m *MockSettlementService) ListPayouts(ctx context.Context, caller models.Caller, status *models.PayoutStatus, limit, offset int) ([]models.Payout, error) {
	args := m.Called(ctx, caller, status, limit, offset)
	list, _ := args.Get(0).([]models.Payout)
	return list, args.Error(1)
}

func (m *MockSettlementService) PendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error) {
	args := m.Called(ctx, olderThan, limit)
	list, _ := args.Get(0).([]models.Payment)
	return list, args.Error(1)
}
