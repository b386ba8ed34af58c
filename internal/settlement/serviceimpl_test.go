package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

var rawApproved = json.RawMessage(`{"status":"approved"}`)

func TestSService_InitiatePayment(t *testing.T) {
	ctx := context.Background()

	t.Run("pending payment with gateway transaction", func(t *testing.T) {
		env := newTestEnv(false)
		p := env.initiate(t, "tx_init")

		assert.Equal(t, models.PaymentStatusPending, p.Status)
		require.NotNil(t, p.ExternalTransactionID)
		assert.Equal(t, "tx_init", *p.ExternalTransactionID)
		require.NotNil(t, p.PaymentURL)
		assert.True(t, p.Amount.Equal(dec("10000")))

		stored, err := env.db.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "tx_init", *stored.ExternalTransactionID)
		env.gw.AssertExpectations(t)
	})

	t.Run("gateway error fails the payment", func(t *testing.T) {
		env := newTestEnv(false)
		env.gw.On("CreateTransaction", mock.Anything, mock.Anything).
			Return(nil, fmt.Errorf("%w: status 503", models.ErrGatewayUnavailable)).Once()

		_, err := env.svc.InitiatePayment(ctx, env.learner, InitiateRequest{CourseID: env.course.ID, Phone: "97000001", Country: "BJ"})
		require.ErrorIs(t, err, models.ErrGatewayUnavailable)

		require.Len(t, env.db.payments, 1)
		for _, p := range env.db.payments {
			assert.Equal(t, models.PaymentStatusFailed, p.Status)
		}
	})

	tests := []struct {
		name    string
		caller  func(env *testEnv) models.Caller
		req     func(env *testEnv) InitiateRequest
		prepare func(env *testEnv)
		wantErr error
	}{
		{
			name:    "trainer can not pay",
			caller:  func(env *testEnv) models.Caller { return env.trainer },
			req:     func(env *testEnv) InitiateRequest { return InitiateRequest{CourseID: env.course.ID, Phone: "97000001", Country: "BJ"} },
			wantErr: models.ErrUnauthorized,
		},
		{
			name: "own course",
			caller: func(env *testEnv) models.Caller {
				return models.Caller{ID: env.trainer.ID, Role: models.RoleLearner}
			},
			req:     func(env *testEnv) InitiateRequest { return InitiateRequest{CourseID: env.course.ID, Phone: "97000001", Country: "BJ"} },
			wantErr: models.ErrValidation,
		},
		{
			name:    "unknown course",
			caller:  func(env *testEnv) models.Caller { return env.learner },
			req:     func(env *testEnv) InitiateRequest { return InitiateRequest{CourseID: uuid.New(), Phone: "97000001", Country: "BJ"} },
			wantErr: models.ErrNotFound,
		},
		{
			name:    "bad phone",
			caller:  func(env *testEnv) models.Caller { return env.learner },
			req:     func(env *testEnv) InitiateRequest { return InitiateRequest{CourseID: env.course.ID, Phone: "12", Country: "BJ"} },
			wantErr: models.ErrValidation,
		},
		{
			name:   "already enrolled",
			caller: func(env *testEnv) models.Caller { return env.learner },
			req:    func(env *testEnv) InitiateRequest { return InitiateRequest{CourseID: env.course.ID, Phone: "97000001", Country: "BJ"} },
			prepare: func(env *testEnv) {
				_, _ = env.enrollments.EnrollIfAbsent(ctx, env.learner.ID, env.course.ID, uuid.New())
			},
			wantErr: models.ErrValidation,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(false)
			if tt.prepare != nil {
				tt.prepare(env)
			}
			_, err := env.svc.InitiatePayment(ctx, tt.caller(env), tt.req(env))
			assert.ErrorIs(t, err, tt.wantErr)
			env.gw.AssertNotCalled(t, "CreateTransaction", mock.Anything, mock.Anything)
		})
	}
}

func TestSService_SettlesOnce(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(false)
	p := env.initiate(t, "tx_dup")

	res, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_dup", "approved", rawApproved)
	require.NoError(t, err)
	assert.Equal(t, models.OutcomeCompleted, res.Outcome)
	assert.Equal(t, models.PaymentStatusCompleted, res.PaymentStatus)
	assert.Equal(t, p.ID, res.PaymentID)
	assert.True(t, res.EnrollmentCreated)
	require.NotNil(t, res.PayoutID)
	require.NotNil(t, res.PayoutStatus)
	assert.Equal(t, models.PayoutStatusPending, *res.PayoutStatus)

	po, err := env.db.GetPayout(ctx, *res.PayoutID)
	require.NoError(t, err)
	assert.True(t, po.GrossAmount.Equal(dec("10000")))
	assert.True(t, po.CommissionAmount.Equal(dec("1000")))
	assert.True(t, po.NetAmount.Equal(dec("9000")))
	assert.Equal(t, env.trainer.ID, po.TrainerID)

	again, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_dup", "approved", rawApproved)
	require.ErrorIs(t, err, models.ErrDuplicateSettlement)
	assert.True(t, again.Duplicate)
	assert.False(t, again.EnrollmentCreated)
	require.NotNil(t, again.PayoutID)
	assert.Equal(t, *res.PayoutID, *again.PayoutID)

	enrolled, members := env.enrollments.counts()
	assert.Equal(t, 1, enrolled)
	assert.Equal(t, 1, members)
	assert.Equal(t, 1, env.db.payoutCount())
	assert.Equal(t, 1, env.notifier.count(env.learner.ID, models.NotificationPaymentConfirmed))
	assert.Equal(t, 1, env.notifier.count(env.trainer.ID, models.NotificationNewSale))
	env.gw.AssertNotCalled(t, "CreatePayout", mock.Anything, mock.Anything)

	b, err := env.svc.Ledger.GetBalance(ctx, env.trainer.ID)
	require.NoError(t, err)
	assert.True(t, b.Available.Equal(dec("9000")), b.Available.String())
}

func TestSService_ConcurrentDuplicates(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(false)
	env.initiate(t, "tx_race")

	const n = 10
	var (
		wg         sync.WaitGroup
		mu         sync.Mutex
		settled    int
		duplicates int
	)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_race", "transferred", nil)
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				settled++
			case errors.Is(err, models.ErrDuplicateSettlement):
				duplicates++
			default:
				t.Errorf("unexpected error: %v", err)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, settled)
	assert.Equal(t, n-1, duplicates)
	enrolled, _ := env.enrollments.counts()
	assert.Equal(t, 1, enrolled)
	assert.Equal(t, 1, env.db.payoutCount())
}

func TestSService_PayoutFailureKeepsSettlement(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(true)
	p := env.initiate(t, "tx_po")

	var firstRef string
	env.gw.On("CreatePayout", mock.Anything, mock.MatchedBy(func(req gateway.PayoutRequest) bool {
		return req.Amount.Equal(dec("9000")) && req.Phone == "22997000000" && req.Country == "BJ"
	})).Run(func(args mock.Arguments) {
		firstRef = args.Get(1).(gateway.PayoutRequest).Reference
	}).Return(nil, fmt.Errorf("%w: status 503", models.ErrGatewayUnavailable)).Once()

	res, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_po", "approved", rawApproved)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, res.PaymentStatus)
	assert.True(t, res.EnrollmentCreated)
	require.NotNil(t, res.PayoutStatus)
	assert.Equal(t, models.PayoutStatusFailed, *res.PayoutStatus)

	stored, err := env.db.GetPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, stored.Status)

	po, err := env.db.GetPayoutByPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, po.Status)
	require.NotNil(t, po.FailureReason)
	assert.Contains(t, *po.FailureReason, "unavailable")
	assert.Equal(t, 1, env.notifier.count(env.admin.ID, models.NotificationPayoutFailed))

	ok, err := env.enrollments.IsEnrolled(ctx, env.learner.ID, env.course.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	t.Run("retry sends again with a new reference", func(t *testing.T) {
		assert.Equal(t, "po_"+po.ID.String()+"_1", firstRef)
		env.gw.On("CreatePayout", mock.Anything, mock.MatchedBy(func(req gateway.PayoutRequest) bool {
			return req.Reference == "po_"+po.ID.String()+"_2"
		})).Return(&gateway.PayoutResult{ID: "ext_po_1", Status: "started"}, nil).Once()

		_, err := env.svc.RetryPayout(ctx, env.learner, po.ID)
		require.ErrorIs(t, err, models.ErrUnauthorized)

		retried, err := env.svc.RetryPayout(ctx, env.admin, po.ID)
		require.NoError(t, err)
		assert.Equal(t, models.PayoutStatusSent, retried.Status)
		require.NotNil(t, retried.ExternalPayoutID)
		assert.Equal(t, "ext_po_1", *retried.ExternalPayoutID)
		assert.Nil(t, retried.FailureReason)
		assert.Equal(t, 2, retried.Attempts)

		_, err = env.svc.RetryPayout(ctx, env.admin, po.ID)
		assert.ErrorIs(t, err, models.ErrInvalidStateTransition)

		done, err := env.svc.HandlePayoutUpdate(ctx, "ext_po_1", "sent", nil)
		require.NoError(t, err)
		assert.Equal(t, models.PayoutStatusCompleted, done.Status)

		b, err := env.svc.Ledger.GetBalance(ctx, env.trainer.ID)
		require.NoError(t, err)
		assert.True(t, b.AutoPaid.Equal(dec("9000")))
		assert.True(t, b.Available.IsZero())
	})
}

func TestSService_AutoPayoutIsNotWithdrawable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(true)
	env.initiate(t, "tx_accepted")

	env.gw.On("CreatePayout", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		// settled but not yet sent: the share is already on its way
		b, err := env.svc.Ledger.GetBalance(context.Background(), env.trainer.ID)
		require.NoError(t, err)
		assert.True(t, b.NetRevenue.Equal(dec("9000")))
		assert.True(t, b.Available.IsZero(), b.Available.String())
	}).Return(&gateway.PayoutResult{ID: "po_ext", Status: "pending"}, nil).Once()

	res, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_accepted", "approved", nil)
	require.NoError(t, err)
	require.NotNil(t, res.PayoutStatus)
	assert.Equal(t, models.PayoutStatusPending, *res.PayoutStatus)

	check, err := env.svc.Ledger.CanWithdraw(ctx, env.trainer.ID, dec("9000"))
	require.NoError(t, err)
	assert.False(t, check.Allowed)
	assert.True(t, check.Shortfall.Equal(dec("9000")), check.Shortfall.String())

	_, err = env.svc.HandlePayoutUpdate(ctx, "po_ext", "failed", nil)
	require.NoError(t, err)
	check, err = env.svc.Ledger.CanWithdraw(ctx, env.trainer.ID, dec("9000"))
	require.NoError(t, err)
	assert.True(t, check.Allowed, "a failed payout returns to the balance")
}

func TestSService_ManualPayoutStaysWithdrawable(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(false)
	env.initiate(t, "tx_manual")

	_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_manual", "approved", nil)
	require.NoError(t, err)

	check, err := env.svc.Ledger.CanWithdraw(ctx, env.trainer.ID, dec("9000"))
	require.NoError(t, err)
	assert.True(t, check.Allowed)
}

func TestSService_PayoutRecordedAfterRequestDeadline(t *testing.T) {
	env := newTestEnv(true)
	p := env.initiate(t, "tx_slow")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	env.gw.On("CreatePayout", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		gctx := args.Get(0).(context.Context)
		_, hasDeadline := gctx.Deadline()
		assert.True(t, hasDeadline)
		// the webhook request gives up while the gateway is still busy
		cancel()
		assert.NoError(t, gctx.Err())
	}).Return(nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, context.DeadlineExceeded)).Once()

	res, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_slow", "approved", nil)
	require.NoError(t, err)
	require.NotNil(t, res.PayoutStatus)
	assert.Equal(t, models.PayoutStatusFailed, *res.PayoutStatus)

	po, err := env.db.GetPayoutByPayment(context.Background(), p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, po.Status)
	require.NotNil(t, po.FailureReason)
	assert.Contains(t, *po.FailureReason, "deadline exceeded")

	env.gw.On("CreatePayout", mock.Anything, mock.Anything).
		Return(&gateway.PayoutResult{ID: "po_ext_slow", Status: "started"}, nil).Once()
	retried, err := env.svc.RetryPayout(context.Background(), env.admin, po.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusSent, retried.Status)
}

func TestSService_RetryPayoutRechecksBalance(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(true)
	p := env.initiate(t, "tx_retry")
	env.gw.On("CreatePayout", mock.Anything, mock.Anything).
		Return(nil, errors.New("connection reset")).Once()

	_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_retry", "approved", nil)
	require.NoError(t, err)
	po, err := env.db.GetPayoutByPayment(ctx, p.ID)
	require.NoError(t, err)
	require.Equal(t, models.PayoutStatusFailed, po.Status)

	// the trainer withdrew part of the share manually in the meantime
	env.ledger.withdrawn = dec("5000")

	_, err = env.svc.RetryPayout(ctx, env.admin, po.ID)
	var ibe *models.InsufficientBalanceError
	require.ErrorAs(t, err, &ibe)
	assert.True(t, ibe.Shortfall.Equal(dec("5000")), ibe.Shortfall.String())

	still, err := env.db.GetPayout(ctx, po.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, still.Status)
	env.gw.AssertNumberOfCalls(t, "CreatePayout", 1)
}

func TestSService_GatewayStatuses(t *testing.T) {
	ctx := context.Background()

	t.Run("pending keeps payment pending", func(t *testing.T) {
		env := newTestEnv(false)
		p := env.initiate(t, "tx_pending")

		res, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_pending", "PENDING", nil)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomePending, res.Outcome)
		assert.Equal(t, models.PaymentStatusPending, res.PaymentStatus)
		assert.Nil(t, res.PayoutID)

		stored, err := env.db.GetPayment(ctx, p.ID)
		require.NoError(t, err)
		assert.Equal(t, "PENDING", *stored.ExternalStatus)
		assert.Equal(t, 0, env.db.payoutCount())
	})

	t.Run("declined fails payment", func(t *testing.T) {
		env := newTestEnv(false)
		p := env.initiate(t, "tx_declined")

		res, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_declined", "declined", nil)
		require.NoError(t, err)
		assert.Equal(t, models.PaymentStatusFailed, res.PaymentStatus)

		ok, err := env.enrollments.IsEnrolled(ctx, env.learner.ID, p.CourseID)
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, 0, env.db.payoutCount())
	})

	t.Run("refund after completion is ignored", func(t *testing.T) {
		env := newTestEnv(false)
		env.initiate(t, "tx_refund")
		_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_refund", "approved", nil)
		require.NoError(t, err)

		res, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_refund", "refunded", nil)
		require.NoError(t, err)
		assert.Equal(t, models.OutcomeFailed, res.Outcome)
		assert.Equal(t, models.PaymentStatusCompleted, res.PaymentStatus)
		assert.NotNil(t, res.PayoutID)
	})

	t.Run("unknown status", func(t *testing.T) {
		env := newTestEnv(false)
		env.initiate(t, "tx_unknown")
		_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_unknown", "teleported", nil)
		assert.ErrorIs(t, err, models.ErrValidation)
	})

	t.Run("unknown transaction", func(t *testing.T) {
		env := newTestEnv(false)
		_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_missing", "approved", nil)
		assert.ErrorIs(t, err, models.ErrNotFound)
	})
}

func TestSService_ConfirmCallback(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(false)
	p := env.initiate(t, "tx_cb")

	_, err := env.svc.ConfirmCallback(ctx, "tx_other", p.ID)
	require.ErrorIs(t, err, models.ErrNotFound)

	env.gw.On("GetTransactionStatus", mock.Anything, "tx_cb").
		Return(&gateway.Transaction{ID: "tx_cb", Status: "approved", Raw: rawApproved}, nil).Once()

	res, err := env.svc.ConfirmCallback(ctx, "tx_cb", p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PaymentStatusCompleted, res.PaymentStatus)
	assert.True(t, res.EnrollmentCreated)
	env.gw.AssertExpectations(t)
}

func TestSService_HandlePayoutUpdateFailure(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(true)
	p := env.initiate(t, "tx_late_fail")
	env.gw.On("CreatePayout", mock.Anything, mock.Anything).
		Return(&gateway.PayoutResult{ID: "ext_late", Status: "pending"}, nil).Once()

	_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_late_fail", "approved", nil)
	require.NoError(t, err)
	po, err := env.db.GetPayoutByPayment(ctx, p.ID)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusPending, po.Status)
	assert.Equal(t, "ext_late", *po.ExternalPayoutID)

	failed, err := env.svc.HandlePayoutUpdate(ctx, "ext_late", "failed", nil)
	require.NoError(t, err)
	assert.Equal(t, models.PayoutStatusFailed, failed.Status)
	assert.Equal(t, 1, env.notifier.count(env.admin.ID, models.NotificationPayoutFailed))

	_, err = env.svc.HandlePayoutUpdate(ctx, "ext_late", "failed", nil)
	require.NoError(t, err)
	assert.Equal(t, 1, env.notifier.count(env.admin.ID, models.NotificationPayoutFailed))

	_, err = env.svc.HandlePayoutUpdate(ctx, "ext_missing", "sent", nil)
	assert.ErrorIs(t, err, models.ErrNotFound)
}

func TestSService_ListPayouts(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(false)
	env.initiate(t, "tx_list")
	_, err := env.svc.HandleGatewayStatusUpdate(ctx, "tx_list", "approved", nil)
	require.NoError(t, err)

	_, err = env.svc.ListPayouts(ctx, env.trainer, nil, 10, 0)
	require.ErrorIs(t, err, models.ErrUnauthorized)

	all, err := env.svc.ListPayouts(ctx, env.admin, nil, 0, 0)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	failed := models.PayoutStatusFailed
	none, err := env.svc.ListPayouts(ctx, env.admin, &failed, 10, 0)
	require.NoError(t, err)
	assert.Empty(t, none)

	bogus := models.PayoutStatus("lost")
	_, err = env.svc.ListPayouts(ctx, env.admin, &bogus, 10, 0)
	assert.ErrorIs(t, err, models.ErrValidation)
}

func TestSService_PendingPayments(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(false)

	base := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	env.svc.now = func() time.Time { return base }
	stale := env.initiate(t, "tx_stale")

	env.svc.now = func() time.Time { return base.Add(10 * time.Minute) }
	env.initiate(t, "tx_fresh")

	env.svc.now = func() time.Time { return base.Add(12 * time.Minute) }
	pending, err := env.svc.PendingPayments(ctx, 5*time.Minute, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, stale.ID, pending[0].ID)
}
