package settlement

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/courses"
	"github.com/Fuonder/formapay/internal/enrollments"
	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/ledger"
	"github.com/Fuonder/formapay/internal/locker"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/notifications"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/Fuonder/formapay/internal/users"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200

	// storeTimeout bounds the database work that records a payout result.
	storeTimeout = 10 * time.Second
)

// PayoutTimeout is how long one payout send may take: the gateway call with its retry
// and recording the result.
func PayoutTimeout(gatewayTimeout time.Duration) time.Duration {
	return gateway.CallBudget(gatewayTimeout) + storeTimeout
}

type Config struct {
	// AutoPayout transfers the trainer share through the gateway right after settlement.
	AutoPayout bool
	Currency   string
	// PayoutTimeout bounds one payout send. It is not tied to the caller's deadline.
	PayoutTimeout time.Duration
}

type Deps struct {
	Conn        DatabaseSettlement
	Tx          storage.Transactor
	Courses     courses.CourseService
	Enrollments enrollments.DatabaseEnrollments
	Users       users.UserService
	Ledger      ledger.LedgerService
	Authz       auth.Authorizer
	Locker      locker.Locker
	Gateway     gateway.Gateway
	Notifier    notifications.NotificationService
}

type SService struct {
	Deps
	cfg Config
	now func() time.Time

	settled       metric.Int64Counter
	duplicates    metric.Int64Counter
	payoutsFailed metric.Int64Counter
}

func NewSService(deps Deps, cfg Config) *SService {
	if cfg.Currency == "" {
		cfg.Currency = models.DefaultCurrency
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = PayoutTimeout(0)
	}
	s := &SService{Deps: deps, cfg: cfg, now: time.Now}

	meter := otel.Meter("formapay/settlement")
	var err error
	if s.settled, err = meter.Int64Counter("settlement.completed"); err != nil {
		logger.Log.Warn("can not create counter", zap.Error(err))
	}
	if s.duplicates, err = meter.Int64Counter("settlement.duplicates"); err != nil {
		logger.Log.Warn("can not create counter", zap.Error(err))
	}
	if s.payoutsFailed, err = meter.Int64Counter("settlement.payouts_failed"); err != nil {
		logger.Log.Warn("can not create counter", zap.Error(err))
	}
	return s
}

func add(ctx context.Context, c metric.Int64Counter) {
	if c != nil {
		c.Add(ctx, 1)
	}
}

func (s *SService) InitiatePayment(ctx context.Context, caller models.Caller, req InitiateRequest) (*models.Payment, error) {
	if err := s.Authz.RequireRole(caller, models.RoleLearner); err != nil {
		return nil, err
	}
	phone, err := gateway.NormalizePhone(req.Phone, req.Country)
	if err != nil {
		return nil, err
	}
	course, err := s.Courses.GetCourse(ctx, req.CourseID)
	if err != nil {
		return nil, err
	}
	if course.TrainerID == caller.ID {
		return nil, models.Validationf("can not buy your own course")
	}
	if !course.Price.IsPositive() {
		return nil, models.Validationf("course %s is free", course.ID)
	}
	enrolled, err := s.Enrollments.IsEnrolled(ctx, caller.ID, course.ID)
	if err != nil {
		return nil, err
	}
	if enrolled {
		return nil, models.Validationf("already enrolled in course %s", course.ID)
	}

	p := models.NewPayment(caller.ID, course, s.cfg.Currency)
	if err := s.Conn.InsertPayment(ctx, p); err != nil {
		return nil, err
	}

	tx, err := s.Gateway.CreateTransaction(ctx, gateway.TransactionRequest{
		Reference:   p.ID.String(),
		Amount:      p.Amount,
		Currency:    p.Currency,
		Description: course.Title,
		Phone:       phone,
		Country:     strings.ToUpper(req.Country),
	})
	if err != nil {
		logger.Log.Error("can not create gateway transaction",
			zap.String("payment_id", p.ID.String()), zap.Error(err))
		if ferr := p.Fail("gateway_error", nil, s.now()); ferr == nil {
			if uerr := s.Conn.UpdatePayment(ctx, p); uerr != nil {
				logger.Log.Error("can not mark payment failed", zap.String("payment_id", p.ID.String()), zap.Error(uerr))
			}
		}
		return nil, err
	}

	p.ExternalTransactionID = &tx.ID
	if tx.PaymentURL != "" {
		p.PaymentURL = &tx.PaymentURL
	}
	p.RecordGatewayStatus(tx.Status, tx.Raw, s.now())
	if err := s.Conn.UpdatePayment(ctx, p); err != nil {
		return nil, err
	}
	logger.Log.Info("payment initiated",
		zap.String("payment_id", p.ID.String()),
		zap.String("transaction_id", tx.ID),
		zap.String("amount", p.Amount.String()))
	return p, nil
}

type settledPayment struct {
	payment     *models.Payment
	course      models.Course
	payout      *models.Payout
	firstTime   bool
	duplicate   bool
	newlyFailed bool
}

func (s *SService) HandleGatewayStatusUpdate(ctx context.Context, transactionID, gatewayStatus string, raw json.RawMessage) (models.SettlementResult, error) {
	ctx, span := otel.Tracer("formapay/settlement").Start(ctx, "settlement.HandleGatewayStatusUpdate",
		trace.WithAttributes(
			attribute.String("transaction.id", transactionID),
			attribute.String("gateway.status", gatewayStatus),
		))
	defer span.End()

	result := models.SettlementResult{TransactionID: transactionID}
	if transactionID == "" {
		return result, models.Validationf("transaction id is required")
	}
	outcome, err := gateway.TransactionOutcome(gatewayStatus)
	if err != nil {
		return result, err
	}
	result.Outcome = outcome

	unlock, err := s.Locker.Lock(ctx, locker.PaymentKey(transactionID))
	if err != nil {
		return result, err
	}
	defer unlock()

	var st settledPayment
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		p, err := s.Conn.GetPaymentByTransactionForUpdate(ctx, transactionID)
		if err != nil {
			return err
		}
		st = settledPayment{payment: p}
		switch outcome {
		case models.OutcomeCompleted:
			return s.complete(ctx, &st, gatewayStatus, raw, &result)
		case models.OutcomeFailed:
			return s.fail(ctx, &st, gatewayStatus, raw)
		default:
			if p.Status != models.PaymentStatusPending {
				return nil
			}
			p.RecordGatewayStatus(gatewayStatus, raw, s.now())
			return s.Conn.UpdatePayment(ctx, p)
		}
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "settlement failed")
		return result, err
	}

	p := st.payment
	result.PaymentID = p.ID
	result.PaymentStatus = p.Status
	if st.payout != nil {
		result.PayoutID = &st.payout.ID
		status := st.payout.Status
		result.PayoutStatus = &status
	}

	if st.duplicate {
		add(ctx, s.duplicates)
		logger.Log.Info("duplicate settlement ignored",
			zap.String("payment_id", p.ID.String()),
			zap.String("transaction_id", transactionID))
		result.Duplicate = true
		return result, models.ErrDuplicateSettlement
	}

	if st.firstTime {
		add(ctx, s.settled)
		logger.Log.Info("payment settled",
			zap.String("payment_id", p.ID.String()),
			zap.String("transaction_id", transactionID),
			zap.String("amount", p.Amount.String()),
			zap.Bool("enrollment_created", result.EnrollmentCreated))
		s.notifySale(ctx, st)

		if s.cfg.AutoPayout && st.payout != nil && st.payout.Status == models.PayoutStatusPending {
			po := s.autoPayout(ctx, st.payout)
			status := po.Status
			result.PayoutStatus = &status
		}
	}
	if st.newlyFailed {
		logger.Log.Info("payment failed",
			zap.String("payment_id", p.ID.String()),
			zap.String("transaction_id", transactionID),
			zap.String("gateway_status", gatewayStatus))
	}
	return result, nil
}

// complete runs the first-completion steps inside the caller's transaction.
func (s *SService) complete(ctx context.Context, st *settledPayment, gatewayStatus string, raw json.RawMessage, result *models.SettlementResult) error {
	p := st.payment
	if err := p.Complete(gatewayStatus, raw, s.now()); err != nil {
		if !errors.Is(err, models.ErrDuplicateSettlement) {
			return err
		}
		st.duplicate = true
		po, err := s.Conn.GetPayoutByPayment(ctx, p.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		st.payout = po
		return nil
	}
	if err := s.Conn.UpdatePayment(ctx, p); err != nil {
		return err
	}

	course, err := s.Courses.GetCourse(ctx, p.CourseID)
	if err != nil {
		return fmt.Errorf("load course %s: %w", p.CourseID, err)
	}
	st.course = course

	created, err := s.Enrollments.EnrollIfAbsent(ctx, p.PayerID, course.ID, p.ID)
	if err != nil {
		return err
	}
	result.EnrollmentCreated = created
	if _, err := s.Enrollments.JoinCommunityIfAbsent(ctx, course.ID, p.PayerID); err != nil {
		return err
	}

	po := models.NewPayout(p, course)
	po.Automatic = s.cfg.AutoPayout
	inserted, err := s.Conn.InsertPayout(ctx, po)
	if err != nil {
		return err
	}
	if !inserted {
		if po, err = s.Conn.GetPayoutByPayment(ctx, p.ID); err != nil {
			return err
		}
	}
	st.payout = po
	st.firstTime = true
	return nil
}

func (s *SService) fail(ctx context.Context, st *settledPayment, gatewayStatus string, raw json.RawMessage) error {
	p := st.payment
	switch p.Status {
	case models.PaymentStatusCompleted:
		logger.Log.Warn("failure status for a completed payment ignored",
			zap.String("payment_id", p.ID.String()),
			zap.String("gateway_status", gatewayStatus))
		po, err := s.Conn.GetPayoutByPayment(ctx, p.ID)
		if err != nil && !errors.Is(err, models.ErrNotFound) {
			return err
		}
		st.payout = po
		return nil
	case models.PaymentStatusPending:
		if err := p.Fail(gatewayStatus, raw, s.now()); err != nil {
			return err
		}
		st.newlyFailed = true
	default:
		p.RecordGatewayStatus(gatewayStatus, raw, s.now())
	}
	return s.Conn.UpdatePayment(ctx, p)
}

func (s *SService) notifySale(ctx context.Context, st settledPayment) {
	p := st.payment
	data := map[string]any{"payment_id": p.ID.String(), "course_id": st.course.ID.String()}
	s.Notifier.Notify(ctx, p.PayerID, models.NotificationPaymentConfirmed, "Payment confirmed",
		fmt.Sprintf("Your payment for %q is confirmed. Enjoy the course!", st.course.Title),
		"/courses/"+st.course.ID.String(), data)

	trainerData := map[string]any{"payment_id": p.ID.String(), "course_id": st.course.ID.String()}
	body := fmt.Sprintf("New sale of %q.", st.course.Title)
	if st.payout != nil {
		trainerData["net_amount"] = st.payout.NetAmount.String()
		body = fmt.Sprintf("New sale of %q: %s %s credited.", st.course.Title, st.payout.NetAmount.StringFixed(2), p.Currency)
	}
	s.Notifier.Notify(ctx, st.course.TrainerID, models.NotificationNewSale, "New sale", body, "/trainer/revenue", trainerData)
}

// detach keeps ctx values but drops its deadline, so a payout handed to the gateway
// is always recorded as sent or failed.
func (s *SService) detach(ctx context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.WithoutCancel(ctx), timeout)
}

// autoPayout sends a freshly settled payout under the trainer lock.
func (s *SService) autoPayout(ctx context.Context, po *models.Payout) *models.Payout {
	ctx, cancel := s.detach(ctx, s.cfg.PayoutTimeout)
	defer cancel()

	unlock, err := s.Locker.Lock(ctx, locker.TrainerKey(po.TrainerID))
	if err != nil {
		return s.recordPayoutFailure(ctx, po, fmt.Sprintf("trainer lock: %v", err))
	}
	defer unlock()
	return s.sendPayout(ctx, po)
}

// sendPayout transfers a pending payout. Failures are recorded on the payout and never reach the payment.
func (s *SService) sendPayout(ctx context.Context, po *models.Payout) *models.Payout {
	acc, err := s.Users.PayoutAccount(ctx, po.TrainerID)
	if err != nil {
		return s.recordPayoutFailure(ctx, po, fmt.Sprintf("no payout account: %v", err))
	}
	res, err := s.Gateway.CreatePayout(ctx, gateway.PayoutRequest{
		Reference:   po.Reference(),
		Amount:      po.NetAmount,
		Currency:    po.Currency,
		Phone:       acc.Phone,
		Country:     acc.Country,
		Description: "Course sale payout",
	})
	if err != nil {
		return s.recordPayoutFailure(ctx, po, err.Error())
	}

	outcome, err := gateway.PayoutOutcome(res.Status)
	if err != nil {
		logger.Log.Warn("unknown payout status from gateway",
			zap.String("payout_id", po.ID.String()), zap.String("status", res.Status))
		outcome = models.PayoutStatusPending
	}
	storeCtx, cancel := s.detach(ctx, storeTimeout)
	defer cancel()
	updated, err := s.updatePayout(storeCtx, po.ID, func(p *models.Payout) error {
		return p.ApplyGatewayResult(res.ID, outcome, res.Raw, s.now())
	})
	if err != nil {
		logger.Log.Error("can not record gateway payout",
			zap.String("payout_id", po.ID.String()),
			zap.String("external_payout_id", res.ID),
			zap.Error(err))
		return po
	}
	if updated.Status == models.PayoutStatusFailed {
		s.notifyPayoutFailed(ctx, updated)
	}
	return updated
}

func (s *SService) recordPayoutFailure(ctx context.Context, po *models.Payout, reason string) *models.Payout {
	logger.Log.Error("payout failed",
		zap.String("payout_id", po.ID.String()),
		zap.String("payment_id", po.PaymentID.String()),
		zap.String("reason", reason))
	ctx, cancel := s.detach(ctx, storeTimeout)
	defer cancel()
	updated, err := s.updatePayout(ctx, po.ID, func(p *models.Payout) error {
		return p.MarkFailed(reason, s.now())
	})
	if err != nil {
		logger.Log.Error("can not mark payout failed", zap.String("payout_id", po.ID.String()), zap.Error(err))
		return po
	}
	s.notifyPayoutFailed(ctx, updated)
	return updated
}

func (s *SService) notifyPayoutFailed(ctx context.Context, po *models.Payout) {
	add(ctx, s.payoutsFailed)
	admins, err := s.Users.AdminIDs(ctx)
	if err != nil {
		logger.Log.Error("can not load admins for notification", zap.Error(err))
		return
	}
	reason := ""
	if po.FailureReason != nil {
		reason = *po.FailureReason
	}
	for _, id := range admins {
		s.Notifier.Notify(ctx, id, models.NotificationPayoutFailed, "Payout failed",
			fmt.Sprintf("Payout of %s %s to a trainer failed: %s", po.NetAmount.StringFixed(2), po.Currency, reason),
			"/admin/payouts", map[string]any{"payout_id": po.ID.String(), "reason": reason})
	}
}

func (s *SService) updatePayout(ctx context.Context, id uuid.UUID, fn func(p *models.Payout) error) (*models.Payout, error) {
	var out *models.Payout
	err := s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		po, err := s.Conn.GetPayoutForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(po); err != nil {
			return err
		}
		if err := s.Conn.UpdatePayout(ctx, po); err != nil {
			return err
		}
		out = po
		return nil
	})
	return out, err
}

func (s *SService) ConfirmCallback(ctx context.Context, transactionID string, paymentID uuid.UUID) (models.SettlementResult, error) {
	result := models.SettlementResult{TransactionID: transactionID, PaymentID: paymentID}
	if transactionID == "" {
		return result, models.Validationf("transaction id is required")
	}
	p, err := s.Conn.GetPayment(ctx, paymentID)
	if err != nil {
		return result, err
	}
	if p.ExternalTransactionID == nil || *p.ExternalTransactionID != transactionID {
		return result, fmt.Errorf("%w: transaction does not match payment", models.ErrNotFound)
	}

	tx, err := s.Gateway.GetTransactionStatus(ctx, transactionID)
	if err != nil {
		return result, err
	}
	return s.HandleGatewayStatusUpdate(ctx, transactionID, tx.Status, tx.Raw)
}

func (s *SService) HandlePayoutUpdate(ctx context.Context, externalPayoutID, gatewayStatus string, raw json.RawMessage) (*models.Payout, error) {
	if externalPayoutID == "" {
		return nil, models.Validationf("payout id is required")
	}
	outcome, err := gateway.PayoutOutcome(gatewayStatus)
	if err != nil {
		return nil, err
	}

	var (
		out    *models.Payout
		before models.PayoutStatus
	)
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		po, err := s.Conn.GetPayoutByExternalIDForUpdate(ctx, externalPayoutID)
		if err != nil {
			return err
		}
		before = po.Status
		if outcome == models.PayoutStatusFailed && po.Status != models.PayoutStatusFailed {
			if err := po.MarkFailed("payout failed at gateway", s.now()); err != nil {
				return err
			}
			if len(raw) > 0 {
				po.GatewayResponse = raw
			}
		} else if err := po.ApplyGatewayResult(externalPayoutID, outcome, raw, s.now()); err != nil {
			return err
		}
		if err := s.Conn.UpdatePayout(ctx, po); err != nil {
			return err
		}
		out = po
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("payout update",
		zap.String("payout_id", out.ID.String()),
		zap.String("external_payout_id", externalPayoutID),
		zap.String("gateway_status", gatewayStatus),
		zap.String("status", string(out.Status)))
	if before != out.Status && out.Status == models.PayoutStatusFailed {
		s.notifyPayoutFailed(ctx, out)
	}
	return out, nil
}

// RetryPayout sends a failed payout again. The trainer could have withdrawn the amount
// meanwhile, so the balance is re-checked under the trainer lock.
func (s *SService) RetryPayout(ctx context.Context, caller models.Caller, payoutID uuid.UUID) (*models.Payout, error) {
	if err := s.Authz.RequireAdmin(caller); err != nil {
		return nil, err
	}
	current, err := s.Conn.GetPayout(ctx, payoutID)
	if err != nil {
		return nil, err
	}

	unlock, err := s.Locker.Lock(ctx, locker.TrainerKey(current.TrainerID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	reopened, err := s.updatePayout(ctx, payoutID, func(po *models.Payout) error {
		if po.Status != models.PayoutStatusFailed {
			return &models.TransitionError{Entity: "payout", From: string(po.Status), To: string(models.PayoutStatusPending)}
		}
		if err := s.Conn.LockTrainer(ctx, po.TrainerID); err != nil {
			return err
		}
		check, err := s.Ledger.CanWithdraw(ctx, po.TrainerID, po.NetAmount)
		if err != nil {
			return err
		}
		if !check.Allowed {
			return &models.InsufficientBalanceError{
				Requested: check.Requested,
				Available: check.Available,
				Shortfall: check.Shortfall,
			}
		}
		return po.Reopen(s.now())
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("retrying payout",
		zap.String("payout_id", payoutID.String()),
		zap.Int("attempt", reopened.Attempts),
		zap.String("admin_id", caller.ID.String()))
	sendCtx, cancel := s.detach(ctx, s.cfg.PayoutTimeout)
	defer cancel()
	return s.sendPayout(sendCtx, reopened), nil
}

func (s *SService) ListPayouts(ctx context.Context, caller models.Caller, status *models.PayoutStatus, limit, offset int) ([]models.Payout, error) {
	if err := s.Authz.RequireAdmin(caller); err != nil {
		return nil, err
	}
	if status != nil && !status.Valid() {
		return nil, models.Validationf("unknown payout status %q", *status)
	}
	if offset < 0 {
		return nil, models.Validationf("offset must not be negative")
	}
	if limit <= 0 {
		limit = DefaultListLimit
	}
	if limit > MaxListLimit {
		limit = MaxListLimit
	}
	return s.Conn.ListPayouts(ctx, status, limit, offset)
}

func (s *SService) PendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error) {
	if limit <= 0 {
		limit = DefaultListLimit
	}
	return s.Conn.ListStalePending(ctx, s.now().Add(-olderThan), limit)
}
