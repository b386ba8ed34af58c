package withdrawals

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/ledger"
	"github.com/Fuonder/formapay/internal/locker"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/notifications"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/Fuonder/formapay/internal/users"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
)

const (
	DefaultListLimit = 50
	MaxListLimit     = 200

	gatewayPayoutFailedReason = "payout failed at gateway"
	storeTimeout              = 10 * time.Second
)

type Config struct {
	// AutoPayout sends the transfer through the gateway as soon as a request is approved.
	AutoPayout bool
	Currency   string
	// PayoutTimeout bounds an automatic payout send, independent of the caller's deadline.
	PayoutTimeout time.Duration
}

type Deps struct {
	Conn     DatabaseWithdrawals
	Tx       storage.Transactor
	Ledger   ledger.LedgerService
	Authz    auth.Authorizer
	Locker   locker.Locker
	Gateway  gateway.Gateway
	Notifier notifications.NotificationService
	Users    users.UserService
}

type WService struct {
	Deps
	cfg Config
	now func() time.Time

	requested   metric.Int64Counter
	transitions metric.Int64Counter
}

func NewWService(deps Deps, cfg Config) *WService {
	if cfg.Currency == "" {
		cfg.Currency = models.DefaultCurrency
	}
	if cfg.PayoutTimeout <= 0 {
		cfg.PayoutTimeout = gateway.CallBudget(0) + storeTimeout
	}
	s := &WService{Deps: deps, cfg: cfg, now: time.Now}

	meter := otel.Meter("formapay/withdrawals")
	var err error
	if s.requested, err = meter.Int64Counter("withdrawals.requested",
		metric.WithDescription("withdrawal requests accepted")); err != nil {
		logger.Log.Warn("can not create counter", zap.Error(err))
	}
	if s.transitions, err = meter.Int64Counter("withdrawals.transitions",
		metric.WithDescription("withdrawal status changes")); err != nil {
		logger.Log.Warn("can not create counter", zap.Error(err))
	}
	return s
}

func (s *WService) countTransition(ctx context.Context, status models.WithdrawalStatus) {
	if s.transitions != nil {
		s.transitions.Add(ctx, 1, metric.WithAttributes(attribute.String("status", string(status))))
	}
}

func (s *WService) Create(ctx context.Context, caller models.Caller, req CreateRequest) (*models.WithdrawalRequest, error) {
	ctx, span := otel.Tracer("formapay/withdrawals").Start(ctx, "withdrawals.Create")
	defer span.End()

	if err := s.Authz.RequireRole(caller, models.RoleTrainer); err != nil {
		return nil, err
	}
	if !req.Amount.IsPositive() {
		return nil, models.Validationf("amount must be positive")
	}
	if !req.Amount.Round(2).Equal(req.Amount) {
		return nil, models.Validationf("amount has more than two decimals")
	}
	phone, country, err := s.payoutDestination(ctx, caller.ID, req.Phone, req.Country)
	if err != nil {
		return nil, err
	}

	unlock, err := s.Locker.Lock(ctx, locker.TrainerKey(caller.ID))
	if err != nil {
		return nil, err
	}
	defer unlock()

	var w *models.WithdrawalRequest
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		if err := s.Conn.LockTrainer(ctx, caller.ID); err != nil {
			return err
		}
		check, err := s.Ledger.CanWithdraw(ctx, caller.ID, req.Amount)
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
		w = models.NewWithdrawalRequest(caller.ID, req.Amount, check.Available, phone, country)
		return s.Conn.Insert(ctx, w)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "create failed")
		return nil, err
	}
	span.SetAttributes(attribute.String("withdrawal.id", w.ID.String()))
	if s.requested != nil {
		s.requested.Add(ctx, 1)
	}

	logger.Log.Info("withdrawal requested",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("trainer_id", caller.ID.String()),
		zap.String("amount", w.Amount.String()),
		zap.String("available", w.BalanceSnapshot.String()))

	data := map[string]any{"withdrawal_id": w.ID.String(), "amount": w.Amount.String()}
	s.Notifier.Notify(ctx, caller.ID, models.NotificationWithdrawalRequested, "Withdrawal requested",
		fmt.Sprintf("Your withdrawal of %s %s is awaiting review.", w.Amount.StringFixed(2), s.cfg.Currency),
		"/withdrawals", data)
	s.notifyAdmins(ctx, w, data)
	return w, nil
}

// payoutDestination falls back to the account stored on the trainer profile when no phone is given.
func (s *WService) payoutDestination(ctx context.Context, trainerID uuid.UUID, phone, country string) (string, string, error) {
	if phone == "" {
		acc, err := s.Users.PayoutAccount(ctx, trainerID)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return "", "", models.Validationf("phone number is required")
			}
			return "", "", err
		}
		return acc.Phone, acc.Country, nil
	}
	if country == "" {
		return "", "", models.Validationf("country is required")
	}
	normalized, err := gateway.NormalizePhone(phone, country)
	if err != nil {
		return "", "", err
	}
	return normalized, strings.ToUpper(country), nil
}

func (s *WService) notifyAdmins(ctx context.Context, w *models.WithdrawalRequest, data map[string]any) {
	admins, err := s.Users.AdminIDs(ctx)
	if err != nil {
		logger.Log.Error("can not load admins for notification",
			zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
		return
	}
	for _, id := range admins {
		s.Notifier.Notify(ctx, id, models.NotificationWithdrawalRequested, "New withdrawal request",
			fmt.Sprintf("A trainer requested a withdrawal of %s %s.", w.Amount.StringFixed(2), s.cfg.Currency),
			"/admin/withdrawals", data)
	}
}

// mutate loads the request FOR UPDATE inside a transaction, applies fn and saves the result.
func (s *WService) mutate(ctx context.Context, id uuid.UUID, fn func(ctx context.Context, w *models.WithdrawalRequest) error) (*models.WithdrawalRequest, error) {
	var out *models.WithdrawalRequest
	err := s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		w, err := s.Conn.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if err := fn(ctx, w); err != nil {
			return err
		}
		if err := s.Conn.Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}
	s.countTransition(ctx, out.Status)
	return out, nil
}

func (s *WService) Approve(ctx context.Context, caller models.Caller, id uuid.UUID, notes string) (*models.WithdrawalRequest, error) {
	ctx, span := otel.Tracer("formapay/withdrawals").Start(ctx, "withdrawals.Approve")
	defer span.End()

	if err := s.Authz.RequireAdmin(caller); err != nil {
		return nil, err
	}
	current, err := s.Conn.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	unlock, err := s.Locker.Lock(ctx, locker.TrainerKey(current.TrainerID))
	if err != nil {
		return nil, err
	}
	w, err := s.mutate(ctx, id, func(ctx context.Context, w *models.WithdrawalRequest) error {
		if !w.Status.CanTransitionTo(models.WithdrawalStatusApproved) {
			return &models.TransitionError{Entity: "withdrawal", From: string(w.Status), To: string(models.WithdrawalStatusApproved)}
		}
		if err := s.Conn.LockTrainer(ctx, w.TrainerID); err != nil {
			return err
		}
		if err := s.ensureHeadroom(ctx, w); err != nil {
			return err
		}
		return w.Approve(caller.ID, notes, s.now())
	})
	unlock()
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	logger.Log.Info("withdrawal approved",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("admin_id", caller.ID.String()))
	s.Notifier.Notify(ctx, w.TrainerID, models.NotificationWithdrawalApproved, "Withdrawal approved",
		fmt.Sprintf("Your withdrawal of %s %s was approved.", w.Amount.StringFixed(2), s.cfg.Currency),
		"/withdrawals", map[string]any{"withdrawal_id": w.ID.String()})

	if s.cfg.AutoPayout {
		return s.sendPayout(ctx, w), nil
	}
	return w, nil
}

// ensureHeadroom refuses an approval that would withdraw more than the trainer has earned.
// Pending requests are ignored here whatever the reserve policy, the request itself is one of them.
func (s *WService) ensureHeadroom(ctx context.Context, w *models.WithdrawalRequest) error {
	b, err := s.Ledger.GetBalance(ctx, w.TrainerID)
	if err != nil {
		return err
	}
	headroom := b.NetRevenue.Sub(b.AutoPaid).Sub(b.TotalWithdrawn)
	if w.Amount.GreaterThan(headroom) {
		if headroom.IsNegative() {
			headroom = decimal.Zero
		}
		return &models.InsufficientBalanceError{
			Requested: w.Amount,
			Available: headroom,
			Shortfall: w.Amount.Sub(headroom),
		}
	}
	return nil
}

// sendPayout asks the gateway to transfer an approved request. Gateway errors leave it approved.
func (s *WService) sendPayout(ctx context.Context, w *models.WithdrawalRequest) *models.WithdrawalRequest {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.cfg.PayoutTimeout)
	defer cancel()
	res, err := s.Gateway.CreatePayout(ctx, gateway.PayoutRequest{
		Reference:   "wd_" + w.ID.String(),
		Amount:      w.Amount,
		Currency:    s.cfg.Currency,
		Phone:       w.Phone,
		Country:     w.Country,
		Description: "Trainer withdrawal",
	})
	if err != nil {
		logger.Log.Error("automatic withdrawal payout failed, request stays approved",
			zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
		return w
	}

	outcome, err := gateway.PayoutOutcome(res.Status)
	if err != nil {
		logger.Log.Warn("unknown payout status from gateway",
			zap.String("withdrawal_id", w.ID.String()), zap.String("status", res.Status))
		outcome = models.PayoutStatusPending
	}
	updated, err := s.applyPayoutOutcome(ctx, w.ID, res.ID, outcome, res.Raw)
	if err != nil {
		logger.Log.Error("can not record gateway payout",
			zap.String("withdrawal_id", w.ID.String()),
			zap.String("payout_id", res.ID),
			zap.Error(err))
		return w
	}
	return updated
}

func (s *WService) applyPayoutOutcome(ctx context.Context, id uuid.UUID, externalID string, outcome models.PayoutStatus, raw json.RawMessage) (*models.WithdrawalRequest, error) {
	before := models.WithdrawalStatus("")
	w, err := s.mutate(ctx, id, func(ctx context.Context, w *models.WithdrawalRequest) error {
		before = w.Status
		return applyOutcome(w, externalID, outcome, raw, s.now())
	})
	if err != nil {
		return nil, err
	}
	if before != w.Status {
		s.notifyOutcome(ctx, w)
	}
	return w, nil
}

func applyOutcome(w *models.WithdrawalRequest, externalID string, outcome models.PayoutStatus, raw json.RawMessage, now time.Time) error {
	switch outcome {
	case models.PayoutStatusCompleted:
		if w.Status == models.WithdrawalStatusCompleted {
			return nil
		}
		return w.Complete(nil, externalID, raw, now)
	case models.PayoutStatusFailed:
		if w.Status == models.WithdrawalStatusFailed {
			return nil
		}
		return w.Fail(nil, gatewayPayoutFailedReason, raw, now)
	default:
		w.AttachPayout(externalID, raw, now)
		return nil
	}
}

func (s *WService) notifyOutcome(ctx context.Context, w *models.WithdrawalRequest) {
	data := map[string]any{"withdrawal_id": w.ID.String()}
	switch w.Status {
	case models.WithdrawalStatusCompleted:
		s.Notifier.Notify(ctx, w.TrainerID, models.NotificationWithdrawalCompleted, "Withdrawal sent",
			fmt.Sprintf("%s %s was sent to your mobile money account.", w.Amount.StringFixed(2), s.cfg.Currency),
			"/withdrawals", data)
	case models.WithdrawalStatusFailed:
		reason := ""
		if w.AdminNotes != nil {
			reason = *w.AdminNotes
		}
		data["reason"] = reason
		s.Notifier.Notify(ctx, w.TrainerID, models.NotificationWithdrawalFailed, "Withdrawal failed",
			fmt.Sprintf("Your withdrawal of %s %s could not be sent: %s", w.Amount.StringFixed(2), s.cfg.Currency, reason),
			"/withdrawals", data)
	}
}

func (s *WService) Reject(ctx context.Context, caller models.Caller, id uuid.UUID, reason string) (*models.WithdrawalRequest, error) {
	if err := s.Authz.RequireAdmin(caller); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, models.Validationf("a rejection reason is required")
	}
	w, err := s.mutate(ctx, id, func(ctx context.Context, w *models.WithdrawalRequest) error {
		adminID := caller.ID
		return w.Reject(&adminID, reason, s.now())
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("withdrawal rejected",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("admin_id", caller.ID.String()))
	s.notifyRejected(ctx, w, reason)
	return w, nil
}

func (s *WService) notifyRejected(ctx context.Context, w *models.WithdrawalRequest, reason string) {
	s.Notifier.Notify(ctx, w.TrainerID, models.NotificationWithdrawalRejected, "Withdrawal rejected",
		fmt.Sprintf("Your withdrawal of %s %s was rejected: %s", w.Amount.StringFixed(2), s.cfg.Currency, reason),
		"/withdrawals", map[string]any{"withdrawal_id": w.ID.String(), "reason": reason})
}

func (s *WService) Complete(ctx context.Context, caller models.Caller, id uuid.UUID, req CompleteRequest) (*models.WithdrawalRequest, error) {
	if err := s.Authz.RequireAdmin(caller); err != nil {
		return nil, err
	}
	w, err := s.mutate(ctx, id, func(ctx context.Context, w *models.WithdrawalRequest) error {
		adminID := caller.ID
		return w.Complete(&adminID, req.ExternalPayoutID, req.Response, s.now())
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Info("withdrawal completed",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("admin_id", caller.ID.String()))
	s.notifyOutcome(ctx, w)
	return w, nil
}

func (s *WService) Fail(ctx context.Context, caller models.Caller, id uuid.UUID, reason string) (*models.WithdrawalRequest, error) {
	if err := s.Authz.RequireAdmin(caller); err != nil {
		return nil, err
	}
	if reason == "" {
		return nil, models.Validationf("a failure reason is required")
	}
	w, err := s.mutate(ctx, id, func(ctx context.Context, w *models.WithdrawalRequest) error {
		adminID := caller.ID
		return w.Fail(&adminID, reason, nil, s.now())
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Info("withdrawal marked failed",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("admin_id", caller.ID.String()))
	s.notifyOutcome(ctx, w)
	return w, nil
}

func (s *WService) HandlePayoutUpdate(ctx context.Context, externalPayoutID, gatewayStatus string, raw json.RawMessage) (*models.WithdrawalRequest, error) {
	if externalPayoutID == "" {
		return nil, models.Validationf("payout id is required")
	}
	outcome, err := gateway.PayoutOutcome(gatewayStatus)
	if err != nil {
		return nil, err
	}

	before := models.WithdrawalStatus("")
	var out *models.WithdrawalRequest
	err = s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		w, err := s.Conn.GetByExternalPayoutIDForUpdate(ctx, externalPayoutID)
		if err != nil {
			return err
		}
		before = w.Status
		if err := applyOutcome(w, externalPayoutID, outcome, raw, s.now()); err != nil {
			return err
		}
		if err := s.Conn.Update(ctx, w); err != nil {
			return err
		}
		out = w
		return nil
	})
	if err != nil {
		return nil, err
	}

	logger.Log.Info("withdrawal payout update",
		zap.String("withdrawal_id", out.ID.String()),
		zap.String("payout_id", externalPayoutID),
		zap.String("gateway_status", gatewayStatus),
		zap.String("status", string(out.Status)))
	if before != out.Status {
		s.countTransition(ctx, out.Status)
		s.notifyOutcome(ctx, out)
	}
	return out, nil
}

func (s *WService) Cancel(ctx context.Context, caller models.Caller, id uuid.UUID) (*models.WithdrawalRequest, error) {
	if err := s.Authz.RequireRole(caller, models.RoleTrainer); err != nil {
		return nil, err
	}
	w, err := s.mutate(ctx, id, func(ctx context.Context, w *models.WithdrawalRequest) error {
		if w.TrainerID != caller.ID {
			return fmt.Errorf("%w: withdrawal belongs to another trainer", models.ErrUnauthorized)
		}
		return w.Reject(nil, models.CancelledByTrainerReason, s.now())
	})
	if err != nil {
		return nil, err
	}
	logger.Log.Info("withdrawal cancelled by trainer",
		zap.String("withdrawal_id", w.ID.String()),
		zap.String("trainer_id", caller.ID.String()))
	s.notifyRejected(ctx, w, models.CancelledByTrainerReason)

	admins, err := s.Users.AdminIDs(ctx)
	if err != nil {
		logger.Log.Error("can not load admins for notification",
			zap.String("withdrawal_id", w.ID.String()), zap.Error(err))
		return w, nil
	}
	for _, id := range admins {
		s.Notifier.Notify(ctx, id, models.NotificationWithdrawalCancelled, "Withdrawal cancelled",
			fmt.Sprintf("A trainer cancelled a withdrawal request of %s %s.", w.Amount.StringFixed(2), s.cfg.Currency),
			"/admin/withdrawals", map[string]any{"withdrawal_id": w.ID.String()})
	}
	return w, nil
}

func (s *WService) Delete(ctx context.Context, caller models.Caller, id uuid.UUID) error {
	if err := s.Authz.RequireAdmin(caller); err != nil {
		return err
	}
	err := s.Tx.WithinTx(ctx, func(ctx context.Context) error {
		w, err := s.Conn.GetForUpdate(ctx, id)
		if err != nil {
			return err
		}
		if !w.Deletable() {
			return &models.TransitionError{Entity: "withdrawal", From: string(w.Status), To: "deleted"}
		}
		return s.Conn.Delete(ctx, id)
	})
	if err != nil {
		return err
	}
	logger.Log.Info("withdrawal deleted",
		zap.String("withdrawal_id", id.String()),
		zap.String("admin_id", caller.ID.String()))
	return nil
}

func (s *WService) Get(ctx context.Context, caller models.Caller, id uuid.UUID) (*models.WithdrawalRequest, error) {
	if err := s.Authz.RequireRole(caller, models.RoleTrainer, models.RoleAdmin); err != nil {
		return nil, err
	}
	w, err := s.Conn.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := s.Authz.RequireOwnerOrAdmin(caller, w.TrainerID.String()); err != nil {
		return nil, err
	}
	return w, nil
}

func (s *WService) History(ctx context.Context, caller models.Caller) ([]models.WithdrawalRequest, error) {
	if err := s.Authz.RequireRole(caller, models.RoleTrainer); err != nil {
		return nil, err
	}
	return s.Conn.ListByTrainer(ctx, caller.ID)
}

func (s *WService) List(ctx context.Context, caller models.Caller, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	if err := s.Authz.RequireAdmin(caller); err != nil {
		return nil, err
	}
	if filter.Status != nil && !filter.Status.Valid() {
		return nil, models.Validationf("unknown status %q", *filter.Status)
	}
	if filter.Offset < 0 {
		return nil, models.Validationf("offset must not be negative")
	}
	if filter.Limit <= 0 {
		filter.Limit = DefaultListLimit
	}
	if filter.Limit > MaxListLimit {
		filter.Limit = MaxListLimit
	}
	return s.Conn.List(ctx, filter)
}

func (s *WService) Balance(ctx context.Context, caller models.Caller) (models.Balance, error) {
	if err := s.Authz.RequireRole(caller, models.RoleTrainer); err != nil {
		return models.Balance{}, err
	}
	return s.Ledger.GetBalance(ctx, caller.ID)
}
