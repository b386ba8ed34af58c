package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/dbservices"
	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/settlement"
	"github.com/Fuonder/formapay/internal/withdrawals"
	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const (
	// defaultRequestTimeout covers one payout send with the default gateway timeout.
	defaultRequestTimeout = 45 * time.Second
	maxBodySize           = 1 << 20
)

type Handlers struct {
	withdrawalSrv  withdrawals.WithdrawalService
	settlementSrv  settlement.SettlementService
	authSrv        auth.AuthService
	gw             gateway.Gateway
	db             dbservices.Pinger
	validate       *validator.Validate
	redirectURL    string
	requestTimeout time.Duration
}

// NewHandlers builds the handlers. redirectURL, when set, is where payment callbacks send the browser.
func NewHandlers(srv *dbservices.DatabaseServices, redirectURL string) *Handlers {
	timeout := srv.RequestTimeout
	if timeout <= 0 {
		timeout = defaultRequestTimeout
	}
	return &Handlers{
		withdrawalSrv:  srv.WithdrawalSrv,
		settlementSrv:  srv.SettlementSrv,
		authSrv:        srv.AuthSrv,
		gw:             srv.Gateway,
		db:             srv.DB,
		validate:       validator.New(validator.WithRequiredStructEnabled()),
		redirectURL:    redirectURL,
		requestTimeout: timeout,
	}
}

type createWithdrawalBody struct {
	Amount  decimal.Decimal `json:"amount"`
	Phone   string          `json:"phone_number" validate:"max=32"`
	Country string          `json:"country" validate:"omitempty,len=2,alpha"`
}

type notesBody struct {
	Notes string `json:"notes" validate:"max=1000"`
}

type reasonBody struct {
	Reason string `json:"reason" validate:"required,max=1000"`
}

type completeBody struct {
	ExternalPayoutID string          `json:"external_payout_id" validate:"required,max=128"`
	GatewayResponse  json.RawMessage `json:"gateway_response,omitempty"`
}

type initiatePaymentBody struct {
	CourseID string `json:"course_id" validate:"required,uuid"`
	Phone    string `json:"phone_number" validate:"required,max=32"`
	Country  string `json:"country" validate:"required,len=2,alpha"`
}

func (h Handlers) HealthHandler(rw http.ResponseWriter, r *http.Request) {
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			logger.Log.Warn("health check failed", zap.Error(err))
			writeEnvelope(rw, http.StatusServiceUnavailable, envelope{Error: "database unavailable"})
			return
		}
	}
	SendJSON(rw, http.StatusOK, map[string]string{"status": "ok"})
}

func (h Handlers) RequestWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("RequestWithdrawalHandler called")
	caller, err := callerFrom(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	var body createWithdrawalBody
	if err := h.decode(r, &body, false); err != nil {
		SendError(rw, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	w, err := h.withdrawalSrv.Create(ctx, caller, withdrawals.CreateRequest{
		Amount:  body.Amount,
		Phone:   body.Phone,
		Country: body.Country,
	})
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusCreated, w)
}

func (h Handlers) CancelWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("CancelWithdrawalHandler called")
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		return h.withdrawalSrv.Cancel(ctx, caller, id)
	})
}

func (h Handlers) GetWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("GetWithdrawalHandler called")
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		return h.withdrawalSrv.Get(ctx, caller, id)
	})
}

func (h Handlers) BalanceHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("BalanceHandler called")
	caller, err := callerFrom(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	b, err := h.withdrawalSrv.Balance(ctx, caller)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusOK, b)
}

func (h Handlers) HistoryHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("HistoryHandler called")
	caller, err := callerFrom(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	list, err := h.withdrawalSrv.History(ctx, caller)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusOK, list)
}

func (h Handlers) ListWithdrawalsHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("ListWithdrawalsHandler called")
	caller, err := callerFrom(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	filter := models.WithdrawalFilter{Limit: limit, Offset: offset}
	if s := r.URL.Query().Get("status"); s != "" {
		status := models.WithdrawalStatus(s)
		filter.Status = &status
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	list, err := h.withdrawalSrv.List(ctx, caller, filter)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusOK, list)
}

func (h Handlers) ApproveWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("ApproveWithdrawalHandler called")
	var body notesBody
	if err := h.decode(r, &body, true); err != nil {
		SendError(rw, r, err)
		return
	}
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		return h.withdrawalSrv.Approve(ctx, caller, id, body.Notes)
	})
}

func (h Handlers) RejectWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("RejectWithdrawalHandler called")
	var body reasonBody
	if err := h.decode(r, &body, false); err != nil {
		SendError(rw, r, err)
		return
	}
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		return h.withdrawalSrv.Reject(ctx, caller, id, body.Reason)
	})
}

func (h Handlers) CompleteWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("CompleteWithdrawalHandler called")
	var body completeBody
	if err := h.decode(r, &body, false); err != nil {
		SendError(rw, r, err)
		return
	}
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		return h.withdrawalSrv.Complete(ctx, caller, id, withdrawals.CompleteRequest{
			ExternalPayoutID: body.ExternalPayoutID,
			Response:         body.GatewayResponse,
		})
	})
}

func (h Handlers) FailWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("FailWithdrawalHandler called")
	var body reasonBody
	if err := h.decode(r, &body, false); err != nil {
		SendError(rw, r, err)
		return
	}
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		return h.withdrawalSrv.Fail(ctx, caller, id, body.Reason)
	})
}

func (h Handlers) DeleteWithdrawalHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("DeleteWithdrawalHandler called")
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		if err := h.withdrawalSrv.Delete(ctx, caller, id); err != nil {
			return nil, err
		}
		return map[string]string{"id": id.String()}, nil
	})
}

func (h Handlers) idAction(rw http.ResponseWriter, r *http.Request, fn func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error)) {
	caller, err := callerFrom(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	id, err := pathID(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	out, err := fn(ctx, caller, id)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusOK, out)
}

func (h Handlers) ListPayoutsHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("ListPayoutsHandler called")
	caller, err := callerFrom(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	limit, offset, err := pagination(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	var status *models.PayoutStatus
	if s := r.URL.Query().Get("status"); s != "" {
		ps := models.PayoutStatus(s)
		status = &ps
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	list, err := h.settlementSrv.ListPayouts(ctx, caller, status, limit, offset)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusOK, list)
}

func (h Handlers) RetryPayoutHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("RetryPayoutHandler called")
	h.idAction(rw, r, func(ctx context.Context, caller models.Caller, id uuid.UUID) (any, error) {
		return h.settlementSrv.RetryPayout(ctx, caller, id)
	})
}

func (h Handlers) InitiatePaymentHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("InitiatePaymentHandler called")
	caller, err := callerFrom(r)
	if err != nil {
		SendError(rw, r, err)
		return
	}
	var body initiatePaymentBody
	if err := h.decode(r, &body, false); err != nil {
		SendError(rw, r, err)
		return
	}
	courseID, err := uuid.Parse(body.CourseID)
	if err != nil {
		SendError(rw, r, models.Validationf("bad course id"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	p, err := h.settlementSrv.InitiatePayment(ctx, caller, settlement.InitiateRequest{
		CourseID: courseID,
		Phone:    body.Phone,
		Country:  body.Country,
	})
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusCreated, p)
}

// WebhookHandler accepts signed gateway events. Transitions the current state no longer allows
// are acknowledged so the gateway stops redelivering them.
func (h Handlers) WebhookHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("WebhookHandler called")
	body, err := io.ReadAll(http.MaxBytesReader(rw, r.Body, maxBodySize))
	if err != nil {
		SendError(rw, r, models.Validationf("can not read body: %v", err))
		return
	}
	if err := h.gw.VerifyWebhookSignature(r.Header.Get(gateway.SignatureHeader), body); err != nil {
		logger.Log.Warn("webhook rejected", zap.Error(err))
		SendError(rw, r, err)
		return
	}

	var ev gateway.WebhookEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		SendError(rw, r, models.Validationf("bad webhook payload: %v", err))
		return
	}
	logger.Log.Info("webhook received",
		zap.String("event", ev.Name),
		zap.String("entity_id", ev.Entity.ID),
		zap.String("status", ev.Entity.Status))

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()

	var out any
	switch {
	case strings.HasPrefix(ev.Name, "transaction."):
		res, serr := h.settlementSrv.HandleGatewayStatusUpdate(ctx, ev.Entity.ID, ev.Entity.Status, body)
		out, err = res, serr
		if errors.Is(err, models.ErrDuplicateSettlement) {
			err = nil
		}
	case strings.HasPrefix(ev.Name, "payout."):
		out, err = h.payoutUpdate(ctx, ev, body)
	default:
		logger.Log.Info("webhook event ignored", zap.String("event", ev.Name))
		SendJSON(rw, http.StatusOK, map[string]bool{"ignored": true})
		return
	}

	if errors.Is(err, models.ErrInvalidStateTransition) {
		logger.Log.Warn("webhook transition ignored",
			zap.String("event", ev.Name),
			zap.String("entity_id", ev.Entity.ID),
			zap.Error(err))
		SendJSON(rw, http.StatusOK, map[string]bool{"ignored": true})
		return
	}
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusOK, out)
}

// payoutUpdate routes a payout event to the withdrawal it belongs to, or to a sale payout.
func (h Handlers) payoutUpdate(ctx context.Context, ev gateway.WebhookEvent, raw json.RawMessage) (any, error) {
	w, err := h.withdrawalSrv.HandlePayoutUpdate(ctx, ev.Entity.ID, ev.Entity.Status, raw)
	if err == nil {
		return w, nil
	}
	if !errors.Is(err, models.ErrNotFound) {
		return nil, err
	}
	po, err := h.settlementSrv.HandlePayoutUpdate(ctx, ev.Entity.ID, ev.Entity.Status, raw)
	if err != nil {
		return nil, err
	}
	return po, nil
}

func (h Handlers) CallbackHandler(rw http.ResponseWriter, r *http.Request) {
	logger.Log.Debug("CallbackHandler called")
	q := r.URL.Query()
	txID := q.Get("transaction_id")
	rawPaymentID := q.Get("paiement_id")
	if rawPaymentID == "" {
		rawPaymentID = q.Get("payment_id")
	}
	paymentID, err := uuid.Parse(rawPaymentID)
	if err != nil || txID == "" {
		SendError(rw, r, models.Validationf("transaction_id and paiement_id are required"))
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), h.requestTimeout)
	defer cancel()
	res, err := h.settlementSrv.ConfirmCallback(ctx, txID, paymentID)
	if errors.Is(err, models.ErrDuplicateSettlement) {
		err = nil
	}

	if h.redirectURL != "" {
		status := string(res.PaymentStatus)
		if err != nil {
			logger.Log.Warn("payment callback failed", zap.String("payment_id", paymentID.String()), zap.Error(err))
			status = "error"
		}
		v := url.Values{}
		v.Set("payment_id", paymentID.String())
		v.Set("status", status)
		http.Redirect(rw, r, h.redirectURL+"?"+v.Encode(), http.StatusFound)
		return
	}
	if err != nil {
		SendError(rw, r, err)
		return
	}
	SendJSON(rw, http.StatusOK, res)
}

// decode reads a JSON body into dst and validates it. optional accepts an empty body.
func (h Handlers) decode(r *http.Request, dst any, optional bool) error {
	if ct := r.Header.Get("Content-Type"); ct != "" && !strings.HasPrefix(ct, "application/json") {
		return models.Validationf("content type %q is not supported", ct)
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodySize))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		if !(optional && errors.Is(err, io.EOF)) {
			return models.Validationf("bad request body: %v", err)
		}
	}
	if err := h.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) && len(verrs) > 0 {
			fe := verrs[0]
			return models.Validationf("field %s failed %q", strings.ToLower(fe.Field()), fe.Tag())
		}
		return models.Validationf("%v", err)
	}
	return nil
}

func pathID(r *http.Request) (uuid.UUID, error) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		return uuid.Nil, models.Validationf("bad id %q", chi.URLParam(r, "id"))
	}
	return id, nil
}

func pagination(r *http.Request) (limit, offset int, err error) {
	q := r.URL.Query()
	if limit, err = queryInt(q, "limit"); err != nil {
		return 0, 0, err
	}
	if offset, err = queryInt(q, "offset"); err != nil {
		return 0, 0, err
	}
	return limit, offset, nil
}

func queryInt(q url.Values, name string) (int, error) {
	s := q.Get(name)
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be a number", models.ErrValidation, name)
	}
	return n, nil
}
