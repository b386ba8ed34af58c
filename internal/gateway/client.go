package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"
)

const (
	DefaultTimeout = 15 * time.Second

	retryWait    = 200 * time.Millisecond
	retryMaxWait = time.Second
)

// CallBudget is the longest a single gateway call can take with its retry.
func CallBudget(timeout time.Duration) time.Duration {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return 2*timeout + retryMaxWait
}

type Config struct {
	BaseURL       string
	SecretKey     string
	WebhookSecret string
	Timeout       time.Duration
	CallbackURL   string
}

type Client struct {
	http        *resty.Client
	verifier    *SignatureVerifier
	callbackURL string
}

type apiError struct {
	Message string `json:"message"`
}

func NewClient(cfg Config) *Client {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	client := resty.New().
		SetBaseURL(strings.TrimRight(cfg.BaseURL, "/")).
		SetAuthToken(cfg.SecretKey).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		SetTimeout(timeout).
		SetRetryCount(1).
		SetRetryWaitTime(retryWait).
		SetRetryMaxWaitTime(retryMaxWait).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r != nil && r.StatusCode() >= http.StatusInternalServerError
		})

	return &Client{
		http:        client,
		verifier:    NewSignatureVerifier(cfg.WebhookSecret),
		callbackURL: cfg.CallbackURL,
	}
}

func (c *Client) CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error) {
	if req.CallbackURL == "" {
		req.CallbackURL = c.callbackURL
	}
	var tx Transaction
	raw, err := c.do(ctx, http.MethodPost, "/transactions", req.Reference, req, &tx)
	if err != nil {
		return nil, fmt.Errorf("create transaction %s: %w", req.Reference, err)
	}
	tx.Raw = raw
	logger.Log.Info("gateway transaction created",
		zap.String("reference", req.Reference),
		zap.String("transaction_id", tx.ID),
		zap.String("status", tx.Status))
	return &tx, nil
}

func (c *Client) GetTransactionStatus(ctx context.Context, transactionID string) (*Transaction, error) {
	var tx Transaction
	raw, err := c.do(ctx, http.MethodGet, "/transactions/"+transactionID, "", nil, &tx)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", transactionID, err)
	}
	tx.Raw = raw
	return &tx, nil
}

func (c *Client) CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error) {
	var po PayoutResult
	raw, err := c.do(ctx, http.MethodPost, "/payouts", req.Reference, req, &po)
	if err != nil {
		return nil, fmt.Errorf("create payout %s: %w", req.Reference, err)
	}
	po.Raw = raw
	logger.Log.Info("gateway payout created",
		zap.String("reference", req.Reference),
		zap.String("payout_id", po.ID),
		zap.String("status", po.Status),
		zap.String("phone", MaskPhone(req.Phone)))
	return &po, nil
}

func (c *Client) VerifyWebhookSignature(header string, body []byte) error {
	return c.verifier.Verify(header, body)
}

func (c *Client) do(ctx context.Context, method, path, idempotencyKey string, body, out any) (json.RawMessage, error) {
	r := c.http.R().SetContext(ctx)
	if body != nil {
		r.SetBody(body)
	}
	if idempotencyKey != "" {
		r.SetHeader("Idempotency-Key", idempotencyKey)
	}

	resp, err := r.Execute(method, path)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		logger.Log.Warn("gateway unreachable", zap.String("path", path), zap.Error(err))
		return nil, fmt.Errorf("%w: %v", models.ErrGatewayUnavailable, err)
	}

	status := resp.StatusCode()
	switch {
	case status >= http.StatusInternalServerError:
		logger.Log.Warn("gateway server error", zap.String("path", path), zap.Int("status", status))
		return nil, fmt.Errorf("%w: status %d", models.ErrGatewayUnavailable, status)
	case status == http.StatusNotFound:
		return nil, models.ErrNotFound
	case status >= http.StatusBadRequest:
		var apiErr apiError
		_ = json.Unmarshal(resp.Body(), &apiErr)
		return nil, models.Validationf("gateway refused request (status %d): %s", status, apiErr.Message)
	}

	raw := json.RawMessage(resp.Body())
	if out != nil {
		if err := json.Unmarshal(raw, out); err != nil {
			return nil, fmt.Errorf("decode gateway response: %w", err)
		}
	}
	return raw, nil
}
