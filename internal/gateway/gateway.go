package gateway

import (
	"context"
	"encoding/json"

	"github.com/shopspring/decimal"
)

// Gateway is the mobile-money provider used for collections and transfers.
type Gateway interface {
	CreateTransaction(ctx context.Context, req TransactionRequest) (*Transaction, error)
	GetTransactionStatus(ctx context.Context, transactionID string) (*Transaction, error)
	CreatePayout(ctx context.Context, req PayoutRequest) (*PayoutResult, error)
	VerifyWebhookSignature(header string, body []byte) error
}

type TransactionRequest struct {
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Description string          `json:"description"`
	Phone       string          `json:"phone_number"`
	Country     string          `json:"country"`
	CallbackURL string          `json:"callback_url,omitempty"`
}

type Transaction struct {
	ID         string          `json:"id"`
	Reference  string          `json:"reference"`
	Status     string          `json:"status"`
	PaymentURL string          `json:"payment_url"`
	Raw        json.RawMessage `json:"-"`
}

type PayoutRequest struct {
	Reference   string          `json:"reference"`
	Amount      decimal.Decimal `json:"amount"`
	Currency    string          `json:"currency"`
	Phone       string          `json:"phone_number"`
	Country     string          `json:"country"`
	Description string          `json:"description"`
}

type PayoutResult struct {
	ID        string          `json:"id"`
	Reference string          `json:"reference"`
	Status    string          `json:"status"`
	Raw       json.RawMessage `json:"-"`
}

// WebhookEvent is the body the provider posts to the webhook endpoint.
// Name is "transaction.<status>" or "payout.<status>".
type WebhookEvent struct {
	Name   string `json:"name"`
	Entity struct {
		ID        string `json:"id"`
		Reference string `json:"reference"`
		Status    string `json:"status"`
	} `json:"entity"`
}
