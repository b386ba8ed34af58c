package gateway

import (
	"strings"

	"github.com/Fuonder/formapay/internal/models"
)

const (
	TxStatusApproved    = "approved"
	TxStatusTransferred = "transferred"
	TxStatusPending     = "pending"
	TxStatusDeclined    = "declined"
	TxStatusCanceled    = "canceled"
	TxStatusRefunded    = "refunded"
	TxStatusExpired     = "expired"

	PayoutStatusPending = "pending"
	PayoutStatusStarted = "started"
	PayoutStatusSent    = "sent"
	PayoutStatusFailed  = "failed"
)

var transactionOutcomes = map[string]models.SettlementOutcome{
	TxStatusApproved:    models.OutcomeCompleted,
	TxStatusTransferred: models.OutcomeCompleted,
	TxStatusPending:     models.OutcomePending,
	TxStatusDeclined:    models.OutcomeFailed,
	TxStatusCanceled:    models.OutcomeFailed,
	TxStatusRefunded:    models.OutcomeFailed,
	TxStatusExpired:     models.OutcomeFailed,
}

// "sent" from the provider means the money reached the wallet.
var payoutOutcomes = map[string]models.PayoutStatus{
	PayoutStatusPending: models.PayoutStatusPending,
	PayoutStatusStarted: models.PayoutStatusSent,
	PayoutStatusSent:    models.PayoutStatusCompleted,
	PayoutStatusFailed:  models.PayoutStatusFailed,
}

func normalizeStatus(status string) string {
	return strings.ToLower(strings.TrimSpace(status))
}

// TransactionOutcome maps a provider transaction status to a settlement outcome.
func TransactionOutcome(status string) (models.SettlementOutcome, error) {
	outcome, ok := transactionOutcomes[normalizeStatus(status)]
	if !ok {
		return "", models.Validationf("unknown transaction status %q", status)
	}
	return outcome, nil
}

func PayoutOutcome(status string) (models.PayoutStatus, error) {
	outcome, ok := payoutOutcomes[normalizeStatus(status)]
	if !ok {
		return "", models.Validationf("unknown payout status %q", status)
	}
	return outcome, nil
}

func TransactionStatuses() []string {
	statuses := make([]string, 0, len(transactionOutcomes))
	for s := range transactionOutcomes {
		statuses = append(statuses, s)
	}
	return statuses
}

func PayoutStatuses() []string {
	statuses := make([]string, 0, len(payoutOutcomes))
	for s := range payoutOutcomes {
		statuses = append(statuses, s)
	}
	return statuses
}
