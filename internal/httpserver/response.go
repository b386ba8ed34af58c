package httpserver

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type envelope struct {
	Success   bool             `json:"success"`
	Data      any              `json:"data,omitempty"`
	Error     string           `json:"error,omitempty"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
	Available *decimal.Decimal `json:"available,omitempty"`
}

func SendJSON(rw http.ResponseWriter, status int, data any) {
	writeEnvelope(rw, status, envelope{Success: true, Data: data})
}

// SendError maps err onto a status code. Unclassified errors are logged and hidden from the client.
func SendError(rw http.ResponseWriter, r *http.Request, err error) {
	status := StatusFor(err)
	body := envelope{Error: err.Error()}

	var ibe *models.InsufficientBalanceError
	if errors.As(err, &ibe) {
		body.Shortfall = &ibe.Shortfall
		body.Available = &ibe.Available
	}
	if status == http.StatusInternalServerError {
		logger.Log.Error("request failed",
			zap.String("method", r.Method),
			zap.String("uri", r.RequestURI),
			zap.Error(err))
		body.Error = "internal server error"
	}
	writeEnvelope(rw, status, body)
}

func StatusFor(err error) int {
	switch {
	case errors.Is(err, models.ErrInsufficientBalance):
		return http.StatusPaymentRequired
	case errors.Is(err, models.ErrInvalidStateTransition):
		return http.StatusConflict
	case errors.Is(err, models.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, models.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, models.ErrValidation):
		return http.StatusBadRequest
	case errors.Is(err, models.ErrGatewayUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, models.ErrDuplicateSettlement):
		return http.StatusOK
	case errors.Is(err, models.ErrInvalidSignature), errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	}
	return http.StatusInternalServerError
}

func writeEnvelope(rw http.ResponseWriter, status int, body envelope) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	if err := json.NewEncoder(rw).Encode(body); err != nil {
		logger.Log.Debug("can not write response", zap.Error(err))
	}
}
