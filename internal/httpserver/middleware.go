package httpserver

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
)

const authCookie = "auth_token"

// AuthMiddleware puts the verified caller into the request context.
func (h Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		logger.Log.Debug("Auth middleware")

		token := bearerToken(r)
		if token == "" {
			SendError(rw, r, fmt.Errorf("%w: missing token", auth.ErrInvalidToken))
			return
		}
		caller, err := h.authSrv.ParseCaller(r.Context(), token)
		if err != nil {
			SendError(rw, r, err)
			return
		}
		next.ServeHTTP(rw, r.WithContext(auth.WithCaller(r.Context(), caller)))
	})
}

func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, token, found := strings.Cut(h, " ")
		if found && strings.EqualFold(scheme, "Bearer") {
			return strings.TrimSpace(token)
		}
		return ""
	}
	if cookie, err := r.Cookie(authCookie); err == nil {
		return cookie.Value
	}
	return ""
}

func callerFrom(r *http.Request) (models.Caller, error) {
	caller, ok := auth.CallerFromContext(r.Context())
	if !ok {
		return models.Caller{}, fmt.Errorf("%w: no caller", auth.ErrInvalidToken)
	}
	return caller, nil
}
