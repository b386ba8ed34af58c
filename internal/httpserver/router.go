package httpserver

import (
	"fmt"

	"github.com/Fuonder/formapay/internal/logger"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type RouterObject struct {
	h        Handlers
	chRouter chi.Router
}

func NewRouterObject(h Handlers) *RouterObject {
	return &RouterObject{h: h, chRouter: chi.NewRouter()}
}

func (r *RouterObject) GetRouter() (chi.Router, error) {
	if r.chRouter == nil {
		return nil, fmt.Errorf("router not initialized")
	}
	logger.Log.Debug("Configuring Router")
	r.chRouter.Use(middleware.RealIP, middleware.Recoverer)

	r.chRouter.Get("/health", logger.HanlderWithLogger(r.h.HealthHandler))

	r.chRouter.Route("/api/withdrawals", func(router chi.Router) {
		router.Use(r.h.AuthMiddleware)
		router.Post("/request", logger.HanlderWithLogger(r.h.RequestWithdrawalHandler))
		router.Post("/{id}/cancel", logger.HanlderWithLogger(r.h.CancelWithdrawalHandler))
		router.Get("/balance", logger.HanlderWithLogger(r.h.BalanceHandler))
		router.Get("/history", logger.HanlderWithLogger(r.h.HistoryHandler))
		router.Get("/{id}", logger.HanlderWithLogger(r.h.GetWithdrawalHandler))
	})

	r.chRouter.Route("/api/admin", func(router chi.Router) {
		router.Use(r.h.AuthMiddleware)
		router.Route("/withdrawals", func(router chi.Router) {
			router.Get("/", logger.HanlderWithLogger(r.h.ListWithdrawalsHandler))
			router.Post("/{id}/approve", logger.HanlderWithLogger(r.h.ApproveWithdrawalHandler))
			router.Post("/{id}/reject", logger.HanlderWithLogger(r.h.RejectWithdrawalHandler))
			router.Post("/{id}/complete", logger.HanlderWithLogger(r.h.CompleteWithdrawalHandler))
			router.Post("/{id}/fail", logger.HanlderWithLogger(r.h.FailWithdrawalHandler))
			router.Delete("/{id}", logger.HanlderWithLogger(r.h.DeleteWithdrawalHandler))
		})
		router.Route("/payouts", func(router chi.Router) {
			router.Get("/", logger.HanlderWithLogger(r.h.ListPayoutsHandler))
			router.Post("/{id}/retry", logger.HanlderWithLogger(r.h.RetryPayoutHandler))
		})
	})

	r.chRouter.Route("/api/payments", func(router chi.Router) {
		router.Post("/webhook", logger.HanlderWithLogger(r.h.WebhookHandler))
		router.Get("/callback", logger.HanlderWithLogger(r.h.CallbackHandler))
		router.With(r.h.AuthMiddleware).Post("/", logger.HanlderWithLogger(r.h.InitiatePaymentHandler))
	})
	logger.Log.Info("Successfully initialized Router")
	return r.chRouter, nil
}
