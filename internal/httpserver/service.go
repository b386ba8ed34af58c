package httpserver

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/Fuonder/formapay/internal/dbservices"
	"github.com/Fuonder/formapay/internal/logger"
	"go.uber.org/zap"
)

type Service struct {
	apiSrv http.Server
}

func NewService(APIAddr string, srv *dbservices.DatabaseServices, redirectURL string) (*Service, error) {
	h := NewHandlers(srv, redirectURL)
	r := NewRouterObject(*h)
	router, err := r.GetRouter()
	if err != nil {
		return nil, err
	}

	service := &Service{
		apiSrv: http.Server{
			Addr:              APIAddr,
			Handler:           router,
			ReadHeaderTimeout: 5 * time.Second,
			ReadTimeout:       15 * time.Second,
			WriteTimeout:      30 * time.Second,
			IdleTimeout:       60 * time.Second,
		},
	}
	return service, nil
}

// Run blocks until the server stops. A graceful Shutdown is not reported as an error.
func (s *Service) Run() error {
	logger.Log.Info("API Listening at",
		zap.String("Addr", s.apiSrv.Addr))
	if err := s.apiSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Service) Shutdown(ctx context.Context) error {
	logger.Log.Info("API shutting down")
	return s.apiSrv.Shutdown(ctx)
}
