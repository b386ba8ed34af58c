package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/Fuonder/formapay/internal/dbservices"
	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/httpserver"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/reconciler"
	"github.com/Fuonder/formapay/internal/storage/postgres"
	"github.com/Fuonder/formapay/internal/telemetry"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 10 * time.Second

func main() {
	err := parseFlags()
	if err != nil {
		log.Fatal(err)
	}
	if err := logger.Initialize(CliOptions.LogLevel); err != nil {
		panic(fmt.Errorf("method main: %v", err))
	}
	defer func() { _ = logger.Log.Sync() }()
	logger.Log.Info("Flags parsed",
		zap.String("flags", CliOptions.String()))

	logger.Log.Info("Starting service")
	if err = run(); err != nil {
		logger.Log.Fatal("", zap.Error(err))
	}
}

func run() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	shutdownTelemetry, err := telemetry.Setup(ctx, telemetry.Config{
		Endpoint:       CliOptions.OTLPEndpoint,
		ServiceName:    progName,
		ServiceVersion: version,
	})
	if err != nil {
		return err
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if err := shutdownTelemetry(sctx); err != nil {
			logger.Log.Warn("telemetry shutdown", zap.Error(err))
		}
	}()

	rate, err := CliOptions.commissionRate()
	if err != nil {
		return err
	}
	models.DefaultCommissionRate = rate

	DBConn, err := postgres.NewConnection(ctx, CliOptions.DatabaseDSN)
	if err != nil {
		return err
	}
	defer DBConn.Close()

	services, err := dbservices.NewDatabaseServices(ctx, DBConn.Pool, DBConn, dbservices.Config{
		JWTSecret: []byte(CliOptions.JWTSecret),
		Gateway: gateway.Config{
			BaseURL:       CliOptions.GatewayURL,
			SecretKey:     CliOptions.GatewaySecretKey,
			WebhookSecret: CliOptions.GatewayWebhookSecret,
			Timeout:       CliOptions.GatewayTimeout,
			CallbackURL:   CliOptions.CallbackURL,
		},
		Currency:             CliOptions.Currency,
		SettlementAutoPayout: CliOptions.SettlementAutoPayout,
		WithdrawalAutoPayout: CliOptions.WithdrawalAutoPayout,
		ReservePending:       CliOptions.ReservePending,
		RedisAddr:            CliOptions.RedisAddress,
		Reconcile: reconciler.Config{
			Schedule:   CliOptions.ReconcileSchedule,
			StaleAfter: CliOptions.ReconcileStale,
			Workers:    CliOptions.ReconcileWorkers,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		if err := services.Close(); err != nil {
			logger.Log.Warn("services close", zap.Error(err))
		}
	}()

	service, err := httpserver.NewService(CliOptions.APIAddress.String(), services, CliOptions.RedirectURL)
	if err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return service.Run()
	})

	g.Go(func() error {
		return services.Reconciler.Run(gctx)
	})

	g.Go(func() error {
		<-gctx.Done()
		sctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return service.Shutdown(sctx)
	})

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		logger.Log.Debug("exit with error", zap.Error(err))
		return err
	}
	logger.Log.Info("Service stopped")
	return nil
}
