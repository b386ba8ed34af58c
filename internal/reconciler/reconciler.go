package reconciler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultSchedule   = "@every 1m"
	DefaultStaleAfter = 5 * time.Minute
	DefaultWorkers    = 4
	DefaultBatchSize  = 100
	jobTimeout        = 30 * time.Second
)

// Settlement is the part of the settlement service the reconciler drives.
type Settlement interface {
	PendingPayments(ctx context.Context, olderThan time.Duration, limit int) ([]models.Payment, error)
	HandleGatewayStatusUpdate(ctx context.Context, transactionID, gatewayStatus string, raw json.RawMessage) (models.SettlementResult, error)
}

type Config struct {
	Schedule   string
	StaleAfter time.Duration
	Workers    int
	BatchSize  int
}

// Reconciler polls the gateway for payments whose webhook never arrived.
type Reconciler struct {
	settlement Settlement
	gw         gateway.Gateway
	cfg        Config
	jobs       chan models.Payment

	mu     sync.Mutex
	queued map[uuid.UUID]struct{}
}

func NewReconciler(settlement Settlement, gw gateway.Gateway, cfg Config) *Reconciler {
	if cfg.Schedule == "" {
		cfg.Schedule = DefaultSchedule
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}
	if cfg.Workers <= 0 {
		cfg.Workers = DefaultWorkers
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Reconciler{
		settlement: settlement,
		gw:         gw,
		cfg:        cfg,
		jobs:       make(chan models.Payment, cfg.BatchSize),
		queued:     make(map[uuid.UUID]struct{}),
	}
}

// Run schedules Tick and drains the queue until ctx is done.
func (r *Reconciler) Run(ctx context.Context) error {
	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(r.cfg.Schedule, func() { r.Tick(ctx) }); err != nil {
		return fmt.Errorf("reconcile schedule %q: %w", r.cfg.Schedule, err)
	}
	c.Start()
	logger.Log.Info("reconciler started",
		zap.String("schedule", r.cfg.Schedule),
		zap.Int("workers", r.cfg.Workers))

	g := new(errgroup.Group)
	for i := 0; i < r.cfg.Workers; i++ {
		i := i
		g.Go(func() error {
			r.worker(ctx, i)
			return nil
		})
	}

	<-ctx.Done()
	<-c.Stop().Done()
	close(r.jobs)
	if err := g.Wait(); err != nil {
		return fmt.Errorf("method Run: %w", err)
	}
	logger.Log.Info("reconciler stopped")
	return nil
}

// Tick enqueues stale pending payments. A payment already waiting in the queue is skipped.
func (r *Reconciler) Tick(ctx context.Context) int {
	payments, err := r.settlement.PendingPayments(ctx, r.cfg.StaleAfter, r.cfg.BatchSize)
	if err != nil {
		logger.Log.Error("can not list pending payments", zap.Error(err))
		return 0
	}

	enqueued := 0
	for _, p := range payments {
		if p.ExternalTransactionID == nil || !r.markQueued(p.ID) {
			continue
		}
		select {
		case r.jobs <- p:
			enqueued++
		default:
			r.unmarkQueued(p.ID)
			logger.Log.Warn("reconcile queue full", zap.Int("pending", len(payments)))
			return enqueued
		}
	}
	if enqueued > 0 {
		logger.Log.Info("pending payments enqueued", zap.Int("count", enqueued))
	}
	return enqueued
}

func (r *Reconciler) worker(ctx context.Context, idx int) {
	for p := range r.jobs {
		if ctx.Err() == nil {
			logger.Log.Debug("processing job", zap.Int("worker", idx), zap.String("payment_id", p.ID.String()))
			if err := r.Reconcile(ctx, p); err != nil {
				logger.Log.Error("can not reconcile payment",
					zap.String("payment_id", p.ID.String()),
					zap.Error(err))
			}
		}
		r.unmarkQueued(p.ID)
	}
}

// Reconcile asks the gateway for the current status of p and settles it.
func (r *Reconciler) Reconcile(ctx context.Context, p models.Payment) error {
	if p.ExternalTransactionID == nil {
		return models.Validationf("payment %s has no gateway transaction", p.ID)
	}
	ctx, cancel := context.WithTimeout(ctx, jobTimeout)
	defer cancel()

	tx, err := r.gw.GetTransactionStatus(ctx, *p.ExternalTransactionID)
	if err != nil {
		return err
	}
	res, err := r.settlement.HandleGatewayStatusUpdate(ctx, *p.ExternalTransactionID, tx.Status, tx.Raw)
	if err != nil && !errors.Is(err, models.ErrDuplicateSettlement) {
		return err
	}
	if res.Outcome != models.OutcomePending {
		logger.Log.Info("payment reconciled",
			zap.String("payment_id", p.ID.String()),
			zap.String("transaction_id", *p.ExternalTransactionID),
			zap.String("outcome", string(res.Outcome)))
	}
	return nil
}

func (r *Reconciler) markQueued(id uuid.UUID) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.queued[id]; ok {
		return false
	}
	r.queued[id] = struct{}{}
	return true
}

func (r *Reconciler) unmarkQueued(id uuid.UUID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.queued, id)
}
