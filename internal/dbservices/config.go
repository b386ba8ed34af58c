package dbservices

import (
	"context"
	"fmt"
	"time"

	"github.com/Fuonder/formapay/internal/auth"
	"github.com/Fuonder/formapay/internal/courses"
	"github.com/Fuonder/formapay/internal/enrollments"
	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/ledger"
	"github.com/Fuonder/formapay/internal/locker"
	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/notifications"
	"github.com/Fuonder/formapay/internal/reconciler"
	"github.com/Fuonder/formapay/internal/settlement"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/Fuonder/formapay/internal/users"
	"github.com/Fuonder/formapay/internal/withdrawals"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	lockSlack    = 30 * time.Second
	requestSlack = 5 * time.Second
)

// lockTTL outlasts the longest section run under a trainer lock: a payout send
// followed by recording its failure.
func lockTTL(payoutTimeout time.Duration) time.Duration {
	return payoutTimeout + lockSlack
}

type Config struct {
	JWTSecret []byte
	Gateway   gateway.Config
	Currency  string

	SettlementAutoPayout bool
	WithdrawalAutoPayout bool
	ReservePending       bool

	// RedisAddr switches per-trainer locking from in-process to Redis.
	RedisAddr     string
	NotifyTimeout time.Duration
	Reconcile     reconciler.Config
}

// Pinger reports database health.
type Pinger interface {
	Ping(ctx context.Context) error
}

type DatabaseServices struct {
	UserSrv         users.UserService
	CourseSrv       courses.CourseService
	LedgerSrv       ledger.LedgerService
	WithdrawalSrv   withdrawals.WithdrawalService
	SettlementSrv   settlement.SettlementService
	AuthSrv         auth.AuthService
	NotificationSrv *notifications.NService
	Gateway         gateway.Gateway
	Reconciler      *reconciler.Reconciler
	DB              Pinger
	// RequestTimeout is long enough for a handler that waits on a payout send.
	RequestTimeout  time.Duration

	redis *redis.Client
}

func NewDatabaseServices(ctx context.Context, db storage.Querier, tx storage.Transactor, cfg Config) (*DatabaseServices, error) {
	s := &DatabaseServices{}

	// users -> courses -> ledger -> notifications -> withdrawals -> settlement -> auth

	payoutTimeout := settlement.PayoutTimeout(cfg.Gateway.Timeout)
	s.RequestTimeout = payoutTimeout + requestSlack

	lk, err := s.newLocker(ctx, cfg.RedisAddr, lockTTL(payoutTimeout))
	if err != nil {
		return s, err
	}

	s.UserSrv = users.NewUService(users.NewDBUsers(db))
	s.CourseSrv = courses.NewCService(courses.NewDBCourses(db))
	s.LedgerSrv = ledger.NewLService(ledger.NewDBLedger(db), cfg.ReservePending)
	s.NotificationSrv = notifications.NewNService(notifications.NewDBNotifications(db), cfg.NotifyTimeout)
	s.Gateway = gateway.NewClient(cfg.Gateway)
	authz := auth.NewRoleAuthorizer()

	s.WithdrawalSrv = withdrawals.NewWService(withdrawals.Deps{
		Conn:     withdrawals.NewDBWithdrawals(db),
		Tx:       tx,
		Ledger:   s.LedgerSrv,
		Authz:    authz,
		Locker:   lk,
		Gateway:  s.Gateway,
		Notifier: s.NotificationSrv,
		Users:    s.UserSrv,
	}, withdrawals.Config{
		AutoPayout:    cfg.WithdrawalAutoPayout,
		Currency:      cfg.Currency,
		PayoutTimeout: payoutTimeout,
	})

	settlementSrv := settlement.NewSService(settlement.Deps{
		Conn:        settlement.NewDBSettlement(db),
		Tx:          tx,
		Courses:     s.CourseSrv,
		Enrollments: enrollments.NewDBEnrollments(db),
		Users:       s.UserSrv,
		Ledger:      s.LedgerSrv,
		Authz:       authz,
		Locker:      lk,
		Gateway:     s.Gateway,
		Notifier:    s.NotificationSrv,
	}, settlement.Config{
		AutoPayout:    cfg.SettlementAutoPayout,
		Currency:      cfg.Currency,
		PayoutTimeout: payoutTimeout,
	})
	s.SettlementSrv = settlementSrv
	s.Reconciler = reconciler.NewReconciler(settlementSrv, s.Gateway, cfg.Reconcile)

	s.AuthSrv = auth.NewAService(cfg.JWTSecret, s.UserSrv)

	if p, ok := db.(Pinger); ok {
		s.DB = p
	}
	return s, nil
}

func (s *DatabaseServices) newLocker(ctx context.Context, addr string, ttl time.Duration) (locker.Locker, error) {
	if addr == "" {
		logger.Log.Info("using in-process trainer locks")
		return locker.NewKeyedMutex(), nil
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", addr, err)
	}
	s.redis = client
	logger.Log.Info("using redis trainer locks", zap.String("addr", addr), zap.Duration("ttl", ttl))
	return locker.NewRedisLocker(client, ttl), nil
}

// Close waits for in-flight notifications and releases the Redis client.
func (s *DatabaseServices) Close() error {
	if s.NotificationSrv != nil {
		s.NotificationSrv.Wait()
	}
	if s.redis != nil {
		return s.redis.Close()
	}
	return nil
}
