package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

var timeouts = []time.Duration{1 * time.Second, 3 * time.Second, 5 * time.Second}
var maxRetries = len(timeouts)

func isConnectionError(err error) bool {
	var pgErr *pgconn.PgError

	if errors.As(err, &pgErr) {
		state := pgErr.SQLState()
		if strings.HasPrefix(state, "08") {
			return true
		}
	}
	var connErr *pgconn.ConnectError
	return errors.As(err, &connErr)
}

// IsUniqueViolation reports a 23505 error.
func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

type Connection struct {
	Pool *pgxpool.Pool
}

func NewConnection(ctx context.Context, dsn string) (*Connection, error) {
	logger.Log.Info("Connecting to database")
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("can not parse database dsn: %w", err)
	}
	cfg.MaxConns = 20
	cfg.MaxConnLifetime = time.Hour
	cfg.MaxConnIdleTime = 30 * time.Minute
	cfg.HealthCheckPeriod = time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("can not connect with database: %w", err)
	}
	c := &Connection{Pool: pool}

	if err = c.ConnectCtx(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("access to database: %w", err)
	}
	if err = c.MigrateCtx(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("migrate database: %w", err)
	}
	logger.Log.Info("Migration successful")
	return c, nil
}

func (c *Connection) ConnectCtx(ctx context.Context) error {
	var err error
	logger.Log.Info("Checking db accessibility")
	for i := 0; i < maxRetries; i++ {
		err = c.Pool.Ping(ctx)
		if err == nil {
			logger.Log.Info("Access - OK")
			return nil
		}
		if !isConnectionError(err) {
			return fmt.Errorf("can not access database: %w", err)
		}
		logger.Log.Info("can not access database", zap.Error(err))
		logger.Log.Info("retrying after timeout",
			zap.Duration("timeout", timeouts[i]),
			zap.Int("retry-count", i+1))
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(timeouts[i]):
		}
	}
	return fmt.Errorf("can not access database after %d retries: %w", maxRetries, err)
}

func (c *Connection) MigrateCtx(ctx context.Context) error {
	logger.Log.Info("Migrating database")
	return c.WithinTx(ctx, func(ctx context.Context) error {
		_, err := storage.Conn(ctx, c.Pool).Exec(ctx, MigrationQuery)
		return err
	})
}

// WithinTx joins the transaction already carried by ctx or opens a new one.
func (c *Connection) WithinTx(ctx context.Context, fn func(ctx context.Context) error) error {
	if _, ok := storage.TxFromContext(ctx); ok {
		return fn(ctx)
	}
	tx, err := c.Pool.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback(context.Background())
	}()

	if err := fn(storage.WithTx(ctx, tx)); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit tx: %w", err)
	}
	return nil
}

func (c *Connection) Close() {
	logger.Log.Info("Closing database connection gracefully")
	if c.Pool != nil {
		c.Pool.Close()
	}
}
