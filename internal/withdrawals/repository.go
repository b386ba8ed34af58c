package withdrawals

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/Fuonder/formapay/internal/locker"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const withdrawalColumns = `id, trainer_id, amount, balance_snapshot, phone, country, status, admin_notes,
	processed_by, processed_at, external_payout_id, gateway_response, created_at, updated_at`

const (
	LockTrainerQuery      = `SELECT pg_advisory_xact_lock(hashtext($1));`
	InsertWithdrawalQuery = `
		INSERT INTO withdrawal_requests (` + withdrawalColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14);`
	UpdateWithdrawalQuery = `
		UPDATE withdrawal_requests
		SET status = $2, admin_notes = $3, processed_by = $4, processed_at = $5,
		    external_payout_id = $6, gateway_response = $7, updated_at = $8
		WHERE id = $1;`
	DeleteWithdrawalQuery  = `DELETE FROM withdrawal_requests WHERE id = $1;`
	GetWithdrawalQuery     = `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE id = $1;`
	GetWithdrawalLockQuery = `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE id = $1 FOR UPDATE;`
	GetByPayoutLockQuery   = `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE external_payout_id = $1 FOR UPDATE;`
	ListByTrainerQuery     = `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests WHERE trainer_id = $1 ORDER BY created_at DESC;`
)

type DatabaseWithdrawals interface {
	LockTrainer(ctx context.Context, trainerID uuid.UUID) error
	Insert(ctx context.Context, w *models.WithdrawalRequest) error
	Update(ctx context.Context, w *models.WithdrawalRequest) error
	Delete(ctx context.Context, id uuid.UUID) error
	Get(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	GetForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error)
	GetByExternalPayoutIDForUpdate(ctx context.Context, externalPayoutID string) (*models.WithdrawalRequest, error)
	ListByTrainer(ctx context.Context, trainerID uuid.UUID) ([]models.WithdrawalRequest, error)
	List(ctx context.Context, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error)
}

type DBWithdrawals struct {
	db storage.Querier
}

func NewDBWithdrawals(db storage.Querier) *DBWithdrawals {
	return &DBWithdrawals{db: db}
}

// LockTrainer takes a transaction scoped advisory lock. Outside a transaction it is released immediately.
func (d *DBWithdrawals) LockTrainer(ctx context.Context, trainerID uuid.UUID) error {
	if _, err := storage.Conn(ctx, d.db).Exec(ctx, LockTrainerQuery, locker.TrainerKey(trainerID)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (d *DBWithdrawals) Insert(ctx context.Context, w *models.WithdrawalRequest) error {
	_, err := storage.Conn(ctx, d.db).Exec(ctx, InsertWithdrawalQuery,
		w.ID, w.TrainerID, w.Amount, w.BalanceSnapshot, w.Phone, w.Country, w.Status, w.AdminNotes,
		w.ProcessedBy, w.ProcessedAt, w.ExternalPayoutID, w.GatewayResponse, w.CreatedAt, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert withdrawal: %w", err)
	}
	return nil
}

func (d *DBWithdrawals) Update(ctx context.Context, w *models.WithdrawalRequest) error {
	tag, err := storage.Conn(ctx, d.db).Exec(ctx, UpdateWithdrawalQuery,
		w.ID, w.Status, w.AdminNotes, w.ProcessedBy, w.ProcessedAt, w.ExternalPayoutID, w.GatewayResponse, w.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (d *DBWithdrawals) Delete(ctx context.Context, id uuid.UUID) error {
	tag, err := storage.Conn(ctx, d.db).Exec(ctx, DeleteWithdrawalQuery, id)
	if err != nil {
		return fmt.Errorf("delete withdrawal: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (d *DBWithdrawals) Get(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return d.getOne(ctx, GetWithdrawalQuery, id)
}

func (d *DBWithdrawals) GetForUpdate(ctx context.Context, id uuid.UUID) (*models.WithdrawalRequest, error) {
	return d.getOne(ctx, GetWithdrawalLockQuery, id)
}

func (d *DBWithdrawals) GetByExternalPayoutIDForUpdate(ctx context.Context, externalPayoutID string) (*models.WithdrawalRequest, error) {
	return d.getOne(ctx, GetByPayoutLockQuery, externalPayoutID)
}

func (d *DBWithdrawals) getOne(ctx context.Context, query string, arg any) (*models.WithdrawalRequest, error) {
	w, err := scanWithdrawal(storage.Conn(ctx, d.db).QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get withdrawal: %w", err)
	}
	return w, nil
}

func (d *DBWithdrawals) ListByTrainer(ctx context.Context, trainerID uuid.UUID) ([]models.WithdrawalRequest, error) {
	return d.list(ctx, ListByTrainerQuery, trainerID)
}

func (d *DBWithdrawals) List(ctx context.Context, filter models.WithdrawalFilter) ([]models.WithdrawalRequest, error) {
	var (
		where []string
		args  []any
	)
	if filter.Status != nil {
		args = append(args, *filter.Status)
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	query := `SELECT ` + withdrawalColumns + ` FROM withdrawal_requests`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	args = append(args, filter.Limit, filter.Offset)
	query += fmt.Sprintf(" ORDER BY created_at DESC LIMIT $%d OFFSET $%d;", len(args)-1, len(args))
	return d.list(ctx, query, args...)
}

func (d *DBWithdrawals) list(ctx context.Context, query string, args ...any) ([]models.WithdrawalRequest, error) {
	rows, err := storage.Conn(ctx, d.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query withdrawals: %w", err)
	}
	defer rows.Close()

	out := make([]models.WithdrawalRequest, 0)
	for rows.Next() {
		w, err := scanWithdrawal(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *w)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error during rows iteration: %w", err)
	}
	return out, nil
}

func scanWithdrawal(row pgx.Row) (*models.WithdrawalRequest, error) {
	var w models.WithdrawalRequest
	err := row.Scan(
		&w.ID,
		&w.TrainerID,
		&w.Amount,
		&w.BalanceSnapshot,
		&w.Phone,
		&w.Country,
		&w.Status,
		&w.AdminNotes,
		&w.ProcessedBy,
		&w.ProcessedAt,
		&w.ExternalPayoutID,
		&w.GatewayResponse,
		&w.CreatedAt,
		&w.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &w, nil
}
