package settlement

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Fuonder/formapay/internal/locker"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const paymentColumns = `id, payer_id, course_id, amount, currency, status, external_transaction_id, external_status,
	gateway_response, payment_url, completed_at, created_at, updated_at`

const payoutColumns = `id, payment_id, trainer_id, course_id, gross_amount, commission_rate, commission_amount,
	net_amount, currency, status, automatic, attempts, external_payout_id, gateway_response, failure_reason,
	created_at, updated_at`

const (
	InsertPaymentQuery = `
		INSERT INTO payments (` + paymentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13);`
	UpdatePaymentQuery = `
		UPDATE payments
		SET status = $2, external_transaction_id = $3, external_status = $4, gateway_response = $5,
		    payment_url = $6, completed_at = $7, updated_at = $8
		WHERE id = $1;`
	GetPaymentQuery         = `SELECT ` + paymentColumns + ` FROM payments WHERE id = $1;`
	GetPaymentByTxLockQuery = `SELECT ` + paymentColumns + ` FROM payments WHERE external_transaction_id = $1 FOR UPDATE;`
	ListStalePendingQuery   = `
		SELECT ` + paymentColumns + ` FROM payments
		WHERE status = 'pending' AND external_transaction_id IS NOT NULL AND updated_at < $1
		ORDER BY updated_at
		LIMIT $2;`

	InsertPayoutQuery = `
		INSERT INTO payouts (` + payoutColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		ON CONFLICT (payment_id) DO NOTHING;`
	UpdatePayoutQuery = `
		UPDATE payouts
		SET status = $2, automatic = $3, attempts = $4, external_payout_id = $5, gateway_response = $6,
		    failure_reason = $7, updated_at = $8
		WHERE id = $1;`
	GetPayoutQuery          = `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1;`
	GetPayoutLockQuery      = `SELECT ` + payoutColumns + ` FROM payouts WHERE id = $1 FOR UPDATE;`
	GetPayoutByPaymentQuery = `SELECT ` + payoutColumns + ` FROM payouts WHERE payment_id = $1;`
	GetPayoutByExtLockQuery = `SELECT ` + payoutColumns + ` FROM payouts WHERE external_payout_id = $1 FOR UPDATE;`
	LockTrainerQuery        = `SELECT pg_advisory_xact_lock(hashtext($1));`
)

type DatabaseSettlement interface {
	LockTrainer(ctx context.Context, trainerID uuid.UUID) error

	InsertPayment(ctx context.Context, p *models.Payment) error
	UpdatePayment(ctx context.Context, p *models.Payment) error
	GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error)
	GetPaymentByTransactionForUpdate(ctx context.Context, transactionID string) (*models.Payment, error)
	ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Payment, error)

	// InsertPayout reports false when the payment already has a payout.
	InsertPayout(ctx context.Context, po *models.Payout) (bool, error)
	UpdatePayout(ctx context.Context, po *models.Payout) error
	GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (*models.Payout, error)
	GetPayoutByPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payout, error)
	GetPayoutByExternalIDForUpdate(ctx context.Context, externalPayoutID string) (*models.Payout, error)
	ListPayouts(ctx context.Context, status *models.PayoutStatus, limit, offset int) ([]models.Payout, error)
}

type DBSettlement struct {
	db storage.Querier
}

func NewDBSettlement(db storage.Querier) *DBSettlement {
	return &DBSettlement{db: db}
}

func (d *DBSettlement) LockTrainer(ctx context.Context, trainerID uuid.UUID) error {
	if _, err := storage.Conn(ctx, d.db).Exec(ctx, LockTrainerQuery, locker.TrainerKey(trainerID)); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}
	return nil
}

func (d *DBSettlement) InsertPayment(ctx context.Context, p *models.Payment) error {
	_, err := storage.Conn(ctx, d.db).Exec(ctx, InsertPaymentQuery,
		p.ID, p.PayerID, p.CourseID, p.Amount, p.Currency, p.Status, p.ExternalTransactionID, p.ExternalStatus,
		p.GatewayResponse, p.PaymentURL, p.CompletedAt, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert payment: %w", err)
	}
	return nil
}

func (d *DBSettlement) UpdatePayment(ctx context.Context, p *models.Payment) error {
	tag, err := storage.Conn(ctx, d.db).Exec(ctx, UpdatePaymentQuery,
		p.ID, p.Status, p.ExternalTransactionID, p.ExternalStatus, p.GatewayResponse, p.PaymentURL, p.CompletedAt, p.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update payment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (d *DBSettlement) GetPayment(ctx context.Context, id uuid.UUID) (*models.Payment, error) {
	return d.getPayment(ctx, GetPaymentQuery, id)
}

func (d *DBSettlement) GetPaymentByTransactionForUpdate(ctx context.Context, transactionID string) (*models.Payment, error) {
	return d.getPayment(ctx, GetPaymentByTxLockQuery, transactionID)
}

func (d *DBSettlement) getPayment(ctx context.Context, query string, arg any) (*models.Payment, error) {
	p, err := scanPayment(storage.Conn(ctx, d.db).QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get payment: %w", err)
	}
	return p, nil
}

func (d *DBSettlement) ListStalePending(ctx context.Context, updatedBefore time.Time, limit int) ([]models.Payment, error) {
	rows, err := storage.Conn(ctx, d.db).Query(ctx, ListStalePendingQuery, updatedBefore, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query pending payments: %w", err)
	}
	defer rows.Close()

	out := make([]models.Payment, 0)
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

func (d *DBSettlement) InsertPayout(ctx context.Context, po *models.Payout) (bool, error) {
	tag, err := storage.Conn(ctx, d.db).Exec(ctx, InsertPayoutQuery,
		po.ID, po.PaymentID, po.TrainerID, po.CourseID, po.GrossAmount, po.CommissionRate, po.CommissionAmount,
		po.NetAmount, po.Currency, po.Status, po.Automatic, po.Attempts, po.ExternalPayoutID, po.GatewayResponse,
		po.FailureReason, po.CreatedAt, po.UpdatedAt)
	if err != nil {
		return false, fmt.Errorf("insert payout: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (d *DBSettlement) UpdatePayout(ctx context.Context, po *models.Payout) error {
	tag, err := storage.Conn(ctx, d.db).Exec(ctx, UpdatePayoutQuery,
		po.ID, po.Status, po.Automatic, po.Attempts, po.ExternalPayoutID, po.GatewayResponse, po.FailureReason,
		po.UpdatedAt)
	if err != nil {
		return fmt.Errorf("update payout: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return models.ErrNotFound
	}
	return nil
}

func (d *DBSettlement) GetPayout(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return d.getPayout(ctx, GetPayoutQuery, id)
}

func (d *DBSettlement) GetPayoutForUpdate(ctx context.Context, id uuid.UUID) (*models.Payout, error) {
	return d.getPayout(ctx, GetPayoutLockQuery, id)
}

func (d *DBSettlement) GetPayoutByPayment(ctx context.Context, paymentID uuid.UUID) (*models.Payout, error) {
	return d.getPayout(ctx, GetPayoutByPaymentQuery, paymentID)
}

func (d *DBSettlement) GetPayoutByExternalIDForUpdate(ctx context.Context, externalPayoutID string) (*models.Payout, error) {
	return d.getPayout(ctx, GetPayoutByExtLockQuery, externalPayoutID)
}

func (d *DBSettlement) getPayout(ctx context.Context, query string, arg any) (*models.Payout, error) {
	po, err := scanPayout(storage.Conn(ctx, d.db).QueryRow(ctx, query, arg))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, models.ErrNotFound
		}
		return nil, fmt.Errorf("get payout: %w", err)
	}
	return po, nil
}

func (d *DBSettlement) ListPayouts(ctx context.Context, status *models.PayoutStatus, limit, offset int) ([]models.Payout, error) {
	query := `SELECT ` + payoutColumns + ` FROM payouts`
	args := []any{}
	if status != nil {
		args = append(args, *status)
		query += ` WHERE status = $1`
	}
	args = append(args, limit, offset)
	query += fmt.Sprintf(` ORDER BY created_at DESC LIMIT $%d OFFSET $%d;`, len(args)-1, len(args))

	rows, err := storage.Conn(ctx, d.db).Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query payouts: %w", err)
	}
	defer rows.Close()

	out := make([]models.Payout, 0)
	for rows.Next() {
		po, err := scanPayout(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan row: %w", err)
		}
		out = append(out, *po)
	}
	return out, rows.Err()
}

func scanPayment(row pgx.Row) (*models.Payment, error) {
	var p models.Payment
	err := row.Scan(
		&p.ID, &p.PayerID, &p.CourseID, &p.Amount, &p.Currency, &p.Status,
		&p.ExternalTransactionID, &p.ExternalStatus, &p.GatewayResponse, &p.PaymentURL,
		&p.CompletedAt, &p.CreatedAt, &p.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func scanPayout(row pgx.Row) (*models.Payout, error) {
	var po models.Payout
	err := row.Scan(
		&po.ID, &po.PaymentID, &po.TrainerID, &po.CourseID, &po.GrossAmount, &po.CommissionRate,
		&po.CommissionAmount, &po.NetAmount, &po.Currency, &po.Status, &po.Automatic, &po.Attempts, &po.ExternalPayoutID,
		&po.GatewayResponse, &po.FailureReason, &po.CreatedAt, &po.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &po, nil
}
