package users

import (
	"context"
	"errors"
	"fmt"

	"github.com/Fuonder/formapay/internal/models"
	"github.com/Fuonder/formapay/internal/storage"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	GetRoleQuery          = `SELECT role FROM users WHERE id = $1 AND is_active;`
	GetAdminIDsQuery      = `SELECT id FROM users WHERE role = 'admin' AND is_active ORDER BY created_at;`
	GetPayoutAccountQuery = `SELECT payout_phone, payout_country FROM users WHERE id = $1;`
)

type DatabaseUsers interface {
	GetRole(ctx context.Context, id uuid.UUID) (models.Role, error)
	GetAdminIDs(ctx context.Context) ([]uuid.UUID, error)
	GetPayoutAccount(ctx context.Context, id uuid.UUID) (models.PayoutAccount, error)
}

type DBUsers struct {
	db storage.Querier
}

func NewDBUsers(db storage.Querier) *DBUsers {
	return &DBUsers{db: db}
}

func (u *DBUsers) GetRole(ctx context.Context, id uuid.UUID) (models.Role, error) {
	var role models.Role
	err := storage.Conn(ctx, u.db).QueryRow(ctx, GetRoleQuery, id).Scan(&role)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", models.ErrNotFound
		}
		return "", fmt.Errorf("get role: %w", err)
	}
	return role, nil
}

func (u *DBUsers) GetAdminIDs(ctx context.Context) ([]uuid.UUID, error) {
	rows, err := storage.Conn(ctx, u.db).Query(ctx, GetAdminIDsQuery)
	if err != nil {
		return nil, fmt.Errorf("failed to query admins: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
	if err != nil {
		return nil, fmt.Errorf("failed to scan admins: %w", err)
	}
	return ids, nil
}

func (u *DBUsers) GetPayoutAccount(ctx context.Context, id uuid.UUID) (models.PayoutAccount, error) {
	acc := models.PayoutAccount{UserID: id}
	var phone, country *string
	err := storage.Conn(ctx, u.db).QueryRow(ctx, GetPayoutAccountQuery, id).Scan(&phone, &country)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return acc, models.ErrNotFound
		}
		return acc, fmt.Errorf("get payout account: %w", err)
	}
	if phone == nil || country == nil {
		return acc, models.Validationf("user %s has no payout account", id)
	}
	acc.Phone, acc.Country = *phone, *country
	return acc, nil
}
