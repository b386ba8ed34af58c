package users

import (
	"context"

	"github.com/Fuonder/formapay/internal/gateway"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/google/uuid"
)

type UService struct {
	conn DatabaseUsers
}

func NewUService(conn DatabaseUsers) *UService {
	return &UService{conn: conn}
}

func (s *UService) GetRole(ctx context.Context, id uuid.UUID) (models.Role, error) {
	return s.conn.GetRole(ctx, id)
}

func (s *UService) AdminIDs(ctx context.Context) ([]uuid.UUID, error) {
	return s.conn.GetAdminIDs(ctx)
}

// PayoutAccount returns the stored mobile-money account with the phone normalised for its country.
func (s *UService) PayoutAccount(ctx context.Context, id uuid.UUID) (models.PayoutAccount, error) {
	acc, err := s.conn.GetPayoutAccount(ctx, id)
	if err != nil {
		return acc, err
	}
	phone, err := gateway.NormalizePhone(acc.Phone, acc.Country)
	if err != nil {
		return acc, err
	}
	acc.Phone = phone
	return acc, nil
}
