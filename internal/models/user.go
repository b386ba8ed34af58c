package models

import "github.com/google/uuid"

type Role string

const (
	RoleLearner Role = "learner"
	RoleTrainer Role = "trainer"
	RoleAdmin   Role = "admin"
)

func (r Role) Valid() bool {
	switch r {
	case RoleLearner, RoleTrainer, RoleAdmin:
		return true
	}
	return false
}

// Caller is the authenticated identity behind a request.
type Caller struct {
	ID   uuid.UUID `json:"id"`
	Role Role      `json:"role"`
}

func (c Caller) IsAdmin() bool {
	return c.Role == RoleAdmin
}

type PayoutAccount struct {
	UserID  uuid.UUID `json:"user_id"`
	Phone   string    `json:"phone"`
	Country string    `json:"country"`
}
