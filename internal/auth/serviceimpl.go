package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Fuonder/formapay/internal/logger"
	"github.com/Fuonder/formapay/internal/models"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

var ErrInvalidToken = errors.New("invalid token")

type Claims struct {
	Role models.Role `json:"role"`
	jwt.RegisteredClaims
}

// RoleSource confirms the role stored for a user, so a demoted admin loses access before the token expires.
type RoleSource interface {
	GetRole(ctx context.Context, id uuid.UUID) (models.Role, error)
}

type AService struct {
	secret []byte
	roles  RoleSource
}

func NewAService(secret []byte, roles RoleSource) *AService {
	return &AService{secret: secret, roles: roles}
}

func (a *AService) IssueToken(caller models.Caller, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Role: caller.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   caller.ID.String(),
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AService) ParseCaller(ctx context.Context, tokenString string) (models.Caller, error) {
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return a.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil || !token.Valid {
		return models.Caller{}, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	id, err := uuid.Parse(claims.Subject)
	if err != nil {
		return models.Caller{}, fmt.Errorf("%w: bad subject", ErrInvalidToken)
	}
	if !claims.Role.Valid() {
		return models.Caller{}, fmt.Errorf("%w: bad role %q", ErrInvalidToken, claims.Role)
	}
	caller := models.Caller{ID: id, Role: claims.Role}

	if a.roles != nil {
		role, err := a.roles.GetRole(ctx, id)
		if err != nil {
			if errors.Is(err, models.ErrNotFound) {
				return models.Caller{}, fmt.Errorf("%w: unknown user", ErrInvalidToken)
			}
			return models.Caller{}, err
		}
		if role != caller.Role {
			logger.Log.Info("token role differs from stored role",
				zap.String("user_id", id.String()),
				zap.String("token_role", string(caller.Role)),
				zap.String("role", string(role)))
			caller.Role = role
		}
	}
	return caller, nil
}
