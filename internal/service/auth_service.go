package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/makkenzo/key-fulfillment-service/internal/config"
	"github.com/makkenzo/key-fulfillment-service/internal/ierr"
	"go.uber.org/zap"
)

const RoleAdmin = "admin"

// AdminClaims are carried by operator tokens for the admin API.
type AdminClaims struct {
	Role string `json:"role"`
	jwt.RegisteredClaims
}

type AuthService struct {
	secret []byte
	issuer string
	logger *zap.Logger
}

func NewAuthService(cfg *config.AuthConfig, logger *zap.Logger) (*AuthService, error) {
	if len(cfg.JWTSecret) < 32 {
		return nil, fmt.Errorf("auth.jwtSecret must be at least 32 bytes")
	}
	return &AuthService{
		secret: []byte(cfg.JWTSecret),
		issuer: cfg.Issuer,
		logger: logger.Named("AuthService"),
	}, nil
}

// IssueToken signs an HS256 admin token for subject.
func (s *AuthService) IssueToken(subject string, ttl time.Duration) (string, error) {
	if subject == "" || ttl <= 0 {
		return "", fmt.Errorf("%w: subject and positive ttl are required", ierr.ErrValidation)
	}
	now := time.Now().UTC()
	claims := AdminClaims{
		Role: RoleAdmin,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		s.logger.Error("Failed to sign admin token", zap.Error(err))
		return "", fmt.Errorf("sign token: %w", err)
	}
	s.logger.Info("Admin token issued", zap.String("subject", subject), zap.Duration("ttl", ttl))
	return signed, nil
}

func (s *AuthService) ValidateToken(ctx context.Context, rawToken string) (*AdminClaims, error) {
	s.logger.Debug("Attempting to validate admin token")

	var claims AdminClaims
	_, err := jwt.ParseWithClaims(rawToken, &claims,
		func(t *jwt.Token) (any, error) { return s.secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithIssuer(s.issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		s.logger.Warn("Failed to verify admin token", zap.Error(err))
		if errors.Is(err, jwt.ErrTokenInvalidClaims) {
			return nil, fmt.Errorf("%w: %v", ierr.ErrTokenInvalidClaims, err)
		}
		return nil, fmt.Errorf("%w: %v", ierr.ErrInvalidToken, err)
	}
	if claims.Role != RoleAdmin {
		s.logger.Warn("Token lacks admin role", zap.String("subject", claims.Subject))
		return nil, fmt.Errorf("%w: role %q", ierr.ErrForbidden, claims.Role)
	}

	s.logger.Debug("Admin token validated", zap.String("subject", claims.Subject))
	return &claims, nil
}
