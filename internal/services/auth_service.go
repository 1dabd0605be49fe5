package services

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/samblam/edgemesh/internal/models"
)

const tokenIssuer = "edgemesh"

var (
	ErrInvalidToken  = errors.New("invalid or expired token")
	ErrUserDisabled  = errors.New("user disabled")
	ErrMissingSecret = errors.New("jwt secret not configured")
)

// Claims is the payload of an admin API token.
type Claims struct {
	UserID string      `json:"user_id"`
	Role   models.Role `json:"role"`
	jwt.RegisteredClaims
}

// AuthService mints and checks HS256 bearer tokens for the admin API.
type AuthService struct {
	users  *UserService
	secret []byte
	now    func() time.Time
}

// NewAuthService returns an AuthService signing with secret.
func NewAuthService(users *UserService, secret string) *AuthService {
	return &AuthService{users: users, secret: []byte(secret), now: time.Now}
}

// IssueToken mints a token for an existing, active user.
func (s *AuthService) IssueToken(ctx context.Context, userID string, ttl time.Duration) (string, error) {
	if len(s.secret) == 0 {
		return "", ErrMissingSecret
	}
	user, err := s.users.Get(ctx, userID)
	if err != nil {
		return "", err
	}
	if user.Status != models.UserStatusActive {
		return "", ErrUserDisabled
	}
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}

	now := s.now()
	claims := Claims{
		UserID: user.UserID,
		Role:   user.Role,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    tokenIssuer,
			Subject:   user.UserID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token and returns its claims.
func (s *AuthService) ParseToken(raw string) (*Claims, error) {
	if len(s.secret) == 0 {
		return nil, ErrMissingSecret
	}
	claims := &Claims{}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return s.secret, nil
	}, jwt.WithIssuer(tokenIssuer), jwt.WithTimeFunc(s.now))
	if err != nil || !token.Valid {
		return nil, ErrInvalidToken
	}
	if !models.ValidRole(claims.Role) {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
