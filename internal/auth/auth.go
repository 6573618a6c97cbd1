// Package auth issues and validates the bearer tokens guarding the
// admin-only endpoints (spec §5), and bootstraps the single admin
// account from ADMIN_USERNAME/ADMIN_PASSWORD on first boot.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ibbtransit/crowdcast/internal/store"
	"golang.org/x/crypto/bcrypt"
)

var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrInvalidToken       = errors.New("invalid token")
	ErrExpiredToken       = errors.New("token expired")
)

// Claims is the JWT payload for an authenticated admin session.
type Claims struct {
	UserID   string `json:"user_id"`
	Username string `json:"username"`
	jwt.RegisteredClaims
}

// Service issues and validates admin bearer tokens.
type Service struct {
	store       *store.Store
	secretKey   string
	issuer      string
	tokenExpiry time.Duration
}

// New builds a Service from the resolved configuration.
func New(st *store.Store, secretKey, issuer string, tokenExpiry time.Duration) *Service {
	return &Service{store: st, secretKey: secretKey, issuer: issuer, tokenExpiry: tokenExpiry}
}

// Bootstrap creates the single admin account from ADMIN_USERNAME and
// ADMIN_PASSWORD if no accounts exist yet.
func (s *Service) Bootstrap(ctx context.Context, username, password string) error {
	n, err := s.store.CountUsers(ctx)
	if err != nil {
		return fmt.Errorf("count users: %w", err)
	}
	if n > 0 {
		return nil
	}
	if username == "" || password == "" {
		return fmt.Errorf("no admin account exists and ADMIN_USERNAME/ADMIN_PASSWORD are unset")
	}

	hashed, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}
	if _, err := s.store.CreateUser(ctx, username, string(hashed), "admin"); err != nil {
		return fmt.Errorf("create admin user: %w", err)
	}
	return nil
}

// Login verifies username/password and issues a signed access token.
func (s *Service) Login(ctx context.Context, username, password string) (string, error) {
	user, err := s.store.GetUserByUsername(ctx, username)
	if err != nil {
		return "", ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte(password)); err != nil {
		return "", ErrInvalidCredentials
	}
	return s.GenerateToken(user.ID, user.Username)
}

// GenerateToken signs a new access token for userID/username.
func (s *Service) GenerateToken(userID, username string) (string, error) {
	now := time.Now()
	claims := Claims{
		UserID:   userID,
		Username: username,
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    s.issuer,
			Subject:   userID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenExpiry)),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(s.secretKey))
}

// ValidateToken parses and verifies a bearer token, returning its claims.
func (s *Service) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, ErrInvalidToken
		}
		return []byte(s.secretKey), nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrInvalidToken
	}
	return claims, nil
}
