// Package auth issues and validates the bearer tokens that protect the
// dashboard API. Operator passwords are verified by the database package;
// this package only deals with tokens.
package auth

import (
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Issuer is stamped into every token and checked on validation.
const Issuer = "vpn-gateway"

// DefaultTokenExpiry is the lifetime of tokens issued by NewManager.
const DefaultTokenExpiry = 12 * time.Hour

// Manager signs and validates HS256 operator tokens.
//
// A Manager holds one shared secret. Every token it issues carries the
// operator's id, username and role and expires after the configured
// lifetime; ValidateToken rejects tokens signed with another key, another
// algorithm family or another issuer. A Manager with an empty secret
// refuses to issue tokens.
//
// A Manager has no mutable state after construction and may be shared by
// concurrent requests.
type Manager struct {
	secret      []byte
	tokenExpiry time.Duration
	now         func() time.Time
}

// Claims identifies the operator behind a request.
//
// The middleware stores the validated Claims in the gin context; handlers
// read them with GetClaims. Role is one of the database roles and is
// what RequireRole compares against.
type Claims struct {
	OperatorID uint   `json:"operator_id"` // Database id of the operator
	Username   string `json:"username"`
	Role       string `json:"role"` // admin or viewer
	jwt.RegisteredClaims
}

// NewManager creates a manager with the default token lifetime.
func NewManager(secret string) *Manager {
	return NewManagerWithExpiry(secret, DefaultTokenExpiry)
}

// NewManagerWithExpiry creates a manager with a custom token lifetime.
func NewManagerWithExpiry(secret string, expiry time.Duration) *Manager {
	return &Manager{
		secret:      []byte(secret),
		tokenExpiry: expiry,
		now:         time.Now,
	}
}

// GenerateToken signs a token for the operator. The token's subject is the
// username and its expiry is now plus the manager's lifetime.
func (m *Manager) GenerateToken(operatorID uint, username, role string) (string, error) {
	if len(m.secret) == 0 {
		return "", errors.New("token secret is not configured")
	}
	now := m.now()
	claims := &Claims{
		OperatorID: operatorID,
		Username:   username,
		Role:       role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenExpiry)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    Issuer,
			Subject:   username,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses a token and checks signature, expiry and issuer.
func (m *Manager) ValidateToken(tokenString string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	}, jwt.WithIssuer(Issuer), jwt.WithTimeFunc(m.now))
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	if claims, ok := token.Claims.(*Claims); ok && token.Valid {
		return claims, nil
	}
	return nil, errors.New("invalid token claims")
}

// RefreshToken issues a fresh token for the holder of a valid one. An
// expired token cannot be refreshed; the operator must log in again.
func (m *Manager) RefreshToken(tokenString string) (string, error) {
	claims, err := m.ValidateToken(tokenString)
	if err != nil {
		return "", fmt.Errorf("cannot refresh invalid token: %w", err)
	}
	return m.GenerateToken(claims.OperatorID, claims.Username, claims.Role)
}

// GenerateSecureSecret returns 256 random bits, base64 encoded. Used when
// no secret is configured; tokens then do not survive a restart.
func GenerateSecureSecret() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("failed to generate secure secret: %w", err)
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
