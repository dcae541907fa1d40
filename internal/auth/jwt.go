// Package auth issues and validates operator tokens for the control plane
// API. There is no user store: operators present HMAC-signed bearer tokens
// minted out of band.
package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// OperatorClaims identifies the operator behind an API call.
type OperatorClaims struct {
	OperatorID string `json:"operator_id"`
	Role       string `json:"role"` // "observer" or "operator"
}

// Claims represents the JWT claims
type Claims struct {
	OperatorClaims
	jwt.RegisteredClaims
}

// JWTManager handles operator token operations
type JWTManager struct {
	secret        []byte
	tokenDuration time.Duration
}

// NewJWTManager creates a new JWT manager
func NewJWTManager(secret string, tokenDuration time.Duration) *JWTManager {
	return &JWTManager{
		secret:        []byte(secret),
		tokenDuration: tokenDuration,
	}
}

// GenerateToken mints a signed operator token.
func (m *JWTManager) GenerateToken(claims OperatorClaims) (string, error) {
	now := time.Now()

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		OperatorClaims: claims,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   claims.OperatorID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(m.tokenDuration)),
			NotBefore: jwt.NewNumericDate(now),
			Issuer:    "capguard",
			Audience:  []string{"capguard-api"},
		},
	})

	signedToken, err := token.SignedString(m.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}

	return signedToken, nil
}

// ValidateToken validates a token and returns the operator claims.
func (m *JWTManager) ValidateToken(tokenString string) (*OperatorClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return m.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("invalid token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}

	return &claims.OperatorClaims, nil
}
