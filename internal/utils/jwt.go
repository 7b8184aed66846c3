package utils

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Claims represents JWT claims. Tokens from the identity provider carry
// the user in "sub"; tokens minted here also set userId.
type Claims struct {
	UserID string `json:"userId,omitempty"`
	jwt.RegisteredClaims
}

// User returns the authenticated user ID
func (c *Claims) User() string {
	if c.UserID != "" {
		return c.UserID
	}
	return c.RegisteredClaims.Subject
}

// Tokens validates and mints HS256 tokens with a shared secret
type Tokens struct {
	secret []byte
}

// NewTokens creates a token helper for secret
func NewTokens(secret string) *Tokens {
	return &Tokens{secret: []byte(secret)}
}

// MintToken generates a JWT token for a user
func (t *Tokens) MintToken(userID string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		UserID: userID,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString(t.secret)
}

// ValidateToken validates and parses a JWT token
func (t *Tokens) ValidateToken(tokenString string) (*Claims, error) {
	claims := &Claims{}

	token, err := jwt.ParseWithClaims(tokenString, claims, func(token *jwt.Token) (interface{}, error) {
		return t.secret, nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, err
	}

	if !token.Valid {
		return nil, jwt.ErrSignatureInvalid
	}
	if claims.User() == "" {
		return nil, fmt.Errorf("%w: no user in token", jwt.ErrTokenInvalidClaims)
	}

	return claims, nil
}
