package utils

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestMintAndValidate(t *testing.T) {
	tokens := NewTokens("secret")
	raw, err := tokens.MintToken("alice", time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := tokens.ValidateToken(raw)
	if err != nil {
		t.Fatal(err)
	}
	if claims.User() != "alice" {
		t.Fatalf("subject = %q", claims.User())
	}

	if _, err := NewTokens("other").ValidateToken(raw); err == nil {
		t.Fatal("token with wrong secret accepted")
	}
	expired, _ := tokens.MintToken("alice", -time.Minute)
	if _, err := tokens.ValidateToken(expired); err == nil {
		t.Fatal("expired token accepted")
	}
}

func TestValidateAcceptsProviderSubject(t *testing.T) {
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   "bob",
		ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
	})
	raw, err := token.SignedString([]byte("secret"))
	if err != nil {
		t.Fatal(err)
	}
	claims, err := NewTokens("secret").ValidateToken(raw)
	if err != nil || claims.User() != "bob" {
		t.Fatalf("claims = %+v, err = %v", claims, err)
	}

	anon := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{})
	raw, _ = anon.SignedString([]byte("secret"))
	if _, err := NewTokens("secret").ValidateToken(raw); err == nil {
		t.Fatal("token without user accepted")
	}
}
