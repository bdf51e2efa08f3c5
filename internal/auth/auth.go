// Package auth reads the bearer token the client was handed by the login
// collaborator. Issuing and refreshing tokens happens elsewhere.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/johndosdos/rentchat/internal/model"
)

// Identity is what the client learns from its own access token.
type Identity struct {
	UserID    string
	ExpiresAt time.Time
	Token     string
}

// Expired reports whether the token is past its expiry at now.
func (id Identity) Expired(now time.Time) bool {
	return !id.ExpiresAt.IsZero() && !now.Before(id.ExpiresAt)
}

// Inspect extracts the subject and expiry of tokenString without verifying
// the signature; only the server holds the secret. An expired or malformed
// token yields model.ErrAuth so callers fail fast instead of dialing.
func Inspect(tokenString string, now time.Time) (Identity, error) {
	if tokenString == "" {
		return Identity{}, fmt.Errorf("internal/auth: empty token: %w", model.ErrAuth)
	}

	claims := &jwt.RegisteredClaims{}
	_, _, err := jwt.NewParser().ParseUnverified(tokenString, claims)
	if err != nil {
		return Identity{}, fmt.Errorf("internal/auth: failed to parse token: %w: %w", model.ErrAuth, err)
	}

	if claims.Subject == "" {
		return Identity{}, fmt.Errorf("internal/auth: subject claim is missing: %w", model.ErrAuth)
	}

	id := Identity{UserID: claims.Subject, Token: tokenString}
	if claims.ExpiresAt != nil {
		id.ExpiresAt = claims.ExpiresAt.Time
	}
	if id.Expired(now) {
		return Identity{}, fmt.Errorf("internal/auth: token expired at %s: %w", id.ExpiresAt.Format(time.RFC3339), model.ErrAuth)
	}

	return id, nil
}

// MakeJWT signs an HS256 access token for userID. The client never calls
// it; it backs the fake collaborator used in tests and local runs.
func MakeJWT(userID, tokenSecret string, expiresIn time.Duration) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Issuer:    "rentchat",
		Subject:   userID,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(expiresIn)),
	})

	return token.SignedString([]byte(tokenSecret))
}

// ValidateJWT verifies tokenString and returns its subject.
func ValidateJWT(tokenString, tokenSecret string) (string, error) {
	claims := &jwt.RegisteredClaims{}
	token, err := jwt.ParseWithClaims(
		tokenString,
		claims,
		func(t *jwt.Token) (any, error) { return []byte(tokenSecret), nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		return "", fmt.Errorf("internal/auth: failed to parse token: %w", err)
	}

	if !token.Valid {
		return "", errors.New("internal/auth: token is invalid")
	}

	if claims.Subject == "" {
		return "", errors.New("subject claim is missing")
	}

	return claims.Subject, nil
}
