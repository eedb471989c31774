// Package identity derives the current user's id from the session's
// bearer credential once at startup. The token is opaque to this client:
// verification is the server's job, the engine only needs the subject.
package identity

import (
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// Identity is process-wide read-only session state
type Identity struct {
	UserID string
	Token  string
}

var (
	ErrEmptyToken = errors.New("bearer token is empty")
	ErrNoSubject  = errors.New("token carries no user id")
)

// FromToken extracts the subject user id from a JWT without verifying
// the signature
func FromToken(token string) (Identity, error) {
	if token == "" {
		return Identity{}, ErrEmptyToken
	}

	parser := jwt.NewParser()
	claims := jwt.MapClaims{}
	if _, _, err := parser.ParseUnverified(token, claims); err != nil {
		return Identity{}, fmt.Errorf("parsing token: %w", err)
	}

	userID := subjectClaim(claims)
	if userID == "" {
		return Identity{}, ErrNoSubject
	}

	return Identity{UserID: userID, Token: token}, nil
}

// subjectClaim checks the claim names the backend has used over time
func subjectClaim(claims jwt.MapClaims) string {
	for _, key := range []string{"sub", "userId", "id", "_id"} {
		if v, ok := claims[key].(string); ok && v != "" {
			return v
		}
	}
	return ""
}
