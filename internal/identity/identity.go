// Package identity verifies request credentials supplied by the external
// identity provider and yields a stable user id.
package identity

import (
	"errors"
	"fmt"
	"strings"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthenticated indicates missing or invalid credentials.
var ErrUnauthenticated = errors.New("unauthenticated")

// Verifier validates bearer tokens issued by the identity provider.
type Verifier struct {
	secret []byte
}

// NewVerifier creates a verifier for HS256-signed tokens.
func NewVerifier(secret string) *Verifier {
	return &Verifier{secret: []byte(secret)}
}

// UserID extracts and verifies the user id from an Authorization header
// value. An empty header fails with ErrUnauthenticated; callers may treat
// that as anonymous access for public resources.
func (v *Verifier) UserID(authorization string) (string, error) {
	raw, ok := strings.CutPrefix(authorization, "Bearer ")
	if !ok || raw == "" {
		return "", ErrUnauthenticated
	}

	token, err := jwt.Parse(raw, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}))
	if err != nil || !token.Valid {
		return "", fmt.Errorf("%w: %v", ErrUnauthenticated, err)
	}

	sub, err := token.Claims.GetSubject()
	if err != nil || sub == "" {
		return "", fmt.Errorf("%w: token has no subject", ErrUnauthenticated)
	}
	return sub, nil
}
