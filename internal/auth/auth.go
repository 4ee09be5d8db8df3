// Package auth verifies connection principals before a turn starts.
// Failures here are the only errors surfaced as bare transport errors;
// everything downstream is delivered in-band.
package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

var (
	// ErrAuthDisabled means no secret is configured; callers decide
	// whether that is acceptable (local development) or fatal.
	ErrAuthDisabled = errors.New("auth: disabled")

	// ErrInvalidToken covers expired, malformed, or mis-signed tokens.
	ErrInvalidToken = errors.New("auth: invalid token")
)

// Principal is the verified identity attached to a connection.
type Principal struct {
	ID   string `json:"id"`
	Name string `json:"name,omitempty"`
}

// Service signs and verifies connection tokens.
type Service struct {
	secret []byte
	expiry time.Duration
}

// NewService builds a JWT helper. An empty secret disables auth.
func NewService(secret string, expiry time.Duration) *Service {
	return &Service{secret: []byte(secret), expiry: expiry}
}

// Enabled reports whether token verification is active.
func (s *Service) Enabled() bool {
	return s != nil && len(s.secret) > 0
}

type claims struct {
	Name string `json:"name,omitempty"`
	jwt.RegisteredClaims
}

// Generate issues a signed token for the given principal.
func (s *Service) Generate(principal *Principal) (string, error) {
	if !s.Enabled() {
		return "", ErrAuthDisabled
	}
	if principal == nil || strings.TrimSpace(principal.ID) == "" {
		return "", errors.New("auth: principal id required")
	}

	c := claims{
		Name: strings.TrimSpace(principal.Name),
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:  principal.ID,
			IssuedAt: jwt.NewNumericDate(time.Now()),
		},
	}
	// A negative expiry mints an already-expired token; only a zero
	// expiry means no expiry claim at all.
	if s.expiry != 0 {
		c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(s.expiry))
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	return token.SignedString(s.secret)
}

// Verify parses and validates a token, returning the embedded principal.
func (s *Service) Verify(token string) (*Principal, error) {
	if !s.Enabled() {
		return nil, ErrAuthDisabled
	}

	parsed, err := jwt.ParseWithClaims(token, &claims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || strings.TrimSpace(c.Subject) == "" {
		return nil, ErrInvalidToken
	}
	return &Principal{ID: c.Subject, Name: c.Name}, nil
}

type contextKey struct{}

// WithPrincipal attaches a verified principal to the context.
func WithPrincipal(ctx context.Context, principal *Principal) context.Context {
	return context.WithValue(ctx, contextKey{}, principal)
}

// PrincipalFromContext retrieves the verified principal, if any.
func PrincipalFromContext(ctx context.Context) (*Principal, bool) {
	principal, ok := ctx.Value(contextKey{}).(*Principal)
	return principal, ok
}
