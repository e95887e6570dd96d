// Package jwtauth supplies a JWT-backed identity provider for loom
// applications. Tokens are read from the Authorization header as
// bearer credentials and verified with a shared HMAC secret.
package jwtauth

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/loomhq/loom"
)

// User is the identity extracted from a verified token.
type User struct {
	Subject   string
	UserRoles []string
	UserEmail string
	RawClaims map[string]any
}

func (u *User) Sub() string            { return u.Subject }
func (u *User) Roles() []string        { return u.UserRoles }
func (u *User) Email() string          { return u.UserEmail }
func (u *User) Claims() map[string]any { return u.RawClaims }

// Verifier validates HS256 bearer tokens and implements
// loom.IdentityProvider.
type Verifier struct {
	secret []byte
	leeway time.Duration
}

// Option configures a Verifier.
type Option func(*Verifier)

// WithLeeway tolerates clock skew when checking exp and nbf.
func WithLeeway(d time.Duration) Option {
	return func(v *Verifier) { v.leeway = d }
}

// NewVerifier creates a Verifier for the given HMAC secret.
func NewVerifier(secret []byte, opts ...Option) *Verifier {
	v := &Verifier{secret: secret}
	for _, opt := range opts {
		opt(v)
	}
	return v
}

// Extract reads and verifies the bearer token. A missing, malformed,
// or invalid token yields a 401 rejection.
func (v *Verifier) Extract(r *http.Request) (loom.Identity, *loom.Reject) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return nil, loom.RejectJSON(http.StatusUnauthorized, "missing authorization header")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, loom.RejectJSON(http.StatusUnauthorized, "authorization header is not a bearer token")
	}

	claims := jwt.MapClaims{}
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithExpirationRequired(),
	}
	if v.leeway > 0 {
		parserOpts = append(parserOpts, jwt.WithLeeway(v.leeway))
	}
	token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (any, error) {
		return v.secret, nil
	}, parserOpts...)
	if err != nil || !token.Valid {
		return nil, loom.RejectJSON(http.StatusUnauthorized, "invalid token")
	}

	return userFromClaims(claims), nil
}

// Sign mints an HS256 token for the given user, expiring after ttl.
// The inverse of Extract, intended for tests and local tooling.
func (v *Verifier) Sign(u *User, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := jwt.MapClaims{
		"sub": u.Subject,
		"iat": now.Unix(),
		"exp": now.Add(ttl).Unix(),
	}
	if len(u.UserRoles) > 0 {
		claims["roles"] = u.UserRoles
	}
	if u.UserEmail != "" {
		claims["email"] = u.UserEmail
	}
	for k, val := range u.RawClaims {
		if _, reserved := claims[k]; !reserved {
			claims[k] = val
		}
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(v.secret)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

func userFromClaims(claims jwt.MapClaims) *User {
	u := &User{RawClaims: map[string]any(claims)}
	if sub, err := claims.GetSubject(); err == nil {
		u.Subject = sub
	}
	if email, ok := claims["email"].(string); ok {
		u.UserEmail = email
	}
	switch roles := claims["roles"].(type) {
	case []string:
		u.UserRoles = roles
	case []any:
		for _, r := range roles {
			if s, ok := r.(string); ok {
				u.UserRoles = append(u.UserRoles, s)
			}
		}
	}
	return u
}
