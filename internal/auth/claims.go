package auth

import (
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// defaultTokenTTL applies when GenerateToken is given no TTL.
const defaultTokenTTL = 24 * time.Hour

// Scope limits what a bearer token may do.
type Scope string

const (
	ScopePublish   Scope = "publish"
	ScopeSubscribe Scope = "subscribe"
	ScopeAudit     Scope = "audit"
)

var knownScopes = []Scope{ScopePublish, ScopeSubscribe, ScopeAudit}

// Claims are the JWT claims HTTQ issues and accepts.
//
// A token without scopes is unrestricted, so any HS256 token signed with
// the shared secret works as a full-access token.
type Claims struct {
	jwt.RegisteredClaims
	Scopes []Scope `json:"scopes,omitempty"`
}

// Allows reports whether the token grants s.
func (c *Claims) Allows(s Scope) bool {
	return len(c.Scopes) == 0 || slices.Contains(c.Scopes, s)
}

// GenerateToken creates a signed HS256 token for subject.
//
// Parameters:
//   - subject: Caller identity, recorded in logs
//   - secret: Shared signing secret (security.jwt.secret)
//   - ttl: Lifetime; zero means 24 hours
//   - scopes: Allowed operations; none means unrestricted
func GenerateToken(subject, secret string, ttl time.Duration, scopes ...Scope) (string, error) {
	if subject == "" {
		return "", fmt.Errorf("%w: subject is required", ErrTokenInvalid)
	}
	if secret == "" {
		return "", ErrNoSecret
	}
	if ttl <= 0 {
		ttl = defaultTokenTTL
	}

	now := time.Now()
	claims := Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			ID:        uuid.NewString(),
		},
		Scopes: scopes,
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString([]byte(secret))
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// ParseToken validates a token and returns its claims.
// It checks the algorithm, signature, expiry and subject.
func ParseToken(tokenString, secret string) (*Claims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(_ *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" {
		return nil, fmt.Errorf("%w: missing subject", ErrTokenInvalid)
	}

	return claims, nil
}

// ParseScopes parses a comma-separated scope list. Empty input means no
// restriction.
func ParseScopes(s string) ([]Scope, error) {
	var scopes []Scope
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		scope := Scope(part)
		if !slices.Contains(knownScopes, scope) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownScope, part)
		}
		if !slices.Contains(scopes, scope) {
			scopes = append(scopes, scope)
		}
	}
	return scopes, nil
}
