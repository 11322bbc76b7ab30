// Package auth holds the bearer credential for the current client session and
// the single global reaction to authentication failure. Every outbound request
// in the communication core reads its token from here; any 401 funnels back
// through Invalidate so the rest of the client observes exactly one
// session-invalid transition.
package auth

import (
	"errors"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// ErrUnauthorized is returned by any operation aborted by a 401 response.
var ErrUnauthorized = errors.New("auth: session invalid")

// SessionInvalidHandler is notified exactly once when the session transitions
// from valid to invalid. It is the only cross-cutting error reaction in the
// communication core; everything else resolves locally.
type SessionInvalidHandler func(reason string)

// Credentials is a thread-safe holder for the session bearer token.
type Credentials struct {
	mu          sync.Mutex
	token       string
	invalidated bool
	onInvalid   SessionInvalidHandler
}

// NewCredentials creates a credential holder. handler may be nil.
func NewCredentials(token string, handler SessionInvalidHandler) *Credentials {
	return &Credentials{token: token, onInvalid: handler}
}

// Token returns the current bearer token, or "" after invalidation.
func (c *Credentials) Token() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.token
}

// SetToken installs a fresh token and re-arms the invalidation handler.
func (c *Credentials) SetToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
	c.invalidated = false
}

// Invalidate clears the stored token and fires the session-invalid handler.
// Concurrent 401s from independent in-flight operations collapse into a
// single notification; callers always get ErrUnauthorized back regardless.
func (c *Credentials) Invalidate(reason string) {
	c.mu.Lock()
	already := c.invalidated
	c.invalidated = true
	c.token = ""
	handler := c.onInvalid
	c.mu.Unlock()

	if !already && handler != nil {
		handler(reason)
	}
}

// Invalidated reports whether the session has been marked invalid.
func (c *Credentials) Invalidated() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.invalidated
}

// claims decodes the bearer token's claim set without verifying the
// signature. Verification is the server's job; the client only reads claims
// it already trusts the issuer for. ok is false when the token is absent or
// not a JWT.
func (c *Credentials) claims() (jwt.MapClaims, bool) {
	c.mu.Lock()
	token := c.token
	c.mu.Unlock()
	if token == "" {
		return nil, false
	}

	claims := jwt.MapClaims{}
	if _, _, err := jwt.NewParser().ParseUnverified(token, claims); err != nil {
		return nil, false
	}
	return claims, true
}

// ExpiresAt extracts the expiry claim from the bearer token. The client only
// uses it to warn before issuing requests that are guaranteed to 401.
func (c *Credentials) ExpiresAt() (time.Time, bool) {
	claims, ok := c.claims()
	if !ok {
		return time.Time{}, false
	}
	exp, err := claims.GetExpirationTime()
	if err != nil || exp == nil {
		return time.Time{}, false
	}
	return exp.Time, true
}

// Subject returns the subject claim identifying the session's user, or
// ok=false for opaque tokens and tokens without one.
func (c *Credentials) Subject() (string, bool) {
	claims, ok := c.claims()
	if !ok {
		return "", false
	}
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return "", false
	}
	return sub, true
}

// Claim returns the named string claim from the bearer token.
func (c *Credentials) Claim(name string) (string, bool) {
	claims, ok := c.claims()
	if !ok {
		return "", false
	}
	v, ok := claims[name].(string)
	if !ok || v == "" {
		return "", false
	}
	return v, true
}

// Expired reports whether the token carries an expiry claim in the past.
// Tokens without an expiry claim are treated as unexpired.
func (c *Credentials) Expired(now time.Time) bool {
	exp, ok := c.ExpiresAt()
	if !ok {
		return false
	}
	return exp.Before(now)
}
