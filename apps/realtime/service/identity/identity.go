// Package identity verifies the tokens presented during the websocket
// handshake and exposes the claims the rest of the service relies on.
package identity

import (
	"context"
	"errors"
)

var (
	ErrTokenInvalid  = errors.New("token is invalid")
	ErrTokenExpired  = errors.New("token has expired")
	ErrClaimsMissing = errors.New("token is missing required claims")
)

// Claims is the identity established for a connection. TenantID scopes every
// subsequent operation on the connection; Role gates the admin surface.
type Claims struct {
	UserID   string
	TenantID string
	Role     string
}

// IsAdmin reports whether the identity may use the admin surface.
func (c *Claims) IsAdmin() bool {
	return c.Role == "admin"
}

// Verifier authenticates a bearer token. Implementations must fail closed:
// any doubt about the token is an error, never partial claims.
type Verifier interface {
	Verify(ctx context.Context, token string) (*Claims, error)
}
