package identity

import (
	"context"
	"errors"
	"fmt"

	"github.com/golang-jwt/jwt/v5"
)

// tokenClaims is the JWT claim set issued for realtime access. The subject
// carries the user id.
type tokenClaims struct {
	TenantID string `json:"tenant_id,omitempty"`
	Role     string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// JWTVerifier validates HMAC-signed bearer tokens.
type JWTVerifier struct {
	secret []byte
}

func NewJWTVerifier(secret string) *JWTVerifier {
	return &JWTVerifier{secret: []byte(secret)}
}

// Verify parses and validates token, returning the identity it carries.
func (v *JWTVerifier) Verify(_ context.Context, token string) (*Claims, error) {
	if token == "" {
		return nil, ErrTokenInvalid
	}

	parsed, err := jwt.ParseWithClaims(token, &tokenClaims{}, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, jwt.ErrSignatureInvalid
		}
		return v.secret, nil
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, fmt.Errorf("%w: %w", ErrTokenExpired, err)
		}
		return nil, fmt.Errorf("%w: %w", ErrTokenInvalid, err)
	}

	claims, ok := parsed.Claims.(*tokenClaims)
	if !ok || !parsed.Valid {
		return nil, ErrTokenInvalid
	}

	if claims.Subject == "" || claims.TenantID == "" {
		return nil, ErrClaimsMissing
	}

	return &Claims{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Role:     claims.Role,
	}, nil
}
