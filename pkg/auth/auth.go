// Package auth extracts the caller identity the admission layer keys
// on: tenant, user and group claims carried in a bearer token.
package auth

import (
	"strings"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clay-good/proxilion-grc-sub001/pkg/faults"
)

// Identity is the authenticated caller.
type Identity struct {
	UserID   string
	TenantID string
	Groups   []string
}

// Claims are the JWT claims the gateway expects.
type Claims struct {
	jwt.RegisteredClaims
	TenantID string   `json:"tenant_id"`
	Groups   []string `json:"groups,omitempty"`
}

// Verifier validates bearer tokens. Fail closed: a nil or misconfigured
// verifier rejects everything.
type Verifier struct {
	secret []byte
}

// NewVerifier creates an HS256 verifier with a shared secret.
func NewVerifier(secret []byte) *Verifier {
	return &Verifier{secret: secret}
}

// VerifyHeader extracts and validates the token from an Authorization
// header value of the form "Bearer <token>".
func (v *Verifier) VerifyHeader(header string) (*Identity, error) {
	if header == "" {
		return nil, faults.New(faults.Unauthorized, "missing authorization header")
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return nil, faults.New(faults.Unauthorized, "malformed authorization header")
	}
	return v.Verify(parts[1])
}

// Verify parses and validates a raw token string.
func (v *Verifier) Verify(tokenStr string) (*Identity, error) {
	if v == nil || len(v.secret) == 0 {
		return nil, faults.New(faults.Unauthorized, "authentication not configured")
	}

	claims := &Claims{}
	token, err := jwt.ParseWithClaims(tokenStr, claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, faults.Newf(faults.Unauthorized, "unexpected signing method %v", t.Header["alg"])
		}
		return v.secret, nil
	})
	if err != nil {
		return nil, faults.Wrap(faults.Unauthorized, "invalid or expired token", err)
	}
	if !token.Valid {
		return nil, faults.New(faults.Unauthorized, "invalid token")
	}
	if claims.Subject == "" {
		return nil, faults.New(faults.Unauthorized, "token subject is required")
	}
	if claims.TenantID == "" {
		return nil, faults.New(faults.Unauthorized, "token tenant binding is required")
	}

	return &Identity{
		UserID:   claims.Subject,
		TenantID: claims.TenantID,
		Groups:   claims.Groups,
	}, nil
}
