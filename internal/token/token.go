// Package token mints and verifies the signed session tokens that carry a
// tenant's identity through the search subsystem.
//
// Tokens are stateless: the server keeps no session table, so verification
// is a pure function over the token string and the signing key, safe under
// arbitrary concurrency. The flip side is that revocation is expiry-bounded.
// Rotating a tenant's upstream secret does not invalidate outstanding
// tokens; it renders the upstream key they embed unusable upstream, which
// forces the holder back through login within at most one TTL.
package token

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/fyrsmithlabs/framesearch/internal/config"
)

// ErrInvalidToken is returned for any token that cannot be accepted:
// expired, malformed, wrong signature or missing claims. Callers never see
// partial claims from a rejected token.
var ErrInvalidToken = errors.New("invalid session token")

// Session is the verified content of a token. It is immutable for the
// token's lifetime and is passed explicitly through every call; no
// component stores it in shared mutable state.
type Session struct {
	// TenantID scopes every downstream operation.
	TenantID string

	// UpstreamKey is the upstream API key that was current at login time.
	// It lives only inside the signed token and in per-request memory.
	UpstreamKey string

	// VaultKey is the password-derived encryption key from this login.
	// It lets session-scoped operations re-seal upstream credentials
	// without the password being present.
	VaultKey []byte

	// ExpiresAt is when the token stops verifying.
	ExpiresAt time.Time
}

type claims struct {
	UpstreamKey string `json:"upstream_key"`
	VaultKey    []byte `json:"vault_key,omitempty"`
	jwt.RegisteredClaims
}

// Issuer signs and verifies session tokens with a server-held HS256 key.
type Issuer struct {
	signingKey []byte
	defaultTTL time.Duration
}

// NewIssuer creates an issuer from token configuration.
func NewIssuer(cfg config.TokenConfig) (*Issuer, error) {
	if !cfg.SigningKey.IsSet() {
		return nil, errors.New("token signing key is required")
	}
	if cfg.TTL.Duration() <= 0 {
		return nil, errors.New("token ttl must be positive")
	}
	return &Issuer{
		signingKey: []byte(cfg.SigningKey.Value()),
		defaultTTL: cfg.TTL.Duration(),
	}, nil
}

// Issue signs a token for tenantID carrying upstreamKey and vaultKey,
// expiring after ttl. A non-positive ttl uses the issuer's default.
func (i *Issuer) Issue(tenantID, upstreamKey string, vaultKey []byte, ttl time.Duration) (string, error) {
	if tenantID == "" {
		return "", errors.New("tenant id is required")
	}
	if ttl <= 0 {
		ttl = i.defaultTTL
	}

	now := time.Now()
	c := claims{
		UpstreamKey: upstreamKey,
		VaultKey:    vaultKey,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   tenantID,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
		},
	}

	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, c).SignedString(i.signingKey)
	if err != nil {
		return "", fmt.Errorf("signing token: %w", err)
	}
	return signed, nil
}

// Verify checks signature and expiry and returns the embedded session.
// Any failure yields ErrInvalidToken with no claim data.
func (i *Issuer) Verify(tokenString string) (*Session, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %v", t.Header["alg"])
		}
		return i.signingKey, nil
	}, jwt.WithExpirationRequired())
	if err != nil {
		return nil, ErrInvalidToken
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid || c.Subject == "" {
		return nil, ErrInvalidToken
	}

	return &Session{
		TenantID:    c.Subject,
		UpstreamKey: c.UpstreamKey,
		VaultKey:    c.VaultKey,
		ExpiresAt:   c.ExpiresAt.Time,
	}, nil
}
