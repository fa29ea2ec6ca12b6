// Package auth validates bearer tokens against an external identity
// provider. Public keys are fetched from the provider's JWKS endpoint and
// cached with periodic refresh, so key rotation needs no restart.
package auth

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/kadirpekel/geoassist/pkg/config"
)

// Common authentication errors.
var (
	// ErrUnauthorized is returned when authentication is required but not
	// provided.
	ErrUnauthorized = errors.New("unauthorized: authentication required")

	// ErrInvalidToken is returned when a token cannot be validated.
	ErrInvalidToken = errors.New("invalid token")
)

// jwksRefreshInterval bounds how often the key set is re-fetched.
const jwksRefreshInterval = 15 * time.Minute

// Validator checks JWT signatures, expiry, issuer, and audience against a
// JWKS-published key set.
type Validator struct {
	jwksURL  string
	issuer   string
	audience string
	cache    *jwk.Cache
}

// NewValidator builds a validator from config and performs an initial JWKS
// fetch so misconfiguration fails at startup rather than on first request.
func NewValidator(ctx context.Context, cfg config.AuthConfig) (*Validator, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	cache := jwk.NewCache(ctx)
	if err := cache.Register(cfg.JWKSURL, jwk.WithMinRefreshInterval(jwksRefreshInterval)); err != nil {
		return nil, fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	if _, err := cache.Refresh(ctx, cfg.JWKSURL); err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS from %s: %w", cfg.JWKSURL, err)
	}

	return &Validator{
		jwksURL:  cfg.JWKSURL,
		issuer:   cfg.Issuer,
		audience: cfg.Audience,
		cache:    cache,
	}, nil
}

// ValidateToken verifies one token and extracts its claims. Signature,
// expiry, issuer, and audience are all checked; issuer and audience checks
// are skipped when unconfigured.
func (v *Validator) ValidateToken(ctx context.Context, tokenString string) (*Claims, error) {
	keyset, err := v.cache.Get(ctx, v.jwksURL)
	if err != nil {
		return nil, fmt.Errorf("failed to get JWKS: %w", err)
	}

	options := []jwt.ParseOption{
		jwt.WithKeySet(keyset),
		jwt.WithValidate(true),
	}
	if v.issuer != "" {
		options = append(options, jwt.WithIssuer(v.issuer))
	}
	if v.audience != "" {
		options = append(options, jwt.WithAudience(v.audience))
	}

	token, err := jwt.Parse([]byte(tokenString), options...)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidToken, err)
	}

	claims := &Claims{
		Subject: token.Subject(),
		Custom:  make(map[string]interface{}),
	}
	if email, ok := token.Get("email"); ok {
		if s, ok := email.(string); ok {
			claims.Email = s
		}
	}
	if role, ok := token.Get("role"); ok {
		if s, ok := role.(string); ok {
			claims.Role = s
		}
	}

	for iter := token.Iterate(ctx); iter.Next(ctx); {
		pair := iter.Pair()
		key, ok := pair.Key.(string)
		if !ok {
			continue
		}
		switch key {
		case "sub", "email", "role", "iss", "aud", "exp", "iat", "nbf":
		default:
			claims.Custom[key] = pair.Value
		}
	}

	return claims, nil
}
