package auth

import "context"

// Claims are the identity attributes extracted from a validated token.
type Claims struct {
	Subject string                 `json:"sub"`
	Email   string                 `json:"email"`
	Role    string                 `json:"role"`
	Custom  map[string]interface{} `json:"-"`
}

type contextKey string

const claimsContextKey contextKey = "claims"

// ContextWithClaims attaches validated claims to a request context.
func ContextWithClaims(ctx context.Context, claims *Claims) context.Context {
	return context.WithValue(ctx, claimsContextKey, claims)
}

// ClaimsFromContext returns the claims attached by the middleware, or nil
// when the request was not authenticated.
func ClaimsFromContext(ctx context.Context) *Claims {
	if claims, ok := ctx.Value(claimsContextKey).(*Claims); ok {
		return claims
	}
	return nil
}
