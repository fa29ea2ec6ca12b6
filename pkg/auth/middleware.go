package auth

import (
	"net/http"
	"strings"
)

// Middleware rejects requests without a valid bearer token and attaches the
// extracted claims to the request context. Besides the Authorization
// header, the token may arrive as an access_token query parameter, which is
// how browser WebSocket clients pass it (RFC 6750 section 2.3).
func (v *Validator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			http.Error(w, `{"error":"missing bearer token"}`, http.StatusUnauthorized)
			return
		}

		claims, err := v.ValidateToken(r.Context(), tokenString)
		if err != nil {
			http.Error(w, `{"error":"unauthorized"}`, http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r.WithContext(ContextWithClaims(r.Context(), claims)))
	})
}

func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if header != "" {
		token := strings.TrimPrefix(header, "Bearer ")
		if token != header {
			return token
		}
		return ""
	}
	return r.URL.Query().Get("access_token")
}
