package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwa"
	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/geoassist/pkg/config"
)

const (
	testIssuer   = "https://issuer.test"
	testAudience = "geoassist"
	testKeyID    = "test-key-id"
)

type testIdentityProvider struct {
	privateKey *rsa.PrivateKey
	jwksURL    string
}

// newTestIdentityProvider serves a JWKS for a fresh RSA key pair and signs
// tokens with the private half.
func newTestIdentityProvider(t *testing.T) *testIdentityProvider {
	t.Helper()

	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	publicKey, err := jwk.FromRaw(&privateKey.PublicKey)
	require.NoError(t, err)
	require.NoError(t, publicKey.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, publicKey.Set(jwk.AlgorithmKey, jwa.RS256))

	keyset := jwk.NewSet()
	require.NoError(t, keyset.AddKey(publicKey))

	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/.well-known/jwks.json" {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(keyset)
	}))
	t.Cleanup(server.Close)

	return &testIdentityProvider{
		privateKey: privateKey,
		jwksURL:    server.URL + "/.well-known/jwks.json",
	}
}

type tokenOpts struct {
	issuer   string
	audience string
	expires  time.Time
	claims   map[string]interface{}
}

func (p *testIdentityProvider) sign(t *testing.T, opts tokenOpts) string {
	t.Helper()

	if opts.issuer == "" {
		opts.issuer = testIssuer
	}
	if opts.audience == "" {
		opts.audience = testAudience
	}
	if opts.expires.IsZero() {
		opts.expires = time.Now().Add(time.Hour)
	}

	token := jwt.New()
	require.NoError(t, token.Set(jwt.IssuerKey, opts.issuer))
	require.NoError(t, token.Set(jwt.AudienceKey, opts.audience))
	require.NoError(t, token.Set(jwt.SubjectKey, "user-1"))
	require.NoError(t, token.Set(jwt.IssuedAtKey, time.Now()))
	require.NoError(t, token.Set(jwt.ExpirationKey, opts.expires))
	for k, v := range opts.claims {
		require.NoError(t, token.Set(k, v))
	}

	key, err := jwk.FromRaw(p.privateKey)
	require.NoError(t, err)
	require.NoError(t, key.Set(jwk.KeyIDKey, testKeyID))

	signed, err := jwt.Sign(token, jwt.WithKey(jwa.RS256, key))
	require.NoError(t, err)
	return string(signed)
}

func (p *testIdentityProvider) validator(t *testing.T) *Validator {
	t.Helper()

	v, err := NewValidator(context.Background(), config.AuthConfig{
		Enabled:  true,
		JWKSURL:  p.jwksURL,
		Issuer:   testIssuer,
		Audience: testAudience,
	})
	require.NoError(t, err)
	return v
}

func TestValidateToken(t *testing.T) {
	provider := newTestIdentityProvider(t)
	v := provider.validator(t)

	token := provider.sign(t, tokenOpts{
		claims: map[string]interface{}{
			"email": "gis@example.com",
			"role":  "analyst",
			"team":  "planning",
		},
	})

	claims, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims.Subject)
	assert.Equal(t, "gis@example.com", claims.Email)
	assert.Equal(t, "analyst", claims.Role)
	assert.Equal(t, "planning", claims.Custom["team"])
	assert.NotContains(t, claims.Custom, "email")
}

func TestValidateTokenRejections(t *testing.T) {
	provider := newTestIdentityProvider(t)
	v := provider.validator(t)

	tests := []struct {
		name  string
		token string
	}{
		{"garbage", "not-a-token"},
		{"wrong issuer", provider.sign(t, tokenOpts{issuer: "https://evil.test"})},
		{"wrong audience", provider.sign(t, tokenOpts{audience: "other-app"})},
		{"expired", provider.sign(t, tokenOpts{expires: time.Now().Add(-time.Hour)})},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := v.ValidateToken(context.Background(), tt.token)
			require.Error(t, err)
			assert.ErrorIs(t, err, ErrInvalidToken)
		})
	}
}

func TestValidateTokenWrongKey(t *testing.T) {
	provider := newTestIdentityProvider(t)
	other := newTestIdentityProvider(t)
	v := provider.validator(t)

	_, err := v.ValidateToken(context.Background(), other.sign(t, tokenOpts{}))
	require.Error(t, err)
}

func TestNewValidatorUnreachableJWKS(t *testing.T) {
	_, err := NewValidator(context.Background(), config.AuthConfig{
		Enabled: true,
		JWKSURL: "http://127.0.0.1:1/jwks.json",
	})
	require.Error(t, err)
}

func TestMiddleware(t *testing.T) {
	provider := newTestIdentityProvider(t)
	v := provider.validator(t)

	var gotClaims *Claims
	handler := v.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusOK)
	}))

	token := provider.sign(t, tokenOpts{claims: map[string]interface{}{"role": "viewer"}})

	t.Run("authorization header", func(t *testing.T) {
		gotClaims = nil
		req := httptest.NewRequest(http.MethodGet, "/map-figure", nil)
		req.Header.Set("Authorization", "Bearer "+token)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotClaims)
		assert.Equal(t, "viewer", gotClaims.Role)
	})

	t.Run("access_token query parameter", func(t *testing.T) {
		gotClaims = nil
		req := httptest.NewRequest(http.MethodGet, "/ws?access_token="+token, nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusOK, rec.Code)
		require.NotNil(t, gotClaims)
	})

	t.Run("missing token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/map-figure", nil)
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("malformed header", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/map-figure", nil)
		req.Header.Set("Authorization", "Basic dXNlcjpwYXNz")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})

	t.Run("invalid token", func(t *testing.T) {
		req := httptest.NewRequest(http.MethodGet, "/map-figure", nil)
		req.Header.Set("Authorization", "Bearer bogus")
		rec := httptest.NewRecorder()

		handler.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusUnauthorized, rec.Code)
	})
}

func TestClaimsFromContextWithoutMiddleware(t *testing.T) {
	assert.Nil(t, ClaimsFromContext(context.Background()))
}
