package jwks

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sign(t *testing.T, priv ed25519.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	if kid != "" {
		tok.Header["kid"] = kid
	}
	s, err := tok.SignedString(priv)
	require.NoError(t, err)
	return s
}

func claimsFor(sub string, exp time.Time) jwt.MapClaims {
	return jwt.MapClaims{"iss": "issuer", "aud": "sharecore", "sub": sub, "exp": exp.Unix()}
}

func TestValidateJWTStatic(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	c, err := NewStaticClient(JWKS{Keys: []JWK{PublicJWK("k1", pub)}})
	require.NoError(t, err)
	ctx := context.Background()

	claims, err := c.ValidateJWT(ctx, sign(t, priv, "k1", claimsFor("user-1", time.Now().Add(time.Hour))), "issuer", "sharecore")
	require.NoError(t, err)
	assert.Equal(t, "user-1", claims["sub"])

	_, err = c.ValidateJWT(ctx, sign(t, priv, "k1", claimsFor("user-1", time.Now().Add(-time.Hour))), "issuer", "sharecore")
	assert.ErrorIs(t, err, ErrExpired)

	_, err = c.ValidateJWT(ctx, sign(t, priv, "k1", claimsFor("user-1", time.Now().Add(time.Hour))), "other", "sharecore")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = c.ValidateJWT(ctx, sign(t, priv, "k1", claimsFor("user-1", time.Now().Add(time.Hour))), "issuer", "other")
	assert.ErrorIs(t, err, ErrInvalid)

	_, err = c.ValidateJWT(ctx, sign(t, priv, "", claimsFor("user-1", time.Now().Add(time.Hour))), "issuer", "sharecore")
	assert.ErrorIs(t, err, ErrMalformed)

	_, err = c.ValidateJWT(ctx, sign(t, priv, "k2", claimsFor("user-1", time.Now().Add(time.Hour))), "issuer", "sharecore")
	assert.ErrorIs(t, err, ErrNoKey)

	_, err = c.ValidateJWT(ctx, "not-a-jwt", "issuer", "sharecore")
	assert.ErrorIs(t, err, ErrMalformed)
}

func TestValidateJWTWrongKey(t *testing.T) {
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	_, otherPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	c, err := NewStaticClient(JWKS{Keys: []JWK{PublicJWK("k1", pub)}})
	require.NoError(t, err)

	_, err = c.ValidateJWT(context.Background(), sign(t, otherPriv, "k1", claimsFor("u", time.Now().Add(time.Hour))), "issuer", "sharecore")
	assert.ErrorIs(t, err, ErrInvalid)
}

func TestValidateJWTFetchesAndCaches(t *testing.T) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	var fetches int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&fetches, 1)
		_ = json.NewEncoder(w).Encode(JWKS{Keys: []JWK{PublicJWK("k1", pub)}})
	}))
	defer srv.Close()

	c := NewClient(srv.URL)
	tok := sign(t, priv, "k1", claimsFor("user-1", time.Now().Add(time.Hour)))
	for i := 0; i < 3; i++ {
		_, err := c.ValidateJWT(context.Background(), tok, "issuer", "sharecore")
		require.NoError(t, err)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&fetches))
}

func TestValidateJWTFetchFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	_, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)

	_, err = NewClient(srv.URL).ValidateJWT(context.Background(), sign(t, priv, "k1", claimsFor("u", time.Now().Add(time.Hour))), "issuer", "sharecore")
	assert.ErrorIs(t, err, ErrInvalid)
}
