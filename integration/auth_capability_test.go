// Package integration exercises sharecore against live JWKS and capability
// endpoints served over httptest.
package integration

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/givebridge/sharecore/internal/aggregate"
	"github.com/givebridge/sharecore/internal/auth"
	"github.com/givebridge/sharecore/internal/capability"
	"github.com/givebridge/sharecore/internal/dashboard"
	"github.com/givebridge/sharecore/internal/jwks"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/resolver"
	"github.com/givebridge/sharecore/internal/schema"
	"github.com/givebridge/sharecore/internal/server"
	"github.com/givebridge/sharecore/internal/share"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testIssuer   = "https://auth.test"
	testAudience = "sharecore"
)

// identityProvider serves a rotating JWKS and signs tokens with its current key.
type identityProvider struct {
	mu   sync.Mutex
	kid  string
	priv ed25519.PrivateKey
	set  jwks.JWKS
	srv  *httptest.Server
}

func newIdentityProvider(t *testing.T) *identityProvider {
	t.Helper()
	p := &identityProvider{}
	p.rotate(t, "key-1")
	p.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(p.set)
	}))
	t.Cleanup(p.srv.Close)
	return p
}

// rotate publishes a new key alongside the old ones and signs with it from now on.
func (p *identityProvider) rotate(t *testing.T, kid string) {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	p.mu.Lock()
	defer p.mu.Unlock()
	p.kid, p.priv = kid, priv
	p.set.Keys = append(p.set.Keys, jwks.PublicJWK(kid, pub))
}

func (p *identityProvider) token(t *testing.T, sub string) string {
	t.Helper()
	p.mu.Lock()
	defer p.mu.Unlock()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": testIssuer, "aud": testAudience, "sub": sub, "exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = p.kid
	s, err := tok.SignedString(p.priv)
	require.NoError(t, err)
	return s
}

// capabilityService answers grants from a map; down makes it fail.
type capabilityService struct {
	mu     sync.Mutex
	grants map[string]capability.Grant
	down   bool
	srv    *httptest.Server
}

func newCapabilityService(t *testing.T, grants ...capability.Grant) *capabilityService {
	t.Helper()
	c := &capabilityService{grants: map[string]capability.Grant{}}
	for _, g := range grants {
		c.grants[g.Subject] = g
	}
	c.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		c.mu.Lock()
		defer c.mu.Unlock()
		if c.down {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		g, ok := c.grants[r.URL.Query().Get("subject")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		_ = json.NewEncoder(w).Encode(g)
	}))
	t.Cleanup(c.srv.Close)
	return c
}

func (c *capabilityService) setDown(down bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.down = down
}

func newService(t *testing.T, idp *identityProvider, caps *capabilityService) http.Handler {
	t.Helper()
	store := storage.NewMemory()
	require.NoError(t, store.Seed(model.CollectionNGOs,
		model.Document{"id": "ngo-1", "ngoName": "Helping Hands", "isActive": true},
	))
	require.NoError(t, store.Seed(model.CollectionCampaigns,
		model.Document{"id": "camp-1", "ngoId": "ngo-1", "title": "Clean Water", "isActive": true},
	))
	v, err := schema.NewValidator()
	require.NoError(t, err)

	return server.NewMux(server.Deps{
		Store:     store,
		Shares:    share.NewService(store, resolver.New(store), v, share.Config{BaseURL: "https://share.test", ValidateResource: true}),
		Dashboard: dashboard.NewComposer(aggregate.NewEngine(store), nil, dashboard.Config{}),
		Auth:      auth.NewAuthenticator(jwks.NewClient(idp.srv.URL), capability.New(caps.srv.URL), testIssuer, testAudience),
		Validator: v,
	})
}

func call(t *testing.T, h http.Handler, method, path, bearer string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf).WithContext(context.Background())
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestAdminCapabilityFromService(t *testing.T) {
	idp := newIdentityProvider(t)
	caps := newCapabilityService(t,
		capability.Grant{Subject: "ops", Role: "admin", Admin: true},
		capability.Grant{Subject: "ngo-user", Role: "ngo"},
	)
	h := newService(t, idp, caps)

	rr := call(t, h, http.MethodGet, "/v1/admin/reports/ngos", idp.token(t, "ops"), nil)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	rr = call(t, h, http.MethodGet, "/v1/admin/reports/ngos", idp.token(t, "ngo-user"), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	// Unknown subjects authenticate but are never admins.
	rr = call(t, h, http.MethodGet, "/v1/admin/reports/ngos", idp.token(t, "stranger"), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)
	rr = call(t, h, http.MethodGet, "/v1/shares", idp.token(t, "stranger"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestCapabilityOutageDegradesToNonAdmin(t *testing.T) {
	idp := newIdentityProvider(t)
	caps := newCapabilityService(t, capability.Grant{Subject: "ops", Role: "admin", Admin: true})
	h := newService(t, idp, caps)
	caps.setDown(true)

	rr := call(t, h, http.MethodGet, "/v1/admin/dashboard", idp.token(t, "ops"), nil)
	assert.Equal(t, http.StatusForbidden, rr.Code)

	rr = call(t, h, http.MethodPost, "/v1/shares", idp.token(t, "ops"), map[string]interface{}{
		"resourceType": "campaign", "resourceId": "camp-1",
	})
	assert.Equal(t, http.StatusCreated, rr.Code, rr.Body.String())

	caps.setDown(false)
	rr = call(t, h, http.MethodGet, "/v1/admin/dashboard", idp.token(t, "ops"), nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestSigningKeyRotation(t *testing.T) {
	idp := newIdentityProvider(t)
	caps := newCapabilityService(t)
	h := newService(t, idp, caps)

	oldToken := idp.token(t, "user-1")
	rr := call(t, h, http.MethodGet, "/v1/shares", oldToken, nil)
	require.Equal(t, http.StatusOK, rr.Code)

	idp.rotate(t, "key-2")
	rr = call(t, h, http.MethodGet, "/v1/shares", idp.token(t, "user-1"), nil)
	assert.Equal(t, http.StatusOK, rr.Code, rr.Body.String())

	// Tokens under the previous key keep working while it is still published.
	rr = call(t, h, http.MethodGet, "/v1/shares", oldToken, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}

func TestRejectedTokens(t *testing.T) {
	idp := newIdentityProvider(t)
	h := newService(t, idp, newCapabilityService(t))

	other := newIdentityProvider(t)
	rr := call(t, h, http.MethodGet, "/v1/shares", other.token(t, "user-1"), nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)

	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": testIssuer, "aud": testAudience, "sub": "user-1", "exp": time.Now().Add(-time.Minute).Unix(),
	})
	tok.Header["kid"] = idp.kid
	expired, err := tok.SignedString(idp.priv)
	require.NoError(t, err)
	rr = call(t, h, http.MethodGet, "/v1/shares", expired, nil)
	assert.Equal(t, http.StatusUnauthorized, rr.Code)
	assert.Contains(t, rr.Body.String(), "token expired")
}
