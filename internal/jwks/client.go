// Package jwks verifies EdDSA-signed bearer tokens against a JSON Web Key Set.
package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Errors returned by ValidateJWT. Each wraps the underlying jwt error.
var (
	ErrMalformed = errors.New("malformed token")
	ErrExpired   = errors.New("token expired")
	ErrInvalid   = errors.New("invalid token")
	ErrNoKey     = errors.New("signing key not found")
)

// cacheTTL is how long a fetched key set is trusted.
const cacheTTL = 5 * time.Minute

// JWKS represents a JSON Web Key Set
type JWKS struct {
	Keys []JWK `json:"keys"`
}

// JWK represents a JSON Web Key
type JWK struct {
	Kty string `json:"kty"` // Key type
	Kid string `json:"kid"` // Key ID
	Use string `json:"use"` // Public key use
	Alg string `json:"alg"` // Algorithm
	Crv string `json:"crv"` // Curve
	X   string `json:"x"`   // Public key
}

// PublicJWK renders an Ed25519 public key as a JWK.
func PublicJWK(kid string, pub ed25519.PublicKey) JWK {
	return JWK{
		Kty: "OKP",
		Kid: kid,
		Use: "sig",
		Alg: "EdDSA",
		Crv: "Ed25519",
		X:   base64.RawURLEncoding.EncodeToString(pub),
	}
}

// Client handles JWKS discovery and caching
type Client struct {
	jwksURL    string
	httpClient *http.Client

	mu        sync.RWMutex
	keys      map[string]ed25519.PublicKey
	expiresAt time.Time
	static    bool
}

// NewClient creates a client that fetches keys from jwksURL on demand.
func NewClient(jwksURL string) *Client {
	return &Client{
		jwksURL: jwksURL,
		httpClient: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// NewStaticClient creates a client with a fixed key set and no discovery.
func NewStaticClient(set JWKS) (*Client, error) {
	keys, err := decodeKeys(set)
	if err != nil {
		return nil, err
	}
	return &Client{keys: keys, static: true}, nil
}

// fetchJWKS fetches the JWKS from the issuer
func (c *Client) fetchJWKS(ctx context.Context) (*JWKS, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.jwksURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch JWKS: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("JWKS fetch failed with status %d", resp.StatusCode)
	}

	var set JWKS
	if err := json.NewDecoder(resp.Body).Decode(&set); err != nil {
		return nil, fmt.Errorf("failed to decode JWKS: %w", err)
	}
	return &set, nil
}

// decodeKeys keeps only Ed25519 signing keys.
func decodeKeys(set JWKS) (map[string]ed25519.PublicKey, error) {
	keys := make(map[string]ed25519.PublicKey, len(set.Keys))
	for _, k := range set.Keys {
		if k.Kty != "OKP" || k.Crv != "Ed25519" || (k.Alg != "" && k.Alg != "EdDSA") {
			continue
		}
		x, err := base64.RawURLEncoding.DecodeString(k.X)
		if err != nil || len(x) != ed25519.PublicKeySize {
			return nil, fmt.Errorf("invalid public key for kid %s", k.Kid)
		}
		keys[k.Kid] = ed25519.PublicKey(x)
	}
	return keys, nil
}

// key returns the public key for kid, refreshing the set once when the
// cache is stale or the kid is unknown (key rotation).
func (c *Client) key(ctx context.Context, kid string) (ed25519.PublicKey, error) {
	c.mu.RLock()
	k, ok := c.keys[kid]
	fresh := c.static || time.Now().Before(c.expiresAt)
	c.mu.RUnlock()
	if ok && fresh {
		return k, nil
	}
	if c.static {
		return nil, fmt.Errorf("%w: kid %s", ErrNoKey, kid)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	// Double-check after acquiring write lock
	if k, ok := c.keys[kid]; ok && time.Now().Before(c.expiresAt) {
		return k, nil
	}

	set, err := c.fetchJWKS(ctx)
	if err != nil {
		return nil, err
	}
	keys, err := decodeKeys(*set)
	if err != nil {
		return nil, err
	}
	c.keys = keys
	c.expiresAt = time.Now().Add(cacheTTL)

	k, ok = keys[kid]
	if !ok {
		return nil, fmt.Errorf("%w: kid %s", ErrNoKey, kid)
	}
	return k, nil
}

// ValidateJWT verifies signature, issuer, audience and expiry and returns the claims.
func (c *Client) ValidateJWT(ctx context.Context, tokenString, expectedIssuer, expectedAudience string) (jwt.MapClaims, error) {
	keyFunc := func(token *jwt.Token) (interface{}, error) {
		kid, ok := token.Header["kid"].(string)
		if !ok || kid == "" {
			return nil, fmt.Errorf("%w: missing kid", ErrMalformed)
		}
		return c.key(ctx, kid)
	}

	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, keyFunc,
		jwt.WithValidMethods([]string{jwt.SigningMethodEdDSA.Alg()}),
		jwt.WithIssuer(expectedIssuer),
		jwt.WithAudience(expectedAudience),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		switch {
		case errors.Is(err, ErrMalformed), errors.Is(err, jwt.ErrTokenMalformed):
			return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
		case errors.Is(err, ErrNoKey):
			return nil, err
		case errors.Is(err, jwt.ErrTokenExpired):
			return nil, fmt.Errorf("%w: %v", ErrExpired, err)
		default:
			return nil, fmt.Errorf("%w: %v", ErrInvalid, err)
		}
	}
	return claims, nil
}
