// Package auth turns a bearer token into a Principal: the JWT proves who
// the caller is and the capability service decides whether they are an admin.
package auth

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	errordefs "github.com/givebridge/sharecore/internal/errors"
	"github.com/givebridge/sharecore/internal/jwks"
	"github.com/golang-jwt/jwt/v5"
)

// Principal is an authenticated caller.
type Principal struct {
	Subject string // JWT sub claim
	Role    string // Role reported by the capability service, may be empty
	Admin   bool   // Admin capability
}

// CanManage reports whether p may modify a link issued by createdBy.
func (p Principal) CanManage(createdBy string) bool {
	return p.Admin || (p.Subject != "" && p.Subject == createdBy)
}

// CapabilityChecker decides the admin capability for a subject.
type CapabilityChecker interface {
	IsAdmin(ctx context.Context, subject string) (bool, string, error)
}

// TokenVerifier validates a raw JWT.
type TokenVerifier interface {
	ValidateJWT(ctx context.Context, token, issuer, audience string) (jwt.MapClaims, error)
}

// Authenticator verifies bearer tokens and resolves capabilities.
type Authenticator struct {
	verifier TokenVerifier
	caps     CapabilityChecker // nil means nobody is admin
	issuer   string
	audience string
}

// NewAuthenticator builds an Authenticator. caps may be nil.
func NewAuthenticator(verifier TokenVerifier, caps CapabilityChecker, issuer, audience string) *Authenticator {
	return &Authenticator{verifier: verifier, caps: caps, issuer: issuer, audience: audience}
}

// Authenticate parses an Authorization header value. Failures are AUTHN errors.
// A capability service failure degrades to a non-admin principal.
func (a *Authenticator) Authenticate(ctx context.Context, header string) (Principal, error) {
	if header == "" {
		return Principal{}, errordefs.New(errordefs.AUTHN, "missing Authorization header", "")
	}
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return Principal{}, errordefs.New(errordefs.AUTHN, "invalid Authorization header format", "")
	}

	claims, err := a.verifier.ValidateJWT(ctx, raw, a.issuer, a.audience)
	if err != nil {
		msg := "invalid token"
		switch {
		case errors.Is(err, jwks.ErrExpired):
			msg = "token expired"
		case errors.Is(err, jwks.ErrMalformed):
			msg = "malformed token"
		case errors.Is(err, jwks.ErrNoKey):
			msg = "unknown signing key"
		}
		return Principal{}, errordefs.Wrap(errordefs.AUTHN, msg, err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return Principal{}, errordefs.New(errordefs.AUTHN, "missing sub claim", "")
	}

	p := Principal{Subject: sub}
	if a.caps == nil {
		return p, nil
	}
	admin, role, err := a.caps.IsAdmin(ctx, sub)
	if err != nil {
		slog.WarnContext(ctx, "capability check failed, treating as non-admin", "subject", sub, "error", err)
		return p, nil
	}
	p.Admin = admin
	p.Role = role
	return p, nil
}

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// FromContext returns the principal stored by WithPrincipal.
func FromContext(ctx context.Context) (Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(Principal)
	return p, ok
}
