// Package conformance runs the sharecore HTTP surface end to end against an
// in-memory store, signing its own bearer tokens.
package conformance

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/givebridge/sharecore/internal/aggregate"
	"github.com/givebridge/sharecore/internal/auth"
	"github.com/givebridge/sharecore/internal/dashboard"
	"github.com/givebridge/sharecore/internal/event"
	"github.com/givebridge/sharecore/internal/jwks"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/resolver"
	"github.com/givebridge/sharecore/internal/schema"
	"github.com/givebridge/sharecore/internal/server"
	"github.com/givebridge/sharecore/internal/share"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/golang-jwt/jwt/v5"
)

// Config holds configuration for the conformance test harness.
type Config struct {
	JWTIssuer   string
	JWTAudience string
	Admins      []string // Subjects granted the admin capability
	Strict      bool     // Dashboard fails when any section fails
}

// Event is one published share event as the harness saw it.
type Event struct {
	Type string
	Link model.ShareLink
}

// Harness serves the full handler stack over httptest.
type Harness struct {
	server *httptest.Server
	store  *storage.Memory
	priv   ed25519.PrivateKey
	cfg    Config

	mu     sync.Mutex
	now    time.Time
	events []Event
}

// NewHarness creates a new conformance test harness. The share clock starts
// at the current time and only moves through Advance.
func NewHarness(cfg Config) (*Harness, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate signing key: %w", err)
	}
	keys, err := jwks.NewStaticClient(jwks.JWKS{Keys: []jwks.JWK{jwks.PublicJWK("conformance", pub)}})
	if err != nil {
		return nil, fmt.Errorf("build key set: %w", err)
	}
	validator, err := schema.NewValidator()
	if err != nil {
		return nil, fmt.Errorf("failed to initialize schema validator: %w", err)
	}

	h := &Harness{
		store: storage.NewMemory(),
		priv:  priv,
		cfg:   cfg,
		now:   time.Now().UTC(),
	}

	admins := capabilities{}
	for _, s := range cfg.Admins {
		admins[s] = true
	}

	shares := share.NewService(h.store, resolver.New(h.store), validator,
		share.Config{BaseURL: "https://share.test", ValidateResource: true},
		share.WithClock(h.clock), share.WithPublisher(&recorder{h: h}))

	h.server = httptest.NewServer(server.NewMux(server.Deps{
		Store:     h.store,
		Shares:    shares,
		Dashboard: dashboard.NewComposer(aggregate.NewEngine(h.store), nil, dashboard.Config{Strict: cfg.Strict, Concurrency: 4}),
		Auth:      auth.NewAuthenticator(keys, admins, cfg.JWTIssuer, cfg.JWTAudience),
		Validator: validator,
	}))
	return h, nil
}

// URL returns the base URL of the test server.
func (h *Harness) URL() string {
	return h.server.URL
}

// Close shuts down the test server.
func (h *Harness) Close() {
	h.server.Close()
}

// Seed stands in for the CRUD layer writing entity documents.
func (h *Harness) Seed(c model.Collection, docs ...model.Document) error {
	return h.store.Seed(c, docs...)
}

// Remove deletes an entity document behind any links that reference it.
func (h *Harness) Remove(c model.Collection, id string) {
	h.store.Remove(c, id)
}

// Advance moves the share service clock forward.
func (h *Harness) Advance(d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.now = h.now.Add(d)
}

func (h *Harness) clock() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.now
}

// Events returns the events published so far of the given type.
func (h *Harness) Events(eventType string) []Event {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []Event
	for _, e := range h.events {
		if e.Type == eventType {
			out = append(out, e)
		}
	}
	return out
}

// Token signs a bearer token for subject.
func (h *Harness) Token(subject string) (string, error) {
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, jwt.MapClaims{
		"iss": h.cfg.JWTIssuer,
		"aud": h.cfg.JWTAudience,
		"sub": subject,
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "conformance"
	return tok.SignedString(h.priv)
}

// Response is a decoded envelope.
type Response struct {
	Status int
	Data   json.RawMessage
	Error  *ErrorBody
	Raw    []byte
}

// ErrorBody is the error half of the envelope.
type ErrorBody struct {
	Code          string          `json:"code"`
	Message       string          `json:"message"`
	CorrelationID string          `json:"correlationId"`
	Details       json.RawMessage `json:"details,omitempty"`
}

// Do sends a JSON request, authenticated as subject unless subject is empty.
func (h *Harness) Do(method, path, subject string, body interface{}) (*Response, error) {
	var rd io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		rd = bytes.NewReader(b)
	}
	req, err := http.NewRequest(method, h.URL()+path, rd)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	if subject != "" {
		tok, err := h.Token(subject)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+tok)
	}

	resp, err := h.server.Client().Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}

	out := &Response{Status: resp.StatusCode, Raw: raw}
	if resp.Header.Get("Content-Type") != "application/json" {
		return out, nil
	}
	var env struct {
		Data  json.RawMessage `json:"data"`
		Error *ErrorBody      `json:"error"`
	}
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("decode %s %s: %w", method, path, err)
	}
	out.Data, out.Error = env.Data, env.Error
	return out, nil
}

// capabilities grants admin to a fixed subject set.
type capabilities map[string]bool

func (c capabilities) IsAdmin(_ context.Context, subject string) (bool, string, error) {
	if c[subject] {
		return true, "admin", nil
	}
	return false, "", nil
}

// recorder captures published share events.
type recorder struct{ h *Harness }

func (r *recorder) add(t string, link model.ShareLink) error {
	r.h.mu.Lock()
	defer r.h.mu.Unlock()
	r.h.events = append(r.h.events, Event{Type: t, Link: link})
	return nil
}

func (r *recorder) PublishShareCreated(_ context.Context, link model.ShareLink) error {
	return r.add(event.TypeShareCreated, link)
}

func (r *recorder) PublishShareViewed(_ context.Context, link model.ShareLink) error {
	return r.add(event.TypeShareViewed, link)
}

func (r *recorder) PublishShareDeactivated(_ context.Context, link model.ShareLink) error {
	return r.add(event.TypeShareDeactivated, link)
}

func (r *recorder) Close() error { return nil }
