// Package resolver turns a share link's (resourceType, resourceId) pair into a
// public-safe view of the underlying entity. It is the single place that
// decides which entity fields anonymous callers may see.
package resolver

import (
	"context"
	"errors"
	"fmt"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/storage"
)

// Errors returned by Resolve and Check.
var (
	ErrResourceNotFound = errors.New("resource not found")               // The referenced entity no longer exists
	ErrUnsupportedType  = errors.New("resource type not configured")     // No handler registered for the type
	ErrTypeMismatch     = errors.New("resource does not match its type") // Document shape contradicts the handler
)

// Entity is a loaded resource together with the related documents its
// public view needs.
type Entity struct {
	Kind     string           // Concrete kind: ngo, company, campaign
	Doc      model.Document   // The primary document
	Owner    model.Document   // Owning user (profiles) or NGO (campaigns); may be nil
	Children []model.Document // Active campaigns of a portfolio
}

// View is the redacted, read-only payload returned to anonymous callers.
type View struct {
	ResourceType model.ResourceType     `json:"resourceType"`
	Kind         string                 `json:"kind"`
	Body         map[string]interface{} `json:"view"`
}

// Handler knows how to load and redact one resource type.
type Handler struct {
	// Load fetches the entity and its related documents.
	Load func(ctx context.Context, store storage.EntityStore, id string) (*Entity, error)
	// Redact projects the entity onto its public fields. It must not fail.
	Redact func(e *Entity) map[string]interface{}
}

// Resolver dispatches on resource type through a flat handler map.
type Resolver struct {
	store    storage.EntityStore
	handlers map[model.ResourceType]Handler
}

// New returns a Resolver with the profile, campaign and portfolio handlers registered.
func New(store storage.EntityStore) *Resolver {
	r := &Resolver{
		store:    store,
		handlers: make(map[model.ResourceType]Handler),
	}
	r.Register(model.ResourceProfile, profileHandler)
	r.Register(model.ResourceCampaign, campaignHandler)
	r.Register(model.ResourcePortfolio, portfolioHandler)
	return r
}

// Register installs or replaces the handler for t.
func (r *Resolver) Register(t model.ResourceType, h Handler) {
	r.handlers[t] = h
}

// Resolve loads and redacts the resource.
func (r *Resolver) Resolve(ctx context.Context, t model.ResourceType, id string) (*View, error) {
	h, ok := r.handlers[t]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}

	e, err := h.Load(ctx, r.store, id)
	if err != nil {
		return nil, err
	}

	return &View{
		ResourceType: t,
		Kind:         e.Kind,
		Body:         h.Redact(e),
	}, nil
}

// Check verifies the resource exists without building a view.
func (r *Resolver) Check(ctx context.Context, t model.ResourceType, id string) error {
	h, ok := r.handlers[t]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnsupportedType, t)
	}
	_, err := h.Load(ctx, r.store, id)
	return err
}

// getDocument maps storage.ErrNotFound to ErrResourceNotFound.
func getDocument(ctx context.Context, store storage.EntityStore, c model.Collection, id string) (model.Document, error) {
	doc, err := store.GetDocument(ctx, c, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, ErrResourceNotFound
		}
		return nil, fmt.Errorf("failed to load %s %s: %w", c, id, err)
	}
	return doc, nil
}

// getOptional loads a related document; a missing one yields nil.
func getOptional(ctx context.Context, store storage.EntityStore, c model.Collection, id string) (model.Document, error) {
	if id == "" {
		return nil, nil
	}
	doc, err := store.GetDocument(ctx, c, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to load %s %s: %w", c, id, err)
	}
	return doc, nil
}

// requireShape returns ErrTypeMismatch unless every field is present.
func requireShape(doc model.Document, kind string, fields ...string) error {
	for _, f := range fields {
		if _, ok := doc[f]; !ok {
			return fmt.Errorf("%w: %s %s lacks %q", ErrTypeMismatch, kind, doc.ID(), f)
		}
	}
	return nil
}
