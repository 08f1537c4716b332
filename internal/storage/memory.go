// internal/storage/memory.go
package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/givebridge/sharecore/internal/model"
)

// Memory implements the Store interface using in-memory storage.
// It's intended for development and testing purposes.
type Memory struct {
	mu          sync.RWMutex                                  // Protects concurrent access to maps
	shares      map[string]*model.ShareLink                   // Map of token to share link
	collections map[model.Collection]map[string]model.Document // Map of collection to id to document
}

// NewMemory creates a new in-memory storage implementation.
func NewMemory() *Memory {
	m := &Memory{
		shares:      make(map[string]*model.ShareLink),
		collections: make(map[model.Collection]map[string]model.Document),
	}
	for _, c := range model.Collections {
		m.collections[c] = make(map[string]model.Document)
	}
	return m
}

// Ping always succeeds for the in-memory store.
func (m *Memory) Ping(ctx context.Context) error {
	return ctx.Err()
}

// Seed inserts or replaces documents of a collection. It stands in for the
// external CRUD layer in development and tests.
func (m *Memory) Seed(collection model.Collection, docs ...model.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	coll, ok := m.collections[collection]
	if !ok {
		return ErrUnknownCollection
	}
	for _, d := range docs {
		coll[d.ID()] = copyDocument(d)
	}
	return nil
}

// Remove deletes a document, simulating the CRUD layer deleting an entity.
func (m *Memory) Remove(collection model.Collection, id string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.collections[collection], id)
}

func (m *Memory) CreateShareLink(ctx context.Context, link model.ShareLink) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, exists := m.shares[link.Token]; exists {
		return ErrConflict
	}

	linkCopy := copyShareLink(&link)
	m.shares[link.Token] = linkCopy
	return nil
}

func (m *Memory) GetShareLinkByToken(ctx context.Context, token string) (*model.ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	link, exists := m.shares[token]
	if !exists {
		return nil, ErrNotFound
	}
	return copyShareLink(link), nil
}

func (m *Memory) RecordShareLinkView(ctx context.Context, token string, at time.Time) (*model.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.shares[token]
	if !exists || !link.IsValid(at) {
		return nil, ErrNotFound
	}
	viewed := at.UTC()
	link.ViewCount++
	link.LastViewed = &viewed
	link.UpdatedAt = viewed
	return copyShareLink(link), nil
}

func (m *Memory) DeactivateShareLink(ctx context.Context, token string, at time.Time) (*model.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.shares[token]
	if !exists {
		return nil, ErrNotFound
	}
	if link.IsActive {
		link.IsActive = false
		link.UpdatedAt = at.UTC()
	}
	return copyShareLink(link), nil
}

func (m *Memory) UpdateShareLinkDesign(ctx context.Context, token string, design *model.CustomDesign, at time.Time) (*model.ShareLink, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	link, exists := m.shares[token]
	if !exists {
		return nil, ErrNotFound
	}
	link.CustomDesign = copyDesign(design)
	link.UpdatedAt = at.UTC()
	return copyShareLink(link), nil
}

func (m *Memory) ListShareLinks(ctx context.Context, query model.ListShareLinksQuery) ([]model.ShareLink, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	filtered := make([]model.ShareLink, 0)
	for _, link := range m.shares {
		if query.CreatedBy != "" && link.CreatedBy != query.CreatedBy {
			continue
		}
		if query.ResourceType != "" && link.ResourceType != query.ResourceType {
			continue
		}
		if query.ResourceID != "" && link.ResourceID != query.ResourceID {
			continue
		}
		filtered = append(filtered, *copyShareLink(link))
	}

	// Newest first, token ascending for stable ordering
	sort.Slice(filtered, func(i, j int) bool {
		if filtered[i].CreatedAt.Equal(filtered[j].CreatedAt) {
			return filtered[i].Token < filtered[j].Token
		}
		return filtered[i].CreatedAt.After(filtered[j].CreatedAt)
	})

	limit := clampLimit(query.Limit)
	if len(filtered) > limit {
		filtered = filtered[:limit]
	}
	return filtered, nil
}

func (m *Memory) GetDocument(ctx context.Context, collection model.Collection, id string) (model.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	coll, ok := m.collections[collection]
	if !ok {
		return nil, ErrUnknownCollection
	}
	doc, exists := coll[id]
	if !exists {
		return nil, ErrNotFound
	}
	return copyDocument(doc), nil
}

// ScanCollection visits documents in id order so results over a fixed
// snapshot never depend on map iteration order.
func (m *Memory) ScanCollection(ctx context.Context, collection model.Collection, fn func(model.Document) error) error {
	m.mu.RLock()
	coll, ok := m.collections[collection]
	if !ok {
		m.mu.RUnlock()
		return ErrUnknownCollection
	}
	ids := make([]string, 0, len(coll))
	for id := range coll {
		ids = append(ids, id)
	}
	docs := make([]model.Document, 0, len(coll))
	sort.Strings(ids)
	for _, id := range ids {
		docs = append(docs, coll[id])
	}
	m.mu.RUnlock()

	for _, doc := range docs {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := fn(copyDocument(doc)); err != nil {
			return err
		}
	}
	return nil
}

func copyShareLink(l *model.ShareLink) *model.ShareLink {
	c := *l
	if l.LastViewed != nil {
		t := *l.LastViewed
		c.LastViewed = &t
	}
	if l.ExpiresAt != nil {
		t := *l.ExpiresAt
		c.ExpiresAt = &t
	}
	c.CustomDesign = copyDesign(l.CustomDesign)
	return &c
}

func copyDesign(d *model.CustomDesign) *model.CustomDesign {
	if d == nil {
		return nil
	}
	c := *d
	if d.AdditionalData != nil {
		c.AdditionalData = make(map[string]interface{}, len(d.AdditionalData))
		for k, v := range d.AdditionalData {
			c.AdditionalData[k] = v
		}
	}
	return &c
}

func copyDocument(d model.Document) model.Document {
	c := make(model.Document, len(d))
	for k, v := range d {
		c[k] = v
	}
	return c
}
