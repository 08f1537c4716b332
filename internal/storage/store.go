// Package storage provides implementations of the Store interface
// for both in-memory and PostgreSQL storage backends.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/givebridge/sharecore/internal/model"
)

// Standard errors returned by the storage layer
var (
	ErrNotFound          = errors.New("not found")                // Returned when a record is not found
	ErrConflict          = errors.New("conflict")                 // Returned when a unique key already exists
	ErrUnknownCollection = errors.New("collection not configured") // Returned for unregistered collections
)

// ShareStore owns the lifecycle of share link records.
type ShareStore interface {
	// CreateShareLink persists a link whose token is already set.
	// Returns ErrConflict when the token is taken.
	CreateShareLink(ctx context.Context, link model.ShareLink) error
	// GetShareLinkByToken does an exact token match without validity filtering.
	GetShareLinkByToken(ctx context.Context, token string) (*model.ShareLink, error)
	// RecordShareLinkView atomically increments the view counter and stamps
	// lastViewed. Returns ErrNotFound unless the link is still valid at at.
	RecordShareLinkView(ctx context.Context, token string, at time.Time) (*model.ShareLink, error)
	// DeactivateShareLink clears isActive. Idempotent.
	DeactivateShareLink(ctx context.Context, token string, at time.Time) (*model.ShareLink, error)
	// UpdateShareLinkDesign replaces the custom design payload.
	UpdateShareLinkDesign(ctx context.Context, token string, design *model.CustomDesign, at time.Time) (*model.ShareLink, error)
	// ListShareLinks returns links matching the query, newest first.
	ListShareLinks(ctx context.Context, query model.ListShareLinksQuery) ([]model.ShareLink, error)
}

// EntityStore is the read-only view of the collaborator-owned collections.
type EntityStore interface {
	// GetDocument loads one document by id. Returns ErrNotFound if absent.
	GetDocument(ctx context.Context, collection model.Collection, id string) (model.Document, error)
	// ScanCollection streams every document of a collection through fn.
	// Scanning stops at the first error returned by fn or by the context.
	ScanCollection(ctx context.Context, collection model.Collection, fn func(model.Document) error) error
}

// Store combines both halves with a liveness probe.
type Store interface {
	ShareStore
	EntityStore
	Ping(ctx context.Context) error
}

// KnownCollection reports whether c is one of the registered collections.
func KnownCollection(c model.Collection) bool {
	for _, k := range model.Collections {
		if k == c {
			return true
		}
	}
	return false
}

// defaultListLimit and maxListLimit bound ListShareLinks.
const (
	defaultListLimit = 50
	maxListLimit     = 200
)

func clampLimit(limit int) int {
	if limit <= 0 {
		return defaultListLimit
	}
	if limit > maxListLimit {
		return maxListLimit
	}
	return limit
}
