// Package model defines the data structures used throughout the sharecore service.
// These structures represent share links, the documents of the collaborator-owned
// entity collections, and the request/response bodies of the HTTP boundary.
package model

import (
	"time"
)

// ResourceType names the kind of entity a share link exposes.
type ResourceType string

const (
	ResourceProfile   ResourceType = "profile"   // An NGO or company profile
	ResourceCampaign  ResourceType = "campaign"  // A single fundraising campaign
	ResourcePortfolio ResourceType = "portfolio" // An NGO profile with its active campaigns
)

// ResourceTypes lists the closed enumeration of shareable resource types.
var ResourceTypes = []ResourceType{ResourceProfile, ResourceCampaign, ResourcePortfolio}

// Valid reports whether t is one of the enumerated resource types.
func (t ResourceType) Valid() bool {
	for _, rt := range ResourceTypes {
		if rt == t {
			return true
		}
	}
	return false
}

// CustomDesign is an owner-supplied rendering payload. This layer stores and
// returns it verbatim and never interprets its contents.
type CustomDesign struct {
	HTML           string                 `json:"html,omitempty"`
	CSS            string                 `json:"css,omitempty"`
	AdditionalData map[string]interface{} `json:"additionalData,omitempty"`
}

// ShareLink is a revocable, optionally expiring grant of read access to one
// resource. Token is the only handle ever given to anonymous callers.
// This corresponds to the share_links table in storage.
type ShareLink struct {
	ID           string        `json:"id" db:"id"`                                // Internal primary key (ULID)
	Token        string        `json:"token" db:"token"`                          // Opaque external handle, immutable
	ResourceType ResourceType  `json:"resourceType" db:"resource_type"`           // Which resolver is consulted
	ResourceID   string        `json:"resourceId" db:"resource_id"`               // Referenced entity
	CustomDesign *CustomDesign `json:"customDesign,omitempty" db:"custom_design"` // Optional rendering payload
	IsActive     bool          `json:"isActive" db:"is_active"`                   // False once revoked
	ViewCount    int64         `json:"viewCount" db:"view_count"`                 // Successful accesses
	LastViewed   *time.Time    `json:"lastViewed,omitempty" db:"last_viewed"`     // Most recent successful access
	ExpiresAt    *time.Time    `json:"expiresAt,omitempty" db:"expires_at"`       // Nil means no expiry
	CreatedBy    string        `json:"createdBy" db:"created_by"`                 // Issuing principal
	CreatedAt    time.Time     `json:"createdAt" db:"created_at"`
	UpdatedAt    time.Time     `json:"updatedAt" db:"updated_at"`
}

// IsValid reports whether the link may be resolved at instant now.
func (l *ShareLink) IsValid(now time.Time) bool {
	return l.IsActive && (l.ExpiresAt == nil || l.ExpiresAt.After(now))
}

// ListShareLinksQuery filters share links for the owner/admin listing.
type ListShareLinksQuery struct {
	CreatedBy    string       `json:"createdBy"`    // Restrict to one issuer
	ResourceType ResourceType `json:"resourceType"` // Restrict to one resource type
	ResourceID   string       `json:"resourceId"`   // Restrict to one resource
	Limit        int          `json:"limit"`        // Maximum number of links to return
}

// CreateShareLinkRequest is the body of POST /v1/shares.
type CreateShareLinkRequest struct {
	ResourceType string                 `json:"resourceType" validate:"required"`
	ResourceID   string                 `json:"resourceId" validate:"required,max=128"`
	CustomDesign map[string]interface{} `json:"customDesign,omitempty"`
	ExpiresAt    *time.Time             `json:"expiresAt,omitempty"`
}

// CreateShareLinkData is the payload returned after minting a link.
type CreateShareLinkData struct {
	Token     string    `json:"token"`
	ShareURL  string    `json:"shareUrl"`
	ShareLink ShareLink `json:"shareLink"`
}

// UpdateDesignRequest is the body of PUT /v1/shares/{token}/design.
type UpdateDesignRequest struct {
	CustomDesign map[string]interface{} `json:"customDesign"`
}

// SharedResourceData is the anonymous view of a shared resource.
type SharedResourceData struct {
	ResourceType ResourceType           `json:"resourceType"`
	Kind         string                 `json:"kind"`
	View         map[string]interface{} `json:"view"`
	ViewCount    int64                  `json:"viewCount"`
	CustomDesign *CustomDesign          `json:"customDesign,omitempty"`
}
