// Package share implements the share link lifecycle: minting, anonymous
// access with view tracking, revocation, customization and listing.
package share

import (
	"context"
	"crypto/rand"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/givebridge/sharecore/internal/auth"
	errordefs "github.com/givebridge/sharecore/internal/errors"
	"github.com/givebridge/sharecore/internal/event"
	"github.com/givebridge/sharecore/internal/metrics"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/resolver"
	"github.com/givebridge/sharecore/internal/schema"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/givebridge/sharecore/internal/token"
	"github.com/go-playground/validator/v10"
	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
)

// DefaultMintAttempts bounds token collision retries.
const DefaultMintAttempts = 3

// Resolver loads the public view of a shared resource.
type Resolver interface {
	Resolve(ctx context.Context, t model.ResourceType, id string) (*resolver.View, error)
	Check(ctx context.Context, t model.ResourceType, id string) error
}

// Config tunes the service.
type Config struct {
	BaseURL          string // Prefix of shareUrl, e.g. https://give.example.org/share
	MintAttempts     int    // Token collision retries before SHARE_CONFLICT
	ValidateResource bool   // Reject creation when the resource does not exist
}

// Service is the share access service.
type Service struct {
	store    storage.ShareStore
	resolver Resolver
	minter   token.Minter
	schemas  *schema.Validator
	events   event.Publisher
	validate *validator.Validate
	metrics  *metrics.Metrics
	cfg      Config
	now      func() time.Time
}

// Option customizes a Service.
type Option func(*Service)

// WithMinter replaces the crypto/rand token minter.
func WithMinter(m token.Minter) Option {
	return func(s *Service) { s.minter = m }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithPublisher sets the lifecycle event publisher.
func WithPublisher(p event.Publisher) Option {
	return func(s *Service) { s.events = p }
}

// NewService wires a share service.
func NewService(store storage.ShareStore, res Resolver, schemas *schema.Validator, cfg Config, opts ...Option) *Service {
	if cfg.MintAttempts <= 0 {
		cfg.MintAttempts = DefaultMintAttempts
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	s := &Service{
		store:    store,
		resolver: res,
		minter:   token.NewMinter(),
		schemas:  schemas,
		events:   event.NewNoop(),
		validate: validator.New(),
		metrics:  metrics.NewMetrics(),
		cfg:      cfg,
		now:      time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

func (s *Service) record(op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
		if e, ok := errordefs.As(err); ok {
			result = strings.ToLower(string(e.Code))
		}
	}
	s.metrics.ShareOperationTotal.WithLabelValues(op, result).Inc()
}

// Create mints and persists a new share link owned by p.
func (s *Service) Create(ctx context.Context, p auth.Principal, req model.CreateShareLinkRequest) (data *model.CreateShareLinkData, err error) {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "share.Create")
	defer span.End()
	defer func() {
		s.record("create", err)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if err := s.validate.Struct(req); err != nil {
		return nil, errordefs.NewWithDetails(errordefs.INVALID_INPUT, "invalid share request", "", validationDetails(err))
	}
	rt := model.ResourceType(req.ResourceType)
	if !rt.Valid() {
		return nil, errordefs.New(errordefs.INVALID_INPUT, fmt.Sprintf("unrecognized resource type %q", req.ResourceType), "")
	}
	span.SetAttributes(attribute.String("resource_type", string(rt)))

	now := s.now().UTC()
	if req.ExpiresAt != nil && !req.ExpiresAt.After(now) {
		return nil, errordefs.New(errordefs.INVALID_INPUT, "expiresAt must be in the future", "")
	}

	design, err := s.decodeDesign(req.CustomDesign)
	if err != nil {
		return nil, err
	}

	if s.cfg.ValidateResource {
		if err := s.resolver.Check(ctx, rt, req.ResourceID); err != nil {
			switch {
			case errors.Is(err, resolver.ErrResourceNotFound), errors.Is(err, resolver.ErrTypeMismatch):
				return nil, errordefs.Wrap(errordefs.RESOURCE_NOT_FOUND, "resource not found", err)
			case errors.Is(err, resolver.ErrUnsupportedType):
				return nil, errordefs.Wrap(errordefs.COLLECTION_NOT_CONFIGURED, "resource type not configured", err)
			default:
				return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to check resource", err)
			}
		}
	}

	link := model.ShareLink{
		ID:           ulid.MustNew(ulid.Timestamp(now), rand.Reader).String(),
		ResourceType: rt,
		ResourceID:   req.ResourceID,
		CustomDesign: design,
		IsActive:     true,
		ExpiresAt:    utcPtr(req.ExpiresAt),
		CreatedBy:    p.Subject,
		CreatedAt:    now,
		UpdatedAt:    now,
	}

	for attempt := 1; ; attempt++ {
		tok, err := s.minter.Mint()
		if err != nil {
			return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to mint token", err)
		}
		link.Token = tok
		err = s.store.CreateShareLink(ctx, link)
		if err == nil {
			break
		}
		if !errors.Is(err, storage.ErrConflict) {
			return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to store share link", err)
		}
		slog.WarnContext(ctx, "share token collision", "attempt", attempt, "max_attempts", s.cfg.MintAttempts)
		if attempt >= s.cfg.MintAttempts {
			return nil, errordefs.Wrap(errordefs.SHARE_CONFLICT, "could not mint a unique share token", err)
		}
	}

	if err := s.events.PublishShareCreated(ctx, link); err != nil {
		slog.WarnContext(ctx, "failed to publish share created event", "error", err)
	}
	slog.InfoContext(ctx, "share link created", "share_id", link.ID, "resource_type", rt, "created_by", p.Subject)

	return &model.CreateShareLinkData{
		Token:     link.Token,
		ShareURL:  s.shareURL(rt, link.Token),
		ShareLink: link,
	}, nil
}

func (s *Service) shareURL(rt model.ResourceType, tok string) string {
	return fmt.Sprintf("%s/%s/%s", s.cfg.BaseURL, rt, tok)
}

// Access resolves a token for an anonymous caller and counts the view.
func (s *Service) Access(ctx context.Context, tok string) (*model.SharedResourceData, error) {
	return s.access(ctx, "", tok)
}

// AccessTyped is Access for URLs that also carry the resource type; a link
// of another type is reported as not found.
func (s *Service) AccessTyped(ctx context.Context, expected model.ResourceType, tok string) (*model.SharedResourceData, error) {
	return s.access(ctx, expected, tok)
}

// notFound is the single answer for every way an access can fail to
// resolve. reason only reaches the log.
func notFound(ctx context.Context, reason string, level slog.Level, attrs ...any) error {
	slog.Log(ctx, level, "share access refused", append([]any{"reason", reason}, attrs...)...)
	return errordefs.New(errordefs.SHARE_NOT_FOUND, "share link not found", "")
}

func (s *Service) access(ctx context.Context, expected model.ResourceType, tok string) (data *model.SharedResourceData, err error) {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "share.Access")
	defer span.End()
	defer func() {
		s.record("access", err)
		if err != nil {
			span.SetStatus(codes.Error, err.Error())
		}
	}()

	if !token.Valid(tok) {
		return nil, notFound(ctx, "malformed", slog.LevelDebug)
	}

	link, err := s.store.GetShareLinkByToken(ctx, tok)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound(ctx, "link", slog.LevelInfo)
		}
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to load share link", err)
	}
	attrs := []any{"share_id", link.ID, "resource_type", link.ResourceType}
	span.SetAttributes(attribute.String("share_id", link.ID), attribute.String("resource_type", string(link.ResourceType)))

	now := s.now().UTC()
	switch {
	case !link.IsActive:
		return nil, notFound(ctx, "revoked", slog.LevelInfo, attrs...)
	case !link.IsValid(now):
		return nil, notFound(ctx, "expired", slog.LevelInfo, attrs...)
	case expected != "" && link.ResourceType != expected:
		return nil, notFound(ctx, "type", slog.LevelInfo, attrs...)
	}

	view, err := s.resolver.Resolve(ctx, link.ResourceType, link.ResourceID)
	if err != nil {
		switch {
		case errors.Is(err, resolver.ErrResourceNotFound):
			return nil, notFound(ctx, "resource", slog.LevelInfo, attrs...)
		case errors.Is(err, resolver.ErrTypeMismatch), errors.Is(err, resolver.ErrUnsupportedType):
			return nil, notFound(ctx, "resolution", slog.LevelError, append(attrs, "error", err)...)
		default:
			return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to resolve shared resource", err)
		}
	}

	updated, err := s.store.RecordShareLinkView(ctx, tok, now)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, notFound(ctx, "link", slog.LevelInfo, attrs...)
		}
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to record view", err)
	}

	if err := s.events.PublishShareViewed(ctx, *updated); err != nil {
		slog.WarnContext(ctx, "failed to publish share viewed event", "error", err)
	}

	return &model.SharedResourceData{
		ResourceType: view.ResourceType,
		Kind:         view.Kind,
		View:         view.Body,
		ViewCount:    updated.ViewCount,
		CustomDesign: updated.CustomDesign,
	}, nil
}

// owned loads the link behind tok and checks p may manage it.
func (s *Service) owned(ctx context.Context, p auth.Principal, tok string) (*model.ShareLink, error) {
	if !token.Valid(tok) {
		return nil, errordefs.New(errordefs.SHARE_NOT_FOUND, "share link not found", "")
	}
	link, err := s.store.GetShareLinkByToken(ctx, tok)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.SHARE_NOT_FOUND, "share link not found", "")
		}
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to load share link", err)
	}
	if !p.CanManage(link.CreatedBy) {
		return nil, errordefs.New(errordefs.AUTHZ, "only the creator or an admin may manage this link", "")
	}
	return link, nil
}

// Deactivate revokes a link. Revoking an inactive link succeeds.
func (s *Service) Deactivate(ctx context.Context, p auth.Principal, tok string) (link *model.ShareLink, err error) {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "share.Deactivate")
	defer span.End()
	defer func() { s.record("deactivate", err) }()

	if _, err := s.owned(ctx, p, tok); err != nil {
		return nil, err
	}
	link, err = s.store.DeactivateShareLink(ctx, tok, s.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.SHARE_NOT_FOUND, "share link not found", "")
		}
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to deactivate share link", err)
	}
	if err := s.events.PublishShareDeactivated(ctx, *link); err != nil {
		slog.WarnContext(ctx, "failed to publish share deactivated event", "error", err)
	}
	slog.InfoContext(ctx, "share link deactivated", "share_id", link.ID, "by", p.Subject)
	return link, nil
}

// Customize replaces the link's custom design. A nil design clears it.
func (s *Service) Customize(ctx context.Context, p auth.Principal, tok string, raw map[string]interface{}) (link *model.ShareLink, err error) {
	ctx, span := otel.Tracer("sharecore").Start(ctx, "share.Customize")
	defer span.End()
	defer func() { s.record("customize", err) }()

	design, err := s.decodeDesign(raw)
	if err != nil {
		return nil, err
	}
	if _, err := s.owned(ctx, p, tok); err != nil {
		return nil, err
	}
	link, err = s.store.UpdateShareLinkDesign(ctx, tok, design, s.now().UTC())
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, errordefs.New(errordefs.SHARE_NOT_FOUND, "share link not found", "")
		}
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to update share design", err)
	}
	return link, nil
}

// List returns links visible to p. Non-admins only ever see their own.
func (s *Service) List(ctx context.Context, p auth.Principal, q model.ListShareLinksQuery) (links []model.ShareLink, err error) {
	defer func() { s.record("list", err) }()

	if !p.Admin {
		q.CreatedBy = p.Subject
	}
	if q.ResourceType != "" && !q.ResourceType.Valid() {
		return nil, errordefs.New(errordefs.INVALID_INPUT, fmt.Sprintf("unrecognized resource type %q", q.ResourceType), "")
	}
	links, err = s.store.ListShareLinks(ctx, q)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to list share links", err)
	}
	if links == nil {
		links = []model.ShareLink{}
	}
	return links, nil
}

// decodeDesign validates raw against the customDesign schema and converts it.
func (s *Service) decodeDesign(raw map[string]interface{}) (*model.CustomDesign, error) {
	if raw == nil {
		return nil, nil
	}
	if err := s.schemas.Validate(schema.CustomDesign, raw); err != nil {
		var verr *schema.ValidationError
		if errors.As(err, &verr) {
			return nil, errordefs.NewWithDetails(errordefs.INVALID_INPUT, "invalid customDesign", "", verr.Problems)
		}
		return nil, errordefs.Wrap(errordefs.INTERNAL, "failed to validate customDesign", err)
	}
	b, err := json.Marshal(raw)
	if err != nil {
		return nil, errordefs.Wrap(errordefs.INVALID_INPUT, "invalid customDesign", err)
	}
	var d model.CustomDesign
	if err := json.Unmarshal(b, &d); err != nil {
		return nil, errordefs.Wrap(errordefs.INVALID_INPUT, "invalid customDesign", err)
	}
	return &d, nil
}

// validationDetails flattens validator errors into field -> rule.
func validationDetails(err error) map[string]string {
	details := map[string]string{}
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) {
		for _, fe := range verrs {
			details[fe.Field()] = fe.Tag()
		}
		return details
	}
	details["body"] = err.Error()
	return details
}

func utcPtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	u := t.UTC()
	return &u
}
