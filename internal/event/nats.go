// internal/event/nats.go
// Package event provides NATS JetStream implementation for event publishing.
// It streams share link lifecycle events (created, viewed, deactivated) so
// downstream analytics can follow link usage without polling the store.
package event

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/givebridge/sharecore/internal/metrics"
	"github.com/givebridge/sharecore/internal/model"
	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
)

// Event types, also used as the subject suffix.
const (
	TypeShareCreated     = "sharecore.shares.created"
	TypeShareViewed      = "sharecore.shares.viewed"
	TypeShareDeactivated = "sharecore.shares.deactivated"
)

// streamName is the JetStream stream holding share events.
const streamName = "SHARECORE_SHARES"

// dedupWindow suppresses repeated lifecycle events for the same link.
// View events are never deduplicated since each one is a counted access.
const dedupWindow = 2 * time.Minute

// Publisher interface defines the event publishing operations required by the share service.
type Publisher interface {
	PublishShareCreated(ctx context.Context, link model.ShareLink) error
	PublishShareViewed(ctx context.Context, link model.ShareLink) error
	PublishShareDeactivated(ctx context.Context, link model.ShareLink) error

	// Close closes the publisher connection
	Close() error
}

// noop is a no-op implementation of Publisher for when NATS is not configured.
type noop struct{}

// NewNoop returns a Publisher that drops every event.
func NewNoop() Publisher { return &noop{} }

func (n *noop) Close() error { return nil }

func (n *noop) PublishShareCreated(ctx context.Context, link model.ShareLink) error { return nil }

func (n *noop) PublishShareViewed(ctx context.Context, link model.ShareLink) error { return nil }

func (n *noop) PublishShareDeactivated(ctx context.Context, link model.ShareLink) error {
	return nil
}

// natsPub is the NATS JetStream implementation of Publisher.
type natsPub struct {
	nc      *nats.Conn            // NATS connection
	js      nats.JetStreamContext // JetStream context for stream operations
	metrics *metrics.Metrics

	dedup *deduper
}

// NewPublisher connects to NATS at url. An empty url, a failed connection
// or a failed stream setup all yield a no-op publisher; event streaming is
// never a reason to refuse to start.
func NewPublisher(url string) Publisher {
	if url == "" {
		return &noop{}
	}

	nc, err := nats.Connect(url, nats.Name("sharecore"))
	if err != nil {
		slog.Warn("NATS connect failed, using noop publisher", "error", err)
		return &noop{}
	}

	js, err := nc.JetStream()
	if err != nil {
		slog.Warn("NATS JetStream context creation failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	if err := initStreams(js); err != nil {
		slog.Warn("NATS stream initialization failed, using noop publisher", "error", err)
		nc.Close()
		return &noop{}
	}

	return &natsPub{
		nc:      nc,
		js:      js,
		metrics: metrics.NewMetrics(),
		dedup:   newDeduper(dedupWindow),
	}
}

// initStreams creates the share events stream if it does not exist.
func initStreams(js nats.JetStreamContext) error {
	_, err := js.AddStream(&nats.StreamConfig{
		Name:      streamName,
		Subjects:  []string{"sharecore.shares.*"},
		Retention: nats.LimitsPolicy,
		MaxAge:    7 * 24 * time.Hour, // analytics consumers may lag by days
		Discard:   nats.DiscardOld,
		Storage:   nats.FileStorage,
	})
	if err != nil {
		return fmt.Errorf("failed to create %s stream: %w", streamName, err)
	}
	return nil
}

// EventEnvelope represents the standard event envelope structure.
type EventEnvelope struct {
	ID            string      `json:"id"`            // Unique event id, also the JetStream msg id
	Type          string      `json:"type"`          // Event type identifier
	Version       string      `json:"version"`       // Event schema version
	OccurredAt    time.Time   `json:"occurredAt"`    // When the event occurred
	CorrelationID string      `json:"correlationId"` // Correlation ID for tracing
	Payload       interface{} `json:"payload"`       // Event-specific data
}

// SharePayload is the event body. It never carries the custom design.
type SharePayload struct {
	ID           string             `json:"id"`
	ResourceType model.ResourceType `json:"resourceType"`
	ResourceID   string             `json:"resourceId"`
	CreatedBy    string             `json:"createdBy"`
	IsActive     bool               `json:"isActive"`
	ViewCount    int64              `json:"viewCount"`
	LastViewed   *time.Time         `json:"lastViewed,omitempty"`
	ExpiresAt    *time.Time         `json:"expiresAt,omitempty"`
}

type correlationKey struct{}

// WithCorrelationID tags ctx so published envelopes carry the request's
// correlation id.
func WithCorrelationID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey{}, id)
}

// newEnvelope wraps link in an envelope of the given type. The token is
// never included.
func newEnvelope(ctx context.Context, eventType string, link model.ShareLink, now time.Time) EventEnvelope {
	correlationID, _ := ctx.Value(correlationKey{}).(string)
	if correlationID == "" {
		correlationID = uuid.New().String()
	}
	return EventEnvelope{
		ID:            uuid.New().String(),
		Type:          eventType,
		Version:       "1.0.0",
		OccurredAt:    now.UTC(),
		CorrelationID: correlationID,
		Payload: SharePayload{
			ID:           link.ID,
			ResourceType: link.ResourceType,
			ResourceID:   link.ResourceID,
			CreatedBy:    link.CreatedBy,
			IsActive:     link.IsActive,
			ViewCount:    link.ViewCount,
			LastViewed:   link.LastViewed,
			ExpiresAt:    link.ExpiresAt,
		},
	}
}

// Close closes the NATS connection.
func (p *natsPub) Close() error {
	if p.nc != nil {
		p.nc.Close()
	}
	return nil
}

func (p *natsPub) PublishShareCreated(ctx context.Context, link model.ShareLink) error {
	return p.publish(ctx, TypeShareCreated, link, true)
}

func (p *natsPub) PublishShareViewed(ctx context.Context, link model.ShareLink) error {
	return p.publish(ctx, TypeShareViewed, link, false)
}

func (p *natsPub) PublishShareDeactivated(ctx context.Context, link model.ShareLink) error {
	return p.publish(ctx, TypeShareDeactivated, link, true)
}

func (p *natsPub) publish(ctx context.Context, eventType string, link model.ShareLink, dedup bool) error {
	key := eventType + ":" + link.ID
	if dedup && p.dedup.seen(key, time.Now()) {
		return nil
	}

	start := time.Now()
	envelope := newEnvelope(ctx, eventType, link, start)
	b, err := json.Marshal(envelope)
	if err != nil {
		return err
	}

	_, err = p.js.Publish(eventType, b, nats.MsgId(envelope.ID), nats.Context(ctx))
	status := "ok"
	if err != nil {
		status = "error"
	}
	p.metrics.EventPublishTotal.WithLabelValues(eventType, status).Inc()
	p.metrics.EventPublishDuration.WithLabelValues(eventType, status).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("failed to publish %s: %w", eventType, err)
	}

	if dedup {
		p.dedup.mark(key, time.Now())
	}
	return nil
}

// deduper remembers recently published keys.
type deduper struct {
	window time.Duration
	mu     sync.Mutex
	last   map[string]time.Time
}

func newDeduper(window time.Duration) *deduper {
	return &deduper{window: window, last: make(map[string]time.Time)}
}

func (d *deduper) seen(key string, now time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	t, ok := d.last[key]
	return ok && now.Sub(t) < d.window
}

// mark records key and drops entries older than the window.
func (d *deduper) mark(key string, now time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for k, t := range d.last {
		if now.Sub(t) >= d.window {
			delete(d.last, k)
		}
	}
	d.last[key] = now
}
