package event

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewPublisherWithoutURLIsNoop(t *testing.T) {
	p := NewPublisher("")
	_, ok := p.(*noop)
	require.True(t, ok)

	link := model.ShareLink{ID: "01H", Token: "secret"}
	assert.NoError(t, p.PublishShareCreated(context.Background(), link))
	assert.NoError(t, p.PublishShareViewed(context.Background(), link))
	assert.NoError(t, p.PublishShareDeactivated(context.Background(), link))
	assert.NoError(t, p.Close())
}

func TestEnvelopeOmitsToken(t *testing.T) {
	link := model.ShareLink{
		ID:           "01HXYZ",
		Token:        "0123456789abcdef0123456789abcdef",
		ResourceType: model.ResourceCampaign,
		ResourceID:   "camp-1",
		IsActive:     true,
		ViewCount:    3,
		CustomDesign: &model.CustomDesign{HTML: "<p>x</p>"},
	}
	ctx := WithCorrelationID(context.Background(), "corr-1")
	env := newEnvelope(ctx, TypeShareViewed, link, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))

	assert.Equal(t, "corr-1", env.CorrelationID)
	assert.Equal(t, TypeShareViewed, env.Type)
	assert.NotEmpty(t, env.ID)

	b, err := json.Marshal(env)
	require.NoError(t, err)
	assert.NotContains(t, string(b), link.Token)
	assert.NotContains(t, string(b), "customDesign")
	assert.Contains(t, string(b), `"viewCount":3`)
}

func TestEnvelopeGeneratesCorrelationID(t *testing.T) {
	env := newEnvelope(context.Background(), TypeShareCreated, model.ShareLink{ID: "x"}, time.Now())
	assert.NotEmpty(t, env.CorrelationID)
}

func TestDeduperWindow(t *testing.T) {
	d := newDeduper(time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	assert.False(t, d.seen("a", now))
	d.mark("a", now)
	assert.True(t, d.seen("a", now.Add(30*time.Second)))
	assert.False(t, d.seen("a", now.Add(time.Minute)))

	d.mark("b", now.Add(2*time.Minute))
	_, kept := d.last["a"]
	assert.False(t, kept)
}
