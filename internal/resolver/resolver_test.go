package resolver

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/givebridge/sharecore/internal/model"
	"github.com/givebridge/sharecore/internal/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeded(t *testing.T) *storage.Memory {
	t.Helper()
	m := storage.NewMemory()
	require.NoError(t, m.Seed(model.CollectionUsers,
		model.Document{"id": "user-1", "fullName": "Asha Rao", "email": "asha@example.org", "password": "hash", "role": "ngo"},
		model.Document{"id": "user-2", "fullName": "Ravi Shah", "email": "ravi@example.com", "password": "hash", "role": "company"},
	))
	require.NoError(t, m.Seed(model.CollectionNGOs, model.Document{
		"id": "ngo-1", "userId": "user-1", "ngoName": "Helping Hands", "email": "info@hh.org",
		"bankDetails": map[string]interface{}{"account": "123"}, "isActive": true,
	}))
	require.NoError(t, m.Seed(model.CollectionCompanies, model.Document{
		"id": "co-1", "userId": "user-2", "companyName": "Acme", "gstNumber": "GST123", "isActive": true,
	}))
	require.NoError(t, m.Seed(model.CollectionCampaigns,
		model.Document{"id": "camp-1", "ngoId": "ngo-1", "title": "Clean Water", "isActive": true,
			"createdAt": time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)},
		model.Document{"id": "camp-2", "ngoId": "ngo-1", "title": "School Kits", "isActive": true,
			"createdAt": time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC)},
		model.Document{"id": "camp-3", "ngoId": "ngo-1", "title": "Closed", "isActive": false},
		model.Document{"id": "camp-bad", "companyName": "Not a campaign"},
	))
	return m
}

func TestResolveNGOProfileRedacts(t *testing.T) {
	r := New(seeded(t))
	v, err := r.Resolve(context.Background(), model.ResourceProfile, "ngo-1")
	require.NoError(t, err)

	assert.Equal(t, "ngo", v.Kind)
	assert.Equal(t, "Helping Hands", v.Body["ngoName"])
	assert.NotContains(t, v.Body, "bankDetails")
	assert.NotContains(t, v.Body, "isActive")

	owner, ok := v.Body["userId"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Asha Rao", owner["fullName"])
	assert.NotContains(t, owner, "password")
	assert.NotContains(t, owner, "role")
}

func TestResolveCompanyProfileFallback(t *testing.T) {
	r := New(seeded(t))
	v, err := r.Resolve(context.Background(), model.ResourceProfile, "co-1")
	require.NoError(t, err)
	assert.Equal(t, "company", v.Kind)
	assert.Equal(t, "Acme", v.Body["companyName"])
	assert.NotContains(t, v.Body, "gstNumber")
}

func TestResolveCampaignAttachesNGO(t *testing.T) {
	r := New(seeded(t))
	v, err := r.Resolve(context.Background(), model.ResourceCampaign, "camp-1")
	require.NoError(t, err)
	assert.Equal(t, "campaign", v.Kind)

	ngo, ok := v.Body["ngoId"].(map[string]interface{})
	require.True(t, ok)
	assert.Equal(t, "Helping Hands", ngo["ngoName"])
	assert.Equal(t, "info@hh.org", ngo["email"])
	assert.NotContains(t, ngo, "bankDetails")
}

func TestResolvePortfolioListsActiveCampaigns(t *testing.T) {
	r := New(seeded(t))
	v, err := r.Resolve(context.Background(), model.ResourcePortfolio, "ngo-1")
	require.NoError(t, err)

	campaigns, ok := v.Body["campaigns"].([]map[string]interface{})
	require.True(t, ok)
	require.Len(t, campaigns, 2)
	assert.Equal(t, "camp-2", campaigns[0]["id"])
	assert.Equal(t, "camp-1", campaigns[1]["id"])
}

func TestResolveErrors(t *testing.T) {
	r := New(seeded(t))
	ctx := context.Background()

	_, err := r.Resolve(ctx, model.ResourceProfile, "ghost")
	assert.ErrorIs(t, err, ErrResourceNotFound)

	_, err = r.Resolve(ctx, model.ResourceType("notice"), "n-1")
	assert.ErrorIs(t, err, ErrUnsupportedType)

	_, err = r.Resolve(ctx, model.ResourceCampaign, "camp-bad")
	assert.ErrorIs(t, err, ErrTypeMismatch)

	assert.ErrorIs(t, r.Check(ctx, model.ResourceCampaign, "ghost"), ErrResourceNotFound)
	assert.NoError(t, r.Check(ctx, model.ResourceCampaign, "camp-1"))
}

func TestResolveDanglingAfterDelete(t *testing.T) {
	m := seeded(t)
	r := New(m)
	m.Remove(model.CollectionCampaigns, "camp-1")

	_, err := r.Resolve(context.Background(), model.ResourceCampaign, "camp-1")
	assert.ErrorIs(t, err, ErrResourceNotFound)
}

type brokenStore struct{ storage.EntityStore }

func (brokenStore) GetDocument(context.Context, model.Collection, string) (model.Document, error) {
	return nil, errors.New("connection reset")
}

func TestResolveStoreFailurePropagates(t *testing.T) {
	r := New(brokenStore{})
	_, err := r.Resolve(context.Background(), model.ResourceProfile, "ngo-1")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrResourceNotFound)
}

func TestRegisterCustomHandler(t *testing.T) {
	r := New(storage.NewMemory())
	r.Register(model.ResourceType("notice"), Handler{
		Load: func(ctx context.Context, _ storage.EntityStore, id string) (*Entity, error) {
			return &Entity{Kind: "notice", Doc: model.Document{"id": id, "secret": "x"}}, nil
		},
		Redact: func(e *Entity) map[string]interface{} { return e.Doc.Pick("id") },
	})

	v, err := r.Resolve(context.Background(), model.ResourceType("notice"), "n-1")
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"id": "n-1"}, v.Body)
}
