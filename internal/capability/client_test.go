package capability

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newServer(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/capabilities" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		switch r.URL.Query().Get("subject") {
		case "admin-1":
			_ = json.NewEncoder(w).Encode(Grant{Subject: "admin-1", Role: "admin", Admin: true})
		case "ngo-1":
			_ = json.NewEncoder(w).Encode(Grant{Subject: "ngo-1", Role: "ngo"})
		case "broken":
			w.WriteHeader(http.StatusBadGateway)
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestIsAdmin(t *testing.T) {
	c := New(newServer(t).URL)
	ctx := context.Background()

	admin, role, err := c.IsAdmin(ctx, "admin-1")
	require.NoError(t, err)
	assert.True(t, admin)
	assert.Equal(t, "admin", role)

	admin, role, err = c.IsAdmin(ctx, "ngo-1")
	require.NoError(t, err)
	assert.False(t, admin)
	assert.Equal(t, "ngo", role)

	admin, _, err = c.IsAdmin(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, admin)

	_, _, err = c.IsAdmin(ctx, "broken")
	assert.Error(t, err)
}

func TestGetNotFound(t *testing.T) {
	c := New(newServer(t).URL)
	_, err := c.Get(context.Background(), "nobody")
	assert.ErrorIs(t, err, ErrNotFound)
}
