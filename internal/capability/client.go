// Package capability asks the platform's capability service whether a
// principal may act as an administrator. Role policy lives there; this
// service only consumes the yes/no answer.
package capability

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"
)

// ErrNotFound is returned when the capability service does not know the subject.
var ErrNotFound = errors.New("subject not found")

// Grant is the capability service's answer for one subject.
type Grant struct {
	Subject string `json:"subject"` // Principal the grant is for
	Role    string `json:"role"`    // Platform role (admin, ngo, company, donor)
	Admin   bool   `json:"admin"`   // Whether admin operations are allowed
}

// Client for the capability service.
type Client struct {
	base string       // Base URL of the capability service
	hc   *http.Client // HTTP client with custom configuration
}

// New creates a capability client for baseURL with short dial and request timeouts.
func New(baseURL string) *Client {
	transport := &http.Transport{
		DialContext: (&net.Dialer{Timeout: 2 * time.Second}).DialContext,
	}

	return &Client{
		base: baseURL,
		hc:   &http.Client{Transport: transport, Timeout: 3 * time.Second},
	}
}

// Get retrieves the grant for subject.
func (c *Client) Get(ctx context.Context, subject string) (Grant, error) {
	u, err := url.Parse(c.base)
	if err != nil {
		return Grant{}, fmt.Errorf("invalid capability url: %w", err)
	}
	u.Path = "/v1/capabilities"
	q := u.Query()
	q.Set("subject", subject)
	u.RawQuery = q.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return Grant{}, err
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return Grant{}, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var g Grant
		if err := json.NewDecoder(resp.Body).Decode(&g); err != nil {
			return Grant{}, fmt.Errorf("decode capability grant: %w", err)
		}
		return g, nil
	case http.StatusNotFound:
		return Grant{}, ErrNotFound
	default:
		return Grant{}, fmt.Errorf("capability get failed: %s", resp.Status)
	}
}

// IsAdmin reports whether subject holds the admin capability. An unknown
// subject is not an admin.
func (c *Client) IsAdmin(ctx context.Context, subject string) (bool, string, error) {
	g, err := c.Get(ctx, subject)
	if errors.Is(err, ErrNotFound) {
		return false, "", nil
	}
	if err != nil {
		return false, "", err
	}
	return g.Admin, g.Role, nil
}
