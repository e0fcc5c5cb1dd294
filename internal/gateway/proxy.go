package gateway

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
)

// UserIDHeader carries the caller's identity from the edge to the services.
const UserIDHeader = "X-User-ID"

var forwardedHeaders = []string{"Content-Type", "Authorization", UserIDHeader, "Stripe-Signature"}

type ServiceProxy struct {
	baseURL string
	client  *http.Client
}

func NewServiceProxy(baseURL string, client *http.Client) *ServiceProxy {
	return &ServiceProxy{
		baseURL: baseURL,
		client:  client,
	}
}

func (p *ServiceProxy) ForwardRequest(ctx context.Context, r *http.Request, path string) (*http.Response, error) {
	target := p.baseURL + path
	if r.URL.RawQuery != "" {
		target += "?" + r.URL.RawQuery
	}

	req, err := http.NewRequestWithContext(ctx, r.Method, target, r.Body)
	if err != nil {
		return nil, err
	}

	for _, name := range forwardedHeaders {
		if value := r.Header.Get(name); value != "" {
			req.Header.Set(name, value)
		}
	}

	return p.client.Do(req)
}

// GetJSON fetches path and decodes a 200 response into out. Other statuses are
// returned with a nil error so callers can tell a miss from an outage.
func (p *ServiceProxy) GetJSON(ctx context.Context, path, userID string, out any) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.baseURL+path, nil)
	if err != nil {
		return 0, err
	}
	if userID != "" {
		req.Header.Set(UserIDHeader, userID)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return resp.StatusCode, nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return resp.StatusCode, fmt.Errorf("decode %s: %w", path, err)
	}
	return resp.StatusCode, nil
}
