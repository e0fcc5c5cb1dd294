package identity

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

// Client reads and writes subscriptions on the identity service.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

func NewClient(baseURL string, httpClient *http.Client) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
	}
}

func (c *Client) GetUser(ctx context.Context, userID string) (*domain.User, error) {
	var user domain.User
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID), nil, &user); err != nil {
		return nil, fmt.Errorf("get user %s: %w", userID, err)
	}
	return &user, nil
}

func (c *Client) GetSubscription(ctx context.Context, userID string) (*domain.Subscription, error) {
	var sub domain.Subscription
	if err := c.do(ctx, http.MethodGet, "/users/"+url.PathEscape(userID)+"/subscription", nil, &sub); err != nil {
		return nil, fmt.Errorf("get subscription for user %s: %w", userID, err)
	}
	return &sub, nil
}

func (c *Client) UpdateSubscription(ctx context.Context, userID string, active bool, expiration time.Time) error {
	body := UpdateSubscriptionRequest{Active: active, Expiration: &expiration}
	if err := c.do(ctx, http.MethodPatch, "/users/"+url.PathEscape(userID)+"/subscription", body, nil); err != nil {
		return fmt.Errorf("update subscription for user %s: %w", userID, err)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound {
		return ErrUserNotFound
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("identity service returned status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
