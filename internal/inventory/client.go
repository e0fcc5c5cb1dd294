package inventory

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

var ErrTargetsExhausted = errors.New("all inventory targets failed")

const DefaultCallTimeout = 5 * time.Second

// Client talks to the inventory service. Every call walks the configured base
// URLs in order, each attempt bounded by its own timeout. Transport failures and
// 5xx responses fall through to the next target; 4xx answers are final.
type Client struct {
	targets    []string
	httpClient *http.Client
	timeout    time.Duration
	logger     *slog.Logger
}

func NewClient(targets []string, httpClient *http.Client, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultCallTimeout
	}
	return &Client{
		targets:    targets,
		httpClient: httpClient,
		timeout:    timeout,
		logger:     logger,
	}
}

// Adjust changes the asset's sold count by delta and returns the updated counters.
// The key travels with every attempt, so a target that retries an adjustment an
// earlier target already applied answers with the current counters instead.
func (c *Client) Adjust(ctx context.Context, assetID string, delta int, key string) (*domain.Asset, error) {
	var asset domain.Asset
	err := c.call(ctx, http.MethodPatch, "/assets/"+url.PathEscape(assetID)+"/sold", AdjustRequest{Delta: delta, Key: key}, &asset)
	if err != nil {
		return nil, fmt.Errorf("adjust asset %s by %d: %w", assetID, delta, err)
	}
	return &asset, nil
}

func (c *Client) SetSold(ctx context.Context, assetID string, sold int) (*domain.Asset, error) {
	var asset domain.Asset
	err := c.call(ctx, http.MethodPut, "/assets/"+url.PathEscape(assetID)+"/sold", SetSoldRequest{Sold: sold}, &asset)
	if err != nil {
		return nil, fmt.Errorf("set sold for asset %s: %w", assetID, err)
	}
	return &asset, nil
}

func (c *Client) GetAsset(ctx context.Context, assetID string) (*domain.Asset, error) {
	var asset domain.Asset
	if err := c.call(ctx, http.MethodGet, "/assets/"+url.PathEscape(assetID), nil, &asset); err != nil {
		return nil, fmt.Errorf("get asset %s: %w", assetID, err)
	}
	return &asset, nil
}

func (c *Client) call(ctx context.Context, method, path string, body, out any) error {
	if len(c.targets) == 0 {
		return ErrTargetsExhausted
	}

	var data []byte
	if body != nil {
		var err error
		if data, err = json.Marshal(body); err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
	}

	var lastErr error
	for _, target := range c.targets {
		err := c.attempt(ctx, method, target+path, data, out)
		if err == nil {
			return nil
		}
		if errors.Is(err, ErrAssetNotFound) || errors.Is(err, ErrEditionLimitReached) {
			return err
		}
		var status *unexpectedStatusError
		if errors.As(err, &status) && status.code < http.StatusInternalServerError {
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}

		c.logger.Warn("inventory target failed, trying next", "error", err, "target", target, "path", path)
		lastErr = err
	}

	return fmt.Errorf("%w: %w", ErrTargetsExhausted, lastErr)
}

func (c *Client) attempt(ctx context.Context, method, endpoint string, data []byte, out any) error {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, endpoint, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	if data != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return ErrAssetNotFound
	case resp.StatusCode == http.StatusConflict:
		return ErrEditionLimitReached
	case resp.StatusCode != http.StatusOK:
		return &unexpectedStatusError{code: resp.StatusCode}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

type unexpectedStatusError struct {
	code int
}

func (e *unexpectedStatusError) Error() string {
	return fmt.Sprintf("inventory service returned status %d", e.code)
}
