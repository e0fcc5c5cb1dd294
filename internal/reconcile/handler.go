package reconcile

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"

	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/inventory"
	"github.com/joao-fontenele/nfthub/internal/orders"
)

type AssetRepairer interface {
	GetAsset(ctx context.Context, assetID string) (*domain.Asset, error)
	SetSold(ctx context.Context, assetID string, sold int) (*domain.Asset, error)
}

// Handler re-derives an asset's sold count from its paid orders whenever an
// order event for that asset arrives. Paid orders are the source of truth.
type Handler struct {
	paymentServiceURL string
	assets            AssetRepairer
	httpClient        *http.Client
	logger            *slog.Logger
}

func NewHandler(paymentServiceURL string, assets AssetRepairer, client *http.Client, logger *slog.Logger) *Handler {
	return &Handler{
		paymentServiceURL: paymentServiceURL,
		assets:            assets,
		httpClient:        client,
		logger:            logger,
	}
}

// Handle returns an error whenever the comparison could not be completed, so
// the message stays uncommitted and is picked up again.
func (h *Handler) Handle(ctx context.Context, payload []byte) error {
	var event domain.OrderEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		h.logger.Warn("skipping undecodable order event", "error", err)
		return nil
	}
	if event.AssetID == "" {
		return nil
	}

	logger := h.logger.With("event_id", event.EventID, "event_type", event.Type,
		"order_id", event.OrderID, "asset_id", event.AssetID)

	paid, err := h.paidCount(ctx, event.AssetID)
	if err != nil {
		logger.Error("failed to fetch paid count", "error", err)
		return fmt.Errorf("fetch paid count: %w", err)
	}

	asset, err := h.assets.GetAsset(ctx, event.AssetID)
	if err != nil {
		if errors.Is(err, inventory.ErrAssetNotFound) {
			logger.Warn("asset no longer exists, nothing to reconcile")
			return nil
		}
		logger.Error("failed to fetch asset", "error", err)
		return fmt.Errorf("fetch asset: %w", err)
	}

	if asset.SoldCount == paid {
		logger.Debug("sold count consistent", "sold_count", paid)
		return nil
	}

	repaired, err := h.assets.SetSold(ctx, event.AssetID, paid)
	if err != nil {
		logger.Error("failed to repair sold count", "error", err, "sold_count", asset.SoldCount, "paid", paid)
		return fmt.Errorf("repair sold count: %w", err)
	}

	logger.Warn("sold count repaired", "previous_sold_count", asset.SoldCount,
		"sold_count", repaired.SoldCount, "sold_out", repaired.SoldOut)
	return nil
}

func (h *Handler) paidCount(ctx context.Context, assetID string) (int, error) {
	endpoint := fmt.Sprintf("%s/assets/%s/paid-count", h.paymentServiceURL, url.PathEscape(assetID))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return 0, err
	}

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("payment service returned status %d", resp.StatusCode)
	}

	var count orders.PaidCount
	if err := json.NewDecoder(resp.Body).Decode(&count); err != nil {
		return 0, fmt.Errorf("decode paid count: %w", err)
	}
	return count.Paid, nil
}
