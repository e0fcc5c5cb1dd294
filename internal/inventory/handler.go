package inventory

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

type Handler struct {
	repo   *AssetRepository
	logger *slog.Logger
}

func NewHandler(repo *AssetRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleListAssets(w http.ResponseWriter, r *http.Request) {
	assets, err := h.repo.List(r.Context(), r.URL.Query().Get("creator_id"))
	if err != nil {
		h.logger.Error("failed to list assets", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("assets listed", "count", len(assets))
	h.writeJSON(w, http.StatusOK, assets)
}

func (h *Handler) HandleGetAsset(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")
	if assetID == "" {
		h.writeError(w, http.StatusBadRequest, "missing asset id")
		return
	}

	asset, err := h.repo.Get(r.Context(), assetID)
	if err != nil {
		h.logger.Error("failed to get asset", "error", err, "asset_id", assetID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if asset == nil {
		h.writeError(w, http.StatusNotFound, "asset not found")
		return
	}

	h.writeJSON(w, http.StatusOK, asset)
}

type createAssetRequest struct {
	Title        string `json:"title"`
	CreatorID    string `json:"creator_id"`
	Price        int64  `json:"price"`
	EditionLimit *int   `json:"edition_limit"`
}

func (h *Handler) HandleCreateAsset(w http.ResponseWriter, r *http.Request) {
	var req createAssetRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Title == "" || req.CreatorID == "" || req.Price <= 0 {
		h.writeError(w, http.StatusBadRequest, "missing required fields")
		return
	}

	limit := 1
	if req.EditionLimit != nil {
		limit = *req.EditionLimit
	}
	if limit < 0 {
		h.writeError(w, http.StatusBadRequest, "edition limit must not be negative")
		return
	}

	asset := &domain.Asset{
		Title:        req.Title,
		CreatorID:    req.CreatorID,
		Price:        req.Price,
		EditionLimit: limit,
	}
	if err := h.repo.Create(r.Context(), asset); err != nil {
		h.logger.Error("failed to create asset", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("asset created", "asset_id", asset.ID, "edition_limit", asset.EditionLimit)
	h.writeJSON(w, http.StatusCreated, asset)
}

type AdjustRequest struct {
	Delta int    `json:"delta"`
	Key   string `json:"key,omitempty"`
}

func (h *Handler) HandleAdjustSold(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")
	if assetID == "" {
		h.writeError(w, http.StatusBadRequest, "missing asset id")
		return
	}

	var req AdjustRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	asset, err := h.repo.Adjust(r.Context(), assetID, req.Delta, req.Key)
	if err != nil {
		switch {
		case errors.Is(err, ErrAssetNotFound):
			h.writeError(w, http.StatusNotFound, "asset not found")
		case errors.Is(err, ErrEditionLimitReached):
			h.logger.Warn("edition limit reached", "asset_id", assetID, "delta", req.Delta)
			h.writeError(w, http.StatusConflict, "edition limit reached")
		default:
			h.logger.Error("failed to adjust sold count", "error", err, "asset_id", assetID, "delta", req.Delta)
			h.writeError(w, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	h.logger.Info("sold count adjusted", "asset_id", assetID, "delta", req.Delta,
		"sold_count", asset.SoldCount, "is_sold_out", asset.SoldOut)
	h.writeJSON(w, http.StatusOK, asset)
}

type SetSoldRequest struct {
	Sold int `json:"sold"`
}

func (h *Handler) HandleSetSold(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("id")
	if assetID == "" {
		h.writeError(w, http.StatusBadRequest, "missing asset id")
		return
	}

	var req SetSoldRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	asset, err := h.repo.SetSold(r.Context(), assetID, req.Sold)
	if err != nil {
		if errors.Is(err, ErrAssetNotFound) {
			h.writeError(w, http.StatusNotFound, "asset not found")
			return
		}
		h.logger.Error("failed to set sold count", "error", err, "asset_id", assetID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("sold count set", "asset_id", assetID, "sold_count", asset.SoldCount)
	h.writeJSON(w, http.StatusOK, asset)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}
