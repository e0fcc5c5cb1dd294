package orders

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

// UserIDHeader carries the authenticated buyer id set by the gateway.
const UserIDHeader = "X-User-ID"

type Handler struct {
	repo   *OrderRepository
	logger *slog.Logger
}

func NewHandler(repo *OrderRepository, logger *slog.Logger) *Handler {
	return &Handler{
		repo:   repo,
		logger: logger,
	}
}

func (h *Handler) HandleGetBySession(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Cache-Control", "no-store")

	sessionID := r.PathValue("sessionId")
	if sessionID == "" {
		h.writeError(w, http.StatusBadRequest, "missing session id")
		return
	}

	order, err := h.repo.FindBySession(r.Context(), sessionID)
	if err != nil {
		h.logger.Error("failed to get order by session", "error", err, "session_id", sessionID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	if order == nil {
		h.writeError(w, http.StatusNotFound, "order not found")
		return
	}

	h.writeJSON(w, http.StatusOK, order)
}

func (h *Handler) HandleListMine(w http.ResponseWriter, r *http.Request) {
	buyerID := r.Header.Get(UserIDHeader)
	if buyerID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing user")
		return
	}

	orders, err := h.repo.ListByBuyer(r.Context(), buyerID)
	if err != nil {
		h.logger.Error("failed to list buyer orders", "error", err, "buyer_id", buyerID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("buyer orders listed", "buyer_id", buyerID, "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
}

func (h *Handler) HandleList(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := ListFilter{
		BuyerID: q.Get("buyer_id"),
		AssetID: q.Get("asset_id"),
	}

	if raw := q.Get("status"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			status := domain.OrderStatus(strings.TrimSpace(s))
			if !status.Valid() {
				h.writeError(w, http.StatusBadRequest, "invalid status filter")
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}

	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit <= 0 {
			h.writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		filter.Limit = limit
	}

	orders, err := h.repo.List(r.Context(), filter)
	if err != nil {
		h.logger.Error("failed to list orders", "error", err)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("orders listed", "count", len(orders))
	h.writeJSON(w, http.StatusOK, orders)
}

type ownershipResponse struct {
	IsOwner bool `json:"is_owner"`
}

func (h *Handler) HandleOwnership(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("assetId")
	userID := r.PathValue("userId")
	if assetID == "" || userID == "" {
		h.writeError(w, http.StatusBadRequest, "missing asset or user id")
		return
	}

	owner, err := h.repo.HasPaidOrder(r.Context(), assetID, userID)
	if err != nil {
		h.logger.Error("failed to check ownership", "error", err, "asset_id", assetID, "user_id", userID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, ownershipResponse{IsOwner: owner})
}

type PaidCount struct {
	AssetID string `json:"asset_id"`
	Paid    int    `json:"paid"`
}

func (h *Handler) HandlePaidCount(w http.ResponseWriter, r *http.Request) {
	assetID := r.PathValue("assetId")
	if assetID == "" {
		h.writeError(w, http.StatusBadRequest, "missing asset id")
		return
	}

	paid, err := h.repo.CountPaidByAsset(r.Context(), assetID)
	if err != nil {
		h.logger.Error("failed to count paid orders", "error", err, "asset_id", assetID)
		h.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	h.writeJSON(w, http.StatusOK, PaidCount{AssetID: assetID, Paid: paid})
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
