package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/orders"
)

type Compensator interface {
	Refund(ctx context.Context, orderID, reason string) (Outcome, error)
	Void(ctx context.Context, orderID, reason string) (Outcome, error)
}

type AdminHandler struct {
	compensator Compensator
	logger      *slog.Logger
}

func NewAdminHandler(compensator Compensator, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{
		compensator: compensator,
		logger:      logger,
	}
}

type compensateRequest struct {
	Reason string `json:"reason"`
}

type compensateResponse struct {
	Order          *domain.Order      `json:"order"`
	PreviousStatus domain.OrderStatus `json:"previous_status"`
	Changed        bool               `json:"changed"`
	Effects        []EffectResult     `json:"effects"`
}

func (h *AdminHandler) HandleRefund(w http.ResponseWriter, r *http.Request) {
	h.handleCompensation(w, r, "refund", h.compensator.Refund)
}

func (h *AdminHandler) HandleVoid(w http.ResponseWriter, r *http.Request) {
	h.handleCompensation(w, r, "void", h.compensator.Void)
}

func (h *AdminHandler) handleCompensation(w http.ResponseWriter, r *http.Request, action string,
	apply func(ctx context.Context, orderID, reason string) (Outcome, error)) {
	orderID := r.PathValue("id")
	if orderID == "" {
		writeError(w, h.logger, http.StatusBadRequest, "missing order id")
		return
	}

	var req compensateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	out, err := apply(r.Context(), orderID, req.Reason)
	if err != nil {
		switch {
		case errors.Is(err, orders.ErrOrderNotFound):
			writeError(w, h.logger, http.StatusNotFound, "order not found")
		case errors.Is(err, domain.ErrInvalidTransition):
			h.logger.Warn("rejected order compensation", "error", err, "order_id", orderID, "action", action)
			writeError(w, h.logger, http.StatusConflict, err.Error())
		default:
			h.logger.Error("failed to compensate order", "error", err, "order_id", orderID, "action", action)
			writeError(w, h.logger, http.StatusInternalServerError, "internal server error")
		}
		return
	}

	resp := compensateResponse{
		Order:          out.Transition.Order,
		PreviousStatus: out.Transition.Previous,
		Changed:        out.Transition.Changed,
		Effects:        out.Effects,
	}
	if resp.Effects == nil {
		resp.Effects = []EffectResult{}
	}

	h.logger.Info("order compensation applied", "order_id", orderID, "action", action,
		"previous_status", resp.PreviousStatus, "changed", resp.Changed)
	writeJSON(w, h.logger, http.StatusOK, resp)
}
