package gateway

import (
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

type Handler struct {
	paymentProxy   *ServiceProxy
	inventoryProxy *ServiceProxy
	identityProxy  *ServiceProxy
	logger         *slog.Logger
}

func NewHandler(paymentProxy, inventoryProxy, identityProxy *ServiceProxy, logger *slog.Logger) *Handler {
	return &Handler{
		paymentProxy:   paymentProxy,
		inventoryProxy: inventoryProxy,
		identityProxy:  identityProxy,
		logger:         logger,
	}
}

// HandlePayment forwards /api/payment/* to the payment service root, so
// /api/payment/orders/mine becomes /orders/mine.
func (h *Handler) HandlePayment(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/payment")
	h.proxyRequest(w, r, h.paymentProxy, path)
}

func (h *Handler) HandleAssets(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.inventoryProxy, strings.TrimPrefix(r.URL.Path, "/api"))
}

func (h *Handler) HandleUsers(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.identityProxy, strings.TrimPrefix(r.URL.Path, "/api"))
}

func (h *Handler) HandleAdminOrders(w http.ResponseWriter, r *http.Request) {
	h.proxyRequest(w, r, h.paymentProxy, strings.TrimPrefix(r.URL.Path, "/api"))
}

func (h *Handler) proxyRequest(w http.ResponseWriter, r *http.Request, proxy *ServiceProxy, path string) {
	resp, err := proxy.ForwardRequest(r.Context(), r, path)
	if err != nil {
		h.logger.Error("failed to forward request", "error", err, "path", path)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	defer func() { _ = resp.Body.Close() }()

	for _, name := range []string{"Content-Type", "Cache-Control"} {
		if value := resp.Header.Get(name); value != "" {
			w.Header().Set(name, value)
		}
	}

	w.WriteHeader(resp.StatusCode)

	h.logger.Info("request proxied", "method", r.Method, "path", path, "status", resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		h.logger.Error("failed to copy response body", "error", err)
	}
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
