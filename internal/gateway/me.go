package gateway

import (
	"context"
	"fmt"
	"net/http"
	"net/url"

	"golang.org/x/sync/errgroup"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

type Flags struct {
	IsCreator bool `json:"is_creator"`
	IsBuyer   bool `json:"is_buyer"`
}

type Stats struct {
	UploadsCount    int `json:"uploads_count"`
	OrdersCount     int `json:"orders_count"`
	PaidOrdersCount int `json:"paid_orders_count"`
}

type Profile struct {
	User    *domain.User   `json:"user"`
	Flags   Flags          `json:"flags"`
	Stats   Stats          `json:"stats"`
	Uploads []domain.Asset `json:"uploads"`
	Orders  []domain.Order `json:"orders"`
}

// HandleMe builds the caller's profile. The user record is required; uploads
// and orders degrade to empty lists when their service cannot answer.
func (h *Handler) HandleMe(w http.ResponseWriter, r *http.Request) {
	userID := r.Header.Get(UserIDHeader)
	if userID == "" {
		h.writeError(w, http.StatusUnauthorized, "missing user identity")
		return
	}

	ctx := r.Context()
	profile := Profile{Uploads: []domain.Asset{}, Orders: []domain.Order{}}

	var user domain.User
	status, err := h.identityProxy.GetJSON(ctx, "/users/"+url.PathEscape(userID), "", &user)
	switch {
	case err != nil:
		h.logger.Error("failed to load user", "error", err, "user_id", userID)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	case status == http.StatusNotFound:
		h.writeError(w, http.StatusNotFound, "user not found")
		return
	case status != http.StatusOK:
		h.logger.Error("identity service returned unexpected status", "status", status, "user_id", userID)
		h.writeError(w, http.StatusBadGateway, "service unavailable")
		return
	}
	profile.User = &user

	var g errgroup.Group
	g.Go(func() error {
		var uploads []domain.Asset
		if h.softGet(ctx, h.inventoryProxy, "/assets?creator_id="+url.QueryEscape(userID), userID, &uploads, "inventory:uploads") && uploads != nil {
			profile.Uploads = uploads
		}
		return nil
	})
	g.Go(func() error {
		var orders []domain.Order
		if h.softGet(ctx, h.paymentProxy, "/orders/mine", userID, &orders, "payment:orders") && orders != nil {
			profile.Orders = orders
		}
		return nil
	})
	_ = g.Wait()

	paid := 0
	for _, o := range profile.Orders {
		if o.Status == domain.OrderStatusPaid {
			paid++
		}
	}

	profile.Flags = Flags{IsCreator: user.IsCreator(), IsBuyer: paid > 0}
	profile.Stats = Stats{
		UploadsCount:    len(profile.Uploads),
		OrdersCount:     len(profile.Orders),
		PaidOrdersCount: paid,
	}

	h.writeJSON(w, http.StatusOK, profile)
}

func (h *Handler) softGet(ctx context.Context, proxy *ServiceProxy, path, userID string, out any, label string) bool {
	status, err := proxy.GetJSON(ctx, path, userID, out)
	if err == nil && status != http.StatusOK {
		err = fmt.Errorf("unexpected status %d", status)
	}
	if err != nil {
		h.logger.Warn("profile read degraded", "source", label, "error", err, "user_id", userID)
		return false
	}
	return true
}
