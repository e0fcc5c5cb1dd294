package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/stripe/stripe-go/v82"
	"github.com/stripe/stripe-go/v82/checkout/session"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

const defaultCurrency = "eur"

type PaymentSessionParams struct {
	Title      string
	Amount     int64
	AssetID    string
	BuyerID    string
	BuyerEmail string
}

type SubscriptionSessionParams struct {
	UserID string
	Email  string
}

type CheckoutSession struct {
	ID  string `json:"session_id"`
	URL string `json:"url"`
}

type SessionCreator interface {
	CreatePaymentSession(ctx context.Context, params PaymentSessionParams) (*CheckoutSession, error)
	CreateSubscriptionSession(ctx context.Context, params SubscriptionSessionParams) (*CheckoutSession, error)
}

// StripeSessions creates hosted checkout sessions with the Stripe API.
type StripeSessions struct {
	client         session.Client
	clientURL      string
	creatorPriceID string
}

func NewStripeSessions(secretKey, clientURL, creatorPriceID string) *StripeSessions {
	return &StripeSessions{
		client:         session.Client{B: stripe.GetBackend(stripe.APIBackend), Key: secretKey},
		clientURL:      strings.TrimRight(clientURL, "/"),
		creatorPriceID: creatorPriceID,
	}
}

func (s *StripeSessions) CreatePaymentSession(ctx context.Context, p PaymentSessionParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModePayment)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			PriceData: &stripe.CheckoutSessionLineItemPriceDataParams{
				Currency: stripe.String(defaultCurrency),
				ProductData: &stripe.CheckoutSessionLineItemPriceDataProductDataParams{
					Name: stripe.String(p.Title),
				},
				UnitAmount: stripe.Int64(p.Amount),
			},
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(p.BuyerID),
		SuccessURL:        stripe.String(s.clientURL + "/checkout/success?session_id={CHECKOUT_SESSION_ID}"),
		CancelURL:         stripe.String(s.clientURL + "/checkout/cancel"),
	}
	if p.BuyerEmail != "" {
		params.CustomerEmail = stripe.String(p.BuyerEmail)
	}
	params.Context = ctx
	params.AddMetadata(MetadataAssetID, p.AssetID)
	params.AddMetadata(MetadataBuyerID, p.BuyerID)
	params.AddMetadata(MetadataTitle, p.Title)

	sess, err := s.client.New(params)
	if err != nil {
		return nil, fmt.Errorf("create payment session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

func (s *StripeSessions) CreateSubscriptionSession(ctx context.Context, p SubscriptionSessionParams) (*CheckoutSession, error) {
	params := &stripe.CheckoutSessionParams{
		Mode:               stripe.String(string(stripe.CheckoutSessionModeSubscription)),
		PaymentMethodTypes: stripe.StringSlice([]string{"card"}),
		CustomerEmail:      stripe.String(p.Email),
		LineItems: []*stripe.CheckoutSessionLineItemParams{{
			Price:    stripe.String(s.creatorPriceID),
			Quantity: stripe.Int64(1),
		}},
		ClientReferenceID: stripe.String(p.UserID),
		SuccessURL:        stripe.String(s.clientURL + "/success-sub"),
		CancelURL:         stripe.String(s.clientURL + "/cancel-sub"),
	}
	params.Context = ctx
	params.AddMetadata(MetadataUserID, p.UserID)

	sess, err := s.client.New(params)
	if err != nil {
		return nil, fmt.Errorf("create subscription session: %w", err)
	}
	return &CheckoutSession{ID: sess.ID, URL: sess.URL}, nil
}

type OrderCreator interface {
	Create(ctx context.Context, order *domain.Order) error
}

type CheckoutHandler struct {
	sessions SessionCreator
	orders   OrderCreator
	logger   *slog.Logger
}

func NewCheckoutHandler(sessions SessionCreator, orders OrderCreator, logger *slog.Logger) *CheckoutHandler {
	return &CheckoutHandler{
		sessions: sessions,
		orders:   orders,
		logger:   logger,
	}
}

type createPaymentSessionRequest struct {
	Title      string `json:"title"`
	Price      int64  `json:"price"`
	AssetID    string `json:"asset_id"`
	BuyerID    string `json:"buyer_id"`
	BuyerEmail string `json:"buyer_email"`
}

// HandleCreatePaymentSession opens a checkout session for one edition of an
// asset and records the pending order. Price is in minor units.
func (h *CheckoutHandler) HandleCreatePaymentSession(w http.ResponseWriter, r *http.Request) {
	var req createPaymentSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Title == "" || req.AssetID == "" || req.BuyerID == "" || req.Price <= 0 {
		writeError(w, h.logger, http.StatusBadRequest, "missing required fields")
		return
	}

	sess, err := h.sessions.CreatePaymentSession(r.Context(), PaymentSessionParams{
		Title:      req.Title,
		Amount:     req.Price,
		AssetID:    req.AssetID,
		BuyerID:    req.BuyerID,
		BuyerEmail: req.BuyerEmail,
	})
	if err != nil {
		h.logger.Error("failed to create checkout session", "error", err, "asset_id", req.AssetID)
		writeError(w, h.logger, http.StatusBadGateway, "failed to create checkout session")
		return
	}

	order := &domain.Order{
		SessionID:  sess.ID,
		AssetID:    req.AssetID,
		BuyerID:    req.BuyerID,
		BuyerEmail: req.BuyerEmail,
		Amount:     req.Price,
		Currency:   defaultCurrency,
		Status:     domain.OrderStatusPending,
	}
	if err := h.orders.Create(r.Context(), order); err != nil {
		h.logger.Error("failed to create pending order", "error", err, "session_id", sess.ID)
		writeError(w, h.logger, http.StatusInternalServerError, "internal server error")
		return
	}

	h.logger.Info("checkout session created", "order_id", order.ID, "session_id", sess.ID,
		"asset_id", req.AssetID, "buyer_id", req.BuyerID)
	writeJSON(w, h.logger, http.StatusOK, sess)
}

type createSubscriptionSessionRequest struct {
	UserID string `json:"user_id"`
	Email  string `json:"email"`
}

func (h *CheckoutHandler) HandleCreateSubscriptionSession(w http.ResponseWriter, r *http.Request) {
	var req createSubscriptionSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, h.logger, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.UserID == "" || req.Email == "" {
		writeError(w, h.logger, http.StatusBadRequest, "missing user_id or email")
		return
	}

	sess, err := h.sessions.CreateSubscriptionSession(r.Context(), SubscriptionSessionParams{
		UserID: req.UserID,
		Email:  req.Email,
	})
	if err != nil {
		h.logger.Error("failed to create subscription session", "error", err, "user_id", req.UserID)
		writeError(w, h.logger, http.StatusBadGateway, "failed to create subscription session")
		return
	}

	h.logger.Info("subscription session created", "session_id", sess.ID, "user_id", req.UserID)
	writeJSON(w, h.logger, http.StatusOK, sess)
}
