package payment

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/joao-fontenele/nfthub/internal/domain"
)

type fakeSessions struct {
	payment      []PaymentSessionParams
	subscription []SubscriptionSessionParams
	err          error
}

func (f *fakeSessions) CreatePaymentSession(_ context.Context, p PaymentSessionParams) (*CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.payment = append(f.payment, p)
	return &CheckoutSession{ID: "cs_test_1", URL: "https://checkout.example/cs_test_1"}, nil
}

func (f *fakeSessions) CreateSubscriptionSession(_ context.Context, p SubscriptionSessionParams) (*CheckoutSession, error) {
	if f.err != nil {
		return nil, f.err
	}
	f.subscription = append(f.subscription, p)
	return &CheckoutSession{ID: "cs_sub_1", URL: "https://checkout.example/cs_sub_1"}, nil
}

type fakeOrderCreator struct {
	created []domain.Order
	err     error
}

func (f *fakeOrderCreator) Create(_ context.Context, order *domain.Order) error {
	if f.err != nil {
		return f.err
	}
	order.ID = "order-1"
	f.created = append(f.created, *order)
	return nil
}

func TestCheckoutHandler_CreatePaymentSession(t *testing.T) {
	tests := []struct {
		name        string
		body        string
		sessionErr  error
		createErr   error
		wantStatus  int
		wantCreated int
	}{
		{
			name:        "creates session and pending order",
			body:        `{"title":"Sunset","price":2500,"asset_id":"A","buyer_id":"u1","buyer_email":"u1@example.com"}`,
			wantStatus:  http.StatusOK,
			wantCreated: 1,
		},
		{
			name:       "missing fields",
			body:       `{"title":"Sunset","price":2500}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "non-positive price",
			body:       `{"title":"Sunset","price":0,"asset_id":"A","buyer_id":"u1"}`,
			wantStatus: http.StatusBadRequest,
		},
		{
			name:       "provider failure",
			body:       `{"title":"Sunset","price":2500,"asset_id":"A","buyer_id":"u1"}`,
			sessionErr: errBoom,
			wantStatus: http.StatusBadGateway,
		},
		{
			name:       "order store failure",
			body:       `{"title":"Sunset","price":2500,"asset_id":"A","buyer_id":"u1"}`,
			createErr:  errBoom,
			wantStatus: http.StatusInternalServerError,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sessions := &fakeSessions{err: tt.sessionErr}
			creator := &fakeOrderCreator{err: tt.createErr}
			handler := NewCheckoutHandler(sessions, creator, discardLogger())

			req := httptest.NewRequest(http.MethodPost, "/checkout/sessions", strings.NewReader(tt.body))
			rec := httptest.NewRecorder()
			handler.HandleCreatePaymentSession(rec, req)

			if rec.Code != tt.wantStatus {
				t.Fatalf("expected status %d, got %d: %s", tt.wantStatus, rec.Code, rec.Body.String())
			}
			if len(creator.created) != tt.wantCreated {
				t.Fatalf("expected %d orders, got %d", tt.wantCreated, len(creator.created))
			}
			if tt.wantCreated == 0 {
				return
			}

			order := creator.created[0]
			if order.SessionID != "cs_test_1" || order.Status != domain.OrderStatusPending || order.Amount != 2500 {
				t.Errorf("unexpected pending order %+v", order)
			}
			var resp CheckoutSession
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.ID != "cs_test_1" || resp.URL == "" {
				t.Errorf("unexpected response %+v", resp)
			}
		})
	}
}

func TestCheckoutHandler_CreateSubscriptionSession(t *testing.T) {
	sessions := &fakeSessions{}
	handler := NewCheckoutHandler(sessions, &fakeOrderCreator{}, discardLogger())

	req := httptest.NewRequest(http.MethodPost, "/checkout/subscriptions", strings.NewReader(`{"user_id":"u1","email":"u1@example.com"}`))
	rec := httptest.NewRecorder()
	handler.HandleCreateSubscriptionSession(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", rec.Code)
	}
	if len(sessions.subscription) != 1 || sessions.subscription[0].UserID != "u1" {
		t.Errorf("unexpected subscription params %+v", sessions.subscription)
	}

	bad := httptest.NewRecorder()
	handler.HandleCreateSubscriptionSession(bad, httptest.NewRequest(http.MethodPost, "/checkout/subscriptions", strings.NewReader(`{}`)))
	if bad.Code != http.StatusBadRequest {
		t.Errorf("expected status 400, got %d", bad.Code)
	}
}
