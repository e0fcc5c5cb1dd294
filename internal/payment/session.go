package payment

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/stripe/stripe-go/v82"

	"github.com/joao-fontenele/nfthub/internal/certificate"
	"github.com/joao-fontenele/nfthub/internal/domain"
)

var ErrMalformedEvent = errors.New("malformed webhook event")

// Metadata keys written on checkout sessions. The camelCase variants are
// accepted for sessions created by older clients.
const (
	MetadataAssetID = "asset_id"
	MetadataBuyerID = "buyer_id"
	MetadataUserID  = "user_id"
	MetadataTitle   = "title"
)

var legacyMetadataKeys = map[string]string{
	MetadataAssetID: "nftId",
	MetadataBuyerID: "buyerId",
	MetadataUserID:  "userId",
}

// checkoutSession is the subset of the provider's checkout session object that
// the dispatcher reads.
type checkoutSession struct {
	ID                string            `json:"id"`
	Mode              string            `json:"mode"`
	PaymentStatus     string            `json:"payment_status"`
	AmountTotal       *int64            `json:"amount_total"`
	Currency          string            `json:"currency"`
	CustomerEmail     string            `json:"customer_email"`
	CustomerDetails   customerDetails   `json:"customer_details"`
	ClientReferenceID string            `json:"client_reference_id"`
	Metadata          map[string]string `json:"metadata"`
	LineItems         *lineItemList     `json:"line_items"`
}

type customerDetails struct {
	Email string `json:"email"`
	Name  string `json:"name"`
}

type lineItemList struct {
	Data []struct {
		Description string `json:"description"`
	} `json:"data"`
}

func decodeSession(event stripe.Event) (*checkoutSession, error) {
	if event.Data == nil || len(event.Data.Raw) == 0 {
		return nil, fmt.Errorf("%w: event %s has no data", ErrMalformedEvent, event.ID)
	}
	var session checkoutSession
	if err := json.Unmarshal(event.Data.Raw, &session); err != nil {
		return nil, fmt.Errorf("%w: decode checkout session: %v", ErrMalformedEvent, err)
	}
	if session.ID == "" {
		return nil, fmt.Errorf("%w: checkout session without id", ErrMalformedEvent)
	}
	return &session, nil
}

func (s *checkoutSession) meta(key string) string {
	if v := strings.TrimSpace(s.Metadata[key]); v != "" {
		return v
	}
	if legacy, ok := legacyMetadataKeys[key]; ok {
		return strings.TrimSpace(s.Metadata[legacy])
	}
	return ""
}

func (s *checkoutSession) subscription() bool {
	return s.Mode == string(stripe.CheckoutSessionModeSubscription)
}

// awaitingPayment is true for completed sessions whose payment settles later
// (delayed payment methods); the async_payment events carry the outcome.
func (s *checkoutSession) awaitingPayment() bool {
	return s.PaymentStatus == string(stripe.CheckoutSessionPaymentStatusUnpaid)
}

func (s *checkoutSession) buyerID() string {
	if id := s.meta(MetadataBuyerID); id != "" {
		return id
	}
	return s.ClientReferenceID
}

func (s *checkoutSession) userID() string {
	if id := s.meta(MetadataUserID); id != "" {
		return id
	}
	return s.ClientReferenceID
}

func (s *checkoutSession) buyerEmail() string {
	if s.CustomerDetails.Email != "" {
		return s.CustomerDetails.Email
	}
	return s.CustomerEmail
}

func (s *checkoutSession) lineItemDescription() string {
	if s.LineItems == nil {
		return ""
	}
	for _, item := range s.LineItems.Data {
		if item.Description != "" {
			return item.Description
		}
	}
	return ""
}

func (s *checkoutSession) patch() domain.OrderPatch {
	return domain.OrderPatch{
		AssetID:    s.meta(MetadataAssetID),
		BuyerID:    s.buyerID(),
		BuyerEmail: s.buyerEmail(),
		Amount:     s.AmountTotal,
		Currency:   strings.ToLower(s.Currency),
	}
}

func (s *checkoutSession) purchase(order *domain.Order) certificate.Purchase {
	email := order.BuyerEmail
	if email == "" {
		email = s.buyerEmail()
	}
	return certificate.Purchase{
		OrderID:   order.ID,
		SessionID: order.SessionID,
		Buyer: certificate.Buyer{
			ID:    order.BuyerID,
			Name:  s.CustomerDetails.Name,
			Email: email,
		},
		Hints: certificate.TitleHints{
			AssetID:             order.AssetID,
			MetadataTitle:       s.meta(MetadataTitle),
			LineItemDescription: s.lineItemDescription(),
		},
	}
}
