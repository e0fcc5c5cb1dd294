package domain

import (
	"errors"
	"time"
)

var ErrInvalidTransition = errors.New("invalid order status transition")

type OrderStatus string

const (
	OrderStatusPending  OrderStatus = "pending"
	OrderStatusPaid     OrderStatus = "paid"
	OrderStatusFailed   OrderStatus = "failed"
	OrderStatusRefunded OrderStatus = "refunded"
	OrderStatusVoid     OrderStatus = "void"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusPaid, OrderStatusFailed, OrderStatusRefunded, OrderStatusVoid:
		return true
	}
	return false
}

func (s OrderStatus) Terminal() bool {
	return s == OrderStatusFailed || s == OrderStatusRefunded || s == OrderStatusVoid
}

var allowedTransitions = map[OrderStatus][]OrderStatus{
	OrderStatusPending: {OrderStatusPaid, OrderStatusFailed, OrderStatusRefunded, OrderStatusVoid},
	OrderStatusPaid:    {OrderStatusRefunded, OrderStatusVoid},
}

// CanTransition reports whether an order may move from one status to another.
// Moving to the current status is always allowed and is a no-op.
func CanTransition(from, to OrderStatus) bool {
	if from == to {
		return true
	}
	for _, next := range allowedTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

type Order struct {
	ID           string      `json:"id"`
	SessionID    string      `json:"session_id"`
	AssetID      string      `json:"asset_id"`
	BuyerID      string      `json:"buyer_id"`
	BuyerEmail   string      `json:"buyer_email,omitempty"`
	Amount       int64       `json:"amount"`
	Currency     string      `json:"currency"`
	Status       OrderStatus `json:"status"`
	CreatedAt    time.Time   `json:"created_at"`
	UpdatedAt    time.Time   `json:"updated_at"`
	RefundedAt   *time.Time  `json:"refunded_at,omitempty"`
	RefundReason string      `json:"refund_reason,omitempty"`
	VoidedAt     *time.Time  `json:"voided_at,omitempty"`
	VoidReason   string      `json:"void_reason,omitempty"`
}

// OrderPatch carries provider-reported attributes used when a webhook arrives
// before (or instead of) the checkout-time insert. Empty fields are ignored.
type OrderPatch struct {
	AssetID    string
	BuyerID    string
	BuyerEmail string
	Amount     *int64
	Currency   string
}

// TransitionExtra holds the optional data recorded alongside a status change.
type TransitionExtra struct {
	Reason string
	At     time.Time
}

// Transition is the result of applying a status change. Previous is the status
// stored immediately before the update, read under the same row lock.
type Transition struct {
	Order    *Order      `json:"order"`
	Previous OrderStatus `json:"previous_status"`
	Changed  bool        `json:"changed"`
}

// CrossedPaidBoundary reports whether the order moved into or out of paid.
func (t *Transition) CrossedPaidBoundary() bool {
	if t == nil || !t.Changed {
		return false
	}
	return (t.Previous == OrderStatusPaid) != (t.Order.Status == OrderStatusPaid)
}

// InventoryDelta is the sold-count adjustment implied by the transition.
func (t *Transition) InventoryDelta() int {
	if !t.CrossedPaidBoundary() {
		return 0
	}
	if t.Order.Status == OrderStatusPaid {
		return 1
	}
	return -1
}
