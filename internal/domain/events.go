package domain

import "time"

type OrderEventType string

const (
	OrderEventPaid     OrderEventType = "order.paid"
	OrderEventFailed   OrderEventType = "order.failed"
	OrderEventRefunded OrderEventType = "order.refunded"
	OrderEventVoided   OrderEventType = "order.voided"
	OrderEventOversold OrderEventType = "order.oversold"
)

// OrderEvent is published to the order events topic after a status change.
type OrderEvent struct {
	EventID   string         `json:"event_id"`
	Type      OrderEventType `json:"type"`
	OrderID   string         `json:"order_id"`
	SessionID string         `json:"session_id"`
	AssetID   string         `json:"asset_id"`
	BuyerID   string         `json:"buyer_id"`
	Status    OrderStatus    `json:"status"`
	Previous  OrderStatus    `json:"previous_status"`
	Timestamp time.Time      `json:"timestamp"`
}

func EventTypeForStatus(status OrderStatus) OrderEventType {
	switch status {
	case OrderStatusPaid:
		return OrderEventPaid
	case OrderStatusFailed:
		return OrderEventFailed
	case OrderStatusRefunded:
		return OrderEventRefunded
	case OrderStatusVoid:
		return OrderEventVoided
	}
	return ""
}

// EventName is carried as a message header so consumers can filter without decoding.
func (e OrderEvent) EventName() string {
	return string(e.Type)
}
