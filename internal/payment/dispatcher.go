package payment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/stripe/stripe-go/v82"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/joao-fontenele/nfthub/internal/certificate"
	"github.com/joao-fontenele/nfthub/internal/clock"
	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/inventory"
	"github.com/joao-fontenele/nfthub/internal/orders"
)

var errMissingAsset = errors.New("order has no asset id")

type OrderStore interface {
	Upsert(ctx context.Context, sessionID string, patch domain.OrderPatch) (*domain.Order, error)
	Transition(ctx context.Context, sessionID string, status domain.OrderStatus, extra domain.TransitionExtra) (*domain.Transition, error)
	FindByID(ctx context.Context, id string) (*domain.Order, error)
}

type InventoryAdjuster interface {
	Adjust(ctx context.Context, assetID string, delta int, key string) (*domain.Asset, error)
}

type CertificateIssuer interface {
	Issue(ctx context.Context, purchase certificate.Purchase) error
}

type SubscriptionExtender interface {
	Extend(ctx context.Context, userID string) (time.Time, error)
}

type EventPublisher interface {
	Publish(ctx context.Context, key string, event any) error
}

// Dependencies wires the dispatcher. Events may be nil when no broker is
// configured.
type Dependencies struct {
	Orders        OrderStore
	Inventory     InventoryAdjuster
	Certificates  CertificateIssuer
	Subscriptions SubscriptionExtender
	Events        EventPublisher
	Clock         clock.Clock
}

// Outcome describes what a dispatch did. Transition is nil when no order
// status was written.
type Outcome struct {
	EventType  string             `json:"event_type,omitempty"`
	SessionID  string             `json:"session_id,omitempty"`
	Ignored    bool               `json:"ignored"`
	Transition *domain.Transition `json:"transition,omitempty"`
	Effects    []EffectResult     `json:"effects"`
}

// Dispatcher applies payment lifecycle events to orders. The order write is
// authoritative and its errors are returned; everything after it runs as an
// isolated side effect.
type Dispatcher struct {
	orders        OrderStore
	inventory     InventoryAdjuster
	certificates  CertificateIssuer
	subscriptions SubscriptionExtender
	events        EventPublisher
	clock         clock.Clock
	logger        *slog.Logger
}

func NewDispatcher(deps Dependencies, logger *slog.Logger) *Dispatcher {
	clk := deps.Clock
	if clk == nil {
		clk = clock.NewSystem()
	}
	return &Dispatcher{
		orders:        deps.Orders,
		inventory:     deps.Inventory,
		certificates:  deps.Certificates,
		subscriptions: deps.Subscriptions,
		events:        deps.Events,
		clock:         clk,
		logger:        logger,
	}
}

func (d *Dispatcher) Dispatch(ctx context.Context, event stripe.Event) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "dispatch "+string(event.Type),
		trace.WithAttributes(
			attribute.String("stripe.event_id", event.ID),
			attribute.String("stripe.event_type", string(event.Type)),
		),
	)
	defer span.End()

	out, err := d.dispatch(ctx, event)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

func (d *Dispatcher) dispatch(ctx context.Context, event stripe.Event) (Outcome, error) {
	out := Outcome{EventType: string(event.Type)}

	switch event.Type {
	case stripe.EventTypeCheckoutSessionCompleted, stripe.EventTypeCheckoutSessionAsyncPaymentSucceeded:
		session, err := decodeSession(event)
		if err != nil {
			return out, err
		}
		out.SessionID = session.ID

		if event.Type == stripe.EventTypeCheckoutSessionCompleted && session.awaitingPayment() {
			return d.recordPending(ctx, session, out)
		}
		if session.subscription() {
			return d.extendSubscription(ctx, session, out)
		}
		return d.markPaid(ctx, session, out)

	case stripe.EventTypeCheckoutSessionExpired, stripe.EventTypeCheckoutSessionAsyncPaymentFailed:
		session, err := decodeSession(event)
		if err != nil {
			return out, err
		}
		out.SessionID = session.ID

		if session.subscription() {
			out.Ignored = true
			d.logger.Info("subscription checkout did not complete", "session_id", session.ID, "type", event.Type)
			return out, nil
		}
		return d.markFailed(ctx, session, out)

	default:
		out.Ignored = true
		d.logger.Info("webhook event ignored", "event_id", event.ID, "type", event.Type)
		return out, nil
	}
}

func (d *Dispatcher) recordPending(ctx context.Context, session *checkoutSession, out Outcome) (Outcome, error) {
	if session.subscription() {
		out.Ignored = true
		return out, nil
	}
	order, err := d.orders.Upsert(ctx, session.ID, session.patch())
	if err != nil {
		return out, fmt.Errorf("record pending order for session %s: %w", session.ID, err)
	}
	d.logger.Info("checkout completed, awaiting payment", "order_id", order.ID, "session_id", session.ID)
	return out, nil
}

func (d *Dispatcher) markPaid(ctx context.Context, session *checkoutSession, out Outcome) (Outcome, error) {
	order, err := d.orders.Upsert(ctx, session.ID, session.patch())
	if err != nil {
		return out, fmt.Errorf("upsert order for session %s: %w", session.ID, err)
	}

	tr, err := d.orders.Transition(ctx, session.ID, domain.OrderStatusPaid, domain.TransitionExtra{At: d.clock.Now()})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			d.logger.Warn("payment event for order that can no longer be paid", "order_id", order.ID,
				"session_id", session.ID, "status", order.Status)
			out.Ignored = true
			return out, nil
		}
		return out, fmt.Errorf("mark session %s paid: %w", session.ID, err)
	}
	out.Transition = tr

	if !tr.CrossedPaidBoundary() {
		d.logger.Info("order already paid, skipping side effects", "order_id", tr.Order.ID, "session_id", session.ID)
		return out, nil
	}

	d.logger.Info("order paid", "order_id", tr.Order.ID, "session_id", session.ID,
		"asset_id", tr.Order.AssetID, "buyer_id", tr.Order.BuyerID, "previous_status", tr.Previous)

	out.Effects = d.afterPaid(ctx, tr, session)
	return out, nil
}

// afterPaid adjusts inventory before anything else. An edition-limit rejection
// skips the certificate and flags the order for a manual refund.
func (d *Dispatcher) afterPaid(ctx context.Context, tr *domain.Transition, session *checkoutSession) []EffectResult {
	ctx = context.WithoutCancel(ctx)
	order := tr.Order
	attrs := orderAttrs(order)

	results := runEffects(ctx, d.logger, attrs, d.inventoryEffect(order, tr.InventoryDelta()))

	if errors.Is(results[0].Err, inventory.ErrEditionLimitReached) {
		d.logger.Error("edition limit reached for paid order, refund required", attrs...)
		return append(results, runEffects(ctx, d.logger, attrs,
			d.publishEffects(order, domain.OrderEventOversold, tr.Previous)...)...)
	}

	effects := []effect{{
		name: EffectCertificate,
		run: func(ctx context.Context) error {
			return d.certificates.Issue(ctx, session.purchase(order))
		},
	}}
	effects = append(effects, d.publishEffects(order, domain.OrderEventPaid, tr.Previous)...)

	return append(results, runEffects(ctx, d.logger, attrs, effects...)...)
}

func (d *Dispatcher) markFailed(ctx context.Context, session *checkoutSession, out Outcome) (Outcome, error) {
	order, err := d.orders.Upsert(ctx, session.ID, session.patch())
	if err != nil {
		return out, fmt.Errorf("upsert order for session %s: %w", session.ID, err)
	}

	tr, err := d.orders.Transition(ctx, session.ID, domain.OrderStatusFailed, domain.TransitionExtra{At: d.clock.Now()})
	if err != nil {
		if errors.Is(err, domain.ErrInvalidTransition) {
			d.logger.Warn("failure event for order that can no longer fail", "order_id", order.ID,
				"session_id", session.ID, "status", order.Status)
			out.Ignored = true
			return out, nil
		}
		return out, fmt.Errorf("mark session %s failed: %w", session.ID, err)
	}
	out.Transition = tr

	if !tr.Changed {
		return out, nil
	}

	d.logger.Info("order failed", "order_id", tr.Order.ID, "session_id", session.ID, "previous_status", tr.Previous)
	out.Effects = runEffects(context.WithoutCancel(ctx), d.logger, orderAttrs(tr.Order),
		d.publishEffects(tr.Order, domain.OrderEventFailed, tr.Previous)...)
	return out, nil
}

func (d *Dispatcher) extendSubscription(ctx context.Context, session *checkoutSession, out Outcome) (Outcome, error) {
	userID := session.userID()
	out.Effects = runEffects(context.WithoutCancel(ctx), d.logger, []any{"session_id", session.ID, "user_id", userID},
		effect{
			name: EffectSubscription,
			run: func(ctx context.Context) error {
				_, err := d.subscriptions.Extend(ctx, userID)
				return err
			},
		},
	)
	return out, nil
}

// Refund moves an order to refunded and returns the sold edition to inventory
// when the order had been paid.
func (d *Dispatcher) Refund(ctx context.Context, orderID, reason string) (Outcome, error) {
	return d.compensate(ctx, orderID, domain.OrderStatusRefunded, reason)
}

// Void moves an order to void and returns the sold edition to inventory when
// the order had been paid.
func (d *Dispatcher) Void(ctx context.Context, orderID, reason string) (Outcome, error) {
	return d.compensate(ctx, orderID, domain.OrderStatusVoid, reason)
}

func (d *Dispatcher) compensate(ctx context.Context, orderID string, status domain.OrderStatus, reason string) (Outcome, error) {
	ctx, span := tracer.Start(ctx, "compensate "+string(status),
		trace.WithAttributes(attribute.String("order.id", orderID)))
	defer span.End()

	out := Outcome{}

	order, err := d.orders.FindByID(ctx, orderID)
	if err != nil {
		span.RecordError(err)
		return out, fmt.Errorf("find order %s: %w", orderID, err)
	}
	if order == nil {
		return out, orders.ErrOrderNotFound
	}
	out.SessionID = order.SessionID

	tr, err := d.orders.Transition(ctx, order.SessionID, status, domain.TransitionExtra{Reason: reason, At: d.clock.Now()})
	if err != nil {
		if !errors.Is(err, domain.ErrInvalidTransition) {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		return out, fmt.Errorf("%s order %s: %w", status, orderID, err)
	}
	out.Transition = tr

	if !tr.Changed {
		return out, nil
	}

	d.logger.Info("order compensated", "order_id", order.ID, "status", status,
		"previous_status", tr.Previous, "reason", reason)

	var effects []effect
	if delta := tr.InventoryDelta(); delta != 0 {
		effects = append(effects, d.inventoryEffect(tr.Order, delta))
	}
	effects = append(effects, d.publishEffects(tr.Order, domain.EventTypeForStatus(status), tr.Previous)...)

	out.Effects = runEffects(context.WithoutCancel(ctx), d.logger, orderAttrs(tr.Order), effects...)
	return out, nil
}

func (d *Dispatcher) inventoryEffect(order *domain.Order, delta int) effect {
	return effect{
		name: EffectInventory,
		run: func(ctx context.Context) error {
			if order.AssetID == "" {
				return errMissingAsset
			}
			key := adjustmentKey(order)
			asset, err := d.inventory.Adjust(ctx, order.AssetID, delta, key)
			if err != nil {
				return err
			}
			d.logger.Info("inventory adjusted", "order_id", order.ID, "asset_id", order.AssetID,
				"delta", delta, "key", key, "sold_count", asset.SoldCount, "is_sold_out", asset.SoldOut)
			return nil
		},
	}
}

// adjustmentKey names the inventory change an order status implies. Each order
// enters paid at most once and leaves it at most once.
func adjustmentKey(order *domain.Order) string {
	return order.ID + ":" + string(order.Status)
}

func (d *Dispatcher) publishEffects(order *domain.Order, eventType domain.OrderEventType, previous domain.OrderStatus) []effect {
	if d.events == nil || eventType == "" {
		return nil
	}
	event := domain.OrderEvent{
		EventID:   uuid.New().String(),
		Type:      eventType,
		OrderID:   order.ID,
		SessionID: order.SessionID,
		AssetID:   order.AssetID,
		BuyerID:   order.BuyerID,
		Status:    order.Status,
		Previous:  previous,
		Timestamp: d.clock.Now(),
	}
	key := order.AssetID
	if key == "" {
		key = order.ID
	}
	return []effect{{
		name: EffectPublish,
		run: func(ctx context.Context) error {
			return d.events.Publish(ctx, key, event)
		},
	}}
}

func orderAttrs(order *domain.Order) []any {
	return []any{"order_id", order.ID, "session_id", order.SessionID, "asset_id", order.AssetID}
}
