package payment

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stripe/stripe-go/v82"

	"github.com/joao-fontenele/nfthub/internal/certificate"
	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/inventory"
	"github.com/joao-fontenele/nfthub/internal/orders"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// memoryOrders mirrors the Postgres order store: one order per session, status
// changes validated and serialized under a lock.
type memoryOrders struct {
	mu        sync.Mutex
	bySession map[string]*domain.Order
	upserts   int

	upsertErr     error
	transitionErr error
}

func newMemoryOrders() *memoryOrders {
	return &memoryOrders{bySession: map[string]*domain.Order{}}
}

func (m *memoryOrders) Upsert(_ context.Context, sessionID string, patch domain.OrderPatch) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.upsertErr != nil {
		return nil, m.upsertErr
	}
	m.upserts++

	order, ok := m.bySession[sessionID]
	if !ok {
		order = &domain.Order{
			ID:        "order-" + sessionID,
			SessionID: sessionID,
			Status:    domain.OrderStatusPending,
			Currency:  "eur",
		}
		m.bySession[sessionID] = order
	}
	if order.AssetID == "" {
		order.AssetID = patch.AssetID
	}
	if order.BuyerID == "" {
		order.BuyerID = patch.BuyerID
	}
	if order.BuyerEmail == "" {
		order.BuyerEmail = patch.BuyerEmail
	}
	if order.Amount == 0 && patch.Amount != nil {
		order.Amount = *patch.Amount
	}
	copied := *order
	return &copied, nil
}

func (m *memoryOrders) Transition(_ context.Context, sessionID string, status domain.OrderStatus, extra domain.TransitionExtra) (*domain.Transition, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.transitionErr != nil {
		return nil, m.transitionErr
	}

	order, ok := m.bySession[sessionID]
	if !ok {
		return nil, orders.ErrOrderNotFound
	}
	previous := order.Status
	if !domain.CanTransition(previous, status) {
		return nil, domain.ErrInvalidTransition
	}
	if previous == status {
		copied := *order
		return &domain.Transition{Order: &copied, Previous: previous}, nil
	}

	order.Status = status
	switch status {
	case domain.OrderStatusRefunded:
		order.RefundedAt = &extra.At
		order.RefundReason = extra.Reason
	case domain.OrderStatusVoid:
		order.VoidedAt = &extra.At
		order.VoidReason = extra.Reason
	}
	copied := *order
	return &domain.Transition{Order: &copied, Previous: previous, Changed: true}, nil
}

func (m *memoryOrders) FindByID(_ context.Context, id string) (*domain.Order, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, order := range m.bySession {
		if order.ID == id {
			copied := *order
			return &copied, nil
		}
	}
	return nil, nil
}

func (m *memoryOrders) get(sessionID string) domain.Order {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.bySession[sessionID]
}

func (m *memoryOrders) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.bySession)
}

// memoryInventory applies the same clamping and limit rules as the asset service.
type memoryInventory struct {
	mu      sync.Mutex
	assets  map[string]*domain.Asset
	calls   []int
	keys    []string
	applied map[string]bool
	err     error
}

func newMemoryInventory(assets ...domain.Asset) *memoryInventory {
	inv := &memoryInventory{assets: map[string]*domain.Asset{}, applied: map[string]bool{}}
	for _, a := range assets {
		inv.assets[a.ID] = &a
	}
	return inv
}

func (m *memoryInventory) Adjust(_ context.Context, assetID string, delta int, key string) (*domain.Asset, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, delta)
	m.keys = append(m.keys, key)
	if m.err != nil {
		return nil, m.err
	}

	asset, ok := m.assets[assetID]
	if !ok {
		return nil, inventory.ErrAssetNotFound
	}
	if key != "" && m.applied[key] {
		copied := *asset
		return &copied, nil
	}
	if delta > 0 && domain.ExceedsLimit(asset.EditionLimit, asset.SoldCount, delta) {
		return nil, inventory.ErrEditionLimitReached
	}
	asset.SoldCount = domain.NextSold(asset.SoldCount, delta)
	asset.SoldOut = domain.SoldOut(asset.EditionLimit, asset.SoldCount)
	if key != "" {
		m.applied[key] = true
	}
	copied := *asset
	return &copied, nil
}

func (m *memoryInventory) adjustmentKeys() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.keys...)
}

func (m *memoryInventory) asset(id string) domain.Asset {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.assets[id]
}

func (m *memoryInventory) deltas() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]int(nil), m.calls...)
}

type fakeCertificates struct {
	mu        sync.Mutex
	purchases []certificate.Purchase
	err       error
	panicWith any
}

func (f *fakeCertificates) Issue(_ context.Context, p certificate.Purchase) error {
	if f.panicWith != nil {
		panic(f.panicWith)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.purchases = append(f.purchases, p)
	return f.err
}

func (f *fakeCertificates) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.purchases)
}

type fakeExtender struct {
	mu    sync.Mutex
	users []string
	err   error
}

func (f *fakeExtender) Extend(_ context.Context, userID string) (time.Time, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.users = append(f.users, userID)
	if f.err != nil {
		return time.Time{}, f.err
	}
	return time.Now().Add(domain.SubscriptionPeriod), nil
}

type fakePublisher struct {
	mu     sync.Mutex
	events []domain.OrderEvent
	err    error
}

func (f *fakePublisher) Publish(_ context.Context, _ string, event any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, event.(domain.OrderEvent))
	return nil
}

func (f *fakePublisher) types() []domain.OrderEventType {
	f.mu.Lock()
	defer f.mu.Unlock()
	var types []domain.OrderEventType
	for _, e := range f.events {
		types = append(types, e.Type)
	}
	return types
}

// memoryLedger follows the Postgres ledger: claim, release and mark done.
type memoryLedger struct {
	mu       sync.Mutex
	statuses map[string]string
	claimErr error
}

func newMemoryLedger() *memoryLedger {
	return &memoryLedger{statuses: map[string]string{}}
}

func (m *memoryLedger) Claim(_ context.Context, eventID, _ string) (ClaimResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.claimErr != nil {
		return 0, m.claimErr
	}
	switch m.statuses[eventID] {
	case "done":
		return ClaimDuplicate, nil
	case "processing":
		return 0, ErrEventInFlight
	}
	m.statuses[eventID] = "processing"
	return ClaimAcquired, nil
}

func (m *memoryLedger) Release(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.statuses[eventID] == "processing" {
		delete(m.statuses, eventID)
	}
	return nil
}

func (m *memoryLedger) MarkDone(_ context.Context, eventID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.statuses[eventID] = "done"
	return nil
}

func (m *memoryLedger) status(eventID string) string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.statuses[eventID]
}

type sessionFixture struct {
	ID            string
	Mode          string
	PaymentStatus string
	AssetID       string
	BuyerID       string
	UserID        string
	Email         string
	Title         string
	Amount        int64
}

func (s sessionFixture) raw(t *testing.T) []byte {
	t.Helper()
	mode := s.Mode
	if mode == "" {
		mode = "payment"
	}
	status := s.PaymentStatus
	if status == "" {
		status = "paid"
	}
	metadata := map[string]string{}
	if s.AssetID != "" {
		metadata[MetadataAssetID] = s.AssetID
	}
	if s.BuyerID != "" {
		metadata[MetadataBuyerID] = s.BuyerID
	}
	if s.UserID != "" {
		metadata[MetadataUserID] = s.UserID
	}
	if s.Title != "" {
		metadata[MetadataTitle] = s.Title
	}
	data, err := json.Marshal(map[string]any{
		"id":               s.ID,
		"object":           "checkout.session",
		"mode":             mode,
		"payment_status":   status,
		"amount_total":     s.Amount,
		"currency":         "eur",
		"customer_details": map[string]string{"email": s.Email, "name": "Ada Buyer"},
		"metadata":         metadata,
	})
	if err != nil {
		t.Fatalf("failed to marshal session: %v", err)
	}
	return data
}

func sessionEvent(t *testing.T, eventID string, eventType stripe.EventType, s sessionFixture) stripe.Event {
	t.Helper()
	return stripe.Event{
		ID:   eventID,
		Type: eventType,
		Data: &stripe.EventData{Raw: s.raw(t)},
	}
}

type harness struct {
	orders       *memoryOrders
	inventory    *memoryInventory
	certificates *fakeCertificates
	extender     *fakeExtender
	publisher    *fakePublisher
	dispatcher   *Dispatcher
}

func newHarness(assets ...domain.Asset) *harness {
	h := &harness{
		orders:       newMemoryOrders(),
		inventory:    newMemoryInventory(assets...),
		certificates: &fakeCertificates{},
		extender:     &fakeExtender{},
		publisher:    &fakePublisher{},
	}
	h.dispatcher = NewDispatcher(Dependencies{
		Orders:        h.orders,
		Inventory:     h.inventory,
		Certificates:  h.certificates,
		Subscriptions: h.extender,
		Events:        h.publisher,
	}, discardLogger())
	return h
}

var errBoom = errors.New("boom")
