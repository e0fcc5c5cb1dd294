//go:build integration

package test

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stripe/stripe-go/v82/webhook"

	"github.com/joao-fontenele/nfthub/internal/certificate"
	"github.com/joao-fontenele/nfthub/internal/clock"
	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/email"
	"github.com/joao-fontenele/nfthub/internal/identity"
	"github.com/joao-fontenele/nfthub/internal/inventory"
	"github.com/joao-fontenele/nfthub/internal/messaging"
	"github.com/joao-fontenele/nfthub/internal/orders"
	"github.com/joao-fontenele/nfthub/internal/payment"
	"github.com/joao-fontenele/nfthub/internal/reconcile"
	"github.com/joao-fontenele/nfthub/internal/subscription"
)

const webhookSecret = "whsec_integration"

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestOrderUpsertAndTransitionConcurrency(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := DBWithSchema(pg.ConnStr, "payment")
	if err != nil {
		t.Fatalf("failed to create payment DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := orders.NewOrderRepository(db)
	amount := int64(4900)

	var wg sync.WaitGroup
	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := repo.Upsert(ctx, "cs_concurrent", domain.OrderPatch{AssetID: "ASSET-001", BuyerID: "u1", Amount: &amount}); err != nil {
				t.Errorf("upsert failed: %v", err)
			}
		}()
	}
	wg.Wait()

	list, err := repo.List(ctx, orders.ListFilter{AssetID: "ASSET-001"})
	if err != nil {
		t.Fatalf("failed to list orders: %v", err)
	}
	if len(list) != 1 {
		t.Fatalf("expected exactly one order for the session, got %d", len(list))
	}

	var (
		mu      sync.Mutex
		changed int
	)
	for range 5 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			tr, err := repo.Transition(ctx, "cs_concurrent", domain.OrderStatusPaid, domain.TransitionExtra{At: time.Now()})
			if err != nil {
				t.Errorf("transition failed: %v", err)
				return
			}
			if tr.Changed {
				mu.Lock()
				changed++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if changed != 1 {
		t.Fatalf("expected exactly one transition to report a change, got %d", changed)
	}

	paid, err := repo.CountPaidByAsset(ctx, "ASSET-001")
	if err != nil {
		t.Fatalf("failed to count paid orders: %v", err)
	}
	if paid != 1 {
		t.Fatalf("expected 1 paid order, got %d", paid)
	}

	if _, err := repo.Transition(ctx, "cs_concurrent", domain.OrderStatusFailed, domain.TransitionExtra{At: time.Now()}); !errors.Is(err, domain.ErrInvalidTransition) {
		t.Fatalf("expected invalid transition from paid to failed, got %v", err)
	}

	tr, err := repo.Transition(ctx, "cs_concurrent", domain.OrderStatusRefunded, domain.TransitionExtra{At: time.Now(), Reason: "chargeback"})
	if err != nil {
		t.Fatalf("refund failed: %v", err)
	}
	if tr.Previous != domain.OrderStatusPaid || tr.Order.RefundReason != "chargeback" || tr.Order.RefundedAt == nil {
		t.Fatalf("unexpected refund transition %+v", tr.Order)
	}
}

func TestAssetSoldCountRules(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := DBWithSchema(pg.ConnStr, "inventory")
	if err != nil {
		t.Fatalf("failed to create inventory DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := inventory.NewAssetRepository(db)
	asset := &domain.Asset{Title: "Pair", CreatorID: "creator-9", Price: 1000, EditionLimit: 2}
	if err := repo.Create(ctx, asset); err != nil {
		t.Fatalf("failed to create asset: %v", err)
	}

	for i := 1; i <= 2; i++ {
		updated, err := repo.Adjust(ctx, asset.ID, 1, "")
		if err != nil {
			t.Fatalf("adjust %d failed: %v", i, err)
		}
		if updated.SoldCount != i {
			t.Fatalf("expected sold %d, got %d", i, updated.SoldCount)
		}
	}

	current, err := repo.Adjust(ctx, asset.ID, 1, "")
	if !errors.Is(err, inventory.ErrEditionLimitReached) {
		t.Fatalf("expected edition limit error, got %v", err)
	}
	if current == nil || current.SoldCount != 2 || !current.SoldOut {
		t.Fatalf("expected unchanged sold-out asset, got %+v", current)
	}

	clamped, err := repo.Adjust(ctx, asset.ID, -5, "")
	if err != nil {
		t.Fatalf("decrement failed: %v", err)
	}
	if clamped.SoldCount != 0 || clamped.SoldOut {
		t.Fatalf("expected sold clamped at 0, got %+v", clamped)
	}

	if _, err := repo.Adjust(ctx, "missing", 1, ""); !errors.Is(err, inventory.ErrAssetNotFound) {
		t.Fatalf("expected asset not found, got %v", err)
	}

	keyed, err := repo.Adjust(ctx, asset.ID, 1, "order-1:paid")
	if err != nil {
		t.Fatalf("keyed adjust failed: %v", err)
	}
	replayed, err := repo.Adjust(ctx, asset.ID, 1, "order-1:paid")
	if err != nil {
		t.Fatalf("replayed adjust failed: %v", err)
	}
	if keyed.SoldCount != 1 || replayed.SoldCount != 1 {
		t.Fatalf("expected a replayed key to leave sold at 1, got %d then %d", keyed.SoldCount, replayed.SoldCount)
	}

	if _, err := repo.Adjust(ctx, asset.ID, 5, "order-2:paid"); !errors.Is(err, inventory.ErrEditionLimitReached) {
		t.Fatalf("expected edition limit error, got %v", err)
	}
	if _, err := repo.Adjust(ctx, asset.ID, 1, "order-2:paid"); err != nil {
		t.Fatalf("expected a rejected key to stay usable, got %v", err)
	}
	if current, _ := repo.Get(ctx, asset.ID); current.SoldCount != 2 {
		t.Fatalf("expected sold 2, got %d", current.SoldCount)
	}

	mine, err := repo.List(ctx, "creator-9")
	if err != nil {
		t.Fatalf("failed to list assets: %v", err)
	}
	if len(mine) != 1 || mine[0].ID != asset.ID {
		t.Fatalf("expected only the creator's asset, got %+v", mine)
	}
}

func TestEventLedgerClaims(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := DBWithSchema(pg.ConnStr, "payment")
	if err != nil {
		t.Fatalf("failed to create payment DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	ledger := payment.NewEventLedger(db, 200*time.Millisecond)

	if res, err := ledger.Claim(ctx, "evt_1", "checkout.session.completed"); err != nil || res != payment.ClaimAcquired {
		t.Fatalf("expected first claim to be acquired, got %v %v", res, err)
	}
	if _, err := ledger.Claim(ctx, "evt_1", "checkout.session.completed"); !errors.Is(err, payment.ErrEventInFlight) {
		t.Fatalf("expected in-flight error, got %v", err)
	}

	time.Sleep(300 * time.Millisecond)
	if res, err := ledger.Claim(ctx, "evt_1", "checkout.session.completed"); err != nil || res != payment.ClaimAcquired {
		t.Fatalf("expected stale claim to be taken over, got %v %v", res, err)
	}

	if err := ledger.MarkDone(ctx, "evt_1"); err != nil {
		t.Fatalf("mark done failed: %v", err)
	}
	if res, err := ledger.Claim(ctx, "evt_1", "checkout.session.completed"); err != nil || res != payment.ClaimDuplicate {
		t.Fatalf("expected duplicate, got %v %v", res, err)
	}

	if _, err := ledger.Claim(ctx, "evt_2", "checkout.session.expired"); err != nil {
		t.Fatalf("claim failed: %v", err)
	}
	if err := ledger.Release(ctx, "evt_2"); err != nil {
		t.Fatalf("release failed: %v", err)
	}
	if res, err := ledger.Claim(ctx, "evt_2", "checkout.session.expired"); err != nil || res != payment.ClaimAcquired {
		t.Fatalf("expected released event to be claimable, got %v %v", res, err)
	}
}

func TestSubscriptionExpirySweep(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	db, err := DBWithSchema(pg.ConnStr, "identity")
	if err != nil {
		t.Fatalf("failed to create identity DB: %v", err)
	}
	defer func() { _ = db.Close() }()

	repo := identity.NewUserRepository(db)
	now := time.Now().UTC()

	expired := &domain.User{Username: "lapsed", Email: "lapsed@example.com", Role: domain.RoleCreator}
	current := &domain.User{Username: "active", Email: "active@example.com", Role: domain.RoleCreator}
	for _, u := range []*domain.User{expired, current} {
		if err := repo.Create(ctx, u); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}
	}
	past := now.Add(-time.Hour)
	future := now.Add(24 * time.Hour)
	if _, err := repo.UpdateSubscription(ctx, expired.ID, true, &past); err != nil {
		t.Fatalf("failed to update subscription: %v", err)
	}
	if _, err := repo.UpdateSubscription(ctx, current.ID, true, &future); err != nil {
		t.Fatalf("failed to update subscription: %v", err)
	}

	sweeper := identity.NewSweeper(repo, clock.NewFixed(now), time.Hour, discardLogger())
	if n := sweeper.Sweep(ctx); n != 1 {
		t.Fatalf("expected 1 expired subscription, got %d", n)
	}

	got, err := repo.Get(ctx, expired.ID)
	if err != nil {
		t.Fatalf("failed to load user: %v", err)
	}
	if got.IsSubscribed || got.IsCreator() {
		t.Fatalf("expected lapsed user to lose creator access, got %+v", got)
	}

	if err := repo.Create(ctx, &domain.User{Username: "lapsed", Email: "other@example.com"}); !errors.Is(err, identity.ErrUserExists) {
		t.Fatalf("expected duplicate username to be rejected, got %v", err)
	}
}

type mailbox struct {
	mu       sync.Mutex
	messages []email.Message
}

func (m *mailbox) handler(w http.ResponseWriter, r *http.Request) {
	var msg email.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		http.Error(w, "invalid request", http.StatusBadRequest)
		return
	}
	m.mu.Lock()
	m.messages = append(m.messages, msg)
	m.mu.Unlock()

	w.Header().Set("Content-Type", "application/json")
	_, _ = io.WriteString(w, `{"status":"sent"}`)
}

func (m *mailbox) received() []email.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]email.Message(nil), m.messages...)
}

func checkoutEvent(t *testing.T, eventID, eventType string, session map[string]any) []byte {
	t.Helper()
	data, err := json.Marshal(map[string]any{
		"id":          eventID,
		"object":      "event",
		"type":        eventType,
		"api_version": "2025-01-27.acacia",
		"created":     time.Now().Unix(),
		"data":        map[string]any{"object": session},
	})
	if err != nil {
		t.Fatalf("failed to marshal event: %v", err)
	}
	return data
}

func deliver(t *testing.T, handler http.HandlerFunc, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	signed := webhook.GenerateTestSignedPayload(&webhook.UnsignedPayload{
		Payload:   payload,
		Secret:    webhookSecret,
		Timestamp: time.Now(),
		Scheme:    "v1",
	})
	req := httptest.NewRequest(http.MethodPost, "/webhooks/stripe", bytes.NewReader(payload))
	req.Header.Set("Stripe-Signature", signed.Header)
	rec := httptest.NewRecorder()
	handler(rec, req)
	return rec
}

func TestStripeWebhookFlow(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	logger := discardLogger()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	paymentDB, err := DBWithSchema(pg.ConnStr, "payment")
	if err != nil {
		t.Fatalf("failed to create payment DB: %v", err)
	}
	defer func() { _ = paymentDB.Close() }()

	inventoryDB, err := DBWithSchema(pg.ConnStr, "inventory")
	if err != nil {
		t.Fatalf("failed to create inventory DB: %v", err)
	}
	defer func() { _ = inventoryDB.Close() }()

	identityDB, err := DBWithSchema(pg.ConnStr, "identity")
	if err != nil {
		t.Fatalf("failed to create identity DB: %v", err)
	}
	defer func() { _ = identityDB.Close() }()

	assetRepo := inventory.NewAssetRepository(inventoryDB)
	inventoryHandler := inventory.NewHandler(assetRepo, logger)
	inventoryMux := http.NewServeMux()
	inventoryMux.HandleFunc("GET /assets/{id}", inventoryHandler.HandleGetAsset)
	inventoryMux.HandleFunc("PATCH /assets/{id}/sold", inventoryHandler.HandleAdjustSold)
	inventoryServer := httptest.NewServer(inventoryMux)
	defer inventoryServer.Close()

	userRepo := identity.NewUserRepository(identityDB)
	identityHandler := identity.NewHandler(userRepo, logger)
	identityMux := http.NewServeMux()
	identityMux.HandleFunc("GET /users/{id}/subscription", identityHandler.HandleGetSubscription)
	identityMux.HandleFunc("PATCH /users/{id}/subscription", identityHandler.HandleUpdateSubscription)
	identityServer := httptest.NewServer(identityMux)
	defer identityServer.Close()

	box := &mailbox{}
	emailMux := http.NewServeMux()
	emailMux.HandleFunc("POST /send", box.handler)
	emailServer := httptest.NewServer(emailMux)
	defer emailServer.Close()

	orderRepo := orders.NewOrderRepository(paymentDB)
	inventoryClient := inventory.NewClient([]string{inventoryServer.URL}, httpClient, 5*time.Second, logger)
	pipeline, err := certificate.NewPipeline(inventoryClient, email.NewClient(emailServer.URL, httpClient),
		certificate.DefaultTitleCacheSize, clock.NewSystem(), logger)
	if err != nil {
		t.Fatalf("failed to create certificate pipeline: %v", err)
	}

	dispatcher := payment.NewDispatcher(payment.Dependencies{
		Orders:        orderRepo,
		Inventory:     inventoryClient,
		Certificates:  pipeline,
		Subscriptions: subscription.NewExtender(identity.NewClient(identityServer.URL, httpClient), clock.NewSystem(), 5*time.Second, logger),
	}, logger)
	webhookHandler := payment.NewWebhookHandler(dispatcher, payment.NewEventLedger(paymentDB, payment.DefaultClaimLease), webhookSecret, logger)

	session := map[string]any{
		"id":               "cs_test_flow",
		"object":           "checkout.session",
		"mode":             "payment",
		"payment_status":   "paid",
		"amount_total":     4900,
		"currency":         "eur",
		"customer_details": map[string]string{"email": "ada@example.com", "name": "Ada"},
		"metadata":         map[string]string{payment.MetadataAssetID: "ASSET-001", payment.MetadataBuyerID: "buyer-1"},
	}
	completed := checkoutEvent(t, "evt_flow_1", "checkout.session.completed", session)

	t.Run("completed session marks order paid", func(t *testing.T) {
		rec := deliver(t, webhookHandler.HandleStripeWebhook, completed)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		order, err := orderRepo.FindBySession(ctx, "cs_test_flow")
		if err != nil || order == nil {
			t.Fatalf("failed to load order: %v", err)
		}
		if order.Status != domain.OrderStatusPaid || order.Amount != 4900 || order.BuyerID != "buyer-1" {
			t.Fatalf("unexpected order %+v", order)
		}

		asset, err := assetRepo.Get(ctx, "ASSET-001")
		if err != nil {
			t.Fatalf("failed to load asset: %v", err)
		}
		if asset.SoldCount != 1 || !asset.SoldOut {
			t.Fatalf("expected sold=1 soldOut=true, got %+v", asset)
		}

		messages := box.received()
		if len(messages) != 1 {
			t.Fatalf("expected 1 certificate email, got %d", len(messages))
		}
		if messages[0].To != "ada@example.com" || len(messages[0].Attachments) != 1 {
			t.Fatalf("unexpected certificate email %+v", messages[0])
		}
		if !strings.Contains(string(messages[0].Attachments[0].Content), "Genesis Skyline") {
			t.Error("expected certificate to carry the asset title")
		}
	})

	t.Run("redelivery is a duplicate", func(t *testing.T) {
		rec := deliver(t, webhookHandler.HandleStripeWebhook, completed)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}
		if !strings.Contains(rec.Body.String(), "duplicate") {
			t.Fatalf("expected duplicate status, got %s", rec.Body.String())
		}

		rec = deliver(t, webhookHandler.HandleStripeWebhook,
			checkoutEvent(t, "evt_flow_2", "checkout.session.async_payment_succeeded", session))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d", rec.Code)
		}

		asset, err := assetRepo.Get(ctx, "ASSET-001")
		if err != nil {
			t.Fatalf("failed to load asset: %v", err)
		}
		if asset.SoldCount != 1 {
			t.Fatalf("expected sold to stay 1, got %d", asset.SoldCount)
		}
	})

	t.Run("admin refund releases the edition", func(t *testing.T) {
		order, err := orderRepo.FindBySession(ctx, "cs_test_flow")
		if err != nil || order == nil {
			t.Fatalf("failed to load order: %v", err)
		}

		adminMux := http.NewServeMux()
		adminMux.HandleFunc("PATCH /admin/orders/{id}/refund", payment.NewAdminHandler(dispatcher, logger).HandleRefund)

		req := httptest.NewRequest(http.MethodPatch, "/admin/orders/"+order.ID+"/refund", strings.NewReader(`{"reason":"requested by buyer"}`))
		rec := httptest.NewRecorder()
		adminMux.ServeHTTP(rec, req)
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		asset, err := assetRepo.Get(ctx, "ASSET-001")
		if err != nil {
			t.Fatalf("failed to load asset: %v", err)
		}
		if asset.SoldCount != 0 || asset.SoldOut {
			t.Fatalf("expected sold=0 soldOut=false, got %+v", asset)
		}
	})

	t.Run("subscription checkout extends the user", func(t *testing.T) {
		user := &domain.User{Username: "creator", Email: "creator@example.com", Role: domain.RoleCreator}
		if err := userRepo.Create(ctx, user); err != nil {
			t.Fatalf("failed to create user: %v", err)
		}

		rec := deliver(t, webhookHandler.HandleStripeWebhook, checkoutEvent(t, "evt_sub_1", "checkout.session.completed", map[string]any{
			"id":             "cs_sub_flow",
			"object":         "checkout.session",
			"mode":           "subscription",
			"payment_status": "paid",
			"metadata":       map[string]string{payment.MetadataUserID: user.ID},
		}))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected status 200, got %d: %s", rec.Code, rec.Body.String())
		}

		got, err := userRepo.Get(ctx, user.ID)
		if err != nil {
			t.Fatalf("failed to load user: %v", err)
		}
		if !got.IsCreator() || got.SubscriptionExpires == nil {
			t.Fatalf("expected active creator subscription, got %+v", got)
		}
		remaining := time.Until(*got.SubscriptionExpires)
		if remaining < domain.SubscriptionPeriod-time.Hour || remaining > domain.SubscriptionPeriod {
			t.Fatalf("expected expiration one period ahead, got %s", remaining)
		}
	})
}

func TestOrderEventsReconcileInventory(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Minute)
	defer cancel()

	pg := SetupPostgres(ctx, t)
	defer pg.Cleanup()

	brokers, cleanupKafka := SetupKafka(ctx, t)
	defer cleanupKafka()

	logger := discardLogger()
	httpClient := &http.Client{Timeout: 10 * time.Second}

	paymentDB, err := DBWithSchema(pg.ConnStr, "payment")
	if err != nil {
		t.Fatalf("failed to create payment DB: %v", err)
	}
	defer func() { _ = paymentDB.Close() }()

	inventoryDB, err := DBWithSchema(pg.ConnStr, "inventory")
	if err != nil {
		t.Fatalf("failed to create inventory DB: %v", err)
	}
	defer func() { _ = inventoryDB.Close() }()

	orderRepo := orders.NewOrderRepository(paymentDB)
	paymentMux := http.NewServeMux()
	paymentMux.HandleFunc("GET /assets/{assetId}/paid-count", orders.NewHandler(orderRepo, logger).HandlePaidCount)
	paymentServer := httptest.NewServer(paymentMux)
	defer paymentServer.Close()

	assetRepo := inventory.NewAssetRepository(inventoryDB)
	inventoryHandler := inventory.NewHandler(assetRepo, logger)
	inventoryMux := http.NewServeMux()
	inventoryMux.HandleFunc("GET /assets/{id}", inventoryHandler.HandleGetAsset)
	inventoryMux.HandleFunc("PUT /assets/{id}/sold", inventoryHandler.HandleSetSold)
	inventoryServer := httptest.NewServer(inventoryMux)
	defer inventoryServer.Close()

	// A paid order whose inventory increment never happened.
	amount := int64(2500)
	if _, err := orderRepo.Upsert(ctx, "cs_diverged", domain.OrderPatch{AssetID: "ASSET-003", BuyerID: "u1", Amount: &amount}); err != nil {
		t.Fatalf("upsert failed: %v", err)
	}
	tr, err := orderRepo.Transition(ctx, "cs_diverged", domain.OrderStatusPaid, domain.TransitionExtra{At: time.Now()})
	if err != nil {
		t.Fatalf("transition failed: %v", err)
	}

	producer := messaging.NewProducer(brokers, "order.events")
	defer func() { _ = producer.Close() }()

	event := domain.OrderEvent{
		EventID:   "ev-diverged",
		Type:      domain.OrderEventPaid,
		OrderID:   tr.Order.ID,
		SessionID: tr.Order.SessionID,
		AssetID:   tr.Order.AssetID,
		Status:    tr.Order.Status,
		Previous:  tr.Previous,
		Timestamp: time.Now(),
	}

	var publishErr error
	for range 10 {
		if publishErr = producer.Publish(ctx, event.AssetID, event); publishErr == nil {
			break
		}
		time.Sleep(time.Second)
	}
	if publishErr != nil {
		t.Fatalf("failed to publish event: %v", publishErr)
	}

	reconciler := reconcile.NewHandler(paymentServer.URL, inventory.NewClient([]string{inventoryServer.URL}, httpClient, 5*time.Second, logger), httpClient, logger)
	consumer := messaging.NewConsumer(brokers, "order.events", "reconciler-test",
		messaging.WithStartOffset(kafka.FirstOffset),
		messaging.WithEventTypes(string(domain.OrderEventPaid)),
	)
	defer func() { _ = consumer.Close() }()

	consumeCtx, stopConsuming := context.WithCancel(ctx)
	defer stopConsuming()

	handled := make(chan error, 1)
	go func() {
		_ = consumer.Consume(consumeCtx, func(ctx context.Context, payload []byte) error {
			err := reconciler.Handle(ctx, payload)
			select {
			case handled <- err:
			default:
			}
			return err
		})
	}()

	select {
	case err := <-handled:
		if err != nil {
			t.Fatalf("reconcile failed: %v", err)
		}
	case <-time.After(time.Minute):
		t.Fatal("timed out waiting for order event")
	}
	stopConsuming()

	asset, err := assetRepo.Get(ctx, "ASSET-003")
	if err != nil {
		t.Fatalf("failed to load asset: %v", err)
	}
	if asset.SoldCount != 1 {
		t.Fatalf("expected sold count repaired to 1, got %d", asset.SoldCount)
	}
}
