package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/nfthub/internal/certificate"
	"github.com/joao-fontenele/nfthub/internal/clock"
	"github.com/joao-fontenele/nfthub/internal/email"
	"github.com/joao-fontenele/nfthub/internal/identity"
	"github.com/joao-fontenele/nfthub/internal/inventory"
	"github.com/joao-fontenele/nfthub/internal/messaging"
	"github.com/joao-fontenele/nfthub/internal/orders"
	"github.com/joao-fontenele/nfthub/internal/payment"
	"github.com/joao-fontenele/nfthub/internal/subscription"
	"github.com/joao-fontenele/nfthub/internal/telemetry"
)

const orderEventsTopic = "order.events"

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "payment", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("payment", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(ctx) }()

	postgresURL := requireEnv(logger, "POSTGRES_URL")
	stripeSecretKey := requireEnv(logger, "STRIPE_SECRET_KEY")
	webhookSecret := requireEnv(logger, "STRIPE_WEBHOOK_SECRET")
	inventoryURLs := requireEnv(logger, "INVENTORY_SERVICE_URLS")
	identityServiceURL := requireEnv(logger, "IDENTITY_SERVICE_URL")
	emailServiceURL := requireEnv(logger, "EMAIL_SERVICE_URL")

	clientURL := os.Getenv("CLIENT_URL")
	if clientURL == "" {
		clientURL = "http://localhost:5173"
	}

	downstreamTimeout := inventory.DefaultCallTimeout
	if raw := os.Getenv("DOWNSTREAM_TIMEOUT"); raw != "" {
		downstreamTimeout, err = time.ParseDuration(raw)
		if err != nil {
			logger.Error("invalid DOWNSTREAM_TIMEOUT", "error", err)
			os.Exit(1)
		}
	}

	db, err := telemetry.OpenPostgres(ctx, postgresURL, "payment")
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	httpClient := &http.Client{
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}
	clk := clock.NewSystem()

	repo := orders.NewOrderRepository(db)
	inventoryClient := inventory.NewClient(strings.Split(inventoryURLs, ","), httpClient, downstreamTimeout, logger)

	pipeline, err := certificate.NewPipeline(inventoryClient, email.NewClient(emailServiceURL, httpClient),
		certificate.DefaultTitleCacheSize, clk, logger)
	if err != nil {
		logger.Error("failed to create certificate pipeline", "error", err)
		os.Exit(1)
	}

	extender := subscription.NewExtender(identity.NewClient(identityServiceURL, httpClient), clk, downstreamTimeout, logger)

	var events payment.EventPublisher
	if kafkaBrokers := os.Getenv("KAFKA_BROKERS"); kafkaBrokers != "" {
		producer := messaging.NewProducer(strings.Split(kafkaBrokers, ","), orderEventsTopic)
		defer func() { _ = producer.Close() }()
		events = producer
	} else {
		logger.Warn("KAFKA_BROKERS not set, order events will not be published")
	}

	dispatcher := payment.NewDispatcher(payment.Dependencies{
		Orders:        repo,
		Inventory:     inventoryClient,
		Certificates:  pipeline,
		Subscriptions: extender,
		Events:        events,
		Clock:         clk,
	}, logger)

	webhookHandler := payment.NewWebhookHandler(dispatcher, payment.NewEventLedger(db, payment.DefaultClaimLease), webhookSecret, logger)
	checkoutHandler := payment.NewCheckoutHandler(
		payment.NewStripeSessions(stripeSecretKey, clientURL, os.Getenv("STRIPE_CREATOR_PRICE_ID")), repo, logger)
	adminHandler := payment.NewAdminHandler(dispatcher, logger)
	ordersHandler := orders.NewHandler(repo, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhooks/stripe", telemetry.WithHTTPRoute(webhookHandler.HandleStripeWebhook))
	mux.HandleFunc("POST /checkout/sessions", telemetry.WithHTTPRoute(checkoutHandler.HandleCreatePaymentSession))
	mux.HandleFunc("POST /checkout/subscriptions", telemetry.WithHTTPRoute(checkoutHandler.HandleCreateSubscriptionSession))
	mux.HandleFunc("GET /orders", telemetry.WithHTTPRoute(ordersHandler.HandleList))
	mux.HandleFunc("GET /orders/mine", telemetry.WithHTTPRoute(ordersHandler.HandleListMine))
	mux.HandleFunc("GET /orders/session/{sessionId}", telemetry.WithHTTPRoute(ordersHandler.HandleGetBySession))
	mux.HandleFunc("GET /ownership/{assetId}/{userId}", telemetry.WithHTTPRoute(ordersHandler.HandleOwnership))
	mux.HandleFunc("GET /assets/{assetId}/paid-count", telemetry.WithHTTPRoute(ordersHandler.HandlePaidCount))
	mux.HandleFunc("PATCH /admin/orders/{id}/refund", telemetry.WithHTTPRoute(adminHandler.HandleRefund))
	mux.HandleFunc("PATCH /admin/orders/{id}/void", telemetry.WithHTTPRoute(adminHandler.HandleVoid))
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8081"
	}

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "payment",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	go func() {
		logger.Info("starting payment service", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}

func requireEnv(logger *slog.Logger, name string) string {
	value := os.Getenv(name)
	if value == "" {
		logger.Error(name + " environment variable is required")
		os.Exit(1)
	}
	return value
}
