package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/nfthub/internal/domain"
	"github.com/joao-fontenele/nfthub/internal/inventory"
	"github.com/joao-fontenele/nfthub/internal/messaging"
	"github.com/joao-fontenele/nfthub/internal/reconcile"
	"github.com/joao-fontenele/nfthub/internal/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "reconciler", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	kafkaBrokers := os.Getenv("KAFKA_BROKERS")
	if kafkaBrokers == "" {
		logger.Error("KAFKA_BROKERS environment variable is required")
		os.Exit(1)
	}

	paymentServiceURL := os.Getenv("PAYMENT_SERVICE_URL")
	if paymentServiceURL == "" {
		logger.Error("PAYMENT_SERVICE_URL environment variable is required")
		os.Exit(1)
	}

	inventoryURLs := os.Getenv("INVENTORY_SERVICE_URLS")
	if inventoryURLs == "" {
		logger.Error("INVENTORY_SERVICE_URLS environment variable is required")
		os.Exit(1)
	}

	brokers := strings.Split(kafkaBrokers, ",")
	consumer := messaging.NewConsumer(brokers, "order.events", "inventory-reconciler",
		messaging.WithEventTypes(
			string(domain.OrderEventPaid),
			string(domain.OrderEventRefunded),
			string(domain.OrderEventVoided),
			string(domain.OrderEventOversold),
		),
	)
	defer func() { _ = consumer.Close() }()

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	assets := inventory.NewClient(strings.Split(inventoryURLs, ","), httpClient, inventory.DefaultCallTimeout, logger)
	handler := reconcile.NewHandler(paymentServiceURL, assets, httpClient, logger)

	go func() {
		stop := make(chan os.Signal, 1)
		signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
		<-stop
		logger.Info("shutting down")
		cancel()
	}()

	logger.Info("starting inventory reconciler", "brokers", brokers)

	if err := consumer.Consume(ctx, handler.Handle); err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("consumer stopped")
			return
		}
		logger.Error("consumer error", "error", err)
		os.Exit(1)
	}
}
