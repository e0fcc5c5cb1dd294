package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/nfthub/internal/gateway"
	"github.com/joao-fontenele/nfthub/internal/telemetry"
)

func main() {
	ctx := context.Background()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "gateway", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(ctx) }()

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	paymentServiceURL := os.Getenv("PAYMENT_SERVICE_URL")
	if paymentServiceURL == "" {
		logger.Error("PAYMENT_SERVICE_URL is required")
		os.Exit(1)
	}

	inventoryServiceURL := os.Getenv("INVENTORY_SERVICE_URL")
	if inventoryServiceURL == "" {
		logger.Error("INVENTORY_SERVICE_URL is required")
		os.Exit(1)
	}

	identityServiceURL := os.Getenv("IDENTITY_SERVICE_URL")
	if identityServiceURL == "" {
		logger.Error("IDENTITY_SERVICE_URL is required")
		os.Exit(1)
	}

	httpClient := &http.Client{
		Timeout:   10 * time.Second,
		Transport: otelhttp.NewTransport(http.DefaultTransport),
	}

	handler := gateway.NewHandler(
		gateway.NewServiceProxy(paymentServiceURL, httpClient),
		gateway.NewServiceProxy(inventoryServiceURL, httpClient),
		gateway.NewServiceProxy(identityServiceURL, httpClient),
		logger,
	)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/me", telemetry.WithHTTPRoute(handler.HandleMe))
	mux.HandleFunc("/api/payment/", telemetry.WithHTTPRoute(handler.HandlePayment))
	mux.HandleFunc("/api/assets", telemetry.WithHTTPRoute(handler.HandleAssets))
	mux.HandleFunc("/api/assets/", telemetry.WithHTTPRoute(handler.HandleAssets))
	mux.HandleFunc("/api/users", telemetry.WithHTTPRoute(handler.HandleUsers))
	mux.HandleFunc("/api/users/", telemetry.WithHTTPRoute(handler.HandleUsers))
	mux.HandleFunc("PATCH /api/admin/orders/{id}/{action}", telemetry.WithHTTPRoute(handler.HandleAdminOrders))

	server := &http.Server{
		Addr: ":" + port,
		Handler: otelhttp.NewHandler(mux, "gateway",
			otelhttp.WithSpanNameFormatter(func(_ string, r *http.Request) string {
				if r.Pattern != "" {
					return r.Pattern
				}
				return r.Method + " " + r.URL.Path
			}),
		),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		logger.Info("starting gateway service", "port", port)
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
