package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	_ "github.com/lib/pq"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"github.com/joao-fontenele/nfthub/internal/clock"
	"github.com/joao-fontenele/nfthub/internal/identity"
	"github.com/joao-fontenele/nfthub/internal/telemetry"
)

func main() {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))

	shutdownTracer, err := telemetry.InitTracerProvider(ctx, "identity", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize tracer", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	metricsHandler, shutdownMeter, err := telemetry.InitMeterProvider("identity", "0.1.0")
	if err != nil {
		logger.Error("failed to initialize meter", "error", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownMeter(context.Background()) }()

	postgresURL := os.Getenv("POSTGRES_URL")
	if postgresURL == "" {
		logger.Error("POSTGRES_URL environment variable is required")
		os.Exit(1)
	}

	sweepInterval := identity.DefaultSweepInterval
	if raw := os.Getenv("SUBSCRIPTION_SWEEP_INTERVAL"); raw != "" {
		sweepInterval, err = time.ParseDuration(raw)
		if err != nil {
			logger.Error("invalid SUBSCRIPTION_SWEEP_INTERVAL", "error", err)
			os.Exit(1)
		}
	}

	db, err := telemetry.OpenPostgres(ctx, postgresURL, "identity")
	if err != nil {
		logger.Error("failed to open database", "error", err)
		os.Exit(1)
	}
	defer func() { _ = db.Close() }()

	repo := identity.NewUserRepository(db)
	handler := identity.NewHandler(repo, logger)
	sweeper := identity.NewSweeper(repo, clock.NewSystem(), sweepInterval, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("POST /users", telemetry.WithHTTPRoute(handler.HandleCreateUser))
	mux.HandleFunc("GET /users/{id}", telemetry.WithHTTPRoute(handler.HandleGetUser))
	mux.HandleFunc("GET /users/{id}/subscription", telemetry.WithHTTPRoute(handler.HandleGetSubscription))
	mux.HandleFunc("PATCH /users/{id}/subscription", telemetry.WithHTTPRoute(handler.HandleUpdateSubscription))
	mux.Handle("GET /metrics", metricsHandler)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8083"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      otelhttp.NewHandler(mux, "identity"),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go sweeper.Run(ctx)

	go func() {
		logger.Info("starting identity service", "port", port, "sweep_interval", sweepInterval)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server error", "error", err)
			os.Exit(1)
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	logger.Info("shutting down")
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
		os.Exit(1)
	}
}
