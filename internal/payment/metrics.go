package payment

import (
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
)

const instrumentationName = "github.com/joao-fontenele/nfthub/internal/payment"

var tracer trace.Tracer = otel.Tracer(instrumentationName)

type instruments struct {
	webhookEvents  metric.Int64Counter
	effectFailures metric.Int64Counter
}

var paymentMetrics = sync.OnceValue(func() *instruments {
	meter := otel.Meter(instrumentationName)

	events, err := meter.Int64Counter("payment.webhook.events",
		metric.WithDescription("Webhook deliveries by event type and result"))
	if err != nil {
		events = noop.Int64Counter{}
	}

	failures, err := meter.Int64Counter("payment.side_effect.failures",
		metric.WithDescription("Side effects that failed after an order write"))
	if err != nil {
		failures = noop.Int64Counter{}
	}

	return &instruments{
		webhookEvents:  events,
		effectFailures: failures,
	}
})
