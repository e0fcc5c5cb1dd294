package messaging

import (
	"context"
	"strconv"

	"github.com/segmentio/kafka-go"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/codes"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

var consumerTracer = otel.Tracer("messaging/consumer")

type Consumer struct {
	reader     *kafka.Reader
	topic      string
	groupID    string
	eventTypes map[string]bool
}

type consumerConfig struct {
	reader     kafka.ReaderConfig
	eventTypes map[string]bool
}

type ConsumerOption func(*consumerConfig)

func WithStartOffset(offset int64) ConsumerOption {
	return func(cfg *consumerConfig) {
		cfg.reader.StartOffset = offset
	}
}

// WithEventTypes restricts the handler to messages whose event type header is
// one of types. Other messages are committed without being handled.
func WithEventTypes(types ...string) ConsumerOption {
	return func(cfg *consumerConfig) {
		if cfg.eventTypes == nil {
			cfg.eventTypes = make(map[string]bool, len(types))
		}
		for _, t := range types {
			cfg.eventTypes[t] = true
		}
	}
}

func NewConsumer(brokers []string, topic, groupID string, opts ...ConsumerOption) *Consumer {
	cfg := consumerConfig{
		reader: kafka.ReaderConfig{
			Brokers: brokers,
			Topic:   topic,
			GroupID: groupID,
		},
	}

	for _, opt := range opts {
		opt(&cfg)
	}

	return &Consumer{
		reader:     kafka.NewReader(cfg.reader),
		topic:      topic,
		groupID:    groupID,
		eventTypes: cfg.eventTypes,
	}
}

func (c *Consumer) accepts(msg *kafka.Message) bool {
	if len(c.eventTypes) == 0 {
		return true
	}
	return c.eventTypes[NewMessageCarrier(msg).Get(EventTypeHeader)]
}

func (c *Consumer) Consume(ctx context.Context, handler func(ctx context.Context, payload []byte) error) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		if c.accepts(&msg) {
			if err := c.processMessage(ctx, msg, handler); err != nil {
				return err
			}
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) processMessage(ctx context.Context, msg kafka.Message, handler func(ctx context.Context, payload []byte) error) error {
	parentCtx := otel.GetTextMapPropagator().Extract(ctx, NewMessageCarrier(&msg))

	spanCtx, span := consumerTracer.Start(parentCtx, "process "+c.topic,
		trace.WithSpanKind(trace.SpanKindConsumer),
		trace.WithAttributes(
			semconv.MessagingSystemKafka,
			semconv.MessagingOperationName("process"),
			semconv.MessagingOperationTypeDeliver,
			semconv.MessagingDestinationName(c.topic),
			semconv.MessagingKafkaConsumerGroup(c.groupID),
			semconv.MessagingKafkaMessageOffset(int(msg.Offset)),
			semconv.MessagingDestinationPartitionID(strconv.Itoa(msg.Partition)),
			semconv.MessagingKafkaMessageKey(string(msg.Key)),
		),
	)
	defer span.End()

	if err := handler(spanCtx, msg.Value); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return err
	}

	return nil
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
