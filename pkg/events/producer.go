package events

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
)

// Producer mirrors bus events onto Kafka topics so external alerting and
// notification systems can consume them. Delivery through the mirror is
// at-least-once; consumers must dedupe on event id.
type Producer struct {
	producer *kafka.Producer
	tracer   trace.Tracer
	config   ProducerConfig
}

// ProducerConfig contains configuration for the Kafka event mirror
type ProducerConfig struct {
	Enabled          bool          `yaml:"enabled"`
	BootstrapServers string        `yaml:"bootstrap_servers"`
	SecurityProtocol string        `yaml:"security_protocol"`
	SASLMechanism    string        `yaml:"sasl_mechanism"`
	SASLUsername     string        `yaml:"sasl_username"`
	SASLPassword     string        `yaml:"sasl_password"`
	ClientID         string        `yaml:"client_id"`
	TopicPrefix      string        `yaml:"topic_prefix"`
	Acks             string        `yaml:"acks"`
	Retries          int           `yaml:"retries"`
	RetryBackoff     time.Duration `yaml:"retry_backoff"`
	CompressionType  string        `yaml:"compression_type"`
}

// DefaultProducerConfig returns a production-ready default configuration
func DefaultProducerConfig() ProducerConfig {
	return ProducerConfig{
		Enabled:          false,
		BootstrapServers: "localhost:9092",
		SecurityProtocol: "PLAINTEXT",
		ClientID:         "tenantcost-producer",
		TopicPrefix:      "tenantcost",
		Acks:             "all",
		Retries:          3,
		RetryBackoff:     100 * time.Millisecond,
		CompressionType:  "gzip",
	}
}

// NewProducer creates a new Kafka event producer
func NewProducer(config ProducerConfig) (*Producer, error) {
	kafkaConfig := &kafka.ConfigMap{
		"bootstrap.servers":  config.BootstrapServers,
		"security.protocol":  config.SecurityProtocol,
		"client.id":          config.ClientID,
		"acks":               config.Acks,
		"retries":            config.Retries,
		"retry.backoff.ms":   int(config.RetryBackoff.Milliseconds()),
		"compression.type":   config.CompressionType,
		"enable.idempotence": true,
	}

	if config.SecurityProtocol != "PLAINTEXT" {
		kafkaConfig.SetKey("sasl.mechanism", config.SASLMechanism)
		kafkaConfig.SetKey("sasl.username", config.SASLUsername)
		kafkaConfig.SetKey("sasl.password", config.SASLPassword)
	}

	producer, err := kafka.NewProducer(kafkaConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &Producer{
		producer: producer,
		tracer:   otel.Tracer("event-producer"),
		config:   config,
	}, nil
}

// Topic returns the Kafka topic for an event type: the prefix plus the
// event domain (cost.spike publishes to <prefix>.cost).
func (p *Producer) Topic(eventType string) string {
	domain := eventType
	if idx := strings.Index(eventType, "."); idx > 0 {
		domain = eventType[:idx]
	}
	return p.config.TopicPrefix + "." + domain
}

// HandleEvent implements Handler: every bus event is serialized and mirrored
// to its domain topic, keyed by tenant id so per-tenant ordering holds.
func (p *Producer) HandleEvent(ctx context.Context, event *Event) error {
	ctx, span := p.tracer.Start(ctx, "event_producer.publish")
	defer span.End()

	span.SetAttributes(
		attribute.String("event.id", event.ID.String()),
		attribute.String("event.type", event.Type),
	)

	payload, err := json.Marshal(event)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal event %s: %w", event.ID, err)
	}

	topic := p.Topic(event.Type)
	message := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &topic, Partition: kafka.PartitionAny},
		Key:            []byte(event.TenantID.String()),
		Value:          payload,
		Headers: []kafka.Header{
			{Key: "event_type", Value: []byte(event.Type)},
			{Key: "event_id", Value: []byte(event.ID.String())},
		},
	}

	deliveryChan := make(chan kafka.Event, 1)
	if err := p.producer.Produce(message, deliveryChan); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to produce event %s: %w", event.ID, err)
	}

	select {
	case e := <-deliveryChan:
		if m, ok := e.(*kafka.Message); ok && m.TopicPartition.Error != nil {
			span.RecordError(m.TopicPartition.Error)
			return fmt.Errorf("delivery failed for event %s: %w", event.ID, m.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Name implements Handler.
func (p *Producer) Name() string {
	return "kafka-mirror"
}

// Close flushes outstanding messages and closes the producer.
func (p *Producer) Close(timeout time.Duration) {
	p.producer.Flush(int(timeout.Milliseconds()))
	p.producer.Close()
}
