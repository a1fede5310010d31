// Package kafka publishes job lifecycle transitions to a Kafka topic so
// downstream consumers (dashboards, audit, escalation) can follow job
// progress without polling the store.
package kafka

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/IBM/sarama"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/opensoc/analysis-engine/internal/domain/analysis"
	"github.com/opensoc/analysis-engine/pkg/common/logger"
)

var _ analysis.LifecycleNotifier = (*LifecycleNotifier)(nil)

// Config contains the configuration needed to connect to the Kafka cluster.
type Config struct {
	Brokers  []string
	Topic    string
	ClientID string
}

// LifecycleNotifier publishes lifecycle events with a synchronous, durable
// producer. Events for the same job hash to the same partition so consumers
// observe each job's transitions in order.
type LifecycleNotifier struct {
	producer sarama.SyncProducer
	topic    string
	logger   *logger.Logger
	tracer   trace.Tracer
}

// NewLifecycleNotifier creates a notifier backed by a Kafka sync producer.
func NewLifecycleNotifier(cfg Config, log *logger.Logger, tracer trace.Tracer) (*LifecycleNotifier, error) {
	producerConfig := sarama.NewConfig()
	producerConfig.Producer.RequiredAcks = sarama.WaitForAll
	producerConfig.Producer.Return.Successes = true
	producerConfig.Producer.Partitioner = sarama.NewHashPartitioner
	producerConfig.ClientID = cfg.ClientID
	producerConfig.Version = sarama.V3_6_0_0

	producer, err := sarama.NewSyncProducer(cfg.Brokers, producerConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka producer: %w", err)
	}

	return &LifecycleNotifier{
		producer: producer,
		topic:    cfg.Topic,
		logger:   log.With("component", "kafka_lifecycle_notifier"),
		tracer:   tracer,
	}, nil
}

// NotifyJobLifecycle publishes one lifecycle event keyed by job ID.
func (n *LifecycleNotifier) NotifyJobLifecycle(ctx context.Context, evt analysis.LifecycleEvent) error {
	ctx, span := n.tracer.Start(ctx, "kafka.notify_job_lifecycle",
		trace.WithSpanKind(trace.SpanKindProducer),
		trace.WithAttributes(
			attribute.String("job_id", evt.JobID.String()),
			attribute.String("status", string(evt.Status)),
			attribute.String("topic", n.topic),
		))
	defer span.End()

	payload, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal lifecycle event: %w", err)
	}

	msg := &sarama.ProducerMessage{
		Topic: n.topic,
		Key:   sarama.StringEncoder(evt.JobID.String()),
		Value: sarama.ByteEncoder(payload),
	}

	partition, offset, err := n.producer.SendMessage(msg)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return fmt.Errorf("publish lifecycle event: %w", err)
	}

	span.SetAttributes(
		attribute.Int64("partition", int64(partition)),
		attribute.Int64("offset", offset),
	)
	n.logger.Debug(ctx, "published lifecycle event",
		"job_id", evt.JobID.String(), "status", string(evt.Status), "partition", partition, "offset", offset)
	return nil
}

// Close shuts down the underlying producer.
func (n *LifecycleNotifier) Close() error { return n.producer.Close() }

// NoopNotifier discards lifecycle events. Used when no broker is configured.
type NoopNotifier struct{}

func (NoopNotifier) NotifyJobLifecycle(context.Context, analysis.LifecycleEvent) error { return nil }
