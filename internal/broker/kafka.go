package broker

import (
	"context"
	"fmt"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/mq/xkafka"
	"github.com/dealerops/workercore/pkg/resilience/xretry"
)

// KafkaBroker is the primary Broker implementation, grounded on
// pkg/mq/xkafka's tracing producer and DLQ-aware consumer.
type KafkaBroker struct {
	producer *xkafka.TracingProducer
	consumer xkafka.ConsumerWithDLQ
	topic    string
}

// NewKafkaBroker connects a producer and a DLQ-aware consumer to the given
// brokers/topic. maxAttempts bounds how many times a handler failure is
// retried before the message is dead-lettered to topic+".dlq".
func NewKafkaBroker(brokers, topic, groupID string, maxAttempts int) (*KafkaBroker, error) {
	producerConfig := &kafka.ConfigMap{"bootstrap.servers": brokers}
	producer, err := xkafka.NewTracingProducer(producerConfig)
	if err != nil {
		return nil, fmt.Errorf("broker: new kafka producer: %w", err)
	}

	consumerConfig := &kafka.ConfigMap{
		"bootstrap.servers": brokers,
		"group.id":          groupID,
		"auto.offset.reset": "earliest",
	}
	dlqPolicy := &xkafka.DLQPolicy{
		DLQTopic:    xkafka.DefaultDLQTopic(topic),
		RetryPolicy: xretry.NewFixedRetry(maxAttempts),
	}
	consumer, err := xkafka.NewConsumerWithDLQ(consumerConfig, []string{topic}, dlqPolicy)
	if err != nil {
		_ = producer.Close()
		return nil, fmt.Errorf("broker: new kafka consumer: %w", err)
	}

	return &KafkaBroker{producer: producer, consumer: consumer, topic: topic}, nil
}

// Publish sends job keyed by its operation id, so Kafka's partitioner keeps
// every job for one operation on the same partition and in order.
func (b *KafkaBroker) Publish(ctx context.Context, job domain.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	deliveryChan := make(chan kafka.Event, 1)
	defer close(deliveryChan)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &b.topic, Partition: kafka.PartitionAny},
		Key:            []byte(job.OperationID),
		Value:          data,
	}
	if err := b.producer.Produce(ctx, msg, deliveryChan); err != nil {
		return fmt.Errorf("broker: publish %s: %w", job.OperationID, err)
	}

	select {
	case ev := <-deliveryChan:
		if report, ok := ev.(*kafka.Message); ok && report.TopicPartition.Error != nil {
			return fmt.Errorf("broker: delivery %s: %w", job.OperationID, report.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume runs the DLQ-aware consume loop, decoding each message into a
// domain.Job before handing it to handler.
func (b *KafkaBroker) Consume(ctx context.Context, handler Handler) error {
	return b.consumer.ConsumeLoop(ctx, func(ctx context.Context, msg *kafka.Message) error {
		job, err := decodeJob(msg.Value)
		if err != nil {
			return err
		}
		return handler(ctx, job)
	})
}

// Close shuts down both the producer and the consumer.
func (b *KafkaBroker) Close() error {
	if err := b.consumer.Close(); err != nil {
		return fmt.Errorf("broker: close kafka consumer: %w", err)
	}
	if err := b.producer.Close(); err != nil {
		return fmt.Errorf("broker: close kafka producer: %w", err)
	}
	return nil
}
