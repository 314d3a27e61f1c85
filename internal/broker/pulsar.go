package broker

import (
	"context"
	"fmt"

	"github.com/apache/pulsar-client-go/pulsar"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/mq/xpulsar"
)

// PulsarBroker is the alternate Broker implementation for operators who run
// Pulsar instead of Kafka, grounded on pkg/mq/xpulsar's tracing wrappers.
type PulsarBroker struct {
	client   xpulsar.Client
	producer *xpulsar.TracingProducer
	consumer *xpulsar.TracingConsumer
	topic    string
}

// NewPulsarBroker connects to url and creates a producer on topic plus a
// shared-subscription consumer so multiple worker replicas split the load.
func NewPulsarBroker(url, topic, subscription string) (*PulsarBroker, error) {
	client, err := xpulsar.NewClient(url)
	if err != nil {
		return nil, fmt.Errorf("broker: new pulsar client: %w", err)
	}

	producer, err := xpulsar.NewTracingProducer(client, pulsar.ProducerOptions{Topic: topic}, nil, nil)
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("broker: new pulsar producer: %w", err)
	}

	consumer, err := xpulsar.NewTracingConsumer(client, pulsar.ConsumerOptions{
		Topic:            topic,
		SubscriptionName: subscription,
		Type:             pulsar.Shared,
	}, nil, nil)
	if err != nil {
		producer.Close()
		_ = client.Close()
		return nil, fmt.Errorf("broker: new pulsar consumer: %w", err)
	}

	return &PulsarBroker{client: client, producer: producer, consumer: consumer, topic: topic}, nil
}

// Publish sends job keyed by its operation id for ordered delivery within a
// partition.
func (b *PulsarBroker) Publish(ctx context.Context, job domain.Job) error {
	data, err := encodeJob(job)
	if err != nil {
		return err
	}

	_, err = b.producer.Send(ctx, &pulsar.ProducerMessage{
		Key:     job.OperationID,
		Payload: data,
	})
	if err != nil {
		return fmt.Errorf("broker: publish %s: %w", job.OperationID, err)
	}
	return nil
}

// Consume runs the consume loop, decoding each message into a domain.Job
// before handing it to handler. A handler error triggers a Nack so Pulsar
// redelivers the message per the subscription's retry policy.
func (b *PulsarBroker) Consume(ctx context.Context, handler Handler) error {
	return b.consumer.ConsumeLoop(ctx, func(ctx context.Context, msg pulsar.Message) error {
		job, err := decodeJob(msg.Payload())
		if err != nil {
			return err
		}
		return handler(ctx, job)
	})
}

// Close releases the consumer, producer, and client in turn.
func (b *PulsarBroker) Close() error {
	b.consumer.Close()
	b.producer.Close()
	if err := b.client.Close(); err != nil {
		return fmt.Errorf("broker: close pulsar client: %w", err)
	}
	return nil
}
