package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/dealerops/workercore/pkg/mq/xkafka"
)

// event is the JSON payload published for both user and admin
// notifications; Admin events carry an empty UserID/OperationID.
type event struct {
	UserID      string `json:"userId,omitempty"`
	OperationID string `json:"operationId,omitempty"`
	Message     string `json:"message"`
}

// KafkaNotifier publishes notification events to a Kafka topic for a
// downstream delivery service (SMS/push/email) to consume. This module
// never consumes that topic itself.
type KafkaNotifier struct {
	producer *xkafka.TracingProducer
	topic    string
}

// NewKafkaNotifier builds a KafkaNotifier publishing to topic.
func NewKafkaNotifier(brokers, topic string) (*KafkaNotifier, error) {
	producer, err := xkafka.NewTracingProducer(&kafka.ConfigMap{"bootstrap.servers": brokers})
	if err != nil {
		return nil, fmt.Errorf("notify: new kafka producer: %w", err)
	}
	return &KafkaNotifier{producer: producer, topic: topic}, nil
}

func (n *KafkaNotifier) NotifyUser(ctx context.Context, userID, operationID, message string) error {
	return n.publish(ctx, event{UserID: userID, OperationID: operationID, Message: message})
}

func (n *KafkaNotifier) NotifyAdmin(ctx context.Context, message string) error {
	return n.publish(ctx, event{Message: message})
}

func (n *KafkaNotifier) publish(ctx context.Context, evt event) error {
	data, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("notify: encode event: %w", err)
	}

	deliveryChan := make(chan kafka.Event, 1)
	defer close(deliveryChan)

	msg := &kafka.Message{
		TopicPartition: kafka.TopicPartition{Topic: &n.topic, Partition: kafka.PartitionAny},
		Value:          data,
	}
	if err := n.producer.Produce(ctx, msg, deliveryChan); err != nil {
		return fmt.Errorf("notify: publish: %w", err)
	}

	select {
	case ev := <-deliveryChan:
		if report, ok := ev.(*kafka.Message); ok && report.TopicPartition.Error != nil {
			return fmt.Errorf("notify: delivery: %w", report.TopicPartition.Error)
		}
		return nil
	case <-time.After(5 * time.Second):
		return fmt.Errorf("notify: delivery confirmation timed out")
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close releases the underlying producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
