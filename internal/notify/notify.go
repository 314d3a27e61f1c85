// Package notify abstracts delivery of user- and admin-facing
// notifications. The real delivery vendor (SMS/push/email provider) is
// deliberately out of scope; this package owns the interface and a logging
// implementation, plus a Kafka-backed one for pushing events to a
// downstream delivery service without this module taking a dependency on
// it.
package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/confluentinc/confluent-kafka-go/v2/kafka"

	"github.com/dealerops/workercore/pkg/mq/xkafka"
	"github.com/dealerops/workercore/pkg/observability/xlog"
)

// Notifier delivers user- and admin-facing notifications. Implementations
// must treat delivery failure as non-fatal to the caller: notification is
// always best-effort and never blocks an operation's state transition.
type Notifier interface {
	// NotifyUser tells userID about a change to their operation.
	NotifyUser(ctx context.Context, userID, operationID, message string) error

	// NotifyAdmin raises an operational concern (e.g. a dealer account
	// running low on balance) that isn't tied to a single user.
	NotifyAdmin(ctx context.Context, message string) error
}

// LogNotifier logs notifications at info level instead of delivering them.
// Useful as a default when no delivery backend is configured.
type LogNotifier struct {
	logger xlog.Logger
}

// NewLogNotifier builds a LogNotifier writing through logger.
func NewLogNotifier(logger xlog.Logger) *LogNotifier {
	return &LogNotifier{logger: logger}
}

func (n *LogNotifier) NotifyUser(ctx context.Context, userID, operationID, message string) error {
	n.logger.Info(ctx, "user notification",
		slog.String("userId", userID),
		slog.String("operationId", operationID),
		slog.String("message", message),
	)
	return nil
}

func (n *LogNotifier) NotifyAdmin(ctx context.Context, message string) error {
	n.logger.Warn(ctx, "admin notification", slog.String("message", message))
	return nil
}

// notificationEvent is the wire shape published to the Kafka notifier
// topic: a downstream delivery service owns turning this into an actual
// SMS/push/email send.
type notificationEvent struct {
	Kind        string `json:"kind"` // "user" or "admin"
	UserID      string `json:"userId,omitempty"`
	OperationID string `json:"operationId,omitempty"`
	Message     string `json:"message"`
}

// KafkaNotifier publishes notification events to a topic instead of
// delivering them itself, so a separate delivery service (SMS/push/email,
// none of which are this core's concern) can consume and fan them out.
type KafkaNotifier struct {
	producer *xkafka.TracingProducer
	topic    string
}

// NewKafkaNotifier connects a producer to brokers/topic, grounded on the
// same xkafka.TracingProducer the job broker uses.
func NewKafkaNotifier(brokers, topic string) (*KafkaNotifier, error) {
	producer, err := xkafka.NewTracingProducer(&kafka.ConfigMap{"bootstrap.servers": brokers})
	if err != nil {
		return nil, fmt.Errorf("notify: new kafka producer: %w", err)
	}
	return &KafkaNotifier{producer: producer, topic: topic}, nil
}

func (n *KafkaNotifier) publish(ctx context.Context, event notificationEvent) error {
	data, err := json.Marshal(event)
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
		return fmt.Errorf("notify: publish event: %w", err)
	}

	select {
	case ev := <-deliveryChan:
		if report, ok := ev.(*kafka.Message); ok && report.TopicPartition.Error != nil {
			return fmt.Errorf("notify: delivery: %w", report.TopicPartition.Error)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (n *KafkaNotifier) NotifyUser(ctx context.Context, userID, operationID, message string) error {
	return n.publish(ctx, notificationEvent{Kind: "user", UserID: userID, OperationID: operationID, Message: message})
}

func (n *KafkaNotifier) NotifyAdmin(ctx context.Context, message string) error {
	return n.publish(ctx, notificationEvent{Kind: "admin", Message: message})
}

// Close releases the underlying producer.
func (n *KafkaNotifier) Close() error {
	return n.producer.Close()
}
