// Package broker abstracts the job queue the worker core consumes from:
// every user operation becomes one domain.Job message, delivered
// at-least-once, with a dead-letter path for handlers that exhaust their
// retries. Two real backends are wired behind the same interface —
// pkg/mq/xkafka (primary) and pkg/mq/xpulsar (alternate) — so an operator
// can swap transport without touching the processor.
package broker

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/dealerops/workercore/internal/domain"
)

// Handler processes one delivered job. Returning an error that wraps a
// retryable domain sentinel lets the backend's own retry/DLQ policy decide
// whether to redeliver or dead-letter the message; any other error is
// treated as a handler bug and also dead-lettered after retries.
type Handler func(ctx context.Context, job domain.Job) error

// Broker is the job queue collaborator the processor depends on.
type Broker interface {
	// Publish enqueues job for delivery. The operation id is used as the
	// partition/ordering key where the backend supports one, so jobs for
	// the same operation are never processed out of order.
	Publish(ctx context.Context, job domain.Job) error

	// Consume blocks, dispatching delivered jobs to handler until ctx is
	// done or an unrecoverable backend error occurs.
	Consume(ctx context.Context, handler Handler) error

	// Close releases the broker's underlying connections.
	Close() error
}

func encodeJob(job domain.Job) ([]byte, error) {
	data, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("broker: encode job %s: %w", job.OperationID, err)
	}
	return data, nil
}

func decodeJob(data []byte) (domain.Job, error) {
	var job domain.Job
	if err := json.Unmarshal(data, &job); err != nil {
		return domain.Job{}, fmt.Errorf("broker: decode job: %w", err)
	}
	return job, nil
}
