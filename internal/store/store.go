// Package store persists Operation and Transaction records outside this
// process, standing in for the relational store the processor treats as an
// external collaborator. The Mongo-backed implementation guards every
// status transition with a filter-and-update so two workers racing on the
// same operation can't both win.
package store

import (
	"context"
	"time"

	"github.com/dealerops/workercore/internal/domain"
)

// OperationStore owns the lifecycle of Operation records.
type OperationStore interface {
	// Create inserts a new operation in StatusPending.
	Create(ctx context.Context, op domain.Operation) error

	// Get returns the operation by id, or domain.ErrOperationNotFound.
	Get(ctx context.Context, operationID string) (domain.Operation, error)

	// UpdateStatus applies mutate to the operation's fields and advances its
	// status from "from" to "to" in one atomic filter-and-update. Returns
	// domain.ErrStatusConflict if the operation's current status is not
	// "from" when the update runs.
	UpdateStatus(ctx context.Context, operationID string, from, to domain.Status, mutate func(*domain.Operation)) error

	// Touch stamps the operation's heartbeat fields without touching its
	// status, so a liveness ping never races a concurrent status
	// transition the way a status-guarded UpdateStatus call would.
	Touch(ctx context.Context, operationID string, timestamp, expiry time.Time) error
}

// TransactionStore owns the append-only ledger entries referencing
// operations.
type TransactionStore interface {
	// Append inserts tx. Transactions are never updated or deleted.
	Append(ctx context.Context, tx domain.Transaction) error

	// ListByOperation returns every transaction recorded against
	// operationID, oldest first.
	ListByOperation(ctx context.Context, operationID string) ([]domain.Transaction, error)
}
