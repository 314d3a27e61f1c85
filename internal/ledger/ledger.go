// Package ledger implements the refund adapter: the one component allowed
// to mutate a user's balance, always pairing the balance change with an
// append-only Transaction record in the same atomic unit so the two can
// never drift apart.
package ledger

import (
	"context"
	"errors"
	"fmt"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/storage/xmongo"
)

var (
	// ErrInsufficientBalance means a withdraw would take the user's balance
	// negative.
	ErrInsufficientBalance = errors.New("ledger: insufficient user balance")

	// ErrAlreadyRefunded means a REFUND transaction already exists for the
	// given operation id; Refund is a no-op rather than double-paying.
	ErrAlreadyRefunded = errors.New("ledger: operation already refunded")
)

const (
	usersCollection        = "users"
	transactionsCollection = "transactions"
)

// Ledger is the refund adapter the processor depends on to debit and credit
// user balances against an operation.
type Ledger interface {
	// Withdraw atomically deducts amount from userID's balance and records
	// an OPERATION_DEDUCT transaction for operationID. Returns
	// ErrInsufficientBalance if the balance would go negative.
	Withdraw(ctx context.Context, userID, operationID string, amount float64) error

	// Refund atomically credits amount back to userID's balance and records
	// a REFUND transaction for operationID. A second call for the same
	// operationID is a safe no-op (ErrAlreadyRefunded), enforcing "at most
	// one refund per operation".
	Refund(ctx context.Context, userID, operationID string, amount float64) error
}

// MongoLedger is the xmongo-backed Ledger. It uses a multi-document
// transaction so the balance update and the transaction record commit or
// abort together.
type MongoLedger struct {
	client *mongo.Client
	users  *mongo.Collection
	txs    *mongo.Collection
}

// NewMongoLedger opens the users/transactions collections in database
// dbName on m.
func NewMongoLedger(m xmongo.Mongo, dbName string) *MongoLedger {
	db := m.Client().Database(dbName)
	return &MongoLedger{
		client: m.Client(),
		users:  db.Collection(usersCollection),
		txs:    db.Collection(transactionsCollection),
	}
}

func (l *MongoLedger) Withdraw(ctx context.Context, userID, operationID string, amount float64) error {
	session, err := l.client.StartSession()
	if err != nil {
		return fmt.Errorf("ledger: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		result, err := l.users.UpdateOne(ctx,
			bson.M{"_id": userID, "balance": bson.M{"$gte": amount}},
			bson.M{"$inc": bson.M{"balance": -amount}},
		)
		if err != nil {
			return nil, err
		}
		if result.MatchedCount == 0 {
			return nil, ErrInsufficientBalance
		}

		tx := domain.Transaction{
			ID:          operationID + ":deduct",
			UserID:      userID,
			OperationID: operationID,
			Kind:        domain.TxOperationDeduct,
			Amount:      amount,
		}
		_, err = l.txs.InsertOne(ctx, tx)
		return nil, err
	})
	if err != nil {
		if errors.Is(err, ErrInsufficientBalance) {
			return fmt.Errorf("ledger: withdraw %s for %s: %w", operationID, userID, ErrInsufficientBalance)
		}
		return fmt.Errorf("ledger: withdraw %s for %s: %w", operationID, userID, err)
	}
	return nil
}

func (l *MongoLedger) Refund(ctx context.Context, userID, operationID string, amount float64) error {
	session, err := l.client.StartSession()
	if err != nil {
		return fmt.Errorf("ledger: start session: %w", err)
	}
	defer session.EndSession(ctx)

	_, err = session.WithTransaction(ctx, func(ctx context.Context) (any, error) {
		tx := domain.Transaction{
			ID:          operationID + ":refund",
			UserID:      userID,
			OperationID: operationID,
			Kind:        domain.TxRefund,
			Amount:      amount,
		}
		// The refund's _id is deterministic per operation, so a duplicate
		// Refund call collides on the unique _id index instead of paying
		// twice — the guard IS the insert.
		if _, err := l.txs.InsertOne(ctx, tx); err != nil {
			if mongo.IsDuplicateKeyError(err) {
				return nil, ErrAlreadyRefunded
			}
			return nil, err
		}

		_, err := l.users.UpdateOne(ctx, bson.M{"_id": userID}, bson.M{"$inc": bson.M{"balance": amount}})
		return nil, err
	})
	if err != nil {
		if errors.Is(err, ErrAlreadyRefunded) {
			return fmt.Errorf("ledger: refund %s for %s: %w", operationID, userID, ErrAlreadyRefunded)
		}
		return fmt.Errorf("ledger: refund %s for %s: %w", operationID, userID, err)
	}
	return nil
}
