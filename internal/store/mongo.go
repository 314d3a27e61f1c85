package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/storage/xmongo"
)

const (
	operationsCollection  = "operations"
	transactionsCollection = "transactions"
)

// operationDoc is the BSON shape persisted for an Operation. Mirrors
// domain.Operation with an explicit _id instead of relying on field order.
type operationDoc struct {
	ID                string               `bson:"_id"`
	UserID            string               `bson:"userId"`
	Type              domain.OperationType `bson:"type"`
	Status            domain.Status        `bson:"status"`
	CardNumber        string               `bson:"cardNumber,omitempty"`
	LeasedAccountID   string               `bson:"leasedAccountId,omitempty"`
	Amount            float64              `bson:"amount,omitempty"`
	SelectedPackage   *domain.Package      `bson:"selectedPackage,omitempty"`
	STBNumber         string               `bson:"stbNumber,omitempty"`
	AvailablePackages []domain.Package     `bson:"availablePackages,omitempty"`
	CaptchaImage      []byte               `bson:"captchaImage,omitempty"`
	CaptchaSolution   string               `bson:"captchaSolution,omitempty"`
	ResponseData      domain.ResponseData  `bson:"responseData,omitempty"`
	HeartbeatTimestamp time.Time           `bson:"heartbeatTimestamp,omitempty"`
	HeartbeatExpiry   time.Time            `bson:"heartbeatExpiry,omitempty"`
	FinalConfirmExpiry time.Time           `bson:"finalConfirmExpiry,omitempty"`
	CompletedAt       time.Time            `bson:"completedAt,omitempty"`
	ResponseMessage   string               `bson:"responseMessage,omitempty"`
	SmartcardType     string               `bson:"smartcardType,omitempty"`
	CreatedAt         time.Time            `bson:"createdAt"`
	UpdatedAt         time.Time            `bson:"updatedAt"`
}

func toOperationDoc(op domain.Operation) operationDoc {
	return operationDoc{
		ID: op.ID, UserID: op.UserID, Type: op.Type, Status: op.Status,
		CardNumber: op.CardNumber, LeasedAccountID: op.LeasedAccountID, Amount: op.Amount,
		SelectedPackage: op.SelectedPackage, STBNumber: op.STBNumber,
		AvailablePackages: op.AvailablePackages,
		CaptchaImage:      op.CaptchaImage, CaptchaSolution: op.CaptchaSolution,
		ResponseData:       op.ResponseData,
		HeartbeatTimestamp: op.HeartbeatTimestamp, HeartbeatExpiry: op.HeartbeatExpiry,
		FinalConfirmExpiry: op.FinalConfirmExpiry, CompletedAt: op.CompletedAt,
		ResponseMessage: op.ResponseMessage, SmartcardType: op.SmartcardType,
		CreatedAt: op.CreatedAt, UpdatedAt: op.UpdatedAt,
	}
}

func (d operationDoc) toDomain() domain.Operation {
	return domain.Operation{
		ID: d.ID, UserID: d.UserID, Type: d.Type, Status: d.Status,
		CardNumber: d.CardNumber, LeasedAccountID: d.LeasedAccountID, Amount: d.Amount,
		SelectedPackage: d.SelectedPackage, STBNumber: d.STBNumber,
		AvailablePackages: d.AvailablePackages,
		CaptchaImage:      d.CaptchaImage, CaptchaSolution: d.CaptchaSolution,
		ResponseData:       d.ResponseData,
		HeartbeatTimestamp: d.HeartbeatTimestamp, HeartbeatExpiry: d.HeartbeatExpiry,
		FinalConfirmExpiry: d.FinalConfirmExpiry, CompletedAt: d.CompletedAt,
		ResponseMessage: d.ResponseMessage, SmartcardType: d.SmartcardType,
		CreatedAt: d.CreatedAt, UpdatedAt: d.UpdatedAt,
	}
}

// MongoOperationStore is the xmongo-backed OperationStore.
type MongoOperationStore struct {
	coll *mongo.Collection
}

// NewMongoOperationStore opens the operations collection in database dbName
// on m.
func NewMongoOperationStore(m xmongo.Mongo, dbName string) *MongoOperationStore {
	return &MongoOperationStore{coll: m.Client().Database(dbName).Collection(operationsCollection)}
}

func (s *MongoOperationStore) Create(ctx context.Context, op domain.Operation) error {
	doc := toOperationDoc(op)
	if _, err := s.coll.InsertOne(ctx, doc); err != nil {
		return fmt.Errorf("store: create operation %s: %w", op.ID, err)
	}
	return nil
}

func (s *MongoOperationStore) Get(ctx context.Context, operationID string) (domain.Operation, error) {
	var doc operationDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": operationID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Operation{}, fmt.Errorf("store: get operation %s: %w", operationID, domain.ErrOperationNotFound)
	}
	if err != nil {
		return domain.Operation{}, fmt.Errorf("store: get operation %s: %w", operationID, err)
	}
	return doc.toDomain(), nil
}

// UpdateStatus loads the operation, applies mutate, then writes it back with
// a filter that also requires status == from, so a concurrent winner's
// update always loses the race cleanly instead of being silently
// overwritten.
func (s *MongoOperationStore) UpdateStatus(ctx context.Context, operationID string, from, to domain.Status, mutate func(*domain.Operation)) error {
	op, err := s.Get(ctx, operationID)
	if err != nil {
		return err
	}
	if op.Status != from {
		return fmt.Errorf("store: update operation %s: %w", operationID, domain.ErrStatusConflict)
	}

	mutate(&op)
	op.Status = to
	op.UpdatedAt = time.Now()

	result, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": operationID, "status": from},
		bson.M{"$set": toOperationDoc(op)},
	)
	if err != nil {
		return fmt.Errorf("store: update operation %s: %w", operationID, err)
	}
	if result.MatchedCount == 0 {
		return fmt.Errorf("store: update operation %s: %w", operationID, domain.ErrStatusConflict)
	}
	return nil
}

// Touch stamps heartbeat fields unconditionally — a liveness ping has no
// business failing because a concurrent handler moved the status on.
func (s *MongoOperationStore) Touch(ctx context.Context, operationID string, timestamp, expiry time.Time) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": operationID},
		bson.M{"$set": bson.M{"heartbeatTimestamp": timestamp, "heartbeatExpiry": expiry, "updatedAt": time.Now()}},
	)
	if err != nil {
		return fmt.Errorf("store: touch operation %s: %w", operationID, err)
	}
	return nil
}

// MongoTransactionStore is the xmongo-backed TransactionStore.
type MongoTransactionStore struct {
	coll *mongo.Collection
}

// NewMongoTransactionStore opens the transactions collection in database
// dbName on m.
func NewMongoTransactionStore(m xmongo.Mongo, dbName string) *MongoTransactionStore {
	return &MongoTransactionStore{coll: m.Client().Database(dbName).Collection(transactionsCollection)}
}

func (s *MongoTransactionStore) Append(ctx context.Context, tx domain.Transaction) error {
	if _, err := s.coll.InsertOne(ctx, tx); err != nil {
		return fmt.Errorf("store: append transaction %s: %w", tx.ID, err)
	}
	return nil
}

func (s *MongoTransactionStore) ListByOperation(ctx context.Context, operationID string) ([]domain.Transaction, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"operationid": operationID}, options.Find().SetSort(bson.M{"createdat": 1}))
	if err != nil {
		return nil, fmt.Errorf("store: list transactions for %s: %w", operationID, err)
	}
	defer cursor.Close(ctx)

	var txs []domain.Transaction
	if err := cursor.All(ctx, &txs); err != nil {
		return nil, fmt.Errorf("store: decode transactions for %s: %w", operationID, err)
	}
	return txs, nil
}
