package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/v2/bson"
	"go.mongodb.org/mongo-driver/v2/mongo"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/storage/xmongo"
)

const accountsCollection = "accounts"

// accountDoc is the BSON shape persisted for an Account.
type accountDoc struct {
	ID       string `bson:"_id"`
	Username string `bson:"username"`
	Password string `bson:"password"`
	TOTPSeed string `bson:"totpSeed,omitempty"`
	ProxyID  string `bson:"proxyId,omitempty"`

	Active   bool `bson:"active"`
	Priority int  `bson:"priority"`

	LastKnownBalance   float64   `bson:"lastKnownBalance"`
	BalanceRefreshedAt time.Time `bson:"balanceRefreshedAt,omitempty"`

	CooldownUntil time.Time `bson:"cooldownUntil,omitempty"`
	FailReason    string    `bson:"failReason,omitempty"`

	LastUsedAt time.Time `bson:"lastUsedAt,omitempty"`
}

func (d accountDoc) toDomain() domain.Account {
	return domain.Account{
		ID: d.ID, Username: d.Username, Password: d.Password,
		TOTPSeed: d.TOTPSeed, ProxyID: d.ProxyID,
		Active: d.Active, Priority: d.Priority,
		LastKnownBalance: d.LastKnownBalance, BalanceRefreshedAt: d.BalanceRefreshedAt,
		CooldownUntil: d.CooldownUntil, FailReason: d.FailReason,
		LastUsedAt: d.LastUsedAt,
	}
}

// MongoAccountStore is the xmongo-backed accountpool.Store: dealer account
// candidate listing plus the two write-backs the pool performs itself
// (cooldown, last-used stamping), and a plain by-id lookup for callers that
// already know which account they need.
type MongoAccountStore struct {
	coll *mongo.Collection
}

// NewMongoAccountStore opens the accounts collection in database dbName on m.
func NewMongoAccountStore(m xmongo.Mongo, dbName string) *MongoAccountStore {
	return &MongoAccountStore{coll: m.Client().Database(dbName).Collection(accountsCollection)}
}

func (s *MongoAccountStore) ListUsable(ctx context.Context) ([]domain.Account, error) {
	cursor, err := s.coll.Find(ctx, bson.M{"active": true})
	if err != nil {
		return nil, fmt.Errorf("store: list usable accounts: %w", err)
	}
	defer cursor.Close(ctx)

	var docs []accountDoc
	if err := cursor.All(ctx, &docs); err != nil {
		return nil, fmt.Errorf("store: decode usable accounts: %w", err)
	}

	accounts := make([]domain.Account, 0, len(docs))
	for _, d := range docs {
		accounts = append(accounts, d.toDomain())
	}
	return accounts, nil
}

func (s *MongoAccountStore) SetCooldown(ctx context.Context, accountID string, until time.Time, reason string) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{"cooldownUntil": until, "failReason": reason}},
	)
	if err != nil {
		return fmt.Errorf("store: set cooldown %s: %w", accountID, err)
	}
	return nil
}

func (s *MongoAccountStore) SetLastUsed(ctx context.Context, accountID string, at time.Time, balance float64) error {
	_, err := s.coll.UpdateOne(ctx,
		bson.M{"_id": accountID},
		bson.M{"$set": bson.M{"lastUsedAt": at, "lastKnownBalance": balance, "balanceRefreshedAt": at}},
	)
	if err != nil {
		return fmt.Errorf("store: set last used %s: %w", accountID, err)
	}
	return nil
}

func (s *MongoAccountStore) Get(ctx context.Context, accountID string) (domain.Account, error) {
	var doc accountDoc
	err := s.coll.FindOne(ctx, bson.M{"_id": accountID}).Decode(&doc)
	if errors.Is(err, mongo.ErrNoDocuments) {
		return domain.Account{}, fmt.Errorf("store: get account %s: account not found", accountID)
	}
	if err != nil {
		return domain.Account{}, fmt.Errorf("store: get account %s: %w", accountID, err)
	}
	return doc.toDomain(), nil
}
