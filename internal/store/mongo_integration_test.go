//go:build integration

package store

import (
	"context"
	"os"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/v2/mongo"
	"go.mongodb.org/mongo-driver/v2/mongo/options"

	"github.com/dealerops/workercore/internal/domain"
	"github.com/dealerops/workercore/pkg/storage/xmongo"
)

func setupTestStore(t *testing.T) (*MongoOperationStore, *MongoTransactionStore, func()) {
	t.Helper()

	uri := os.Getenv("WORKERCORE_MONGO_URI")
	if uri == "" {
		uri = startMongoContainer(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	m, err := xmongo.New(client)
	require.NoError(t, err)

	dbName := "workercore_test"
	opStore := NewMongoOperationStore(m, dbName)
	txStore := NewMongoTransactionStore(m, dbName)

	cleanup := func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}
	return opStore, txStore, cleanup
}

func startMongoContainer(t *testing.T) string {
	t.Helper()

	if _, err := exec.LookPath("docker"); err != nil {
		t.Skip("docker not found in PATH, skipping integration test")
	}

	ctx := context.Background()
	req := testcontainers.ContainerRequest{
		Image:        "mongo:7.0",
		ExposedPorts: []string{"27017/tcp"},
		WaitingFor:   wait.ForListeningPort("27017/tcp"),
	}
	container, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Skipf("mongo container not available: %v", err)
	}
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	host, err := container.Host(ctx)
	require.NoError(t, err)
	port, err := container.MappedPort(ctx, "27017/tcp")
	require.NoError(t, err)

	return "mongodb://" + host + ":" + port.Port()
}

func TestMongoOperationStore_CreateGetUpdate(t *testing.T) {
	opStore, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	op := domain.Operation{
		ID:     "op-1",
		UserID: "user-1",
		Type:   domain.OpCompletePurchase,
		Status: domain.StatusPending,
	}
	require.NoError(t, opStore.Create(ctx, op))

	got, err := opStore.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)

	err = opStore.UpdateStatus(ctx, "op-1", domain.StatusPending, domain.StatusProcessing, func(o *domain.Operation) {
		o.LeasedAccountID = "acct-1"
	})
	require.NoError(t, err)

	got, err = opStore.Get(ctx, "op-1")
	require.NoError(t, err)
	assert.Equal(t, domain.StatusProcessing, got.Status)
	assert.Equal(t, "acct-1", got.LeasedAccountID)
}

func TestMongoOperationStore_UpdateStatus_ConflictWhenStatusChanged(t *testing.T) {
	opStore, _, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	op := domain.Operation{ID: "op-2", Status: domain.StatusPending}
	require.NoError(t, opStore.Create(ctx, op))
	require.NoError(t, opStore.UpdateStatus(ctx, "op-2", domain.StatusPending, domain.StatusProcessing, func(*domain.Operation) {}))

	err := opStore.UpdateStatus(ctx, "op-2", domain.StatusPending, domain.StatusCompleted, func(*domain.Operation) {})
	assert.ErrorIs(t, err, domain.ErrStatusConflict)
}

func TestMongoOperationStore_Get_NotFound(t *testing.T) {
	opStore, _, cleanup := setupTestStore(t)
	defer cleanup()

	_, err := opStore.Get(context.Background(), "missing")
	assert.ErrorIs(t, err, domain.ErrOperationNotFound)
}

func setupTestAccountStore(t *testing.T) (*MongoAccountStore, func()) {
	t.Helper()

	uri := os.Getenv("WORKERCORE_MONGO_URI")
	if uri == "" {
		uri = startMongoContainer(t)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	client, err := mongo.Connect(options.Client().ApplyURI(uri))
	require.NoError(t, err)
	require.NoError(t, client.Ping(ctx, nil))

	m, err := xmongo.New(client)
	require.NoError(t, err)

	dbName := "workercore_test"
	accountStore := NewMongoAccountStore(m, dbName)

	cleanup := func() {
		_ = client.Database(dbName).Drop(context.Background())
		_ = client.Disconnect(context.Background())
	}
	return accountStore, cleanup
}

func TestMongoAccountStore_ListUsable_OnlyActive(t *testing.T) {
	accountStore, cleanup := setupTestAccountStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := accountStore.coll.InsertMany(ctx, []any{
		accountDoc{ID: "active-1", Username: "dealer1", Active: true, Priority: 1},
		accountDoc{ID: "inactive-1", Username: "dealer2", Active: false, Priority: 9},
	})
	require.NoError(t, err)

	accounts, err := accountStore.ListUsable(ctx)
	require.NoError(t, err)
	require.Len(t, accounts, 1)
	assert.Equal(t, "active-1", accounts[0].ID)
}

func TestMongoAccountStore_SetCooldown(t *testing.T) {
	accountStore, cleanup := setupTestAccountStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := accountStore.coll.InsertOne(ctx, accountDoc{ID: "acct-1", Active: true})
	require.NoError(t, err)

	until := time.Now().Add(30 * time.Minute)
	require.NoError(t, accountStore.SetCooldown(ctx, "acct-1", until, string(domain.FailureCaptcha)))

	got, err := accountStore.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.WithinDuration(t, until, got.CooldownUntil, time.Second)
	assert.Equal(t, string(domain.FailureCaptcha), got.FailReason)
}

func TestMongoAccountStore_SetLastUsed(t *testing.T) {
	accountStore, cleanup := setupTestAccountStore(t)
	defer cleanup()
	ctx := context.Background()

	_, err := accountStore.coll.InsertOne(ctx, accountDoc{ID: "acct-1", Active: true})
	require.NoError(t, err)

	now := time.Now()
	require.NoError(t, accountStore.SetLastUsed(ctx, "acct-1", now, 77.5))

	got, err := accountStore.Get(ctx, "acct-1")
	require.NoError(t, err)
	assert.Equal(t, 77.5, got.LastKnownBalance)
	assert.WithinDuration(t, now, got.LastUsedAt, time.Second)
}

func TestMongoAccountStore_Get_NotFound(t *testing.T) {
	accountStore, cleanup := setupTestAccountStore(t)
	defer cleanup()

	_, err := accountStore.Get(context.Background(), "missing")
	assert.Error(t, err)
}

func TestMongoTransactionStore_AppendAndList(t *testing.T) {
	_, txStore, cleanup := setupTestStore(t)
	defer cleanup()
	ctx := context.Background()

	first := domain.Transaction{ID: "tx-1", OperationID: "op-1", Kind: domain.TxOperationDeduct, Amount: 9.99, CreatedAt: time.Now().Add(-time.Minute)}
	second := domain.Transaction{ID: "tx-2", OperationID: "op-1", Kind: domain.TxRefund, Amount: 9.99, CreatedAt: time.Now()}
	require.NoError(t, txStore.Append(ctx, first))
	require.NoError(t, txStore.Append(ctx, second))

	txs, err := txStore.ListByOperation(ctx, "op-1")
	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, "tx-1", txs[0].ID)
	assert.Equal(t, "tx-2", txs[1].ID)
}
