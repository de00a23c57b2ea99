package postgres

import (
	"context"
	"errors"
	"math/big"
	"os"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/persistencetest"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// requirePostgres connects to SNAPSHOT_TEST_POSTGRES_DSN and empties every table.
func requirePostgres(t *testing.T) *PostgresPersistence {
	t.Helper()

	dsn := os.Getenv("SNAPSHOT_TEST_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("SNAPSHOT_TEST_POSTGRES_DSN not set, skipping postgres tests")
	}

	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	pp, err := NewPostgresPersistence(&PostgresConfig{DSN: dsn}, testLogger)
	if err != nil {
		t.Fatalf("Postgres not available: %v", err)
	}

	_, err = pp.db.Exec(`TRUNCATE merkle_tree_leaves, merkle_tree_roots, snapshots, deployment_blocks`)
	require.NoError(t, err)
	return pp
}

func TestPostgresPersistence_Suite(t *testing.T) {
	persistencetest.RunSuite(t, func(t *testing.T) persistence.IPersistence {
		return requirePostgres(t)
	})
}

func TestNewPostgresPersistence_InvalidConfig(t *testing.T) {
	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})

	_, err := NewPostgresPersistence(nil, testLogger)
	require.Error(t, err)

	_, err = NewPostgresPersistence(&PostgresConfig{}, testLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "DSN cannot be empty")
}

func TestPostgresPersistence_MigrateIsIdempotent(t *testing.T) {
	pp := requirePostgres(t)
	defer func() { _ = pp.Close() }()

	require.NoError(t, pp.migrate(context.Background()))
	require.NoError(t, pp.migrate(context.Background()))
}

func TestPostgresPersistence_LargeBalances(t *testing.T) {
	ctx := context.Background()
	pp := requirePostgres(t)
	defer func() { _ = pp.Close() }()

	root, leaves := persistencetest.NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x0f}, 1)
	// 2^256 - 1 fits NUMERIC(78, 0)
	leaves[0].Balance.SetString("115792089237316195423570985008687907853269984665640564039457584007913129639935", 10)
	require.NoError(t, pp.SaveMerkleTree(ctx, root, leaves))

	stored, err := pp.ListMerkleTreeLeaves(ctx, root.Id)
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, 0, leaves[0].Balance.Cmp(stored[0].Balance))
}

func TestPostgresPersistence_PendingPickClaimsNothing(t *testing.T) {
	ctx := context.Background()
	pp := requirePostgres(t)
	defer func() { _ = pp.Close() }()

	snapshot := persistencetest.NewPendingSnapshot(uuid.New(), 0)
	require.NoError(t, pp.CreateSnapshot(ctx, snapshot))

	// two workers see the same row
	first, err := pp.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	second, err := pp.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, first)
	require.NotNil(t, second)
	assert.Equal(t, first.Id, second.Id)

	// only the first transition wins
	require.NoError(t, pp.CompleteSnapshot(ctx, first.Id, uuid.New(), "bafkrei", big.NewInt(1)))
	err = pp.FailSnapshot(ctx, second.Id, types.SnapshotFailureCauseOther)
	assert.True(t, errors.Is(err, persistence.ErrSnapshotNotPending))

	pending, err := pp.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
}
