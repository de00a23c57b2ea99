package badger

import (
	"context"
	"math/big"
	"testing"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/persistencetest"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

func TestBadgerPersistence_Suite(t *testing.T) {
	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})

	persistencetest.RunSuite(t, func(t *testing.T) persistence.IPersistence {
		bp, err := NewBadgerPersistence(t.TempDir(), testLogger)
		require.NoError(t, err)
		return bp
	})
}

func TestBadgerPersistence_SurvivesRestart(t *testing.T) {
	ctx := context.Background()
	tmpDir := t.TempDir()
	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})

	bp, err := NewBadgerPersistence(tmpDir, testLogger)
	require.NoError(t, err)

	root, leaves := persistencetest.NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x01, 0x02}, 4)
	require.NoError(t, bp.SaveMerkleTree(ctx, root, leaves))

	projectId := uuid.New()
	done := persistencetest.NewPendingSnapshot(projectId, 0)
	pending := persistencetest.NewPendingSnapshot(projectId, 1)
	require.NoError(t, bp.CreateSnapshot(ctx, done))
	require.NoError(t, bp.CreateSnapshot(ctx, pending))
	require.NoError(t, bp.CompleteSnapshot(ctx, done.Id, root.Id, "QmHash", big.NewInt(1000)))
	require.NoError(t, bp.Close())

	bp, err = NewBadgerPersistence(tmpDir, testLogger)
	require.NoError(t, err)
	defer func() { _ = bp.Close() }()

	found, err := bp.FindMerkleTreeRoot(ctx, root.Key())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, root.Id, found.Id)

	storedLeaves, err := bp.ListMerkleTreeLeaves(ctx, root.Id)
	require.NoError(t, err)
	assert.Len(t, storedLeaves, 4)

	next, err := bp.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, pending.Id, next.Id)

	loaded, err := bp.GetSnapshotById(ctx, done.Id)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusSuccess, loaded.Status)
	assert.Equal(t, int64(1000), loaded.TotalAssetAmount.Int64())
}

func TestBadgerPersistence_SchemaVersionMismatch(t *testing.T) {
	tmpDir := t.TempDir()
	testLogger, _ := logger.NewLogger(&logger.LoggerConfig{Debug: false})

	opts := badgerdb.DefaultOptions(tmpDir)
	opts.Logger = nil
	db, err := badgerdb.Open(opts)
	require.NoError(t, err)
	require.NoError(t, db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set([]byte(keySchemaVersion), []byte("v0"))
	}))
	require.NoError(t, db.Close())

	_, err = NewBadgerPersistence(tmpDir, testLogger)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unsupported schema version")
}

func TestBadgerPersistence_KeysAreCaseInsensitiveOnAddress(t *testing.T) {
	// common.Address normalises case, so both spellings hit the same index entry
	mixed := common.HexToAddress("0xAbCdEf0000000000000000000000000000000001")
	lower := common.HexToAddress("0xabcdef0000000000000000000000000000000001")

	key := types.MerkleTreeKey{ChainId: 1, AssetContractAddress: mixed, RootHash: []byte{0x01}}
	other := types.MerkleTreeKey{ChainId: 1, AssetContractAddress: lower, RootHash: []byte{0x01}}
	assert.Equal(t, rootIndexKey(key), rootIndexKey(other))
	assert.Equal(t, deploymentBlockKey(1, mixed), deploymentBlockKey(1, lower))
}
