package memory

import (
	"context"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/persistencetest"
)

func TestMemoryPersistence_Suite(t *testing.T) {
	persistencetest.RunSuite(t, func(t *testing.T) persistence.IPersistence {
		return NewMemoryPersistence()
	})
}

func TestMemoryPersistence_DeleteMerkleTreeLeaf(t *testing.T) {
	ctx := context.Background()
	mp := NewMemoryPersistence()
	defer func() { _ = mp.Close() }()

	root, leaves := persistencetest.NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x01}, 3)
	require.NoError(t, mp.SaveMerkleTree(ctx, root, leaves))

	mp.DeleteMerkleTreeLeaf(root.Id, leaves[1].HolderAddress)

	remaining, err := mp.ListMerkleTreeLeaves(ctx, root.Id)
	require.NoError(t, err)
	require.Len(t, remaining, 2)

	exists, err := mp.MerkleTreeLeafExists(ctx, root.Id, leaves[1].HolderAddress)
	require.NoError(t, err)
	assert.False(t, exists)

	// deleting an unknown leaf is a no-op
	mp.DeleteMerkleTreeLeaf(uuid.New(), leaves[0].HolderAddress)
}

func TestMemoryPersistence_DeepCopiesLeaves(t *testing.T) {
	ctx := context.Background()
	mp := NewMemoryPersistence()
	defer func() { _ = mp.Close() }()

	root, leaves := persistencetest.NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x01}, 1)
	require.NoError(t, mp.SaveMerkleTree(ctx, root, leaves))

	leaves[0].Balance.SetInt64(1)
	root.RootHash[0] = 0xff

	stored, err := mp.ListMerkleTreeLeaves(ctx, root.Id)
	require.NoError(t, err)
	assert.Equal(t, int64(100), stored[0].Balance.Int64())

	loaded, err := mp.LoadMerkleTreeRoot(ctx, root.Id)
	require.NoError(t, err)
	assert.Equal(t, byte(0x01), loaded.RootHash[0])
}
