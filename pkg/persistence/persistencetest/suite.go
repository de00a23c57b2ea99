// Package persistencetest holds the behavioural suite every IPersistence backend must pass.
package persistencetest

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// Factory returns a fresh, empty backend. The suite closes it.
type Factory func(t *testing.T) persistence.IPersistence

var baseTime = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// NewPendingSnapshot builds a PENDING snapshot created offset seconds after a fixed base time.
func NewPendingSnapshot(projectId uuid.UUID, offset int) *types.Snapshot {
	return &types.Snapshot{
		Id:                     uuid.New(),
		ProjectId:              projectId,
		Name:                   "snapshot",
		ChainId:                1,
		AssetContractAddress:   common.HexToAddress("0x00000000000000000000000000000000000000a1"),
		BlockNumber:            1000,
		IgnoredHolderAddresses: []common.Address{common.HexToAddress("0x00000000000000000000000000000000000000ee")},
		Status:                 types.SnapshotStatusPending,
		CreatedAt:              baseTime.Add(time.Duration(offset) * time.Second),
	}
}

// NewTreeRows builds a root row and n leaf rows for it.
func NewTreeRows(chainId types.ChainId, contract common.Address, rootHash []byte, n int) (*types.MerkleTreeRoot, []*types.MerkleTreeLeaf) {
	root := &types.MerkleTreeRoot{
		Id:                   uuid.New(),
		ChainId:              chainId,
		AssetContractAddress: contract,
		BlockNumber:          1000,
		RootHash:             rootHash,
		HashFn:               "KECCAK_256",
	}
	leaves := make([]*types.MerkleTreeLeaf, n)
	for i := 0; i < n; i++ {
		leaves[i] = &types.MerkleTreeLeaf{
			Id:            uuid.New(),
			RootId:        root.Id,
			HolderAddress: common.BigToAddress(big.NewInt(int64(i + 1))),
			Balance:       big.NewInt(int64((i + 1) * 100)),
		}
	}
	return root, leaves
}

// RunSuite runs the shared behavioural tests against a backend.
func RunSuite(t *testing.T, newPersistence Factory) {
	t.Run("MerkleTree_SaveAndLoad", func(t *testing.T) { testMerkleTreeSaveAndLoad(t, newPersistence) })
	t.Run("MerkleTree_FindByKey", func(t *testing.T) { testMerkleTreeFindByKey(t, newPersistence) })
	t.Run("MerkleTree_Duplicate", func(t *testing.T) { testMerkleTreeDuplicate(t, newPersistence) })
	t.Run("MerkleTree_Atomic", func(t *testing.T) { testMerkleTreeAtomic(t, newPersistence) })
	t.Run("MerkleTree_LeafExists", func(t *testing.T) { testMerkleTreeLeafExists(t, newPersistence) })
	t.Run("Snapshot_CreateAndGet", func(t *testing.T) { testSnapshotCreateAndGet(t, newPersistence) })
	t.Run("Snapshot_PendingOldestFirst", func(t *testing.T) { testSnapshotPendingOldestFirst(t, newPersistence) })
	t.Run("Snapshot_Transitions", func(t *testing.T) { testSnapshotTransitions(t, newPersistence) })
	t.Run("Snapshot_ListByProjectAndStatuses", func(t *testing.T) { testSnapshotList(t, newPersistence) })
	t.Run("Snapshot_ConcurrentCreate", func(t *testing.T) { testSnapshotConcurrentCreate(t, newPersistence) })
	t.Run("DeploymentBlockCache", func(t *testing.T) { testDeploymentBlockCache(t, newPersistence) })
	t.Run("Close", func(t *testing.T) { testClose(t, newPersistence) })
}

func open(t *testing.T, newPersistence Factory) persistence.IPersistence {
	p := newPersistence(t)
	t.Cleanup(func() { _ = p.Close() })
	require.NoError(t, p.HealthCheck())
	return p
}

func testMerkleTreeSaveAndLoad(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	root, leaves := NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x01, 0x02}, 3)
	require.NoError(t, p.SaveMerkleTree(ctx, root, leaves))

	loaded, err := p.LoadMerkleTreeRoot(ctx, root.Id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, root.Id, loaded.Id)
	assert.Equal(t, root.ChainId, loaded.ChainId)
	assert.Equal(t, root.AssetContractAddress, loaded.AssetContractAddress)
	assert.Equal(t, root.BlockNumber, loaded.BlockNumber)
	assert.Equal(t, []byte(root.RootHash), []byte(loaded.RootHash))
	assert.Equal(t, root.HashFn, loaded.HashFn)

	loadedLeaves, err := p.ListMerkleTreeLeaves(ctx, root.Id)
	require.NoError(t, err)
	require.Len(t, loadedLeaves, 3)
	byHolder := make(map[common.Address]*types.MerkleTreeLeaf)
	for _, leaf := range loadedLeaves {
		assert.Equal(t, root.Id, leaf.RootId)
		byHolder[leaf.HolderAddress] = leaf
	}
	for _, leaf := range leaves {
		got, ok := byHolder[leaf.HolderAddress]
		require.True(t, ok)
		assert.Equal(t, leaf.Id, got.Id)
		assert.Equal(t, 0, leaf.Balance.Cmp(got.Balance))
	}

	missing, err := p.LoadMerkleTreeRoot(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	none, err := p.ListMerkleTreeLeaves(ctx, uuid.New())
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testMerkleTreeFindByKey(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	contract := common.HexToAddress("0xa1")
	root, leaves := NewTreeRows(1, contract, []byte{0xaa}, 1)
	require.NoError(t, p.SaveMerkleTree(ctx, root, leaves))

	found, err := p.FindMerkleTreeRoot(ctx, root.Key())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.Equal(t, root.Id, found.Id)

	for name, key := range map[string]types.MerkleTreeKey{
		"chain":    {ChainId: 2, AssetContractAddress: contract, RootHash: []byte{0xaa}},
		"contract": {ChainId: 1, AssetContractAddress: common.HexToAddress("0xa2"), RootHash: []byte{0xaa}},
		"hash":     {ChainId: 1, AssetContractAddress: contract, RootHash: []byte{0xab}},
	} {
		found, err := p.FindMerkleTreeRoot(ctx, key)
		require.NoError(t, err, name)
		assert.Nil(t, found, "mismatched %s should not match", name)
	}
}

func testMerkleTreeDuplicate(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	root, leaves := NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x01}, 2)
	require.NoError(t, p.SaveMerkleTree(ctx, root, leaves))

	dup, dupLeaves := NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x01}, 2)
	err := p.SaveMerkleTree(ctx, dup, dupLeaves)
	require.Error(t, err)
	assert.True(t, errors.Is(err, persistence.ErrDuplicateMerkleTree))

	loaded, err := p.LoadMerkleTreeRoot(ctx, dup.Id)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	// same hash on another contract is a different tree
	other, otherLeaves := NewTreeRows(1, common.HexToAddress("0xa2"), []byte{0x01}, 2)
	require.NoError(t, p.SaveMerkleTree(ctx, other, otherLeaves))
}

func testMerkleTreeAtomic(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	root, leaves := NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x02}, 3)
	// a leaf pointing at another root aborts the whole write
	leaves[2].RootId = uuid.New()
	require.Error(t, p.SaveMerkleTree(ctx, root, leaves))

	loaded, err := p.LoadMerkleTreeRoot(ctx, root.Id)
	require.NoError(t, err)
	assert.Nil(t, loaded)

	stored, err := p.ListMerkleTreeLeaves(ctx, root.Id)
	require.NoError(t, err)
	assert.Empty(t, stored)
}

func testMerkleTreeLeafExists(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	root, leaves := NewTreeRows(1, common.HexToAddress("0xa1"), []byte{0x03}, 2)
	require.NoError(t, p.SaveMerkleTree(ctx, root, leaves))

	exists, err := p.MerkleTreeLeafExists(ctx, root.Id, leaves[0].HolderAddress)
	require.NoError(t, err)
	assert.True(t, exists)

	exists, err = p.MerkleTreeLeafExists(ctx, root.Id, common.HexToAddress("0xbeef"))
	require.NoError(t, err)
	assert.False(t, exists)

	exists, err = p.MerkleTreeLeafExists(ctx, uuid.New(), leaves[0].HolderAddress)
	require.NoError(t, err)
	assert.False(t, exists)
}

func testSnapshotCreateAndGet(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	s := NewPendingSnapshot(uuid.New(), 0)
	require.NoError(t, p.CreateSnapshot(ctx, s))

	loaded, err := p.GetSnapshotById(ctx, s.Id)
	require.NoError(t, err)
	require.NotNil(t, loaded)
	assert.Equal(t, s.Id, loaded.Id)
	assert.Equal(t, s.ProjectId, loaded.ProjectId)
	assert.Equal(t, s.Name, loaded.Name)
	assert.Equal(t, s.ChainId, loaded.ChainId)
	assert.Equal(t, s.AssetContractAddress, loaded.AssetContractAddress)
	assert.Equal(t, s.BlockNumber, loaded.BlockNumber)
	assert.Equal(t, s.IgnoredHolderAddresses, loaded.IgnoredHolderAddresses)
	assert.Equal(t, types.SnapshotStatusPending, loaded.Status)
	assert.Nil(t, loaded.FailureCause)
	assert.Nil(t, loaded.MerkleTreeRootId)
	assert.Nil(t, loaded.MerkleTreePinHash)
	assert.Nil(t, loaded.TotalAssetAmount)
	assert.True(t, s.CreatedAt.Equal(loaded.CreatedAt))

	// mutating the returned row does not change the stored one
	loaded.Name = "changed"
	again, err := p.GetSnapshotById(ctx, s.Id)
	require.NoError(t, err)
	assert.Equal(t, "snapshot", again.Name)

	missing, err := p.GetSnapshotById(ctx, uuid.New())
	require.NoError(t, err)
	assert.Nil(t, missing)

	notPending := NewPendingSnapshot(uuid.New(), 1)
	notPending.Status = types.SnapshotStatusSuccess
	require.Error(t, p.CreateSnapshot(ctx, notPending))
}

func testSnapshotPendingOldestFirst(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	pending, err := p.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)

	projectId := uuid.New()
	newer := NewPendingSnapshot(projectId, 10)
	older := NewPendingSnapshot(projectId, 5)
	require.NoError(t, p.CreateSnapshot(ctx, newer))
	require.NoError(t, p.CreateSnapshot(ctx, older))

	pending, err = p.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, older.Id, pending.Id)

	require.NoError(t, p.FailSnapshot(ctx, older.Id, types.SnapshotFailureCauseOther))

	pending, err = p.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	require.NotNil(t, pending)
	assert.Equal(t, newer.Id, pending.Id)

	require.NoError(t, p.CompleteSnapshot(ctx, newer.Id, uuid.New(), "QmHash", big.NewInt(1)))

	pending, err = p.GetPendingSnapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, pending)
}

func testSnapshotTransitions(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)
	projectId := uuid.New()

	t.Run("complete", func(t *testing.T) {
		s := NewPendingSnapshot(projectId, 0)
		require.NoError(t, p.CreateSnapshot(ctx, s))

		rootId := uuid.New()
		total, _ := new(big.Int).SetString("1000000000000000000000000", 10)
		require.NoError(t, p.CompleteSnapshot(ctx, s.Id, rootId, "QmHash", total))

		loaded, err := p.GetSnapshotById(ctx, s.Id)
		require.NoError(t, err)
		assert.Equal(t, types.SnapshotStatusSuccess, loaded.Status)
		require.NotNil(t, loaded.MerkleTreeRootId)
		assert.Equal(t, rootId, *loaded.MerkleTreeRootId)
		require.NotNil(t, loaded.MerkleTreePinHash)
		assert.Equal(t, "QmHash", *loaded.MerkleTreePinHash)
		require.NotNil(t, loaded.TotalAssetAmount)
		assert.Equal(t, 0, total.Cmp(loaded.TotalAssetAmount))
		assert.Nil(t, loaded.FailureCause)

		err = p.FailSnapshot(ctx, s.Id, types.SnapshotFailureCauseOther)
		assert.True(t, errors.Is(err, persistence.ErrSnapshotNotPending))
		err = p.CompleteSnapshot(ctx, s.Id, uuid.New(), "QmOther", big.NewInt(1))
		assert.True(t, errors.Is(err, persistence.ErrSnapshotNotPending))
	})

	t.Run("fail", func(t *testing.T) {
		s := NewPendingSnapshot(projectId, 1)
		require.NoError(t, p.CreateSnapshot(ctx, s))
		require.NoError(t, p.FailSnapshot(ctx, s.Id, types.SnapshotFailureCauseLogResponseLimit))

		loaded, err := p.GetSnapshotById(ctx, s.Id)
		require.NoError(t, err)
		assert.Equal(t, types.SnapshotStatusFailed, loaded.Status)
		require.NotNil(t, loaded.FailureCause)
		assert.Equal(t, types.SnapshotFailureCauseLogResponseLimit, *loaded.FailureCause)
		assert.Nil(t, loaded.MerkleTreeRootId)

		err = p.CompleteSnapshot(ctx, s.Id, uuid.New(), "QmHash", big.NewInt(1))
		assert.True(t, errors.Is(err, persistence.ErrSnapshotNotPending))
	})

	t.Run("unknown", func(t *testing.T) {
		err := p.FailSnapshot(ctx, uuid.New(), types.SnapshotFailureCauseOther)
		assert.True(t, errors.Is(err, persistence.ErrSnapshotNotFound))
	})
}

func testSnapshotList(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)

	projectId := uuid.New()
	otherProject := uuid.New()

	first := NewPendingSnapshot(projectId, 1)
	second := NewPendingSnapshot(projectId, 2)
	third := NewPendingSnapshot(projectId, 3)
	foreign := NewPendingSnapshot(otherProject, 0)
	for _, s := range []*types.Snapshot{third, first, foreign, second} {
		require.NoError(t, p.CreateSnapshot(ctx, s))
	}
	require.NoError(t, p.CompleteSnapshot(ctx, second.Id, uuid.New(), "Qm", big.NewInt(10)))
	require.NoError(t, p.FailSnapshot(ctx, third.Id, types.SnapshotFailureCauseOther))

	all, err := p.ListSnapshotsByProjectAndStatuses(ctx, projectId, nil)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, first.Id, all[0].Id)
	assert.Equal(t, second.Id, all[1].Id)
	assert.Equal(t, third.Id, all[2].Id)

	done, err := p.ListSnapshotsByProjectAndStatuses(ctx, projectId,
		[]types.SnapshotStatus{types.SnapshotStatusSuccess, types.SnapshotStatusFailed})
	require.NoError(t, err)
	require.Len(t, done, 2)
	assert.Equal(t, second.Id, done[0].Id)
	assert.Equal(t, third.Id, done[1].Id)

	pending, err := p.ListSnapshotsByProjectAndStatuses(ctx, projectId, []types.SnapshotStatus{types.SnapshotStatusPending})
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, first.Id, pending[0].Id)

	none, err := p.ListSnapshotsByProjectAndStatuses(ctx, uuid.New(), nil)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testSnapshotConcurrentCreate(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)
	projectId := uuid.New()

	var wg sync.WaitGroup
	errs := make(chan error, 20)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			errs <- p.CreateSnapshot(ctx, NewPendingSnapshot(projectId, i))
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	all, err := p.ListSnapshotsByProjectAndStatuses(ctx, projectId, nil)
	require.NoError(t, err)
	assert.Len(t, all, 20)
}

func testDeploymentBlockCache(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := open(t, newPersistence)
	contract := common.HexToAddress("0xa1")

	block, err := p.GetDeploymentBlock(ctx, 1, contract)
	require.NoError(t, err)
	assert.Nil(t, block)

	require.NoError(t, p.SetDeploymentBlock(ctx, 1, contract, 12345))

	block, err = p.GetDeploymentBlock(ctx, 1, contract)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, uint64(12345), *block)

	block, err = p.GetDeploymentBlock(ctx, 2, contract)
	require.NoError(t, err)
	assert.Nil(t, block)
}

func testClose(t *testing.T, newPersistence Factory) {
	ctx := context.Background()
	p := newPersistence(t)

	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	assert.Error(t, p.HealthCheck())
	_, err := p.GetSnapshotById(ctx, uuid.New())
	assert.True(t, errors.Is(err, persistence.ErrClosed))
	err = p.CreateSnapshot(ctx, NewPendingSnapshot(uuid.New(), 0))
	assert.True(t, errors.Is(err, persistence.ErrClosed))
	_, err = p.FindMerkleTreeRoot(ctx, types.MerkleTreeKey{})
	assert.True(t, errors.Is(err, persistence.ErrClosed))
}
