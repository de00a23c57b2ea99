package testutil

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkle"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkleStore"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// MockMerkleTreeStore is a testify mock of merkleStore.IMerkleTreeStore.
type MockMerkleTreeStore struct {
	mock.Mock
}

var _ merkleStore.IMerkleTreeStore = (*MockMerkleTreeStore)(nil)

func NewMockMerkleTreeStore(t mock.TestingT) *MockMerkleTreeStore {
	m := &MockMerkleTreeStore{}
	m.Mock.Test(t)
	if c, ok := t.(interface{ Cleanup(func()) }); ok {
		c.Cleanup(func() { m.AssertExpectations(t) })
	}
	return m
}

func (m *MockMerkleTreeStore) StoreTree(
	ctx context.Context,
	tree *merkle.MerkleTree,
	chainId types.ChainId,
	contract common.Address,
	blockNumber uint64,
) (uuid.UUID, error) {
	ret := m.Called(ctx, tree, chainId, contract, blockNumber)
	return ret.Get(0).(uuid.UUID), ret.Error(1)
}

func (m *MockMerkleTreeStore) GetById(ctx context.Context, rootId uuid.UUID) (*merkle.MerkleTree, error) {
	ret := m.Called(ctx, rootId)

	var tree *merkle.MerkleTree
	if ret.Get(0) != nil {
		tree = ret.Get(0).(*merkle.MerkleTree)
	}
	return tree, ret.Error(1)
}

func (m *MockMerkleTreeStore) FetchTree(ctx context.Context, params merkleStore.TreeParams) (*merkleStore.TreeWithId, error) {
	ret := m.Called(ctx, params)

	var tree *merkleStore.TreeWithId
	if ret.Get(0) != nil {
		tree = ret.Get(0).(*merkleStore.TreeWithId)
	}
	return tree, ret.Error(1)
}

func (m *MockMerkleTreeStore) ContainsAddress(ctx context.Context, params merkleStore.AddressParams) (bool, error) {
	ret := m.Called(ctx, params)
	return ret.Bool(0), ret.Error(1)
}

func (m *MockMerkleTreeStore) GetProof(ctx context.Context, params merkleStore.AddressParams) (*merkleStore.ProofResult, error) {
	ret := m.Called(ctx, params)

	var proof *merkleStore.ProofResult
	if ret.Get(0) != nil {
		proof = ret.Get(0).(*merkleStore.ProofResult)
	}
	return proof, ret.Error(1)
}
