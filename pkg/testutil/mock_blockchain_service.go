package testutil

import (
	"context"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/mock"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/blockchain"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// MockBlockchainService is a testify mock of blockchain.IBlockchainService.
type MockBlockchainService struct {
	mock.Mock
}

var _ blockchain.IBlockchainService = (*MockBlockchainService)(nil)

// NewMockBlockchainService creates the mock and asserts its expectations on cleanup.
func NewMockBlockchainService(t mock.TestingT) *MockBlockchainService {
	m := &MockBlockchainService{}
	m.Mock.Test(t)
	if c, ok := t.(interface{ Cleanup(func()) }); ok {
		c.Cleanup(func() { m.AssertExpectations(t) })
	}
	return m
}

func (m *MockBlockchainService) FindDeploymentBlock(ctx context.Context, chain types.ChainSpec, contract common.Address) (*uint64, error) {
	ret := m.Called(ctx, chain, contract)

	var block *uint64
	if ret.Get(0) != nil {
		block = ret.Get(0).(*uint64)
	}
	return block, ret.Error(1)
}

func (m *MockBlockchainService) FetchErc20Balances(
	ctx context.Context,
	chain types.ChainSpec,
	contract common.Address,
	ignored []common.Address,
	startBlock uint64,
	endBlock uint64,
) ([]*types.AccountBalance, error) {
	ret := m.Called(ctx, chain, contract, ignored, startBlock, endBlock)

	var balances []*types.AccountBalance
	if ret.Get(0) != nil {
		balances = ret.Get(0).([]*types.AccountBalance)
	}
	return balances, ret.Error(1)
}
