package blockchain

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/memory"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

var (
	token   = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	holderA = common.HexToAddress("0x0000000000000000000000000000000000000001")
	holderB = common.HexToAddress("0x0000000000000000000000000000000000000002")
	holderC = common.HexToAddress("0x0000000000000000000000000000000000000003")
	chain   = types.ChainSpec{ChainId: 1, RpcUrl: "http://node.test"}
)

// fakeChain serves a token deployed at deployBlock with fixed balances.
type fakeChain struct {
	mu          sync.Mutex
	latest      uint64
	deployBlock uint64
	logs        []ethTypes.Log
	balances    map[common.Address]*big.Int
	logsErr     error
	codeCalls   int
	balanceErr  error
	lastLogsQ   geth.FilterQuery
	balanceAt   []*big.Int
}

func (f *fakeChain) BlockNumber(context.Context) (uint64, error) {
	return f.latest, nil
}

func (f *fakeChain) CodeAt(_ context.Context, _ common.Address, blockNumber *big.Int) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.codeCalls++
	if blockNumber.Uint64() >= f.deployBlock {
		return []byte{0x60, 0x80}, nil
	}
	return nil, nil
}

func (f *fakeChain) FilterLogs(_ context.Context, q geth.FilterQuery) ([]ethTypes.Log, error) {
	f.lastLogsQ = q
	if f.logsErr != nil {
		return nil, f.logsErr
	}
	return f.logs, nil
}

func (f *fakeChain) CallContract(_ context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error) {
	if f.balanceErr != nil {
		return nil, f.balanceErr
	}
	f.balanceAt = append(f.balanceAt, blockNumber)

	args, err := erc20ABI.Methods["balanceOf"].Inputs.Unpack(msg.Data[4:])
	if err != nil {
		return nil, err
	}
	balance, ok := f.balances[args[0].(common.Address)]
	if !ok {
		balance = big.NewInt(0)
	}
	return erc20ABI.Methods["balanceOf"].Outputs.Pack(balance)
}

func transferLog(from, to common.Address) ethTypes.Log {
	return ethTypes.Log{
		Address: token,
		Topics: []common.Hash{
			TransferEventTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
	}
}

func newTestService(t *testing.T, fake *fakeChain) (*BlockchainService, *memory.MemoryPersistence) {
	t.Helper()
	testLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	cache := memory.NewMemoryPersistence()
	dials := 0
	svc := NewBlockchainService(&Config{RequestsPerSecond: 1000}, func(rpcUrl string) (ChainReader, error) {
		dials++
		require.Equal(t, 1, dials, "one client per RPC URL")
		return fake, nil
	}, cache, nil, testLogger)
	return svc, cache
}

func TestFindDeploymentBlock(t *testing.T) {
	ctx := context.Background()
	fake := &fakeChain{latest: 1_000_000, deployBlock: 123_457}
	svc, cache := newTestService(t, fake)

	block, err := svc.FindDeploymentBlock(ctx, chain, token)
	require.NoError(t, err)
	require.NotNil(t, block)
	assert.Equal(t, uint64(123_457), *block)
	assert.LessOrEqual(t, fake.codeCalls, 22, "binary search")

	cached, err := cache.GetDeploymentBlock(ctx, chain.ChainId, token)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Equal(t, uint64(123_457), *cached)

	calls := fake.codeCalls
	again, err := svc.FindDeploymentBlock(ctx, chain, token)
	require.NoError(t, err)
	assert.Equal(t, uint64(123_457), *again)
	assert.Equal(t, calls, fake.codeCalls, "served from cache")
}

func TestFindDeploymentBlock_Edges(t *testing.T) {
	ctx := context.Background()

	t.Run("not deployed", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeChain{latest: 100, deployBlock: 101})
		block, err := svc.FindDeploymentBlock(ctx, chain, token)
		require.NoError(t, err)
		assert.Nil(t, block)
	})

	t.Run("genesis", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeChain{latest: 100, deployBlock: 0})
		block, err := svc.FindDeploymentBlock(ctx, chain, token)
		require.NoError(t, err)
		assert.Equal(t, uint64(0), *block)
	})

	t.Run("latest block", func(t *testing.T) {
		svc, _ := newTestService(t, &fakeChain{latest: 100, deployBlock: 100})
		block, err := svc.FindDeploymentBlock(ctx, chain, token)
		require.NoError(t, err)
		assert.Equal(t, uint64(100), *block)
	})
}

func TestFetchErc20Balances(t *testing.T) {
	ctx := context.Background()
	ignored := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	fake := &fakeChain{
		logs: []ethTypes.Log{
			transferLog(common.Address{}, holderC), // mint
			transferLog(holderC, holderA),
			transferLog(holderA, ignored),
			transferLog(holderA, holderB),
			transferLog(holderB, common.Address{}), // burn
		},
		balances: map[common.Address]*big.Int{
			holderA: big.NewInt(100),
			holderB: big.NewInt(0),
			holderC: big.NewInt(300),
			ignored: big.NewInt(999),
		},
	}
	svc, _ := newTestService(t, fake)

	balances, err := svc.FetchErc20Balances(ctx, chain, token, []common.Address{ignored}, 10, 500)
	require.NoError(t, err)

	require.Len(t, balances, 2)
	assert.Equal(t, holderA, balances[0].Address)
	assert.Equal(t, int64(100), balances[0].Balance.Int64())
	assert.Equal(t, holderC, balances[1].Address)
	assert.Equal(t, int64(300), balances[1].Balance.Int64())

	assert.Equal(t, uint64(10), fake.lastLogsQ.FromBlock.Uint64())
	assert.Equal(t, uint64(500), fake.lastLogsQ.ToBlock.Uint64())
	assert.Equal(t, []common.Address{token}, fake.lastLogsQ.Addresses)
	for _, at := range fake.balanceAt {
		assert.Equal(t, uint64(500), at.Uint64(), "balances read at the snapshot block")
	}
}

func TestFetchErc20Balances_ErrorClassification(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		err      error
		wantKind ErrorKind
	}{
		{name: "alchemy style", err: errors.New("Log response size exceeded. You can make eth_getLogs requests with up to a 2K block range"), wantKind: ErrorKindLogResponseLimit},
		{name: "infura style", err: errors.New("query returned more than 10000 results"), wantKind: ErrorKindLogResponseLimit},
		{name: "generic", err: errors.New("connection refused"), wantKind: ErrorKindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc, _ := newTestService(t, &fakeChain{logsErr: tt.err})

			_, err := svc.FetchErc20Balances(ctx, chain, token, nil, 0, 100)
			require.Error(t, err)
			assert.Equal(t, tt.wantKind, KindOf(err))
			assert.Equal(t, tt.wantKind == ErrorKindLogResponseLimit, errors.Is(err, ErrLogResponseLimit))
			assert.ErrorContains(t, err, tt.err.Error())
		})
	}
}

func TestFetchErc20Balances_BalanceCallFails(t *testing.T) {
	fake := &fakeChain{
		logs:       []ethTypes.Log{transferLog(holderA, holderB)},
		balanceErr: errors.New("execution reverted"),
	}
	svc, _ := newTestService(t, fake)

	_, err := svc.FetchErc20Balances(context.Background(), chain, token, nil, 0, 100)
	require.Error(t, err)
	assert.Equal(t, ErrorKindOther, KindOf(err))
	assert.False(t, errors.Is(err, ErrLogResponseLimit))
}

func TestFetchErc20Balances_InvalidRange(t *testing.T) {
	svc, _ := newTestService(t, &fakeChain{})
	_, err := svc.FetchErc20Balances(context.Background(), chain, token, nil, 10, 9)
	assert.Error(t, err)
}

func TestCollectHolders_SkipsMalformedLogs(t *testing.T) {
	logs := []ethTypes.Log{
		{Topics: []common.Hash{TransferEventTopic}},
		{Topics: []common.Hash{common.HexToHash("0x01"), common.BytesToHash(holderA.Bytes()), common.BytesToHash(holderB.Bytes())}},
		transferLog(holderB, holderA),
	}
	assert.Equal(t, []common.Address{holderA, holderB}, collectHolders(logs, nil))
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, ErrorKindOther, KindOf(errors.New("plain")))
	assert.Equal(t, ErrorKindLogResponseLimit, KindOf(newReadError("eth_getLogs", errors.New("log response size exceeded"))))
}
