// Package blockchain reads ERC20 holder balances and contract deployment blocks from EVM nodes.
package blockchain

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	chainIndexer "github.com/Layr-Labs/chain-indexer/pkg/clients/ethereum"
	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/metrics"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

type IBlockchainService interface {
	// FindDeploymentBlock returns the first block at which the contract has code, or nil
	// when the contract has no code at the latest block.
	FindDeploymentBlock(ctx context.Context, chain types.ChainSpec, contract common.Address) (*uint64, error)

	// FetchErc20Balances returns the non-zero balances at endBlock of every address that sent
	// or received the token in [startBlock, endBlock], minus the zero address and ignored
	// holders, sorted by address.
	FetchErc20Balances(
		ctx context.Context,
		chain types.ChainSpec,
		contract common.Address,
		ignored []common.Address,
		startBlock uint64,
		endBlock uint64,
	) ([]*types.AccountBalance, error)
}

// ChainReader is the subset of *ethclient.Client the service needs.
type ChainReader interface {
	BlockNumber(ctx context.Context) (uint64, error)
	CodeAt(ctx context.Context, account common.Address, blockNumber *big.Int) ([]byte, error)
	FilterLogs(ctx context.Context, q geth.FilterQuery) ([]ethTypes.Log, error)
	CallContract(ctx context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error)
}

// ClientFactory dials a node. One client is created per RPC URL and reused.
type ClientFactory func(rpcUrl string) (ChainReader, error)

// NewChainIndexerClientFactory dials nodes through the chain-indexer ethereum client.
func NewChainIndexerClientFactory(logger *zap.Logger) ClientFactory {
	return func(rpcUrl string) (ChainReader, error) {
		ethClient := chainIndexer.NewEthereumClient(&chainIndexer.EthereumClientConfig{
			BaseUrl:   rpcUrl,
			BlockType: chainIndexer.BlockType_Latest,
		}, logger)

		client, err := ethClient.GetEthereumContractCaller()
		if err != nil {
			return nil, fmt.Errorf("failed to get ethereum client for %s: %w", rpcUrl, err)
		}
		return client, nil
	}
}

type Config struct {
	// RequestsPerSecond caps RPC calls per endpoint
	RequestsPerSecond int
}

type endpoint struct {
	client  ChainReader
	limiter *rate.Limiter
}

type BlockchainService struct {
	config    *Config
	newClient ClientFactory
	cache     persistence.IDeploymentBlockCache
	metrics   *metrics.Metrics
	logger    *zap.Logger

	mu        sync.Mutex
	endpoints map[string]*endpoint
}

var _ IBlockchainService = (*BlockchainService)(nil)

// NewBlockchainService creates the service. cache may be nil, in which case every deployment
// block lookup runs the binary search.
func NewBlockchainService(
	config *Config,
	newClient ClientFactory,
	cache persistence.IDeploymentBlockCache,
	m *metrics.Metrics,
	logger *zap.Logger,
) *BlockchainService {
	return &BlockchainService{
		config:    config,
		newClient: newClient,
		cache:     cache,
		metrics:   m,
		logger:    logger,
		endpoints: make(map[string]*endpoint),
	}
}

func (s *BlockchainService) endpointFor(rpcUrl string) (*endpoint, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ep, ok := s.endpoints[rpcUrl]; ok {
		return ep, nil
	}

	client, err := s.newClient(rpcUrl)
	if err != nil {
		return nil, &ReadError{Kind: ErrorKindOther, Op: "dial", Err: err}
	}

	limit := rate.Inf
	burst := 1
	if s.config != nil && s.config.RequestsPerSecond > 0 {
		limit = rate.Limit(s.config.RequestsPerSecond)
		burst = s.config.RequestsPerSecond
	}
	ep := &endpoint{client: client, limiter: rate.NewLimiter(limit, burst)}
	s.endpoints[rpcUrl] = ep
	return ep, nil
}

// call waits for the endpoint's rate limiter, runs one RPC and classifies its error.
func call[T any](ctx context.Context, s *BlockchainService, ep *endpoint, op string, fn func() (T, error)) (T, error) {
	var zero T
	if err := ep.limiter.Wait(ctx); err != nil {
		return zero, &ReadError{Kind: ErrorKindOther, Op: op, Err: err}
	}
	if s.metrics != nil {
		s.metrics.RpcRequests.WithLabelValues(op).Inc()
	}
	result, err := fn()
	if err != nil {
		return zero, newReadError(op, err)
	}
	return result, nil
}

func (s *BlockchainService) FindDeploymentBlock(ctx context.Context, chain types.ChainSpec, contract common.Address) (*uint64, error) {
	if s.cache != nil {
		cached, err := s.cache.GetDeploymentBlock(ctx, chain.ChainId, contract)
		if err != nil {
			s.logger.Sugar().Warnw("Failed to read deployment block cache", "error", err)
		} else if cached != nil {
			return cached, nil
		}
	}

	ep, err := s.endpointFor(chain.RpcUrl)
	if err != nil {
		return nil, err
	}

	latest, err := call(ctx, s, ep, "eth_blockNumber", func() (uint64, error) {
		return ep.client.BlockNumber(ctx)
	})
	if err != nil {
		return nil, err
	}

	hasCode := func(block uint64) (bool, error) {
		code, err := call(ctx, s, ep, "eth_getCode", func() ([]byte, error) {
			return ep.client.CodeAt(ctx, contract, new(big.Int).SetUint64(block))
		})
		return len(code) > 0, err
	}

	deployed, err := hasCode(latest)
	if err != nil {
		return nil, err
	}
	if !deployed {
		return nil, nil
	}

	// first block with code; code never disappears for the contracts we snapshot
	lo, hi := uint64(0), latest
	for lo < hi {
		mid := lo + (hi-lo)/2
		ok, err := hasCode(mid)
		if err != nil {
			return nil, err
		}
		if ok {
			hi = mid
		} else {
			lo = mid + 1
		}
	}

	s.logger.Sugar().Infow("Found contract deployment block",
		"chainId", chain.ChainId,
		"contract", contract.Hex(),
		"block", lo,
	)

	if s.cache != nil {
		if err := s.cache.SetDeploymentBlock(ctx, chain.ChainId, contract, lo); err != nil {
			s.logger.Sugar().Warnw("Failed to write deployment block cache", "error", err)
		}
	}
	return &lo, nil
}

func (s *BlockchainService) FetchErc20Balances(
	ctx context.Context,
	chain types.ChainSpec,
	contract common.Address,
	ignored []common.Address,
	startBlock uint64,
	endBlock uint64,
) ([]*types.AccountBalance, error) {
	if startBlock > endBlock {
		return nil, fmt.Errorf("start block %d is after end block %d", startBlock, endBlock)
	}

	ep, err := s.endpointFor(chain.RpcUrl)
	if err != nil {
		return nil, err
	}

	logs, err := call(ctx, s, ep, "eth_getLogs", func() ([]ethTypes.Log, error) {
		return ep.client.FilterLogs(ctx, geth.FilterQuery{
			FromBlock: new(big.Int).SetUint64(startBlock),
			ToBlock:   new(big.Int).SetUint64(endBlock),
			Addresses: []common.Address{contract},
			Topics:    [][]common.Hash{{TransferEventTopic}},
		})
	})
	if err != nil {
		return nil, err
	}

	holders := collectHolders(logs, ignored)
	s.logger.Sugar().Debugw("Collected token holders",
		"contract", contract.Hex(),
		"transfers", len(logs),
		"holders", len(holders),
	)

	atBlock := new(big.Int).SetUint64(endBlock)
	balances := make([]*types.AccountBalance, 0, len(holders))
	for _, holder := range holders {
		balance, err := s.balanceOf(ctx, ep, contract, holder, atBlock)
		if err != nil {
			return nil, err
		}
		if balance.Sign() == 0 {
			continue
		}
		balances = append(balances, types.NewAccountBalance(holder, balance))
	}
	return balances, nil
}

func (s *BlockchainService) balanceOf(ctx context.Context, ep *endpoint, contract, holder common.Address, atBlock *big.Int) (*big.Int, error) {
	input, err := erc20ABI.Pack("balanceOf", holder)
	if err != nil {
		return nil, fmt.Errorf("failed to pack balanceOf: %w", err)
	}

	output, err := call(ctx, s, ep, "eth_call", func() ([]byte, error) {
		return ep.client.CallContract(ctx, geth.CallMsg{To: &contract, Data: input}, atBlock)
	})
	if err != nil {
		return nil, err
	}

	values, err := erc20ABI.Unpack("balanceOf", output)
	if err != nil {
		return nil, &ReadError{Kind: ErrorKindOther, Op: "eth_call", Err: fmt.Errorf("failed to unpack balanceOf for %s: %w", holder.Hex(), err)}
	}
	balance, ok := values[0].(*big.Int)
	if !ok {
		return nil, &ReadError{Kind: ErrorKindOther, Op: "eth_call", Err: fmt.Errorf("unexpected balanceOf result %T", values[0])}
	}
	return balance, nil
}

// collectHolders returns every sender and recipient of the Transfer logs, sorted, minus the
// zero address and ignored holders.
func collectHolders(logs []ethTypes.Log, ignored []common.Address) []common.Address {
	skip := make(map[common.Address]struct{}, len(ignored)+1)
	skip[common.Address{}] = struct{}{}
	for _, a := range ignored {
		skip[a] = struct{}{}
	}

	seen := make(map[common.Address]struct{})
	for _, log := range logs {
		// topics: signature, from, to
		if len(log.Topics) < 3 || log.Topics[0] != TransferEventTopic {
			continue
		}
		for _, topic := range log.Topics[1:3] {
			address := common.BytesToAddress(topic.Bytes())
			if _, ok := skip[address]; ok {
				continue
			}
			seen[address] = struct{}{}
		}
	}

	holders := make([]common.Address, 0, len(seen))
	for address := range seen {
		holders = append(holders, address)
	}
	sort.Slice(holders, func(i, j int) bool {
		return bytes.Compare(holders[i][:], holders[j][:]) < 0
	})
	return holders
}
