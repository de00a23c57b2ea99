package tests

import (
	"bytes"
	"context"
	"errors"
	"math/big"
	"sync"

	geth "github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethTypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/blockchain"
)

// balanceOf(address)
var balanceOfSelector = []byte{0x70, 0xa0, 0x82, 0x31}

// FakeChain is an in-memory chain with a single ERC20 token. Balances are derived by replaying
// the recorded transfers, so balanceOf at a block agrees with the Transfer logs up to it.
type FakeChain struct {
	mu          sync.Mutex
	Token       common.Address
	DeployBlock uint64
	Latest      uint64
	transfers   []ethTypes.Log

	// LogsErr, when set, is returned by every FilterLogs call
	LogsErr error
	Calls   map[string]int
}

var _ blockchain.ChainReader = (*FakeChain)(nil)

func NewFakeChain(token common.Address, deployBlock, latest uint64) *FakeChain {
	return &FakeChain{
		Token:       token,
		DeployBlock: deployBlock,
		Latest:      latest,
		Calls:       make(map[string]int),
	}
}

// Factory returns a ClientFactory that hands out this chain for any RPC URL.
func (c *FakeChain) Factory() blockchain.ClientFactory {
	return func(string) (blockchain.ChainReader, error) {
		return c, nil
	}
}

// Mint records a transfer from the zero address.
func (c *FakeChain) Mint(block uint64, to common.Address, amount int64) {
	c.Transfer(block, common.Address{}, to, amount)
}

// Transfer records a Transfer log at block.
func (c *FakeChain) Transfer(block uint64, from, to common.Address, amount int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.transfers = append(c.transfers, ethTypes.Log{
		Address: c.Token,
		Topics: []common.Hash{
			blockchain.TransferEventTopic,
			common.BytesToHash(from.Bytes()),
			common.BytesToHash(to.Bytes()),
		},
		Data:        common.LeftPadBytes(big.NewInt(amount).Bytes(), 32),
		BlockNumber: block,
	})
}

// BalanceAt replays transfers up to and including block.
func (c *FakeChain) BalanceAt(holder common.Address, block uint64) *big.Int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.balanceAt(holder, block)
}

func (c *FakeChain) balanceAt(holder common.Address, block uint64) *big.Int {
	balance := new(big.Int)
	for _, log := range c.transfers {
		if log.BlockNumber > block {
			continue
		}
		amount := new(big.Int).SetBytes(log.Data)
		if common.BytesToAddress(log.Topics[2].Bytes()) == holder {
			balance.Add(balance, amount)
		}
		if common.BytesToAddress(log.Topics[1].Bytes()) == holder {
			balance.Sub(balance, amount)
		}
	}
	return balance
}

func (c *FakeChain) BlockNumber(context.Context) (uint64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["eth_blockNumber"]++
	return c.Latest, nil
}

func (c *FakeChain) CodeAt(_ context.Context, account common.Address, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["eth_getCode"]++
	if account != c.Token || blockNumber.Uint64() < c.DeployBlock {
		return nil, nil
	}
	return []byte{0x60, 0x80, 0x60, 0x40}, nil
}

func (c *FakeChain) FilterLogs(_ context.Context, q geth.FilterQuery) ([]ethTypes.Log, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["eth_getLogs"]++
	if c.LogsErr != nil {
		return nil, c.LogsErr
	}

	var out []ethTypes.Log
	for _, log := range c.transfers {
		if log.BlockNumber < q.FromBlock.Uint64() || log.BlockNumber > q.ToBlock.Uint64() {
			continue
		}
		if len(q.Addresses) > 0 && q.Addresses[0] != log.Address {
			continue
		}
		out = append(out, log)
	}
	return out, nil
}

func (c *FakeChain) CallContract(_ context.Context, msg geth.CallMsg, blockNumber *big.Int) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.Calls["eth_call"]++
	if msg.To == nil || *msg.To != c.Token {
		return nil, errors.New("execution reverted")
	}
	if len(msg.Data) != 36 || !bytes.Equal(msg.Data[:4], balanceOfSelector) {
		return nil, errors.New("unsupported call")
	}
	holder := common.BytesToAddress(msg.Data[4:36])
	return common.LeftPadBytes(c.balanceAt(holder, blockNumber.Uint64()).Bytes(), 32), nil
}
