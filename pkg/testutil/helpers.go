package testutil

import (
	"math/big"
	"sync"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/util"
)

// TestLogger returns a non-debug logger for tests.
func TestLogger(t *testing.T) *zap.Logger {
	t.Helper()
	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	if err != nil {
		t.Fatalf("Failed to create logger: %v", err)
	}
	return l
}

// SequentialIdGenerator returns ids 00000000-0000-0000-0000-000000000001, ...02 and so on,
// so tests can predict which row got which id.
func SequentialIdGenerator() util.IdGenerator {
	var mu sync.Mutex
	var next uint64
	return func() uuid.UUID {
		mu.Lock()
		defer mu.Unlock()
		next++
		var id uuid.UUID
		new(big.Int).SetUint64(next).FillBytes(id[8:])
		return id
	}
}

// CreateTestAddress returns the address whose numeric value is n.
func CreateTestAddress(n int64) common.Address {
	return common.BigToAddress(big.NewInt(n))
}

// CreateTestBalances returns one balance per amount, held by CreateTestAddress(1), (2), ...
func CreateTestBalances(amounts ...int64) []*types.AccountBalance {
	balances := make([]*types.AccountBalance, len(amounts))
	for i, amount := range amounts {
		balances[i] = types.NewAccountBalance(CreateTestAddress(int64(i+1)), big.NewInt(amount))
	}
	return balances
}

// CreateTestProject returns a project on the local anvil chain.
func CreateTestProject() *types.Project {
	return &types.Project{
		Id:      uuid.New(),
		Name:    "test-project",
		ChainId: 31337,
		RpcUrl:  "http://127.0.0.1:8545",
	}
}
