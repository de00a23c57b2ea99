package tests

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/Layr-Labs/chain-indexer/pkg/clients/ethereum"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
)

// WaitForRpc polls the node until it reports a latest block or ctx ends.
func WaitForRpc(ctx context.Context, t *testing.T, rpcUrl string) error {
	t.Helper()

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	if err != nil {
		return err
	}
	ethereumClient := ethereum.NewEthereumClient(&ethereum.EthereumClientConfig{
		BaseUrl:   rpcUrl,
		BlockType: ethereum.BlockType_Latest,
	}, l)

	for {
		block, err := ethereumClient.GetLatestBlock(ctx)
		if err == nil {
			t.Logf("Node at %s is up, latest block: %v", rpcUrl, block)
			return nil
		}
		t.Logf("Node not ready yet, will retry: %v", err)

		select {
		case <-ctx.Done():
			return fmt.Errorf("node at %s not reachable: %w", rpcUrl, ctx.Err())
		case <-time.After(2 * time.Second):
		}
	}
}
