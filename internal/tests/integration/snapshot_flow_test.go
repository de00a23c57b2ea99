package integration

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	promtestutil "github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/internal/tests"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/blockchain"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/client"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkle"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkleStore"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/metrics"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence/badger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/pinning"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/scheduler"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/server"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/snapshotQueue"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/transport"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

var (
	token    = common.HexToAddress("0x5FbDB2315678afecb367f032d93F642f64180aa3")
	holderA  = common.HexToAddress("0x00000000000000000000000000000000000000a1")
	holderB  = common.HexToAddress("0x00000000000000000000000000000000000000b2")
	holderC  = common.HexToAddress("0x00000000000000000000000000000000000000c3")
	treasury = common.HexToAddress("0x00000000000000000000000000000000000000ff")
)

// stack is a snapshot server wired the way cmd/snapshotServer wires it, except that chain
// reads go to a FakeChain and ticks are driven by the test.
type stack struct {
	chain     *tests.FakeChain
	scheduler *scheduler.ManualScheduler
	pinner    *pinning.LocalPinner
	metrics   *metrics.Metrics
	client    *client.SnapshotClient
}

func newStack(t *testing.T, chain *tests.FakeChain) *stack {
	t.Helper()

	l, err := logger.NewLogger(&logger.LoggerConfig{Debug: false})
	require.NoError(t, err)

	projects, err := tests.LoadTestProjects(tests.GetProjectRootPath())
	require.NoError(t, err)

	reg := prometheus.NewRegistry()
	m := metrics.NewMetrics(reg)

	store, err := badger.NewBadgerPersistence(t.TempDir(), l)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	bc := blockchain.NewBlockchainService(&blockchain.Config{}, chain.Factory(), store, m, l)
	pinner := pinning.NewLocalPinner()
	trees := merkleStore.NewMerkleTreeStore(store, nil, m, l)
	sched := scheduler.NewManualScheduler()

	queue, err := snapshotQueue.NewSnapshotQueue(&snapshotQueue.Config{}, &snapshotQueue.Dependencies{
		Snapshots:  store,
		Trees:      trees,
		Blockchain: bc,
		Pinning:    pinner,
		Projects:   projects,
		Scheduler:  sched,
		Metrics:    m,
	}, l)
	require.NoError(t, err)
	require.NoError(t, queue.Start())
	t.Cleanup(queue.Stop)

	srv := server.NewServer(&server.Config{}, queue, trees, projects, reg, l)
	ts := httptest.NewServer(srv.GetHandler())
	t.Cleanup(ts.Close)

	tc := transport.NewClient(nil, transport.RetryConfig{MaxAttempts: 1}, l)
	return &stack{
		chain:     chain,
		scheduler: sched,
		pinner:    pinner,
		metrics:   m,
		client:    client.NewSnapshotClient(ts.URL, tc, l),
	}
}

func seededChain() *tests.FakeChain {
	chain := tests.NewFakeChain(token, 100, 1000)
	chain.Mint(120, treasury, 10_000)
	chain.Transfer(150, treasury, holderA, 1_000)
	chain.Transfer(160, treasury, holderB, 2_500)
	chain.Transfer(170, holderA, holderC, 400)
	// after the snapshot block
	chain.Transfer(600, treasury, holderC, 9_999)
	return chain
}

func Test_SnapshotFlow(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, seededChain())

	id, err := s.client.CreateSnapshot(ctx, tests.AnvilProjectId, &server.CreateSnapshotRequest{
		Name:                   "march payout",
		AssetAddress:           token.Hex(),
		PayoutBlockNumber:      500,
		IgnoredHolderAddresses: []string{treasury.Hex()},
	})
	require.NoError(t, err)

	pending, err := s.client.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusPending, pending.Status)
	assert.Nil(t, pending.AssetSnapshotMerkleRoot)

	require.NoError(t, s.scheduler.Execute())

	snapshot, err := s.client.WaitForSnapshot(ctx, id, 10*time.Millisecond)
	require.NoError(t, err)
	require.Equal(t, types.SnapshotStatusSuccess, snapshot.Status, "failure cause: %v", snapshot.FailureCause)
	assert.Equal(t, 0, big.NewInt(3_500).Cmp(snapshot.TotalAssetAmount))
	assert.Equal(t, uint64(500), snapshot.AssetSnapshotBlockNumber)
	assert.Equal(t, []string{treasury.Hex()}, snapshot.IgnoredHolderAddresses)
	require.NotNil(t, snapshot.AssetSnapshotMerkleRoot)
	require.NotNil(t, snapshot.AssetSnapshotMerkleDepth)
	assert.Equal(t, 2, *snapshot.AssetSnapshotMerkleDepth)

	// the pinned document is the tree the proofs come from
	require.NotNil(t, snapshot.AssetSnapshotMerkleIpfsHash)
	pinned, ok := s.pinner.Get(*snapshot.AssetSnapshotMerkleIpfsHash)
	require.True(t, ok)
	assert.True(t, json.Valid(pinned))

	root, err := merkle.HexToHash(*snapshot.AssetSnapshotMerkleRoot)
	require.NoError(t, err)

	expected := map[common.Address]int64{holderA: 600, holderB: 2_500, holderC: 400}
	for holder, balance := range expected {
		path, err := s.client.GetMerklePath(ctx, snapshot.ChainId, token, root, holder)
		require.NoError(t, err)
		assert.Equal(t, 0, big.NewInt(balance).Cmp(path.WalletBalance), "holder %s", holder.Hex())
		assert.NoError(t, client.VerifyMerklePath(path, root, merkle.HashFunctionKeccak256))
	}

	// ignored and unknown holders have no path
	for _, holder := range []common.Address{treasury, common.HexToAddress("0x1234")} {
		_, err := s.client.GetMerklePath(ctx, snapshot.ChainId, token, root, holder)
		assert.True(t, errors.Is(err, client.ErrNotFound), "holder %s", holder.Hex())
	}

	list, err := s.client.ListSnapshots(ctx, tests.AnvilProjectId, types.SnapshotStatusSuccess)
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, id, list[0].Id)

	// one log query covers deploy block to snapshot block
	assert.Equal(t, 1, s.chain.Calls["eth_getLogs"])
	assert.Equal(t, float64(1), promtestutil.ToFloat64(s.metrics.SnapshotsFinished.WithLabelValues("SUCCESS", "")))
}

func Test_SnapshotFlow_SameBalancesShareTree(t *testing.T) {
	ctx := context.Background()
	s := newStack(t, seededChain())

	submit := func(name string, block uint64) *server.SnapshotResponse {
		id, err := s.client.CreateSnapshot(ctx, tests.AnvilProjectId, &server.CreateSnapshotRequest{
			Name:                   name,
			AssetAddress:           token.Hex(),
			PayoutBlockNumber:      block,
			IgnoredHolderAddresses: []string{treasury.Hex()},
		})
		require.NoError(t, err)
		require.NoError(t, s.scheduler.Execute())
		snapshot, err := s.client.GetSnapshot(ctx, id)
		require.NoError(t, err)
		require.Equal(t, types.SnapshotStatusSuccess, snapshot.Status)
		return snapshot
	}

	// no transfers between blocks 200 and 500
	first := submit("first", 200)
	second := submit("second", 500)
	assert.Equal(t, *first.AssetSnapshotMerkleRoot, *second.AssetSnapshotMerkleRoot)
	assert.Equal(t, float64(1), promtestutil.ToFloat64(s.metrics.TreesDeduplicated))
	assert.Equal(t, float64(1), promtestutil.ToFloat64(s.metrics.TreesStored))

	// cached after the first snapshot
	codeLookups := s.chain.Calls["eth_getCode"]
	submit("third", 500)
	assert.Equal(t, codeLookups, s.chain.Calls["eth_getCode"])
}

func Test_SnapshotFlow_LogResponseLimit(t *testing.T) {
	ctx := context.Background()
	chain := seededChain()
	chain.LogsErr = errors.New("query returned more than 10000 results")
	s := newStack(t, chain)

	id, err := s.client.CreateSnapshot(ctx, tests.AnvilProjectId, &server.CreateSnapshotRequest{
		Name:              "too many logs",
		AssetAddress:      token.Hex(),
		PayoutBlockNumber: 500,
	})
	require.NoError(t, err)
	require.NoError(t, s.scheduler.Execute())

	snapshot, err := s.client.GetSnapshot(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, types.SnapshotStatusFailed, snapshot.Status)
	require.NotNil(t, snapshot.FailureCause)
	assert.Equal(t, types.SnapshotFailureCauseLogResponseLimit, *snapshot.FailureCause)
	assert.Nil(t, snapshot.AssetSnapshotMerkleRoot)

	failed, err := s.client.ListSnapshots(ctx, tests.AnvilProjectId, types.SnapshotStatusFailed)
	require.NoError(t, err)
	assert.Len(t, failed, 1)
}

func Test_SnapshotFlow_UnknownProject(t *testing.T) {
	s := newStack(t, seededChain())

	_, err := s.client.CreateSnapshot(context.Background(), uuid.New(), &server.CreateSnapshotRequest{
		Name:              "nobody",
		AssetAddress:      token.Hex(),
		PayoutBlockNumber: 500,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "401")
}
