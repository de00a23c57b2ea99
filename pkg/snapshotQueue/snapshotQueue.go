// Package snapshotQueue turns submitted snapshot requests into completed or failed snapshots.
//
// Submission only writes a PENDING row; the row itself is the queue. A single worker, driven
// by the injected scheduler, picks at most one pending snapshot per tick, fetches balances,
// builds and pins the merkle tree, deduplicates it against stored trees and records the
// outcome. Failures are recorded on the snapshot and never retried.
package snapshotQueue

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/blockchain"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkle"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkleStore"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/metrics"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/pinning"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/project"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/scheduler"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/util"
)

var ErrInvalidSubmission = errors.New("invalid snapshot submission")

const (
	DefaultInitialDelay = 5 * time.Second
	DefaultPeriod       = 5 * time.Second
)

type Config struct {
	InitialDelay time.Duration
	Period       time.Duration
}

// Dependencies are the collaborators of the queue. Clock and IdGenerator default to
// time.Now and random UUIDs; Metrics may be nil.
type Dependencies struct {
	Snapshots   persistence.ISnapshotPersistence
	Trees       merkleStore.IMerkleTreeStore
	Blockchain  blockchain.IBlockchainService
	Pinning     pinning.IPinningService
	Projects    project.IProjectLookup
	Scheduler   scheduler.IScheduler
	IdGenerator util.IdGenerator
	Clock       func() time.Time
	Metrics     *metrics.Metrics
}

type SnapshotQueue struct {
	config     *Config
	snapshots  persistence.ISnapshotPersistence
	trees      merkleStore.IMerkleTreeStore
	blockchain blockchain.IBlockchainService
	pinning    pinning.IPinningService
	projects   project.IProjectLookup
	scheduler  scheduler.IScheduler
	newId      util.IdGenerator
	now        func() time.Time
	metrics    *metrics.Metrics
	logger     *zap.Logger
}

func NewSnapshotQueue(config *Config, deps *Dependencies, logger *zap.Logger) (*SnapshotQueue, error) {
	if deps == nil {
		return nil, fmt.Errorf("dependencies are required")
	}
	switch {
	case deps.Snapshots == nil:
		return nil, fmt.Errorf("snapshot persistence is required")
	case deps.Trees == nil:
		return nil, fmt.Errorf("merkle tree store is required")
	case deps.Blockchain == nil:
		return nil, fmt.Errorf("blockchain service is required")
	case deps.Pinning == nil:
		return nil, fmt.Errorf("pinning service is required")
	case deps.Projects == nil:
		return nil, fmt.Errorf("project lookup is required")
	case deps.Scheduler == nil:
		return nil, fmt.Errorf("scheduler is required")
	}

	if config == nil {
		config = &Config{}
	}
	cfg := *config
	if cfg.InitialDelay < 0 {
		cfg.InitialDelay = DefaultInitialDelay
	}
	if cfg.Period <= 0 {
		cfg.Period = DefaultPeriod
	}

	newId := deps.IdGenerator
	if newId == nil {
		newId = util.RandomIdGenerator()
	}
	now := deps.Clock
	if now == nil {
		now = time.Now
	}

	return &SnapshotQueue{
		config:     &cfg,
		snapshots:  deps.Snapshots,
		trees:      deps.Trees,
		blockchain: deps.Blockchain,
		pinning:    deps.Pinning,
		projects:   deps.Projects,
		scheduler:  deps.Scheduler,
		newId:      newId,
		now:        now,
		metrics:    deps.Metrics,
		logger:     logger,
	}, nil
}

// Start registers the worker with the scheduler.
func (q *SnapshotQueue) Start() error {
	q.logger.Sugar().Infow("Starting snapshot queue",
		"initialDelay", q.config.InitialDelay,
		"period", q.config.Period,
	)
	if err := q.scheduler.ScheduleAtFixedRate(q.config.InitialDelay, q.config.Period, q.ProcessPending); err != nil {
		return fmt.Errorf("failed to schedule snapshot queue: %w", err)
	}
	return nil
}

// Stop cancels the running tick, if any, and waits for it.
func (q *SnapshotQueue) Stop() {
	q.logger.Sugar().Info("Shutting down snapshot queue")
	q.scheduler.Stop()
}

// Submit persists a PENDING snapshot and returns its id without waiting for processing.
func (q *SnapshotQueue) Submit(ctx context.Context, params *types.CreateSnapshotParams) (uuid.UUID, error) {
	if err := validateParams(params); err != nil {
		return uuid.Nil, err
	}

	ignored := util.Deduplicate(params.IgnoredHolderAddresses, func(a common.Address) common.Address {
		return a
	})
	snapshot := &types.Snapshot{
		Id:                     q.newId(),
		ProjectId:              params.ProjectId,
		Name:                   params.Name,
		ChainId:                params.ChainId,
		AssetContractAddress:   params.AssetContractAddress,
		BlockNumber:            params.BlockNumber,
		IgnoredHolderAddresses: ignored,
		Status:                 types.SnapshotStatusPending,
		CreatedAt:              q.now().UTC(),
	}

	if err := q.snapshots.CreateSnapshot(ctx, snapshot); err != nil {
		return uuid.Nil, fmt.Errorf("failed to create snapshot: %w", err)
	}
	if q.metrics != nil {
		q.metrics.SnapshotsSubmitted.Inc()
	}

	q.logger.Sugar().Infow("Snapshot submitted",
		"snapshotId", snapshot.Id,
		"projectId", snapshot.ProjectId,
		"chainId", snapshot.ChainId,
		"contract", snapshot.AssetContractAddress.Hex(),
		"blockNumber", snapshot.BlockNumber,
	)
	return snapshot.Id, nil
}

func validateParams(params *types.CreateSnapshotParams) error {
	switch {
	case params == nil:
		return fmt.Errorf("%w: missing params", ErrInvalidSubmission)
	case params.Name == "":
		return fmt.Errorf("%w: name is required", ErrInvalidSubmission)
	case params.ProjectId == uuid.Nil:
		return fmt.Errorf("%w: project id is required", ErrInvalidSubmission)
	case params.AssetContractAddress == (common.Address{}):
		return fmt.Errorf("%w: asset contract address is required", ErrInvalidSubmission)
	}
	return nil
}

// ProcessPending runs one worker tick: it handles at most one pending snapshot and records
// any failure on it.
func (q *SnapshotQueue) ProcessPending(ctx context.Context) {
	snapshot, err := q.snapshots.GetPendingSnapshot(ctx)
	if err != nil {
		q.logger.Sugar().Errorw("Failed to read pending snapshot", "error", err)
		return
	}
	if snapshot == nil {
		return
	}

	started := q.now()
	if err := q.HandlePending(ctx, snapshot); err != nil {
		if ctx.Err() != nil {
			// shutting down; the row stays PENDING and is picked up after restart
			q.logger.Sugar().Warnw("Snapshot processing interrupted",
				"snapshotId", snapshot.Id,
				"error", err,
			)
			return
		}
		cause := classify(err)
		q.logger.Sugar().Errorw("Failed to handle pending snapshot",
			"snapshotId", snapshot.Id,
			"cause", cause,
			"error", err,
		)
		if err := q.snapshots.FailSnapshot(ctx, snapshot.Id, cause); err != nil {
			q.logger.Sugar().Errorw("Failed to mark snapshot as failed",
				"snapshotId", snapshot.Id,
				"error", err,
			)
			return
		}
		q.metrics.ObserveSnapshot(types.SnapshotStatusFailed.String(), cause.String(), started)
		return
	}
	q.metrics.ObserveSnapshot(types.SnapshotStatusSuccess.String(), "", started)
}

// classify maps a processing error to the failure cause stored on the snapshot.
func classify(err error) types.SnapshotFailureCause {
	if errors.Is(err, blockchain.ErrLogResponseLimit) {
		return types.SnapshotFailureCauseLogResponseLimit
	}
	return types.SnapshotFailureCauseOther
}

// HandlePending processes one pending snapshot to completion. Nothing is pinned or stored
// unless balances were fetched and the tree built.
func (q *SnapshotQueue) HandlePending(ctx context.Context, snapshot *types.Snapshot) error {
	p, err := q.projects.GetProject(ctx, snapshot.ProjectId)
	if err != nil {
		return fmt.Errorf("failed to look up project %s: %w", snapshot.ProjectId, err)
	}
	chain := types.ChainSpec{ChainId: snapshot.ChainId, RpcUrl: p.RpcUrl}

	deployment, err := q.blockchain.FindDeploymentBlock(ctx, chain, snapshot.AssetContractAddress)
	if err != nil {
		return fmt.Errorf("failed to find deployment block: %w", err)
	}
	var startBlock uint64
	if deployment != nil {
		startBlock = *deployment
	}

	balances, err := q.blockchain.FetchErc20Balances(ctx,
		chain,
		snapshot.AssetContractAddress,
		snapshot.IgnoredHolderAddresses,
		startBlock,
		snapshot.BlockNumber,
	)
	if err != nil {
		return fmt.Errorf("failed to fetch balances: %w", err)
	}

	total := util.Reduce(balances, func(acc *big.Int, next *types.AccountBalance) *big.Int {
		return acc.Add(acc, next.Balance)
	}, new(big.Int))
	q.logger.Sugar().Infow("Fetched holder balances",
		"snapshotId", snapshot.Id,
		"holders", len(balances),
		"totalAssetAmount", total.String(),
	)

	tree, err := merkle.BuildMerkleTree(balances, merkle.HashFunctionKeccak256)
	if err != nil {
		return fmt.Errorf("failed to build merkle tree: %w", err)
	}
	if q.metrics != nil {
		q.metrics.TreeLeaves.Observe(float64(tree.LeafCount()))
	}

	document, err := tree.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to encode merkle tree: %w", err)
	}
	pinHash, err := q.pinning.PinJSON(ctx, pinName(snapshot, tree), document)
	if err != nil {
		return fmt.Errorf("failed to pin merkle tree: %w", err)
	}

	rootId, err := q.storeOrReuse(ctx, snapshot, tree)
	if err != nil {
		return err
	}

	if err := q.snapshots.CompleteSnapshot(ctx, snapshot.Id, rootId, pinHash, total); err != nil {
		return fmt.Errorf("failed to complete snapshot: %w", err)
	}
	q.logger.Sugar().Infow("Snapshot completed",
		"snapshotId", snapshot.Id,
		"rootId", rootId,
		"rootHash", tree.RootHash().Hex(),
		"pinHash", pinHash,
	)
	return nil
}

func (q *SnapshotQueue) storeOrReuse(ctx context.Context, snapshot *types.Snapshot, tree *merkle.MerkleTree) (uuid.UUID, error) {
	existing, err := q.trees.FetchTree(ctx, merkleStore.TreeParams{
		RootHash:             tree.RootHash(),
		ChainId:              snapshot.ChainId,
		AssetContractAddress: snapshot.AssetContractAddress,
	})
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to look up existing merkle tree: %w", err)
	}
	if existing != nil {
		q.logger.Sugar().Debugw("Merkle tree already stored", "rootId", existing.Id)
		if q.metrics != nil {
			q.metrics.TreesDeduplicated.Inc()
		}
		return existing.Id, nil
	}

	rootId, err := q.trees.StoreTree(ctx, tree, snapshot.ChainId, snapshot.AssetContractAddress, snapshot.BlockNumber)
	if err != nil {
		return uuid.Nil, fmt.Errorf("failed to store merkle tree: %w", err)
	}
	return rootId, nil
}

func pinName(snapshot *types.Snapshot, tree *merkle.MerkleTree) string {
	return fmt.Sprintf("asset-snapshot-%s-%s", snapshot.Id, tree.RootHash().Hex())
}

// GetSnapshotById returns nil when the snapshot doesn't exist.
func (q *SnapshotQueue) GetSnapshotById(ctx context.Context, id uuid.UUID) (*types.FullSnapshot, error) {
	snapshot, err := q.snapshots.GetSnapshotById(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %s: %w", id, err)
	}
	if snapshot == nil {
		return nil, nil
	}
	return q.toFullSnapshot(ctx, snapshot)
}

// GetAllByProjectAndStatuses lists a project's snapshots, oldest first. An empty statuses
// slice matches every status.
func (q *SnapshotQueue) GetAllByProjectAndStatuses(ctx context.Context, projectId uuid.UUID, statuses []types.SnapshotStatus) ([]*types.FullSnapshot, error) {
	snapshots, err := q.snapshots.ListSnapshotsByProjectAndStatuses(ctx, projectId, statuses)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots of project %s: %w", projectId, err)
	}

	full := make([]*types.FullSnapshot, 0, len(snapshots))
	for _, snapshot := range snapshots {
		fs, err := q.toFullSnapshot(ctx, snapshot)
		if err != nil {
			return nil, err
		}
		full = append(full, fs)
	}
	return full, nil
}

func (q *SnapshotQueue) toFullSnapshot(ctx context.Context, snapshot *types.Snapshot) (*types.FullSnapshot, error) {
	full := &types.FullSnapshot{Snapshot: snapshot}
	if snapshot.Status != types.SnapshotStatusSuccess || snapshot.MerkleTreeRootId == nil {
		return full, nil
	}

	tree, err := q.trees.GetById(ctx, *snapshot.MerkleTreeRootId)
	if err != nil {
		return nil, fmt.Errorf("failed to load merkle tree of snapshot %s: %w", snapshot.Id, err)
	}
	if tree == nil {
		q.logger.Sugar().Warnw("Completed snapshot references a missing merkle tree",
			"snapshotId", snapshot.Id,
			"rootId", *snapshot.MerkleTreeRootId,
		)
		return full, nil
	}

	data := &types.SnapshotTreeData{
		TotalAssetAmount: snapshot.TotalAssetAmount,
		MerkleRootHash:   []byte(tree.RootHash()),
		MerkleTreeDepth:  tree.Depth(),
		HashFn:           tree.HashFn.String(),
	}
	if snapshot.MerkleTreePinHash != nil {
		data.MerkleTreePinHash = *snapshot.MerkleTreePinHash
	}
	full.Data = data
	return full, nil
}
