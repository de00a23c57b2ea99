package persistence

import (
	"context"
	"errors"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

var (
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("persistence layer is closed")

	// ErrSnapshotNotFound is returned when transitioning a snapshot that does not exist.
	ErrSnapshotNotFound = errors.New("snapshot not found")

	// ErrSnapshotNotPending is returned when transitioning a snapshot that already reached
	// a terminal status.
	ErrSnapshotNotPending = errors.New("snapshot is not pending")

	// ErrDuplicateMerkleTree is returned when a root with the same
	// (chain id, contract, root hash) already exists.
	ErrDuplicateMerkleTree = errors.New("merkle tree root already exists")
)

// IMerkleTreePersistence stores merkle tree roots and their leaf rows.
// All implementations must be thread-safe.
//
// Lookups return nil (and a nil error) when nothing matches; errors are reserved for
// storage failures.
type IMerkleTreePersistence interface {
	// SaveMerkleTree writes the root and all of its leaves atomically. Either every row is
	// visible afterwards or none is.
	SaveMerkleTree(ctx context.Context, root *types.MerkleTreeRoot, leaves []*types.MerkleTreeLeaf) error

	// LoadMerkleTreeRoot returns the root row by id.
	LoadMerkleTreeRoot(ctx context.Context, id uuid.UUID) (*types.MerkleTreeRoot, error)

	// FindMerkleTreeRoot returns the root row matching the natural key.
	FindMerkleTreeRoot(ctx context.Context, key types.MerkleTreeKey) (*types.MerkleTreeRoot, error)

	// ListMerkleTreeLeaves returns every leaf row of the root, in no particular order.
	ListMerkleTreeLeaves(ctx context.Context, rootId uuid.UUID) ([]*types.MerkleTreeLeaf, error)

	// MerkleTreeLeafExists reports whether the root has a leaf row for holder.
	MerkleTreeLeafExists(ctx context.Context, rootId uuid.UUID, holder common.Address) (bool, error)
}

// ISnapshotPersistence stores snapshot job rows.
// All implementations must be thread-safe.
type ISnapshotPersistence interface {
	// CreateSnapshot inserts a new PENDING row.
	CreateSnapshot(ctx context.Context, snapshot *types.Snapshot) error

	// GetPendingSnapshot returns at most one PENDING row, oldest first.
	// Returns nil if nothing is pending.
	GetPendingSnapshot(ctx context.Context) (*types.Snapshot, error)

	// CompleteSnapshot moves a PENDING row to SUCCESS.
	CompleteSnapshot(ctx context.Context, id uuid.UUID, rootId uuid.UUID, pinHash string, totalAssetAmount *big.Int) error

	// FailSnapshot moves a PENDING row to FAILED.
	FailSnapshot(ctx context.Context, id uuid.UUID, cause types.SnapshotFailureCause) error

	// GetSnapshotById returns nil if the snapshot doesn't exist.
	GetSnapshotById(ctx context.Context, id uuid.UUID) (*types.Snapshot, error)

	// ListSnapshotsByProjectAndStatuses returns the project's snapshots, oldest first.
	// An empty statuses slice matches every status.
	ListSnapshotsByProjectAndStatuses(ctx context.Context, projectId uuid.UUID, statuses []types.SnapshotStatus) ([]*types.Snapshot, error)
}

// IDeploymentBlockCache remembers the block a contract was deployed at.
type IDeploymentBlockCache interface {
	// GetDeploymentBlock returns nil when nothing is cached.
	GetDeploymentBlock(ctx context.Context, chainId types.ChainId, contract common.Address) (*uint64, error)

	SetDeploymentBlock(ctx context.Context, chainId types.ChainId, contract common.Address, blockNumber uint64) error
}

// IPersistence is the full storage backend of the snapshot service.
type IPersistence interface {
	IMerkleTreePersistence
	ISnapshotPersistence
	IDeploymentBlockCache

	// Close cleanly shuts down the persistence layer.
	// Idempotent - safe to call multiple times.
	// After Close(), all other operations return ErrClosed.
	Close() error

	// HealthCheck verifies the persistence layer is operational.
	HealthCheck() error
}

// MatchesStatuses reports whether status is in statuses; an empty filter matches everything.
func MatchesStatuses(status types.SnapshotStatus, statuses []types.SnapshotStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}
