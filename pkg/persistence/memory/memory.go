package memory

import (
	"bytes"
	"context"
	"fmt"
	"math/big"
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

type deploymentBlockKey struct {
	chainId  types.ChainId
	contract common.Address
}

// MemoryPersistence is an in-memory implementation of IPersistence.
// This implementation is intended for TESTING and local development only.
//
// All data is stored in memory and will be lost when the process exits.
// Thread-safe using sync.RWMutex for concurrent access.
// Deep copies data to prevent external mutation.
type MemoryPersistence struct {
	mu sync.RWMutex

	roots  map[uuid.UUID]*types.MerkleTreeRoot
	leaves map[uuid.UUID][]*types.MerkleTreeLeaf

	snapshots map[uuid.UUID]*types.Snapshot

	deploymentBlocks map[deploymentBlockKey]uint64

	closed bool
}

// NewMemoryPersistence creates a new in-memory persistence layer.
func NewMemoryPersistence() *MemoryPersistence {
	return &MemoryPersistence{
		roots:            make(map[uuid.UUID]*types.MerkleTreeRoot),
		leaves:           make(map[uuid.UUID][]*types.MerkleTreeLeaf),
		snapshots:        make(map[uuid.UUID]*types.Snapshot),
		deploymentBlocks: make(map[deploymentBlockKey]uint64),
	}
}

// SaveMerkleTree persists a root and its leaves.
func (m *MemoryPersistence) SaveMerkleTree(_ context.Context, root *types.MerkleTreeRoot, leaves []*types.MerkleTreeLeaf) error {
	if root == nil {
		return fmt.Errorf("cannot save nil MerkleTreeRoot")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	if _, exists := m.roots[root.Id]; exists {
		return fmt.Errorf("%w: id %s", persistence.ErrDuplicateMerkleTree, root.Id)
	}
	if m.findRootLocked(root.Key()) != nil {
		return fmt.Errorf("%w: %s", persistence.ErrDuplicateMerkleTree, root.Key())
	}

	copied := make([]*types.MerkleTreeLeaf, 0, len(leaves))
	for _, leaf := range leaves {
		if leaf == nil {
			return fmt.Errorf("cannot save nil MerkleTreeLeaf")
		}
		if leaf.RootId != root.Id {
			return fmt.Errorf("leaf %s belongs to root %s, not %s", leaf.Id, leaf.RootId, root.Id)
		}
		copied = append(copied, deepCopyLeaf(leaf))
	}

	m.roots[root.Id] = deepCopyRoot(root)
	m.leaves[root.Id] = copied
	return nil
}

// LoadMerkleTreeRoot retrieves a root by id.
func (m *MemoryPersistence) LoadMerkleTreeRoot(_ context.Context, id uuid.UUID) (*types.MerkleTreeRoot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	root, exists := m.roots[id]
	if !exists {
		return nil, nil // Not found is not an error
	}
	return deepCopyRoot(root), nil
}

// FindMerkleTreeRoot retrieves a root by its natural key.
func (m *MemoryPersistence) FindMerkleTreeRoot(_ context.Context, key types.MerkleTreeKey) (*types.MerkleTreeRoot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	return deepCopyRoot(m.findRootLocked(key)), nil
}

func (m *MemoryPersistence) findRootLocked(key types.MerkleTreeKey) *types.MerkleTreeRoot {
	for _, root := range m.roots {
		if root.ChainId == key.ChainId &&
			root.AssetContractAddress == key.AssetContractAddress &&
			bytes.Equal(root.RootHash, key.RootHash) {
			return root
		}
	}
	return nil
}

// ListMerkleTreeLeaves returns all leaves of a root.
func (m *MemoryPersistence) ListMerkleTreeLeaves(_ context.Context, rootId uuid.UUID) ([]*types.MerkleTreeLeaf, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	leaves := m.leaves[rootId]
	result := make([]*types.MerkleTreeLeaf, 0, len(leaves))
	for _, leaf := range leaves {
		result = append(result, deepCopyLeaf(leaf))
	}
	return result, nil
}

// MerkleTreeLeafExists checks for a holder's leaf under a root.
func (m *MemoryPersistence) MerkleTreeLeafExists(_ context.Context, rootId uuid.UUID, holder common.Address) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return false, persistence.ErrClosed
	}

	for _, leaf := range m.leaves[rootId] {
		if leaf.HolderAddress == holder {
			return true, nil
		}
	}
	return false, nil
}

// DeleteMerkleTreeLeaf removes a single leaf row. Nothing in the service deletes leaves;
// this exists so tests can simulate a damaged store.
func (m *MemoryPersistence) DeleteMerkleTreeLeaf(rootId uuid.UUID, holder common.Address) {
	m.mu.Lock()
	defer m.mu.Unlock()

	leaves := m.leaves[rootId]
	for i, leaf := range leaves {
		if leaf.HolderAddress == holder {
			m.leaves[rootId] = append(leaves[:i:i], leaves[i+1:]...)
			return
		}
	}
}

// CreateSnapshot persists a new pending snapshot.
func (m *MemoryPersistence) CreateSnapshot(_ context.Context, snapshot *types.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("cannot save nil Snapshot")
	}
	if snapshot.Status != types.SnapshotStatusPending {
		return fmt.Errorf("new snapshot must be %s, got %s", types.SnapshotStatusPending, snapshot.Status)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}
	if _, exists := m.snapshots[snapshot.Id]; exists {
		return fmt.Errorf("snapshot %s already exists", snapshot.Id)
	}

	m.snapshots[snapshot.Id] = snapshot.Copy()
	return nil
}

// GetPendingSnapshot returns the oldest pending snapshot.
func (m *MemoryPersistence) GetPendingSnapshot(_ context.Context) (*types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	var oldest *types.Snapshot
	for _, s := range m.snapshots {
		if s.Status != types.SnapshotStatusPending {
			continue
		}
		if oldest == nil || createdBefore(s, oldest) {
			oldest = s
		}
	}
	return oldest.Copy(), nil
}

// CompleteSnapshot marks a pending snapshot as successful.
func (m *MemoryPersistence) CompleteSnapshot(
	_ context.Context,
	id uuid.UUID,
	rootId uuid.UUID,
	pinHash string,
	totalAssetAmount *big.Int,
) error {
	if totalAssetAmount == nil {
		return fmt.Errorf("total asset amount is nil")
	}
	return m.transition(id, func(s *types.Snapshot) {
		s.Status = types.SnapshotStatusSuccess
		s.MerkleTreeRootId = &rootId
		s.MerkleTreePinHash = &pinHash
		s.TotalAssetAmount = new(big.Int).Set(totalAssetAmount)
	})
}

// FailSnapshot marks a pending snapshot as failed.
func (m *MemoryPersistence) FailSnapshot(_ context.Context, id uuid.UUID, cause types.SnapshotFailureCause) error {
	return m.transition(id, func(s *types.Snapshot) {
		s.Status = types.SnapshotStatusFailed
		s.FailureCause = &cause
	})
}

func (m *MemoryPersistence) transition(id uuid.UUID, apply func(s *types.Snapshot)) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	s, exists := m.snapshots[id]
	if !exists {
		return fmt.Errorf("%w: %s", persistence.ErrSnapshotNotFound, id)
	}
	if s.Status != types.SnapshotStatusPending {
		return fmt.Errorf("%w: %s is %s", persistence.ErrSnapshotNotPending, id, s.Status)
	}
	apply(s)
	return nil
}

// GetSnapshotById retrieves a snapshot.
func (m *MemoryPersistence) GetSnapshotById(_ context.Context, id uuid.UUID) (*types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	s, exists := m.snapshots[id]
	if !exists {
		return nil, nil
	}
	return s.Copy(), nil
}

// ListSnapshotsByProjectAndStatuses lists a project's snapshots, oldest first.
func (m *MemoryPersistence) ListSnapshotsByProjectAndStatuses(
	_ context.Context,
	projectId uuid.UUID,
	statuses []types.SnapshotStatus,
) ([]*types.Snapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	result := make([]*types.Snapshot, 0)
	for _, s := range m.snapshots {
		if s.ProjectId == projectId && persistence.MatchesStatuses(s.Status, statuses) {
			result = append(result, s.Copy())
		}
	}
	sort.Slice(result, func(i, j int) bool {
		return createdBefore(result[i], result[j])
	})
	return result, nil
}

// GetDeploymentBlock returns a cached deployment block.
func (m *MemoryPersistence) GetDeploymentBlock(_ context.Context, chainId types.ChainId, contract common.Address) (*uint64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return nil, persistence.ErrClosed
	}

	block, exists := m.deploymentBlocks[deploymentBlockKey{chainId: chainId, contract: contract}]
	if !exists {
		return nil, nil
	}
	return &block, nil
}

// SetDeploymentBlock caches a deployment block.
func (m *MemoryPersistence) SetDeploymentBlock(_ context.Context, chainId types.ChainId, contract common.Address, blockNumber uint64) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.closed {
		return persistence.ErrClosed
	}

	m.deploymentBlocks[deploymentBlockKey{chainId: chainId, contract: contract}] = blockNumber
	return nil
}

// Close shuts down the persistence layer.
func (m *MemoryPersistence) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.closed = true
	return nil
}

// HealthCheck verifies the persistence layer is operational.
func (m *MemoryPersistence) HealthCheck() error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if m.closed {
		return persistence.ErrClosed
	}

	return nil
}

// createdBefore orders by creation time, then id, so ties are deterministic.
func createdBefore(a, b *types.Snapshot) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return bytes.Compare(a.Id[:], b.Id[:]) < 0
}

// Deep copy helpers

func deepCopyRoot(r *types.MerkleTreeRoot) *types.MerkleTreeRoot {
	if r == nil {
		return nil
	}
	c := *r
	c.RootHash = bytes.Clone(r.RootHash)
	return &c
}

func deepCopyLeaf(l *types.MerkleTreeLeaf) *types.MerkleTreeLeaf {
	if l == nil {
		return nil
	}
	c := *l
	if l.Balance != nil {
		c.Balance = new(big.Int).Set(l.Balance)
	}
	return &c
}
