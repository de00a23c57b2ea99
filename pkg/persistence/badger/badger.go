package badger

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"math/big"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	badgerdb "github.com/dgraph-io/badger/v3"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// Key prefixes for namespacing
const (
	keyPrefixRoot            = "merkle:root:"
	keyPrefixRootIndex       = "merkle:rootkey:"
	keyPrefixLeaf            = "merkle:leaf:"
	keyPrefixSnapshot        = "snapshot:row:"
	keyPrefixPendingIndex    = "snapshot:pending:"
	keyPrefixProjectIndex    = "snapshot:project:"
	keyPrefixDeploymentBlock = "chain:deployblock:"
	keySchemaVersion         = "metadata:schema_version"
	currentSchemaVersion     = "v1"
)

// BadgerPersistence is a production-ready persistence implementation using Badger.
// Provides durable, disk-based storage with ACID guarantees.
//
// Rows are stored as JSON. Secondary lookups (natural tree key, pending queue, project
// listing) are separate index keys written in the same transaction as the row.
type BadgerPersistence struct {
	db       *badgerdb.DB
	logger   *zap.Logger
	gcCancel context.CancelFunc
	gcWg     sync.WaitGroup
	mu       sync.RWMutex
	closed   bool
}

// NewBadgerPersistence creates a new Badger-backed persistence layer.
// The database is opened at the specified path with SyncWrites enabled for durability.
// A background goroutine is started for garbage collection.
func NewBadgerPersistence(dataPath string, logger *zap.Logger) (*BadgerPersistence, error) {
	absPath, err := filepath.Abs(dataPath)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve absolute path: %w", err)
	}

	opts := badgerdb.DefaultOptions(absPath)
	opts.Logger = &badgerLoggerAdapter{logger: logger}
	opts.SyncWrites = true
	opts.CompactL0OnClose = true
	opts.NumVersionsToKeep = 1

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database at %s: %w", absPath, err)
	}

	bp := &BadgerPersistence{
		db:     db,
		logger: logger,
	}

	if err := bp.initSchema(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	bp.gcCancel = cancel
	bp.gcWg.Add(1)
	go bp.runGC(ctx)

	logger.Sugar().Infow("Badger persistence initialized", "path", absPath)

	return bp, nil
}

// initSchema initializes or validates the schema version
func (b *BadgerPersistence) initSchema() error {
	return b.db.Update(func(txn *badgerdb.Txn) error {
		item, err := txn.Get([]byte(keySchemaVersion))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return txn.Set([]byte(keySchemaVersion), []byte(currentSchemaVersion))
		}
		if err != nil {
			return fmt.Errorf("failed to read schema version: %w", err)
		}

		var existingVersion string
		err = item.Value(func(val []byte) error {
			existingVersion = string(val)
			return nil
		})
		if err != nil {
			return fmt.Errorf("failed to read schema version value: %w", err)
		}

		if existingVersion != currentSchemaVersion {
			return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
		}
		return nil
	})
}

// runGC runs periodic garbage collection in the background
func (b *BadgerPersistence) runGC(ctx context.Context) {
	defer b.gcWg.Done()

	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			err := b.db.RunValueLogGC(0.5)
			if err != nil && !errors.Is(err, badgerdb.ErrNoRewrite) {
				b.logger.Sugar().Warnw("Badger GC error", "error", err)
			}
		case <-ctx.Done():
			return
		}
	}
}

func rootKey(id uuid.UUID) []byte {
	return []byte(keyPrefixRoot + id.String())
}

func rootIndexKey(key types.MerkleTreeKey) []byte {
	return []byte(fmt.Sprintf("%s%d:%s:%s", keyPrefixRootIndex, key.ChainId,
		strings.ToLower(key.AssetContractAddress.Hex()), hexutil.Encode(key.RootHash)))
}

func leafPrefix(rootId uuid.UUID) []byte {
	return []byte(keyPrefixLeaf + rootId.String() + ":")
}

func leafKey(rootId uuid.UUID, holder common.Address) []byte {
	return append(leafPrefix(rootId), []byte(strings.ToLower(holder.Hex()))...)
}

func snapshotKey(id uuid.UUID) []byte {
	return []byte(keyPrefixSnapshot + id.String())
}

// orderedSuffix sorts lexicographically by creation time, then id.
func orderedSuffix(s *types.Snapshot) string {
	return fmt.Sprintf("%020d:%s", s.CreatedAt.UnixNano(), s.Id.String())
}

func pendingIndexKey(s *types.Snapshot) []byte {
	return []byte(keyPrefixPendingIndex + orderedSuffix(s))
}

func projectIndexPrefix(projectId uuid.UUID) []byte {
	return []byte(keyPrefixProjectIndex + projectId.String() + ":")
}

func projectIndexKey(s *types.Snapshot) []byte {
	return append(projectIndexPrefix(s.ProjectId), []byte(orderedSuffix(s))...)
}

func deploymentBlockKey(chainId types.ChainId, contract common.Address) []byte {
	return []byte(fmt.Sprintf("%s%d:%s", keyPrefixDeploymentBlock, chainId, strings.ToLower(contract.Hex())))
}

// getValue copies the value at key, returning nil when the key doesn't exist.
func getValue(txn *badgerdb.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badgerdb.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

func (b *BadgerPersistence) checkOpen() error {
	if b.closed {
		return persistence.ErrClosed
	}
	return nil
}

// SaveMerkleTree persists a root, its natural key index and all leaves in one transaction.
func (b *BadgerPersistence) SaveMerkleTree(_ context.Context, root *types.MerkleTreeRoot, leaves []*types.MerkleTreeLeaf) error {
	if root == nil {
		return fmt.Errorf("cannot save nil MerkleTreeRoot")
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	rootData, err := persistence.MarshalMerkleTreeRoot(root)
	if err != nil {
		return fmt.Errorf("failed to marshal MerkleTreeRoot: %w", err)
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		existing, err := getValue(txn, rootIndexKey(root.Key()))
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: %s", persistence.ErrDuplicateMerkleTree, root.Key())
		}
		existing, err = getValue(txn, rootKey(root.Id))
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("%w: id %s", persistence.ErrDuplicateMerkleTree, root.Id)
		}

		if err := txn.Set(rootKey(root.Id), rootData); err != nil {
			return err
		}
		if err := txn.Set(rootIndexKey(root.Key()), []byte(root.Id.String())); err != nil {
			return err
		}
		for _, leaf := range leaves {
			if leaf == nil {
				return fmt.Errorf("cannot save nil MerkleTreeLeaf")
			}
			if leaf.RootId != root.Id {
				return fmt.Errorf("leaf %s belongs to root %s, not %s", leaf.Id, leaf.RootId, root.Id)
			}
			leafData, err := persistence.MarshalMerkleTreeLeaf(leaf)
			if err != nil {
				return fmt.Errorf("failed to marshal MerkleTreeLeaf: %w", err)
			}
			if err := txn.Set(leafKey(root.Id, leaf.HolderAddress), leafData); err != nil {
				return err
			}
		}
		return nil
	})
}

// LoadMerkleTreeRoot retrieves a root by id
func (b *BadgerPersistence) LoadMerkleTreeRoot(_ context.Context, id uuid.UUID) (*types.MerkleTreeRoot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, rootKey(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load MerkleTreeRoot: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalMerkleTreeRoot(data)
}

// FindMerkleTreeRoot retrieves a root through the natural key index
func (b *BadgerPersistence) FindMerkleTreeRoot(_ context.Context, key types.MerkleTreeKey) (*types.MerkleTreeRoot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		idBytes, err := getValue(txn, rootIndexKey(key))
		if err != nil || idBytes == nil {
			return err
		}
		id, err := uuid.ParseBytes(idBytes)
		if err != nil {
			return fmt.Errorf("corrupt root index entry: %w", err)
		}
		data, err = getValue(txn, rootKey(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to find MerkleTreeRoot: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalMerkleTreeRoot(data)
}

// ListMerkleTreeLeaves scans the leaf prefix of a root
func (b *BadgerPersistence) ListMerkleTreeLeaves(_ context.Context, rootId uuid.UUID) ([]*types.MerkleTreeLeaf, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	leaves := make([]*types.MerkleTreeLeaf, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = leafPrefix(rootId)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			data, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}
			leaf, err := persistence.UnmarshalMerkleTreeLeaf(data)
			if err != nil {
				// a row that can't be decoded is reported as missing; the tree store
				// then treats the tree as corrupt
				b.logger.Sugar().Warnw("Failed to unmarshal MerkleTreeLeaf, skipping",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			leaves = append(leaves, leaf)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list MerkleTreeLeaves: %w", err)
	}
	return leaves, nil
}

// MerkleTreeLeafExists checks a single leaf key
func (b *BadgerPersistence) MerkleTreeLeafExists(_ context.Context, rootId uuid.UUID, holder common.Address) (bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return false, err
	}

	exists := false
	err := b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(leafKey(rootId, holder))
		if errors.Is(err, badgerdb.ErrKeyNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		exists = true
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to check MerkleTreeLeaf: %w", err)
	}
	return exists, nil
}

// CreateSnapshot persists a pending snapshot with its queue and project index entries
func (b *BadgerPersistence) CreateSnapshot(_ context.Context, snapshot *types.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("cannot save nil Snapshot")
	}
	if snapshot.Status != types.SnapshotStatusPending {
		return fmt.Errorf("new snapshot must be %s, got %s", types.SnapshotStatusPending, snapshot.Status)
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	data, err := persistence.MarshalSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal Snapshot: %w", err)
	}
	id := []byte(snapshot.Id.String())

	return b.db.Update(func(txn *badgerdb.Txn) error {
		existing, err := getValue(txn, snapshotKey(snapshot.Id))
		if err != nil {
			return err
		}
		if existing != nil {
			return fmt.Errorf("snapshot %s already exists", snapshot.Id)
		}
		if err := txn.Set(snapshotKey(snapshot.Id), data); err != nil {
			return err
		}
		if err := txn.Set(pendingIndexKey(snapshot), id); err != nil {
			return err
		}
		return txn.Set(projectIndexKey(snapshot), id)
	})
}

// GetPendingSnapshot reads the first entry of the pending index
func (b *BadgerPersistence) GetPendingSnapshot(_ context.Context) (*types.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(keyPrefixPendingIndex)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Rewind()
		if !it.Valid() {
			return nil
		}
		idBytes, err := it.Item().ValueCopy(nil)
		if err != nil {
			return err
		}
		id, err := uuid.ParseBytes(idBytes)
		if err != nil {
			return fmt.Errorf("corrupt pending index entry: %w", err)
		}
		data, err = getValue(txn, snapshotKey(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get pending Snapshot: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalSnapshot(data)
}

// CompleteSnapshot marks a pending snapshot as successful
func (b *BadgerPersistence) CompleteSnapshot(
	_ context.Context,
	id uuid.UUID,
	rootId uuid.UUID,
	pinHash string,
	totalAssetAmount *big.Int,
) error {
	if totalAssetAmount == nil {
		return fmt.Errorf("total asset amount is nil")
	}
	return b.transition(id, func(s *types.Snapshot) {
		s.Status = types.SnapshotStatusSuccess
		s.MerkleTreeRootId = &rootId
		s.MerkleTreePinHash = &pinHash
		s.TotalAssetAmount = new(big.Int).Set(totalAssetAmount)
	})
}

// FailSnapshot marks a pending snapshot as failed
func (b *BadgerPersistence) FailSnapshot(_ context.Context, id uuid.UUID, cause types.SnapshotFailureCause) error {
	return b.transition(id, func(s *types.Snapshot) {
		s.Status = types.SnapshotStatusFailed
		s.FailureCause = &cause
	})
}

func (b *BadgerPersistence) transition(id uuid.UUID, apply func(s *types.Snapshot)) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.Update(func(txn *badgerdb.Txn) error {
		data, err := getValue(txn, snapshotKey(id))
		if err != nil {
			return err
		}
		if data == nil {
			return fmt.Errorf("%w: %s", persistence.ErrSnapshotNotFound, id)
		}
		s, err := persistence.UnmarshalSnapshot(data)
		if err != nil {
			return err
		}
		if s.Status != types.SnapshotStatusPending {
			return fmt.Errorf("%w: %s is %s", persistence.ErrSnapshotNotPending, id, s.Status)
		}

		apply(s)

		updated, err := persistence.MarshalSnapshot(s)
		if err != nil {
			return err
		}
		if err := txn.Set(snapshotKey(id), updated); err != nil {
			return err
		}
		return txn.Delete(pendingIndexKey(s))
	})
}

// GetSnapshotById retrieves a snapshot
func (b *BadgerPersistence) GetSnapshotById(_ context.Context, id uuid.UUID) (*types.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, snapshotKey(id))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load Snapshot: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	return persistence.UnmarshalSnapshot(data)
}

// ListSnapshotsByProjectAndStatuses walks the project index in creation order
func (b *BadgerPersistence) ListSnapshotsByProjectAndStatuses(
	_ context.Context,
	projectId uuid.UUID,
	statuses []types.SnapshotStatus,
) ([]*types.Snapshot, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	snapshots := make([]*types.Snapshot, 0)
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = projectIndexPrefix(projectId)
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			idBytes, err := it.Item().ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("failed to read value: %w", err)
			}
			id, err := uuid.ParseBytes(idBytes)
			if err != nil {
				b.logger.Sugar().Warnw("Corrupt project index entry, skipping",
					"key", string(it.Item().Key()), "error", err)
				continue
			}
			data, err := getValue(txn, snapshotKey(id))
			if err != nil {
				return err
			}
			if data == nil {
				continue
			}
			s, err := persistence.UnmarshalSnapshot(data)
			if err != nil {
				b.logger.Sugar().Warnw("Failed to unmarshal Snapshot, skipping", "id", id, "error", err)
				continue
			}
			if persistence.MatchesStatuses(s.Status, statuses) {
				snapshots = append(snapshots, s)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list Snapshots: %w", err)
	}

	// index order already matches, but keys written before a clock step may not
	sort.SliceStable(snapshots, func(i, j int) bool {
		return snapshots[i].CreatedAt.Before(snapshots[j].CreatedAt)
	})
	return snapshots, nil
}

// GetDeploymentBlock returns a cached deployment block
func (b *BadgerPersistence) GetDeploymentBlock(_ context.Context, chainId types.ChainId, contract common.Address) (*uint64, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return nil, err
	}

	var data []byte
	err := b.db.View(func(txn *badgerdb.Txn) error {
		var err error
		data, err = getValue(txn, deploymentBlockKey(chainId, contract))
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment block: %w", err)
	}
	if data == nil {
		return nil, nil
	}
	if len(data) != 8 {
		return nil, fmt.Errorf("invalid deployment block data length: %d", len(data))
	}
	block := binary.BigEndian.Uint64(data)
	return &block, nil
}

// SetDeploymentBlock caches a deployment block
func (b *BadgerPersistence) SetDeploymentBlock(_ context.Context, chainId types.ChainId, contract common.Address, blockNumber uint64) error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, blockNumber)
	return b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Set(deploymentBlockKey(chainId, contract), buf)
	})
}

// Close shuts down the persistence layer
func (b *BadgerPersistence) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil
	}
	b.closed = true

	if b.gcCancel != nil {
		b.gcCancel()
	}
	b.gcWg.Wait()

	if err := b.db.Close(); err != nil {
		return fmt.Errorf("failed to close badger database: %w", err)
	}

	b.logger.Sugar().Infow("Badger persistence closed")
	return nil
}

// HealthCheck verifies the database is operational
func (b *BadgerPersistence) HealthCheck() error {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if err := b.checkOpen(); err != nil {
		return err
	}

	return b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get([]byte(keySchemaVersion))
		if err != nil {
			return fmt.Errorf("health check failed: %w", err)
		}
		return nil
	})
}
