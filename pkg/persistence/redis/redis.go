package redis

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// Key prefixes for namespacing in Redis
const (
	keyPrefixRoot            = "snap:merkle:root:"
	keyPrefixRootIndex       = "snap:merkle:rootkey:"
	keyPrefixLeaves          = "snap:merkle:leaves:"
	keyPrefixSnapshot        = "snap:snapshot:"
	keyPrefixProjectIndex    = "snap:snapshots:project:"
	keyPrefixDeploymentBlock = "snap:chain:deployblock:"
	keySchemaVersion         = "snap:metadata:schema_version"
	currentSchemaVersion     = "v1"

	// Sorted sets with a constant score, so members order lexicographically
	// by "<created nanos>:<id>" (Redis doesn't support prefix iteration natively)
	keySetPending = "snap:snapshots:pending"

	maxTxRetries = 5
)

// RedisPersistence is a persistence implementation using Redis.
// Suited to deployments that already run Redis, and used as the shared deployment-block
// cache when rows live elsewhere.
//
// Multi-key writes run in MULTI/EXEC transactions guarded by WATCH on the keys that
// decide whether the write is allowed.
type RedisPersistence struct {
	client    *redis.Client
	logger    *zap.Logger
	keyPrefix string // Custom prefix for all keys
	mu        sync.RWMutex
	closed    bool
}

// RedisConfig holds the configuration for connecting to Redis
type RedisConfig struct {
	// Address is the Redis server address (host:port)
	Address string
	// Password is the optional Redis password
	Password string
	// DB is the Redis database number (0-15)
	DB int
	// KeyPrefix is an optional custom prefix for all keys (for multi-tenant setups).
	// If set, this prefix is prepended to all keys, e.g., "myapp:" would result in
	// keys like "myapp:snap:snapshot:<id>". If empty, keys use the default "snap:" prefix.
	KeyPrefix string
}

// NewRedisPersistence creates a new Redis-backed persistence layer.
func NewRedisPersistence(cfg *RedisConfig, logger *zap.Logger) (*RedisPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("redis config cannot be nil")
	}

	if cfg.Address == "" {
		return nil, fmt.Errorf("redis address cannot be empty")
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Address,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis at %s: %w", cfg.Address, err)
	}

	rp := &RedisPersistence{
		client:    client,
		logger:    logger,
		keyPrefix: cfg.KeyPrefix,
	}

	if err := rp.initSchema(ctx); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Redis persistence initialized",
		"address", cfg.Address,
		"db", cfg.DB,
		"key_prefix", cfg.KeyPrefix,
	)

	return rp, nil
}

// prefixKey adds the custom key prefix (if configured) to a key
func (r *RedisPersistence) prefixKey(key string) string {
	if r.keyPrefix == "" {
		return key
	}
	return r.keyPrefix + key
}

// initSchema initializes or validates the schema version
func (r *RedisPersistence) initSchema(ctx context.Context) error {
	schemaKey := r.prefixKey(keySchemaVersion)

	existingVersion, err := r.client.Get(ctx, schemaKey).Result()
	if errors.Is(err, redis.Nil) {
		return r.client.Set(ctx, schemaKey, currentSchemaVersion, 0).Err()
	}
	if err != nil {
		return fmt.Errorf("failed to read schema version: %w", err)
	}

	if existingVersion != currentSchemaVersion {
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", existingVersion, currentSchemaVersion)
	}

	return nil
}

func (r *RedisPersistence) rootKey(id uuid.UUID) string {
	return r.prefixKey(keyPrefixRoot + id.String())
}

func (r *RedisPersistence) rootIndexKey(key types.MerkleTreeKey) string {
	return r.prefixKey(fmt.Sprintf("%s%d:%s:%s", keyPrefixRootIndex, key.ChainId,
		strings.ToLower(key.AssetContractAddress.Hex()), hexutil.Encode(key.RootHash)))
}

// leavesKey is a hash of holder address -> leaf row.
func (r *RedisPersistence) leavesKey(rootId uuid.UUID) string {
	return r.prefixKey(keyPrefixLeaves + rootId.String())
}

func holderField(holder common.Address) string {
	return strings.ToLower(holder.Hex())
}

func (r *RedisPersistence) snapshotKey(id uuid.UUID) string {
	return r.prefixKey(keyPrefixSnapshot + id.String())
}

func (r *RedisPersistence) projectIndexKey(projectId uuid.UUID) string {
	return r.prefixKey(keyPrefixProjectIndex + projectId.String())
}

func (r *RedisPersistence) deploymentBlockKey(chainId types.ChainId, contract common.Address) string {
	return r.prefixKey(fmt.Sprintf("%s%d:%s", keyPrefixDeploymentBlock, chainId, strings.ToLower(contract.Hex())))
}

// orderedMember sorts lexicographically by creation time, then id.
func orderedMember(s *types.Snapshot) string {
	return fmt.Sprintf("%020d:%s", s.CreatedAt.UnixNano(), s.Id.String())
}

func idFromMember(member string) (uuid.UUID, error) {
	i := strings.LastIndex(member, ":")
	if i < 0 {
		return uuid.Nil, fmt.Errorf("malformed index member %q", member)
	}
	return uuid.Parse(member[i+1:])
}

func (r *RedisPersistence) checkOpen() error {
	if r.closed {
		return persistence.ErrClosed
	}
	return nil
}

// watchWithRetry runs an optimistic transaction, retrying when a watched key changes underneath it.
func (r *RedisPersistence) watchWithRetry(ctx context.Context, fn func(tx *redis.Tx) error, keys ...string) error {
	var err error
	for i := 0; i < maxTxRetries; i++ {
		err = r.client.Watch(ctx, fn, keys...)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

// SaveMerkleTree persists a root, its natural key index and all leaves in one MULTI/EXEC.
func (r *RedisPersistence) SaveMerkleTree(ctx context.Context, root *types.MerkleTreeRoot, leaves []*types.MerkleTreeLeaf) error {
	if root == nil {
		return fmt.Errorf("cannot save nil MerkleTreeRoot")
	}

	rootData, err := persistence.MarshalMerkleTreeRoot(root)
	if err != nil {
		return fmt.Errorf("failed to marshal MerkleTreeRoot: %w", err)
	}
	leafFields := make(map[string]interface{}, len(leaves))
	for _, leaf := range leaves {
		if leaf == nil {
			return fmt.Errorf("cannot save nil MerkleTreeLeaf")
		}
		if leaf.RootId != root.Id {
			return fmt.Errorf("leaf %s belongs to root %s, not %s", leaf.Id, leaf.RootId, root.Id)
		}
		data, err := persistence.MarshalMerkleTreeLeaf(leaf)
		if err != nil {
			return fmt.Errorf("failed to marshal MerkleTreeLeaf: %w", err)
		}
		leafFields[holderField(leaf.HolderAddress)] = data
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	rootKey := r.rootKey(root.Id)
	indexKey := r.rootIndexKey(root.Key())
	leavesKey := r.leavesKey(root.Id)

	err = r.client.Watch(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, rootKey, indexKey).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("%w: %s", persistence.ErrDuplicateMerkleTree, root.Key())
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, rootKey, rootData, 0)
			pipe.Set(ctx, indexKey, root.Id.String(), 0)
			if len(leafFields) > 0 {
				pipe.HSet(ctx, leavesKey, leafFields)
			}
			return nil
		})
		return err
	}, rootKey, indexKey)
	if errors.Is(err, redis.TxFailedErr) {
		// someone else wrote the same key between WATCH and EXEC
		return fmt.Errorf("%w: %s", persistence.ErrDuplicateMerkleTree, root.Key())
	}
	if err != nil {
		if errors.Is(err, persistence.ErrDuplicateMerkleTree) {
			return err
		}
		return fmt.Errorf("failed to save MerkleTree: %w", err)
	}
	return nil
}

// LoadMerkleTreeRoot retrieves a root by id
func (r *RedisPersistence) LoadMerkleTreeRoot(ctx context.Context, id uuid.UUID) (*types.MerkleTreeRoot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.rootKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil // Not found is not an error
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load MerkleTreeRoot: %w", err)
	}
	return persistence.UnmarshalMerkleTreeRoot(data)
}

// FindMerkleTreeRoot resolves the natural key index, then loads the root
func (r *RedisPersistence) FindMerkleTreeRoot(ctx context.Context, key types.MerkleTreeKey) (*types.MerkleTreeRoot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	idStr, err := r.client.Get(ctx, r.rootIndexKey(key)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find MerkleTreeRoot: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return nil, fmt.Errorf("corrupt MerkleTreeRoot index for %s: %w", key, err)
	}

	data, err := r.client.Get(ctx, r.rootKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		r.logger.Sugar().Warnw("MerkleTreeRoot index points at a missing row", "key", key.String(), "rootId", id)
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load MerkleTreeRoot: %w", err)
	}
	return persistence.UnmarshalMerkleTreeRoot(data)
}

// ListMerkleTreeLeaves returns all leaves of a root
func (r *RedisPersistence) ListMerkleTreeLeaves(ctx context.Context, rootId uuid.UUID) ([]*types.MerkleTreeLeaf, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	values, err := r.client.HVals(ctx, r.leavesKey(rootId)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list MerkleTreeLeaves: %w", err)
	}

	leaves := make([]*types.MerkleTreeLeaf, 0, len(values))
	for _, val := range values {
		leaf, err := persistence.UnmarshalMerkleTreeLeaf([]byte(val))
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal MerkleTreeLeaf: %w", err)
		}
		leaves = append(leaves, leaf)
	}
	return leaves, nil
}

// MerkleTreeLeafExists checks the holder field of the root's leaf hash
func (r *RedisPersistence) MerkleTreeLeafExists(ctx context.Context, rootId uuid.UUID, holder common.Address) (bool, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return false, err
	}

	exists, err := r.client.HExists(ctx, r.leavesKey(rootId), holderField(holder)).Result()
	if err != nil {
		return false, fmt.Errorf("failed to check MerkleTreeLeaf: %w", err)
	}
	return exists, nil
}

// CreateSnapshot persists a pending snapshot with its queue and project index entries
func (r *RedisPersistence) CreateSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("cannot save nil Snapshot")
	}
	if snapshot.Status != types.SnapshotStatusPending {
		return fmt.Errorf("new snapshot must be %s, got %s", types.SnapshotStatusPending, snapshot.Status)
	}

	data, err := persistence.MarshalSnapshot(snapshot)
	if err != nil {
		return fmt.Errorf("failed to marshal Snapshot: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.snapshotKey(snapshot.Id)
	member := redis.Z{Score: 0, Member: orderedMember(snapshot)}

	return r.watchWithRetry(ctx, func(tx *redis.Tx) error {
		n, err := tx.Exists(ctx, key).Result()
		if err != nil {
			return err
		}
		if n > 0 {
			return fmt.Errorf("snapshot %s already exists", snapshot.Id)
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, data, 0)
			pipe.ZAdd(ctx, r.prefixKey(keySetPending), member)
			pipe.ZAdd(ctx, r.projectIndexKey(snapshot.ProjectId), member)
			return nil
		})
		return err
	}, key)
}

// GetPendingSnapshot reads the lowest member of the pending set
func (r *RedisPersistence) GetPendingSnapshot(ctx context.Context) (*types.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	pendingKey := r.prefixKey(keySetPending)
	for {
		members, err := r.client.ZRange(ctx, pendingKey, 0, 0).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to get pending Snapshot: %w", err)
		}
		if len(members) == 0 {
			return nil, nil
		}

		id, err := idFromMember(members[0])
		if err != nil {
			return nil, fmt.Errorf("corrupt pending index entry: %w", err)
		}
		data, err := r.client.Get(ctx, r.snapshotKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			// Key was in index but doesn't exist - clean up index
			r.logger.Sugar().Warnw("Pending index points at a missing snapshot, removing", "snapshotId", id)
			if err := r.client.ZRem(ctx, pendingKey, members[0]).Err(); err != nil {
				return nil, fmt.Errorf("failed to clean pending index: %w", err)
			}
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("failed to load pending Snapshot: %w", err)
		}
		return persistence.UnmarshalSnapshot(data)
	}
}

// CompleteSnapshot marks a pending snapshot as successful
func (r *RedisPersistence) CompleteSnapshot(
	ctx context.Context,
	id uuid.UUID,
	rootId uuid.UUID,
	pinHash string,
	totalAssetAmount *big.Int,
) error {
	if totalAssetAmount == nil {
		return fmt.Errorf("total asset amount is nil")
	}
	return r.transition(ctx, id, func(s *types.Snapshot) {
		s.Status = types.SnapshotStatusSuccess
		s.MerkleTreeRootId = &rootId
		s.MerkleTreePinHash = &pinHash
		s.TotalAssetAmount = new(big.Int).Set(totalAssetAmount)
	})
}

// FailSnapshot marks a pending snapshot as failed
func (r *RedisPersistence) FailSnapshot(ctx context.Context, id uuid.UUID, cause types.SnapshotFailureCause) error {
	return r.transition(ctx, id, func(s *types.Snapshot) {
		s.Status = types.SnapshotStatusFailed
		s.FailureCause = &cause
	})
}

// transition rewrites a pending row and drops it from the pending set, as long as nobody
// else touched the row in between.
func (r *RedisPersistence) transition(ctx context.Context, id uuid.UUID, apply func(s *types.Snapshot)) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.snapshotKey(id)
	return r.watchWithRetry(ctx, func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return fmt.Errorf("%w: %s", persistence.ErrSnapshotNotFound, id)
		}
		if err != nil {
			return fmt.Errorf("failed to load Snapshot: %w", err)
		}
		s, err := persistence.UnmarshalSnapshot(data)
		if err != nil {
			return err
		}
		if s.Status != types.SnapshotStatusPending {
			return fmt.Errorf("%w: %s is %s", persistence.ErrSnapshotNotPending, id, s.Status)
		}

		member := orderedMember(s)
		apply(s)
		updated, err := persistence.MarshalSnapshot(s)
		if err != nil {
			return fmt.Errorf("failed to marshal Snapshot: %w", err)
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, updated, 0)
			pipe.ZRem(ctx, r.prefixKey(keySetPending), member)
			return nil
		})
		return err
	}, key)
}

// GetSnapshotById retrieves a snapshot
func (r *RedisPersistence) GetSnapshotById(ctx context.Context, id uuid.UUID) (*types.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	data, err := r.client.Get(ctx, r.snapshotKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load Snapshot: %w", err)
	}
	return persistence.UnmarshalSnapshot(data)
}

// ListSnapshotsByProjectAndStatuses walks the project's index in creation order
func (r *RedisPersistence) ListSnapshotsByProjectAndStatuses(
	ctx context.Context,
	projectId uuid.UUID,
	statuses []types.SnapshotStatus,
) ([]*types.Snapshot, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	members, err := r.client.ZRange(ctx, r.projectIndexKey(projectId), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list Snapshot ids: %w", err)
	}
	if len(members) == 0 {
		return []*types.Snapshot{}, nil
	}

	keys := make([]string, 0, len(members))
	for _, member := range members {
		id, err := idFromMember(member)
		if err != nil {
			r.logger.Sugar().Warnw("Skipping malformed project index entry", "member", member, "error", err)
			continue
		}
		keys = append(keys, r.snapshotKey(id))
	}

	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to fetch Snapshots: %w", err)
	}

	result := make([]*types.Snapshot, 0, len(values))
	for i, val := range values {
		if val == nil {
			continue
		}
		data, ok := val.(string)
		if !ok {
			r.logger.Sugar().Warnw("Unexpected value type for Snapshot", "key", keys[i])
			continue
		}
		s, err := persistence.UnmarshalSnapshot([]byte(data))
		if err != nil {
			return nil, fmt.Errorf("failed to unmarshal Snapshot: %w", err)
		}
		if persistence.MatchesStatuses(s.Status, statuses) {
			result = append(result, s)
		}
	}
	return result, nil
}

// GetDeploymentBlock returns a cached deployment block
func (r *RedisPersistence) GetDeploymentBlock(ctx context.Context, chainId types.ChainId, contract common.Address) (*uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return nil, err
	}

	val, err := r.client.Get(ctx, r.deploymentBlockKey(chainId, contract)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment block: %w", err)
	}
	block, err := strconv.ParseUint(val, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid deployment block value %q: %w", val, err)
	}
	return &block, nil
}

// SetDeploymentBlock caches a deployment block. Deployment blocks never change, so no TTL.
func (r *RedisPersistence) SetDeploymentBlock(ctx context.Context, chainId types.ChainId, contract common.Address, blockNumber uint64) error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	key := r.deploymentBlockKey(chainId, contract)
	if err := r.client.Set(ctx, key, strconv.FormatUint(blockNumber, 10), 0).Err(); err != nil {
		return fmt.Errorf("failed to set deployment block: %w", err)
	}
	return nil
}

// Close shuts down the Redis connection gracefully
func (r *RedisPersistence) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil
	}
	r.closed = true

	if err := r.client.Close(); err != nil {
		return fmt.Errorf("failed to close Redis client: %w", err)
	}

	r.logger.Sugar().Info("Redis persistence closed")
	return nil
}

// HealthCheck verifies Redis is responding
func (r *RedisPersistence) HealthCheck() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if err := r.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis health check failed: %w", err)
	}
	return nil
}
