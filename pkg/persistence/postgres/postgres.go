package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/lib/pq"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

const currentSchemaVersion = "v1"

// uniqueViolation is the SQLSTATE postgres reports for a unique constraint conflict.
const uniqueViolation = "23505"

// PostgresPersistence stores rows in PostgreSQL through database/sql and lib/pq.
//
// Merkle tree writes run in one SQL transaction. The pending pick is a plain read and claims
// nothing, so two instances can process the same snapshot. Only the status transitions guard
// against it: they update WHERE status = PENDING, so the second one fails with
// ErrSnapshotNotPending.
type PostgresPersistence struct {
	db     *sql.DB
	logger *zap.Logger
	mu     sync.RWMutex
	closed bool
}

// PostgresConfig holds the connection settings
type PostgresConfig struct {
	// DSN is a lib/pq connection string or postgres:// URL
	DSN string
	// MaxOpenConns caps the pool; zero leaves database/sql's default
	MaxOpenConns int
}

// NewPostgresPersistence connects, pings and applies the schema.
func NewPostgresPersistence(cfg *PostgresConfig, logger *zap.Logger) (*PostgresPersistence, error) {
	if cfg == nil {
		return nil, fmt.Errorf("postgres config cannot be nil")
	}
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN cannot be empty")
	}

	connector, err := pq.NewConnector(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("invalid postgres DSN: %w", err)
	}
	db := sql.OpenDB(connector)
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}

	pp := &PostgresPersistence{
		db:     db,
		logger: logger,
	}

	if err := pp.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}

	logger.Sugar().Infow("Postgres persistence initialized", "schemaVersion", currentSchemaVersion)
	return pp, nil
}

// migrate creates the tables on first start and checks the recorded schema version after that.
func (p *PostgresPersistence) migrate(ctx context.Context) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	for _, stmt := range schema {
		if _, err := tx.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema statement: %w", err)
		}
	}

	var version string
	err = tx.QueryRowContext(ctx, `SELECT version FROM schema_version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		if _, err := tx.ExecContext(ctx, `INSERT INTO schema_version (version) VALUES ($1)`, currentSchemaVersion); err != nil {
			return fmt.Errorf("failed to record schema version: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read schema version: %w", err)
	case version != currentSchemaVersion:
		return fmt.Errorf("unsupported schema version: %s (expected: %s)", version, currentSchemaVersion)
	}

	return tx.Commit()
}

func (p *PostgresPersistence) checkOpen() error {
	if p.closed {
		return persistence.ErrClosed
	}
	return nil
}

func addressText(a common.Address) string {
	return strings.ToLower(a.Hex())
}

func parseAmount(s sql.NullString) (*big.Int, error) {
	if !s.Valid {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(s.String, 10)
	if !ok {
		return nil, fmt.Errorf("invalid numeric value %q", s.String)
	}
	return v, nil
}

// SaveMerkleTree inserts the root and all leaves in one transaction.
func (p *PostgresPersistence) SaveMerkleTree(ctx context.Context, root *types.MerkleTreeRoot, leaves []*types.MerkleTreeLeaf) error {
	if root == nil {
		return fmt.Errorf("cannot save nil MerkleTreeRoot")
	}
	for _, leaf := range leaves {
		if leaf == nil {
			return fmt.Errorf("cannot save nil MerkleTreeLeaf")
		}
		if leaf.RootId != root.Id {
			return fmt.Errorf("leaf %s belongs to root %s, not %s", leaf.Id, leaf.RootId, root.Id)
		}
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return err
	}

	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	_, err = tx.ExecContext(ctx, `
		INSERT INTO merkle_tree_roots (id, chain_id, asset_contract_address, block_number, root_hash, hash_fn)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		root.Id, int64(root.ChainId), addressText(root.AssetContractAddress), int64(root.BlockNumber),
		[]byte(root.RootHash), root.HashFn,
	)
	if err != nil {
		var pqErr *pq.Error
		if errors.As(err, &pqErr) && pqErr.Code == uniqueViolation {
			return fmt.Errorf("%w: %s", persistence.ErrDuplicateMerkleTree, root.Key())
		}
		return fmt.Errorf("failed to insert MerkleTreeRoot: %w", err)
	}

	if len(leaves) > 0 {
		stmt, err := tx.PrepareContext(ctx, pq.CopyIn("merkle_tree_leaves", "id", "root_id", "holder_address", "balance"))
		if err != nil {
			return fmt.Errorf("failed to prepare leaf copy: %w", err)
		}
		for _, leaf := range leaves {
			if leaf.Balance == nil {
				_ = stmt.Close()
				return fmt.Errorf("leaf %s has nil balance", leaf.Id)
			}
			if _, err := stmt.ExecContext(ctx, leaf.Id, leaf.RootId, addressText(leaf.HolderAddress), leaf.Balance.String()); err != nil {
				_ = stmt.Close()
				return fmt.Errorf("failed to copy MerkleTreeLeaf: %w", err)
			}
		}
		if _, err := stmt.ExecContext(ctx); err != nil {
			_ = stmt.Close()
			return fmt.Errorf("failed to flush leaf copy: %w", err)
		}
		if err := stmt.Close(); err != nil {
			return fmt.Errorf("failed to close leaf copy: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit MerkleTree: %w", err)
	}
	return nil
}

const selectRoot = `SELECT id, chain_id, asset_contract_address, block_number, root_hash, hash_fn FROM merkle_tree_roots`

func scanRoot(row *sql.Row) (*types.MerkleTreeRoot, error) {
	var (
		root     types.MerkleTreeRoot
		chainId  int64
		contract string
		block    int64
		hash     []byte
	)
	err := row.Scan(&root.Id, &chainId, &contract, &block, &hash, &root.HashFn)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	root.ChainId = types.ChainId(chainId)
	root.AssetContractAddress = common.HexToAddress(contract)
	root.BlockNumber = uint64(block)
	root.RootHash = hash
	return &root, nil
}

// LoadMerkleTreeRoot retrieves a root by id
func (p *PostgresPersistence) LoadMerkleTreeRoot(ctx context.Context, id uuid.UUID) (*types.MerkleTreeRoot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	root, err := scanRoot(p.db.QueryRowContext(ctx, selectRoot+` WHERE id = $1`, id))
	if err != nil {
		return nil, fmt.Errorf("failed to load MerkleTreeRoot: %w", err)
	}
	return root, nil
}

// FindMerkleTreeRoot retrieves a root by its natural key
func (p *PostgresPersistence) FindMerkleTreeRoot(ctx context.Context, key types.MerkleTreeKey) (*types.MerkleTreeRoot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	root, err := scanRoot(p.db.QueryRowContext(ctx,
		selectRoot+` WHERE chain_id = $1 AND asset_contract_address = $2 AND root_hash = $3`,
		int64(key.ChainId), addressText(key.AssetContractAddress), []byte(key.RootHash),
	))
	if err != nil {
		return nil, fmt.Errorf("failed to find MerkleTreeRoot: %w", err)
	}
	return root, nil
}

// ListMerkleTreeLeaves returns all leaves of a root
func (p *PostgresPersistence) ListMerkleTreeLeaves(ctx context.Context, rootId uuid.UUID) ([]*types.MerkleTreeLeaf, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	rows, err := p.db.QueryContext(ctx,
		`SELECT id, root_id, holder_address, balance::text FROM merkle_tree_leaves WHERE root_id = $1`, rootId)
	if err != nil {
		return nil, fmt.Errorf("failed to list MerkleTreeLeaves: %w", err)
	}
	defer func() { _ = rows.Close() }()

	leaves := make([]*types.MerkleTreeLeaf, 0)
	for rows.Next() {
		var (
			leaf    types.MerkleTreeLeaf
			holder  string
			balance sql.NullString
		)
		if err := rows.Scan(&leaf.Id, &leaf.RootId, &holder, &balance); err != nil {
			return nil, fmt.Errorf("failed to scan MerkleTreeLeaf: %w", err)
		}
		leaf.HolderAddress = common.HexToAddress(holder)
		if leaf.Balance, err = parseAmount(balance); err != nil {
			return nil, fmt.Errorf("leaf %s: %w", leaf.Id, err)
		}
		leaves = append(leaves, &leaf)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate MerkleTreeLeaves: %w", err)
	}
	return leaves, nil
}

// MerkleTreeLeafExists runs an EXISTS query without loading the tree
func (p *PostgresPersistence) MerkleTreeLeafExists(ctx context.Context, rootId uuid.UUID, holder common.Address) (bool, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return false, err
	}

	var exists bool
	err := p.db.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM merkle_tree_leaves WHERE root_id = $1 AND holder_address = $2)`,
		rootId, addressText(holder),
	).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("failed to check MerkleTreeLeaf: %w", err)
	}
	return exists, nil
}

// CreateSnapshot inserts a pending snapshot row
func (p *PostgresPersistence) CreateSnapshot(ctx context.Context, snapshot *types.Snapshot) error {
	if snapshot == nil {
		return fmt.Errorf("cannot save nil Snapshot")
	}
	if snapshot.Status != types.SnapshotStatusPending {
		return fmt.Errorf("new snapshot must be %s, got %s", types.SnapshotStatusPending, snapshot.Status)
	}

	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return err
	}

	ignored := make([]string, len(snapshot.IgnoredHolderAddresses))
	for i, a := range snapshot.IgnoredHolderAddresses {
		ignored[i] = addressText(a)
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO snapshots (
			id, project_id, name, chain_id, asset_contract_address, block_number,
			ignored_holder_addresses, status, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		snapshot.Id, snapshot.ProjectId, snapshot.Name, int64(snapshot.ChainId),
		addressText(snapshot.AssetContractAddress), int64(snapshot.BlockNumber),
		pq.Array(ignored), string(snapshot.Status), snapshot.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert Snapshot: %w", err)
	}
	return nil
}

const selectSnapshot = `
	SELECT id, project_id, name, chain_id, asset_contract_address, block_number,
		ignored_holder_addresses, status, failure_cause, merkle_tree_root_id,
		merkle_tree_pin_hash, total_asset_amount::text, created_at
	FROM snapshots`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSnapshot(row rowScanner) (*types.Snapshot, error) {
	var (
		s            types.Snapshot
		chainId      int64
		contract     string
		block        int64
		ignored      []string
		status       string
		failureCause sql.NullString
		rootId       uuid.NullUUID
		pinHash      sql.NullString
		total        sql.NullString
	)
	err := row.Scan(&s.Id, &s.ProjectId, &s.Name, &chainId, &contract, &block,
		pq.Array(&ignored), &status, &failureCause, &rootId, &pinHash, &total, &s.CreatedAt)
	if err != nil {
		return nil, err
	}

	s.ChainId = types.ChainId(chainId)
	s.AssetContractAddress = common.HexToAddress(contract)
	s.BlockNumber = uint64(block)
	if len(ignored) > 0 {
		s.IgnoredHolderAddresses = make([]common.Address, len(ignored))
		for i, a := range ignored {
			s.IgnoredHolderAddresses[i] = common.HexToAddress(a)
		}
	}
	if s.Status, err = types.ParseSnapshotStatus(status); err != nil {
		return nil, err
	}
	if failureCause.Valid {
		cause := types.SnapshotFailureCause(failureCause.String)
		s.FailureCause = &cause
	}
	if rootId.Valid {
		id := rootId.UUID
		s.MerkleTreeRootId = &id
	}
	if pinHash.Valid {
		hash := pinHash.String
		s.MerkleTreePinHash = &hash
	}
	if s.TotalAssetAmount, err = parseAmount(total); err != nil {
		return nil, err
	}
	s.CreatedAt = s.CreatedAt.UTC()
	return &s, nil
}

// GetPendingSnapshot returns the oldest pending row.
func (p *PostgresPersistence) GetPendingSnapshot(ctx context.Context) (*types.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	s, err := scanSnapshot(p.db.QueryRowContext(ctx, selectSnapshot+`
		WHERE status = $1
		ORDER BY created_at, id
		LIMIT 1`, string(types.SnapshotStatusPending)))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pending Snapshot: %w", err)
	}
	return s, nil
}

// CompleteSnapshot marks a pending snapshot as successful
func (p *PostgresPersistence) CompleteSnapshot(
	ctx context.Context,
	id uuid.UUID,
	rootId uuid.UUID,
	pinHash string,
	totalAssetAmount *big.Int,
) error {
	if totalAssetAmount == nil {
		return fmt.Errorf("total asset amount is nil")
	}
	return p.transition(ctx, id, `
		UPDATE snapshots
		SET status = $2, merkle_tree_root_id = $3, merkle_tree_pin_hash = $4, total_asset_amount = $5
		WHERE id = $1 AND status = $6`,
		id, string(types.SnapshotStatusSuccess), rootId, pinHash, totalAssetAmount.String(),
		string(types.SnapshotStatusPending),
	)
}

// FailSnapshot marks a pending snapshot as failed
func (p *PostgresPersistence) FailSnapshot(ctx context.Context, id uuid.UUID, cause types.SnapshotFailureCause) error {
	return p.transition(ctx, id, `
		UPDATE snapshots SET status = $2, failure_cause = $3
		WHERE id = $1 AND status = $4`,
		id, string(types.SnapshotStatusFailed), string(cause), string(types.SnapshotStatusPending),
	)
}

// transition runs a guarded UPDATE; zero affected rows means the row is missing or no longer pending.
func (p *PostgresPersistence) transition(ctx context.Context, id uuid.UUID, query string, args ...any) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return err
	}

	res, err := p.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update Snapshot: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read affected rows: %w", err)
	}
	if n == 1 {
		return nil
	}

	var status string
	err = p.db.QueryRowContext(ctx, `SELECT status FROM snapshots WHERE id = $1`, id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s", persistence.ErrSnapshotNotFound, id)
	}
	if err != nil {
		return fmt.Errorf("failed to read Snapshot status: %w", err)
	}
	return fmt.Errorf("%w: %s is %s", persistence.ErrSnapshotNotPending, id, status)
}

// GetSnapshotById retrieves a snapshot
func (p *PostgresPersistence) GetSnapshotById(ctx context.Context, id uuid.UUID) (*types.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	s, err := scanSnapshot(p.db.QueryRowContext(ctx, selectSnapshot+` WHERE id = $1`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to load Snapshot: %w", err)
	}
	return s, nil
}

// ListSnapshotsByProjectAndStatuses lists a project's snapshots, oldest first
func (p *PostgresPersistence) ListSnapshotsByProjectAndStatuses(
	ctx context.Context,
	projectId uuid.UUID,
	statuses []types.SnapshotStatus,
) ([]*types.Snapshot, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	query := selectSnapshot + ` WHERE project_id = $1`
	args := []any{projectId}
	if len(statuses) > 0 {
		names := make([]string, len(statuses))
		for i, s := range statuses {
			names[i] = string(s)
		}
		query += ` AND status = ANY($2)`
		args = append(args, pq.Array(names))
	}
	query += ` ORDER BY created_at, id`

	rows, err := p.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list Snapshots: %w", err)
	}
	defer func() { _ = rows.Close() }()

	result := make([]*types.Snapshot, 0)
	for rows.Next() {
		s, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan Snapshot: %w", err)
		}
		result = append(result, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to iterate Snapshots: %w", err)
	}
	return result, nil
}

// GetDeploymentBlock returns a cached deployment block
func (p *PostgresPersistence) GetDeploymentBlock(ctx context.Context, chainId types.ChainId, contract common.Address) (*uint64, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return nil, err
	}

	var block int64
	err := p.db.QueryRowContext(ctx,
		`SELECT block_number FROM deployment_blocks WHERE chain_id = $1 AND asset_contract_address = $2`,
		int64(chainId), addressText(contract),
	).Scan(&block)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment block: %w", err)
	}
	result := uint64(block)
	return &result, nil
}

// SetDeploymentBlock caches a deployment block
func (p *PostgresPersistence) SetDeploymentBlock(ctx context.Context, chainId types.ChainId, contract common.Address, blockNumber uint64) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return err
	}

	_, err := p.db.ExecContext(ctx, `
		INSERT INTO deployment_blocks (chain_id, asset_contract_address, block_number)
		VALUES ($1, $2, $3)
		ON CONFLICT (chain_id, asset_contract_address) DO UPDATE SET block_number = EXCLUDED.block_number`,
		int64(chainId), addressText(contract), int64(blockNumber),
	)
	if err != nil {
		return fmt.Errorf("failed to set deployment block: %w", err)
	}
	return nil
}

// Close closes the connection pool
func (p *PostgresPersistence) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return nil
	}
	p.closed = true

	if err := p.db.Close(); err != nil {
		return fmt.Errorf("failed to close postgres: %w", err)
	}
	p.logger.Sugar().Info("Postgres persistence closed")
	return nil
}

// HealthCheck pings the database
func (p *PostgresPersistence) HealthCheck() error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if err := p.checkOpen(); err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if err := p.db.PingContext(ctx); err != nil {
		return fmt.Errorf("postgres health check failed: %w", err)
	}
	return nil
}
