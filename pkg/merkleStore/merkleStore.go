// Package merkleStore persists merkle trees as root and leaf rows and rebuilds them on read.
//
// Trees are content addressed by (chain id, asset contract, root hash). Every read that goes
// through the natural key recomputes the root from the stored leaves, so a damaged tree is
// reported as missing instead of being served.
package merkleStore

import (
	"context"
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkle"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/metrics"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/persistence"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/util"
)

var (
	ErrNotFound = errors.New("merkle tree not found")

	// ErrStorageCorruption is internal. Callers see corrupt trees as not found.
	ErrStorageCorruption = errors.New("stored merkle tree is corrupt")
)

// TreeParams identifies a stored tree by its natural key.
type TreeParams struct {
	RootHash             merkle.Hash
	ChainId              types.ChainId
	AssetContractAddress common.Address
}

func (p TreeParams) key() types.MerkleTreeKey {
	return types.MerkleTreeKey{
		ChainId:              p.ChainId,
		AssetContractAddress: p.AssetContractAddress,
		RootHash:             []byte(p.RootHash),
	}
}

// AddressParams is TreeParams plus the holder being looked up.
type AddressParams struct {
	TreeParams
	Address common.Address
}

// TreeWithId is a rebuilt tree and the id of its root row.
type TreeWithId struct {
	Id   uuid.UUID
	Tree *merkle.MerkleTree
}

// ProofResult is what the proof API serves for one holder.
type ProofResult struct {
	RootHash merkle.Hash
	Address  common.Address
	Balance  *big.Int
	LeafHash merkle.Hash
	Proof    []merkle.Hash
}

type IMerkleTreeStore interface {
	StoreTree(ctx context.Context, tree *merkle.MerkleTree, chainId types.ChainId, contract common.Address, blockNumber uint64) (uuid.UUID, error)
	GetById(ctx context.Context, rootId uuid.UUID) (*merkle.MerkleTree, error)
	FetchTree(ctx context.Context, params TreeParams) (*TreeWithId, error)
	ContainsAddress(ctx context.Context, params AddressParams) (bool, error)
	GetProof(ctx context.Context, params AddressParams) (*ProofResult, error)
}

type MerkleTreeStore struct {
	store   persistence.IMerkleTreePersistence
	newId   util.IdGenerator
	metrics *metrics.Metrics
	logger  *zap.Logger
}

var _ IMerkleTreeStore = (*MerkleTreeStore)(nil)

func NewMerkleTreeStore(
	store persistence.IMerkleTreePersistence,
	newId util.IdGenerator,
	m *metrics.Metrics,
	logger *zap.Logger,
) *MerkleTreeStore {
	if newId == nil {
		newId = util.RandomIdGenerator()
	}
	return &MerkleTreeStore{
		store:   store,
		newId:   newId,
		metrics: m,
		logger:  logger,
	}
}

// StoreTree writes a new root row and one row per leaf in a single atomic write and returns
// the new root id. It never deduplicates; callers check FetchTree first.
func (s *MerkleTreeStore) StoreTree(
	ctx context.Context,
	tree *merkle.MerkleTree,
	chainId types.ChainId,
	contract common.Address,
	blockNumber uint64,
) (uuid.UUID, error) {
	if tree == nil {
		return uuid.Nil, fmt.Errorf("%w: nil tree", merkle.ErrInvalidInput)
	}

	root := &types.MerkleTreeRoot{
		Id:                   s.newId(),
		ChainId:              chainId,
		AssetContractAddress: contract,
		BlockNumber:          blockNumber,
		RootHash:             []byte(tree.RootHash()),
		HashFn:               tree.HashFn.String(),
	}

	balances := tree.Leaves()
	leaves := make([]*types.MerkleTreeLeaf, len(balances))
	for i, balance := range balances {
		leaves[i] = &types.MerkleTreeLeaf{
			Id:            s.newId(),
			RootId:        root.Id,
			HolderAddress: balance.Address,
			Balance:       balance.Balance,
		}
	}

	if err := s.store.SaveMerkleTree(ctx, root, leaves); err != nil {
		return uuid.Nil, fmt.Errorf("failed to store merkle tree %s: %w", root.Key(), err)
	}
	if s.metrics != nil {
		s.metrics.TreesStored.Inc()
	}

	s.logger.Sugar().Debugw("Stored merkle tree",
		"rootId", root.Id,
		"rootHash", tree.RootHash().Hex(),
		"leaves", len(leaves),
	)
	return root.Id, nil
}

// GetById rebuilds the tree of a root row. Returns nil when the id is unknown or the stored
// leaves no longer build a tree.
func (s *MerkleTreeStore) GetById(ctx context.Context, rootId uuid.UUID) (*merkle.MerkleTree, error) {
	root, err := s.store.LoadMerkleTreeRoot(ctx, rootId)
	if err != nil {
		return nil, fmt.Errorf("failed to load merkle tree root %s: %w", rootId, err)
	}
	if root == nil {
		return nil, nil
	}

	tree, err := s.rebuild(ctx, root)
	if errors.Is(err, ErrStorageCorruption) {
		s.reportCorruption(root, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return tree, nil
}

// FetchTree looks a tree up by natural key and checks the rebuilt root against the stored one.
// Returns nil when there is no such tree or when the stored tree is corrupt.
func (s *MerkleTreeStore) FetchTree(ctx context.Context, params TreeParams) (*TreeWithId, error) {
	key := params.key()
	root, err := s.store.FindMerkleTreeRoot(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("failed to find merkle tree %s: %w", key, err)
	}
	if root == nil {
		return nil, nil
	}

	tree, err := s.rebuild(ctx, root)
	if err == nil && !tree.RootHash().Equal(merkle.Hash(root.RootHash)) {
		err = fmt.Errorf("%w: recomputed root %s", ErrStorageCorruption, tree.RootHash().Hex())
	}
	if errors.Is(err, ErrStorageCorruption) {
		s.reportCorruption(root, err)
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &TreeWithId{Id: root.Id, Tree: tree}, nil
}

func (s *MerkleTreeStore) reportCorruption(root *types.MerkleTreeRoot, err error) {
	s.logger.Sugar().Errorw("Stored merkle tree failed integrity check",
		"rootId", root.Id,
		"key", root.Key().String(),
		"error", err,
	)
	if s.metrics != nil {
		s.metrics.StorageCorruptions.Inc()
	}
}

func (s *MerkleTreeStore) rebuild(ctx context.Context, root *types.MerkleTreeRoot) (*merkle.MerkleTree, error) {
	hashFn, err := merkle.ParseHashFunction(root.HashFn)
	if err != nil {
		return nil, fmt.Errorf("%w: root %s: %v", ErrStorageCorruption, root.Id, err)
	}

	rows, err := s.store.ListMerkleTreeLeaves(ctx, root.Id)
	if err != nil {
		return nil, fmt.Errorf("failed to list leaves of root %s: %w", root.Id, err)
	}

	balances := util.Map(rows, func(row *types.MerkleTreeLeaf, _ uint64) *types.AccountBalance {
		return types.NewAccountBalance(row.HolderAddress, row.Balance)
	})
	tree, err := merkle.BuildMerkleTree(balances, hashFn)
	if err != nil {
		return nil, fmt.Errorf("%w: root %s: %v", ErrStorageCorruption, root.Id, err)
	}
	return tree, nil
}

// ContainsAddress checks that a leaf for the address exists under the root matching all three
// key fields. No tree is rebuilt.
func (s *MerkleTreeStore) ContainsAddress(ctx context.Context, params AddressParams) (bool, error) {
	root, err := s.store.FindMerkleTreeRoot(ctx, params.key())
	if err != nil {
		return false, fmt.Errorf("failed to find merkle tree %s: %w", params.key(), err)
	}
	if root == nil {
		return false, nil
	}
	exists, err := s.store.MerkleTreeLeafExists(ctx, root.Id, params.Address)
	if err != nil {
		return false, fmt.Errorf("failed to check leaf %s: %w", params.Address.Hex(), err)
	}
	return exists, nil
}

// GetProof returns the holder's balance and sibling path from leaf to root.
func (s *MerkleTreeStore) GetProof(ctx context.Context, params AddressParams) (*ProofResult, error) {
	found, err := s.FetchTree(ctx, params.TreeParams)
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, params.key())
	}

	proof, err := found.Tree.GenerateProof(params.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotFound, err)
	}
	return &ProofResult{
		RootHash: found.Tree.RootHash(),
		Address:  proof.Leaf.Address,
		Balance:  proof.Leaf.Balance,
		LeafHash: proof.LeafHash,
		Proof:    proof.Proof,
	}, nil
}
