package types

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"
)

// ChainId is an EVM chain id.
type ChainId uint64

// AccountBalance is a single holder balance and the payload of a merkle leaf.
type AccountBalance struct {
	Address common.Address `json:"address"`
	Balance *big.Int       `json:"balance"`
}

func NewAccountBalance(address common.Address, balance *big.Int) *AccountBalance {
	return &AccountBalance{Address: address, Balance: balance}
}

// Copy returns a deep copy of the balance.
func (ab *AccountBalance) Copy() *AccountBalance {
	if ab == nil {
		return nil
	}
	var balance *big.Int
	if ab.Balance != nil {
		balance = new(big.Int).Set(ab.Balance)
	}
	return &AccountBalance{Address: ab.Address, Balance: balance}
}

type SnapshotStatus string

const (
	SnapshotStatusPending SnapshotStatus = "PENDING"
	SnapshotStatusSuccess SnapshotStatus = "SUCCESS"
	SnapshotStatusFailed  SnapshotStatus = "FAILED"
)

func (s SnapshotStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transitions are allowed.
func (s SnapshotStatus) IsTerminal() bool {
	return s == SnapshotStatusSuccess || s == SnapshotStatusFailed
}

func ParseSnapshotStatus(s string) (SnapshotStatus, error) {
	switch SnapshotStatus(s) {
	case SnapshotStatusPending, SnapshotStatusSuccess, SnapshotStatusFailed:
		return SnapshotStatus(s), nil
	default:
		return "", fmt.Errorf("unknown snapshot status: %s", s)
	}
}

type SnapshotFailureCause string

const (
	SnapshotFailureCauseLogResponseLimit SnapshotFailureCause = "LOG_RESPONSE_LIMIT"
	SnapshotFailureCauseOther            SnapshotFailureCause = "OTHER"
)

func (c SnapshotFailureCause) String() string {
	return string(c)
}

// CreateSnapshotParams is what a client submits to request a snapshot.
type CreateSnapshotParams struct {
	Name                   string           `json:"name"`
	ChainId                ChainId          `json:"chainId"`
	ProjectId              uuid.UUID        `json:"projectId"`
	AssetContractAddress   common.Address   `json:"assetContractAddress"`
	BlockNumber            uint64           `json:"blockNumber"`
	IgnoredHolderAddresses []common.Address `json:"ignoredHolderAddresses"`
}

// Snapshot is the persisted job row. It is created PENDING and transitions exactly once.
type Snapshot struct {
	Id                     uuid.UUID             `json:"id"`
	ProjectId              uuid.UUID             `json:"projectId"`
	Name                   string                `json:"name"`
	ChainId                ChainId               `json:"chainId"`
	AssetContractAddress   common.Address        `json:"assetContractAddress"`
	BlockNumber            uint64                `json:"blockNumber"`
	IgnoredHolderAddresses []common.Address      `json:"ignoredHolderAddresses"`
	Status                 SnapshotStatus        `json:"status"`
	FailureCause           *SnapshotFailureCause `json:"failureCause,omitempty"`
	MerkleTreeRootId       *uuid.UUID            `json:"merkleTreeRootId,omitempty"`
	MerkleTreePinHash      *string               `json:"merkleTreePinHash,omitempty"`
	TotalAssetAmount       *big.Int              `json:"totalAssetAmount,omitempty"`
	CreatedAt              time.Time             `json:"createdAt"`
}

// IsIgnored reports whether the address is excluded from the snapshot.
func (s *Snapshot) IsIgnored(address common.Address) bool {
	for _, ignored := range s.IgnoredHolderAddresses {
		if ignored == address {
			return true
		}
	}
	return false
}

// Copy returns a deep copy so stores can hand out rows without sharing state.
func (s *Snapshot) Copy() *Snapshot {
	if s == nil {
		return nil
	}
	c := *s
	c.IgnoredHolderAddresses = append([]common.Address(nil), s.IgnoredHolderAddresses...)
	if s.FailureCause != nil {
		cause := *s.FailureCause
		c.FailureCause = &cause
	}
	if s.MerkleTreeRootId != nil {
		rootId := *s.MerkleTreeRootId
		c.MerkleTreeRootId = &rootId
	}
	if s.MerkleTreePinHash != nil {
		pinHash := *s.MerkleTreePinHash
		c.MerkleTreePinHash = &pinHash
	}
	if s.TotalAssetAmount != nil {
		c.TotalAssetAmount = new(big.Int).Set(s.TotalAssetAmount)
	}
	return &c
}

// SnapshotTreeData is the tree summary attached to a successful snapshot.
type SnapshotTreeData struct {
	TotalAssetAmount  *big.Int      `json:"totalAssetAmount"`
	MerkleRootHash    hexutil.Bytes `json:"merkleRootHash"`
	MerkleTreeDepth   int           `json:"merkleTreeDepth"`
	MerkleTreePinHash string        `json:"merkleTreePinHash"`
	HashFn            string        `json:"hashFn"`
}

// FullSnapshot is a snapshot row joined with its tree summary. Data is nil unless SUCCESS.
type FullSnapshot struct {
	*Snapshot
	Data *SnapshotTreeData `json:"data,omitempty"`
}

// MerkleTreeRoot is the persisted root row. (ChainId, AssetContractAddress, RootHash) is unique.
type MerkleTreeRoot struct {
	Id                   uuid.UUID      `json:"id"`
	ChainId              ChainId        `json:"chainId"`
	AssetContractAddress common.Address `json:"assetContractAddress"`
	BlockNumber          uint64         `json:"blockNumber"`
	RootHash             hexutil.Bytes  `json:"rootHash"`
	HashFn               string         `json:"hashFn"`
}

func (r *MerkleTreeRoot) Key() MerkleTreeKey {
	return MerkleTreeKey{
		ChainId:              r.ChainId,
		AssetContractAddress: r.AssetContractAddress,
		RootHash:             r.RootHash,
	}
}

// MerkleTreeLeaf is a persisted leaf row belonging to one root.
type MerkleTreeLeaf struct {
	Id            uuid.UUID      `json:"id"`
	RootId        uuid.UUID      `json:"rootId"`
	HolderAddress common.Address `json:"holderAddress"`
	Balance       *big.Int       `json:"balance"`
}

// MerkleTreeKey is the natural dedup key of a stored tree.
type MerkleTreeKey struct {
	ChainId              ChainId        `json:"chainId"`
	AssetContractAddress common.Address `json:"assetContractAddress"`
	RootHash             hexutil.Bytes  `json:"rootHash"`
}

func (k MerkleTreeKey) String() string {
	return fmt.Sprintf("%d:%s:%s", k.ChainId, k.AssetContractAddress.Hex(), k.RootHash.String())
}

// Project is the minimal project view the worker needs.
type Project struct {
	Id      uuid.UUID `json:"id" yaml:"id"`
	Name    string    `json:"name" yaml:"name"`
	ChainId ChainId   `json:"chainId" yaml:"chainId"`
	RpcUrl  string    `json:"rpcUrl" yaml:"rpcUrl"`
}

// ChainSpec identifies the chain and endpoint used to read balances.
type ChainSpec struct {
	ChainId ChainId
	RpcUrl  string
}

func (p *Project) ChainSpec() ChainSpec {
	return ChainSpec{ChainId: p.ChainId, RpcUrl: p.RpcUrl}
}
