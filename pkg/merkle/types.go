package merkle

import (
	"bytes"
	"errors"
	"fmt"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// ErrInvalidInput is returned when a tree cannot be built from the given leaves.
var ErrInvalidInput = errors.New("invalid merkle tree input")

// Hash is a node hash. Its length depends on the hash function.
type Hash []byte

func (h Hash) Hex() string {
	return hexutil.Encode(h)
}

func (h Hash) String() string {
	return h.Hex()
}

func (h Hash) Equal(other Hash) bool {
	return bytes.Equal(h, other)
}

func (h Hash) MarshalText() ([]byte, error) {
	return hexutil.Bytes(h).MarshalText()
}

func (h *Hash) UnmarshalText(input []byte) error {
	return (*hexutil.Bytes)(h).UnmarshalText(input)
}

// HexToHash decodes a 0x prefixed hex string.
func HexToHash(s string) (Hash, error) {
	b, err := hexutil.Decode(s)
	if err != nil {
		return nil, fmt.Errorf("invalid hash %q: %w", s, err)
	}
	return Hash(b), nil
}

// HashFunction names the hashing strategy of a tree. The name is what gets persisted.
type HashFunction string

const (
	HashFunctionKeccak256 HashFunction = "KECCAK_256"
	// HashFunctionIdentity makes node hashes plain concatenations; only useful in tests.
	HashFunctionIdentity HashFunction = "IDENTITY"
	// HashFunctionFixed maps every input to the same value.
	HashFunctionFixed HashFunction = "FIXED"
)

var fixedHash = []byte{0x00}

func (h HashFunction) String() string {
	return string(h)
}

func (h HashFunction) IsValid() bool {
	switch h {
	case HashFunctionKeccak256, HashFunctionIdentity, HashFunctionFixed:
		return true
	}
	return false
}

// Hash hashes the concatenation of data.
func (h HashFunction) Hash(data ...[]byte) Hash {
	switch h {
	case HashFunctionKeccak256:
		return crypto.Keccak256(data...)
	case HashFunctionIdentity:
		return Hash(bytes.Join(data, nil))
	case HashFunctionFixed:
		return Hash(bytes.Clone(fixedHash))
	default:
		panic(fmt.Sprintf("unknown hash function: %s", string(h)))
	}
}

func ParseHashFunction(name string) (HashFunction, error) {
	h := HashFunction(name)
	if !h.IsValid() {
		return "", fmt.Errorf("unknown hash function: %s", name)
	}
	return h, nil
}

// Node is a tree node. Leaf is set only on terminal nodes.
type Node struct {
	Hash  Hash
	// Depth is the height above the leaves; leaves are at 0
	Depth int
	Left  *Node
	Right *Node
	Leaf  *types.AccountBalance
}

func (n *Node) IsLeaf() bool {
	return n.Leaf != nil
}

// MerkleTree is an immutable binary merkle tree over account balances.
type MerkleTree struct {
	HashFn HashFunction
	Root   *Node

	// levels[0] holds the leaves in canonical order, levels[len-1] the root
	levels        [][]*Node
	hashToLeaf    map[string]int
	addressToLeaf map[common.Address]int
}

// MerkleProof is an inclusion proof for a single balance.
type MerkleProof struct {
	Leaf     *types.AccountBalance
	LeafHash Hash
	// Proof holds sibling hashes ordered from the leaf up to the root
	Proof    []Hash
}
