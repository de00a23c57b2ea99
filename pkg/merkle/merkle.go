package merkle

import (
	"bytes"
	"fmt"
	"sort"

	"github.com/ethereum/go-ethereum/common"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/util"
)

// BuildMerkleTree creates a binary merkle tree from account balances.
//
// Leaves are hashed as hashFn(abi.encode(address, balance)) and sorted by leaf hash, so the
// root does not depend on input order. Parents hash the sorted concatenation of their
// children, which is what OpenZeppelin's MerkleProof expects. An unpaired node at the end
// of a level is promoted to the next level unchanged.
func BuildMerkleTree(balances []*types.AccountBalance, hashFn HashFunction) (*MerkleTree, error) {
	if len(balances) == 0 {
		return nil, fmt.Errorf("%w: cannot build merkle tree from empty balance list", ErrInvalidInput)
	}
	if !hashFn.IsValid() {
		return nil, fmt.Errorf("%w: unknown hash function %q", ErrInvalidInput, string(hashFn))
	}

	leaves := make([]*Node, 0, len(balances))
	seenAddresses := make(map[common.Address]struct{}, len(balances))
	seenHashes := make(map[string]struct{}, len(balances))
	for _, balance := range balances {
		if balance == nil {
			return nil, fmt.Errorf("%w: nil balance", ErrInvalidInput)
		}
		if _, ok := seenAddresses[balance.Address]; ok {
			return nil, fmt.Errorf("%w: address collision for %s", ErrInvalidInput, balance.Address.Hex())
		}
		seenAddresses[balance.Address] = struct{}{}

		leafHash, err := HashLeaf(balance, hashFn)
		if err != nil {
			return nil, err
		}
		if _, ok := seenHashes[string(leafHash)]; ok {
			return nil, fmt.Errorf("%w: leaf hash collision for %s", ErrInvalidInput, balance.Address.Hex())
		}
		seenHashes[string(leafHash)] = struct{}{}

		leaves = append(leaves, &Node{Hash: leafHash, Depth: 0, Leaf: balance.Copy()})
	}

	sort.Slice(leaves, func(i, j int) bool {
		return bytes.Compare(leaves[i].Hash, leaves[j].Hash) < 0
	})

	levels := [][]*Node{leaves}
	currentLevel := leaves
	for len(currentLevel) > 1 {
		nextLevel := make([]*Node, 0, (len(currentLevel)+1)/2)
		for i := 0; i < len(currentLevel); i += 2 {
			if i+1 == len(currentLevel) {
				nextLevel = append(nextLevel, currentLevel[i])
				continue
			}
			left, right := currentLevel[i], currentLevel[i+1]
			nextLevel = append(nextLevel, &Node{
				Hash:  hashPair(left.Hash, right.Hash, hashFn),
				Depth: len(levels),
				Left:  left,
				Right: right,
			})
		}
		levels = append(levels, nextLevel)
		currentLevel = nextLevel
	}

	tree := &MerkleTree{
		HashFn:        hashFn,
		Root:          currentLevel[0],
		levels:        levels,
		hashToLeaf:    make(map[string]int, len(leaves)),
		addressToLeaf: make(map[common.Address]int, len(leaves)),
	}
	for i, leaf := range leaves {
		tree.hashToLeaf[string(leaf.Hash)] = i
		tree.addressToLeaf[leaf.Leaf.Address] = i
	}
	return tree, nil
}

// HashLeaf computes hashFn(abi.encode(address, balance)).
func HashLeaf(balance *types.AccountBalance, hashFn HashFunction) (Hash, error) {
	encoded, err := util.EncodeAccountBalance(balance.Address, balance.Balance)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidInput, balance.Address.Hex(), err)
	}
	return hashFn.Hash(encoded), nil
}

// RootHash returns the hash of the root node.
func (mt *MerkleTree) RootHash() Hash {
	return mt.Root.Hash
}

// Depth returns the number of levels above the leaves. A single leaf tree has depth 0.
func (mt *MerkleTree) Depth() int {
	return len(mt.levels) - 1
}

// Leaves returns the balances in canonical (leaf hash) order.
func (mt *MerkleTree) Leaves() []*types.AccountBalance {
	out := make([]*types.AccountBalance, len(mt.levels[0]))
	for i, leaf := range mt.levels[0] {
		out[i] = leaf.Leaf.Copy()
	}
	return out
}

func (mt *MerkleTree) LeafCount() int {
	return len(mt.levels[0])
}

// LeavesByHash maps hex leaf hashes to their balances.
func (mt *MerkleTree) LeavesByHash() map[string]*types.AccountBalance {
	out := make(map[string]*types.AccountBalance, len(mt.levels[0]))
	for _, leaf := range mt.levels[0] {
		out[leaf.Hash.Hex()] = leaf.Leaf.Copy()
	}
	return out
}

func (mt *MerkleTree) LeafByAddress(address common.Address) (*types.AccountBalance, bool) {
	i, ok := mt.addressToLeaf[address]
	if !ok {
		return nil, false
	}
	return mt.levels[0][i].Leaf.Copy(), true
}

func (mt *MerkleTree) LeafByHash(hash Hash) (*types.AccountBalance, bool) {
	i, ok := mt.hashToLeaf[string(hash)]
	if !ok {
		return nil, false
	}
	return mt.levels[0][i].Leaf.Copy(), true
}

// PathTo returns the sibling hashes from the leaf of address up to the root.
// Levels where the node was promoted contribute no sibling.
func (mt *MerkleTree) PathTo(address common.Address) ([]Hash, bool) {
	i, ok := mt.addressToLeaf[address]
	if !ok {
		return nil, false
	}
	return mt.pathFromIndex(i), true
}

// PathToLeaf is PathTo for a full balance; the balance must match the stored leaf.
func (mt *MerkleTree) PathToLeaf(balance *types.AccountBalance) ([]Hash, bool) {
	leafHash, err := HashLeaf(balance, mt.HashFn)
	if err != nil {
		return nil, false
	}
	i, ok := mt.hashToLeaf[string(leafHash)]
	if !ok {
		return nil, false
	}
	return mt.pathFromIndex(i), true
}

func (mt *MerkleTree) pathFromIndex(index int) []Hash {
	proof := make([]Hash, 0, len(mt.levels)-1)
	for level := 0; level < len(mt.levels)-1; level++ {
		currentLevel := mt.levels[level]
		siblingIndex := index ^ 1
		if siblingIndex < len(currentLevel) {
			proof = append(proof, bytes.Clone(currentLevel[siblingIndex].Hash))
		}
		index = index / 2
	}
	return proof
}

// GenerateProof creates an inclusion proof for the balance held by address.
func (mt *MerkleTree) GenerateProof(address common.Address) (*MerkleProof, error) {
	i, ok := mt.addressToLeaf[address]
	if !ok {
		return nil, fmt.Errorf("address %s is not in the tree", address.Hex())
	}
	leaf := mt.levels[0][i]
	return &MerkleProof{
		Leaf:     leaf.Leaf.Copy(),
		LeafHash: bytes.Clone(leaf.Hash),
		Proof:    mt.pathFromIndex(i),
	}, nil
}

// VerifyProof recomputes the root from a leaf hash and its sibling path using sorted-pair
// hashing, the same way the verifier contract does.
func VerifyProof(leafHash Hash, proof []Hash, root Hash, hashFn HashFunction) bool {
	if len(leafHash) == 0 || !hashFn.IsValid() {
		return false
	}
	current := leafHash
	for _, sibling := range proof {
		current = hashPair(current, sibling, hashFn)
	}
	return current.Equal(root)
}

// Verify checks the proof against root.
func (p *MerkleProof) Verify(root Hash, hashFn HashFunction) bool {
	if p == nil {
		return false
	}
	return VerifyProof(p.LeafHash, p.Proof, root, hashFn)
}

// hashPair computes hashFn(min(a, b) || max(a, b)).
func hashPair(a, b Hash, hashFn HashFunction) Hash {
	if bytes.Compare(a, b) <= 0 {
		return hashFn.Hash(a, b)
	}
	return hashFn.Hash(b, a)
}
