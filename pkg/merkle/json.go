package merkle

import (
	"encoding/json"

	"github.com/ethereum/go-ethereum/common"
)

type jsonLeafData struct {
	Address common.Address `json:"address"`
	Balance string         `json:"balance"`
}

// jsonNode is a branch or leaf below the root: {hash, left, right} or {hash, data}.
type jsonNode struct {
	Hash  Hash          `json:"hash"`
	Left  *jsonNode     `json:"left,omitempty"`
	Right *jsonNode     `json:"right,omitempty"`
	Data  *jsonLeafData `json:"data,omitempty"`
}

// jsonRoot adds the tree-wide fields, which appear only once at the top.
type jsonRoot struct {
	Depth  int           `json:"depth"`
	Hash   Hash          `json:"hash"`
	HashFn HashFunction  `json:"hash_fn"`
	Left   *jsonNode     `json:"left,omitempty"`
	Right  *jsonNode     `json:"right,omitempty"`
	Data   *jsonLeafData `json:"data,omitempty"`
}

func toJSONNode(n *Node) *jsonNode {
	if n == nil {
		return nil
	}
	return &jsonNode{
		Hash:  n.Hash,
		Left:  toJSONNode(n.Left),
		Right: toJSONNode(n.Right),
		Data:  leafData(n),
	}
}

func leafData(n *Node) *jsonLeafData {
	if !n.IsLeaf() {
		return nil
	}
	return &jsonLeafData{
		Address: n.Leaf.Address,
		Balance: n.Leaf.Balance.String(),
	}
}

// MarshalJSON renders the tree as {depth, hash, hash_fn, left, right}, with nested nodes as
// {hash, left, right} and leaves as {hash, data}. This is the document that gets pinned.
func (mt *MerkleTree) MarshalJSON() ([]byte, error) {
	return json.Marshal(&jsonRoot{
		Depth:  mt.Root.Depth,
		Hash:   mt.Root.Hash,
		HashFn: mt.HashFn,
		Left:   toJSONNode(mt.Root.Left),
		Right:  toJSONNode(mt.Root.Right),
		Data:   leafData(mt.Root),
	})
}
