package merkle

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"math/rand"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/util"
)

// createTestBalances creates n balances with distinct addresses 0x..01, 0x..02, ...
func createTestBalances(n int) []*types.AccountBalance {
	balances := make([]*types.AccountBalance, n)
	for i := 0; i < n; i++ {
		balances[i] = types.NewAccountBalance(
			common.BigToAddress(big.NewInt(int64(i+1))),
			big.NewInt(int64((i+1)*100)),
		)
	}
	return balances
}

func TestBuildMerkleTree(t *testing.T) {
	for size := 1; size <= 17; size++ {
		t.Run(fmt.Sprintf("%d_leaves", size), func(t *testing.T) {
			balances := createTestBalances(size)
			tree, err := BuildMerkleTree(balances, HashFunctionKeccak256)
			require.NoError(t, err)
			require.NotNil(t, tree)
			require.Equal(t, size, tree.LeafCount())
			require.Len(t, tree.RootHash(), 32)

			for _, balance := range balances {
				proof, err := tree.GenerateProof(balance.Address)
				require.NoError(t, err)
				require.Equal(t, 0, balance.Balance.Cmp(proof.Leaf.Balance))
				require.True(t, proof.Verify(tree.RootHash(), HashFunctionKeccak256),
					"proof for %s should be valid", balance.Address.Hex())
				require.LessOrEqual(t, len(proof.Proof), tree.Depth())
			}
		})
	}
}

func TestBuildMerkleTree_InvalidInput(t *testing.T) {
	addr := common.HexToAddress("0x01")

	tests := []struct {
		name     string
		balances []*types.AccountBalance
		hashFn   HashFunction
	}{
		{name: "empty", balances: []*types.AccountBalance{}, hashFn: HashFunctionKeccak256},
		{name: "nil slice", balances: nil, hashFn: HashFunctionKeccak256},
		{
			name: "address collision",
			balances: []*types.AccountBalance{
				types.NewAccountBalance(addr, big.NewInt(1)),
				types.NewAccountBalance(addr, big.NewInt(2)),
			},
			hashFn: HashFunctionKeccak256,
		},
		{
			name:     "hash collision",
			balances: createTestBalances(2),
			hashFn:   HashFunctionFixed,
		},
		{
			name:     "negative balance",
			balances: []*types.AccountBalance{types.NewAccountBalance(addr, big.NewInt(-5))},
			hashFn:   HashFunctionKeccak256,
		},
		{
			name:     "unknown hash function",
			balances: createTestBalances(2),
			hashFn:   HashFunction("SHA_1"),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tree, err := BuildMerkleTree(tt.balances, tt.hashFn)
			require.Error(t, err)
			require.Nil(t, tree)
			require.True(t, errors.Is(err, ErrInvalidInput))
		})
	}
}

func TestSingleLeafTree(t *testing.T) {
	balance := types.NewAccountBalance(common.HexToAddress("0x01"), big.NewInt(100))
	tree, err := BuildMerkleTree([]*types.AccountBalance{balance}, HashFunctionKeccak256)
	require.NoError(t, err)

	leafHash, err := HashLeaf(balance, HashFunctionKeccak256)
	require.NoError(t, err)

	require.Equal(t, leafHash, tree.RootHash())
	require.Equal(t, 0, tree.Depth())
	require.True(t, tree.Root.IsLeaf())

	path, ok := tree.PathTo(balance.Address)
	require.True(t, ok)
	require.Empty(t, path)
	require.True(t, VerifyProof(leafHash, path, tree.RootHash(), HashFunctionKeccak256))

	// FIXED has nothing to collide with in a single leaf tree
	fixedTree, err := BuildMerkleTree([]*types.AccountBalance{balance}, HashFunctionFixed)
	require.NoError(t, err)
	require.Equal(t, Hash{0x00}, fixedTree.RootHash())
}

// The vectors below are keccak256(abi.encode(address, uint256)) leaves combined with
// OpenZeppelin's sorted-pair hashing.
func TestKeccakGoldenVectors(t *testing.T) {
	a := types.NewAccountBalance(common.HexToAddress("0x01"), big.NewInt(100))
	b := types.NewAccountBalance(common.HexToAddress("0x02"), big.NewInt(200))
	c := types.NewAccountBalance(common.HexToAddress("0x03"), big.NewInt(300))

	leafA, err := HashLeaf(a, HashFunctionKeccak256)
	require.NoError(t, err)
	require.Equal(t, "0x84d38288bfc2d0dbffb953282e4834a72a7fd5e9f8000d46139e8490d63b1338", leafA.Hex())

	leafB, err := HashLeaf(b, HashFunctionKeccak256)
	require.NoError(t, err)
	require.Equal(t, "0x7c2f692e7556e0c2b696852d85cc1220d02a4fed78a7d1bbfe299c0fcb8416ad", leafB.Hex())

	leafC, err := HashLeaf(c, HashFunctionKeccak256)
	require.NoError(t, err)
	require.Equal(t, "0x4524f0e45243421c144d4511f181f06209e696ee8a3d8f12ad37d61eb89a019b", leafC.Hex())

	t.Run("two leaves", func(t *testing.T) {
		tree, err := BuildMerkleTree([]*types.AccountBalance{a, b}, HashFunctionKeccak256)
		require.NoError(t, err)
		require.Equal(t, 1, tree.Depth())
		require.Equal(t, "0x2f0f2676210b6c24028d6e572d1b4f93418e6156aadd5be9e40996247e1d8202", tree.RootHash().Hex())

		path, ok := tree.PathTo(a.Address)
		require.True(t, ok)
		require.Equal(t, []Hash{leafB}, path)
	})

	t.Run("three leaves promotes the last node", func(t *testing.T) {
		tree, err := BuildMerkleTree([]*types.AccountBalance{a, b, c}, HashFunctionKeccak256)
		require.NoError(t, err)
		require.Equal(t, 2, tree.Depth())
		require.Equal(t, "0xebf7c63cdb7a3fcabe69b48b467c1578e3f88f31bc969eae83def8c060dad45a", tree.RootHash().Hex())

		// canonical order is C, B, A; A is promoted past the first level
		path, ok := tree.PathTo(a.Address)
		require.True(t, ok)
		require.Len(t, path, 1)
		require.Equal(t, hashPair(leafC, leafB, HashFunctionKeccak256), path[0])
		require.Equal(t, tree.Root.Left.Hash, path[0])

		path, ok = tree.PathTo(c.Address)
		require.True(t, ok)
		require.Equal(t, []Hash{leafB, leafA}, path)
	})
}

func TestIdentityHashFunction(t *testing.T) {
	balances := createTestBalances(3)
	tree, err := BuildMerkleTree(balances, HashFunctionIdentity)
	require.NoError(t, err)

	encoded := make([][]byte, 0, 3)
	for _, balance := range balances {
		e, err := util.EncodeAccountBalance(balance.Address, balance.Balance)
		require.NoError(t, err)
		encoded = append(encoded, e)
	}

	// Leaf 0x01 encodes smallest, so canonical order equals input order and the root is
	// the plain concatenation of every encoding.
	expected := append(append(append([]byte{}, encoded[0]...), encoded[1]...), encoded[2]...)
	require.Equal(t, Hash(expected), tree.RootHash())
	require.Equal(t, balances[0].Address, tree.Leaves()[0].Address)
}

func TestMerkleProofVerification(t *testing.T) {
	balances := createTestBalances(4)
	tree, err := BuildMerkleTree(balances, HashFunctionKeccak256)
	require.NoError(t, err)
	target := balances[0].Address

	t.Run("Valid proof", func(t *testing.T) {
		proof, err := tree.GenerateProof(target)
		require.NoError(t, err)
		require.True(t, proof.Verify(tree.RootHash(), HashFunctionKeccak256))
	})

	t.Run("Invalid proof - wrong root", func(t *testing.T) {
		proof, err := tree.GenerateProof(target)
		require.NoError(t, err)
		require.False(t, proof.Verify(Hash{1, 2, 3, 4, 5}, HashFunctionKeccak256))
	})

	t.Run("Invalid proof - tampered leaf", func(t *testing.T) {
		proof, err := tree.GenerateProof(target)
		require.NoError(t, err)
		tampered := append(Hash{}, proof.LeafHash...)
		tampered[0] ^= 0xFF
		require.False(t, VerifyProof(tampered, proof.Proof, tree.RootHash(), HashFunctionKeccak256))
	})

	t.Run("Invalid proof - tampered sibling", func(t *testing.T) {
		proof, err := tree.GenerateProof(target)
		require.NoError(t, err)
		require.NotEmpty(t, proof.Proof)
		siblings := make([]Hash, len(proof.Proof))
		for i, h := range proof.Proof {
			siblings[i] = append(Hash{}, h...)
		}
		siblings[0][0] ^= 0xFF
		require.False(t, VerifyProof(proof.LeafHash, siblings, tree.RootHash(), HashFunctionKeccak256))
	})

	t.Run("Invalid proof - wrong hash function", func(t *testing.T) {
		proof, err := tree.GenerateProof(target)
		require.NoError(t, err)
		require.False(t, proof.Verify(tree.RootHash(), HashFunctionIdentity))
	})

	t.Run("Invalid proof - nil proof", func(t *testing.T) {
		var proof *MerkleProof
		require.False(t, proof.Verify(tree.RootHash(), HashFunctionKeccak256))
	})
}

func TestMerkleTreeLookups(t *testing.T) {
	balances := createTestBalances(5)
	tree, err := BuildMerkleTree(balances, HashFunctionKeccak256)
	require.NoError(t, err)

	for _, balance := range balances {
		byAddress, ok := tree.LeafByAddress(balance.Address)
		require.True(t, ok)
		require.Equal(t, 0, balance.Balance.Cmp(byAddress.Balance))

		leafHash, err := HashLeaf(balance, HashFunctionKeccak256)
		require.NoError(t, err)
		byHash, ok := tree.LeafByHash(leafHash)
		require.True(t, ok)
		require.Equal(t, balance.Address, byHash.Address)

		pathByLeaf, ok := tree.PathToLeaf(balance)
		require.True(t, ok)
		pathByAddress, ok := tree.PathTo(balance.Address)
		require.True(t, ok)
		require.Equal(t, pathByAddress, pathByLeaf)
	}

	unknown := common.HexToAddress("0xdeadbeef")
	_, ok := tree.LeafByAddress(unknown)
	require.False(t, ok)
	_, ok = tree.PathTo(unknown)
	require.False(t, ok)
	_, err = tree.GenerateProof(unknown)
	require.Error(t, err)

	// a known address with the wrong balance is not a leaf
	_, ok = tree.PathToLeaf(types.NewAccountBalance(balances[0].Address, big.NewInt(1)))
	require.False(t, ok)

	require.Len(t, tree.LeavesByHash(), 5)
}

func TestMerkleTreeDoesNotAliasInput(t *testing.T) {
	balances := createTestBalances(2)
	tree, err := BuildMerkleTree(balances, HashFunctionKeccak256)
	require.NoError(t, err)
	root := append(Hash{}, tree.RootHash()...)

	balances[0].Balance.SetInt64(999999)
	leaves := tree.Leaves()
	leaves[0].Balance.SetInt64(1)

	rebuilt, err := BuildMerkleTree(tree.Leaves(), HashFunctionKeccak256)
	require.NoError(t, err)
	require.Equal(t, root, rebuilt.RootHash())
}

func TestMerkleTreeOrderIndependence(t *testing.T) {
	balances := createTestBalances(13)
	tree1, err := BuildMerkleTree(balances, HashFunctionKeccak256)
	require.NoError(t, err)

	r := rand.New(rand.NewSource(42))
	for i := 0; i < 10; i++ {
		shuffled := make([]*types.AccountBalance, len(balances))
		copy(shuffled, balances)
		r.Shuffle(len(shuffled), func(i, j int) { shuffled[i], shuffled[j] = shuffled[j], shuffled[i] })

		tree2, err := BuildMerkleTree(shuffled, HashFunctionKeccak256)
		require.NoError(t, err)
		require.Equal(t, tree1.RootHash(), tree2.RootHash())
		require.Equal(t, tree1.LeavesByHash(), tree2.LeavesByHash())
	}
}

func TestMerkleProofLength(t *testing.T) {
	testCases := []struct {
		numLeaves int
		depth     int
	}{
		{1, 0},
		{2, 1},
		{3, 2},
		{4, 2},
		{5, 3},
		{8, 3},
		{16, 4},
		{17, 5},
		{100, 7},
	}

	for _, tc := range testCases {
		t.Run(fmt.Sprintf("%d_leaves", tc.numLeaves), func(t *testing.T) {
			tree, err := BuildMerkleTree(createTestBalances(tc.numLeaves), HashFunctionKeccak256)
			require.NoError(t, err)
			require.Equal(t, tc.depth, tree.Depth())
			require.Equal(t, tc.depth, tree.Root.Depth)
		})
	}
}

func TestMerkleTreeJSON(t *testing.T) {
	balances := createTestBalances(3)
	tree, err := BuildMerkleTree(balances, HashFunctionKeccak256)
	require.NoError(t, err)

	data, err := json.Marshal(tree)
	require.NoError(t, err)

	var root map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &root))

	require.Equal(t, float64(2), root["depth"])
	require.Equal(t, tree.RootHash().Hex(), root["hash"])
	require.Equal(t, "KECCAK_256", root["hash_fn"])
	require.NotContains(t, root, "data")

	right, ok := root["right"].(map[string]interface{})
	require.True(t, ok)
	leafData, ok := right["data"].(map[string]interface{})
	require.True(t, ok, "promoted leaf should carry its data")
	require.Contains(t, leafData, "address")
	require.Contains(t, leafData, "balance")
	// tree-wide fields appear only at the top
	require.ElementsMatch(t, []string{"hash", "data"}, keys(right))

	left, ok := root["left"].(map[string]interface{})
	require.True(t, ok)
	require.ElementsMatch(t, []string{"hash", "left", "right"}, keys(left))
	leftLeaf, ok := left["left"].(map[string]interface{})
	require.True(t, ok)
	require.ElementsMatch(t, []string{"hash", "data"}, keys(leftLeaf))

	// same tree, same document
	again, err := json.Marshal(tree)
	require.NoError(t, err)
	require.Equal(t, data, again)
}

func keys(m map[string]interface{}) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}

func TestMerkleTreeJSON_SingleLeaf(t *testing.T) {
	tree, err := BuildMerkleTree(createTestBalances(1), HashFunctionKeccak256)
	require.NoError(t, err)

	data, err := json.Marshal(tree)
	require.NoError(t, err)

	var root map[string]interface{}
	require.NoError(t, json.Unmarshal(data, &root))
	require.ElementsMatch(t, []string{"depth", "hash", "hash_fn", "data"}, keys(root))
	require.Equal(t, float64(0), root["depth"])
}

func TestParseHashFunction(t *testing.T) {
	for _, name := range []string{"KECCAK_256", "IDENTITY", "FIXED"} {
		h, err := ParseHashFunction(name)
		require.NoError(t, err)
		require.Equal(t, name, h.String())
	}
	_, err := ParseHashFunction("SHA_256")
	require.Error(t, err)
}

func TestHashText(t *testing.T) {
	h := Hash{0xab, 0xcd}
	text, err := h.MarshalText()
	require.NoError(t, err)
	require.Equal(t, "0xabcd", string(text))

	var decoded Hash
	require.NoError(t, decoded.UnmarshalText(text))
	require.True(t, h.Equal(decoded))

	_, err = HexToHash("not-hex")
	require.Error(t, err)
}
