package persistence

import (
	"encoding/json"
	"fmt"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

func marshalRow[T any](name string, v *T) ([]byte, error) {
	if v == nil {
		return nil, fmt.Errorf("cannot marshal nil %s", name)
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal %s to JSON: %w", name, err)
	}
	return data, nil
}

func unmarshalRow[T any](name string, data []byte) (*T, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("cannot unmarshal empty data")
	}
	var v T
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to unmarshal JSON to %s: %w", name, err)
	}
	return &v, nil
}

// MarshalSnapshot serializes a Snapshot to JSON bytes.
func MarshalSnapshot(s *types.Snapshot) ([]byte, error) {
	return marshalRow("Snapshot", s)
}

// UnmarshalSnapshot deserializes a Snapshot from JSON bytes.
func UnmarshalSnapshot(data []byte) (*types.Snapshot, error) {
	return unmarshalRow[types.Snapshot]("Snapshot", data)
}

// MarshalMerkleTreeRoot serializes a MerkleTreeRoot to JSON bytes.
func MarshalMerkleTreeRoot(r *types.MerkleTreeRoot) ([]byte, error) {
	return marshalRow("MerkleTreeRoot", r)
}

// UnmarshalMerkleTreeRoot deserializes a MerkleTreeRoot from JSON bytes.
func UnmarshalMerkleTreeRoot(data []byte) (*types.MerkleTreeRoot, error) {
	return unmarshalRow[types.MerkleTreeRoot]("MerkleTreeRoot", data)
}

// MarshalMerkleTreeLeaf serializes a MerkleTreeLeaf to JSON bytes.
func MarshalMerkleTreeLeaf(l *types.MerkleTreeLeaf) ([]byte, error) {
	return marshalRow("MerkleTreeLeaf", l)
}

// UnmarshalMerkleTreeLeaf deserializes a MerkleTreeLeaf from JSON bytes.
func UnmarshalMerkleTreeLeaf(data []byte) (*types.MerkleTreeLeaf, error) {
	return unmarshalRow[types.MerkleTreeLeaf]("MerkleTreeLeaf", data)
}
