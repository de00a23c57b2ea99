// Package client is a Go client for the snapshot server's HTTP API.
package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkle"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/server"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/transport"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

var ErrNotFound = errors.New("not found")

// SnapshotClient talks to a single snapshot server.
type SnapshotClient struct {
	baseUrl   string
	transport *transport.Client
	logger    *zap.Logger
}

// NewSnapshotClient creates a client for the server at baseUrl, e.g. http://localhost:8080.
func NewSnapshotClient(baseUrl string, t *transport.Client, logger *zap.Logger) *SnapshotClient {
	return &SnapshotClient{
		baseUrl:   strings.TrimRight(baseUrl, "/"),
		transport: t,
		logger:    logger,
	}
}

func decode[T any](resp *transport.Response, what string) (*T, error) {
	if resp.StatusCode == http.StatusNotFound {
		return nil, fmt.Errorf("%s: %w", what, ErrNotFound)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%s: server returned %d: %s", what, resp.StatusCode, strings.TrimSpace(string(resp.Body)))
	}
	var out T
	if err := json.Unmarshal(resp.Body, &out); err != nil {
		return nil, fmt.Errorf("%s: failed to decode response: %w", what, err)
	}
	return &out, nil
}

// CreateSnapshot queues a snapshot for the project and returns its id.
func (c *SnapshotClient) CreateSnapshot(ctx context.Context, projectId uuid.UUID, req *server.CreateSnapshotRequest) (uuid.UUID, error) {
	resp, err := c.transport.PostJSON(ctx, c.baseUrl, "/v1/asset-snapshots",
		map[string]string{server.ProjectIdHeader: projectId.String()}, req)
	if err != nil {
		return uuid.Nil, err
	}
	created, err := decode[server.CreateSnapshotResponse](resp, "create snapshot")
	if err != nil {
		return uuid.Nil, err
	}
	return created.Id, nil
}

func (c *SnapshotClient) GetSnapshot(ctx context.Context, id uuid.UUID) (*server.SnapshotResponse, error) {
	resp, err := c.transport.Get(ctx, c.baseUrl, "/v1/asset-snapshots/"+id.String(), nil)
	if err != nil {
		return nil, err
	}
	return decode[server.SnapshotResponse](resp, fmt.Sprintf("snapshot %s", id))
}

// ListSnapshots returns the project's snapshots, optionally filtered by status.
func (c *SnapshotClient) ListSnapshots(ctx context.Context, projectId uuid.UUID, statuses ...types.SnapshotStatus) ([]*server.SnapshotResponse, error) {
	path := "/v1/asset-snapshots/by-project/" + projectId.String()
	if len(statuses) > 0 {
		query := url.Values{}
		for _, s := range statuses {
			query.Add("status", s.String())
		}
		path += "?" + query.Encode()
	}

	resp, err := c.transport.Get(ctx, c.baseUrl, path, nil)
	if err != nil {
		return nil, err
	}
	list, err := decode[server.SnapshotsResponse](resp, fmt.Sprintf("snapshots of project %s", projectId))
	if err != nil {
		return nil, err
	}
	return list.Snapshots, nil
}

// WaitForSnapshot polls until the snapshot is SUCCESS or FAILED.
func (c *SnapshotClient) WaitForSnapshot(ctx context.Context, id uuid.UUID, interval time.Duration) (*server.SnapshotResponse, error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		snapshot, err := c.GetSnapshot(ctx, id)
		if err != nil {
			return nil, err
		}
		if snapshot.Status.IsTerminal() {
			return snapshot, nil
		}
		c.logger.Sugar().Debugw("Snapshot still pending", "snapshotId", id)

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

// GetMerklePath fetches the holder's proof against a stored tree.
func (c *SnapshotClient) GetMerklePath(
	ctx context.Context,
	chainId types.ChainId,
	contract common.Address,
	rootHash merkle.Hash,
	wallet common.Address,
) (*server.MerklePathResponse, error) {
	path := fmt.Sprintf("/v1/merkle-tree/%d/%s/%s/path/%s", chainId, contract.Hex(), rootHash.Hex(), wallet.Hex())
	resp, err := c.transport.Get(ctx, c.baseUrl, path, nil)
	if err != nil {
		return nil, err
	}
	return decode[server.MerklePathResponse](resp, fmt.Sprintf("merkle path of %s", wallet.Hex()))
}

// VerifyMerklePath recomputes the leaf from the returned wallet and balance and checks the
// proof leads to the expected root.
func VerifyMerklePath(path *server.MerklePathResponse, expectedRoot merkle.Hash, hashFn merkle.HashFunction) error {
	if !common.IsHexAddress(path.WalletAddress) || path.WalletBalance == nil {
		return fmt.Errorf("malformed merkle path response")
	}
	leafHash, err := merkle.HashLeaf(types.NewAccountBalance(common.HexToAddress(path.WalletAddress), path.WalletBalance), hashFn)
	if err != nil {
		return err
	}
	if !leafHash.Equal(path.LeafHash) {
		return fmt.Errorf("leaf hash %s does not match wallet balance", path.LeafHash.Hex())
	}
	if !merkle.VerifyProof(leafHash, path.Proof, expectedRoot, hashFn) {
		return fmt.Errorf("proof does not lead to root %s", expectedRoot.Hex())
	}
	return nil
}
