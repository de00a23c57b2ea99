package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkle"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkleStore"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/project"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/snapshotQueue"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/util"
)

type CreateSnapshotRequest struct {
	Name                   string   `json:"name"`
	AssetAddress           string   `json:"assetAddress"`
	PayoutBlockNumber      uint64   `json:"payoutBlockNumber"`
	IgnoredHolderAddresses []string `json:"ignoredHolderAddresses"`
}

type CreateSnapshotResponse struct {
	Id uuid.UUID `json:"id"`
}

type SnapshotResponse struct {
	Id                          uuid.UUID                   `json:"id"`
	ProjectId                   uuid.UUID                   `json:"projectId"`
	Name                        string                      `json:"name"`
	ChainId                     types.ChainId               `json:"chainId"`
	Status                      types.SnapshotStatus        `json:"status"`
	FailureCause                *types.SnapshotFailureCause `json:"failureCause"`
	Asset                       string                      `json:"asset"`
	TotalAssetAmount            *big.Int                    `json:"totalAssetAmount"`
	IgnoredHolderAddresses      []string                    `json:"ignoredHolderAddresses"`
	AssetSnapshotMerkleRoot     *string                     `json:"assetSnapshotMerkleRoot"`
	AssetSnapshotMerkleDepth    *int                        `json:"assetSnapshotMerkleDepth"`
	AssetSnapshotBlockNumber    uint64                      `json:"assetSnapshotBlockNumber"`
	AssetSnapshotMerkleIpfsHash *string                     `json:"assetSnapshotMerkleIpfsHash"`
}

type SnapshotsResponse struct {
	Snapshots []*SnapshotResponse `json:"snapshots"`
}

type MerklePathResponse struct {
	WalletAddress string        `json:"walletAddress"`
	WalletBalance *big.Int      `json:"walletBalance"`
	RootHash      merkle.Hash   `json:"rootHash"`
	LeafHash      merkle.Hash   `json:"leafHash"`
	Proof         []merkle.Hash `json:"proof"`
}

func toSnapshotResponse(s *types.FullSnapshot) *SnapshotResponse {
	resp := &SnapshotResponse{
		Id:                       s.Id,
		ProjectId:                s.ProjectId,
		Name:                     s.Name,
		ChainId:                  s.ChainId,
		Status:                   s.Status,
		FailureCause:             s.FailureCause,
		Asset:                    s.AssetContractAddress.Hex(),
		IgnoredHolderAddresses:   util.Map(s.IgnoredHolderAddresses, func(a common.Address, _ uint64) string { return a.Hex() }),
		AssetSnapshotBlockNumber: s.BlockNumber,
	}
	if s.Data != nil {
		root := s.Data.MerkleRootHash.String()
		depth := s.Data.MerkleTreeDepth
		pinHash := s.Data.MerkleTreePinHash
		resp.TotalAssetAmount = s.Data.TotalAssetAmount
		resp.AssetSnapshotMerkleRoot = &root
		resp.AssetSnapshotMerkleDepth = &depth
		resp.AssetSnapshotMerkleIpfsHash = &pinHash
	}
	return resp
}

// handleCreateSnapshot queues a snapshot for the project named in the X-Project-Id header
func (s *Server) handleCreateSnapshot(w http.ResponseWriter, r *http.Request) {
	projectId, err := uuid.Parse(r.Header.Get(ProjectIdHeader))
	if err != nil {
		http.Error(w, fmt.Sprintf("%s header must be a project id", ProjectIdHeader), http.StatusBadRequest)
		return
	}

	p, err := s.projects.GetProject(r.Context(), projectId)
	if errors.Is(err, project.ErrProjectNotFound) {
		http.Error(w, "Unknown project", http.StatusUnauthorized)
		return
	}
	if err != nil {
		s.logger.Sugar().Errorw("Failed to look up project", "projectId", projectId, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	var req CreateSnapshotRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("Failed to parse request: %v", err), http.StatusBadRequest)
		return
	}

	if req.Name == "" {
		http.Error(w, "name is required", http.StatusBadRequest)
		return
	}
	if !common.IsHexAddress(req.AssetAddress) {
		http.Error(w, "assetAddress must be an address", http.StatusBadRequest)
		return
	}
	ignored := make([]common.Address, 0, len(req.IgnoredHolderAddresses))
	for _, a := range req.IgnoredHolderAddresses {
		if !common.IsHexAddress(a) {
			http.Error(w, fmt.Sprintf("ignoredHolderAddresses: %q is not an address", a), http.StatusBadRequest)
			return
		}
		ignored = append(ignored, common.HexToAddress(a))
	}

	id, err := s.snapshots.Submit(r.Context(), &types.CreateSnapshotParams{
		Name:                   req.Name,
		ChainId:                p.ChainId,
		ProjectId:              p.Id,
		AssetContractAddress:   common.HexToAddress(req.AssetAddress),
		BlockNumber:            req.PayoutBlockNumber,
		IgnoredHolderAddresses: ignored,
	})
	if errors.Is(err, snapshotQueue.ErrInvalidSubmission) {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if err != nil {
		s.logger.Sugar().Errorw("Failed to submit snapshot", "projectId", projectId, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, CreateSnapshotResponse{Id: id})
}

func (s *Server) handleGetSnapshot(w http.ResponseWriter, r *http.Request) {
	id, err := uuid.Parse(r.PathValue("id"))
	if err != nil {
		http.Error(w, "Invalid snapshot id", http.StatusBadRequest)
		return
	}

	snapshot, err := s.snapshots.GetSnapshotById(r.Context(), id)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to get snapshot", "snapshotId", id, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if snapshot == nil {
		http.Error(w, "Asset snapshot not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, toSnapshotResponse(snapshot))
}

// handleListSnapshots accepts repeated and comma separated status filters
func (s *Server) handleListSnapshots(w http.ResponseWriter, r *http.Request) {
	projectId, err := uuid.Parse(r.PathValue("projectId"))
	if err != nil {
		http.Error(w, "Invalid project id", http.StatusBadRequest)
		return
	}

	values := util.Flatten(util.Map(r.URL.Query()["status"], func(v string, _ uint64) []string {
		return strings.Split(v, ",")
	}))
	values = util.Filter(values, func(v string) bool { return strings.TrimSpace(v) != "" })

	var statuses []types.SnapshotStatus
	for _, raw := range values {
		status, err := types.ParseSnapshotStatus(strings.ToUpper(strings.TrimSpace(raw)))
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		statuses = append(statuses, status)
	}

	snapshots, err := s.snapshots.GetAllByProjectAndStatuses(r.Context(), projectId, statuses)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to list snapshots", "projectId", projectId, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, SnapshotsResponse{
		Snapshots: util.Map(snapshots, func(fs *types.FullSnapshot, _ uint64) *SnapshotResponse {
			return toSnapshotResponse(fs)
		}),
	})
}

func parseTreeParams(r *http.Request) (merkleStore.TreeParams, error) {
	chainId, err := strconv.ParseUint(r.PathValue("chainId"), 10, 64)
	if err != nil {
		return merkleStore.TreeParams{}, fmt.Errorf("invalid chain id")
	}
	contract := r.PathValue("contract")
	if !common.IsHexAddress(contract) {
		return merkleStore.TreeParams{}, fmt.Errorf("invalid contract address")
	}
	rootHash, err := merkle.HexToHash(r.PathValue("rootHash"))
	if err != nil || len(rootHash) == 0 {
		return merkleStore.TreeParams{}, fmt.Errorf("invalid root hash")
	}
	return merkleStore.TreeParams{
		RootHash:             rootHash,
		ChainId:              types.ChainId(chainId),
		AssetContractAddress: common.HexToAddress(contract),
	}, nil
}

func (s *Server) handleGetMerkleTree(w http.ResponseWriter, r *http.Request) {
	params, err := parseTreeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	found, err := s.trees.FetchTree(r.Context(), params)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to fetch merkle tree", "rootHash", params.RootHash.Hex(), "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if found == nil {
		http.Error(w, "Merkle tree not found", http.StatusNotFound)
		return
	}

	s.writeJSON(w, found.Tree)
}

func (s *Server) handleGetMerklePath(w http.ResponseWriter, r *http.Request) {
	params, err := parseTreeParams(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	wallet := r.PathValue("wallet")
	if !common.IsHexAddress(wallet) {
		http.Error(w, "invalid wallet address", http.StatusBadRequest)
		return
	}
	addressParams := merkleStore.AddressParams{TreeParams: params, Address: common.HexToAddress(wallet)}

	// cheap row lookup before rebuilding the whole tree
	contains, err := s.trees.ContainsAddress(r.Context(), addressParams)
	if err != nil {
		s.logger.Sugar().Errorw("Failed to look up merkle leaf", "wallet", wallet, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}
	if !contains {
		http.Error(w, "Merkle tree path not found", http.StatusNotFound)
		return
	}

	proof, err := s.trees.GetProof(r.Context(), addressParams)
	if errors.Is(err, merkleStore.ErrNotFound) {
		http.Error(w, "Merkle tree path not found", http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Sugar().Errorw("Failed to build merkle proof", "wallet", wallet, "error", err)
		http.Error(w, "Internal error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, MerklePathResponse{
		WalletAddress: proof.Address.Hex(),
		WalletBalance: proof.Balance,
		RootHash:      proof.RootHash,
		LeafHash:      proof.LeafHash,
		Proof:         proof.Proof,
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, body any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(body); err != nil {
		s.logger.Sugar().Errorw("Failed to encode response", "error", err)
	}
}
