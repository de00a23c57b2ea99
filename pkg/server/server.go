package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkleStore"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/project"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

/*
Server is the HTTP face of the snapshot service. It only translates requests; all state lives
behind the snapshot queue and the merkle tree store.

Snapshots:
  POST /v1/asset-snapshots
    - Header X-Project-Id selects the project; the project decides the chain
    - Request: { name, assetAddress, payoutBlockNumber, ignoredHolderAddresses }
    - Response: { id } once the PENDING row is written; processing happens later

  GET /v1/asset-snapshots/{id}
    - Status, failure cause and, for SUCCESS, the merkle root, depth and pin hash

  GET /v1/asset-snapshots/by-project/{projectId}?status=PENDING&status=SUCCESS
    - Oldest first; no status filter returns everything

Merkle trees:
  GET /v1/merkle-tree/{chainId}/{contract}/{rootHash}
    - Canonical JSON of the stored tree

  GET /v1/merkle-tree/{chainId}/{contract}/{rootHash}/path/{wallet}
    - Holder balance and sibling hashes ordered leaf to root, as the on-chain verifier expects

Metrics:
  GET /metrics
*/

const ProjectIdHeader = "X-Project-Id"

// ISnapshotService is the part of the snapshot queue the server calls.
type ISnapshotService interface {
	Submit(ctx context.Context, params *types.CreateSnapshotParams) (uuid.UUID, error)
	GetSnapshotById(ctx context.Context, id uuid.UUID) (*types.FullSnapshot, error)
	GetAllByProjectAndStatuses(ctx context.Context, projectId uuid.UUID, statuses []types.SnapshotStatus) ([]*types.FullSnapshot, error)
}

type Config struct {
	Port int
	// ShutdownTimeout bounds how long Stop waits for in-flight requests
	ShutdownTimeout time.Duration
}

type Server struct {
	config     *Config
	snapshots  ISnapshotService
	trees      merkleStore.IMerkleTreeStore
	projects   project.IProjectLookup
	httpServer *http.Server
	logger     *zap.Logger
}

// NewServer creates the server. gatherer may be nil, in which case /metrics is not served.
func NewServer(
	config *Config,
	snapshots ISnapshotService,
	trees merkleStore.IMerkleTreeStore,
	projects project.IProjectLookup,
	gatherer prometheus.Gatherer,
	logger *zap.Logger,
) *Server {
	s := &Server{
		config:    config,
		snapshots: snapshots,
		trees:     trees,
		projects:  projects,
		logger:    logger,
	}

	mux := http.NewServeMux()

	// Snapshot endpoints
	mux.HandleFunc("POST /v1/asset-snapshots", s.handleCreateSnapshot)
	mux.HandleFunc("GET /v1/asset-snapshots/{id}", s.handleGetSnapshot)
	mux.HandleFunc("GET /v1/asset-snapshots/by-project/{projectId}", s.handleListSnapshots)

	// Merkle tree endpoints
	mux.HandleFunc("GET /v1/merkle-tree/{chainId}/{contract}/{rootHash}", s.handleGetMerkleTree)
	mux.HandleFunc("GET /v1/merkle-tree/{chainId}/{contract}/{rootHash}/path/{wallet}", s.handleGetMerklePath)

	if gatherer != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	}

	s.httpServer = &http.Server{
		Addr:              fmt.Sprintf(":%d", config.Port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s
}

// Start starts the HTTP server
func (s *Server) Start() error {
	go func() {
		s.logger.Sugar().Infow("Starting HTTP server", "port", s.httpServer.Addr)
		if err := s.httpServer.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			s.logger.Sugar().Errorw("HTTP server error", "error", err)
		}
	}()
	return nil
}

// Stop drains in-flight requests, then closes the listener.
func (s *Server) Stop() error {
	timeout := s.config.ShutdownTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

// GetHandler returns the HTTP handler (for testing)
func (s *Server) GetHandler() http.Handler {
	return s.httpServer.Handler
}
