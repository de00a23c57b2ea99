package tests

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/project"
)

var (
	// AnvilProjectId and SepoliaProjectId are the projects in internal/testData/projects.yaml
	AnvilProjectId   = uuid.MustParse("8b0e5b0a-4d3c-4f4e-9a52-6f0f3b1c2d01")
	SepoliaProjectId = uuid.MustParse("8b0e5b0a-4d3c-4f4e-9a52-6f0f3b1c2d02")
)

func GetProjectRootPath() string {
	wd, err := os.Getwd()
	if err != nil {
		panic(err)
	}
	startingPath := ""
	iterations := 0
	for {
		if iterations > 10 {
			panic("Could not find project root path")
		}
		iterations++
		p, err := filepath.Abs(fmt.Sprintf("%s/%s", wd, startingPath))
		if err != nil {
			panic(err)
		}

		match := regexp.MustCompile(`\/asset-snapshots-go([A-Za-z0-9_-]+)?\/?$`)
		if match.MatchString(p) {
			return p
		}
		// checkouts under another directory name
		if _, err := os.Stat(filepath.Join(p, "go.mod")); err == nil {
			return p
		}
		startingPath = startingPath + "/.."
	}
}

// LoadTestProjects reads the projects fixture shared by the integration tests.
func LoadTestProjects(projectRoot string) (*project.StaticLookup, error) {
	return project.LoadStaticLookup(filepath.Join(projectRoot, "internal/testData/projects.yaml"))
}

// LiveChainConfig describes a token on a real node for the live RPC test.
type LiveChainConfig struct {
	RpcUrl      string
	Token       common.Address
	BlockNumber uint64
}

// ReadLiveChainConfig reads SNAPSHOT_TEST_RPC_URL, SNAPSHOT_TEST_TOKEN and SNAPSHOT_TEST_BLOCK.
// Returns nil when any of them is unset.
func ReadLiveChainConfig() (*LiveChainConfig, error) {
	rpcUrl := os.Getenv("SNAPSHOT_TEST_RPC_URL")
	token := os.Getenv("SNAPSHOT_TEST_TOKEN")
	block := os.Getenv("SNAPSHOT_TEST_BLOCK")
	if rpcUrl == "" || token == "" || block == "" {
		return nil, nil
	}
	if !common.IsHexAddress(token) {
		return nil, fmt.Errorf("SNAPSHOT_TEST_TOKEN is not an address: %q", token)
	}
	blockNumber, err := strconv.ParseUint(block, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("SNAPSHOT_TEST_BLOCK: %w", err)
	}
	return &LiveChainConfig{
		RpcUrl:      rpcUrl,
		Token:       common.HexToAddress(token),
		BlockNumber: blockNumber,
	}, nil
}
