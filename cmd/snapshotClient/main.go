package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/urfave/cli/v2"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/client"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/logger"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/merkle"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/server"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/transport"
	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

func main() {
	app := &cli.App{
		Name:  "snapshot-client",
		Usage: "Client for the asset snapshot server",
		Description: `A client for requesting ERC20 holder snapshots and fetching Merkle proofs.

This client can:
- Submit a snapshot of a token's holders at a block
- Inspect and wait for snapshots of a project
- Fetch and verify a holder's Merkle path against a snapshot root`,
		Version: "1.0.0",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Snapshot server base URL",
				Value:   "http://localhost:8080",
				EnvVars: []string{"SNAPSHOT_SERVER_URL"},
			},
			&cli.BoolFlag{
				Name:  "verbose",
				Usage: "Enable debug logging",
			},
		},
		Commands: []*cli.Command{
			{
				Name:  "submit",
				Usage: "Queue a snapshot of an ERC20 token",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "project-id", Usage: "Project the snapshot belongs to", Required: true},
					&cli.StringFlag{Name: "name", Usage: "Snapshot name", Required: true},
					&cli.StringFlag{Name: "asset", Usage: "ERC20 contract address", Required: true},
					&cli.Uint64Flag{Name: "block", Usage: "Block to snapshot balances at", Required: true},
					&cli.StringSliceFlag{Name: "ignore", Usage: "Holder address to leave out (repeatable)"},
					&cli.BoolFlag{Name: "wait", Usage: "Wait until the snapshot finishes"},
					&cli.DurationFlag{Name: "poll-interval", Usage: "Polling interval with --wait", Value: 2 * time.Second},
				},
				Action: submitCommand,
			},
			{
				Name:      "get",
				Usage:     "Show a snapshot",
				ArgsUsage: "<snapshot-id>",
				Action:    getCommand,
			},
			{
				Name:  "list",
				Usage: "List a project's snapshots",
				Flags: []cli.Flag{
					&cli.StringFlag{Name: "project-id", Usage: "Project to list", Required: true},
					&cli.StringSliceFlag{Name: "status", Usage: "Only snapshots with this status (PENDING, SUCCESS, FAILED)"},
				},
				Action: listCommand,
			},
			{
				Name:      "wait",
				Usage:     "Wait until a snapshot is SUCCESS or FAILED",
				ArgsUsage: "<snapshot-id>",
				Flags: []cli.Flag{
					&cli.DurationFlag{Name: "poll-interval", Usage: "Polling interval", Value: 2 * time.Second},
				},
				Action: waitCommand,
			},
			{
				Name:  "path",
				Usage: "Fetch a holder's Merkle path",
				Flags: []cli.Flag{
					&cli.Uint64Flag{Name: "chain-id", Usage: "Chain id of the token", Required: true},
					&cli.StringFlag{Name: "asset", Usage: "ERC20 contract address", Required: true},
					&cli.StringFlag{Name: "root", Usage: "Merkle root hash (0x hex)", Required: true},
					&cli.StringFlag{Name: "wallet", Usage: "Holder address", Required: true},
					&cli.BoolFlag{Name: "verify", Usage: "Verify the returned proof locally"},
				},
				Action: pathCommand,
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

// createClient creates a snapshot client from CLI context
func createClient(c *cli.Context) (*client.SnapshotClient, error) {
	zapLogger, err := logger.NewLogger(&logger.LoggerConfig{Debug: c.Bool("verbose")})
	if err != nil {
		return nil, fmt.Errorf("failed to create logger: %w", err)
	}
	t := transport.NewClient(nil, transport.DefaultRetryConfig, zapLogger)
	return client.NewSnapshotClient(c.String("server-url"), t, zapLogger), nil
}

func parseAddress(name, value string) (common.Address, error) {
	if !common.IsHexAddress(value) {
		return common.Address{}, fmt.Errorf("invalid %s address: %q", name, value)
	}
	return common.HexToAddress(value), nil
}

func snapshotIdArg(c *cli.Context) (uuid.UUID, error) {
	if c.NArg() != 1 {
		return uuid.Nil, fmt.Errorf("expected exactly one snapshot id")
	}
	id, err := uuid.Parse(c.Args().First())
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid snapshot id: %w", err)
	}
	return id, nil
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func submitCommand(c *cli.Context) error {
	projectId, err := uuid.Parse(c.String("project-id"))
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}
	asset, err := parseAddress("asset", c.String("asset"))
	if err != nil {
		return err
	}
	ignored := make([]string, 0, len(c.StringSlice("ignore")))
	for _, a := range c.StringSlice("ignore") {
		address, err := parseAddress("ignored holder", a)
		if err != nil {
			return err
		}
		ignored = append(ignored, address.Hex())
	}

	sc, err := createClient(c)
	if err != nil {
		return err
	}

	id, err := sc.CreateSnapshot(c.Context, projectId, &server.CreateSnapshotRequest{
		Name:                   c.String("name"),
		AssetAddress:           asset.Hex(),
		PayoutBlockNumber:      c.Uint64("block"),
		IgnoredHolderAddresses: ignored,
	})
	if err != nil {
		return fmt.Errorf("failed to submit snapshot: %w", err)
	}
	fmt.Printf("Snapshot queued: %s\n", id)

	if !c.Bool("wait") {
		return nil
	}
	snapshot, err := sc.WaitForSnapshot(c.Context, id, c.Duration("poll-interval"))
	if err != nil {
		return fmt.Errorf("failed waiting for snapshot: %w", err)
	}
	return printJSON(snapshot)
}

func getCommand(c *cli.Context) error {
	id, err := snapshotIdArg(c)
	if err != nil {
		return err
	}
	sc, err := createClient(c)
	if err != nil {
		return err
	}
	snapshot, err := sc.GetSnapshot(c.Context, id)
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}

func listCommand(c *cli.Context) error {
	projectId, err := uuid.Parse(c.String("project-id"))
	if err != nil {
		return fmt.Errorf("invalid project id: %w", err)
	}

	var statuses []types.SnapshotStatus
	for _, s := range c.StringSlice("status") {
		status, err := types.ParseSnapshotStatus(strings.ToUpper(s))
		if err != nil {
			return err
		}
		statuses = append(statuses, status)
	}

	sc, err := createClient(c)
	if err != nil {
		return err
	}
	snapshots, err := sc.ListSnapshots(c.Context, projectId, statuses...)
	if err != nil {
		return err
	}
	return printJSON(server.SnapshotsResponse{Snapshots: snapshots})
}

func waitCommand(c *cli.Context) error {
	id, err := snapshotIdArg(c)
	if err != nil {
		return err
	}
	sc, err := createClient(c)
	if err != nil {
		return err
	}
	snapshot, err := sc.WaitForSnapshot(c.Context, id, c.Duration("poll-interval"))
	if err != nil {
		return err
	}
	return printJSON(snapshot)
}

func pathCommand(c *cli.Context) error {
	asset, err := parseAddress("asset", c.String("asset"))
	if err != nil {
		return err
	}
	wallet, err := parseAddress("wallet", c.String("wallet"))
	if err != nil {
		return err
	}
	root, err := merkle.HexToHash(c.String("root"))
	if err != nil {
		return fmt.Errorf("invalid root hash: %w", err)
	}

	sc, err := createClient(c)
	if err != nil {
		return err
	}
	path, err := sc.GetMerklePath(c.Context, types.ChainId(c.Uint64("chain-id")), asset, root, wallet)
	if err != nil {
		return err
	}
	if err := printJSON(path); err != nil {
		return err
	}

	if c.Bool("verify") {
		if err := client.VerifyMerklePath(path, root, merkle.HashFunctionKeccak256); err != nil {
			return fmt.Errorf("proof verification failed: %w", err)
		}
		fmt.Printf("Proof verified: %s holds %s\n", wallet.Hex(), path.WalletBalance)
	}
	return nil
}
