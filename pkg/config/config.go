package config

import (
	"fmt"
	"time"

	"k8s.io/apimachinery/pkg/util/validation/field"

	"github.com/Layr-Labs/asset-snapshots-go/pkg/types"
)

// Environment variable names for snapshot server configuration
const (
	EnvSnapshotPort                 = "SNAPSHOT_PORT"
	EnvSnapshotPersistence          = "SNAPSHOT_PERSISTENCE"
	EnvSnapshotBadgerDir            = "SNAPSHOT_BADGER_DIR"
	EnvSnapshotPostgresDSN          = "SNAPSHOT_POSTGRES_DSN"
	EnvSnapshotRedisAddress         = "SNAPSHOT_REDIS_ADDRESS"
	EnvSnapshotRedisPassword        = "SNAPSHOT_REDIS_PASSWORD"
	EnvSnapshotPinning              = "SNAPSHOT_PINNING"
	EnvSnapshotPinataUrl            = "SNAPSHOT_PINATA_URL"
	EnvSnapshotPinataJWT            = "SNAPSHOT_PINATA_JWT"
	EnvSnapshotProjectsFile         = "SNAPSHOT_PROJECTS_FILE"
	EnvSnapshotQueueInitialDelay    = "SNAPSHOT_QUEUE_INITIAL_DELAY"
	EnvSnapshotQueuePeriod          = "SNAPSHOT_QUEUE_PERIOD"
	EnvSnapshotRpcRequestsPerSecond = "SNAPSHOT_RPC_REQUESTS_PER_SECOND"
	EnvSnapshotDebug                = "SNAPSHOT_DEBUG"
)

const (
	ChainId_EthereumMainnet types.ChainId = 1
	ChainId_EthereumSepolia types.ChainId = 11155111
	ChainId_EthereumHolesky types.ChainId = 17000
	ChainId_BaseMainnet     types.ChainId = 8453
	ChainId_EthereumAnvil   types.ChainId = 31337
)

type ChainName string

const (
	ChainName_EthereumMainnet ChainName = "mainnet"
	ChainName_EthereumSepolia ChainName = "sepolia"
	ChainName_EthereumHolesky ChainName = "holesky"
	ChainName_BaseMainnet     ChainName = "base"
	ChainName_EthereumAnvil   ChainName = "devnet"
)

var ChainIdToName = map[types.ChainId]ChainName{
	ChainId_EthereumMainnet: ChainName_EthereumMainnet,
	ChainId_EthereumSepolia: ChainName_EthereumSepolia,
	ChainId_EthereumHolesky: ChainName_EthereumHolesky,
	ChainId_BaseMainnet:     ChainName_BaseMainnet,
	ChainId_EthereumAnvil:   ChainName_EthereumAnvil,
}

// IsSupportedChain reports whether snapshots can be requested for the chain.
func IsSupportedChain(chainId types.ChainId) bool {
	_, ok := ChainIdToName[chainId]
	return ok
}

type PersistenceType string

const (
	PersistenceType_Memory   PersistenceType = "memory"
	PersistenceType_Badger   PersistenceType = "badger"
	PersistenceType_Postgres PersistenceType = "postgres"
	PersistenceType_Redis    PersistenceType = "redis"
)

type PinningType string

const (
	PinningType_Local  PinningType = "local"
	PinningType_Pinata PinningType = "pinata"
)

const (
	DefaultPort                 = 8080
	DefaultPinataUrl            = "https://api.pinata.cloud"
	DefaultQueueInitialDelay    = 1 * time.Second
	DefaultQueuePeriod          = 1 * time.Second
	DefaultRpcRequestsPerSecond = 10
)

// SnapshotServerConfig represents the complete configuration for a snapshot server
type SnapshotServerConfig struct {
	Port int `json:"port"`

	Persistence PersistenceType `json:"persistence"`
	BadgerDir   string          `json:"badger_dir"`
	PostgresDSN string          `json:"postgres_dsn"`

	// Required for redis persistence. With any other backend it is optional and
	// moves the deployment block cache into Redis.
	RedisAddress  string `json:"redis_address"`
	RedisPassword string `json:"redis_password"`

	Pinning   PinningType `json:"pinning"`
	PinataUrl string      `json:"pinata_url"`
	PinataJWT string      `json:"pinata_jwt"`

	ProjectsFile string `json:"projects_file"`

	QueueInitialDelay    time.Duration `json:"queue_initial_delay"`
	QueuePeriod          time.Duration `json:"queue_period"`
	RpcRequestsPerSecond int           `json:"rpc_requests_per_second"`

	Debug bool `json:"debug"`
}

// Validate validates the snapshot server configuration
func (c *SnapshotServerConfig) Validate() error {
	var allErrors field.ErrorList

	if c.Port < 1 || c.Port > 65535 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("port"), c.Port, "port must be between 1-65535"))
	}

	switch c.Persistence {
	case PersistenceType_Memory:
	case PersistenceType_Badger:
		if c.BadgerDir == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("badgerDir"), "badgerDir is required for badger persistence"))
		}
	case PersistenceType_Postgres:
		if c.PostgresDSN == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("postgresDSN"), "postgresDSN is required for postgres persistence"))
		}
	case PersistenceType_Redis:
		if c.RedisAddress == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("redisAddress"), "redisAddress is required for redis persistence"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("persistence"), c.Persistence,
			[]string{string(PersistenceType_Memory), string(PersistenceType_Badger), string(PersistenceType_Postgres), string(PersistenceType_Redis)}))
	}

	switch c.Pinning {
	case PinningType_Local:
	case PinningType_Pinata:
		if c.PinataJWT == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("pinataJWT"), "pinataJWT is required for pinata pinning"))
		}
		if c.PinataUrl == "" {
			allErrors = append(allErrors, field.Required(field.NewPath("pinataUrl"), "pinataUrl is required for pinata pinning"))
		}
	default:
		allErrors = append(allErrors, field.NotSupported(field.NewPath("pinning"), c.Pinning,
			[]string{string(PinningType_Local), string(PinningType_Pinata)}))
	}

	if c.ProjectsFile == "" {
		allErrors = append(allErrors, field.Required(field.NewPath("projectsFile"), "projectsFile is required"))
	}
	if c.QueueInitialDelay < 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("queueInitialDelay"), c.QueueInitialDelay.String(), "must not be negative"))
	}
	if c.QueuePeriod <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("queuePeriod"), c.QueuePeriod.String(), "must be positive"))
	}
	if c.RpcRequestsPerSecond <= 0 {
		allErrors = append(allErrors, field.Invalid(field.NewPath("rpcRequestsPerSecond"), c.RpcRequestsPerSecond, "must be positive"))
	}

	if len(allErrors) > 0 {
		return allErrors.ToAggregate()
	}
	return nil
}

// GetSupportedChainIDsString returns supported chain IDs as strings for CLI help
func GetSupportedChainIDsString() string {
	return fmt.Sprintf("%d (mainnet), %d (sepolia), %d (holesky), %d (base), %d (anvil)",
		ChainId_EthereumMainnet, ChainId_EthereumSepolia, ChainId_EthereumHolesky, ChainId_BaseMainnet, ChainId_EthereumAnvil)
}
