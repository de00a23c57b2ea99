package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validConfig() *SnapshotServerConfig {
	return &SnapshotServerConfig{
		Port:                 DefaultPort,
		Persistence:          PersistenceType_Memory,
		Pinning:              PinningType_Local,
		ProjectsFile:         "projects.yaml",
		QueueInitialDelay:    DefaultQueueInitialDelay,
		QueuePeriod:          DefaultQueuePeriod,
		RpcRequestsPerSecond: DefaultRpcRequestsPerSecond,
	}
}

func TestSnapshotServerConfig_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *SnapshotServerConfig)
		wantErr string
	}{
		{name: "valid memory config", mutate: func(c *SnapshotServerConfig) {}},
		{
			name:    "port out of range",
			mutate:  func(c *SnapshotServerConfig) { c.Port = 70000 },
			wantErr: "port",
		},
		{
			name:    "badger without dir",
			mutate:  func(c *SnapshotServerConfig) { c.Persistence = PersistenceType_Badger },
			wantErr: "badgerDir",
		},
		{
			name: "badger with dir",
			mutate: func(c *SnapshotServerConfig) {
				c.Persistence = PersistenceType_Badger
				c.BadgerDir = "/tmp/snapshots"
			},
		},
		{
			name:    "postgres without dsn",
			mutate:  func(c *SnapshotServerConfig) { c.Persistence = PersistenceType_Postgres },
			wantErr: "postgresDSN",
		},
		{
			name:    "redis without address",
			mutate:  func(c *SnapshotServerConfig) { c.Persistence = PersistenceType_Redis },
			wantErr: "redisAddress",
		},
		{
			name:    "unknown persistence",
			mutate:  func(c *SnapshotServerConfig) { c.Persistence = "sqlite" },
			wantErr: "persistence",
		},
		{
			name: "pinata without jwt",
			mutate: func(c *SnapshotServerConfig) {
				c.Pinning = PinningType_Pinata
				c.PinataUrl = DefaultPinataUrl
			},
			wantErr: "pinataJWT",
		},
		{
			name:    "missing projects file",
			mutate:  func(c *SnapshotServerConfig) { c.ProjectsFile = "" },
			wantErr: "projectsFile",
		},
		{
			name:    "zero queue period",
			mutate:  func(c *SnapshotServerConfig) { c.QueuePeriod = 0 },
			wantErr: "queuePeriod",
		},
		{
			name:    "negative initial delay",
			mutate:  func(c *SnapshotServerConfig) { c.QueueInitialDelay = -time.Second },
			wantErr: "queueInitialDelay",
		},
		{
			name:    "zero rpc rate",
			mutate:  func(c *SnapshotServerConfig) { c.RpcRequestsPerSecond = 0 },
			wantErr: "rpcRequestsPerSecond",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := validConfig()
			tt.mutate(c)
			err := c.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)
				return
			}
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestSnapshotServerConfig_ValidateAggregatesErrors(t *testing.T) {
	c := &SnapshotServerConfig{}
	err := c.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "port")
	assert.Contains(t, err.Error(), "persistence")
	assert.Contains(t, err.Error(), "projectsFile")
}

func TestIsSupportedChain(t *testing.T) {
	assert.True(t, IsSupportedChain(ChainId_EthereumMainnet))
	assert.True(t, IsSupportedChain(ChainId_EthereumAnvil))
	assert.False(t, IsSupportedChain(424242))
}
