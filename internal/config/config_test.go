package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.HTTPPort)
	assert.Equal(t, []string{"localhost:6379"}, cfg.RedisAddrs)
	assert.Equal(t, 10*time.Second, cfg.GatewayTimeout)
	assert.Equal(t, 16, cfg.ReplicationConcurrency)
	assert.Equal(t, "100000", cfg.DefaultContractSize.String())
	assert.Equal(t, int64(-1), cfg.WorkerID)
	assert.True(t, cfg.MigrateOnStart)
}

func TestLoad_Overrides(t *testing.T) {
	t.Setenv("REDIS_ADDRS", "redis-a:6379, redis-b:6379,,")
	t.Setenv("GATEWAY_TIMEOUT", "2500ms")
	t.Setenv("REPLICATION_CONCURRENCY", "4")
	t.Setenv("WORKER_ID", "17")
	t.Setenv("MIGRATE_ON_START", "false")
	t.Setenv("CLOUDSQL_INSTANCE", "proj:region:db")
	t.Setenv("DB_PASSWORD", "secret")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, []string{"redis-a:6379", "redis-b:6379"}, cfg.RedisAddrs)
	assert.Equal(t, 2500*time.Millisecond, cfg.GatewayTimeout)
	assert.Equal(t, 4, cfg.ReplicationConcurrency)
	assert.Equal(t, int64(17), cfg.WorkerID)
	assert.False(t, cfg.MigrateOnStart)
	assert.Equal(t, "postgres://copytrade:secret@/copytrade?host=/cloudsql/proj:region:db", cfg.DatabaseURL)
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		key, value string
	}{
		{"GATEWAY_TIMEOUT", "soon"},
		{"GATEWAY_TIMEOUT", "-1s"},
		{"REPLICATION_CONCURRENCY", "0"},
		{"WORKER_ID", "2048"},
		{"DEFAULT_CONTRACT_SIZE", "abc"},
		{"DEFAULT_MIN_LOT", "500"},
		{"MIGRATE_ON_START", "maybe"},
	}
	for _, tt := range tests {
		t.Run(tt.key+"="+tt.value, func(t *testing.T) {
			t.Setenv(tt.key, tt.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
