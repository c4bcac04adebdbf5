package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadConfig_Defaults(t *testing.T) {
	cfg, err := loadConfig([]string{"blockd"})
	require.NoError(t, err)

	assert.Equal(t, ":5683", cfg.CoAPAddress)
	assert.Equal(t, ":9000", cfg.QUICAddress)
	assert.Equal(t, ":8080", cfg.HTTPAddress)
	assert.Equal(t, "memory", cfg.Backend)
	assert.Equal(t, 1<<20, cfg.MaxBodySize)
	assert.Equal(t, 2*time.Minute, cfg.StaleAfter)
	assert.Equal(t, 247*time.Second, cfg.ExchangeLifetime)
	assert.Equal(t, "zstd", cfg.DeliveryCodec)
	assert.Equal(t, "info", cfg.LogLevel)
}

func TestLoadConfig_FileEnvFlags(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blockd.yaml")
	yaml := `
coap:
  listen: ":6000"
  workers: 3
store:
  max_body_size: 4096
  stale_after: 45s
delivery:
  codec: lz4
log:
  level: warn
`
	require.NoError(t, os.WriteFile(path, []byte(yaml), 0o600))

	t.Setenv("BLOCKD_STORE_SHARDS", "8")
	t.Setenv("BLOCKD_HTTP_LISTEN", "127.0.0.1:9999")

	cfg, err := loadConfig([]string{"blockd", "--config", path, "--log-level", "debug", "--quic", "127.0.0.1:7000"})
	require.NoError(t, err)

	// File values
	assert.Equal(t, ":6000", cfg.CoAPAddress)
	assert.Equal(t, 3, cfg.CoAPWorkers)
	assert.Equal(t, 4096, cfg.MaxBodySize)
	assert.Equal(t, 45*time.Second, cfg.StaleAfter)
	assert.Equal(t, "lz4", cfg.DeliveryCodec)

	// Environment
	assert.Equal(t, 8, cfg.Shards)
	assert.Equal(t, "127.0.0.1:9999", cfg.HTTPAddress)

	// Flags win over the file
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:7000", cfg.QUICAddress)
}

func TestLoadConfig_Invalid(t *testing.T) {
	_, err := loadConfig([]string{"blockd", "--backend", "etcd"})
	assert.Error(t, err)

	_, err = loadConfig([]string{"blockd", "--config", filepath.Join(t.TempDir(), "missing.yaml")})
	assert.Error(t, err)

	t.Setenv("BLOCKD_STORE_STALE_AFTER", "0s")
	_, err = loadConfig([]string{"blockd"})
	assert.Error(t, err)
}

func TestLoadOrGenerateKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "key")

	first, err := loadOrGenerateKey(path)
	require.NoError(t, err)

	second, err := loadOrGenerateKey(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, os.WriteFile(path, []byte("short"), 0o600))
	_, err = loadOrGenerateKey(path)
	assert.Error(t, err)
}

func TestNodeLifecycle(t *testing.T) {
	cfg, err := loadConfig([]string{"blockd", "--coap", "127.0.0.1:0", "--quic", "127.0.0.1:0", "--http", "127.0.0.1:0"})
	require.NoError(t, err)

	cfg.PrivateKey, err = generateNewKey()
	require.NoError(t, err)

	node, err := NewNode(cfg)
	require.NoError(t, err)
	require.NoError(t, node.Start())

	assert.NotEmpty(t, node.coap.Addr())
	assert.NotEmpty(t, node.network.Addr())
	assert.NotEmpty(t, node.api.Addr())

	require.NoError(t, node.Close())
}
