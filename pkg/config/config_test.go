package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
	assert.Equal(t, "badger", cfg.Storage.Engine)
	assert.InDelta(t, 0.667, cfg.Consensus.FinalityThreshold, 1e-9)
}

func TestDevNetworkDefaultsUseEphemeralPort(t *testing.T) {
	cfg := DevNetworkDefaults()
	assert.Equal(t, "127.0.0.1:0", cfg.Network.BindAddr)
	assert.Less(t, cfg.Network.MaxPeers, DefaultConfig().Network.MaxPeers)
}

func TestValidateRejectsZeroBlockTime(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consensus.BlockTime = 0
	assert.Error(t, cfg.Validate())
}

func TestValidateRejectsOutOfRangeFinalityThreshold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Consensus.FinalityThreshold = 0.3
	assert.Error(t, cfg.Validate())

	cfg.Consensus.FinalityThreshold = 1.2
	assert.Error(t, cfg.Validate())
}

func TestLoadConfigOverridesFromFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	contents := "node:\n  data_dir: /tmp/custom-data\nconsensus:\n  finality_threshold: 0.8\n"
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, "/tmp/custom-data", cfg.Node.DataDir)
	assert.InDelta(t, 0.8, cfg.Consensus.FinalityThreshold, 1e-9)
	// Untouched sections keep their defaults.
	assert.Equal(t, "badger", cfg.Storage.Engine)
}

func TestLoadConfigWithoutFileUsesDefaults(t *testing.T) {
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Network.MaxPeers, cfg.Network.MaxPeers)
}

func TestLoadConfigEnvironmentOverride(t *testing.T) {
	t.Setenv("BFTNODE_NODE_LOG_LEVEL", "debug")
	cfg, err := LoadConfig("")
	require.NoError(t, err)
	assert.Equal(t, "debug", cfg.Node.LogLevel)
}
